package runner

import (
	"context"
	"testing"
	"time"

	"github.com/fleetcore/control-plane/internal/db"
	"github.com/fleetcore/control-plane/internal/repository"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRunnerNotifier struct {
	offlineCalls int
	lastRunnerID uuid.UUID
	lastName     string
}

func (f *fakeRunnerNotifier) NotifyRunnerOffline(ctx context.Context, runnerID uuid.UUID, runnerName string) error {
	f.offlineCalls++
	f.lastRunnerID = runnerID
	f.lastName = runnerName
	return nil
}

func newRunnerTestService(t *testing.T, notifier Notifier) (*Service, uuid.UUID) {
	t.Helper()
	gdb, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)

	projects := repository.NewProjectRepository(gdb)
	runners := repository.NewRunnerRepository(gdb)
	tokens := repository.NewRunnerTokenRepository(gdb)

	project := &db.Project{Name: "acme"}
	require.NoError(t, projects.Create(context.Background(), project))

	return NewService(runners, tokens, notifier, nil), project.ID
}

func TestHeartbeat_RejectsOversizedFields(t *testing.T) {
	svc, projectID := newRunnerTestService(t, nil)
	ctx := context.Background()

	t.Run("oversized version", func(t *testing.T) {
		_, err := svc.Heartbeat(ctx, projectID, "runner-1", false, string(make([]byte, maxVersionLen+1)), "")
		require.Error(t, err)
	})
	t.Run("oversized capabilities", func(t *testing.T) {
		_, err := svc.Heartbeat(ctx, projectID, "runner-1", false, "1.0.0", string(make([]byte, maxCapabilitiesLen+1)))
		require.Error(t, err)
	})
}

func TestHeartbeat_NotifiesOnlyOnOnlineToOfflineTransition(t *testing.T) {
	notifier := &fakeRunnerNotifier{}
	svc, projectID := newRunnerTestService(t, notifier)
	ctx := context.Background()

	r, err := svc.Heartbeat(ctx, projectID, "runner-1", false, "1.0.0", "{}")
	require.NoError(t, err)
	assert.Equal(t, "online", r.LastStatus)
	assert.Zero(t, notifier.offlineCalls, "no notification on first online heartbeat")

	r, err = svc.Heartbeat(ctx, projectID, "runner-1", true, "1.0.0", "{}")
	require.NoError(t, err)
	assert.Equal(t, "offline", r.LastStatus)
	assert.Equal(t, 1, notifier.offlineCalls, "transition to offline should notify exactly once")
	assert.Equal(t, "runner-1", notifier.lastName)
	assert.Equal(t, r.ID, notifier.lastRunnerID)

	_, err = svc.Heartbeat(ctx, projectID, "runner-1", true, "1.0.0", "{}")
	require.NoError(t, err)
	assert.Equal(t, 1, notifier.offlineCalls, "repeated offline heartbeats must not re-notify")
}

func TestCreateTokenAndAuthenticate(t *testing.T) {
	svc, projectID := newRunnerTestService(t, nil)
	ctx := context.Background()

	r, err := svc.Heartbeat(ctx, projectID, "runner-1", false, "1.0.0", "{}")
	require.NoError(t, err)

	createdBy := uuid.Must(uuid.NewV7())
	issued, err := svc.CreateToken(ctx, projectID, r.ID, createdBy)
	require.NoError(t, err)
	assert.NotEmpty(t, issued.Token)
	assert.NotEqual(t, issued.Token, issued.Record.TokenHash, "the plaintext token must never equal its stored hash")

	record, err := svc.Authenticate(ctx, issued.Token)
	require.NoError(t, err)
	assert.Equal(t, issued.Record.ID, record.ID)

	_, err = svc.Authenticate(ctx, "not-a-real-token")
	assert.Error(t, err)
}

func TestAuthenticate_RejectsRevokedAndExpiredTokens(t *testing.T) {
	svc, projectID := newRunnerTestService(t, nil)
	ctx := context.Background()

	r, err := svc.Heartbeat(ctx, projectID, "runner-1", false, "1.0.0", "{}")
	require.NoError(t, err)

	createdBy := uuid.Must(uuid.NewV7())

	t.Run("revoked", func(t *testing.T) {
		issued, err := svc.CreateToken(ctx, projectID, r.ID, createdBy)
		require.NoError(t, err)
		require.NoError(t, svc.RevokeToken(ctx, issued.Record.ID))
		_, err = svc.Authenticate(ctx, issued.Token)
		assert.Error(t, err)
	})

	t.Run("expired", func(t *testing.T) {
		const plaintext = "expired-token-plaintext"
		past := time.Now().Add(-time.Hour)
		require.NoError(t, svc.tokens.Create(ctx, &db.RunnerToken{
			ProjectID:       projectID,
			RunnerID:        r.ID,
			TokenHash:       sha256Hex(plaintext),
			CreatedByUserID: createdBy,
			ExpiresAt:       &past,
		}))
		_, err := svc.Authenticate(ctx, plaintext)
		assert.Error(t, err)
	})
}
