package audit

import (
	"context"
	"strings"
	"testing"

	"github.com/fleetcore/control-plane/internal/db"
	"github.com/fleetcore/control-plane/internal/repository"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestValidateRepoPath(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"simple relative path", "src/main.go", "src/main.go", false},
		{"trims whitespace", "  src/main.go  ", "src/main.go", false},
		{"normalizes backslashes", `src\main.go`, "src/main.go", false},
		{"empty after trim", "   ", "", true},
		{"absolute path rejected", "/etc/passwd", "", true},
		{"drive letter rejected", `C:\Windows`, "", true},
		{"parent traversal rejected", "a/../../etc/passwd", "", true},
		{"control character rejected", "a\nb", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ValidateRepoPath(tc.in)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNormalizeStringArray(t *testing.T) {
	t.Run("trims and drops empties", func(t *testing.T) {
		got := NormalizeStringArray([]string{"  a  ", "", "   ", "b"})
		assert.Equal(t, []string{"a", "b"}, got)
	})
	t.Run("truncates overlong elements", func(t *testing.T) {
		long := strings.Repeat("x", 300)
		got := NormalizeStringArray([]string{long})
		require.Len(t, got, 1)
		assert.Len(t, got[0], 256)
	})
	t.Run("caps at 200 items", func(t *testing.T) {
		in := make([]string, 250)
		for i := range in {
			in[i] = "item"
		}
		got := NormalizeStringArray(in)
		assert.Len(t, got, 200)
	})
}

func TestIsSecretLikeKey(t *testing.T) {
	for _, k := range []string{"token", "API_KEY", "apiKey", "password", "passwd", "dbCredential", "secretValue"} {
		t.Run(k, func(t *testing.T) {
			assert.True(t, IsSecretLikeKey(k))
		})
	}
	for _, k := range []string{"name", "hostName", "status"} {
		t.Run(k, func(t *testing.T) {
			assert.False(t, IsSecretLikeKey(k))
		})
	}
}

func TestAppend_RequiresNonEmptyAction(t *testing.T) {
	ctx := context.Background()
	gdb, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)
	repo := repository.NewAuditLogRepository(gdb)
	svc := NewService(repo)

	userID := uuid.Must(uuid.NewV7())
	projectID := uuid.Must(uuid.NewV7())

	err = svc.Append(ctx, userID, &projectID, "   ", "", "")
	require.Error(t, err)

	require.NoError(t, svc.Append(ctx, userID, &projectID, "project.update", "project:"+projectID.String(), ""))
	entries, total, err := svc.ListByProject(ctx, projectID, 10, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, entries, 1)
	assert.Equal(t, "project.update", entries[0].Action)
}

func TestAppend_ProjectIDOptional(t *testing.T) {
	ctx := context.Background()
	gdb, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)
	repo := repository.NewAuditLogRepository(gdb)
	svc := NewService(repo)

	userID := uuid.Must(uuid.NewV7())
	require.NoError(t, svc.Append(ctx, userID, nil, "account.login", "", ""))
}
