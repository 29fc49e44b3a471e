package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandler_ExposesRegisteredCollectors(t *testing.T) {
	RateLimitRejections.WithLabelValues("test.endpoint").Inc()
	LeaseContention.WithLabelValues("erasure").Inc()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "fleetcore_ratelimit_rejections_total")
	assert.Contains(t, body, "fleetcore_scheduler_lease_contention_total")
	assert.Contains(t, body, `endpoint="test.endpoint"`)
}
