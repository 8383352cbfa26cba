package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geotrack/geotrack/pkg/logx"
)

func TestStatusAggregatesChecks(t *testing.T) {
	c := NewChecker("1.2.3", logx.Discard())
	c.Register("places", func(ctx context.Context) error { return nil })

	status := c.Status(context.Background())
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "1.2.3", status.Version)
	assert.Equal(t, "healthy", status.Components["places"].Status)

	c.Register("sink", func(ctx context.Context) error { return errors.New("connection refused") })
	status = c.Status(context.Background())
	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, "connection refused", status.Components["sink"].Message)
}

func TestRoutes(t *testing.T) {
	c := NewChecker("dev", logx.Discard())
	healthy := true
	c.Register("tracker", func(ctx context.Context) error {
		if healthy {
			return nil
		}
		return errors.New("watch timed out")
	})
	c.RecordError("tracker", "timeout", "watch timed out")

	r := chi.NewRouter()
	r.Route("/health", c.Routes)

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	rec := get("/health")
	require.Equal(t, http.StatusOK, rec.Code)
	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Nil(t, status.LastError, "basic status omits the last error")
	assert.Nil(t, status.Memory)

	rec = get("/health/detailed")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.NotNil(t, status.LastError)
	assert.Equal(t, "timeout", status.LastError.Type)
	require.NotNil(t, status.Memory)
	assert.Positive(t, status.Memory.Routines)

	assert.Equal(t, http.StatusOK, get("/health/ready").Code)
	assert.Equal(t, http.StatusOK, get("/health/live").Code)

	healthy = false
	assert.Equal(t, http.StatusServiceUnavailable, get("/health").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get("/health/ready").Code)
	assert.Equal(t, http.StatusOK, get("/health/live").Code)
}
