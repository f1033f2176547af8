package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/rxledger/internal/api/handlers"
	"github.com/drfirst/rxledger/internal/observability/metrics"
)

func TestOpsRouter(t *testing.T) {
	m := metrics.New(nil)
	m.ReadRepaired()
	health := handlers.NewHealthHandler(map[string]handlers.Check{
		"postgres": func(context.Context) error { return nil },
		"redpanda": func(context.Context) error { return errors.New("no brokers") },
	}, nil)
	srv := httptest.NewServer(OpsRouter(health, m, nil))
	defer srv.Close()

	for path, want := range map[string]int{
		"/health":  http.StatusOK,
		"/ready":   http.StatusServiceUnavailable,
		"/metrics": http.StatusOK,
		"/api/v1":  http.StatusNotFound,
	} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, want, resp.StatusCode, path)
	}
}

func TestNewServer(t *testing.T) {
	s := NewServer("9090", http.NotFoundHandler())
	assert.Equal(t, ":9090", s.Addr)
	assert.NotZero(t, s.ReadTimeout)
}
