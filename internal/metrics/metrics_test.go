package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("should register all metrics without panicking", func(t *testing.T) {
		m := New()
		assert.NotNil(t, m.Registry())
	})

	t.Run("should serve scraped metrics over HTTP", func(t *testing.T) {
		m := New()
		m.TasksSubmittedTotal.WithLabelValues("tenant-a", "normal").Inc()
		m.TasksRejectedTotal.WithLabelValues("tenant-a", "queue_full").Inc()
		m.LoopOutcomesTotal.WithLabelValues("success").Inc()

		srv := httptest.NewServer(m.Handler())
		defer srv.Close()

		resp, err := srv.Client().Get(srv.URL)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, 200, resp.StatusCode)
	})

	t.Run("should allow independent instances", func(t *testing.T) {
		// Each instance carries its own registry, so tests and embedded
		// deployments never trip duplicate registration.
		a := New()
		b := New()
		assert.NotSame(t, a.Registry(), b.Registry())
	})
}
