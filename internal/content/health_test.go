package content

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthClassifiesPaths(t *testing.T) {
	healthy := newGateway(t, ok("x"))
	slow := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(60 * time.Millisecond)
		w.Write([]byte("x"))
	})
	down := newGateway(t, status(http.StatusServiceUnavailable))

	opts := testOptions(healthy, slow, down)
	opts.SlowThreshold = 30 * time.Millisecond
	opts.HealthTimeout = time.Second
	f := NewFetcher(nil, opts)

	report := f.Health(context.Background())
	require.Len(t, report.Paths, 3)
	assert.Equal(t, PathHealthy, report.Paths[0].Status)
	assert.Equal(t, PathSlow, report.Paths[1].Status)
	assert.Equal(t, PathDown, report.Paths[2].Status)
	assert.True(t, report.Available())
	assert.False(t, report.Degraded())
}

func TestHealthAllDown(t *testing.T) {
	down := newGateway(t, status(http.StatusInternalServerError))
	f := NewFetcher(&failingPrimary{}, testOptions(down))

	report := f.Health(context.Background())
	require.Len(t, report.Paths, 2)
	assert.Equal(t, "primary", report.Paths[0].Path)
	assert.False(t, report.Available())
	assert.True(t, report.Degraded())
}
