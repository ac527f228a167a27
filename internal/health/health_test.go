package health

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pliu/chainchat/internal/content"
)

type pinger struct{ err error }

func (p pinger) Ping(ctx context.Context) error { return p.err }

type contentHealth struct{ status content.PathStatus }

func (p contentHealth) Health(ctx context.Context) content.HealthReport {
	return content.HealthReport{Paths: []content.PathHealth{{Path: "primary", Status: p.status}}}
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		checks []bool
		want   Status
	}{
		{[]bool{true, true, true, true}, StatusHealthy},
		{[]bool{true, true, true, false}, StatusDegraded},
		{[]bool{false, true, false, true}, StatusDegraded},
		{[]bool{true, false, false, false}, StatusUnhealthy},
		{[]bool{false, false, false, false}, StatusUnhealthy},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Aggregate(tt.checks...), "%v", tt.checks)
	}
}

func TestCheckerAllUp(t *testing.T) {
	c := &Checker{Ledger: pinger{}, Content: contentHealth{content.PathSlow}, Store: pinger{}, Queue: pinger{}}
	r := c.Check(context.Background())
	assert.True(t, r.Blockchain)
	assert.True(t, r.IPFS, "a slow path still counts as available")
	assert.True(t, r.Database)
	assert.True(t, r.Queue)
	assert.Equal(t, StatusHealthy, r.Status)
	assert.NotNil(t, r.Content)
}

func TestCheckerFailures(t *testing.T) {
	c := &Checker{
		Ledger:  pinger{errors.New("dial tcp: refused")},
		Content: contentHealth{content.PathDown},
		Store:   pinger{},
		Queue:   nil,
	}
	r := c.Check(context.Background())
	assert.False(t, r.Blockchain)
	assert.False(t, r.IPFS)
	assert.True(t, r.Database)
	assert.False(t, r.Queue)
	assert.Equal(t, StatusUnhealthy, r.Status)
}
