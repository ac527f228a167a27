// Package health checks the four backing systems and folds the results into
// one status.
package health

import (
	"context"
	"sync"
	"time"

	jww "github.com/spf13/jwalterweatherman"

	"github.com/pliu/chainchat/internal/content"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

const DefaultTimeout = 5 * time.Second

type Pinger interface {
	Ping(ctx context.Context) error
}

type ContentHealth interface {
	Health(ctx context.Context) content.HealthReport
}

type Report struct {
	Blockchain bool                  `json:"blockchain"`
	IPFS       bool                  `json:"ipfs"`
	Database   bool                  `json:"database"`
	Queue      bool                  `json:"queue"`
	Status     Status                `json:"status"`
	Content    *content.HealthReport `json:"content,omitempty"`
	CheckedAt  time.Time             `json:"checked_at"`
}

// Aggregate is healthy when every check passed, degraded when at least two
// did, unhealthy otherwise.
func Aggregate(checks ...bool) Status {
	up := 0
	for _, ok := range checks {
		if ok {
			up++
		}
	}
	switch {
	case up == len(checks):
		return StatusHealthy
	case up >= 2:
		return StatusDegraded
	default:
		return StatusUnhealthy
	}
}

// Checker runs the checks. A nil dependency counts as down.
type Checker struct {
	Ledger  Pinger
	Content ContentHealth
	Store   Pinger
	Queue   Pinger
	Timeout time.Duration
}

func (c *Checker) Check(ctx context.Context) Report {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		wg     sync.WaitGroup
		report Report
	)
	ping := func(name string, p Pinger, out *bool) {
		defer wg.Done()
		if p == nil {
			return
		}
		if err := p.Ping(ctx); err != nil {
			jww.DEBUG.Printf("Health check %s failed: %v", name, err)
			return
		}
		*out = true
	}

	wg.Add(4)
	go ping("blockchain", c.Ledger, &report.Blockchain)
	go ping("database", c.Store, &report.Database)
	go ping("queue", c.Queue, &report.Queue)
	go func() {
		defer wg.Done()
		if c.Content == nil {
			return
		}
		cr := c.Content.Health(ctx)
		report.Content = &cr
		report.IPFS = cr.Available()
	}()
	wg.Wait()

	report.Status = Aggregate(report.Blockchain, report.IPFS, report.Database, report.Queue)
	report.CheckedAt = time.Now().UTC()
	return report
}
