package content

import (
	"context"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
)

// DefaultHealthCID is a long-lived, widely pinned identifier.
const DefaultHealthCID = "bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi"

type PathStatus string

const (
	PathHealthy PathStatus = "healthy"
	PathSlow    PathStatus = "slow"
	PathDown    PathStatus = "down"
)

type PathHealth struct {
	Path    string        `json:"path"`
	Status  PathStatus    `json:"status"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
}

type HealthReport struct {
	Paths []PathHealth `json:"paths"`
}

// Available reports whether at least one path answered.
func (r HealthReport) Available() bool {
	for _, p := range r.Paths {
		if p.Status != PathDown {
			return true
		}
	}
	return false
}

// Degraded reports whether no path is healthy.
func (r HealthReport) Degraded() bool {
	for _, p := range r.Paths {
		if p.Status == PathHealthy {
			return false
		}
	}
	return true
}

// Health checks the primary client and every gateway concurrently with a
// short timeout against the known-good identifier.
func (f *Fetcher) Health(ctx context.Context) HealthReport {
	c, err := cid.Decode(f.opts.HealthCID)
	if err != nil {
		return HealthReport{Paths: []PathHealth{{Path: "config", Status: PathDown, Error: err.Error()}}}
	}

	type pathCheck struct {
		path string
		run  func(ctx context.Context) error
	}
	var checks []pathCheck
	if f.primary != nil {
		checks = append(checks, pathCheck{path: "primary", run: func(ctx context.Context) error {
			_, err := f.primary.Cat(ctx, c)
			return err
		}})
	}
	for _, gw := range f.opts.Gateways {
		gateway := gw
		checks = append(checks, pathCheck{path: gateway, run: func(ctx context.Context) error {
			_, err := f.fromGateway(ctx, gateway, c, f.opts.HealthTimeout)
			return err
		}})
	}

	report := HealthReport{Paths: make([]PathHealth, len(checks))}
	var wg sync.WaitGroup
	for i, p := range checks {
		wg.Add(1)
		go func(i int, p pathCheck) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(ctx, f.opts.HealthTimeout)
			defer cancel()

			start := time.Now()
			err := p.run(ctx)
			ph := PathHealth{Path: p.path, Latency: time.Since(start)}
			switch {
			case err != nil:
				ph.Status = PathDown
				ph.Error = err.Error()
			case ph.Latency < f.opts.SlowThreshold:
				ph.Status = PathHealthy
			default:
				ph.Status = PathSlow
			}
			report.Paths[i] = ph
		}(i, p)
	}
	wg.Wait()
	return report
}
