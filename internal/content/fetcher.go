// Package content retrieves payloads from the content-addressed network. A
// fetch walks the primary pinning client first and then each public gateway
// in order, retrying every path with its own backoff schedule.
package content

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ipfs/go-cid"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/pliu/chainchat/internal/apperr"
)

const (
	DefaultMaxRetries     = 3
	DefaultRequestTimeout = 10 * time.Second
	maxPayloadBytes       = 16 << 20
)

// DefaultGateways is the ordered list of public access points.
var DefaultGateways = []string{
	"https://ipfs.io/ipfs/",
	"https://gateway.pinata.cloud/ipfs/",
	"https://cloudflare-ipfs.com/ipfs/",
	"https://dweb.link/ipfs/",
}

// PinningClient is the primary access path.
type PinningClient interface {
	Cat(ctx context.Context, c cid.Cid) ([]byte, error)
}

type Options struct {
	Gateways       []string
	MaxRetries     int
	RequestTimeout time.Duration

	// BackoffUnit scales both retry schedules: the primary waits 2^attempt
	// units, gateways wait attempt units.
	BackoffUnit time.Duration

	// HealthCID must resolve on a working gateway.
	HealthCID     string
	HealthTimeout time.Duration
	SlowThreshold time.Duration

	HTTPClient *http.Client
}

func (o *Options) setDefaults() {
	if o.Gateways == nil {
		o.Gateways = DefaultGateways
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.BackoffUnit <= 0 {
		o.BackoffUnit = time.Second
	}
	if o.HealthCID == "" {
		o.HealthCID = DefaultHealthCID
	}
	if o.HealthTimeout <= 0 {
		o.HealthTimeout = 5 * time.Second
	}
	if o.SlowThreshold <= 0 {
		o.SlowThreshold = 2 * time.Second
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
}

type Fetcher struct {
	primary PinningClient
	opts    Options
}

// NewFetcher builds a fetcher. primary may be nil, in which case only the
// gateways are tried.
func NewFetcher(primary PinningClient, opts Options) *Fetcher {
	opts.setDefaults()
	gateways := make([]string, 0, len(opts.Gateways))
	for _, gw := range opts.Gateways {
		if !strings.HasSuffix(gw, "/") {
			gw += "/"
		}
		gateways = append(gateways, gw)
	}
	opts.Gateways = gateways
	return &Fetcher{primary: primary, opts: opts}
}

// Fetch returns the payload for contentID using the configured retry count.
func (f *Fetcher) Fetch(ctx context.Context, contentID string) ([]byte, error) {
	return f.FetchWithRetries(ctx, contentID, f.opts.MaxRetries)
}

// FetchWithRetries tries the primary client maxRetries times, then every
// gateway maxRetries times in order. The first success is returned without
// touching the remaining paths.
func (f *Fetcher) FetchWithRetries(ctx context.Context, contentID string, maxRetries int) ([]byte, error) {
	c, err := cid.Decode(strings.TrimSpace(contentID))
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidArgument, "invalid content id "+contentID, err)
	}
	if maxRetries <= 0 {
		maxRetries = 1
	}

	var lastErr error
	if f.primary != nil {
		data, err := f.retry(ctx, &scheduleBackOff{unit: f.opts.BackoffUnit, step: exponentialStep}, maxRetries, func() ([]byte, error) {
			return f.primary.Cat(ctx, c)
		})
		if err == nil {
			return data, nil
		}
		jww.DEBUG.Printf("Primary client failed for %s: %v", c, err)
		lastErr = err
	}

	for _, gw := range f.opts.Gateways {
		if ctx.Err() != nil {
			break
		}
		gateway := gw
		data, err := f.retry(ctx, &scheduleBackOff{unit: f.opts.BackoffUnit, step: linearStep}, maxRetries, func() ([]byte, error) {
			return f.fromGateway(ctx, gateway, c, f.opts.RequestTimeout)
		})
		if err == nil {
			return data, nil
		}
		jww.DEBUG.Printf("Gateway %s failed for %s: %v", gateway, c, err)
		lastErr = err
	}

	if lastErr == nil {
		lastErr = ctx.Err()
	}
	return nil, apperr.ContentUnavailable(c.String(), lastErr)
}

func (f *Fetcher) retry(ctx context.Context, b backoff.BackOff, attempts int, op func() ([]byte, error)) ([]byte, error) {
	var data []byte
	err := backoff.Retry(func() error {
		var err error
		data, err = op()
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx))
	return data, err
}

func (f *Fetcher) fromGateway(ctx context.Context, gateway string, c cid.Cid, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, gateway+c.String(), nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	resp, err := f.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("gateway %s returned %s", gateway, resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
}

type stepFunc func(attempt int) int

func exponentialStep(attempt int) int { return 1 << attempt }

func linearStep(attempt int) int { return attempt }

// scheduleBackOff waits step(attempt) units after the attempt-th failure.
type scheduleBackOff struct {
	unit    time.Duration
	step    stepFunc
	attempt int
}

func (b *scheduleBackOff) NextBackOff() time.Duration {
	b.attempt++
	return time.Duration(b.step(b.attempt)) * b.unit
}

func (b *scheduleBackOff) Reset() { b.attempt = 0 }
