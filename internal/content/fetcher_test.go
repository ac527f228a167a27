package content

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pliu/chainchat/internal/apperr"
)

const testCID = "QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG"

type failingPrimary struct {
	calls atomic.Int32
	data  []byte
}

func (p *failingPrimary) Cat(ctx context.Context, c cid.Cid) ([]byte, error) {
	p.calls.Add(1)
	if p.data != nil {
		return p.data, nil
	}
	return nil, errors.New("pinning node unreachable")
}

type gateway struct {
	srv  *httptest.Server
	hits atomic.Int32
}

func newGateway(t *testing.T, handler http.HandlerFunc) *gateway {
	g := &gateway{}
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *gateway) url() string { return g.srv.URL + "/ipfs/" }

func ok(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}
}

func status(code int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
	}
}

func testOptions(gateways ...*gateway) Options {
	opts := Options{BackoffUnit: time.Millisecond, RequestTimeout: time.Second}
	opts.Gateways = []string{}
	for _, g := range gateways {
		opts.Gateways = append(opts.Gateways, g.url())
	}
	return opts
}

func TestFetchFallsBackInOrder(t *testing.T) {
	primary := &failingPrimary{}
	gw1 := newGateway(t, status(http.StatusInternalServerError))
	gw2 := newGateway(t, ok("payload"))
	gw3 := newGateway(t, ok("never"))

	f := NewFetcher(primary, testOptions(gw1, gw2, gw3))
	data, err := f.Fetch(context.Background(), testCID)

	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
	assert.EqualValues(t, 3, primary.calls.Load())
	assert.EqualValues(t, 3, gw1.hits.Load())
	assert.EqualValues(t, 1, gw2.hits.Load())
	assert.EqualValues(t, 0, gw3.hits.Load(), "paths after the winner must not be called")
}

func TestFetchPrimarySuccessSkipsGateways(t *testing.T) {
	primary := &failingPrimary{data: []byte("pinned")}
	gw := newGateway(t, ok("gateway"))

	f := NewFetcher(primary, testOptions(gw))
	data, err := f.Fetch(context.Background(), testCID)

	require.NoError(t, err)
	assert.Equal(t, "pinned", string(data))
	assert.EqualValues(t, 0, gw.hits.Load())
}

func TestFetchExhaustsEveryPath(t *testing.T) {
	primary := &failingPrimary{}
	gw1 := newGateway(t, status(http.StatusBadGateway))
	gw2 := newGateway(t, status(http.StatusNotFound))

	f := NewFetcher(primary, testOptions(gw1, gw2))
	_, err := f.FetchWithRetries(context.Background(), testCID, 2)

	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrContentUnavailable))
	assert.Contains(t, err.Error(), "404", "error carries the last underlying cause")
	assert.EqualValues(t, 2, primary.calls.Load())
	assert.EqualValues(t, 2, gw1.hits.Load())
	assert.EqualValues(t, 2, gw2.hits.Load())
}

func TestFetchAbandonsSlowAttempts(t *testing.T) {
	slow := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	fast := newGateway(t, ok("fast"))

	opts := testOptions(slow, fast)
	opts.RequestTimeout = 50 * time.Millisecond
	f := NewFetcher(nil, opts)

	start := time.Now()
	data, err := f.FetchWithRetries(context.Background(), testCID, 1)
	require.NoError(t, err)
	assert.Equal(t, "fast", string(data))
	assert.Less(t, time.Since(start), time.Second)
}

func TestFetchRejectsInvalidContentID(t *testing.T) {
	primary := &failingPrimary{}
	gw := newGateway(t, ok("x"))

	f := NewFetcher(primary, testOptions(gw))
	_, err := f.Fetch(context.Background(), "not-a-cid")

	assert.True(t, errors.Is(err, apperr.ErrInvalidArgument))
	assert.EqualValues(t, 0, primary.calls.Load())
	assert.EqualValues(t, 0, gw.hits.Load())
}

func TestScheduleBackOff(t *testing.T) {
	exp := &scheduleBackOff{unit: time.Second, step: exponentialStep}
	assert.Equal(t, 2*time.Second, exp.NextBackOff())
	assert.Equal(t, 4*time.Second, exp.NextBackOff())
	exp.Reset()
	assert.Equal(t, 2*time.Second, exp.NextBackOff())

	lin := &scheduleBackOff{unit: time.Second, step: linearStep}
	assert.Equal(t, time.Second, lin.NextBackOff())
	assert.Equal(t, 2*time.Second, lin.NextBackOff())
}

func TestRPCClientCat(t *testing.T) {
	var gotPath, gotArg, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotArg, gotMethod = r.URL.Path, r.URL.Query().Get("arg"), r.Method
		w.Write([]byte("from-node"))
	}))
	defer srv.Close()

	c, _ := cid.Decode(testCID)
	data, err := NewRPCClient(srv.URL+"/", nil).Cat(context.Background(), c)

	require.NoError(t, err)
	assert.Equal(t, "from-node", string(data))
	assert.Equal(t, "/api/v0/cat", gotPath)
	assert.Equal(t, testCID, gotArg)
	assert.Equal(t, http.MethodPost, gotMethod)
}
