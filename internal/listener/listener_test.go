package listener

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/blake2b"

	"github.com/pliu/chainchat/internal/ledger"
)

func messageEvent(hash string) ledger.Event {
	return ledger.Event{
		Type: ledger.EventMessageSent,
		MessageSent: &ledger.MessageSent{
			Sender:      "0x00000000000000000000000000000000000000a1",
			Recipient:   "0x00000000000000000000000000000000000000b2",
			ContentHash: hash,
			Timestamp:   time.Unix(1700000000, 0),
		},
		TxHash: "0x" + hash,
	}
}

func key(s string) [blake2b.Size256]byte {
	return blake2b.Sum256([]byte(s))
}

func TestDispatchDropsRedeliveries(t *testing.T) {
	l := New(nil, Options{})
	var calls int
	l.Subscribe([]ledger.EventType{ledger.EventMessageSent}, func(ctx context.Context, ev ledger.Event) error {
		calls++
		return nil
	})

	ev := messageEvent("Qm1")
	for i := 0; i < 5; i++ {
		l.dispatch(context.Background(), ev)
	}
	l.dispatch(context.Background(), messageEvent("Qm2"))

	assert.Equal(t, 2, calls)
}

func TestDispatchIgnoresUnsubscribedTypes(t *testing.T) {
	l := New(nil, Options{})
	var calls int
	l.Subscribe([]ledger.EventType{ledger.EventAccountCreated}, func(ctx context.Context, ev ledger.Event) error {
		calls++
		return nil
	})
	l.dispatch(context.Background(), messageEvent("Qm1"))
	assert.Zero(t, calls)
}

func TestHandlerFailureDoesNotStopDispatch(t *testing.T) {
	l := New(nil, Options{})
	var seen []string
	l.Subscribe([]ledger.EventType{ledger.EventMessageSent}, func(ctx context.Context, ev ledger.Event) error {
		seen = append(seen, ev.MessageSent.ContentHash)
		if ev.MessageSent.ContentHash == "bad" {
			return errors.New("boom")
		}
		return nil
	})
	l.Subscribe([]ledger.EventType{ledger.EventMessageSent}, func(ctx context.Context, ev ledger.Event) error {
		if ev.MessageSent.ContentHash == "panics" {
			panic("handler bug")
		}
		return nil
	})

	l.dispatch(context.Background(), messageEvent("bad"))
	l.dispatch(context.Background(), messageEvent("panics"))
	l.dispatch(context.Background(), messageEvent("good"))

	assert.Equal(t, []string{"bad", "panics", "good"}, seen)
}

func TestRecencyWindowPrunesToMostRecentHalf(t *testing.T) {
	w := newRecencyWindow(10)
	for i := 0; i < 9; i++ {
		w.Add(key(string(rune('a' + i))))
	}
	assert.Zero(t, w.Prune(), "below capacity nothing is pruned")

	w.Add(key("j"))
	assert.Equal(t, 5, w.Prune())
	assert.Equal(t, 5, w.Len())
	assert.False(t, w.Contains(key("a")))
	assert.False(t, w.Contains(key("e")))
	assert.True(t, w.Contains(key("f")))
	assert.True(t, w.Contains(key("j")))
}

func TestRecencyWindowStaysBounded(t *testing.T) {
	w := newRecencyWindow(4)
	for i := 0; i < 100; i++ {
		w.Add(key(string(rune(i))))
	}
	assert.LessOrEqual(t, w.Len(), 8)
}

type fakeSource struct {
	mu        sync.Mutex
	batches   [][]ledger.Event
	subscribe int32
}

func (f *fakeSource) WatchEvents(ctx context.Context) (<-chan ledger.Event, <-chan error, error) {
	atomic.AddInt32(&f.subscribe, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.batches) == 0 {
		return nil, nil, errors.New("node unavailable")
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]

	events := make(chan ledger.Event, len(batch))
	for _, ev := range batch {
		events <- ev
	}
	close(events)
	return events, make(chan error), nil
}

func TestRunResubscribesAndDedupsAcrossSubscriptions(t *testing.T) {
	src := &fakeSource{batches: [][]ledger.Event{
		{messageEvent("Qm1"), messageEvent("Qm2")},
		{messageEvent("Qm2"), messageEvent("Qm3")},
	}}
	l := New(src, Options{ResubscribeDelay: time.Millisecond})

	var mu sync.Mutex
	var got []string
	l.Subscribe([]ledger.EventType{ledger.EventMessageSent}, func(ctx context.Context, ev ledger.Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev.MessageSent.ContentHash)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&src.subscribe) >= 3 }, 2*time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"Qm1", "Qm2", "Qm3"}, got)
}
