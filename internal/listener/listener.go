// Package listener consumes the ledger event stream, drops redeliveries and
// dispatches each new event to the handlers subscribed to its type.
package listener

import (
	"context"
	"fmt"
	"sync"
	"time"

	jww "github.com/spf13/jwalterweatherman"
	"golang.org/x/crypto/blake2b"

	"github.com/pliu/chainchat/internal/ledger"
)

const (
	DefaultDedupCapacity    = 1000
	DefaultPruneInterval    = time.Minute
	DefaultResubscribeDelay = 5 * time.Second
)

// Handler processes one event. Returned errors are logged and never stop the
// listener.
type Handler func(ctx context.Context, ev ledger.Event) error

type Options struct {
	DedupCapacity    int
	PruneInterval    time.Duration
	ResubscribeDelay time.Duration
}

func (o *Options) setDefaults() {
	if o.DedupCapacity <= 0 {
		o.DedupCapacity = DefaultDedupCapacity
	}
	if o.PruneInterval <= 0 {
		o.PruneInterval = DefaultPruneInterval
	}
	if o.ResubscribeDelay <= 0 {
		o.ResubscribeDelay = DefaultResubscribeDelay
	}
}

type Listener struct {
	source ledger.EventSource
	opts   Options

	mu       sync.RWMutex
	handlers map[ledger.EventType][]Handler

	// Only touched by the Run goroutine.
	window *recencyWindow
}

func New(source ledger.EventSource, opts Options) *Listener {
	opts.setDefaults()
	return &Listener{
		source:   source,
		opts:     opts,
		handlers: make(map[ledger.EventType][]Handler),
		window:   newRecencyWindow(opts.DedupCapacity),
	}
}

// Subscribe registers handler for every listed event type.
func (l *Listener) Subscribe(types []ledger.EventType, handler Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range types {
		l.handlers[t] = append(l.handlers[t], handler)
	}
}

// Run consumes the event source until ctx is done. When the subscription
// fails or ends it is re-established after ResubscribeDelay.
func (l *Listener) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.opts.PruneInterval)
	defer ticker.Stop()

	for {
		events, errs, err := l.source.WatchEvents(ctx)
		if err != nil {
			jww.ERROR.Printf("Ledger subscription failed: %v", err)
		} else {
			jww.INFO.Println("Listening for ledger events")
			err = l.consume(ctx, events, errs, ticker.C)
			if ctx.Err() == nil {
				jww.WARN.Printf("Ledger subscription ended: %v", err)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.opts.ResubscribeDelay):
		}
	}
}

func (l *Listener) consume(ctx context.Context, events <-chan ledger.Event, errs <-chan error, prune <-chan time.Time) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-prune:
			if n := l.window.Prune(); n > 0 {
				jww.DEBUG.Printf("Pruned %d event keys from recency window", n)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return err
			}
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("event stream closed")
			}
			l.dispatch(ctx, ev)
		}
	}
}

// dispatch delivers ev to its handlers unless its key is in the recency
// window.
func (l *Listener) dispatch(ctx context.Context, ev ledger.Event) {
	key := blake2b.Sum256([]byte(ev.Key()))
	if l.window.Contains(key) {
		jww.TRACE.Printf("Dropping redelivered %s event from tx %s", ev.Type, ev.TxHash)
		return
	}
	l.window.Add(key)

	l.mu.RLock()
	handlers := l.handlers[ev.Type]
	l.mu.RUnlock()

	for _, h := range handlers {
		if err := safeCall(ctx, h, ev); err != nil {
			jww.ERROR.Printf("Handler for %s event from tx %s failed: %v", ev.Type, ev.TxHash, err)
		}
	}
}

func safeCall(ctx context.Context, h Handler, ev ledger.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, ev)
}

// recencyWindow remembers the digests of recently dispatched events in
// arrival order.
type recencyWindow struct {
	capacity int
	keys     map[[blake2b.Size256]byte]struct{}
	order    [][blake2b.Size256]byte
}

func newRecencyWindow(capacity int) *recencyWindow {
	return &recencyWindow{
		capacity: capacity,
		keys:     make(map[[blake2b.Size256]byte]struct{}, capacity),
	}
}

func (w *recencyWindow) Contains(key [blake2b.Size256]byte) bool {
	_, ok := w.keys[key]
	return ok
}

// Add records key. Growth past twice the capacity between prunes forces an
// early prune so memory stays bounded under bursts.
func (w *recencyWindow) Add(key [blake2b.Size256]byte) {
	w.keys[key] = struct{}{}
	w.order = append(w.order, key)
	if len(w.order) > 2*w.capacity {
		w.Prune()
	}
}

// Prune keeps the most recent half of the capacity once the window has
// reached capacity, and returns how many keys were dropped.
func (w *recencyWindow) Prune() int {
	if len(w.order) < w.capacity {
		return 0
	}
	keep := w.capacity / 2
	drop := len(w.order) - keep
	for _, k := range w.order[:drop] {
		delete(w.keys, k)
	}
	w.order = append([][blake2b.Size256]byte(nil), w.order[drop:]...)
	return drop
}

func (w *recencyWindow) Len() int {
	return len(w.order)
}
