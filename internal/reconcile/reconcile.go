// Package reconcile walks the ledger, the content network and the query
// store, repairs drift in the store and removes orphaned rows.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"go.uber.org/ratelimit"

	"github.com/pliu/chainchat/internal/apperr"
	"github.com/pliu/chainchat/internal/content"
	"github.com/pliu/chainchat/internal/ledger"
	"github.com/pliu/chainchat/internal/materialize"
	"github.com/pliu/chainchat/internal/models"
	"github.com/pliu/chainchat/internal/queue"
	"github.com/pliu/chainchat/internal/store"
)

const (
	PhaseParticipants = "participants"
	PhaseMessages     = "messages"
	PhaseContent      = "content"
	PhaseOrphans      = "orphans"

	DefaultInterval     = 5 * time.Minute
	DefaultContentBatch = 100
	DefaultLedgerRate   = 20
	DefaultOrphanGrace  = 10 * time.Minute
)

// ErrAlreadyRunning is returned when a pass is requested while another one
// owns the service and the request is not forced.
var ErrAlreadyRunning = errors.New("reconciliation pass already running")

// Fetcher is the content-network side used by content validation.
type Fetcher interface {
	Fetch(ctx context.Context, contentID string) ([]byte, error)
	Health(ctx context.Context) content.HealthReport
}

type Config struct {
	// ContentBatch bounds content validation when a pass sets no MaxMessages.
	ContentBatch int
	// LedgerRate is the number of ledger queries per second.
	LedgerRate  int
	OrphanGrace time.Duration

	// SkipWhenDegraded skips content validation unless some path is healthy.
	SkipWhenDegraded bool
}

func (c *Config) setDefaults() {
	if c.ContentBatch <= 0 {
		c.ContentBatch = DefaultContentBatch
	}
	if c.LedgerRate <= 0 {
		c.LedgerRate = DefaultLedgerRate
	}
	if c.OrphanGrace <= 0 {
		c.OrphanGrace = DefaultOrphanGrace
	}
}

// Options control one pass.
type Options struct {
	ForceResync           bool `json:"forceResync"`
	MaxMessages           int  `json:"maxMessages"`
	SkipContentValidation bool `json:"skipIPFSValidation"`
	DryRun                bool `json:"dryRun"`
}

type Service struct {
	store        store.Store
	ledger       ledger.Reader
	fetcher      Fetcher
	queue        queue.Queue
	materializer *materialize.Materializer
	limiter      ratelimit.Limiter
	cfg          Config
	now          func() time.Time

	mu      sync.Mutex
	running bool
	pass    uint64
}

// NewService builds the service. l may be nil when no ledger node is
// configured; the two ledger phases are then skipped.
func NewService(s store.Store, l ledger.Reader, f Fetcher, q queue.Queue, cfg Config) *Service {
	cfg.setDefaults()
	return &Service{
		store:        s,
		ledger:       l,
		fetcher:      f,
		queue:        q,
		materializer: materialize.New(s),
		limiter:      ratelimit.New(cfg.LedgerRate),
		cfg:          cfg,
		now:          time.Now,
	}
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// acquire marks the service running. A forced pass takes ownership from a
// pass already in flight; the displaced pass then no longer clears the flag.
func (s *Service) acquire(force bool) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running && !force {
		return 0, false
	}
	s.pass++
	s.running = true
	return s.pass, true
}

func (s *Service) release(pass uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pass == pass {
		s.running = false
	}
}

// Run executes one reconciliation pass. Every phase runs even when an
// earlier one failed; a failed phase sets Success to false on the result.
func (s *Service) Run(ctx context.Context, opts Options) (*models.SyncResult, error) {
	result := models.NewSyncResult(opts.DryRun)
	pass, ok := s.acquire(opts.ForceResync)
	if !ok {
		result.Success = false
		result.Errors = append(result.Errors, ErrAlreadyRunning.Error())
		return result, ErrAlreadyRunning
	}
	defer s.release(pass)

	jww.INFO.Printf("Reconciliation pass %d started (dryRun=%t force=%t)", pass, opts.DryRun, opts.ForceResync)

	result.Merge(PhaseParticipants, s.syncParticipants(ctx, opts))
	result.Merge(PhaseMessages, s.syncMessages(ctx, opts))
	result.Merge(PhaseContent, s.validateContent(ctx, opts))
	result.Merge(PhaseOrphans, s.cleanupOrphans(ctx, opts))

	result.Duration = time.Since(result.StartedAt)
	jww.INFO.Printf("Reconciliation pass %d finished in %s: success=%t processed=%d errors=%d warnings=%d",
		pass, result.Duration, result.Success, result.Processed, len(result.Errors), len(result.Warnings))
	return result, nil
}

// Start runs a pass every interval until ctx is done. Ticks that find a
// pass in flight are skipped.
func (s *Service) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Run(ctx, Options{}); err != nil {
				jww.DEBUG.Printf("Skipping scheduled reconciliation: %v", err)
			}
		}
	}
}

func newPhase(opts Options) *models.SyncResult {
	return models.NewSyncResult(opts.DryRun)
}

func abort(r *models.SyncResult, phase string, err error) *models.SyncResult {
	jww.ERROR.Printf("Reconciliation phase %s aborted: %v", phase, err)
	r.Success = false
	r.Errors = append(r.Errors, fmt.Sprintf("%s: %v", phase, err))
	r.Duration = time.Since(r.StartedAt)
	return r
}

func done(r *models.SyncResult) *models.SyncResult {
	r.Duration = time.Since(r.StartedAt)
	return r
}

// isStoreFailure reports whether err should abort the current phase rather
// than be recorded against a single item.
func isStoreFailure(err error) bool {
	return apperr.CodeOf(err) == apperr.CodeStoreWriteFailed
}

// syncParticipants overwrites stored username, public key and registration
// with the ledger's values where they differ.
func (s *Service) syncParticipants(ctx context.Context, opts Options) *models.SyncResult {
	r := newPhase(opts)
	if s.ledger == nil {
		r.Warnings = append(r.Warnings, "participant sync skipped: no ledger configured")
		return done(r)
	}
	participants, err := s.store.ListParticipants(ctx)
	if err != nil {
		return abort(r, PhaseParticipants, err)
	}

	for _, p := range participants {
		s.limiter.Take()
		registered, err := s.ledger.IsRegistered(ctx, p.Address)
		if err != nil {
			s.itemError(r, "participant "+p.Address, err)
			continue
		}
		username, publicKey := p.Username, p.PublicKey
		if registered {
			s.limiter.Take()
			if username, err = s.ledger.GetUsername(ctx, p.Address); err != nil {
				s.itemError(r, "participant "+p.Address, err)
				continue
			}
			s.limiter.Take()
			if publicKey, err = s.ledger.GetPublicKey(ctx, p.Address); err != nil {
				s.itemError(r, "participant "+p.Address, err)
				continue
			}
		}
		if username == p.Username && publicKey == p.PublicKey && registered == p.IsRegistered {
			continue
		}

		r.Processed++
		if opts.DryRun {
			r.Warnings = append(r.Warnings, fmt.Sprintf("would update participant %s", p.Address))
			continue
		}
		if err := s.store.UpdateParticipantLedgerState(ctx, p.ID, username, publicKey, registered); err != nil {
			return abort(r, PhaseParticipants, err)
		}
	}
	return done(r)
}

// syncMessages materializes every ledger message between registered
// participants and their friends that the store does not hold yet.
func (s *Service) syncMessages(ctx context.Context, opts Options) *models.SyncResult {
	r := newPhase(opts)
	if s.ledger == nil {
		r.Warnings = append(r.Warnings, "message sync skipped: no ledger configured")
		return done(r)
	}
	participants, err := s.store.ListRegisteredParticipants(ctx)
	if err != nil {
		return abort(r, PhaseMessages, err)
	}

	// Each pair is visible from both sides; handle every message once.
	seen := make(map[string]struct{})
	for _, p := range participants {
		s.limiter.Take()
		friends, err := s.ledger.GetFriends(ctx, p.Address)
		if err != nil {
			s.itemError(r, "friends of "+p.Address, err)
			continue
		}

		for _, f := range friends {
			peer, err := ledger.NormalizeAddress(f.Address)
			if err != nil {
				s.itemError(r, "friend of "+p.Address, err)
				continue
			}
			s.limiter.Take()
			msgs, err := s.ledger.GetMessagesBetween(ctx, p.Address, peer)
			if err != nil {
				s.itemError(r, fmt.Sprintf("messages %s/%s", p.Address, peer), err)
				continue
			}

			for _, lm := range msgs {
				sender, err := ledger.NormalizeAddress(lm.Sender)
				if err != nil {
					s.itemError(r, "message sender", err)
					continue
				}
				recipient := peer
				if sender == peer {
					recipient = p.Address
				}
				key := sender + "|" + recipient + "|" + lm.ContentHash
				if _, ok := seen[key]; ok {
					continue
				}
				seen[key] = struct{}{}

				if opts.DryRun {
					present, err := s.messagePresent(ctx, sender, recipient, lm.ContentHash)
					if err != nil {
						s.itemError(r, "message "+lm.ContentHash, err)
						continue
					}
					if !present {
						r.Processed++
						r.Warnings = append(r.Warnings, fmt.Sprintf("would materialize message %s from %s", lm.ContentHash, sender))
					}
					continue
				}

				res, err := s.materializer.MaterializeLedgerMessage(ctx, materialize.LedgerMessage{
					Sender:    sender,
					Recipient: recipient,
					ContentID: lm.ContentHash,
					Timestamp: lm.Timestamp,
				})
				if err != nil {
					if isStoreFailure(err) {
						return abort(r, PhaseMessages, err)
					}
					s.itemError(r, "message "+lm.ContentHash, err)
					continue
				}
				if !res.Created && !res.Confirmed {
					continue
				}
				r.Processed++
				if res.Created {
					job := queue.Job{MessageID: res.Message.ID, ContentID: res.Message.ContentID, Source: "reconcile"}
					if err := s.queue.EnqueueProcessing(ctx, job); err != nil {
						r.Warnings = append(r.Warnings, fmt.Sprintf("enqueue message %s: %v", res.Message.ID, err))
					}
				}
			}
		}
	}
	return done(r)
}

// messagePresent is the read-only existence check used by dry runs. A
// pending row counts as absent since a real run would confirm it.
func (s *Service) messagePresent(ctx context.Context, sender, recipient, contentID string) (bool, error) {
	a, err := s.store.GetParticipantByAddress(ctx, sender)
	if errors.Is(err, apperr.ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	b, err := s.store.GetParticipantByAddress(ctx, recipient)
	if errors.Is(err, apperr.ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	conv, err := s.store.GetDirectConversation(ctx, a.ID, b.ID)
	if err != nil || conv == nil {
		return false, err
	}
	msg, err := s.store.FindMessageByContent(ctx, conv.ID, contentID)
	if err != nil || msg == nil {
		return false, err
	}
	return msg.Status != models.StatusPending, nil
}

// validateContent fetches a bounded batch of confirmed messages. Unreachable
// payloads flip the message to failed and are reported as warnings.
func (s *Service) validateContent(ctx context.Context, opts Options) *models.SyncResult {
	r := newPhase(opts)
	if opts.SkipContentValidation {
		r.Warnings = append(r.Warnings, "content validation skipped on request")
		return done(r)
	}
	report := s.fetcher.Health(ctx)
	if !report.Available() {
		r.Warnings = append(r.Warnings, "content validation skipped: every content path is down")
		return done(r)
	}
	if s.cfg.SkipWhenDegraded && report.Degraded() {
		r.Warnings = append(r.Warnings, "content validation skipped: no content path is healthy")
		return done(r)
	}

	limit := opts.MaxMessages
	if limit <= 0 {
		limit = s.cfg.ContentBatch
	}
	msgs, err := s.store.ListConfirmedWithContent(ctx, limit)
	if err != nil {
		return abort(r, PhaseContent, err)
	}

	for _, m := range msgs {
		r.Processed++
		if _, err := s.fetcher.Fetch(ctx, m.ContentID); err != nil {
			r.Warnings = append(r.Warnings, fmt.Sprintf("message %s: %v", m.ID, err))
			jww.WARN.Printf("Content for message %s unavailable: %v", m.ID, err)
			if opts.DryRun {
				continue
			}
			if err := s.store.SetMessageStatus(ctx, m.ID, models.StatusFailed); err != nil {
				return abort(r, PhaseContent, err)
			}
			continue
		}
		if opts.DryRun {
			continue
		}
		job := queue.Job{MessageID: m.ID, ContentID: m.ContentID, Source: "reconcile"}
		if err := s.queue.EnqueueCaching(ctx, job); err != nil {
			r.Warnings = append(r.Warnings, fmt.Sprintf("enqueue cache for %s: %v", m.ID, err))
		}
	}
	return done(r)
}

// cleanupOrphans deletes conversations left without members past the grace
// period, then messages and memberships whose conversation is gone.
func (s *Service) cleanupOrphans(ctx context.Context, opts Options) *models.SyncResult {
	r := newPhase(opts)

	empty, err := s.store.FindEmptyConversations(ctx, s.now().Add(-s.cfg.OrphanGrace))
	if err != nil {
		return abort(r, PhaseOrphans, err)
	}
	if !opts.DryRun {
		n, err := s.store.DeleteConversations(ctx, empty)
		if err != nil {
			return abort(r, PhaseOrphans, err)
		}
		r.Processed += int(n)
	}

	messages, err := s.store.FindOrphanMessages(ctx)
	if err != nil {
		return abort(r, PhaseOrphans, err)
	}
	memberships, err := s.store.FindOrphanMemberships(ctx)
	if err != nil {
		return abort(r, PhaseOrphans, err)
	}

	if opts.DryRun {
		// The real run deletes the empty conversations first, which orphans
		// their messages too.
		held, err := s.store.FindConversationMessageIDs(ctx, empty)
		if err != nil {
			return abort(r, PhaseOrphans, err)
		}
		messages = append(messages, held...)
		r.Processed = len(empty) + len(messages) + len(memberships)
		if r.Processed > 0 {
			r.Warnings = append(r.Warnings, fmt.Sprintf(
				"would delete %d empty conversations, %d orphan messages, %d orphan memberships",
				len(empty), len(messages), len(memberships)))
		}
		return done(r)
	}

	n, err := s.store.DeleteMessages(ctx, messages)
	if err != nil {
		return abort(r, PhaseOrphans, err)
	}
	r.Processed += int(n)
	n, err = s.store.DeleteMemberships(ctx, memberships)
	if err != nil {
		return abort(r, PhaseOrphans, err)
	}
	r.Processed += int(n)

	if r.Processed > 0 {
		jww.INFO.Printf("Removed %d orphaned rows", r.Processed)
	}
	return done(r)
}

func (s *Service) itemError(r *models.SyncResult, item string, err error) {
	jww.WARN.Printf("Reconciliation skipped %s: %v", item, err)
	r.Errors = append(r.Errors, fmt.Sprintf("%s: %v", item, err))
}
