// Package materialize turns ledger facts and direct sends into query-store
// rows. Every write is create-if-absent, so replaying the same input any
// number of times leaves one set of rows.
package materialize

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/pliu/chainchat/internal/apperr"
	"github.com/pliu/chainchat/internal/ledger"
	"github.com/pliu/chainchat/internal/models"
	"github.com/pliu/chainchat/internal/store"
)

type Materializer struct {
	store store.Store
	now   func() time.Time
}

func New(s store.Store) *Materializer {
	return &Materializer{store: s, now: func() time.Time { return time.Now().UTC() }}
}

// LedgerMessage is a message observed on the ledger, either from the event
// stream or from a reconciliation walk.
type LedgerMessage struct {
	Sender      string
	Recipient   string
	ContentID   string
	Timestamp   time.Time
	TxHash      string
	BlockNumber uint64
}

type Result struct {
	Message      *models.Message
	Conversation *models.Conversation
	Sender       *models.Participant
	Recipient    *models.Participant
	// Created is set when a new message row was inserted.
	Created bool
	// Confirmed is set when an existing pending row was promoted.
	Confirmed bool
	// ConversationCreated is set when this message opened the direct
	// conversation.
	ConversationCreated bool
}

// DirectMessage is the input of the direct-write API path.
type DirectMessage struct {
	ConversationID string
	SenderID       string
	Content        string
	ContentID      string
	Type           string
	ReplyToID      string
	// TxHash is set when the sender also submitted a ledger transaction; the
	// message then stays pending until the listener sees it.
	TxHash string
}

func (m *Materializer) EnsureParticipant(ctx context.Context, address string) (*models.Participant, error) {
	normalized, err := ledger.NormalizeAddress(address)
	if err != nil {
		return nil, err
	}
	return m.store.EnsureParticipant(ctx, normalized)
}

// EnsureDirectConversation returns the direct conversation between a and b,
// creating it and both memberships when absent.
func (m *Materializer) EnsureDirectConversation(ctx context.Context, a, b *models.Participant) (*models.Conversation, error) {
	conv, _, err := m.ensureDirectConversation(ctx, a, b)
	return conv, err
}

// ensureDirectConversation also reports whether the conversation was absent
// before the call. Two racing writers may both report it.
func (m *Materializer) ensureDirectConversation(ctx context.Context, a, b *models.Participant) (*models.Conversation, bool, error) {
	existing, err := m.store.GetDirectConversation(ctx, a.ID, b.ID)
	if err != nil {
		return nil, false, err
	}
	conv, err := m.store.EnsureDirectConversation(ctx, a.ID, b.ID, a.ID)
	if err != nil {
		return nil, false, err
	}
	for _, p := range []*models.Participant{a, b} {
		if err := m.store.AddMembership(ctx, conv.ID, p.ID, models.RoleMember); err != nil {
			return nil, false, err
		}
	}
	return conv, existing == nil, nil
}

// MaterializeLedgerMessage records a ledger-observed message. A pending row
// with the same content id from the same sender is promoted to confirmed;
// otherwise a confirmed row is inserted unless one already exists.
func (m *Materializer) MaterializeLedgerMessage(ctx context.Context, lm LedgerMessage) (*Result, error) {
	if lm.ContentID == "" {
		return nil, apperr.InvalidArg("ledger message without content hash")
	}
	sender, err := m.EnsureParticipant(ctx, lm.Sender)
	if err != nil {
		return nil, errors.Wrap(err, "sender")
	}
	recipient, err := m.EnsureParticipant(ctx, lm.Recipient)
	if err != nil {
		return nil, errors.Wrap(err, "recipient")
	}
	res := &Result{Sender: sender, Recipient: recipient}

	pending, err := m.store.FindPendingByContent(ctx, lm.ContentID)
	if err != nil {
		return nil, err
	}
	if pending != nil && pending.SenderID == sender.ID {
		return m.confirm(ctx, res, pending, lm)
	}

	conv, created, err := m.ensureDirectConversation(ctx, sender, recipient)
	if err != nil {
		return nil, err
	}
	res.Conversation = conv
	res.ConversationCreated = created

	existing, err := m.store.FindMessageByContent(ctx, conv.ID, lm.ContentID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.Status == models.StatusPending {
			return m.confirm(ctx, res, existing, lm)
		}
		res.Message = existing
		return res, nil
	}

	createdAt := lm.Timestamp
	if createdAt.IsZero() {
		createdAt = m.now()
	}
	msg := &models.Message{
		ConversationID: conv.ID,
		SenderID:       sender.ID,
		ContentID:      lm.ContentID,
		Type:           "text",
		Status:         models.StatusConfirmed,
		TxHash:         lm.TxHash,
		BlockNumber:    lm.BlockNumber,
		CreatedAt:      createdAt,
	}
	inserted, err := m.store.InsertMessage(ctx, msg)
	if err != nil {
		return nil, err
	}
	if !inserted {
		// Lost a race with another writer; report the winner's row.
		existing, err := m.store.FindMessageByContent(ctx, conv.ID, lm.ContentID)
		if err != nil {
			return nil, err
		}
		res.Message = existing
		return res, nil
	}
	if err := m.store.TouchConversation(ctx, conv.ID, createdAt); err != nil {
		return nil, err
	}
	res.Message = msg
	res.Created = true
	return res, nil
}

func (m *Materializer) confirm(ctx context.Context, res *Result, pending *models.Message, lm LedgerMessage) (*Result, error) {
	if err := m.store.ConfirmMessage(ctx, pending.ID, lm.TxHash, lm.BlockNumber); err != nil {
		return nil, err
	}
	msg, err := m.store.GetMessage(ctx, pending.ID)
	if err != nil {
		return nil, err
	}
	if res.Conversation == nil {
		conv, err := m.store.GetConversation(ctx, msg.ConversationID)
		if err != nil {
			return nil, err
		}
		res.Conversation = conv
	}
	res.Message = msg
	res.Confirmed = true
	return res, nil
}

// MaterializeDirectMessage writes a user-initiated message. The sender must be
// a member of the conversation. Without a ledger transaction the message is
// confirmed immediately; with one it stays pending.
func (m *Materializer) MaterializeDirectMessage(ctx context.Context, dm DirectMessage) (*models.Message, error) {
	if dm.ConversationID == "" || dm.SenderID == "" {
		return nil, apperr.InvalidArg("conversation and sender are required")
	}
	if strings.TrimSpace(dm.Content) == "" && dm.ContentID == "" {
		return nil, apperr.InvalidArg("message has no content")
	}

	isMember, err := m.store.IsMember(ctx, dm.ConversationID, dm.SenderID)
	if err != nil {
		return nil, err
	}
	if !isMember {
		return nil, apperr.AccessDenied("not a member of this conversation")
	}

	status := models.StatusConfirmed
	if dm.TxHash != "" {
		status = models.StatusPending
	}
	msg := &models.Message{
		ConversationID: dm.ConversationID,
		SenderID:       dm.SenderID,
		Content:        dm.Content,
		ContentID:      dm.ContentID,
		Type:           dm.Type,
		ReplyToID:      dm.ReplyToID,
		Status:         status,
		TxHash:         dm.TxHash,
		CreatedAt:      m.now(),
	}
	inserted, err := m.store.InsertMessage(ctx, msg)
	if err != nil {
		return nil, err
	}
	if !inserted {
		existing, err := m.store.FindMessageByContent(ctx, dm.ConversationID, dm.ContentID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, apperr.StoreWriteFailed("insert message", errors.New("row neither inserted nor found"))
		}
		return existing, nil
	}
	if err := m.store.TouchConversation(ctx, dm.ConversationID, msg.CreatedAt); err != nil {
		return nil, err
	}
	return msg, nil
}

// ApplyAccount records a ledger registration.
func (m *Materializer) ApplyAccount(ctx context.Context, acc ledger.AccountCreated) (*models.Participant, error) {
	p, err := m.EnsureParticipant(ctx, acc.User)
	if err != nil {
		return nil, err
	}
	if p.Username != acc.Name || p.PublicKey != acc.PublicKey || !p.IsRegistered {
		if err := m.store.UpdateParticipantLedgerState(ctx, p.ID, acc.Name, acc.PublicKey, true); err != nil {
			return nil, err
		}
	}
	return m.store.GetParticipant(ctx, p.ID)
}

// ApplyFriendship records an accepted friendship in both directions.
func (m *Materializer) ApplyFriendship(ctx context.Context, fa ledger.FriendAdded) (*models.Participant, *models.Participant, error) {
	user, err := m.EnsureParticipant(ctx, fa.User)
	if err != nil {
		return nil, nil, err
	}
	friend, err := m.EnsureParticipant(ctx, fa.Friend)
	if err != nil {
		return nil, nil, err
	}
	if err := m.store.AddFriendship(ctx, user.ID, friend.ID, fa.Name); err != nil {
		return nil, nil, err
	}
	return user, friend, nil
}
