package listener

import (
	"context"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/pliu/chainchat/internal/apperr"
	"github.com/pliu/chainchat/internal/ledger"
	"github.com/pliu/chainchat/internal/materialize"
	"github.com/pliu/chainchat/internal/models"
	"github.com/pliu/chainchat/internal/queue"
)

// Notifier fans events out to live connections.
type Notifier interface {
	NotifyConversation(conversationID, event string, data interface{})
	NotifyParticipant(participantID, event string, data interface{})
}

// Handlers binds the three ledger event classes to the store, the
// processing queue and the real-time layer.
type Handlers struct {
	materializer *materialize.Materializer
	queue        queue.Queue
	notifier     Notifier
}

func NewHandlers(m *materialize.Materializer, q queue.Queue, n Notifier) *Handlers {
	return &Handlers{materializer: m, queue: q, notifier: n}
}

func (h *Handlers) Register(l *Listener) {
	l.Subscribe([]ledger.EventType{ledger.EventMessageSent}, h.MessageSent)
	l.Subscribe([]ledger.EventType{ledger.EventFriendAdded}, h.FriendAdded)
	l.Subscribe([]ledger.EventType{ledger.EventAccountCreated}, h.AccountCreated)
}

func (h *Handlers) MessageSent(ctx context.Context, ev ledger.Event) error {
	ms := ev.MessageSent
	if ms == nil {
		return apperr.InvalidArg("MessageSent event without payload")
	}
	res, err := h.materializer.MaterializeLedgerMessage(ctx, materialize.LedgerMessage{
		Sender:      ms.Sender,
		Recipient:   ms.Recipient,
		ContentID:   ms.ContentHash,
		Timestamp:   ms.Timestamp,
		TxHash:      ev.TxHash,
		BlockNumber: ev.BlockNumber,
	})
	if err != nil {
		return errors.Wrap(err, "materialize ledger message")
	}
	if !res.Created && !res.Confirmed {
		return nil
	}

	msg := res.Message
	if res.ConversationCreated {
		h.notifier.NotifyParticipant(res.Sender.ID, models.EventNewConversation, res.Conversation)
		if res.Recipient.ID != res.Sender.ID {
			h.notifier.NotifyParticipant(res.Recipient.ID, models.EventNewConversation, res.Conversation)
		}
	}
	if res.Created {
		job := queue.Job{MessageID: msg.ID, ContentID: msg.ContentID, Source: "listener"}
		if err := h.queue.EnqueueProcessing(ctx, job); err != nil {
			jww.WARN.Printf("Could not enqueue message %s for processing: %v", msg.ID, err)
		}
	}
	if res.Confirmed {
		h.broadcast(res, models.EventMessageUpdated, models.MessageUpdate{
			MessageID:   msg.ID,
			Status:      msg.Status,
			TxHash:      msg.TxHash,
			BlockNumber: msg.BlockNumber,
		})
	}
	h.broadcast(res, models.EventLedgerMessageReceived, msg)
	jww.INFO.Printf("Ledger message %s in conversation %s (created=%t confirmed=%t)",
		msg.ID, msg.ConversationID, res.Created, res.Confirmed)
	return nil
}

// broadcast sends direct-conversation events to both participants' personal
// rooms, which every connection joins, so a client hears about a message
// before it has joined the conversation. Group events go to the conversation
// room.
func (h *Handlers) broadcast(res *materialize.Result, event string, data interface{}) {
	if res.Conversation != nil && res.Conversation.Type == models.ConversationGroup {
		h.notifier.NotifyConversation(res.Conversation.ID, event, data)
		return
	}
	h.notifier.NotifyParticipant(res.Sender.ID, event, data)
	if res.Recipient.ID != res.Sender.ID {
		h.notifier.NotifyParticipant(res.Recipient.ID, event, data)
	}
}

func (h *Handlers) FriendAdded(ctx context.Context, ev ledger.Event) error {
	fa := ev.FriendAdded
	if fa == nil {
		return apperr.InvalidArg("FriendAdded event without payload")
	}
	user, friend, err := h.materializer.ApplyFriendship(ctx, *fa)
	if err != nil {
		return errors.Wrap(err, "apply friendship")
	}
	h.notifier.NotifyParticipant(user.ID, models.EventFriendAdded, models.FriendUpdate{Friend: friend, Name: fa.Name})
	h.notifier.NotifyParticipant(friend.ID, models.EventFriendAdded, models.FriendUpdate{Friend: user})
	return nil
}

func (h *Handlers) AccountCreated(ctx context.Context, ev ledger.Event) error {
	ac := ev.AccountCreated
	if ac == nil {
		return apperr.InvalidArg("AccountCreated event without payload")
	}
	p, err := h.materializer.ApplyAccount(ctx, *ac)
	if err != nil {
		return errors.Wrap(err, "apply account")
	}
	h.notifier.NotifyParticipant(p.ID, models.EventParticipantUpdated, p)
	return nil
}
