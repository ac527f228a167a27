// Package ledger is the read side of the on-chain messaging contract: the
// event stream the listener consumes and the query functions reconciliation
// walks. The engine never writes to the ledger.
package ledger

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/pliu/chainchat/internal/apperr"
)

type EventType string

const (
	EventMessageSent    EventType = "MessageSent"
	EventFriendAdded    EventType = "FriendAdded"
	EventAccountCreated EventType = "AccountCreated"
)

// AllEventTypes lists every event class the engine handles.
var AllEventTypes = []EventType{EventMessageSent, EventFriendAdded, EventAccountCreated}

type MessageSent struct {
	Sender      string
	Recipient   string
	ContentHash string
	Timestamp   time.Time
}

type FriendAdded struct {
	User   string
	Friend string
	Name   string
}

type AccountCreated struct {
	User      string
	Name      string
	PublicKey string
}

// Event is one immutable fact observed on the ledger. Exactly one payload
// field is set, matching Type.
type Event struct {
	Type           EventType
	MessageSent    *MessageSent
	FriendAdded    *FriendAdded
	AccountCreated *AccountCreated

	TxHash      string
	BlockNumber uint64
}

// Key is the composite identity used for redelivery dedup. For messages it
// is (sender, recipient, content hash, block timestamp).
func (e Event) Key() string {
	var parts []string
	switch e.Type {
	case EventMessageSent:
		m := e.MessageSent
		parts = []string{string(e.Type), m.Sender, m.Recipient, m.ContentHash, strconv.FormatInt(m.Timestamp.Unix(), 10)}
	case EventFriendAdded:
		f := e.FriendAdded
		parts = []string{string(e.Type), f.User, f.Friend, f.Name}
	case EventAccountCreated:
		a := e.AccountCreated
		parts = []string{string(e.Type), a.User, a.Name, a.PublicKey}
	default:
		parts = []string{string(e.Type), e.TxHash}
	}
	return strings.Join(parts, "|")
}

// Message is one entry of the ledger's message list between two peers.
type Message struct {
	Sender      string
	ContentHash string
	Timestamp   time.Time
}

type Friend struct {
	Address string
	Name    string
}

// Reader exposes the on-demand query functions of the contract.
type Reader interface {
	// GetMessagesBetween returns the ledger messages exchanged between user
	// and peer, as visible to user.
	GetMessagesBetween(ctx context.Context, user, peer string) ([]Message, error)
	GetFriends(ctx context.Context, user string) ([]Friend, error)
	GetUsername(ctx context.Context, address string) (string, error)
	GetPublicKey(ctx context.Context, address string) (string, error)
	IsRegistered(ctx context.Context, address string) (bool, error)
	Ping(ctx context.Context) error
}

// EventSource streams contract events. The event channel is closed when the
// subscription ends; a terminal subscription error is sent on the error
// channel first.
type EventSource interface {
	WatchEvents(ctx context.Context) (<-chan Event, <-chan error, error)
}

// NormalizeAddress validates a hex account address and returns it
// lower-cased, which is the form used as the store key.
func NormalizeAddress(address string) (string, error) {
	if !common.IsHexAddress(address) {
		return "", apperr.InvalidArg("invalid address " + address)
	}
	return strings.ToLower(common.HexToAddress(address).Hex()), nil
}
