package store

import (
	"context"
	"time"

	"github.com/pliu/chainchat/internal/models"
)

// Store is the query store: a derived, queryable cache of ledger and
// content-network state. Creation methods are create-if-absent and return the
// row that exists after the call.
type Store interface {
	// Participant operations
	EnsureParticipant(ctx context.Context, address string) (*models.Participant, error)
	GetParticipant(ctx context.Context, id string) (*models.Participant, error)
	GetParticipantByAddress(ctx context.Context, address string) (*models.Participant, error)
	ListParticipants(ctx context.Context) ([]models.Participant, error)
	ListRegisteredParticipants(ctx context.Context) ([]models.Participant, error)
	UpdateParticipantLedgerState(ctx context.Context, id, username, publicKey string, registered bool) error
	TouchParticipant(ctx context.Context, id string, seen time.Time) error
	SearchParticipants(ctx context.Context, query string) ([]models.Participant, error)

	// Friendship operations
	AddFriendship(ctx context.Context, participantID, friendID, name string) error
	ListFriendIDs(ctx context.Context, participantID string) ([]string, error)

	// Conversation operations
	EnsureDirectConversation(ctx context.Context, a, b, createdBy string) (*models.Conversation, error)
	CreateGroupConversation(ctx context.Context, name, createdBy string) (*models.Conversation, error)
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	GetDirectConversation(ctx context.Context, a, b string) (*models.Conversation, error)
	ListParticipantConversations(ctx context.Context, participantID string) ([]models.Conversation, error)
	TouchConversation(ctx context.Context, id string, at time.Time) error
	DeleteConversation(ctx context.Context, id string) error

	// Membership operations
	AddMembership(ctx context.Context, conversationID, participantID string, role models.MembershipRole) error
	IsMember(ctx context.Context, conversationID, participantID string) (bool, error)
	ListMembers(ctx context.Context, conversationID string) ([]models.Membership, error)

	// Message operations
	InsertMessage(ctx context.Context, m *models.Message) (bool, error)
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	FindMessageByContent(ctx context.Context, conversationID, contentID string) (*models.Message, error)
	FindPendingByContent(ctx context.Context, contentID string) (*models.Message, error)
	ConfirmMessage(ctx context.Context, id, txHash string, blockNumber uint64) error
	SetMessageStatus(ctx context.Context, id string, status models.MessageStatus) error
	SoftDeleteMessage(ctx context.Context, id string, at time.Time) error
	ListConversationMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	ListConfirmedWithContent(ctx context.Context, limit int) ([]models.Message, error)

	// Orphan detection and cleanup
	FindOrphanMessages(ctx context.Context) ([]string, error)
	FindOrphanMemberships(ctx context.Context) ([]models.Membership, error)
	FindEmptyConversations(ctx context.Context, olderThan time.Time) ([]string, error)
	// FindConversationMessageIDs includes tombstoned messages.
	FindConversationMessageIDs(ctx context.Context, conversationIDs []string) ([]string, error)
	DeleteMessages(ctx context.Context, ids []string) (int64, error)
	DeleteMemberships(ctx context.Context, memberships []models.Membership) (int64, error)
	DeleteConversations(ctx context.Context, ids []string) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}
