package models

import "time"

type Participant struct {
	ID           string    `json:"id"`
	Address      string    `json:"address"`
	Username     string    `json:"username"`
	PublicKey    string    `json:"public_key"`
	IsRegistered bool      `json:"is_registered"`
	LastSeen     time.Time `json:"last_seen"`
	CreatedAt    time.Time `json:"created_at"`
}

type FriendshipStatus string

const (
	FriendshipPending  FriendshipStatus = "pending"
	FriendshipAccepted FriendshipStatus = "accepted"
)

type Friendship struct {
	ParticipantID string           `json:"participant_id"`
	FriendID      string           `json:"friend_id"`
	Name          string           `json:"name"`
	Status        FriendshipStatus `json:"status"`
	CreatedAt     time.Time        `json:"created_at"`
}

type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

type Conversation struct {
	ID            string           `json:"id"`
	Type          ConversationType `json:"type"`
	Name          string           `json:"name,omitempty"`
	CreatedBy     string           `json:"created_by"`
	LastMessageAt *time.Time       `json:"last_message_at,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}

type MembershipRole string

const (
	RoleAdmin  MembershipRole = "admin"
	RoleMember MembershipRole = "member"
)

type Membership struct {
	ConversationID string         `json:"conversation_id"`
	ParticipantID  string         `json:"participant_id"`
	Role           MembershipRole `json:"role"`
	JoinedAt       time.Time      `json:"joined_at"`
	LastReadAt     *time.Time     `json:"last_read_at,omitempty"`
}

type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusConfirmed MessageStatus = "confirmed"
	StatusFailed    MessageStatus = "failed"
)

type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	SenderID       string        `json:"sender_id"`
	Content        string        `json:"content"`
	ContentID      string        `json:"content_id,omitempty"`
	Type           string        `json:"type"`
	ReplyToID      string        `json:"reply_to_id,omitempty"`
	Status         MessageStatus `json:"status"`
	TxHash         string        `json:"tx_hash,omitempty"`
	BlockNumber    uint64        `json:"block_number,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	DeletedAt      *time.Time    `json:"deleted_at,omitempty"`
}

// SyncResult is the outcome of one reconciliation phase or of a whole pass.
// It is never persisted.
type SyncResult struct {
	Success   bool                   `json:"success"`
	DryRun    bool                   `json:"dry_run"`
	Processed int                    `json:"processed"`
	Errors    []string               `json:"errors"`
	Warnings  []string               `json:"warnings"`
	Phases    map[string]*SyncResult `json:"phases,omitempty"`
	StartedAt time.Time              `json:"started_at"`
	Duration  time.Duration          `json:"duration"`
}

func NewSyncResult(dryRun bool) *SyncResult {
	return &SyncResult{
		Success:   true,
		DryRun:    dryRun,
		Errors:    []string{},
		Warnings:  []string{},
		StartedAt: time.Now(),
	}
}

// Merge folds a phase result into r under the given phase name.
func (r *SyncResult) Merge(phase string, p *SyncResult) {
	if r.Phases == nil {
		r.Phases = make(map[string]*SyncResult)
	}
	r.Phases[phase] = p
	r.Processed += p.Processed
	r.Errors = append(r.Errors, p.Errors...)
	r.Warnings = append(r.Warnings, p.Warnings...)
	if !p.Success {
		r.Success = false
	}
}
