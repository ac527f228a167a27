package models

// Real-time event names sent from server to client.
const (
	EventNewMessage            = "new_message"
	EventNewConversation       = "new_conversation"
	EventMessageUpdated        = "message_updated"
	EventLedgerMessageReceived = "blockchain_message_received"
	EventFriendPresenceUpdated = "friend_presence_updated"
	EventFriendAdded           = "friend_added"
	EventParticipantUpdated    = "participant_updated"
	EventError                 = "error"
)

// MessageUpdate is the payload of message_updated.
type MessageUpdate struct {
	MessageID   string        `json:"messageId"`
	Status      MessageStatus `json:"status"`
	TxHash      string        `json:"txHash,omitempty"`
	BlockNumber uint64        `json:"blockNumber,omitempty"`
}

type PresenceUpdate struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

type FriendUpdate struct {
	Friend *Participant `json:"friend"`
	Name   string       `json:"name,omitempty"`
}

const (
	PresenceOnline  = "online"
	PresenceAway    = "away"
	PresenceOffline = "offline"
)

func ValidPresence(status string) bool {
	switch status {
	case PresenceOnline, PresenceAway, PresenceOffline:
		return true
	}
	return false
}
