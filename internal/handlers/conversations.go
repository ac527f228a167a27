package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/pliu/chainchat/internal/apperr"
	"github.com/pliu/chainchat/internal/materialize"
	"github.com/pliu/chainchat/internal/models"
	"github.com/pliu/chainchat/internal/store"
	"github.com/pliu/chainchat/internal/ws"
)

// Notifier fans events out to live connections.
type Notifier interface {
	NotifyConversation(conversationID, event string, data interface{})
	NotifyParticipant(participantID, event string, data interface{})
}

type ConversationHandler struct {
	Store        store.Store
	Materializer *materialize.Materializer
	Notifier     Notifier
}

type CreateConversationRequest struct {
	Name string `json:"name"`
}

type AddMemberRequest struct {
	Address string `json:"address"`
}

type SendMessageRequest struct {
	Content   string `json:"content"`
	ContentID string `json:"contentId"`
	Type      string `json:"type"`
	ReplyToID string `json:"replyToId"`
	TempID    string `json:"tempId"`
	TxHash    string `json:"txHash"`
}

// CreateConversation creates a group conversation with the caller as admin.
func (h *ConversationHandler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	callerID, ok := participantID(w, r)
	if !ok {
		return
	}

	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	conv, err := h.Store.CreateGroupConversation(r.Context(), req.Name, callerID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.Store.AddMembership(r.Context(), conv.ID, callerID, models.RoleAdmin); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

// AddMember adds a participant to a conversation the caller belongs to and
// tells the new member about it.
func (h *ConversationHandler) AddMember(w http.ResponseWriter, r *http.Request) {
	callerID, ok := participantID(w, r)
	if !ok {
		return
	}
	conversationID := mux.Vars(r)["id"]
	if err := h.requireMember(r, conversationID, callerID); err != nil {
		writeError(w, err)
		return
	}

	conv, err := h.Store.GetConversation(r.Context(), conversationID)
	if err != nil {
		writeError(w, err)
		return
	}
	if conv.Type == models.ConversationDirect {
		writeError(w, apperr.InvalidArg("direct conversations have exactly two members"))
		return
	}

	var req AddMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	invitee, err := h.Materializer.EnsureParticipant(r.Context(), req.Address)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.Store.AddMembership(r.Context(), conversationID, invitee.ID, models.RoleMember); err != nil {
		writeError(w, err)
		return
	}

	h.Notifier.NotifyParticipant(invitee.ID, models.EventNewConversation, conv)
	w.WriteHeader(http.StatusOK)
}

func (h *ConversationHandler) GetConversations(w http.ResponseWriter, r *http.Request) {
	callerID, ok := participantID(w, r)
	if !ok {
		return
	}

	conversations, err := h.Store.ListParticipantConversations(r.Context(), callerID)
	if err != nil {
		writeError(w, err)
		return
	}
	if conversations == nil {
		conversations = []models.Conversation{}
	}
	writeJSON(w, http.StatusOK, conversations)
}

func (h *ConversationHandler) GetConversationMessages(w http.ResponseWriter, r *http.Request) {
	callerID, ok := participantID(w, r)
	if !ok {
		return
	}
	conversationID := mux.Vars(r)["id"]
	if err := h.requireMember(r, conversationID, callerID); err != nil {
		writeError(w, err)
		return
	}

	messages, err := h.Store.ListConversationMessages(r.Context(), conversationID)
	if err != nil {
		writeError(w, err)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

func (h *ConversationHandler) GetConversationMembers(w http.ResponseWriter, r *http.Request) {
	callerID, ok := participantID(w, r)
	if !ok {
		return
	}
	conversationID := mux.Vars(r)["id"]
	if err := h.requireMember(r, conversationID, callerID); err != nil {
		writeError(w, err)
		return
	}

	members, err := h.Store.ListMembers(r.Context(), conversationID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, members)
}

// SendMessage is the direct-write path: the message is stored without a
// ledger round trip and broadcast to the conversation.
func (h *ConversationHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	callerID, ok := participantID(w, r)
	if !ok {
		return
	}

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	msg, err := h.Materializer.MaterializeDirectMessage(r.Context(), materialize.DirectMessage{
		ConversationID: mux.Vars(r)["id"],
		SenderID:       callerID,
		Content:        req.Content,
		ContentID:      req.ContentID,
		Type:           req.Type,
		ReplyToID:      req.ReplyToID,
		TxHash:         req.TxHash,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	h.Notifier.NotifyConversation(msg.ConversationID, models.EventNewMessage, ws.NewMessage{Message: *msg, TempID: req.TempID})
	writeJSON(w, http.StatusCreated, msg)
}

func (h *ConversationHandler) requireMember(r *http.Request, conversationID, participantID string) error {
	isMember, err := h.Store.IsMember(r.Context(), conversationID, participantID)
	if err != nil {
		return err
	}
	if !isMember {
		return apperr.AccessDenied("not a member of this conversation")
	}
	return nil
}
