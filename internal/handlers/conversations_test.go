package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"

	"github.com/pliu/chainchat/internal/materialize"
	"github.com/pliu/chainchat/internal/models"
	"github.com/pliu/chainchat/internal/ws"
)

func TestSendMessage(t *testing.T) {
	env := setup(t)

	body, _ := json.Marshal(map[string]string{"content": "Hello", "tempId": "tmp-42"})
	req := httptest.NewRequest("POST", "/conversations/"+env.conv.ID+"/messages", bytes.NewBuffer(body))
	req = mux.SetURLVars(req, map[string]string{"id": env.conv.ID})
	req, h := authed(req, env.alice.ID, env.handler.SendMessage)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("handler returned wrong status code: got %v want %v (%s)", rr.Code, http.StatusCreated, rr.Body)
	}

	var msg models.Message
	json.NewDecoder(rr.Body).Decode(&msg)
	if msg.Status != models.StatusConfirmed {
		t.Errorf("Expected confirmed message, got %s", msg.Status)
	}

	if len(env.notifier.sent) != 1 {
		t.Fatalf("Expected 1 notification, got %d", len(env.notifier.sent))
	}
	n := env.notifier.sent[0]
	if n.target != "conversation:"+env.conv.ID || n.event != models.EventNewMessage {
		t.Errorf("Unexpected notification %s %s", n.target, n.event)
	}
	if payload, ok := n.data.(ws.NewMessage); !ok || payload.TempID != "tmp-42" {
		t.Errorf("Expected tempId to be echoed, got %#v", n.data)
	}
}

func TestSendMessageWithTransactionIsPending(t *testing.T) {
	env := setup(t)

	body, _ := json.Marshal(map[string]string{"content": "anchored", "contentId": "QmX", "txHash": "0xabc"})
	req := httptest.NewRequest("POST", "/conversations/"+env.conv.ID+"/messages", bytes.NewBuffer(body))
	req = mux.SetURLVars(req, map[string]string{"id": env.conv.ID})
	req, h := authed(req, env.bob.ID, env.handler.SendMessage)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var msg models.Message
	json.NewDecoder(rr.Body).Decode(&msg)
	if msg.Status != models.StatusPending {
		t.Errorf("Expected pending message, got %s", msg.Status)
	}
}

func TestSendMessageForbiddenForNonMember(t *testing.T) {
	env := setup(t)

	body, _ := json.Marshal(map[string]string{"content": "Hello"})
	req := httptest.NewRequest("POST", "/conversations/"+env.conv.ID+"/messages", bytes.NewBuffer(body))
	req = mux.SetURLVars(req, map[string]string{"id": env.conv.ID})
	req, h := authed(req, env.carol.ID, env.handler.SendMessage)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusForbidden)
	}
	if len(env.notifier.sent) != 0 {
		t.Errorf("Expected no notification, got %d", len(env.notifier.sent))
	}
}

func TestGetConversationsAndMessages(t *testing.T) {
	env := setup(t)
	env.handler.Materializer.MaterializeDirectMessage(t.Context(), directMessage(env, "first"))
	env.handler.Materializer.MaterializeDirectMessage(t.Context(), directMessage(env, "second"))

	req, h := authed(httptest.NewRequest("GET", "/conversations", nil), env.bob.ID, env.handler.GetConversations)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var conversations []models.Conversation
	json.NewDecoder(rr.Body).Decode(&conversations)
	if len(conversations) != 1 || conversations[0].ID != env.conv.ID {
		t.Errorf("Expected the direct conversation, got %+v", conversations)
	}

	req = mux.SetURLVars(httptest.NewRequest("GET", "/conversations/"+env.conv.ID+"/messages", nil), map[string]string{"id": env.conv.ID})
	req, h = authed(req, env.bob.ID, env.handler.GetConversationMessages)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var messages []models.Message
	json.NewDecoder(rr.Body).Decode(&messages)
	if len(messages) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(messages))
	}
	if messages[0].Content != "first" || messages[1].Content != "second" {
		t.Errorf("Messages out of insertion order: %q, %q", messages[0].Content, messages[1].Content)
	}

	req = mux.SetURLVars(httptest.NewRequest("GET", "/conversations/"+env.conv.ID+"/messages", nil), map[string]string{"id": env.conv.ID})
	req, h = authed(req, env.carol.ID, env.handler.GetConversationMessages)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusForbidden)
	}
}

func TestCreateConversationAndAddMember(t *testing.T) {
	env := setup(t)

	body, _ := json.Marshal(map[string]string{"name": "Test Group"})
	req, h := authed(httptest.NewRequest("POST", "/conversations", bytes.NewBuffer(body)), env.alice.ID, env.handler.CreateConversation)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusCreated)
	}
	var conv models.Conversation
	json.NewDecoder(rr.Body).Decode(&conv)
	if conv.Type != models.ConversationGroup || conv.Name != "Test Group" {
		t.Errorf("Unexpected conversation %+v", conv)
	}

	body, _ = json.Marshal(map[string]string{"address": carolAddr})
	req = mux.SetURLVars(httptest.NewRequest("POST", "/conversations/"+conv.ID+"/members", bytes.NewBuffer(body)), map[string]string{"id": conv.ID})
	req, h = authed(req, env.alice.ID, env.handler.AddMember)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusOK)
	}
	isMember, _ := env.store.IsMember(t.Context(), conv.ID, env.carol.ID)
	if !isMember {
		t.Error("Expected carol to be a member")
	}
	if len(env.notifier.sent) != 1 || env.notifier.sent[0].target != "participant:"+env.carol.ID {
		t.Errorf("Expected carol to be notified, got %+v", env.notifier.sent)
	}

	req = mux.SetURLVars(httptest.NewRequest("GET", "/conversations/"+conv.ID+"/members", nil), map[string]string{"id": conv.ID})
	req, h = authed(req, env.carol.ID, env.handler.GetConversationMembers)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var members []models.Membership
	json.NewDecoder(rr.Body).Decode(&members)
	roles := map[string]models.MembershipRole{}
	for _, m := range members {
		roles[m.ParticipantID] = m.Role
	}
	if roles[env.alice.ID] != models.RoleAdmin || roles[env.carol.ID] != models.RoleMember {
		t.Errorf("Unexpected roles %v", roles)
	}
}

func TestAddMemberRequiresMembership(t *testing.T) {
	env := setup(t)

	body, _ := json.Marshal(map[string]string{"address": carolAddr})
	req := mux.SetURLVars(httptest.NewRequest("POST", "/conversations/"+env.conv.ID+"/members", bytes.NewBuffer(body)), map[string]string{"id": env.conv.ID})
	req, h := authed(req, env.carol.ID, env.handler.AddMember)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusForbidden)
	}
}

func TestAddMemberRejectsDirectConversation(t *testing.T) {
	env := setup(t)

	body, _ := json.Marshal(map[string]string{"address": carolAddr})
	req := mux.SetURLVars(httptest.NewRequest("POST", "/conversations/"+env.conv.ID+"/members", bytes.NewBuffer(body)), map[string]string{"id": env.conv.ID})
	req, h := authed(req, env.alice.ID, env.handler.AddMember)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusBadRequest)
	}
	isMember, _ := env.store.IsMember(t.Context(), env.conv.ID, env.carol.ID)
	if isMember {
		t.Error("Expected carol to stay out of the direct conversation")
	}
	if len(env.notifier.sent) != 0 {
		t.Errorf("Expected no notification, got %+v", env.notifier.sent)
	}
}

func directMessage(env *testEnv, content string) materialize.DirectMessage {
	return materialize.DirectMessage{ConversationID: env.conv.ID, SenderID: env.alice.ID, Content: content}
}
