package handlers

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pliu/chainchat/internal/auth"
	"github.com/pliu/chainchat/internal/materialize"
	"github.com/pliu/chainchat/internal/middleware"
	"github.com/pliu/chainchat/internal/models"
	"github.com/pliu/chainchat/internal/store/sqlstore"
)

const (
	aliceAddr = "0x00000000000000000000000000000000000000a1"
	bobAddr   = "0x00000000000000000000000000000000000000b2"
	carolAddr = "0x00000000000000000000000000000000000000c3"
)

var sessions = auth.NewSessions("test-secret", time.Hour)

type sent struct {
	target string
	event  string
	data   interface{}
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sent
}

func (n *recordingNotifier) NotifyConversation(conversationID, event string, data interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sent{"conversation:" + conversationID, event, data})
}

func (n *recordingNotifier) NotifyParticipant(participantID, event string, data interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sent{"participant:" + participantID, event, data})
}

type testEnv struct {
	store    *sqlstore.SQLStore
	notifier *recordingNotifier
	handler  *ConversationHandler
	alice    *models.Participant
	bob      *models.Participant
	carol    *models.Participant
	conv     *models.Conversation
}

func setup(t *testing.T) *testEnv {
	store, err := sqlstore.New("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	m := materialize.New(store)
	env := &testEnv{store: store, notifier: &recordingNotifier{}}
	env.handler = &ConversationHandler{Store: store, Materializer: m, Notifier: env.notifier}

	env.alice, _ = m.EnsureParticipant(ctx, aliceAddr)
	env.bob, _ = m.EnsureParticipant(ctx, bobAddr)
	env.carol, _ = m.EnsureParticipant(ctx, carolAddr)
	env.conv, err = m.EnsureDirectConversation(ctx, env.alice, env.bob)
	if err != nil {
		t.Fatalf("Failed to create conversation: %v", err)
	}
	return env
}

// authed signs req as participantID and routes it through the auth
// middleware.
func authed(req *http.Request, participantID string, h http.HandlerFunc) (*http.Request, http.Handler) {
	req.Header.Set("Authorization", "Bearer "+sessions.SignSession(participantID))
	return req, middleware.AuthMiddleware(sessions)(h)
}
