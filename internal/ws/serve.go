package ws

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/pliu/chainchat/internal/apperr"
	"github.com/pliu/chainchat/internal/materialize"
	"github.com/pliu/chainchat/internal/middleware"
	"github.com/pliu/chainchat/internal/models"
	"github.com/pliu/chainchat/internal/store"
)

const walletHeader = "X-Wallet-Address"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server upgrades authenticated requests into hub connections.
type Server struct {
	hub          *Hub
	store        store.Store
	materializer *materialize.Materializer
	sessions     middleware.Verifier
}

func NewServer(hub *Hub, s store.Store, m *materialize.Materializer, sessions middleware.Verifier) *Server {
	return &Server{hub: hub, store: s, materializer: m, sessions: sessions}
}

// ServeWs authenticates the request, upgrades it and starts the pumps. No
// room can be joined before authentication succeeds.
func (s *Server) ServeWs(w http.ResponseWriter, r *http.Request) {
	participant, err := s.authenticate(r)
	if err != nil {
		jww.DEBUG.Printf("Rejected websocket from %s: %v", r.RemoteAddr, err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		jww.WARN.Printf("Websocket upgrade failed: %v", err)
		return
	}

	client := newClient(s.hub, conn, participant.ID, s.store, s.materializer)
	s.hub.Register(client)

	go client.writePump()
	go client.readPump()
}

// authenticate accepts a bearer session first and falls back to a raw
// wallet address, provisioning a participant for unseen addresses.
func (s *Server) authenticate(r *http.Request) (*models.Participant, error) {
	token := middleware.BearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token != "" {
		participantID, err := s.sessions.VerifySession(token)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeAuthenticationRequired, "invalid session", err)
		}
		p, err := s.store.GetParticipant(r.Context(), participantID)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeAuthenticationRequired, "unknown participant", err)
		}
		return p, nil
	}

	address := strings.TrimSpace(r.Header.Get(walletHeader))
	if address == "" {
		address = r.URL.Query().Get("address")
	}
	if address == "" {
		return nil, apperr.ErrAuthenticationRequired
	}
	p, err := s.materializer.EnsureParticipant(r.Context(), address)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeAuthenticationRequired, "wallet address rejected", err)
	}
	return p, nil
}
