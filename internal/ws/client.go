package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/pliu/chainchat/internal/apperr"
	"github.com/pliu/chainchat/internal/materialize"
	"github.com/pliu/chainchat/internal/models"
	"github.com/pliu/chainchat/internal/store"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Client events.
const (
	eventJoinConversation  = "join_conversation"
	eventLeaveConversation = "leave_conversation"
	eventSendMessage       = "send_message"
	eventUpdatePresence    = "update_presence"
)

type inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type conversationRequest struct {
	ConversationID string `json:"conversationId"`
}

type sendMessageRequest struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	ContentID      string `json:"contentId"`
	Type           string `json:"type"`
	ReplyToID      string `json:"replyToId"`
	TempID         string `json:"tempId"`
	TxHash         string `json:"txHash"`
}

type presenceRequest struct {
	Status string `json:"status"`
}

// NewMessage is the payload of new_message: the stored message plus the
// client's idempotency token.
type NewMessage struct {
	models.Message
	TempID string `json:"tempId,omitempty"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// Client is one authenticated websocket connection.
type Client struct {
	id            string
	participantID string
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte

	store        store.Store
	materializer *materialize.Materializer
}

func newClient(hub *Hub, conn *websocket.Conn, participantID string, s store.Store, m *materialize.Materializer) *Client {
	return &Client{
		id:            uuid.NewString(),
		participantID: participantID,
		hub:           hub,
		conn:          conn,
		send:          make(chan []byte, 256),
		store:         s,
		materializer:  m,
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { return c.conn.SetReadDeadline(time.Now().Add(pongWait)) })

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				jww.WARN.Printf("Connection %s read error: %v", c.id, err)
			}
			return
		}
		c.handle(context.Background(), raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handle dispatches one client frame. Failures are reported back as error
// events and never close the connection.
func (c *Client) handle(ctx context.Context, raw []byte) {
	var in inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		c.sendError(apperr.InvalidArg("invalid json"))
		return
	}

	var err error
	switch in.Type {
	case eventJoinConversation:
		err = c.joinConversation(ctx, in.Data)
	case eventLeaveConversation:
		err = c.leaveConversation(in.Data)
	case eventSendMessage:
		err = c.sendMessage(ctx, in.Data)
	case eventUpdatePresence:
		err = c.updatePresence(in.Data)
	default:
		err = apperr.InvalidArg("unsupported event type " + in.Type)
	}
	if err != nil {
		c.sendError(err)
	}
}

func (c *Client) joinConversation(ctx context.Context, data json.RawMessage) error {
	var req conversationRequest
	if err := json.Unmarshal(data, &req); err != nil || req.ConversationID == "" {
		return apperr.InvalidArg("conversationId is required")
	}
	isMember, err := c.store.IsMember(ctx, req.ConversationID, c.participantID)
	if err != nil {
		return err
	}
	if !isMember {
		return apperr.AccessDenied("not a member of conversation " + req.ConversationID)
	}
	c.hub.joinRoom(c, conversationRoom(req.ConversationID))
	return nil
}

func (c *Client) leaveConversation(data json.RawMessage) error {
	var req conversationRequest
	if err := json.Unmarshal(data, &req); err != nil || req.ConversationID == "" {
		return apperr.InvalidArg("conversationId is required")
	}
	c.hub.leaveRoom(c, conversationRoom(req.ConversationID))
	return nil
}

func (c *Client) sendMessage(ctx context.Context, data json.RawMessage) error {
	var req sendMessageRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return apperr.InvalidArg("invalid send_message payload")
	}
	msg, err := c.materializer.MaterializeDirectMessage(ctx, materialize.DirectMessage{
		ConversationID: req.ConversationID,
		SenderID:       c.participantID,
		Content:        req.Content,
		ContentID:      req.ContentID,
		Type:           req.Type,
		ReplyToID:      req.ReplyToID,
		TxHash:         req.TxHash,
	})
	if err != nil {
		return err
	}
	c.hub.notify(conversationRoom(msg.ConversationID), models.EventNewMessage, NewMessage{Message: *msg, TempID: req.TempID}, c)
	return nil
}

func (c *Client) updatePresence(data json.RawMessage) error {
	var req presenceRequest
	if err := json.Unmarshal(data, &req); err != nil || !models.ValidPresence(req.Status) {
		return apperr.InvalidArg("status must be online, away or offline")
	}
	c.hub.setStatus(presenceChange{participantID: c.participantID, status: req.Status})
	return nil
}

func (c *Client) sendError(err error) {
	msg := err.Error()
	if apperr.CodeOf(err) == apperr.CodeInternal {
		jww.ERROR.Printf("Connection %s: %v", c.id, err)
		msg = "internal error"
	}
	payload, encErr := encode(models.EventError, errorPayload{Message: msg})
	if encErr != nil {
		return
	}
	c.hub.send(delivery{room: "connection:" + c.id, payload: payload, also: c})
}
