package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang-collections/collections/queue"
	"github.com/golang-collections/collections/set"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/pliu/chainchat/internal/models"
	"github.com/pliu/chainchat/internal/store"
)

func participantRoom(id string) string  { return "participant:" + id }
func conversationRoom(id string) string { return "conversation:" + id }

// envelope is the wire frame in both directions.
type envelope struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type roomRequest struct {
	client *Client
	room   string
}

type delivery struct {
	room    string
	payload []byte
	// also receives the payload when it is not in the room.
	also *Client
}

type presenceQuery struct {
	participantID string
	reply         chan int
}

type presenceChange struct {
	participantID string
	status        string
}

// Hub owns the presence registry and the room registry. All state is
// touched only by the Run goroutine; everything else talks to it through
// channels.
type Hub struct {
	store store.Store

	register   chan *Client
	unregister chan *Client
	join       chan roomRequest
	leave      chan roomRequest
	deliver    chan delivery
	query      chan presenceQuery
	status     chan presenceChange
	done       chan struct{}

	// Presence changes in the order the hub decided them. Only
	// announceLoop consumes them, so friends and last_seen see that order.
	announceMu    sync.Mutex
	announcements *queue.Queue
	wake          chan struct{}
	stopAnnounce  chan struct{}
	announced     chan struct{}

	// participant id -> set of live *Client
	presence map[string]*set.Set
	rooms    map[string]map[*Client]bool
	joined   map[*Client]map[string]bool

	now func() time.Time
}

func NewHub(store store.Store) *Hub {
	return &Hub{
		store:      store,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		join:       make(chan roomRequest),
		leave:      make(chan roomRequest),
		deliver:    make(chan delivery, 256),
		query:      make(chan presenceQuery),
		status:     make(chan presenceChange),
		done:       make(chan struct{}),

		announcements: queue.New(),
		wake:          make(chan struct{}, 1),
		stopAnnounce:  make(chan struct{}),
		announced:     make(chan struct{}),

		presence: make(map[string]*set.Set),
		rooms:    make(map[string]map[*Client]bool),
		joined:   make(map[*Client]map[string]bool),
		now:      time.Now,
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	go h.announceLoop()
	for {
		select {
		case <-ctx.Done():
			for c := range h.joined {
				h.remove(c)
			}
			close(h.stopAnnounce)
			for {
				select {
				case <-h.announced:
					return
				case <-h.deliver:
				}
			}
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c)
		case req := <-h.join:
			h.addToRoom(req.client, req.room)
		case req := <-h.leave:
			if _, ok := h.joined[req.client]; ok {
				h.removeFromRoom(req.client, req.room)
			}
		case d := <-h.deliver:
			h.fanOut(d)
		case q := <-h.query:
			n := 0
			if conns, ok := h.presence[q.participantID]; ok {
				n = conns.Len()
			}
			q.reply <- n
		case change := <-h.status:
			if _, ok := h.presence[change.participantID]; ok {
				h.enqueueAnnouncement(change)
			}
		}
	}
}

func (h *Hub) add(c *Client) {
	conns, ok := h.presence[c.participantID]
	if !ok {
		conns = set.New()
		h.presence[c.participantID] = conns
	}
	conns.Insert(c)
	h.joined[c] = make(map[string]bool)
	h.addToRoom(c, participantRoom(c.participantID))
	jww.DEBUG.Printf("Connection %s registered for participant %s (%d open)", c.id, c.participantID, conns.Len())

	if conns.Len() == 1 {
		h.enqueueAnnouncement(presenceChange{participantID: c.participantID, status: models.PresenceOnline})
	}
}

func (h *Hub) remove(c *Client) {
	rooms, ok := h.joined[c]
	if !ok {
		return
	}
	for room := range rooms {
		h.removeFromRoom(c, room)
	}
	delete(h.joined, c)
	close(c.send)

	conns := h.presence[c.participantID]
	conns.Remove(c)
	jww.DEBUG.Printf("Connection %s closed for participant %s (%d open)", c.id, c.participantID, conns.Len())
	if conns.Len() == 0 {
		delete(h.presence, c.participantID)
		h.enqueueAnnouncement(presenceChange{participantID: c.participantID, status: models.PresenceOffline})
	}
}

func (h *Hub) addToRoom(c *Client, room string) {
	rooms, ok := h.joined[c]
	if !ok {
		return
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]bool)
		h.rooms[room] = members
	}
	members[c] = true
	rooms[room] = true
}

func (h *Hub) removeFromRoom(c *Client, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(h.joined[c], room)
}

func (h *Hub) fanOut(d delivery) {
	var slow []*Client
	send := func(c *Client) {
		select {
		case c.send <- d.payload:
		default:
			slow = append(slow, c)
		}
	}
	members := h.rooms[d.room]
	for c := range members {
		send(c)
	}
	if d.also != nil && !members[d.also] {
		if _, ok := h.joined[d.also]; ok {
			send(d.also)
		}
	}
	for _, c := range slow {
		jww.WARN.Printf("Dropping slow connection %s", c.id)
		h.remove(c)
	}
}

// enqueueAnnouncement never blocks the hub.
func (h *Hub) enqueueAnnouncement(change presenceChange) {
	h.announceMu.Lock()
	h.announcements.Enqueue(change)
	h.announceMu.Unlock()
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *Hub) nextAnnouncement() (presenceChange, bool) {
	h.announceMu.Lock()
	defer h.announceMu.Unlock()
	if h.announcements.Len() == 0 {
		return presenceChange{}, false
	}
	return h.announcements.Dequeue().(presenceChange), true
}

// announceLoop works through presence changes one at a time. Once the hub
// stops it only records last seen, since no connection is left to notify.
func (h *Hub) announceLoop() {
	defer close(h.announced)
	for {
		select {
		case <-h.wake:
			for change, ok := h.nextAnnouncement(); ok; change, ok = h.nextAnnouncement() {
				h.announce(change, true)
			}
		case <-h.stopAnnounce:
			for change, ok := h.nextAnnouncement(); ok; change, ok = h.nextAnnouncement() {
				h.announce(change, false)
			}
			return
		}
	}
}

// announce records the time the participant was last seen and, when notify
// is set, tells their accepted friends about the change.
func (h *Hub) announce(change presenceChange, notify bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.store.TouchParticipant(ctx, change.participantID, h.now()); err != nil {
		jww.WARN.Printf("Could not record last seen for %s: %v", change.participantID, err)
	}
	if !notify {
		return
	}
	friends, err := h.store.ListFriendIDs(ctx, change.participantID)
	if err != nil {
		jww.WARN.Printf("Could not load friends of %s: %v", change.participantID, err)
		return
	}
	update := models.PresenceUpdate{UserID: change.participantID, Status: change.status}
	for _, friendID := range friends {
		h.NotifyParticipant(friendID, models.EventFriendPresenceUpdated, update)
	}
}

func encode(event string, data interface{}) ([]byte, error) {
	return json.Marshal(envelope{Type: event, Data: data})
}

func (h *Hub) send(d delivery) {
	select {
	case h.deliver <- d:
	case <-h.done:
	}
}

func (h *Hub) notify(room, event string, data interface{}, also *Client) {
	payload, err := encode(event, data)
	if err != nil {
		jww.ERROR.Printf("Could not encode %s event: %v", event, err)
		return
	}
	h.send(delivery{room: room, payload: payload, also: also})
}

// NotifyConversation delivers an event to every connection that joined the
// conversation.
func (h *Hub) NotifyConversation(conversationID, event string, data interface{}) {
	h.notify(conversationRoom(conversationID), event, data, nil)
}

// NotifyParticipant delivers an event to every connection of a participant.
func (h *Hub) NotifyParticipant(participantID, event string, data interface{}) {
	h.notify(participantRoom(participantID), event, data, nil)
}

// Connections returns how many live connections a participant has.
func (h *Hub) Connections(participantID string) int {
	reply := make(chan int, 1)
	select {
	case h.query <- presenceQuery{participantID: participantID, reply: reply}:
		return <-reply
	case <-h.done:
		return 0
	}
}

func (h *Hub) Online(participantID string) bool {
	return h.Connections(participantID) > 0
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// setStatus announces a client-chosen status while the participant is
// connected.
func (h *Hub) setStatus(change presenceChange) {
	select {
	case h.status <- change:
	case <-h.done:
	}
}

func (h *Hub) joinRoom(c *Client, room string) {
	select {
	case h.join <- roomRequest{client: c, room: room}:
	case <-h.done:
	}
}

func (h *Hub) leaveRoom(c *Client, room string) {
	select {
	case h.leave <- roomRequest{client: c, room: room}:
	case <-h.done:
	}
}
