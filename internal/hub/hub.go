// Package hub implements the subscription hub: long-lived bidirectional
// sessions joined to rooms (watch:<tourist>, authorities, user:<tourist>)
// that the ingest pipeline fans events out to. Each connection gets
// ping/pong deadlines, a buffered outbound channel, and separate
// read/write goroutines.
package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/touristsafety/trackengine/internal/domain"
)

// Connection timing for the ping/pong heartbeat and write deadlines.
const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageBytes   = 4096
	outboundBufferLen = 256
)

// EventKind tags every message the hub ever writes to a session.
type EventKind string

const (
	EventLocationChanged EventKind = "location:changed"
	EventZoneStatus      EventKind = "zone_status"
	EventAlert           EventKind = "alert"
	EventError           EventKind = "error"
)

// Event is the envelope written to a session's outbound channel.
type Event struct {
	Kind EventKind   `json:"event"`
	Data interface{} `json:"data"`
}

// Inbound is the envelope a session reads from the client.
type Inbound struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

const (
	RoomAuthorities = "authorities"
)

func roomWatch(touristID string) string { return "watch:" + touristID }
func roomUser(touristID string) string  { return "user:" + touristID }

// Session is one connected client: a tourist reporting its own
// position, or an authority watching one or more tourists.
type Session struct {
	ID        string
	Principal domain.Principal

	conn *websocket.Conn
	send chan Event

	hub    *Hub
	logger *zap.Logger

	closeOnce sync.Once
}

// InboundHandler processes the client->server message verbs. It is
// implemented by the engine wiring layer, which has access
// to the ingest pipeline; the hub itself stays ignorant of ingestion so
// there is no import cycle between hub and ingest (ingest depends on
// hub only through the narrow Publisher interface it declares).
type InboundHandler interface {
	HandlePositionUpdate(s *Session, data json.RawMessage)
	HandleWatchStart(s *Session, data json.RawMessage)
	HandleWatchStop(s *Session, data json.RawMessage)
}

// Hub owns room membership and the registry of live sessions. It holds
// no knowledge of zones or tourists — it is a pure fan-out layer that
// the ingest pipeline (via the Publisher interface) and the HTTP layer
// (via room join/leave) drive from the outside.
type Hub struct {
	logger  *zap.Logger
	handler InboundHandler

	mu       sync.RWMutex
	sessions map[string]*Session
	rooms    map[string]map[string]struct{} // room -> set of session ids

	latest map[string]domain.Fix // tourist id -> latest fix, for late joiners
}

// New builds an empty Hub. handler may be nil if the hub is only ever
// used to fan out server-originated events (e.g. in tests); in that
// case well-formed inbound client messages are ignored, and malformed
// ones still get an error reply.
func New(logger *zap.Logger, handler InboundHandler) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger:   logger,
		handler:  handler,
		sessions: make(map[string]*Session),
		rooms:    make(map[string]map[string]struct{}),
		latest:   make(map[string]domain.Fix),
	}
}

// Register upgrades the connection into a managed Session and starts
// its read/write pumps. Callers are expected to have already
// authenticated principal at the HTTP layer.
func (h *Hub) Register(id string, principal domain.Principal, conn *websocket.Conn) *Session {
	s := &Session{
		ID:        id,
		Principal: principal,
		conn:      conn,
		send:      make(chan Event, outboundBufferLen),
		hub:       h,
		logger:    h.logger,
	}

	h.mu.Lock()
	h.sessions[id] = s
	h.mu.Unlock()

	go s.writePump()
	go s.readPump()
	return s
}

// unregister removes a session from the session registry and every room
// it joined. Safe to call multiple times. The outbound channel is closed
// by readPump, not here.
func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, s.ID)
	for room, members := range h.rooms {
		delete(members, s.ID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

func (h *Hub) join(room string, s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		h.rooms[room] = members
	}
	members[s.ID] = struct{}{}
}

func (h *Hub) leave(room string, s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.rooms[room]; ok {
		delete(members, s.ID)
	}
}

// WatchStart joins session to watch:<touristID> and immediately
// delivers the tourist's latest known position, if any. Membership in
// the authorities room is set up separately, when the session attaches.
func (h *Hub) WatchStart(s *Session, touristID string) {
	h.join(roomWatch(touristID), s)

	h.mu.RLock()
	fix, ok := h.latest[touristID]
	h.mu.RUnlock()
	if ok {
		s.deliver(Event{Kind: EventLocationChanged, Data: fix})
	}
}

// WatchStop removes session from watch:<touristID>.
func (h *Hub) WatchStop(s *Session, touristID string) {
	h.leave(roomWatch(touristID), s)
}

// JoinAuthorities subscribes session to the global alert stream.
func (h *Hub) JoinAuthorities(s *Session) {
	h.join(RoomAuthorities, s)
}

// JoinUser subscribes session to its own private status room.
func (h *Hub) JoinUser(s *Session, touristID string) {
	h.join(roomUser(touristID), s)
}

func (h *Hub) broadcast(room string, ev Event) {
	h.mu.RLock()
	members := h.rooms[room]
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	sessions := make([]*Session, 0, len(ids))
	for _, id := range ids {
		if s, ok := h.sessions[id]; ok {
			sessions = append(sessions, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range sessions {
		s.deliver(ev)
	}
}

// PublishLocationChanged implements ingest.Publisher.
func (h *Hub) PublishLocationChanged(touristID string, f domain.Fix, touristName string) {
	h.mu.Lock()
	h.latest[touristID] = f
	h.mu.Unlock()

	payload := map[string]interface{}{
		"touristId": touristID,
		"name":      touristName,
		"lat":       f.Latitude,
		"lon":       f.Longitude,
		"accuracy":  f.Accuracy,
		"timestamp": f.ClientTimestamp,
	}
	h.broadcast(roomWatch(touristID), Event{Kind: EventLocationChanged, Data: payload})
}

// PublishZoneStatus implements ingest.Publisher.
func (h *Hub) PublishZoneStatus(touristID string, status domain.Status, zones []domain.Zone) {
	var restricted, safe []domain.Zone
	for _, z := range zones {
		if z.Variant == domain.ZoneRestricted {
			restricted = append(restricted, z)
		} else {
			safe = append(safe, z)
		}
	}
	payload := map[string]interface{}{
		"status":           status,
		"in_restricted":    len(restricted) > 0,
		"in_safe":          len(safe) > 0,
		"restricted_zones": restricted,
		"safe_zones":       safe,
	}
	h.broadcast(roomUser(touristID), Event{Kind: EventZoneStatus, Data: payload})
}

// PublishAlert implements ingest.Publisher. Alerts reach both the
// global authorities stream and the specific tourist's watchers.
func (h *Hub) PublishAlert(a domain.Alert) {
	ev := Event{Kind: EventAlert, Data: a}
	h.broadcast(RoomAuthorities, ev)
	h.broadcast(roomWatch(a.TouristID), ev)
}

// SessionCount returns the number of live sessions, for metrics.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Send enqueues ev on the session's outbound channel; used by the
// wiring layer to answer inbound verbs (e.g. an error payload back to
// the session that sent a malformed update).
func (s *Session) Send(ev Event) { s.deliver(ev) }

// deliver enqueues ev on the session's outbound channel. Delivery is
// at-most-once: a full buffer means the session is too slow or
// already gone, and the message is dropped rather than blocking the
// publisher.
func (s *Session) deliver(ev Event) {
	select {
	case s.send <- ev:
	default:
		s.logger.Warn("session outbound buffer full, dropping message", zap.String("sessionId", s.ID))
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("marshal outbound event", zap.Error(err))
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Session) readPump() {
	defer func() {
		s.hub.unregister(s)
		s.closeOnce.Do(func() { close(s.send) })
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageBytes)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var in Inbound
		if err := json.Unmarshal(raw, &in); err != nil {
			s.deliver(Event{Kind: EventError, Data: map[string]string{"message": "malformed message"}})
			continue
		}
		if s.hub.handler == nil {
			continue
		}
		switch in.Action {
		case "position:update":
			s.hub.handler.HandlePositionUpdate(s, in.Data)
		case "watch:start":
			s.hub.handler.HandleWatchStart(s, in.Data)
		case "watch:stop":
			s.hub.handler.HandleWatchStop(s, in.Data)
		default:
			s.deliver(Event{Kind: EventError, Data: map[string]string{"message": "unknown action"}})
		}
	}
}
