package server

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"roomsync/internal/room"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type client struct {
	id       string
	roomCode string
	role     room.Role
	conn     *websocket.Conn
	writeMu  sync.Mutex
}

func (c *client) send(event string, payload any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	data, err := json.Marshal(map[string]any{
		"type":    event,
		"payload": payload,
	})
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub is the websocket transport: connection ids to sockets, plus per-room
// groups. It implements the room package's Transport.
type Hub struct {
	mu     sync.Mutex
	conns  map[string]*client
	groups map[string]map[string]*client
}

func NewHub() *Hub {
	return &Hub{
		conns:  make(map[string]*client),
		groups: make(map[string]map[string]*client),
	}
}

func (h *Hub) Add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.id] = c
	group := h.groups[c.roomCode]
	if group == nil {
		group = make(map[string]*client)
		h.groups[c.roomCode] = group
	}
	group[c.id] = c
}

func (h *Hub) Remove(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connID]
	if !ok {
		return
	}
	delete(h.conns, connID)
	if group := h.groups[c.roomCode]; group != nil {
		delete(group, connID)
		if len(group) == 0 {
			delete(h.groups, c.roomCode)
		}
	}
	_ = c.conn.Close()
}

// CloseRoom disconnects every socket in the room's group.
func (h *Hub) CloseRoom(roomCode string) {
	h.mu.Lock()
	group := h.groups[roomCode]
	delete(h.groups, roomCode)
	clients := make([]*client, 0, len(group))
	for id, c := range group {
		delete(h.conns, id)
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		_ = c.conn.Close()
	}
}

func (h *Hub) DeliverToRoom(roomCode, event string, payload any) {
	h.mu.Lock()
	group := h.groups[roomCode]
	clients := make([]*client, 0, len(group))
	for _, c := range group {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		if err := c.send(event, payload); err != nil {
			h.Remove(c.id)
		}
	}
}

func (h *Hub) DeliverToConnection(connID, event string, payload any) {
	h.mu.Lock()
	c, ok := h.conns[connID]
	h.mu.Unlock()
	if !ok {
		return
	}
	if err := c.send(event, payload); err != nil {
		h.Remove(connID)
	}
}

func (h *Hub) RoomMembership(roomCode string) (map[string]struct{}, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	group, ok := h.groups[roomCode]
	if !ok {
		return nil, false
	}
	members := make(map[string]struct{}, len(group))
	for id := range group {
		members[id] = struct{}{}
	}
	return members, true
}

func (h *Hub) IsConnected(connID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.conns[connID]
	return ok
}

// LiveConnections returns the set of socket-backed connection ids, used by
// the registry reconciliation sweep.
func (h *Hub) LiveConnections() map[string]struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	live := make(map[string]struct{}, len(h.conns))
	for id := range h.conns {
		live[id] = struct{}{}
	}
	return live
}

type inboundMessage struct {
	Type     string         `json:"type"`
	IntentID string         `json:"intent_id"`
	Action   string         `json:"action"`
	Payload  map[string]any `json:"payload"`
	Version  uint64         `json:"version"`
	Kind     string         `json:"kind"`
}

// handleWebsocket is the single join surface. Identity is established from
// the query string before the socket enters the room group:
//
//	role=host-control&token=...  host reconnecting with its room token
//	role=host-display            display screen, no identity
//	role=player&token=...        player reconnecting
//	role=player&name=...         tokenless join by stable name
func (s *Server) handleWebsocket(c *gin.Context) {
	code := c.Param("code")
	rm, ok := s.rooms.Get(code)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}

	roleParam := room.Role(c.DefaultQuery("role", string(room.RolePlayer)))
	token := c.Query("token")
	name := c.Query("name")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	connID := uuid.NewString()
	welcome := map[string]any{"conn_id": connID, "room_code": code}

	switch roleParam {
	case room.RoleHostControl:
		tokenRoom, valid := s.tokens.ResolveHostToken(token)
		if !valid || tokenRoom != code {
			rejectSocket(conn, "invalid host token", nil)
			return
		}
		oldHost := s.rebindHost(rm, connID)
		s.registry.Register(connID, code, room.RoleHostControl)
		if oldHost != "" && oldHost != connID {
			s.hub.Remove(oldHost)
			s.registry.Remove(oldHost)
		}
	case room.RoleHostDisplay:
		s.registry.Register(connID, code, room.RoleHostDisplay)
	default:
		roleParam = room.RolePlayer
		var player *room.Player
		var reconnected bool
		if token != "" {
			_, player, err = s.tokens.ReconnectWithToken(token, connID)
			reconnected = err == nil
		} else if name != "" {
			_, player, reconnected, err = s.tokens.JoinByName(code, name, connID)
		} else {
			rejectSocket(conn, "name or token required", nil)
			return
		}
		if err != nil {
			// Failed reconnects accrue backoff keyed by the presented token
			// so a flapping client cannot hammer the resolver.
			extra := map[string]any{}
			if token != "" {
				delay, allowed := s.registry.FailedAttempt("token:" + token)
				extra["retry_allowed"] = allowed
				if allowed {
					extra["retry_after_ms"] = delay.Milliseconds()
				}
			}
			rejectSocket(conn, err.Error(), extra)
			return
		}
		s.registry.Register(connID, code, room.RolePlayer)
		welcome["name"] = player.Name
		welcome["reconnected"] = reconnected
		welcome["token"] = s.tokens.IssuePlayerToken(code, player.Name)
	}

	cl := &client{id: connID, roomCode: code, role: roleParam, conn: conn}
	s.hub.Add(cl)
	log.Printf("ws connected room=%s conn=%s role=%s remote=%s", code, connID, roleParam, c.Request.RemoteAddr)

	if err := cl.send("registered", welcome); err != nil {
		s.dropConnection(cl)
		return
	}
	s.rooms.Touch(code)
	if roleParam == room.RolePlayer {
		if _, err := s.engine.PublishRoster(code); err != nil {
			log.Printf("roster publish failed room=%s error=%v", code, err)
		}
	}
	_ = s.engine.Resync(code, connID, roleParam)

	go s.readLoop(cl)
}

func rejectSocket(conn *websocket.Conn, reason string, extra map[string]any) {
	payload := map[string]any{"error": reason}
	for k, v := range extra {
		payload[k] = v
	}
	data, _ := json.Marshal(map[string]any{
		"type":    "rejected",
		"payload": payload,
	})
	_ = conn.WriteMessage(websocket.TextMessage, data)
	_ = conn.Close()
}

// readLoop consumes inbound frames for one connection. A token-bucket
// limiter drops frames from clients flooding the socket before they reach
// the intent pipeline's own abuse guard.
func (s *Server) readLoop(cl *client) {
	defer s.dropConnection(cl)
	limiter := rate.NewLimiter(rate.Limit(20), 40)
	for {
		_, data, err := cl.conn.ReadMessage()
		if err != nil {
			log.Printf("ws disconnected room=%s conn=%s error=%v", cl.roomCode, cl.id, err)
			return
		}
		if !limiter.Allow() {
			log.Printf("ws frame dropped room=%s conn=%s reason=rate_limited", cl.roomCode, cl.id)
			continue
		}
		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		s.dispatch(cl, msg)
	}
}

func (s *Server) dispatch(cl *client, msg inboundMessage) {
	switch msg.Type {
	case "intent":
		// Host-control sockets drive the game directly; their actions skip
		// the player pipeline.
		if cl.role == room.RoleHostControl {
			version, err := s.pipeline.ApplyHost(cl.roomCode, msg.Action, msg.Payload)
			payload := map[string]any{"intent_id": msg.IntentID, "version": version}
			if err != nil {
				payload["error"] = err.Error()
			}
			_ = cl.send("intent_ack", payload)
			return
		}
		ack, err := s.pipeline.Submit(room.Intent{
			ID:       msg.IntentID,
			Type:     msg.Type,
			PlayerID: cl.id,
			RoomCode: cl.roomCode,
			Action:   msg.Action,
			Payload:  msg.Payload,
		})
		if err != nil {
			return
		}
		_ = cl.send("intent_ack", map[string]any{
			"intent_id": msg.IntentID,
			"result":    ack,
		})
	case "ack":
		s.engine.Acknowledge(cl.roomCode, cl.id, msg.Version, msg.Kind)
	case "resync":
		if err := s.engine.Resync(cl.roomCode, cl.id, cl.role); err != nil {
			log.Printf("resync failed room=%s conn=%s error=%v", cl.roomCode, cl.id, err)
		}
	case "ping":
		s.registry.Touch(cl.id)
		_ = cl.send("pong", map[string]any{"at": time.Now().UTC().Format(time.RFC3339Nano)})
	}
}

// dropConnection handles a socket close exactly once, marks the player
// disconnected, and tells everyone else.
func (s *Server) dropConnection(cl *client) {
	s.hub.Remove(cl.id)
	result := s.registry.MarkDisconnected(cl.id)
	if !result.Handled {
		return
	}
	rm, ok := s.rooms.Get(cl.roomCode)
	if !ok {
		return
	}
	if cl.role == room.RolePlayer {
		rm.Mu.Lock()
		if p, ok := rm.Players[cl.id]; ok {
			p.Status = room.StatusDisconnected
			p.LastSeen = time.Now()
		}
		rm.Mu.Unlock()
		if _, err := s.engine.PublishRoster(cl.roomCode); err != nil {
			log.Printf("roster publish failed room=%s error=%v", cl.roomCode, err)
		}
	}
	if result.WasHost {
		// The room survives a host drop; the host token lets a replacement
		// control surface take over.
		log.Printf("host disconnected room=%s conn=%s", cl.roomCode, cl.id)
	}
}

func (s *Server) rebindHost(rm *room.Room, connID string) string {
	rm.Mu.Lock()
	defer rm.Mu.Unlock()
	old := rm.HostConnID
	rm.HostConnID = connID
	return old
}
