package room

import (
	"strings"
	"sync"
	"time"
)

// Role decides which broadcast lane a connection receives. Once assigned at
// registration it only changes through an explicit UpdateBinding.
type Role string

const (
	RolePlayer      Role = "player"
	RoleHostControl Role = "host-control"
	RoleHostDisplay Role = "host-display"
)

type PlayerStatus string

const (
	StatusConnected    PlayerStatus = "CONNECTED"
	StatusDisconnected PlayerStatus = "DISCONNECTED"
)

// Player is keyed by its current connection id, which changes on every
// reconnect. Name is the stable identity used to re-match across connections.
type Player struct {
	ConnID   string
	Name     string
	Status   PlayerStatus
	Score    int
	Language string
	LastSeen time.Time
}

type Settings struct {
	MaxPlayers int
	Rounds     int
	Language   string
	Private    bool
}

// Room is the unit of isolation: one host, many players, one active game.
// All mutations happen while holding Mu, which serializes every logical event
// for the room. Rooms never share mutable state with each other.
type Room struct {
	Mu sync.Mutex

	Code       string
	HostConnID string
	GameType   string
	Game       Game
	FSM        *Machine
	Settings   Settings

	Players map[string]*Player // keyed by current connection id

	// Version counters. Version is only advanced through the sync engine;
	// roster and settings run on independent counters so a stale roster
	// never blocks a state publish.
	Version           uint64
	PlayerListVersion uint64
	SettingsVersion   uint64

	// StateTag is the logical state tag of the last published snapshot,
	// used by the transition detector.
	StateTag string

	CreatedAt time.Time
	ExpiresAt time.Time

	intents map[string]*Intent
}

// PlayerByName returns the first player whose stable name matches
// case-insensitively, preferring a connected one. Callers hold Mu.
func (r *Room) PlayerByName(name string) *Player {
	var disconnected *Player
	for _, p := range r.Players {
		if !strings.EqualFold(p.Name, name) {
			continue
		}
		if p.Status == StatusConnected {
			return p
		}
		if disconnected == nil {
			disconnected = p
		}
	}
	return disconnected
}

// ConnectedCount reports how many players are currently connected. Callers hold Mu.
func (r *Room) ConnectedCount() int {
	count := 0
	for _, p := range r.Players {
		if p.Status == StatusConnected {
			count++
		}
	}
	return count
}

type IntentStatus string

const (
	IntentPending   IntentStatus = "pending"
	IntentProcessed IntentStatus = "processed"
	IntentRejected  IntentStatus = "rejected"
)

// Intent is a client's request to affect game state. It becomes a GameEvent
// only once accepted. Intent ids are remembered for the room's lifetime so a
// resubmitted id returns the cached result instead of reprocessing.
type Intent struct {
	ID          string
	Type        string
	PlayerID    string
	RoomCode    string
	Action      string
	Payload     map[string]any
	SubmittedAt time.Time
	Status      IntentStatus
	Version     uint64
	Result      *IntentResult
}

type IntentResult struct {
	Status  IntentStatus `json:"status"`
	Success bool         `json:"success"`
	Reason  string       `json:"reason,omitempty"`
	Version uint64       `json:"version,omitempty"`
	EventID string       `json:"event_id,omitempty"`
}

// GameEvent is the server-authoritative record of an applied intent, kept in
// the replay log for catch-up reads.
type GameEvent struct {
	ID        string
	RoomCode  string
	Version   uint64
	Timestamp time.Time
	IntentID  string
	Payload   map[string]any
}
