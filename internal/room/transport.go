package room

// Transport is the room-addressable, per-connection-addressable message
// channel. The websocket hub in internal/server implements it; tests use an
// in-memory fake.
type Transport interface {
	DeliverToRoom(roomCode, event string, payload any)
	DeliverToConnection(connID, event string, payload any)
	// RoomMembership returns the live connection ids joined to the room's
	// transport group, or ok=false when the transport has no such room.
	RoomMembership(roomCode string) (map[string]struct{}, bool)
	IsConnected(connID string) bool
}

// Outbound event names.
const (
	EventGameState     = "game_state_update"
	EventDisplayState  = "display_sync_state"
	EventRoomUpdate    = "room_update"
	EventRoomSettings  = "room_settings_updated"
	EventRoundStarted  = "round_started"
	EventRoundEnded    = "round_ended"
	EventSoundCue      = "sound_cue"
	EventFSMTransition = "fsm_transition"
	EventIntentResult  = "intent_result"
)
