package room

// Game is the per-room rule engine collaborator. Implementations live outside
// this package; the engine only needs snapshots, per-viewer views, action
// application, and connection-id migration on reconnect.
//
// All methods are called while the owning room's Mu is held, so
// implementations do not need their own locking for calls arriving through
// the engine.
type Game interface {
	// State returns the current generic snapshot.
	State() BaseState
	// ClientView computes the per-viewer overlay for a connection id.
	// An error here must only degrade that viewer to the generic payload.
	ClientView(viewerID string) (*ViewerOverlay, error)
	// HandleAction applies a validated player action.
	HandleAction(playerID, action string, payload map[string]any) error
	// MigratePlayer moves in-flight per-player state from an old connection
	// id to its replacement after a reconnect.
	MigratePlayer(oldID, newID string)
	Scoreboard() []ScoreEntry
	Start()
	Pause()
	Resume()
	Destroy()
}
