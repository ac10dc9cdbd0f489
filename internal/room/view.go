package room

import "time"

// BaseState is the generic snapshot a game exposes for broadcast. Data holds
// game-specific fields; the engine stamps version and timestamp on publish.
type BaseState struct {
	StateTag  string
	Round     int
	MaxRounds int
	Scores    map[string]int
	Data      map[string]any
}

// ViewerOverlay carries per-viewer fields merged over the base state.
// Overlay fields win on key collisions.
type ViewerOverlay struct {
	Fields map[string]any
}

type ScoreEntry struct {
	PlayerID string `json:"player_id"`
	Name     string `json:"name"`
	Score    int    `json:"score"`
}

// MergeView flattens a base state plus an optional overlay into the wire
// payload. The overlay never removes base fields, it only shadows them.
func MergeView(base BaseState, overlay *ViewerOverlay) map[string]any {
	out := make(map[string]any, len(base.Data)+len(base.Scores)+8)
	for k, v := range base.Data {
		out[k] = v
	}
	out["state"] = base.StateTag
	out["round"] = base.Round
	out["max_rounds"] = base.MaxRounds
	if base.Scores != nil {
		out["scores"] = base.Scores
	}
	if overlay != nil {
		for k, v := range overlay.Fields {
			out[k] = v
		}
	}
	return out
}

func stampPayload(payload map[string]any, roomCode string, version uint64, at time.Time) map[string]any {
	payload["room_code"] = roomCode
	payload["version"] = version
	payload["timestamp"] = at.UTC().Format(time.RFC3339Nano)
	return payload
}
