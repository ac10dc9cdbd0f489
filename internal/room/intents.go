package room

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Rejection reasons surfaced to clients. Kept short and stable so client
// code can switch on them.
const (
	reasonMissingFields = "missing required fields"
	reasonUnknownRoom   = "unknown room"
	reasonNotInRoom     = "player not in room"
	reasonDisconnected  = "player disconnected"
	reasonNoGame        = "no active game"
	reasonWrongPhase    = "actions not accepted in current phase"
)

// Pipeline validates, deduplicates, and applies client intents. Accepted
// intents become replayable GameEvents and trigger a versioned publish;
// rejected ones get a cached result so resubmission of the same intent id
// never reprocesses.
type Pipeline struct {
	directory *Directory
	engine    *SyncEngine
	guard     *Guard
	replay    *ReplayLog
	persister Persister
	now       func() time.Time

	// synchronous makes Submit apply the intent inline instead of on a
	// goroutine. Tests flip it for determinism.
	synchronous bool
}

func NewPipeline(directory *Directory, engine *SyncEngine, guard *Guard, replay *ReplayLog, persister Persister) *Pipeline {
	return &Pipeline{
		directory: directory,
		engine:    engine,
		guard:     guard,
		replay:    replay,
		persister: persister,
		now:       time.Now,
	}
}

// Submit runs abuse and dedup checks, acknowledges the intent as pending at
// the room's current version, and hands it off for asynchronous processing.
// The returned result is the submission acknowledgment, not the final
// outcome; the final result is delivered to the submitting connection.
func (p *Pipeline) Submit(in Intent) (*IntentResult, error) {
	if in.ID == "" || in.PlayerID == "" || in.RoomCode == "" || in.Action == "" {
		return &IntentResult{Status: IntentRejected, Reason: reasonMissingFields}, nil
	}

	// Abuse guard runs before anything else: a banned identity must not be
	// able to probe validation or warm the dedup cache.
	identity := p.guardIdentity(in)
	if ok, reason := p.guard.Check(identity); !ok {
		log.Printf("intent blocked room=%s player=%s identity=%s reason=%q", in.RoomCode, in.PlayerID, identity, reason)
		return &IntentResult{Status: IntentRejected, Reason: reason}, nil
	}

	room, ok := p.directory.Get(in.RoomCode)
	if !ok {
		return &IntentResult{Status: IntentRejected, Reason: reasonUnknownRoom}, nil
	}

	room.Mu.Lock()
	if existing, seen := room.intents[in.ID]; seen {
		result := resultSnapshotLocked(existing, room.Version)
		room.Mu.Unlock()
		return result, nil
	}
	in.SubmittedAt = p.now()
	in.Status = IntentPending
	in.Version = room.Version
	stored := in
	room.intents[in.ID] = &stored
	ack := &IntentResult{Status: IntentPending, Version: room.Version}
	room.Mu.Unlock()

	if p.synchronous {
		p.Process(in.RoomCode, in.ID)
	} else {
		go p.Process(in.RoomCode, in.ID)
	}
	return ack, nil
}

// Process applies a pending intent. Idempotent: an intent that already
// reached a terminal status is left untouched.
func (p *Pipeline) Process(roomCode, intentID string) {
	room, ok := p.directory.Get(roomCode)
	if !ok {
		return
	}
	room.Mu.Lock()
	accepted := p.processLocked(room, intentID)
	room.Mu.Unlock()
	// Directory.Touch re-acquires the room lock, so it must only run after
	// the unlock above.
	if accepted {
		p.directory.Touch(roomCode)
	}
}

func (p *Pipeline) processLocked(room *Room, intentID string) bool {
	roomCode := room.Code
	intent, ok := room.intents[intentID]
	if !ok || intent.Status != IntentPending {
		return false
	}

	if reason := p.validateLocked(room, intent); reason != "" {
		p.finishLocked(room, intent, &IntentResult{
			Status: IntentRejected,
			Reason: reason,
		})
		return false
	}

	// The version is reserved before the effect runs and is not reclaimed
	// if the effect fails. Clients treat the resulting gap as a no-op.
	version := p.engine.reserveVersionLocked(room)
	if err := applyActionSafe(room.Game, intent.PlayerID, intent.Action, intent.Payload); err != nil {
		log.Printf("intent failed room=%s intent=%s action=%s version_burned=%d error=%v",
			roomCode, intentID, intent.Action, version, err)
		p.finishLocked(room, intent, &IntentResult{
			Status: IntentRejected,
			Reason: err.Error(),
		})
		return false
	}

	event := GameEvent{
		ID:        uuid.NewString(),
		RoomCode:  roomCode,
		Version:   version,
		Timestamp: p.now(),
		IntentID:  intent.ID,
		Payload: map[string]any{
			"action":  intent.Action,
			"player":  intent.PlayerID,
			"payload": intent.Payload,
		},
	}
	p.replay.Append(event)
	persistAsync("append_event", func() error {
		return p.persister.AppendEvent(EventRow{
			ID:        event.ID,
			RoomCode:  event.RoomCode,
			Version:   event.Version,
			IntentID:  event.IntentID,
			Type:      intent.Action,
			Payload:   event.Payload,
			CreatedAt: event.Timestamp,
		})
	})

	if _, err := p.engine.publishLocked(room, room.Game.State(), PublishOptions{
		Version: version,
		Reason:  "intent " + intent.Action,
	}); err != nil {
		log.Printf("intent publish failed room=%s intent=%s error=%v", roomCode, intentID, err)
	}

	p.finishLocked(room, intent, &IntentResult{
		Status:  IntentProcessed,
		Success: true,
		Version: version,
		EventID: event.ID,
	})
	return true
}

// ApplyHost applies an action issued by the host control surface. The host
// drives phase progression, so these skip the player-membership and phase
// checks as well as the dedup cache. A failed action burns its reserved
// version like a rejected intent.
func (p *Pipeline) ApplyHost(roomCode, action string, payload map[string]any) (uint64, error) {
	if action == "" {
		return 0, errors.New(reasonMissingFields)
	}
	room, ok := p.directory.Get(roomCode)
	if !ok {
		return 0, ErrRoomNotFound
	}

	room.Mu.Lock()
	if room.Game == nil {
		room.Mu.Unlock()
		return 0, errors.New(reasonNoGame)
	}
	version := p.engine.reserveVersionLocked(room)
	if err := applyActionSafe(room.Game, "host", action, payload); err != nil {
		room.Mu.Unlock()
		log.Printf("host action failed room=%s action=%s version_burned=%d error=%v",
			roomCode, action, version, err)
		return 0, err
	}

	event := GameEvent{
		ID:        uuid.NewString(),
		RoomCode:  roomCode,
		Version:   version,
		Timestamp: p.now(),
		Payload: map[string]any{
			"action":  action,
			"player":  "host",
			"payload": payload,
		},
	}
	p.replay.Append(event)
	persistAsync("append_event", func() error {
		return p.persister.AppendEvent(EventRow{
			ID:        event.ID,
			RoomCode:  event.RoomCode,
			Version:   event.Version,
			Type:      action,
			Payload:   event.Payload,
			CreatedAt: event.Timestamp,
		})
	})

	if _, err := p.engine.publishLocked(room, room.Game.State(), PublishOptions{
		Version: version,
		Reason:  "host " + action,
	}); err != nil {
		log.Printf("host action publish failed room=%s action=%s error=%v", roomCode, action, err)
	}
	room.Mu.Unlock()

	p.directory.Touch(roomCode)
	return version, nil
}

// guardIdentity resolves the abuse-tracking key for a submission. Known
// players key on the room code plus their lowercased stable name, which
// survives socket replacement; anything else falls back to the connection id.
func (p *Pipeline) guardIdentity(in Intent) string {
	room, ok := p.directory.Get(in.RoomCode)
	if !ok {
		return in.PlayerID
	}
	room.Mu.Lock()
	defer room.Mu.Unlock()
	if player, ok := room.Players[in.PlayerID]; ok {
		return in.RoomCode + "/" + strings.ToLower(player.Name)
	}
	return in.PlayerID
}

// Result returns the cached outcome for an intent id, if any.
func (p *Pipeline) Result(roomCode, intentID string) (*IntentResult, bool) {
	room, ok := p.directory.Get(roomCode)
	if !ok {
		return nil, false
	}
	room.Mu.Lock()
	defer room.Mu.Unlock()
	intent, ok := room.intents[intentID]
	if !ok || intent.Result == nil {
		return nil, false
	}
	copied := *intent.Result
	return &copied, true
}

func (p *Pipeline) validateLocked(room *Room, intent *Intent) string {
	player, ok := room.Players[intent.PlayerID]
	if !ok {
		return reasonNotInRoom
	}
	if player.Status != StatusConnected {
		return reasonDisconnected
	}
	if room.Game == nil {
		return reasonNoGame
	}
	if !room.FSM.AcceptsActions() {
		return reasonWrongPhase
	}
	return ""
}

// finishLocked records the terminal result and delivers it to the submitting
// connection. Callers hold room.Mu.
func (p *Pipeline) finishLocked(room *Room, intent *Intent, result *IntentResult) {
	intent.Status = result.Status
	intent.Result = result
	p.engine.transport.DeliverToConnection(intent.PlayerID, EventIntentResult, map[string]any{
		"intent_id": intent.ID,
		"result":    result,
	})
}

// resultSnapshotLocked builds the response for a duplicate submission:
// terminal intents return their cached result, in-flight ones re-ack as
// pending. Callers hold room.Mu.
func resultSnapshotLocked(intent *Intent, currentVersion uint64) *IntentResult {
	if intent.Result != nil {
		copied := *intent.Result
		return &copied
	}
	return &IntentResult{Status: IntentPending, Version: currentVersion}
}

// applyActionSafe shields the room from a panicking game implementation.
func applyActionSafe(g Game, playerID, action string, payload map[string]any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("game action panicked: %v", r)
		}
	}()
	return g.HandleAction(playerID, action, payload)
}
