package room

import (
	"log"
	"sync"
	"time"
)

const backoffBase = time.Second

// ConnectionRecord tracks one live (or recently live) transport connection.
// Disconnection marks the record instead of deleting it so a reconnect within
// the grace period can be matched back to existing game state.
type ConnectionRecord struct {
	ConnID       string
	RoomCode     string
	Role         Role
	Connected    bool
	LastSeen     time.Time
	RegisteredAt time.Time

	attempts int
	backoff  time.Duration
}

type DisconnectResult struct {
	RoomCode string
	WasHost  bool
	// Handled is false when another in-flight disconnect for the same
	// connection already processed the close event.
	Handled bool
}

type Registry struct {
	mu       sync.Mutex
	records  map[string]*ConnectionRecord
	inflight map[string]chan struct{}

	minReconcileAge time.Duration
	backoffCeiling  time.Duration
	maxAttempts     int
	now             func() time.Time
}

func NewRegistry(minReconcileAge, backoffCeiling time.Duration, maxAttempts int) *Registry {
	return &Registry{
		records:         make(map[string]*ConnectionRecord),
		inflight:        make(map[string]chan struct{}),
		minReconcileAge: minReconcileAge,
		backoffCeiling:  backoffCeiling,
		maxAttempts:     maxAttempts,
		now:             time.Now,
	}
}

// Register binds a connection to a room and role. A successful registration
// resets any reconnect backoff accumulated for the connection id.
func (r *Registry) Register(connID, roomCode string, role Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	rec, ok := r.records[connID]
	if !ok {
		rec = &ConnectionRecord{ConnID: connID, RegisteredAt: now}
		r.records[connID] = rec
	}
	rec.RoomCode = roomCode
	rec.Role = role
	rec.Connected = true
	rec.LastSeen = now
	rec.attempts = 0
	rec.backoff = 0
}

func (r *Registry) UpdateBinding(connID, roomCode string, role Role) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[connID]
	if !ok {
		return false
	}
	rec.RoomCode = roomCode
	rec.Role = role
	rec.LastSeen = r.now()
	return true
}

// MarkDisconnected flags the record as disconnected and reports which room it
// belonged to. Concurrent disconnects for the same connection id are
// serialized: a second caller waits for the in-flight one and gets
// Handled=false, so the same socket-close event is never processed twice.
func (r *Registry) MarkDisconnected(connID string) DisconnectResult {
	r.mu.Lock()
	if ch, ok := r.inflight[connID]; ok {
		r.mu.Unlock()
		<-ch
		return DisconnectResult{}
	}
	ch := make(chan struct{})
	r.inflight[connID] = ch
	defer func() {
		r.mu.Lock()
		delete(r.inflight, connID)
		r.mu.Unlock()
		close(ch)
	}()

	rec, ok := r.records[connID]
	if !ok || !rec.Connected {
		r.mu.Unlock()
		return DisconnectResult{}
	}
	rec.Connected = false
	rec.LastSeen = r.now()
	result := DisconnectResult{
		RoomCode: rec.RoomCode,
		WasHost:  rec.Role == RoleHostControl,
		Handled:  true,
	}
	r.mu.Unlock()
	return result
}

func (r *Registry) Remove(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, connID)
}

func (r *Registry) Role(connID string) (Role, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[connID]
	if !ok {
		return "", false
	}
	return rec.Role, true
}

// Record returns a copy of the connection record.
func (r *Registry) Record(connID string) (ConnectionRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[connID]
	if !ok {
		return ConnectionRecord{}, false
	}
	return *rec, true
}

func (r *Registry) Touch(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[connID]; ok {
		rec.LastSeen = r.now()
	}
}

type ReconcileResult struct {
	Removed int
	Stale   int
}

// ReconcileWithTransport removes records absent from the live transport set,
// but only once they are older than the minimum age. A connection that
// registered moments before the sweep must not be reaped while its transport
// join is still settling.
func (r *Registry) ReconcileWithTransport(live map[string]struct{}) ReconcileResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	var result ReconcileResult
	for id, rec := range r.records {
		if _, ok := live[id]; ok {
			continue
		}
		if now.Sub(rec.RegisteredAt) < r.minReconcileAge {
			result.Stale++
			continue
		}
		delete(r.records, id)
		result.Removed++
	}
	if result.Removed > 0 || result.Stale > 0 {
		log.Printf("registry reconciled removed=%d stale=%d live=%d", result.Removed, result.Stale, len(live))
	}
	return result
}

// FailedAttempt records a failed reconnect attempt and returns the delay the
// client must wait before the next one. allowed=false once the attempt budget
// is exhausted; only a successful Register resets it.
func (r *Registry) FailedAttempt(connID string) (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[connID]
	if !ok {
		rec = &ConnectionRecord{ConnID: connID, RegisteredAt: r.now()}
		r.records[connID] = rec
	}
	rec.attempts++
	if rec.attempts > r.maxAttempts {
		return 0, false
	}
	if rec.backoff == 0 {
		rec.backoff = backoffBase
	} else {
		rec.backoff *= 2
	}
	if rec.backoff > r.backoffCeiling {
		rec.backoff = r.backoffCeiling
	}
	return rec.backoff, true
}

// SweepStale purges disconnected records idle for longer than maxIdle.
func (r *Registry) SweepStale(maxIdle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	purged := 0
	for id, rec := range r.records {
		if rec.Connected {
			continue
		}
		if now.Sub(rec.LastSeen) >= maxIdle {
			delete(r.records, id)
			purged++
		}
	}
	return purged
}

// ConnectionsInRoom lists connection ids currently bound to the room,
// optionally filtered to connected ones.
func (r *Registry) ConnectionsInRoom(roomCode string, connectedOnly bool) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, 8)
	for id, rec := range r.records {
		if rec.RoomCode != roomCode {
			continue
		}
		if connectedOnly && !rec.Connected {
			continue
		}
		out = append(out, id)
	}
	return out
}
