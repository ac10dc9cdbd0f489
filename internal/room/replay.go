package room

import (
	"sync"
	"time"
)

const DefaultReplayCapacity = 100

// ReplayLog keeps a bounded per-room history of applied game events for
// catch-up reads. It is an audit trail, not authoritative state: appends
// evict the oldest entry once the ring is full.
type ReplayLog struct {
	mu       sync.Mutex
	capacity int
	rooms    map[string]*eventRing
}

type eventRing struct {
	buf   []GameEvent
	start int
	count int
}

func NewReplayLog(capacity int) *ReplayLog {
	if capacity <= 0 {
		capacity = DefaultReplayCapacity
	}
	return &ReplayLog{
		capacity: capacity,
		rooms:    make(map[string]*eventRing),
	}
}

func (l *ReplayLog) Append(ev GameEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ring, ok := l.rooms[ev.RoomCode]
	if !ok {
		ring = &eventRing{buf: make([]GameEvent, l.capacity)}
		l.rooms[ev.RoomCode] = ring
	}
	idx := (ring.start + ring.count) % len(ring.buf)
	ring.buf[idx] = ev
	if ring.count < len(ring.buf) {
		ring.count++
	} else {
		ring.start = (ring.start + 1) % len(ring.buf)
	}
}

// SinceVersion returns events with a version strictly greater than the given
// one, in append order.
func (l *ReplayLog) SinceVersion(roomCode string, version uint64) []GameEvent {
	return l.collect(roomCode, func(ev GameEvent) bool {
		return ev.Version > version
	})
}

// SinceTime returns events recorded at or after the given time.
func (l *ReplayLog) SinceTime(roomCode string, t time.Time) []GameEvent {
	return l.collect(roomCode, func(ev GameEvent) bool {
		return !ev.Timestamp.Before(t)
	})
}

// Between returns events with from < version <= to.
func (l *ReplayLog) Between(roomCode string, from, to uint64) []GameEvent {
	return l.collect(roomCode, func(ev GameEvent) bool {
		return ev.Version > from && ev.Version <= to
	})
}

func (l *ReplayLog) Latest(roomCode string) (GameEvent, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ring, ok := l.rooms[roomCode]
	if !ok || ring.count == 0 {
		return GameEvent{}, false
	}
	idx := (ring.start + ring.count - 1) % len(ring.buf)
	return ring.buf[idx], true
}

// Trim drops the room's history entirely, used on room teardown.
func (l *ReplayLog) Trim(roomCode string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.rooms, roomCode)
}

func (l *ReplayLog) Len(roomCode string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	ring, ok := l.rooms[roomCode]
	if !ok {
		return 0
	}
	return ring.count
}

func (l *ReplayLog) collect(roomCode string, keep func(GameEvent) bool) []GameEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	ring, ok := l.rooms[roomCode]
	if !ok {
		return nil
	}
	out := make([]GameEvent, 0, ring.count)
	for i := 0; i < ring.count; i++ {
		ev := ring.buf[(ring.start+i)%len(ring.buf)]
		if keep(ev) {
			out = append(out, ev)
		}
	}
	return out
}
