package room

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

var ErrRoomNotFound = errors.New("room not found")

// Directory is the top-level index of live rooms, keyed by join code. Each
// room is its own authority; the directory only creates, finds, and retires
// them. Sharding across processes would hang off this type, but a single
// in-memory directory is authoritative today.
type Directory struct {
	mu    sync.Mutex
	rooms map[string]*Room
	ttl   time.Duration
	now   func() time.Time
}

func NewDirectory(ttl time.Duration) *Directory {
	return &Directory{
		rooms: make(map[string]*Room),
		ttl:   ttl,
		now:   time.Now,
	}
}

// Create allocates a room with a fresh join code and the host bound to it.
func (d *Directory) Create(hostConnID, gameType string, settings Settings, g Game) *Room {
	d.mu.Lock()
	defer d.mu.Unlock()
	code := newRoomCode()
	for _, taken := d.rooms[code]; taken; _, taken = d.rooms[code] {
		code = newRoomCode()
	}
	now := d.now()
	room := &Room{
		Code:       code,
		HostConnID: hostConnID,
		GameType:   gameType,
		Game:       g,
		FSM:        NewMachine(gameType),
		Settings:   settings,
		Players:    make(map[string]*Player),
		CreatedAt:  now,
		ExpiresAt:  now.Add(d.ttl),
		intents:    make(map[string]*Intent),
	}
	d.rooms[code] = room
	log.Printf("room created code=%s game=%s host=%s", code, gameType, hostConnID)
	return room
}

func (d *Directory) Get(code string) (*Room, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	room, ok := d.rooms[code]
	return room, ok
}

// Touch refreshes the room's expiry; called on any activity.
func (d *Directory) Touch(code string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if room, ok := d.rooms[code]; ok {
		room.Mu.Lock()
		room.ExpiresAt = d.now().Add(d.ttl)
		room.Mu.Unlock()
	}
}

// Remove retires a room from the directory and destroys its game. The caller
// is responsible for token invalidation and sync-engine teardown.
func (d *Directory) Remove(code string) (*Room, bool) {
	d.mu.Lock()
	room, ok := d.rooms[code]
	delete(d.rooms, code)
	d.mu.Unlock()
	if !ok {
		return nil, false
	}
	room.Mu.Lock()
	room.FSM.Cancel()
	if room.Game != nil {
		room.Game.Destroy()
	}
	room.Mu.Unlock()
	log.Printf("room removed code=%s", code)
	return room, true
}

// SweepExpired retires rooms past their expiry and returns their codes.
func (d *Directory) SweepExpired() []string {
	d.mu.Lock()
	now := d.now()
	expired := make([]string, 0)
	for code, room := range d.rooms {
		room.Mu.Lock()
		if now.After(room.ExpiresAt) {
			expired = append(expired, code)
		}
		room.Mu.Unlock()
	}
	d.mu.Unlock()
	for _, code := range expired {
		d.Remove(code)
	}
	return expired
}

func (d *Directory) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.rooms)
}

// newRoomCode builds a short join code from an alphabet without easily
// confused characters.
func newRoomCode() string {
	const alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("R%03d", time.Now().UnixNano()%1000)
	}
	for i := range buf {
		buf[i] = alphabet[int(buf[i])%len(alphabet)]
	}
	return string(buf)
}
