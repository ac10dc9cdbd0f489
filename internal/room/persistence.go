package room

import (
	"log"
	"time"
)

// Rows handed to the persistence collaborator. Everything here is
// best-effort: failures are logged and in-memory state stays authoritative.

type RoomRow struct {
	Code        string
	IsActive    bool
	HostToken   string
	PlayerCount int
	CurrentGame string
	UpdatedAt   time.Time
}

type TokenRow struct {
	ID         string
	RoomCode   string
	Identity   string
	Token      string
	Kind       string
	Active     bool
	LastUsedAt time.Time
}

type EventRow struct {
	ID        string
	RoomCode  string
	Version   uint64
	IntentID  string
	Type      string
	Payload   map[string]any
	CreatedAt time.Time
}

type ScoreRow struct {
	RoomCode   string
	PlayerName string
	Score      int
}

type Persister interface {
	SaveRoom(row RoomRow) error
	SaveToken(row TokenRow) error
	TouchToken(token string) error
	DeactivateRoom(code string) error
	SaveScores(roomCode string, rows []ScoreRow) error
	AppendEvent(row EventRow) error
}

// persistAsync runs a store write off the event path. Persistence never gates
// an in-memory state transition or a broadcast.
func persistAsync(op string, fn func() error) {
	go func() {
		if err := fn(); err != nil {
			log.Printf("persist failed op=%s error=%v", op, err)
		}
	}()
}

// NopPersister discards all writes. Used in tests and when no database is
// configured.
type NopPersister struct{}

func (NopPersister) SaveRoom(RoomRow) error              { return nil }
func (NopPersister) SaveToken(TokenRow) error            { return nil }
func (NopPersister) TouchToken(string) error             { return nil }
func (NopPersister) DeactivateRoom(string) error         { return nil }
func (NopPersister) SaveScores(string, []ScoreRow) error { return nil }
func (NopPersister) AppendEvent(EventRow) error          { return nil }
