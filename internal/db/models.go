package db

import (
	"time"

	"gorm.io/datatypes"
)

type Room struct {
	ID          uint      `gorm:"primaryKey"`
	Code        string    `gorm:"size:12;uniqueIndex;not null"`
	IsActive    bool      `gorm:"not null;default:true"`
	PlayerCount int       `gorm:"not null;default:0"`
	CurrentGame string    `gorm:"size:64"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
	Tokens      []ReconnectToken
	Events      []Event
	Scores      []LeaderboardEntry
}

type ReconnectToken struct {
	ID         string    `gorm:"primaryKey;size:64"`
	RoomID     uint      `gorm:"index"`
	RoomCode   string    `gorm:"size:12;index;not null"`
	Identity   string    `gorm:"size:64;not null"`
	Token      string    `gorm:"size:64;uniqueIndex;not null"`
	Kind       string    `gorm:"size:16;not null"`
	Active     bool      `gorm:"not null;default:true"`
	LastUsedAt time.Time `gorm:"not null"`
	CreatedAt  time.Time `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null"`
}

type Event struct {
	ID        string         `gorm:"primaryKey;size:64"`
	RoomID    uint           `gorm:"index"`
	RoomCode  string         `gorm:"size:12;not null;uniqueIndex:idx_events_room_version"`
	Version   uint64         `gorm:"not null;uniqueIndex:idx_events_room_version"`
	IntentID  string         `gorm:"size:64;index"`
	Type      string         `gorm:"size:64;not null"`
	Payload   datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt time.Time      `gorm:"not null"`
}

type LeaderboardEntry struct {
	ID         uint      `gorm:"primaryKey"`
	RoomID     uint      `gorm:"index"`
	RoomCode   string    `gorm:"size:12;not null;uniqueIndex:idx_scores_room_player"`
	PlayerName string    `gorm:"size:64;not null;uniqueIndex:idx_scores_room_player"`
	Score      int       `gorm:"not null;default:0"`
	CreatedAt  time.Time `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null"`
}
