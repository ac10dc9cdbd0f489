package db

import (
	"encoding/json"
	"errors"

	"roomsync/internal/room"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store adapts the GORM connection to the room package's persistence
// collaborator. All methods are called off the event path; they may block on
// the database without affecting broadcasts.
type Store struct {
	conn *gorm.DB
}

func NewStore(conn *gorm.DB) *Store {
	return &Store{conn: conn}
}

func (s *Store) SaveRoom(row room.RoomRow) error {
	if s.conn == nil {
		return nil
	}
	record := Room{
		Code:        row.Code,
		IsActive:    row.IsActive,
		PlayerCount: row.PlayerCount,
		CurrentGame: row.CurrentGame,
	}
	return s.conn.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "code"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"is_active", "player_count", "current_game", "updated_at",
		}),
	}).Create(&record).Error
}

func (s *Store) SaveToken(row room.TokenRow) error {
	if s.conn == nil {
		return nil
	}
	record := ReconnectToken{
		ID:         row.ID,
		RoomCode:   row.RoomCode,
		Identity:   row.Identity,
		Token:      row.Token,
		Kind:       row.Kind,
		Active:     row.Active,
		LastUsedAt: row.LastUsedAt,
	}
	if parent, err := s.roomByCode(row.RoomCode); err == nil {
		record.RoomID = parent.ID
	}
	return s.conn.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "token"}},
		DoUpdates: clause.AssignmentColumns([]string{"active", "last_used_at", "updated_at"}),
	}).Create(&record).Error
}

func (s *Store) TouchToken(token string) error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Model(&ReconnectToken{}).
		Where("token = ?", token).
		Update("last_used_at", gorm.Expr("now()")).Error
}

func (s *Store) DeactivateRoom(code string) error {
	if s.conn == nil {
		return nil
	}
	if err := s.conn.Model(&Room{}).Where("code = ?", code).Update("is_active", false).Error; err != nil {
		return err
	}
	return s.conn.Model(&ReconnectToken{}).Where("room_code = ?", code).Update("active", false).Error
}

func (s *Store) SaveScores(roomCode string, rows []room.ScoreRow) error {
	if s.conn == nil || len(rows) == 0 {
		return nil
	}
	records := make([]LeaderboardEntry, 0, len(rows))
	var roomID uint
	if parent, err := s.roomByCode(roomCode); err == nil {
		roomID = parent.ID
	}
	for _, row := range rows {
		records = append(records, LeaderboardEntry{
			RoomID:     roomID,
			RoomCode:   roomCode,
			PlayerName: row.PlayerName,
			Score:      row.Score,
		})
	}
	return s.conn.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_code"}, {Name: "player_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"score", "updated_at"}),
	}).Create(&records).Error
}

func (s *Store) AppendEvent(row room.EventRow) error {
	if s.conn == nil {
		return nil
	}
	data, err := json.Marshal(row.Payload)
	if err != nil {
		return err
	}
	record := Event{
		ID:       row.ID,
		RoomCode: row.RoomCode,
		Version:  row.Version,
		IntentID: row.IntentID,
		Type:     row.Type,
		Payload:  datatypes.JSON(data),
	}
	if parent, lookupErr := s.roomByCode(row.RoomCode); lookupErr == nil {
		record.RoomID = parent.ID
	}
	err = s.conn.Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error
	if isUniqueViolation(err) {
		return nil
	}
	return err
}

// TopScores returns the highest persisted scores for a room, for the
// leaderboard endpoint.
func (s *Store) TopScores(roomCode string, limit int) ([]room.ScoreRow, error) {
	if s.conn == nil {
		return nil, nil
	}
	var entries []LeaderboardEntry
	err := s.conn.Where("room_code = ?", roomCode).
		Order("score DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	rows := make([]room.ScoreRow, 0, len(entries))
	for _, entry := range entries {
		rows = append(rows, room.ScoreRow{
			RoomCode:   entry.RoomCode,
			PlayerName: entry.PlayerName,
			Score:      entry.Score,
		})
	}
	return rows, nil
}

// EventsSince returns persisted events for a room with version > after, in
// version order. Serves catch-up reads beyond the in-memory replay window.
func (s *Store) EventsSince(roomCode string, after uint64) ([]room.EventRow, error) {
	if s.conn == nil {
		return nil, nil
	}
	var events []Event
	err := s.conn.Where("room_code = ? AND version > ?", roomCode, after).
		Order("version ASC").
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	rows := make([]room.EventRow, 0, len(events))
	for _, event := range events {
		payload := map[string]any{}
		_ = json.Unmarshal(event.Payload, &payload)
		rows = append(rows, room.EventRow{
			ID:        event.ID,
			RoomCode:  event.RoomCode,
			Version:   event.Version,
			IntentID:  event.IntentID,
			Type:      event.Type,
			Payload:   payload,
			CreatedAt: event.CreatedAt,
		})
	}
	return rows, nil
}

func (s *Store) roomByCode(code string) (Room, error) {
	var record Room
	if s.conn == nil {
		return record, errors.New("db connection is nil")
	}
	err := s.conn.Where("code = ?", code).First(&record).Error
	return record, err
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
