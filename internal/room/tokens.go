package room

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrTokenUnknown   = errors.New("unknown reconnection token")
	ErrPlayerNotFound = errors.New("player not found")
)

type playerIdentity struct {
	RoomCode string
	Name     string
}

// TokenService preserves host and player identity across socket replacement.
// Tokens are opaque bearer capabilities, not signed credentials: possession
// is the whole proof. They are minted once per identity per room, persisted
// best-effort, and invalidated only on explicit room deactivation.
type TokenService struct {
	mu        sync.Mutex
	directory *Directory
	persister Persister

	hostTokens   map[string]string         // token -> room code
	hostByRoom   map[string]string         // room code -> token
	playerTokens map[string]playerIdentity // token -> (room, stable name)
	playerByKey  map[string]string         // room|lower(name) -> token
	now          func() time.Time
}

func NewTokenService(directory *Directory, persister Persister) *TokenService {
	return &TokenService{
		directory:    directory,
		persister:    persister,
		hostTokens:   make(map[string]string),
		hostByRoom:   make(map[string]string),
		playerTokens: make(map[string]playerIdentity),
		playerByKey:  make(map[string]string),
		now:          time.Now,
	}
}

// IssueHostToken mints the room's host token, or returns the existing one.
func (t *TokenService) IssueHostToken(roomCode string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if token, ok := t.hostByRoom[roomCode]; ok {
		return token
	}
	return t.mintHostLocked(roomCode)
}

// RegenerateHostToken replaces the room's host token, invalidating the old one.
func (t *TokenService) RegenerateHostToken(roomCode string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.hostByRoom[roomCode]; ok {
		delete(t.hostTokens, old)
	}
	return t.mintHostLocked(roomCode)
}

func (t *TokenService) mintHostLocked(roomCode string) string {
	token := newBearerToken()
	t.hostTokens[token] = roomCode
	t.hostByRoom[roomCode] = token
	row := TokenRow{
		ID:         uuid.NewString(),
		RoomCode:   roomCode,
		Identity:   "host",
		Token:      token,
		Kind:       "host",
		Active:     true,
		LastUsedAt: t.now(),
	}
	persistAsync("save_host_token", func() error { return t.persister.SaveToken(row) })
	return token
}

// ResolveHostToken maps a bearer token back to its room.
func (t *TokenService) ResolveHostToken(token string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for candidate, roomCode := range t.hostTokens {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			persistAsync("touch_host_token", func() error { return t.persister.TouchToken(candidate) })
			return roomCode, true
		}
	}
	return "", false
}

// IssuePlayerToken mints (or reuses) the token for a (room, stable name) pair.
func (t *TokenService) IssuePlayerToken(roomCode, name string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := playerKey(roomCode, name)
	if token, ok := t.playerByKey[key]; ok {
		return token
	}
	token := newBearerToken()
	t.playerTokens[token] = playerIdentity{RoomCode: roomCode, Name: name}
	t.playerByKey[key] = token
	row := TokenRow{
		ID:         uuid.NewString(),
		RoomCode:   roomCode,
		Identity:   name,
		Token:      token,
		Kind:       "player",
		Active:     true,
		LastUsedAt: t.now(),
	}
	persistAsync("save_player_token", func() error { return t.persister.SaveToken(row) })
	return token
}

// ResolvePlayerToken maps a bearer token back to its (room, stable name).
func (t *TokenService) ResolvePlayerToken(token string) (string, string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for candidate, identity := range t.playerTokens {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			persistAsync("touch_player_token", func() error { return t.persister.TouchToken(candidate) })
			return identity.RoomCode, identity.Name, true
		}
	}
	return "", "", false
}

// ReconnectWithToken re-binds the token's stable-name player to a new
// connection id and migrates in-flight game state from the old one. The
// stable name matches case-insensitively; the player record survives any
// number of connection id changes.
func (t *TokenService) ReconnectWithToken(token, newConnID string) (*Room, *Player, error) {
	roomCode, name, ok := t.ResolvePlayerToken(token)
	if !ok {
		return nil, nil, ErrTokenUnknown
	}
	room, ok := t.directory.Get(roomCode)
	if !ok {
		return nil, nil, ErrRoomNotFound
	}

	room.Mu.Lock()
	defer room.Mu.Unlock()
	player := room.PlayerByName(name)
	if player == nil {
		// Token proves prior membership; the record was likely purged by an
		// idle sweep. Recreate it rather than refusing the reconnect.
		player = &Player{Name: name}
		log.Printf("reconnect recreated player room=%s name=%s conn=%s", roomCode, name, newConnID)
	}
	oldID := player.ConnID
	t.rebindLocked(room, player, oldID, newConnID)
	return room, player, nil
}

// JoinByName implements the stricter tokenless policy: a name colliding with
// a currently connected player joins as a second distinct player (an active
// seat is never silently overwritten); a name matching a disconnected player
// is an implicit reconnection that retires the old connection id.
func (t *TokenService) JoinByName(roomCode, name, connID string) (*Room, *Player, bool, error) {
	room, ok := t.directory.Get(roomCode)
	if !ok {
		return nil, nil, false, ErrRoomNotFound
	}

	room.Mu.Lock()
	defer room.Mu.Unlock()
	for _, existing := range room.Players {
		if !strings.EqualFold(existing.Name, name) {
			continue
		}
		if existing.Status == StatusDisconnected {
			oldID := existing.ConnID
			t.rebindLocked(room, existing, oldID, connID)
			return room, existing, true, nil
		}
	}

	player := &Player{
		ConnID:   connID,
		Name:     name,
		Status:   StatusConnected,
		LastSeen: t.now(),
	}
	room.Players[connID] = player
	t.persistCountLocked(room)
	return room, player, false, nil
}

// rebindLocked moves a player record to a new connection id and tells the
// game to migrate per-player state. Callers hold room.Mu.
func (t *TokenService) rebindLocked(room *Room, player *Player, oldID, newID string) {
	if oldID != "" {
		delete(room.Players, oldID)
	}
	player.ConnID = newID
	player.Status = StatusConnected
	player.LastSeen = t.now()
	room.Players[newID] = player
	if room.Game != nil && oldID != "" && oldID != newID {
		room.Game.MigratePlayer(oldID, newID)
	}
	t.persistCountLocked(room)
	log.Printf("player rebound room=%s name=%s old_conn=%s new_conn=%s", room.Code, player.Name, oldID, newID)
}

func (t *TokenService) persistCountLocked(room *Room) {
	row := RoomRow{
		Code:        room.Code,
		IsActive:    true,
		PlayerCount: len(room.Players),
		CurrentGame: room.GameType,
		UpdatedAt:   t.now(),
	}
	persistAsync("save_room", func() error { return t.persister.SaveRoom(row) })
}

// InvalidateRoom retires every token minted for the room. Called on explicit
// deactivation only; reconnection tokens survive ordinary disconnects.
func (t *TokenService) InvalidateRoom(roomCode string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if token, ok := t.hostByRoom[roomCode]; ok {
		delete(t.hostTokens, token)
		delete(t.hostByRoom, roomCode)
	}
	for token, identity := range t.playerTokens {
		if identity.RoomCode == roomCode {
			delete(t.playerTokens, token)
			delete(t.playerByKey, playerKey(roomCode, identity.Name))
		}
	}
	persistAsync("deactivate_room", func() error { return t.persister.DeactivateRoom(roomCode) })
}

func playerKey(roomCode, name string) string {
	return roomCode + "|" + strings.ToLower(name)
}

func newBearerToken() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("tok-%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("%x", buf)
}
