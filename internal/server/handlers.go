package server

import (
	"log"
	"net/http"
	"strconv"

	"roomsync/internal/game"
	"roomsync/internal/room"

	"github.com/gin-gonic/gin"
)

// Optional read-side extensions a persister may implement. Handlers degrade
// gracefully when the configured persister lacks them.
type eventSource interface {
	EventsSince(roomCode string, after uint64) ([]room.EventRow, error)
}

type scoreSource interface {
	TopScores(roomCode string, limit int) ([]room.ScoreRow, error)
}

type createRoomRequest struct {
	GameType   string `json:"game_type" binding:"required"`
	MaxPlayers int    `json:"max_players" binding:"omitempty,min=2,max=32"`
	Rounds     int    `json:"rounds" binding:"omitempty,min=1,max=20"`
	Language   string `json:"language" binding:"omitempty,len=2"`
	Private    bool   `json:"private"`
}

type roomURI struct {
	Code string `uri:"code" binding:"required,roomcode"`
}

type settingsRequest struct {
	MaxPlayers int    `json:"max_players" binding:"omitempty,min=2,max=32"`
	Rounds     int    `json:"rounds" binding:"omitempty,min=1,max=20"`
	Language   string `json:"language" binding:"omitempty,len=2"`
	Private    *bool  `json:"private"`
}

func (s *Server) handleCreateRoom(c *gin.Context) {
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctor, ok := game.ByName(req.GameType)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown game type"})
		return
	}
	settings := room.Settings{
		MaxPlayers: req.MaxPlayers,
		Rounds:     req.Rounds,
		Language:   req.Language,
		Private:    req.Private,
	}
	if settings.MaxPlayers == 0 {
		settings.MaxPlayers = 8
	}
	if settings.Rounds == 0 {
		settings.Rounds = 3
	}
	rm := s.rooms.Create("", req.GameType, settings, ctor())
	hostToken := s.tokens.IssueHostToken(rm.Code)
	c.JSON(http.StatusCreated, gin.H{
		"room_code":  rm.Code,
		"game_type":  rm.GameType,
		"host_token": hostToken,
	})
}

func (s *Server) handleRoomInfo(c *gin.Context) {
	var uri roomURI
	if err := c.ShouldBindUri(&uri); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed room code"})
		return
	}
	rm, ok := s.rooms.Get(uri.Code)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	rm.Mu.Lock()
	info := gin.H{
		"room_code":           rm.Code,
		"game_type":           rm.GameType,
		"state":               rm.StateTag,
		"phase":               rm.FSM.Phase(),
		"version":             rm.Version,
		"player_list_version": rm.PlayerListVersion,
		"settings_version":    rm.SettingsVersion,
		"players":             len(rm.Players),
		"connected":           rm.ConnectedCount(),
		"max_players":         rm.Settings.MaxPlayers,
		"private":             rm.Settings.Private,
	}
	rm.Mu.Unlock()
	c.JSON(http.StatusOK, info)
}

// handleStartGame moves the room out of the lobby. Host token required.
func (s *Server) handleStartGame(c *gin.Context) {
	rm, ok := s.authorizeHost(c)
	if !ok {
		return
	}
	rm.Mu.Lock()
	rm.Game.Start()
	base := rm.Game.State()
	rm.Mu.Unlock()
	version, err := s.engine.Publish(rm.Code, base, room.PublishOptions{Reason: "host start"})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	log.Printf("game started room=%s version=%d", rm.Code, version)
	c.JSON(http.StatusOK, gin.H{"room_code": rm.Code, "version": version})
}

type hostActionRequest struct {
	Action  string         `json:"action" binding:"required"`
	Payload map[string]any `json:"payload"`
}

// handleHostAction applies a host-issued game action, such as advancing out
// of a reveal into the next round. Host token required.
func (s *Server) handleHostAction(c *gin.Context) {
	rm, ok := s.authorizeHost(c)
	if !ok {
		return
	}
	var req hostActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	version, err := s.pipeline.ApplyHost(rm.Code, req.Action, req.Payload)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"room_code": rm.Code, "version": version})
}

func (s *Server) handleUpdateSettings(c *gin.Context) {
	rm, ok := s.authorizeHost(c)
	if !ok {
		return
	}
	var req settingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rm.Mu.Lock()
	if req.MaxPlayers > 0 {
		rm.Settings.MaxPlayers = req.MaxPlayers
	}
	if req.Rounds > 0 {
		rm.Settings.Rounds = req.Rounds
	}
	if req.Language != "" {
		rm.Settings.Language = req.Language
	}
	if req.Private != nil {
		rm.Settings.Private = *req.Private
	}
	rm.Mu.Unlock()
	version, err := s.engine.PublishSettings(rm.Code)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"room_code": rm.Code, "settings_version": version})
}

// handleEndRoom deactivates the room: final scores are persisted, tokens
// invalidated, sockets closed.
func (s *Server) handleEndRoom(c *gin.Context) {
	rm, ok := s.authorizeHost(c)
	if !ok {
		return
	}
	code := rm.Code
	rm.Mu.Lock()
	rows := scoreRowsLocked(rm)
	rm.Mu.Unlock()
	if err := s.persister.SaveScores(code, rows); err != nil {
		log.Printf("score persist failed room=%s error=%v", code, err)
	}
	s.rooms.Remove(code)
	s.teardownRoom(code)
	c.JSON(http.StatusOK, gin.H{"room_code": code, "ended": true})
}

func (s *Server) handleRegenerateHostToken(c *gin.Context) {
	rm, ok := s.authorizeHost(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"room_code":  rm.Code,
		"host_token": s.tokens.RegenerateHostToken(rm.Code),
	})
}

// handleRoomEvents serves the replay log, falling back to persisted events
// when the requested range has left the in-memory window.
func (s *Server) handleRoomEvents(c *gin.Context) {
	code := c.Param("code")
	if _, ok := s.rooms.Get(code); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	after, _ := strconv.ParseUint(c.DefaultQuery("after", "0"), 10, 64)
	events := s.replay.SinceVersion(code, after)
	if len(events) == 0 && after > 0 {
		if src, ok := s.persister.(eventSource); ok {
			rows, err := src.EventsSince(code, after)
			if err == nil {
				c.JSON(http.StatusOK, gin.H{"room_code": code, "events": rows, "source": "store"})
				return
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{"room_code": code, "events": events, "source": "replay"})
}

func (s *Server) handleLeaderboard(c *gin.Context) {
	code := c.Param("code")
	src, ok := s.persister.(scoreSource)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"room_code": code, "scores": []any{}})
		return
	}
	entries, err := src.TopScores(code, 20)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "leaderboard unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"room_code": code, "scores": entries})
}

// handleGuardStats exposes an identity's abuse-guard state for operational
// tooling. Host token required.
func (s *Server) handleGuardStats(c *gin.Context) {
	if _, ok := s.authorizeHost(c); !ok {
		return
	}
	stats := s.guard.Stats(c.Param("player"))
	c.JSON(http.StatusOK, stats)
}

// authorizeHost resolves the Authorization bearer token to the room in the
// path. Writes the error response itself on failure.
func (s *Server) authorizeHost(c *gin.Context) (*room.Room, bool) {
	code := c.Param("code")
	token := bearerToken(c)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "host token required"})
		return nil, false
	}
	tokenRoom, valid := s.tokens.ResolveHostToken(token)
	if !valid || tokenRoom != code {
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid host token"})
		return nil, false
	}
	rm, ok := s.rooms.Get(code)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return nil, false
	}
	return rm, true
}

func bearerToken(c *gin.Context) string {
	const prefix = "Bearer "
	header := c.GetHeader("Authorization")
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return c.Query("host_token")
}

// scoreRowsLocked folds the game's final scoreboard into persistable rows,
// resolving connection ids back to stable names. Callers hold rm.Mu.
func scoreRowsLocked(rm *room.Room) []room.ScoreRow {
	scores := make(map[string]int, len(rm.Players))
	if rm.Game != nil {
		for _, entry := range rm.Game.Scoreboard() {
			if p, ok := rm.Players[entry.PlayerID]; ok {
				scores[p.Name] += entry.Score
			}
		}
	}
	for _, p := range rm.Players {
		if _, ok := scores[p.Name]; !ok {
			scores[p.Name] = p.Score
		}
	}
	rows := make([]room.ScoreRow, 0, len(scores))
	for name, score := range scores {
		rows = append(rows, room.ScoreRow{
			RoomCode:   rm.Code,
			PlayerName: name,
			Score:      score,
		})
	}
	return rows
}
