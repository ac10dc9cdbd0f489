package server

import (
	"log"
	"net/http"
	"regexp"
	"time"

	"roomsync/internal/config"
	"roomsync/internal/room"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

var roomCodePattern = regexp.MustCompile(`^[A-HJ-NP-Z2-9]{4}$`)

type Server struct {
	cfg       config.Config
	db        *gorm.DB
	rooms     *room.Directory
	registry  *room.Registry
	tokens    *room.TokenService
	guard     *room.Guard
	replay    *room.ReplayLog
	engine    *room.SyncEngine
	pipeline  *room.Pipeline
	hub       *Hub
	persister room.Persister

	stopSweeps chan struct{}
}

// New wires the engine components together. A nil conn runs the server
// without persistence; everything else behaves identically.
func New(conn *gorm.DB, persister room.Persister, cfg config.Config) *Server {
	if persister == nil {
		persister = room.NopPersister{}
	}
	rooms := room.NewDirectory(time.Duration(cfg.RoomTTLMinutes) * time.Minute)
	registry := room.NewRegistry(
		time.Duration(cfg.ReconcileMinAgeSeconds)*time.Second,
		time.Duration(cfg.BackoffCeilingSeconds)*time.Second,
		cfg.BackoffMaxAttempts,
	)
	replay := room.NewReplayLog(cfg.ReplayCapacity)
	guard := room.NewGuard(room.GuardConfig{
		ShortWindow:    time.Duration(cfg.ShortWindowMillis) * time.Millisecond,
		ShortThreshold: cfg.ShortWindowThreshold,
		ShortBan:       time.Duration(cfg.ShortBanSeconds) * time.Second,
		LongWindow:     time.Duration(cfg.LongWindowMillis) * time.Millisecond,
		LongThreshold:  cfg.LongWindowThreshold,
		LongBan:        time.Duration(cfg.LongBanSeconds) * time.Second,
	})
	hub := NewHub()
	engine := room.NewSyncEngine(rooms, registry, hub, replay, persister, room.SyncEngineConfig{
		AckDelay:       time.Duration(cfg.AckCheckDelayMillis) * time.Millisecond,
		RosterDefer:    time.Duration(cfg.RosterDeferMillis) * time.Millisecond,
		CueDebounce:    time.Duration(cfg.TransitionDebounceMillis) * time.Millisecond,
		SnapshotRetain: cfg.SnapshotRetention,
	})
	pipeline := room.NewPipeline(rooms, engine, guard, replay, persister)
	s := &Server{
		cfg:        cfg,
		db:         conn,
		rooms:      rooms,
		registry:   registry,
		tokens:     room.NewTokenService(rooms, persister),
		guard:      guard,
		replay:     replay,
		engine:     engine,
		pipeline:   pipeline,
		hub:        hub,
		persister:  persister,
		stopSweeps: make(chan struct{}),
	}
	registerValidations()
	return s
}

func registerValidations() {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return
	}
	_ = v.RegisterValidation("roomcode", func(fl validator.FieldLevel) bool {
		return roomCodePattern.MatchString(fl.Field().String())
	})
}

func (s *Server) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/api")
	api.POST("/rooms", s.handleCreateRoom)
	api.GET("/rooms/:code", s.handleRoomInfo)
	api.POST("/rooms/:code/start", s.handleStartGame)
	api.POST("/rooms/:code/action", s.handleHostAction)
	api.PATCH("/rooms/:code/settings", s.handleUpdateSettings)
	api.POST("/rooms/:code/end", s.handleEndRoom)
	api.POST("/rooms/:code/host-token", s.handleRegenerateHostToken)
	api.GET("/rooms/:code/events", s.handleRoomEvents)
	api.GET("/rooms/:code/leaderboard", s.handleLeaderboard)
	api.GET("/rooms/:code/guard/:player", s.handleGuardStats)

	router.GET("/ws/rooms/:code", s.handleWebsocket)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rooms": s.rooms.Count()})
	})
	return router
}

// StartSweeps runs the periodic maintenance loops: expired rooms, stale
// connection records, and transport reconciliation.
func (s *Server) StartSweeps(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweep()
			case <-s.stopSweeps:
				return
			}
		}
	}()
}

func (s *Server) StopSweeps() {
	close(s.stopSweeps)
}

func (s *Server) sweep() {
	for _, code := range s.rooms.SweepExpired() {
		s.teardownRoom(code)
	}
	stale := s.registry.SweepStale(time.Duration(s.cfg.StaleConnMinutes) * time.Minute)
	result := s.registry.ReconcileWithTransport(s.hub.LiveConnections())
	if stale > 0 || result.Removed > 0 {
		log.Printf("sweep complete stale=%d reconciled=%d", stale, result.Removed)
	}
}

// teardownRoom tears down everything attached to an already-removed room.
func (s *Server) teardownRoom(code string) {
	s.engine.StopRoom(code)
	s.tokens.InvalidateRoom(code)
	s.hub.CloseRoom(code)
	for _, connID := range s.registry.ConnectionsInRoom(code, false) {
		s.registry.Remove(connID)
		s.guard.Forget(connID)
	}
	log.Printf("room torn down code=%s", code)
}
