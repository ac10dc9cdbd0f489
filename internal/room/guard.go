package room

import (
	"log"
	"sync"
	"time"
)

type GuardConfig struct {
	ShortWindow    time.Duration
	ShortThreshold int
	ShortBan       time.Duration
	LongWindow     time.Duration
	LongThreshold  int
	LongBan        time.Duration
}

func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		ShortWindow:    time.Second,
		ShortThreshold: 10,
		ShortBan:       60 * time.Second,
		LongWindow:     5 * time.Second,
		LongThreshold:  50,
		LongBan:        300 * time.Second,
	}
}

type banRecord struct {
	until  time.Time
	reason string
}

type GuardStats struct {
	RecentShort int
	RecentLong  int
	Banned      bool
	BanReason   string
	BanUntil    time.Time
}

// Guard sits in front of the intent pipeline. Submissions from a banned
// identity are rejected before validation runs.
type Guard struct {
	mu   sync.Mutex
	cfg  GuardConfig
	hits map[string][]time.Time
	bans map[string]banRecord
	now  func() time.Time
}

func NewGuard(cfg GuardConfig) *Guard {
	return &Guard{
		cfg:  cfg,
		hits: make(map[string][]time.Time),
		bans: make(map[string]banRecord),
		now:  time.Now,
	}
}

// IsAllowed reports whether the identity may submit right now. Bans whose
// deadline has passed are lazily expired here.
func (g *Guard) IsAllowed(id string) (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.allowedLocked(id, g.now())
}

func (g *Guard) allowedLocked(id string, now time.Time) (bool, string) {
	ban, ok := g.bans[id]
	if !ok {
		return true, ""
	}
	if now.Before(ban.until) {
		return false, ban.reason
	}
	delete(g.bans, id)
	return true, ""
}

// Check records a submission hit and evaluates both sliding windows. It
// returns false with the ban reason when the identity is already banned or
// the hit trips a threshold.
func (g *Guard) Check(id string) (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if ok, reason := g.allowedLocked(id, now); !ok {
		return false, reason
	}

	hits := append(g.hits[id], now)
	cutoff := now.Add(-g.cfg.LongWindow)
	for len(hits) > 0 && hits[0].Before(cutoff) {
		hits = hits[1:]
	}
	g.hits[id] = hits

	short := 0
	shortCutoff := now.Add(-g.cfg.ShortWindow)
	for _, t := range hits {
		if !t.Before(shortCutoff) {
			short++
		}
	}
	if short > g.cfg.ShortThreshold {
		return false, g.banLocked(id, g.cfg.ShortBan, "rapid-fire submissions", now)
	}
	if len(hits) > g.cfg.LongThreshold {
		return false, g.banLocked(id, g.cfg.LongBan, "sustained submission flood", now)
	}
	return true, ""
}

func (g *Guard) banLocked(id string, d time.Duration, reason string, now time.Time) string {
	g.bans[id] = banRecord{until: now.Add(d), reason: reason}
	log.Printf("identity banned id=%s duration=%s reason=%q", id, d, reason)
	return reason
}

// Ban applies a manual ban, for operational tooling.
func (g *Guard) Ban(id string, d time.Duration, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.banLocked(id, d, reason, g.now())
}

func (g *Guard) Unban(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.bans, id)
}

func (g *Guard) Stats(id string) GuardStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	var stats GuardStats
	shortCutoff := now.Add(-g.cfg.ShortWindow)
	longCutoff := now.Add(-g.cfg.LongWindow)
	for _, t := range g.hits[id] {
		if !t.Before(longCutoff) {
			stats.RecentLong++
		}
		if !t.Before(shortCutoff) {
			stats.RecentShort++
		}
	}
	if ban, ok := g.bans[id]; ok && now.Before(ban.until) {
		stats.Banned = true
		stats.BanReason = ban.reason
		stats.BanUntil = ban.until
	}
	return stats
}

// Forget drops all state for an identity, used when its room is destroyed.
func (g *Guard) Forget(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.hits, id)
	delete(g.bans, id)
}
