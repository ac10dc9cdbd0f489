package room

import (
	"fmt"
	"sync"
	"time"
)

// Phase is the canonical state sequence overlaid on a game's ad-hoc state
// tags, used for replay and cross-game consistency.
type Phase string

const (
	PhaseLobby      Phase = "lobby"
	PhaseSetup      Phase = "setup"
	PhaseRound      Phase = "round"
	PhaseScoreboard Phase = "scoreboard"
	PhaseEnd        Phase = "end"
)

// Transition records one canonical phase change, appended to a per-game
// history replayed for late joiners.
type Transition struct {
	From     Phase     `json:"from"`
	To       Phase     `json:"to"`
	At       time.Time `json:"at"`
	GameType string    `json:"game_type"`
	Round    int       `json:"round"`
	Reason   string    `json:"reason"`
}

var phaseSuccessors = map[Phase][]Phase{
	PhaseLobby:      {PhaseSetup, PhaseEnd},
	PhaseSetup:      {PhaseRound, PhaseEnd},
	PhaseRound:      {PhaseScoreboard, PhaseEnd},
	PhaseScoreboard: {PhaseRound, PhaseEnd},
	PhaseEnd:        {},
}

// CanonicalPhase maps a game's ad-hoc state tag onto the canonical machine.
// Unknown tags land in PhaseRound: a tag the platform has never seen almost
// always names some game-specific mid-round state.
func CanonicalPhase(tag string) Phase {
	switch tag {
	case "lobby", "waiting", "pending":
		return PhaseLobby
	case "setup", "starting", "choosing", "pregame":
		return PhaseSetup
	case "scoreboard", "scores", "reveal", "summary", "results":
		return PhaseScoreboard
	case "end", "ended", "finished", "complete", "gameover":
		return PhaseEnd
	case "":
		return PhaseLobby
	default:
		return PhaseRound
	}
}

// Machine is owned by a room. Its auto-advance timer is cancelled on room
// teardown so no timer outlives the game it belongs to.
type Machine struct {
	mu       sync.Mutex
	phase    Phase
	gameType string
	round    int
	history  []Transition
	timer    *time.Timer
	now      func() time.Time
}

func NewMachine(gameType string) *Machine {
	return &Machine{
		phase:    PhaseLobby,
		gameType: gameType,
		now:      time.Now,
	}
}

func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

func (m *Machine) Round() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.round
}

func (m *Machine) SetRound(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.round = n
}

// AcceptsActions reports whether player actions are valid right now. Only an
// in-progress round accepts them.
func (m *Machine) AcceptsActions() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase == PhaseRound
}

// Advance moves the machine to the next canonical phase and records the
// transition. Moving to the current phase is a no-op, not an error, since
// duplicate publishes for the same logical transition are expected.
func (m *Machine) Advance(to Phase, reason string) (Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if to == m.phase {
		return Transition{}, nil
	}
	if !phaseReachable(m.phase, to) {
		return Transition{}, fmt.Errorf("invalid phase transition %s -> %s", m.phase, to)
	}
	tr := Transition{
		From:     m.phase,
		To:       to,
		At:       m.now(),
		GameType: m.gameType,
		Round:    m.round,
		Reason:   reason,
	}
	m.phase = to
	m.history = append(m.history, tr)
	return tr, nil
}

// Observe follows the game's ad-hoc state tag, advancing the canonical
// machine when the tag maps to a different phase. Returns the transition and
// whether one occurred.
func (m *Machine) Observe(tag, reason string) (Transition, bool) {
	to := CanonicalPhase(tag)
	m.mu.Lock()
	current := m.phase
	m.mu.Unlock()
	if to == current {
		return Transition{}, false
	}
	tr, err := m.Advance(to, reason)
	if err != nil {
		// An out-of-order tag (e.g. scoreboard seen while still in lobby)
		// is recorded as a forced jump rather than dropped, so the history
		// stays truthful for replay.
		m.mu.Lock()
		tr = Transition{
			From:     m.phase,
			To:       to,
			At:       m.now(),
			GameType: m.gameType,
			Round:    m.round,
			Reason:   reason + " (forced)",
		}
		m.phase = to
		m.history = append(m.history, tr)
		m.mu.Unlock()
	}
	return tr, true
}

// History returns a copy of the transition records in order.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// ScheduleAdvance arms a one-shot auto-advance after d. A new schedule
// replaces any armed one; Cancel disarms on teardown.
func (m *Machine) ScheduleAdvance(d time.Duration, to Phase, reason string, then func(Transition)) {
	m.mu.Lock()
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(d, func() {
		tr, err := m.Advance(to, reason)
		if err != nil || tr == (Transition{}) {
			return
		}
		if then != nil {
			then(tr)
		}
	})
	m.mu.Unlock()
}

func (m *Machine) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func phaseReachable(from, to Phase) bool {
	for _, next := range phaseSuccessors[from] {
		if next == to {
			return true
		}
	}
	return false
}
