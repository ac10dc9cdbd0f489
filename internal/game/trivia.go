// Package game holds concrete game implementations plugged into the room
// engine. Trivia is the reference implementation: small enough to read in one
// sitting, but it exercises every engine hook including per-viewer
// personalization and connection migration.
package game

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"roomsync/internal/room"
)

var (
	ErrNotStarted      = errors.New("game not started")
	ErrAlreadyAnswered = errors.New("already answered this question")
	ErrUnknownAction   = errors.New("unknown action")
	ErrNoSuchChoice    = errors.New("no such choice")
)

type Question struct {
	Prompt  string
	Choices []string
	Correct int
}

// Trivia is a multiple-choice quiz. Scores accrue per question; the first
// correct answer in a round earns a bonus point.
type Trivia struct {
	mu        sync.Mutex
	questions []Question
	round     int
	tag       string
	paused    bool
	answers   map[string]int // connID -> choice for the current question
	scores    map[string]int // connID -> total score
	firstTry  bool           // bonus still unclaimed this round
}

func NewTrivia(questions []Question) *Trivia {
	if len(questions) == 0 {
		questions = defaultQuestions()
	}
	return &Trivia{
		questions: questions,
		tag:       "lobby",
		answers:   make(map[string]int),
		scores:    make(map[string]int),
	}
}

func (t *Trivia) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tag != "lobby" {
		return
	}
	t.round = 1
	t.tag = "question"
	t.firstTry = true
}

func (t *Trivia) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.paused = true
}

func (t *Trivia) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.paused = false
}

func (t *Trivia) Destroy() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tag = "finished"
	t.answers = make(map[string]int)
}

// State returns the shared snapshot common to every viewer. The correct
// answer index never appears here; it reaches clients only through the
// reveal overlay.
func (t *Trivia) State() room.BaseState {
	t.mu.Lock()
	defer t.mu.Unlock()
	data := map[string]any{
		"paused":   t.paused,
		"answered": len(t.answers),
	}
	if q := t.currentLocked(); q != nil {
		data["prompt"] = q.Prompt
		data["choices"] = q.Choices
	}
	scores := make(map[string]int, len(t.scores))
	for id, score := range t.scores {
		scores[id] = score
	}
	return room.BaseState{
		StateTag:  t.tag,
		Round:     t.round,
		MaxRounds: len(t.questions),
		Scores:    scores,
		Data:      data,
	}
}

// ClientView personalizes the snapshot for one viewer: their own answer, and
// during reveal whether it was correct.
func (t *Trivia) ClientView(viewerID string) (*room.ViewerOverlay, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fields := map[string]any{
		"your_score": t.scores[viewerID],
	}
	if choice, ok := t.answers[viewerID]; ok {
		fields["your_answer"] = choice
		if t.tag == "reveal" {
			q := t.currentLocked()
			if q == nil {
				return nil, fmt.Errorf("no question for round %d", t.round)
			}
			fields["correct"] = choice == q.Correct
			fields["correct_choice"] = q.Correct
		}
	}
	return &room.ViewerOverlay{Fields: fields}, nil
}

func (t *Trivia) HandleAction(playerID, action string, payload map[string]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch action {
	case "answer":
		return t.answerLocked(playerID, payload)
	case "advance":
		return t.advanceLocked()
	default:
		return fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}
}

func (t *Trivia) answerLocked(playerID string, payload map[string]any) error {
	if t.tag != "question" || t.paused {
		return ErrNotStarted
	}
	if _, done := t.answers[playerID]; done {
		return ErrAlreadyAnswered
	}
	q := t.currentLocked()
	if q == nil {
		return ErrNotStarted
	}
	choice, ok := numberField(payload, "choice")
	if !ok || choice < 0 || choice >= len(q.Choices) {
		return ErrNoSuchChoice
	}
	t.answers[playerID] = choice
	if choice == q.Correct {
		t.scores[playerID]++
		if t.firstTry {
			t.scores[playerID]++
			t.firstTry = false
		}
	}
	return nil
}

func (t *Trivia) advanceLocked() error {
	switch t.tag {
	case "question":
		t.tag = "reveal"
	case "reveal":
		if t.round >= len(t.questions) {
			t.tag = "finished"
			return nil
		}
		t.round++
		t.tag = "question"
		t.answers = make(map[string]int)
		t.firstTry = true
	default:
		return ErrNotStarted
	}
	return nil
}

// MigratePlayer moves a player's per-connection state to a new connection id
// after a reconnect. Safe to call for ids with no state.
func (t *Trivia) MigratePlayer(oldID, newID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if choice, ok := t.answers[oldID]; ok {
		delete(t.answers, oldID)
		t.answers[newID] = choice
	}
	if score, ok := t.scores[oldID]; ok {
		delete(t.scores, oldID)
		t.scores[newID] += score
	}
}

func (t *Trivia) Scoreboard() []room.ScoreEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scoreboardLocked()
}

func (t *Trivia) scoreboardLocked() []room.ScoreEntry {
	entries := make([]room.ScoreEntry, 0, len(t.scores))
	for id, score := range t.scores {
		entries = append(entries, room.ScoreEntry{PlayerID: id, Score: score})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].PlayerID < entries[j].PlayerID
	})
	return entries
}

func (t *Trivia) currentLocked() *Question {
	if t.round < 1 || t.round > len(t.questions) {
		return nil
	}
	return &t.questions[t.round-1]
}

func numberField(payload map[string]any, key string) (int, bool) {
	switch v := payload[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

func defaultQuestions() []Question {
	return []Question{
		{
			Prompt:  "Which planet has the most moons?",
			Choices: []string{"Earth", "Mars", "Saturn", "Venus"},
			Correct: 2,
		},
		{
			Prompt:  "What is the largest ocean?",
			Choices: []string{"Atlantic", "Pacific", "Indian", "Arctic"},
			Correct: 1,
		},
		{
			Prompt:  "Which element has the symbol Au?",
			Choices: []string{"Silver", "Copper", "Gold", "Argon"},
			Correct: 2,
		},
	}
}

// ByName looks up a registered game constructor case-insensitively.
func ByName(name string) (func() room.Game, bool) {
	ctor, ok := registry[strings.ToLower(name)]
	return ctor, ok
}

var registry = map[string]func() room.Game{
	"trivia": func() room.Game { return NewTrivia(nil) },
}
