package room

import (
	"sync"
	"time"
)

// fakeTransport is an in-memory Transport that records every delivery.
type fakeTransport struct {
	mu      sync.Mutex
	members map[string]map[string]struct{}
	sent    []delivery
}

type delivery struct {
	ConnID  string // empty for room-wide broadcasts
	Room    string
	Event   string
	Payload any
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{members: make(map[string]map[string]struct{})}
}

func (f *fakeTransport) join(roomCode string, connIDs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	group := f.members[roomCode]
	if group == nil {
		group = make(map[string]struct{})
		f.members[roomCode] = group
	}
	for _, id := range connIDs {
		group[id] = struct{}{}
	}
}

func (f *fakeTransport) leave(roomCode, connID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.members[roomCode], connID)
}

func (f *fakeTransport) DeliverToRoom(roomCode, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, delivery{Room: roomCode, Event: event, Payload: payload})
}

func (f *fakeTransport) DeliverToConnection(connID, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, delivery{ConnID: connID, Event: event, Payload: payload})
}

func (f *fakeTransport) RoomMembership(roomCode string) (map[string]struct{}, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	group, ok := f.members[roomCode]
	if !ok {
		return nil, false
	}
	out := make(map[string]struct{}, len(group))
	for id := range group {
		out[id] = struct{}{}
	}
	return out, true
}

func (f *fakeTransport) IsConnected(connID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, group := range f.members {
		if _, ok := group[connID]; ok {
			return true
		}
	}
	return false
}

func (f *fakeTransport) deliveries(event string) []delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]delivery, 0)
	for _, d := range f.sent {
		if d.Event == event {
			out = append(out, d)
		}
	}
	return out
}

func (f *fakeTransport) deliveriesTo(connID, event string) []delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]delivery, 0)
	for _, d := range f.sent {
		if d.ConnID == connID && d.Event == event {
			out = append(out, d)
		}
	}
	return out
}

func (f *fakeTransport) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
}

// stubGame is a minimal Game whose behavior tests can script.
type stubGame struct {
	mu         sync.Mutex
	tag        string
	round      int
	fields     map[string]map[string]any // per-viewer overlay fields
	viewErr    map[string]error
	actionErr  error
	actions    []string
	migrations [][2]string
}

func newStubGame(tag string) *stubGame {
	return &stubGame{
		tag:     tag,
		round:   1,
		fields:  make(map[string]map[string]any),
		viewErr: make(map[string]error),
	}
}

func (g *stubGame) State() BaseState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return BaseState{
		StateTag:  g.tag,
		Round:     g.round,
		MaxRounds: 3,
		Data:      map[string]any{"stub": true},
	}
}

func (g *stubGame) ClientView(viewerID string) (*ViewerOverlay, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.viewErr[viewerID]; err != nil {
		return nil, err
	}
	if fields, ok := g.fields[viewerID]; ok {
		return &ViewerOverlay{Fields: fields}, nil
	}
	return nil, nil
}

func (g *stubGame) HandleAction(playerID, action string, payload map[string]any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.actionErr != nil {
		return g.actionErr
	}
	g.actions = append(g.actions, playerID+":"+action)
	return nil
}

func (g *stubGame) MigratePlayer(oldID, newID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.migrations = append(g.migrations, [2]string{oldID, newID})
}

func (g *stubGame) Scoreboard() []ScoreEntry { return nil }
func (g *stubGame) Start()                   {}
func (g *stubGame) Pause()                   {}
func (g *stubGame) Resume()                  {}
func (g *stubGame) Destroy()                 {}

func (g *stubGame) setTag(tag string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tag = tag
}

// testClock is a controllable time source shared by components under test.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// newTestEngine wires a directory, registry, transport, and engine with
// timers tuned short enough for tests.
func newTestEngine() (*SyncEngine, *Directory, *Registry, *fakeTransport, *ReplayLog) {
	directory := NewDirectory(time.Hour)
	registry := NewRegistry(30*time.Second, 30*time.Second, 5)
	transport := newFakeTransport()
	replay := NewReplayLog(100)
	engine := NewSyncEngine(directory, registry, transport, replay, NopPersister{}, SyncEngineConfig{
		AckDelay:       20 * time.Millisecond,
		RosterDefer:    time.Millisecond,
		CueDebounce:    time.Second,
		SnapshotRetain: 20,
	})
	return engine, directory, registry, transport, replay
}
