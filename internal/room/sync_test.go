package room

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type syncFixture struct {
	engine    *SyncEngine
	directory *Directory
	registry  *Registry
	transport *fakeTransport
	room      *Room
	game      *stubGame
}

func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()
	engine, directory, registry, transport, _ := newTestEngine()
	g := newStubGame("lobby")
	rm := directory.Create("host", "trivia", Settings{MaxPlayers: 8}, g)

	registry.Register("p1", rm.Code, RolePlayer)
	registry.Register("p2", rm.Code, RolePlayer)
	registry.Register("hc", rm.Code, RoleHostControl)
	registry.Register("hd", rm.Code, RoleHostDisplay)
	transport.join(rm.Code, "p1", "p2", "hc", "hd")

	for _, id := range []string{"p1", "p2"} {
		addPlayer(rm, id, "name-"+id)
	}
	return &syncFixture{
		engine:    engine,
		directory: directory,
		registry:  registry,
		transport: transport,
		room:      rm,
		game:      g,
	}
}

func (f *syncFixture) publish(t *testing.T) uint64 {
	t.Helper()
	version, err := f.engine.Publish(f.room.Code, f.game.State(), PublishOptions{})
	require.NoError(t, err)
	return version
}

func TestPublishVersionsStrictlyIncrease(t *testing.T) {
	f := newSyncFixture(t)
	for want := uint64(1); want <= 5; want++ {
		require.Equal(t, want, f.publish(t))
	}

	states := f.transport.deliveriesTo("p1", EventGameState)
	require.Len(t, states, 5)
	for i, d := range states {
		payload := d.Payload.(map[string]any)
		require.Equal(t, uint64(i+1), payload["version"])
		require.Equal(t, f.room.Code, payload["room_code"])
		require.NotEmpty(t, payload["timestamp"])
	}
}

func TestPublishLanesByRole(t *testing.T) {
	f := newSyncFixture(t)
	f.publish(t)

	require.Len(t, f.transport.deliveriesTo("p1", EventGameState), 1)
	require.Len(t, f.transport.deliveriesTo("p2", EventGameState), 1)
	require.Len(t, f.transport.deliveriesTo("hc", EventGameState), 1)
	require.Len(t, f.transport.deliveriesTo("hd", EventDisplayState), 1)
	require.Empty(t, f.transport.deliveriesTo("hd", EventGameState))
}

func TestPublishPersonalizedOverlays(t *testing.T) {
	f := newSyncFixture(t)
	f.game.fields["p1"] = map[string]any{"your_hand": []string{"ace"}}

	f.publish(t)

	p1 := f.transport.deliveriesTo("p1", EventGameState)[0].Payload.(map[string]any)
	p2 := f.transport.deliveriesTo("p2", EventGameState)[0].Payload.(map[string]any)
	require.Equal(t, []string{"ace"}, p1["your_hand"])
	require.NotContains(t, p2, "your_hand")
}

func TestPublishPersonalizationFailureFallsBack(t *testing.T) {
	f := newSyncFixture(t)
	f.game.viewErr["p1"] = errTest
	f.game.fields["p2"] = map[string]any{"your_hand": []string{"king"}}

	f.publish(t)

	// The failing viewer still gets the generic payload, and the failure
	// does not suppress anyone else's personalized copy.
	p1 := f.transport.deliveriesTo("p1", EventGameState)
	require.Len(t, p1, 1)
	require.NotContains(t, p1[0].Payload.(map[string]any), "your_hand")

	p2 := f.transport.deliveriesTo("p2", EventGameState)[0].Payload.(map[string]any)
	require.Equal(t, []string{"king"}, p2["your_hand"])
}

func TestPublishWithoutTransportRoomIsNoOp(t *testing.T) {
	engine, directory, _, _, _ := newTestEngine()
	g := newStubGame("lobby")
	rm := directory.Create("host", "trivia", Settings{}, g)

	version, err := engine.Publish(rm.Code, g.State(), PublishOptions{})
	require.NoError(t, err)
	require.Zero(t, version)

	rm.Mu.Lock()
	defer rm.Mu.Unlock()
	require.Zero(t, rm.Version, "a skipped publish must not advance the version")
}

func TestAckTrackingRecordsLaggards(t *testing.T) {
	f := newSyncFixture(t)
	version := f.publish(t)

	f.engine.Acknowledge(f.room.Code, "p1", version, "state")
	f.engine.Acknowledge(f.room.Code, "hc", version, "state")
	f.engine.Acknowledge(f.room.Code, "hd", version, "state")

	// p2 never acks; the deferred check records it as missing.
	require.Eventually(t, func() bool {
		return f.engine.PendingVersionCount(f.room.Code, "p2") == 1
	}, time.Second, 5*time.Millisecond)
	require.Zero(t, f.engine.PendingVersionCount(f.room.Code, "p1"))
}

func TestLateAckClearsMissing(t *testing.T) {
	f := newSyncFixture(t)
	version := f.publish(t)

	require.Eventually(t, func() bool {
		return f.engine.PendingVersionCount(f.room.Code, "p2") >= 1
	}, time.Second, 5*time.Millisecond)

	f.engine.Acknowledge(f.room.Code, "p2", version, "state")
	require.Zero(t, f.engine.PendingVersionCount(f.room.Code, "p2"))
}

func TestResyncDeliversMissedAndLatest(t *testing.T) {
	f := newSyncFixture(t)
	f.publish(t)
	f.publish(t)
	latest := f.publish(t)

	require.Eventually(t, func() bool {
		return f.engine.PendingVersionCount(f.room.Code, "p2") == 3
	}, time.Second, 5*time.Millisecond)
	f.transport.reset()

	require.NoError(t, f.engine.Resync(f.room.Code, "p2", RolePlayer))

	states := f.transport.deliveriesTo("p2", EventGameState)
	require.NotEmpty(t, states)
	last := states[len(states)-1].Payload.(map[string]any)
	require.Equal(t, latest, last["version"], "resync must end at the latest published version")
	require.Zero(t, f.engine.PendingVersionCount(f.room.Code, "p2"))
}

func TestResyncFallsBackWhenWindowEvicted(t *testing.T) {
	engine, directory, registry, transport, _ := newTestEngine()
	engine.retention = 2
	g := newStubGame("lobby")
	rm := directory.Create("host", "trivia", Settings{}, g)
	registry.Register("p1", rm.Code, RolePlayer)
	transport.join(rm.Code, "p1")
	addPlayer(rm, "p1", "Ada")

	var latest uint64
	for i := 0; i < 6; i++ {
		v, err := engine.Publish(rm.Code, g.State(), PublishOptions{})
		require.NoError(t, err)
		latest = v
	}
	require.Eventually(t, func() bool {
		return engine.PendingVersionCount(rm.Code, "p1") == 6
	}, time.Second, 5*time.Millisecond)
	transport.reset()

	require.NoError(t, engine.Resync(rm.Code, "p1", RolePlayer))
	states := transport.deliveriesTo("p1", EventGameState)
	require.NotEmpty(t, states)
	last := states[len(states)-1].Payload.(map[string]any)
	require.Equal(t, latest, last["version"])
}

func TestRosterVersioning(t *testing.T) {
	f := newSyncFixture(t)
	addPlayer(f.room, "p3", "name-p3")

	v1, err := f.engine.PublishRoster(f.room.Code)
	require.NoError(t, err)
	require.Equal(t, uint64(1), v1)

	addPlayer(f.room, "p4", "name-p4")
	v2, err := f.engine.PublishRoster(f.room.Code)
	require.NoError(t, err)
	require.Equal(t, uint64(2), v2, "roster version increments by exactly one")

	payload, version, ok := f.engine.RosterSnapshot(f.room.Code)
	require.True(t, ok)
	require.Equal(t, uint64(2), version)
	require.Len(t, payload["players"].([]map[string]any), 4)

	// Delivery is deferred one tick.
	require.Eventually(t, func() bool {
		return len(f.transport.deliveries(EventRoomUpdate)) > 0
	}, time.Second, 5*time.Millisecond)
}

func TestSettingsVersionIndependent(t *testing.T) {
	f := newSyncFixture(t)
	f.publish(t)
	f.publish(t)

	version, err := f.engine.PublishSettings(f.room.Code)
	require.NoError(t, err)
	require.Equal(t, uint64(1), version)

	f.room.Mu.Lock()
	stateVersion := f.room.Version
	f.room.Mu.Unlock()
	require.Equal(t, uint64(2), stateVersion, "settings publishes must not advance the state version")
}

func TestTransitionOneShotsAndDebouncedCue(t *testing.T) {
	f := newSyncFixture(t)
	f.publish(t) // lobby

	f.game.setTag("question")
	f.publish(t)
	require.Len(t, f.transport.deliveries(EventRoundStarted), 1)
	require.Len(t, f.transport.deliveries(EventSoundCue), 1)

	f.game.setTag("reveal")
	f.publish(t)
	require.Len(t, f.transport.deliveries(EventRoundEnded), 1)
	// The second transition lands inside the cue debounce window.
	require.Len(t, f.transport.deliveries(EventSoundCue), 1)

	// Re-publishing the same tag is not a transition.
	f.publish(t)
	require.Len(t, f.transport.deliveries(EventRoundEnded), 1)
	require.Len(t, f.transport.deliveries(EventFSMTransition), 2)
}

func TestStopRoomDropsState(t *testing.T) {
	f := newSyncFixture(t)
	f.publish(t)
	f.engine.StopRoom(f.room.Code)

	_, ok := f.engine.Snapshot(f.room.Code, 1)
	require.False(t, ok)
	require.Zero(t, f.engine.PendingVersionCount(f.room.Code, "p1"))
}

var errTest = errTestType{}

type errTestType struct{}

func (errTestType) Error() string { return "view failed" }
