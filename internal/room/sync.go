package room

import (
	"log"
	"sort"
	"sync"
	"time"
)

// PublishOptions tunes a single publish call.
type PublishOptions struct {
	// Version reuses a version number already reserved by the intent
	// pipeline. Zero lets the publish allocate the next one.
	Version uint64
	Reason  string
}

type ackKey struct {
	kind    string
	version uint64
}

// snapshotRecord is an immutable copy of a broadcast payload, retained to
// serve resync requests.
type snapshotRecord struct {
	Version uint64
	At      time.Time
	Base    BaseState
	Payload map[string]any
}

type rosterSnapshot struct {
	Version uint64
	Payload map[string]any
	Count   int
}

// SyncEngine turns game-state mutations into versioned, role-targeted
// broadcasts with delivery confirmation and resync. Delivery confirmation is
// best-effort and never blocks the publish path: a deferred timer records
// connections that failed to ACK, and those catch up lazily through Resync.
type SyncEngine struct {
	directory *Directory
	registry  *Registry
	transport Transport
	replay    *ReplayLog
	persister Persister

	ackDelay    time.Duration
	rosterDefer time.Duration
	cueDebounce time.Duration
	retention   int

	mu        sync.Mutex
	snapshots map[string][]*snapshotRecord
	rosters   map[string]*rosterSnapshot
	pending   map[string]map[ackKey]map[string]struct{}
	missing   map[string]map[string][]uint64
	lastCue   map[string]time.Time
	ackTimers map[string][]*time.Timer
	now       func() time.Time
}

type SyncEngineConfig struct {
	AckDelay       time.Duration
	RosterDefer    time.Duration
	CueDebounce    time.Duration
	SnapshotRetain int
}

func DefaultSyncEngineConfig() SyncEngineConfig {
	return SyncEngineConfig{
		AckDelay:       2 * time.Second,
		RosterDefer:    15 * time.Millisecond,
		CueDebounce:    time.Second,
		SnapshotRetain: 20,
	}
}

func NewSyncEngine(directory *Directory, registry *Registry, transport Transport, replay *ReplayLog, persister Persister, cfg SyncEngineConfig) *SyncEngine {
	if cfg.SnapshotRetain <= 0 {
		cfg.SnapshotRetain = 20
	}
	return &SyncEngine{
		directory:   directory,
		registry:    registry,
		transport:   transport,
		replay:      replay,
		persister:   persister,
		ackDelay:    cfg.AckDelay,
		rosterDefer: cfg.RosterDefer,
		cueDebounce: cfg.CueDebounce,
		retention:   cfg.SnapshotRetain,
		snapshots:   make(map[string][]*snapshotRecord),
		rosters:     make(map[string]*rosterSnapshot),
		pending:     make(map[string]map[ackKey]map[string]struct{}),
		missing:     make(map[string]map[string][]uint64),
		lastCue:     make(map[string]time.Time),
		ackTimers:   make(map[string][]*time.Timer),
		now:         time.Now,
	}
}

// Publish broadcasts a state snapshot to every lane of the room and begins
// ACK tracking for it. Returns the version stamped on the payload; version 0
// with nil error means the publish was a no-op (no transport room).
func (e *SyncEngine) Publish(roomCode string, base BaseState, opts PublishOptions) (uint64, error) {
	room, ok := e.directory.Get(roomCode)
	if !ok {
		return 0, ErrRoomNotFound
	}
	room.Mu.Lock()
	defer room.Mu.Unlock()
	return e.publishLocked(room, base, opts)
}

// publishLocked is the publish path for callers already holding room.Mu
// (the intent pipeline publishes while processing).
func (e *SyncEngine) publishLocked(room *Room, base BaseState, opts PublishOptions) (uint64, error) {
	members, ok := e.transport.RoomMembership(room.Code)
	if !ok {
		// Nothing to deliver and nothing to resync later: without a
		// transport room there is no room state to lose.
		log.Printf("publish skipped room=%s reason=no_transport_room", room.Code)
		return 0, nil
	}

	// Transition detection runs against the previous payload's tag before
	// anything goes out, so one-shot notices precede the state they announce.
	if base.StateTag != room.StateTag {
		e.emitTransitionLocked(room, room.StateTag, base.StateTag, opts.Reason)
	}
	room.StateTag = base.StateTag

	version := opts.Version
	if version == 0 {
		room.Version++
		version = room.Version
	} else if version > room.Version {
		room.Version = version
	}
	now := e.now()

	generic := stampPayload(MergeView(base, nil), room.Code, version, now)
	e.storeSnapshot(room.Code, &snapshotRecord{
		Version: version,
		At:      now,
		Base:    base,
		Payload: generic,
	})

	expected := make(map[string]struct{}, len(members))
	referenceID := firstConnectedPlayerLocked(room)
	for connID := range members {
		role, known := e.registry.Role(connID)
		if !known {
			continue
		}
		switch role {
		case RoleHostControl:
			viewer := referenceID
			if viewer == "" {
				viewer = connID
			}
			e.transport.DeliverToConnection(connID, EventGameState, e.personalizedLocked(room, base, viewer, version, now))
		case RoleHostDisplay:
			// A display screen must never go blank because one viewer's
			// personalization throws; personalizedLocked already falls back
			// to the generic payload on error.
			e.transport.DeliverToConnection(connID, EventDisplayState, e.personalizedLocked(room, base, connID, version, now))
		default:
			e.transport.DeliverToConnection(connID, EventGameState, e.personalizedLocked(room, base, connID, version, now))
		}
		if e.transport.IsConnected(connID) {
			expected[connID] = struct{}{}
		}
	}
	e.trackAcks(room.Code, "state", version, expected)
	return version, nil
}

// reserveVersionLocked burns the next version number for the intent pipeline
// before effect application. The number is not returned to the pool if the
// effect fails: version gaps are harmless no-ops for clients.
func (e *SyncEngine) reserveVersionLocked(room *Room) uint64 {
	room.Version++
	return room.Version
}

func (e *SyncEngine) personalizedLocked(room *Room, base BaseState, viewerID string, version uint64, at time.Time) map[string]any {
	if room.Game == nil {
		return stampPayload(MergeView(base, nil), room.Code, version, at)
	}
	overlay, err := clientViewSafe(room.Game, viewerID)
	if err != nil {
		log.Printf("personalization failed room=%s conn=%s error=%v", room.Code, viewerID, err)
		overlay = nil
	}
	return stampPayload(MergeView(base, overlay), room.Code, version, at)
}

func (e *SyncEngine) emitTransitionLocked(room *Room, fromTag, toTag, reason string) {
	tr, changed := room.FSM.Observe(toTag, reason)
	if !changed {
		return
	}
	if tr.To == PhaseRound {
		e.transport.DeliverToRoom(room.Code, EventRoundStarted, map[string]any{
			"room_code": room.Code,
			"round":     tr.Round,
			"state":     toTag,
		})
	}
	if tr.From == PhaseRound {
		e.transport.DeliverToRoom(room.Code, EventRoundEnded, map[string]any{
			"room_code": room.Code,
			"round":     tr.Round,
			"state":     toTag,
		})
	}
	e.transport.DeliverToRoom(room.Code, EventFSMTransition, tr)

	// Sound cue is debounced: duplicate publishes for the same logical
	// transition must not double-fire audio.
	now := e.now()
	e.mu.Lock()
	last := e.lastCue[room.Code]
	fire := now.Sub(last) >= e.cueDebounce
	if fire {
		e.lastCue[room.Code] = now
	}
	e.mu.Unlock()
	if fire {
		e.transport.DeliverToRoom(room.Code, EventSoundCue, map[string]any{
			"room_code": room.Code,
			"cue":       string(tr.To),
		})
	}
	log.Printf("state transition room=%s from=%s to=%s phase=%s", room.Code, fromTag, toTag, tr.To)
}

// PublishToRole delivers a payload to every connection of one role lane.
func (e *SyncEngine) PublishToRole(roomCode string, role Role, event string, payload any) {
	for _, connID := range e.registry.ConnectionsInRoom(roomCode, true) {
		if r, ok := e.registry.Role(connID); ok && r == role {
			e.transport.DeliverToConnection(connID, event, payload)
		}
	}
}

// PublishRoster versions and broadcasts the player roster on its own
// counter. Delivery is deferred one scheduling tick so a connection that
// just joined has time to settle into its transport room; if the group
// broadcast still appears to have missed members, they get a direct copy.
func (e *SyncEngine) PublishRoster(roomCode string) (uint64, error) {
	room, ok := e.directory.Get(roomCode)
	if !ok {
		return 0, ErrRoomNotFound
	}

	room.Mu.Lock()
	room.PlayerListVersion++
	version := room.PlayerListVersion
	entries := make([]map[string]any, 0, len(room.Players))
	names := make([]string, 0, len(room.Players))
	byName := make(map[string]*Player, len(room.Players))
	for _, p := range room.Players {
		key := p.Name + "|" + p.ConnID
		names = append(names, key)
		byName[key] = p
	}
	sort.Strings(names)
	for _, key := range names {
		p := byName[key]
		entries = append(entries, map[string]any{
			"name":      p.Name,
			"status":    string(p.Status),
			"score":     p.Score,
			"language":  p.Language,
			"connected": p.Status == StatusConnected,
		})
	}
	payload := map[string]any{
		"room_code":           roomCode,
		"player_list_version": version,
		"players":             entries,
		"count":               len(entries),
	}
	room.Mu.Unlock()

	e.mu.Lock()
	e.rosters[roomCode] = &rosterSnapshot{Version: version, Payload: payload, Count: len(entries)}
	e.mu.Unlock()

	timer := time.AfterFunc(e.rosterDefer, func() {
		members, ok := e.transport.RoomMembership(roomCode)
		if !ok {
			log.Printf("roster publish skipped room=%s reason=no_transport_room", roomCode)
			return
		}
		e.transport.DeliverToRoom(roomCode, EventRoomUpdate, payload)
		expected := make(map[string]struct{})
		for _, connID := range e.registry.ConnectionsInRoom(roomCode, true) {
			if _, joined := members[connID]; !joined {
				// Defensive redundancy: the group broadcast missed a bound
				// connection, hand it a direct copy.
				e.transport.DeliverToConnection(connID, EventRoomUpdate, payload)
			}
			expected[connID] = struct{}{}
		}
		e.trackAcks(roomCode, "roster", version, expected)
	})
	e.rememberTimer(roomCode, timer)
	return version, nil
}

// PublishSettings versions and broadcasts room settings on their own counter.
func (e *SyncEngine) PublishSettings(roomCode string) (uint64, error) {
	room, ok := e.directory.Get(roomCode)
	if !ok {
		return 0, ErrRoomNotFound
	}
	room.Mu.Lock()
	room.SettingsVersion++
	version := room.SettingsVersion
	payload := map[string]any{
		"room_code":        roomCode,
		"settings_version": version,
		"max_players":      room.Settings.MaxPlayers,
		"rounds":           room.Settings.Rounds,
		"language":         room.Settings.Language,
		"private":          room.Settings.Private,
	}
	room.Mu.Unlock()
	e.transport.DeliverToRoom(roomCode, EventRoomSettings, payload)
	return version, nil
}

// Acknowledge records that a connection received a specific version. A late
// ACK arriving after the miss check also clears the connection's missing
// entry for that version.
func (e *SyncEngine) Acknowledge(roomCode, connID string, version uint64, kind string) {
	if kind == "" {
		kind = "state"
	}
	e.mu.Lock()
	if byKey, ok := e.pending[roomCode]; ok {
		if conns, ok := byKey[ackKey{kind: kind, version: version}]; ok {
			delete(conns, connID)
		}
	}
	if kind == "state" {
		if byConn, ok := e.missing[roomCode]; ok {
			byConn[connID] = removeVersion(byConn[connID], version)
		}
	}
	e.mu.Unlock()
	e.registry.Touch(connID)
	e.directory.Touch(roomCode)
}

// PendingVersionCount reports how many published versions the connection has
// not confirmed yet, including ones already recorded as missing.
func (e *SyncEngine) PendingVersionCount(roomCode, connID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	count := 0
	for key, conns := range e.pending[roomCode] {
		if key.kind != "state" {
			continue
		}
		if _, ok := conns[connID]; ok {
			count++
		}
	}
	count += len(e.missing[roomCode][connID])
	return count
}

// Resync replays the caller's missed snapshots plus the latest roster,
// re-personalizing where possible. When a missed version has already left
// the retention window the caller gets a fresh full-state copy instead of
// incremental catch-up.
func (e *SyncEngine) Resync(roomCode, connID string, role Role) error {
	room, ok := e.directory.Get(roomCode)
	if !ok {
		return ErrRoomNotFound
	}
	room.Mu.Lock()
	defer room.Mu.Unlock()

	e.mu.Lock()
	missed := e.missing[roomCode][connID]
	if byConn, ok := e.missing[roomCode]; ok {
		delete(byConn, connID)
	}
	snaps := make(map[uint64]*snapshotRecord, len(e.snapshots[roomCode]))
	var latest *snapshotRecord
	for _, snap := range e.snapshots[roomCode] {
		snaps[snap.Version] = snap
		latest = snap
	}
	roster := e.rosters[roomCode]
	e.mu.Unlock()

	event := EventGameState
	if role == RoleHostDisplay {
		event = EventDisplayState
	}

	sort.Slice(missed, func(i, j int) bool { return missed[i] < missed[j] })
	gap := false
	delivered := uint64(0)
	for _, version := range missed {
		snap, ok := snaps[version]
		if !ok {
			gap = true
			continue
		}
		e.transport.DeliverToConnection(connID, event, e.personalizedLocked(room, snap.Base, connID, snap.Version, snap.At))
		delivered = snap.Version
	}
	if latest != nil && (gap || delivered < latest.Version) {
		e.transport.DeliverToConnection(connID, event, e.personalizedLocked(room, latest.Base, connID, latest.Version, latest.At))
	}
	if roster != nil {
		e.transport.DeliverToConnection(connID, EventRoomUpdate, roster.Payload)
	}
	log.Printf("resync served room=%s conn=%s missed=%d gap=%v", roomCode, connID, len(missed), gap)
	return nil
}

// StopRoom cancels outstanding timers and drops all sync state for the room.
// Safe to call for rooms whose ACK timers are still in flight: the late
// checks find nothing.
func (e *SyncEngine) StopRoom(roomCode string) {
	e.mu.Lock()
	for _, timer := range e.ackTimers[roomCode] {
		timer.Stop()
	}
	delete(e.ackTimers, roomCode)
	delete(e.snapshots, roomCode)
	delete(e.rosters, roomCode)
	delete(e.pending, roomCode)
	delete(e.missing, roomCode)
	delete(e.lastCue, roomCode)
	e.mu.Unlock()
	e.replay.Trim(roomCode)
}

// Snapshot returns the stored immutable snapshot for (room, version).
func (e *SyncEngine) Snapshot(roomCode string, version uint64) (map[string]any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, snap := range e.snapshots[roomCode] {
		if snap.Version == version {
			return snap.Payload, true
		}
	}
	return nil, false
}

// RosterSnapshot returns the latest stored roster payload and its version.
func (e *SyncEngine) RosterSnapshot(roomCode string) (map[string]any, uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	roster, ok := e.rosters[roomCode]
	if !ok {
		return nil, 0, false
	}
	return roster.Payload, roster.Version, true
}

func (e *SyncEngine) storeSnapshot(roomCode string, snap *snapshotRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := append(e.snapshots[roomCode], snap)
	if len(list) > e.retention {
		list = list[len(list)-e.retention:]
	}
	e.snapshots[roomCode] = list
}

func (e *SyncEngine) trackAcks(roomCode, kind string, version uint64, expected map[string]struct{}) {
	if len(expected) == 0 {
		return
	}
	e.mu.Lock()
	byKey, ok := e.pending[roomCode]
	if !ok {
		byKey = make(map[ackKey]map[string]struct{})
		e.pending[roomCode] = byKey
	}
	byKey[ackKey{kind: kind, version: version}] = expected
	e.mu.Unlock()

	timer := time.AfterFunc(e.ackDelay, func() {
		e.checkAcks(roomCode, kind, version)
	})
	e.rememberTimer(roomCode, timer)
}

// checkAcks runs once per publish, ~ackDelay after it. It never retries the
// send; it only records the laggards for later resync.
func (e *SyncEngine) checkAcks(roomCode, kind string, version uint64) {
	e.mu.Lock()
	key := ackKey{kind: kind, version: version}
	var laggards []string
	if byKey, ok := e.pending[roomCode]; ok {
		for connID := range byKey[key] {
			laggards = append(laggards, connID)
		}
		delete(byKey, key)
	}
	if kind == "state" {
		byConn, ok := e.missing[roomCode]
		if !ok {
			byConn = make(map[string][]uint64)
			e.missing[roomCode] = byConn
		}
		for _, connID := range laggards {
			byConn[connID] = append(byConn[connID], version)
		}
	}
	e.mu.Unlock()
	if len(laggards) > 0 {
		log.Printf("ack check room=%s kind=%s version=%d missing=%d", roomCode, kind, version, len(laggards))
	}
}

func (e *SyncEngine) rememberTimer(roomCode string, timer *time.Timer) {
	e.mu.Lock()
	timers := append(e.ackTimers[roomCode], timer)
	// Drop handles for timers that have long since fired.
	if len(timers) > 64 {
		timers = timers[len(timers)-64:]
	}
	e.ackTimers[roomCode] = timers
	e.mu.Unlock()
}

func removeVersion(versions []uint64, version uint64) []uint64 {
	out := versions[:0]
	for _, v := range versions {
		if v != version {
			out = append(out, v)
		}
	}
	return out
}

func firstConnectedPlayerLocked(room *Room) string {
	ids := make([]string, 0, len(room.Players))
	for id, p := range room.Players {
		if p.Status == StatusConnected {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return ""
	}
	sort.Strings(ids)
	return ids[0]
}

// clientViewSafe converts a panicking personalization into an error so one
// viewer's failure can never suppress delivery to others.
func clientViewSafe(g Game, viewerID string) (overlay *ViewerOverlay, err error) {
	defer func() {
		if r := recover(); r != nil {
			overlay = nil
			err = panicError{value: r}
		}
	}()
	return g.ClientView(viewerID)
}

type panicError struct {
	value any
}

func (p panicError) Error() string {
	return "personalization panic"
}
