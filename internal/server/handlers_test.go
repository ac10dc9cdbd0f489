package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"roomsync/internal/config"
	"roomsync/internal/room"
)

func TestCreateRoomAndInfo(t *testing.T) {
	_, ts := newTestServer(t)
	created := createRoom(t, ts)

	resp, err := ts.Client().Get(ts.URL + "/api/rooms/" + created.RoomCode)
	if err != nil {
		t.Fatal(err)
	}
	info := decodeBody(t, resp)
	if info["room_code"] != created.RoomCode {
		t.Fatalf("info for wrong room: %v", info)
	}
	if info["game_type"] != "trivia" {
		t.Fatalf("game type %v", info["game_type"])
	}
	if info["phase"] != "lobby" {
		t.Fatalf("new room should sit in the lobby, got %v", info["phase"])
	}
}

func TestCreateRoomRejectsUnknownGame(t *testing.T) {
	_, ts := newTestServer(t)
	resp := postJSON(t, ts, "/api/rooms", "", map[string]any{"game_type": "poker"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestCreateRoomValidatesBounds(t *testing.T) {
	_, ts := newTestServer(t)
	resp := postJSON(t, ts, "/api/rooms", "", map[string]any{
		"game_type":   "trivia",
		"max_players": 1,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("max_players=1 should fail validation, status %d", resp.StatusCode)
	}
}

func TestRoomInfoNotFound(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := ts.Client().Get(ts.URL + "/api/rooms/ZZZZ")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestHostEndpointsRequireToken(t *testing.T) {
	_, ts := newTestServer(t)
	created := createRoom(t, ts)

	resp := postJSON(t, ts, "/api/rooms/"+created.RoomCode+"/start", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token: status %d", resp.StatusCode)
	}

	resp = postJSON(t, ts, "/api/rooms/"+created.RoomCode+"/start", "wrong-token", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("bad token: status %d", resp.StatusCode)
	}
}

func TestHostTokenScopedToRoom(t *testing.T) {
	_, ts := newTestServer(t)
	first := createRoom(t, ts)
	second := createRoom(t, ts)

	resp := postJSON(t, ts, "/api/rooms/"+second.RoomCode+"/start", first.HostToken, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("token from another room accepted: status %d", resp.StatusCode)
	}
}

func TestUpdateSettingsBumpsSettingsVersion(t *testing.T) {
	srv, ts := newTestServer(t)
	created := createRoom(t, ts)

	resp := doJSON(t, ts, http.MethodPatch, "/api/rooms/"+created.RoomCode+"/settings", created.HostToken, map[string]any{
		"rounds":      5,
		"max_players": 12,
	})
	body := decodeBody(t, resp)
	if body["settings_version"] != float64(1) {
		t.Fatalf("settings_version %v", body["settings_version"])
	}

	rm, ok := srv.rooms.Get(created.RoomCode)
	if !ok {
		t.Fatal("room vanished")
	}
	rm.Mu.Lock()
	defer rm.Mu.Unlock()
	if rm.Settings.Rounds != 5 || rm.Settings.MaxPlayers != 12 {
		t.Fatalf("settings not applied: %+v", rm.Settings)
	}
}

func TestRegenerateHostTokenInvalidatesOld(t *testing.T) {
	_, ts := newTestServer(t)
	created := createRoom(t, ts)

	resp := postJSON(t, ts, "/api/rooms/"+created.RoomCode+"/host-token", created.HostToken, nil)
	body := decodeBody(t, resp)
	fresh, _ := body["host_token"].(string)
	if fresh == "" || fresh == created.HostToken {
		t.Fatalf("expected a new token, got %q", fresh)
	}

	resp = postJSON(t, ts, "/api/rooms/"+created.RoomCode+"/start", created.HostToken, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("old token survived regeneration: status %d", resp.StatusCode)
	}
}

func TestEndRoomTearsDown(t *testing.T) {
	srv, ts := newTestServer(t)
	created := createRoom(t, ts)

	resp := postJSON(t, ts, "/api/rooms/"+created.RoomCode+"/end", created.HostToken, nil)
	body := decodeBody(t, resp)
	if body["ended"] != true {
		t.Fatalf("end response %v", body)
	}
	if _, ok := srv.rooms.Get(created.RoomCode); ok {
		t.Fatal("room still in directory")
	}

	// Host token died with the room.
	if _, ok := srv.tokens.ResolveHostToken(created.HostToken); ok {
		t.Fatal("host token survived room end")
	}
}

func TestHostActionAdvancesGame(t *testing.T) {
	srv, ts := newTestServer(t)
	created := createRoom(t, ts)

	resp := postJSON(t, ts, "/api/rooms/"+created.RoomCode+"/start", created.HostToken, nil)
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/rooms/"+created.RoomCode+"/action", created.HostToken, map[string]any{
		"action": "advance",
	})
	body := decodeBody(t, resp)
	if body["version"] != float64(2) {
		t.Fatalf("version %v", body["version"])
	}

	// Trivia moved from question into reveal, so the canonical machine sits
	// in the scoreboard phase.
	rm, ok := srv.rooms.Get(created.RoomCode)
	if !ok {
		t.Fatal("room vanished")
	}
	if phase := rm.FSM.Phase(); phase != room.PhaseScoreboard {
		t.Fatalf("phase %v", phase)
	}

	// A second advance reopens the round.
	resp = postJSON(t, ts, "/api/rooms/"+created.RoomCode+"/action", created.HostToken, map[string]any{
		"action": "advance",
	})
	resp.Body.Close()
	if phase := rm.FSM.Phase(); phase != room.PhaseRound {
		t.Fatalf("phase after reopen %v", phase)
	}
}

func TestHostActionRejectsFailure(t *testing.T) {
	_, ts := newTestServer(t)
	created := createRoom(t, ts)

	// Advance before start: the game is still in its lobby.
	resp := postJSON(t, ts, "/api/rooms/"+created.RoomCode+"/action", created.HostToken, map[string]any{
		"action": "advance",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

// stubReadPersister implements the optional read-side extensions without
// being the GORM store.
type stubReadPersister struct {
	room.NopPersister
	scores []room.ScoreRow
	events []room.EventRow
}

func (s *stubReadPersister) TopScores(string, int) ([]room.ScoreRow, error) {
	return s.scores, nil
}

func (s *stubReadPersister) EventsSince(string, uint64) ([]room.EventRow, error) {
	return s.events, nil
}

func TestReadEndpointsAcceptAnyCapablePersister(t *testing.T) {
	stub := &stubReadPersister{
		scores: []room.ScoreRow{{PlayerName: "Ada", Score: 5}},
		events: []room.EventRow{{ID: "ev1", Version: 3}},
	}
	srv := New(nil, stub, config.Default())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	created := createRoom(t, ts)

	resp, err := ts.Client().Get(ts.URL + "/api/rooms/" + created.RoomCode + "/leaderboard")
	if err != nil {
		t.Fatal(err)
	}
	body := decodeBody(t, resp)
	scores, _ := body["scores"].([]any)
	if len(scores) != 1 {
		t.Fatalf("scores %v", body["scores"])
	}

	resp, err = ts.Client().Get(ts.URL + "/api/rooms/" + created.RoomCode + "/events?after=1")
	if err != nil {
		t.Fatal(err)
	}
	body = decodeBody(t, resp)
	if body["source"] != "store" {
		t.Fatalf("source %v", body["source"])
	}
}

func TestRoomEventsEmptyReplay(t *testing.T) {
	_, ts := newTestServer(t)
	created := createRoom(t, ts)

	resp, err := ts.Client().Get(ts.URL + "/api/rooms/" + created.RoomCode + "/events")
	if err != nil {
		t.Fatal(err)
	}
	body := decodeBody(t, resp)
	if body["source"] != "replay" {
		t.Fatalf("source %v", body["source"])
	}
}

func TestHealthz(t *testing.T) {
	_, ts := newTestServer(t)
	createRoom(t, ts)
	resp, err := ts.Client().Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	body := decodeBody(t, resp)
	if body["rooms"] != float64(1) {
		t.Fatalf("rooms %v", body["rooms"])
	}
}
