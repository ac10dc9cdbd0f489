package room

import (
	"testing"
	"time"
)

func TestDirectoryCreateAssignsUniqueCodes(t *testing.T) {
	d := NewDirectory(time.Hour)
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		rm := d.Create("host", "trivia", Settings{}, newStubGame("lobby"))
		if len(rm.Code) != 4 {
			t.Fatalf("code %q has wrong length", rm.Code)
		}
		if seen[rm.Code] {
			t.Fatalf("duplicate code %q", rm.Code)
		}
		seen[rm.Code] = true
	}
	if d.Count() != 50 {
		t.Fatalf("directory holds %d rooms", d.Count())
	}
}

func TestDirectoryRemoveDestroysGame(t *testing.T) {
	d := NewDirectory(time.Hour)
	g := newStubGame("question")
	rm := d.Create("host", "trivia", Settings{}, g)

	removed, ok := d.Remove(rm.Code)
	if !ok || removed.Code != rm.Code {
		t.Fatalf("remove failed: ok=%v", ok)
	}
	if _, ok := d.Get(rm.Code); ok {
		t.Fatal("room still resolvable after removal")
	}
	if _, ok := d.Remove(rm.Code); ok {
		t.Fatal("double remove should report not found")
	}
}

func TestDirectorySweepExpired(t *testing.T) {
	clock := newTestClock()
	d := NewDirectory(time.Hour)
	d.now = clock.Now

	stale := d.Create("host", "trivia", Settings{}, newStubGame("lobby"))
	clock.Advance(30 * time.Minute)
	fresh := d.Create("host", "trivia", Settings{}, newStubGame("lobby"))
	clock.Advance(45 * time.Minute)

	expired := d.SweepExpired()
	if len(expired) != 1 || expired[0] != stale.Code {
		t.Fatalf("expected only the stale room to expire, got %v", expired)
	}
	if _, ok := d.Get(fresh.Code); !ok {
		t.Fatal("fresh room must survive the sweep")
	}
}

func TestDirectoryTouchExtendsExpiry(t *testing.T) {
	clock := newTestClock()
	d := NewDirectory(time.Hour)
	d.now = clock.Now

	rm := d.Create("host", "trivia", Settings{}, newStubGame("lobby"))
	clock.Advance(50 * time.Minute)
	d.Touch(rm.Code)
	clock.Advance(30 * time.Minute)

	if expired := d.SweepExpired(); len(expired) != 0 {
		t.Fatalf("touched room expired: %v", expired)
	}
}
