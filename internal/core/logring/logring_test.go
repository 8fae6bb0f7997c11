package logring

import (
	"encoding/json"
	"errors"
	"testing"
)

type entry struct {
	ID       int    `json:"id"`
	Category string `json:"category"`
}

// ─── Eviction ───────────────────────────────────────────────────────────────

func TestAppend_StaysWithinCapacity(t *testing.T) {
	r := New[entry](1000)

	for i := 0; i < 1200; i++ {
		r.Append(entry{ID: i})
	}

	if r.Len() > 1000 {
		t.Errorf("size = %d, want <= 1000", r.Len())
	}
}

func TestAppend_TrimsToHighWater(t *testing.T) {
	r := New[entry](1000)

	// The 1001st append is the first overflow: the head is trimmed to 800.
	for i := 0; i <= 1000; i++ {
		r.Append(entry{ID: i})
	}

	if r.Len() != 800 {
		t.Errorf("size after first trim = %d, want 800", r.Len())
	}
	snap := r.Snapshot()
	if snap[0].ID != 201 {
		t.Errorf("oldest surviving entry = %d, want 201", snap[0].ID)
	}
	if snap[len(snap)-1].ID != 1000 {
		t.Errorf("newest entry = %d, want 1000", snap[len(snap)-1].ID)
	}
	if r.Evicted() != 201 {
		t.Errorf("evicted = %d, want 201", r.Evicted())
	}
}

func TestAppend_SmallCapacity(t *testing.T) {
	r := New[int](5)
	for i := 0; i < 20; i++ {
		r.Append(i)
	}
	if r.Len() > 5 {
		t.Errorf("size = %d, want <= 5", r.Len())
	}
}

// ─── Queries ────────────────────────────────────────────────────────────────

func TestQuery_NewestFirstWithLimit(t *testing.T) {
	r := New[entry](100)
	for i := 0; i < 10; i++ {
		cat := "info"
		if i%2 == 0 {
			cat = "intrusion"
		}
		r.Append(entry{ID: i, Category: cat})
	}

	got := r.Query(func(e entry) bool { return e.Category == "intrusion" }, 3)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, want := range []int{8, 6, 4} {
		if got[i].ID != want {
			t.Errorf("got[%d].ID = %d, want %d", i, got[i].ID, want)
		}
	}
}

func TestQuery_ReturnsCopies(t *testing.T) {
	r := New[entry](10)
	r.Append(entry{ID: 1, Category: "a"})

	got := r.Query(nil, 0)
	got[0].Category = "mutated"

	if r.Snapshot()[0].Category != "a" {
		t.Error("query result aliases internal storage")
	}
}

func TestTail(t *testing.T) {
	r := New[int](10)
	for i := 0; i < 5; i++ {
		r.Append(i)
	}

	tail := r.Tail(3)
	if len(tail) != 3 || tail[0] != 2 || tail[2] != 4 {
		t.Errorf("Tail(3) = %v, want [2 3 4]", tail)
	}
	if got := r.Tail(100); len(got) != 5 {
		t.Errorf("Tail(100) len = %d, want 5", len(got))
	}
}

// ─── Persistence ────────────────────────────────────────────────────────────

func TestPersist_WritesNewestTail(t *testing.T) {
	var written []byte
	r := New[entry](1000).WithPersistence(500, func(raw []byte) error {
		written = raw
		return nil
	})

	for i := 0; i < 700; i++ {
		r.Append(entry{ID: i})
	}
	if err := r.Persist(); err != nil {
		t.Fatalf("Persist() error: %v", err)
	}

	var got []entry
	if err := json.Unmarshal(written, &got); err != nil {
		t.Fatalf("persisted payload not valid JSON: %v", err)
	}
	if len(got) != 500 {
		t.Fatalf("persisted %d entries, want 500", len(got))
	}
	if got[0].ID != 200 || got[499].ID != 699 {
		t.Errorf("persisted range [%d, %d], want [200, 699]", got[0].ID, got[499].ID)
	}
}

func TestPersist_PropagatesWriteError(t *testing.T) {
	wantErr := errors.New("disk full")
	r := New[int](10).WithPersistence(10, func([]byte) error { return wantErr })
	r.Append(1)

	if err := r.Persist(); !errors.Is(err, wantErr) {
		t.Errorf("Persist() error = %v, want %v", err, wantErr)
	}
}

func TestRestoreJSON_RoundTrip(t *testing.T) {
	var written []byte
	r := New[entry](1000).WithPersistence(500, func(raw []byte) error {
		written = raw
		return nil
	})
	for i := 0; i < 600; i++ {
		r.Append(entry{ID: i})
	}
	if err := r.Persist(); err != nil {
		t.Fatalf("Persist() error: %v", err)
	}

	// Reloading the 500-entry tail into a fresh log shrinks it: the
	// in-memory cap is larger than the persisted tail by design.
	r2 := New[entry](1000)
	if err := r2.RestoreJSON(written); err != nil {
		t.Fatalf("RestoreJSON() error: %v", err)
	}
	if r2.Len() != 500 {
		t.Errorf("restored size = %d, want 500", r2.Len())
	}
}

func TestRestoreJSON_EmptyIsNoop(t *testing.T) {
	r := New[entry](10)
	if err := r.RestoreJSON(nil); err != nil {
		t.Fatalf("RestoreJSON(nil) error: %v", err)
	}
	if r.Len() != 0 {
		t.Errorf("size = %d, want 0", r.Len())
	}
}
