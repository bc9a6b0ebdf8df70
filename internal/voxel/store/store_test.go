package store

import (
	"errors"
	"math/rand"
	"testing"

	"voxelview.ai/internal/voxel"
)

func rec(x, y, z int, color string, m voxel.Material, coll bool) voxel.Record {
	return voxel.Record{Pos: voxel.Pos{X: x, Y: y, Z: z}, Color: voxel.MustColor(color), Material: m, HasCollision: coll}
}

func mustCheck(t *testing.T, s *Store) {
	t.Helper()
	if err := s.Check(); err != nil {
		t.Fatalf("consistency: %v", err)
	}
}

type releaseRecorder struct{ keys []voxel.BatchKey }

func (r *releaseRecorder) ReleaseBatch(k voxel.BatchKey) { r.keys = append(r.keys, k) }

func TestPlaceGetDestroy(t *testing.T) {
	s := New(Options{})
	r := rec(0, 0, 0, "#FF0000", voxel.Solid, true)
	if err := s.Place(r); err != nil {
		t.Fatalf("place: %v", err)
	}
	got, ok := s.Get(r.Pos)
	if !ok || got != r {
		t.Fatalf("get: got %+v ok=%v want %+v", got, ok, r)
	}
	if !s.DestroyAt(r.Pos) {
		t.Fatalf("destroy: expected true")
	}
	if _, ok := s.Get(r.Pos); ok {
		t.Fatalf("voxel still present after destroy")
	}
	mustCheck(t, s)
}

func TestDestroyIsIdempotent(t *testing.T) {
	s := New(Options{})
	_ = s.Place(rec(1, 2, 3, "#00FF00", voxel.Glass, false))
	_ = s.Place(rec(4, 2, 3, "#00FF00", voxel.Glass, false))
	if !s.DestroyAt(voxel.Pos{X: 1, Y: 2, Z: 3}) {
		t.Fatalf("first destroy: expected true")
	}
	d1 := s.Digest()
	if s.DestroyAt(voxel.Pos{X: 1, Y: 2, Z: 3}) {
		t.Fatalf("second destroy: expected false")
	}
	if s.Digest() != d1 || s.Count() != 1 {
		t.Fatalf("state changed by no-op destroy")
	}
	mustCheck(t, s)
}

func TestPlaceOverPlace(t *testing.T) {
	s := New(Options{})
	p := voxel.Pos{X: 5}
	first := rec(5, 0, 0, "#FF0000", voxel.Solid, true)
	second := rec(5, 0, 0, "#0000FF", voxel.Solid, true)
	_ = s.Place(first)
	if err := s.Place(second); err != nil {
		t.Fatalf("place: %v", err)
	}
	if s.Count() != 1 {
		t.Fatalf("count: got %d want 1", s.Count())
	}
	got, _ := s.Get(p)
	if got.Color != second.Color {
		t.Fatalf("color: got %s want %s", got.Color, second.Color)
	}
	if b := s.Batch(first.Key()); b == nil || b.Contains(p) {
		t.Fatalf("first batch should exist and no longer contain %s", p)
	}
	if b := s.Batch(second.Key()); b == nil || !b.Contains(p) {
		t.Fatalf("second batch missing %s", p)
	}
	mustCheck(t, s)
}

func TestSwapDeleteReindexing(t *testing.T) {
	s := New(Options{})
	a, b, c := rec(0, 0, 0, "#AAAAAA", voxel.Solid, true), rec(1, 0, 0, "#AAAAAA", voxel.Solid, true), rec(2, 0, 0, "#AAAAAA", voxel.Solid, true)
	for _, r := range []voxel.Record{a, b, c} {
		_ = s.Place(r)
	}
	s.DestroyAt(a.Pos)
	bt, slot, ok := s.Locate(c.Pos)
	if !ok || slot != 0 {
		t.Fatalf("C slot: got %d ok=%v want 0", slot, ok)
	}
	if bt.Len() != 2 {
		t.Fatalf("batch count: got %d want 2", bt.Len())
	}
	if _, slot, _ := s.Locate(b.Pos); slot != 1 {
		t.Fatalf("B slot: got %d want 1", slot)
	}
	mustCheck(t, s)
}

func TestCapacityBoundary(t *testing.T) {
	const capacity = 16
	s := New(Options{Capacity: capacity})
	for i := 0; i < capacity; i++ {
		if err := s.Place(rec(i, 0, 0, "#123456", voxel.Solid, true)); err != nil {
			t.Fatalf("place %d: %v", i, err)
		}
	}
	before := s.Digest()
	err := s.Place(rec(capacity, 0, 0, "#123456", voxel.Solid, true))
	if !errors.Is(err, ErrBatchCapacityExceeded) {
		t.Fatalf("expected capacity error, got %v", err)
	}
	var ce *CapacityError
	if !errors.As(err, &ce) || ce.Capacity != capacity {
		t.Fatalf("expected *CapacityError with capacity %d, got %v", capacity, err)
	}
	if s.Count() != capacity || s.Digest() != before {
		t.Fatalf("rejected place changed the store")
	}
	// Other keys are unaffected.
	if err := s.Place(rec(capacity, 0, 0, "#654321", voxel.Solid, true)); err != nil {
		t.Fatalf("place other key: %v", err)
	}
	mustCheck(t, s)
}

func TestCapacityRejectKeepsPreviousOccupant(t *testing.T) {
	s := New(Options{Capacity: 1})
	_ = s.Place(rec(0, 0, 0, "#FF0000", voxel.Solid, true))
	_ = s.Place(rec(1, 0, 0, "#00FF00", voxel.Solid, true))
	err := s.Place(rec(1, 0, 0, "#FF0000", voxel.Solid, true))
	if !errors.Is(err, ErrBatchCapacityExceeded) {
		t.Fatalf("expected capacity error, got %v", err)
	}
	got, ok := s.Get(voxel.Pos{X: 1})
	if !ok || got.Color != voxel.MustColor("#00FF00") {
		t.Fatalf("previous occupant lost: %+v ok=%v", got, ok)
	}
	// Same key replacement on a full batch is allowed.
	if err := s.Place(rec(0, 0, 0, "#FF0000", voxel.Solid, false)); err != nil {
		t.Fatalf("same-key replace: %v", err)
	}
	if s.IsBlocked(voxel.Pos{}) {
		t.Fatalf("collision flag not replaced")
	}
	mustCheck(t, s)
}

func TestApplyUpdatesOrder(t *testing.T) {
	s := New(Options{})
	p := voxel.Pos{X: 1}
	n, err := s.ApplyUpdates([]Update{
		{Op: OpPlace, Record: rec(1, 0, 0, "#00FF00", voxel.Solid, true)},
		{Op: OpDestroy, Record: voxel.Record{Pos: p}},
		{Op: OpPlace, Record: rec(1, 0, 0, "#0000FF", voxel.Solid, true)},
	})
	if err != nil || n != 3 {
		t.Fatalf("apply: n=%d err=%v", n, err)
	}
	got, ok := s.Get(p)
	if !ok || got.Color != voxel.MustColor("#0000FF") || s.Count() != 1 {
		t.Fatalf("final state: %+v ok=%v count=%d", got, ok, s.Count())
	}
	mustCheck(t, s)
}

func TestApplyUpdatesContinuesPastRejections(t *testing.T) {
	s := New(Options{Capacity: 1})
	n, err := s.ApplyUpdates([]Update{
		{Op: OpPlace, Record: rec(0, 0, 0, "#FFFFFF", voxel.Solid, true)},
		{Op: OpPlace, Record: rec(1, 0, 0, "#FFFFFF", voxel.Solid, true)},
		{Op: Op(9), Record: rec(2, 0, 0, "#FFFFFF", voxel.Solid, true)},
		{Op: OpPlace, Record: rec(3, 0, 0, "#000000", voxel.Solid, true)},
	})
	if n != 2 {
		t.Fatalf("applied: got %d want 2", n)
	}
	if !errors.Is(err, ErrBatchCapacityExceeded) || !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("joined error missing causes: %v", err)
	}
	mustCheck(t, s)
}

func TestLoadWorldRoundTrip(t *testing.T) {
	in := []voxel.Record{
		rec(0, 0, 0, "#FF0000", voxel.Solid, true),
		rec(0, 1, 0, "#00FF00", voxel.Glass, false),
		rec(-3, 2, 7, "#0000FF", voxel.Emissive, true),
		rec(9, -4, 1, "#336699", voxel.Liquid, false),
	}
	s := New(Options{})
	_ = s.Place(rec(100, 100, 100, "#FFFFFF", voxel.Solid, true))
	placed, err := s.LoadWorld(in)
	if err != nil || placed != len(in) {
		t.Fatalf("load: placed=%d err=%v", placed, err)
	}
	if _, ok := s.Get(voxel.Pos{X: 100, Y: 100, Z: 100}); ok {
		t.Fatalf("load did not clear previous contents")
	}
	d := s.Digest()

	out := s.Records()
	s2 := New(Options{})
	if _, err := s2.LoadWorld(out); err != nil {
		t.Fatalf("reload: %v", err)
	}
	for _, r := range in {
		got, ok := s2.Get(r.Pos)
		if !ok || got != r {
			t.Fatalf("round trip %s: got %+v ok=%v want %+v", r.Pos, got, ok, r)
		}
	}
	if s2.Digest() != d {
		t.Fatalf("digest mismatch after round trip")
	}
	mustCheck(t, s2)
}

func TestLoadWorldReportsDrops(t *testing.T) {
	s := New(Options{Capacity: 2})
	placed, err := s.LoadWorld([]voxel.Record{
		rec(0, 0, 0, "#111111", voxel.Solid, true),
		rec(1, 0, 0, "#111111", voxel.Solid, true),
		rec(2, 0, 0, "#111111", voxel.Solid, true),
		rec(3, 0, 0, "#222222", voxel.Solid, true),
	})
	if placed != 3 || !errors.Is(err, ErrBatchCapacityExceeded) {
		t.Fatalf("load: placed=%d err=%v", placed, err)
	}
	if s.Count() != 3 {
		t.Fatalf("count: got %d want 3", s.Count())
	}
}

func TestClearReleasesBatches(t *testing.T) {
	rel := &releaseRecorder{}
	s := New(Options{Releaser: rel})
	_ = s.Place(rec(0, 0, 0, "#FF0000", voxel.Solid, true))
	_ = s.Place(rec(1, 0, 0, "#00FF00", voxel.Glass, true))
	s.Clear()
	if len(rel.keys) != 2 {
		t.Fatalf("released: got %d want 2", len(rel.keys))
	}
	if s.Count() != 0 || s.BatchCount() != 0 {
		t.Fatalf("clear left count=%d batches=%d", s.Count(), s.BatchCount())
	}
	s.Dispose()
	if err := s.Place(rec(0, 0, 0, "#FF0000", voxel.Solid, true)); !errors.Is(err, ErrDisposed) {
		t.Fatalf("expected ErrDisposed, got %v", err)
	}
}

func TestInvalidMaterialRejected(t *testing.T) {
	s := New(Options{})
	err := s.Place(voxel.Record{Material: voxel.Material(42)})
	if !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord, got %v", err)
	}
	if s.Count() != 0 {
		t.Fatalf("invalid record stored")
	}
}

func TestIsBlocked(t *testing.T) {
	s := New(Options{})
	_ = s.Place(rec(0, 0, 0, "#FF0000", voxel.Solid, true))
	_ = s.Place(rec(1, 0, 0, "#0000FF", voxel.Liquid, false))
	if !s.IsBlocked(voxel.Pos{}) {
		t.Fatalf("solid voxel should block")
	}
	if s.IsBlocked(voxel.Pos{X: 1}) || s.IsBlocked(voxel.Pos{X: 2}) {
		t.Fatalf("non-colliding or empty cell should not block")
	}
}

func TestSnapshotIsDetached(t *testing.T) {
	s := New(Options{})
	_ = s.Place(rec(0, 0, 0, "#FF0000", voxel.Solid, true))
	_ = s.Place(rec(1, 0, 0, "#FF0000", voxel.Solid, true))
	views := s.Snapshot()
	if len(views) != 1 || len(views[0].Positions) != 2 || len(views[0].Transforms) != 2 {
		t.Fatalf("unexpected snapshot %+v", views)
	}
	s.DestroyAt(voxel.Pos{})
	if views[0].Positions[0] != (voxel.Pos{}) {
		t.Fatalf("snapshot aliased batch storage")
	}
	if s.Batch(views[0].Key).Version() == views[0].Version {
		t.Fatalf("batch version did not advance")
	}
}

func TestRandomOpsKeepInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	colors := []voxel.Color{0xFF0000, 0x00FF00, 0x0000FF}
	s := New(Options{Capacity: 64})
	model := map[voxel.Pos]voxel.Record{}
	for i := 0; i < 5000; i++ {
		p := voxel.Pos{X: rng.Intn(10), Y: rng.Intn(4), Z: rng.Intn(10)}
		if rng.Intn(3) == 0 {
			got := s.DestroyAt(p)
			_, want := model[p]
			if got != want {
				t.Fatalf("op %d destroy %s: got %v want %v", i, p, got, want)
			}
			delete(model, p)
			continue
		}
		r := voxel.Record{
			Pos:          p,
			Color:        colors[rng.Intn(len(colors))],
			Material:     voxel.Materials()[rng.Intn(4)],
			HasCollision: rng.Intn(2) == 0,
		}
		if err := s.Place(r); err == nil {
			model[p] = r
		} else if !errors.Is(err, ErrBatchCapacityExceeded) {
			t.Fatalf("op %d: %v", i, err)
		}
		if i%250 == 0 {
			mustCheck(t, s)
		}
	}
	mustCheck(t, s)
	if s.Count() != len(model) {
		t.Fatalf("count: got %d want %d", s.Count(), len(model))
	}
	for p, want := range model {
		if got, _ := s.Get(p); got != want {
			t.Fatalf("%s: got %+v want %+v", p, got, want)
		}
	}
}
