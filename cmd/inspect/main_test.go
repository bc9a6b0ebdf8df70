package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	persistlog "voxelview.ai/internal/persistence/log"
	"voxelview.ai/internal/updates"
	"voxelview.ai/internal/voxel"
	"voxelview.ai/internal/voxel/store"
)

func recordFrames(t *testing.T, dir string, frames ...string) {
	t.Helper()
	// Digests come from a second store that applies the same frames.
	ref := store.New(store.Options{})
	ref.Place(voxel.Record{Pos: voxel.Pos{}, Color: voxel.MustColor("#FFFFFF"), Material: voxel.Solid, HasCollision: true})
	a, err := updates.NewApplier(ref, nil, nil)
	if err != nil {
		t.Fatalf("applier: %v", err)
	}
	l := persistlog.NewFrameLogger(dir)
	defer l.Close()
	for i, f := range frames {
		if _, err := a.ApplyMessage([]byte(f)); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		digest := fmt.Sprintf("%016x", ref.Digest())
		if err := l.WriteFrame(persistlog.Entry{Tick: uint64(i + 2), Digest: digest, Frame: json.RawMessage(f)}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
}

func TestReplayFramesVerifiesDigest(t *testing.T) {
	dir := t.TempDir()
	recordFrames(t, dir,
		`{"type":"VOXEL_DIFF","protocol_version":"0.1","tick":2,"diffs":[{"type":"place","x":1,"y":0,"z":0,"color":"#FF0000","material":"glass"}]}`,
		`{"type":"VOXEL_DIFF","protocol_version":"0.1","tick":3,"diffs":[{"type":"destroy","x":0,"y":0,"z":0}]}`,
	)

	s := store.New(store.Options{})
	s.Place(voxel.Record{Pos: voxel.Pos{}, Color: voxel.MustColor("#FFFFFF"), Material: voxel.Solid, HasCollision: true})
	n, last, err := replayFrames(s, dir, 1)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if n != 2 || last != 3 || s.Count() != 1 {
		t.Fatalf("n=%d last=%d count=%d", n, last, s.Count())
	}
}

func TestReplayFramesDetectsDivergence(t *testing.T) {
	dir := t.TempDir()
	recordFrames(t, dir,
		`{"type":"VOXEL_DIFF","protocol_version":"0.1","tick":2,"diffs":[{"type":"place","x":1,"y":0,"z":0,"color":"#FF0000","material":"glass"}]}`,
	)

	// Start from an empty world instead of the one the frames were recorded on.
	s := store.New(store.Options{})
	_, _, err := replayFrames(s, dir, 1)
	if err == nil || !strings.Contains(err.Error(), "digest mismatch at tick 2") {
		t.Fatalf("expected digest mismatch, got %v", err)
	}
}

func TestReplayFramesSkipsCoveredTicks(t *testing.T) {
	dir := t.TempDir()
	recordFrames(t, dir,
		`{"type":"VOXEL_DIFF","protocol_version":"0.1","tick":2,"diffs":[{"type":"place","x":1,"y":0,"z":0,"color":"#FF0000","material":"glass"}]}`,
	)
	s := store.New(store.Options{})
	n, last, err := replayFrames(s, dir, 5)
	if err != nil || n != 0 || last != 5 || s.Count() != 0 {
		t.Fatalf("n=%d last=%d count=%d err=%v", n, last, s.Count(), err)
	}
}
