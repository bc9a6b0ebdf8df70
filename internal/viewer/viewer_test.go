package viewer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	persistlog "voxelview.ai/internal/persistence/log"
	"voxelview.ai/internal/render"
	"voxelview.ai/internal/viewerproto"
	"voxelview.ai/internal/voxel"
	"voxelview.ai/internal/voxel/pick"
)

func startViewer(t *testing.T) (*Viewer, *render.LogBackend, context.CancelFunc, <-chan error) {
	t.Helper()
	backend := render.NewLogBackend(nil)
	v, err := New(Options{Backend: backend})
	if err != nil {
		t.Fatalf("new viewer: %v", err)
	}
	rep := v.Load(viewerproto.SnapshotResponse{
		Type:            viewerproto.TypeSnapshot,
		ProtocolVersion: viewerproto.Version,
		WorldID:         "OVERWORLD",
		Tick:            10,
		Voxels: []viewerproto.VoxelJSON{
			{X: 0, Y: 0, Z: 0, Color: "#FF0000", Material: "solid", HasCollision: true},
			{X: 1, Y: 0, Z: 0, Color: "#FF0000", Material: "solid", HasCollision: true},
		},
	})
	if len(rep.Rejected) != 0 {
		t.Fatalf("load rejected: %+v", rep.Rejected)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- v.Run(ctx, 5*time.Millisecond) }()
	t.Cleanup(cancel)
	return v, backend, cancel, done
}

func TestViewerAppliesFeedFrames(t *testing.T) {
	v, _, _, _ := startViewer(t)
	if v.LastTick() != 10 {
		t.Fatalf("tick: got %d want 10", v.LastTick())
	}

	v.Diffs() <- []byte(`{"type":"VOXEL_DIFF","protocol_version":"0.1","tick":11,"diffs":[
		{"type":"place","x":2,"y":0,"z":0,"color":"#00FF00","material":"glass","has_collision":false},
		{"type":"destroy","x":0,"y":0,"z":0}
	]}`)

	ctx := context.Background()
	deadline := time.Now().Add(2 * time.Second)
	for {
		info, err := v.Voxel(ctx, voxel.Pos{X: 2})
		if err != nil {
			t.Fatalf("voxel: %v", err)
		}
		if info.Present {
			if info.Blocked {
				t.Fatalf("glass placed without collision should not block")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("diff never applied")
		}
		time.Sleep(5 * time.Millisecond)
	}

	info, err := v.Voxel(ctx, voxel.Pos{})
	if err != nil {
		t.Fatalf("voxel: %v", err)
	}
	if info.Present || info.Blocked {
		t.Fatalf("destroyed voxel still present: %+v", info)
	}
	if v.LastTick() != 11 {
		t.Fatalf("tick: got %d want 11", v.LastTick())
	}

	st, err := v.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Voxels != 2 || len(st.Batches) != 2 || len(st.Digest) != 16 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestViewerPickAndSync(t *testing.T) {
	v, backend, _, _ := startViewer(t)

	hit, ok, err := v.Pick(context.Background(), pick.Ray{
		Origin: mgl64.Vec3{1, 5, 0},
		Dir:    mgl64.Vec3{0, -1, 0},
	})
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if !ok || hit.Pos != (voxel.Pos{X: 1}) || hit.Normal != (voxel.Pos{Y: 1}) {
		t.Fatalf("unexpected hit %+v ok=%v", hit, ok)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		var calls, inst int
		if err := v.Do(context.Background(), func() { calls, inst = backend.DrawCalls(), backend.Instances() }); err != nil {
			t.Fatalf("do: %v", err)
		}
		if calls == 1 && inst == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("backend not synced: calls=%d instances=%d", calls, inst)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestViewerQueriesAfterStop(t *testing.T) {
	v, _, cancel, done := startViewer(t)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("run: got %v want context.Canceled", err)
	}
	if _, err := v.Voxel(context.Background(), voxel.Pos{}); !errors.Is(err, ErrStopped) {
		t.Fatalf("voxel after stop: got %v want ErrStopped", err)
	}
}

func TestViewerDropsBadFrame(t *testing.T) {
	v, _, _, _ := startViewer(t)
	v.Diffs() <- []byte(`{"type":"VOXEL_DIFF","protocol_version":"9.9","tick":99,"diffs":[]}`)
	st, err := v.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Voxels != 2 {
		t.Fatalf("voxels: got %d want 2", st.Voxels)
	}
	// The bad frame may still be queued; once it is drained the tick must not move.
	time.Sleep(20 * time.Millisecond)
	if v.LastTick() != 10 {
		t.Fatalf("tick moved on rejected frame: %d", v.LastTick())
	}
}

type memFrames struct{ entries []persistlog.Entry }

func (m *memFrames) WriteFrame(e persistlog.Entry) error {
	m.entries = append(m.entries, e)
	return nil
}

func TestViewerRecordsAppliedFrames(t *testing.T) {
	frames := &memFrames{}
	v, err := New(Options{FrameLog: frames})
	if err != nil {
		t.Fatalf("new viewer: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = v.Run(ctx, time.Second) }()

	v.Diffs() <- []byte(`{"type":"VOXEL_DIFF","protocol_version":"0.1","tick":4,"diffs":[
		{"type":"place","x":0,"y":0,"z":0,"color":"#123456","material":"solid"}
	]}`)
	v.Diffs() <- []byte(`not json`)

	deadline := time.Now().Add(2 * time.Second)
	for v.LastTick() != 4 {
		if time.Now().After(deadline) {
			t.Fatalf("frame never applied")
		}
		time.Sleep(5 * time.Millisecond)
	}
	var got []persistlog.Entry
	var digest string
	// Reading through the loop orders this after both frames were handled.
	for {
		if err := v.Do(ctx, func() {
			got = append(got[:0], frames.entries...)
			digest = formatDigest(v.store.Digest())
		}); err != nil {
			t.Fatalf("do: %v", err)
		}
		if len(v.diffs) == 0 {
			break
		}
	}
	if len(got) != 1 {
		t.Fatalf("entries: got %d want 1", len(got))
	}
	if got[0].Tick != 4 || got[0].Applied != 1 || got[0].Digest != digest {
		t.Fatalf("unexpected entry %+v (digest %s)", got[0], digest)
	}
}

func TestViewerQueryOutlivesCallerContext(t *testing.T) {
	v, _, _, _ := startViewer(t)

	block := make(chan struct{})
	blocked := make(chan struct{})
	go func() {
		_ = v.Do(context.Background(), func() {
			close(blocked)
			<-block
		})
	}()
	<-blocked

	type result struct {
		hit pick.Hit
		ok  bool
		err error
	}
	res := make(chan result, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	go func() {
		hit, ok, err := v.Pick(ctx, pick.Ray{Origin: mgl64.Vec3{1, 5, 0}, Dir: mgl64.Vec3{0, -1, 0}})
		res <- result{hit, ok, err}
	}()

	// The query is queued behind the blocked loop and must not give up when
	// its context expires, or it would read results still being written.
	select {
	case r := <-res:
		t.Fatalf("pick returned while loop was blocked: %+v", r)
	case <-time.After(60 * time.Millisecond):
	}
	close(block)

	select {
	case r := <-res:
		if r.err != nil || !r.ok || r.hit.Pos != (voxel.Pos{X: 1}) {
			t.Fatalf("unexpected pick %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pick never completed")
	}
}
