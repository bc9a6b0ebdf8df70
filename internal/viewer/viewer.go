// Package viewer runs the voxel store on a single loop goroutine. Feed
// frames, render frames and queries are all serialized through Run.
package viewer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync/atomic"
	"time"

	"voxelview.ai/internal/metrics"
	persistlog "voxelview.ai/internal/persistence/log"
	"voxelview.ai/internal/render"
	"voxelview.ai/internal/updates"
	"voxelview.ai/internal/viewerproto"
	"voxelview.ai/internal/voxel"
	"voxelview.ai/internal/voxel/pick"
	"voxelview.ai/internal/voxel/store"
)

var ErrStopped = errors.New("viewer stopped")

// FrameWriter records applied feed frames.
type FrameWriter interface {
	WriteFrame(e persistlog.Entry) error
}

type Options struct {
	Capacity   int
	StrictPick bool
	Backend    render.Backend
	Logger     *log.Logger
	Metrics    *metrics.Metrics
	FrameLog   FrameWriter
}

type Viewer struct {
	store   *store.Store
	applier *updates.Applier
	syncer  *render.Syncer
	picker  *pick.Resolver
	log     *log.Logger
	frames  FrameWriter

	diffs   chan []byte
	queries chan func()
	done    chan struct{}

	lastTick atomic.Uint64
}

func New(opts Options) (*Viewer, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	backend := opts.Backend
	if backend == nil {
		backend = render.NewLogBackend(logger)
	}
	syncer := render.NewSyncer(backend, logger, opts.Metrics)
	s := store.New(store.Options{
		Capacity: opts.Capacity,
		Logger:   logger,
		Releaser: syncer,
		Metrics:  opts.Metrics,
	})
	applier, err := updates.NewApplier(s, logger, opts.Metrics)
	if err != nil {
		return nil, err
	}
	picker := pick.NewResolver(s, logger, opts.Metrics)
	picker.Strict = opts.StrictPick
	return &Viewer{
		store:   s,
		applier: applier,
		syncer:  syncer,
		picker:  picker,
		log:     logger,
		frames:  opts.FrameLog,
		diffs:   make(chan []byte, 256),
		queries: make(chan func(), 16),
		done:    make(chan struct{}),
	}, nil
}

// Load replaces the world with snap. Call before Run.
func (v *Viewer) Load(snap viewerproto.SnapshotResponse) updates.Report {
	rep := v.applier.LoadSnapshot(snap)
	v.lastTick.Store(snap.Tick)
	v.log.Printf("viewer: loaded tick=%d voxels=%d batches=%d digest=%016x", snap.Tick, v.store.Count(), v.store.BatchCount(), v.store.Digest())
	return rep
}

// LoadRecords is Load for records that did not come over the wire.
func (v *Viewer) LoadRecords(tick uint64, records []voxel.Record) (int, error) {
	placed, err := v.store.LoadWorld(records)
	v.lastTick.Store(tick)
	v.log.Printf("viewer: loaded tick=%d voxels=%d batches=%d digest=%016x", tick, v.store.Count(), v.store.BatchCount(), v.store.Digest())
	return placed, err
}

// Diffs is where the feed delivers raw VOXEL_DIFF frames.
func (v *Viewer) Diffs() chan<- []byte { return v.diffs }

// LastTick is the newest tick applied, for resubscribing after a reconnect.
func (v *Viewer) LastTick() uint64 { return v.lastTick.Load() }

// Run owns the store until ctx is done. frame is the render sync interval.
func (v *Viewer) Run(ctx context.Context, frame time.Duration) error {
	defer close(v.done)
	defer v.store.Dispose()

	ticker := time.NewTicker(frame)
	defer ticker.Stop()

	v.syncer.Sync(v.store)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw := <-v.diffs:
			v.applyFrame(raw)
		case q := <-v.queries:
			q()
		case <-ticker.C:
			v.syncer.Sync(v.store)
		}
	}
}

func (v *Viewer) applyFrame(raw []byte) {
	rep, err := v.applier.ApplyMessage(raw)
	if err != nil {
		v.log.Printf("viewer: drop frame: %v", err)
		return
	}
	if rep.Tick > v.lastTick.Load() {
		v.lastTick.Store(rep.Tick)
	}
	if len(rep.Rejected) > 0 {
		v.log.Printf("viewer: tick=%d applied=%d rejected=%d", rep.Tick, rep.Applied(), len(rep.Rejected))
	}
	if v.frames != nil {
		err := v.frames.WriteFrame(persistlog.Entry{
			Tick:       rep.Tick,
			ReceivedMs: time.Now().UnixMilli(),
			Applied:    rep.Applied(),
			Rejected:   len(rep.Rejected),
			Digest:     formatDigest(v.store.Digest()),
			Frame:      raw,
		})
		if err != nil {
			v.log.Printf("viewer: frame log: %v", err)
		}
	}
}

// Do runs fn on the loop goroutine and waits for it. fn may touch anything the
// loop owns: the store and the render backend. ctx only bounds the wait for a
// queue slot; once fn is queued Do waits until it has run or the loop stopped,
// so results written by fn are safe to read after a nil error.
func (v *Viewer) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case v.queries <- func() { fn(); close(finished) }:
	case <-v.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-v.done:
		// Run has returned, so fn either finished or will never run.
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	}
}

func (v *Viewer) Pick(ctx context.Context, ray pick.Ray) (hit pick.Hit, ok bool, err error) {
	err = v.Do(ctx, func() { hit, ok = v.picker.Resolve(ray) })
	return hit, ok, err
}

type VoxelInfo struct {
	Record  voxel.Record
	Present bool
	Blocked bool
}

func (v *Viewer) Voxel(ctx context.Context, p voxel.Pos) (info VoxelInfo, err error) {
	err = v.Do(ctx, func() {
		info.Record, info.Present = v.store.Get(p)
		info.Blocked = v.store.IsBlocked(p)
	})
	return info, err
}

type BatchStat struct {
	Key      string `json:"key"`
	Count    int    `json:"count"`
	Capacity int    `json:"capacity"`
	Version  uint64 `json:"version"`
}

type Stats struct {
	Tick    uint64      `json:"tick"`
	Voxels  int         `json:"voxels"`
	Digest  string      `json:"digest"`
	Batches []BatchStat `json:"batches"`
}

func (v *Viewer) Stats(ctx context.Context) (st Stats, err error) {
	err = v.Do(ctx, func() { st = StatsOf(v.store, v.LastTick()) })
	return st, err
}

// StatsOf summarizes s. It must run where s is owned.
func StatsOf(s *store.Store, tick uint64) Stats {
	st := Stats{Tick: tick, Voxels: s.Count(), Digest: formatDigest(s.Digest())}
	for _, b := range s.Batches() {
		st.Batches = append(st.Batches, BatchStat{Key: b.Key().String(), Count: b.Len(), Capacity: b.Cap(), Version: b.Version()})
	}
	return st
}

func formatDigest(d uint64) string { return fmt.Sprintf("%016x", d) }
