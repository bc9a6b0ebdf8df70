package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/go-gl/mathgl/mgl32"

	"voxelview.ai/internal/metrics"
	"voxelview.ai/internal/voxel"
	"voxelview.ai/internal/voxel/batch"
)

// Releaser is told when a batch goes away so backend resources (instance
// buffers and the like) can be freed. The store never frees them itself.
type Releaser interface {
	ReleaseBatch(key voxel.BatchKey)
}

type Options struct {
	// Capacity per batch. 0 means batch.DefaultCapacity.
	Capacity int
	Logger   *log.Logger
	Releaser Releaser
	Metrics  *metrics.Metrics
}

// Store is the authoritative sparse voxel map plus its render batches.
//
// Every exported method runs to completion without suspending. The store has
// no lock: callers that mutate it from more than one goroutine must serialize
// access themselves.
type Store struct {
	voxels map[voxel.Pos]voxel.Record
	table  *batch.Table

	log      *log.Logger
	releaser Releaser
	metrics  *metrics.Metrics
	disposed bool

	// sum is the running total of recordHash over voxels.
	sum uint64
}

func New(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Store{
		voxels:   map[voxel.Pos]voxel.Record{},
		table:    batch.NewTable(opts.Capacity),
		log:      logger,
		releaser: opts.Releaser,
		metrics:  opts.Metrics,
	}
}

// Place inserts r, replacing whatever occupied r.Pos. When r's batch is full
// the placement is dropped, the store is left as it was and a *CapacityError
// is returned.
func (s *Store) Place(r voxel.Record) error {
	if s.disposed {
		return ErrDisposed
	}
	if !r.Material.Valid() {
		return fmt.Errorf("%w: material %d at %s", ErrInvalidRecord, uint8(r.Material), r.Pos)
	}
	key := r.Key()
	prev, hadPrev := s.voxels[r.Pos]

	// Replacing a voxel inside the same batch frees its slot first, so only a
	// different-key placement can be refused.
	if b := s.table.Get(key); b != nil && b.Full() && !(hadPrev && prev.Key() == key) {
		err := &CapacityError{Key: key, Pos: r.Pos, Capacity: b.Cap()}
		s.log.Printf("store: warning: %v", err)
		s.metrics.CapacityRejected()
		return err
	}

	if hadPrev {
		s.removeFromBatch(prev)
		s.sum -= recordHash(prev)
	}
	b, created := s.table.GetOrCreate(key)
	if _, ok := b.Insert(r.Pos); !ok {
		// Unreachable while the checks above hold.
		panic(fmt.Sprintf("store: insert %s into %s failed", r.Pos, key))
	}
	s.voxels[r.Pos] = r
	s.sum += recordHash(r)
	if created {
		s.metrics.SetBatches(s.table.Len())
	}
	s.metrics.SetVoxels(len(s.voxels))
	return nil
}

// DestroyAt removes the voxel at p. It reports false when p was empty.
func (s *Store) DestroyAt(p voxel.Pos) bool {
	r, ok := s.voxels[p]
	if !ok {
		return false
	}
	s.removeFromBatch(r)
	delete(s.voxels, p)
	s.sum -= recordHash(r)
	s.metrics.SetVoxels(len(s.voxels))
	return true
}

func (s *Store) removeFromBatch(r voxel.Record) {
	b := s.table.Get(r.Key())
	if b == nil || !b.Remove(r.Pos) {
		panic(fmt.Sprintf("store: %s missing from batch %s", r.Pos, r.Key()))
	}
}

// Op is the kind of an Update.
type Op uint8

const (
	OpPlace Op = iota + 1
	OpDestroy
)

func (o Op) String() string {
	switch o {
	case OpPlace:
		return "place"
	case OpDestroy:
		return "destroy"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Update is one validated place/destroy instruction. Destroy only reads Record.Pos.
type Update struct {
	Op     Op
	Record voxel.Record
}

// ApplyUpdates applies us in order. Rejected placements do not stop the
// sequence; they are joined into the returned error.
func (s *Store) ApplyUpdates(us []Update) (applied int, err error) {
	var errs []error
	for _, u := range us {
		switch u.Op {
		case OpPlace:
			if e := s.Place(u.Record); e != nil {
				errs = append(errs, e)
				continue
			}
		case OpDestroy:
			s.DestroyAt(u.Record.Pos)
		default:
			errs = append(errs, fmt.Errorf("%w: unknown op %s at %s", ErrInvalidRecord, u.Op, u.Record.Pos))
			continue
		}
		applied++
	}
	return applied, errors.Join(errs...)
}

// LoadWorld clears the store and places every record. Dropped records are
// reported through the joined error; the load itself never aborts.
func (s *Store) LoadWorld(records []voxel.Record) (placed int, err error) {
	s.Clear()
	var errs []error
	for _, r := range records {
		if e := s.Place(r); e != nil {
			errs = append(errs, e)
			continue
		}
		placed++
	}
	if len(errs) > 0 {
		s.log.Printf("store: load placed=%d dropped=%d", placed, len(errs))
	}
	return placed, errors.Join(errs...)
}

// Clear removes every voxel and batch, signalling release for each batch.
func (s *Store) Clear() {
	clear(s.voxels)
	s.sum = 0
	for _, k := range s.table.Drop() {
		if s.releaser != nil {
			s.releaser.ReleaseBatch(k)
		}
	}
	s.metrics.SetVoxels(0)
	s.metrics.SetBatches(0)
}

// Dispose clears the store and refuses further placements.
func (s *Store) Dispose() {
	s.Clear()
	s.disposed = true
}

func (s *Store) Get(p voxel.Pos) (voxel.Record, bool) {
	r, ok := s.voxels[p]
	return r, ok
}

// IsBlocked reports whether a colliding voxel occupies p.
func (s *Store) IsBlocked(p voxel.Pos) bool {
	r, ok := s.voxels[p]
	return ok && r.HasCollision
}

func (s *Store) Count() int      { return len(s.voxels) }
func (s *Store) BatchCount() int { return s.table.Len() }
func (s *Store) Capacity() int   { return s.table.Capacity() }

// Batch returns the batch for k, or nil. The batch must not be mutated.
func (s *Store) Batch(k voxel.BatchKey) *batch.Batch { return s.table.Get(k) }

// Batches returns every batch in key order. The batches must not be mutated.
func (s *Store) Batches() []*batch.Batch {
	out := make([]*batch.Batch, 0, s.table.Len())
	s.table.Each(func(b *batch.Batch) bool {
		out = append(out, b)
		return true
	})
	return out
}

// Locate returns the batch and slot holding p.
func (s *Store) Locate(p voxel.Pos) (*batch.Batch, int, bool) {
	r, ok := s.voxels[p]
	if !ok {
		return nil, -1, false
	}
	b := s.table.Get(r.Key())
	if b == nil {
		return nil, -1, false
	}
	i, ok := b.Slot(p)
	return b, i, ok
}

// BatchView is a detached copy of one batch, shaped for instance uploads.
type BatchView struct {
	Key        voxel.BatchKey
	Version    uint64
	Positions  []voxel.Pos
	Transforms []mgl32.Mat4
}

// Snapshot copies every batch in key order.
func (s *Store) Snapshot() []BatchView {
	out := make([]BatchView, 0, s.table.Len())
	s.table.Each(func(b *batch.Batch) bool {
		out = append(out, View(b))
		return true
	})
	return out
}

// View copies one batch.
func View(b *batch.Batch) BatchView {
	pos := make([]voxel.Pos, b.Len())
	copy(pos, b.Positions())
	return BatchView{
		Key:        b.Key(),
		Version:    b.Version(),
		Positions:  pos,
		Transforms: b.AppendTransforms(make([]mgl32.Mat4, 0, b.Len())),
	}
}

// Records returns every record ordered by Y, Z, then X.
func (s *Store) Records() []voxel.Record {
	out := make([]voxel.Record, 0, len(s.voxels))
	for _, r := range s.voxels {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Pos, out[j].Pos
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		if a.Z != b.Z {
			return a.Z < b.Z
		}
		return a.X < b.X
	})
	return out
}

// Digest fingerprints the record set independent of insertion order. It is
// kept up to date by every mutation.
func (s *Store) Digest() uint64 { return s.sum ^ uint64(len(s.voxels)) }

func recordHash(r voxel.Record) uint64 {
	var buf [30]byte
	binary.LittleEndian.PutUint64(buf[0:], uint64(int64(r.Pos.X)))
	binary.LittleEndian.PutUint64(buf[8:], uint64(int64(r.Pos.Y)))
	binary.LittleEndian.PutUint64(buf[16:], uint64(int64(r.Pos.Z)))
	binary.LittleEndian.PutUint32(buf[24:], uint32(r.Color))
	buf[28] = byte(r.Material)
	if r.HasCollision {
		buf[29] = 1
	}
	return xxhash.Sum64(buf[:])
}

// Check verifies that voxels and batches describe the same set.
func (s *Store) Check() error {
	total := 0
	var err error
	s.table.Each(func(b *batch.Batch) bool {
		if err = b.Check(); err != nil {
			return false
		}
		for _, p := range b.Positions() {
			r, ok := s.voxels[p]
			if !ok {
				err = fmt.Errorf("batch %s holds %s with no record", b.Key(), p)
				return false
			}
			if r.Key() != b.Key() {
				err = fmt.Errorf("record %s has key %s but sits in batch %s", p, r.Key(), b.Key())
				return false
			}
		}
		total += b.Len()
		return true
	})
	if err != nil {
		return err
	}
	if total != len(s.voxels) {
		return fmt.Errorf("batches hold %d positions, store holds %d records", total, len(s.voxels))
	}
	var sum uint64
	for _, r := range s.voxels {
		sum += recordHash(r)
	}
	if sum != s.sum {
		return fmt.Errorf("digest drifted: running %016x recomputed %016x", s.sum, sum)
	}
	return nil
}
