// Package render is the boundary to the drawing backend. The store only
// exposes dense batches; this package decides when a batch must be
// re-uploaded and how each material should look.
package render

import (
	"io"
	"log"

	"github.com/go-gl/mathgl/mgl32"

	"voxelview.ai/internal/metrics"
	"voxelview.ai/internal/voxel"
	"voxelview.ai/internal/voxel/batch"
)

// Hints are per-material draw settings.
type Hints struct {
	Opacity     float32
	Transparent bool
	Glow        float32
}

func HintsFor(m voxel.Material) Hints {
	switch m {
	case voxel.Solid:
		return Hints{Opacity: 1}
	case voxel.Glass:
		return Hints{Opacity: 0.4, Transparent: true}
	case voxel.Emissive:
		return Hints{Opacity: 1, Glow: 1}
	case voxel.Liquid:
		return Hints{Opacity: 0.7, Transparent: true}
	default:
		return Hints{Opacity: 1}
	}
}

// Instances is one batch ready for an instanced draw. Transforms is only
// valid for the duration of the Upload call.
type Instances struct {
	Key        voxel.BatchKey
	Version    uint64
	Color      mgl32.Vec3
	Hints      Hints
	Transforms []mgl32.Mat4
}

type Backend interface {
	Upload(inst Instances) error
	Release(key voxel.BatchKey)
}

// BatchSource is the read side of a voxel store.
type BatchSource interface {
	Batches() []*batch.Batch
}

// Syncer pushes changed batches to a Backend. It also serves as the store's
// release hook.
type Syncer struct {
	backend Backend
	log     *log.Logger
	metrics *metrics.Metrics

	uploaded map[voxel.BatchKey]uint64
	buf      []mgl32.Mat4
}

func NewSyncer(b Backend, logger *log.Logger, m *metrics.Metrics) *Syncer {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Syncer{
		backend:  b,
		log:      logger,
		metrics:  m,
		uploaded: map[voxel.BatchKey]uint64{},
	}
}

// Sync uploads every batch whose version moved since its last upload and
// returns how many were sent. Failed uploads are retried on the next call.
func (s *Syncer) Sync(src BatchSource) int {
	n := 0
	for _, b := range src.Batches() {
		k := b.Key()
		if v, ok := s.uploaded[k]; ok && v == b.Version() {
			continue
		}
		s.buf = b.AppendTransforms(s.buf[:0])
		r, g, bl := k.Color.RGB()
		err := s.backend.Upload(Instances{
			Key:        k,
			Version:    b.Version(),
			Color:      mgl32.Vec3{r, g, bl},
			Hints:      HintsFor(k.Material),
			Transforms: s.buf,
		})
		if err != nil {
			s.log.Printf("render: upload %s: %v", k, err)
			continue
		}
		s.uploaded[k] = b.Version()
		s.metrics.Upload()
		n++
	}
	return n
}

// ReleaseBatch forwards a store release to the backend.
func (s *Syncer) ReleaseBatch(k voxel.BatchKey) {
	delete(s.uploaded, k)
	s.backend.Release(k)
}

// LogBackend is a headless backend that only tracks what would be drawn.
type LogBackend struct {
	log       *log.Logger
	instances map[voxel.BatchKey]int
}

func NewLogBackend(logger *log.Logger) *LogBackend {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &LogBackend{log: logger, instances: map[voxel.BatchKey]int{}}
}

func (b *LogBackend) Upload(inst Instances) error {
	b.instances[inst.Key] = len(inst.Transforms)
	return nil
}

func (b *LogBackend) Release(k voxel.BatchKey) {
	delete(b.instances, k)
}

// DrawCalls is the number of live batches; Instances the total instance count.
func (b *LogBackend) DrawCalls() int { return len(b.instances) }

func (b *LogBackend) Instances() int {
	n := 0
	for _, c := range b.instances {
		n += c
	}
	return n
}

func (b *LogBackend) Report() {
	b.log.Printf("render: draw_calls=%d instances=%d", b.DrawCalls(), b.Instances())
}
