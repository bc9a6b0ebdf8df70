// Package pick answers "which voxel does this ray hit first" against the
// render batches of a store.
package pick

import (
	"fmt"
	"io"
	"log"
	"math"
	"strconv"
	"strings"

	"github.com/go-gl/mathgl/mgl64"

	"voxelview.ai/internal/metrics"
	"voxelview.ai/internal/voxel"
	"voxelview.ai/internal/voxel/batch"
)

// Source is the read side of a voxel store.
type Source interface {
	Batches() []*batch.Batch
	Get(p voxel.Pos) (voxel.Record, bool)
}

// Ray is a half-line. Dir need not be normalized. Far limits the hit
// distance in world units; 0 means unbounded.
type Ray struct {
	Origin mgl64.Vec3
	Dir    mgl64.Vec3
	Far    float64
}

type Hit struct {
	Pos      voxel.Pos
	Normal   voxel.Pos // outward normal of the entered face, one axis set to ±1
	Record   voxel.Record
	Distance float64
	Point    mgl64.Vec3
}

// Adjacent is the empty cell in front of the hit face.
func (h Hit) Adjacent() voxel.Pos { return h.Pos.Add(h.Normal) }

type Resolver struct {
	src     Source
	log     *log.Logger
	metrics *metrics.Metrics

	// Strict panics on a hit with no backing record instead of treating it as a miss.
	Strict bool
}

func NewResolver(src Source, logger *log.Logger, m *metrics.Metrics) *Resolver {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Resolver{src: src, log: logger, metrics: m}
}

// Resolve returns the nearest voxel hit by ray. Cubes containing the ray
// origin are not hit.
func (r *Resolver) Resolve(ray Ray) (Hit, bool) {
	if ray.Dir.Len() == 0 {
		r.metrics.Pick("miss")
		return Hit{}, false
	}
	dir := ray.Dir.Normalize()
	far := ray.Far
	if far <= 0 {
		far = math.Inf(1)
	}

	var (
		best     = math.Inf(1)
		bestPos  voxel.Pos
		bestAxis int
		bestSign int
		found    bool
	)
	for _, b := range r.src.Batches() {
		for _, p := range b.Positions() {
			c := mgl64.Vec3{float64(p.X), float64(p.Y), float64(p.Z)}
			t, axis, sign, ok := intersectCube(ray.Origin, dir, c)
			if !ok || t > far || t >= best {
				continue
			}
			best, bestPos, bestAxis, bestSign, found = t, p, axis, sign, true
		}
	}
	if !found {
		r.metrics.Pick("miss")
		return Hit{}, false
	}

	// Round the cube center back onto the grid before the record lookup.
	center := mgl64.Vec3{float64(bestPos.X), float64(bestPos.Y), float64(bestPos.Z)}
	cell := voxel.Pos{X: int(math.Round(center[0])), Y: int(math.Round(center[1])), Z: int(math.Round(center[2]))}
	rec, ok := r.src.Get(cell)
	if !ok {
		msg := fmt.Sprintf("pick: invariant violation: batch hit at %s has no record", cell)
		r.log.Print(msg)
		r.metrics.Pick("invalid")
		if r.Strict {
			panic(msg)
		}
		return Hit{}, false
	}

	var n voxel.Pos
	switch bestAxis {
	case 0:
		n.X = bestSign
	case 1:
		n.Y = bestSign
	default:
		n.Z = bestSign
	}
	r.metrics.Pick("hit")
	return Hit{
		Pos:      cell,
		Normal:   n,
		Record:   rec,
		Distance: best,
		Point:    ray.Origin.Add(dir.Mul(best)),
	}, true
}

// intersectCube is a slab test against the unit cube centered on c. It
// returns the entry distance, the entry axis and the sign of that face's
// outward normal.
func intersectCube(o, d, c mgl64.Vec3) (t float64, axis, sign int, ok bool) {
	tmin, tmax := math.Inf(-1), math.Inf(1)
	axis = -1
	for a := 0; a < 3; a++ {
		lo, hi := c[a]-0.5, c[a]+0.5
		if d[a] == 0 {
			if o[a] < lo || o[a] > hi {
				return 0, 0, 0, false
			}
			continue
		}
		inv := 1 / d[a]
		t1, t2 := (lo-o[a])*inv, (hi-o[a])*inv
		if t1 > t2 {
			t1, t2 = t2, t1
		}
		if t1 > tmin {
			tmin = t1
			axis = a
			sign = 1
			if d[a] > 0 {
				sign = -1
			}
		}
		if t2 < tmax {
			tmax = t2
		}
		if tmin > tmax {
			return 0, 0, 0, false
		}
	}
	if axis < 0 || tmin < 0 {
		return 0, 0, 0, false
	}
	return tmin, axis, sign, true
}

// ParseVec parses "x,y,z" as used by the debug endpoints and flags.
func ParseVec(s string) (mgl64.Vec3, error) {
	var v mgl64.Vec3
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return v, fmt.Errorf("vector %q: want x,y,z", s)
	}
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return v, fmt.Errorf("vector %q: %w", s, err)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return v, fmt.Errorf("vector %q: component %d is not finite", s, i)
		}
		v[i] = f
	}
	return v, nil
}
