// Package updates feeds snapshots and diff frames into a voxel store, in
// delivery order and without deduplication.
package updates

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"voxelview.ai/internal/metrics"
	"voxelview.ai/internal/viewerproto"
	"voxelview.ai/internal/voxel"
	"voxelview.ai/internal/voxel/store"
)

// Rejection is one diff that was skipped. Index is its position in the frame,
// or -1 for a snapshot voxel dropped by the store.
type Rejection struct {
	Index int
	Code  string
	Err   error
}

func (r Rejection) Error() string { return fmt.Sprintf("diff #%d: %s: %v", r.Index, r.Code, r.Err) }

type Report struct {
	Tick      uint64
	Placed    int
	Destroyed int
	// Destroy diffs that hit an empty cell. Not an error.
	Missed   int
	Rejected []Rejection
}

func (r Report) Applied() int { return r.Placed + r.Destroyed + r.Missed }

// Err joins every rejection, or returns nil.
func (r Report) Err() error {
	if len(r.Rejected) == 0 {
		return nil
	}
	errs := make([]error, len(r.Rejected))
	for i, rej := range r.Rejected {
		errs[i] = rej
	}
	return errors.Join(errs...)
}

type Applier struct {
	store   *store.Store
	log     *log.Logger
	metrics *metrics.Metrics

	msgSchema  *jsonschema.Schema
	diffSchema *jsonschema.Schema
}

func NewApplier(s *store.Store, logger *log.Logger, m *metrics.Metrics) (*Applier, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	msgSchema, err := viewerproto.Schema(viewerproto.SchemaDiffMsg)
	if err != nil {
		return nil, err
	}
	diffSchema, err := viewerproto.Schema(viewerproto.SchemaDiff)
	if err != nil {
		return nil, err
	}
	return &Applier{store: s, log: logger, metrics: m, msgSchema: msgSchema, diffSchema: diffSchema}, nil
}

// ApplyMessage applies one VOXEL_DIFF frame. An error means the envelope
// itself was unusable and nothing was applied; per-diff problems are in the
// report.
func (a *Applier) ApplyMessage(raw []byte) (Report, error) {
	var msg viewerproto.DiffMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Report{}, fmt.Errorf("%s: %w", viewerproto.ErrProtoBadRequest, err)
	}
	if msg.Type != viewerproto.TypeDiff {
		return Report{}, fmt.Errorf("%s: unexpected message type %q", viewerproto.ErrProtoBadRequest, msg.Type)
	}
	if msg.ProtocolVersion != viewerproto.Version {
		return Report{}, fmt.Errorf("%s: got %q want %q", viewerproto.ErrProtoVersion, msg.ProtocolVersion, viewerproto.Version)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Report{}, fmt.Errorf("%s: %w", viewerproto.ErrProtoBadRequest, err)
	}
	if err := a.msgSchema.Validate(doc); err != nil {
		return Report{}, fmt.Errorf("%s: %w", viewerproto.ErrProtoBadRequest, err)
	}
	rep := a.ApplyRaw(msg.Diffs)
	rep.Tick = msg.Tick
	return rep, nil
}

// ApplyRaw validates and applies each raw diff in order.
func (a *Applier) ApplyRaw(diffs []json.RawMessage) Report {
	var rep Report
	for i, raw := range diffs {
		u, code, err := a.decodeRaw(raw)
		if err != nil {
			a.reject(&rep, i, code, err)
			continue
		}
		a.apply(&rep, i, u)
	}
	return rep
}

// Apply applies already decoded diffs in order.
func (a *Applier) Apply(diffs []viewerproto.Diff) Report {
	var rep Report
	for i, d := range diffs {
		u, code, err := Decode(d)
		if err != nil {
			a.reject(&rep, i, code, err)
			continue
		}
		a.apply(&rep, i, u)
	}
	return rep
}

// LoadSnapshot replaces the store contents with the snapshot voxels.
// Malformed voxels and capacity drops are reported and skipped.
func (a *Applier) LoadSnapshot(snap viewerproto.SnapshotResponse) Report {
	rep := Report{Tick: snap.Tick}
	records := make([]voxel.Record, 0, len(snap.Voxels))
	for i, v := range snap.Voxels {
		r, err := RecordFromJSON(v)
		if err != nil {
			a.reject(&rep, i, viewerproto.ErrDiffBadValue, err)
			continue
		}
		records = append(records, r)
	}
	placed, err := a.store.LoadWorld(records)
	rep.Placed = placed
	if err != nil {
		for _, e := range unjoin(err) {
			code := viewerproto.ErrInternal
			if errors.Is(e, store.ErrBatchCapacityExceeded) {
				code = viewerproto.ErrBatchCapacity
			}
			rep.Rejected = append(rep.Rejected, Rejection{Index: -1, Code: code, Err: e})
			a.metrics.Diff(code)
		}
	}
	a.log.Printf("updates: snapshot tick=%d voxels=%d placed=%d rejected=%d batches=%d", snap.Tick, len(snap.Voxels), placed, len(rep.Rejected), a.store.BatchCount())
	return rep
}

func unjoin(err error) []error {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return j.Unwrap()
	}
	return []error{err}
}

func (a *Applier) apply(rep *Report, i int, u store.Update) {
	switch u.Op {
	case store.OpPlace:
		if err := a.store.Place(u.Record); err != nil {
			code := viewerproto.ErrInternal
			if errors.Is(err, store.ErrBatchCapacityExceeded) {
				code = viewerproto.ErrBatchCapacity
			}
			a.reject(rep, i, code, err)
			return
		}
		rep.Placed++
		a.metrics.Diff(viewerproto.DiffPlace)
	case store.OpDestroy:
		if a.store.DestroyAt(u.Record.Pos) {
			rep.Destroyed++
		} else {
			rep.Missed++
		}
		a.metrics.Diff(viewerproto.DiffDestroy)
	}
}

func (a *Applier) reject(rep *Report, i int, code string, err error) {
	rep.Rejected = append(rep.Rejected, Rejection{Index: i, Code: code, Err: err})
	a.metrics.Diff(code)
	a.log.Printf("updates: skip diff #%d code=%s: %v", i, code, err)
}

func (a *Applier) decodeRaw(raw json.RawMessage) (store.Update, string, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return store.Update{}, viewerproto.ErrDiffSchema, err
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return store.Update{}, viewerproto.ErrDiffSchema, errors.New("diff is not an object")
	}
	typ, _ := obj["type"].(string)
	if typ != viewerproto.DiffPlace && typ != viewerproto.DiffDestroy {
		return store.Update{}, viewerproto.ErrDiffBadType, fmt.Errorf("unknown diff type %v", obj["type"])
	}
	if typ == viewerproto.DiffPlace {
		for _, f := range []string{"color", "material"} {
			if _, ok := obj[f]; !ok {
				return store.Update{}, viewerproto.ErrDiffMissingField, fmt.Errorf("place diff missing %s", f)
			}
		}
	}
	if err := a.diffSchema.Validate(doc); err != nil {
		return store.Update{}, viewerproto.ErrDiffSchema, err
	}
	if typ == viewerproto.DiffDestroy {
		// Only the position matters; color, material and has_collision are ignored.
		var p struct{ X, Y, Z int }
		if err := json.Unmarshal(raw, &p); err != nil {
			return store.Update{}, viewerproto.ErrDiffSchema, err
		}
		return Decode(viewerproto.Diff{Type: typ, X: p.X, Y: p.Y, Z: p.Z})
	}
	var d viewerproto.Diff
	if err := json.Unmarshal(raw, &d); err != nil {
		return store.Update{}, viewerproto.ErrDiffSchema, err
	}
	return Decode(d)
}

// Decode turns a wire diff into a store update. The returned code says why
// a diff was refused.
func Decode(d viewerproto.Diff) (store.Update, string, error) {
	pos := voxel.Pos{X: d.X, Y: d.Y, Z: d.Z}
	switch d.Type {
	case viewerproto.DiffDestroy:
		return store.Update{Op: store.OpDestroy, Record: voxel.Record{Pos: pos}}, "", nil
	case viewerproto.DiffPlace:
	default:
		return store.Update{}, viewerproto.ErrDiffBadType, fmt.Errorf("unknown diff type %q", d.Type)
	}
	if strings.TrimSpace(d.Color) == "" || strings.TrimSpace(d.Material) == "" {
		return store.Update{}, viewerproto.ErrDiffMissingField, fmt.Errorf("place diff at %s needs color and material", pos)
	}
	c, err := voxel.ParseColor(d.Color)
	if err != nil {
		return store.Update{}, viewerproto.ErrDiffBadValue, err
	}
	m, err := voxel.ParseMaterial(d.Material)
	if err != nil {
		return store.Update{}, viewerproto.ErrDiffBadValue, err
	}
	coll := true
	if d.HasCollision != nil {
		coll = *d.HasCollision
	}
	return store.Update{
		Op:     store.OpPlace,
		Record: voxel.Record{Pos: pos, Color: c, Material: m, HasCollision: coll},
	}, "", nil
}

func RecordFromJSON(v viewerproto.VoxelJSON) (voxel.Record, error) {
	c, err := voxel.ParseColor(v.Color)
	if err != nil {
		return voxel.Record{}, err
	}
	m, err := voxel.ParseMaterial(v.Material)
	if err != nil {
		return voxel.Record{}, err
	}
	return voxel.Record{Pos: voxel.Pos{X: v.X, Y: v.Y, Z: v.Z}, Color: c, Material: m, HasCollision: v.HasCollision}, nil
}

func RecordToJSON(r voxel.Record) viewerproto.VoxelJSON {
	return viewerproto.VoxelJSON{
		X: r.Pos.X, Y: r.Pos.Y, Z: r.Pos.Z,
		Color:        r.Color.String(),
		Material:     r.Material.String(),
		HasCollision: r.HasCollision,
	}
}
