package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"voxelview.ai/internal/voxel"
)

const Version = 1

type Header struct {
	Version int    `json:"version"`
	WorldID string `json:"world_id"`
	Tick    uint64 `json:"tick"`
	Voxels  int    `json:"voxels"`
}

// SnapshotV1 is a captured voxel set: a JSON header line followed by a gob
// body, the whole file zstd compressed.
type SnapshotV1 struct {
	Header Header    `json:"header"`
	Voxels []VoxelV1 `json:"voxels"`
}

type VoxelV1 struct {
	X, Y, Z   int64
	Color     uint32
	Material  uint8
	Collision bool
}

func FromRecords(worldID string, tick uint64, records []voxel.Record) SnapshotV1 {
	snap := SnapshotV1{
		Header: Header{Version: Version, WorldID: worldID, Tick: tick, Voxels: len(records)},
		Voxels: make([]VoxelV1, len(records)),
	}
	for i, r := range records {
		snap.Voxels[i] = VoxelV1{
			X: int64(r.Pos.X), Y: int64(r.Pos.Y), Z: int64(r.Pos.Z),
			Color:     uint32(r.Color),
			Material:  uint8(r.Material),
			Collision: r.HasCollision,
		}
	}
	return snap
}

// Records converts the snapshot back. Unknown materials are an error.
func (s SnapshotV1) Records() ([]voxel.Record, error) {
	out := make([]voxel.Record, len(s.Voxels))
	for i, v := range s.Voxels {
		m := voxel.Material(v.Material)
		if !m.Valid() {
			return nil, fmt.Errorf("voxel %d: unknown material %d", i, v.Material)
		}
		out[i] = voxel.Record{
			Pos:          voxel.Pos{X: int(v.X), Y: int(v.Y), Z: int(v.Z)},
			Color:        voxel.Color(v.Color),
			Material:     m,
			HasCollision: v.Collision,
		}
	}
	return out, nil
}

func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	defer enc.Close()

	bw := bufio.NewWriterSize(enc, 256*1024)
	defer bw.Flush()

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}

	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	return nil
}

// ReadHeader decodes only the header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()

	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("header: %w", err)
	}
	return h, nil
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// Read header line (ignore it for now, gob also contains header).
	_, _ = br.ReadBytes('\n')

	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	if snap.Header.Version != Version {
		return snap, fmt.Errorf("snapshot version %d not supported", snap.Header.Version)
	}
	return snap, nil
}
