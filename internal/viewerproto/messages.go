package viewerproto

import "encoding/json"

// SUBSCRIBE (viewer -> world). First frame on the feed connection.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ViewerID        string `json:"viewer_id"`
	WorldID         string `json:"world_id,omitempty"`
	// Diffs at or before this tick are already covered by the snapshot.
	SinceTick uint64 `json:"since_tick,omitempty"`
}

// HTTP response for GET <snapshot_url>. The body may be zstd encoded.
type SnapshotResponse struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	WorldID         string      `json:"world_id"`
	Tick            uint64      `json:"tick"`
	Voxels          []VoxelJSON `json:"voxels"`
}

type VoxelJSON struct {
	X            int    `json:"x"`
	Y            int    `json:"y"`
	Z            int    `json:"z"`
	Color        string `json:"color"`
	Material     string `json:"material"`
	HasCollision bool   `json:"has_collision"`
}

// VOXEL_DIFF (world -> viewer). Diffs are applied in array order; each
// element is validated on its own so one bad entry does not sink the frame.
type DiffMsg struct {
	Type            string            `json:"type"`
	ProtocolVersion string            `json:"protocol_version"`
	Tick            uint64            `json:"tick"`
	Diffs           []json.RawMessage `json:"diffs"`
}

// Diff is one place/destroy instruction. Color and Material are required
// for place and ignored for destroy. HasCollision defaults to true.
type Diff struct {
	Type         string `json:"type"`
	X            int    `json:"x"`
	Y            int    `json:"y"`
	Z            int    `json:"z"`
	Color        string `json:"color,omitempty"`
	Material     string `json:"material,omitempty"`
	HasCollision *bool  `json:"has_collision,omitempty"`
}

// ERROR (world -> viewer).
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message,omitempty"`
}
