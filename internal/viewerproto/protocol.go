package viewerproto

import "encoding/json"

// Version is the viewer feed protocol version.
const Version = "0.1"

// Message types.
const (
	TypeSubscribe = "SUBSCRIBE"
	TypeSnapshot  = "WORLD_SNAPSHOT"
	TypeDiff      = "VOXEL_DIFF"
	TypeError     = "ERROR"
)

// Diff kinds.
const (
	DiffPlace   = "place"
	DiffDestroy = "destroy"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
