// Package fetch retrieves the initial world snapshot over HTTP.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"voxelview.ai/internal/viewerproto"
)

// MaxSnapshotBytes caps the decoded snapshot body.
const MaxSnapshotBytes = 512 << 20

type Client struct {
	http *http.Client
}

func New(hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{http: hc}
}

// Snapshot GETs url and decodes a WORLD_SNAPSHOT body. zstd bodies are
// accepted when the server sets Content-Encoding: zstd.
func (c *Client) Snapshot(ctx context.Context, url string) (viewerproto.SnapshotResponse, error) {
	var snap viewerproto.SnapshotResponse
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return snap, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "zstd, identity")

	resp, err := c.http.Do(req)
	if err != nil {
		return snap, fmt.Errorf("fetch snapshot: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return snap, fmt.Errorf("fetch snapshot: status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var body io.Reader = resp.Body
	switch enc := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))); enc {
	case "", "identity":
	case "zstd":
		dec, err := zstd.NewReader(resp.Body)
		if err != nil {
			return snap, fmt.Errorf("fetch snapshot: zstd: %w", err)
		}
		defer dec.Close()
		body = dec
	default:
		return snap, fmt.Errorf("fetch snapshot: unsupported content encoding %q", enc)
	}

	raw, err := io.ReadAll(io.LimitReader(body, MaxSnapshotBytes+1))
	if err != nil {
		return snap, fmt.Errorf("fetch snapshot: read: %w", err)
	}
	if len(raw) > MaxSnapshotBytes {
		return snap, fmt.Errorf("fetch snapshot: body exceeds %d bytes", MaxSnapshotBytes)
	}
	return Decode(raw)
}

// Decode validates raw against the snapshot schema and decodes it.
func Decode(raw []byte) (viewerproto.SnapshotResponse, error) {
	var snap viewerproto.SnapshotResponse
	schema, err := viewerproto.Schema(viewerproto.SchemaSnapshot)
	if err != nil {
		return snap, err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return snap, fmt.Errorf("%s: %w", viewerproto.ErrProtoBadRequest, err)
	}
	if err := schema.Validate(doc); err != nil {
		return snap, fmt.Errorf("%s: %w", viewerproto.ErrProtoBadRequest, err)
	}
	if err := json.Unmarshal(raw, &snap); err != nil {
		return snap, fmt.Errorf("%s: %w", viewerproto.ErrProtoBadRequest, err)
	}
	if snap.ProtocolVersion != viewerproto.Version {
		return snap, fmt.Errorf("%s: got %q want %q", viewerproto.ErrProtoVersion, snap.ProtocolVersion, viewerproto.Version)
	}
	return snap, nil
}
