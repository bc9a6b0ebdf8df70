// Package feed is the viewer side of the push-based world update feed.
package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"voxelview.ai/internal/viewerproto"
)

const (
	handshakeTimeout = 10 * time.Second
	readTimeout      = 60 * time.Second
	writeTimeout     = 5 * time.Second
)

type Client struct {
	url      string
	worldID  string
	viewerID string
	log      *log.Logger

	dialer websocket.Dialer
}

func NewClient(url, worldID string, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Client{
		url:      url,
		worldID:  worldID,
		viewerID: "V_" + uuid.NewString(),
		log:      logger,
		dialer: websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
			ReadBufferSize:   64 * 1024,
			WriteBufferSize:  16 * 1024,
		},
	}
}

func (c *Client) ViewerID() string { return c.viewerID }

// Run connects, subscribes from sinceTick and forwards every VOXEL_DIFF frame
// to out, in arrival order. It blocks until ctx is done or the connection
// fails, and never drops a frame: a slow consumer stalls the reader.
func (c *Client) Run(ctx context.Context, sinceTick uint64, out chan<- []byte) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	sub := viewerproto.SubscribeMsg{
		Type:            viewerproto.TypeSubscribe,
		ProtocolVersion: viewerproto.Version,
		ViewerID:        c.viewerID,
		WorldID:         c.worldID,
		SinceTick:       sinceTick,
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("send SUBSCRIBE: %w", err)
	}
	c.log.Printf("feed: subscribed viewer=%s world=%s since=%d", c.viewerID, c.worldID, sinceTick)

	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
	})

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return io.EOF
			}
			return fmt.Errorf("read: %w", err)
		}
		base, err := viewerproto.DecodeBase(msg)
		if err != nil {
			c.log.Printf("feed: drop undecodable frame: %v", err)
			continue
		}
		switch base.Type {
		case viewerproto.TypeDiff:
			select {
			case out <- msg:
			case <-ctx.Done():
				return ctx.Err()
			}
		case viewerproto.TypeError:
			c.log.Printf("feed: server error: %s", msg)
		default:
			// Other frame types (agents, ticks) are not for the voxel store.
		}
	}
}

// RunForever calls Run until ctx is done, waiting delay between attempts.
// resume supplies the tick to subscribe from on each attempt.
func (c *Client) RunForever(ctx context.Context, delay time.Duration, resume func() uint64, out chan<- []byte) {
	for {
		err := c.Run(ctx, resume(), out)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, io.EOF) {
			c.log.Printf("feed: server closed the feed; reconnecting in %s", delay)
		} else {
			c.log.Printf("feed: %v; reconnecting in %s", err, delay)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}
