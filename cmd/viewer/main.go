package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"voxelview.ai/internal/config"
	"voxelview.ai/internal/metrics"
	persistlog "voxelview.ai/internal/persistence/log"
	"voxelview.ai/internal/persistence/snapshot"
	"voxelview.ai/internal/render"
	"voxelview.ai/internal/transport/feed"
	"voxelview.ai/internal/transport/fetch"
	"voxelview.ai/internal/viewer"
	"voxelview.ai/internal/viewerproto"
	"voxelview.ai/internal/voxel"
)

func main() {
	var (
		configPath   = flag.String("config", "", "path to viewer.yaml (optional)")
		worldID      = flag.String("world", "", "world id to subscribe to")
		snapshotURL  = flag.String("snapshot_url", "", "WORLD_SNAPSHOT endpoint")
		snapshotFile = flag.String("snapshot_file", "", "local .snap.zst to load instead of snapshot_url")
		feedURL      = flag.String("feed", "", "VOXEL_DIFF websocket url (\"-\" to disable)")
		capacity     = flag.Int("capacity", 0, "max voxels per render batch")
		metricsAddr  = flag.String("metrics_addr", "", "listen address for /metrics and /debug (empty to disable)")
		strictPick   = flag.Bool("strict_pick", false, "panic when a pick hits a voxel with no record")
		recordDir    = flag.String("record", "", "directory to record applied frames to (frames-*.jsonl.zst)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[viewer] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "world":
			cfg.WorldID = *worldID
		case "snapshot_url":
			cfg.SnapshotURL = *snapshotURL
		case "snapshot_file":
			cfg.SnapshotFile = *snapshotFile
		case "feed":
			cfg.FeedURL = *feedURL
		case "capacity":
			cfg.BatchCapacity = *capacity
		case "metrics_addr":
			cfg.MetricsAddr = *metricsAddr
		case "strict_pick":
			cfg.StrictPick = *strictPick
		case "record":
			cfg.FrameLogDir = *recordDir
		}
	})
	if cfg.FeedURL == "-" {
		cfg.FeedURL = ""
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("config: %v", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	m := metrics.New(reg)

	ctx, cancel := signalContext()
	defer cancel()

	v, backend, closeFrames, err := setup(ctx, logger, cfg, m)
	if err != nil {
		logger.Fatalf("%v", err)
	}
	defer closeFrames()

	if cfg.FeedURL != "" {
		fc := feed.NewClient(cfg.FeedURL, cfg.WorldID, logger)
		logger.Printf("feed %s viewer_id=%s", cfg.FeedURL, fc.ViewerID())
		go fc.RunForever(ctx, cfg.ReconnectDelay(), v.LastTick, v.Diffs())
	}

	var srv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
			rw.WriteHeader(200)
			_, _ = rw.Write([]byte("ok"))
		})
		registerDebug(mux, v)
		srv = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Printf("metrics listening on %s", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Printf("metrics: %v", err)
			}
		}()
	}

	go func() {
		t := time.NewTicker(10 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if st, err := v.Stats(ctx); err == nil {
					logger.Printf("tick=%d voxels=%d batches=%d digest=%s", st.Tick, st.Voxels, len(st.Batches), st.Digest)
				}
				_ = v.Do(ctx, backend.Report)
			}
		}
	}()

	_ = v.Run(ctx, cfg.FrameInterval())

	if srv != nil {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}
	logger.Printf("stopped at tick=%d", v.LastTick())
}

// setup reads the initial world, then builds the viewer around it. The frame
// log is opened only once the world loaded, so a failed start leaves no
// half-written log behind.
func setup(ctx context.Context, logger *log.Logger, cfg config.Config, m *metrics.Metrics) (*viewer.Viewer, *render.LogBackend, func(), error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	initial, err := readInitial(ctx, cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("initial snapshot: %w", err)
	}

	backend := render.NewLogBackend(logger)
	opts := viewer.Options{
		Capacity:   cfg.BatchCapacity,
		StrictPick: cfg.StrictPick,
		Backend:    backend,
		Logger:     logger,
		Metrics:    m,
	}
	closeFrames := func() {}
	if cfg.FrameLogDir != "" {
		frames := persistlog.NewFrameLogger(cfg.FrameLogDir)
		opts.FrameLog = frames
		closeFrames = func() {
			if err := frames.Close(); err != nil {
				logger.Printf("frame log close: %v", err)
			}
		}
	}
	v, err := viewer.New(opts)
	if err != nil {
		closeFrames()
		return nil, nil, nil, fmt.Errorf("viewer: %w", err)
	}
	initial.load(logger, v)
	if cfg.FrameLogDir != "" {
		logger.Printf("recording frames to %s", cfg.FrameLogDir)
	}
	return v, backend, closeFrames, nil
}

// initialWorld is a snapshot read from disk or fetched over http, not yet
// loaded into a store.
type initialWorld struct {
	source  string
	tick    uint64
	records []voxel.Record
	wire    *viewerproto.SnapshotResponse
}

func readInitial(ctx context.Context, cfg config.Config) (initialWorld, error) {
	if cfg.SnapshotFile != "" {
		snap, err := snapshot.ReadSnapshot(cfg.SnapshotFile)
		if err != nil {
			return initialWorld{}, err
		}
		if cfg.WorldID != "" && snap.Header.WorldID != cfg.WorldID {
			return initialWorld{}, fmt.Errorf("world id mismatch: config=%s snap=%s", cfg.WorldID, snap.Header.WorldID)
		}
		recs, err := snap.Records()
		if err != nil {
			return initialWorld{}, err
		}
		return initialWorld{source: filepath.Base(cfg.SnapshotFile), tick: snap.Header.Tick, records: recs}, nil
	}

	fctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	snap, err := fetch.New(nil).Snapshot(fctx, cfg.SnapshotURL)
	if err != nil {
		return initialWorld{}, err
	}
	if cfg.WorldID != "" && snap.WorldID != cfg.WorldID {
		return initialWorld{}, fmt.Errorf("world id mismatch: config=%s snap=%s", cfg.WorldID, snap.WorldID)
	}
	return initialWorld{source: cfg.SnapshotURL, tick: snap.Tick, wire: &snap}, nil
}

func (w initialWorld) load(logger *log.Logger, v *viewer.Viewer) {
	if w.wire != nil {
		if n := len(v.Load(*w.wire).Rejected); n > 0 {
			logger.Printf("snapshot tick=%d: %d voxels rejected", w.tick, n)
		}
		return
	}
	if _, err := v.LoadRecords(w.tick, w.records); err != nil {
		logger.Printf("snapshot %s: %v", w.source, err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
