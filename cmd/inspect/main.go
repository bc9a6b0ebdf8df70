package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	persistlog "voxelview.ai/internal/persistence/log"
	"voxelview.ai/internal/persistence/snapshot"
	"voxelview.ai/internal/render"
	"voxelview.ai/internal/transport/fetch"
	"voxelview.ai/internal/updates"
	"voxelview.ai/internal/voxel/pick"
	"voxelview.ai/internal/voxel/store"
)

func main() {
	var (
		file     = flag.String("file", "", "snapshot file (.snap.zst)")
		url      = flag.String("url", "", "WORLD_SNAPSHOT endpoint to fetch instead of -file")
		save     = flag.String("save", "", "write the loaded world to this .snap.zst path")
		capacity = flag.Int("capacity", 0, "max voxels per render batch (0 = default)")
		origin   = flag.String("origin", "", "pick ray origin x,y,z")
		dir      = flag.String("dir", "", "pick ray direction x,y,z")
		replay   = flag.String("replay", "", "frames dir to replay on top of the snapshot, verifying digests")
	)
	flag.Parse()

	if (*file == "") == (*url == "") {
		fmt.Fprintln(os.Stderr, "exactly one of -file or -url is required")
		os.Exit(2)
	}

	s := store.New(store.Options{Capacity: *capacity})
	worldID, tick, err := load(s, strings.TrimSpace(*file), strings.TrimSpace(*url))
	if err != nil {
		fmt.Fprintln(os.Stderr, "load:", err)
		os.Exit(1)
	}
	if *replay != "" {
		n, last, err := replayFrames(s, *replay, tick)
		if err != nil {
			fmt.Fprintln(os.Stderr, "replay:", err)
			os.Exit(1)
		}
		fmt.Printf("replay ok: frames=%d ticks %d..%d\n", n, tick, last)
		tick = last
	}
	if err := s.Check(); err != nil {
		fmt.Fprintln(os.Stderr, "check:", err)
		os.Exit(1)
	}

	fmt.Printf("world=%s tick=%d voxels=%d batches=%d capacity=%d digest=%016x\n",
		worldID, tick, s.Count(), s.BatchCount(), s.Capacity(), s.Digest())
	for _, b := range s.Batches() {
		h := render.HintsFor(b.Key().Material)
		fmt.Printf("  %-22s n=%-7d fill=%5.1f%% opacity=%.2f transparent=%v glow=%.1f\n",
			b.Key(), b.Len(), 100*float64(b.Len())/float64(b.Cap()), h.Opacity, h.Transparent, h.Glow)
	}

	if *save != "" {
		snap := snapshot.FromRecords(worldID, tick, s.Records())
		if err := snapshot.WriteSnapshot(*save, snap); err != nil {
			fmt.Fprintln(os.Stderr, "save:", err)
			os.Exit(1)
		}
		fmt.Printf("saved %s\n", *save)
	}

	if *origin != "" || *dir != "" {
		o, err := pick.ParseVec(*origin)
		if err != nil {
			fmt.Fprintln(os.Stderr, "origin:", err)
			os.Exit(2)
		}
		d, err := pick.ParseVec(*dir)
		if err != nil {
			fmt.Fprintln(os.Stderr, "dir:", err)
			os.Exit(2)
		}
		hit, ok := pick.NewResolver(s, nil, nil).Resolve(pick.Ray{Origin: o, Dir: d})
		if !ok {
			fmt.Println("pick: miss")
			return
		}
		fmt.Printf("pick: %s %s/%s normal=%s adjacent=%s distance=%.3f\n",
			hit.Pos, hit.Record.Color, hit.Record.Material, hit.Normal, hit.Adjacent(), hit.Distance)
	}
}

func load(s *store.Store, file, url string) (worldID string, tick uint64, err error) {
	if file != "" {
		snap, err := snapshot.ReadSnapshot(file)
		if err != nil {
			return "", 0, err
		}
		recs, err := snap.Records()
		if err != nil {
			return "", 0, err
		}
		if _, err := s.LoadWorld(recs); err != nil {
			fmt.Fprintln(os.Stderr, "warning:", err)
		}
		return snap.Header.WorldID, snap.Header.Tick, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	resp, err := fetch.New(nil).Snapshot(ctx, url)
	if err != nil {
		return "", 0, err
	}
	a, err := updates.NewApplier(s, nil, nil)
	if err != nil {
		return "", 0, err
	}
	rep := a.LoadSnapshot(resp)
	for _, r := range rep.Rejected {
		fmt.Fprintln(os.Stderr, "warning:", r)
	}
	return resp.WorldID, resp.Tick, nil
}

// replayFrames applies recorded frames newer than fromTick and checks the
// digest after each one.
func replayFrames(s *store.Store, dir string, fromTick uint64) (n int, last uint64, err error) {
	files, err := persistlog.ListFiles(dir)
	if err != nil {
		return 0, fromTick, err
	}
	if len(files) == 0 {
		return 0, fromTick, fmt.Errorf("no frame logs in %s", dir)
	}
	a, err := updates.NewApplier(s, nil, nil)
	if err != nil {
		return 0, fromTick, err
	}
	last = fromTick
	for _, path := range files {
		err := persistlog.ReadFile(path, func(e persistlog.Entry) error {
			if e.Tick <= fromTick {
				return nil
			}
			if _, err := a.ApplyMessage(e.Frame); err != nil {
				return fmt.Errorf("tick %d: %w", e.Tick, err)
			}
			if got := fmt.Sprintf("%016x", s.Digest()); got != e.Digest {
				return fmt.Errorf("digest mismatch at tick %d: got=%s want=%s (file=%s)", e.Tick, got, e.Digest, filepath.Base(path))
			}
			n++
			last = e.Tick
			return nil
		})
		if err != nil {
			return n, last, err
		}
	}
	return n, last, nil
}
