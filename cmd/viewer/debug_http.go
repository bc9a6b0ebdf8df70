package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"voxelview.ai/internal/updates"
	"voxelview.ai/internal/viewer"
	"voxelview.ai/internal/viewerproto"
	"voxelview.ai/internal/voxel"
	"voxelview.ai/internal/voxel/pick"
)

type pickResponse struct {
	Hit      bool                   `json:"hit"`
	Voxel    *viewerproto.VoxelJSON `json:"voxel,omitempty"`
	Normal   *[3]int                `json:"normal,omitempty"`
	Adjacent *[3]int                `json:"adjacent,omitempty"`
	Distance float64                `json:"distance,omitempty"`
}

type voxelResponse struct {
	Present bool                   `json:"present"`
	Blocked bool                   `json:"blocked"`
	Voxel   *viewerproto.VoxelJSON `json:"voxel,omitempty"`
}

// registerDebug mounts read-only store queries. Every handler goes through
// the viewer loop so the store is never touched from the http goroutines.
func registerDebug(mux *http.ServeMux, v *viewer.Viewer) {
	mux.HandleFunc("/debug/stats", func(rw http.ResponseWriter, r *http.Request) {
		st, err := v.Stats(r.Context())
		if err != nil {
			writeErr(rw, err)
			return
		}
		writeJSON(rw, st)
	})
	mux.HandleFunc("/debug/voxel", func(rw http.ResponseWriter, r *http.Request) {
		p, err := queryPos(r)
		if err != nil {
			http.Error(rw, err.Error(), http.StatusBadRequest)
			return
		}
		info, err := v.Voxel(r.Context(), p)
		if err != nil {
			writeErr(rw, err)
			return
		}
		resp := voxelResponse{Present: info.Present, Blocked: info.Blocked}
		if info.Present {
			resp.Voxel = toJSON(info.Record)
		}
		writeJSON(rw, resp)
	})
	mux.HandleFunc("/debug/pick", func(rw http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		origin, err := pick.ParseVec(q.Get("origin"))
		if err != nil {
			http.Error(rw, err.Error(), http.StatusBadRequest)
			return
		}
		dir, err := pick.ParseVec(q.Get("dir"))
		if err != nil {
			http.Error(rw, err.Error(), http.StatusBadRequest)
			return
		}
		ray := pick.Ray{Origin: origin, Dir: dir}
		if s := q.Get("far"); s != "" {
			if ray.Far, err = strconv.ParseFloat(s, 64); err != nil {
				http.Error(rw, "far: "+err.Error(), http.StatusBadRequest)
				return
			}
		}
		hit, ok, err := v.Pick(r.Context(), ray)
		if err != nil {
			writeErr(rw, err)
			return
		}
		resp := pickResponse{Hit: ok}
		if ok {
			adj := hit.Adjacent()
			resp.Voxel = toJSON(hit.Record)
			resp.Normal = &[3]int{hit.Normal.X, hit.Normal.Y, hit.Normal.Z}
			resp.Adjacent = &[3]int{adj.X, adj.Y, adj.Z}
			resp.Distance = hit.Distance
		}
		writeJSON(rw, resp)
	})
}

func queryPos(r *http.Request) (voxel.Pos, error) {
	var p voxel.Pos
	q := r.URL.Query()
	for _, c := range []struct {
		name string
		dst  *int
	}{{"x", &p.X}, {"y", &p.Y}, {"z", &p.Z}} {
		n, err := strconv.Atoi(q.Get(c.name))
		if err != nil {
			return p, errors.New("bad " + c.name + ": " + err.Error())
		}
		*c.dst = n
	}
	return p, nil
}

func toJSON(r voxel.Record) *viewerproto.VoxelJSON {
	j := updates.RecordToJSON(r)
	return &j
}

func writeJSON(rw http.ResponseWriter, v any) {
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(v)
}

func writeErr(rw http.ResponseWriter, err error) {
	if errors.Is(err, viewer.ErrStopped) {
		http.Error(rw, err.Error(), http.StatusServiceUnavailable)
		return
	}
	http.Error(rw, err.Error(), http.StatusInternalServerError)
}
