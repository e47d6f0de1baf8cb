package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/ervanalb/lens/pkg/core"
	"github.com/ervanalb/lens/pkg/ethernet"
	"github.com/ervanalb/lens/pkg/ip"
	"github.com/ervanalb/lens/pkg/layer"
	"github.com/ervanalb/lens/pkg/link"
	"github.com/ervanalb/lens/pkg/logging"
	"github.com/ervanalb/lens/pkg/stack"
	"github.com/ervanalb/lens/pkg/tcp"
)

// status serves and logs the state of a running graph. Everything it reads
// from layers is read inside the link's event loop.
type status struct {
	link    *link.Link
	graph   *layer.Graph
	started time.Time
}

type statsSnapshot struct {
	Timestamp   string                         `json:"ts"`
	Uptime      string                         `json:"uptime"`
	Layers      map[string]map[string]uint64   `json:"layers"`
	Connections map[string]int                 `json:"connections"`
	Synthesized map[string]uint64              `json:"synthesized"`
	Protocols   map[string][]ip.ProtoCount     `json:"protocols,omitempty"`
	MACs        map[string]map[string][]string `json:"macs,omitempty"`
	RT          map[string]uint64              `json:"rt"`
}

func newStatus(l *link.Link, g *layer.Graph) *status {
	return &status{link: l, graph: g, started: time.Now()}
}

func (s *status) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/connections", func(w http.ResponseWriter, r *http.Request) {
		conns, err := s.connections(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, conns)
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		snap, err := s.snapshot(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, snap)
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		logging.Warnf("status: encode response: %v", err)
	}
}

// connections lists the tracked connections of every splicer by layer name.
func (s *status) connections(ctx context.Context) (map[string][]tcp.ConnInfo, error) {
	out := make(map[string][]tcp.ConnInfo)
	err := s.link.Do(ctx, func() {
		for _, sp := range stack.Splicers(s.graph) {
			out[sp.Name()] = sp.Connections()
		}
	})
	return out, err
}

func (s *status) snapshot(ctx context.Context) (statsSnapshot, error) {
	snap := statsSnapshot{
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Uptime:      time.Since(s.started).Truncate(time.Second).String(),
		Layers:      make(map[string]map[string]uint64),
		Connections: make(map[string]int),
		Synthesized: make(map[string]uint64),
		Protocols:   make(map[string][]ip.ProtoCount),
		MACs:        make(map[string]map[string][]string),
	}
	err := s.link.Do(ctx, func() {
		for name, m := range stack.Metrics(s.graph) {
			snap.Layers[name] = m.Map()
		}
		s.graph.Walk(func(_ layer.Handle, _ int, l layer.Layer) {
			switch v := l.(type) {
			case *tcp.Splicer:
				snap.Connections[v.Name()] = v.Table().Len()
				snap.Synthesized[v.Name()] = v.Synthesized()
			case *ip.Layer:
				snap.Protocols[v.Name()] = v.Protocols()
			case *ethernet.Layer:
				snap.MACs[v.Name()] = v.SeenMACs()
			}
		})
	})
	if err != nil {
		return snap, err
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	snap.RT = map[string]uint64{
		"heap_alloc": ms.HeapAlloc,
		"heap_inuse": ms.HeapInuse,
		"goroutines": uint64(runtime.NumGoroutine()),
		"num_gc":     uint64(ms.NumGC),
	}
	return snap, nil
}

// serve runs the status endpoint until ctx is done.
func (s *status) serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logging.Infof("Status endpoint listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// report logs a one-line summary every interval until ctx is done.
func (s *status) report(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		snap, err := s.snapshot(ctx)
		if err != nil {
			return
		}
		logging.Infof("metrics: %s", formatSnapshot(s.link.Name(), snap))
	}
}

func formatSnapshot(root string, snap statsSnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "ts=%s up=%s", snap.Timestamp, snap.Uptime)
	for _, side := range []core.Side{core.Alice, core.Bob} {
		m := snap.Layers[root+"."+side.String()]
		fmt.Fprintf(&b, " | %s: in=%d/%d out=%d/%d err=%d", side,
			m["packets_read"], m["bytes_read"], m["packets_written"], m["bytes_written"], m["errors"])
	}
	names := make([]string, 0, len(snap.Connections))
	for name := range snap.Connections {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		m := snap.Layers[name]
		fmt.Fprintf(&b, " | %s: conns=%d syn=%d pass=%d err=%d", name,
			snap.Connections[name], snap.Synthesized[name], m["passthrough"], m["errors"])
	}
	fmt.Fprintf(&b, " | rt: heap=%dMi gor=%d gc=%d",
		snap.RT["heap_alloc"]/(1024*1024), snap.RT["goroutines"], snap.RT["num_gc"])
	return b.String()
}
