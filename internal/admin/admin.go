// Package admin serves the plain HTTP surface next to /ws: health
// snapshots, text metrics, and the quarantine controls. Admin paths
// require the configured key (query or header) or a localhost caller;
// unauthorized requests get the same 404 as undefined paths.
package admin

import (
	"encoding/json"
	"html/template"
	"net"
	"net/http"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Nayuta-umeda/anim5s-server/internal/ident"
	"github.com/Nayuta-umeda/anim5s-server/internal/metrics"
	"github.com/Nayuta-umeda/anim5s-server/internal/store"
)

// ConnCounter reports the live connection count (implemented by ws.Hub).
type ConnCounter interface {
	Count() int
}

// Handler carries the process-wide state the endpoints report on.
type Handler struct {
	store    *store.Store
	metrics  *metrics.Metrics
	conns    ConnCounter
	adminKey string
}

// NewHandler wires the admin surface.
func NewHandler(st *store.Store, m *metrics.Metrics, conns ConnCounter, adminKey string) *Handler {
	return &Handler{store: st, metrics: m, conns: conns, adminKey: adminKey}
}

// Routes registers every admin and observability endpoint on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/metrics", h.handleMetrics)
	mux.HandleFunc("/admin/status", h.handleStatus)
	mux.HandleFunc("/admin/quarantine", h.handleQuarantine)
}

// healthSnapshot is the /health payload.
type healthSnapshot struct {
	UptimeMs        int64              `json:"uptimeMs"`
	Connections     int                `json:"connections"`
	RoomsInIndex    int                `json:"roomsInIndex"`
	RoomsOnDisk     int                `json:"roomsOnDisk"`
	CachedRooms     int                `json:"cachedRooms"`
	BackupCount     int                `json:"backupCount"`
	QuarantineCount int                `json:"quarantineCount"`
	DirtyRooms      int                `json:"dirtyRooms"`
	DataDir         string             `json:"dataDir"`
	LastError       *metrics.LastError `json:"lastError"`
	Memory          memorySnapshot     `json:"memory"`
	Goroutines      int                `json:"goroutines"`
	Counters        map[string]int64   `json:"counters"`
}

type memorySnapshot struct {
	HeapAllocBytes uint64 `json:"heapAllocBytes"`
	SysBytes       uint64 `json:"sysBytes"`
	NumGC          uint32 `json:"numGC"`
}

var healthTemplate = template.Must(template.New("health").Parse(`<!doctype html>
<html><head><title>anim5s health</title></head><body>
<h1>anim5s</h1>
<table border="1" cellpadding="4">
<tr><td>uptime (ms)</td><td>{{.UptimeMs}}</td></tr>
<tr><td>connections</td><td>{{.Connections}}</td></tr>
<tr><td>rooms in index</td><td>{{.RoomsInIndex}}</td></tr>
<tr><td>rooms on disk</td><td>{{.RoomsOnDisk}}</td></tr>
<tr><td>cached rooms</td><td>{{.CachedRooms}}</td></tr>
<tr><td>backups</td><td>{{.BackupCount}}</td></tr>
<tr><td>quarantined</td><td>{{.QuarantineCount}}</td></tr>
<tr><td>dirty rooms</td><td>{{.DirtyRooms}}</td></tr>
<tr><td>data dir</td><td>{{.DataDir}}</td></tr>
<tr><td>goroutines</td><td>{{.Goroutines}}</td></tr>
</table>
<h2>counters</h2>
<table border="1" cellpadding="4">
{{range $k, $v := .Counters}}<tr><td>{{$k}}</td><td>{{$v}}</td></tr>
{{end}}</table>
</body></html>
`))

func (h *Handler) snapshot() healthSnapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	dir := h.store.Dir()
	return healthSnapshot{
		UptimeMs:        h.metrics.Uptime().Milliseconds(),
		Connections:     h.conns.Count(),
		RoomsInIndex:    h.store.IndexCount(),
		RoomsOnDisk:     dir.RoomCountOnDisk(),
		CachedRooms:     h.store.CachedRooms(),
		BackupCount:     dir.BackupCount(),
		QuarantineCount: h.store.QuarantineCount(),
		DirtyRooms:      h.store.DirtyCount(),
		DataDir:         dir.Root(),
		LastError:       h.metrics.Last(),
		Memory: memorySnapshot{
			HeapAllocBytes: ms.HeapAlloc,
			SysBytes:       ms.Sys,
			NumGC:          ms.NumGC,
		},
		Goroutines: runtime.NumGoroutine(),
		Counters:   h.metrics.Counters(),
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := h.snapshot()
	if wantsHTML(r) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := healthTemplate.Execute(w, snap); err != nil {
			logrus.WithField("event", "health_render").WithError(err).Warn("health HTML render failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func wantsHTML(r *http.Request) bool {
	if r.URL.Query().Get("format") == "html" {
		return true
	}
	accept := r.Header.Get("Accept")
	htmlAt := strings.Index(accept, "text/html")
	if htmlAt < 0 {
		return false
	}
	jsonAt := strings.Index(accept, "application/json")
	return jsonAt < 0 || htmlAt < jsonAt
}

func (h *Handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.Write([]byte(h.metrics.Render(metrics.Gauges{
		Clients:     h.conns.Count(),
		RoomsCached: h.store.CachedRooms(),
		RoomsIndex:  h.store.IndexCount(),
		Quarantined: h.store.QuarantineCount(),
		DirtyRooms:  h.store.DirtyCount(),
	})))
}

// statusPayload is the extended /admin/status view.
type statusPayload struct {
	healthSnapshot
	Ops     map[string]metrics.OpStats `json:"ops"`
	Backups []string                   `json:"backups"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, statusPayload{
		healthSnapshot: h.snapshot(),
		Ops:            h.metrics.Ops(),
		Backups:        h.store.Dir().ListBackups(),
	})
}

type quarantineResponse struct {
	RoomID      string `json:"roomId"`
	Quarantined bool   `json:"quarantined"`
}

func (h *Handler) handleQuarantine(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		http.NotFound(w, r)
		return
	}

	id := ident.NormalizeRoomID(r.URL.Query().Get("roomId"))
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid roomId"})
		return
	}

	var on bool
	switch r.URL.Query().Get("mode") {
	case "on":
		on = true
	case "off":
		on = false
	case "toggle", "":
		on = !h.store.Quarantined(id)
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "mode must be on|off|toggle"})
		return
	}

	state, err := h.store.SetQuarantine(id, on)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "persist failed"})
		return
	}
	logrus.WithFields(logrus.Fields{
		"event":       "admin_quarantine",
		"roomId":      id,
		"quarantined": state,
		"remote":      r.RemoteAddr,
	}).Info("quarantine toggled by admin")
	writeJSON(w, http.StatusOK, quarantineResponse{RoomID: id, Quarantined: state})
}

// authorized accepts the configured admin key via query parameter or
// header; with no key configured only localhost callers pass.
func (h *Handler) authorized(r *http.Request) bool {
	if h.adminKey != "" {
		if r.URL.Query().Get("key") == h.adminKey {
			return true
		}
		if r.Header.Get("X-Admin-Key") == h.adminKey {
			return true
		}
		return false
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	switch host {
	case "127.0.0.1", "::1", "::ffff:127.0.0.1":
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
