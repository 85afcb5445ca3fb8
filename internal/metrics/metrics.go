// Package metrics provides in-memory counters, per-verb operation
// timings, and a last-error slot, rendered in Prometheus text format.
package metrics

import (
	"fmt"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

var sanitizePattern = regexp.MustCompile(`[^A-Za-z0-9_]`)

// Sanitize maps an arbitrary counter key onto the [A-Za-z0-9_] alphabet.
func Sanitize(key string) string {
	return sanitizePattern.ReplaceAllString(key, "_")
}

// LastError records the most recent internal error for health reporting.
type LastError struct {
	TS      int64  `json:"ts"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// OpStats accumulates duration statistics for one message verb.
type OpStats struct {
	SumMs   float64 `json:"sumMs"`
	Count   int64   `json:"count"`
	MaxMs   float64 `json:"maxMs"`
}

// Gauges carries point-in-time values supplied by the caller at render
// time; the metrics package itself only owns monotonic state.
type Gauges struct {
	Clients     int
	RoomsCached int
	RoomsIndex  int
	Quarantined int
	DirtyRooms  int
}

// Metrics is the process-wide metrics registry.
type Metrics struct {
	mu       sync.Mutex
	start    time.Time
	counters map[string]int64
	ops      map[string]*OpStats
	lastErr  *LastError
}

// New returns an empty registry with the uptime clock started.
func New() *Metrics {
	return &Metrics{
		start:    time.Now(),
		counters: make(map[string]int64),
		ops:      make(map[string]*OpStats),
	}
}

// Inc adds one to the counter for key. Keys are dot-separated, e.g.
// "msg.submit_frame.ok".
func (m *Metrics) Inc(key string) {
	m.mu.Lock()
	m.counters[key]++
	m.mu.Unlock()
}

// ObserveOp records the duration of one handled message.
func (m *Metrics) ObserveOp(verb string, d time.Duration) {
	ms := float64(d.Microseconds()) / 1000
	m.mu.Lock()
	st, ok := m.ops[verb]
	if !ok {
		st = &OpStats{}
		m.ops[verb] = st
	}
	st.SumMs += ms
	st.Count++
	if ms > st.MaxMs {
		st.MaxMs = ms
	}
	m.mu.Unlock()
}

// RecordError stores the most recent internal error and counts it.
func (m *Metrics) RecordError(code, message string) {
	m.mu.Lock()
	m.lastErr = &LastError{TS: time.Now().UnixMilli(), Code: code, Message: message}
	m.counters["error."+code]++
	m.mu.Unlock()
}

// Last returns a copy of the most recent recorded error, or nil.
func (m *Metrics) Last() *LastError {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastErr == nil {
		return nil
	}
	e := *m.lastErr
	return &e
}

// Counters returns a copy of the counter map.
func (m *Metrics) Counters() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.counters))
	for k, v := range m.counters {
		out[k] = v
	}
	return out
}

// Ops returns a copy of the per-verb duration stats.
func (m *Metrics) Ops() map[string]OpStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]OpStats, len(m.ops))
	for k, v := range m.ops {
		out[k] = *v
	}
	return out
}

// Uptime returns the time since the registry was created.
func (m *Metrics) Uptime() time.Duration { return time.Since(m.start) }

// Render produces the Prometheus text exposition: one line per counter
// with the family taken from the first key segment and the remainder as
// the key label, per-verb op-duration sum/count/max, and fixed gauges.
func (m *Metrics) Render(g Gauges) string {
	counters := m.Counters()
	ops := m.Ops()

	var b strings.Builder

	keys := make([]string, 0, len(counters))
	for k := range counters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		family, rest, found := strings.Cut(k, ".")
		if !found {
			fmt.Fprintf(&b, "anim5s_%s_total %d\n", Sanitize(family), counters[k])
			continue
		}
		fmt.Fprintf(&b, "anim5s_%s_total{key=%q} %d\n", Sanitize(family), Sanitize(rest), counters[k])
	}

	verbs := make([]string, 0, len(ops))
	for v := range ops {
		verbs = append(verbs, v)
	}
	sort.Strings(verbs)
	for _, v := range verbs {
		st := ops[v]
		label := Sanitize(v)
		fmt.Fprintf(&b, "anim5s_op_duration_ms_sum{verb=%q} %g\n", label, st.SumMs)
		fmt.Fprintf(&b, "anim5s_op_duration_ms_count{verb=%q} %d\n", label, st.Count)
		fmt.Fprintf(&b, "anim5s_op_duration_ms_max{verb=%q} %g\n", label, st.MaxMs)
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	fmt.Fprintf(&b, "anim5s_clients %d\n", g.Clients)
	fmt.Fprintf(&b, "anim5s_rooms_cached %d\n", g.RoomsCached)
	fmt.Fprintf(&b, "anim5s_rooms_index %d\n", g.RoomsIndex)
	fmt.Fprintf(&b, "anim5s_quarantined_rooms %d\n", g.Quarantined)
	fmt.Fprintf(&b, "anim5s_dirty_rooms %d\n", g.DirtyRooms)
	fmt.Fprintf(&b, "anim5s_rss_bytes %d\n", ms.Sys)

	return b.String()
}
