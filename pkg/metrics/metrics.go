package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry accumulates in-process counters for the proxy. Outcomes are the
// terminal states of a gateway request: ok, forbidden, error.
type Registry struct {
	mu             sync.RWMutex
	endpoint       map[string]*EndpointStat
	outcome        map[string]int64
	denialReason   map[string]int64
	gauges         map[string]float64
	backendLatency LatencyStat
	uploads        int64
	uploadErrors   int64
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type LatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt      string                  `json:"generated_at"`
	Endpoints        map[string]EndpointStat `json:"endpoints"`
	Outcomes         map[string]int64        `json:"outcomes"`
	DenialReasons    map[string]int64        `json:"denial_reasons"`
	Gauges           map[string]float64      `json:"gauges"`
	BackendLatencyMS LatencyStat             `json:"backend_latency_ms"`
	Uploads          int64                   `json:"uploads_total"`
	UploadErrors     int64                   `json:"upload_errors_total"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:     map[string]*EndpointStat{},
		outcome:      map[string]int64{},
		denialReason: map[string]int64{},
		gauges:       map[string]float64{},
	}
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

func (r *Registry) IncOutcome(outcome string) {
	if outcome == "" {
		return
	}
	r.mu.Lock()
	r.outcome[outcome]++
	r.mu.Unlock()
}

func (r *Registry) IncDenial(reason string) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unspecified"
	}
	r.mu.Lock()
	r.denialReason[reason]++
	r.mu.Unlock()
}

func (r *Registry) ObserveBackendLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backendLatency.Count++
	r.backendLatency.TotalMS += ms
	r.backendLatency.LastMS = ms
	if ms > r.backendLatency.MaxMS {
		r.backendLatency.MaxMS = ms
	}
	r.backendLatency.AvgMS = float64(r.backendLatency.TotalMS) / float64(r.backendLatency.Count)
}

func (r *Registry) IncUpload(failed bool) {
	r.mu.Lock()
	r.uploads++
	if failed {
		r.uploadErrors++
	}
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:      time.Now().UTC().Format(time.RFC3339),
		Endpoints:        make(map[string]EndpointStat, len(r.endpoint)),
		Outcomes:         make(map[string]int64, len(r.outcome)),
		DenialReasons:    make(map[string]int64, len(r.denialReason)),
		Gauges:           make(map[string]float64, len(r.gauges)),
		BackendLatencyMS: r.backendLatency,
		Uploads:          r.uploads,
		UploadErrors:     r.uploadErrors,
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.outcome {
		out.Outcomes[k] = v
	}
	for k, v := range r.denialReason {
		out.DenialReasons[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP objproxy_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE objproxy_endpoint_count counter\n")
		for _, ep := range sortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "objproxy_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP objproxy_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE objproxy_endpoint_error_count counter\n")
		for _, ep := range sortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "objproxy_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP objproxy_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE objproxy_endpoint_avg_millis gauge\n")
		for _, ep := range sortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "objproxy_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, snap.Endpoints[ep].AverageMillis)
		}
		b.WriteString("# HELP objproxy_outcome_total gateway requests by outcome\n")
		b.WriteString("# TYPE objproxy_outcome_total counter\n")
		for _, outcome := range sortedKeys(snap.Outcomes) {
			fmt.Fprintf(b, "objproxy_outcome_total{outcome=%q} %d\n", outcome, snap.Outcomes[outcome])
		}
		b.WriteString("# HELP objproxy_denial_total access denials by reason\n")
		b.WriteString("# TYPE objproxy_denial_total counter\n")
		for _, reason := range sortedKeys(snap.DenialReasons) {
			fmt.Fprintf(b, "objproxy_denial_total{reason=%q} %d\n", reason, snap.DenialReasons[reason])
		}
		b.WriteString("# HELP objproxy_gauge operational gauges\n")
		b.WriteString("# TYPE objproxy_gauge gauge\n")
		for _, name := range sortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "objproxy_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		b.WriteString("# HELP objproxy_backend_latency_ms backend round-trip latency in ms\n")
		b.WriteString("# TYPE objproxy_backend_latency_ms gauge\n")
		fmt.Fprintf(b, "objproxy_backend_latency_ms{stat=%q} %d\n", "last", snap.BackendLatencyMS.LastMS)
		fmt.Fprintf(b, "objproxy_backend_latency_ms{stat=%q} %.3f\n", "avg", snap.BackendLatencyMS.AvgMS)
		fmt.Fprintf(b, "objproxy_backend_latency_ms{stat=%q} %d\n", "max", snap.BackendLatencyMS.MaxMS)
		b.WriteString("# HELP objproxy_uploads_total upload requests\n")
		b.WriteString("# TYPE objproxy_uploads_total counter\n")
		fmt.Fprintf(b, "objproxy_uploads_total %d\n", snap.Uploads)
		fmt.Fprintf(b, "objproxy_upload_errors_total %d\n", snap.UploadErrors)
		_, _ = w.Write([]byte(b.String()))
	}
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
