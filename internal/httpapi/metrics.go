package httpapi

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/John-Robertt/subimport/internal/ingest"
	"github.com/John-Robertt/subimport/internal/logx"
)

// metricsStore holds a few process-wide counters rendered in the Prometheus
// text format.
type metricsStore struct {
	mu sync.Mutex

	httpRequestsTotal uint64
	httpByPattern     map[reqKey]uint64

	appErrors map[errKey]uint64

	imports map[importKey]uint64
	servers map[serverKey]uint64
}

type reqKey struct {
	Pattern string
	Status  int
}

type errKey struct {
	Stage string
	Code  string
}

type importKey struct {
	Source string
	Result string // ok|failed|unsupported
}

type serverKey struct {
	Source  string
	Outcome string // new|existing|error
}

func newMetricsStore() *metricsStore {
	return &metricsStore{
		httpByPattern: make(map[reqKey]uint64),
		appErrors:     make(map[errKey]uint64),
		imports:       make(map[importKey]uint64),
		servers:       make(map[serverKey]uint64),
	}
}

var metrics = newMetricsStore()

func metricsIncRequest(pattern string, status int) {
	if status == 0 {
		status = http.StatusOK
	}
	if pattern == "" {
		pattern = "(unknown)"
	}

	metrics.mu.Lock()
	metrics.httpRequestsTotal++
	metrics.httpByPattern[reqKey{Pattern: pattern, Status: status}]++
	metrics.mu.Unlock()
}

func metricsIncAppError(stage, code string) {
	stage = strings.TrimSpace(stage)
	code = strings.TrimSpace(code)
	if stage == "" {
		stage = "(unknown)"
	}
	if code == "" {
		code = "(unknown)"
	}

	metrics.mu.Lock()
	metrics.appErrors[errKey{Stage: stage, Code: code}]++
	metrics.mu.Unlock()
}

// ImportObserver records finished imports into the /metrics counters.
type ImportObserver struct{}

var _ ingest.Observer = ImportObserver{}

func (ImportObserver) ObserveImport(r ingest.Report) {
	result := "ok"
	switch {
	case r.Failed():
		result = "failed"
	case r.Unsupported:
		result = "unsupported"
	}

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	metrics.imports[importKey{Source: r.Source, Result: result}]++
	metrics.servers[serverKey{Source: r.Source, Outcome: "new"}] += uint64(r.New)
	metrics.servers[serverKey{Source: r.Source, Outcome: "existing"}] += uint64(r.Existing)
	metrics.servers[serverKey{Source: r.Source, Outcome: "error"}] += uint64(r.Errors)
}

type reqMetric struct {
	reqKey
	N uint64
}

type errMetric struct {
	errKey
	N uint64
}

type labeledMetric struct {
	A, B string
	N    uint64
}

func sortLabeled(ms []labeledMetric) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].A != ms[j].A {
			return ms[i].A < ms[j].A
		}
		return ms[i].B < ms[j].B
	})
}

func importSnapshot() (imports, servers []labeledMetric) {
	metrics.mu.Lock()
	defer metrics.mu.Unlock()

	for k, n := range metrics.imports {
		imports = append(imports, labeledMetric{A: k.Source, B: k.Result, N: n})
	}
	for k, n := range metrics.servers {
		servers = append(servers, labeledMetric{A: k.Source, B: k.Outcome, N: n})
	}
	sortLabeled(imports)
	sortLabeled(servers)
	return imports, servers
}

func metricsSnapshot() (httpTotal uint64, reqs []reqMetric, errs []errMetric) {
	metrics.mu.Lock()
	defer metrics.mu.Unlock()

	httpTotal = metrics.httpRequestsTotal

	reqs = make([]reqMetric, 0, len(metrics.httpByPattern))
	for k, n := range metrics.httpByPattern {
		reqs = append(reqs, reqMetric{reqKey: k, N: n})
	}
	errs = make([]errMetric, 0, len(metrics.appErrors))
	for k, n := range metrics.appErrors {
		errs = append(errs, errMetric{errKey: k, N: n})
	}

	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].Pattern != reqs[j].Pattern {
			return reqs[i].Pattern < reqs[j].Pattern
		}
		return reqs[i].Status < reqs[j].Status
	})
	sort.Slice(errs, func(i, j int) bool {
		if errs[i].Stage != errs[j].Stage {
			return errs[i].Stage < errs[j].Stage
		}
		return errs[i].Code < errs[j].Code
	})
	return httpTotal, reqs, errs
}

func handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")

	total, reqs, errs := metricsSnapshot()

	var b strings.Builder

	b.WriteString("# HELP subimport_http_requests_total Total HTTP requests.\n")
	b.WriteString("# TYPE subimport_http_requests_total counter\n")
	b.WriteString("subimport_http_requests_total ")
	b.WriteString(strconv.FormatUint(total, 10))
	b.WriteByte('\n')

	b.WriteString("# HELP subimport_http_requests_by_pattern_total HTTP requests by ServeMux pattern and status.\n")
	b.WriteString("# TYPE subimport_http_requests_by_pattern_total counter\n")
	for _, m := range reqs {
		b.WriteString("subimport_http_requests_by_pattern_total{pattern=\"")
		b.WriteString(promLabelEscape(m.Pattern))
		b.WriteString("\",status=\"")
		b.WriteString(strconv.Itoa(m.Status))
		b.WriteString("\"} ")
		b.WriteString(strconv.FormatUint(m.N, 10))
		b.WriteByte('\n')
	}

	b.WriteString("# HELP subimport_app_errors_total Application errors returned to clients.\n")
	b.WriteString("# TYPE subimport_app_errors_total counter\n")
	for _, m := range errs {
		b.WriteString("subimport_app_errors_total{stage=\"")
		b.WriteString(promLabelEscape(m.Stage))
		b.WriteString("\",code=\"")
		b.WriteString(promLabelEscape(m.Code))
		b.WriteString("\"} ")
		b.WriteString(strconv.FormatUint(m.N, 10))
		b.WriteByte('\n')
	}

	imports, servers := importSnapshot()

	b.WriteString("# HELP subimport_imports_total Subscription imports by source and result.\n")
	b.WriteString("# TYPE subimport_imports_total counter\n")
	for _, m := range imports {
		writeLabeled(&b, "subimport_imports_total", "source", m.A, "result", m.B, m.N)
	}

	b.WriteString("# HELP subimport_candidates_total Import candidates by source and outcome.\n")
	b.WriteString("# TYPE subimport_candidates_total counter\n")
	for _, m := range servers {
		writeLabeled(&b, "subimport_candidates_total", "source", m.A, "outcome", m.B, m.N)
	}

	b.WriteString("# HELP subimport_log_lines_dropped_total Log lines suppressed by per-callsite throttling.\n")
	b.WriteString("# TYPE subimport_log_lines_dropped_total counter\n")
	b.WriteString("subimport_log_lines_dropped_total ")
	b.WriteString(strconv.FormatUint(logx.Dropped(), 10))
	b.WriteByte('\n')

	_, _ = fmt.Fprint(w, b.String())
}

func writeLabeled(b *strings.Builder, name, k1, v1, k2, v2 string, n uint64) {
	b.WriteString(name)
	b.WriteByte('{')
	b.WriteString(k1)
	b.WriteString("=\"")
	b.WriteString(promLabelEscape(v1))
	b.WriteString("\",")
	b.WriteString(k2)
	b.WriteString("=\"")
	b.WriteString(promLabelEscape(v2))
	b.WriteString("\"} ")
	b.WriteString(strconv.FormatUint(n, 10))
	b.WriteByte('\n')
}

func promLabelEscape(s string) string {
	// Prometheus label value escaping: backslash and double quote.
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	s = strings.ReplaceAll(s, "\n", "\\n")
	return s
}
