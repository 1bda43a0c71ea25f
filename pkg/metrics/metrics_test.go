package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/goclaw/mnemos/config"
	"github.com/goclaw/mnemos/pkg/embedding"
	"github.com/goclaw/mnemos/pkg/memory"
	"github.com/goclaw/mnemos/pkg/telemetry/tracing"
)

// compile-time checks
var (
	_ memory.MetricsRecorder   = (*Manager)(nil)
	_ embedding.CallRecorder  = (*Manager)(nil)
	_ tracing.FailureRecorder = (*Manager)(nil)
)

func TestNewManager(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true

	m := NewManager(cfg)
	if m == nil {
		t.Fatal("NewManager returned nil")
	}

	if !m.Enabled() {
		t.Error("Expected metrics to be enabled")
	}
}

func TestNewManager_Disabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false

	m := NewManager(cfg)
	if m == nil {
		t.Fatal("NewManager returned nil")
	}

	if m.Enabled() {
		t.Error("Expected metrics to be disabled")
	}
	if m.Registry() != nil {
		t.Error("Expected no registry when disabled")
	}
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(config.MetricsConfig{Enabled: true, Port: 9300, Path: "/prom"})
	if !cfg.Enabled || cfg.Port != 9300 || cfg.Path != "/prom" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if len(cfg.SearchDurationBuckets) == 0 {
		t.Fatal("expected default buckets")
	}

	cfg = ConfigFrom(config.MetricsConfig{})
	if cfg.Enabled || cfg.Port != 9091 || cfg.Path != "/metrics" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestMetricsHandler(t *testing.T) {
	m := NewManager(DefaultConfig())

	m.RecordSearch(memory.OutcomeOK, 20*time.Millisecond)
	m.RecordSearch(memory.OutcomeDegraded, 40*time.Millisecond)
	m.RecordPathLatency("lexical", time.Millisecond, nil)
	m.RecordPathLatency("vector", time.Second, errors.New("timeout"))
	m.RecordDegraded("vector")
	m.RecordWrite("add", nil)
	m.RecordWrite("delete", errors.New("locked"))
	m.RecordRecords(map[string]int{"active": 12, "archived": 3})
	m.RecordCleanup(4)
	m.RecordSchedulerRun("success")
	m.RecordBackup("success", 2*time.Second)
	m.RecordEmbeddingCall("hashing", true, time.Millisecond)
	m.RecordHTTPRequest(context.Background(), "GET", "/api/v1/search", "200", 5*time.Millisecond)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	body := w.Body.String()
	expectedMetrics := []string{
		"mnemos_searches_total",
		"mnemos_search_duration_seconds",
		"mnemos_retrieval_path_duration_seconds",
		"mnemos_retrieval_path_failures_total",
		"mnemos_search_degraded_total",
		"mnemos_writes_total",
		"mnemos_records",
		"mnemos_cleanup_removed_total",
		"mnemos_scheduler_runs_total",
		"mnemos_backups_total",
		"mnemos_backup_duration_seconds",
		"mnemos_embedding_calls_total",
		"mnemos_api_requests_total",
		"mnemos_trace_export_failures_total",
	}
	for _, metric := range expectedMetrics {
		if !strings.Contains(body, metric) {
			t.Errorf("Expected metric %s not found in output", metric)
		}
	}
}

func TestMetricValues(t *testing.T) {
	m := NewManager(DefaultConfig())

	m.RecordSearch(memory.OutcomeDegraded, time.Millisecond)
	m.RecordSearch(memory.OutcomeDegraded, time.Millisecond)
	m.RecordPathLatency("vector", time.Millisecond, errors.New("refused"))
	m.RecordPathLatency("vector", time.Millisecond, nil)
	m.RecordWrite("add", nil)
	m.RecordWrite("add", errors.New("disk full"))
	m.RecordRecords(map[string]int{"active": 7})
	m.RecordRecords(map[string]int{"active": 5})
	m.RecordCleanup(2)
	m.RecordCleanup(3)
	m.RecordEmbeddingCall("ollama:nomic", false, time.Second)
	m.RecordTraceExportFailure(12)
	m.RecordTraceExportFailure(3)

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"degraded searches", testutil.ToFloat64(m.searches.WithLabelValues(memory.OutcomeDegraded)), 2},
		{"vector failures", testutil.ToFloat64(m.pathFailures.WithLabelValues("vector")), 1},
		{"successful adds", testutil.ToFloat64(m.writes.WithLabelValues("add", "ok")), 1},
		{"failed adds", testutil.ToFloat64(m.writes.WithLabelValues("add", "error")), 1},
		{"active gauge", testutil.ToFloat64(m.records.WithLabelValues("active")), 5},
		{"cleaned", testutil.ToFloat64(m.cleaned), 5},
		{"embedding errors", testutil.ToFloat64(m.embeddingCalls.WithLabelValues("ollama:nomic", "error")), 1},
		{"trace export failures", testutil.ToFloat64(m.traceExportFailures), 2},
		{"trace spans lost", testutil.ToFloat64(m.traceSpansLost), 15},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestMetricsHandler_Disabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false

	m := NewManager(cfg)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	m.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 when disabled, got %d", w.Code)
	}
}

func TestStartServer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Port = 19091

	m := NewManager(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- m.StartServer(ctx, cfg.Port, cfg.Path)
	}()

	// Give server time to start
	time.Sleep(100 * time.Millisecond)

	resp, err := http.Get("http://localhost:19091/metrics")
	if err != nil {
		t.Fatalf("Failed to fetch metrics: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Server error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("server did not stop")
	}
}

func TestNoOpManager(t *testing.T) {
	m := NoOpManager()

	if m.Enabled() {
		t.Error("NoOpManager should not be enabled")
	}

	// These should not panic
	m.RecordSearch(memory.OutcomeOK, time.Second)
	m.RecordPathLatency("lexical", time.Second, nil)
	m.RecordDegraded("vector")
	m.RecordWrite("add", nil)
	m.RecordRecords(map[string]int{"active": 1})
	m.RecordCleanup(1)
	m.RecordSchedulerRun("success")
	m.RecordBackup("failure", time.Second)
	m.RecordEmbeddingCall("hashing", true, time.Second)
	m.RecordHTTPRequest(context.Background(), "GET", "/", "200", time.Second)
	m.IncActiveConnections()
	m.DecActiveConnections()
	m.RecordTraceExportFailure(4)
	if err := m.StartServer(context.Background(), 0, "/metrics"); err != nil {
		t.Errorf("StartServer on disabled manager: %v", err)
	}
}

func BenchmarkRecordSearch(b *testing.B) {
	m := NewManager(DefaultConfig())
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.RecordSearch(memory.OutcomeOK, time.Millisecond)
	}
}
