package admin

import (
	"compress/gzip"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/danmuck/xlogship/internal/observability"
	"github.com/danmuck/xlogship/internal/testutil/testlog"
)

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	testlog.Start(t)
	s := New("store", nil)
	rec := get(t, s, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["role"] != "store" {
		t.Fatalf("body %v", body)
	}
}

func TestStatusSnapshot(t *testing.T) {
	testlog.Start(t)
	s := New("producer", func() any {
		return map[string]uint64{"next_lsn": 7}
	})
	rec := get(t, s, "/status")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"next_lsn":7`) {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
	if rec := get(t, New("x", nil), "/status"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("nil status func: %d", rec.Code)
	}
}

func TestMetricsExposed(t *testing.T) {
	testlog.Start(t)
	observability.RecordFlush(3)
	s := New("store", nil)
	_ = get(t, s, "/health")
	rec := get(t, s, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	for _, want := range []string{"xlog_receiver_flush_lsn", "xlog_admin_requests_total"} {
		if !strings.Contains(rec.Body.String(), want) {
			t.Fatalf("metrics missing %s", want)
		}
	}
}

func TestResponsesCompressedOnRequest(t *testing.T) {
	testlog.Start(t)
	s := New("store", nil)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Encoding"); got != "gzip" {
		t.Fatalf("content encoding %q", got)
	}
	zr, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	body, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "xlog_admin_requests_total") && !strings.Contains(string(body), "go_goroutines") {
		t.Fatalf("unexpected metrics body")
	}
}
