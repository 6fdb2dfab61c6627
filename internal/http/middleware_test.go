package httpapi

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/mux"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) lines(t *testing.T) []map[string]any {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(b.buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("log line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func newLoggedServer(buf *syncBuffer) *Server {
	s := &Server{
		logger: slog.New(slog.NewJSONHandler(buf, nil)),
		mux:    mux.NewRouter(),
	}
	s.registerMiddleware()
	s.mux.HandleFunc("/api/v1/drivers/{driver_id}/offers/{order_id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "no open offer"})
	})
	s.mux.HandleFunc("/api/v1/orders/{id}", func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {})
	return s
}

func TestRequestLogCarriesRouteVars(t *testing.T) {
	buf := &syncBuffer{}
	s := newLoggedServer(buf)

	req := httptest.NewRequest("POST", "/api/v1/drivers/d7/offers/o42", nil)
	req.Header.Set("X-Request-ID", "req-1")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict || rec.Header().Get("X-Request-ID") != "req-1" {
		t.Fatalf("status %d, request id %q", rec.Code, rec.Header().Get("X-Request-ID"))
	}

	lines := buf.lines(t)
	if len(lines) != 1 {
		t.Fatalf("expected one log line, got %v", lines)
	}
	got := lines[0]
	want := map[string]any{
		"msg":        "http_request",
		"level":      "WARN",
		"request_id": "req-1",
		"driver_id":  "d7",
		"order_id":   "o42",
		"route":      "/api/v1/drivers/{driver_id}/offers/{order_id}",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %v, want %v", k, got[k], v)
		}
	}
}

func TestPanicLogCarriesOrderID(t *testing.T) {
	buf := &syncBuffer{}
	s := newLoggedServer(buf)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/orders/o9", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("no generated request id")
	}
	var panicLog, reqLog map[string]any
	for _, l := range buf.lines(t) {
		switch l["msg"] {
		case "panic recovered":
			panicLog = l
		case "http_request":
			reqLog = l
		}
	}
	if panicLog == nil || panicLog["order_id"] != "o9" || panicLog["request_id"] == "" {
		t.Fatalf("panic log %v", panicLog)
	}
	if reqLog == nil || reqLog["level"] != "ERROR" || reqLog["order_id"] != "o9" {
		t.Fatalf("request log %v", reqLog)
	}
}

func TestHealthzNotLogged(t *testing.T) {
	buf := &syncBuffer{}
	s := newLoggedServer(buf)
	s.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/healthz", nil))
	if lines := buf.lines(t); len(lines) != 0 {
		t.Fatalf("healthz logged: %v", lines)
	}
}
