package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"github.com/khanhnv2901/arachne-lens/internal/domain/scan"
	sharedErrors "github.com/khanhnv2901/arachne-lens/internal/shared/errors"
)

// fakeScans is an in-memory ScanService that publishes whatever session it is told to.
type fakeScans struct {
	mu      sync.Mutex
	session scan.Session
	subs    []chan scan.Session
	started []string
	running bool
}

func (f *fakeScans) StartScan(_ context.Context, rawURL string) (scan.Session, error) {
	req, err := scan.NewScanRequest(rawURL)
	if err != nil {
		return f.Snapshot(), err
	}
	f.mu.Lock()
	f.started = append(f.started, req.URL)
	f.running = true
	f.mu.Unlock()
	s := scan.NewSession("scan-1", req, time.Now())
	f.publish(s)
	return s, nil
}

func (f *fakeScans) CancelScan() error {
	f.mu.Lock()
	running := f.running
	f.running = false
	s := f.session
	f.mu.Unlock()
	if !running {
		return sharedErrors.ErrNoActiveScan
	}
	f.publish(scan.Reduce(s, scan.Cancelled{}))
	return nil
}

func (f *fakeScans) Reset() {
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()
	f.publish(scan.IdleSession())
}

func (f *fakeScans) Snapshot() scan.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session
}

func (f *fakeScans) Subscribe() (<-chan scan.Session, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan scan.Session, 16)
	ch <- f.session
	f.subs = append(f.subs, ch)
	return ch, func() {}
}

func (f *fakeScans) publish(s scan.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.session = s
	for _, ch := range f.subs {
		select {
		case ch <- s:
		default:
		}
	}
}

func completedSession(id string) scan.Session {
	s := scan.NewSession(id, scan.ScanRequest{URL: "https://example.com"}, time.Now())
	s = scan.Reduce(s, scan.ProgressEvent{Progress: 40, CrawledURL: "/a"})
	s = scan.Reduce(s, scan.ResultEvent{Result: scan.Result{
		BrokenLinks: []scan.BrokenLink{{URL: "/x", Status: 404, SourceText: "old, page"}},
		SensitiveInfo: []scan.SensitiveInfo{
			{Severity: scan.SeverityHigh, Category: "key", Finding: "AKIA", URL: "/y", Line: "3"},
		},
	}})
	s = scan.Reduce(s, scan.StreamEnded{})
	s.EndedAt = time.Now()
	return s
}

func newTestServer(t *testing.T, cfg Config) (*Server, *fakeScans) {
	t.Helper()
	scans := &fakeScans{session: scan.IdleSession()}
	if cfg.Scans == nil {
		cfg.Scans = scans
	}
	if cfg.Logger == nil {
		cfg.Logger = zaptest.NewLogger(t)
	}
	return NewServer(cfg), scans
}

func doRequest(s *Server, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	return rr
}

func decodeSession(t *testing.T, rr *httptest.ResponseRecorder) scan.Session {
	t.Helper()
	var s scan.Session
	if err := json.Unmarshal(rr.Body.Bytes(), &s); err != nil {
		t.Fatalf("decoding session: %v (body %s)", err, rr.Body.String())
	}
	return s
}

func TestWriteJSON(t *testing.T) {
	rr := httptest.NewRecorder()
	writeJSON(rr, http.StatusCreated, map[string]string{"status": "ok"})

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", rr.Code)
	}
	if got := rr.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected application/json content-type, got %s", got)
	}
	if !strings.Contains(rr.Body.String(), `"status":"ok"`) {
		t.Fatalf("unexpected body: %s", rr.Body.String())
	}
}

func TestWriteErrorInternal(t *testing.T) {
	s := &Server{cfg: Config{Logger: zaptest.NewLogger(t)}}

	rr := httptest.NewRecorder()
	s.writeError(rr, httptest.NewRequest(http.MethodGet, "/", nil), http.StatusInternalServerError, errors.New("boom"))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "internal server error") {
		t.Fatalf("expected sanitized message, got %s", rr.Body.String())
	}
}

func TestWriteErrorClient(t *testing.T) {
	s := &Server{}
	rr := httptest.NewRecorder()
	s.writeError(rr, httptest.NewRequest(http.MethodGet, "/", nil), http.StatusBadRequest, errors.New("bad input"))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "bad input") {
		t.Fatalf("expected original error message, got %s", rr.Body.String())
	}
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	rr := doRequest(s, http.MethodGet, "/api/v1/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected request id header")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	rr := doRequest(s, http.MethodPut, "/api/v1/scan", "")
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status 405, got %d", rr.Code)
	}
}

func TestStartScan(t *testing.T) {
	s, scans := newTestServer(t, Config{})

	rr := doRequest(s, http.MethodPost, "/api/v1/scan", `{"url":"  https://example.com  "}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	got := decodeSession(t, rr)
	if got.Status != scan.StatusRunning || got.TargetURL != "https://example.com" {
		t.Fatalf("unexpected session %+v", got)
	}
	if len(scans.started) != 1 {
		t.Fatalf("expected one scan started, got %v", scans.started)
	}
}

func TestStartScanRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "empty url", body: `{"url":"   "}`},
		{name: "malformed body", body: `{"url":`},
		{name: "not http", body: `{"url":"ftp://example.com"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, scans := newTestServer(t, Config{})
			rr := doRequest(s, http.MethodPost, "/api/v1/scan", tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
			}
			if len(scans.started) != 0 {
				t.Fatalf("expected no scan to start, got %v", scans.started)
			}
		})
	}
}

func TestCancelScan(t *testing.T) {
	s, _ := newTestServer(t, Config{})

	if rr := doRequest(s, http.MethodDelete, "/api/v1/scan", ""); rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 with nothing running, got %d", rr.Code)
	}

	doRequest(s, http.MethodPost, "/api/v1/scan", `{"url":"https://example.com"}`)
	rr := doRequest(s, http.MethodDelete, "/api/v1/scan", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	got := decodeSession(t, rr)
	if got.Status != scan.StatusFailed || got.ErrorKind != scan.ErrorKindCancelled {
		t.Fatalf("expected cancelled session, got %+v", got)
	}
}

func TestResetReturnsIdle(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	doRequest(s, http.MethodPost, "/api/v1/scan", `{"url":"https://example.com"}`)

	rr := doRequest(s, http.MethodPost, "/api/v1/scan/reset", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := decodeSession(t, rr); got != scan.IdleSession() {
		t.Fatalf("expected idle session, got %+v", got)
	}
}

func TestAuthRequired(t *testing.T) {
	s, _ := newTestServer(t, Config{AuthToken: "secret"})

	if rr := doRequest(s, http.MethodGet, "/api/v1/session", ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/session", nil)
	req.Header.Set("X-Auth-Token", "secret")
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with header token, got %d", rr.Code)
	}

	if rr := doRequest(s, http.MethodGet, "/api/v1/session?token=secret", ""); rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with query token, got %d", rr.Code)
	}
}

func TestCORS(t *testing.T) {
	s, _ := newTestServer(t, Config{CORSOrigins: []string{"https://app.example.com"}})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/scan", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204 preflight, got %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("unexpected allow origin %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rr = httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected no allow origin for unlisted origin, got %q", got)
	}
}

func TestRateLimit(t *testing.T) {
	s, _ := newTestServer(t, Config{RateLimit: 1, RateBurst: 1})

	if rr := doRequest(s, http.MethodGet, "/api/v1/health", ""); rr.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", rr.Code)
	}
	if rr := doRequest(s, http.MethodGet, "/api/v1/health", ""); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:4242"
	if got := clientIP(req); got != "10.0.0.1" {
		t.Fatalf("expected remote host, got %q", got)
	}
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := clientIP(req); got != "203.0.113.9" {
		t.Fatalf("expected first forwarded hop, got %q", got)
	}
}

func TestExportCurrentSession(t *testing.T) {
	s, scans := newTestServer(t, Config{})

	if rr := doRequest(s, http.MethodGet, "/api/v1/session/export/broken", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before any result, got %d", rr.Code)
	}

	scans.publish(completedSession("done-1"))
	rr := doRequest(s, http.MethodGet, "/api/v1/session/export/broken_links", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("unexpected content type %q", ct)
	}
	if cd := rr.Header().Get("Content-Disposition"); !strings.Contains(cd, "broken_links.csv") {
		t.Fatalf("unexpected content disposition %q", cd)
	}
	want := "url,status,source_text\n/x,404,\"old, page\"\n"
	if rr.Body.String() != want {
		t.Fatalf("expected %q, got %q", want, rr.Body.String())
	}

	if rr := doRequest(s, http.MethodGet, "/api/v1/session/export/cookies", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown table, got %d", rr.Code)
	}
}

func TestSessionHistoryRoutes(t *testing.T) {
	history := NewSessionHistory()
	s, _ := newTestServer(t, Config{History: history})

	rr := doRequest(s, http.MethodGet, "/api/v1/sessions", "")
	if rr.Code != http.StatusOK || strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Fatalf("expected empty list, got %d %s", rr.Code, rr.Body.String())
	}

	history.Record(completedSession("old"))
	history.Record(completedSession("new"))

	rr = doRequest(s, http.MethodGet, "/api/v1/sessions?limit=1", "")
	var list []scan.Session
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatalf("decoding list: %v", err)
	}
	if len(list) != 1 || list[0].ID != "new" {
		t.Fatalf("expected newest session only, got %+v", list)
	}

	rr = doRequest(s, http.MethodGet, "/api/v1/sessions/old", "")
	if rr.Code != http.StatusOK || decodeSession(t, rr).ID != "old" {
		t.Fatalf("expected session old, got %d %s", rr.Code, rr.Body.String())
	}

	if rr := doRequest(s, http.MethodGet, "/api/v1/sessions/missing", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}

	rr = doRequest(s, http.MethodGet, "/api/v1/sessions/old/export/sensitive", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "High,key,AKIA,/y,3") {
		t.Fatalf("unexpected export %d %q", rr.Code, rr.Body.String())
	}
}

func TestSessionStream(t *testing.T) {
	s, scans := newTestServer(t, Config{})
	ts := httptest.NewServer(s)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/session/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("opening stream: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	events := bufio.NewReader(resp.Body)
	first := readEvent(t, events)
	if !strings.HasPrefix(first, "event: session\n") || !strings.Contains(first, `"status":"idle"`) {
		t.Fatalf("unexpected first event %q", first)
	}

	scans.publish(completedSession("done-1"))
	if next := readEvent(t, events); !strings.Contains(next, `"status":"completed"`) {
		t.Fatalf("expected completed session, got %q", next)
	}
}

// readEvent reads one server-sent event up to its terminating blank line.
func readEvent(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	var ev strings.Builder
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("reading event: %v (so far %q)", err, ev.String())
		}
		if line == "\n" {
			return ev.String()
		}
		ev.WriteString(line)
	}
}

func TestSessionWebSocket(t *testing.T) {
	s, scans := newTestServer(t, Config{})
	ts := httptest.NewServer(s)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/session/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dialing websocket: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first scan.Session
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("reading first message: %v", err)
	}
	if first.Status != scan.StatusIdle {
		t.Fatalf("expected idle snapshot first, got %+v", first)
	}

	scans.publish(completedSession("done-1"))
	var next scan.Session
	if err := conn.ReadJSON(&next); err != nil {
		t.Fatalf("reading update: %v", err)
	}
	if next.ID != "done-1" || next.Status != scan.StatusCompleted || next.Result == nil {
		t.Fatalf("unexpected update %+v", next)
	}
}

func TestWebSocketRejectsUnlistedOrigin(t *testing.T) {
	s, _ := newTestServer(t, Config{CORSOrigins: []string{"https://app.example.com"}})
	ts := httptest.NewServer(s)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/session/ws"
	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err == nil {
		t.Fatal("expected handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %+v", resp)
	}
}
