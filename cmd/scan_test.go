package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/khanhnv2901/arachne-lens/internal/domain/scan"
	sharedErrors "github.com/khanhnv2901/arachne-lens/internal/shared/errors"
	"github.com/khanhnv2901/arachne-lens/internal/shared/security"
)

const completedStream = `{"type":"progress","progress":10,"crawled_url":"/a"}` + "\n" +
	`{"type":"progress","progress":50,"crawled_url":"/b"}` + "\n" +
	`{"type":"result","data":{"broken_links":[{"url":"/gone","status":404,"sourceText":"Old page"}],` +
	`"sensitive_info":[{"severity":"high","category":"API Key","finding":"AKIA...","url":"/js/app.js","line":"12"}]}}` + "\n"

// newBackend serves body for every target except those mapped to an HTTP failure.
func newBackend(t *testing.T, body string, failures map[string]int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			URL string `json:"url"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		if status, ok := failures[req.URL]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			fmt.Fprint(w, `{"error":"target unreachable"}`)
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		flusher, _ := w.(http.Flusher)
		for _, line := range strings.SplitAfter(body, "\n") {
			fmt.Fprint(w, line)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func runScanCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := &cobra.Command{Use: "scan"}
	cmd.SetOut(&out)
	err := runScan(cmd, args)
	return out.String(), err
}

func useBackend(t *testing.T, srv *httptest.Server) {
	t.Helper()
	resetConfig(t)
	cliConfig.Backend.BaseURL = srv.URL
	cliConfig.Backend.Retries = 1
	cliConfig.Scan.ProgressEnabled = false

	original := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = original })
}

func TestScanCommandPrintsResult(t *testing.T) {
	useBackend(t, newBackend(t, completedStream, nil))

	output, err := runScanCommand(t, "https://example.com")
	if err != nil {
		t.Fatalf("scan failed: %v\n%s", err, output)
	}

	for _, want := range []string{
		"Scanning https://example.com",
		"Status: completed",
		"Progress: 100.0%",
		"Broken links (1)",
		"404 /gone",
		`"Old page"`,
		"Sensitive information (1)",
		"[High] API Key: AKIA...",
		"at /js/app.js line 12",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("expected output to contain %q, got:\n%s", want, output)
		}
	}
}

func TestScanCommandJSONAndExport(t *testing.T) {
	useBackend(t, newBackend(t, completedStream, nil))
	dir := t.TempDir()
	cliConfig.Scan.JSON = true
	cliConfig.Scan.ExportDir = dir

	output, err := runScanCommand(t, "https://example.com/shop")
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}

	var session scan.Session
	if err := json.Unmarshal([]byte(output), &session); err != nil {
		t.Fatalf("expected one JSON session, got %q: %v", output, err)
	}
	if session.Status != scan.StatusCompleted || session.Result == nil {
		t.Fatalf("unexpected session %+v", session)
	}
	if session.ProgressPercent != 100 {
		t.Fatalf("expected progress forced to 100 by the result, got %v", session.ProgressPercent)
	}
	if session.LastCrawledURL != "/b" {
		t.Fatalf("expected last crawled URL /b, got %q", session.LastCrawledURL)
	}

	target := filepath.Join(dir, security.TargetDirName("https://example.com/shop"))
	data, err := os.ReadFile(filepath.Join(target, "sensitive_info.csv"))
	if err != nil {
		t.Fatalf("expected sensitive_info.csv: %v", err)
	}
	if !strings.Contains(string(data), "High,API Key,AKIA...,/js/app.js,12") {
		t.Fatalf("unexpected csv %q", data)
	}
	if _, err := os.Stat(filepath.Join(target, "broken_links.csv")); err != nil {
		t.Fatalf("expected broken_links.csv: %v", err)
	}
}

func TestScanCommandRejectsInvalidURLBeforeNetwork(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer srv.Close()
	useBackend(t, srv)

	_, err := runScanCommand(t, "https://ok.example.com", "   ")
	if !errors.Is(err, sharedErrors.ErrInvalidInput) {
		t.Fatalf("expected invalid input error, got %v", err)
	}
	if hits != 0 {
		t.Fatalf("expected no backend requests, got %d", hits)
	}
	if exitCode(err) != exitInvalidInput {
		t.Fatalf("expected invalid input exit code, got %d", exitCode(err))
	}
}

func TestScanCommandReportsFailures(t *testing.T) {
	useBackend(t, newBackend(t, completedStream, map[string]int{"https://down.example.com": http.StatusBadGateway}))

	output, err := runScanCommand(t, "https://example.com", "https://down.example.com")

	var failed *ScanFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected ScanFailedError, got %v", err)
	}
	if failed.Failed != 1 || failed.Total != 2 {
		t.Fatalf("expected 1 of 2 failed, got %+v", failed)
	}
	if !strings.Contains(output, "Status: completed") {
		t.Fatalf("expected first scan to complete, got:\n%s", output)
	}
	if !strings.Contains(output, "Status: failed (http: target unreachable)") {
		t.Fatalf("expected backend error message, got:\n%s", output)
	}
}

func TestScanCommandStreamWithoutResult(t *testing.T) {
	body := `{"type":"progress","progress":30,"crawled_url":"/a"}` + "\n" + "not json\n"
	useBackend(t, newBackend(t, body, nil))

	output, err := runScanCommand(t, "https://example.com")

	var failed *ScanFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected ScanFailedError, got %v", err)
	}
	if !strings.Contains(output, "no_result: "+sharedErrors.ErrStreamEndedWithoutResult.Error()) {
		t.Fatalf("expected no_result failure, got:\n%s", output)
	}
	if !strings.Contains(output, "Skipped records: 1") {
		t.Fatalf("expected skipped record count, got:\n%s", output)
	}
}

func TestHostLabel(t *testing.T) {
	if got := hostLabel("https://example.com/a"); got != "example.com/a" {
		t.Fatalf("unexpected label %q", got)
	}
	if got := hostLabel("http://example.com"); got != "example.com" {
		t.Fatalf("unexpected label %q", got)
	}
}
