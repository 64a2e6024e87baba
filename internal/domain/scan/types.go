package scan

import (
	"encoding/json"
	"strings"
)

// ScanRequest is the immutable input of one scan session.
type ScanRequest struct {
	URL string `json:"url" validate:"required,http_url"`
}

// Severity grades a sensitive finding.
type Severity string

const (
	SeverityLow    Severity = "Low"
	SeverityMedium Severity = "Medium"
	SeverityHigh   Severity = "High"
)

// ParseSeverity normalizes the known grades case-insensitively.
// Unknown grades are kept verbatim so newer backends are not rejected.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return SeverityLow
	case "medium":
		return SeverityMedium
	case "high":
		return SeverityHigh
	default:
		return Severity(s)
	}
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = ParseSeverity(raw)
	return nil
}

// BrokenLink is a link whose target answered with an error status.
type BrokenLink struct {
	URL        string `json:"url"`
	Status     int    `json:"status"`
	SourceText string `json:"source_text"`
}

// UnmarshalJSON accepts both "sourceText" (what the backend emits) and "source_text".
func (b *BrokenLink) UnmarshalJSON(data []byte) error {
	var wire struct {
		URL             string `json:"url"`
		Status          int    `json:"status"`
		SourceText      string `json:"source_text"`
		SourceTextCamel string `json:"sourceText"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	b.URL = wire.URL
	b.Status = wire.Status
	b.SourceText = wire.SourceText
	if b.SourceText == "" {
		b.SourceText = wire.SourceTextCamel
	}
	return nil
}

// SensitiveInfo is a piece of potentially exposed data found on a crawled page.
type SensitiveInfo struct {
	Severity Severity `json:"severity"`
	Category string   `json:"category"`
	Finding  string   `json:"finding"`
	URL      string   `json:"url"`
	Line     string   `json:"line"`
}

// Result is the final report of a scan.
type Result struct {
	BrokenLinks   []BrokenLink    `json:"broken_links"`
	SensitiveInfo []SensitiveInfo `json:"sensitive_info"`
}

// Input is anything the reducer folds into a session: stream events and terminal signals.
type Input interface {
	input()
}

// Event is a successfully parsed stream record.
type Event interface {
	Input
	event()
}

// ProgressEvent reports crawl progress.
type ProgressEvent struct {
	Progress   float64
	CrawledURL string
}

// ResultEvent carries the final report.
type ResultEvent struct {
	Result Result
}

func (ProgressEvent) input() {}
func (ProgressEvent) event() {}
func (ResultEvent) input()   {}
func (ResultEvent) event()   {}

// StreamEnded signals a clean end of the response body.
type StreamEnded struct{}

// TransportFailed signals a network failure while pulling bytes.
type TransportFailed struct {
	Message string
}

// HTTPFailed signals a non-2xx response.
type HTTPFailed struct {
	Status  int
	Message string
}

// DecodeFailed signals bytes that could not be decoded as text.
type DecodeFailed struct {
	Message string
}

// Cancelled signals that the scan was interrupted by the user.
type Cancelled struct{}

// LineSkipped records a malformed or unrecognized line. It only bumps a counter.
type LineSkipped struct{}

func (LineSkipped) input()     {}
func (StreamEnded) input()     {}
func (TransportFailed) input() {}
func (HTTPFailed) input()      {}
func (DecodeFailed) input()    {}
func (Cancelled) input()       {}
