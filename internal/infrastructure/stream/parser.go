package stream

import (
	"encoding/json"
	"fmt"

	"github.com/khanhnv2901/arachne-lens/internal/domain/scan"
	sharedErrors "github.com/khanhnv2901/arachne-lens/internal/shared/errors"
)

// Record type tags used by the scanning backend.
const (
	TypeProgress = "progress"
	TypeResult   = "result"
)

type wireRecord struct {
	Type       string       `json:"type"`
	Progress   *float64     `json:"progress"`
	CrawledURL string       `json:"crawled_url"`
	Data       *scan.Result `json:"data"`
}

// ParseRecord classifies one line. It never panics or returns a plain error:
// anything that is not a recognized record becomes a *ParseFailure, including
// record types this client does not know yet.
func ParseRecord(line string) (scan.Event, *sharedErrors.ParseFailure) {
	var rec wireRecord
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return nil, &sharedErrors.ParseFailure{RawLine: line, Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}

	switch rec.Type {
	case TypeProgress:
		if rec.Progress == nil {
			return nil, &sharedErrors.ParseFailure{RawLine: line, Reason: "progress record without numeric progress"}
		}
		return scan.ProgressEvent{Progress: *rec.Progress, CrawledURL: rec.CrawledURL}, nil
	case TypeResult:
		if rec.Data == nil {
			return nil, &sharedErrors.ParseFailure{RawLine: line, Reason: "result record without data"}
		}
		return scan.ResultEvent{Result: *rec.Data}, nil
	case "":
		return nil, &sharedErrors.ParseFailure{RawLine: line, Reason: "missing type discriminator"}
	default:
		return nil, &sharedErrors.ParseFailure{RawLine: line, Reason: fmt.Sprintf("unknown record type %q", rec.Type)}
	}
}
