package scan

import "time"

// Status is the lifecycle state of a scan session.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ErrorKind classifies why a session failed.
type ErrorKind string

const (
	ErrorKindNone      ErrorKind = ""
	ErrorKindTransport ErrorKind = "transport"
	ErrorKindHTTP      ErrorKind = "http"
	ErrorKindDecode    ErrorKind = "decode"
	ErrorKindNoResult  ErrorKind = "no_result"
	ErrorKindCancelled ErrorKind = "cancelled"
)

// Session is a snapshot of one scan. Values are replaced wholesale by the reducer and
// never mutated in place, so a Session handed to an observer is safe to retain.
type Session struct {
	ID              string    `json:"id,omitempty"`
	Status          Status    `json:"status"`
	TargetURL       string    `json:"target_url"`
	ProgressPercent float64   `json:"progress"`
	LastCrawledURL  string    `json:"crawled_url"`
	Result          *Result   `json:"result,omitempty"`
	ErrorMessage    string    `json:"error,omitempty"`
	ErrorKind       ErrorKind `json:"error_kind,omitempty"`
	HTTPStatus      int       `json:"http_status,omitempty"`
	ParseFailures   int       `json:"parse_failures"`
	StartedAt       time.Time `json:"started_at,omitzero"`
	EndedAt         time.Time `json:"ended_at,omitzero"`
}

// IdleSession is the state before any scan and after a reset.
func IdleSession() Session {
	return Session{Status: StatusIdle}
}

// NewSession starts a fresh running session for req. Nothing from a previous session carries over.
func NewSession(id string, req ScanRequest, startedAt time.Time) Session {
	return Session{
		ID:        id,
		Status:    StatusRunning,
		TargetURL: req.URL,
		StartedAt: startedAt,
	}
}

// IsTerminal reports whether the session reached Completed or Failed.
func (s Session) IsTerminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusFailed
}

// HasResult reports whether a final result was received.
func (s Session) HasResult() bool {
	return s.Result != nil
}
