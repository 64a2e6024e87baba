package json

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/khanhnv2901/arachne-lens/internal/domain/scan"
	consts "github.com/khanhnv2901/arachne-lens/internal/shared/constants"
	sharedErrors "github.com/khanhnv2901/arachne-lens/internal/shared/errors"
	"github.com/khanhnv2901/arachne-lens/internal/shared/security"
)

const sessionFileExt = ".json"

// sessionDTO is the data transfer object for JSON serialization
type sessionDTO struct {
	ID              string       `json:"id"`
	Status          string       `json:"status"`
	TargetURL       string       `json:"target_url"`
	ProgressPercent float64      `json:"progress"`
	LastCrawledURL  string       `json:"crawled_url,omitempty"`
	Result          *scan.Result `json:"result,omitempty"`
	ErrorMessage    string       `json:"error,omitempty"`
	ErrorKind       string       `json:"error_kind,omitempty"`
	HTTPStatus      int          `json:"http_status,omitempty"`
	ParseFailures   int          `json:"parse_failures"`
	StartedAt       string       `json:"started_at,omitempty"`
	EndedAt         string       `json:"ended_at,omitempty"`
}

// SessionRepository implements the scan.Repository interface with one JSON file per session
type SessionRepository struct {
	dir string
	mu  sync.RWMutex
}

// NewSessionRepository creates a new JSON-based session repository rooted at dir
func NewSessionRepository(dir string) (*SessionRepository, error) {
	if dir == "" {
		return nil, fmt.Errorf("history directory cannot be empty")
	}

	// Ensure the history directory exists
	if err := os.MkdirAll(dir, consts.DefaultDirPerm); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	return &SessionRepository{dir: dir}, nil
}

// Save persists a session. The file is written to a temporary name and renamed so a
// crash never leaves a truncated record behind.
func (r *SessionRepository) Save(ctx context.Context, s scan.Session) error {
	if s.ID == "" {
		return fmt.Errorf("%w: session has no id", sharedErrors.ErrInvalidInput)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	filePath, err := r.pathFor(s.ID)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(r.toDTO(s), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	tmp := filePath + ".tmp"
	if err := os.WriteFile(tmp, data, consts.DefaultFilePerm); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	if err := os.Rename(tmp, filePath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to save session: %w", err)
	}

	return nil
}

// FindByID retrieves a session by its ID
func (r *SessionRepository) FindByID(ctx context.Context, id string) (scan.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	filePath, err := r.pathFor(id)
	if err != nil {
		return scan.Session{}, sharedErrors.ErrSessionNotFound
	}

	s, err := r.loadFromFile(filePath)
	if errors.Is(err, os.ErrNotExist) {
		return scan.Session{}, sharedErrors.ErrSessionNotFound
	}
	return s, err
}

// FindAll retrieves all stored sessions, most recently finished first. Files that
// cannot be decoded are skipped and reported together in the returned error.
func (r *SessionRepository) FindAll(ctx context.Context) ([]scan.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read history directory: %w", err)
	}

	var (
		sessions []scan.Session
		errs     []error
	)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), sessionFileExt) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		s, err := r.loadFromFile(filepath.Join(r.dir, entry.Name()))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", entry.Name(), err))
			continue
		}
		sessions = append(sessions, s)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].EndedAt.After(sessions[j].EndedAt)
	})
	return sessions, errors.Join(errs...)
}

// Delete removes a session by its ID
func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	filePath, err := r.pathFor(id)
	if err != nil {
		return sharedErrors.ErrSessionNotFound
	}
	if err := os.Remove(filePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return sharedErrors.ErrSessionNotFound
		}
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Helper methods

func (r *SessionRepository) pathFor(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("%w: invalid session id %q", sharedErrors.ErrInvalidInput, id)
	}
	return security.ResolveWithin(r.dir, id+sessionFileExt)
}

func (r *SessionRepository) loadFromFile(filePath string) (scan.Session, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return scan.Session{}, err
	}

	var dto sessionDTO
	if err := json.Unmarshal(data, &dto); err != nil {
		return scan.Session{}, fmt.Errorf("failed to decode session: %w", err)
	}
	return r.fromDTO(dto)
}

func (r *SessionRepository) toDTO(s scan.Session) sessionDTO {
	dto := sessionDTO{
		ID:              s.ID,
		Status:          string(s.Status),
		TargetURL:       s.TargetURL,
		ProgressPercent: s.ProgressPercent,
		LastCrawledURL:  s.LastCrawledURL,
		Result:          s.Result,
		ErrorMessage:    s.ErrorMessage,
		ErrorKind:       string(s.ErrorKind),
		HTTPStatus:      s.HTTPStatus,
		ParseFailures:   s.ParseFailures,
	}

	if !s.StartedAt.IsZero() {
		dto.StartedAt = s.StartedAt.Format(time.RFC3339Nano)
	}
	if !s.EndedAt.IsZero() {
		dto.EndedAt = s.EndedAt.Format(time.RFC3339Nano)
	}

	return dto
}

func (r *SessionRepository) fromDTO(dto sessionDTO) (scan.Session, error) {
	s := scan.Session{
		ID:              dto.ID,
		Status:          scan.Status(dto.Status),
		TargetURL:       dto.TargetURL,
		ProgressPercent: dto.ProgressPercent,
		LastCrawledURL:  dto.LastCrawledURL,
		Result:          dto.Result,
		ErrorMessage:    dto.ErrorMessage,
		ErrorKind:       scan.ErrorKind(dto.ErrorKind),
		HTTPStatus:      dto.HTTPStatus,
		ParseFailures:   dto.ParseFailures,
	}

	var err error
	if dto.StartedAt != "" {
		s.StartedAt, err = time.Parse(time.RFC3339Nano, dto.StartedAt)
		if err != nil {
			return scan.Session{}, fmt.Errorf("failed to parse started at time: %w", err)
		}
	}
	if dto.EndedAt != "" {
		s.EndedAt, err = time.Parse(time.RFC3339Nano, dto.EndedAt)
		if err != nil {
			return scan.Session{}, fmt.Errorf("failed to parse ended at time: %w", err)
		}
	}

	return s, nil
}
