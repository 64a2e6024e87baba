package api

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/khanhnv2901/arachne-lens/internal/domain/scan"
)

const persistTimeout = 5 * time.Second

const defaultMaxSessions = 100

// SessionHistory keeps finished sessions in memory so their results can still be
// fetched and exported after a new scan replaced them. With a repository attached,
// every recorded session is also persisted and evicted ones stay reachable by ID.
type SessionHistory struct {
	mu          sync.RWMutex
	sessions    map[string]scan.Session
	maxSessions int // Oldest sessions are evicted beyond this

	repo   scan.Repository
	logger *zap.Logger
}

func NewSessionHistory() *SessionHistory {
	return &SessionHistory{
		sessions:    make(map[string]scan.Session),
		maxSessions: defaultMaxSessions,
	}
}

// Record stores a finished session. Running, idle and anonymous sessions are ignored.
func (h *SessionHistory) Record(s scan.Session) {
	if s.ID == "" || !s.IsTerminal() {
		return
	}
	h.mu.Lock()
	h.sessions[s.ID] = s
	h.evictLocked()
	repo, logger := h.repo, h.logger
	h.mu.Unlock()

	if repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := repo.Save(ctx, s); err != nil {
		logger.Error("failed to persist session", zap.String("scan_id", s.ID), zap.Error(err))
	}
}

// UseRepository attaches durable storage and loads the newest stored sessions into
// memory.
func (h *SessionHistory) UseRepository(ctx context.Context, repo scan.Repository, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	stored, err := repo.FindAll(ctx)
	if err != nil {
		if len(stored) == 0 {
			return err
		}
		logger.Warn("some stored sessions could not be loaded", zap.Error(err))
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.repo = repo
	h.logger = logger
	for _, s := range stored {
		if s.ID != "" && s.IsTerminal() {
			h.sessions[s.ID] = s
		}
	}
	h.evictLocked()
	return nil
}

func (h *SessionHistory) Get(id string) (scan.Session, bool) {
	h.mu.RLock()
	s, ok := h.sessions[id]
	repo := h.repo
	h.mu.RUnlock()
	if ok || repo == nil {
		return s, ok
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	s, err := repo.FindByID(ctx, id)
	if err != nil {
		return scan.Session{}, false
	}
	return s, true
}

// List returns up to limit sessions, most recently finished first.
func (h *SessionHistory) List(limit int) []scan.Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if limit <= 0 || limit > len(h.sessions) {
		limit = len(h.sessions)
	}
	out := make([]scan.Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	sortNewestFirst(out)
	return out[:limit]
}

// SetMaxSessions configures the maximum number of sessions to retain in memory
func (h *SessionHistory) SetMaxSessions(max int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if max > 0 {
		h.maxSessions = max
		h.evictLocked()
	}
}

func (h *SessionHistory) evictLocked() {
	if len(h.sessions) <= h.maxSessions {
		return
	}
	all := make([]scan.Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		all = append(all, s)
	}
	sortNewestFirst(all)
	for _, s := range all[h.maxSessions:] {
		delete(h.sessions, s.ID)
	}
}

func sortNewestFirst(sessions []scan.Session) {
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].EndedAt.Equal(sessions[j].EndedAt) {
			return sessions[i].ID > sessions[j].ID
		}
		return sessions[i].EndedAt.After(sessions[j].EndedAt)
	})
}
