package scan

import "context"

// Repository defines the interface for finished-session persistence
type Repository interface {
	// Save persists a session, replacing any stored copy with the same ID
	Save(ctx context.Context, s Session) error

	// FindByID retrieves a session by its ID
	FindByID(ctx context.Context, id string) (Session, error)

	// FindAll retrieves every stored session, most recently finished first
	FindAll(ctx context.Context) ([]Session, error)

	// Delete removes a session by its ID
	Delete(ctx context.Context, id string) error
}
