package store

import (
	"time"

	"github.com/Ning0612/xferd/internal/domain"
)

// Store persists transfer sessions. It is the source of truth for session
// state; callers never rely on in-memory copies across restarts.
type Store interface {
	// LoadAll returns every persisted session, oldest first
	LoadAll() ([]domain.TransferSession, error)

	// Upsert inserts or replaces the session with the same id
	Upsert(s domain.TransferSession) error

	// Get returns the session with id, or domain.ErrSessionNotFound
	Get(id string) (domain.TransferSession, error)

	// ListByConnection returns the sessions of one connection, oldest first
	ListByConnection(connectionID string) ([]domain.TransferSession, error)

	// Delete removes a session. Deleting an unknown id is not an error.
	Delete(id string) error

	// PruneTerminal removes terminal sessions that ended before the cutoff
	// and returns how many were removed
	PruneTerminal(before time.Time) (int, error)

	// Close releases the underlying resources
	Close() error
}
