// Package repository provides data access for cinesync persisted state.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/cinesync/cinesync/internal/models"
)

// Sentinel errors returned by repositories.
var (
	// ErrDuplicateHandle is returned when creating a session whose storage
	// handle or upload id collides with an existing row.
	ErrDuplicateHandle = errors.New("upload session already exists for storage handle")

	// ErrOffsetConflict is returned when a progress update's base offset
	// does not match the committed bytes-received.
	ErrOffsetConflict = errors.New("upload offset does not match committed progress")

	// ErrTerminal is returned when mutating a session that has already
	// reached a terminal state.
	ErrTerminal = errors.New("upload session is in a terminal state")
)

// UploadSessionRepository persists upload sessions across restarts.
// Progress updates for a single upload id are serialized by the caller;
// the repository guarantees each committed update is atomic.
type UploadSessionRepository interface {
	// Create inserts a new in-progress session.
	Create(ctx context.Context, session *models.UploadSession) error

	// GetByUploadID retrieves a session by its upload id.
	// Returns (nil, nil) when not found.
	GetByUploadID(ctx context.Context, uploadID string) (*models.UploadSession, error)

	// GetByStorageHandle retrieves a session by its media-store handle.
	// Returns (nil, nil) when not found.
	GetByStorageHandle(ctx context.Context, handle string) (*models.UploadSession, error)

	// CommitProgress atomically advances bytes-received from base to
	// base+delta and bumps last-activity. Fails with ErrOffsetConflict if
	// the committed offset is no longer base.
	CommitProgress(ctx context.Context, uploadID string, base, delta int64) error

	// Terminate transitions a session to a terminal state. Idempotent on
	// already-terminal sessions.
	Terminate(ctx context.Context, uploadID string, status models.UploadStatus) error

	// ListInProgress returns all sessions still accepting bytes.
	ListInProgress(ctx context.Context) ([]*models.UploadSession, error)

	// ListExpired returns in-progress sessions idle since before the cutoff.
	ListExpired(ctx context.Context, cutoff time.Time) ([]*models.UploadSession, error)

	// DeleteFinished removes rows in terminal states.
	DeleteFinished(ctx context.Context) (int64, error)

	// Delete removes a session row.
	Delete(ctx context.Context, uploadID string) error
}
