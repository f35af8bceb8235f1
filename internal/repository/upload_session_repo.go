package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/cinesync/cinesync/internal/models"
)

// uploadSessionRepo implements UploadSessionRepository using GORM.
type uploadSessionRepo struct {
	db *gorm.DB
}

// NewUploadSessionRepository creates a new UploadSessionRepository.
func NewUploadSessionRepository(db *gorm.DB) UploadSessionRepository {
	return &uploadSessionRepo{db: db}
}

// Create inserts a new in-progress session.
func (r *uploadSessionRepo) Create(ctx context.Context, session *models.UploadSession) error {
	if err := r.db.WithContext(ctx).Create(session).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateHandle
		}
		return fmt.Errorf("creating upload session: %w", err)
	}
	return nil
}

// GetByUploadID retrieves a session by its upload id.
func (r *uploadSessionRepo) GetByUploadID(ctx context.Context, uploadID string) (*models.UploadSession, error) {
	var session models.UploadSession
	if err := r.db.WithContext(ctx).Where("upload_id = ?", uploadID).First(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting upload session by id: %w", err)
	}
	return &session, nil
}

// GetByStorageHandle retrieves a session by its media-store handle.
func (r *uploadSessionRepo) GetByStorageHandle(ctx context.Context, handle string) (*models.UploadSession, error) {
	var session models.UploadSession
	if err := r.db.WithContext(ctx).Where("storage_handle = ?", handle).First(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting upload session by handle: %w", err)
	}
	return &session, nil
}

// CommitProgress atomically advances bytes-received from base to base+delta.
// The WHERE clause on bytes_received makes the compare-and-swap a single
// statement; a zero rows-affected result means the base offset was stale.
func (r *uploadSessionRepo) CommitProgress(ctx context.Context, uploadID string, base, delta int64) error {
	if delta < 0 {
		return fmt.Errorf("negative progress delta %d", delta)
	}

	result := r.db.WithContext(ctx).Model(&models.UploadSession{}).
		Where("upload_id = ? AND bytes_received = ? AND status = ?",
			uploadID, base, models.UploadStatusInProgress).
		Updates(map[string]interface{}{
			"bytes_received":   base + delta,
			"last_activity_at": time.Now(),
		})

	if result.Error != nil {
		return fmt.Errorf("committing upload progress: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		// Distinguish a stale offset from an unknown/terminal session.
		session, err := r.GetByUploadID(ctx, uploadID)
		if err != nil {
			return err
		}
		if session == nil {
			return gorm.ErrRecordNotFound
		}
		if session.Status.IsTerminal() {
			return ErrTerminal
		}
		return ErrOffsetConflict
	}
	return nil
}

// Terminate transitions a session to a terminal state.
func (r *uploadSessionRepo) Terminate(ctx context.Context, uploadID string, status models.UploadStatus) error {
	if !status.IsTerminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}

	result := r.db.WithContext(ctx).Model(&models.UploadSession{}).
		Where("upload_id = ? AND status = ?", uploadID, models.UploadStatusInProgress).
		Updates(map[string]interface{}{
			"status":           status,
			"last_activity_at": time.Now(),
		})

	if result.Error != nil {
		return fmt.Errorf("terminating upload session: %w", result.Error)
	}
	// Zero rows affected means the session was already terminal or absent;
	// termination is idempotent so that DELETE retries succeed.
	return nil
}

// ListInProgress returns all sessions still accepting bytes.
func (r *uploadSessionRepo) ListInProgress(ctx context.Context) ([]*models.UploadSession, error) {
	var sessions []*models.UploadSession
	if err := r.db.WithContext(ctx).
		Where("status = ?", models.UploadStatusInProgress).
		Order("created_at ASC").
		Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("listing in-progress uploads: %w", err)
	}
	return sessions, nil
}

// ListExpired returns in-progress sessions idle since before the cutoff.
func (r *uploadSessionRepo) ListExpired(ctx context.Context, cutoff time.Time) ([]*models.UploadSession, error) {
	var sessions []*models.UploadSession
	if err := r.db.WithContext(ctx).
		Where("status = ? AND last_activity_at < ?", models.UploadStatusInProgress, cutoff).
		Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("listing expired uploads: %w", err)
	}
	return sessions, nil
}

// DeleteFinished removes rows in terminal states.
func (r *uploadSessionRepo) DeleteFinished(ctx context.Context) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status IN (?, ?, ?)",
			models.UploadStatusCompleted, models.UploadStatusFailed, models.UploadStatusCancelled).
		Delete(&models.UploadSession{})
	if result.Error != nil {
		return 0, fmt.Errorf("deleting finished uploads: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Delete removes a session row.
func (r *uploadSessionRepo) Delete(ctx context.Context, uploadID string) error {
	if err := r.db.WithContext(ctx).
		Where("upload_id = ?", uploadID).
		Delete(&models.UploadSession{}).Error; err != nil {
		return fmt.Errorf("deleting upload session: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a unique-index violation.
// The pure Go SQLite driver surfaces these as constraint error strings.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed")
}

// Ensure uploadSessionRepo implements UploadSessionRepository at compile time.
var _ UploadSessionRepository = (*uploadSessionRepo)(nil)
