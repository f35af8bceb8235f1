package repository

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/cinesync/cinesync/internal/models"
)

func setupUploadTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	err = db.AutoMigrate(&models.UploadSession{})
	require.NoError(t, err)

	return db
}

func newTestSession(uploadID, handle string, expected int64) *models.UploadSession {
	return &models.UploadSession{
		UploadID:      uploadID,
		StorageHandle: handle,
		Filename:      "movie.mp4",
		MimeType:      "video/mp4",
		ExpectedBytes: expected,
		Status:        models.UploadStatusInProgress,
	}
}

func TestUploadSessionRepo_Create(t *testing.T) {
	db := setupUploadTestDB(t)
	repo := NewUploadSessionRepository(db)
	ctx := context.Background()

	session := newTestSession("u1", "h1", 1024)
	err := repo.Create(ctx, session)
	require.NoError(t, err)
	assert.False(t, session.ID.IsZero())

	found, err := repo.GetByUploadID(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "movie.mp4", found.Filename)
	assert.Equal(t, int64(1024), found.ExpectedBytes)
	assert.Equal(t, int64(0), found.BytesReceived)
	assert.Equal(t, models.UploadStatusInProgress, found.Status)
	assert.False(t, found.LastActivityAt.IsZero())
}

func TestUploadSessionRepo_Create_DuplicateHandle(t *testing.T) {
	db := setupUploadTestDB(t)
	repo := NewUploadSessionRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newTestSession("u1", "h1", 1024)))

	err := repo.Create(ctx, newTestSession("u2", "h1", 2048))
	assert.ErrorIs(t, err, ErrDuplicateHandle)
}

func TestUploadSessionRepo_GetByStorageHandle(t *testing.T) {
	db := setupUploadTestDB(t)
	repo := NewUploadSessionRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newTestSession("u1", "h1", 1024)))

	found, err := repo.GetByStorageHandle(ctx, "h1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "u1", found.UploadID)

	missing, err := repo.GetByStorageHandle(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestUploadSessionRepo_CommitProgress(t *testing.T) {
	db := setupUploadTestDB(t)
	repo := NewUploadSessionRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newTestSession("u1", "h1", 1024)))

	require.NoError(t, repo.CommitProgress(ctx, "u1", 0, 512))
	require.NoError(t, repo.CommitProgress(ctx, "u1", 512, 512))

	found, err := repo.GetByUploadID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1024), found.BytesReceived)
	assert.True(t, found.IsComplete())
}

func TestUploadSessionRepo_CommitProgress_OffsetConflict(t *testing.T) {
	db := setupUploadTestDB(t)
	repo := NewUploadSessionRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newTestSession("u1", "h1", 1024)))
	require.NoError(t, repo.CommitProgress(ctx, "u1", 0, 256))

	// Stale base offset must not move committed progress.
	err := repo.CommitProgress(ctx, "u1", 0, 256)
	assert.ErrorIs(t, err, ErrOffsetConflict)

	found, err := repo.GetByUploadID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(256), found.BytesReceived)
}

func TestUploadSessionRepo_CommitProgress_Terminal(t *testing.T) {
	db := setupUploadTestDB(t)
	repo := NewUploadSessionRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newTestSession("u1", "h1", 1024)))
	require.NoError(t, repo.Terminate(ctx, "u1", models.UploadStatusCancelled))

	err := repo.CommitProgress(ctx, "u1", 0, 256)
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestUploadSessionRepo_Terminate_Idempotent(t *testing.T) {
	db := setupUploadTestDB(t)
	repo := NewUploadSessionRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newTestSession("u1", "h1", 1024)))
	require.NoError(t, repo.Terminate(ctx, "u1", models.UploadStatusCancelled))
	// Second terminate must not fail or change the terminal state.
	require.NoError(t, repo.Terminate(ctx, "u1", models.UploadStatusFailed))

	found, err := repo.GetByUploadID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.UploadStatusCancelled, found.Status)
}

func TestUploadSessionRepo_ListExpired(t *testing.T) {
	db := setupUploadTestDB(t)
	repo := NewUploadSessionRepository(db)
	ctx := context.Background()

	stale := newTestSession("u1", "h1", 1024)
	require.NoError(t, repo.Create(ctx, stale))
	fresh := newTestSession("u2", "h2", 1024)
	require.NoError(t, repo.Create(ctx, fresh))

	// Backdate the stale session past the expiry window.
	err := db.Model(&models.UploadSession{}).
		Where("upload_id = ?", "u1").
		Update("last_activity_at", time.Now().Add(-25*time.Hour)).Error
	require.NoError(t, err)

	expired, err := repo.ListExpired(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "u1", expired[0].UploadID)
}

func TestUploadSessionRepo_DeleteFinished(t *testing.T) {
	db := setupUploadTestDB(t)
	repo := NewUploadSessionRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newTestSession("u1", "h1", 1024)))
	require.NoError(t, repo.Create(ctx, newTestSession("u2", "h2", 1024)))
	require.NoError(t, repo.Terminate(ctx, "u1", models.UploadStatusCompleted))

	deleted, err := repo.DeleteFinished(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	remaining, err := repo.ListInProgress(ctx)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "u2", remaining[0].UploadID)
}
