package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/cinesync/cinesync/internal/mediastore"
	"github.com/cinesync/cinesync/internal/models"
	"github.com/cinesync/cinesync/internal/repository"
)

func setupCleanupTest(t *testing.T) (*Worker, repository.UploadSessionRepository, *mediastore.FileStore, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.UploadSession{}))

	store, err := mediastore.NewFileStore(t.TempDir())
	require.NoError(t, err)

	repo := repository.NewUploadSessionRepository(db)
	w := NewWorker(repo, store, 24*time.Hour, 6*time.Hour, nil)

	return w, repo, store, db
}

func createSession(t *testing.T, repo repository.UploadSessionRepository, store *mediastore.FileStore, uploadID string) *models.UploadSession {
	t.Helper()

	handle, err := store.CreatePending(uploadID+".mp4", "video/mp4")
	require.NoError(t, err)

	session := &models.UploadSession{
		UploadID:      uploadID,
		StorageHandle: handle,
		Filename:      uploadID + ".mp4",
		MimeType:      "video/mp4",
		ExpectedBytes: 1024,
	}
	require.NoError(t, repo.Create(context.Background(), session))
	return session
}

func TestSweepExpiresIdleSessions(t *testing.T) {
	w, repo, store, db := setupCleanupTest(t)
	ctx := context.Background()

	stale := createSession(t, repo, store, "stale")
	fresh := createSession(t, repo, store, "fresh")

	// Backdate the stale session past the expiry window.
	err := db.Model(&models.UploadSession{}).
		Where("upload_id = ?", stale.UploadID).
		Update("last_activity_at", time.Now().Add(-25*time.Hour)).Error
	require.NoError(t, err)

	require.NoError(t, w.Sweep(ctx))

	got, err := repo.GetByUploadID(ctx, stale.UploadID)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = repo.GetByUploadID(ctx, fresh.UploadID)
	require.NoError(t, err)
	require.NotNil(t, got)

	pending, err := store.ListPending()
	require.NoError(t, err)
	assert.Equal(t, []string{fresh.StorageHandle}, pending)
}

func TestSweepDropsFinishedRows(t *testing.T) {
	w, repo, store, _ := setupCleanupTest(t)
	ctx := context.Background()

	done := createSession(t, repo, store, "done")
	require.NoError(t, repo.Terminate(ctx, done.UploadID, models.UploadStatusCompleted))
	_, err := store.Finalize(done.StorageHandle)
	require.NoError(t, err)

	require.NoError(t, w.Sweep(ctx))

	got, err := repo.GetByUploadID(ctx, done.UploadID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSweepRemovesOrphanedPendingEntries(t *testing.T) {
	w, repo, store, _ := setupCleanupTest(t)
	ctx := context.Background()

	// Pending entry with no session row, as left by a crash between entry
	// creation and row insert.
	_, err := store.CreatePending("orphan.mp4", "video/mp4")
	require.NoError(t, err)

	tracked := createSession(t, repo, store, "tracked")

	require.NoError(t, w.Sweep(ctx))

	pending, err := store.ListPending()
	require.NoError(t, err)
	assert.Equal(t, []string{tracked.StorageHandle}, pending)
}

func TestSweepRemovesPendingEntriesOfCancelledSessions(t *testing.T) {
	w, repo, store, _ := setupCleanupTest(t)
	ctx := context.Background()

	cancelled := createSession(t, repo, store, "cancelled")
	require.NoError(t, repo.Terminate(ctx, cancelled.UploadID, models.UploadStatusCancelled))

	require.NoError(t, w.Sweep(ctx))

	pending, err := store.ListPending()
	require.NoError(t, err)
	assert.Empty(t, pending)

	got, err := repo.GetByUploadID(ctx, cancelled.UploadID)
	require.NoError(t, err)
	assert.Nil(t, got)
}
