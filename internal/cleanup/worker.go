// Package cleanup removes expired upload sessions and orphaned pending
// media entries on a fixed schedule.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cinesync/cinesync/internal/mediastore"
	"github.com/cinesync/cinesync/internal/models"
	"github.com/cinesync/cinesync/internal/repository"
)

// Worker sweeps the upload-session table and the media store. One sweep
// runs at startup, then every Interval.
type Worker struct {
	repo     repository.UploadSessionRepository
	store    mediastore.Store
	expiry   time.Duration
	interval time.Duration
	logger   *slog.Logger

	cron *cron.Cron

	// now is swappable for tests.
	now func() time.Time
}

// NewWorker creates a cleanup worker.
func NewWorker(repo repository.UploadSessionRepository, store mediastore.Store, expiry, interval time.Duration, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		repo:     repo,
		store:    store,
		expiry:   expiry,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Start runs an immediate sweep and schedules recurring ones.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.Sweep(ctx); err != nil {
		// Startup sweep failures are logged, not fatal: a transiently
		// locked table must not stop the server from coming up.
		w.logger.Error("startup cleanup sweep failed", slog.String("error", err.Error()))
	}

	w.cron = cron.New()
	_, err := w.cron.AddFunc(fmt.Sprintf("@every %s", w.interval), func() {
		if err := w.Sweep(ctx); err != nil {
			w.logger.Error("cleanup sweep failed", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling cleanup: %w", err)
	}
	w.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (w *Worker) Stop() {
	if w.cron == nil {
		return
	}
	stopCtx := w.cron.Stop()
	<-stopCtx.Done()
}

// Sweep performs one full cleanup pass: expired in-progress sessions,
// finished rows, then orphaned pending entries.
func (w *Worker) Sweep(ctx context.Context) error {
	if err := w.expireSessions(ctx); err != nil {
		return err
	}
	if err := w.dropFinished(ctx); err != nil {
		return err
	}
	return w.sweepOrphans(ctx)
}

// expireSessions removes in-progress sessions idle past the expiry window
// along with their pending media entries.
func (w *Worker) expireSessions(ctx context.Context) error {
	cutoff := w.now().Add(-w.expiry)

	expired, err := w.repo.ListExpired(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("listing expired sessions: %w", err)
	}

	for _, session := range expired {
		if err := w.store.Delete(session.StorageHandle); err != nil {
			w.logger.Error("deleting expired media entry",
				slog.String("upload_id", session.UploadID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := w.repo.Delete(ctx, session.UploadID); err != nil {
			w.logger.Error("deleting expired session row",
				slog.String("upload_id", session.UploadID),
				slog.String("error", err.Error()),
			)
			continue
		}
		w.logger.Info("expired upload removed",
			slog.String("upload_id", session.UploadID),
			slog.String("filename", session.Filename),
			slog.Int64("bytes_received", session.BytesReceived),
		)
	}
	return nil
}

// dropFinished deletes rows in terminal states. Their media entries are
// either finalized files (kept) or were deleted at termination time.
func (w *Worker) dropFinished(ctx context.Context) error {
	n, err := w.repo.DeleteFinished(ctx)
	if err != nil {
		return fmt.Errorf("deleting finished sessions: %w", err)
	}
	if n > 0 {
		w.logger.Info("finished upload rows removed", slog.Int64("count", n))
	}
	return nil
}

// sweepOrphans deletes pending media entries that no session references,
// left behind by crashes between entry creation and row insert.
func (w *Worker) sweepOrphans(ctx context.Context) error {
	handles, err := w.store.ListPending()
	if err != nil {
		return fmt.Errorf("listing pending entries: %w", err)
	}

	for _, handle := range handles {
		session, err := w.repo.GetByStorageHandle(ctx, handle)
		if err != nil {
			return fmt.Errorf("looking up handle %s: %w", handle, err)
		}
		if session != nil && session.Status == models.UploadStatusInProgress {
			continue
		}
		if err := w.store.Delete(handle); err != nil {
			w.logger.Error("deleting orphaned media entry",
				slog.String("handle", handle),
				slog.String("error", err.Error()),
			)
			continue
		}
		w.logger.Info("orphaned pending entry removed", slog.String("handle", handle))
	}
	return nil
}
