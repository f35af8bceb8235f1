// Package upload implements the resumable upload service speaking the tus
// 1.0.0 protocol with the creation, termination and expiration extensions.
// Bytes stream through the media store while committed offsets live in the
// upload-session table, so interrupted uploads resume across restarts.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/cinesync/cinesync/internal/mediastore"
	"github.com/cinesync/cinesync/internal/models"
	"github.com/cinesync/cinesync/internal/repository"
)

// Protocol constants.
const (
	tusVersion     = "1.0.0"
	tusExtensions  = "creation,termination,expiration"
	offsetMimeType = "application/offset+octet-stream"

	// copyBufferSize is the flush granularity: each buffered chunk is
	// synced to disk before its offset is committed.
	copyBufferSize = 256 * 1024
)

// pinHeader carries the optional upload PIN on every non-OPTIONS request.
const pinHeader = "X-Upload-Pin"

// allowedExtensions are the media container types accepted for upload.
var allowedExtensions = map[string]bool{
	".mp4": true,
	".mkv": true,
}

// Config tunes the upload service.
type Config struct {
	// MaxUploadBytes caps a single upload. Zero means free space minus
	// the headroom, computed per request.
	MaxUploadBytes int64

	// StorageHeadroom is the free space that must remain after accepting
	// an upload of the declared length.
	StorageHeadroom int64

	// SessionExpiry drives the Upload-Expires header and cleanup cutoff.
	SessionExpiry time.Duration

	// Pin, when non-empty, must be presented via X-Upload-Pin.
	Pin string
}

// Handler serves the tus endpoints under /tus/.
type Handler struct {
	repo   repository.UploadSessionRepository
	store  mediastore.Store
	cfg    Config
	logger *slog.Logger

	// inflight serializes PATCH bodies per upload id.
	mu       sync.Mutex
	inflight map[string]*sync.Mutex
}

// NewHandler creates an upload handler.
func NewHandler(repo repository.UploadSessionRepository, store mediastore.Store, cfg Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		repo:     repo,
		store:    store,
		cfg:      cfg,
		logger:   logger,
		inflight: make(map[string]*sync.Mutex),
	}
}

// Mount registers the tus routes on the router.
func (h *Handler) Mount(r chi.Router) {
	r.Route("/tus", func(r chi.Router) {
		r.Options("/", h.handleOptions)
		r.Post("/", h.handleCreate)
		r.Route("/{uploadID}", func(r chi.Router) {
			r.Options("/", h.handleOptions)
			r.Head("/", h.handleHead)
			r.Patch("/", h.handlePatch)
			r.Delete("/", h.handleDelete)
		})
	})
}

// lockUpload acquires the per-upload mutex, creating it on first use.
func (h *Handler) lockUpload(uploadID string) *sync.Mutex {
	h.mu.Lock()
	m, ok := h.inflight[uploadID]
	if !ok {
		m = &sync.Mutex{}
		h.inflight[uploadID] = m
	}
	h.mu.Unlock()
	m.Lock()
	return m
}

// releaseUpload drops the per-upload mutex entry once the upload is over.
func (h *Handler) releaseUpload(uploadID string) {
	h.mu.Lock()
	delete(h.inflight, uploadID)
	h.mu.Unlock()
}

// checkCommon enforces the PIN and protocol version on non-OPTIONS
// requests. It writes the response itself when the check fails.
func (h *Handler) checkCommon(w http.ResponseWriter, r *http.Request) bool {
	if h.cfg.Pin != "" && r.Header.Get(pinHeader) != h.cfg.Pin {
		w.Header().Set("Tus-Resumable", tusVersion)
		http.Error(w, "invalid upload pin", http.StatusUnauthorized)
		return false
	}
	if v := r.Header.Get("Tus-Resumable"); v != tusVersion {
		w.Header().Set("Tus-Version", tusVersion)
		http.Error(w, "unsupported tus version", http.StatusPreconditionFailed)
		return false
	}
	return true
}

// maxUploadBytes resolves the per-upload cap at request time.
func (h *Handler) maxUploadBytes() (int64, error) {
	if h.cfg.MaxUploadBytes > 0 {
		return h.cfg.MaxUploadBytes, nil
	}
	free, err := h.store.FreeBytes()
	if err != nil {
		return 0, fmt.Errorf("probing free space: %w", err)
	}
	max := free - h.cfg.StorageHeadroom
	if max < 0 {
		max = 0
	}
	return max, nil
}

func (h *Handler) handleOptions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Tus-Resumable", tusVersion)
	w.Header().Set("Tus-Version", tusVersion)
	w.Header().Set("Tus-Extension", tusExtensions)
	if max, err := h.maxUploadBytes(); err == nil && max > 0 {
		w.Header().Set("Tus-Max-Size", strconv.FormatInt(max, 10))
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	if !h.checkCommon(w, r) {
		return
	}
	w.Header().Set("Tus-Resumable", tusVersion)

	if r.Header.Get("Upload-Defer-Length") != "" {
		http.Error(w, "deferred length is not supported", http.StatusBadRequest)
		return
	}

	length, err := strconv.ParseInt(r.Header.Get("Upload-Length"), 10, 64)
	if err != nil || length <= 0 {
		http.Error(w, "missing or invalid Upload-Length", http.StatusBadRequest)
		return
	}

	meta, err := parseMetadata(r.Header.Get("Upload-Metadata"))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid Upload-Metadata: %v", err), http.StatusBadRequest)
		return
	}
	filename := meta["filename"]
	mimeType := meta["filetype"]
	if filename == "" || mimeType == "" {
		http.Error(w, "Upload-Metadata must include filename and filetype", http.StatusBadRequest)
		return
	}

	ext := strings.ToLower(filepath.Ext(filename))
	if !allowedExtensions[ext] {
		http.Error(w, fmt.Sprintf("unsupported file extension %q", ext), http.StatusBadRequest)
		return
	}

	max, err := h.maxUploadBytes()
	if err != nil {
		http.Error(w, "storage unavailable", http.StatusInternalServerError)
		return
	}
	if length > max {
		http.Error(w, "upload exceeds maximum size", http.StatusRequestEntityTooLarge)
		return
	}

	free, err := h.store.FreeBytes()
	if err != nil {
		http.Error(w, "storage unavailable", http.StatusInternalServerError)
		return
	}
	if free < length+h.cfg.StorageHeadroom {
		http.Error(w, "insufficient storage", http.StatusInsufficientStorage)
		return
	}

	handle, err := h.store.CreatePending(filename, mimeType)
	if err != nil {
		h.logger.Error("creating pending media entry", slog.String("error", err.Error()))
		http.Error(w, "storage unavailable", http.StatusInternalServerError)
		return
	}

	session := &models.UploadSession{
		UploadID:      uuid.New().String(),
		StorageHandle: handle,
		Filename:      filepath.Base(filename),
		MimeType:      mimeType,
		ExpectedBytes: length,
	}
	if err := h.repo.Create(r.Context(), session); err != nil {
		_ = h.store.Delete(handle)
		h.logger.Error("persisting upload session", slog.String("error", err.Error()))
		http.Error(w, "could not create upload", http.StatusInternalServerError)
		return
	}

	h.logger.Info("upload created",
		slog.String("upload_id", session.UploadID),
		slog.String("filename", session.Filename),
		slog.Int64("expected_bytes", length),
	)

	w.Header().Set("Location", "/tus/"+session.UploadID)
	w.Header().Set("Upload-Offset", "0")
	h.setExpires(w, session)
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) handleHead(w http.ResponseWriter, r *http.Request) {
	if !h.checkCommon(w, r) {
		return
	}
	w.Header().Set("Tus-Resumable", tusVersion)
	w.Header().Set("Cache-Control", "no-store")

	session, err := h.loadSession(r.Context(), chi.URLParam(r, "uploadID"))
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	if session == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if session.Status == models.UploadStatusCancelled || session.Status == models.UploadStatusFailed {
		w.WriteHeader(http.StatusGone)
		return
	}

	w.Header().Set("Upload-Offset", strconv.FormatInt(session.BytesReceived, 10))
	w.Header().Set("Upload-Length", strconv.FormatInt(session.ExpectedBytes, 10))
	h.setExpires(w, session)
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handlePatch(w http.ResponseWriter, r *http.Request) {
	if !h.checkCommon(w, r) {
		return
	}
	w.Header().Set("Tus-Resumable", tusVersion)

	if r.Header.Get("Content-Type") != offsetMimeType {
		http.Error(w, "Content-Type must be "+offsetMimeType, http.StatusUnsupportedMediaType)
		return
	}

	uploadID := chi.URLParam(r, "uploadID")

	mu := h.lockUpload(uploadID)
	release := false
	// The entry is dropped only after the lock is back, so a racing PATCH
	// for the same id cannot mint a second mutex mid-request.
	defer func() {
		mu.Unlock()
		if release {
			h.releaseUpload(uploadID)
		}
	}()

	session, err := h.loadSession(r.Context(), uploadID)
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	if session == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if session.Status.IsTerminal() {
		w.WriteHeader(http.StatusGone)
		return
	}

	offset, err := strconv.ParseInt(r.Header.Get("Upload-Offset"), 10, 64)
	if err != nil || offset < 0 {
		http.Error(w, "missing or invalid Upload-Offset", http.StatusBadRequest)
		return
	}
	if offset != session.BytesReceived {
		w.Header().Set("Upload-Offset", strconv.FormatInt(session.BytesReceived, 10))
		http.Error(w, "offset does not match committed progress", http.StatusConflict)
		return
	}

	committed, overLength, err := h.streamBody(r.Context(), session, r.Body)
	if err != nil {
		h.logger.Error("streaming upload body",
			slog.String("upload_id", uploadID),
			slog.String("error", err.Error()),
		)
		var sinkErr *storageError
		if errors.As(err, &sinkErr) {
			// The entry cannot keep accepting bytes; fail the session and
			// release its storage.
			h.failUpload(r.Context(), session)
			release = true
			if errors.Is(err, syscall.ENOSPC) {
				http.Error(w, "storage exhausted", http.StatusRequestEntityTooLarge)
				return
			}
			http.Error(w, "storage failure", http.StatusInternalServerError)
			return
		}
		// Read-side failure: bytes committed before it remain resumable.
		w.Header().Set("Upload-Offset", strconv.FormatInt(committed, 10))
		http.Error(w, "upload interrupted", http.StatusInternalServerError)
		return
	}

	session.BytesReceived = committed

	if session.IsComplete() {
		if err := h.completeUpload(r.Context(), session); err != nil {
			h.logger.Error("completing upload",
				slog.String("upload_id", uploadID),
				slog.String("error", err.Error()),
			)
			http.Error(w, "could not finalize upload", http.StatusInternalServerError)
			return
		}
		release = true
	}

	w.Header().Set("Upload-Offset", strconv.FormatInt(committed, 10))
	h.setExpires(w, session)

	if overLength {
		http.Error(w, "request body exceeds declared upload length", http.StatusRequestEntityTooLarge)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if !h.checkCommon(w, r) {
		return
	}
	w.Header().Set("Tus-Resumable", tusVersion)

	uploadID := chi.URLParam(r, "uploadID")

	mu := h.lockUpload(uploadID)
	release := false
	defer func() {
		mu.Unlock()
		if release {
			h.releaseUpload(uploadID)
		}
	}()

	session, err := h.loadSession(r.Context(), uploadID)
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	if session == nil || session.Status.IsTerminal() {
		// Termination is idempotent.
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := h.store.Delete(session.StorageHandle); err != nil {
		h.logger.Error("deleting media entry",
			slog.String("upload_id", uploadID),
			slog.String("error", err.Error()),
		)
	}
	// The row stays cancelled until the next cleanup sweep removes it, so
	// HEAD on the id answers 410 rather than 404.
	if err := h.repo.Terminate(r.Context(), uploadID, models.UploadStatusCancelled); err != nil {
		http.Error(w, "could not terminate upload", http.StatusInternalServerError)
		return
	}
	release = true

	h.logger.Info("upload terminated", slog.String("upload_id", uploadID))
	w.WriteHeader(http.StatusNoContent)
}

// loadSession fetches a session and reconciles its committed offset with
// bytes already on disk. Appends are synced before commit, so after a
// crash the disk can be ahead of the table but never behind it.
func (h *Handler) loadSession(ctx context.Context, uploadID string) (*models.UploadSession, error) {
	session, err := h.repo.GetByUploadID(ctx, uploadID)
	if err != nil || session == nil {
		return session, err
	}
	if session.Status.IsTerminal() {
		return session, nil
	}

	size, err := h.store.Size(session.StorageHandle)
	if err != nil {
		if errors.Is(err, mediastore.ErrUnknownHandle) {
			return session, nil
		}
		return nil, fmt.Errorf("sizing pending entry: %w", err)
	}
	if size > session.BytesReceived && size <= session.ExpectedBytes {
		delta := size - session.BytesReceived
		if err := h.repo.CommitProgress(ctx, uploadID, session.BytesReceived, delta); err != nil {
			return nil, fmt.Errorf("reconciling committed offset: %w", err)
		}
		session.BytesReceived = size
	}
	return session, nil
}

// storageError marks sink-side failures. Unlike a dropped request body the
// entry cannot keep accepting bytes, so the session is failed and released
// instead of left resumable.
type storageError struct{ err error }

func (e *storageError) Error() string { return e.err.Error() }
func (e *storageError) Unwrap() error { return e.err }

// failUpload releases the storage handle and marks the session failed
// after an unrecoverable write error.
func (h *Handler) failUpload(ctx context.Context, session *models.UploadSession) {
	if err := h.store.Delete(session.StorageHandle); err != nil {
		h.logger.Error("releasing failed upload entry",
			slog.String("upload_id", session.UploadID),
			slog.String("error", err.Error()),
		)
	}
	if err := h.repo.Terminate(ctx, session.UploadID, models.UploadStatusFailed); err != nil {
		h.logger.Error("marking upload failed",
			slog.String("upload_id", session.UploadID),
			slog.String("error", err.Error()),
		)
	}
}

// streamBody copies the request body onto the pending entry in buffered
// chunks, syncing and committing after each. It stops at the declared
// length and reports whether the body carried more.
func (h *Handler) streamBody(ctx context.Context, session *models.UploadSession, body io.Reader) (int64, bool, error) {
	sink, err := h.store.AppendStream(session.StorageHandle)
	if err != nil {
		return session.BytesReceived, false, &storageError{fmt.Errorf("opening append stream: %w", err)}
	}
	defer sink.Close()

	syncer, _ := sink.(interface{ Sync() error })

	committed := session.BytesReceived
	buf := make([]byte, copyBufferSize)
	overLength := false

	for {
		remaining := session.ExpectedBytes - committed
		if remaining == 0 {
			// Probe one byte to detect an over-length body.
			var probe [1]byte
			if n, _ := io.ReadFull(body, probe[:]); n > 0 {
				overLength = true
			}
			break
		}

		limit := int64(len(buf))
		if remaining < limit {
			limit = remaining
		}

		n, readErr := io.ReadFull(body, buf[:limit])
		if n > 0 {
			if _, err := sink.Write(buf[:n]); err != nil {
				return committed, false, &storageError{fmt.Errorf("writing chunk: %w", err)}
			}
			if syncer != nil {
				if err := syncer.Sync(); err != nil {
					return committed, false, &storageError{fmt.Errorf("syncing chunk: %w", err)}
				}
			}
			if err := h.repo.CommitProgress(ctx, session.UploadID, committed, int64(n)); err != nil {
				return committed, false, fmt.Errorf("committing progress: %w", err)
			}
			committed += int64(n)
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
				break
			}
			return committed, false, fmt.Errorf("reading body: %w", readErr)
		}
	}

	if err := sink.Close(); err != nil {
		return committed, false, &storageError{fmt.Errorf("closing append stream: %w", err)}
	}
	return committed, overLength, nil
}

// completeUpload finalizes the media entry and marks the session done.
func (h *Handler) completeUpload(ctx context.Context, session *models.UploadSession) error {
	url, err := h.store.Finalize(session.StorageHandle)
	if err != nil {
		return fmt.Errorf("finalizing media entry: %w", err)
	}
	if err := h.repo.Terminate(ctx, session.UploadID, models.UploadStatusCompleted); err != nil {
		return fmt.Errorf("marking upload completed: %w", err)
	}
	session.Status = models.UploadStatusCompleted

	h.logger.Info("upload completed",
		slog.String("upload_id", session.UploadID),
		slog.String("filename", session.Filename),
		slog.String("url", url),
		slog.Int64("bytes", session.BytesReceived),
	)
	return nil
}

// setExpires advertises when the session becomes eligible for cleanup.
func (h *Handler) setExpires(w http.ResponseWriter, session *models.UploadSession) {
	if h.cfg.SessionExpiry <= 0 || session.Status.IsTerminal() {
		return
	}
	expires := session.ExpiresAt(h.cfg.SessionExpiry)
	w.Header().Set("Upload-Expires", expires.UTC().Format(http.TimeFormat))
}
