// Package streamer publishes registered local video files over HTTP with
// byte-range support. Clients' playback engines fetch media bytes from
// here while the sync channel keeps their positions aligned.
package streamer

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
)

// ErrUnknownMovie is returned when a movie id has no registration.
var ErrUnknownMovie = errors.New("unknown movie id")

// Video is a registered local file published under /video/{movieID}.
type Video struct {
	MovieID     string
	Path        string
	ContentType string
	Length      int64
}

// Streamer serves registered videos. Registrations are keyed by movie id;
// deregistration never cancels an in-flight read because each request
// opens its own file handle.
type Streamer struct {
	mu     sync.RWMutex
	videos map[string]Video
	logger *slog.Logger
}

// New creates a Streamer.
func New(logger *slog.Logger) *Streamer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Streamer{
		videos: make(map[string]Video),
		logger: logger,
	}
}

// Register publishes a local file under the given movie id, replacing any
// previous registration for that id.
func (s *Streamer) Register(movieID, path, contentType string) (Video, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Video{}, fmt.Errorf("stat video file: %w", err)
	}
	if info.IsDir() {
		return Video{}, fmt.Errorf("video path is a directory: %s", path)
	}
	if contentType == "" {
		contentType = contentTypeFor(path)
	}

	video := Video{
		MovieID:     movieID,
		Path:        path,
		ContentType: contentType,
		Length:      info.Size(),
	}

	s.mu.Lock()
	s.videos[movieID] = video
	s.mu.Unlock()

	s.logger.Info("registered video",
		slog.String("movie_id", movieID),
		slog.Int64("length", video.Length),
		slog.String("content_type", contentType),
	)
	return video, nil
}

// Unregister removes a movie id. In-flight reads continue unaffected.
func (s *Streamer) Unregister(movieID string) {
	s.mu.Lock()
	delete(s.videos, movieID)
	s.mu.Unlock()
}

// UnregisterAll removes every registration.
func (s *Streamer) UnregisterAll() {
	s.mu.Lock()
	s.videos = make(map[string]Video)
	s.mu.Unlock()
}

// Get returns the registration for a movie id.
func (s *Streamer) Get(movieID string) (Video, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.videos[movieID]
	return v, ok
}

// Mount registers the streamer's routes on the router.
func (s *Streamer) Mount(r chi.Router) {
	r.Get("/video/{movieID}", s.handleVideo)
	r.Head("/video/{movieID}", s.handleVideo)
}

// handleVideo serves full and single-range GETs plus header-only HEADs.
func (s *Streamer) handleVideo(w http.ResponseWriter, r *http.Request) {
	movieID := chi.URLParam(r, "movieID")

	video, ok := s.Get(movieID)
	if !ok {
		http.Error(w, "unknown movie", http.StatusNotFound)
		return
	}

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		s.serveFull(w, r, video)
		return
	}

	start, end, err := parseRange(rangeHeader, video.Length)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", video.Length))
		http.Error(w, "unsatisfiable range", http.StatusRequestedRangeNotSatisfiable)
		return
	}

	s.servePartial(w, r, video, start, end)
}

func (s *Streamer) serveFull(w http.ResponseWriter, r *http.Request, video Video) {
	w.Header().Set("Content-Type", video.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(video.Length, 10))
	w.Header().Set("Accept-Ranges", "bytes")
	w.WriteHeader(http.StatusOK)

	if r.Method == http.MethodHead {
		return
	}

	f, err := os.Open(video.Path)
	if err != nil {
		s.logger.Error("opening video file",
			slog.String("movie_id", video.MovieID),
			slog.String("error", err.Error()),
		)
		return
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		// Client went away mid-stream; nothing to clean up.
		s.logger.Debug("stream aborted",
			slog.String("movie_id", video.MovieID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Streamer) servePartial(w http.ResponseWriter, r *http.Request, video Video, start, end int64) {
	length := end - start + 1

	w.Header().Set("Content-Type", video.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, video.Length))
	w.Header().Set("Accept-Ranges", "bytes")
	w.WriteHeader(http.StatusPartialContent)

	if r.Method == http.MethodHead {
		return
	}

	f, err := os.Open(video.Path)
	if err != nil {
		s.logger.Error("opening video file",
			slog.String("movie_id", video.MovieID),
			slog.String("error", err.Error()),
		)
		return
	}
	defer f.Close()

	section := io.NewSectionReader(f, start, length)
	if _, err := io.Copy(w, section); err != nil {
		s.logger.Debug("range stream aborted",
			slog.String("movie_id", video.MovieID),
			slog.String("error", err.Error()),
		)
	}
}

// parseRange parses a single "bytes=a-b" or "bytes=a-" range against the
// total length. Multi-range and suffix ranges are rejected; open-ended
// ranges are capped at total-1.
func parseRange(header string, total int64) (start, end int64, err error) {
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return 0, 0, fmt.Errorf("unsupported range unit in %q", header)
	}
	if strings.Contains(spec, ",") {
		return 0, 0, fmt.Errorf("multi-range not supported: %q", header)
	}

	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok || startStr == "" {
		return 0, 0, fmt.Errorf("malformed range %q", header)
	}

	start, err = strconv.ParseInt(strings.TrimSpace(startStr), 10, 64)
	if err != nil || start < 0 {
		return 0, 0, fmt.Errorf("malformed range start %q", header)
	}

	if endStr == "" {
		end = total - 1
	} else {
		end, err = strconv.ParseInt(strings.TrimSpace(endStr), 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("malformed range end %q", header)
		}
		if end > total-1 {
			end = total - 1
		}
	}

	if start > end || start >= total {
		return 0, 0, fmt.Errorf("unsatisfiable range %q for length %d", header, total)
	}
	return start, end, nil
}

// contentTypeFor guesses a content type from the file extension.
func contentTypeFor(path string) string {
	switch {
	case strings.HasSuffix(path, ".mp4"):
		return "video/mp4"
	case strings.HasSuffix(path, ".mkv"):
		return "video/x-matroska"
	default:
		return "application/octet-stream"
	}
}
