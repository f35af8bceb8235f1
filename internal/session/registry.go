// Package session hosts watch-together sessions: it mints join PINs,
// brings up the stream and sync servers with port fallback, and tears the
// whole stack down as a unit.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cinesync/cinesync/internal/config"
	"github.com/cinesync/cinesync/internal/httpx"
	"github.com/cinesync/cinesync/internal/netprobe"
	"github.com/cinesync/cinesync/internal/playback"
	"github.com/cinesync/cinesync/internal/streamer"
	"github.com/cinesync/cinesync/internal/syncplay"
	"github.com/cinesync/cinesync/internal/transport"
)

// Hosting and joining failure reasons.
var (
	// ErrNoNetwork is returned when the host has no LAN address to publish.
	ErrNoNetwork = netprobe.ErrNoNetwork

	// ErrPortsExhausted is returned when neither server could bind.
	ErrPortsExhausted = httpx.ErrPortsExhausted

	// ErrFileMissing is returned when the video file does not exist.
	ErrFileMissing = errors.New("video file does not exist")

	// ErrUnknownPIN is returned when no session matches the PIN.
	ErrUnknownPIN = errors.New("no session with that PIN")

	// ErrSessionClosed is returned when the PIN's session has ended.
	ErrSessionClosed = errors.New("session has ended")
)

// Descriptor identifies a participating device.
type Descriptor struct {
	DeviceID string
	Name     string
}

// Snapshot is what a joining client needs to participate.
type Snapshot struct {
	SessionID string
	MovieID   string
	VideoURL  string
	SyncURL   string
	Master    Descriptor
}

// Session is one live watch-together session. It owns the stream server,
// the sync server and the coordinator; they live and die together.
type Session struct {
	ID        string
	PIN       string
	MovieID   string
	VideoURL  string
	SyncURL   string
	Master    Descriptor
	CreatedAt time.Time

	streamer     *streamer.Streamer
	hub          *transport.Hub
	coordinator  *syncplay.Coordinator
	streamServer *httpx.Server
	syncServer   *httpx.Server

	cancel context.CancelFunc
}

// Coordinator returns the session's sync coordinator.
func (s *Session) Coordinator() *syncplay.Coordinator { return s.coordinator }

// Hub returns the session's command transport.
func (s *Session) Hub() *transport.Hub { return s.hub }

// Snapshot returns the join payload for this session.
func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		SessionID: s.ID,
		MovieID:   s.MovieID,
		VideoURL:  s.VideoURL,
		SyncURL:   s.SyncURL,
		Master:    s.Master,
	}
}

// Registry tracks the sessions this process hosts. PINs are unique across
// the whole process lifetime, not just across live sessions.
type Registry struct {
	serverCfg config.ServerConfig
	syncCfg   config.SyncConfig
	probe     netprobe.Probe
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	byPIN    map[string]*Session
	usedPINs map[string]bool

	// randInt is swappable for tests.
	randInt func(n int) int
}

// NewRegistry creates a session registry.
func NewRegistry(serverCfg config.ServerConfig, syncCfg config.SyncConfig, probe netprobe.Probe, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		serverCfg: serverCfg,
		syncCfg:   syncCfg,
		probe:     probe,
		logger:    logger,
		sessions:  make(map[string]*Session),
		byPIN:     make(map[string]*Session),
		usedPINs:  make(map[string]bool),
		randInt:   rand.Intn,
	}
}

// Host creates a fully live session for the given local video file, or no
// session at all: if the sync server cannot bind, the already-started
// stream server is rolled back. A process hosts one session at a time, so
// a successful Host ends any session hosted before it.
func (r *Registry) Host(ctx context.Context, videoPath, movieID string, master Descriptor, engine playback.Engine) (*Session, error) {
	ip, err := r.probe.LocalIPv4()
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(videoPath); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrFileMissing, videoPath)
	}

	streamLn, streamPort, err := httpx.Listen(r.serverCfg.Host, r.serverCfg.Port, r.serverCfg.PortFallbackRange)
	if err != nil {
		return nil, fmt.Errorf("binding stream server: %w", err)
	}

	syncLn, syncPort, err := httpx.Listen(r.serverCfg.Host, r.syncCfg.Port, r.syncCfg.PortFallbackRange)
	if err != nil {
		// Partial start: the session is either fully live or not at all.
		_ = streamLn.Close()
		return nil, fmt.Errorf("binding sync server: %w", err)
	}

	pin := r.mintPIN()

	sessionCtx, cancel := context.WithCancel(ctx)

	str := streamer.New(r.logger)
	video, err := str.Register(movieID, videoPath, "")
	if err != nil {
		cancel()
		_ = streamLn.Close()
		_ = syncLn.Close()
		return nil, fmt.Errorf("registering video: %w", err)
	}

	hub := transport.NewHub(transport.HubConfig{
		SilenceTimeout: r.syncCfg.ClientSilenceTimeout,
		JoinPIN:        pin,
	}, r.logger)

	coordinator := syncplay.NewCoordinator(syncplay.CoordinatorConfig{
		SenderID:          master.DeviceID,
		LeadTime:          r.syncCfg.LeadTime,
		SampleInterval:    r.syncCfg.SampleInterval,
		SyncCheckInterval: r.syncCfg.SyncCheckInterval,
		ReadyTimeout:      r.syncCfg.ReadyTimeout,
	}, engine, hub, r.logger)

	hub.OnStatus(coordinator.HandleStatus)
	hub.OnDisconnect(coordinator.HandleDisconnect)

	streamServer := httpx.NewServer(streamLn, streamPort, r.serverCfg.ShutdownGrace, r.logger)
	str.Mount(streamServer.Router())

	syncServer := httpx.NewServer(syncLn, syncPort, r.serverCfg.ShutdownGrace, r.logger)
	hub.Mount(syncServer.Router())

	session := &Session{
		ID:           uuid.New().String(),
		PIN:          pin,
		MovieID:      movieID,
		VideoURL:     fmt.Sprintf("http://%s:%d/video/%s", ip, streamPort, movieID),
		SyncURL:      fmt.Sprintf("ws://%s:%d/sync", ip, syncPort),
		Master:       master,
		CreatedAt:    time.Now(),
		streamer:     str,
		hub:          hub,
		coordinator:  coordinator,
		streamServer: streamServer,
		syncServer:   syncServer,
		cancel:       cancel,
	}

	go func() {
		if err := streamServer.Start(); err != nil {
			r.logger.Error("stream server stopped", slog.String("error", err.Error()))
		}
	}()
	go func() {
		if err := syncServer.Start(); err != nil {
			r.logger.Error("sync server stopped", slog.String("error", err.Error()))
		}
	}()
	coordinator.Start(sessionCtx)

	// A master hosts one session at a time; any prior session is replaced
	// once the new one is fully live.
	for _, prior := range r.Sessions() {
		if err := r.End(ctx, prior.ID); err != nil {
			r.logger.Error("ending prior session",
				slog.String("session_id", prior.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	r.mu.Lock()
	r.sessions[session.ID] = session
	r.byPIN[pin] = session
	r.mu.Unlock()

	r.logger.Info("session hosted",
		slog.String("session_id", session.ID),
		slog.String("pin", pin),
		slog.String("video_url", session.VideoURL),
		slog.String("sync_url", session.SyncURL),
		slog.Int64("video_length", video.Length),
	)
	return session, nil
}

// Join resolves a PIN to a session snapshot.
func (r *Registry) Join(pin string, client Descriptor) (Snapshot, error) {
	r.mu.Lock()
	session, live := r.byPIN[pin]
	seen := r.usedPINs[pin]
	r.mu.Unlock()

	if !live {
		if seen {
			return Snapshot{}, ErrSessionClosed
		}
		return Snapshot{}, ErrUnknownPIN
	}

	r.logger.Info("client joined session",
		slog.String("session_id", session.ID),
		slog.String("device_id", client.DeviceID),
	)
	return session.Snapshot(), nil
}

// End tears a session down: the coordinator stops, every sync peer gets a
// normal-closure frame, both servers drain, and the video is unregistered.
func (r *Registry) End(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	session, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
		delete(r.byPIN, session.PIN)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown session %s", sessionID)
	}

	session.coordinator.Close()
	session.hub.Shutdown(ctx)

	if err := session.syncServer.Shutdown(ctx); err != nil {
		r.logger.Error("stopping sync server", slog.String("error", err.Error()))
	}
	session.streamer.UnregisterAll()
	if err := session.streamServer.Shutdown(ctx); err != nil {
		r.logger.Error("stopping stream server", slog.String("error", err.Error()))
	}
	session.cancel()

	r.logger.Info("session ended", slog.String("session_id", sessionID))
	return nil
}

// EndAll ends every live session.
func (r *Registry) EndAll(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		if err := r.End(ctx, id); err != nil {
			r.logger.Error("ending session", slog.String("session_id", id), slog.String("error", err.Error()))
		}
	}
}

// Get returns a live session by id.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// Sessions returns the live sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// mintPIN draws a PIN uniformly from the configured digit range, retrying
// until it collides with nothing this process has ever issued.
func (r *Registry) mintPIN() string {
	digits := r.syncCfg.PinDigits
	if digits <= 0 {
		digits = 6
	}
	low := 1
	for i := 1; i < digits; i++ {
		low *= 10
	}
	span := low*10 - low

	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		pin := fmt.Sprintf("%d", low+r.randInt(span))
		if r.usedPINs[pin] {
			continue
		}
		r.usedPINs[pin] = true
		return pin
	}
}
