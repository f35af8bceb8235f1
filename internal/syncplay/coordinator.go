package syncplay

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cinesync/cinesync/internal/playback"
	"github.com/cinesync/cinesync/internal/protocol"
)

// Broadcaster fans a message out to every connected client.
type Broadcaster interface {
	Broadcast(v any) int
}

// Device is the master's view of one client.
type Device struct {
	ClientID      string
	Ready         bool
	Degraded      bool
	Drift         int64
	Quality       Quality
	Position      int64
	IsPlaying     bool
	BufferPercent int
	LastSeen      time.Time
}

// CoordinatorConfig tunes the master side.
type CoordinatorConfig struct {
	// SenderID identifies the master in outbound envelopes.
	SenderID string

	// LeadTime is added to now to produce predictive target start times.
	LeadTime time.Duration

	// SampleInterval is the engine sampling cadence.
	SampleInterval time.Duration

	// SyncCheckInterval is the sync_check cadence while playing.
	SyncCheckInterval time.Duration

	// ReadyTimeout marks a device degraded if it has not reported ready
	// this long after load. Degraded devices stay in the roster.
	ReadyTimeout time.Duration
}

// Coordinator owns the authoritative timeline and drives clients through
// command envelopes. It never corrects anyone: correction is client-side.
type Coordinator struct {
	cfg         CoordinatorConfig
	engine      playback.Engine
	broadcaster Broadcaster
	logger      *slog.Logger

	mu      sync.Mutex
	devices map[string]*Device

	// Authoritative timeline: last sampled position, when, and whether
	// the master engine was advancing.
	position  int64
	sampledAt time.Time
	playing   bool

	movieID   string
	streamURL string
	loadedAt  time.Time

	lastSyncCheck time.Time

	playTimer *time.Timer

	// now is swappable for tests.
	now func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg CoordinatorConfig, engine playback.Engine, broadcaster Broadcaster, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:         cfg,
		engine:      engine,
		broadcaster: broadcaster,
		logger:      logger,
		devices:     make(map[string]*Device),
		now:         time.Now,
		done:        make(chan struct{}),
	}
}

// Start runs the sampler loop until ctx is cancelled or Close is called.
func (c *Coordinator) Start(ctx context.Context) {
	go c.sampleLoop(ctx)
}

// Close stops the sampler and any scheduled play.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.playTimer != nil {
			c.playTimer.Stop()
			c.playTimer = nil
		}
		c.mu.Unlock()
		close(c.done)
	})
}

// Load prepares the master engine and tells every client to load the
// stream. Clients report ready when their engines are prepared.
func (c *Coordinator) Load(movieID, streamURL string) error {
	if err := c.engine.Prepare(streamURL, 0); err != nil {
		return fmt.Errorf("preparing master engine: %w", err)
	}

	c.mu.Lock()
	c.movieID = movieID
	c.streamURL = streamURL
	c.loadedAt = c.now()
	for _, d := range c.devices {
		d.Ready = false
		d.Degraded = false
	}
	c.mu.Unlock()

	n := c.broadcaster.Broadcast(protocol.CommandEnvelope{
		Action:    protocol.ActionLoad,
		Timestamp: c.now().UnixMilli(),
		MovieID:   movieID,
		SenderID:  c.cfg.SenderID,
		Metadata:  map[string]string{metadataStreamURLKey: streamURL},
	})
	c.logger.Info("load broadcast",
		slog.String("movie_id", movieID),
		slog.Int("clients", n),
	)
	return nil
}

// StartPlayback emits the first start: every engine, master included,
// begins at now + lead time so network latency is absorbed by the lead.
func (c *Coordinator) StartPlayback() error {
	return c.emitPlay(protocol.ActionStart)
}

// Play resumes from pause with the same predictive scheduling as start.
func (c *Coordinator) Play() error {
	return c.emitPlay(protocol.ActionPlay)
}

func (c *Coordinator) emitPlay(action protocol.Action) error {
	now := c.now()
	target := now.Add(c.cfg.LeadTime)
	position := c.engine.Position().Milliseconds()

	n := c.broadcaster.Broadcast(protocol.CommandEnvelope{
		Action:          action,
		Timestamp:       now.UnixMilli(),
		TargetStartTime: target.UnixMilli(),
		VideoPosition:   position,
		MovieID:         c.currentMovieID(),
		SenderID:        c.cfg.SenderID,
	})
	c.logger.Info("playback scheduled",
		slog.String("action", string(action)),
		slog.Time("target", target),
		slog.Int("clients", n),
	)

	c.mu.Lock()
	if c.playTimer != nil {
		c.playTimer.Stop()
	}
	c.playTimer = time.AfterFunc(target.Sub(now), func() {
		if err := c.engine.Play(); err != nil {
			c.logger.Error("starting master engine", slog.String("error", err.Error()))
		}
	})
	c.mu.Unlock()
	return nil
}

// Pause pauses the master engine and tells every client.
func (c *Coordinator) Pause() error {
	c.mu.Lock()
	if c.playTimer != nil {
		c.playTimer.Stop()
		c.playTimer = nil
	}
	c.mu.Unlock()

	if err := c.engine.Pause(); err != nil {
		return fmt.Errorf("pausing master engine: %w", err)
	}

	c.broadcaster.Broadcast(protocol.CommandEnvelope{
		Action:        protocol.ActionPause,
		Timestamp:     c.now().UnixMilli(),
		VideoPosition: c.engine.Position().Milliseconds(),
		MovieID:       c.currentMovieID(),
		SenderID:      c.cfg.SenderID,
	})
	return nil
}

// Seek moves the master engine and tells every client.
func (c *Coordinator) Seek(position time.Duration) error {
	if err := c.engine.Seek(position); err != nil {
		return fmt.Errorf("seeking master engine: %w", err)
	}

	c.broadcaster.Broadcast(protocol.CommandEnvelope{
		Action:       protocol.ActionSeek,
		Timestamp:    c.now().UnixMilli(),
		SeekPosition: position.Milliseconds(),
		MovieID:      c.currentMovieID(),
		SenderID:     c.cfg.SenderID,
	})
	return nil
}

// HandleStatus folds one client status report into the roster.
func (c *Coordinator) HandleStatus(clientID string, report protocol.StatusReport) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.devices[clientID]
	if !ok {
		d = &Device{ClientID: clientID}
		c.devices[clientID] = d
		c.logger.Info("client joined roster", slog.String("client_id", clientID))
	}

	d.Ready = report.IsReady
	d.Drift = report.Drift
	d.Quality = ClassifyDrift(report.Drift)
	d.Position = report.VideoPosition
	d.IsPlaying = report.IsPlaying
	d.BufferPercent = report.BufferPercentage
	d.LastSeen = c.now()
	if report.IsReady {
		d.Degraded = false
	}
}

// HandleDisconnect removes a client from the roster.
func (c *Coordinator) HandleDisconnect(clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.devices[clientID]; ok {
		delete(c.devices, clientID)
		c.logger.Info("client left roster", slog.String("client_id", clientID))
	}
}

// AllReady reports whether every known device is ready. Gates the first
// start in the operator UI.
func (c *Coordinator) AllReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, d := range c.devices {
		if !d.Ready {
			return false
		}
	}
	return true
}

// Devices returns a snapshot of the roster sorted by client id.
func (c *Coordinator) Devices() []Device {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Device, 0, len(c.devices))
	for _, d := range c.devices {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// Sample takes one timeline sample and emits any due sync_check. The
// sampler loop calls this on its cadence; tests call it directly.
func (c *Coordinator) Sample() {
	now := c.now()
	position := c.engine.Position().Milliseconds()
	playing := c.engine.IsPlaying()

	c.mu.Lock()
	c.position = position
	c.sampledAt = now
	c.playing = playing

	emitCheck := playing && now.Sub(c.lastSyncCheck) >= c.cfg.SyncCheckInterval
	if emitCheck {
		c.lastSyncCheck = now
	}

	c.markStragglersLocked(now)
	movieID := c.movieID
	c.mu.Unlock()

	if emitCheck {
		c.broadcaster.Broadcast(protocol.CommandEnvelope{
			Action:        protocol.ActionSyncCheck,
			Timestamp:     now.UnixMilli(),
			VideoPosition: position,
			MovieID:       movieID,
			SenderID:      c.cfg.SenderID,
		})
	}
}

// markStragglersLocked flags devices that never became ready within the
// ready timeout after load. They stay in the roster.
func (c *Coordinator) markStragglersLocked(now time.Time) {
	if c.loadedAt.IsZero() || now.Sub(c.loadedAt) < c.cfg.ReadyTimeout {
		return
	}
	for _, d := range c.devices {
		if !d.Ready && !d.Degraded {
			d.Degraded = true
			c.logger.Warn("client never became ready",
				slog.String("client_id", d.ClientID),
				slog.Duration("timeout", c.cfg.ReadyTimeout),
			)
		}
	}
}

// Timeline returns the last sampled (position, sampled-at, playing).
func (c *Coordinator) Timeline() (int64, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.position, c.sampledAt, c.playing
}

func (c *Coordinator) currentMovieID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.movieID
}

func (c *Coordinator) sampleLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.Sample()
		}
	}
}
