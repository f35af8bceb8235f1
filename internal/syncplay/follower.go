package syncplay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cinesync/cinesync/internal/playback"
	"github.com/cinesync/cinesync/internal/protocol"
)

// State is a follower's position in its playback lifecycle.
type State string

// Follower states.
const (
	StateIdle          State = "idle"
	StateLoading       State = "loading"
	StateReady         State = "ready"
	StateScheduledPlay State = "scheduled_play"
	StatePlaying       State = "playing"
	StatePaused        State = "paused"
	StateSeeking       State = "seeking"
	StateClosed        State = "closed"
)

// metadataStreamURLKey carries the stream URL inside a load envelope.
const metadataStreamURLKey = "streamUrl"

// statusInterval is the unsolicited status-report cadence.
const statusInterval = time.Second

// Sender delivers frames to the master.
type Sender interface {
	Send(v any) error
}

// FollowerConfig tunes a follower.
type FollowerConfig struct {
	ClientID string

	// DriftInterval is the drift-monitor cadence while playing.
	DriftInterval time.Duration

	// SpeedCooldown is the minimum interval between rate adjustments.
	SpeedCooldown time.Duration

	// SeekCooldown is the minimum interval between corrective seeks.
	SeekCooldown time.Duration

	// InitialPlaybackCooldown suppresses corrective seeks after the first
	// transition into playing. Rate adjustment stays available.
	InitialPlaybackCooldown time.Duration
}

// Follower applies master commands to the local playback engine and runs
// the drift monitor.
type Follower struct {
	cfg    FollowerConfig
	engine playback.Engine
	sender Sender
	logger *slog.Logger

	mu    sync.Mutex
	state State

	// resumeState is where seeking returns to when the engine reports
	// seek completion.
	resumeState State

	// Master timeline as last reported via start/play/pause/sync_check.
	masterPosition  int64
	masterTimestamp int64
	masterPlaying   bool

	// firstPlayingAt anchors the initial-playback seek suppression. Set
	// once, on the first transition into playing.
	firstPlayingAt time.Time

	lastSpeedAdjust time.Time
	lastSeek        time.Time
	currentRate     float64
	lastDrift       int64

	playTimer *time.Timer

	// now is swappable for tests.
	now func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// NewFollower creates a follower in the idle state.
func NewFollower(cfg FollowerConfig, engine playback.Engine, sender Sender, logger *slog.Logger) *Follower {
	if logger == nil {
		logger = slog.Default()
	}
	return &Follower{
		cfg:         cfg,
		engine:      engine,
		sender:      sender,
		logger:      logger,
		state:       StateIdle,
		currentRate: 1.0,
		now:         time.Now,
		done:        make(chan struct{}),
	}
}

// Start runs the engine event loop, the drift monitor and the status
// reporter until ctx is cancelled or Close is called.
func (f *Follower) Start(ctx context.Context) {
	go f.eventLoop(ctx)
	go f.driftLoop(ctx)
	go f.statusLoop(ctx)
}

// Close transitions to closed and stops the engine.
func (f *Follower) Close() {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.setStateLocked(StateClosed)
		f.cancelPlayTimerLocked()
		f.mu.Unlock()
		close(f.done)
		_ = f.engine.Stop()
	})
}

// State returns the current state.
func (f *Follower) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// HandleCommand applies one command envelope. Any command aborts an
// in-flight correction: a pending scheduled play is cancelled and the
// command takes over.
func (f *Follower) HandleCommand(env protocol.CommandEnvelope) {
	f.mu.Lock()

	if f.state == StateClosed {
		f.mu.Unlock()
		return
	}

	f.cancelPlayTimerLocked()

	var report *protocol.StatusReport
	switch env.Action {
	case protocol.ActionLoad:
		f.handleLoadLocked(env)
	case protocol.ActionStart, protocol.ActionPlay:
		f.handlePlayLocked(env)
	case protocol.ActionPause:
		f.handlePauseLocked(env)
	case protocol.ActionSeek:
		f.handleSeekLocked(env)
	case protocol.ActionSyncCheck:
		// sync_check requests an immediate status report and nothing else.
		f.updateMasterLocked(env.VideoPosition, env.Timestamp, true)
		r := f.buildStatusLocked()
		report = &r
	}
	f.mu.Unlock()

	if report != nil {
		f.sendStatus(*report)
	}
}

func (f *Follower) handleLoadLocked(env protocol.CommandEnvelope) {
	url := env.Metadata[metadataStreamURLKey]
	if url == "" {
		f.logger.Warn("load command without stream url", slog.String("movie_id", env.MovieID))
		return
	}

	f.setStateLocked(StateLoading)
	if err := f.engine.Prepare(url, 0); err != nil {
		f.logger.Error("preparing media",
			slog.String("url", url),
			slog.String("error", err.Error()),
		)
		f.setStateLocked(StateIdle)
	}
}

func (f *Follower) handlePlayLocked(env protocol.CommandEnvelope) {
	if f.state != StateReady && f.state != StatePaused && f.state != StateSeeking {
		f.logger.Warn("play command in unexpected state", slog.String("state", string(f.state)))
	}

	f.updateMasterLocked(env.VideoPosition, env.Timestamp, true)

	delay := env.TargetStart().Sub(f.now())
	if delay <= 0 {
		f.enterPlayingLocked()
		return
	}

	f.setStateLocked(StateScheduledPlay)
	f.playTimer = time.AfterFunc(delay, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.state != StateScheduledPlay {
			return
		}
		f.enterPlayingLocked()
	})
}

func (f *Follower) handlePauseLocked(env protocol.CommandEnvelope) {
	if err := f.engine.Pause(); err != nil {
		f.logger.Error("pausing engine", slog.String("error", err.Error()))
	}
	f.updateMasterLocked(env.VideoPosition, env.Timestamp, false)
	f.resetRateLocked()
	f.setStateLocked(StatePaused)
}

func (f *Follower) handleSeekLocked(env protocol.CommandEnvelope) {
	switch f.state {
	case StatePlaying, StateScheduledPlay:
		f.resumeState = StatePlaying
	case StatePaused:
		f.resumeState = StatePaused
	default:
		f.resumeState = StateReady
	}

	f.updateMasterLocked(env.SeekPosition, env.Timestamp, f.masterPlaying)
	f.setStateLocked(StateSeeking)
	if err := f.engine.Seek(time.Duration(env.SeekPosition) * time.Millisecond); err != nil {
		f.logger.Error("seeking engine", slog.String("error", err.Error()))
		f.setStateLocked(f.resumeState)
	}
}

func (f *Follower) enterPlayingLocked() {
	if err := f.engine.Play(); err != nil {
		f.logger.Error("starting engine", slog.String("error", err.Error()))
		return
	}
	if f.firstPlayingAt.IsZero() {
		f.firstPlayingAt = f.now()
	}
	f.setStateLocked(StatePlaying)
}

// HandleEngineEvent advances the state machine on engine notifications.
func (f *Follower) HandleEngineEvent(ev playback.Event) {
	f.mu.Lock()

	switch ev.Kind {
	case playback.EventReady:
		if f.state == StateLoading {
			f.setStateLocked(StateReady)
		}
	case playback.EventSeekDone:
		if f.state == StateSeeking {
			next := f.resumeState
			if next == StatePlaying {
				f.enterPlayingLocked()
			} else {
				f.setStateLocked(next)
			}
		}
	case playback.EventEnded:
		f.resetRateLocked()
		f.setStateLocked(StatePaused)
	case playback.EventError:
		f.logger.Error("playback engine error", slog.String("error", errText(ev.Err)))
	}

	report := f.buildStatusLocked()
	f.mu.Unlock()
	f.sendStatus(report)
}

// CheckDrift runs one drift-monitor pass. No-op outside playing.
func (f *Follower) CheckDrift() {
	f.mu.Lock()

	if f.state != StatePlaying || f.masterTimestamp == 0 {
		f.mu.Unlock()
		return
	}

	nowMillis := f.now().UnixMilli()
	local := f.engine.Position().Milliseconds()
	expected := ExpectedPosition(f.masterPosition, f.masterTimestamp, f.masterPlaying, nowMillis)
	drift := local - expected
	f.lastDrift = drift

	abs := drift
	if abs < 0 {
		abs = -abs
	}

	quality := ClassifyDrift(drift)
	f.logger.Debug("drift sample",
		slog.Int64("drift_ms", drift),
		slog.String("quality", string(quality)),
		slog.Float64("rate", f.currentRate),
	)

	switch {
	case abs < driftDeadbandMillis:
		f.resetRateLocked()

	case abs < driftSpeedMillis:
		f.adjustRateLocked(drift)

	case abs < driftSeekMillis:
		// Hysteresis band: neither method, to avoid oscillation.

	default:
		if f.seekSuppressedLocked() {
			// Startup transient: only a rate nudge is safe here.
			f.adjustRateLocked(drift)
			break
		}
		if f.now().Sub(f.lastSeek) < f.cfg.SeekCooldown {
			break
		}
		f.lastSeek = f.now()
		f.resumeState = StatePlaying
		f.setStateLocked(StateSeeking)
		f.logger.Info("corrective seek",
			slog.Int64("drift_ms", drift),
			slog.Int64("target_ms", expected),
		)
		if err := f.engine.Seek(time.Duration(expected) * time.Millisecond); err != nil {
			f.logger.Error("corrective seek failed", slog.String("error", err.Error()))
			f.setStateLocked(StatePlaying)
		}
	}

	report := f.buildStatusLocked()
	f.mu.Unlock()
	f.sendStatus(report)
}

// adjustRateLocked applies the proportional speed correction, rate-limited
// by the speed cooldown.
func (f *Follower) adjustRateLocked(drift int64) {
	if f.now().Sub(f.lastSpeedAdjust) < f.cfg.SpeedCooldown {
		return
	}
	rate := TargetRate(drift)
	if rate == f.currentRate {
		return
	}
	if err := f.engine.SetRate(rate); err != nil {
		f.logger.Error("setting playback rate", slog.String("error", err.Error()))
		return
	}
	f.currentRate = rate
	f.lastSpeedAdjust = f.now()
	f.logger.Info("speed correction",
		slog.Int64("drift_ms", drift),
		slog.Float64("rate", rate),
	)
}

func (f *Follower) resetRateLocked() {
	if f.currentRate == 1.0 {
		return
	}
	if err := f.engine.SetRate(1.0); err != nil {
		f.logger.Error("resetting playback rate", slog.String("error", err.Error()))
		return
	}
	f.currentRate = 1.0
}

func (f *Follower) seekSuppressedLocked() bool {
	if f.firstPlayingAt.IsZero() {
		return false
	}
	return f.now().Sub(f.firstPlayingAt) < f.cfg.InitialPlaybackCooldown
}

func (f *Follower) updateMasterLocked(position, timestamp int64, playing bool) {
	f.masterPosition = position
	f.masterTimestamp = timestamp
	f.masterPlaying = playing
}

func (f *Follower) setStateLocked(next State) {
	if f.state == next {
		return
	}
	f.logger.Debug("follower state change",
		slog.String("from", string(f.state)),
		slog.String("to", string(next)),
	)
	f.state = next
}

func (f *Follower) cancelPlayTimerLocked() {
	if f.playTimer != nil {
		f.playTimer.Stop()
		f.playTimer = nil
	}
}

func (f *Follower) buildStatusLocked() protocol.StatusReport {
	ready := false
	switch f.state {
	case StateReady, StateScheduledPlay, StatePlaying, StatePaused:
		ready = true
	}
	return protocol.StatusReport{
		ClientID:         f.cfg.ClientID,
		VideoPosition:    f.engine.Position().Milliseconds(),
		IsPlaying:        f.state == StatePlaying,
		Drift:            f.lastDrift,
		BufferPercentage: f.engine.BufferPercent(),
		IsReady:          ready,
		Timestamp:        f.now().UnixMilli(),
	}
}

func (f *Follower) sendStatus(report protocol.StatusReport) {
	if err := f.sender.Send(report); err != nil {
		f.logger.Debug("sending status report", slog.String("error", err.Error()))
	}
}

func (f *Follower) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.done:
			return
		case ev, ok := <-f.engine.Events():
			if !ok {
				return
			}
			f.HandleEngineEvent(ev)
		}
	}
}

func (f *Follower) driftLoop(ctx context.Context) {
	ticker := time.NewTicker(f.cfg.DriftInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.done:
			return
		case <-ticker.C:
			f.CheckDrift()
		}
	}
}

func (f *Follower) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.done:
			return
		case <-ticker.C:
			f.mu.Lock()
			state := f.state
			report := f.buildStatusLocked()
			f.mu.Unlock()
			if state == StateIdle || state == StateClosed {
				continue
			}
			f.sendStatus(report)
		}
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
