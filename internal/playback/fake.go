package playback

import (
	"sync"
	"time"
)

// FakeEngine is an in-memory Engine for tests. Position advances from the
// last Play call scaled by the configured rate, so drift scenarios can be
// simulated by adjusting the base position directly.
type FakeEngine struct {
	mu sync.Mutex

	uri      string
	playing  bool
	rate     float64
	base     time.Duration
	playedAt time.Time
	buffer   int
	duration time.Duration

	events chan Event
}

// NewFakeEngine creates a fake engine with a 100% buffer.
func NewFakeEngine() *FakeEngine {
	return &FakeEngine{
		rate:   1.0,
		buffer: 100,
		events: make(chan Event, 16),
	}
}

// Prepare loads the media and immediately reports ready.
func (f *FakeEngine) Prepare(uri string, startAt time.Duration) error {
	f.mu.Lock()
	f.uri = uri
	f.base = startAt
	f.playing = false
	f.mu.Unlock()
	f.events <- Event{Kind: EventReady}
	return nil
}

// Play starts advancing the position.
func (f *FakeEngine) Play() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.playing {
		f.playing = true
		f.playedAt = time.Now()
	}
	return nil
}

// Pause freezes the position.
func (f *FakeEngine) Pause() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.playing {
		f.base = f.positionLocked()
		f.playing = false
	}
	return nil
}

// Seek jumps to position and reports completion.
func (f *FakeEngine) Seek(position time.Duration) error {
	f.mu.Lock()
	f.base = position
	f.playedAt = time.Now()
	f.mu.Unlock()
	f.events <- Event{Kind: EventSeekDone}
	return nil
}

// SetRate changes the playback rate.
func (f *FakeEngine) SetRate(rate float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.playing {
		f.base = f.positionLocked()
		f.playedAt = time.Now()
	}
	f.rate = rate
	return nil
}

// Rate returns the current playback rate.
func (f *FakeEngine) Rate() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rate
}

// SetPosition forces the current position, for drift simulation in tests.
func (f *FakeEngine) SetPosition(position time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.base = position
	f.playedAt = time.Now()
}

// Position returns the current playback position.
func (f *FakeEngine) Position() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.positionLocked()
}

func (f *FakeEngine) positionLocked() time.Duration {
	if !f.playing {
		return f.base
	}
	elapsed := time.Since(f.playedAt)
	return f.base + time.Duration(float64(elapsed)*f.rate)
}

// SetDuration configures the reported media duration.
func (f *FakeEngine) SetDuration(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.duration = d
}

// Duration returns the configured media duration.
func (f *FakeEngine) Duration() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.duration
}

// IsPlaying reports whether the engine is advancing.
func (f *FakeEngine) IsPlaying() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.playing
}

// BufferPercent returns the configured buffer level.
func (f *FakeEngine) BufferPercent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buffer
}

// SetBufferPercent configures the reported buffer level.
func (f *FakeEngine) SetBufferPercent(p int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buffer = p
}

// Stop releases the media and closes the event stream.
func (f *FakeEngine) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playing = false
	close(f.events)
	return nil
}

// Events returns the engine's event stream.
func (f *FakeEngine) Events() <-chan Event {
	return f.events
}

var _ Engine = (*FakeEngine)(nil)
