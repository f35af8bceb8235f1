// Package playback defines the host playback engine contract the sync core
// drives. Decoding, surface binding, and audio routing live behind this
// interface in the host application.
package playback

import "time"

// Engine is one device's playback engine. All methods are non-blocking from
// the caller's perspective; state changes surface through the Events channel.
type Engine interface {
	// Prepare loads the media at uri and pauses at startAt.
	Prepare(uri string, startAt time.Duration) error

	// Play resumes playback at the current position.
	Play() error

	// Pause halts playback, keeping the position.
	Pause() error

	// Seek moves the position. Completion is signalled via EventSeekDone.
	Seek(position time.Duration) error

	// SetRate sets the playback rate. Engines honor rates in [0.5, 2.0].
	SetRate(rate float64) error

	// Position returns the current playback position.
	Position() time.Duration

	// Duration returns the media duration, or zero if unknown.
	Duration() time.Duration

	// IsPlaying reports whether the engine is currently advancing.
	IsPlaying() bool

	// BufferPercent returns the buffered share of the media, 0..100.
	BufferPercent() int

	// Stop releases the loaded media.
	Stop() error

	// Events returns the engine's event stream. The channel is closed when
	// the engine is stopped.
	Events() <-chan Event
}

// EventKind identifies an engine event.
type EventKind int

// Engine event kinds.
const (
	// EventReady fires when the engine is buffered and paused at the
	// requested position after Prepare.
	EventReady EventKind = iota
	// EventSeekDone fires when a Seek completes.
	EventSeekDone
	// EventEnded fires when playback reaches the end of the media.
	EventEnded
	// EventError fires on an unrecoverable engine error.
	EventError
)

// Event is a playback engine state change.
type Event struct {
	Kind EventKind
	Err  error
}
