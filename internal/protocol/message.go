// Package protocol defines the JSON wire messages exchanged over the sync
// channel: command envelopes flowing master to client and status reports
// flowing client to master.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Action identifies a playback command.
type Action string

// Playback command actions.
const (
	ActionLoad      Action = "load"
	ActionStart     Action = "start"
	ActionPlay      Action = "play"
	ActionPause     Action = "pause"
	ActionSeek      Action = "seek"
	ActionSyncCheck Action = "sync_check"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionLoad, ActionStart, ActionPlay, ActionPause, ActionSeek, ActionSyncCheck:
		return true
	default:
		return false
	}
}

// CommandEnvelope is a playback command from the master. TargetStartTime is
// populated only for start/play; SeekPosition only for seek. Unknown fields
// on the wire are ignored.
type CommandEnvelope struct {
	Action          Action            `json:"action"`
	Timestamp       int64             `json:"timestamp"`
	TargetStartTime int64             `json:"targetStartTime,omitempty"`
	VideoPosition   int64             `json:"videoPosition,omitempty"`
	SeekPosition    int64             `json:"seekPosition,omitempty"`
	MovieID         string            `json:"movieId,omitempty"`
	SenderID        string            `json:"senderId"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Validate checks the envelope's required fields and per-action invariants.
func (e *CommandEnvelope) Validate() error {
	if !e.Action.Valid() {
		return fmt.Errorf("unknown action %q", e.Action)
	}
	if e.SenderID == "" {
		return errors.New("envelope missing senderId")
	}
	switch e.Action {
	case ActionStart:
		if e.TargetStartTime == 0 {
			return errors.New("start envelope missing targetStartTime")
		}
	case ActionSeek:
		if e.SeekPosition < 0 {
			return errors.New("seek envelope with negative seekPosition")
		}
	}
	return nil
}

// TargetStart returns the target start time as wall clock.
func (e *CommandEnvelope) TargetStart() time.Time {
	return time.UnixMilli(e.TargetStartTime)
}

// SentAt returns the envelope timestamp as wall clock.
func (e *CommandEnvelope) SentAt() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// StatusReport is a client's periodic playback status. Drift is signed,
// positive when the client is ahead of the master's expected position.
type StatusReport struct {
	ClientID         string `json:"clientId"`
	VideoPosition    int64  `json:"videoPosition"`
	IsPlaying        bool   `json:"isPlaying"`
	Drift            int64  `json:"drift"`
	BufferPercentage int    `json:"bufferPercentage"`
	IsReady          bool   `json:"isReady"`
	Timestamp        int64  `json:"timestamp"`
}

// Validate checks the report's required fields.
func (r *StatusReport) Validate() error {
	if r.ClientID == "" {
		return errors.New("status report missing clientId")
	}
	if r.BufferPercentage < 0 || r.BufferPercentage > 100 {
		return fmt.Errorf("buffer percentage out of range: %d", r.BufferPercentage)
	}
	return nil
}

// Message is the result of decoding one inbound text frame. Exactly one of
// Command and Status is non-nil.
type Message struct {
	Command *CommandEnvelope
	Status  *StatusReport
}

// ErrUnrecognizedFrame is returned when a frame is valid JSON but neither a
// command envelope nor a status report.
var ErrUnrecognizedFrame = errors.New("frame is neither a command envelope nor a status report")

// Decode parses one inbound frame. The presence of the "action" field
// distinguishes a command envelope from a status report.
func Decode(frame []byte) (Message, error) {
	var probe struct {
		Action   *string `json:"action"`
		ClientID *string `json:"clientId"`
	}
	if err := json.Unmarshal(frame, &probe); err != nil {
		return Message{}, fmt.Errorf("parsing frame: %w", err)
	}

	if probe.Action != nil {
		var env CommandEnvelope
		if err := json.Unmarshal(frame, &env); err != nil {
			return Message{}, fmt.Errorf("parsing command envelope: %w", err)
		}
		if err := env.Validate(); err != nil {
			return Message{}, err
		}
		return Message{Command: &env}, nil
	}

	if probe.ClientID != nil {
		var report StatusReport
		if err := json.Unmarshal(frame, &report); err != nil {
			return Message{}, fmt.Errorf("parsing status report: %w", err)
		}
		if err := report.Validate(); err != nil {
			return Message{}, err
		}
		return Message{Status: &report}, nil
	}

	return Message{}, ErrUnrecognizedFrame
}

// Encode marshals a message for the wire.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	return data, nil
}

// NowMillis returns the current wall clock in milliseconds since epoch,
// the unit every timestamp on the wire uses.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
