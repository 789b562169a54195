// Package live defines the Provider interface for realtime voice backends.
//
// A live provider wraps a bidirectional streaming voice model: the caller
// streams base64 PCM16 microphone chunks in, and the model streams spoken
// audio, transcripts and turn signals back. The Gemini Live BidiGenerateContent
// API and the OpenAI Realtime API are the two implementations shipped here.
//
// Everything the remote side says is surfaced as a single ordered stream of
// [Event] values, a tagged variant the voice session consumes in one state
// transition function. Adapters translate their wire messages into events and
// never decode audio themselves; decoding is the consumer's job so that a
// malformed chunk can be dropped without ending the session.
//
// All implementations must be safe for concurrent use.
package live

import (
	"context"
	"errors"

	"github.com/nagriksetu/nagriksetu/pkg/audio/pcm"
)

// ErrClosed is returned by Channel.Send after the channel was closed.
var ErrClosed = errors.New("live: channel closed")

// EventKind discriminates the variants of [Event].
type EventKind int

const (
	// EventOpened is emitted once the remote side accepted the session setup.
	EventOpened EventKind = iota

	// EventAudio carries one chunk of synthesised speech in [Event.Audio].
	EventAudio

	// EventInterrupted signals that the user barged in and any queued model
	// audio must be discarded.
	EventInterrupted

	// EventTurnComplete marks the end of a model turn.
	EventTurnComplete

	// EventTranscript carries recognised user speech or model speech text in
	// [Event.Role] and [Event.Text].
	EventTranscript

	// EventClosed is emitted when the remote side ended the session cleanly.
	// It is always the last event.
	EventClosed

	// EventError is emitted when the session failed. [Event.Err] holds the
	// cause. It is always the last event.
	EventError
)

// String returns the human-readable name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventAudio:
		return "audio"
	case EventInterrupted:
		return "interrupted"
	case EventTurnComplete:
		return "turn_complete"
	case EventTranscript:
		return "transcript"
	case EventClosed:
		return "closed"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Transcript roles.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Event is one message from the remote voice model.
type Event struct {
	Kind EventKind

	// Audio is set for EventAudio.
	Audio pcm.EncodedChunk

	// Role and Text are set for EventTranscript. Text is an incremental
	// fragment; consecutive fragments of the same role concatenate.
	Role string
	Text string

	// Err is set for EventError.
	Err error
}

// Terminal reports whether no further events follow e.
func (e Event) Terminal() bool {
	return e.Kind == EventClosed || e.Kind == EventError
}

// Format is the audio format a provider expects and produces.
type Format struct {
	// InputRate is the sample rate of PCM16 mono chunks passed to Send.
	InputRate int

	// OutputRate is the sample rate of PCM16 mono chunks in EventAudio.
	OutputRate int
}

// Config is the initial configuration for a realtime session.
type Config struct {
	// SystemPrompt defines the assistant's persona and constraints.
	SystemPrompt string

	// Voice is the provider-specific prebuilt voice name. Empty selects the
	// provider default.
	Voice string

	// Transcribe requests input and output transcription events.
	Transcribe bool
}

// Channel is an open realtime session.
//
// Callers must call Close when the channel is no longer needed. The events
// channel is closed after the terminal event has been delivered, or after
// Close.
type Channel interface {
	// Events returns the ordered stream of remote events.
	Events() <-chan Event

	// Send delivers one captured audio chunk. It must not block longer than a
	// single network write.
	Send(ctx context.Context, chunk pcm.EncodedChunk) error

	// Close terminates the session. Safe to call more than once.
	Close() error
}

// Provider opens realtime voice sessions.
type Provider interface {
	// Open dials the remote endpoint and sends the session setup. It returns
	// as soon as the setup was written; EventOpened follows once the remote
	// side acknowledges it. The caller owns the Channel.
	Open(ctx context.Context, cfg Config) (Channel, error)

	// Format returns the audio format of the provider's wire protocol.
	Format() Format
}
