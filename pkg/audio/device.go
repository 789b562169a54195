// Package audio defines the device abstractions a voice session captures from
// and plays through, plus sample-format helpers shared by their
// implementations.
//
// The primary abstractions are:
//
//   - [Device] opens capture [Input]s and playback [Output]s.
//   - [Input] delivers fixed-size blocks of float samples from a microphone,
//     a file or a remote client.
//   - [Output] plays float buffers at absolute positions on its own clock and
//     hands back a [Source] handle that can stop playback early.
//
// Implementations live in sub-packages (audio/device for PortAudio,
// audio/wavfile for files, audio/mock for tests) and in the HTTP voice bridge.
package audio

import (
	"context"
	"errors"
	"time"

	"github.com/nagriksetu/nagriksetu/pkg/audio/pcm"
)

// ErrPermissionDenied is returned (wrapped) by [Device.OpenInput] when the
// capture device refuses access.
var ErrPermissionDenied = errors.New("audio: capture permission denied")

// ErrClosed is returned by Output.Play after the output was closed.
var ErrClosed = errors.New("audio: output closed")

// Device opens audio endpoints. Implementations must be safe for concurrent use.
type Device interface {
	// OpenInput starts capturing at the requested format. Frames carry exactly
	// blockSize sample frames, except possibly the last one before the input
	// ends.
	OpenInput(ctx context.Context, format Format, blockSize int) (Input, error)

	// OpenOutput opens a playback endpoint whose clock starts at zero.
	OpenOutput(ctx context.Context, format Format) (Output, error)
}

// Input is an open capture endpoint.
type Input interface {
	// Frames returns the channel of captured frames. It is closed when the
	// input ends or is closed.
	Frames() <-chan Frame

	// Close stops capture and releases the device. Safe to call more than once.
	Close() error
}

// Output is an open playback endpoint with a monotonic clock.
type Output interface {
	// Now returns the current playback clock position.
	Now() time.Duration

	// Play schedules buf to start at the given clock position. A position in
	// the past starts immediately. onEnded, if non-nil, is invoked exactly once
	// when the buffer finishes or is stopped; it may run on any goroutine but
	// never before Play has returned.
	Play(buf pcm.Buffer, at time.Duration, onEnded func()) (Source, error)

	// Close stops every source and releases the endpoint. Safe to call more
	// than once.
	Close() error
}

// Source is a handle to one scheduled buffer.
type Source interface {
	// Stop ends playback of the buffer. Stopping an ended source is a no-op.
	Stop()
}

// Split returns a Device that captures from in and plays through out.
func Split(in, out Device) Device { return splitDevice{in: in, out: out} }

type splitDevice struct{ in, out Device }

func (d splitDevice) OpenInput(ctx context.Context, format Format, blockSize int) (Input, error) {
	return d.in.OpenInput(ctx, format, blockSize)
}

func (d splitDevice) OpenOutput(ctx context.Context, format Format) (Output, error) {
	return d.out.OpenOutput(ctx, format)
}
