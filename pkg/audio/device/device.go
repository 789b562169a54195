// Package device plays and captures audio through the system's default sound
// devices using PortAudio. It is only functional when built with the
// portaudio tag; otherwise [New] returns [ErrUnavailable].
package device

import "errors"

// ErrUnavailable is returned by [New] in builds without PortAudio.
var ErrUnavailable = errors.New("device: audio devices not available: rebuild with -tags portaudio")

const (
	captureQueue    = 16
	framesPerBuffer = 512
)
