//go:build !portaudio

package device

import (
	"context"
	"log/slog"

	"github.com/nagriksetu/nagriksetu/pkg/audio"
)

// Device is unusable without PortAudio.
type Device struct{}

var _ audio.Device = (*Device)(nil)

// New always fails with [ErrUnavailable].
func New(*slog.Logger) (*Device, error) { return nil, ErrUnavailable }

// OpenInput implements [audio.Device].
func (*Device) OpenInput(context.Context, audio.Format, int) (audio.Input, error) {
	return nil, ErrUnavailable
}

// OpenOutput implements [audio.Device].
func (*Device) OpenOutput(context.Context, audio.Format) (audio.Output, error) {
	return nil, ErrUnavailable
}

// Close is a no-op.
func (*Device) Close() error { return nil }
