package audio

import (
	"fmt"
	"time"
)

// Frame is one block of captured audio.
type Frame struct {
	// Samples are interleaved float samples, nominally in [-1, 1).
	Samples []float32

	// SampleRate in Hz (16000 for realtime voice input).
	SampleRate int

	// Channels is the interleaving factor of Samples.
	Channels int

	// Timestamp marks when this frame was captured, relative to input start.
	Timestamp time.Duration
}

// Frames returns the number of sample frames in f.
func (f Frame) Frames() int {
	if f.Channels <= 0 {
		return len(f.Samples)
	}
	return len(f.Samples) / f.Channels
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form, e.g. "16000Hz mono".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}
