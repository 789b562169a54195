// Package speech defines the Synthesizer interface for text-to-speech.
//
// Synthesizers return raw little-endian PCM16 mono audio at the rate reported
// by SampleRate. The bytes are ready for pcm.PCM16ToFloatSamples or for
// wrapping in a WAV container.
package speech

import (
	"context"
	"errors"
	"fmt"
)

// ErrEmptyText is returned by Synthesize when there is nothing to speak.
var ErrEmptyText = errors.New("speech: text must not be empty")

// Synthesizer converts text to speech.
type Synthesizer interface {
	// Synthesize renders text with the given provider voice. An empty voiceID
	// selects the provider default.
	Synthesize(ctx context.Context, text, voiceID string) ([]byte, error)

	// SampleRate is the rate of the PCM16 audio returned by Synthesize.
	SampleRate() int
}

// CheckPCM verifies that b holds whole PCM16 samples.
func CheckPCM(b []byte) error {
	if len(b) == 0 {
		return errors.New("speech: empty audio")
	}
	if len(b)%2 != 0 {
		return fmt.Errorf("speech: odd PCM16 byte count %d", len(b))
	}
	return nil
}
