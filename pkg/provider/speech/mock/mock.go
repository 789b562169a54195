// Package mock provides a test double for speech.Synthesizer.
package mock

import (
	"context"
	"sync"

	"github.com/nagriksetu/nagriksetu/pkg/provider/speech"
)

// SynthesizeCall records a single invocation of Synthesizer.Synthesize.
type SynthesizeCall struct {
	Text    string
	VoiceID string
}

// Synthesizer is a mock implementation of speech.Synthesizer.
type Synthesizer struct {
	mu sync.Mutex

	// Audio is returned by Synthesize when Err is nil.
	Audio []byte

	// Err, if non-nil, is returned by Synthesize.
	Err error

	// Rate is returned by SampleRate. Zero means 24000.
	Rate int

	// Calls records every call to Synthesize in order.
	Calls []SynthesizeCall
}

var _ speech.Synthesizer = (*Synthesizer)(nil)

// Synthesize records the call and returns a copy of Audio, or Err.
func (s *Synthesizer) Synthesize(_ context.Context, text, voiceID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, SynthesizeCall{Text: text, VoiceID: voiceID})
	if s.Err != nil {
		return nil, s.Err
	}
	return append([]byte(nil), s.Audio...), nil
}

// SampleRate returns Rate, defaulting to 24000.
func (s *Synthesizer) SampleRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Rate == 0 {
		return 24000
	}
	return s.Rate
}

// CallCount returns the number of Synthesize calls. Thread-safe.
func (s *Synthesizer) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Calls)
}
