package resilience

import (
	"context"
	"errors"

	"github.com/nagriksetu/nagriksetu/pkg/audio"
	"github.com/nagriksetu/nagriksetu/pkg/audio/pcm"
	"github.com/nagriksetu/nagriksetu/pkg/provider/speech"
)

// SpeechFallback implements [speech.Synthesizer] with automatic failover
// across several synthesizers, each behind its own circuit breaker.
//
// Audio is always returned at the primary's sample rate; output from a
// fallback with a different rate is resampled.
type SpeechFallback struct {
	group *FallbackGroup[speech.Synthesizer]
	rate  int
}

var _ speech.Synthesizer = (*SpeechFallback)(nil)

// NewSpeechFallback creates a [SpeechFallback] with primary as the preferred
// synthesizer.
func NewSpeechFallback(primary speech.Synthesizer, primaryName string, cfg FallbackConfig) *SpeechFallback {
	if cfg.Kind == "" {
		cfg.Kind = "speech"
	}
	if cfg.Permanent == nil {
		cfg.Permanent = func(err error) bool { return errors.Is(err, speech.ErrEmptyText) }
	}
	return &SpeechFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
		rate:  primary.SampleRate(),
	}
}

// AddFallback registers an additional synthesizer.
func (f *SpeechFallback) AddFallback(name string, s speech.Synthesizer) {
	f.group.AddFallback(name, s)
}

// Names returns the synthesizer names in failover order.
func (f *SpeechFallback) Names() []string { return f.group.Names() }

// States returns the breaker state of each synthesizer keyed by name.
func (f *SpeechFallback) States() map[string]State { return f.group.States() }

// SampleRate is the primary's sample rate.
func (f *SpeechFallback) SampleRate() int { return f.rate }

// Synthesize renders text with the first healthy synthesizer.
func (f *SpeechFallback) Synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	return ExecuteWithResult(ctx, f.group, func(s speech.Synthesizer) ([]byte, error) {
		b, err := s.Synthesize(ctx, text, voiceID)
		if err != nil {
			return nil, err
		}
		if src := s.SampleRate(); src != f.rate && len(b) > 0 {
			buf := pcm.PCM16ToFloatSamples(b, 1)
			b = pcm.FloatSamplesToPCM16(audio.Resample(buf.Channels[0], 1, src, f.rate), 1)
		}
		return b, nil
	})
}
