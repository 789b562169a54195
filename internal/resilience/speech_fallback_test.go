package resilience

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/nagriksetu/nagriksetu/pkg/audio/pcm"
	"github.com/nagriksetu/nagriksetu/pkg/provider/speech"
	speechmock "github.com/nagriksetu/nagriksetu/pkg/provider/speech/mock"
)

func TestSpeechFallback_PrimarySuccess(t *testing.T) {
	primary := &speechmock.Synthesizer{Audio: []byte{1, 0, 2, 0}}
	secondary := &speechmock.Synthesizer{Audio: []byte{9, 9}}

	fb := NewSpeechFallback(primary, "gemini", FallbackConfig{})
	fb.AddFallback("openai", secondary)

	got, err := fb.Synthesize(context.Background(), "namaste", "Kore")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(got, primary.Audio) {
		t.Fatalf("audio = %v, want primary audio", got)
	}
	if primary.Calls[0].VoiceID != "Kore" {
		t.Fatalf("voice = %q, want Kore", primary.Calls[0].VoiceID)
	}
	if secondary.CallCount() != 0 {
		t.Fatalf("secondary called %d times, want 0", secondary.CallCount())
	}
}

func TestSpeechFallback_ResamplesToPrimaryRate(t *testing.T) {
	primary := &speechmock.Synthesizer{Err: errors.New("unavailable"), Rate: 24000}
	// 160 frames at 16 kHz is 10 ms, which is 240 frames at 24 kHz.
	secondary := &speechmock.Synthesizer{
		Audio: pcm.FloatSamplesToPCM16(make([]float32, 160), 1),
		Rate:  16000,
	}

	fb := NewSpeechFallback(primary, "gemini", FallbackConfig{})
	fb.AddFallback("local", secondary)

	if fb.SampleRate() != 24000 {
		t.Fatalf("SampleRate() = %d, want 24000", fb.SampleRate())
	}
	got, err := fb.Synthesize(context.Background(), "hello", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 240*2 {
		t.Fatalf("len(audio) = %d, want %d", len(got), 240*2)
	}
}

func TestSpeechFallback_EmptyTextNotRetried(t *testing.T) {
	primary := &speechmock.Synthesizer{Err: speech.ErrEmptyText}
	secondary := &speechmock.Synthesizer{Audio: []byte{0, 0}}

	fb := NewSpeechFallback(primary, "gemini", FallbackConfig{})
	fb.AddFallback("openai", secondary)

	if _, err := fb.Synthesize(context.Background(), "", ""); !errors.Is(err, speech.ErrEmptyText) {
		t.Fatalf("err = %v, want ErrEmptyText", err)
	}
	if secondary.CallCount() != 0 {
		t.Fatalf("secondary called %d times, want 0", secondary.CallCount())
	}
}
