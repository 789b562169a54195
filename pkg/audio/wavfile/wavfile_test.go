package wavfile_test

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nagriksetu/nagriksetu/pkg/audio"
	"github.com/nagriksetu/nagriksetu/pkg/audio/pcm"
	"github.com/nagriksetu/nagriksetu/pkg/audio/wavfile"
)

func writeWAV(t *testing.T, samples []float32, rate int) string {
	t.Helper()
	var b bytes.Buffer
	if err := wavfile.Encode(&b, pcm.FloatSamplesToPCM16(samples, 1), rate); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	path := filepath.Join(t.TempDir(), "in.wav")
	if err := os.WriteFile(path, b.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func ramp(n int) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = float32(i%200)/200 - 0.5
	}
	return s
}

func TestEncodeRead_RoundTrip(t *testing.T) {
	t.Parallel()

	in := ramp(1000)
	path := writeWAV(t, in, 16000)

	got, format, err := wavfile.Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if format != (audio.Format{SampleRate: 16000, Channels: 1}) {
		t.Errorf("format = %v, want 16000Hz mono", format)
	}
	if len(got) != len(in) {
		t.Fatalf("len = %d, want %d", len(got), len(in))
	}
	for i := range in {
		if d := math.Abs(float64(got[i] - in[i])); d > 1.0/32768 {
			t.Fatalf("sample %d = %v, want %v", i, got[i], in[i])
		}
	}
}

func TestEncode_OddLength(t *testing.T) {
	t.Parallel()

	err := wavfile.Encode(&bytes.Buffer{}, []byte{1, 2, 3}, 16000)
	if !errors.Is(err, wavfile.ErrFormat) {
		t.Errorf("err = %v, want ErrFormat", err)
	}
}

func TestRead_Missing(t *testing.T) {
	t.Parallel()

	_, _, err := wavfile.Read(filepath.Join(t.TempDir(), "nope.wav"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want ErrNotExist", err)
	}
}

func TestDevice_InputResamplesAndChunks(t *testing.T) {
	t.Parallel()

	// 0.5 s at 8 kHz becomes 8000 frames at 16 kHz, plus 0.25 s of silence.
	path := writeWAV(t, ramp(4000), 8000)
	dev := &wavfile.Device{InputPath: path, Fast: true, TrailingSilence: 250 * time.Millisecond}

	in, err := dev.OpenInput(context.Background(), audio.Format{SampleRate: 16000, Channels: 1}, 1024)
	if err != nil {
		t.Fatalf("OpenInput: %v", err)
	}
	defer in.Close()

	var total, frames int
	for f := range in.Frames() {
		if f.SampleRate != 16000 || f.Channels != 1 {
			t.Fatalf("frame format %dHz/%dch", f.SampleRate, f.Channels)
		}
		if f.Frames() > 1024 {
			t.Fatalf("frame of %d samples exceeds block size", f.Frames())
		}
		total += f.Frames()
		frames++
	}
	if want := 8000 + 4000; total != want {
		t.Errorf("total frames = %d, want %d", total, want)
	}
	if frames != 12 {
		t.Errorf("frame count = %d, want 12", frames)
	}
}

func TestDevice_InputCloseStopsStream(t *testing.T) {
	t.Parallel()

	path := writeWAV(t, ramp(16000), 16000)
	dev := &wavfile.Device{InputPath: path}

	in, err := dev.OpenInput(context.Background(), audio.Format{SampleRate: 16000, Channels: 1}, 1600)
	if err != nil {
		t.Fatal(err)
	}
	<-in.Frames()
	_ = in.Close()
	_ = in.Close()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-in.Frames():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("frames channel not closed after Close")
		}
	}
}

func TestDevice_NoInput(t *testing.T) {
	t.Parallel()

	dev := &wavfile.Device{}
	if _, err := dev.OpenInput(context.Background(), audio.Format{SampleRate: 16000, Channels: 1}, 1024); err == nil {
		t.Error("OpenInput without a path succeeded")
	}
}

func TestRecorder_WritesPlayback(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out.wav")
	rec := wavfile.NewRecorder(path, audio.Format{SampleRate: 8000, Channels: 1})

	ended := make(chan struct{})
	buf := pcm.Buffer{Channels: [][]float32{ramp(400)}}
	if _, err := rec.Play(buf, 0, func() { close(ended) }); err != nil {
		t.Fatalf("Play: %v", err)
	}
	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("buffer did not finish playing")
	}
	if rec.Now() < 50*time.Millisecond {
		t.Errorf("Now = %v, want at least 50ms", rec.Now())
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := rec.Play(buf, 0, nil); !errors.Is(err, audio.ErrClosed) {
		t.Errorf("Play after Close err = %v, want ErrClosed", err)
	}

	got, format, err := wavfile.Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if format.SampleRate != 8000 {
		t.Errorf("rate = %d, want 8000", format.SampleRate)
	}
	if len(got) < 400 {
		t.Errorf("recorded %d samples, want at least 400", len(got))
	}
}
