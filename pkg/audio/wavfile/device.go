package wavfile

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nagriksetu/nagriksetu/pkg/audio"
	"github.com/nagriksetu/nagriksetu/pkg/audio/playback"
)

const (
	defaultTrailingSilence = time.Second
	recorderTick           = 20 * time.Millisecond
)

// Device plays a WAV file into a session and records its playback. The zero
// value is not usable; set at least one of InputPath or OutputPath.
type Device struct {
	// InputPath is the WAV file OpenInput streams. It is resampled and
	// downmixed to the requested format.
	InputPath string

	// OutputPath receives the rendered playback when the output is closed.
	// Empty discards playback while still running the output clock.
	OutputPath string

	// Fast disables real-time pacing of the input.
	Fast bool

	// TrailingSilence is appended to the input so the remote side detects
	// the end of speech. Default: one second.
	TrailingSilence time.Duration
}

var _ audio.Device = (*Device)(nil)

// OpenInput implements [audio.Device].
func (d *Device) OpenInput(ctx context.Context, format audio.Format, blockSize int) (audio.Input, error) {
	if d.InputPath == "" {
		return nil, fmt.Errorf("wavfile: no input file configured")
	}
	samples, src, err := Read(d.InputPath)
	if err != nil {
		return nil, err
	}
	if format.Channels <= 0 {
		format.Channels = 1
	}
	conv := audio.FormatConverter{Target: format}
	f := conv.Convert(audio.Frame{Samples: samples, SampleRate: src.SampleRate, Channels: src.Channels})

	silence := d.TrailingSilence
	if silence == 0 {
		silence = defaultTrailingSilence
	}
	pad := make([]float32, int(silence.Seconds()*float64(format.SampleRate))*format.Channels)

	chunker := audio.Chunker{BlockSize: blockSize, Channels: format.Channels}
	blocks := chunker.Push(append(f.Samples, pad...))
	if rest := chunker.Flush(); len(rest) > 0 {
		blocks = append(blocks, rest)
	}

	in := &fileInput{
		frames: make(chan audio.Frame),
		done:   make(chan struct{}),
	}
	go in.run(ctx, blocks, format, !d.Fast)
	return in, nil
}

// OpenOutput implements [audio.Device].
func (d *Device) OpenOutput(_ context.Context, format audio.Format) (audio.Output, error) {
	return NewRecorder(d.OutputPath, format), nil
}

type fileInput struct {
	frames    chan audio.Frame
	done      chan struct{}
	closeOnce sync.Once
}

func (in *fileInput) run(ctx context.Context, blocks [][]float32, format audio.Format, paced bool) {
	defer close(in.frames)

	var ticker *time.Ticker
	if paced && len(blocks) > 0 {
		per := time.Duration(len(blocks[0]) / format.Channels * int(time.Second) / format.SampleRate)
		ticker = time.NewTicker(max(per, time.Millisecond))
		defer ticker.Stop()
	}

	var ts time.Duration
	for _, b := range blocks {
		frame := audio.Frame{Samples: b, SampleRate: format.SampleRate, Channels: format.Channels, Timestamp: ts}
		select {
		case in.frames <- frame:
		case <-in.done:
			return
		case <-ctx.Done():
			return
		}
		ts += time.Duration(len(b) / format.Channels * int(time.Second) / format.SampleRate)
		if ticker != nil {
			select {
			case <-ticker.C:
			case <-in.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

func (in *fileInput) Frames() <-chan audio.Frame { return in.frames }

func (in *fileInput) Close() error {
	in.closeOnce.Do(func() { close(in.done) })
	return nil
}

// ── Recorder ─────────────────────────────────────────────────────────────────

// Recorder is an [audio.Output] whose clock advances in real time. Everything
// it renders is kept in memory and written to a WAV file on Close.
type Recorder struct {
	*playback.Timeline

	path     string
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once
	mu       sync.Mutex
	rendered []float32
	err      error
}

// NewRecorder starts a recorder. An empty path discards the rendered audio.
func NewRecorder(path string, format audio.Format) *Recorder {
	r := &Recorder{
		Timeline: playback.NewTimeline(format),
		path:     path,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer close(r.done)
	format := r.Format()
	block := make([]float32, int(recorderTick.Seconds()*float64(format.SampleRate))*format.Channels)
	t := time.NewTicker(recorderTick)
	defer t.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-t.C:
			r.Render(block)
			if r.path != "" {
				r.mu.Lock()
				r.rendered = append(r.rendered, block...)
				r.mu.Unlock()
			}
		}
	}
}

// Samples returns a copy of the interleaved audio rendered so far.
func (r *Recorder) Samples() []float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float32(nil), r.rendered...)
}

// Close stops the clock, ends every pending source and writes the file.
func (r *Recorder) Close() error {
	r.once.Do(func() {
		close(r.stop)
		<-r.done
		_ = r.Timeline.Close()
		if r.path == "" {
			return
		}
		r.err = r.write()
	})
	return r.err
}

func (r *Recorder) write() error {
	format := r.Format()
	samples := r.Samples()
	buf := audio.Deinterleave(samples, format.Channels)

	var b bytes.Buffer
	if err := EncodeBuffer(&b, buf, format.SampleRate); err != nil {
		return err
	}
	if err := os.WriteFile(r.path, b.Bytes(), 0o644); err != nil {
		return fmt.Errorf("wavfile: write %s: %w", r.path, err)
	}
	return nil
}
