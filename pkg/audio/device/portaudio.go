//go:build portaudio

package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/nagriksetu/nagriksetu/pkg/audio"
	"github.com/nagriksetu/nagriksetu/pkg/audio/playback"
)

// Device opens PortAudio streams on the default input and output devices.
type Device struct {
	log *slog.Logger
}

var _ audio.Device = (*Device)(nil)

// New initialises PortAudio. Call Close when done.
func New(log *slog.Logger) (*Device, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("device: initialise portaudio: %w", err)
	}
	return &Device{log: log}, nil
}

// Close terminates PortAudio.
func (d *Device) Close() error {
	return portaudio.Terminate()
}

// OpenInput implements [audio.Device]. The microphone is opened at its native
// rate; frames are resampled to format and regrouped into blockSize blocks.
func (d *Device) OpenInput(_ context.Context, format audio.Format, blockSize int) (audio.Input, error) {
	info, err := portaudio.DefaultInputDevice()
	if err != nil {
		return nil, wrapOpenErr("default input", err)
	}
	rate := int(info.DefaultSampleRate)

	in := &input{
		raw:    make(chan []float32, captureQueue),
		frames: make(chan audio.Frame, captureQueue),
		done:   make(chan struct{}),
		log:    d.log,
	}
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(rate), framesPerBuffer, in.callback)
	if err != nil {
		return nil, wrapOpenErr("open input stream", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, wrapOpenErr("start input stream", err)
	}
	in.stream = stream
	d.log.Info("device: microphone open", "device", info.Name, "rate", rate, "target", format.String())

	go in.run(rate, format, blockSize)
	return in, nil
}

// OpenOutput implements [audio.Device]. The speaker renders a
// [playback.Timeline], so the output clock is the number of frames the
// device has consumed.
func (d *Device) OpenOutput(_ context.Context, format audio.Format) (audio.Output, error) {
	if format.Channels <= 0 {
		format.Channels = 1
	}
	tl := playback.NewTimeline(format)
	stream, err := portaudio.OpenDefaultStream(0, format.Channels, float64(format.SampleRate), framesPerBuffer, func(out []float32) {
		tl.Render(out)
	})
	if err != nil {
		return nil, wrapOpenErr("open output stream", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, wrapOpenErr("start output stream", err)
	}
	return &output{Timeline: tl, stream: stream}, nil
}

func wrapOpenErr(op string, err error) error {
	if errors.Is(err, portaudio.DeviceUnavailable) {
		return fmt.Errorf("device: %s: %w: %w", op, audio.ErrPermissionDenied, err)
	}
	return fmt.Errorf("device: %s: %w", op, err)
}

// ── Input ────────────────────────────────────────────────────────────────────

type input struct {
	stream *portaudio.Stream
	raw    chan []float32
	frames chan audio.Frame
	done   chan struct{}
	once   sync.Once
	log    *slog.Logger
}

// callback runs on the PortAudio thread and must not block.
func (in *input) callback(samples []float32) {
	buf := make([]float32, len(samples))
	copy(buf, samples)
	select {
	case in.raw <- buf:
	default:
	}
}

func (in *input) run(rate int, format audio.Format, blockSize int) {
	defer close(in.frames)
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: format.SampleRate, Channels: 1}}
	chunker := audio.Chunker{BlockSize: blockSize, Channels: 1}
	var ts time.Duration
	for {
		select {
		case <-in.done:
			return
		case raw := <-in.raw:
			f := conv.Convert(audio.Frame{Samples: raw, SampleRate: rate, Channels: 1})
			for _, block := range chunker.Push(f.Samples) {
				frame := audio.Frame{Samples: block, SampleRate: format.SampleRate, Channels: 1, Timestamp: ts}
				ts += time.Duration(len(block)) * time.Second / time.Duration(format.SampleRate)
				select {
				case in.frames <- frame:
				case <-in.done:
					return
				}
			}
		}
	}
}

func (in *input) Frames() <-chan audio.Frame { return in.frames }

func (in *input) Close() error {
	var err error
	in.once.Do(func() {
		close(in.done)
		if serr := in.stream.Stop(); serr != nil {
			in.log.Warn("device: stop input stream", "err", serr)
		}
		err = in.stream.Close()
	})
	return err
}

// ── Output ───────────────────────────────────────────────────────────────────

type output struct {
	*playback.Timeline
	stream *portaudio.Stream
	once   sync.Once
}

func (o *output) Close() error {
	var err error
	o.once.Do(func() {
		_ = o.Timeline.Close()
		if serr := o.stream.Stop(); serr != nil {
			err = serr
		}
		if cerr := o.stream.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}
