package playback

import (
	"slices"
	"sync"
	"time"

	"github.com/nagriksetu/nagriksetu/pkg/audio"
	"github.com/nagriksetu/nagriksetu/pkg/audio/pcm"
)

// Timeline is an [audio.Output] whose clock is the number of frames rendered
// so far. A device callback or a recorder pulls mixed audio from it with
// [Timeline.Render]; overlapping sources are summed and clipped to [-1, 1].
//
// All methods are safe for concurrent use.
type Timeline struct {
	format audio.Format

	mu      sync.Mutex
	pos     int64 // frames rendered
	sources []*timelineSource
	closed  bool
}

var _ audio.Output = (*Timeline)(nil)

// NewTimeline returns a Timeline rendering interleaved samples in format.
func NewTimeline(format audio.Format) *Timeline {
	if format.Channels <= 0 {
		format.Channels = 1
	}
	return &Timeline{format: format}
}

// Format returns the render format.
func (t *Timeline) Format() audio.Format { return t.format }

// Now implements [audio.Output].
func (t *Timeline) Now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.framesToDuration(t.pos)
}

// Play implements [audio.Output].
func (t *Timeline) Play(buf pcm.Buffer, at time.Duration, onEnded func()) (audio.Source, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, audio.ErrClosed
	}
	src := &timelineSource{
		tl:      t,
		buf:     buf,
		start:   max(t.pos, t.durationToFrames(at)),
		onEnded: onEnded,
	}
	t.sources = append(t.sources, src)
	return src, nil
}

// Render mixes the next len(out)/channels frames into out and advances the
// clock. Sources that finish during the call have their onEnded callbacks
// invoked before Render returns.
func (t *Timeline) Render(out []float32) {
	clear(out)
	ch := t.format.Channels
	frames := int64(len(out) / ch)

	t.mu.Lock()
	from := t.pos
	to := from + frames
	var ended []*timelineSource
	for _, src := range t.sources {
		src.mix(out, from, to, ch)
		if src.start+int64(src.buf.Frames()) <= to {
			ended = append(ended, src)
		}
	}
	t.sources = slices.DeleteFunc(t.sources, func(s *timelineSource) bool {
		return s.start+int64(s.buf.Frames()) <= to
	})
	t.pos = to
	t.mu.Unlock()

	for i, s := range out {
		out[i] = min(max(s, -1), 1)
	}
	for _, src := range ended {
		src.end()
	}
}

// Pending returns the number of sources that have not yet ended.
func (t *Timeline) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sources)
}

// Close implements [audio.Output]. Every pending source is stopped.
func (t *Timeline) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	pending := t.sources
	t.sources = nil
	t.mu.Unlock()

	for _, src := range pending {
		src.end()
	}
	return nil
}

func (t *Timeline) framesToDuration(frames int64) time.Duration {
	if t.format.SampleRate <= 0 {
		return 0
	}
	return time.Duration(frames * int64(time.Second) / int64(t.format.SampleRate))
}

func (t *Timeline) durationToFrames(d time.Duration) int64 {
	return int64(d) * int64(t.format.SampleRate) / int64(time.Second)
}

func (t *Timeline) stop(src *timelineSource) {
	t.mu.Lock()
	n := len(t.sources)
	t.sources = slices.DeleteFunc(t.sources, func(s *timelineSource) bool { return s == src })
	removed := len(t.sources) != n
	t.mu.Unlock()
	if removed {
		src.end()
	}
}

type timelineSource struct {
	tl      *Timeline
	buf     pcm.Buffer
	start   int64
	once    sync.Once
	onEnded func()
}

func (s *timelineSource) Stop() { s.tl.stop(s) }

func (s *timelineSource) end() {
	s.once.Do(func() {
		if s.onEnded != nil {
			s.onEnded()
		}
	})
}

// mix adds the part of the source overlapping [from, to) into out. Mono
// sources are spread across every output channel; otherwise channel c of the
// output takes channel c modulo the source's channel count.
func (s *timelineSource) mix(out []float32, from, to int64, channels int) {
	n := int64(s.buf.Frames())
	srcChannels := len(s.buf.Channels)
	if n == 0 || srcChannels == 0 {
		return
	}
	lo := max(from, s.start)
	hi := min(to, s.start+n)
	for f := lo; f < hi; f++ {
		i := f - s.start
		o := (f - from) * int64(channels)
		for c := range channels {
			out[o+int64(c)] += s.buf.Channels[c%srcChannels][i]
		}
	}
}
