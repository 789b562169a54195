// Package mock provides in-memory mock implementations of the [audio.Device],
// [audio.Input] and [audio.Output] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// The mock [Output] has a manual clock: it starts at zero and only moves when
// the test calls [Output.SetNow] or [Output.Advance]. Advancing the clock past
// a buffer's end fires its onEnded callback.
//
// Typical usage:
//
//	out := mock.NewOutput()
//	dev := &mock.Device{Input: mock.NewInput(4), Output: out}
//	sess := voice.New(provider, dev, cfg)
//	...
//	out.Advance(700 * time.Millisecond)
package mock

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/nagriksetu/nagriksetu/pkg/audio"
	"github.com/nagriksetu/nagriksetu/pkg/audio/pcm"
)

// ─── Device ───────────────────────────────────────────────────────────────────

// OpenInputCall records the arguments of a single [Device.OpenInput] invocation.
type OpenInputCall struct {
	Format    audio.Format
	BlockSize int
}

// Device is a mock implementation of [audio.Device].
type Device struct {
	mu sync.Mutex

	// Input is returned by OpenInput.
	Input *Input

	// Output is returned by OpenOutput.
	Output *Output

	// OpenInputError is returned by OpenInput instead of Input when non-nil.
	OpenInputError error

	// OpenOutputError is returned by OpenOutput instead of Output when non-nil.
	OpenOutputError error

	// OpenInputCalls records all OpenInput invocations.
	OpenInputCalls []OpenInputCall

	// OpenOutputCalls records the format of all OpenOutput invocations.
	OpenOutputCalls []audio.Format
}

var _ audio.Device = (*Device)(nil)

// OpenInput implements [audio.Device].
func (d *Device) OpenInput(_ context.Context, format audio.Format, blockSize int) (audio.Input, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenInputCalls = append(d.OpenInputCalls, OpenInputCall{Format: format, BlockSize: blockSize})
	if d.OpenInputError != nil {
		return nil, d.OpenInputError
	}
	if d.Input == nil {
		d.Input = NewInput(0)
	}
	return d.Input, nil
}

// OpenOutput implements [audio.Device].
func (d *Device) OpenOutput(_ context.Context, format audio.Format) (audio.Output, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenOutputCalls = append(d.OpenOutputCalls, format)
	if d.OpenOutputError != nil {
		return nil, d.OpenOutputError
	}
	if d.Output == nil {
		d.Output = NewOutput()
	}
	return d.Output, nil
}

// ─── Input ────────────────────────────────────────────────────────────────────

// Input is a mock [audio.Input]. Tests feed frames with [Input.Push].
type Input struct {
	frames chan audio.Frame

	mu         sync.Mutex
	closed     bool
	closeCount int
}

var _ audio.Input = (*Input)(nil)

// NewInput returns an Input whose frame channel has the given buffer size.
func NewInput(buffer int) *Input {
	return &Input{frames: make(chan audio.Frame, buffer)}
}

// Push delivers a frame to the consumer. It blocks until the frame is
// accepted and reports false if the input was closed.
func (i *Input) Push(f audio.Frame) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return false
	}
	i.frames <- f
	return true
}

// Frames implements [audio.Input].
func (i *Input) Frames() <-chan audio.Frame { return i.frames }

// Close implements [audio.Input]. Closes the frame channel on first call.
func (i *Input) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.closeCount++
	if !i.closed {
		i.closed = true
		close(i.frames)
	}
	return nil
}

// CloseCount returns how many times Close was called.
func (i *Input) CloseCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.closeCount
}

// ─── Output ───────────────────────────────────────────────────────────────────

// PlayCall records a single [Output.Play] invocation and the resulting source.
type PlayCall struct {
	Buffer pcm.Buffer
	At     time.Duration
	Source *Source
}

// Output is a mock [audio.Output] with a manually driven clock.
type Output struct {
	mu         sync.Mutex
	now        time.Duration
	sampleRate int
	closed     bool

	playErr            error
	calls              []PlayCall
	closeCount         int
	stoppedBeforeClose bool
}

var _ audio.Output = (*Output)(nil)

// NewOutput returns an Output at clock zero that computes buffer lengths at
// 24 kHz.
func NewOutput() *Output {
	return &Output{sampleRate: 24000}
}

// WithSampleRate sets the rate used to compute buffer end times.
func (o *Output) WithSampleRate(rate int) *Output {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sampleRate = rate
	return o
}

// SetPlayError makes every later Play call fail with err. A nil err restores
// normal behaviour.
func (o *Output) SetPlayError(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.playErr = err
}

// PlayCalls returns a copy of every successful Play invocation in order.
func (o *Output) PlayCalls() []PlayCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.calls)
}

// CloseCount returns how many times Close was called.
func (o *Output) CloseCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closeCount
}

// StoppedBeforeClose reports whether every source had been stopped or had
// ended when Close was first called.
func (o *Output) StoppedBeforeClose() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stoppedBeforeClose
}

// Now implements [audio.Output].
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// Play implements [audio.Output]. It records the call and returns a Source
// that ends when the clock passes its end time or when it is stopped.
func (o *Output) Play(buf pcm.Buffer, at time.Duration, onEnded func()) (audio.Source, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, audio.ErrClosed
	}
	if o.playErr != nil {
		return nil, o.playErr
	}
	start := max(at, o.now)
	src := &Source{
		Start:   start,
		End:     start + buf.Duration(o.sampleRate),
		onEnded: onEnded,
	}
	o.calls = append(o.calls, PlayCall{Buffer: buf, At: at, Source: src})
	return src, nil
}

// SetNow moves the clock to d and ends every source whose end time has passed.
func (o *Output) SetNow(d time.Duration) {
	o.mu.Lock()
	o.now = d
	var ended []*Source
	for _, c := range o.calls {
		if c.Source.End <= d {
			ended = append(ended, c.Source)
		}
	}
	o.mu.Unlock()
	for _, s := range ended {
		s.finish(false)
	}
}

// Advance moves the clock forward by d.
func (o *Output) Advance(d time.Duration) {
	o.SetNow(o.Now() + d)
}

// Sources returns the sources created so far, in Play order.
func (o *Output) Sources() []*Source {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Source, len(o.calls))
	for i, c := range o.calls {
		out[i] = c.Source
	}
	return out
}

// Close implements [audio.Output].
func (o *Output) Close() error {
	o.mu.Lock()
	o.closeCount++
	first := !o.closed
	o.closed = true
	var live []*Source
	if first {
		o.stoppedBeforeClose = true
		for _, c := range o.calls {
			if !c.Source.Done() {
				o.stoppedBeforeClose = false
				live = append(live, c.Source)
			}
		}
	}
	o.mu.Unlock()
	for _, s := range live {
		s.finish(true)
	}
	return nil
}

// Source is a mock [audio.Source].
type Source struct {
	Start, End time.Duration

	mu        sync.Mutex
	done      bool
	stopped   bool
	stopCalls int
	onEnded   func()
}

var _ audio.Source = (*Source)(nil)

// Stop implements [audio.Source].
func (s *Source) Stop() {
	s.mu.Lock()
	s.stopCalls++
	s.mu.Unlock()
	s.finish(true)
}

// StopCalls returns how many times Stop was called, including calls on a
// source that had already ended.
func (s *Source) StopCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCalls
}

// Stopped reports whether Stop ended the source.
func (s *Source) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Done reports whether the source has ended for any reason.
func (s *Source) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *Source) finish(stopped bool) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.stopped = stopped
	cb := s.onEnded
	s.mu.Unlock()
	if cb != nil {
		cb()
	}
}
