// Package voice runs streaming voice sessions against a realtime provider.
//
// A [Session] owns one microphone [audio.Input], one speaker [audio.Output]
// and one [live.Channel]. Captured blocks are encoded to base64 PCM16 and sent
// through a bounded drop-oldest queue; audio received from the model is
// decoded and scheduled back to back on the output clock. When the provider
// reports that the user barged in, every scheduled buffer is stopped and the
// schedule restarts at the current clock time.
//
// State machine:
//
//	Idle ──Start──▶ Connecting ──opened──▶ Open ──Stop / closed──▶ Closed
//	                    │                    │
//	                    └──────failure───────┴──error──▶ Error
//
// Closed and Error are terminal. A session cannot be restarted; create a new
// one (or use a [Manager]).
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nagriksetu/nagriksetu/internal/observe"
	"github.com/nagriksetu/nagriksetu/pkg/audio"
	"github.com/nagriksetu/nagriksetu/pkg/audio/pcm"
	"github.com/nagriksetu/nagriksetu/pkg/audio/playback"
	"github.com/nagriksetu/nagriksetu/pkg/provider/live"
)

// Sentinel errors. Session errors wrap one of these together with the cause.
var (
	// ErrPermissionDenied is returned when the capture device refused access.
	ErrPermissionDenied = errors.New("voice: microphone permission denied")

	// ErrTransport wraps failures of the realtime connection.
	ErrTransport = errors.New("voice: transport failure")

	// ErrConnectTimeout is returned when the remote side did not acknowledge
	// the session within Config.ConnectTimeout.
	ErrConnectTimeout = errors.New("voice: service unavailable: connect timed out")

	// ErrNotIdle is returned by Start on a session that was already started.
	ErrNotIdle = errors.New("voice: session already started")

	// ErrStopped is returned by Start when Stop was called while connecting.
	ErrStopped = errors.New("voice: session stopped")
)

// Defaults applied by [New] to zero Config fields.
const (
	DefaultBlockSize      = 4096
	DefaultSendQueue      = 32
	DefaultConnectTimeout = 15 * time.Second
	DefaultDrainTimeout   = 5 * time.Second
)

// Turn is the transcribed text of one exchange. Fields are empty when the
// provider did not transcribe that side.
type Turn struct {
	User  string
	Model string
}

// Config configures a [Session].
type Config struct {
	// SystemPrompt and Voice are passed to the provider on open.
	SystemPrompt string
	Voice        string

	// Transcribe requests transcripts; they are delivered through OnTurn.
	Transcribe bool

	// BlockSize is the number of samples per captured frame.
	BlockSize int

	// SendQueue bounds the number of captured chunks waiting for the network.
	// The oldest chunk is discarded when it is full.
	SendQueue int

	// ConnectTimeout bounds Start.
	ConnectTimeout time.Duration

	// DrainTimeout bounds how long scheduled audio may keep playing after the
	// remote side closed the session.
	DrainTimeout time.Duration

	// OnStateChange is called after every transition. err is the failure
	// cause when state is StateError.
	OnStateChange func(state State, err error)

	// OnTurn is called when the model finishes a turn.
	OnTurn func(Turn)

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// Session is one voice interaction. All exported methods are safe for
// concurrent use.
type Session struct {
	id       string
	provider live.Provider
	device   audio.Device
	cfg      Config
	log      *slog.Logger
	metrics  *observe.Metrics
	format   live.Format

	ready     chan error
	readyOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
	downOnce  sync.Once

	mu        sync.Mutex
	state     State
	err       error
	ctx       context.Context
	cancel    context.CancelFunc
	in        audio.Input
	out       audio.Output
	ch        live.Channel
	sched     *playback.Scheduler
	queue     *sendQueue
	startedAt time.Time
	opened    bool

	// turn is only touched by the event loop.
	turn Turn
}

// New returns an idle Session. Nothing is opened until Start.
func New(provider live.Provider, device audio.Device, cfg Config) *Session {
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = DefaultSendQueue
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	id := uuid.NewString()
	return &Session{
		id:       id,
		provider: provider,
		device:   device,
		cfg:      cfg,
		log:      cfg.Logger.With("session_id", id),
		metrics:  cfg.Metrics,
		format:   provider.Format(),
		ready:    make(chan error, 1),
		done:     make(chan struct{}),
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the failure cause once the session is in StateError.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once the session reached a terminal state and all of its
// goroutines have exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Start opens the devices and the realtime channel and blocks until the
// remote side acknowledged the session, the connect timeout elapsed or ctx
// is done. ctx only bounds the connect phase; the session keeps running
// after Start returns until Stop or a remote close.
func (s *Session) Start(ctx context.Context) error {
	if !s.transition(StateConnecting, nil) {
		return ErrNotIdle
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.ctx, s.cancel = runCtx, cancel
	s.startedAt = time.Now()
	s.mu.Unlock()

	connectCtx, cancelConnect := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancelConnect()
	stopAfter := context.AfterFunc(runCtx, cancelConnect)
	defer stopAfter()

	in, err := s.device.OpenInput(connectCtx, audio.Format{SampleRate: s.format.InputRate, Channels: 1}, s.cfg.BlockSize)
	if err != nil {
		if errors.Is(err, audio.ErrPermissionDenied) {
			err = fmt.Errorf("%w: %w", ErrPermissionDenied, err)
		} else {
			err = fmt.Errorf("voice: open input: %w", err)
		}
		s.fail(err)
		return err
	}
	if !s.adopt(func() { s.in = in }) {
		_ = in.Close()
		return s.startErr()
	}

	out, err := s.device.OpenOutput(connectCtx, audio.Format{SampleRate: s.format.OutputRate, Channels: 1})
	if err != nil {
		err = fmt.Errorf("voice: open output: %w", err)
		s.fail(err)
		return err
	}
	sched := playback.NewScheduler(out, s.format.OutputRate)
	if !s.adopt(func() { s.out, s.sched = out, sched }) {
		_ = out.Close()
		return s.startErr()
	}

	ch, err := s.provider.Open(connectCtx, live.Config{
		SystemPrompt: s.cfg.SystemPrompt,
		Voice:        s.cfg.Voice,
		Transcribe:   s.cfg.Transcribe,
	})
	if err != nil {
		err = s.connectErr(ctx, connectCtx, err)
		s.fail(err)
		return err
	}
	if !s.adopt(func() { s.ch = ch; s.wg.Add(1) }) {
		_ = ch.Close()
		return s.startErr()
	}
	go s.eventLoop(runCtx, ch)

	select {
	case err := <-s.ready:
		return err
	case <-connectCtx.Done():
		err := s.connectErr(ctx, connectCtx, connectCtx.Err())
		if s.failWhile(StateConnecting, err) {
			return err
		}
		// The session opened or ended concurrently.
		return <-s.ready
	}
}

// Stop ends the session. Every scheduled buffer is stopped before the output
// is closed. Stop is idempotent and may be called in any state, including
// from callbacks.
func (s *Session) Stop() error {
	s.transition(StateClosed, nil)
	s.teardown()
	return nil
}

// Close is an alias for Stop.
func (s *Session) Close() error { return s.Stop() }

// connectErr classifies a failure during the connect phase.
func (s *Session) connectErr(parent, connectCtx context.Context, err error) error {
	switch {
	case s.State().Terminal():
		return s.startErr()
	case parent.Err() == nil && errors.Is(connectCtx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w after %s", ErrConnectTimeout, s.cfg.ConnectTimeout)
	case parent.Err() != nil:
		return fmt.Errorf("voice: connect: %w", parent.Err())
	default:
		return fmt.Errorf("%w: open: %w", ErrTransport, err)
	}
}

func (s *Session) startErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	return ErrStopped
}

// adopt stores a freshly opened resource unless the session already ended.
func (s *Session) adopt(set func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return false
	}
	set()
	return true
}

// transition moves the session to `to` if the edge is legal and reports
// whether it did. The state-change callback runs outside the lock.
func (s *Session) transition(to State, cause error) bool {
	return s.transitionIf(func(State) bool { return true }, to, cause)
}

func (s *Session) transitionIf(allow func(State) bool, to State, cause error) bool {
	s.mu.Lock()
	from := s.state
	if !allow(from) || !canTransition(from, to) {
		s.mu.Unlock()
		return false
	}
	s.state = to
	if to == StateError {
		s.err = cause
	}
	wasOpen := s.opened
	if to == StateOpen {
		s.opened = true
	}
	started := s.startedAt
	ctx := s.ctx
	s.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	s.log.Info("voice: state change", "from", from.String(), "to", to.String())
	switch to {
	case StateOpen:
		s.metrics.ActiveSessions.Add(ctx, 1)
		s.metrics.VoiceConnectDuration.Record(ctx, time.Since(started).Seconds())
	case StateClosed, StateError:
		if wasOpen {
			s.metrics.ActiveSessions.Add(ctx, -1)
		}
		if from != StateIdle {
			s.metrics.RecordSessionEnd(ctx, to.String())
		}
	}

	s.notify(to, cause)
	return true
}

func (s *Session) notify(state State, err error) {
	if s.cfg.OnStateChange == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("voice: state callback panicked", "state", state.String(), "panic", r)
		}
	}()
	s.cfg.OnStateChange(state, err)
}

// fail moves the session to StateError and releases everything. It reports
// false if the session was already terminal.
func (s *Session) fail(err error) bool {
	return s.failWhile(-1, err)
}

// failWhile is fail restricted to sessions currently in state only. A
// negative state matches any non-terminal state.
func (s *Session) failWhile(only State, err error) bool {
	allow := func(from State) bool { return only < 0 || from == only }
	if !s.transitionIf(allow, StateError, err) {
		return false
	}
	s.log.Warn("voice: session failed", "err", err)
	s.teardown()
	return true
}

func (s *Session) signalReady(err error) {
	s.readyOnce.Do(func() { s.ready <- err })
}

// teardown releases every resource exactly once. Sources are stopped before
// the output closes.
func (s *Session) teardown() {
	s.downOnce.Do(func() {
		s.mu.Lock()
		cancel, queue, in, ch, sched, out := s.cancel, s.queue, s.in, s.ch, s.sched, s.out
		err := s.err
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if queue != nil {
			queue.Close()
		}
		if in != nil {
			if cerr := in.Close(); cerr != nil {
				s.log.Warn("voice: close input", "err", cerr)
			}
			// Frames still in flight when capture stopped.
			go audio.Drain(in.Frames())
		}
		if ch != nil {
			if cerr := ch.Close(); cerr != nil {
				s.log.Warn("voice: close channel", "err", cerr)
			}
		}
		if sched != nil {
			sched.Interrupt()
		}
		if out != nil {
			if cerr := out.Close(); cerr != nil {
				s.log.Warn("voice: close output", "err", cerr)
			}
		}

		if err == nil {
			err = ErrStopped
		}
		s.signalReady(err)

		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
}

// ── Event loop ───────────────────────────────────────────────────────────────

func (s *Session) eventLoop(ctx context.Context, ch live.Channel) {
	defer s.wg.Done()
	events := ch.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				s.fail(fmt.Errorf("%w: event stream ended", ErrTransport))
				return
			}
			if !s.dispatch(ev) {
				return
			}
		}
	}
}

// dispatch runs handle with panic recovery and reports whether the loop
// should continue.
func (s *Session) dispatch(ev live.Event) (cont bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("voice: event handler panicked", "event", ev.Kind.String(), "panic", r)
			s.fail(fmt.Errorf("voice: panic handling %s event: %v", ev.Kind, r))
			cont = false
		}
	}()
	s.handle(ev)
	return !ev.Terminal() && !s.State().Terminal()
}

// handle is the session's transition function for remote events.
func (s *Session) handle(ev live.Event) {
	switch ev.Kind {
	case live.EventOpened:
		s.onOpened()

	case live.EventAudio:
		s.onAudio(ev.Audio)

	case live.EventInterrupted:
		if sched := s.scheduler(); sched != nil {
			n := sched.Interrupt()
			s.metrics.Interruptions.Add(s.runCtx(), 1)
			s.log.Debug("voice: interrupted", "stopped", n)
		}

	case live.EventTranscript:
		switch ev.Role {
		case live.RoleUser:
			s.turn.User += ev.Text
		case live.RoleModel:
			s.turn.Model += ev.Text
		}

	case live.EventTurnComplete:
		t := s.turn
		s.turn = Turn{}
		if s.cfg.OnTurn != nil {
			s.cfg.OnTurn(t)
		}

	case live.EventClosed:
		if s.State() == StateConnecting {
			s.fail(fmt.Errorf("%w: closed during setup", ErrTransport))
			return
		}
		if s.transition(StateClosed, nil) {
			s.drain()
			s.teardown()
		}

	case live.EventError:
		err := ev.Err
		if err == nil {
			err = errors.New("unknown error")
		}
		s.fail(fmt.Errorf("%w: %w", ErrTransport, err))
	}
}

func (s *Session) onOpened() {
	s.mu.Lock()
	ctx, in, ch, sched := s.ctx, s.in, s.ch, s.sched
	s.mu.Unlock()

	queue := newSendQueue(s.cfg.SendQueue)
	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		s.log.Debug("voice: ignoring duplicate opened event")
		return
	}
	s.queue = queue
	s.wg.Add(2)
	s.mu.Unlock()

	sched.Reset()
	if !s.transition(StateOpen, nil) {
		s.wg.Add(-2)
		return
	}

	go s.captureLoop(ctx, in, queue)
	go s.sendLoop(ctx, ch, queue)
	s.signalReady(nil)
}

func (s *Session) onAudio(chunk pcm.EncodedChunk) {
	if s.State() != StateOpen {
		return
	}
	ctx := s.runCtx()
	buf, err := pcm.DecodeChunk(chunk, 1)
	if err != nil {
		s.log.Warn("voice: dropping undecodable chunk", "err", err)
		s.metrics.RecordChunkDropped(ctx, "decode")
		return
	}
	if rate, ok := pcm.ParseRate(chunk.MIMEType); ok && rate != s.format.OutputRate && buf.Frames() > 0 {
		buf.Channels[0] = audio.Resample(buf.Channels[0], 1, rate, s.format.OutputRate)
	}
	s.metrics.AudioChunksReceived.Add(ctx, 1)

	if _, err := s.scheduler().Schedule(buf); err != nil {
		s.log.Warn("voice: schedule playback", "err", err)
	}
}

// drain lets already scheduled audio finish, bounded by DrainTimeout.
func (s *Session) drain() {
	sched := s.scheduler()
	if sched == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainTimeout)
	defer cancel()
	if err := sched.WaitIdle(ctx); err != nil {
		s.log.Debug("voice: drain cut short", "err", err)
	}
}

func (s *Session) scheduler() *playback.Scheduler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sched
}

func (s *Session) runCtx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

// ── Capture ──────────────────────────────────────────────────────────────────

func (s *Session) captureLoop(ctx context.Context, in audio.Input, queue *sendQueue) {
	defer s.wg.Done()
	defer s.recoverLoop("capture")

	conv := audio.FormatConverter{Target: audio.Format{SampleRate: s.format.InputRate, Channels: 1}}
	frames := in.Frames()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			if f.Channels <= 0 {
				f.Channels = 1
			}
			if f.SampleRate <= 0 {
				f.SampleRate = s.format.InputRate
			}
			f = conv.Convert(f)
			if len(f.Samples) == 0 {
				continue
			}
			chunk := pcm.EncodeChunk(f.Samples, 1, s.format.InputRate)
			if n := queue.Push(chunk); n > 0 {
				for range n {
					s.metrics.RecordChunkDropped(ctx, "queue_full")
				}
			}
		}
	}
}

func (s *Session) sendLoop(ctx context.Context, ch live.Channel, queue *sendQueue) {
	defer s.wg.Done()
	defer s.recoverLoop("send")

	for {
		chunk, ok := queue.Pop(ctx)
		if !ok {
			return
		}
		if err := ch.Send(ctx, chunk); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.fail(fmt.Errorf("%w: send: %w", ErrTransport, err))
			return
		}
		s.metrics.AudioChunksSent.Add(ctx, 1)
	}
}

func (s *Session) recoverLoop(name string) {
	if r := recover(); r != nil {
		s.log.Error("voice: loop panicked", "loop", name, "panic", r)
		s.fail(fmt.Errorf("voice: panic in %s loop: %v", name, r))
	}
}
