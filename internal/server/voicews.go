package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/nagriksetu/nagriksetu/internal/observe"
	"github.com/nagriksetu/nagriksetu/internal/voice"
	"github.com/nagriksetu/nagriksetu/pkg/audio"
	"github.com/nagriksetu/nagriksetu/pkg/audio/pcm"
)

const (
	voiceReadLimit    = 1 << 20
	voiceOutbox       = 256
	voiceWriteTimeout = 5 * time.Second
	defaultClientRate = 16000
)

// ── Wire messages ────────────────────────────────────────────────────────────

// Client message types. The server also sends msgStop when a scheduled
// buffer is cut short.
const (
	msgStart = "start"
	msgAudio = "audio"
	msgStop  = "stop"
)

// Server message types.
const (
	msgState = "state"
	msgPlay  = "play"
	msgTurn  = "turn"
	msgError = "error"
)

// clientMessage is sent by the browser. Audio is base64 PCM16 mono.
type clientMessage struct {
	Type         string `json:"type"`
	SystemPrompt string `json:"systemPrompt,omitempty"`
	Voice        string `json:"voice,omitempty"`
	Data         string `json:"data,omitempty"`
	SampleRate   int    `json:"sampleRate,omitempty"`
}

// serverMessage is sent to the browser. Start is the position in seconds on
// the output clock, which starts when the session opens its output.
type serverMessage struct {
	Type       string  `json:"type"`
	SessionID  string  `json:"sessionId,omitempty"`
	State      string  `json:"state,omitempty"`
	Error      string  `json:"error,omitempty"`
	ID         int64   `json:"id,omitempty"`
	Start      float64 `json:"start"`
	SampleRate int     `json:"sampleRate,omitempty"`
	Data       string  `json:"data,omitempty"`
	User       string  `json:"user,omitempty"`
	Model      string  `json:"model,omitempty"`
}

// ── Handler ──────────────────────────────────────────────────────────────────

func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	if s.live == nil {
		s.writeError(w, r, errNotConfigured)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		s.log.Warn("voice: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(voiceReadLimit)

	log := observe.LoggerFrom(r.Context(), s.log).With("remote", r.RemoteAddr)
	b := newVoiceBridge(r.Context(), conn, log)
	go b.writeLoop()

	sess := s.serveVoice(r.Context(), b, log)
	if sess != nil {
		_ = sess.Stop()
		<-sess.Done()
	}
	b.hangUp()
}

// serveVoice reads client messages until the client leaves or the session
// ends. When the session ends first, the connection is closed with a normal
// closure and the pending read returns the peer's close frame.
func (s *Server) serveVoice(ctx context.Context, b *voiceBridge, log *slog.Logger) *voice.Session {
	var sess *voice.Session
	for {
		_, data, err := b.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				log.Debug("voice: read ended", "err", err)
			}
			return sess
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			b.send(serverMessage{Type: msgError, Error: "malformed message"})
			continue
		}

		switch msg.Type {
		case msgStart:
			if sess != nil {
				b.send(serverMessage{Type: msgError, Error: "session already started"})
				continue
			}
			sess = s.startVoice(ctx, b, msg, log)
			go func(done <-chan struct{}) {
				<-done
				b.hangUp()
			}(sess.Done())
		case msgAudio:
			b.pushAudio(ctx, msg, s.metrics)
		case msgStop:
			if sess == nil {
				return nil
			}
			_ = sess.Stop()
		default:
			b.send(serverMessage{Type: msgError, Error: "unknown message type " + msg.Type})
		}
	}
}

func (s *Server) startVoice(ctx context.Context, b *voiceBridge, msg clientMessage, log *slog.Logger) *voice.Session {
	cfg := s.voiceCfg
	if msg.SystemPrompt != "" {
		cfg.SystemPrompt = msg.SystemPrompt
	}
	if msg.Voice != "" {
		cfg.Voice = msg.Voice
	}
	cfg.Metrics = s.metrics
	cfg.Logger = log

	var sess *voice.Session
	cfg.OnStateChange = func(state voice.State, err error) {
		m := serverMessage{Type: msgState, SessionID: sess.ID(), State: state.String()}
		if err != nil {
			m.Error = err.Error()
		}
		b.send(m)
	}
	cfg.OnTurn = func(t voice.Turn) {
		if s.onTurn != nil {
			s.onTurn(context.WithoutCancel(ctx), sess.ID(), t)
		}
		b.send(serverMessage{Type: msgTurn, SessionID: sess.ID(), User: t.User, Model: t.Model})
	}

	sess = voice.New(s.live, b, cfg)
	log.Info("voice: session starting", "session_id", sess.ID())

	go func() {
		if err := sess.Start(ctx); err != nil {
			log.Warn("voice: session start failed", "session_id", sess.ID(), "err", err)
		}
	}()
	return sess
}

// ── Bridge ───────────────────────────────────────────────────────────────────

// voiceBridge is the [audio.Device] of a remote browser: captured audio
// arrives in client messages and playback is forwarded as play and stop
// messages.
type voiceBridge struct {
	ctx  context.Context
	conn *websocket.Conn
	log  *slog.Logger

	outbox     chan serverMessage
	writerDone chan struct{}
	hangOnce   sync.Once

	mu     sync.Mutex
	closed bool
	input  *remoteInput
}

var _ audio.Device = (*voiceBridge)(nil)

func newVoiceBridge(ctx context.Context, conn *websocket.Conn, log *slog.Logger) *voiceBridge {
	return &voiceBridge{
		ctx:        ctx,
		conn:       conn,
		log:        log,
		outbox:     make(chan serverMessage, voiceOutbox),
		writerDone: make(chan struct{}),
	}
}

func (b *voiceBridge) writeLoop() {
	defer close(b.writerDone)
	for m := range b.outbox {
		data, err := json.Marshal(m)
		if err != nil {
			b.log.Error("voice: marshal message", "err", err)
			continue
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(b.ctx), voiceWriteTimeout)
		err = b.conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			b.log.Debug("voice: write failed", "err", err)
			return
		}
	}
}

// send queues m for the client. Messages sent after the connection closed
// are discarded.
func (b *voiceBridge) send(m serverMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	select {
	case b.outbox <- m:
	case <-b.writerDone:
	}
}

func (b *voiceBridge) closeOutbox() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.outbox)
	}
}

// hangUp flushes queued messages and then performs the close handshake.
// Later calls wait for the first one to finish.
func (b *voiceBridge) hangUp() {
	b.hangOnce.Do(func() {
		b.closeOutbox()
		<-b.writerDone
		if err := b.conn.Close(websocket.StatusNormalClosure, "session ended"); err != nil {
			b.log.Debug("voice: close handshake", "err", err)
		}
	})
}

func (b *voiceBridge) pushAudio(ctx context.Context, msg clientMessage, metrics *observe.Metrics) {
	raw, err := pcm.DecodeTextToBytes(msg.Data)
	if err != nil {
		metrics.RecordChunkDropped(ctx, "client_decode")
		b.send(serverMessage{Type: msgError, Error: "malformed audio"})
		return
	}
	b.mu.Lock()
	in := b.input
	b.mu.Unlock()
	if in == nil {
		metrics.RecordChunkDropped(ctx, "not_capturing")
		return
	}
	rate := msg.SampleRate
	if rate <= 0 {
		rate = defaultClientRate
	}
	if !in.push(pcm.PCM16ToFloatSamples(raw, 1).Channels[0], rate) {
		metrics.RecordChunkDropped(ctx, "capture_full")
	}
}

// OpenInput implements [audio.Device].
func (b *voiceBridge) OpenInput(_ context.Context, format audio.Format, blockSize int) (audio.Input, error) {
	in := &remoteInput{
		frames:  make(chan audio.Frame, 64),
		conv:    audio.FormatConverter{Target: audio.Format{SampleRate: format.SampleRate, Channels: 1}},
		chunker: audio.Chunker{BlockSize: blockSize, Channels: 1},
	}
	b.mu.Lock()
	b.input = in
	b.mu.Unlock()
	return in, nil
}

// OpenOutput implements [audio.Device].
func (b *voiceBridge) OpenOutput(_ context.Context, format audio.Format) (audio.Output, error) {
	return &remoteOutput{
		send:    b.send,
		rate:    format.SampleRate,
		origin:  time.Now(),
		sources: make(map[int64]*remoteSource),
	}, nil
}

// remoteInput regroups client audio into blocks of the session's block size.
type remoteInput struct {
	mu      sync.Mutex
	frames  chan audio.Frame
	conv    audio.FormatConverter
	chunker audio.Chunker
	ts      time.Duration
	closed  bool
}

// push converts and queues samples. It reports false when a block had to be
// discarded because the session is not keeping up.
func (in *remoteInput) push(samples []float32, rate int) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return true
	}
	f := in.conv.Convert(audio.Frame{Samples: samples, SampleRate: rate, Channels: 1})
	ok := true
	for _, block := range in.chunker.Push(f.Samples) {
		frame := audio.Frame{Samples: block, SampleRate: in.conv.Target.SampleRate, Channels: 1, Timestamp: in.ts}
		in.ts += time.Duration(len(block)) * time.Second / time.Duration(in.conv.Target.SampleRate)
		select {
		case in.frames <- frame:
		default:
			ok = false
		}
	}
	return ok
}

func (in *remoteInput) Frames() <-chan audio.Frame { return in.frames }

func (in *remoteInput) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.closed {
		in.closed = true
		close(in.frames)
	}
	return nil
}

// remoteOutput keeps a wall clock for the browser's playback. Buffers are
// sent as they are scheduled; their end is tracked with timers.
type remoteOutput struct {
	send   func(serverMessage)
	rate   int
	origin time.Time

	mu      sync.Mutex
	nextID  int64
	sources map[int64]*remoteSource
	closed  bool
}

func (o *remoteOutput) Now() time.Duration { return time.Since(o.origin) }

func (o *remoteOutput) Play(buf pcm.Buffer, at time.Duration, onEnded func()) (audio.Source, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, audio.ErrClosed
	}

	now := o.Now()
	start := max(at, now)
	o.nextID++
	src := &remoteSource{out: o, id: o.nextID, onEnded: onEnded}
	o.sources[src.id] = src

	o.send(serverMessage{
		Type:       msgPlay,
		ID:         src.id,
		Start:      start.Seconds(),
		SampleRate: o.rate,
		Data:       pcm.EncodeBytesToText(pcm.FloatSamplesToPCM16(buf.Interleaved(), len(buf.Channels))),
	})
	// The timer callback takes o.mu, so onEnded cannot run before Play returns.
	src.timer = time.AfterFunc(start+buf.Duration(o.rate)-now, func() { o.finish(src, false) })
	return src, nil
}

func (o *remoteOutput) finish(src *remoteSource, stopped bool) {
	o.mu.Lock()
	if _, ok := o.sources[src.id]; !ok {
		o.mu.Unlock()
		return
	}
	delete(o.sources, src.id)
	src.timer.Stop()
	if stopped {
		o.send(serverMessage{Type: msgStop, ID: src.id})
	}
	o.mu.Unlock()

	if src.onEnded != nil {
		src.onEnded()
	}
}

func (o *remoteOutput) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	pending := make([]*remoteSource, 0, len(o.sources))
	for _, src := range o.sources {
		pending = append(pending, src)
	}
	o.mu.Unlock()

	for _, src := range pending {
		o.finish(src, true)
	}
	return nil
}

type remoteSource struct {
	out     *remoteOutput
	id      int64
	timer   *time.Timer
	onEnded func()
}

func (s *remoteSource) Stop() { s.out.finish(s, true) }
