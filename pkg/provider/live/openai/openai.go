// Package openai implements the live.Provider interface for OpenAI's Realtime
// API.
//
// A session is one websocket to the realtime endpoint carrying JSON events.
// Audio travels as base64 PCM16 at 24 kHz in both directions. Server-side voice
// activity detection drives turn taking: input_audio_buffer.speech_started is
// surfaced as a barge-in interruption and cancels the in-flight response.
package openai

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/nagriksetu/nagriksetu/pkg/audio/pcm"
	"github.com/nagriksetu/nagriksetu/pkg/provider/live"
)

var (
	_ live.Provider = (*Provider)(nil)
	_ live.Channel  = (*channel)(nil)
)

const (
	defaultModel              = "gpt-4o-realtime-preview"
	defaultBaseURL            = "wss://api.openai.com/v1/realtime"
	defaultVoice              = "alloy"
	defaultTranscriptionModel = "whisper-1"

	sampleRate  = 24000
	eventBuffer = 64
)

// Server event types the channel reacts to.
const (
	evSessionUpdated   = "session.updated"
	evAudioDelta       = "response.audio.delta"
	evTranscriptDelta  = "response.audio_transcript.delta"
	evInputTranscribed = "conversation.item.input_audio_transcription.completed"
	evSpeechStarted    = "input_audio_buffer.speech_started"
	evResponseDone     = "response.done"
	evError            = "error"
)

// Option customises a [Provider].
type Option func(*Provider)

func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL replaces the realtime endpoint, e.g. with a local test server.
func WithBaseURL(base string) Option {
	return func(p *Provider) { p.endpoint = base }
}

// WithDefaultVoice picks the voice for sessions whose Config.Voice is empty.
func WithDefaultVoice(voice string) Option {
	return func(p *Provider) { p.voice = voice }
}

// WithTranscriptionModel selects the model that transcribes caller audio
// when Config.Transcribe is set.
func WithTranscriptionModel(model string) Option {
	return func(p *Provider) { p.transcriber = model }
}

// Provider opens OpenAI Realtime sessions.
type Provider struct {
	apiKey      string
	model       string
	voice       string
	transcriber string
	endpoint    string
}

func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:      apiKey,
		model:       defaultModel,
		voice:       defaultVoice,
		transcriber: defaultTranscriptionModel,
		endpoint:    defaultBaseURL,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Format reports 24 kHz audio in both directions.
func (p *Provider) Format() live.Format {
	return live.Format{InputRate: sampleRate, OutputRate: sampleRate}
}

func (p *Provider) session(cfg live.Config) sessionParams {
	params := sessionParams{
		Voice:             cmp.Or(cfg.Voice, p.voice),
		Instructions:      cfg.SystemPrompt,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		Modalities:        []string{"audio", "text"},
		TurnDetection:     &turnDetection{Type: "server_vad"},
	}
	if cfg.Transcribe {
		params.InputAudioTranscription = &inputAudioTranscription{Model: p.transcriber}
	}
	return params
}

// Open dials the endpoint and sends session.update. The channel emits
// [live.EventOpened] on the first session.updated.
func (p *Provider) Open(ctx context.Context, cfg live.Config) (live.Channel, error) {
	header := make(http.Header)
	header.Set("Authorization", "Bearer "+p.apiKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	target := p.endpoint + "?" + url.Values{"model": {p.model}}.Encode()
	conn, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	conn.SetReadLimit(16 << 20)

	life, stop := context.WithCancel(context.Background())
	ch := &channel{conn: conn, events: make(chan live.Event, eventBuffer), life: life, stop: stop}

	update := sessionUpdateMessage{Type: "session.update", Session: p.session(cfg)}
	if err := wsjson.Write(ctx, conn, update); err != nil {
		stop()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go ch.readLoop()
	return ch, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Voice                   string                   `json:"voice,omitempty"`
	Instructions            string                   `json:"instructions,omitempty"`
	Modalities              []string                 `json:"modalities,omitempty"`
	InputAudioFormat        string                   `json:"input_audio_format"`
	OutputAudioFormat       string                   `json:"output_audio_format"`
	InputAudioTranscription *inputAudioTranscription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection           `json:"turn_detection,omitempty"`
}

type inputAudioTranscription struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── Channel ──────────────────────────────────────────────────────────────────

type channel struct {
	conn   *websocket.Conn
	events chan live.Event

	life     context.Context
	stop     context.CancelFunc
	closed   atomic.Bool
	stopOnce sync.Once

	opened bool // first session.updated seen; read loop only
}

func (c *channel) readLoop() {
	defer close(c.events)

	for {
		_, data, err := c.conn.Read(c.life)
		switch {
		case err == nil:
		case c.life.Err() != nil:
			return
		case websocket.CloseStatus(err) == websocket.StatusNormalClosure:
			c.emit(live.Event{Kind: live.EventClosed})
			return
		default:
			c.emit(live.Event{Kind: live.EventError, Err: fmt.Errorf("openai: read: %w", err)})
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Debug("openai: skipping malformed event", "err", err)
			continue
		}
		if ev, ok := c.translate(&evt); ok && !c.emit(ev) {
			return
		}
	}
}

// translate maps one server event to at most one live event.
func (c *channel) translate(evt *serverEvent) (live.Event, bool) {
	switch evt.Type {
	case evSessionUpdated:
		if c.opened {
			return live.Event{}, false
		}
		c.opened = true
		return live.Event{Kind: live.EventOpened}, true

	case evAudioDelta:
		chunk := pcm.EncodedChunk{MIMEType: pcm.MIMEType(sampleRate), Data: evt.Delta}
		return live.Event{Kind: live.EventAudio, Audio: chunk}, evt.Delta != ""

	case evTranscriptDelta:
		return live.Event{Kind: live.EventTranscript, Role: live.RoleModel, Text: evt.Delta}, evt.Delta != ""

	case evInputTranscribed:
		return live.Event{Kind: live.EventTranscript, Role: live.RoleUser, Text: evt.Transcript}, evt.Transcript != ""

	case evSpeechStarted:
		// Server VAD heard the caller: cancel the response being generated
		// and have the consumer flush what it already queued.
		if err := wsjson.Write(c.life, c.conn, map[string]string{"type": "response.cancel"}); err != nil {
			slog.Debug("openai: response.cancel failed", "err", err)
		}
		return live.Event{Kind: live.EventInterrupted}, true

	case evResponseDone:
		return live.Event{Kind: live.EventTurnComplete}, true

	case evError:
		// Per-request errors leave the session usable. Fatal ones close the
		// socket and surface from the read.
		reason := "unknown error"
		if evt.Error != nil {
			reason = cmp.Or(evt.Error.Message, reason)
		}
		slog.Warn("openai: realtime error event", "message", reason)
	}
	return live.Event{}, false
}

func (c *channel) emit(ev live.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.life.Done():
		return false
	}
}

func (c *channel) Events() <-chan live.Event { return c.events }

// Send appends one chunk to the server's input audio buffer. The chunk must
// already be 24 kHz mono PCM16.
func (c *channel) Send(ctx context.Context, chunk pcm.EncodedChunk) error {
	if c.closed.Load() {
		return live.ErrClosed
	}
	msg := appendAudioMessage{Type: "input_audio_buffer.append", Audio: chunk.Data}
	if err := wsjson.Write(ctx, c.conn, msg); err != nil {
		if c.life.Err() != nil {
			return live.ErrClosed
		}
		return fmt.Errorf("openai: send: %w", err)
	}
	return nil
}

// Close ends the session. Calling it again is a no-op.
func (c *channel) Close() error {
	c.stopOnce.Do(func() {
		c.closed.Store(true)
		c.stop()
		c.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}
