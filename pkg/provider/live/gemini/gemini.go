// Package gemini implements the live.Provider interface for Google's Gemini
// Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Microphone audio is forwarded as base64 PCM16 media chunks at
// 16 kHz; the model answers with base64 PCM16 at 24 kHz.
package gemini

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

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
	defaultModel   = "gemini-2.5-flash-native-audio-preview-09-2025"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"
	bidiPath       = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
	defaultVoice   = "Kore"

	inputRate  = 16000
	outputRate = 24000

	eventBuffer       = 64
	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
)

// Option customises a [Provider].
type Option func(*Provider)

func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL points the provider at another websocket endpoint, such as a
// local test server. The BidiGenerateContent path is appended to it.
func WithBaseURL(base string) Option {
	return func(p *Provider) { p.endpoint = base }
}

// WithDefaultVoice picks the prebuilt voice for sessions whose Config.Voice
// is empty.
func WithDefaultVoice(voice string) Option {
	return func(p *Provider) { p.voice = voice }
}

// Provider opens Gemini Live sessions. It holds no connection state and may
// open any number of channels.
type Provider struct {
	apiKey   string
	model    string
	voice    string
	endpoint string
}

func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{apiKey: apiKey, model: defaultModel, voice: defaultVoice, endpoint: defaultBaseURL}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Format reports 16 kHz microphone audio and 24 kHz model audio.
func (p *Provider) Format() live.Format {
	return live.Format{InputRate: inputRate, OutputRate: outputRate}
}

func (p *Provider) sessionURL() string {
	q := url.Values{"key": {p.apiKey}}
	return p.endpoint + bidiPath + "?" + q.Encode()
}

// Open dials the endpoint and sends the setup message. The channel emits
// [live.EventOpened] once the server acknowledges with setupComplete.
func (p *Provider) Open(ctx context.Context, cfg live.Config) (live.Channel, error) {
	conn, _, err := websocket.Dial(ctx, p.sessionURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	// A single model turn can carry several seconds of base64 audio.
	conn.SetReadLimit(16 << 20)

	// The channel outlives ctx, which only bounds the dial and setup.
	life, stop := context.WithCancel(context.Background())
	ch := &channel{conn: conn, events: make(chan live.Event, eventBuffer), life: life, stop: stop}

	voice := cmp.Or(cfg.Voice, p.voice)
	if err := ch.writeJSON(ctx, newSetup(p.model, voice, cfg)); err != nil {
		stop()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	go ch.readLoop()
	go ch.pingLoop()
	return ch, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string           `json:"model"`
	GenerationConfig         generationConfig `json:"generationConfig"`
	SystemInstruction        *content         `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}        `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}        `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string            `json:"text,omitempty"`
	InlineData *pcm.EncodedChunk `json:"inlineData,omitempty"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []pcm.EncodedChunk `json:"mediaChunks"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

type serverContent struct {
	ModelTurn           *content       `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type transcription struct {
	Text string `json:"text"`
}

// ── Channel ──────────────────────────────────────────────────────────────────

type channel struct {
	conn   *websocket.Conn
	events chan live.Event

	life     context.Context
	stop     context.CancelFunc
	closed   atomic.Bool
	stopOnce sync.Once
}

func newSetup(model, voice string, cfg live.Config) setupMessage {
	setup := setupConfig{
		Model: "models/" + model,
		GenerationConfig: generationConfig{
			ResponseModalities: []string{"AUDIO"},
			SpeechConfig: &speechConfig{
				VoiceConfig: voiceConfig{PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: voice}},
			},
		},
	}
	if cfg.SystemPrompt != "" {
		setup.SystemInstruction = &content{Parts: []part{{Text: cfg.SystemPrompt}}}
	}
	if cfg.Transcribe {
		setup.InputAudioTranscription = &struct{}{}
		setup.OutputAudioTranscription = &struct{}{}
	}
	return setupMessage{Setup: setup}
}

func (c *channel) writeJSON(ctx context.Context, v any) error {
	return wsjson.Write(ctx, c.conn, v)
}

// readLoop turns server frames into events and closes the events channel on
// exit. A locally closed channel emits nothing further.
func (c *channel) readLoop() {
	defer close(c.events)

	// Frames are read raw: the server may send JSON in binary frames, and a
	// malformed frame is skipped rather than closing the socket.
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
			c.emit(live.Event{Kind: live.EventError, Err: fmt.Errorf("gemini: read: %w", err)})
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("gemini: skipping malformed frame", "err", err)
			continue
		}
		if !c.dispatch(&msg) {
			return
		}
	}
}

// dispatch emits the events carried by msg and reports whether the loop
// should keep reading.
func (c *channel) dispatch(msg *serverMessage) bool {
	if e := msg.Error; e != nil {
		reason := cmp.Or(e.Message, "unknown error")
		c.emit(live.Event{Kind: live.EventError, Err: fmt.Errorf("gemini: server error %d: %s", e.Code, reason)})
		c.conn.Close(websocket.StatusNormalClosure, "server error")
		return false
	}
	if msg.SetupComplete != nil && !c.emit(live.Event{Kind: live.EventOpened}) {
		return false
	}
	if msg.GoAway != nil {
		slog.Info("gemini: server is going away", "time_left", msg.GoAway.TimeLeft)
	}
	if msg.ServerContent == nil {
		return true
	}
	for _, ev := range contentEvents(msg.ServerContent) {
		if !c.emit(ev) {
			return false
		}
	}
	return true
}

// contentEvents lists the events of one serverContent in delivery order. The
// interruption comes first because audio in the same message already belongs
// to the next response.
func contentEvents(sc *serverContent) []live.Event {
	var out []live.Event
	if sc.Interrupted {
		out = append(out, live.Event{Kind: live.EventInterrupted})
	}
	if t := sc.InputTranscription; t != nil && t.Text != "" {
		out = append(out, live.Event{Kind: live.EventTranscript, Role: live.RoleUser, Text: t.Text})
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil || p.InlineData.Data == "" {
				continue
			}
			chunk := *p.InlineData
			chunk.MIMEType = cmp.Or(chunk.MIMEType, pcm.MIMEType(outputRate))
			out = append(out, live.Event{Kind: live.EventAudio, Audio: chunk})
		}
	}
	if t := sc.OutputTranscription; t != nil && t.Text != "" {
		out = append(out, live.Event{Kind: live.EventTranscript, Role: live.RoleModel, Text: t.Text})
	}
	if sc.TurnComplete {
		out = append(out, live.Event{Kind: live.EventTurnComplete})
	}
	return out
}

func (c *channel) emit(ev live.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.life.Done():
		return false
	}
}

// pingLoop keeps idle sessions from being dropped by proxies.
func (c *channel) pingLoop() {
	t := time.NewTicker(keepaliveInterval)
	defer t.Stop()
	for {
		select {
		case <-c.life.Done():
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(c.life, keepaliveTimeout)
			_ = c.conn.Ping(ctx)
			cancel()
		}
	}
}

func (c *channel) Events() <-chan live.Event { return c.events }

// Send forwards one microphone chunk as a realtimeInput media chunk.
func (c *channel) Send(ctx context.Context, chunk pcm.EncodedChunk) error {
	if c.closed.Load() {
		return live.ErrClosed
	}
	chunk.MIMEType = cmp.Or(chunk.MIMEType, pcm.MIMEType(inputRate))
	msg := realtimeInputMessage{RealtimeInput: realtimeInput{MediaChunks: []pcm.EncodedChunk{chunk}}}
	if err := c.writeJSON(ctx, msg); err != nil {
		if c.life.Err() != nil {
			return live.ErrClosed
		}
		return fmt.Errorf("gemini: send: %w", err)
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
