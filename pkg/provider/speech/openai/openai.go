// Package openai provides a speech synthesizer backed by the OpenAI audio
// speech endpoint, requesting raw PCM output.
package openai

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/nagriksetu/nagriksetu/pkg/provider/speech"
)

const (
	// DefaultModel is used when New is called with an empty model.
	DefaultModel = "gpt-4o-mini-tts"

	// DefaultVoice is used for an empty voiceID.
	DefaultVoice = "alloy"

	// SampleRate is the rate of OpenAI's "pcm" response format.
	SampleRate = 24000
)

// MaxInputChars is the longest text the speech endpoint accepts.
const MaxInputChars = 4096

var _ speech.Synthesizer = (*Provider)(nil)

// Provider synthesizes speech with an OpenAI TTS model.
type Provider struct {
	client       oai.Client
	model        string
	instructions string
	speed        float64
}

// Option configures a Provider.
type Option func(*Provider, *[]option.RequestOption)

// WithBaseURL points the client at an OpenAI-compatible server.
func WithBaseURL(url string) Option {
	return func(_ *Provider, ro *[]option.RequestOption) { *ro = append(*ro, option.WithBaseURL(url)) }
}

// WithOrganization sends the organization id with every request.
func WithOrganization(org string) Option {
	return func(_ *Provider, ro *[]option.RequestOption) { *ro = append(*ro, option.WithOrganization(org)) }
}

// WithTimeout bounds each request.
func WithTimeout(d time.Duration) Option {
	return func(_ *Provider, ro *[]option.RequestOption) {
		*ro = append(*ro, option.WithHTTPClient(&http.Client{Timeout: d}))
	}
}

// WithInstructions steers delivery, e.g. "Speak slowly and warmly, with an
// Indian English accent". Only the gpt-4o TTS models honour it.
func WithInstructions(s string) Option {
	return func(p *Provider, _ *[]option.RequestOption) { p.instructions = s }
}

// WithSpeed sets the playback speed, 0.25 to 4. Zero keeps the default.
func WithSpeed(v float64) Option {
	return func(p *Provider, _ *[]option.RequestOption) { p.speed = v }
}

// New returns a Provider. An empty model selects [DefaultModel]. Requests are
// not retried: the failover chain moves on to the next synthesizer instead.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai speech: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}
	p := &Provider{model: model}
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	for _, o := range opts {
		o(p, &reqOpts)
	}
	if p.speed != 0 && (p.speed < 0.25 || p.speed > 4) {
		return nil, fmt.Errorf("openai speech: speed %v outside 0.25..4", p.speed)
	}
	p.client = oai.NewClient(reqOpts...)
	return p, nil
}

// SampleRate implements speech.Synthesizer.
func (p *Provider) SampleRate() int { return SampleRate }

// Synthesize implements speech.Synthesizer.
func (p *Provider) Synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("openai speech: %w", speech.ErrEmptyText)
	}
	if n := utf8.RuneCountInString(text); n > MaxInputChars {
		return nil, fmt.Errorf("openai speech: text is %d characters, limit %d", n, MaxInputChars)
	}
	if voiceID == "" {
		voiceID = DefaultVoice
	}

	params := oai.AudioSpeechNewParams{
		Input:          text,
		Model:          oai.SpeechModel(p.model),
		Voice:          oai.AudioSpeechNewParamsVoice(voiceID),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	}
	if p.instructions != "" {
		params.Instructions = oai.String(p.instructions)
	}
	if p.speed != 0 {
		params.Speed = oai.Float(p.speed)
	}
	resp, err := p.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai speech: synthesize: %w", err)
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai speech: read body: %w", err)
	}
	if err := speech.CheckPCM(audio); err != nil {
		return nil, fmt.Errorf("openai speech: %w", err)
	}
	return audio, nil
}
