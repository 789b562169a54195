// Package gemini provides a speech synthesizer backed by the Gemini API's
// native audio output.
package gemini

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/nagriksetu/nagriksetu/pkg/audio/pcm"
	"github.com/nagriksetu/nagriksetu/pkg/provider/speech"
)

const (
	// DefaultModel is used when New is called with an empty model.
	DefaultModel = "gemini-2.5-flash-preview-tts"

	// DefaultVoice is the prebuilt voice used for an empty voiceID.
	DefaultVoice = "Kore"

	// SampleRate is the rate Gemini renders speech at.
	SampleRate = 24000
)

var _ speech.Synthesizer = (*Provider)(nil)

// Provider implements speech.Synthesizer using google.golang.org/genai.
type Provider struct {
	client *genai.Client
	model  string
}

type config struct {
	baseURL    string
	httpClient *http.Client
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the Gemini API endpoint.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithHTTPClient sets the HTTP client used for API calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.httpClient = hc }
}

// New constructs a Provider. apiKey must not be empty.
func New(ctx context.Context, apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini speech: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}
	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}
	cc := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.httpClient,
	}
	if cfg.baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.baseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini speech: new client: %w", err)
	}
	return &Provider{client: client, model: model}, nil
}

// SampleRate implements speech.Synthesizer.
func (p *Provider) SampleRate() int { return SampleRate }

// Synthesize implements speech.Synthesizer.
func (p *Provider) Synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("gemini speech: %w", speech.ErrEmptyText)
	}
	if voiceID == "" {
		voiceID = DefaultVoice
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, genai.Text(text), &genai.GenerateContentConfig{
		ResponseModalities: []string{"AUDIO"},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voiceID},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini speech: generate: %w", err)
	}

	audio, err := inlineAudio(resp)
	if err != nil {
		return nil, fmt.Errorf("gemini speech: %w", err)
	}
	if err := speech.CheckPCM(audio); err != nil {
		return nil, fmt.Errorf("gemini speech: %w", err)
	}
	return audio, nil
}

// inlineAudio concatenates every inline audio part of the first candidate.
// Parts that declare a sample rate other than SampleRate are rejected.
func inlineAudio(resp *genai.GenerateContentResponse) ([]byte, error) {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("empty candidates in response")
	}
	var out []byte
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil || part.InlineData == nil {
			continue
		}
		if rate, ok := pcm.ParseRate(part.InlineData.MIMEType); ok && rate != SampleRate {
			return nil, fmt.Errorf("unexpected sample rate %d", rate)
		}
		out = append(out, part.InlineData.Data...)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no audio in response")
	}
	return out, nil
}
