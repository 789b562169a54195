// Package gemini provides a grounded text completer backed by the Gemini API.
//
// Requests enable the Google Search tool so answers about schemes, rights and
// procedures cite current public sources. The web sources from the response's
// grounding metadata are returned as [text.Link] values.
package gemini

import (
	"context"
	"fmt"
	"net/http"

	"google.golang.org/genai"

	"github.com/nagriksetu/nagriksetu/pkg/provider/text"
)

// DefaultModel is used when New is called with an empty model.
const DefaultModel = "gemini-2.5-flash"

var _ text.Completer = (*Provider)(nil)

// Provider implements text.Completer using google.golang.org/genai.
type Provider struct {
	client    *genai.Client
	model     string
	grounding bool
}

type config struct {
	baseURL    string
	httpClient *http.Client
	grounding  bool
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

// WithGrounding toggles the Google Search tool. Enabled by default.
func WithGrounding(enabled bool) Option {
	return func(c *config) { c.grounding = enabled }
}

// New constructs a Provider. apiKey must not be empty.
func New(ctx context.Context, apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini text: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}
	cfg := &config{grounding: true}
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
		return nil, fmt.Errorf("gemini text: new client: %w", err)
	}
	return &Provider{client: client, model: model, grounding: cfg.grounding}, nil
}

// Complete implements text.Completer.
func (p *Provider) Complete(ctx context.Context, req text.Request) (text.Completion, error) {
	if err := req.Validate(); err != nil {
		return text.Completion{}, fmt.Errorf("gemini text: %w", err)
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, genai.Text(req.Prompt), p.generateConfig(req))
	if err != nil {
		return text.Completion{}, fmt.Errorf("gemini text: generate: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return text.Completion{}, fmt.Errorf("gemini text: empty candidates in response")
	}
	return text.Completion{
		Text:           resp.Text(),
		GroundingLinks: groundingLinks(resp.Candidates[0]),
	}, nil
}

func (p *Provider) generateConfig(req text.Request) *genai.GenerateContentConfig {
	gc := &genai.GenerateContentConfig{}
	if req.Context != "" {
		gc.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.Context}},
		}
	}
	if p.grounding {
		gc.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	}
	return gc
}

func groundingLinks(c *genai.Candidate) []text.Link {
	if c == nil || c.GroundingMetadata == nil {
		return nil
	}
	var links []text.Link
	for _, chunk := range c.GroundingMetadata.GroundingChunks {
		if chunk == nil || chunk.Web == nil {
			continue
		}
		links = append(links, text.Link{Title: chunk.Web.Title, URI: chunk.Web.URI})
	}
	return text.DedupLinks(links)
}
