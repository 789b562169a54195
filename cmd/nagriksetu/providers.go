package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/nagriksetu/nagriksetu/internal/app"
	"github.com/nagriksetu/nagriksetu/internal/config"
	"github.com/nagriksetu/nagriksetu/internal/observe"
	"github.com/nagriksetu/nagriksetu/internal/resilience"
	"github.com/nagriksetu/nagriksetu/pkg/provider/live"
	geminilive "github.com/nagriksetu/nagriksetu/pkg/provider/live/gemini"
	oailive "github.com/nagriksetu/nagriksetu/pkg/provider/live/openai"
	"github.com/nagriksetu/nagriksetu/pkg/provider/speech"
	geminispeech "github.com/nagriksetu/nagriksetu/pkg/provider/speech/gemini"
	oaispeech "github.com/nagriksetu/nagriksetu/pkg/provider/speech/openai"
	"github.com/nagriksetu/nagriksetu/pkg/provider/text"
	"github.com/nagriksetu/nagriksetu/pkg/provider/text/anyllm"
	geminitext "github.com/nagriksetu/nagriksetu/pkg/provider/text/gemini"
)

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Live ──────────────────────────────────────────────────────────────────

	reg.RegisterLive("gemini", func(entry config.ProviderEntry) (live.Provider, error) {
		var opts []geminilive.Option
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		if v := entry.OptString("voice"); v != "" {
			opts = append(opts, geminilive.WithDefaultVoice(v))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})

	reg.RegisterLive("openai", func(entry config.ProviderEntry) (live.Provider, error) {
		var opts []oailive.Option
		if entry.Model != "" {
			opts = append(opts, oailive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oailive.WithBaseURL(entry.BaseURL))
		}
		if v := entry.OptString("voice"); v != "" {
			opts = append(opts, oailive.WithDefaultVoice(v))
		}
		if m := entry.OptString("transcription_model"); m != "" {
			opts = append(opts, oailive.WithTranscriptionModel(m))
		}
		return oailive.New(entry.APIKey, opts...), nil
	})

	// ── Text ──────────────────────────────────────────────────────────────────

	// gemini gets the native client so answers carry web grounding links.
	reg.RegisterText("gemini", func(entry config.ProviderEntry) (text.Completer, error) {
		var opts []geminitext.Option
		if entry.BaseURL != "" {
			opts = append(opts, geminitext.WithBaseURL(entry.BaseURL))
		}
		if g, ok := entry.Options["grounding"].(bool); ok {
			opts = append(opts, geminitext.WithGrounding(g))
		}
		return geminitext.New(context.Background(), entry.APIKey, entry.Model, opts...)
	})

	// The remaining vendors share the same pattern: optional APIKey + optional BaseURL.
	for _, providerName := range []string{
		"openai", "anthropic", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterText(providerName, func(entry config.ProviderEntry) (text.Completer, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterText("ollama", func(entry config.ProviderEntry) (text.Completer, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── Speech ────────────────────────────────────────────────────────────────

	reg.RegisterSpeech("gemini", func(entry config.ProviderEntry) (speech.Synthesizer, error) {
		var opts []geminispeech.Option
		if entry.BaseURL != "" {
			opts = append(opts, geminispeech.WithBaseURL(entry.BaseURL))
		}
		return geminispeech.New(context.Background(), entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterSpeech("openai", func(entry config.ProviderEntry) (speech.Synthesizer, error) {
		var opts []oaispeech.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaispeech.WithBaseURL(entry.BaseURL))
		}
		if org := entry.OptString("organization"); org != "" {
			opts = append(opts, oaispeech.WithOrganization(org))
		}
		if s := entry.OptString("timeout"); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil {
				return nil, fmt.Errorf("options.timeout: %w", err)
			}
			opts = append(opts, oaispeech.WithTimeout(d))
		}
		if s := entry.OptString("instructions"); s != "" {
			opts = append(opts, oaispeech.WithInstructions(s))
		}
		if v, ok := entry.Options["speed"].(float64); ok {
			opts = append(opts, oaispeech.WithSpeed(v))
		}
		return oaispeech.New(entry.APIKey, entry.Model, opts...)
	})

	for _, kind := range []string{"live", "text", "speech"} {
		for _, name := range reg.Names(kind) {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates all providers named in cfg using the registry.
// Text and speech chains are wrapped in a failover group; entries whose
// provider is not registered are skipped.
func buildProviders(cfg *config.Config, reg *config.Registry, metrics *observe.Metrics) (*app.Providers, error) {
	ps := &app.Providers{}

	if name := cfg.Providers.Live.Name; name != "" {
		p, err := reg.CreateLive(cfg.Providers.Live)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("live provider not available, skipping", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create live provider %q: %w", name, err)
		} else {
			ps.Live = p
			slog.Info("provider created", "kind", "live", "name", name)
		}
	}

	fallbackCfg := func(kind string) resilience.FallbackConfig {
		return resilience.FallbackConfig{Kind: kind, Logger: slog.Default(), Metrics: metrics}
	}

	var textChain *resilience.TextFallback
	for _, entry := range cfg.Providers.Text {
		c, err := reg.CreateText(entry)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("text provider not available, skipping", "name", entry.Name)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create text provider %q: %w", entry.Name, err)
		}
		if textChain == nil {
			textChain = resilience.NewTextFallback(c, entry.Name, fallbackCfg("text"))
		} else {
			textChain.AddFallback(entry.Name, c)
		}
		slog.Info("provider created", "kind", "text", "name", entry.Name)
	}
	if textChain != nil {
		ps.Text = textChain
	}

	var speechChain *resilience.SpeechFallback
	for _, entry := range cfg.Providers.Speech {
		s, err := reg.CreateSpeech(entry)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("speech provider not available, skipping", "name", entry.Name)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create speech provider %q: %w", entry.Name, err)
		}
		if speechChain == nil {
			speechChain = resilience.NewSpeechFallback(s, entry.Name, fallbackCfg("speech"))
		} else if s.SampleRate() != speechChain.SampleRate() {
			slog.Warn("speech fallback sample rate differs from primary, skipping",
				"name", entry.Name, "rate", s.SampleRate(), "primary_rate", speechChain.SampleRate())
			continue
		} else {
			speechChain.AddFallback(entry.Name, s)
		}
		slog.Info("provider created", "kind", "speech", "name", entry.Name)
	}
	if speechChain != nil {
		ps.Speech = speechChain
	}

	return ps, nil
}
