package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nagriksetu/nagriksetu/internal/config"
	"github.com/nagriksetu/nagriksetu/pkg/provider/live"
	livemock "github.com/nagriksetu/nagriksetu/pkg/provider/live/mock"
	"github.com/nagriksetu/nagriksetu/pkg/provider/speech"
	speechmock "github.com/nagriksetu/nagriksetu/pkg/provider/speech/mock"
	"github.com/nagriksetu/nagriksetu/pkg/provider/text"
	textmock "github.com/nagriksetu/nagriksetu/pkg/provider/text/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9090"
  log_level: debug
  log_format: json
  allowed_origins: ["nagriksetu.example"]

backend:
  postgres_dsn: postgres://localhost/nagriksetu
  bcrypt_cost: 10
  retry_initial: 2s
  retry_max: 30s

providers:
  live:
    name: gemini
    api_key: g-test
    model: gemini-live-2.5-flash-preview
  text:
    - name: gemini
      api_key: g-test
    - name: openai
      api_key: sk-test
      model: gpt-4o-mini
  speech:
    - name: gemini
      api_key: g-test
      options:
        voice: Kore
    - name: openai
      api_key: sk-test

voice:
  system_prompt: You are a patient civics tutor.
  voice: Puck
  transcribe: true
  block_size: 2048
  connect_timeout: 10s

audio:
  input: question.wav
  output: answer.wav
`

// ── LoadFromReader ───────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" || cfg.Server.LogLevel != config.LogDebug || cfg.Server.LogFormat != config.LogFormatJSON {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Backend.RetryInitial != 2*time.Second || cfg.Backend.RetryMax != 30*time.Second {
		t.Errorf("backend retry = %s/%s", cfg.Backend.RetryInitial, cfg.Backend.RetryMax)
	}
	if cfg.Providers.Live.Name != "gemini" {
		t.Errorf("live = %q, want gemini", cfg.Providers.Live.Name)
	}
	if len(cfg.Providers.Text) != 2 || cfg.Providers.Text[1].Model != "gpt-4o-mini" {
		t.Errorf("text chain = %+v", cfg.Providers.Text)
	}
	if got := cfg.Providers.Speech[0].OptString("voice"); got != "Kore" {
		t.Errorf("speech[0] voice option = %q, want Kore", got)
	}
	if cfg.Voice.BlockSize != 2048 || cfg.Voice.ConnectTimeout != 10*time.Second || !cfg.Voice.Transcribe {
		t.Errorf("voice = %+v", cfg.Voice)
	}
	// Unset fields take defaults.
	if cfg.Voice.SendQueue != config.DefaultSendQueue || cfg.Voice.DrainTimeout != config.DefaultDrainTimeout {
		t.Errorf("voice defaults not applied: %+v", cfg.Voice)
	}
	if cfg.Audio.Input != "question.wav" || cfg.Audio.Output != "answer.wav" {
		t.Errorf("audio = %+v", cfg.Audio)
	}
}

func TestLoadFromReader_EmptyIsValid(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != config.DefaultListenAddr {
		t.Errorf("ListenAddr = %q, want default", cfg.Server.ListenAddr)
	}
	if cfg.Voice.BlockSize != config.DefaultBlockSize || cfg.Voice.ConnectTimeout != config.DefaultConnectTimeout {
		t.Errorf("voice defaults = %+v", cfg.Voice)
	}
	if cfg.Audio.Input != config.AudioDevice || cfg.Audio.Output != config.AudioDevice {
		t.Errorf("audio defaults = %+v", cfg.Audio)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader("voice:\n  blocksize: 10\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

// ── Validate ─────────────────────────────────────────────────────────────────

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "log level",
			yaml: "server:\n  log_level: verbose\n",
			want: "server.log_level",
		},
		{
			name: "log format",
			yaml: "server:\n  log_format: xml\n",
			want: "server.log_format",
		},
		{
			name: "tls incomplete",
			yaml: "server:\n  tls:\n    cert_file: cert.pem\n",
			want: "server.tls",
		},
		{
			name: "sample ratio",
			yaml: "server:\n  trace_sample_ratio: 1.5\n",
			want: "server.trace_sample_ratio",
		},
		{
			name: "bcrypt cost",
			yaml: "backend:\n  bcrypt_cost: 64\n",
			want: "backend.bcrypt_cost",
		},
		{
			name: "retry order",
			yaml: "backend:\n  retry_initial: 2m\n  retry_max: 1m\n",
			want: "retry_initial",
		},
		{
			name: "text entry without name",
			yaml: "providers:\n  text:\n    - api_key: x\n",
			want: "providers.text[0].name is required",
		},
		{
			name: "duplicate speech entry",
			yaml: "providers:\n  speech:\n    - name: openai\n    - name: openai\n",
			want: "duplicate",
		},
		{
			name: "negative send queue",
			yaml: "voice:\n  send_queue: -1\n",
			want: "voice.send_queue",
		},
		{
			name: "negative connect timeout",
			yaml: "voice:\n  connect_timeout: -5s\n",
			want: "voice.connect_timeout",
		},
		{
			name: "audio input",
			yaml: "audio:\n  input: microphone.mp3\n",
			want: "audio.input",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()

	yaml := `
server:
  log_level: loud
voice:
  block_size: -1
  drain_timeout: -1s
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"server.log_level", "voice.block_size", "voice.drain_timeout"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error %q misses %q", err, want)
		}
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	for _, kind := range []string{"live", "text", "speech"} {
		if len(config.ValidProviderNames[kind]) == 0 {
			t.Errorf("ValidProviderNames[%q] is empty", kind)
		}
	}
}

// ── Load ─────────────────────────────────────────────────────────────────────

func TestLoad_ExpandsEnvironment(t *testing.T) {
	t.Setenv("NAGRIKSETU_TEST_GEMINI_KEY", "secret-from-env")

	path := filepath.Join(t.TempDir(), "config.yaml")
	data := "providers:\n  live:\n    name: gemini\n    api_key: ${NAGRIKSETU_TEST_GEMINI_KEY}\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers.Live.APIKey != "secret-from-env" {
		t.Errorf("APIKey = %q, want expanded value", cfg.Providers.Live.APIKey)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want os.ErrNotExist", err)
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

func TestRegistry_Unknown(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	entry := config.ProviderEntry{Name: "nonexistent"}

	if _, err := reg.CreateLive(entry); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateLive err = %v, want ErrProviderNotRegistered", err)
	}
	if _, err := reg.CreateText(entry); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateText err = %v, want ErrProviderNotRegistered", err)
	}
	if _, err := reg.CreateSpeech(entry); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateSpeech err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegistry_Registered(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	var gotEntry config.ProviderEntry
	reg.RegisterLive("mock", func(e config.ProviderEntry) (live.Provider, error) {
		gotEntry = e
		return &livemock.Provider{}, nil
	})
	reg.RegisterText("mock", func(config.ProviderEntry) (text.Completer, error) {
		return &textmock.Completer{}, nil
	})
	reg.RegisterSpeech("mock", func(config.ProviderEntry) (speech.Synthesizer, error) {
		return &speechmock.Synthesizer{}, nil
	})

	entry := config.ProviderEntry{Name: "mock", APIKey: "k", Model: "m"}
	if p, err := reg.CreateLive(entry); err != nil || p == nil {
		t.Fatalf("CreateLive = %v, %v", p, err)
	}
	if gotEntry.APIKey != "k" || gotEntry.Model != "m" {
		t.Errorf("factory received %+v", gotEntry)
	}
	if c, err := reg.CreateText(entry); err != nil || c == nil {
		t.Fatalf("CreateText = %v, %v", c, err)
	}
	if s, err := reg.CreateSpeech(entry); err != nil || s == nil {
		t.Fatalf("CreateSpeech = %v, %v", s, err)
	}

	if got := reg.Names("text"); len(got) != 1 || got[0] != "mock" {
		t.Errorf("Names(text) = %v", got)
	}
	if got := reg.Names("unknown"); got != nil {
		t.Errorf("Names(unknown) = %v, want nil", got)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	wantErr := errors.New("missing api key")
	reg.RegisterText("broken", func(config.ProviderEntry) (text.Completer, error) {
		return nil, wantErr
	})
	if _, err := reg.CreateText(config.ProviderEntry{Name: "broken"}); !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want factory error", err)
	}
}

func TestProviderEntry_OptString(t *testing.T) {
	t.Parallel()

	e := config.ProviderEntry{Options: map[string]any{"voice": "Kore", "speed": 1.2}}
	if got := e.OptString("voice"); got != "Kore" {
		t.Errorf("OptString(voice) = %q", got)
	}
	if got := e.OptString("speed"); got != "" {
		t.Errorf("OptString(speed) = %q, want empty for non-string", got)
	}
	if got := (config.ProviderEntry{}).OptString("voice"); got != "" {
		t.Errorf("OptString on nil options = %q", got)
	}
}
