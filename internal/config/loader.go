package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr      = ":8080"
	DefaultShutdownTimeout = 15 * time.Second
	DefaultBlockSize       = 4096
	DefaultSendQueue       = 32
	DefaultConnectTimeout  = 15 * time.Second
	DefaultDrainTimeout    = 5 * time.Second
	DefaultRetryInitial    = time.Second
	DefaultRetryMax        = time.Minute
	DefaultFlushWorkers    = 4
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"live":   {"gemini", "openai"},
	"text":   {"gemini", "openai", "anthropic", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"speech": {"gemini", "openai"},
}

// Load reads the YAML configuration file at path, expands ${VAR} references
// from the environment and returns a validated [Config] with defaults applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}

	cfg, err := LoadFromReader(strings.NewReader(os.ExpandEnv(string(data))))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Environment references are not expanded. An empty document
// yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = LogFormatText
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Backend.RetryInitial == 0 {
		cfg.Backend.RetryInitial = DefaultRetryInitial
	}
	if cfg.Backend.RetryMax == 0 {
		cfg.Backend.RetryMax = DefaultRetryMax
	}
	if cfg.Backend.FlushWorkers == 0 {
		cfg.Backend.FlushWorkers = DefaultFlushWorkers
	}
	if cfg.Voice.BlockSize == 0 {
		cfg.Voice.BlockSize = DefaultBlockSize
	}
	if cfg.Voice.SendQueue == 0 {
		cfg.Voice.SendQueue = DefaultSendQueue
	}
	if cfg.Voice.ConnectTimeout == 0 {
		cfg.Voice.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Voice.DrainTimeout == 0 {
		cfg.Voice.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.Audio.Input == "" {
		cfg.Audio.Input = AudioDevice
	}
	if cfg.Audio.Output == "" {
		cfg.Audio.Output = AudioDevice
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout %s must not be negative", cfg.Server.ShutdownTimeout))
	}
	if r := cfg.Server.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio %v is outside [0, 1]", r))
	}

	// Backend
	if c := cfg.Backend.BcryptCost; c != 0 && (c < 4 || c > 31) {
		errs = append(errs, fmt.Errorf("backend.bcrypt_cost %d is out of range [4, 31]", c))
	}
	if cfg.Backend.RetryInitial < 0 || cfg.Backend.RetryMax < 0 {
		errs = append(errs, errors.New("backend retry durations must not be negative"))
	} else if cfg.Backend.RetryMax > 0 && cfg.Backend.RetryInitial > cfg.Backend.RetryMax {
		errs = append(errs, fmt.Errorf("backend.retry_initial %s exceeds retry_max %s", cfg.Backend.RetryInitial, cfg.Backend.RetryMax))
	}
	if cfg.Backend.FlushWorkers < 0 {
		errs = append(errs, fmt.Errorf("backend.flush_workers %d must not be negative", cfg.Backend.FlushWorkers))
	}
	if cfg.Backend.PostgresDSN == "" {
		slog.Warn("backend.postgres_dsn is empty; users, profiles and feeds are kept in memory only")
	}

	// Providers
	validateProviderName("live", cfg.Providers.Live.Name)
	errs = append(errs, validateChain("text", cfg.Providers.Text)...)
	errs = append(errs, validateChain("speech", cfg.Providers.Speech)...)
	if cfg.Providers.Live.Name == "" {
		slog.Warn("providers.live is not configured; voice sessions are disabled")
	}

	// Voice
	if cfg.Voice.BlockSize < 0 {
		errs = append(errs, fmt.Errorf("voice.block_size %d must not be negative", cfg.Voice.BlockSize))
	}
	if cfg.Voice.SendQueue < 0 {
		errs = append(errs, fmt.Errorf("voice.send_queue %d must not be negative", cfg.Voice.SendQueue))
	}
	if cfg.Voice.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("voice.connect_timeout %s must not be negative", cfg.Voice.ConnectTimeout))
	}
	if cfg.Voice.DrainTimeout < 0 {
		errs = append(errs, fmt.Errorf("voice.drain_timeout %s must not be negative", cfg.Voice.DrainTimeout))
	}

	// Audio
	if in := cfg.Audio.Input; in != "" && in != AudioDevice && !isWAV(in) {
		errs = append(errs, fmt.Errorf("audio.input %q must be %q or a .wav path", in, AudioDevice))
	}
	if out := cfg.Audio.Output; out != "" && out != AudioDevice && !isWAV(out) {
		errs = append(errs, fmt.Errorf("audio.output %q must be %q or a .wav path", out, AudioDevice))
	}

	return errors.Join(errs...)
}

// validateChain checks one failover chain: every entry needs a name and
// names must be unique.
func validateChain(kind string, entries []ProviderEntry) []error {
	var errs []error
	seen := make(map[string]int, len(entries))
	for i, e := range entries {
		prefix := fmt.Sprintf("providers.%s[%d]", kind, i)
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := seen[e.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of providers.%s[%d]", prefix, e.Name, kind, prev))
		}
		seen[e.Name] = i
		validateProviderName(kind, e.Name)
	}
	return errs
}

func isWAV(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".wav")
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

// OptString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func (e ProviderEntry) OptString(key string) string {
	v, ok := e.Options[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
