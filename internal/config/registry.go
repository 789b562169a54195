package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/nagriksetu/nagriksetu/pkg/provider/live"
	"github.com/nagriksetu/nagriksetu/pkg/provider/speech"
	"github.com/nagriksetu/nagriksetu/pkg/provider/text"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	live   map[string]func(ProviderEntry) (live.Provider, error)
	text   map[string]func(ProviderEntry) (text.Completer, error)
	speech map[string]func(ProviderEntry) (speech.Synthesizer, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		live:   make(map[string]func(ProviderEntry) (live.Provider, error)),
		text:   make(map[string]func(ProviderEntry) (text.Completer, error)),
		speech: make(map[string]func(ProviderEntry) (speech.Synthesizer, error)),
	}
}

// RegisterLive registers a realtime voice provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLive(name string, factory func(ProviderEntry) (live.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[name] = factory
}

// RegisterText registers a text completer factory under name.
func (r *Registry) RegisterText(name string, factory func(ProviderEntry) (text.Completer, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.text[name] = factory
}

// RegisterSpeech registers a speech synthesizer factory under name.
func (r *Registry) RegisterSpeech(name string, factory func(ProviderEntry) (speech.Synthesizer, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.speech[name] = factory
}

// CreateLive instantiates a realtime voice provider using the factory
// registered under entry.Name. Returns [ErrProviderNotRegistered] if no
// factory has been registered for that name.
func (r *Registry) CreateLive(entry ProviderEntry) (live.Provider, error) {
	r.mu.RLock()
	factory, ok := r.live[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: live/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateText instantiates a text completer using the factory registered under entry.Name.
func (r *Registry) CreateText(entry ProviderEntry) (text.Completer, error) {
	r.mu.RLock()
	factory, ok := r.text[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: text/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateSpeech instantiates a speech synthesizer using the factory registered under entry.Name.
func (r *Registry) CreateSpeech(entry ProviderEntry) (speech.Synthesizer, error) {
	r.mu.RLock()
	factory, ok := r.speech[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: speech/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// Names returns the sorted names registered for kind ("live", "text" or
// "speech").
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	switch kind {
	case "live":
		for n := range r.live {
			names = append(names, n)
		}
	case "text":
		for n := range r.text {
			names = append(names, n)
		}
	case "speech":
		for n := range r.speech {
			names = append(names, n)
		}
	}
	slices.Sort(names)
	return names
}
