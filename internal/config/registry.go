package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/segscribe/segscribe/pkg/stt"
)

// ErrTranscriberNotRegistered is returned by [Registry.CreateTranscriber] when
// no factory has been registered under the requested backend name.
var ErrTranscriberNotRegistered = errors.New("config: transcriber not registered")

// TranscriberFactory builds a backend from its configuration block.
type TranscriberFactory func(TranscriberConfig) (stt.Transcriber, error)

// Registry maps backend names to their constructor functions. It is safe for
// concurrent use.
type Registry struct {
	mu          sync.RWMutex
	transcriber map[TranscriberName]TranscriberFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		transcriber: make(map[TranscriberName]TranscriberFactory),
	}
}

// RegisterTranscriber registers a backend factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterTranscriber(name TranscriberName, factory TranscriberFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transcriber[name] = factory
}

// CreateTranscriber instantiates a backend using the factory registered under
// cfg.Name. Returns [ErrTranscriberNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateTranscriber(cfg TranscriberConfig) (stt.Transcriber, error) {
	r.mu.RLock()
	factory, ok := r.transcriber[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTranscriberNotRegistered, cfg.Name)
	}
	return factory(cfg)
}
