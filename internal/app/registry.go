package app

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

// Handle is a running engine the registry can stop.
type Handle interface {
	Stop(ctx context.Context) error
}

// Registry tracks running handles by key: broadcasters by session id,
// viewers by client token.
type Registry[K ~string, H Handle] struct {
	module  string
	mu      sync.RWMutex
	handles map[K]H
}

func NewRegistry[K ~string, H Handle](module string) *Registry[K, H] {
	return &Registry[K, H]{
		module:  module,
		handles: make(map[K]H),
	}
}

// Bind stores h under key and returns the handle it replaced, if any.
func (r *Registry[K, H]) Bind(key K, h H) (H, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.handles[key]
	r.handles[key] = h
	log.Info().Str("module", r.module).Str("key", string(key)).Bool("replaced", ok).Msg("bound handle")
	return prev, ok
}

// BindNew stores h only if key is free.
func (r *Registry[K, H]) BindNew(key K, h H) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handles[key]; ok {
		return false
	}
	r.handles[key] = h
	log.Info().Str("module", r.module).Str("key", string(key)).Msg("bound handle")
	return true
}

func (r *Registry[K, H]) Get(key K) (H, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[key]
	return h, ok
}

// Unbind removes key and returns its handle.
func (r *Registry[K, H]) Unbind(key K) (H, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[key]
	if ok {
		delete(r.handles, key)
		log.Info().Str("module", r.module).Str("key", string(key)).Msg("unbind handle")
	}
	return h, ok
}

// UnbindIf removes key only while it still maps to h.
func (r *Registry[K, H]) UnbindIf(key K, h H) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.handles[key]
	if !ok || any(cur) != any(h) {
		return false
	}
	delete(r.handles, key)
	log.Info().Str("module", r.module).Str("key", string(key)).Msg("unbind handle")
	return true
}

func (r *Registry[K, H]) Keys() []K {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]K, 0, len(r.handles))
	for k := range r.handles {
		out = append(out, k)
	}
	return out
}

func (r *Registry[K, H]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// StopAll stops and removes every handle.
func (r *Registry[K, H]) StopAll(ctx context.Context) error {
	r.mu.Lock()
	handles := r.handles
	r.handles = make(map[K]H)
	r.mu.Unlock()

	var errs []error
	for key, h := range handles {
		if err := h.Stop(ctx); err != nil {
			errs = append(errs, err)
			log.Error().Err(err).Str("module", r.module).Str("key", string(key)).Msg("stop handle")
		}
	}
	return errors.Join(errs...)
}
