package relay

import (
	"log/slog"
	"sort"
	"sync"
)

// Factory builds an idle channel for key.
type Factory func(key Key) *Channel

// Registry maps keys to live channels. The lock is never held across a
// decoder spawn.
type Registry struct {
	mu       sync.Mutex
	channels map[Key]*Channel
	factory  Factory
	log      *slog.Logger
}

func NewRegistry(factory Factory, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		channels: make(map[Key]*Channel),
		factory:  factory,
		log:      log,
	}
}

// GetOrCreateAndStart returns the channel for key, creating it if needed.
// Only the caller that created the channel starts it; a start failure is
// logged and the channel is returned idle.
func (r *Registry) GetOrCreateAndStart(key Key) *Channel {
	r.mu.Lock()
	ch, ok := r.channels[key]
	if !ok {
		ch = r.factory(key)
		r.channels[key] = ch
	}
	r.mu.Unlock()

	if ok {
		return ch
	}

	r.log.Info("Channel created", "channel", key.String())
	_ = ch.Start() // the channel logs its own start failures
	return ch
}

// RemoveIfEmpty removes and disposes the channel for key if it has no
// sessions at this instant. A session admitted before the check keeps the
// channel alive.
func (r *Registry) RemoveIfEmpty(key Key) bool {
	r.mu.Lock()
	ch, ok := r.channels[key]
	if !ok || !ch.retireIfEmpty() {
		r.mu.Unlock()
		return false
	}
	delete(r.channels, key)
	r.mu.Unlock()

	ch.Dispose()
	r.log.Info("Channel removed", "channel", key.String())
	return true
}

// DisposeAll removes and disposes every channel.
func (r *Registry) DisposeAll() {
	r.mu.Lock()
	channels := make([]*Channel, 0, len(r.channels))
	for key, ch := range r.channels {
		channels = append(channels, ch)
		delete(r.channels, key)
	}
	r.mu.Unlock()

	for _, ch := range channels {
		ch.Dispose()
	}
}

func (r *Registry) Get(key Key) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[key]
	return ch, ok
}

// List returns the live channels ordered by key.
func (r *Registry) List() []*Channel {
	r.mu.Lock()
	out := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key(), out[j].Key()
		if a.URL != b.URL {
			return a.URL < b.URL
		}
		return a.Discriminator < b.Discriminator
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}
