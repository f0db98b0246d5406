// Package channel implements the channel registry: the immutable,
// post-freeze map from channel identifier/type token to its configuration.
package channel

import (
	"errors"
	"sync"
)

// Consistency is a channel's delivery semantics.
type Consistency int

const (
	UnreliableUnordered Consistency = iota
	UnreliableSequenced
	ReliableUnordered
	ReliableOrdered
)

// Config is a channel's registered configuration.
type Config struct {
	Consistency Consistency
	Priority    uint32
}

// ID is a dense, opaque channel identifier assigned at registration time.
type ID uint32

var (
	// ErrAlreadyRegistered is returned by Register when type_token was
	// already registered.
	ErrAlreadyRegistered = errors.New("channel: type token already registered")
	// ErrFrozen is returned by Register once the registry has been frozen.
	ErrFrozen = errors.New("channel: registry is frozen")
)

// Registry is the post-setup map from channel identifier/type to config.
// Registration must happen in a deterministic order across processes so
// that two peers agree on identifiers without exchanging schema; Registry
// itself does not enforce determinism, it only assigns ids densely in
// registration order, exactly as the caller requests them.
type Registry struct {
	mu       sync.RWMutex
	frozen   bool
	byType   map[string]ID
	byID     []Config
}

// NewRegistry returns an empty, unfrozen registry.
func NewRegistry() *Registry {
	return &Registry{byType: make(map[string]ID)}
}

// Register assigns the next dense id to typeToken with the given config. It
// fails if typeToken is already registered or the registry is frozen.
func (r *Registry) Register(typeToken string, cfg Config) (ID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return 0, ErrFrozen
	}
	if _, ok := r.byType[typeToken]; ok {
		return 0, ErrAlreadyRegistered
	}
	id := ID(len(r.byID))
	r.byID = append(r.byID, cfg)
	r.byType[typeToken] = id
	return id, nil
}

// Freeze is a one-shot transition to read-only. Subsequent Register calls
// fail with ErrFrozen. Calling Freeze more than once is a no-op.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Frozen reports whether Freeze has been called.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// LookupByID returns the config registered under id, if any.
func (r *Registry) LookupByID(id ID) (Config, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(id) < 0 || int(id) >= len(r.byID) {
		return Config{}, false
	}
	return r.byID[id], true
}

// LookupByType returns the id registered for typeToken, if any.
func (r *Registry) LookupByType(typeToken string) (ID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byType[typeToken]
	return id, ok
}

// Count returns the number of registered channels.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Snapshot returns a cheap, shareable, immutable clone for use once frozen.
// It is safe to call on an unfrozen registry but the result will not
// reflect subsequent registrations.
func (r *Registry) Snapshot() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byType := make(map[string]ID, len(r.byType))
	for k, v := range r.byType {
		byType[k] = v
	}
	byID := make([]Config, len(r.byID))
	copy(byID, r.byID)
	return &Registry{frozen: r.frozen, byType: byType, byID: byID}
}
