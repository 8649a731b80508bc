// Package settings is the in-memory view of persisted configuration records.
//
// A Resolver is constructed empty and must be loaded before use. After Load, reads never touch the backing store;
// the in-memory copy can go stale until Load is called again.
package settings

import (
	"context"
	"encoding/json"
	"maps"
	"reflect"
	"slices"
	"sync"

	"github.com/alecthomas/errors"

	"github.com/block/ctfplug/internal/logging"
	"github.com/block/ctfplug/internal/store"
)

// ErrNotLoaded is returned when the Resolver is read before a successful Load.
var ErrNotLoaded = errors.New("settings have not been loaded")

// Getter is the read side of a Resolver.
type Getter interface {
	Get(key string, def any) (any, error)
}

type Resolver struct {
	store store.Store

	mu         sync.RWMutex
	loaded     bool
	values     map[string]any
	generation uint64
}

var _ Getter = (*Resolver)(nil)

// New creates an unloaded Resolver backed by s.
func New(s store.Store) *Resolver {
	return &Resolver{store: s}
}

// Load replaces the in-memory values with every record in the store.
//
// Values that are not valid JSON are kept as their raw string form.
func (r *Resolver) Load(ctx context.Context) error {
	records, err := r.store.List(ctx)
	if err != nil {
		return errors.Errorf("failed to load settings from %s: %w", r.store, err)
	}
	values := make(map[string]any, len(records))
	for _, record := range records {
		values[record.Key] = decode(record.Value)
	}

	r.mu.Lock()
	if !r.loaded || !reflect.DeepEqual(r.values, values) {
		r.generation++
	}
	r.values = values
	r.loaded = true
	r.mu.Unlock()

	logging.FromContext(ctx).DebugContext(ctx, "Loaded settings", "store", r.store.String(), "keys", len(values))
	return nil
}

// Loaded reports whether Load has succeeded at least once.
func (r *Resolver) Loaded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loaded
}

// Get returns the value of key, or def if the key is not configured.
//
// Returns ErrNotLoaded if called before Load.
func (r *Resolver) Get(key string, def any) (any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.loaded {
		return nil, errors.Errorf("%s: %w", key, ErrNotLoaded)
	}
	if v, ok := r.values[key]; ok {
		return v, nil
	}
	return def, nil
}

// String returns the value of key if it is a string.
//
// ok is false if the key is absent or its value is not a string, in which case def is returned.
func (r *Resolver) String(key, def string) (value string, ok bool, err error) {
	v, err := r.Get(key, nil)
	if err != nil {
		return "", false, err
	}
	s, ok := v.(string)
	if !ok {
		return def, false, nil
	}
	return s, true, nil
}

// Set the in-memory value of key without persisting it.
func (r *Resolver) Set(key string, value any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.loaded {
		return errors.Errorf("%s: %w", key, ErrNotLoaded)
	}
	r.values[key] = value
	r.generation++
	return nil
}

// Persist writes value to the store and then updates the in-memory copy.
//
// Returns ErrNotLoaded, without writing, if called before Load.
func (r *Resolver) Persist(ctx context.Context, key string, value any) error {
	if !r.Loaded() {
		return errors.Errorf("%s: %w", key, ErrNotLoaded)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.Errorf("%s: failed to encode value: %w", key, err)
	}
	if err := r.store.Put(ctx, key, raw); err != nil {
		return errors.Errorf("%s: failed to persist: %w", key, err)
	}
	return r.Set(key, decode(raw))
}

// Delete removes key from the store and from memory.
//
// Returns ErrNotLoaded, without deleting, if called before Load.
func (r *Resolver) Delete(ctx context.Context, key string) error {
	if !r.Loaded() {
		return errors.Errorf("%s: %w", key, ErrNotLoaded)
	}
	if err := r.store.Delete(ctx, key); err != nil {
		return errors.WithStack(err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.values, key)
	r.generation++
	return nil
}

// Keys returns the configured keys, sorted.
func (r *Resolver) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.values))
}

// Snapshot returns a copy of all in-memory values.
func (r *Resolver) Snapshot() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.values)
}

// Generation is a modification index, incremented by every Set and Delete, and by Loads that change the values.
func (r *Resolver) Generation() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generation
}

func decode(raw json.RawMessage) any {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
