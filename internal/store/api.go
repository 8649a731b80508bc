// Package store provides persisted key/value storage for configuration records, with pluggable backends.
package store

import (
	"context"
	"encoding/json"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/alecthomas/errors"
	"github.com/alecthomas/hcl/v2"
)

// ErrNotFound is returned when a store backend is not registered.
var ErrNotFound = errors.New("store backend not found")

// Record is a single persisted configuration entry.
type Record struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// A Store persists configuration records.
//
// Values are arbitrary JSON documents and are not validated by the store beyond being well-formed.
type Store interface {
	// List all records, ordered by key.
	List(ctx context.Context) ([]Record, error)
	// Get a single record.
	//
	// Must return os.ErrNotExist if the key does not exist.
	Get(ctx context.Context, key string) (Record, error)
	// Put creates or replaces a record.
	Put(ctx context.Context, key string, value json.RawMessage) error
	// Delete a record.
	//
	// Must return os.ErrNotExist if the key does not exist.
	Delete(ctx context.Context, key string) error
	// Close the Store.
	Close() error
	String() string
}

// Factory creates a Store from its hcl-tagged configuration struct.
type Factory[Config any, S Store] func(ctx context.Context, config Config) (S, error)

type registryEntry struct {
	schema  *hcl.Block
	factory func(ctx context.Context, config *hcl.Block) (Store, error)
}

// Registry of store backends, keyed by the name of their configuration block.
type Registry struct {
	registry map[string]registryEntry
}

func NewRegistry() *Registry {
	return &Registry{registry: make(map[string]registryEntry)}
}

// Register a store backend.
func Register[Config any, S Store](r *Registry, id, description string, factory Factory[Config, S]) {
	var c Config
	schema, err := hcl.BlockSchema(id, &c)
	if err != nil {
		panic(err)
	}
	block := schema.Entries[0].(*hcl.Block) //nolint:errcheck
	block.Comments = hcl.CommentList{description}
	r.registry[id] = registryEntry{
		schema: block,
		factory: func(ctx context.Context, config *hcl.Block) (Store, error) {
			var cfg Config
			if err := hcl.UnmarshalBlock(config, &cfg, hcl.AllowExtra(false)); err != nil {
				return nil, errors.WithStack(err)
			}
			return factory(ctx, cfg)
		},
	}
}

// RegisterAll registers every built-in backend.
func RegisterAll(r *Registry) {
	RegisterMemory(r)
	RegisterDisk(r)
	RegisterSQLite(r)
	RegisterS3(r)
}

// Schema returns the schema for all registered backends, sorted by name.
func (r *Registry) Schema() *hcl.AST {
	ast := &hcl.AST{}
	for _, name := range r.Names() {
		ast.Entries = append(ast.Entries, r.registry[name].schema)
	}
	return ast
}

// Names of all registered backends, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.registry))
	for name := range r.registry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (r *Registry) Exists(name string) bool {
	_, ok := r.registry[name]
	return ok
}

// Create a new store backend from its configuration block.
//
// Will return "ErrNotFound" if the backend is not registered.
func (r *Registry) Create(ctx context.Context, name string, config *hcl.Block) (Store, error) {
	if entry, ok := r.registry[name]; ok {
		return errors.WithStack2(entry.factory(ctx, config))
	}
	return nil, errors.Errorf("%s: %w", name, ErrNotFound)
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("key is required")
	}
	return nil
}

func validateValue(value json.RawMessage) error {
	if !json.Valid(value) {
		return errors.New("value is not valid JSON")
	}
	return nil
}

func notFound(key string) error {
	return errors.Errorf("%s: %w", key, os.ErrNotExist)
}

func sortRecords(records []Record) {
	slices.SortFunc(records, func(a, b Record) int { return strings.Compare(a.Key, b.Key) })
}
