package store

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/alecthomas/errors"

	"github.com/block/ctfplug/internal/logging"
)

func RegisterMemory(r *Registry) {
	Register(r, "memory", "Keeps configuration records in memory. Records are lost on exit.", NewMemory)
}

type MemoryConfig struct {
	// Seed records, as JSON documents keyed by record key.
	Seed map[string]string `hcl:"seed,optional" help:"Initial records, as JSON encoded values keyed by record key."`
}

type Memory struct {
	mu      sync.RWMutex
	records map[string]Record
}

var _ Store = (*Memory)(nil)

func NewMemory(ctx context.Context, config MemoryConfig) (*Memory, error) {
	logging.FromContext(ctx).DebugContext(ctx, "Constructing in-memory store", "seed", len(config.Seed))
	m := &Memory{records: make(map[string]Record, len(config.Seed))}
	now := time.Now().UTC()
	for key, value := range config.Seed {
		raw := json.RawMessage(value)
		if err := validateValue(raw); err != nil {
			return nil, errors.Errorf("seed %q: %w", key, err)
		}
		m.records[key] = Record{Key: key, Value: raw, UpdatedAt: now}
	}
	return m, nil
}

func (m *Memory) String() string { return "memory" }

func (m *Memory) List(_ context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.records))
	for _, record := range m.records {
		out = append(out, record)
	}
	sortRecords(out)
	return out, nil
}

func (m *Memory) Get(_ context.Context, key string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[key]
	if !ok {
		return Record{}, notFound(key)
	}
	return record, nil
}

func (m *Memory) Put(ctx context.Context, key string, value json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return errors.WithStack(err)
	}
	if err := validateKey(key); err != nil {
		return err
	}
	if err := validateValue(value); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[key] = Record{Key: key, Value: slices.Clone(value), UpdatedAt: time.Now().UTC()}
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[key]; !ok {
		return notFound(key)
	}
	delete(m.records, key)
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = map[string]Record{}
	return nil
}
