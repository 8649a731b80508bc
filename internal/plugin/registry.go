package plugin

import (
	"context"
	"maps"
	"reflect"
	"slices"
	"strings"

	"github.com/alecthomas/errors"
	"github.com/alecthomas/hcl/v2"
	"github.com/alecthomas/kong"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/block/ctfplug/internal/logging"
)

// Factory creates a strategy from its hcl-tagged configuration struct.
type Factory[Config any, S Strategy] func(ctx context.Context, config Config) (S, error)

type registryEntry struct {
	description string
	schema      *hcl.Block
	factory     func(ctx context.Context, config *hcl.Block) (Strategy, error)
	instance    Strategy
}

// Registry maps (kind, name) to strategies.
//
// Register every strategy, then call Init once. Init constructs the strategies and freezes the registry, after
// which it is read-only and safe for concurrent use without locking. Registering concurrently with anything
// else is not supported.
type Registry struct {
	kinds    map[Kind]map[string]*registryEntry
	frozen   bool
	resolves metric.Int64Counter
}

func NewRegistry() *Registry {
	resolves, err := otel.Meter("github.com/block/ctfplug/internal/plugin").Int64Counter("ctfplug.resolve",
		metric.WithDescription("Strategy resolutions by kind, strategy and result."))
	if err != nil {
		panic(err)
	}
	return &Registry{
		kinds:    map[Kind]map[string]*registryEntry{},
		resolves: resolves,
	}
}

type registerOptions struct {
	replace bool
}

// RegisterOption modifies how a strategy is registered.
type RegisterOption func(*registerOptions)

// AllowReplace permits the registration to replace an existing strategy of the same kind and name.
func AllowReplace() RegisterOption {
	return func(o *registerOptions) { o.replace = true }
}

// Register a strategy under (kind, name).
//
// Its configuration is the HCL block `<kind> "<name>" { ... }`. Register panics if the name is already taken
// for kind (unless [AllowReplace] is given), if S does not implement the contract of a built-in kind, or if the
// registry has been initialised.
func Register[Config any, S Strategy](r *Registry, kind Kind, name, description string, factory Factory[Config, S], options ...RegisterOption) {
	opts := registerOptions{}
	for _, option := range options {
		option(&opts)
	}
	if r.frozen {
		panic(errors.Errorf("%s %q: %w", kind, name, ErrFrozen))
	}
	if contract, ok := capabilities[kind]; ok && !reflect.TypeFor[S]().Implements(contract) {
		panic(errors.Errorf("%s %q: %s does not implement %s", kind, name, reflect.TypeFor[S](), contract))
	}
	if _, exists := r.kinds[kind][name]; exists && !opts.replace {
		panic(errors.Errorf("%s %q: %w", kind, name, ErrDuplicate))
	}

	var c Config
	schema, err := hcl.BlockSchema(string(kind), &c)
	if err != nil {
		panic(err)
	}
	block := schema.Entries[0].(*hcl.Block) //nolint:errcheck
	block.Labels = []string{name}
	block.Comments = hcl.CommentList{description}

	if r.kinds[kind] == nil {
		r.kinds[kind] = map[string]*registryEntry{}
	}
	r.kinds[kind][name] = &registryEntry{
		description: description,
		schema:      block,
		factory: func(ctx context.Context, config *hcl.Block) (Strategy, error) {
			var cfg Config
			if err := kong.ApplyDefaults(&cfg); err != nil {
				return nil, errors.Errorf("failed to apply defaults: %w", err)
			}
			// The label selects the strategy, it is not part of its configuration.
			body := *config
			body.Labels = nil
			if err := hcl.UnmarshalBlock(&body, &cfg, hcl.AllowExtra(false)); err != nil {
				return nil, errors.WithStack(err)
			}
			return factory(ctx, cfg)
		},
	}
}

// Init constructs every registered strategy and freezes the registry.
//
// blocks are strategy configuration blocks of the form `<kind> "<name>" { ... }`. Strategies without a block are
// constructed from their defaults.
func (r *Registry) Init(ctx context.Context, blocks []*hcl.Block) error {
	if r.frozen {
		return errors.WithStack(ErrFrozen)
	}
	logger := logging.FromContext(ctx)

	configs := map[*registryEntry]*hcl.Block{}
	for _, block := range blocks {
		if len(block.Labels) != 1 {
			return errors.Errorf("%s: %s block requires exactly one label naming the strategy", block.Pos, block.Name)
		}
		entry, ok := r.kinds[Kind(block.Name)][block.Labels[0]]
		if !ok {
			return errors.Errorf("%s: unknown %s strategy %q: %w", block.Pos, block.Name, block.Labels[0], ErrConfigMismatch)
		}
		if _, dup := configs[entry]; dup {
			return errors.Errorf("%s: %s %q configured more than once", block.Pos, block.Name, block.Labels[0])
		}
		configs[entry] = block
	}

	for _, kind := range r.Kinds() {
		for _, name := range r.Names(kind) {
			entry := r.kinds[kind][name]
			config, ok := configs[entry]
			if !ok {
				config = &hcl.Block{Name: string(kind), Labels: []string{name}}
			}
			instance, err := entry.factory(ctx, config)
			if err != nil {
				return errors.Errorf("%s %q: %w", kind, name, err)
			}
			entry.instance = instance
			logger.DebugContext(ctx, "Constructed strategy", "kind", kind, "name", name, "strategy", instance.String())
		}
	}
	r.frozen = true
	return nil
}

// Initialised reports whether Init has completed.
func (r *Registry) Initialised() bool { return r.frozen }

// Kinds returns every kind with at least one registered strategy, sorted.
func (r *Registry) Kinds() []Kind {
	return slices.Sorted(maps.Keys(r.kinds))
}

// Names returns the strategy names registered for kind, sorted.
func (r *Registry) Names(kind Kind) []string {
	return slices.Sorted(maps.Keys(r.kinds[kind]))
}

// Description of a registered strategy.
func (r *Registry) Description(kind Kind, name string) (string, bool) {
	entry, ok := r.kinds[kind][name]
	if !ok {
		return "", false
	}
	return entry.description, true
}

// Schema returns the configuration schema of every registered strategy.
func (r *Registry) Schema() *hcl.AST {
	ast := &hcl.AST{}
	for _, kind := range r.Kinds() {
		for _, name := range r.Names(kind) {
			ast.Entries = append(ast.Entries, r.kinds[kind][name].schema)
		}
	}
	return ast
}

// Getter supplies the active strategy names.
type Getter interface {
	Get(key string, def any) (any, error)
}

// ActiveName returns the strategy name configured for kind, without checking it is registered.
func ActiveName(kind Kind, settings Getter) (string, error) {
	v, err := settings.Get(kind.SettingKey(), nil)
	if err != nil {
		return "", errors.WithStack(err)
	}
	switch v := v.(type) {
	case nil:
		return "", errors.Errorf("%s is not configured: %w", kind.SettingKey(), ErrConfigMismatch)
	case string:
		return v, nil
	default:
		return "", errors.Errorf("%s must be a strategy name, got %T: %w", kind.SettingKey(), v, ErrConfigMismatch)
	}
}

// Resolve returns the active strategy for kind.
//
// Returns ErrConfigMismatch if kind has no strategies, or if its setting is missing or names an unregistered
// strategy.
func (r *Registry) Resolve(ctx context.Context, kind Kind, settings Getter) (Strategy, error) {
	if !r.frozen {
		return nil, errors.Errorf("%s: %w", kind, ErrNotInitialised)
	}
	strategy, name, err := r.resolve(kind, settings)
	result := "ok"
	if err != nil {
		result = "mismatch"
	}
	r.resolves.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("strategy", name),
		attribute.String("result", result),
	))
	return strategy, err
}

func (r *Registry) resolve(kind Kind, settings Getter) (Strategy, string, error) {
	entries := r.kinds[kind]
	if len(entries) == 0 {
		return nil, "", errors.Errorf("no %s strategies are registered: %w", kind, ErrConfigMismatch)
	}
	name, err := ActiveName(kind, settings)
	if err != nil {
		return nil, "", err
	}
	entry, ok := entries[name]
	if !ok {
		return nil, name, errors.Errorf("%s names unknown %s strategy %q (available: %s): %w",
			kind.SettingKey(), kind, name, strings.Join(r.Names(kind), ", "), ErrConfigMismatch)
	}
	return entry.instance, name, nil
}

// ResolveAs resolves the active strategy for kind and asserts that it implements S.
func ResolveAs[S Strategy](ctx context.Context, r *Registry, kind Kind, settings Getter) (S, error) {
	var zero S
	strategy, err := r.Resolve(ctx, kind, settings)
	if err != nil {
		return zero, err
	}
	s, ok := strategy.(S)
	if !ok {
		return zero, errors.Errorf("%s strategy %s is a %T: %w", kind, strategy, strategy, ErrConfigMismatch)
	}
	return s, nil
}

// ResolveFlag returns the active flag strategy.
func (r *Registry) ResolveFlag(ctx context.Context, settings Getter) (FlagPlugin, error) {
	return ResolveAs[FlagPlugin](ctx, r, Flag, settings)
}

// ResolvePoints returns the active points strategy.
func (r *Registry) ResolvePoints(ctx context.Context, settings Getter) (PointsPlugin, error) {
	return ResolveAs[PointsPlugin](ctx, r, Points, settings)
}

// ResolveAchievement returns the active achievement strategy.
func (r *Registry) ResolveAchievement(ctx context.Context, settings Getter) (AchievementPlugin, error) {
	return ResolveAs[AchievementPlugin](ctx, r, Achievement, settings)
}
