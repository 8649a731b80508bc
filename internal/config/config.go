// Package config loads HCL configuration and uses it to construct the settings store and initialise the strategy
// registry.
package config

import (
	"context"
	"os"
	"strings"

	"github.com/alecthomas/errors"
	"github.com/alecthomas/hcl/v2"

	"github.com/block/ctfplug/internal/logging"
	"github.com/block/ctfplug/internal/plugin"
	"github.com/block/ctfplug/internal/plugin/achievement"
	"github.com/block/ctfplug/internal/plugin/flag"
	"github.com/block/ctfplug/internal/plugin/points"
	"github.com/block/ctfplug/internal/store"
)

// NewRegistries returns store and strategy registries with every built-in backend and strategy registered.
func NewRegistries() (*store.Registry, *plugin.Registry) {
	sr := store.NewRegistry()
	store.RegisterAll(sr)

	pr := plugin.NewRegistry()
	flag.Register(pr)
	points.Register(pr)
	achievement.Register(pr)
	return sr, pr
}

// Schema returns the configuration file schema.
func Schema[GlobalConfig any](sr *store.Registry, pr *plugin.Registry) *hcl.AST {
	globalSchema, err := hcl.Schema(new(GlobalConfig))
	if err != nil {
		panic(err)
	}
	return &hcl.AST{
		Entries: append(globalSchema.Entries, append(sr.Schema().Entries, pr.Schema().Entries...)...),
	}
}

// Split configuration into global config and provider-specific config.
//
// Anything that is not part of GlobalConfig is assumed to configure a store backend or a strategy.
func Split[GlobalConfig any](ast *hcl.AST) (global, providers *hcl.AST) {
	globalSchema, err := hcl.Schema(new(GlobalConfig))
	if err != nil {
		panic(err)
	}

	globals := map[string]bool{}
	for _, entry := range globalSchema.Entries {
		switch entry.(type) {
		case *hcl.Attribute, *hcl.Block:
			globals[entry.EntryKey()] = true
		}
	}

	global = &hcl.AST{Pos: ast.Pos}
	providers = &hcl.AST{Pos: ast.Pos}

	for _, node := range ast.Entries {
		switch node := node.(type) {
		case *hcl.Block:
			if globals[node.Name] {
				global.Entries = append(global.Entries, node)
			} else {
				providers.Entries = append(providers.Entries, node)
			}

		case *hcl.Attribute: // Attributes are always for the global config
			global.Entries = append(global.Entries, node)
		}
	}

	return global, providers
}

// Load provider configuration, constructing the settings store and initialising the strategy registry.
//
// Exactly one store block is required. Every other block configures a strategy, eg. `points "decay" { ... }`.
// ${VAR} references in string values are expanded from vars.
func Load(
	ctx context.Context,
	sr *store.Registry,
	pr *plugin.Registry,
	ast *hcl.AST,
	vars map[string]string,
) (store.Store, error) {
	logger := logging.FromContext(ctx)
	expandVars(ast, vars)

	var (
		storeBlocks    []*hcl.Block
		strategyBlocks []*hcl.Block
	)
	for _, node := range ast.Entries {
		switch node := node.(type) {
		case *hcl.Block:
			if sr.Exists(node.Name) {
				storeBlocks = append(storeBlocks, node)
			} else {
				strategyBlocks = append(strategyBlocks, node)
			}

		case *hcl.Attribute:
			return nil, errors.Errorf("%s: attributes are not allowed", node.Pos)
		}
	}
	switch len(storeBlocks) {
	case 0:
		return nil, errors.Errorf("%s: expected a settings store, one of: %s", ast.Pos, strings.Join(sr.Names(), ", "))
	case 1:
	default:
		return nil, errors.Errorf("%s: only one settings store may be configured", storeBlocks[1].Pos)
	}

	// Strategies are initialised first so that a bad strategy config fails before any storage is touched.
	if err := pr.Init(ctx, strategyBlocks); err != nil {
		return nil, errors.WithStack(err)
	}

	block := storeBlocks[0]
	s, err := sr.Create(ctx, block.Name, block)
	if err != nil {
		return nil, errors.Errorf("%s: %w", block.Pos, err)
	}
	logger.DebugContext(ctx, "Settings store", "store", s.String(), "strategies", len(strategyBlocks))
	return s, nil
}

// ParseEnvars returns the process environment as a map, for ${VAR} expansion.
func ParseEnvars() map[string]string {
	envars := map[string]string{}
	for _, env := range os.Environ() {
		if key, value, ok := strings.Cut(env, "="); ok {
			envars[key] = value
		}
	}
	return envars
}

func expandVars(ast *hcl.AST, vars map[string]string) {
	_ = hcl.Visit(ast, func(node hcl.Node, next func() error) error { //nolint:errcheck
		attr, ok := node.(*hcl.Attribute)
		if ok {
			switch attr := attr.Value.(type) {
			case *hcl.String:
				attr.Str = os.Expand(attr.Str, func(s string) string { return vars[s] })
			case *hcl.Heredoc:
				attr.Doc = os.Expand(attr.Doc, func(s string) string { return vars[s] })
			}
		}
		return next()
	})
}
