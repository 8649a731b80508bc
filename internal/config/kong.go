package config

import (
	"io"
	"reflect"
	"strings"

	"github.com/alecthomas/errors"
	"github.com/alecthomas/hcl/v2"
	"github.com/alecthomas/kong"
)

// KongLoader is a [kong.ConfigurationLoader] that supplies flag values from the [GlobalConfig] part of an HCL
// configuration file, eg. `log { level = "debug" }` supplies --log-level.
//
// Store and strategy blocks are split off first and never reach kong.
func KongLoader(r io.Reader) (kong.Resolver, error) {
	ast, err := hcl.Parse(r)
	if err != nil {
		return nil, errors.Errorf("failed to parse HCL: %w", err)
	}
	global, _ := Split[GlobalConfig](ast)
	values, err := globalFlags(global)
	if err != nil {
		return nil, err
	}
	return kong.ResolverFunc(func(_ *kong.Context, _ *kong.Path, flag *kong.Flag) (any, error) {
		return values[flag.Name], nil
	}), nil
}

// globalFlags maps each global setting to the name of the flag that sets it.
//
// Top level attributes keep their key. Attributes of a GlobalConfig block take the block's flag prefix, so
// `metrics { otlp-endpoint = "..." }` becomes "metrics-otlp-endpoint".
func globalFlags(global *hcl.AST) (map[string]any, error) {
	prefixes := blockPrefixes()
	values := map[string]any{}
	for _, entry := range global.Entries {
		switch entry := entry.(type) {
		case *hcl.Attribute:
			value, err := flagValue(entry.Value)
			if err != nil {
				return nil, errors.Errorf("%s: %s: %w", entry.Pos, entry.Key, err)
			}
			values[entry.Key] = value

		case *hcl.Block:
			prefix, ok := prefixes[entry.Name]
			if !ok {
				return nil, errors.Errorf("%s: unknown block %q", entry.Pos, entry.Name)
			}
			if len(entry.Labels) > 0 {
				return nil, errors.Errorf("%s: %s block does not take labels", entry.Pos, entry.Name)
			}
			for _, child := range entry.Body {
				attr, ok := child.(*hcl.Attribute)
				if !ok {
					return nil, errors.Errorf("%s: %s block may only contain attributes", entry.Pos, entry.Name)
				}
				value, err := flagValue(attr.Value)
				if err != nil {
					return nil, errors.Errorf("%s: %s.%s: %w", attr.Pos, entry.Name, attr.Key, err)
				}
				values[prefix+attr.Key] = value
			}
		}
	}
	return values, nil
}

// blockPrefixes maps the HCL block name of each GlobalConfig section to its kong flag prefix.
func blockPrefixes() map[string]string {
	prefixes := map[string]string{}
	t := reflect.TypeFor[GlobalConfig]()
	for i := range t.NumField() {
		field := t.Field(i)
		name, options, _ := strings.Cut(field.Tag.Get("hcl"), ",")
		if options != "block" {
			continue
		}
		prefixes[name] = field.Tag.Get("prefix")
	}
	return prefixes
}

// flagValue converts an HCL value to a form kong can decode into a flag.
func flagValue(v hcl.Value) (any, error) {
	switch v := v.(type) {
	case *hcl.String:
		return v.Str, nil
	case *hcl.Heredoc:
		return v.GetHeredoc(), nil
	case *hcl.Bool:
		return v.Bool, nil
	case *hcl.Number:
		if v.Float.IsInt() {
			i, _ := v.Float.Int64()
			return i, nil
		}
		f, _ := v.Float.Float64()
		return f, nil
	case *hcl.List:
		out := make([]any, 0, len(v.List))
		for _, item := range v.List {
			value, err := flagValue(item)
			if err != nil {
				return nil, err
			}
			out = append(out, value)
		}
		return out, nil
	default:
		return nil, errors.Errorf("unsupported value %T", v)
	}
}
