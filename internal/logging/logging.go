// Package logging configures structured logging and carries the logger through contexts.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
)

type Config struct {
	JSON      bool       `hcl:"json,optional" help:"Enable JSON logging."`
	Level     slog.Level `hcl:"level,optional" help:"Set the logging level." default:"info"`
	AddSource bool       `hcl:"add-source,optional" help:"Include the source location of log statements."`
}

type logKey struct{}

// Configure a logger from config and return it along with a context carrying it.
//
// JSON logs go to stdout, human readable logs to stderr.
func Configure(ctx context.Context, config Config) (*slog.Logger, context.Context) {
	var out io.Writer = os.Stderr
	if config.JSON {
		out = os.Stdout
	}
	return ConfigureWriter(ctx, out, config)
}

// ConfigureWriter is like [Configure] but writes to w.
func ConfigureWriter(ctx context.Context, w io.Writer, config Config) (*slog.Logger, context.Context) {
	var handler slog.Handler
	if config.JSON {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: config.Level, AddSource: config.AddSource})
	} else {
		handler = tint.NewHandler(w, &tint.Options{
			Level:     config.Level,
			AddSource: config.AddSource,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey && len(groups) == 0 {
					return slog.Attr{}
				}
				return a
			},
		})
	}
	logger := slog.New(handler)
	return logger, ContextWithLogger(ctx, logger)
}

func FromContext(ctx context.Context) *slog.Logger {
	logger, ok := ctx.Value(logKey{}).(*slog.Logger)
	if !ok {
		panic("no logger in context")
	}
	return logger
}

// ContextWithLogger returns a new context with the given logger.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, logKey{}, logger)
}
