package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/chroma/v2/quick"
	"github.com/alecthomas/errors"
	"github.com/alecthomas/hcl/v2"
	"github.com/alecthomas/kong"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/block/ctfplug/internal/config"
	"github.com/block/ctfplug/internal/ctf"
	"github.com/block/ctfplug/internal/httputil"
	"github.com/block/ctfplug/internal/jobscheduler"
	"github.com/block/ctfplug/internal/logging"
	"github.com/block/ctfplug/internal/metrics"
	"github.com/block/ctfplug/internal/scoring"
	"github.com/block/ctfplug/internal/server"
	"github.com/block/ctfplug/internal/settings"
)

var cli struct {
	Schema bool `help:"Print the configuration file schema." xor:"command"`

	Config *os.File `hcl:"-" help:"Configuration file path." placeholder:"PATH" required:"" default:"ctfplug.hcl"`

	// GlobalConfig accepts command-line, but can also be parsed from HCL.
	config.GlobalConfig
}

func main() {
	kctx := kong.Parse(&cli, kong.DefaultEnvars("CTFPLUG"))

	ast, err := hcl.Parse(cli.Config)
	kctx.FatalIfErrorf(err)

	globalConfig, providersConfig := config.Split[config.GlobalConfig](ast)

	err = hcl.UnmarshalAST(globalConfig, &cli.GlobalConfig)
	kctx.FatalIfErrorf(err)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	logger, ctx := logging.Configure(ctx, cli.LoggingConfig)

	sr, pr := config.NewRegistries()

	// Commands
	switch { //nolint:gocritic
	case cli.Schema:
		schema := config.Schema[config.GlobalConfig](sr, pr)
		slices.SortStableFunc(schema.Entries, func(a, b hcl.Entry) int {
			return strings.Compare(a.EntryKey(), b.EntryKey())
		})
		text, err := hcl.MarshalAST(schema)
		kctx.FatalIfErrorf(err)

		if fileInfo, err := os.Stdout.Stat(); err == nil && (fileInfo.Mode()&os.ModeCharDevice) != 0 {
			err = quick.Highlight(os.Stdout, string(text), "terraform", "terminal256", "solarized")
			kctx.FatalIfErrorf(err)
		} else {
			fmt.Printf("%s\n", text) //nolint:forbidigo
		}
		return
	}

	// Metrics come first so the registry and scoring instruments bind to the real provider.
	metricsClient, err := metrics.New(ctx, cli.MetricsConfig)
	kctx.FatalIfErrorf(err, "failed to create metrics client")
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := metricsClient.Close(shutdownCtx); err != nil {
			logger.ErrorContext(ctx, "Failed to close metrics client", "error", err)
		}
	}()

	s, err := config.Load(ctx, sr, pr, providersConfig, config.ParseEnvars())
	kctx.FatalIfErrorf(err)
	defer s.Close()

	resolver := settings.New(s)
	err = resolver.Load(ctx)
	kctx.FatalIfErrorf(err, "failed to load settings")

	scheduler := jobscheduler.New(ctx, cli.SchedulerConfig)
	defer scheduler.Close()
	recalculator := scoring.New(pr, resolver, scheduler)

	// Rescoring waits on jobs submitted to scheduler, so periodic jobs must not occupy its workers.
	periodic := jobscheduler.New(ctx, jobscheduler.Config{Concurrency: 2})
	defer periodic.Close()

	options := []server.Option{
		server.WithMetrics(metricsClient.Handler()),
		server.WithReadiness(func() error {
			if !resolver.Loaded() {
				return settings.ErrNotLoaded
			}
			return nil
		}),
	}
	if cli.Scoreboard == "" {
		options = append(options, server.WithoutStandings())
	}
	status := server.New(ctx, options...)

	periodic.SubmitPeriodicJob("settings", "reload", cli.ReloadInterval, func(ctx context.Context) error {
		before := resolver.Generation()
		if err := resolver.Load(ctx); err != nil {
			return errors.Wrap(err, "failed to reload settings")
		}
		if resolver.Generation() != before {
			logger.InfoContext(ctx, "Settings changed", "generation", resolver.Generation())
		}
		return nil
	})

	if cli.Scoreboard != "" {
		periodic.SubmitPeriodicJob("scoreboard", "rescore", cli.RescoreInterval, func(ctx context.Context) error {
			return rescore(ctx, recalculator, status)
		})
	} else {
		logger.WarnContext(ctx, "No scoreboard configured, standings will not be calculated")
	}

	var handler http.Handler = status
	handler = otelhttp.NewMiddleware(cli.MetricsConfig.ServiceName,
		otelhttp.WithMeterProvider(otel.GetMeterProvider()),
		otelhttp.WithTracerProvider(otel.GetTracerProvider()),
	)(handler)
	handler = httputil.LoggingMiddleware(handler)

	httpServer := &http.Server{
		Addr:              cli.Bind,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			return logging.ContextWithLogger(ctx, logger.With("client", c.RemoteAddr().String()))
		},
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.ErrorContext(shutdownCtx, "Server shutdown error", "error", err)
		}
	}()

	logger.InfoContext(ctx, "Starting ctfplugd",
		slog.String("bind", cli.Bind),
		slog.String("store", s.String()),
		slog.String("scoreboard", cli.Scoreboard))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		kctx.FatalIfErrorf(err)
	}
	logger.InfoContext(ctx, "Stopped ctfplugd")
}

func rescore(ctx context.Context, recalculator *scoring.Recalculator, status *server.Server) error {
	scoreboard, err := ctf.LoadScoreboard(cli.Scoreboard)
	if err != nil {
		return errors.Wrap(err, "failed to load scoreboard")
	}
	standings, err := recalculator.Recalculate(ctx, scoreboard)
	if err != nil {
		return errors.Wrap(err, "failed to recalculate standings")
	}
	snapshot := server.Snapshot{
		Generation: recalculator.Generation(),
		UpdatedAt:  time.Now().UTC(),
		Standings:  standings,
	}
	status.Publish(snapshot)
	if cli.Standings == "" {
		return nil
	}
	return errors.Wrap(writeJSON(cli.Standings, snapshot), "failed to write standings")
}

// writeJSON replaces path atomically.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.WithStack(err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return errors.WithStack(err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		return errors.Join(errors.WithStack(err), tmp.Close())
	}
	if err := tmp.Close(); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.Rename(tmp.Name(), path))
}
