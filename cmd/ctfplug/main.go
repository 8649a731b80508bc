package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/alecthomas/chroma/v2/quick"
	"github.com/alecthomas/errors"
	"github.com/alecthomas/hcl/v2"
	"github.com/alecthomas/kong"

	"github.com/block/ctfplug/internal/config"
	"github.com/block/ctfplug/internal/ctf"
	"github.com/block/ctfplug/internal/jobscheduler"
	"github.com/block/ctfplug/internal/logging"
	"github.com/block/ctfplug/internal/plugin"
	"github.com/block/ctfplug/internal/scoring"
	"github.com/block/ctfplug/internal/settings"
	"github.com/block/ctfplug/internal/store"
)

const defaultConfig = "ctfplug.hcl"

// errIncorrect makes the process exit non-zero without printing an error.
var errIncorrect = errors.New("incorrect")

type CLI struct {
	Config        kong.ConfigFlag `short:"c" help:"Configuration file path (default: ${default_config})." placeholder:"PATH"`
	LoggingConfig logging.Config  `embed:"" prefix:"log-"`

	Schema     SchemaCmd     `cmd:"" help:"Print the configuration file schema."`
	Strategies StrategiesCmd `cmd:"" help:"List registered strategies and which are active."`
	Settings   SettingsCmd   `cmd:"" help:"Inspect and edit configuration records."`

	Check   CheckCmd   `cmd:"" help:"Check a flag against a challenge with the active flag strategy." group:"Scoring:"`
	Points  PointsCmd  `cmd:"" help:"Show the points the active strategy would award a team for a challenge." group:"Scoring:"`
	Rescore RescoreCmd `cmd:"" help:"Recalculate standings for a scoreboard snapshot." group:"Scoring:"`
}

func main() {
	cli := CLI{}
	kctx := kong.Parse(&cli,
		kong.UsageOnError(),
		kong.HelpOptions{Compact: true},
		kong.DefaultEnvars("CTFPLUG"),
		kong.Vars{"default_config": defaultConfig},
		kong.Configuration(config.KongLoader, defaultConfig),
		kong.Bind(&cli))
	_, ctx := logging.Configure(context.Background(), cli.LoggingConfig)

	sr, pr := config.NewRegistries()
	kctx.BindTo(ctx, (*context.Context)(nil))
	kctx.Bind(sr, pr)
	err := kctx.Run(ctx)
	if errors.Is(err, errIncorrect) {
		kctx.Exit(1)
	}
	kctx.FatalIfErrorf(err)
}

// app is everything a command needs once the configuration file has been loaded.
type app struct {
	store        store.Store
	settings     *settings.Resolver
	registry     *plugin.Registry
	recalculator *scoring.Recalculator
	scheduler    *jobscheduler.RootScheduler
}

func (a *app) Close() error {
	return errors.Join(a.scheduler.Close(), a.store.Close())
}

// open loads the configuration file, initialises the registry and loads settings from the store.
func (c *CLI) open(ctx context.Context, sr *store.Registry, pr *plugin.Registry) (*app, error) {
	path := string(c.Config)
	if path == "" {
		path = defaultConfig
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open configuration")
	}
	defer f.Close()
	ast, err := hcl.Parse(f)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}
	global, providers := config.Split[config.GlobalConfig](ast)
	globalConfig := config.GlobalConfig{}
	if err := hcl.UnmarshalAST(global, &globalConfig); err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}

	s, err := config.Load(ctx, sr, pr, providers, config.ParseEnvars())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	resolver := settings.New(s)
	if err := resolver.Load(ctx); err != nil {
		return nil, errors.Join(err, s.Close())
	}
	scheduler := jobscheduler.New(ctx, globalConfig.SchedulerConfig)
	return &app{
		store:        s,
		settings:     resolver,
		registry:     pr,
		recalculator: scoring.New(pr, resolver, scheduler),
		scheduler:    scheduler,
	}, nil
}

type SchemaCmd struct{}

func (c *SchemaCmd) Run(sr *store.Registry, pr *plugin.Registry) error {
	schema := config.Schema[config.GlobalConfig](sr, pr)
	slices.SortStableFunc(schema.Entries, func(a, b hcl.Entry) int {
		return strings.Compare(a.EntryKey(), b.EntryKey())
	})
	text, err := hcl.MarshalAST(schema)
	if err != nil {
		return errors.WithStack(err)
	}
	if fileInfo, err := os.Stdout.Stat(); err == nil && (fileInfo.Mode()&os.ModeCharDevice) != 0 {
		return errors.WithStack(quick.Highlight(os.Stdout, string(text), "terraform", "terminal256", "solarized"))
	}
	fmt.Printf("%s\n", text) //nolint:forbidigo
	return nil
}

type StrategiesCmd struct{}

func (c *StrategiesCmd) Run(ctx context.Context, cli *CLI, sr *store.Registry, pr *plugin.Registry) error {
	a, err := cli.open(ctx, sr, pr)
	if err != nil {
		return err
	}
	defer a.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tNAME\tACTIVE\tDESCRIPTION") //nolint:forbidigo
	for _, kind := range a.registry.Kinds() {
		active, _ := plugin.ActiveName(kind, a.settings) //nolint:errcheck
		for _, name := range a.registry.Names(kind) {
			description, _ := a.registry.Description(kind, name)
			marker := ""
			if name == active {
				marker = "*"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", kind, name, marker, description) //nolint:forbidigo
		}
	}
	return errors.WithStack(w.Flush())
}

type SettingsCmd struct {
	List   SettingsListCmd   `cmd:"" default:"1" help:"List all configuration records."`
	Get    SettingsGetCmd    `cmd:"" help:"Print a configuration value as JSON."`
	Set    SettingsSetCmd    `cmd:"" help:"Persist a configuration value."`
	Delete SettingsDeleteCmd `cmd:"" help:"Delete a configuration record."`
}

type SettingsListCmd struct{}

func (c *SettingsListCmd) Run(ctx context.Context, cli *CLI, sr *store.Registry, pr *plugin.Registry) error {
	a, err := cli.open(ctx, sr, pr)
	if err != nil {
		return err
	}
	defer a.Close()

	records, err := a.store.List(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to list settings")
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tVALUE\tUPDATED") //nolint:forbidigo
	for _, record := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\n", record.Key, record.Value, record.UpdatedAt.Format("2006-01-02 15:04:05")) //nolint:forbidigo
	}
	return errors.WithStack(w.Flush())
}

type SettingsGetCmd struct {
	Key string `arg:"" help:"Setting key, eg. flag_provider."`
}

func (c *SettingsGetCmd) Run(ctx context.Context, cli *CLI, sr *store.Registry, pr *plugin.Registry) error {
	a, err := cli.open(ctx, sr, pr)
	if err != nil {
		return err
	}
	defer a.Close()

	record, err := a.store.Get(ctx, c.Key)
	if err != nil {
		return errors.Wrapf(err, "failed to get %s", c.Key)
	}
	fmt.Printf("%s\n", record.Value) //nolint:forbidigo
	return nil
}

type SettingsSetCmd struct {
	Key   string `arg:"" help:"Setting key, eg. flag_provider."`
	Value string `arg:"" help:"JSON value. Anything that is not valid JSON is stored as a string."`
}

func (c *SettingsSetCmd) Run(ctx context.Context, cli *CLI, sr *store.Registry, pr *plugin.Registry) error {
	a, err := cli.open(ctx, sr, pr)
	if err != nil {
		return err
	}
	defer a.Close()

	var value any
	if err := json.Unmarshal([]byte(c.Value), &value); err != nil {
		value = c.Value
	}
	// Catch typos in provider names before they break resolution.
	for _, kind := range a.registry.Kinds() {
		if c.Key != kind.SettingKey() {
			continue
		}
		if name, ok := value.(string); !ok || !slices.Contains(a.registry.Names(kind), name) {
			return errors.Errorf("%s must be one of: %s", c.Key, strings.Join(a.registry.Names(kind), ", "))
		}
	}
	return errors.Wrapf(a.settings.Persist(ctx, c.Key, value), "failed to set %s", c.Key)
}

type SettingsDeleteCmd struct {
	Key string `arg:"" help:"Setting key."`
}

func (c *SettingsDeleteCmd) Run(ctx context.Context, cli *CLI, sr *store.Registry, pr *plugin.Registry) error {
	a, err := cli.open(ctx, sr, pr)
	if err != nil {
		return err
	}
	defer a.Close()
	return errors.Wrapf(a.settings.Delete(ctx, c.Key), "failed to delete %s", c.Key)
}

type CheckCmd struct {
	Challenge string `arg:"" type:"existingfile" help:"Challenge definition (JSON)."`
	Candidate string `arg:"" help:"Submitted flag."`
}

func (c *CheckCmd) Run(ctx context.Context, cli *CLI, sr *store.Registry, pr *plugin.Registry) error {
	data, err := os.ReadFile(c.Challenge)
	if err != nil {
		return errors.WithStack(err)
	}
	var challenge ctf.Challenge
	if err := json.Unmarshal(data, &challenge); err != nil {
		return errors.Wrapf(err, "%s", c.Challenge)
	}

	a, err := cli.open(ctx, sr, pr)
	if err != nil {
		return err
	}
	defer a.Close()

	correct, err := a.recalculator.Check(ctx, challenge, c.Candidate)
	if err != nil {
		return err
	}
	if !correct {
		fmt.Println("incorrect") //nolint:forbidigo
		return errIncorrect
	}
	fmt.Println("correct") //nolint:forbidigo
	return nil
}

type PointsCmd struct {
	Scoreboard string `required:"" type:"existingfile" help:"Scoreboard snapshot (JSON)."`
	Team       string `arg:"" help:"Team ID."`
	Challenge  string `arg:"" help:"Challenge ID."`
}

func (c *PointsCmd) Run(ctx context.Context, cli *CLI, sr *store.Registry, pr *plugin.Registry) error {
	scoreboard, err := ctf.LoadScoreboard(c.Scoreboard)
	if err != nil {
		return err
	}
	a, err := cli.open(ctx, sr, pr)
	if err != nil {
		return err
	}
	defer a.Close()

	points, err := a.recalculator.Points(ctx, scoreboard, c.Team, c.Challenge)
	if err != nil {
		return err
	}
	fmt.Println(points) //nolint:forbidigo
	return nil
}

type RescoreCmd struct {
	Scoreboard string `arg:"" type:"existingfile" help:"Scoreboard snapshot (JSON)."`
	JSON       bool   `help:"Print standings as JSON."`
}

func (c *RescoreCmd) Run(ctx context.Context, cli *CLI, sr *store.Registry, pr *plugin.Registry) error {
	scoreboard, err := ctf.LoadScoreboard(c.Scoreboard)
	if err != nil {
		return err
	}
	a, err := cli.open(ctx, sr, pr)
	if err != nil {
		return err
	}
	defer a.Close()

	standings, err := a.recalculator.Recalculate(ctx, scoreboard)
	if err != nil {
		return err
	}
	if c.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return errors.WithStack(enc.Encode(standings))
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "#\tTEAM\tPOINTS\tSOLVES\tACHIEVEMENTS") //nolint:forbidigo
	for i, standing := range standings {
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%s\n", i+1, standing.TeamName, standing.Points, standing.Solves, //nolint:forbidigo
			strings.Join(standing.Achievements, ","))
	}
	return errors.WithStack(w.Flush())
}
