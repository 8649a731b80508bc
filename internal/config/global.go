package config

import (
	"time"

	"github.com/block/ctfplug/internal/jobscheduler"
	"github.com/block/ctfplug/internal/logging"
	"github.com/block/ctfplug/internal/metrics"
)

// GlobalConfig is everything in the configuration file that is not a store or strategy block.
//
// Both ctfplug and ctfplugd split the file with it, so a single file can configure both.
type GlobalConfig struct {
	Bind            string              `hcl:"bind,optional" default:"127.0.0.1:8080" help:"Bind address for the status server."`
	Scoreboard      string              `hcl:"scoreboard,optional" help:"Scoreboard snapshot (JSON) to rescore periodically." placeholder:"PATH"`
	Standings       string              `hcl:"standings,optional" help:"File to write the latest standings (JSON) to." placeholder:"PATH"`
	ReloadInterval  time.Duration       `hcl:"reload-interval,optional" default:"30s" help:"How often to reload settings from the store."`
	RescoreInterval time.Duration       `hcl:"rescore-interval,optional" default:"1m" help:"How often to recalculate standings."`
	SchedulerConfig jobscheduler.Config `embed:"" hcl:"scheduler,block" prefix:"scheduler-"`
	LoggingConfig   logging.Config      `embed:"" hcl:"log,block" prefix:"log-"`
	MetricsConfig   metrics.Config      `embed:"" hcl:"metrics,block" prefix:"metrics-"`
}
