// Package points implements the points strategies.
package points

import (
	"context"
	"fmt"
	"math"

	"github.com/alecthomas/errors"

	"github.com/block/ctfplug/internal/ctf"
	"github.com/block/ctfplug/internal/plugin"
)

// Register all points strategies.
func Register(r *plugin.Registry) {
	plugin.Register(r, plugin.Points, "basic", "Awards the challenge's score to every solve.", NewBasic)
	plugin.Register(r, plugin.Points, "decay", "Awards less for each prior solve, down to a minimum, with an optional first blood bonus.", NewDecay)
}

type BasicConfig struct{}

// Basic awards the challenge score regardless of who solved it or when.
type Basic struct{}

var _ plugin.PointsPlugin = Basic{}

func NewBasic(context.Context, BasicConfig) (Basic, error) { return Basic{}, nil }

func (Basic) String() string { return "basic" }

func (Basic) Points(_ ctf.Team, challenge ctf.Challenge, _ string, _ []ctf.Solve) int {
	return challenge.Score
}

type DecayConfig struct {
	DecayFactor     float64 `hcl:"decay-factor,optional" help:"Fraction of the remaining decayable points lost per prior solve." default:"0.1"`
	MinPoints       int     `hcl:"min-points,optional" help:"Points never decay below this (or the challenge score, if lower)." default:"100"`
	FirstBloodBonus float64 `hcl:"first-blood-bonus,optional" help:"Extra fraction of the score awarded to the first solve." default:"0"`
}

// Decay awards
//
//	min + (score - min) * (1 - decay-factor)^n
//
// rounded down, where n is the number of prior solves. The first solve additionally earns first-blood-bonus × score.
type Decay struct {
	config DecayConfig
}

var _ plugin.PointsPlugin = (*Decay)(nil)

func NewDecay(_ context.Context, config DecayConfig) (*Decay, error) {
	if config.DecayFactor < 0 || config.DecayFactor >= 1 {
		return nil, errors.Errorf("decay-factor must be in [0, 1), got %v", config.DecayFactor)
	}
	if config.MinPoints < 0 {
		return nil, errors.Errorf("min-points must not be negative, got %d", config.MinPoints)
	}
	if config.FirstBloodBonus < 0 {
		return nil, errors.Errorf("first-blood-bonus must not be negative, got %v", config.FirstBloodBonus)
	}
	return &Decay{config: config}, nil
}

func (d *Decay) String() string {
	return fmt.Sprintf("decay:%g/%d", d.config.DecayFactor, d.config.MinPoints)
}

func (d *Decay) Points(_ ctf.Team, challenge ctf.Challenge, _ string, solves []ctf.Solve) int {
	floor := min(d.config.MinPoints, challenge.Score)
	decayable := float64(challenge.Score - floor)
	points := floor + floorPoints(decayable*math.Pow(1-d.config.DecayFactor, float64(len(solves))))
	if len(solves) == 0 {
		points += floorPoints(float64(challenge.Score) * d.config.FirstBloodBonus)
	}
	return points
}

// floorPoints rounds down, treating values within floating point error of the next integer as that integer.
func floorPoints(v float64) int {
	return int(math.Floor(v + 1e-9))
}
