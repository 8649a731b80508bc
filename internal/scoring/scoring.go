// Package scoring applies the active strategies to a scoreboard.
package scoring

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alecthomas/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/block/ctfplug/internal/ctf"
	"github.com/block/ctfplug/internal/jobscheduler"
	"github.com/block/ctfplug/internal/logging"
	"github.com/block/ctfplug/internal/plugin"
)

// GenerationKey is the setting updated after every successful recalculation.
const GenerationKey = "scoreboard_generation"

// ErrAlreadySolved is returned when asking for the points of a challenge the team has already solved.
var ErrAlreadySolved = errors.New("challenge already solved")

// Settings supplies the active strategy names and records the recalculation generation.
type Settings interface {
	plugin.Getter
	Set(key string, value any) error
}

// Recalculator scores submissions and recomputes standings with whichever strategies are active at the time.
type Recalculator struct {
	registry   *plugin.Registry
	settings   Settings
	scheduler  jobscheduler.Scheduler
	generation atomic.Int64
	checks     metric.Int64Counter
	duration   metric.Float64Histogram
}

// New creates a Recalculator. The registry must be initialised before use.
func New(registry *plugin.Registry, settings Settings, scheduler jobscheduler.Scheduler) *Recalculator {
	meter := otel.Meter("github.com/block/ctfplug/internal/scoring")
	checks, err := meter.Int64Counter("ctfplug.flag.checks",
		metric.WithDescription("Flag submissions checked, by strategy and result."))
	if err != nil {
		panic(err)
	}
	duration, err := meter.Float64Histogram("ctfplug.rescore.duration",
		metric.WithDescription("Time taken to recalculate a scoreboard."),
		metric.WithUnit("s"))
	if err != nil {
		panic(err)
	}
	return &Recalculator{
		registry:  registry,
		settings:  settings,
		scheduler: scheduler.WithQueuePrefix("rescore"),
		checks:    checks,
		duration:  duration,
	}
}

// Check candidate against the challenge's stored flag using the active flag strategy.
func (r *Recalculator) Check(ctx context.Context, challenge ctf.Challenge, candidate string) (bool, error) {
	strategy, err := r.registry.ResolveFlag(ctx, r.settings)
	if err != nil {
		return false, err
	}
	correct := strategy.Check(challenge, candidate)
	result := "incorrect"
	if correct {
		result = "correct"
	}
	r.checks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("strategy", strategy.String()),
		attribute.String("result", result),
	))
	logging.FromContext(ctx).DebugContext(ctx, "Checked flag", "challenge", challenge.ID, "strategy", strategy.String(), "result", result)
	return correct, nil
}

// Points returns what the active points strategy would award the team for solving the challenge now.
func (r *Recalculator) Points(ctx context.Context, scoreboard *ctf.Scoreboard, teamID, challengeID string) (int, error) {
	strategy, err := r.registry.ResolvePoints(ctx, r.settings)
	if err != nil {
		return 0, err
	}
	team, ok := scoreboard.Team(teamID)
	if !ok {
		return 0, errors.Errorf("unknown team %q", teamID)
	}
	challenge, ok := scoreboard.Challenge(challengeID)
	if !ok {
		return 0, errors.Errorf("unknown challenge %q", challengeID)
	}
	prior := firstSolves(scoreboard.SolvesFor(challengeID))
	if slices.ContainsFunc(prior, func(s ctf.Solve) bool { return s.TeamID == teamID }) {
		return 0, errors.Errorf("%s solved %s: %w", teamID, challengeID, ErrAlreadySolved)
	}
	return strategy.Points(team, challenge, "", prior), nil
}

// Recalculate replays every solve through the active points and achievement strategies and returns the
// resulting standings, highest points first. Ties go to the team whose last solve was earliest.
//
// The scoreboard is not modified.
func (r *Recalculator) Recalculate(ctx context.Context, scoreboard *ctf.Scoreboard) ([]ctf.Standing, error) {
	start := time.Now()
	logger := logging.FromContext(ctx)

	points, err := r.registry.ResolvePoints(ctx, r.settings)
	if err != nil {
		return nil, err
	}
	achievements, err := r.registry.ResolveAchievement(ctx, r.settings)
	if err != nil {
		return nil, err
	}

	var (
		lock   sync.Mutex
		solves []ctf.Solve
	)
	batch := jobscheduler.NewBatch(r.scheduler.WithQueuePrefix("challenge"))
	for _, challenge := range scoreboard.Challenges {
		batch.Submit(challenge.ID, "points", func(context.Context) error {
			rescored, err := rescoreChallenge(scoreboard, challenge, points)
			if err != nil {
				return err
			}
			lock.Lock()
			solves = append(solves, rescored...)
			lock.Unlock()
			return nil
		})
	}
	if err := batch.Wait(ctx); err != nil {
		return nil, errors.Errorf("failed to rescore challenges: %w", err)
	}
	ctf.SortSolves(solves)

	standings := standingsFor(scoreboard, solves, achievements)

	generation := r.generation.Add(1)
	if err := r.settings.Set(GenerationKey, generation); err != nil {
		return nil, errors.Errorf("failed to record generation: %w", err)
	}
	elapsed := time.Since(start)
	r.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("points", points.String()),
		attribute.String("achievement", achievements.String()),
	))
	logger.InfoContext(ctx, "Recalculated scoreboard",
		"generation", generation,
		"teams", len(standings),
		"solves", len(solves),
		"points", points.String(),
		"elapsed", elapsed)
	return standings, nil
}

// Generation returns the number of completed recalculations.
func (r *Recalculator) Generation() int64 { return r.generation.Load() }

func rescoreChallenge(scoreboard *ctf.Scoreboard, challenge ctf.Challenge, strategy plugin.PointsPlugin) ([]ctf.Solve, error) {
	solves := firstSolves(scoreboard.SolvesFor(challenge.ID))
	for i, solve := range solves {
		team, ok := scoreboard.Team(solve.TeamID)
		if !ok {
			return nil, errors.Errorf("%s: unknown team %q", challenge.ID, solve.TeamID)
		}
		solves[i].Category = challenge.Category
		solves[i].Points = strategy.Points(team, challenge, solve.Flag, solves[:i:i])
		solves[i].FirstBlood = i == 0
	}
	return solves, nil
}

// firstSolves drops repeat solves of a challenge by the same team, keeping the earliest.
func firstSolves(ordered []ctf.Solve) []ctf.Solve {
	seen := map[string]bool{}
	out := make([]ctf.Solve, 0, len(ordered))
	for _, solve := range ordered {
		if seen[solve.TeamID] {
			continue
		}
		seen[solve.TeamID] = true
		out = append(out, solve)
	}
	return out
}

func standingsFor(scoreboard *ctf.Scoreboard, solves []ctf.Solve, strategy plugin.AchievementPlugin) []ctf.Standing {
	byTeam := map[string][]ctf.Solve{}
	for _, solve := range solves {
		byTeam[solve.TeamID] = append(byTeam[solve.TeamID], solve)
	}

	standings := make([]ctf.Standing, 0, len(scoreboard.Teams))
	for _, team := range scoreboard.Teams {
		standing := ctf.Standing{TeamID: team.ID, TeamName: team.Name}
		history := byTeam[team.ID]
		for _, solve := range history {
			standing.Points += solve.Points
			standing.Solves++
			standing.LastSolve = solve.SolvedAt
		}
		for _, achievement := range scoreboard.Achievements {
			for i, solve := range history {
				if strategy.CheckCompleted(achievement, solve, history[:i:i]) {
					standing.Achievements = append(standing.Achievements, achievement.ID)
					break
				}
			}
		}
		standings = append(standings, standing)
	}

	slices.SortStableFunc(standings, func(a, b ctf.Standing) int {
		if c := cmp.Compare(b.Points, a.Points); c != 0 {
			return c
		}
		if c := compareLastSolve(a.LastSolve, b.LastSolve); c != 0 {
			return c
		}
		return cmp.Compare(a.TeamID, b.TeamID)
	})
	return standings
}

// compareLastSolve orders earlier solves first, and teams that have not solved anything last.
func compareLastSolve(a, b time.Time) int {
	switch {
	case a.IsZero() && b.IsZero():
		return 0
	case a.IsZero():
		return 1
	case b.IsZero():
		return -1
	}
	return a.Compare(b)
}
