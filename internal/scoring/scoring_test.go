package scoring_test

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/alecthomas/hcl/v2"

	"github.com/block/ctfplug/internal/ctf"
	"github.com/block/ctfplug/internal/jobscheduler"
	"github.com/block/ctfplug/internal/logging"
	"github.com/block/ctfplug/internal/plugin"
	"github.com/block/ctfplug/internal/plugin/achievement"
	"github.com/block/ctfplug/internal/plugin/flag"
	"github.com/block/ctfplug/internal/plugin/points"
	"github.com/block/ctfplug/internal/scoring"
	"github.com/block/ctfplug/internal/settings"
	"github.com/block/ctfplug/internal/store"
)

const strategyConfig = `
points "decay" {
  decay-factor = 0.5
  min-points = 100
}
`

func setup(t *testing.T, seed map[string]string) (context.Context, *scoring.Recalculator, *settings.Resolver) {
	t.Helper()
	_, ctx := logging.Configure(t.Context(), logging.Config{Level: slog.LevelError})

	ast, err := hcl.Parse(strings.NewReader(strategyConfig))
	assert.NoError(t, err)
	var blocks []*hcl.Block
	for _, entry := range ast.Entries {
		if block, ok := entry.(*hcl.Block); ok {
			blocks = append(blocks, block)
		}
	}

	registry := plugin.NewRegistry()
	flag.Register(registry)
	points.Register(registry)
	achievement.Register(registry)
	assert.NoError(t, registry.Init(ctx, blocks))

	s, err := store.NewMemory(ctx, store.MemoryConfig{Seed: seed})
	assert.NoError(t, err)
	resolver := settings.New(s)
	assert.NoError(t, resolver.Load(ctx))

	scheduler := jobscheduler.New(ctx, jobscheduler.Config{Concurrency: 4})
	t.Cleanup(func() { _ = scheduler.Close() })
	return ctx, scoring.New(registry, resolver, scheduler), resolver
}

func scoreboard() *ctf.Scoreboard {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	sb := &ctf.Scoreboard{
		Challenges: []ctf.Challenge{
			{ID: "web1", Name: "Web 1", Category: "web", Flag: "ractf{web}", Score: 500},
			{ID: "pwn1", Name: "Pwn 1", Category: "pwn", Flag: "ractf{pwn}", Score: 300},
		},
		Teams: []ctf.Team{{ID: "t1", Name: "Alpha"}, {ID: "t2", Name: "Bravo"}, {ID: "t3", Name: "Charlie"}},
		Solves: []ctf.Solve{
			{ChallengeID: "web1", TeamID: "t2", SolvedAt: at.Add(5 * time.Minute)},
			{ChallengeID: "web1", TeamID: "t1", SolvedAt: at},
			{ChallengeID: "pwn1", TeamID: "t2", SolvedAt: at.Add(10 * time.Minute)},
			{ChallengeID: "pwn1", TeamID: "t1", SolvedAt: at.Add(20 * time.Minute)},
			{ChallengeID: "web1", TeamID: "t1", SolvedAt: at.Add(30 * time.Minute)},
		},
		Achievements: []ctf.Achievement{
			{ID: "two", Name: "Two down", Target: 2},
			{ID: "web", Name: "Web head", Category: "web", Target: 1},
		},
	}
	return sb
}

func teamOrder(standings []ctf.Standing) []string {
	out := make([]string, len(standings))
	for i, s := range standings {
		out[i] = s.TeamID
	}
	return out
}

func TestRecalculateBasic(t *testing.T) {
	ctx, r, resolver := setup(t, map[string]string{
		"points_provider":      `"basic"`,
		"achievement_provider": `"solve_count"`,
	})
	sb := scoreboard()
	before := scoreboard()

	standings, err := r.Recalculate(ctx, sb)
	assert.NoError(t, err)

	// Equal points, so the team that finished first ranks higher.
	assert.Equal(t, []string{"t2", "t1", "t3"}, teamOrder(standings))
	assert.Equal(t, 800, standings[0].Points)
	assert.Equal(t, 800, standings[1].Points)
	assert.Equal(t, 2, standings[1].Solves)
	assert.Equal(t, 0, standings[2].Points)
	assert.True(t, standings[2].LastSolve.IsZero())
	assert.Equal(t, []string{"two", "web"}, standings[0].Achievements)
	assert.Equal(t, []string(nil), standings[2].Achievements)

	assert.Equal(t, before, sb)

	generation, err := resolver.Get(scoring.GenerationKey, nil)
	assert.NoError(t, err)
	assert.Equal(t, any(int64(1)), generation)
}

func TestRecalculateDecay(t *testing.T) {
	ctx, r, _ := setup(t, map[string]string{
		"points_provider":      `"decay"`,
		"achievement_provider": `"category"`,
	})

	standings, err := r.Recalculate(ctx, scoreboard())
	assert.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2", "t3"}, teamOrder(standings))
	assert.Equal(t, 700, standings[0].Points)
	assert.Equal(t, 600, standings[1].Points)
	assert.Equal(t, []string{"web"}, standings[0].Achievements)
	assert.Equal(t, []string{"web"}, standings[1].Achievements)
	assert.Equal(t, int64(1), r.Generation())
}

func TestRecalculateFollowsProviderChanges(t *testing.T) {
	ctx, r, resolver := setup(t, map[string]string{
		"points_provider":      `"basic"`,
		"achievement_provider": `"first_blood"`,
	})
	standings, err := r.Recalculate(ctx, scoreboard())
	assert.NoError(t, err)
	assert.Equal(t, 800, standings[0].Points)
	// Bravo only drew first blood on pwn1.
	assert.Equal(t, []string{"web"}, standings[0].Achievements)

	assert.NoError(t, resolver.Set("points_provider", "decay"))
	standings, err = r.Recalculate(ctx, scoreboard())
	assert.NoError(t, err)
	assert.Equal(t, 700, standings[0].Points)
	assert.Equal(t, int64(2), r.Generation())
}

func TestRecalculateMisconfigured(t *testing.T) {
	ctx, r, _ := setup(t, map[string]string{
		"points_provider":      `"nope"`,
		"achievement_provider": `"solve_count"`,
	})
	_, err := r.Recalculate(ctx, scoreboard())
	assert.IsError(t, err, plugin.ErrConfigMismatch)
	assert.Contains(t, err.Error(), `"nope"`)
	assert.Equal(t, int64(0), r.Generation())
}

func TestCheck(t *testing.T) {
	ctx, r, resolver := setup(t, map[string]string{"flag_provider": `"plaintext"`})
	challenge := ctf.Challenge{ID: "c1", Flag: "Flag One!"}

	ok, err := r.Check(ctx, challenge, "flagone")
	assert.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, resolver.Set("flag_provider", "long_text"))
	ok, err = r.Check(ctx, challenge, "flagone")
	assert.NoError(t, err)
	assert.True(t, ok)
}

func TestCheckNotConfigured(t *testing.T) {
	ctx, r, _ := setup(t, nil)
	_, err := r.Check(ctx, ctf.Challenge{ID: "c1", Flag: "x"}, "x")
	assert.IsError(t, err, plugin.ErrConfigMismatch)
}

func TestPoints(t *testing.T) {
	ctx, r, _ := setup(t, map[string]string{"points_provider": `"decay"`})
	sb := scoreboard()

	got, err := r.Points(ctx, sb, "t3", "web1")
	assert.NoError(t, err)
	assert.Equal(t, 200, got)

	_, err = r.Points(ctx, sb, "t1", "web1")
	assert.IsError(t, err, scoring.ErrAlreadySolved)

	_, err = r.Points(ctx, sb, "t9", "web1")
	assert.Error(t, err)
	_, err = r.Points(ctx, sb, "t3", "web9")
	assert.Error(t, err)
}
