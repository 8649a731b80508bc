// Package achievement implements the achievement strategies.
//
// Every strategy counts the team's qualifying solves, including the new one, against the achievement's target.
// Persisting an unlock is the caller's job.
package achievement

import (
	"context"

	"github.com/block/ctfplug/internal/ctf"
	"github.com/block/ctfplug/internal/plugin"
)

// Register all achievement strategies.
func Register(r *plugin.Registry) {
	plugin.Register(r, plugin.Achievement, "solve_count", "Unlocks once a team has solved Target challenges.", NewSolveCount)
	plugin.Register(r, plugin.Achievement, "category", "Unlocks once a team has solved Target challenges in the achievement's category.", NewCategory)
	plugin.Register(r, plugin.Achievement, "first_blood", "Unlocks once a team has been first to solve Target challenges.", NewFirstBlood)
}

// counter decides which solves count towards an achievement.
type counter func(achievement ctf.Achievement, solve ctf.Solve) bool

func progress(achievement ctf.Achievement, solve ctf.Solve, history []ctf.Solve, counts counter) ctf.Progress {
	current := 0
	seen := map[string]bool{}
	for _, s := range append(history[:len(history):len(history)], solve) {
		if s.TeamID != solve.TeamID || seen[s.ChallengeID] || !counts(achievement, s) {
			continue
		}
		seen[s.ChallengeID] = true
		current++
	}
	return ctf.Progress{Current: current, Target: achievement.Target}
}

type SolveCountConfig struct{}

// SolveCount counts distinct solved challenges.
type SolveCount struct{}

var _ plugin.AchievementPlugin = SolveCount{}

func NewSolveCount(context.Context, SolveCountConfig) (SolveCount, error) { return SolveCount{}, nil }

func (SolveCount) String() string { return "solve_count" }

func (s SolveCount) CheckCompleted(achievement ctf.Achievement, solve ctf.Solve, history []ctf.Solve) bool {
	return s.CheckProgress(achievement, solve, history).Complete()
}

func (SolveCount) CheckProgress(achievement ctf.Achievement, solve ctf.Solve, history []ctf.Solve) ctf.Progress {
	return progress(achievement, solve, history, func(ctf.Achievement, ctf.Solve) bool { return true })
}

type CategoryConfig struct{}

// Category counts solved challenges in the achievement's category.
type Category struct{}

var _ plugin.AchievementPlugin = Category{}

func NewCategory(context.Context, CategoryConfig) (Category, error) { return Category{}, nil }

func (Category) String() string { return "category" }

func (c Category) CheckCompleted(achievement ctf.Achievement, solve ctf.Solve, history []ctf.Solve) bool {
	return c.CheckProgress(achievement, solve, history).Complete()
}

func (Category) CheckProgress(achievement ctf.Achievement, solve ctf.Solve, history []ctf.Solve) ctf.Progress {
	return progress(achievement, solve, history, func(a ctf.Achievement, s ctf.Solve) bool {
		return s.Category == a.Category
	})
}

type FirstBloodConfig struct{}

// FirstBlood counts solves that were first for their challenge.
type FirstBlood struct{}

var _ plugin.AchievementPlugin = FirstBlood{}

func NewFirstBlood(context.Context, FirstBloodConfig) (FirstBlood, error) { return FirstBlood{}, nil }

func (FirstBlood) String() string { return "first_blood" }

func (f FirstBlood) CheckCompleted(achievement ctf.Achievement, solve ctf.Solve, history []ctf.Solve) bool {
	return f.CheckProgress(achievement, solve, history).Complete()
}

func (FirstBlood) CheckProgress(achievement ctf.Achievement, solve ctf.Solve, history []ctf.Solve) ctf.Progress {
	return progress(achievement, solve, history, func(_ ctf.Achievement, s ctf.Solve) bool { return s.FirstBlood })
}
