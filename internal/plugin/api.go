// Package plugin provides the capability contracts and the registry of named strategies implementing them.
//
// Strategies are registered during a single-threaded startup phase, constructed by [Registry.Init], and then
// resolved by name through the active provider setting of their kind, eg. "flag_provider" for [Flag].
package plugin

import (
	"reflect"

	"github.com/alecthomas/errors"

	"github.com/block/ctfplug/internal/ctf"
)

var (
	// ErrConfigMismatch is returned when the configured strategy for a kind cannot be resolved.
	ErrConfigMismatch = errors.New("configuration mismatch")
	// ErrDuplicate is raised when a strategy name is registered twice for the same kind.
	ErrDuplicate = errors.New("strategy already registered")
	// ErrFrozen is raised when the registry is modified after Init.
	ErrFrozen = errors.New("registry is frozen")
	// ErrNotInitialised is returned when resolving before Init.
	ErrNotInitialised = errors.New("registry has not been initialised")
)

// Kind names a family of interchangeable strategies.
type Kind string

const (
	Flag        Kind = "flag"
	Points      Kind = "points"
	Achievement Kind = "achievement"
)

// SettingKey is the configuration key holding the active strategy name for the kind.
func (k Kind) SettingKey() string { return string(k) + "_provider" }

func (k Kind) String() string { return string(k) }

// Strategy is implemented by every registered strategy.
type Strategy interface {
	String() string
}

// FlagPlugin decides whether a submitted flag is correct for a challenge.
type FlagPlugin interface {
	Strategy
	Check(challenge ctf.Challenge, candidate string) bool
}

// PointsPlugin computes the points awarded for a solve.
//
// solves are the prior solves of the challenge, in solve order.
type PointsPlugin interface {
	Strategy
	Points(team ctf.Team, challenge ctf.Challenge, flag string, solves []ctf.Solve) int
}

// AchievementPlugin evaluates an achievement when a team solves a challenge.
//
// history holds earlier solves and does not include solve. Only those of solve.TeamID count towards the team's
// progress. Implementations must not modify either.
type AchievementPlugin interface {
	Strategy
	CheckCompleted(achievement ctf.Achievement, solve ctf.Solve, history []ctf.Solve) bool
	CheckProgress(achievement ctf.Achievement, solve ctf.Solve, history []ctf.Solve) ctf.Progress
}

// capabilities maps built-in kinds to the contract their strategies must implement.
var capabilities = map[Kind]reflect.Type{
	Flag:        reflect.TypeFor[FlagPlugin](),
	Points:      reflect.TypeFor[PointsPlugin](),
	Achievement: reflect.TypeFor[AchievementPlugin](),
}
