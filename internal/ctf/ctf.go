// Package ctf contains the competition entities that strategies operate on.
//
// Entities are plain values. Strategies receive them by value and must not retain them.
package ctf

import (
	"encoding/json"
	"io"
	"os"
	"slices"
	"time"

	"github.com/alecthomas/errors"
)

// Challenge is a single task that teams solve by submitting a flag.
type Challenge struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category,omitempty"`
	// Flag is the stored secret. Its interpretation depends on the active flag strategy.
	Flag  string `json:"flag"`
	Score int    `json:"score"`
}

type Team struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Solve records a team submitting a correct flag for a challenge.
type Solve struct {
	ChallengeID string `json:"challenge_id"`
	// Category of the solved challenge, filled in by Scoreboard.Normalise when absent.
	Category   string    `json:"category,omitempty"`
	TeamID     string    `json:"team_id"`
	UserID     string    `json:"user_id,omitempty"`
	Flag       string    `json:"flag,omitempty"`
	SolvedAt   time.Time `json:"solved_at"`
	Points     int       `json:"points"`
	FirstBlood bool      `json:"first_blood,omitempty"`
}

// Achievement is unlocked by a team once its achievement strategy reports completion.
type Achievement struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category,omitempty"`
	Target   int    `json:"target"`
}

// Progress towards an achievement.
type Progress struct {
	Current int `json:"current"`
	Target  int `json:"target"`
}

// Complete reports whether the target has been reached.
func (p Progress) Complete() bool { return p.Current >= p.Target }

// Fraction of the target reached, clamped to [0, 1].
func (p Progress) Fraction() float64 {
	if p.Target <= 0 {
		return 1
	}
	return min(float64(p.Current)/float64(p.Target), 1)
}

// Standing is a team's position on the scoreboard.
type Standing struct {
	TeamID       string    `json:"team_id"`
	TeamName     string    `json:"team_name"`
	Points       int       `json:"points"`
	Solves       int       `json:"solves"`
	LastSolve    time.Time `json:"last_solve,omitzero"`
	Achievements []string  `json:"achievements,omitempty"`
}

// Scoreboard is a snapshot of everything needed to score a competition.
type Scoreboard struct {
	Challenges   []Challenge   `json:"challenges"`
	Teams        []Team        `json:"teams"`
	Solves       []Solve       `json:"solves"`
	Achievements []Achievement `json:"achievements,omitempty"`
}

// ReadScoreboard decodes a JSON scoreboard snapshot.
func ReadScoreboard(r io.Reader) (*Scoreboard, error) {
	sb := &Scoreboard{}
	if err := json.NewDecoder(r).Decode(sb); err != nil {
		return nil, errors.Errorf("failed to decode scoreboard: %w", err)
	}
	if err := sb.Normalise(); err != nil {
		return nil, err
	}
	return sb, nil
}

// Normalise checks that every solve refers to a known team and challenge, and copies the challenge category onto
// each solve.
func (s *Scoreboard) Normalise() error {
	categories := make(map[string]string, len(s.Challenges))
	for _, c := range s.Challenges {
		if _, ok := categories[c.ID]; ok {
			return errors.Errorf("duplicate challenge %q", c.ID)
		}
		categories[c.ID] = c.Category
	}
	teams := make(map[string]bool, len(s.Teams))
	for _, t := range s.Teams {
		teams[t.ID] = true
	}
	for i, solve := range s.Solves {
		category, ok := categories[solve.ChallengeID]
		if !ok {
			return errors.Errorf("solve %d: unknown challenge %q", i, solve.ChallengeID)
		}
		if !teams[solve.TeamID] {
			return errors.Errorf("solve %d: unknown team %q", i, solve.TeamID)
		}
		s.Solves[i].Category = category
	}
	return nil
}

// LoadScoreboard reads a JSON scoreboard snapshot from path.
func LoadScoreboard(path string) (*Scoreboard, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()
	return ReadScoreboard(f)
}

// Challenge returns the challenge with the given ID.
func (s *Scoreboard) Challenge(id string) (Challenge, bool) {
	i := slices.IndexFunc(s.Challenges, func(c Challenge) bool { return c.ID == id })
	if i < 0 {
		return Challenge{}, false
	}
	return s.Challenges[i], true
}

// Team returns the team with the given ID.
func (s *Scoreboard) Team(id string) (Team, bool) {
	i := slices.IndexFunc(s.Teams, func(t Team) bool { return t.ID == id })
	if i < 0 {
		return Team{}, false
	}
	return s.Teams[i], true
}

// SolvesFor returns the solves of a challenge ordered by solve time.
func (s *Scoreboard) SolvesFor(challengeID string) []Solve {
	var out []Solve
	for _, solve := range s.Solves {
		if solve.ChallengeID == challengeID {
			out = append(out, solve)
		}
	}
	SortSolves(out)
	return out
}

// SortSolves orders solves by time, breaking ties by team ID so ordering is stable across runs.
func SortSolves(solves []Solve) {
	slices.SortStableFunc(solves, func(a, b Solve) int {
		if c := a.SolvedAt.Compare(b.SolvedAt); c != 0 {
			return c
		}
		switch {
		case a.TeamID < b.TeamID:
			return -1
		case a.TeamID > b.TeamID:
			return 1
		}
		return 0
	})
}
