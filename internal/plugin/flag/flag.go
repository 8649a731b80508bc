// Package flag implements the flag checking strategies.
package flag

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/alecthomas/errors"

	"github.com/block/ctfplug/internal/ctf"
	"github.com/block/ctfplug/internal/plugin"
)

// Register all flag strategies.
func Register(r *plugin.Registry) {
	plugin.Register(r, plugin.Flag, "plaintext", "Exact, case sensitive comparison against the stored flag.", NewPlaintext)
	plugin.Register(r, plugin.Flag, "long_text", "Compares only the ASCII letters of the flag, ignoring case.", NewLongText)
	plugin.Register(r, plugin.Flag, "lenient", "Case insensitive comparison that accepts the flag with or without its wrapper.", NewLenient)
	plugin.Register(r, plugin.Flag, "hashed", "The stored flag is a hex encoded SHA-256 digest of the answer.", NewHashed)
	plugin.Register(r, plugin.Flag, "regex", "The stored flag is a regular expression that must match the whole answer.", NewRegex)
}

type PlaintextConfig struct{}

// Plaintext accepts a candidate only if it is byte-for-byte identical to the stored flag.
type Plaintext struct{}

var _ plugin.FlagPlugin = Plaintext{}

func NewPlaintext(context.Context, PlaintextConfig) (Plaintext, error) { return Plaintext{}, nil }

func (Plaintext) String() string { return "plaintext" }

func (Plaintext) Check(challenge ctf.Challenge, candidate string) bool {
	return subtle.ConstantTimeCompare([]byte(challenge.Flag), []byte(candidate)) == 1
}

type LongTextConfig struct{}

// LongText is intended for free text answers. Both the stored flag and the candidate are reduced to their ASCII
// letters and lowercased before comparison, so "Flag One!" matches "flagone" and "FLAG-ONE".
type LongText struct{}

var _ plugin.FlagPlugin = LongText{}

func NewLongText(context.Context, LongTextConfig) (LongText, error) { return LongText{}, nil }

func (LongText) String() string { return "long_text" }

func (LongText) Check(challenge ctf.Challenge, candidate string) bool {
	return normaliseLetters(challenge.Flag) == normaliseLetters(candidate)
}

func normaliseLetters(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := range len(s) {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
			b.WriteByte(c)
		case c >= 'A' && c <= 'Z':
			b.WriteByte(c + ('a' - 'A'))
		}
	}
	return b.String()
}

type LenientConfig struct {
	Format string `hcl:"format,optional" help:"Flag wrapper prefix, eg. \"ractf\" for ractf{...}." default:"ractf"`
}

// Lenient ignores case and surrounding whitespace, and accepts the answer with or without the flag wrapper.
type Lenient struct {
	format string
}

var _ plugin.FlagPlugin = (*Lenient)(nil)

func NewLenient(_ context.Context, config LenientConfig) (*Lenient, error) {
	if strings.ContainsAny(config.Format, "{}") {
		return nil, errors.Errorf("format %q must not contain braces", config.Format)
	}
	return &Lenient{format: strings.ToLower(strings.TrimSpace(config.Format))}, nil
}

func (l *Lenient) String() string { return "lenient:" + l.format }

func (l *Lenient) Check(challenge ctf.Challenge, candidate string) bool {
	return l.unwrap(challenge.Flag) == l.unwrap(candidate)
}

func (l *Lenient) unwrap(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if l.format == "" {
		return s
	}
	if inner, ok := strings.CutPrefix(s, l.format+"{"); ok {
		if inner, ok := strings.CutSuffix(inner, "}"); ok {
			return inner
		}
	}
	return s
}

type HashedConfig struct{}

// Hashed stores only the hex encoded SHA-256 of the flag, so the flag itself never has to be persisted.
type Hashed struct{}

var _ plugin.FlagPlugin = Hashed{}

func NewHashed(context.Context, HashedConfig) (Hashed, error) { return Hashed{}, nil }

func (Hashed) String() string { return "hashed" }

func (Hashed) Check(challenge ctf.Challenge, candidate string) bool {
	want, err := hex.DecodeString(strings.TrimSpace(challenge.Flag))
	if err != nil || len(want) != sha256.Size {
		return false
	}
	got := sha256.Sum256([]byte(candidate))
	return subtle.ConstantTimeCompare(want, got[:]) == 1
}

// Hash returns the stored form of flag for the hashed strategy.
func Hash(flag string) string {
	sum := sha256.Sum256([]byte(flag))
	return hex.EncodeToString(sum[:])
}

type RegexConfig struct {
	CaseInsensitive bool `hcl:"case-insensitive,optional" help:"Match without regard to case."`
}

// Regex treats the stored flag as a regular expression anchored at both ends. Invalid expressions never match.
type Regex struct {
	caseInsensitive bool
}

var _ plugin.FlagPlugin = (*Regex)(nil)

func NewRegex(_ context.Context, config RegexConfig) (*Regex, error) {
	return &Regex{caseInsensitive: config.CaseInsensitive}, nil
}

func (r *Regex) String() string { return "regex" }

func (r *Regex) Check(challenge ctf.Challenge, candidate string) bool {
	// An expression that does not compile alone could close the anchoring group and escape it.
	if _, err := regexp.Compile(challenge.Flag); err != nil {
		return false
	}
	pattern := `^(?:` + challenge.Flag + `)$`
	if r.caseInsensitive {
		pattern = `(?i)` + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(candidate)
}
