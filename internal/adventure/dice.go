// Package adventure holds the tabletop helpers for dungeon-master
// sessions: parsing dice notation and rolling results.
package adventure

import (
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
)

// Rolls above these limits are rejected rather than clamped, matching
// the command's documented maximums.
const (
	MaxDice  = 20
	MaxSides = 100
)

var (
	// ErrFormat marks input that is not dice notation at all.
	ErrFormat = errors.New("invalid dice format")
	// ErrLimits marks notation that parses but exceeds MaxDice or
	// MaxSides.
	ErrLimits = errors.New("roll exceeds limits")
)

var dicePattern = regexp.MustCompile(`^(\d+)d(\d+)(?:([+-])(\d+))?`)

// Roll is a parsed dice expression such as "3d8+2".
type Roll struct {
	Count    int
	Sides    int
	Modifier int // signed, zero when absent
	Notation string
}

// Result carries the individual die faces and the modified total.
type Result struct {
	Roll  Roll
	Faces []int
	Total int
}

// ParseRoll parses standard dice notation: "<n>d<sides>" with an
// optional "+k" or "-k" modifier. It returns an error for malformed
// input and for rolls beyond MaxDice dice or MaxSides sides.
func ParseRoll(s string) (Roll, error) {
	m := dicePattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Roll{}, fmt.Errorf("%w: %q", ErrFormat, s)
	}
	count, _ := strconv.Atoi(m[1])
	sides, _ := strconv.Atoi(m[2])
	if count > MaxDice || sides > MaxSides {
		return Roll{}, fmt.Errorf("%w: at most %d dice and d%d", ErrLimits, MaxDice, MaxSides)
	}
	if count < 1 || sides < 1 {
		return Roll{}, fmt.Errorf("%w: dice and sides must be positive in %q", ErrFormat, s)
	}
	r := Roll{Count: count, Sides: sides, Notation: m[0]}
	if m[3] != "" {
		mod, _ := strconv.Atoi(m[4])
		if m[3] == "-" {
			mod = -mod
		}
		r.Modifier = mod
	}
	return r, nil
}

// Do rolls the dice with the given source. A nil source falls back to
// the shared math/rand generator.
func (r Roll) Do(rng *rand.Rand) Result {
	faces := make([]int, r.Count)
	total := 0
	for i := range faces {
		var f int
		if rng != nil {
			f = rng.Intn(r.Sides) + 1
		} else {
			f = rand.Intn(r.Sides) + 1
		}
		faces[i] = f
		total += f
	}
	return Result{Roll: r, Faces: faces, Total: total + r.Modifier}
}

// FacesLine renders the individual faces for display. Discord embed
// field values cap at 1024 bytes, so oversized lists collapse to a
// placeholder.
func (res Result) FacesLine() string {
	parts := make([]string, len(res.Faces))
	for i, f := range res.Faces {
		parts[i] = strconv.Itoa(f)
	}
	line := strings.Join(parts, ", ")
	if len(line) > 1024 {
		return "Too many dice to show individual results"
	}
	return line
}

// ModifierLine renders the signed modifier ("+2", "-1") or "" when the
// roll has none.
func (res Result) ModifierLine() string {
	switch {
	case res.Roll.Modifier > 0:
		return "+" + strconv.Itoa(res.Roll.Modifier)
	case res.Roll.Modifier < 0:
		return strconv.Itoa(res.Roll.Modifier)
	default:
		return ""
	}
}
