package convo

import (
	"math"
	"strconv"
	"strings"
)

// Kind tags the variant of a resolved scope.
type Kind int

const (
	KindChannel Kind = iota
	KindThread
	KindAdventure
)

func (k Kind) String() string {
	switch k {
	case KindChannel:
		return "channel"
	case KindThread:
		return "thread"
	case KindAdventure:
		return "adventure"
	default:
		return "unknown"
	}
}

// Scope is a tagged scope identifier. Thread scope ids are composite
// "<channelID>-<threadID>"; channel and adventure scopes use the bare
// channel id.
type Scope struct {
	ID   string
	Kind Kind
}

// ThreadScopeID builds the composite scope id for a thread.
func ThreadScopeID(channelID, threadID string) string {
	return channelID + "-" + threadID
}

// SplitThreadScopeID splits a composite thread scope id. Discord ids
// are plain digit strings, so a dash unambiguously marks a thread scope.
func SplitThreadScopeID(scopeID string) (channelID, threadID string, ok bool) {
	i := strings.Index(scopeID, "-")
	if i <= 0 || i == len(scopeID)-1 {
		return "", "", false
	}
	return scopeID[:i], scopeID[i+1:], true
}

// IsThreadScopeID reports whether the id has the composite thread form.
func IsThreadScopeID(scopeID string) bool {
	_, _, ok := SplitThreadScopeID(scopeID)
	return ok
}

// normalizeID canonicalizes the loosely-typed ids that arrive from
// transports and persisted documents: strings are trimmed, integral
// numbers are rendered without a fraction. Idempotent over its output.
func normalizeID(v any) string {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		// JSON round-trips sometimes leave "123.0" where "123" was meant.
		if f, err := strconv.ParseFloat(s, 64); err == nil && strings.Contains(s, ".") && f == math.Trunc(f) {
			return strconv.FormatInt(int64(f), 10)
		}
		return s
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		if t == math.Trunc(t) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

const aliasAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
const aliasLength = 5
