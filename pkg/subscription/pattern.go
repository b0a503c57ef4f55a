package subscription

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPattern is returned for malformed path patterns.
var ErrInvalidPattern = errors.New("invalid path pattern")

// Wildcard segments.
const (
	// AnySegment matches exactly one path segment.
	AnySegment = "*"

	// AnyDepth matches zero or more path segments.
	AnyDepth = "**"
)

// Pattern is a parsed, dot-separated signal path pattern such as
// "Vehicle.Cabin.*.IsOpen" or "Vehicle.Powertrain.**". Matching is
// case-sensitive.
type Pattern struct {
	raw      string
	segments []string
	literal  bool
}

// ParsePattern parses a path pattern. Segments must be non-empty and
// wildcards must occupy a whole segment.
func ParsePattern(s string) (Pattern, error) {
	if s == "" {
		return Pattern{}, fmt.Errorf("%w: empty", ErrInvalidPattern)
	}
	parts := strings.Split(s, ".")
	segments := make([]string, 0, len(parts))
	literal := true
	for i, seg := range parts {
		switch {
		case seg == "":
			return Pattern{}, fmt.Errorf("%w: %q: empty segment %d", ErrInvalidPattern, s, i)
		case seg == AnyDepth && len(segments) > 0 && segments[len(segments)-1] == AnyDepth:
			// "**.**" matches the same paths as "**".
			continue
		case seg == AnySegment || seg == AnyDepth:
			literal = false
		case strings.Contains(seg, "*"):
			return Pattern{}, fmt.Errorf("%w: %q: partial wildcard %q", ErrInvalidPattern, s, seg)
		}
		segments = append(segments, seg)
	}
	return Pattern{raw: s, segments: segments, literal: literal}, nil
}

// MustParsePattern is like ParsePattern but panics on error.
func MustParsePattern(s string) Pattern {
	p, err := ParsePattern(s)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the pattern as written.
func (p Pattern) String() string { return p.raw }

// IsLiteral reports whether the pattern contains no wildcards.
func (p Pattern) IsLiteral() bool { return p.literal }

// Match reports whether path matches the pattern.
func (p Pattern) Match(path string) bool {
	if p.literal {
		return path == p.raw
	}
	return matchSegments(p.segments, strings.Split(path, "."))
}

// matchSegments runs in O(len(pat)*len(path)). matched[j] reports whether
// the pattern segments consumed so far match path[:j].
func matchSegments(pat, path []string) bool {
	matched := make([]bool, len(path)+1)
	next := make([]bool, len(path)+1)
	matched[0] = true
	for _, seg := range pat {
		switch seg {
		case AnyDepth:
			reached := false
			for j := range matched {
				reached = reached || matched[j]
				next[j] = reached
			}
		default:
			next[0] = false
			for j := 1; j <= len(path); j++ {
				next[j] = matched[j-1] && (seg == AnySegment || seg == path[j-1])
			}
		}
		matched, next = next, matched
	}
	return matched[len(path)]
}
