package eventlog

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a position within an aggregate stream, rendered as
// "<base>-<batch>". Base increments by one per append; batch is the
// zero-based index of the event within that append, so N events written
// in one append share a base and occupy batches 0..N-1. The ordering is
// lexicographic on (base, batch).
//
// The zero value is the initial version "0-0", denoting "no events yet".
type Version struct {
	Base  int64 `json:"base" msgpack:"base"`
	Batch int64 `json:"batch" msgpack:"batch"`
}

// Initial is the version of a stream with no events.
var Initial = Version{}

// ParseVersion parses a "<base>-<batch>" string.
func ParseVersion(s string) (Version, error) {
	base, batch, ok := strings.Cut(s, "-")
	if !ok {
		return Version{}, fmt.Errorf("eventlog: invalid version %q, expected \"<base>-<batch>\"", s)
	}
	b, err := strconv.ParseInt(base, 10, 64)
	if err != nil {
		return Version{}, fmt.Errorf("eventlog: invalid version base in %q: %w", s, err)
	}
	i, err := strconv.ParseInt(batch, 10, 64)
	if err != nil {
		return Version{}, fmt.Errorf("eventlog: invalid version batch in %q: %w", s, err)
	}
	return Version{Base: b, Batch: i}, nil
}

// String renders the version as "<base>-<batch>".
func (v Version) String() string {
	return strconv.FormatInt(v.Base, 10) + "-" + strconv.FormatInt(v.Batch, 10)
}

// IsInitial reports whether the version denotes "no events yet".
func (v Version) IsInitial() bool {
	return v == Initial
}

// Compare returns -1, 0 or 1 ordering v against o lexicographically on
// (base, batch).
func (v Version) Compare(o Version) int {
	switch {
	case v.Base < o.Base:
		return -1
	case v.Base > o.Base:
		return 1
	case v.Batch < o.Batch:
		return -1
	case v.Batch > o.Batch:
		return 1
	default:
		return 0
	}
}

// Next returns the smallest version strictly greater than v. Reading
// from Next inclusively is equivalent to reading after v exclusively.
func (v Version) Next() Version {
	return Version{Base: v.Base, Batch: v.Batch + 1}
}

// MarshalText renders the version as "<base>-<batch>" for text-based
// codecs.
func (v Version) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText parses a "<base>-<batch>" string.
func (v *Version) UnmarshalText(text []byte) error {
	parsed, err := ParseVersion(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
