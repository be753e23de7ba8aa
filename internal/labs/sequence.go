// Package labs reconstructs discrete lab results from the OBR/OBX segment
// streams held in the warehouse.
//
// A single logical lab may span multiple OBX rows via the OBX-4.1 sub-id
// continuation convention; the state machine here decides when a new OBX
// continues the active lab and when it starts the next one.
package labs

import (
	"strconv"
	"strings"
)

// ObxSequence is the OBX-4.1 sub-id, which arrives inconsistently typed:
// empty, an integer "N", or dotted "N.M".
type ObxSequence struct {
	whole   int
	frac    int
	hasFrac bool
	defined bool
}

// ParseObxSequence parses the raw OBX-4.1 value. Unparseable values are
// treated as undefined, which forces a new lab on the next OBX.
func ParseObxSequence(raw string) ObxSequence {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ObxSequence{}
	}
	if dot := strings.IndexByte(raw, '.'); dot > 0 {
		whole, err := strconv.Atoi(raw[:dot])
		if err != nil {
			return ObxSequence{}
		}
		frac, err := strconv.Atoi(raw[dot+1:])
		if err != nil {
			return ObxSequence{}
		}
		return ObxSequence{whole: whole, frac: frac, hasFrac: true, defined: true}
	}
	whole, err := strconv.Atoi(raw)
	if err != nil {
		return ObxSequence{}
	}
	return ObxSequence{whole: whole, defined: true}
}

// InSequenceWith reports whether next looks like a continuation of s.
// Two shapes qualify:
//
//   - same whole, both fractional parts defined, and next's fraction is
//     greater (1.1 followed by 1.2)
//   - greater whole, both fractional parts defined and equal
//     (1.1 followed by 2.1)
func (s ObxSequence) InSequenceWith(next ObxSequence) bool {
	if !s.defined || !next.defined {
		return false
	}
	if !s.hasFrac || !next.hasFrac {
		return false
	}
	// The original treats a zero fraction as undefined, so 1.0 -> 2.0 does
	// not continue.
	if s.frac == 0 || next.frac == 0 {
		return false
	}
	if s.whole == next.whole && s.frac < next.frac {
		return true
	}
	if s.whole < next.whole && s.frac == next.frac {
		return true
	}
	return false
}
