package labs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestObxSequenceInSequenceWith(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"1.1", "1.2", true},  // fraction advances
		{"1.1", "2.1", true},  // whole advances, fraction equal
		{"1.1", "1.1", false}, // no advance
		{"1.2", "1.1", false}, // fraction regresses
		{"1.1", "1", false},   // continuation lost its fraction
		{"1", "2", false},     // whole-only values never continue
		{"", "1.2", false},
		{"1.1", "", false},
		{"", "", false},
		{"2.1", "1.1", false}, // whole regresses
		{"1.1", "2.2", false}, // both advance
		{"bogus", "1.2", false},
	}
	for _, tt := range tests {
		a := ParseObxSequence(tt.a)
		b := ParseObxSequence(tt.b)
		assert.Equal(t, tt.want, a.InSequenceWith(b), "%q -> %q", tt.a, tt.b)
	}
}

func TestLabStateCodeChangeBumps(t *testing.T) {
	var s LabState
	s.NewOBR()
	s.NewOBX(ParseObxSequence("1.1"), "5555-5")
	assert.Equal(t, 0, s.Index())
	s.NewOBX(ParseObxSequence("1.2"), "6666-6")
	assert.Equal(t, 1, s.Index())
}

func TestLabStateOBRBoundary(t *testing.T) {
	var s LabState
	// An OBR that emitted nothing does not advance the index.
	s.NewOBR()
	s.NewOBR()
	s.NewOBX(ObxSequence{}, "5555-5")
	assert.Equal(t, 0, s.Index())
	// One that did, does.
	s.NewOBR()
	s.NewOBX(ObxSequence{}, "5555-5")
	assert.Equal(t, 1, s.Index())
}
