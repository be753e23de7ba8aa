package labs

// LabState decides when the OBX under consideration starts the next lab.
//
// The separation rules:
//  1. a new OBR starts a new lab, if the previous OBR emitted anything
//  2. a new OBX within an OBR without a defined sequence starts a new lab
//  3. a code change within an OBR starts a new lab regardless of sequence
//  4. a non-advancing sequence (1.1 followed by 1) starts a new lab
type LabState struct {
	activeIndex  int
	activeLabSet bool
	lastSequence ObxSequence
	lastCode     string
}

// Index is the position in the emitted lab list the current OBX belongs to.
func (s *LabState) Index() int { return s.activeIndex }

func (s *LabState) bump() {
	s.activeIndex++
	s.activeLabSet = false
	s.lastSequence = ObxSequence{}
}

// NewOBR must be called once per OBR boundary.
func (s *LabState) NewOBR() {
	if s.activeLabSet {
		s.bump()
	}
}

// NewOBX must be called once per OBX, before consulting Index.
func (s *LabState) NewOBX(sequence ObxSequence, code string) {
	if s.activeLabSet {
		if s.lastCode != code || !s.lastSequence.InSequenceWith(sequence) {
			s.bump()
		}
	}
	s.lastSequence = sequence
	s.activeLabSet = true
	s.lastCode = code
}
