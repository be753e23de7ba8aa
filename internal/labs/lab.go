package labs

import (
	"errors"
	"time"
)

// MaxResultLen is the storage limit for the lab result text; anything beyond
// it goes in the bit bucket.
const MaxResultLen = 500

var errSealed = errors.New("lab is sealed, results can no longer be appended")

// LabFlag is the abnormality flag attached to a lab, when present.
type LabFlag struct {
	Code   string
	Text   string
	Coding string
}

// Identity is the tuple that defines a unique lab result for deduplication.
// Dimensions hanging off the association (note, specimen source, flag,
// reference range) are deliberately excluded: a second lab differing only on
// such a field is a duplicate.
type Identity struct {
	TestCode string
	TestText string
	Coding   string
	Result   string
	Units    string
	Status   string
}

// SurrogateLab is a stand-in for one lab result built up during
// deduplication. It is immutable once sealed; AppendResult may only be used
// while building, and SetNote is by convention a post-emission step that does
// not participate in identity.
type SurrogateLab struct {
	TestCode           string
	TestText           string
	Coding             string
	Result             string
	Units              string
	Status             string
	Flag               *LabFlag
	SpecimenSource     string
	PerformingLab      string
	OrderNumber        string
	ReferenceRange     string
	CollectionDatetime *time.Time
	ReportDatetime     *time.Time
	Note               string

	obrID  int64
	obxIDs []int64
	sealed bool
}

func truncateResult(s string) string {
	if len(s) > MaxResultLen {
		return s[:MaxResultLen]
	}
	return s
}

// AppendResult concatenates more result text (space joined, truncated at
// MaxResultLen) and records the contributing obx id, needed later for note
// attribution. It fails once the lab has been sealed.
func (l *SurrogateLab) AppendResult(result string, obxID int64) error {
	if l.sealed {
		return errSealed
	}
	l.obxIDs = append(l.obxIDs, obxID)
	if result == "" {
		return nil
	}
	if l.Result != "" {
		l.Result = truncateResult(l.Result + " " + result)
	} else {
		l.Result = truncateResult(result)
	}
	return nil
}

// Seal freezes the lab. Identity may be taken afterwards; AppendResult may
// not be called.
func (l *SurrogateLab) Seal() { l.sealed = true }

// Identity seals the lab and returns its deduplication key.
func (l *SurrogateLab) Identity() Identity {
	l.sealed = true
	return Identity{
		TestCode: l.TestCode,
		TestText: l.TestText,
		Coding:   l.Coding,
		Result:   l.Result,
		Units:    l.Units,
		Status:   l.Status,
	}
}

// SetNote assigns the stitched note text. Notes are collected as a later
// step and are not part of the unique contract, so sealing does not apply.
func (l *SurrogateLab) SetNote(note string) { l.Note = note }

// OBRID returns the warehouse obr id this lab was built from.
func (l *SurrogateLab) OBRID() int64 { return l.obrID }

// OBXIDs returns the warehouse obx ids that contributed to this lab.
func (l *SurrogateLab) OBXIDs() []int64 { return l.obxIDs }

// ContainsOBX reports whether the given obx id contributed to this lab.
func (l *SurrogateLab) ContainsOBX(obxID int64) bool {
	for _, id := range l.obxIDs {
		if id == obxID {
			return true
		}
	}
	return false
}
