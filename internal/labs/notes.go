package labs

import (
	"fmt"
	"strings"

	"github.com/pheme-project/longitudinal/internal/warehouse"
)

// StitchNotes attributes NTE fragments to the labs they belong to and
// assigns the space-joined text as each lab's note.
//
// A note row referencing an obx id belongs to the lab containing that obx;
// one referencing only an obr id belongs to the lab built from that obr.
// notes must already be ordered by (obr, obx, sequence_number) so fragments
// concatenate in segment order.
func StitchNotes(built []*SurrogateLab, notes []warehouse.NoteSegment) error {
	found := make(map[int][]string)
	for _, seg := range notes {
		var index int
		var err error
		if seg.OBXID.Valid {
			index, err = obxIndex(seg.OBXID.Int64, built)
		} else {
			index, err = obrIndex(seg.OBRID, built)
		}
		if err != nil {
			return err
		}
		found[index] = append(found[index], seg.Note)
	}
	for index, fragments := range found {
		joined := make([]string, 0, len(fragments))
		for _, f := range fragments {
			if f != "" {
				joined = append(joined, f)
			}
		}
		if note := strings.Join(joined, " "); note != "" {
			built[index].SetNote(note)
		}
	}
	return nil
}

// obrIndex finds the first lab built from the given obr id.
func obrIndex(obrID int64, built []*SurrogateLab) (int, error) {
	for i, lab := range built {
		if lab.obrID == obrID {
			return i, nil
		}
	}
	return 0, fmt.Errorf("no lab with obr id %d", obrID)
}

// obxIndex finds the lab containing the given obx id; multiple matches are
// a data fault.
func obxIndex(obxID int64, built []*SurrogateLab) (int, error) {
	match := -1
	for i, lab := range built {
		if lab.ContainsOBX(obxID) {
			if match != -1 {
				return 0, fmt.Errorf("multiple labs with obx id %d", obxID)
			}
			match = i
		}
	}
	if match == -1 {
		return 0, fmt.Errorf("no lab with obx id %d", obxID)
	}
	return match, nil
}
