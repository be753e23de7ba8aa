package labs

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pheme-project/longitudinal/internal/hl7"
	"github.com/pheme-project/longitudinal/internal/warehouse"
)

// ErrNoLabCode signals an OBR/OBX pair with no usable code in either the
// preferred or alternate coding of either segment.
var ErrNoLabCode = errors.New("no valid codes found for OBX or OBR")

// preferredLabData picks the best code, text and coding for a lab.
//
// Both the observation request (OBR) and result (OBX) carry a preferred
// coding system, such as LOINC, and an alternative, such as local. Prefer
// the OBX codes, then fall back to the OBR, within each preferring the
// standardized coding. The evaluation is done on the codes alone: the
// matching text and coding come from the same source, so a null text may be
// returned even when a less favorable group had one.
func preferredLabData(obr *warehouse.Observation, obx *warehouse.ObxSegment) (code, text, coding string, err error) {
	switch {
	case obx.ObservationID.Valid && obx.ObservationID.String != "":
		return obx.ObservationID.String, obx.ObservationText.String, obx.Coding.String, nil
	case obx.AltID.Valid && obx.AltID.String != "":
		return obx.AltID.String, obx.AltText.String, obx.AltCoding.String, nil
	case obr.LoincCode.Valid && obr.LoincCode.String != "":
		return obr.LoincCode.String, obr.LoincText.String, obr.Coding.String, nil
	case obr.AltCode.Valid && obr.AltCode.String != "":
		return obr.AltCode.String, obr.AltText.String, obr.AltCoding.String, nil
	}
	return "", "", "", ErrNoLabCode
}

// preferredLabFlag extracts the best abnormality flag from an OBX row, or
// nil when neither the primary nor the alternate set carries anything.
func preferredLabFlag(obx *warehouse.ObxSegment) *LabFlag {
	if obx.AbnormID.String == "" && obx.AbnormText.String == "" &&
		obx.AltAbnormID.String == "" && obx.AltAbnormText.String == "" {
		return nil
	}
	if obx.AbnormID.String != "" || obx.AbnormText.String != "" {
		return &LabFlag{
			Code:   obx.AbnormID.String,
			Text:   obx.AbnormText.String,
			Coding: obx.AbnormCoding.String,
		}
	}
	return &LabFlag{
		Code:   obx.AltAbnormID.String,
		Text:   obx.AltAbnormText.String,
		Coding: obx.AltAbnormCoding.String,
	}
}

func nullableTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// Build chunks the ordered OBR/OBX stream into one SurrogateLab per logical
// result. No checks are done here to assure the labs haven't already been
// associated; order is preserved so the first in the list were the first
// defined. The returned labs are unsealed: note stitching and identity
// hashing happen downstream.
func Build(observations []*warehouse.Observation) ([]*SurrogateLab, error) {
	var built []*SurrogateLab
	var state LabState

	for _, obr := range observations {
		state.NewOBR()
		for i := range obr.Obxes {
			obx := &obr.Obxes[i]
			code, text, coding, err := preferredLabData(obr, obx)
			if err != nil {
				return nil, fmt.Errorf("obr %d obx %d: %w", obr.OBRID, obx.OBXID, err)
			}

			result := hl7.StripXML(obx.ObservationResult.String)

			state.NewOBX(ParseObxSequence(obx.Sequence.String), code)
			if state.Index() == len(built) {
				lab := &SurrogateLab{
					TestCode:           code,
					TestText:           text,
					Coding:             coding,
					Result:             truncateResult(result),
					Units:              obx.Units.String,
					Status:             obr.Status.String,
					Flag:               preferredLabFlag(obx),
					SpecimenSource:     obr.SpecimenSource.String,
					PerformingLab:      obx.PerformingLabCode.String,
					OrderNumber:        obr.FillerOrderNo.String,
					ReferenceRange:     obx.ReferenceRange.String,
					CollectionDatetime: nullableTime(obr.ObservationDatetime),
					ReportDatetime:     nullableTime(obr.ReportDatetime),
					obrID:              obr.OBRID,
					obxIDs:             []int64{obx.OBXID},
				}
				built = append(built, lab)
				continue
			}
			if state.Index() != len(built)-1 {
				return nil, fmt.Errorf("lab state walked off the end at obr %d", obr.OBRID)
			}
			if err := built[state.Index()].AppendResult(result, obx.OBXID); err != nil {
				return nil, err
			}
		}
	}
	return built, nil
}
