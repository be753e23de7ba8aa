package labs

import (
	"database/sql"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pheme-project/longitudinal/internal/warehouse"
)

func ns(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func obx(id int64, seq, code, result string) warehouse.ObxSegment {
	return warehouse.ObxSegment{
		OBXID:             id,
		ObservationID:     ns(code),
		ObservationResult: ns(result),
		Sequence:          ns(seq),
	}
}

func obr(id int64, obxes ...warehouse.ObxSegment) *warehouse.Observation {
	return &warehouse.Observation{
		OBRID:  id,
		Status: ns("F"),
		Obxes:  obxes,
	}
}

func TestBuildUndefinedSequencesSplit(t *testing.T) {
	// One OBR, two OBXes with no sequence and identical code: two labs.
	built, err := Build([]*warehouse.Observation{
		obr(1, obx(10, "", "5555-5", "pos"), obx(11, "", "5555-5", "neg")),
	})
	require.NoError(t, err)
	require.Len(t, built, 2)
	assert.Equal(t, "pos", built[0].Result)
	assert.Equal(t, "neg", built[1].Result)
}

func TestBuildContinuationConcatenates(t *testing.T) {
	// 1.1 followed by 1.2 continues the same lab.
	built, err := Build([]*warehouse.Observation{
		obr(1, obx(10, "1.1", "5555-5", "line one"), obx(11, "1.2", "5555-5", "line two")),
	})
	require.NoError(t, err)
	require.Len(t, built, 1)
	assert.Equal(t, "line one line two", built[0].Result)
	assert.Equal(t, []int64{10, 11}, built[0].OBXIDs())
}

func TestBuildWholeAdvanceContinues(t *testing.T) {
	// 1.1 followed by 2.1 continues (whole advances, fraction equal).
	built, err := Build([]*warehouse.Observation{
		obr(1, obx(10, "1.1", "5555-5", "a"), obx(11, "2.1", "5555-5", "b")),
	})
	require.NoError(t, err)
	require.Len(t, built, 1)
	assert.Equal(t, "a b", built[0].Result)
}

func TestBuildDroppedFractionSplits(t *testing.T) {
	// 1.1 followed by 1 is non-advancing: two labs.
	built, err := Build([]*warehouse.Observation{
		obr(1, obx(10, "1.1", "5555-5", "a"), obx(11, "1", "5555-5", "b")),
	})
	require.NoError(t, err)
	assert.Len(t, built, 2)
}

func TestBuildOBRBoundarySplits(t *testing.T) {
	built, err := Build([]*warehouse.Observation{
		obr(1, obx(10, "1.1", "5555-5", "a")),
		obr(2, obx(20, "1.2", "5555-5", "b")),
	})
	require.NoError(t, err)
	require.Len(t, built, 2)
	assert.Equal(t, int64(1), built[0].OBRID())
	assert.Equal(t, int64(2), built[1].OBRID())
}

func TestBuildPreferredCodeFallback(t *testing.T) {
	// No OBX codes; falls back to the OBR loinc code with its text/coding.
	o := obr(1, warehouse.ObxSegment{OBXID: 10, ObservationResult: ns("r")})
	o.LoincCode = ns("600-7")
	o.LoincText = ns("Blood Culture")
	o.Coding = ns("LN")
	built, err := Build([]*warehouse.Observation{o})
	require.NoError(t, err)
	require.Len(t, built, 1)
	assert.Equal(t, "600-7", built[0].TestCode)
	assert.Equal(t, "Blood Culture", built[0].TestText)
	assert.Equal(t, "LN", built[0].Coding)
}

func TestBuildAltCodeTextFromSameSource(t *testing.T) {
	// The alt id wins over the OBR codes, and the text comes from the same
	// (alt) source even though it is empty there.
	o := obr(1, warehouse.ObxSegment{
		OBXID:             10,
		AltID:             ns("LOCAL-1"),
		ObservationResult: ns("r"),
	})
	o.LoincCode = ns("600-7")
	o.LoincText = ns("Blood Culture")
	built, err := Build([]*warehouse.Observation{o})
	require.NoError(t, err)
	assert.Equal(t, "LOCAL-1", built[0].TestCode)
	assert.Equal(t, "", built[0].TestText)
}

func TestBuildNoCodeFails(t *testing.T) {
	_, err := Build([]*warehouse.Observation{
		obr(1, warehouse.ObxSegment{OBXID: 10, ObservationResult: ns("r")}),
	})
	assert.ErrorIs(t, err, ErrNoLabCode)
}

func TestBuildXMLResultStripped(t *testing.T) {
	built, err := Build([]*warehouse.Observation{
		obr(1, obx(10, "", "5555-5", "<OBX.5><OBX.5.1>POSITIVE</OBX.5.1></OBX.5>")),
	})
	require.NoError(t, err)
	assert.Equal(t, "POSITIVE", built[0].Result)
}

func TestBuildResultTruncated(t *testing.T) {
	long := strings.Repeat("x", 600)
	built, err := Build([]*warehouse.Observation{
		obr(1, obx(10, "1.1", "5555-5", long), obx(11, "1.2", "5555-5", long)),
	})
	require.NoError(t, err)
	require.Len(t, built, 1)
	assert.Len(t, built[0].Result, MaxResultLen)
}

func TestPreferredLabFlag(t *testing.T) {
	primary := warehouse.ObxSegment{
		AbnormID: ns("H"), AbnormText: ns("High"), AbnormCoding: ns("HL7"),
		AltAbnormID: ns("h"),
	}
	flag := preferredLabFlag(&primary)
	require.NotNil(t, flag)
	assert.Equal(t, LabFlag{Code: "H", Text: "High", Coding: "HL7"}, *flag)

	alternate := warehouse.ObxSegment{AltAbnormID: ns("A"), AltAbnormCoding: ns("L")}
	flag = preferredLabFlag(&alternate)
	require.NotNil(t, flag)
	assert.Equal(t, "A", flag.Code)

	assert.Nil(t, preferredLabFlag(&warehouse.ObxSegment{}))
}

func TestAppendResultAfterSeal(t *testing.T) {
	lab := &SurrogateLab{TestCode: "5555-5"}
	require.NoError(t, lab.AppendResult("a", 1))
	lab.Identity()
	assert.Error(t, lab.AppendResult("b", 2))
}

func TestStitchNotes(t *testing.T) {
	built, err := Build([]*warehouse.Observation{
		obr(1, obx(10, "", "5555-5", "a")),
		obr(2, obx(20, "", "6666-6", "b")),
	})
	require.NoError(t, err)

	notes := []warehouse.NoteSegment{
		{OBRID: 1, SequenceNumber: 1, Note: "request note"},
		{OBRID: 2, OBXID: sql.NullInt64{Int64: 20, Valid: true}, SequenceNumber: 1, Note: "split"},
		{OBRID: 2, OBXID: sql.NullInt64{Int64: 20, Valid: true}, SequenceNumber: 2, Note: "note"},
	}
	require.NoError(t, StitchNotes(built, notes))
	assert.Equal(t, "request note", built[0].Note)
	assert.Equal(t, "split note", built[1].Note)
}

func TestStitchNotesUnknownOBX(t *testing.T) {
	built, err := Build([]*warehouse.Observation{obr(1, obx(10, "", "5555-5", "a"))})
	require.NoError(t, err)
	err = StitchNotes(built, []warehouse.NoteSegment{
		{OBRID: 9, OBXID: sql.NullInt64{Int64: 99, Valid: true}, Note: "orphan"},
	})
	assert.Error(t, err)
}
