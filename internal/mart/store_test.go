package mart

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pheme-project/longitudinal/internal/warehouse"
)

func newStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db), mock
}

func TestMaxProcessedIDEmptyTable(t *testing.T) {
	s, mock := newStore(t)
	mock.ExpectQuery(`SELECT max\(hl7_msh_id\)`).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))

	id, err := s.MaxProcessedID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), id)
}

func TestInsertProcessedBatch(t *testing.T) {
	s, mock := newStore(t)
	dt := time.Date(2011, 3, 4, 10, 0, 0, 0, time.UTC)
	mock.ExpectExec(`INSERT INTO internal_message_processed .+ VALUES \(\$1, \$2, \$3\), \(\$4, \$5, \$6\)`).
		WithArgs(int64(101), dt, "V1", int64(102), dt, "V2").
		WillReturnResult(sqlmock.NewResult(0, 2))

	err := s.InsertProcessedBatch(context.Background(), []warehouse.MessageRef{
		{MSHID: 101, MessageDatetime: dt, VisitID: "V1"},
		{MSHID: 102, MessageDatetime: dt, VisitID: "V2"},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertProcessedBatchEmptyIsNoop(t *testing.T) {
	s, _ := newStore(t)
	assert.NoError(t, s.InsertProcessedBatch(context.Background(), nil))
}

func TestMarkVisitProcessed(t *testing.T) {
	s, mock := newStore(t)
	mock.ExpectExec(`UPDATE internal_message_processed SET processed_datetime = now\(\)`).
		WithArgs("V1").
		WillReturnResult(sqlmock.NewResult(0, 3))

	require.NoError(t, s.MarkVisitProcessed(context.Background(), "V1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetDimension(t *testing.T) {
	var v Visit
	require.NoError(t, v.SetDimension(DimRace, 5))
	assert.True(t, v.RacePK.Valid)
	assert.Equal(t, int64(5), v.RacePK.Int64)

	require.NoError(t, v.SetDimension(DimFacility, 2))
	assert.Equal(t, int64(2), v.FacilityPK.Int64)

	// Lab dimensions live on association rows, not fact_visit.
	assert.Error(t, v.SetDimension(DimLabResult, 1))
	assert.Error(t, v.SetDimension(DimNote, 1))
}

func TestDxKeys(t *testing.T) {
	s, mock := newStore(t)
	mock.ExpectQuery(`SELECT dim_dx.icd9, assoc_visit_dx.status`).
		WithArgs(int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"icd9", "status"}).
			AddRow("487.1", "W").
			AddRow("487.1", "F"))

	keys, err := s.DxKeys(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, keys, 2)
	_, ok := keys[DxKey{ICD9: "487.1", Status: "W"}]
	assert.True(t, ok)
}

func TestLabKeysCoalesceNulls(t *testing.T) {
	s, mock := newStore(t)
	mock.ExpectQuery(`FROM assoc_visit_lab`).
		WithArgs(int64(10)).
		WillReturnRows(sqlmock.NewRows(
			[]string{"test_code", "test_text", "coding", "result", "result_unit", "status"}).
			AddRow("5555-5", "", "", "pos", "", "F"))

	keys, err := s.LabKeys(context.Background(), 10)
	require.NoError(t, err)
	_, ok := keys[LabKey{TestCode: "5555-5", Result: "pos", Status: "F"}]
	assert.True(t, ok)
}

func TestInsertVisitAssignsPK(t *testing.T) {
	s, mock := newStore(t)
	admit := time.Date(2011, 3, 4, 8, 0, 0, 0, time.UTC)
	v := &Visit{
		VisitID:              "V1",
		PatientClass:         "E",
		PatientID:            "P1",
		AdmitDatetime:        &admit,
		FirstMessage:         admit,
		LastMessage:          admit,
		Gender:               "F",
		InfluenzaTestSummary: 99,
	}
	mock.ExpectQuery(`INSERT INTO fact_visit`).
		WillReturnRows(sqlmock.NewRows([]string{"pk"}).AddRow(77))

	require.NoError(t, s.InsertVisit(context.Background(), v))
	assert.Equal(t, int64(77), v.PK)
}
