package engine

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pheme-project/longitudinal/internal/mart"
	"github.com/pheme-project/longitudinal/internal/visit"
	"github.com/pheme-project/longitudinal/internal/warehouse"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestResolversCoverCatalog(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	r := NewResolvers(db)
	for tag := range mart.Catalog {
		assert.Contains(t, r.byTag, tag)
	}
	_, err = r.Fetch(context.Background(), mart.Tag("bogus"), nil)
	assert.Error(t, err)
}

func TestRouteUnknownClass(t *testing.T) {
	w := &Worker{log: discardLogger()}
	msg := &warehouse.Message{}
	msg.Visit.PatientClass = "U"

	// A sole surrogate absorbs 'U' updates.
	sole := visit.New("V1", "E", "P1", time.Now())
	sv, ok := w.route(map[string]*visit.Surrogate{"E": sole}, msg, w.log)
	require.True(t, ok)
	assert.Same(t, sole, sv)

	// Ambiguous targets mean the message is dropped.
	two := map[string]*visit.Surrogate{
		"E": visit.New("V1", "E", "P1", time.Now()),
		"I": visit.New("V1", "I", "P1", time.Now()),
	}
	_, ok = w.route(two, msg, w.log)
	assert.False(t, ok)

	// No surrogate at all: also dropped, never invented.
	_, ok = w.route(map[string]*visit.Surrogate{}, msg, w.log)
	assert.False(t, ok)
}

func TestRouteKnownClass(t *testing.T) {
	w := &Worker{log: discardLogger()}
	msg := &warehouse.Message{}
	msg.Visit.PatientClass = "E"

	sv, ok := w.route(map[string]*visit.Surrogate{}, msg, w.log)
	require.True(t, ok)
	assert.Nil(t, sv) // caller creates the surrogate

	existing := visit.New("V1", "E", "P1", time.Now())
	sv, ok = w.route(map[string]*visit.Surrogate{"E": existing}, msg, w.log)
	require.True(t, ok)
	assert.Same(t, existing, sv)
}

func TestApplyClinical(t *testing.T) {
	w := &Worker{log: discardLogger()}
	sv := visit.New("V1", "E", "P1", time.Now())
	sv.AddClinicalInfo("8310-5", "98.47", "Degree Fahrenheit [Temperature]")
	sv.AddClinicalInfo("29553-5", "41", "Years")

	require.NoError(t, w.applyClinical(sv))

	assert.Equal(t, mart.Values{"degree_fahrenheit": "98.5"},
		sv.Dimensions()[mart.DimAdmissionTemp])
	require.NotNil(t, sv.Record.Age)
	assert.Equal(t, 41, *sv.Record.Age)
}

func TestApplyClinicalInvalidUnitsFailVisit(t *testing.T) {
	// Bad vitals units are exceptional: the visit fails and stays
	// unprocessed instead of quietly losing the observation.
	w := &Worker{log: discardLogger()}
	sv := visit.New("V1", "E", "P1", time.Now())
	sv.AddClinicalInfo("59408-5", "98", "mmHg")

	err := w.applyClinical(sv)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "59408-5")
	_, ok := sv.Dimensions()[mart.DimAdmissionO2sat]
	assert.False(t, ok)
}

func TestApplyClinicalDoesNotOverrideAge(t *testing.T) {
	w := &Worker{log: discardLogger()}
	sv := visit.New("V1", "E", "P1", time.Now())
	sv.SetAge(7)
	sv.AddClinicalInfo("29553-5", "41", "Years")

	require.NoError(t, w.applyClinical(sv))
	assert.Equal(t, 7, *sv.Record.Age)
}

func TestManagerPrep(t *testing.T) {
	whDB, whMock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer whDB.Close()
	mtDB, mtMock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer mtDB.Close()

	wh := warehouse.NewStore(sqlx.NewDb(whDB, "sqlmock"))
	mt := mart.NewStore(mtDB)
	m := NewManager(wh, mt, 1, true, discardLogger())

	dt := time.Date(2011, 3, 4, 10, 0, 0, 0, time.UTC)
	mtMock.ExpectQuery(`SELECT max\(hl7_msh_id\)`).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(100))
	whMock.ExpectQuery(`FROM hl7_msh JOIN hl7_visit`).
		WithArgs(int64(100)).
		WillReturnRows(sqlmock.NewRows([]string{"hl7_msh_id", "message_datetime", "visit_id"}).
			AddRow(101, dt, "V1").
			AddRow(102, dt, "V2"))
	mtMock.ExpectExec(`INSERT INTO internal_message_processed`).
		WithArgs(int64(101), dt, "V1", int64(102), dt, "V2").
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, m.Prep(context.Background()))
	assert.NoError(t, whMock.ExpectationsWereMet())
	assert.NoError(t, mtMock.ExpectationsWereMet())
}

func TestVisitQueueDateMode(t *testing.T) {
	whDB, whMock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer whDB.Close()
	mtDB, mtMock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer mtDB.Close()

	m := NewManager(warehouse.NewStore(sqlx.NewDb(whDB, "sqlmock")), mart.NewStore(mtDB), 1, true, discardLogger())

	date := time.Date(2011, 3, 4, 0, 0, 0, 0, time.UTC)
	whMock.ExpectQuery(`SELECT DISTINCT\(visit_id\) FROM hl7_visit`).
		WillReturnRows(sqlmock.NewRows([]string{"visit_id"}).AddRow("V1").AddRow("V2"))
	mtMock.ExpectQuery(`visit_id IN \(\$1, \$2\)`).
		WithArgs("V1", "V2").
		WillReturnRows(sqlmock.NewRows([]string{"visit_id"}).AddRow("V1"))

	visits, err := m.visitQueue(context.Background(), &date)
	require.NoError(t, err)
	assert.Equal(t, []string{"V1"}, visits)
}

func TestVisitFailurePolicy(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	whDB, _, err := sqlmock.New()
	require.NoError(t, err)
	defer whDB.Close()
	wh := warehouse.NewStore(sqlx.NewDb(whDB, "sqlmock"))

	boom := errors.New("merge failed")

	// Production logs the visit and leaves it for the next run.
	prod := NewManager(wh, mart.NewStore(db), 1, true, discardLogger())
	assert.NoError(t, prod.visitFailure("V1", boom))

	// Development aborts the run so the failure gets noticed.
	dev := NewManager(wh, mart.NewStore(db), 1, false, discardLogger())
	err = dev.visitFailure("V1", boom)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "V1")
}

func TestEmptyNull(t *testing.T) {
	assert.Nil(t, emptyNull(""))
	assert.Equal(t, "x", emptyNull("x"))
	assert.Equal(t, sql.NullInt64{Int64: 4, Valid: true}, validInt(4))
}
