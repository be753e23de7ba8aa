package report

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pheme-project/longitudinal/internal/mart"
)

var reportDate = time.Date(2011, 3, 4, 0, 0, 0, 0, time.UTC)

func newGenerator(t *testing.T) (*Generator, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewGenerator(mart.NewStore(db), slog.New(slog.NewTextHandler(io.Discard, nil))), mock
}

func essenceRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"hospital", "visit_date", "visit_time", "gender", "age",
		"chief_complaint", "zip", "gipse_disposition", "odin_disposition",
		"patient_id", "visit_id", "patient_class", "measured_temperature",
		"o2_saturation", "influenza_vaccine", "h1n1_vaccine",
	})
}

func TestValidateUnknownRegion(t *testing.T) {
	g, mock := newGenerator(t)
	mock.ExpectQuery(`SELECT count\(\*\) FROM internal_reportable_region`).
		WithArgs("nowhere").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	c := Criteria{Date: reportDate, Region: "nowhere"}
	err := c.Validate(context.Background(), g.store)
	assert.ErrorIs(t, err, ErrUnknownRegion)
}

func TestValidateVitalsDisabled(t *testing.T) {
	g, _ := newGenerator(t)
	c := Criteria{Date: reportDate, IncludeVitals: true}
	err := c.Validate(context.Background(), g.store)
	assert.ErrorIs(t, err, ErrVitalsDisabled)
}

func TestValidateBadPatientClass(t *testing.T) {
	g, _ := newGenerator(t)
	c := Criteria{Date: reportDate, PatientClasses: []string{"X"}}
	assert.Error(t, c.Validate(context.Background(), g.store))
}

func TestGenerateRegionFilter(t *testing.T) {
	g, mock := newGenerator(t)
	mock.ExpectQuery(`JOIN internal_reportable_region`).
		WithArgs(reportDate, reportDate.AddDate(0, 0, 1), "test_region").
		WillReturnRows(essenceRows().AddRow(
			"Children's Hospital", "03/04/2011", "08:30:00", "F", "41",
			"fever", "19104", "discharged", "home",
			"P1", "V1", "E", "98.5", "98", "refused", ""))

	var out strings.Builder
	count, err := g.Generate(context.Background(), Criteria{
		Date: reportDate, Region: "test_region", PatientClasses: []string{"E", "I", "O"},
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, strings.Join(header, ","), lines[0])
	assert.Contains(t, lines[1], "Children's Hospital")
	assert.Contains(t, lines[1], "V1")
}

func TestGenerateEmptyReportHeaderOnly(t *testing.T) {
	g, mock := newGenerator(t)
	mock.ExpectQuery(`FROM essence`).
		WillReturnRows(essenceRows())

	var out strings.Builder
	count, err := g.Generate(context.Background(), Criteria{Date: reportDate}, &out)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.Equal(t, strings.Join(header, ",")+"\n", out.String())
}

func TestGenerateFiltersPatientClass(t *testing.T) {
	g, mock := newGenerator(t)
	mock.ExpectQuery(`FROM essence`).
		WillReturnRows(essenceRows().
			AddRow("H", "03/04/2011", "08:30:00", "F", "41", "", "", "", "", "P1", "V1", "E", "", "", "", "").
			AddRow("H", "03/04/2011", "09:00:00", "M", "12", "", "", "", "", "P2", "V2", "N", "", "", "", ""))

	var out strings.Builder
	count, err := g.Generate(context.Background(), Criteria{
		Date: reportDate, PatientClasses: []string{"E", "I", "O"},
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.NotContains(t, out.String(), "V2")
}
