// Package report produces the daily ESSENCE surveillance extract from the
// mart's essence view.
package report

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/pheme-project/longitudinal/internal/mart"
)

// ErrVitalsDisabled is returned when a report requests the vitals join,
// which is not supported.
var ErrVitalsDisabled = errors.New("vitals in reports are disabled")

// ErrUnknownRegion means the requested reportable region is not configured
// in the mart.
var ErrUnknownRegion = errors.New("reportable region not configured")

// reportable patient classes; everything else never reaches a report.
var reportableClasses = map[string]bool{"E": true, "I": true, "O": true}

// header matches the essence view's projection minus the internal visit key.
var header = []string{
	"hospital", "visit_date", "visit_time", "gender", "age",
	"chief_complaint", "zip", "gipse_disposition", "odin_disposition",
	"patient_id", "visit_id", "patient_class", "measured_temperature",
	"o2_saturation", "influenza_vaccine", "h1n1_vaccine",
}

// Criteria selects which visits a report covers.
type Criteria struct {
	// Date selects visits admitted on that day.
	Date time.Time
	// Region, when set, restricts to facilities in that reportable region.
	Region string
	// PatientClasses defaults to E, I and O.
	PatientClasses []string
	// IncludeVitals is accepted for interface compatibility and always
	// rejected.
	IncludeVitals bool
}

// Validate checks the criteria against the mart's configuration.
func (c *Criteria) Validate(ctx context.Context, store *mart.Store) error {
	if c.IncludeVitals {
		return ErrVitalsDisabled
	}
	if len(c.PatientClasses) == 0 {
		c.PatientClasses = []string{"E", "I", "O"}
	}
	for _, pc := range c.PatientClasses {
		if !reportableClasses[pc] {
			return fmt.Errorf("patient class %q is not reportable", pc)
		}
	}
	if c.Region != "" {
		ok, err := store.RegionExists(ctx, c.Region)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownRegion, c.Region)
		}
	}
	return nil
}

// Generator writes daily reports.
type Generator struct {
	store *mart.Store
	log   *slog.Logger
}

func NewGenerator(store *mart.Store, log *slog.Logger) *Generator {
	return &Generator{store: store, log: log}
}

func (g *Generator) query(c Criteria) (string, []any) {
	query := `
		SELECT e.hospital, e.visit_date, e.visit_time, e.gender, e.age,
		       e.chief_complaint, e.zip, e.gipse_disposition,
		       e.odin_disposition, e.patient_id, e.visit_id, e.patient_class,
		       e.measured_temperature, e.o2_saturation, e.influenza_vaccine,
		       e.h1n1_vaccine
		FROM essence e
		JOIN fact_visit fv ON fv.pk = e.visit_pk`
	args := []any{c.Date, c.Date.AddDate(0, 0, 1)}
	if c.Region != "" {
		query += `
		JOIN internal_reportable_region r
		  ON r.dim_facility_pk = fv.dim_facility_pk AND r.region_name = $3`
		args = append(args, c.Region)
	}
	query += `
		WHERE fv.admit_datetime >= $1 AND fv.admit_datetime < $2
		ORDER BY fv.admit_datetime, e.visit_id`
	return query, args
}

// Generate writes the header and one row per matching visit, returning the
// data row count. Criteria must be validated first.
func (g *Generator) Generate(ctx context.Context, c Criteria, out io.Writer) (int, error) {
	classes := make(map[string]bool, len(c.PatientClasses))
	for _, pc := range c.PatientClasses {
		classes[pc] = true
	}

	w := csv.NewWriter(out)
	if err := w.Write(header); err != nil {
		return 0, err
	}

	query, args := g.query(c)
	rows, err := g.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("query essence: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		fields := make([]sql.NullString, len(header))
		dest := make([]any, len(fields))
		for i := range fields {
			dest[i] = &fields[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return count, err
		}
		record := make([]string, len(fields))
		for i, f := range fields {
			record[i] = f.String
		}
		// patient_class sits at a fixed position in the projection.
		if len(classes) > 0 && !classes[record[11]] {
			continue
		}
		if err := w.Write(record); err != nil {
			return count, err
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return count, err
	}
	w.Flush()
	return count, w.Error()
}

// WriteDaily validates, generates into path and records the run in
// internal_report.
func (g *Generator) WriteDaily(ctx context.Context, c Criteria, path string) error {
	if err := c.Validate(ctx, g.store); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report file: %w", err)
	}
	defer f.Close()

	count, err := g.Generate(ctx, c, f)
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	metadata := fmt.Sprintf("date=%s region=%s rows=%d",
		c.Date.Format("2006-01-02"), c.Region, count)
	if err := g.store.RecordReport(ctx, path, "essence_daily", metadata); err != nil {
		return err
	}
	g.log.Info("daily report written", "path", path, "rows", count, "region", c.Region)
	return nil
}
