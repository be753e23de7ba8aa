// Package staticdata exports and imports the mart's bootstrap rows as YAML:
// facilities, admission sources, dispositions and reportable regions. These
// tables are reference data maintained by operators, not by the engine.
package staticdata

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Facility struct {
	NPI              int64  `yaml:"npi"`
	LocalCode        string `yaml:"local_code"`
	OrganizationName string `yaml:"organization_name"`
	Zip              string `yaml:"zip"`
	County           string `yaml:"county"`
}

type AdmissionSource struct {
	Code        string `yaml:"code"`
	Description string `yaml:"description"`
}

type Disposition struct {
	Code         int    `yaml:"code"`
	GipseMapping string `yaml:"gipse_mapping"`
	OdinMapping  string `yaml:"odin_mapping"`
	Description  string `yaml:"description"`
}

type ReportableRegion struct {
	RegionName  string `yaml:"region_name"`
	FacilityNPI int64  `yaml:"facility_npi"`
}

// Set is the full YAML document.
type Set struct {
	Facilities        []Facility        `yaml:"facilities"`
	AdmissionSources  []AdmissionSource `yaml:"admission_sources"`
	Dispositions      []Disposition     `yaml:"dispositions"`
	ReportableRegions []ReportableRegion `yaml:"reportable_regions"`
}

// Dump reads the supported tables into a Set.
func Dump(ctx context.Context, db *sql.DB) (*Set, error) {
	set := &Set{}

	rows, err := db.QueryContext(ctx,
		`SELECT npi, local_code, organization_name, zip, county FROM dim_facility ORDER BY npi`)
	if err != nil {
		return nil, fmt.Errorf("dump facilities: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var f Facility
		if err := rows.Scan(&f.NPI, &f.LocalCode, &f.OrganizationName, &f.Zip, &f.County); err != nil {
			return nil, err
		}
		set.Facilities = append(set.Facilities, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = db.QueryContext(ctx,
		`SELECT code, description FROM dim_admission_source ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("dump admission sources: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var a AdmissionSource
		if err := rows.Scan(&a.Code, &a.Description); err != nil {
			return nil, err
		}
		set.AdmissionSources = append(set.AdmissionSources, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = db.QueryContext(ctx,
		`SELECT code, gipse_mapping, odin_mapping, description FROM dim_disposition ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("dump dispositions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var d Disposition
		if err := rows.Scan(&d.Code, &d.GipseMapping, &d.OdinMapping, &d.Description); err != nil {
			return nil, err
		}
		set.Dispositions = append(set.Dispositions, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = db.QueryContext(ctx, `
		SELECT r.region_name, f.npi
		FROM internal_reportable_region r
		JOIN dim_facility f ON f.pk = r.dim_facility_pk
		ORDER BY r.region_name, f.npi`)
	if err != nil {
		return nil, fmt.Errorf("dump reportable regions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var r ReportableRegion
		if err := rows.Scan(&r.RegionName, &r.FacilityNPI); err != nil {
			return nil, err
		}
		set.ReportableRegions = append(set.ReportableRegions, r)
	}
	return set, rows.Err()
}

// Load inserts the Set into the mart, skipping rows that already exist.
// Facilities go first: reportable regions reference them by foreign key.
func Load(ctx context.Context, db *sql.DB, set *Set) error {
	for _, f := range set.Facilities {
		_, err := db.ExecContext(ctx, `
			INSERT INTO dim_facility (npi, local_code, organization_name, zip, county, last_updated)
			VALUES ($1, $2, $3, $4, $5, now())
			ON CONFLICT (npi) DO NOTHING`,
			f.NPI, f.LocalCode, f.OrganizationName, f.Zip, f.County)
		if err != nil {
			return fmt.Errorf("load facility %d: %w", f.NPI, err)
		}
	}
	for _, a := range set.AdmissionSources {
		_, err := db.ExecContext(ctx, `
			INSERT INTO dim_admission_source (code, description, last_updated)
			VALUES ($1, $2, now())
			ON CONFLICT (code) DO NOTHING`, a.Code, a.Description)
		if err != nil {
			return fmt.Errorf("load admission source %s: %w", a.Code, err)
		}
	}
	for _, d := range set.Dispositions {
		_, err := db.ExecContext(ctx, `
			INSERT INTO dim_disposition (code, gipse_mapping, odin_mapping, description, last_updated)
			VALUES ($1, $2, $3, $4, now())
			ON CONFLICT (code) DO NOTHING`,
			d.Code, d.GipseMapping, d.OdinMapping, d.Description)
		if err != nil {
			return fmt.Errorf("load disposition %d: %w", d.Code, err)
		}
	}
	for _, r := range set.ReportableRegions {
		result, err := db.ExecContext(ctx, `
			INSERT INTO internal_reportable_region (region_name, dim_facility_pk)
			SELECT $1, pk FROM dim_facility WHERE npi = $2
			ON CONFLICT DO NOTHING`, r.RegionName, r.FacilityNPI)
		if err != nil {
			return fmt.Errorf("load reportable region %s: %w", r.RegionName, err)
		}
		if n, err := result.RowsAffected(); err == nil && n == 0 {
			// Either a duplicate or a region pointing at a facility the
			// file never declared; the latter is a broken file.
			var exists int
			if err := db.QueryRowContext(ctx,
				`SELECT count(*) FROM dim_facility WHERE npi = $1`, r.FacilityNPI).Scan(&exists); err == nil && exists == 0 {
				return fmt.Errorf("reportable region %s references unknown facility npi %d",
					r.RegionName, r.FacilityNPI)
			}
		}
	}
	return nil
}

// WriteFile marshals the Set to a YAML file.
func WriteFile(path string, set *Set) error {
	data, err := yaml.Marshal(set)
	if err != nil {
		return fmt.Errorf("marshal static data: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// ReadFile unmarshals a YAML file into a Set.
func ReadFile(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var set Set
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &set, nil
}
