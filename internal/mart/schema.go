package mart

import (
	"context"
	"database/sql"
	"fmt"
)

// schemaStatements creates the star schema. Order matters: dimensions before
// the fact table, the fact table before its associations.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS dim_admission_source (
		pk BIGSERIAL PRIMARY KEY,
		code CHAR(1) NOT NULL UNIQUE,
		description VARCHAR(100) NOT NULL DEFAULT '',
		last_updated TIMESTAMP NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS dim_admission_temp (
		pk BIGSERIAL PRIMARY KEY,
		degree_fahrenheit NUMERIC(5,1) NOT NULL UNIQUE,
		last_updated TIMESTAMP NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS dim_admission_o2sat (
		pk BIGSERIAL PRIMARY KEY,
		o2sat_percentage SMALLINT NOT NULL UNIQUE,
		last_updated TIMESTAMP NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS dim_assigned_location (
		pk BIGSERIAL PRIMARY KEY,
		location VARCHAR(16) NOT NULL UNIQUE,
		last_updated TIMESTAMP NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS dim_ar (
		pk BIGSERIAL PRIMARY KEY,
		admit_reason VARCHAR(80) NOT NULL UNIQUE,
		last_updated TIMESTAMP NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS dim_cc (
		pk BIGSERIAL PRIMARY KEY,
		chief_complaint VARCHAR(80) NOT NULL UNIQUE,
		last_updated TIMESTAMP NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS dim_location (
		pk BIGSERIAL PRIMARY KEY,
		country CHAR(3),
		county VARCHAR(8),
		state CHAR(2),
		zip VARCHAR(10),
		last_updated TIMESTAMP NOT NULL DEFAULT now(),
		CONSTRAINT unique_location UNIQUE (country, county, state, zip)
	)`,
	`CREATE TABLE IF NOT EXISTS dim_disposition (
		pk BIGSERIAL PRIMARY KEY,
		code SMALLINT NOT NULL UNIQUE,
		gipse_mapping VARCHAR(16) NOT NULL DEFAULT '',
		odin_mapping VARCHAR(16) NOT NULL DEFAULT '',
		description VARCHAR(150) NOT NULL DEFAULT '',
		last_updated TIMESTAMP NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS dim_facility (
		pk BIGSERIAL PRIMARY KEY,
		npi BIGINT NOT NULL UNIQUE,
		local_code CHAR(3) NOT NULL DEFAULT '',
		organization_name VARCHAR(80) NOT NULL DEFAULT '',
		zip VARCHAR(10) NOT NULL DEFAULT '',
		county VARCHAR(16) NOT NULL DEFAULT '',
		last_updated TIMESTAMP NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS dim_lab_flag (
		pk BIGSERIAL PRIMARY KEY,
		code VARCHAR(20) NOT NULL,
		code_text VARCHAR(80),
		coding VARCHAR(16),
		last_updated TIMESTAMP NOT NULL DEFAULT now(),
		CONSTRAINT unique_lab_flag UNIQUE (code, coding)
	)`,
	`CREATE TABLE IF NOT EXISTS dim_lab_result (
		pk BIGSERIAL PRIMARY KEY,
		coding VARCHAR(32),
		test_code VARCHAR(32) NOT NULL,
		test_text VARCHAR(120),
		result VARCHAR(500),
		result_unit VARCHAR(50),
		last_updated TIMESTAMP NOT NULL DEFAULT now(),
		CONSTRAINT unique_lab UNIQUE (test_code, test_text, coding, result, result_unit)
	)`,
	`CREATE TABLE IF NOT EXISTS dim_order_number (
		pk BIGSERIAL PRIMARY KEY,
		filler_order_no VARCHAR(80) NOT NULL UNIQUE,
		last_updated TIMESTAMP NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS dim_note (
		pk BIGSERIAL PRIMARY KEY,
		note VARCHAR(500) NOT NULL UNIQUE,
		last_updated TIMESTAMP NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS dim_performing_lab (
		pk BIGSERIAL PRIMARY KEY,
		local_code VARCHAR(20) UNIQUE,
		last_updated TIMESTAMP NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS dim_pregnancy (
		pk BIGSERIAL PRIMARY KEY,
		result VARCHAR(30) NOT NULL UNIQUE,
		last_updated TIMESTAMP NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS dim_race (
		pk BIGSERIAL PRIMARY KEY,
		race VARCHAR(60) NOT NULL UNIQUE,
		last_updated TIMESTAMP NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS dim_ref_range (
		pk BIGSERIAL PRIMARY KEY,
		"range" VARCHAR(16) NOT NULL UNIQUE,
		last_updated TIMESTAMP NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS dim_service_area (
		pk BIGSERIAL PRIMARY KEY,
		area VARCHAR(60) NOT NULL UNIQUE,
		last_updated TIMESTAMP NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS dim_specimen_source (
		pk BIGSERIAL PRIMARY KEY,
		source VARCHAR(20) NOT NULL UNIQUE,
		last_updated TIMESTAMP NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS dim_flu_vaccine (
		pk BIGSERIAL PRIMARY KEY,
		status VARCHAR(30) NOT NULL UNIQUE,
		last_updated TIMESTAMP NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS dim_h1n1_vaccine (
		pk BIGSERIAL PRIMARY KEY,
		status VARCHAR(30) NOT NULL UNIQUE,
		last_updated TIMESTAMP NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS dim_dx (
		pk BIGSERIAL PRIMARY KEY,
		icd9 VARCHAR(10) NOT NULL UNIQUE,
		description VARCHAR(80),
		last_updated TIMESTAMP NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS fact_visit (
		pk BIGSERIAL PRIMARY KEY,
		visit_id VARCHAR(60) NOT NULL,
		patient_class CHAR(1) NOT NULL,
		patient_id VARCHAR(60) NOT NULL,
		admit_datetime TIMESTAMP NOT NULL,
		first_message TIMESTAMP NOT NULL,
		last_message TIMESTAMP NOT NULL,
		discharge_datetime TIMESTAMP,
		age SMALLINT,
		dob INTEGER,
		gender CHAR(1) NOT NULL DEFAULT 'U',
		ever_in_icu BOOLEAN NOT NULL DEFAULT FALSE,
		influenza_test_summary SMALLINT NOT NULL DEFAULT 99,
		dim_ar_pk BIGINT REFERENCES dim_ar(pk) ON DELETE CASCADE,
		dim_cc_pk BIGINT REFERENCES dim_cc(pk) ON DELETE CASCADE,
		dim_disposition_pk BIGINT REFERENCES dim_disposition(pk) ON DELETE CASCADE,
		dim_facility_pk BIGINT NOT NULL REFERENCES dim_facility(pk) ON DELETE CASCADE,
		dim_location_pk BIGINT REFERENCES dim_location(pk) ON DELETE CASCADE,
		dim_service_area_pk BIGINT REFERENCES dim_service_area(pk) ON DELETE CASCADE,
		dim_flu_vaccine_pk BIGINT REFERENCES dim_flu_vaccine(pk) ON DELETE CASCADE,
		dim_h1n1_vaccine_pk BIGINT REFERENCES dim_h1n1_vaccine(pk) ON DELETE CASCADE,
		dim_admission_temp_pk BIGINT REFERENCES dim_admission_temp(pk) ON DELETE CASCADE,
		dim_admission_source_pk BIGINT REFERENCES dim_admission_source(pk) ON DELETE CASCADE,
		dim_admission_o2sat_pk BIGINT REFERENCES dim_admission_o2sat(pk) ON DELETE CASCADE,
		dim_assigned_location_pk BIGINT REFERENCES dim_assigned_location(pk) ON DELETE CASCADE,
		dim_pregnancy_pk BIGINT REFERENCES dim_pregnancy(pk) ON DELETE CASCADE,
		dim_race_pk BIGINT REFERENCES dim_race(pk) ON DELETE CASCADE,
		last_updated TIMESTAMP NOT NULL DEFAULT now(),
		CONSTRAINT unique_visit_patient_class UNIQUE (visit_id, patient_class)
	)`,
	`CREATE TABLE IF NOT EXISTS assoc_visit_dx (
		fact_visit_pk BIGINT NOT NULL REFERENCES fact_visit(pk) ON DELETE CASCADE,
		dim_dx_pk BIGINT NOT NULL REFERENCES dim_dx(pk) ON DELETE CASCADE,
		status CHAR(1) NOT NULL,
		dx_datetime TIMESTAMP NOT NULL,
		rank SMALLINT NOT NULL DEFAULT 0,
		last_updated TIMESTAMP NOT NULL DEFAULT now(),
		PRIMARY KEY (fact_visit_pk, dim_dx_pk, status, dx_datetime)
	)`,
	`CREATE TABLE IF NOT EXISTS assoc_visit_lab (
		fact_visit_pk BIGINT NOT NULL REFERENCES fact_visit(pk) ON DELETE CASCADE,
		dim_lab_result_pk BIGINT NOT NULL REFERENCES dim_lab_result(pk) ON DELETE CASCADE,
		dim_lab_flag_pk BIGINT REFERENCES dim_lab_flag(pk) ON DELETE CASCADE,
		dim_order_number_pk BIGINT REFERENCES dim_order_number(pk) ON DELETE CASCADE,
		dim_ref_range_pk BIGINT REFERENCES dim_ref_range(pk) ON DELETE CASCADE,
		dim_note_pk BIGINT REFERENCES dim_note(pk) ON DELETE CASCADE,
		dim_performing_lab_pk BIGINT REFERENCES dim_performing_lab(pk) ON DELETE CASCADE,
		dim_specimen_source_pk BIGINT REFERENCES dim_specimen_source(pk) ON DELETE CASCADE,
		status CHAR(1) NOT NULL,
		report_datetime TIMESTAMP,
		collection_datetime TIMESTAMP,
		last_updated TIMESTAMP NOT NULL DEFAULT now(),
		PRIMARY KEY (fact_visit_pk, dim_lab_result_pk, status)
	)`,
	`CREATE TABLE IF NOT EXISTS internal_message_processed (
		hl7_msh_id BIGINT PRIMARY KEY,
		message_datetime TIMESTAMP NOT NULL,
		visit_id VARCHAR(255) NOT NULL,
		processed_datetime TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_message_processed_visit
		ON internal_message_processed (visit_id)`,
	`CREATE TABLE IF NOT EXISTS internal_reportable_region (
		region_name VARCHAR(50) NOT NULL,
		dim_facility_pk BIGINT NOT NULL REFERENCES dim_facility(pk) ON DELETE CASCADE,
		PRIMARY KEY (region_name, dim_facility_pk)
	)`,
	`CREATE TABLE IF NOT EXISTS internal_report (
		pk BIGSERIAL PRIMARY KEY,
		processed_datetime TIMESTAMP NOT NULL,
		file_path VARCHAR(255) NOT NULL,
		report_method VARCHAR(255) NOT NULL,
		metadata VARCHAR(255)
	)`,
}

// essenceView is the flat projection the daily surveillance report reads.
const essenceView = `
	CREATE OR REPLACE VIEW essence AS
	SELECT fact_visit.pk AS visit_pk,
	       dim_facility.organization_name AS hospital,
	       to_char(fact_visit.admit_datetime, 'MM/DD/YYYY') AS visit_date,
	       to_char(fact_visit.admit_datetime, 'HH24:MI:SS') AS visit_time,
	       fact_visit.gender AS gender,
	       fact_visit.age AS age,
	       dim_cc.chief_complaint AS chief_complaint,
	       dim_location.zip AS zip,
	       dim_disposition.gipse_mapping AS gipse_disposition,
	       dim_disposition.odin_mapping AS odin_disposition,
	       fact_visit.patient_id AS patient_id,
	       fact_visit.visit_id AS visit_id,
	       fact_visit.patient_class AS patient_class,
	       dim_admission_temp.degree_fahrenheit AS measured_temperature,
	       dim_admission_o2sat.o2sat_percentage AS o2_saturation,
	       dim_flu_vaccine.status AS influenza_vaccine,
	       dim_h1n1_vaccine.status AS h1n1_vaccine
	FROM fact_visit
	LEFT JOIN dim_facility ON dim_facility.pk = dim_facility_pk
	LEFT JOIN dim_location ON dim_location.pk = dim_location_pk
	LEFT JOIN dim_cc ON dim_cc.pk = dim_cc_pk
	LEFT JOIN dim_disposition ON dim_disposition.pk = dim_disposition_pk
	LEFT JOIN dim_admission_temp ON dim_admission_temp.pk = dim_admission_temp_pk
	LEFT JOIN dim_admission_o2sat ON dim_admission_o2sat.pk = dim_admission_o2sat_pk
	LEFT JOIN dim_flu_vaccine ON dim_flu_vaccine.pk = dim_flu_vaccine_pk
	LEFT JOIN dim_h1n1_vaccine ON dim_h1n1_vaccine.pk = dim_h1n1_vaccine_pk`

// CreateTables builds the mart schema and the essence view.
func CreateTables(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create mart schema: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, essenceView); err != nil {
		return fmt.Errorf("create essence view: %w", err)
	}
	return nil
}
