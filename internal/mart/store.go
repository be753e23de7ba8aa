package mart

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/pheme-project/longitudinal/internal/warehouse"
)

// Visit mirrors one fact_visit row. Dimension foreign keys are nullable; a
// zero NullInt64 stays NULL until the worker resolves the dimension.
type Visit struct {
	PK                   int64
	VisitID              string
	PatientClass         string
	PatientID            string
	AdmitDatetime        *time.Time
	FirstMessage         time.Time
	LastMessage          time.Time
	DischargeDatetime    *time.Time
	Age                  *int
	DOB                  *int
	Gender               string
	EverInICU            bool
	InfluenzaTestSummary int

	AdmitReasonPK      sql.NullInt64
	ChiefComplaintPK   sql.NullInt64
	DispositionPK      sql.NullInt64
	FacilityPK         sql.NullInt64
	LocationPK         sql.NullInt64
	ServiceAreaPK      sql.NullInt64
	FluVaccinePK       sql.NullInt64
	H1N1VaccinePK      sql.NullInt64
	AdmissionTempPK    sql.NullInt64
	AdmissionSourcePK  sql.NullInt64
	AdmissionO2satPK   sql.NullInt64
	AssignedLocationPK sql.NullInt64
	PregnancyPK        sql.NullInt64
	RacePK             sql.NullInt64
}

// SetDimension stores a resolved dimension primary key on the visit record.
// Tags without a fact_visit foreign-key column (lab dimensions, diagnoses)
// are an error; those keys belong on the association rows.
func (v *Visit) SetDimension(tag Tag, pk int64) error {
	val := sql.NullInt64{Int64: pk, Valid: true}
	switch tag {
	case DimAdmitReason:
		v.AdmitReasonPK = val
	case DimChiefComplaint:
		v.ChiefComplaintPK = val
	case DimDisposition:
		v.DispositionPK = val
	case DimFacility:
		v.FacilityPK = val
	case DimLocation:
		v.LocationPK = val
	case DimServiceArea:
		v.ServiceAreaPK = val
	case DimFluVaccine:
		v.FluVaccinePK = val
	case DimH1N1Vaccine:
		v.H1N1VaccinePK = val
	case DimAdmissionTemp:
		v.AdmissionTempPK = val
	case DimAdmissionSource:
		v.AdmissionSourcePK = val
	case DimAdmissionO2sat:
		v.AdmissionO2satPK = val
	case DimAssignedLocation:
		v.AssignedLocationPK = val
	case DimPregnancy:
		v.PregnancyPK = val
	case DimRace:
		v.RacePK = val
	default:
		return fmt.Errorf("dimension %q has no fact_visit column", tag)
	}
	return nil
}

// Dimension returns the stored foreign key for a fact_visit dimension; the
// mirror of SetDimension.
func (v *Visit) Dimension(tag Tag) (sql.NullInt64, error) {
	switch tag {
	case DimAdmitReason:
		return v.AdmitReasonPK, nil
	case DimChiefComplaint:
		return v.ChiefComplaintPK, nil
	case DimDisposition:
		return v.DispositionPK, nil
	case DimFacility:
		return v.FacilityPK, nil
	case DimLocation:
		return v.LocationPK, nil
	case DimServiceArea:
		return v.ServiceAreaPK, nil
	case DimFluVaccine:
		return v.FluVaccinePK, nil
	case DimH1N1Vaccine:
		return v.H1N1VaccinePK, nil
	case DimAdmissionTemp:
		return v.AdmissionTempPK, nil
	case DimAdmissionSource:
		return v.AdmissionSourcePK, nil
	case DimAdmissionO2sat:
		return v.AdmissionO2satPK, nil
	case DimAssignedLocation:
		return v.AssignedLocationPK, nil
	case DimPregnancy:
		return v.PregnancyPK, nil
	case DimRace:
		return v.RacePK, nil
	default:
		return sql.NullInt64{}, fmt.Errorf("dimension %q has no fact_visit column", tag)
	}
}

// DxKey is the deduplication identity of a visit/diagnosis association.
type DxKey struct {
	ICD9   string
	Status string
}

// DxAssociation is one assoc_visit_dx row to insert.
type DxAssociation struct {
	DxPK       int64
	Status     string
	DxDatetime time.Time
	Rank       int
}

// LabKey is the deduplication identity of a visit/lab association, matching
// the identifying fields of dim_lab_result plus the OBR status.
type LabKey struct {
	TestCode string
	TestText string
	Coding   string
	Result   string
	Units    string
	Status   string
}

// LabAssociation is one assoc_visit_lab row to insert. Only the lab result
// key is mandatory; the satellite dimensions stay NULL when absent.
type LabAssociation struct {
	LabResultPK        int64
	Status             string
	ReportDatetime     *time.Time
	CollectionDatetime *time.Time
	LabFlagPK          sql.NullInt64
	OrderNumberPK      sql.NullInt64
	RefRangePK         sql.NullInt64
	NotePK             sql.NullInt64
	PerformingLabPK    sql.NullInt64
	SpecimenSourcePK   sql.NullInt64
}

// Store is the data mart session. Unlike the warehouse it is read-write:
// dimension inserts autocommit on the pool, visit updates run in explicit
// transactions.
type Store struct {
	db *sql.DB
}

// Open connects to the mart database.
func Open(host string, port int, dbname, user, password string) (*Store, error) {
	dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=disable",
		host, port, dbname, user, password)
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mart: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mart: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStore wraps an existing handle; used by tests with a mock driver.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying pool for the select-or-insert primitive.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) SetMaxOpenConns(n int) { s.db.SetMaxOpenConns(n) }

// Begin opens the per-visit commit transaction.
func (s *Store) Begin(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// MaxProcessedID returns the highest warehouse message id bookkeeping has
// seen, or 0 when the table is empty.
func (s *Store) MaxProcessedID(ctx context.Context) (int64, error) {
	var maxID sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT max(hl7_msh_id) FROM internal_message_processed`).Scan(&maxID)
	if err != nil {
		return 0, fmt.Errorf("max processed id: %w", err)
	}
	return maxID.Int64, nil
}

// InsertProcessedBatch records newly discovered warehouse messages as
// unprocessed. One multi-row insert per batch.
func (s *Store) InsertProcessedBatch(ctx context.Context, refs []warehouse.MessageRef) error {
	if len(refs) == 0 {
		return nil
	}
	params := make([]string, 0, len(refs))
	args := make([]any, 0, len(refs)*3)
	for i, ref := range refs {
		n := i * 3
		params = append(params, fmt.Sprintf("($%d, $%d, $%d)", n+1, n+2, n+3))
		args = append(args, ref.MSHID, ref.MessageDatetime, ref.VisitID)
	}
	query := `INSERT INTO internal_message_processed (hl7_msh_id, message_datetime, visit_id) VALUES ` +
		strings.Join(params, ", ")
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert processed batch: %w", err)
	}
	return nil
}

// UnprocessedVisitIDs returns every distinct visit with at least one
// unprocessed message.
func (s *Store) UnprocessedVisitIDs(ctx context.Context) ([]string, error) {
	return s.visitIDs(ctx,
		`SELECT DISTINCT visit_id FROM internal_message_processed
		 WHERE processed_datetime IS NULL`)
}

// UnprocessedVisitIDsAmong restricts the unprocessed set to the given visits;
// used by single-day runs where the day's visits come from the warehouse.
func (s *Store) UnprocessedVisitIDsAmong(ctx context.Context, visitIDs []string) ([]string, error) {
	if len(visitIDs) == 0 {
		return nil, nil
	}
	params := make([]string, len(visitIDs))
	args := make([]any, len(visitIDs))
	for i, id := range visitIDs {
		params[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	query := fmt.Sprintf(
		`SELECT DISTINCT visit_id FROM internal_message_processed
		 WHERE processed_datetime IS NULL AND visit_id IN (%s)`,
		strings.Join(params, ", "))
	return s.visitIDs(ctx, query, args...)
}

func (s *Store) visitIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("unprocessed visits: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UnprocessedMessageIDs returns the warehouse ids of this visit's pending
// messages, oldest first.
func (s *Store) UnprocessedMessageIDs(ctx context.Context, visitID string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT hl7_msh_id FROM internal_message_processed
		 WHERE processed_datetime IS NULL AND visit_id = $1
		 ORDER BY message_datetime`, visitID)
	if err != nil {
		return nil, fmt.Errorf("unprocessed messages for %s: %w", visitID, err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkVisitProcessed transitions every pending message of the visit to done.
// Runs outside the visit transaction: by this point the visit has committed,
// and a crash between the two leaves the messages retryable, not lost.
func (s *Store) MarkVisitProcessed(ctx context.Context, visitID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE internal_message_processed SET processed_datetime = now()
		 WHERE processed_datetime IS NULL AND visit_id = $1`, visitID)
	if err != nil {
		return fmt.Errorf("mark visit %s processed: %w", visitID, err)
	}
	return nil
}

const visitColumns = `pk, visit_id, patient_class, patient_id, admit_datetime,
	first_message, last_message, discharge_datetime, age, dob, gender,
	ever_in_icu, influenza_test_summary,
	dim_ar_pk, dim_cc_pk, dim_disposition_pk, dim_facility_pk, dim_location_pk,
	dim_service_area_pk, dim_flu_vaccine_pk, dim_h1n1_vaccine_pk,
	dim_admission_temp_pk, dim_admission_source_pk, dim_admission_o2sat_pk,
	dim_assigned_location_pk, dim_pregnancy_pk, dim_race_pk`

func scanVisit(rows *sql.Rows) (*Visit, error) {
	var v Visit
	var admit, discharge sql.NullTime
	var age, dob sql.NullInt64
	err := rows.Scan(&v.PK, &v.VisitID, &v.PatientClass, &v.PatientID, &admit,
		&v.FirstMessage, &v.LastMessage, &discharge, &age, &dob, &v.Gender,
		&v.EverInICU, &v.InfluenzaTestSummary,
		&v.AdmitReasonPK, &v.ChiefComplaintPK, &v.DispositionPK, &v.FacilityPK,
		&v.LocationPK, &v.ServiceAreaPK, &v.FluVaccinePK, &v.H1N1VaccinePK,
		&v.AdmissionTempPK, &v.AdmissionSourcePK, &v.AdmissionO2satPK,
		&v.AssignedLocationPK, &v.PregnancyPK, &v.RacePK)
	if err != nil {
		return nil, err
	}
	if admit.Valid {
		t := admit.Time
		v.AdmitDatetime = &t
	}
	if discharge.Valid {
		t := discharge.Time
		v.DischargeDatetime = &t
	}
	if age.Valid {
		n := int(age.Int64)
		v.Age = &n
	}
	if dob.Valid {
		n := int(dob.Int64)
		v.DOB = &n
	}
	return &v, nil
}

// VisitsByID loads every persisted visit row for the id, one per patient
// class.
func (s *Store) VisitsByID(ctx context.Context, visitID string) ([]*Visit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+visitColumns+` FROM fact_visit WHERE visit_id = $1`, visitID)
	if err != nil {
		return nil, fmt.Errorf("load visits for %s: %w", visitID, err)
	}
	defer rows.Close()
	var visits []*Visit
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, err
		}
		visits = append(visits, v)
	}
	return visits, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}

// InsertVisit persists a newly built visit and fills in its primary key.
// Runs on the pool, not the commit transaction, so the row is immediately
// referenceable by association inserts.
func (s *Store) InsertVisit(ctx context.Context, v *Visit) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO fact_visit (visit_id, patient_class, patient_id,
			admit_datetime, first_message, last_message, discharge_datetime,
			age, dob, gender, ever_in_icu, influenza_test_summary,
			dim_ar_pk, dim_cc_pk, dim_disposition_pk, dim_facility_pk,
			dim_location_pk, dim_service_area_pk, dim_flu_vaccine_pk,
			dim_h1n1_vaccine_pk, dim_admission_temp_pk, dim_admission_source_pk,
			dim_admission_o2sat_pk, dim_assigned_location_pk, dim_pregnancy_pk,
			dim_race_pk, last_updated)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, now())
		 RETURNING pk`,
		v.VisitID, v.PatientClass, v.PatientID, nullTime(v.AdmitDatetime),
		v.FirstMessage, v.LastMessage, nullTime(v.DischargeDatetime),
		nullInt(v.Age), nullInt(v.DOB), v.Gender, v.EverInICU,
		v.InfluenzaTestSummary,
		v.AdmitReasonPK, v.ChiefComplaintPK, v.DispositionPK, v.FacilityPK,
		v.LocationPK, v.ServiceAreaPK, v.FluVaccinePK, v.H1N1VaccinePK,
		v.AdmissionTempPK, v.AdmissionSourcePK, v.AdmissionO2satPK,
		v.AssignedLocationPK, v.PregnancyPK, v.RacePK).Scan(&v.PK)
	if err != nil {
		return fmt.Errorf("insert visit %s/%s: %w", v.VisitID, v.PatientClass, err)
	}
	return nil
}

// UpdateVisit rewrites the mutable columns of a visit inside the commit
// transaction.
func (s *Store) UpdateVisit(ctx context.Context, tx *sql.Tx, v *Visit) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE fact_visit SET admit_datetime = $1, first_message = $2,
			last_message = $3, discharge_datetime = $4, age = $5, dob = $6,
			gender = $7, ever_in_icu = $8, influenza_test_summary = $9,
			dim_ar_pk = $10, dim_cc_pk = $11, dim_disposition_pk = $12,
			dim_facility_pk = $13, dim_location_pk = $14,
			dim_service_area_pk = $15, dim_flu_vaccine_pk = $16,
			dim_h1n1_vaccine_pk = $17, dim_admission_temp_pk = $18,
			dim_admission_source_pk = $19, dim_admission_o2sat_pk = $20,
			dim_assigned_location_pk = $21, dim_pregnancy_pk = $22,
			dim_race_pk = $23, last_updated = now()
		 WHERE pk = $24`,
		nullTime(v.AdmitDatetime), v.FirstMessage, v.LastMessage,
		nullTime(v.DischargeDatetime), nullInt(v.Age), nullInt(v.DOB),
		v.Gender, v.EverInICU, v.InfluenzaTestSummary,
		v.AdmitReasonPK, v.ChiefComplaintPK, v.DispositionPK, v.FacilityPK,
		v.LocationPK, v.ServiceAreaPK, v.FluVaccinePK, v.H1N1VaccinePK,
		v.AdmissionTempPK, v.AdmissionSourcePK, v.AdmissionO2satPK,
		v.AssignedLocationPK, v.PregnancyPK, v.RacePK, v.PK)
	if err != nil {
		return fmt.Errorf("update visit %d: %w", v.PK, err)
	}
	return nil
}

// DxKeys returns the deduplication identities of the visit's existing
// diagnosis associations.
func (s *Store) DxKeys(ctx context.Context, visitPK int64) (map[DxKey]struct{}, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT dim_dx.icd9, assoc_visit_dx.status
		 FROM assoc_visit_dx
		 JOIN dim_dx ON dim_dx.pk = assoc_visit_dx.dim_dx_pk
		 WHERE assoc_visit_dx.fact_visit_pk = $1`, visitPK)
	if err != nil {
		return nil, fmt.Errorf("load dx associations: %w", err)
	}
	defer rows.Close()
	keys := make(map[DxKey]struct{})
	for rows.Next() {
		var k DxKey
		if err := rows.Scan(&k.ICD9, &k.Status); err != nil {
			return nil, err
		}
		keys[k] = struct{}{}
	}
	return keys, rows.Err()
}

// InsertDxAssociations appends new diagnosis associations for the visit.
func (s *Store) InsertDxAssociations(ctx context.Context, tx *sql.Tx, visitPK int64, assocs []DxAssociation) error {
	for _, a := range assocs {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO assoc_visit_dx
				(fact_visit_pk, dim_dx_pk, status, dx_datetime, rank, last_updated)
			 VALUES ($1, $2, $3, $4, $5, now())`,
			visitPK, a.DxPK, a.Status, a.DxDatetime, a.Rank)
		if err != nil {
			return fmt.Errorf("insert dx association: %w", err)
		}
	}
	return nil
}

// LabKeys returns the deduplication identities of the visit's existing lab
// associations.
func (s *Store) LabKeys(ctx context.Context, visitPK int64) (map[LabKey]struct{}, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT coalesce(lr.test_code, ''), coalesce(lr.test_text, ''),
			coalesce(lr.coding, ''), coalesce(lr.result, ''),
			coalesce(lr.result_unit, ''), al.status
		 FROM assoc_visit_lab al
		 JOIN dim_lab_result lr ON lr.pk = al.dim_lab_result_pk
		 WHERE al.fact_visit_pk = $1`, visitPK)
	if err != nil {
		return nil, fmt.Errorf("load lab associations: %w", err)
	}
	defer rows.Close()
	keys := make(map[LabKey]struct{})
	for rows.Next() {
		var k LabKey
		if err := rows.Scan(&k.TestCode, &k.TestText, &k.Coding, &k.Result, &k.Units, &k.Status); err != nil {
			return nil, err
		}
		keys[k] = struct{}{}
	}
	return keys, rows.Err()
}

// InsertLabAssociations appends new lab associations for the visit.
func (s *Store) InsertLabAssociations(ctx context.Context, tx *sql.Tx, visitPK int64, assocs []LabAssociation) error {
	for _, a := range assocs {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO assoc_visit_lab
				(fact_visit_pk, dim_lab_result_pk, status, report_datetime,
				 collection_datetime, dim_lab_flag_pk, dim_order_number_pk,
				 dim_ref_range_pk, dim_note_pk, dim_performing_lab_pk,
				 dim_specimen_source_pk, last_updated)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())`,
			visitPK, a.LabResultPK, a.Status, nullTime(a.ReportDatetime),
			nullTime(a.CollectionDatetime), a.LabFlagPK, a.OrderNumberPK,
			a.RefRangePK, a.NotePK, a.PerformingLabPK, a.SpecimenSourcePK)
		if err != nil {
			return fmt.Errorf("insert lab association: %w", err)
		}
	}
	return nil
}

// RegionExists reports whether a reportable region is configured.
func (s *Store) RegionExists(ctx context.Context, region string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM internal_reportable_region WHERE region_name = $1`,
		region).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("region lookup: %w", err)
	}
	return n > 0, nil
}

// RecordReport notes a generated report file for audit.
func (s *Store) RecordReport(ctx context.Context, filePath, method, metadata string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO internal_report (processed_datetime, file_path, report_method, metadata)
		 VALUES (now(), $1, $2, $3)`, filePath, method, metadata)
	if err != nil {
		return fmt.Errorf("record report: %w", err)
	}
	return nil
}
