package warehouse

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// prepBatchSize is how many header rows are streamed per chunk during the
// bookkeeping backfill.
const prepBatchSize = 500

// loincClinicalFindingPresent is excluded from lab chunking; it is clinical
// metadata riding the observation feed, not lab data.
const loincClinicalFindingPresent = "43140-3"

// Store provides read access to the warehouse database.
type Store struct {
	db *sqlx.DB
}

// Open connects to the warehouse. Callers own the returned store and must
// Close it.
func Open(host string, port int, database, user, password string) (*Store, error) {
	dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=disable",
		host, port, database, user, password)
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open warehouse %s: %w", database, err)
	}
	return &Store{db: db}, nil
}

// NewStore wraps an existing connection; used by tests.
func NewStore(db *sqlx.DB) *Store { return &Store{db: db} }

// SetMaxOpenConns bounds the pool; the manager sets this to the worker count
// so each worker effectively holds one connection.
func (s *Store) SetMaxOpenConns(n int) { s.db.SetMaxOpenConns(n) }

func (s *Store) Close() error { return s.db.Close() }

// MessagesSince streams every message header with hl7_msh_id greater than
// maxID, in id order, invoking fn with chunks of at most prepBatchSize rows.
func (s *Store) MessagesSince(ctx context.Context, maxID int64, fn func(batch []MessageRef) error) error {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT hl7_msh_id, message_datetime, visit_id
		FROM hl7_msh JOIN hl7_visit USING (hl7_msh_id)
		WHERE hl7_msh_id > $1
		ORDER BY hl7_msh_id`, maxID)
	if err != nil {
		return fmt.Errorf("query new messages: %w", err)
	}
	defer rows.Close()

	batch := make([]MessageRef, 0, prepBatchSize)
	for rows.Next() {
		var ref MessageRef
		if err := rows.StructScan(&ref); err != nil {
			return fmt.Errorf("scan message ref: %w", err)
		}
		batch = append(batch, ref)
		if len(batch) == prepBatchSize {
			if err := fn(batch); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return fn(batch)
	}
	return nil
}

// VisitIDsAdmittedOn returns the distinct visit ids whose admit_datetime
// falls within [date, date+1).
func (s *Store) VisitIDsAdmittedOn(ctx context.Context, date time.Time) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		SELECT DISTINCT(visit_id) FROM hl7_visit
		WHERE admit_datetime >= $1 AND admit_datetime < $2`,
		date, date.AddDate(0, 0, 1))
	if err != nil {
		return nil, fmt.Errorf("query visits admitted on %s: %w", date.Format("2006-01-02"), err)
	}
	return ids, nil
}

// FullMessages loads the messages with the given ids, ordered oldest to
// newest so the most recent info "updates" what was previously known.
func (s *Store) FullMessages(ctx context.Context, mshIDs []int64) ([]*Message, error) {
	if len(mshIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`
		SELECT m.hl7_msh_id, m.message_datetime, m.message_type,
		       m.message_control_id, m.facility,
		       v.visit_id, v.patient_class, v.patient_id, v.admit_datetime,
		       v.discharge_datetime, v.gender, v.dob, v.zip, v.country,
		       v.state, v.county, v.admission_source,
		       v.assigned_patient_location, v.chief_complaint, v.disposition,
		       v.race, v.service_code
		FROM hl7_msh m JOIN hl7_visit v USING (hl7_msh_id)
		WHERE m.hl7_msh_id IN (?)
		ORDER BY m.message_datetime`, mshIDs)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryxContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query full messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	byID := make(map[int64]*Message)
	for rows.Next() {
		m := &Message{}
		dest := []interface{}{
			&m.MSHID, &m.MessageDatetime, &m.MessageType,
			&m.MessageControlID, &m.FacilityNPI,
			&m.Visit.VisitID, &m.Visit.PatientClass, &m.Visit.PatientID,
			&m.Visit.AdmitDatetime, &m.Visit.DischargeDatetime,
			&m.Visit.Gender, &m.Visit.DOB, &m.Visit.Zip, &m.Visit.Country,
			&m.Visit.State, &m.Visit.County, &m.Visit.AdmissionSource,
			&m.Visit.AssignedPatientLocation, &m.Visit.ChiefComplaint,
			&m.Visit.Disposition, &m.Visit.Race, &m.Visit.ServiceCode,
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan full message: %w", err)
		}
		messages = append(messages, m)
		byID[m.MSHID] = m
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.attachDiagnoses(ctx, mshIDs, byID); err != nil {
		return nil, err
	}
	if err := s.attachMessageObxes(ctx, mshIDs, byID); err != nil {
		return nil, err
	}
	return messages, nil
}

func (s *Store) attachDiagnoses(ctx context.Context, mshIDs []int64, byID map[int64]*Message) error {
	query, args, err := sqlx.In(`
		SELECT hl7_msh_id, rank, dx_code, dx_description, dx_type
		FROM hl7_dx WHERE hl7_msh_id IN (?) ORDER BY hl7_msh_id, rank`, mshIDs)
	if err != nil {
		return err
	}
	rows, err := s.db.QueryxContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("query diagnoses: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var mshID int64
		var dx DiagnosisSegment
		if err := rows.Scan(&mshID, &dx.Rank, &dx.Code, &dx.Description, &dx.Type); err != nil {
			return fmt.Errorf("scan diagnosis: %w", err)
		}
		if m := byID[mshID]; m != nil {
			m.Diagnoses = append(m.Diagnoses, dx)
		}
	}
	return rows.Err()
}

const obxColumns = `hl7_obx_id, observation_id, observation_text, coding,
	alt_id, alt_text, alt_coding, observation_result, units, sequence,
	result_status, reference_range, performing_lab_code,
	abnorm_id, abnorm_text, abnorm_coding,
	alt_abnorm_id, alt_abnorm_text, alt_abnorm_coding`

func scanObx(rows *sqlx.Rows, parentID *int64, obx *ObxSegment) error {
	return rows.Scan(parentID,
		&obx.OBXID, &obx.ObservationID, &obx.ObservationText, &obx.Coding,
		&obx.AltID, &obx.AltText, &obx.AltCoding, &obx.ObservationResult,
		&obx.Units, &obx.Sequence, &obx.ResultStatus, &obx.ReferenceRange,
		&obx.PerformingLabCode,
		&obx.AbnormID, &obx.AbnormText, &obx.AbnormCoding,
		&obx.AltAbnormID, &obx.AltAbnormText, &obx.AltAbnormCoding)
}

func (s *Store) attachMessageObxes(ctx context.Context, mshIDs []int64, byID map[int64]*Message) error {
	query, args, err := sqlx.In(`
		SELECT hl7_msh_id, `+obxColumns+`
		FROM hl7_obx WHERE hl7_msh_id IN (?) ORDER BY hl7_msh_id, hl7_obx_id`, mshIDs)
	if err != nil {
		return err
	}
	rows, err := s.db.QueryxContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("query message obxes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var mshID int64
		var obx ObxSegment
		if err := scanObx(rows, &mshID, &obx); err != nil {
			return fmt.Errorf("scan obx: %w", err)
		}
		if m := byID[mshID]; m != nil {
			m.Obxes = append(m.Obxes, obx)
		}
	}
	return rows.Err()
}

// Observations loads the OBR/OBX pairs for the given messages, in obr then
// obx order, excluding the clinical-finding pseudo code. SQL null handling is
// odd here: loinc_code <> 'x' excludes undefined loinc codes, so the null
// case is admitted explicitly.
func (s *Store) Observations(ctx context.Context, mshIDs []int64) ([]*Observation, error) {
	if len(mshIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`
		SELECT hl7_msh_id, hl7_obr_id, observation_datetime, report_datetime,
		       status, loinc_code, loinc_text, alt_code, alt_text, coding,
		       alt_coding, specimen_source, filler_order_no
		FROM hl7_obr
		WHERE hl7_msh_id IN (?)
		  AND (loinc_code <> ? OR loinc_code IS NULL)
		ORDER BY hl7_obr_id`, mshIDs, loincClinicalFindingPresent)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryxContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query observations: %w", err)
	}
	defer rows.Close()

	var observations []*Observation
	byOBR := make(map[int64]*Observation)
	for rows.Next() {
		o := &Observation{}
		if err := rows.StructScan(o); err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		observations = append(observations, o)
		byOBR[o.OBRID] = o
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(observations) == 0 {
		return nil, nil
	}

	obrIDs := make([]int64, 0, len(observations))
	for _, o := range observations {
		obrIDs = append(obrIDs, o.OBRID)
	}
	query, args, err = sqlx.In(`
		SELECT hl7_obr_id, `+obxColumns+`
		FROM hl7_obx WHERE hl7_obr_id IN (?) ORDER BY hl7_obr_id, hl7_obx_id`, obrIDs)
	if err != nil {
		return nil, err
	}
	rows, err = s.db.QueryxContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query observation obxes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var obrID int64
		var obx ObxSegment
		if err := scanObx(rows, &obrID, &obx); err != nil {
			return nil, fmt.Errorf("scan observation obx: %w", err)
		}
		if o := byOBR[obrID]; o != nil {
			o.Obxes = append(o.Obxes, obx)
		}
	}
	return observations, rows.Err()
}

// Notes returns the NTE rows referencing any of the given obr or obx ids,
// ordered for deterministic stitching.
func (s *Store) Notes(ctx context.Context, obrIDs, obxIDs []int64) ([]NoteSegment, error) {
	if len(obrIDs) == 0 && len(obxIDs) == 0 {
		return nil, nil
	}
	// sqlx.In rejects empty slices; substitute an impossible id.
	if len(obrIDs) == 0 {
		obrIDs = []int64{-1}
	}
	if len(obxIDs) == 0 {
		obxIDs = []int64{-1}
	}
	query, args, err := sqlx.In(`
		SELECT hl7_obr_id, hl7_obx_id, sequence_number, note
		FROM hl7_nte
		WHERE hl7_obr_id IN (?) OR hl7_obx_id IN (?)
		ORDER BY hl7_obr_id, hl7_obx_id, sequence_number`, obrIDs, obxIDs)
	if err != nil {
		return nil, err
	}
	var notes []NoteSegment
	if err := s.db.SelectContext(ctx, &notes, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("query notes: %w", err)
	}
	return notes, nil
}
