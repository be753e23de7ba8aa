// Package warehouse is the read model over the upstream HL7 data warehouse.
//
// The warehouse is append-only: hl7_msh ids are a monotonically increasing
// sequence, and rows are never updated. Everything here is read-only; the
// mart keeps its own bookkeeping of which messages it has consumed.
package warehouse

import (
	"database/sql"
	"time"
)

// Message types seen in the feed that the engine cares about.
const (
	MessageTypeORM = "ORM^O01^ORM_O01"
	MessageTypeORU = "ORU^R01^ORU_R01"
)

// MessageRef is the minimal identity of a warehouse message, used by the
// bookkeeping backfill.
type MessageRef struct {
	MSHID           int64     `db:"hl7_msh_id"`
	MessageDatetime time.Time `db:"message_datetime"`
	VisitID         string    `db:"visit_id"`
}

// VisitSegment carries the PID/PV1/PV2 derived fields of a message.
// Empty strings stand for absent components.
type VisitSegment struct {
	VisitID                 string         `db:"visit_id"`
	PatientClass            string         `db:"patient_class"`
	PatientID               string         `db:"patient_id"`
	AdmitDatetime           sql.NullTime   `db:"admit_datetime"`
	DischargeDatetime       sql.NullTime   `db:"discharge_datetime"`
	Gender                  sql.NullString `db:"gender"`
	DOB                     sql.NullString `db:"dob"`
	Zip                     sql.NullString `db:"zip"`
	Country                 sql.NullString `db:"country"`
	State                   sql.NullString `db:"state"`
	County                  sql.NullString `db:"county"`
	AdmissionSource         sql.NullString `db:"admission_source"`
	AssignedPatientLocation sql.NullString `db:"assigned_patient_location"`
	ChiefComplaint          sql.NullString `db:"chief_complaint"`
	Disposition             sql.NullString `db:"disposition"`
	Race                    sql.NullString `db:"race"`
	ServiceCode             sql.NullString `db:"service_code"`
}

// DiagnosisSegment is one DG1 row of a message.
type DiagnosisSegment struct {
	Rank        int            `db:"rank"`
	Code        sql.NullString `db:"dx_code"`
	Description sql.NullString `db:"dx_description"`
	Type        sql.NullString `db:"dx_type"`
}

// ObxSegment is one OBX row, either attached to a full message or to an
// observation request (OBR).
type ObxSegment struct {
	OBXID             int64          `db:"hl7_obx_id"`
	ObservationID     sql.NullString `db:"observation_id"`
	ObservationText   sql.NullString `db:"observation_text"`
	Coding            sql.NullString `db:"coding"`
	AltID             sql.NullString `db:"alt_id"`
	AltText           sql.NullString `db:"alt_text"`
	AltCoding         sql.NullString `db:"alt_coding"`
	ObservationResult sql.NullString `db:"observation_result"`
	Units             sql.NullString `db:"units"`
	Sequence          sql.NullString `db:"sequence"`
	ResultStatus      sql.NullString `db:"result_status"`
	ReferenceRange    sql.NullString `db:"reference_range"`
	PerformingLabCode sql.NullString `db:"performing_lab_code"`
	AbnormID          sql.NullString `db:"abnorm_id"`
	AbnormText        sql.NullString `db:"abnorm_text"`
	AbnormCoding      sql.NullString `db:"abnorm_coding"`
	AltAbnormID       sql.NullString `db:"alt_abnorm_id"`
	AltAbnormText     sql.NullString `db:"alt_abnorm_text"`
	AltAbnormCoding   sql.NullString `db:"alt_abnorm_coding"`
}

// Message is the full view of one HL7 message: header, visit segment,
// diagnoses and observation results.
type Message struct {
	MSHID            int64     `db:"hl7_msh_id"`
	MessageDatetime  time.Time `db:"message_datetime"`
	MessageType      string    `db:"message_type"`
	MessageControlID string    `db:"message_control_id"`
	FacilityNPI      int64     `db:"facility"`
	Visit            VisitSegment
	Diagnoses        []DiagnosisSegment
	Obxes            []ObxSegment
}

// Observation is one OBR with its OBX children, the unit the lab state
// machine consumes.
type Observation struct {
	MSHID               int64          `db:"hl7_msh_id"`
	OBRID               int64          `db:"hl7_obr_id"`
	ObservationDatetime sql.NullTime   `db:"observation_datetime"`
	ReportDatetime      sql.NullTime   `db:"report_datetime"`
	Status              sql.NullString `db:"status"`
	LoincCode           sql.NullString `db:"loinc_code"`
	LoincText           sql.NullString `db:"loinc_text"`
	AltCode             sql.NullString `db:"alt_code"`
	AltText             sql.NullString `db:"alt_text"`
	Coding              sql.NullString `db:"coding"`
	AltCoding           sql.NullString `db:"alt_coding"`
	SpecimenSource      sql.NullString `db:"specimen_source"`
	FillerOrderNo       sql.NullString `db:"filler_order_no"`
	Obxes               []ObxSegment
}

// NoteSegment is one NTE row, attached to an OBR or (when OBXID is valid)
// a specific OBX.
type NoteSegment struct {
	OBRID          int64         `db:"hl7_obr_id"`
	OBXID          sql.NullInt64 `db:"hl7_obx_id"`
	SequenceNumber int           `db:"sequence_number"`
	Note           string        `db:"note"`
}
