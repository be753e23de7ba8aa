package visit

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pheme-project/longitudinal/internal/hl7"
	"github.com/pheme-project/longitudinal/internal/labs"
	"github.com/pheme-project/longitudinal/internal/mart"
	"github.com/pheme-project/longitudinal/internal/warehouse"
)

var errLabsAlreadySet = errors.New("labs already attached to surrogate")

// icuServiceAreas are the service area codes that imply intensive care.
var icuServiceAreas = map[string]bool{"INT": true, "PIN": true}

// Surrogate is the in-memory stand-in for one (visit_id, patient_class)
// fact row during a worker run. Scalar fields follow "last non-empty wins";
// messages arrive in ascending message_datetime, so later values overwrite
// earlier ones. Dimension values accumulate untranslated and are resolved to
// foreign keys only at commit.
type Surrogate struct {
	Record *mart.Visit

	isNew   bool
	changed bool

	dims      map[mart.Tag]mart.Values
	diagnoses map[DxIdentity]SurrogateDiagnosis
	dxOrder   []DxIdentity
	labs      []*labs.SurrogateLab
	labsSet   bool
	clinical  map[string]ClinicalInfo
}

func newSurrogate(record *mart.Visit, isNew bool) *Surrogate {
	return &Surrogate{
		Record:    record,
		isNew:     isNew,
		changed:   isNew,
		dims:      make(map[mart.Tag]mart.Values),
		diagnoses: make(map[DxIdentity]SurrogateDiagnosis),
		clinical:  make(map[string]ClinicalInfo),
	}
}

// Wrap builds a surrogate around an already-persisted visit row.
func Wrap(record *mart.Visit) *Surrogate {
	return newSurrogate(record, false)
}

// New builds a surrogate for a visit the mart has never seen. The record
// starts with the feed's conventions: unknown gender, influenza summary 99
// (not tested).
func New(visitID, patientClass, patientID string, messageDatetime time.Time) *Surrogate {
	return newSurrogate(&mart.Visit{
		VisitID:              visitID,
		PatientClass:         patientClass,
		PatientID:            patientID,
		FirstMessage:         messageDatetime,
		LastMessage:          messageDatetime,
		Gender:               "U",
		InfluenzaTestSummary: 99,
	}, true)
}

// IsNew reports whether the record still needs an insert.
func (s *Surrogate) IsNew() bool { return s.isNew }

// MarkPersisted flips a new surrogate to persisted once its insert assigned
// a primary key.
func (s *Surrogate) MarkPersisted() { s.isNew = false }

// Changed reports whether anything on the record or its associations moved
// since load; unchanged surrogates skip their commit.
func (s *Surrogate) Changed() bool { return s.changed }

// MarkChanged forces a commit; the worker uses it when a resolved dimension
// foreign key differs from the stored one.
func (s *Surrogate) MarkChanged() { s.changed = true }

// Stale reports whether a message datetime precedes what the visit has
// already absorbed, which means an out-of-order duplicate.
func (s *Surrogate) Stale(messageDatetime time.Time) bool {
	return messageDatetime.Before(s.Record.LastMessage)
}

// ObserveMessage widens the first/last message window.
func (s *Surrogate) ObserveMessage(messageDatetime time.Time) {
	if messageDatetime.Before(s.Record.FirstMessage) {
		s.Record.FirstMessage = messageDatetime
		s.changed = true
	}
	if messageDatetime.After(s.Record.LastMessage) {
		s.Record.LastMessage = messageDatetime
		s.changed = true
	}
}

// ExtendMessageWindow widens the window by the min/max datetimes of the
// no-class observation messages, which carry no surrogate of their own.
func (s *Surrogate) ExtendMessageWindow(min, max time.Time) {
	if !min.IsZero() {
		s.ObserveMessage(min)
	}
	if !max.IsZero() {
		s.ObserveMessage(max)
	}
}

func (s *Surrogate) SetAdmitDatetime(t sql.NullTime) {
	if !t.Valid {
		return
	}
	if s.Record.AdmitDatetime == nil || !s.Record.AdmitDatetime.Equal(t.Time) {
		admit := t.Time
		s.Record.AdmitDatetime = &admit
		s.changed = true
	}
}

func (s *Surrogate) SetDischargeDatetime(t sql.NullTime) {
	if !t.Valid {
		return
	}
	if s.Record.DischargeDatetime == nil || !s.Record.DischargeDatetime.Equal(t.Time) {
		discharge := t.Time
		s.Record.DischargeDatetime = &discharge
		s.changed = true
	}
}

func (s *Surrogate) SetGender(gender sql.NullString) {
	if !gender.Valid || gender.String == "" {
		return
	}
	if s.Record.Gender != gender.String {
		s.Record.Gender = gender.String
		s.changed = true
	}
}

// SetDOB accepts the feed's numeric date of birth, either YYYYMMDD or the
// month-precision YYYYMM, which gets a mid-month day so age math stays sane.
func (s *Surrogate) SetDOB(dob sql.NullString) error {
	if !dob.Valid || dob.String == "" {
		return nil
	}
	raw := strings.TrimSpace(dob.String)
	switch len(raw) {
	case 6:
		raw += "15"
	case 8:
	default:
		return fmt.Errorf("dob %q is neither YYYYMMDD nor YYYYMM", raw)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("dob %q: %w", raw, err)
	}
	if s.Record.DOB == nil || *s.Record.DOB != n {
		s.Record.DOB = &n
		s.changed = true
	}
	return nil
}

// SetAge records a directly observed age; nil clears nothing.
func (s *Surrogate) SetAge(age int) {
	if s.Record.Age == nil || *s.Record.Age != age {
		s.Record.Age = &age
		s.changed = true
	}
}

func (s *Surrogate) setDim(tag mart.Tag, values mart.Values) {
	s.dims[tag] = values
}

func (s *Surrogate) SetAdmissionSource(code sql.NullString) {
	if code.Valid && code.String != "" {
		s.setDim(mart.DimAdmissionSource, mart.Values{"code": code.String})
	}
}

// SetAssignedLocation records the location and raises ever_in_icu when the
// location names an intensive or acute care unit.
func (s *Surrogate) SetAssignedLocation(location sql.NullString) {
	if !location.Valid || location.String == "" {
		return
	}
	loc := location.String
	s.setDim(mart.DimAssignedLocation, mart.Values{"location": loc})
	if strings.HasSuffix(loc, "ICU") || strings.HasSuffix(loc, "ACU") || loc == "ACUI" {
		s.raiseEverInICU()
	}
}

// SetChiefComplaint feeds both the chief complaint and the admit reason
// dimensions; the feed has no separate admit reason field.
func (s *Surrogate) SetChiefComplaint(cc sql.NullString) {
	if !cc.Valid || cc.String == "" {
		return
	}
	s.setDim(mart.DimChiefComplaint, mart.Values{"chief_complaint": cc.String})
	s.setDim(mart.DimAdmitReason, mart.Values{"admit_reason": cc.String})
}

func (s *Surrogate) SetDisposition(code sql.NullString) error {
	if !code.Valid || code.String == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(code.String))
	if err != nil {
		return fmt.Errorf("disposition %q: %w", code.String, err)
	}
	s.setDim(mart.DimDisposition, mart.Values{"code": n})
	return nil
}

// SetLocation combines the demographic fields into the single location
// dimension. Empty components become NULL; an all-empty tuple is skipped.
func (s *Surrogate) SetLocation(country, county, state, zip sql.NullString) {
	values := mart.Values{
		"country": nullable(country),
		"county":  nullable(county),
		"state":   nullable(state),
		"zip":     nullable(zip),
	}
	for _, v := range values {
		if v != nil {
			s.setDim(mart.DimLocation, values)
			return
		}
	}
}

func (s *Surrogate) SetRace(race sql.NullString) {
	if race.Valid && race.String != "" {
		s.setDim(mart.DimRace, mart.Values{"race": race.String})
	}
}

// SetServiceArea records the area and raises ever_in_icu for the intensive
// care service codes.
func (s *Surrogate) SetServiceArea(area sql.NullString) {
	if !area.Valid || area.String == "" {
		return
	}
	s.setDim(mart.DimServiceArea, mart.Values{"area": area.String})
	if icuServiceAreas[area.String] {
		s.raiseEverInICU()
	}
}

// SetFacility records the sending facility's npi. Facilities are static
// data; resolution fails for an npi the bootstrap never loaded.
func (s *Surrogate) SetFacility(npi int64) {
	s.setDim(mart.DimFacility, mart.Values{"npi": npi})
}

func (s *Surrogate) raiseEverInICU() {
	if !s.Record.EverInICU {
		s.Record.EverInICU = true
		s.changed = true
	}
}

// AddDiagnosis accumulates one diagnosis. Diagnoses without an icd9 code are
// noise and skipped; a zero dx_datetime falls back to the message datetime.
func (s *Surrogate) AddDiagnosis(d SurrogateDiagnosis, messageDatetime time.Time) {
	if d.ICD9 == "" {
		return
	}
	if d.DxDatetime.IsZero() {
		d.DxDatetime = messageDatetime
	}
	key := d.Identity()
	if _, seen := s.diagnoses[key]; seen {
		return
	}
	s.diagnoses[key] = d
	s.dxOrder = append(s.dxOrder, key)
}

// Diagnoses returns the accumulated diagnoses in arrival order.
func (s *Surrogate) Diagnoses() []SurrogateDiagnosis {
	out := make([]SurrogateDiagnosis, 0, len(s.dxOrder))
	for _, key := range s.dxOrder {
		out = append(out, s.diagnoses[key])
	}
	return out
}

// SetLabs attaches the run's reconstructed labs. Labs carry no patient
// class, so the worker attaches the same set to every surrogate, exactly
// once each.
func (s *Surrogate) SetLabs(built []*labs.SurrogateLab) error {
	if s.labsSet {
		return errLabsAlreadySet
	}
	s.labs = built
	s.labsSet = true
	return nil
}

// Labs returns the attached labs, nil when none were observed this run.
func (s *Surrogate) Labs() []*labs.SurrogateLab { return s.labs }

// AddClinicalInfo stores a recognized clinical observation. First wins: a
// later reading for the same code never replaces the first. Emptiness is
// judged on the raw payload; the stored result is XML-stripped.
func (s *Surrogate) AddClinicalInfo(code, result, units string) {
	if !RecognizedClinicalCode(code) || result == "" {
		return
	}
	if _, seen := s.clinical[code]; seen {
		return
	}
	s.clinical[code] = ClinicalInfo{Code: code, Result: hl7.StripXML(result), Units: units}
}

// Clinical returns the accumulated clinical observations by LOINC code.
func (s *Surrogate) Clinical() map[string]ClinicalInfo { return s.clinical }

// Dimensions returns the accumulated dimension values by tag.
func (s *Surrogate) Dimensions() map[mart.Tag]mart.Values { return s.dims }

// Absorb merges the message's visit segment and diagnoses into the
// surrogate. Clinical observations ride along on the message's OBX rows.
func (s *Surrogate) Absorb(msg *warehouse.Message) error {
	s.ObserveMessage(msg.MessageDatetime)

	seg := msg.Visit
	s.SetAdmitDatetime(seg.AdmitDatetime)
	s.SetDischargeDatetime(seg.DischargeDatetime)
	s.SetGender(seg.Gender)
	if err := s.SetDOB(seg.DOB); err != nil {
		return err
	}
	s.SetAdmissionSource(seg.AdmissionSource)
	s.SetAssignedLocation(seg.AssignedPatientLocation)
	s.SetChiefComplaint(seg.ChiefComplaint)
	if err := s.SetDisposition(seg.Disposition); err != nil {
		return err
	}
	s.SetLocation(seg.Country, seg.County, seg.State, seg.Zip)
	s.SetRace(seg.Race)
	s.SetServiceArea(seg.ServiceCode)
	s.SetFacility(msg.FacilityNPI)

	for _, dx := range msg.Diagnoses {
		s.AddDiagnosis(SurrogateDiagnosis{
			Rank:        dx.Rank,
			ICD9:        dx.Code.String,
			Description: dx.Description.String,
			Status:      dx.Type.String,
		}, msg.MessageDatetime)
	}
	for _, obx := range msg.Obxes {
		s.AddClinicalInfo(obx.ObservationID.String, obx.ObservationResult.String, obx.Units.String)
	}
	return nil
}

func nullable(s sql.NullString) any {
	if !s.Valid || s.String == "" {
		return nil
	}
	return s.String
}

// AgeAt computes whole years between a numeric YYYYMMDD date of birth and a
// reference time, clamping negatives to zero (bad feeds produce births after
// admission).
func AgeAt(dob int, at time.Time) int {
	year, month, day := dob/10000, (dob/100)%100, dob%100
	age := at.Year() - year
	if int(at.Month()) < month || (int(at.Month()) == month && at.Day() < day) {
		age--
	}
	if age < 0 {
		age = 0
	}
	return age
}
