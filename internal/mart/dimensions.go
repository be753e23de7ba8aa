// Package mart owns the downstream star schema: the fact visit table, its
// dimension tables, the visit/diagnosis and visit/lab associations, and the
// bookkeeping that makes runs resumable.
//
// Dimension rows are created on first reference and never updated or deleted
// by the engine; the select-or-insert primitive guarantees two concurrent
// workers requesting the same logical value resolve to the same primary key.
package mart

// Tag identifies a dimension table in the catalog.
type Tag string

const (
	DimAdmissionSource  Tag = "admission_source"
	DimAdmissionTemp    Tag = "admission_temp"
	DimAdmissionO2sat   Tag = "admission_o2sat"
	DimAssignedLocation Tag = "assigned_location"
	DimAdmitReason      Tag = "admit_reason"
	DimChiefComplaint   Tag = "chief_complaint"
	DimDiagnosis        Tag = "diagnosis"
	DimDisposition      Tag = "disposition"
	DimFacility         Tag = "facility"
	DimFluVaccine       Tag = "flu_vaccine"
	DimH1N1Vaccine      Tag = "h1n1_vaccine"
	DimLabFlag          Tag = "lab_flag"
	DimLabResult        Tag = "lab_result"
	DimLocation         Tag = "location"
	DimNote             Tag = "note"
	DimOrderNumber      Tag = "order_number"
	DimPerformingLab    Tag = "performing_lab"
	DimPregnancy        Tag = "pregnancy"
	DimRace             Tag = "race"
	DimReferenceRange   Tag = "reference_range"
	DimServiceArea      Tag = "service_area"
	DimSpecimenSource   Tag = "specimen_source"
)

// MaxResultLen and MaxNoteLen are storage limits; no dimension may be stored
// untruncated.
const (
	MaxResultLen = 500
	MaxNoteLen   = 500
)

// Dimension describes one dimension table: where it lives, the tuple of
// identifying fields that must be unique, any extra non-identifying columns
// carried at insert, and truncation rules. SelectOnly marks tables whose
// rows are loaded as static data; the engine resolves them but never
// inserts, and a miss is an error.
type Dimension struct {
	Tag         Tag
	Table       string
	IDFields    []string
	ExtraFields []string
	Truncate    map[string]int
	SelectOnly  bool
}

// Catalog is the compile-time registry of every dimension, keyed by tag.
// The select-or-insert primitive works uniformly from these descriptors.
var Catalog = map[Tag]*Dimension{
	DimAdmissionSource: {
		Tag: DimAdmissionSource, Table: "dim_admission_source",
		IDFields: []string{"code"}, ExtraFields: []string{"description"},
	},
	DimAdmissionTemp: {
		Tag: DimAdmissionTemp, Table: "dim_admission_temp",
		IDFields: []string{"degree_fahrenheit"},
	},
	DimAdmissionO2sat: {
		Tag: DimAdmissionO2sat, Table: "dim_admission_o2sat",
		IDFields: []string{"o2sat_percentage"},
	},
	DimAssignedLocation: {
		Tag: DimAssignedLocation, Table: "dim_assigned_location",
		IDFields: []string{"location"},
	},
	DimAdmitReason: {
		Tag: DimAdmitReason, Table: "dim_ar",
		IDFields: []string{"admit_reason"},
	},
	DimChiefComplaint: {
		Tag: DimChiefComplaint, Table: "dim_cc",
		IDFields: []string{"chief_complaint"},
	},
	DimDiagnosis: {
		Tag: DimDiagnosis, Table: "dim_dx",
		IDFields: []string{"icd9"}, ExtraFields: []string{"description"},
	},
	DimDisposition: {
		Tag: DimDisposition, Table: "dim_disposition",
		IDFields:    []string{"code"},
		ExtraFields: []string{"gipse_mapping", "odin_mapping", "description"},
	},
	DimFacility: {
		Tag: DimFacility, Table: "dim_facility",
		IDFields:   []string{"npi"},
		SelectOnly: true,
	},
	DimFluVaccine: {
		Tag: DimFluVaccine, Table: "dim_flu_vaccine",
		IDFields: []string{"status"},
	},
	DimH1N1Vaccine: {
		Tag: DimH1N1Vaccine, Table: "dim_h1n1_vaccine",
		IDFields: []string{"status"},
	},
	DimLabFlag: {
		Tag: DimLabFlag, Table: "dim_lab_flag",
		IDFields: []string{"code", "coding"}, ExtraFields: []string{"code_text"},
	},
	DimLabResult: {
		Tag: DimLabResult, Table: "dim_lab_result",
		IDFields: []string{"test_code", "test_text", "coding", "result", "result_unit"},
		Truncate: map[string]int{"result": MaxResultLen},
	},
	DimLocation: {
		Tag: DimLocation, Table: "dim_location",
		IDFields: []string{"country", "county", "state", "zip"},
	},
	DimNote: {
		Tag: DimNote, Table: "dim_note",
		IDFields: []string{"note"},
		Truncate: map[string]int{"note": MaxNoteLen},
	},
	DimOrderNumber: {
		Tag: DimOrderNumber, Table: "dim_order_number",
		IDFields: []string{"filler_order_no"},
	},
	DimPerformingLab: {
		Tag: DimPerformingLab, Table: "dim_performing_lab",
		IDFields: []string{"local_code"},
	},
	DimPregnancy: {
		Tag: DimPregnancy, Table: "dim_pregnancy",
		IDFields: []string{"result"},
	},
	DimRace: {
		Tag: DimRace, Table: "dim_race",
		IDFields: []string{"race"},
	},
	DimReferenceRange: {
		Tag: DimReferenceRange, Table: "dim_ref_range",
		IDFields: []string{"range"},
	},
	DimServiceArea: {
		Tag: DimServiceArea, Table: "dim_service_area",
		IDFields: []string{"area"},
	},
	DimSpecimenSource: {
		Tag: DimSpecimenSource, Table: "dim_specimen_source",
		IDFields: []string{"source"},
	},
}

// Values is a candidate dimension row: column name to value. A nil value
// means SQL NULL and matches IS NULL during lookup.
type Values map[string]any
