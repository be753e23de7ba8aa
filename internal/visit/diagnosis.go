// Package visit holds the in-memory surrogates a worker accumulates while
// merging one visit's messages, before anything touches the mart.
package visit

import "time"

// DxIdentity is the deduplication key of a diagnosis. Rank, description and
// datetime do not participate: the same (icd9, status) reported twice is one
// diagnosis.
type DxIdentity struct {
	ICD9   string
	Status string
}

// SurrogateDiagnosis is one DG1-derived diagnosis, immutable after
// construction.
type SurrogateDiagnosis struct {
	Rank        int
	ICD9        string
	Description string
	Status      string
	DxDatetime  time.Time
}

// Identity returns the deduplication key.
func (d SurrogateDiagnosis) Identity() DxIdentity {
	return DxIdentity{ICD9: d.ICD9, Status: d.Status}
}
