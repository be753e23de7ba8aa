package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/pheme-project/longitudinal/internal/labs"
	"github.com/pheme-project/longitudinal/internal/mart"
	"github.com/pheme-project/longitudinal/internal/visit"
	"github.com/pheme-project/longitudinal/internal/warehouse"
)

// patient classes with their own fact rows; anything else on an ORU message
// is a "no class" observation carrier.
var classedPatient = map[string]bool{"E": true, "I": true, "O": true}

// Worker merges one visit at a time. Several workers run concurrently over
// disjoint visits; all dimension contention is handled by the shared
// resolvers.
type Worker struct {
	warehouse *warehouse.Store
	mart      *mart.Store
	resolvers *Resolvers
	log       *slog.Logger
}

// NewWorker wires a worker over the shared stores and resolvers.
func NewWorker(wh *warehouse.Store, mt *mart.Store, resolvers *Resolvers, log *slog.Logger) *Worker {
	return &Worker{warehouse: wh, mart: mt, resolvers: resolvers, log: log}
}

// DedupVisit merges every unprocessed message of the visit into the mart and
// marks them processed. On error nothing is marked, so the visit is retried
// on the next run.
func (w *Worker) DedupVisit(ctx context.Context, visitID string) error {
	log := w.log.With("visit_id", visitID)

	records, err := w.mart.VisitsByID(ctx, visitID)
	if err != nil {
		return err
	}
	surrogates := make(map[string]*visit.Surrogate, len(records))
	for _, record := range records {
		surrogates[record.PatientClass] = visit.Wrap(record)
	}

	mshIDs, err := w.mart.UnprocessedMessageIDs(ctx, visitID)
	if err != nil {
		return err
	}
	if len(mshIDs) == 0 {
		return nil
	}
	messages, err := w.warehouse.FullMessages(ctx, mshIDs)
	if err != nil {
		return err
	}

	var observationMsgs, clinicalMsgs []*warehouse.Message
	var noClassMin, noClassMax time.Time
	for _, msg := range messages {
		switch msg.MessageType {
		case warehouse.MessageTypeORM:
			// Order messages carry nothing the mart wants.
			continue
		case warehouse.MessageTypeORU:
			if noClassMin.IsZero() || msg.MessageDatetime.Before(noClassMin) {
				noClassMin = msg.MessageDatetime
			}
			if msg.MessageDatetime.After(noClassMax) {
				noClassMax = msg.MessageDatetime
			}
			if classedPatient[msg.Visit.PatientClass] {
				clinicalMsgs = append(clinicalMsgs, msg)
			} else {
				observationMsgs = append(observationMsgs, msg)
			}
			continue
		}

		sv, ok := w.route(surrogates, msg, log)
		if !ok {
			continue
		}
		if sv == nil {
			sv = visit.New(visitID, msg.Visit.PatientClass, msg.Visit.PatientID, msg.MessageDatetime)
			surrogates[msg.Visit.PatientClass] = sv
		} else if sv.Stale(msg.MessageDatetime) {
			log.Warn("stale duplicate message, skipping",
				"msh_id", msg.MSHID, "message_datetime", msg.MessageDatetime)
			continue
		}
		if err := sv.Absorb(msg); err != nil {
			return fmt.Errorf("visit %s message %d: %w", visitID, msg.MSHID, err)
		}
	}

	// A visit that never reported an admit datetime was canceled upstream;
	// its messages are consumed without a mart row.
	for class, sv := range surrogates {
		if sv.Record.AdmitDatetime == nil {
			log.Warn("visit has no admit datetime, treating as canceled", "patient_class", class)
			return w.mart.MarkVisitProcessed(ctx, visitID)
		}
	}
	if len(surrogates) == 0 {
		// Nothing but skipped or unroutable messages; consume them.
		return w.mart.MarkVisitProcessed(ctx, visitID)
	}

	if len(observationMsgs) > 0 {
		built, err := w.buildLabs(ctx, observationMsgs)
		if err != nil {
			return fmt.Errorf("visit %s labs: %w", visitID, err)
		}
		// Labs carry no patient class; every surrogate gets the full set.
		for _, sv := range surrogates {
			if err := sv.SetLabs(built); err != nil {
				return err
			}
		}
	}
	for _, msg := range clinicalMsgs {
		for _, obx := range msg.Obxes {
			for _, sv := range surrogates {
				sv.AddClinicalInfo(obx.ObservationID.String, obx.ObservationResult.String, obx.Units.String)
			}
		}
	}

	for _, sv := range surrogates {
		if err := w.commit(ctx, sv, noClassMin, noClassMax); err != nil {
			return fmt.Errorf("visit %s class %s: %w", visitID, sv.Record.PatientClass, err)
		}
	}
	return w.mart.MarkVisitProcessed(ctx, visitID)
}

// route picks the surrogate for a message. Returns (nil, true) when a new
// surrogate should be created, (nil, false) when the message must be skipped.
func (w *Worker) route(surrogates map[string]*visit.Surrogate, msg *warehouse.Message, log *slog.Logger) (*visit.Surrogate, bool) {
	pc := msg.Visit.PatientClass
	if pc == "U" {
		// Unknown class updates are only safe when there is exactly one
		// candidate.
		if len(surrogates) == 1 {
			for _, sv := range surrogates {
				return sv, true
			}
		}
		log.Warn("unknown patient class with ambiguous target, skipping",
			"msh_id", msg.MSHID, "surrogates", len(surrogates))
		return nil, false
	}
	return surrogates[pc], true
}

func (w *Worker) buildLabs(ctx context.Context, observationMsgs []*warehouse.Message) ([]*labs.SurrogateLab, error) {
	mshIDs := make([]int64, 0, len(observationMsgs))
	for _, msg := range observationMsgs {
		mshIDs = append(mshIDs, msg.MSHID)
	}
	observations, err := w.warehouse.Observations(ctx, mshIDs)
	if err != nil {
		return nil, err
	}
	built, err := labs.Build(observations)
	if err != nil {
		return nil, err
	}
	if len(built) == 0 {
		return built, nil
	}

	var obrIDs, obxIDs []int64
	for _, lab := range built {
		obrIDs = append(obrIDs, lab.OBRID())
		obxIDs = append(obxIDs, lab.OBXIDs()...)
	}
	notes, err := w.warehouse.Notes(ctx, obrIDs, obxIDs)
	if err != nil {
		return nil, err
	}
	if err := labs.StitchNotes(built, notes); err != nil {
		return nil, err
	}
	return built, nil
}

// commit resolves the surrogate's accumulated state into the star schema:
// dimension lookups run autocommit on the pool, the visit update and its new
// associations share one transaction, so a failed visit leaves no partial
// associations behind.
func (w *Worker) commit(ctx context.Context, sv *visit.Surrogate, noClassMin, noClassMax time.Time) error {
	sv.ExtendMessageWindow(noClassMin, noClassMax)
	if err := w.applyClinical(sv); err != nil {
		return err
	}

	for tag, values := range sv.Dimensions() {
		pk, err := w.resolvers.Fetch(ctx, tag, values)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", tag, err)
		}
		prev, err := sv.Record.Dimension(tag)
		if err != nil {
			return err
		}
		if !prev.Valid || prev.Int64 != pk {
			if err := sv.Record.SetDimension(tag, pk); err != nil {
				return err
			}
			sv.MarkChanged()
		}
	}

	if sv.Record.Age == nil && sv.Record.DOB != nil && sv.Record.AdmitDatetime != nil {
		sv.SetAge(visit.AgeAt(*sv.Record.DOB, *sv.Record.AdmitDatetime))
	}

	if sv.IsNew() {
		if err := w.mart.InsertVisit(ctx, sv.Record); err != nil {
			return err
		}
		sv.MarkPersisted()
	}

	dxAssocs, err := w.newDxAssociations(ctx, sv)
	if err != nil {
		return err
	}
	labAssocs, err := w.newLabAssociations(ctx, sv)
	if err != nil {
		return err
	}
	if !sv.Changed() && len(dxAssocs) == 0 && len(labAssocs) == 0 {
		return nil
	}

	tx, err := w.mart.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if sv.Changed() {
		if err := w.mart.UpdateVisit(ctx, tx, sv.Record); err != nil {
			return err
		}
	}
	if err := w.mart.InsertDxAssociations(ctx, tx, sv.Record.PK, dxAssocs); err != nil {
		return err
	}
	if err := w.mart.InsertLabAssociations(ctx, tx, sv.Record.PK, labAssocs); err != nil {
		return err
	}
	return tx.Commit()
}

// applyClinical folds the recognized clinical observations into the
// surrogate's dimensions and age. A malformed observation fails the whole
// visit; its messages stay unprocessed and the visit is retried.
func (w *Worker) applyClinical(sv *visit.Surrogate) error {
	for code, info := range sv.Clinical() {
		outcome, err := info.Outcome()
		if err != nil {
			return fmt.Errorf("clinical observation %s: %w", code, err)
		}
		if outcome.Skip {
			continue
		}
		if outcome.Age != nil {
			if sv.Record.Age == nil {
				sv.SetAge(*outcome.Age)
			}
			continue
		}
		sv.Dimensions()[outcome.Dim] = outcome.Values
	}
	return nil
}

func (w *Worker) newDxAssociations(ctx context.Context, sv *visit.Surrogate) ([]mart.DxAssociation, error) {
	desired := sv.Diagnoses()
	if len(desired) == 0 {
		return nil, nil
	}
	existing, err := w.mart.DxKeys(ctx, sv.Record.PK)
	if err != nil {
		return nil, err
	}
	var assocs []mart.DxAssociation
	for _, dx := range desired {
		if _, ok := existing[mart.DxKey{ICD9: dx.ICD9, Status: dx.Status}]; ok {
			continue
		}
		pk, err := w.resolvers.Fetch(ctx, mart.DimDiagnosis, mart.Values{
			"icd9":        dx.ICD9,
			"description": dx.Description,
		})
		if err != nil {
			return nil, fmt.Errorf("resolve diagnosis %s: %w", dx.ICD9, err)
		}
		assocs = append(assocs, mart.DxAssociation{
			DxPK:       pk,
			Status:     dx.Status,
			DxDatetime: dx.DxDatetime,
			Rank:       dx.Rank,
		})
	}
	return assocs, nil
}

func (w *Worker) newLabAssociations(ctx context.Context, sv *visit.Surrogate) ([]mart.LabAssociation, error) {
	built := sv.Labs()
	if len(built) == 0 {
		return nil, nil
	}
	existing, err := w.mart.LabKeys(ctx, sv.Record.PK)
	if err != nil {
		return nil, err
	}
	var assocs []mart.LabAssociation
	for _, lab := range built {
		id := lab.Identity()
		key := mart.LabKey{
			TestCode: id.TestCode, TestText: id.TestText, Coding: id.Coding,
			Result: id.Result, Units: id.Units, Status: id.Status,
		}
		if _, ok := existing[key]; ok {
			continue
		}
		assoc, err := w.resolveLab(ctx, lab)
		if err != nil {
			return nil, err
		}
		assocs = append(assocs, assoc)
	}
	return assocs, nil
}

func (w *Worker) resolveLab(ctx context.Context, lab *labs.SurrogateLab) (mart.LabAssociation, error) {
	resultPK, err := w.resolvers.Fetch(ctx, mart.DimLabResult, mart.Values{
		"test_code":   lab.TestCode,
		"test_text":   emptyNull(lab.TestText),
		"coding":      emptyNull(lab.Coding),
		"result":      emptyNull(lab.Result),
		"result_unit": emptyNull(lab.Units),
	})
	if err != nil {
		return mart.LabAssociation{}, fmt.Errorf("resolve lab result %s: %w", lab.TestCode, err)
	}
	assoc := mart.LabAssociation{
		LabResultPK:        resultPK,
		Status:             lab.Status,
		ReportDatetime:     lab.ReportDatetime,
		CollectionDatetime: lab.CollectionDatetime,
	}

	satellite := func(tag mart.Tag, values mart.Values) (int64, error) {
		pk, err := w.resolvers.Fetch(ctx, tag, values)
		if err != nil {
			return 0, fmt.Errorf("resolve %s: %w", tag, err)
		}
		return pk, nil
	}
	if lab.Flag != nil {
		pk, err := satellite(mart.DimLabFlag, mart.Values{
			"code":      lab.Flag.Code,
			"coding":    emptyNull(lab.Flag.Coding),
			"code_text": emptyNull(lab.Flag.Text),
		})
		if err != nil {
			return assoc, err
		}
		assoc.LabFlagPK = validInt(pk)
	}
	if lab.OrderNumber != "" {
		pk, err := satellite(mart.DimOrderNumber, mart.Values{"filler_order_no": lab.OrderNumber})
		if err != nil {
			return assoc, err
		}
		assoc.OrderNumberPK = validInt(pk)
	}
	if lab.ReferenceRange != "" {
		pk, err := satellite(mart.DimReferenceRange, mart.Values{"range": lab.ReferenceRange})
		if err != nil {
			return assoc, err
		}
		assoc.RefRangePK = validInt(pk)
	}
	if lab.Note != "" {
		pk, err := satellite(mart.DimNote, mart.Values{"note": lab.Note})
		if err != nil {
			return assoc, err
		}
		assoc.NotePK = validInt(pk)
	}
	if lab.PerformingLab != "" {
		pk, err := satellite(mart.DimPerformingLab, mart.Values{"local_code": lab.PerformingLab})
		if err != nil {
			return assoc, err
		}
		assoc.PerformingLabPK = validInt(pk)
	}
	if lab.SpecimenSource != "" {
		pk, err := satellite(mart.DimSpecimenSource, mart.Values{"source": lab.SpecimenSource})
		if err != nil {
			return assoc, err
		}
		assoc.SpecimenSourcePK = validInt(pk)
	}
	return assoc, nil
}

// emptyNull maps an absent text field to SQL NULL so the dimension's
// identifying tuple matches via IS NULL, not an empty-string row.
func emptyNull(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func validInt(pk int64) sql.NullInt64 {
	return sql.NullInt64{Int64: pk, Valid: true}
}
