package imaging

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/ehr/imaging/internal/platform/blobstore"
)

// Upload is one raw object handed to the engine.
type Upload struct {
	Filename string
	Data     []byte
}

// Status tags an Outcome.
type Status string

const (
	StatusCreated  Status = "created"
	StatusUpdated  Status = "updated"
	StatusRejected Status = "rejected"
)

// Outcome is the tagged result of one object: Created, Updated, or Rejected
// with Err set to the reason.
type Outcome struct {
	Filename string
	Identity Identity
	Status   Status
	Err      error
	Metadata *Metadata
	BlobPath string
}

// BatchResult is the result of one ingestion unit. Err is a *TransactionError
// when the unit rolled back; Outcomes then hold no Created or Updated entries.
type BatchResult struct {
	Outcomes []Outcome
	Notices  []string
	Err      error
	// Warnings collects blob cleanup failures. They never fail the unit.
	Warnings *multierror.Error
}

// Succeeded returns the created and updated outcomes in input order.
func (r *BatchResult) Succeeded() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Status == StatusCreated || o.Status == StatusUpdated {
			out = append(out, o)
		}
	}
	return out
}

// Failed returns the rejected outcomes in input order.
func (r *BatchResult) Failed() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Status == StatusRejected {
			out = append(out, o)
		}
	}
	return out
}

// Counts returns the number of outcomes per status.
func (r *BatchResult) Counts() (created, updated, rejected int) {
	for _, o := range r.Outcomes {
		switch o.Status {
		case StatusCreated:
			created++
		case StatusUpdated:
			updated++
		case StatusRejected:
			rejected++
		}
	}
	return
}

// Errors aggregates every rejection, prefixed with its filename.
func (r *BatchResult) Errors() error {
	var errs *multierror.Error
	for _, o := range r.Failed() {
		errs = multierror.Append(errs, fmt.Errorf("%s: %w", o.Filename, o.Err))
	}
	return errs.ErrorOrNil()
}

// Options configures a Service.
type Options struct {
	DuplicatePolicy DuplicatePolicy
	// NameBySOPInstanceUID stores blobs as <SOPInstanceUID>.dcm instead of a
	// generated token.
	NameBySOPInstanceUID bool
	// Observer, when set, is told the outcome of every ingestion unit.
	Observer UnitObserver
}

// UnitObserver receives per-unit outcome counts, typically for metrics.
type UnitObserver interface {
	RecordUnit(created, updated, rejected int, failed bool, elapsed time.Duration)
}

// Service is the hierarchy upsert engine. It is safe for concurrent use; each
// call runs its own ingestion unit.
type Service struct {
	repo     Repository
	blobs    blobstore.BlobStore
	guard    DuplicateGuard
	sopNames bool
	observer UnitObserver
	logger   zerolog.Logger
}

func NewService(repo Repository, blobs blobstore.BlobStore, opts Options, logger zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		blobs:    blobs,
		guard:    NewDuplicateGuard(opts.DuplicatePolicy),
		sopNames: opts.NameBySOPInstanceUID,
		observer: opts.Observer,
		logger:   logger.With().Str("component", "ingest").Logger(),
	}
}

// Repository returns the repository the service writes to.
func (s *Service) Repository() Repository { return s.repo }

// IngestOne runs a single object as its own ingestion unit, in its own
// transaction.
func (s *Service) IngestOne(ctx context.Context, u Upload) Outcome {
	return s.IngestBatch(ctx, []Upload{u}).Outcomes[0]
}

// IngestBatch runs uploads as one ingestion unit. Objects are decoded and
// resolved first; failures there are rejected individually. The rest are
// grouped by series, inconsistent groups are rejected whole, and all
// remaining groups are written in one transaction.
func (s *Service) IngestBatch(ctx context.Context, uploads []Upload) *BatchResult {
	start := time.Now()
	res := &BatchResult{Outcomes: make([]Outcome, len(uploads))}

	var items []*item
	for i, u := range uploads {
		res.Outcomes[i] = Outcome{Filename: u.Filename}

		md, err := Decode(u.Data)
		if err != nil {
			s.reject(res, i, err)
			continue
		}
		res.Outcomes[i].Metadata = md

		id, err := Resolve(md)
		if err != nil {
			s.reject(res, i, err)
			continue
		}
		res.Outcomes[i].Identity = id
		items = append(items, &item{index: i, md: md, id: id, data: u.Data, filename: u.Filename})
	}

	var eligible []*seriesGroup
	for _, g := range groupBySeries(items) {
		if err := g.consistent(); err != nil {
			for _, it := range g.items {
				s.reject(res, it.index, err)
			}
			continue
		}
		eligible = append(eligible, g)
	}

	if len(eligible) > 0 {
		s.runUnit(ctx, res, eligible)
	}

	created, updated, rejected := res.Counts()
	elapsed := time.Since(start)
	if s.observer != nil {
		s.observer.RecordUnit(created, updated, rejected, res.Err != nil, elapsed)
	}
	s.logger.Info().
		Int("objects", len(uploads)).
		Int("created", created).
		Int("updated", updated).
		Int("rejected", rejected).
		Dur("elapsed", elapsed).
		Msg("ingestion unit finished")
	return res
}

func (s *Service) reject(res *BatchResult, index int, err error) {
	o := &res.Outcomes[index]
	o.Status = StatusRejected
	o.Err = err
	o.BlobPath = ""
	s.logger.Warn().
		Str("filename", o.Filename).
		Str("sop_instance_uid", o.Identity.SOPInstanceUID).
		Err(err).
		Msg("object rejected")
}

// runUnit writes the eligible groups in one transaction and settles blobs
// afterwards: on rollback every blob written by the unit is removed, on
// commit every blob superseded by an overwrite is removed.
func (s *Service) runUnit(ctx context.Context, res *BatchResult, groups []*seriesGroup) {
	u := &unit{svc: s, res: res, tally: NewTally(), settled: make(map[string][]int)}

	err := s.repo.WithTx(ctx, func(tx Tx) error {
		for _, g := range groups {
			if err := u.ingestGroup(ctx, tx, g); err != nil {
				return err
			}
		}
		return u.tally.Commit(ctx, tx)
	})

	cleanupCtx := context.WithoutCancel(ctx)
	if err != nil {
		txErr := &TransactionError{Err: err}
		res.Err = txErr
		for _, g := range groups {
			for _, it := range g.items {
				if o := res.Outcomes[it.index]; o.Status != StatusRejected {
					s.reject(res, it.index, txErr)
				}
			}
		}
		for _, path := range u.written {
			s.deleteBlob(cleanupCtx, res, path)
		}
		s.logger.Error().Err(err).Int("groups", len(groups)).Msg("ingestion unit rolled back")
		return
	}

	for _, path := range u.superseded {
		s.deleteBlob(cleanupCtx, res, path)
	}
}

// deleteBlob removes a blob, logging and recording failures without
// escalating them.
func (s *Service) deleteBlob(ctx context.Context, res *BatchResult, path string) {
	if err := s.blobs.Delete(ctx, path); err != nil {
		serr := &StorageError{Op: "delete", Path: path, Err: err}
		res.Warnings = multierror.Append(res.Warnings, serr)
		s.logger.Warn().Err(serr).Msg("blob cleanup failed")
	}
}

// ---------------------------------------------------------------------------
// Grouping
// ---------------------------------------------------------------------------

type item struct {
	index    int
	md       *Metadata
	id       Identity
	data     []byte
	filename string
}

type seriesGroup struct {
	uid   string
	items []*item
}

// groupBySeries groups items by SeriesInstanceUID in order of first
// appearance.
func groupBySeries(items []*item) []*seriesGroup {
	byUID := make(map[string]*seriesGroup)
	var groups []*seriesGroup
	for _, it := range items {
		g, ok := byUID[it.id.SeriesInstanceUID]
		if !ok {
			g = &seriesGroup{uid: it.id.SeriesInstanceUID}
			byUID[g.uid] = g
			groups = append(groups, g)
		}
		g.items = append(g.items, it)
	}
	return groups
}

// consistent checks that every member names the same study and patient.
func (g *seriesGroup) consistent() error {
	studies := make(map[string]struct{})
	patients := make(map[string]struct{})
	for _, it := range g.items {
		studies[it.id.StudyInstanceUID] = struct{}{}
		patients[it.id.PatientID] = struct{}{}
	}
	if len(studies) > 1 {
		return &InconsistentSeriesError{
			SeriesInstanceUID: g.uid,
			Reason:            "objects reference different studies: " + sortedKeys(studies),
		}
	}
	if len(patients) > 1 {
		return &InconsistentSeriesError{
			SeriesInstanceUID: g.uid,
			Reason:            "objects reference different patients: " + sortedKeys(patients),
		}
	}
	return nil
}

func sortedKeys(m map[string]struct{}) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ", ")
}

// ---------------------------------------------------------------------------
// Unit
// ---------------------------------------------------------------------------

// unit carries the state of one transaction.
type unit struct {
	svc   *Service
	res   *BatchResult
	tally *Tally
	// written lists every blob this unit stored.
	written []string
	// superseded lists blobs replaced by overwrites, deleted after commit.
	superseded []string
	// settled maps a SOPInstanceUID to the outcomes this unit wrote for it.
	settled map[string][]int
}

func (u *unit) rejectGroup(g *seriesGroup, err error) {
	for _, it := range g.items {
		u.svc.reject(u.res, it.index, err)
	}
}

func (u *unit) ingestGroup(ctx context.Context, tx Tx, g *seriesGroup) error {
	first := g.items[0]

	// A group may not re-parent stored rows.
	owner, found, err := tx.StudyOwner(ctx, first.id.StudyInstanceUID)
	if err != nil {
		return fmt.Errorf("look up study %s: %w", first.id.StudyInstanceUID, err)
	}
	if found && owner != first.id.PatientID {
		u.rejectGroup(g, &InconsistentSeriesError{
			SeriesInstanceUID: g.uid,
			Reason:            fmt.Sprintf("study %s belongs to patient %s, not %s", first.id.StudyInstanceUID, owner, first.id.PatientID),
		})
		return nil
	}
	parent, found, err := tx.SeriesOwner(ctx, g.uid)
	if err != nil {
		return fmt.Errorf("look up series %s: %w", g.uid, err)
	}
	if found && parent != first.id.StudyInstanceUID {
		u.rejectGroup(g, &InconsistentSeriesError{
			SeriesInstanceUID: g.uid,
			Reason:            fmt.Sprintf("series belongs to study %s, not %s", parent, first.id.StudyInstanceUID),
		})
		return nil
	}

	patient := newPatient(first.md, first.id)
	if _, err := tx.FindOrCreatePatient(ctx, patient); err != nil {
		return fmt.Errorf("find or create patient %s: %w", first.id.PatientID, err)
	}

	study := newStudy(first.md, first.id, patient.ID)
	studyCreated, err := tx.FindOrCreateStudy(ctx, study)
	if err != nil {
		return fmt.Errorf("find or create study %s: %w", first.id.StudyInstanceUID, err)
	}
	if study.PatientRef != patient.ID {
		return fmt.Errorf("study %s was attached to another patient concurrently", study.StudyInstanceUID)
	}

	series := newSeries(first.md, first.id, study.ID)
	seriesCreated, err := tx.FindOrCreateSeries(ctx, series)
	if err != nil {
		return fmt.Errorf("find or create series %s: %w", g.uid, err)
	}
	if series.StudyRef != study.ID {
		return fmt.Errorf("series %s was attached to another study concurrently", g.uid)
	}

	if studyCreated {
		u.tally.StudyCreated(patient.ID)
	}
	if seriesCreated {
		u.tally.SeriesCreated(patient.ID, study.ID)
	} else {
		notice := fmt.Sprintf("series %s already exists; adding %d object(s) to it", g.uid, len(g.items))
		u.res.Notices = append(u.res.Notices, notice)
		u.svc.logger.Info().Str("series_instance_uid", g.uid).Msg("series already exists")
	}
	u.tally.Modality(study, series.Modality)

	for _, it := range g.items {
		if err := u.ingestObject(ctx, tx, it, patient, study, series); err != nil {
			return err
		}
	}
	return nil
}

func (u *unit) ingestObject(ctx context.Context, tx Tx, it *item, patient *Patient, study *Study, series *Series) error {
	sop := it.id.SOPInstanceUID
	guard := u.svc.guard

	existing, err := guard.Check(ctx, tx, sop)
	if err != nil {
		return err
	}
	action, derr := guard.Decide(existing, sop, series.ID)
	if derr != nil {
		u.svc.reject(u.res, it.index, derr)
		return nil
	}

	path, serr := u.storeBlob(ctx, it)
	if serr != nil {
		u.svc.reject(u.res, it.index, serr)
		return nil
	}
	inst := newInstance(it.md, it.id, series.ID, path, it.filename, int64(len(it.data)))

	if action == ActionCreate {
		created, err := tx.InsertInstance(ctx, inst)
		if err != nil {
			return fmt.Errorf("insert instance %s: %w", sop, err)
		}
		if created {
			u.tally.InstanceCreated(patient.ID, study.ID, series.ID)
			u.settle(it, StatusCreated, path)
			return nil
		}

		// Another unit committed the same SOPInstanceUID first.
		existing, err = guard.Check(ctx, tx, sop)
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("instance %s conflicted but cannot be read", sop)
		}
		if _, derr := guard.Decide(existing, sop, series.ID); derr != nil {
			u.svc.reject(u.res, it.index, derr)
			return nil
		}
	}

	inst.ID = existing.ID
	if err := tx.UpdateInstance(ctx, inst); err != nil {
		return fmt.Errorf("update instance %s: %w", sop, err)
	}
	if existing.BlobPath != "" && existing.BlobPath != path {
		u.superseded = append(u.superseded, existing.BlobPath)
	}
	u.settle(it, StatusUpdated, path)
	return nil
}

func (u *unit) storeBlob(ctx context.Context, it *item) (string, error) {
	name := ""
	if u.svc.sopNames {
		name = it.id.SOPInstanceUID + blobstore.DefaultExtension
	}
	path, err := u.svc.blobs.Store(ctx, it.data, name)
	if err != nil {
		return "", &StorageError{Op: "write", Err: err}
	}
	u.written = append(u.written, path)
	return path, nil
}

func (u *unit) settle(it *item, status Status, path string) {
	o := &u.res.Outcomes[it.index]
	o.Status = status
	o.BlobPath = path
	o.Err = nil

	// Earlier outcomes for the same object now point at the blob that
	// survives the commit.
	sop := it.id.SOPInstanceUID
	for _, i := range u.settled[sop] {
		u.res.Outcomes[i].BlobPath = path
	}
	u.settled[sop] = append(u.settled[sop], it.index)
}
