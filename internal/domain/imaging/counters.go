package imaging

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

type patientDelta struct{ studies, series, instances int }

type studyDelta struct {
	series, instances int
	modalities        []string
	modalitiesChanged bool
}

// Tally accumulates the counter deltas of one ingestion unit from the
// "newly created" flags the engine reports. It never re-counts by query.
// Commit applies the deltas in first-seen order.
type Tally struct {
	patients     map[uuid.UUID]*patientDelta
	patientOrder []uuid.UUID
	studies      map[uuid.UUID]*studyDelta
	studyOrder   []uuid.UUID
	series       map[uuid.UUID]int
	seriesOrder  []uuid.UUID
}

func NewTally() *Tally {
	return &Tally{
		patients: make(map[uuid.UUID]*patientDelta),
		studies:  make(map[uuid.UUID]*studyDelta),
		series:   make(map[uuid.UUID]int),
	}
}

func (t *Tally) patient(id uuid.UUID) *patientDelta {
	d, ok := t.patients[id]
	if !ok {
		d = &patientDelta{}
		t.patients[id] = d
		t.patientOrder = append(t.patientOrder, id)
	}
	return d
}

func (t *Tally) study(id uuid.UUID) *studyDelta {
	d, ok := t.studies[id]
	if !ok {
		d = &studyDelta{}
		t.studies[id] = d
		t.studyOrder = append(t.studyOrder, id)
	}
	return d
}

// StudyCreated records a study created in this unit.
func (t *Tally) StudyCreated(patient uuid.UUID) {
	t.patient(patient).studies++
}

// SeriesCreated records a series created in this unit. The study gains
// exactly one series per creation, never per instance.
func (t *Tally) SeriesCreated(patient, study uuid.UUID) {
	t.patient(patient).series++
	t.study(study).series++
}

// InstanceCreated records an instance created in this unit. Overwritten
// instances must not be recorded.
func (t *Tally) InstanceCreated(patient, study, series uuid.UUID) {
	t.patient(patient).instances++
	t.study(study).instances++
	if _, ok := t.series[series]; !ok {
		t.seriesOrder = append(t.seriesOrder, series)
	}
	t.series[series]++
}

// Modality merges a series modality into the study's list.
func (t *Tally) Modality(s *Study, modality *string) {
	if modality == nil {
		return
	}
	d := t.study(s.ID)
	current := d.modalities
	if !d.modalitiesChanged {
		current = s.Modalities
	}
	if merged, changed := mergeModalities(current, *modality); changed {
		d.modalities = merged
		d.modalitiesChanged = true
	}
}

// Empty reports whether Commit would write nothing.
func (t *Tally) Empty() bool {
	return len(t.patientOrder) == 0 && len(t.studyOrder) == 0 && len(t.seriesOrder) == 0
}

// Commit writes the accumulated deltas through tx.
func (t *Tally) Commit(ctx context.Context, tx Tx) error {
	for _, id := range t.seriesOrder {
		if n := t.series[id]; n > 0 {
			if err := tx.IncrementSeries(ctx, id, n); err != nil {
				return fmt.Errorf("increment series %s: %w", id, err)
			}
		}
	}
	for _, id := range t.studyOrder {
		d := t.studies[id]
		if d.series > 0 || d.instances > 0 {
			if err := tx.IncrementStudy(ctx, id, d.series, d.instances); err != nil {
				return fmt.Errorf("increment study %s: %w", id, err)
			}
		}
		if d.modalitiesChanged {
			if err := tx.MergeStudyModalities(ctx, id, d.modalities); err != nil {
				return fmt.Errorf("merge study %s modalities: %w", id, err)
			}
		}
	}
	for _, id := range t.patientOrder {
		d := t.patients[id]
		if d.studies > 0 || d.series > 0 || d.instances > 0 {
			if err := tx.IncrementPatient(ctx, id, d.studies, d.series, d.instances); err != nil {
				return fmt.Errorf("increment patient %s: %w", id, err)
			}
		}
	}
	return nil
}
