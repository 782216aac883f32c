package imaging

import (
	"context"

	"github.com/google/uuid"
)

// Repository is the persistence boundary of the ingestion engine. Every write
// goes through WithTx; reads outside a transaction serve health checks and
// callers that inspect the hierarchy.
type Repository interface {
	// WithTx runs fn in one transaction. The transaction commits when fn
	// returns nil and rolls back otherwise.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	GetPatient(ctx context.Context, patientID string) (*Patient, error)
	GetStudy(ctx context.Context, studyInstanceUID string) (*Study, error)
	GetSeries(ctx context.Context, seriesInstanceUID string) (*Series, error)
	GetInstance(ctx context.Context, sopInstanceUID string) (*Instance, error)
	Counts(ctx context.Context) (*HierarchyCounts, error)
	Ping(ctx context.Context) error
}

// Tx is the set of writes available inside one ingestion unit. The find-or-
// create methods insert on a unique natural key and fetch the existing row on
// conflict; they fill in the passed struct and report whether this call
// created it.
type Tx interface {
	FindOrCreatePatient(ctx context.Context, p *Patient) (created bool, err error)
	FindOrCreateStudy(ctx context.Context, s *Study) (created bool, err error)
	FindOrCreateSeries(ctx context.Context, s *Series) (created bool, err error)

	// StudyOwner returns the PatientID owning a stored study.
	StudyOwner(ctx context.Context, studyInstanceUID string) (patientID string, found bool, err error)
	// SeriesOwner returns the StudyInstanceUID owning a stored series.
	SeriesOwner(ctx context.Context, seriesInstanceUID string) (studyInstanceUID string, found bool, err error)

	// FindInstance returns ErrNotFound when no row matches.
	FindInstance(ctx context.Context, sopInstanceUID string) (*Instance, error)
	// InsertInstance reports created=false when the SOPInstanceUID already
	// exists, leaving the stored row untouched.
	InsertInstance(ctx context.Context, in *Instance) (created bool, err error)
	UpdateInstance(ctx context.Context, in *Instance) error

	IncrementPatient(ctx context.Context, id uuid.UUID, studies, series, instances int) error
	IncrementStudy(ctx context.Context, id uuid.UUID, series, instances int) error
	IncrementSeries(ctx context.Context, id uuid.UUID, instances int) error
	// MergeStudyModalities appends each modality absent from the study's
	// current list, reading that list under the row lock so concurrent
	// units never overwrite each other's additions.
	MergeStudyModalities(ctx context.Context, id uuid.UUID, modalities []string) error
}
