package imaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type repoPG struct {
	pool *pgxpool.Pool
}

// NewRepo returns a PostgreSQL-backed Repository.
func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

const (
	patientCols = `id, patient_id, name, birth_date, sex,
	total_studies, total_series, total_instances, created_at, updated_at`

	studyCols = `id, patient_ref, study_instance_uid, study_date, study_time, description,
	accession_number, modalities, number_of_series, number_of_instances, created_at, updated_at`

	seriesCols = `id, study_ref, series_instance_uid, modality, description, series_number,
	body_part_examined, number_of_instances, created_at, updated_at`

	instanceCols = `id, series_ref, sop_instance_uid, sop_class_uid, transfer_syntax_uid,
	instance_number, pixel_rows, pixel_columns, number_of_frames,
	window_center, window_width, slice_thickness, slice_location,
	pixel_spacing, image_position_patient, image_orientation_patient,
	blob_path, file_size, original_filename, status, created_at, updated_at`
)

func (r *repoPG) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&txPG{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *repoPG) GetPatient(ctx context.Context, patientID string) (*Patient, error) {
	return scanPatientPG(r.pool.QueryRow(ctx, `SELECT `+patientCols+` FROM patients WHERE patient_id = $1`, patientID))
}

func (r *repoPG) GetStudy(ctx context.Context, studyInstanceUID string) (*Study, error) {
	return scanStudyPG(r.pool.QueryRow(ctx, `SELECT `+studyCols+` FROM studies WHERE study_instance_uid = $1`, studyInstanceUID))
}

func (r *repoPG) GetSeries(ctx context.Context, seriesInstanceUID string) (*Series, error) {
	return scanSeriesPG(r.pool.QueryRow(ctx, `SELECT `+seriesCols+` FROM series WHERE series_instance_uid = $1`, seriesInstanceUID))
}

func (r *repoPG) GetInstance(ctx context.Context, sopInstanceUID string) (*Instance, error) {
	return scanInstancePG(r.pool.QueryRow(ctx, `SELECT `+instanceCols+` FROM instances WHERE sop_instance_uid = $1`, sopInstanceUID))
}

func (r *repoPG) Counts(ctx context.Context) (*HierarchyCounts, error) {
	var c HierarchyCounts
	err := r.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM patients),
			(SELECT COUNT(*) FROM studies),
			(SELECT COUNT(*) FROM series),
			(SELECT COUNT(*) FROM instances)`).Scan(&c.Patients, &c.Studies, &c.Series, &c.Instances)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *repoPG) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// ---------------------------------------------------------------------------
// Transaction
// ---------------------------------------------------------------------------

type txPG struct {
	q querier
}

func (t *txPG) FindOrCreatePatient(ctx context.Context, p *Patient) (bool, error) {
	id := uuid.New()
	var got uuid.UUID
	err := t.q.QueryRow(ctx, `
		INSERT INTO patients (id, patient_id, name, birth_date, sex)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (patient_id) DO NOTHING
		RETURNING id`,
		id, p.PatientID, p.Name, p.BirthDate, p.Sex,
	).Scan(&got)
	if err == nil {
		stored, err := scanPatientPG(t.q.QueryRow(ctx, `SELECT `+patientCols+` FROM patients WHERE id = $1`, got))
		if err != nil {
			return false, err
		}
		*p = *stored
		return true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, err
	}
	stored, err := scanPatientPG(t.q.QueryRow(ctx, `SELECT `+patientCols+` FROM patients WHERE patient_id = $1`, p.PatientID))
	if err != nil {
		return false, err
	}
	*p = *stored
	return false, nil
}

func (t *txPG) FindOrCreateStudy(ctx context.Context, s *Study) (bool, error) {
	var got uuid.UUID
	err := t.q.QueryRow(ctx, `
		INSERT INTO studies (id, patient_ref, study_instance_uid, study_date, study_time, description, accession_number, modalities)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (study_instance_uid) DO NOTHING
		RETURNING id`,
		uuid.New(), s.PatientRef, s.StudyInstanceUID, s.StudyDate, s.StudyTime, s.Description, s.AccessionNumber,
		joinValues(s.Modalities),
	).Scan(&got)
	created := err == nil
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return false, err
	}
	stored, err := scanStudyPG(t.q.QueryRow(ctx, `SELECT `+studyCols+` FROM studies WHERE study_instance_uid = $1`, s.StudyInstanceUID))
	if err != nil {
		return false, err
	}
	*s = *stored
	return created, nil
}

func (t *txPG) FindOrCreateSeries(ctx context.Context, s *Series) (bool, error) {
	var got uuid.UUID
	err := t.q.QueryRow(ctx, `
		INSERT INTO series (id, study_ref, series_instance_uid, modality, description, series_number, body_part_examined)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (series_instance_uid) DO NOTHING
		RETURNING id`,
		uuid.New(), s.StudyRef, s.SeriesInstanceUID, s.Modality, s.Description, s.SeriesNumber, s.BodyPartExamined,
	).Scan(&got)
	created := err == nil
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return false, err
	}
	stored, err := scanSeriesPG(t.q.QueryRow(ctx, `SELECT `+seriesCols+` FROM series WHERE series_instance_uid = $1`, s.SeriesInstanceUID))
	if err != nil {
		return false, err
	}
	*s = *stored
	return created, nil
}

func (t *txPG) StudyOwner(ctx context.Context, studyInstanceUID string) (string, bool, error) {
	var patientID string
	err := t.q.QueryRow(ctx, `
		SELECT p.patient_id FROM studies s JOIN patients p ON p.id = s.patient_ref
		WHERE s.study_instance_uid = $1`, studyInstanceUID).Scan(&patientID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return patientID, true, nil
}

func (t *txPG) SeriesOwner(ctx context.Context, seriesInstanceUID string) (string, bool, error) {
	var studyUID string
	err := t.q.QueryRow(ctx, `
		SELECT st.study_instance_uid FROM series se JOIN studies st ON st.id = se.study_ref
		WHERE se.series_instance_uid = $1`, seriesInstanceUID).Scan(&studyUID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return studyUID, true, nil
}

func (t *txPG) FindInstance(ctx context.Context, sopInstanceUID string) (*Instance, error) {
	// FOR UPDATE serialises concurrent overwrites of the same object.
	return scanInstancePG(t.q.QueryRow(ctx, `SELECT `+instanceCols+` FROM instances WHERE sop_instance_uid = $1 FOR UPDATE`, sopInstanceUID))
}

func (t *txPG) InsertInstance(ctx context.Context, in *Instance) (bool, error) {
	id := uuid.New()
	var got uuid.UUID
	err := t.q.QueryRow(ctx, `
		INSERT INTO instances (
			id, series_ref, sop_instance_uid, sop_class_uid, transfer_syntax_uid,
			instance_number, pixel_rows, pixel_columns, number_of_frames,
			window_center, window_width, slice_thickness, slice_location,
			pixel_spacing, image_position_patient, image_orientation_patient,
			blob_path, file_size, original_filename, status
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,
			$11,$12,$13,$14,$15,$16,$17,$18,$19,$20
		)
		ON CONFLICT (sop_instance_uid) DO NOTHING
		RETURNING id`,
		id, in.SeriesRef, in.SOPInstanceUID, in.SOPClassUID, in.TransferSyntaxUID,
		in.InstanceNumber, in.Rows, in.Columns, in.NumberOfFrames,
		in.WindowCenter, in.WindowWidth, in.SliceThickness, in.SliceLocation,
		joinFloats(in.PixelSpacing), joinFloats(in.ImagePositionPatient), joinFloats(in.ImageOrientationPatient),
		in.BlobPath, in.FileSize, in.OriginalFilename, in.Status,
	).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	in.ID = got
	return true, nil
}

func (t *txPG) UpdateInstance(ctx context.Context, in *Instance) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE instances SET
			sop_class_uid=$2, transfer_syntax_uid=$3, instance_number=$4,
			pixel_rows=$5, pixel_columns=$6, number_of_frames=$7,
			window_center=$8, window_width=$9, slice_thickness=$10, slice_location=$11,
			pixel_spacing=$12, image_position_patient=$13, image_orientation_patient=$14,
			blob_path=$15, file_size=$16, original_filename=$17, status=$18, updated_at=NOW()
		WHERE id = $1`,
		in.ID, in.SOPClassUID, in.TransferSyntaxUID, in.InstanceNumber,
		in.Rows, in.Columns, in.NumberOfFrames,
		in.WindowCenter, in.WindowWidth, in.SliceThickness, in.SliceLocation,
		joinFloats(in.PixelSpacing), joinFloats(in.ImagePositionPatient), joinFloats(in.ImageOrientationPatient),
		in.BlobPath, in.FileSize, in.OriginalFilename, in.Status,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *txPG) IncrementPatient(ctx context.Context, id uuid.UUID, studies, series, instances int) error {
	_, err := t.q.Exec(ctx, `
		UPDATE patients SET
			total_studies = total_studies + $2,
			total_series = total_series + $3,
			total_instances = total_instances + $4,
			updated_at = NOW()
		WHERE id = $1`, id, studies, series, instances)
	return err
}

func (t *txPG) IncrementStudy(ctx context.Context, id uuid.UUID, series, instances int) error {
	_, err := t.q.Exec(ctx, `
		UPDATE studies SET
			number_of_series = number_of_series + $2,
			number_of_instances = number_of_instances + $3,
			updated_at = NOW()
		WHERE id = $1`, id, series, instances)
	return err
}

func (t *txPG) IncrementSeries(ctx context.Context, id uuid.UUID, instances int) error {
	_, err := t.q.Exec(ctx, `
		UPDATE series SET number_of_instances = number_of_instances + $2, updated_at = NOW()
		WHERE id = $1`, id, instances)
	return err
}

func (t *txPG) MergeStudyModalities(ctx context.Context, id uuid.UUID, modalities []string) error {
	var stored *string
	if err := t.q.QueryRow(ctx, `SELECT modalities FROM studies WHERE id = $1 FOR UPDATE`, id).Scan(&stored); err != nil {
		return err
	}
	merged, changed := mergeModalityList(splitValues(stored), modalities)
	if !changed {
		return nil
	}
	_, err := t.q.Exec(ctx, `UPDATE studies SET modalities = $2, updated_at = NOW() WHERE id = $1`, id, joinValues(merged))
	return err
}

// ---------------------------------------------------------------------------
// Scanning
// ---------------------------------------------------------------------------

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func scanPatientPG(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.PatientID, &p.Name, &p.BirthDate, &p.Sex,
		&p.TotalStudies, &p.TotalSeries, &p.TotalInstances, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func scanStudyPG(row pgx.Row) (*Study, error) {
	var s Study
	var modalities *string
	err := row.Scan(&s.ID, &s.PatientRef, &s.StudyInstanceUID, &s.StudyDate, &s.StudyTime, &s.Description,
		&s.AccessionNumber, &modalities, &s.NumberOfSeries, &s.NumberOfInstances, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	s.Modalities = splitValues(modalities)
	return &s, nil
}

func scanSeriesPG(row pgx.Row) (*Series, error) {
	var s Series
	err := row.Scan(&s.ID, &s.StudyRef, &s.SeriesInstanceUID, &s.Modality, &s.Description, &s.SeriesNumber,
		&s.BodyPartExamined, &s.NumberOfInstances, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

func scanInstancePG(row pgx.Row) (*Instance, error) {
	var in Instance
	var spacing, position, orientation *string
	err := row.Scan(&in.ID, &in.SeriesRef, &in.SOPInstanceUID, &in.SOPClassUID, &in.TransferSyntaxUID,
		&in.InstanceNumber, &in.Rows, &in.Columns, &in.NumberOfFrames,
		&in.WindowCenter, &in.WindowWidth, &in.SliceThickness, &in.SliceLocation,
		&spacing, &position, &orientation,
		&in.BlobPath, &in.FileSize, &in.OriginalFilename, &in.Status, &in.CreatedAt, &in.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	in.PixelSpacing = splitFloats(spacing)
	in.ImagePositionPatient = splitFloats(position)
	in.ImageOrientationPatient = splitFloats(orientation)
	return &in, nil
}
