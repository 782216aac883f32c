package imaging

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

type repoSQLite struct {
	db *sql.DB
}

// NewSQLiteRepo returns a SQLite-backed Repository. The database must allow
// a single open connection so that units serialise.
func NewSQLiteRepo(db *sql.DB) Repository {
	return &repoSQLite{db: db}
}

type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (r *repoSQLite) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&txSQLite{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *repoSQLite) GetPatient(ctx context.Context, patientID string) (*Patient, error) {
	return scanPatientSQL(r.db.QueryRowContext(ctx, `SELECT `+patientCols+` FROM patients WHERE patient_id = ?`, patientID))
}

func (r *repoSQLite) GetStudy(ctx context.Context, studyInstanceUID string) (*Study, error) {
	return scanStudySQL(r.db.QueryRowContext(ctx, `SELECT `+studyCols+` FROM studies WHERE study_instance_uid = ?`, studyInstanceUID))
}

func (r *repoSQLite) GetSeries(ctx context.Context, seriesInstanceUID string) (*Series, error) {
	return scanSeriesSQL(r.db.QueryRowContext(ctx, `SELECT `+seriesCols+` FROM series WHERE series_instance_uid = ?`, seriesInstanceUID))
}

func (r *repoSQLite) GetInstance(ctx context.Context, sopInstanceUID string) (*Instance, error) {
	return scanInstanceSQL(r.db.QueryRowContext(ctx, `SELECT `+instanceCols+` FROM instances WHERE sop_instance_uid = ?`, sopInstanceUID))
}

func (r *repoSQLite) Counts(ctx context.Context) (*HierarchyCounts, error) {
	var c HierarchyCounts
	err := r.db.QueryRowContext(ctx, `
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

func (r *repoSQLite) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// ---------------------------------------------------------------------------
// Transaction
// ---------------------------------------------------------------------------

type txSQLite struct {
	q sqlQuerier
}

// insertReturning runs an INSERT ... ON CONFLICT DO NOTHING RETURNING id and
// reports whether a row was inserted.
func (t *txSQLite) insertReturning(ctx context.Context, query string, args ...interface{}) (bool, error) {
	var got uuid.UUID
	err := t.q.QueryRowContext(ctx, query, args...).Scan(&got)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (t *txSQLite) FindOrCreatePatient(ctx context.Context, p *Patient) (bool, error) {
	created, err := t.insertReturning(ctx, `
		INSERT INTO patients (id, patient_id, name, birth_date, sex)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (patient_id) DO NOTHING
		RETURNING id`,
		uuid.New(), p.PatientID, p.Name, p.BirthDate, p.Sex,
	)
	if err != nil {
		return false, err
	}
	stored, err := scanPatientSQL(t.q.QueryRowContext(ctx, `SELECT `+patientCols+` FROM patients WHERE patient_id = ?`, p.PatientID))
	if err != nil {
		return false, err
	}
	*p = *stored
	return created, nil
}

func (t *txSQLite) FindOrCreateStudy(ctx context.Context, s *Study) (bool, error) {
	created, err := t.insertReturning(ctx, `
		INSERT INTO studies (id, patient_ref, study_instance_uid, study_date, study_time, description, accession_number, modalities)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (study_instance_uid) DO NOTHING
		RETURNING id`,
		uuid.New(), s.PatientRef, s.StudyInstanceUID, s.StudyDate, s.StudyTime, s.Description, s.AccessionNumber,
		joinValues(s.Modalities),
	)
	if err != nil {
		return false, err
	}
	stored, err := scanStudySQL(t.q.QueryRowContext(ctx, `SELECT `+studyCols+` FROM studies WHERE study_instance_uid = ?`, s.StudyInstanceUID))
	if err != nil {
		return false, err
	}
	*s = *stored
	return created, nil
}

func (t *txSQLite) FindOrCreateSeries(ctx context.Context, s *Series) (bool, error) {
	created, err := t.insertReturning(ctx, `
		INSERT INTO series (id, study_ref, series_instance_uid, modality, description, series_number, body_part_examined)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (series_instance_uid) DO NOTHING
		RETURNING id`,
		uuid.New(), s.StudyRef, s.SeriesInstanceUID, s.Modality, s.Description, s.SeriesNumber, s.BodyPartExamined,
	)
	if err != nil {
		return false, err
	}
	stored, err := scanSeriesSQL(t.q.QueryRowContext(ctx, `SELECT `+seriesCols+` FROM series WHERE series_instance_uid = ?`, s.SeriesInstanceUID))
	if err != nil {
		return false, err
	}
	*s = *stored
	return created, nil
}

func (t *txSQLite) StudyOwner(ctx context.Context, studyInstanceUID string) (string, bool, error) {
	var patientID string
	err := t.q.QueryRowContext(ctx, `
		SELECT p.patient_id FROM studies s JOIN patients p ON p.id = s.patient_ref
		WHERE s.study_instance_uid = ?`, studyInstanceUID).Scan(&patientID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return patientID, true, nil
}

func (t *txSQLite) SeriesOwner(ctx context.Context, seriesInstanceUID string) (string, bool, error) {
	var studyUID string
	err := t.q.QueryRowContext(ctx, `
		SELECT st.study_instance_uid FROM series se JOIN studies st ON st.id = se.study_ref
		WHERE se.series_instance_uid = ?`, seriesInstanceUID).Scan(&studyUID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return studyUID, true, nil
}

func (t *txSQLite) FindInstance(ctx context.Context, sopInstanceUID string) (*Instance, error) {
	return scanInstanceSQL(t.q.QueryRowContext(ctx, `SELECT `+instanceCols+` FROM instances WHERE sop_instance_uid = ?`, sopInstanceUID))
}

func (t *txSQLite) InsertInstance(ctx context.Context, in *Instance) (bool, error) {
	id := uuid.New()
	created, err := t.insertReturning(ctx, `
		INSERT INTO instances (
			id, series_ref, sop_instance_uid, sop_class_uid, transfer_syntax_uid,
			instance_number, pixel_rows, pixel_columns, number_of_frames,
			window_center, window_width, slice_thickness, slice_location,
			pixel_spacing, image_position_patient, image_orientation_patient,
			blob_path, file_size, original_filename, status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (sop_instance_uid) DO NOTHING
		RETURNING id`,
		id, in.SeriesRef, in.SOPInstanceUID, in.SOPClassUID, in.TransferSyntaxUID,
		in.InstanceNumber, in.Rows, in.Columns, in.NumberOfFrames,
		in.WindowCenter, in.WindowWidth, in.SliceThickness, in.SliceLocation,
		joinFloats(in.PixelSpacing), joinFloats(in.ImagePositionPatient), joinFloats(in.ImageOrientationPatient),
		in.BlobPath, in.FileSize, in.OriginalFilename, in.Status,
	)
	if err != nil || !created {
		return false, err
	}
	in.ID = id
	return true, nil
}

func (t *txSQLite) UpdateInstance(ctx context.Context, in *Instance) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE instances SET
			sop_class_uid=?, transfer_syntax_uid=?, instance_number=?,
			pixel_rows=?, pixel_columns=?, number_of_frames=?,
			window_center=?, window_width=?, slice_thickness=?, slice_location=?,
			pixel_spacing=?, image_position_patient=?, image_orientation_patient=?,
			blob_path=?, file_size=?, original_filename=?, status=?, updated_at=CURRENT_TIMESTAMP
		WHERE id = ?`,
		in.SOPClassUID, in.TransferSyntaxUID, in.InstanceNumber,
		in.Rows, in.Columns, in.NumberOfFrames,
		in.WindowCenter, in.WindowWidth, in.SliceThickness, in.SliceLocation,
		joinFloats(in.PixelSpacing), joinFloats(in.ImagePositionPatient), joinFloats(in.ImageOrientationPatient),
		in.BlobPath, in.FileSize, in.OriginalFilename, in.Status,
		in.ID,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *txSQLite) IncrementPatient(ctx context.Context, id uuid.UUID, studies, series, instances int) error {
	_, err := t.q.ExecContext(ctx, `
		UPDATE patients SET
			total_studies = total_studies + ?,
			total_series = total_series + ?,
			total_instances = total_instances + ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, studies, series, instances, id)
	return err
}

func (t *txSQLite) IncrementStudy(ctx context.Context, id uuid.UUID, series, instances int) error {
	_, err := t.q.ExecContext(ctx, `
		UPDATE studies SET
			number_of_series = number_of_series + ?,
			number_of_instances = number_of_instances + ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, series, instances, id)
	return err
}

func (t *txSQLite) IncrementSeries(ctx context.Context, id uuid.UUID, instances int) error {
	_, err := t.q.ExecContext(ctx, `
		UPDATE series SET number_of_instances = number_of_instances + ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, instances, id)
	return err
}

func (t *txSQLite) MergeStudyModalities(ctx context.Context, id uuid.UUID, modalities []string) error {
	var stored *string
	if err := t.q.QueryRowContext(ctx, `SELECT modalities FROM studies WHERE id = ?`, id).Scan(&stored); err != nil {
		return err
	}
	merged, changed := mergeModalityList(splitValues(stored), modalities)
	if !changed {
		return nil
	}
	_, err := t.q.ExecContext(ctx, `UPDATE studies SET modalities = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, joinValues(merged), id)
	return err
}

// ---------------------------------------------------------------------------
// Scanning
// ---------------------------------------------------------------------------

func sqlNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func scanPatientSQL(row *sql.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.PatientID, &p.Name, &p.BirthDate, &p.Sex,
		&p.TotalStudies, &p.TotalSeries, &p.TotalInstances, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, sqlNotFound(err)
	}
	return &p, nil
}

func scanStudySQL(row *sql.Row) (*Study, error) {
	var s Study
	var modalities *string
	err := row.Scan(&s.ID, &s.PatientRef, &s.StudyInstanceUID, &s.StudyDate, &s.StudyTime, &s.Description,
		&s.AccessionNumber, &modalities, &s.NumberOfSeries, &s.NumberOfInstances, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, sqlNotFound(err)
	}
	s.Modalities = splitValues(modalities)
	return &s, nil
}

func scanSeriesSQL(row *sql.Row) (*Series, error) {
	var s Series
	err := row.Scan(&s.ID, &s.StudyRef, &s.SeriesInstanceUID, &s.Modality, &s.Description, &s.SeriesNumber,
		&s.BodyPartExamined, &s.NumberOfInstances, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, sqlNotFound(err)
	}
	return &s, nil
}

func scanInstanceSQL(row *sql.Row) (*Instance, error) {
	var in Instance
	var spacing, position, orientation *string
	err := row.Scan(&in.ID, &in.SeriesRef, &in.SOPInstanceUID, &in.SOPClassUID, &in.TransferSyntaxUID,
		&in.InstanceNumber, &in.Rows, &in.Columns, &in.NumberOfFrames,
		&in.WindowCenter, &in.WindowWidth, &in.SliceThickness, &in.SliceLocation,
		&spacing, &position, &orientation,
		&in.BlobPath, &in.FileSize, &in.OriginalFilename, &in.Status, &in.CreatedAt, &in.UpdatedAt)
	if err != nil {
		return nil, sqlNotFound(err)
	}
	in.PixelSpacing = splitFloats(spacing)
	in.ImagePositionPatient = splitFloats(position)
	in.ImageOrientationPatient = splitFloats(orientation)
	return &in, nil
}
