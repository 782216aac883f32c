package imaging

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Patient maps to the patients table.
type Patient struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	PatientID      string     `db:"patient_id" json:"patient_id"`
	Name           *string    `db:"name" json:"name,omitempty"`
	BirthDate      *time.Time `db:"birth_date" json:"birth_date,omitempty"`
	Sex            *string    `db:"sex" json:"sex,omitempty"`
	TotalStudies   int        `db:"total_studies" json:"total_studies"`
	TotalSeries    int        `db:"total_series" json:"total_series"`
	TotalInstances int        `db:"total_instances" json:"total_instances"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// Study maps to the studies table. Modalities holds the distinct series
// modalities seen under the study, in first-seen order.
type Study struct {
	ID                uuid.UUID  `db:"id" json:"id"`
	PatientRef        uuid.UUID  `db:"patient_ref" json:"patient_ref"`
	StudyInstanceUID  string     `db:"study_instance_uid" json:"study_instance_uid"`
	StudyDate         *time.Time `db:"study_date" json:"study_date,omitempty"`
	StudyTime         *string    `db:"study_time" json:"study_time,omitempty"`
	Description       *string    `db:"description" json:"description,omitempty"`
	AccessionNumber   *string    `db:"accession_number" json:"accession_number,omitempty"`
	Modalities        []string   `db:"modalities" json:"modalities"`
	NumberOfSeries    int        `db:"number_of_series" json:"number_of_series"`
	NumberOfInstances int        `db:"number_of_instances" json:"number_of_instances"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

// Series maps to the series table.
type Series struct {
	ID                uuid.UUID `db:"id" json:"id"`
	StudyRef          uuid.UUID `db:"study_ref" json:"study_ref"`
	SeriesInstanceUID string    `db:"series_instance_uid" json:"series_instance_uid"`
	Modality          *string   `db:"modality" json:"modality,omitempty"`
	Description       *string   `db:"description" json:"description,omitempty"`
	SeriesNumber      *int      `db:"series_number" json:"series_number,omitempty"`
	BodyPartExamined  *string   `db:"body_part_examined" json:"body_part_examined,omitempty"`
	NumberOfInstances int       `db:"number_of_instances" json:"number_of_instances"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// Instance maps to the instances table (one stored DICOM file).
type Instance struct {
	ID                      uuid.UUID `db:"id" json:"id"`
	SeriesRef               uuid.UUID `db:"series_ref" json:"series_ref"`
	SOPInstanceUID          string    `db:"sop_instance_uid" json:"sop_instance_uid"`
	SOPClassUID             *string   `db:"sop_class_uid" json:"sop_class_uid,omitempty"`
	TransferSyntaxUID       *string   `db:"transfer_syntax_uid" json:"transfer_syntax_uid,omitempty"`
	InstanceNumber          *int      `db:"instance_number" json:"instance_number,omitempty"`
	Rows                    *int      `db:"pixel_rows" json:"rows,omitempty"`
	Columns                 *int      `db:"pixel_columns" json:"columns,omitempty"`
	NumberOfFrames          *int      `db:"number_of_frames" json:"number_of_frames,omitempty"`
	WindowCenter            *float64  `db:"window_center" json:"window_center,omitempty"`
	WindowWidth             *float64  `db:"window_width" json:"window_width,omitempty"`
	SliceThickness          *float64  `db:"slice_thickness" json:"slice_thickness,omitempty"`
	SliceLocation           *float64  `db:"slice_location" json:"slice_location,omitempty"`
	PixelSpacing            []float64 `db:"pixel_spacing" json:"pixel_spacing,omitempty"`
	ImagePositionPatient    []float64 `db:"image_position_patient" json:"image_position_patient,omitempty"`
	ImageOrientationPatient []float64 `db:"image_orientation_patient" json:"image_orientation_patient,omitempty"`
	BlobPath                string    `db:"blob_path" json:"blob_path"`
	FileSize                int64     `db:"file_size" json:"file_size"`
	OriginalFilename        string    `db:"original_filename" json:"original_filename"`
	Status                  string    `db:"status" json:"status"`
	CreatedAt               time.Time `db:"created_at" json:"created_at"`
	UpdatedAt               time.Time `db:"updated_at" json:"updated_at"`
}

// InstanceStatusStored is the ingestion status of every committed instance.
const InstanceStatusStored = "stored"

// HierarchyCounts holds row counts per level.
type HierarchyCounts struct {
	Patients  int `json:"patients"`
	Studies   int `json:"studies"`
	Series    int `json:"series"`
	Instances int `json:"instances"`
}

func newPatient(md *Metadata, id Identity) *Patient {
	return &Patient{
		PatientID: id.PatientID,
		Name:      md.PatientName,
		BirthDate: md.PatientBirthDate,
		Sex:       md.PatientSex,
	}
}

func newStudy(md *Metadata, id Identity, patientRef uuid.UUID) *Study {
	return &Study{
		PatientRef:       patientRef,
		StudyInstanceUID: id.StudyInstanceUID,
		StudyDate:        md.StudyDate,
		StudyTime:        md.StudyTime,
		Description:      md.StudyDescription,
		AccessionNumber:  md.AccessionNumber,
	}
}

func newSeries(md *Metadata, id Identity, studyRef uuid.UUID) *Series {
	return &Series{
		StudyRef:          studyRef,
		SeriesInstanceUID: id.SeriesInstanceUID,
		Modality:          md.Modality,
		Description:       md.SeriesDescription,
		SeriesNumber:      md.SeriesNumber,
		BodyPartExamined:  md.BodyPartExamined,
	}
}

func newInstance(md *Metadata, id Identity, seriesRef uuid.UUID, blobPath, filename string, size int64) *Instance {
	return &Instance{
		SeriesRef:               seriesRef,
		SOPInstanceUID:          id.SOPInstanceUID,
		SOPClassUID:             md.SOPClassUID,
		TransferSyntaxUID:       md.TransferSyntaxUID,
		InstanceNumber:          md.InstanceNumber,
		Rows:                    md.Rows,
		Columns:                 md.Columns,
		NumberOfFrames:          md.NumberOfFrames,
		WindowCenter:            md.WindowCenter,
		WindowWidth:             md.WindowWidth,
		SliceThickness:          md.SliceThickness,
		SliceLocation:           md.SliceLocation,
		PixelSpacing:            md.PixelSpacing,
		ImagePositionPatient:    md.ImagePositionPatient,
		ImageOrientationPatient: md.ImageOrientationPatient,
		BlobPath:                blobPath,
		FileSize:                size,
		OriginalFilename:        filename,
		Status:                  InstanceStatusStored,
	}
}

// Multi-valued columns are stored in the DICOM wire form, backslash-delimited.

func joinValues(values []string) *string {
	if len(values) == 0 {
		return nil
	}
	s := strings.Join(values, `\`)
	return &s
}

func splitValues(s *string) []string {
	if s == nil || *s == "" {
		return nil
	}
	return strings.Split(*s, `\`)
}

func joinFloats(values []float64) *string {
	if len(values) == 0 {
		return nil
	}
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return joinValues(parts)
}

func splitFloats(s *string) []float64 {
	parts := splitValues(s)
	if parts == nil {
		return nil
	}
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil
		}
		out = append(out, f)
	}
	return out
}

// mergeModalities appends modality to current when absent. The second return
// value reports whether the list changed.
func mergeModalities(current []string, modality string) ([]string, bool) {
	modality = strings.TrimSpace(modality)
	if modality == "" {
		return current, false
	}
	for _, m := range current {
		if m == modality {
			return current, false
		}
	}
	out := make([]string, 0, len(current)+1)
	out = append(out, current...)
	return append(out, modality), true
}

// mergeModalityList merges every entry of add into current, keeping the
// order of current first.
func mergeModalityList(current, add []string) ([]string, bool) {
	changed := false
	for _, m := range add {
		var c bool
		if current, c = mergeModalities(current, m); c {
			changed = true
		}
	}
	return current, changed
}
