package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Metadata is the decoded attribute set of one DICOM object. Every attribute is
// optional: an absent, empty or unparseable value is left nil.
type Metadata struct {
	// Patient level
	PatientID        *string    `json:"patientId,omitempty"`
	PatientName      *string    `json:"patientName,omitempty"`
	PatientBirthDate *time.Time `json:"patientBirthDate,omitempty"`
	PatientSex       *string    `json:"patientSex,omitempty"`

	// Study level
	StudyInstanceUID       *string    `json:"studyInstanceUID,omitempty"`
	StudyDate              *time.Time `json:"studyDate,omitempty"`
	StudyTime              *string    `json:"studyTime,omitempty"`
	StudyDescription       *string    `json:"studyDescription,omitempty"`
	AccessionNumber        *string    `json:"accessionNumber,omitempty"`
	ReferringPhysicianName *string    `json:"referringPhysicianName,omitempty"`

	// Series level
	SeriesInstanceUID *string `json:"seriesInstanceUID,omitempty"`
	Modality          *string `json:"modality,omitempty"`
	SeriesDescription *string `json:"seriesDescription,omitempty"`
	SeriesNumber      *int    `json:"seriesNumber,omitempty"`
	BodyPartExamined  *string `json:"bodyPartExamined,omitempty"`

	// Instance level
	SOPInstanceUID            *string    `json:"sopInstanceUID,omitempty"`
	SOPClassUID               *string    `json:"sopClassUID,omitempty"`
	TransferSyntaxUID         *string    `json:"transferSyntaxUID,omitempty"`
	InstanceNumber            *int       `json:"instanceNumber,omitempty"`
	ContentDate               *time.Time `json:"contentDate,omitempty"`
	AcquisitionDate           *time.Time `json:"acquisitionDate,omitempty"`
	Manufacturer              *string    `json:"manufacturer,omitempty"`
	Rows                      *int       `json:"rows,omitempty"`
	Columns                   *int       `json:"columns,omitempty"`
	BitsAllocated             *int       `json:"bitsAllocated,omitempty"`
	NumberOfFrames            *int       `json:"numberOfFrames,omitempty"`
	PhotometricInterpretation *string    `json:"photometricInterpretation,omitempty"`
	WindowCenter              *float64   `json:"windowCenter,omitempty"`
	WindowWidth               *float64   `json:"windowWidth,omitempty"`
	SliceThickness            *float64   `json:"sliceThickness,omitempty"`
	SliceLocation             *float64   `json:"sliceLocation,omitempty"`
	PixelSpacing              []float64  `json:"pixelSpacing,omitempty"`
	ImagePositionPatient      []float64  `json:"imagePositionPatient,omitempty"`
	ImageOrientationPatient   []float64  `json:"imageOrientationPatient,omitempty"`

	// HasPixelData reports whether the stream carries a pixel data element.
	// The payload itself is never loaded; it stays in the stored blob.
	HasPixelData bool `json:"hasPixelData"`
}

// Decode parses a DICOM Part-10 stream. It has no side effects. Only a stream
// that cannot be parsed at all fails, with a *DecodeError.
func Decode(raw []byte) (md *Metadata, err error) {
	if len(raw) == 0 {
		return nil, &DecodeError{Err: errors.New("empty stream")}
	}

	// The parser can panic on some truncated inputs.
	defer func() {
		if r := recover(); r != nil {
			md = nil
			err = &DecodeError{Err: fmt.Errorf("parser panic: %v", r)}
		}
	}()

	ds, perr := dicom.Parse(bytes.NewReader(raw), int64(len(raw)), nil, dicom.SkipPixelData())
	if perr != nil {
		return nil, &DecodeError{Err: perr}
	}
	return metadataFromDataset(&ds), nil
}

func metadataFromDataset(ds *dicom.Dataset) *Metadata {
	_, pixErr := ds.FindElementByTag(tag.PixelData)

	return &Metadata{
		PatientID:        getString(ds, tag.PatientID),
		PatientName:      getString(ds, tag.PatientName),
		PatientBirthDate: getDate(ds, tag.PatientBirthDate),
		PatientSex:       getString(ds, tag.PatientSex),

		StudyInstanceUID:       getString(ds, tag.StudyInstanceUID),
		StudyDate:              getDate(ds, tag.StudyDate),
		StudyTime:              getString(ds, tag.StudyTime),
		StudyDescription:       getString(ds, tag.StudyDescription),
		AccessionNumber:        getString(ds, tag.AccessionNumber),
		ReferringPhysicianName: getString(ds, tag.ReferringPhysicianName),

		SeriesInstanceUID: getString(ds, tag.SeriesInstanceUID),
		Modality:          getString(ds, tag.Modality),
		SeriesDescription: getString(ds, tag.SeriesDescription),
		SeriesNumber:      getInt(ds, tag.SeriesNumber),
		BodyPartExamined:  getString(ds, tag.BodyPartExamined),

		SOPInstanceUID:            getString(ds, tag.SOPInstanceUID),
		SOPClassUID:               getString(ds, tag.SOPClassUID),
		TransferSyntaxUID:         getString(ds, tag.TransferSyntaxUID),
		InstanceNumber:            getInt(ds, tag.InstanceNumber),
		ContentDate:               getDate(ds, tag.ContentDate),
		AcquisitionDate:           getDate(ds, tag.AcquisitionDate),
		Manufacturer:              getString(ds, tag.Manufacturer),
		Rows:                      getInt(ds, tag.Rows),
		Columns:                   getInt(ds, tag.Columns),
		BitsAllocated:             getInt(ds, tag.BitsAllocated),
		NumberOfFrames:            getInt(ds, tag.NumberOfFrames),
		PhotometricInterpretation: getString(ds, tag.PhotometricInterpretation),
		WindowCenter:              getFloat(ds, tag.WindowCenter),
		WindowWidth:               getFloat(ds, tag.WindowWidth),
		SliceThickness:            getFloat(ds, tag.SliceThickness),
		SliceLocation:             getFloat(ds, tag.SliceLocation),
		PixelSpacing:              getFloats(ds, tag.PixelSpacing),
		ImagePositionPatient:      getFloats(ds, tag.ImagePositionPatient),
		ImageOrientationPatient:   getFloats(ds, tag.ImageOrientationPatient),

		HasPixelData: pixErr == nil,
	}
}

// rawStrings returns the element's values as trimmed strings, whatever the
// underlying value type.
func rawStrings(ds *dicom.Dataset, t tag.Tag) []string {
	elem, err := ds.FindElementByTag(t)
	if err != nil || elem == nil || elem.Value == nil {
		return nil
	}
	switch v := elem.Value.GetValue().(type) {
	case []string:
		out := make([]string, 0, len(v))
		for _, s := range v {
			out = append(out, strings.TrimRight(strings.TrimSpace(s), "\x00"))
		}
		return out
	case []int:
		out := make([]string, 0, len(v))
		for _, n := range v {
			out = append(out, strconv.Itoa(n))
		}
		return out
	case []float64:
		out := make([]string, 0, len(v))
		for _, f := range v {
			out = append(out, strconv.FormatFloat(f, 'g', -1, 64))
		}
		return out
	default:
		return nil
	}
}

func getString(ds *dicom.Dataset, t tag.Tag) *string {
	values := rawStrings(ds, t)
	if len(values) == 0 {
		return nil
	}
	s := strings.Join(values, `\`)
	if s == "" {
		return nil
	}
	return &s
}

func getInt(ds *dicom.Dataset, t tag.Tag) *int {
	values := rawStrings(ds, t)
	if len(values) == 0 || values[0] == "" {
		return nil
	}
	n, err := strconv.Atoi(values[0])
	if err != nil {
		f, ferr := strconv.ParseFloat(values[0], 64)
		if ferr != nil {
			return nil
		}
		n = int(f)
	}
	return &n
}

// getFloat returns the first value of a possibly multi-valued numeric element.
func getFloat(ds *dicom.Dataset, t tag.Tag) *float64 {
	values := getFloats(ds, t)
	if len(values) == 0 {
		return nil
	}
	return &values[0]
}

func getFloats(ds *dicom.Dataset, t tag.Tag) []float64 {
	values := rawStrings(ds, t)
	var out []float64
	for _, v := range values {
		// Some writers pack a whole DS list into one value.
		for _, part := range strings.Split(v, `\`) {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			f, err := strconv.ParseFloat(part, 64)
			if err != nil {
				return nil
			}
			out = append(out, f)
		}
	}
	return out
}

var dateLayouts = []string{"20060102", "2006.01.02", "2006-01-02"}

func getDate(ds *dicom.Dataset, t tag.Tag) *time.Time {
	s := getString(ds, t)
	if s == nil {
		return nil
	}
	return parseDate(*s)
}

// parseDate returns nil for empty or malformed DA values.
func parseDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, s); err == nil {
			return &d
		}
	}
	return nil
}
