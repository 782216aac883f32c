// Package dicomtest builds small DICOM objects for tests.
package dicomtest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

const (
	CTImageStorage  = "1.2.840.10008.5.1.4.1.1.2"
	MRImageStorage  = "1.2.840.10008.5.1.4.1.1.4"
	ExplicitVRLE    = "1.2.840.10008.1.2.1"
	DefaultModality = "CT"
)

// Object describes one test object. Empty key fields are omitted from the
// dataset, which makes the object fail identity resolution.
type Object struct {
	PatientID         string
	PatientName       string
	PatientBirthDate  string
	StudyInstanceUID  string
	StudyDate         string
	SeriesInstanceUID string
	SOPInstanceUID    string
	SOPClassUID       string
	Modality          string
	InstanceNumber    int
	Rows, Columns     int
	// Extra elements are appended after the standard ones.
	Extra []*dicom.Element
}

// New returns an Object with all four keys set from the given UIDs.
func New(patientID, studyUID, seriesUID, sopUID string) Object {
	return Object{
		PatientID:         patientID,
		PatientName:       "TEST^PATIENT",
		StudyInstanceUID:  studyUID,
		StudyDate:         "20240115",
		SeriesInstanceUID: seriesUID,
		SOPInstanceUID:    sopUID,
		SOPClassUID:       CTImageStorage,
		Modality:          DefaultModality,
		InstanceNumber:    1,
		Rows:              4,
		Columns:           4,
	}
}

// MustNewElement creates a DICOM element, panicking on error.
func MustNewElement(t tag.Tag, value interface{}) *dicom.Element {
	elem, err := dicom.NewElement(t, value)
	if err != nil {
		panic(fmt.Sprintf("failed to create element %v: %v", t, err))
	}
	return elem
}

func (o Object) elements() []*dicom.Element {
	sopClass := o.SOPClassUID
	if sopClass == "" {
		sopClass = CTImageStorage
	}
	elems := []*dicom.Element{
		MustNewElement(tag.TransferSyntaxUID, []string{ExplicitVRLE}),
		MustNewElement(tag.MediaStorageSOPClassUID, []string{sopClass}),
	}
	if o.SOPInstanceUID != "" {
		elems = append(elems, MustNewElement(tag.MediaStorageSOPInstanceUID, []string{o.SOPInstanceUID}))
	}

	str := func(t tag.Tag, v string) {
		if v != "" {
			elems = append(elems, MustNewElement(t, []string{v}))
		}
	}
	str(tag.PatientID, o.PatientID)
	str(tag.PatientName, o.PatientName)
	str(tag.PatientBirthDate, o.PatientBirthDate)
	str(tag.StudyInstanceUID, o.StudyInstanceUID)
	str(tag.StudyDate, o.StudyDate)
	str(tag.SeriesInstanceUID, o.SeriesInstanceUID)
	str(tag.Modality, o.Modality)
	str(tag.SOPInstanceUID, o.SOPInstanceUID)
	str(tag.SOPClassUID, sopClass)
	if o.InstanceNumber > 0 {
		str(tag.InstanceNumber, fmt.Sprintf("%d", o.InstanceNumber))
	}
	if o.Rows > 0 && o.Columns > 0 {
		elems = append(elems,
			MustNewElement(tag.Rows, []int{o.Rows}),
			MustNewElement(tag.Columns, []int{o.Columns}),
		)
	}
	return append(elems, o.Extra...)
}

// Part10 encodes o as a Part-10 file.
func Part10(t testing.TB, o Object) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := dicom.Write(&buf, dicom.Dataset{Elements: o.elements()}); err != nil {
		t.Fatalf("write dicom: %v", err)
	}
	return buf.Bytes()
}

// Dataset encodes o and strips the preamble and file meta group, leaving the
// explicit VR little endian dataset a network peer would send.
func Dataset(t testing.TB, o Object) []byte {
	t.Helper()
	return StripPart10(t, Part10(t, o))
}

// StripPart10 removes the preamble and file meta group from a Part-10 file.
func StripPart10(t testing.TB, file []byte) []byte {
	t.Helper()
	// preamble(128) + "DICM" + (0002,0000) UL element: tag(4) VR(2) len(2) value(4)
	const head = 128 + 4
	if len(file) < head+12 || string(file[128:132]) != "DICM" {
		t.Fatalf("not a part-10 file")
	}
	groupLen := binary.LittleEndian.Uint32(file[head+8 : head+12])
	start := head + 12 + int(groupLen)
	if start > len(file) {
		t.Fatalf("file meta group length %d exceeds file", groupLen)
	}
	return file[start:]
}
