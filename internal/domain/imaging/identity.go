package imaging

import "strings"

// Identity is the natural key of an object at each hierarchy level.
type Identity struct {
	PatientID         string `json:"patientId"`
	StudyInstanceUID  string `json:"studyInstanceUID"`
	SeriesInstanceUID string `json:"seriesInstanceUID"`
	SOPInstanceUID    string `json:"sopInstanceUID"`
}

// Resolve extracts the four hierarchy keys. Every key must be non-empty; UID
// syntax is not checked.
func Resolve(md *Metadata) (Identity, error) {
	if md == nil {
		return Identity{}, &ValidationError{Missing: []string{"PatientID", "StudyInstanceUID", "SeriesInstanceUID", "SOPInstanceUID"}}
	}

	id := Identity{
		PatientID:         trimmed(md.PatientID),
		StudyInstanceUID:  trimmed(md.StudyInstanceUID),
		SeriesInstanceUID: trimmed(md.SeriesInstanceUID),
		SOPInstanceUID:    trimmed(md.SOPInstanceUID),
	}

	var missing []string
	if id.PatientID == "" {
		missing = append(missing, "PatientID")
	}
	if id.StudyInstanceUID == "" {
		missing = append(missing, "StudyInstanceUID")
	}
	if id.SeriesInstanceUID == "" {
		missing = append(missing, "SeriesInstanceUID")
	}
	if id.SOPInstanceUID == "" {
		missing = append(missing, "SOPInstanceUID")
	}
	if len(missing) > 0 {
		return Identity{}, &ValidationError{Missing: missing}
	}
	return id, nil
}

func trimmed(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}
