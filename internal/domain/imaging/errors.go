package imaging

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for errors.Is checks against the typed errors below.
var (
	ErrDecode             = errors.New("decode error")
	ErrValidation         = errors.New("validation error")
	ErrDuplicate          = errors.New("duplicate instance")
	ErrInconsistentSeries = errors.New("inconsistent series")
	ErrStorage            = errors.New("storage error")
	ErrTransaction        = errors.New("transaction error")
	ErrNotFound           = errors.New("not found")
)

// DecodeError reports a byte stream that could not be parsed as DICOM.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string        { return fmt.Sprintf("decode dicom: %v", e.Err) }
func (e *DecodeError) Unwrap() error        { return e.Err }
func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// ValidationError reports missing hierarchy keys.
type ValidationError struct {
	Missing []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("missing required attribute(s): %s", strings.Join(e.Missing, ", "))
}
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// DuplicateError reports a SOPInstanceUID that is already stored and could not
// be overwritten.
type DuplicateError struct {
	SOPInstanceUID string
	Reason         string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("instance %s already exists: %s", e.SOPInstanceUID, e.Reason)
}
func (e *DuplicateError) Is(target error) bool { return target == ErrDuplicate }

// InconsistentSeriesError rejects every member of a series group whose
// objects disagree on their parents, or whose parents disagree with the
// stored hierarchy.
type InconsistentSeriesError struct {
	SeriesInstanceUID string
	Reason            string
}

func (e *InconsistentSeriesError) Error() string {
	return fmt.Sprintf("series %s is inconsistent: %s", e.SeriesInstanceUID, e.Reason)
}
func (e *InconsistentSeriesError) Is(target error) bool { return target == ErrInconsistentSeries }

// StorageError wraps a blob write or delete failure.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("blob %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("blob %s %s: %v", e.Op, e.Path, e.Err)
}
func (e *StorageError) Unwrap() error        { return e.Err }
func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// TransactionError marks a unit-fatal database failure. Everything written by
// the unit has been rolled back.
type TransactionError struct {
	Err error
}

func (e *TransactionError) Error() string        { return fmt.Sprintf("ingestion transaction failed: %v", e.Err) }
func (e *TransactionError) Unwrap() error        { return e.Err }
func (e *TransactionError) Is(target error) bool { return target == ErrTransaction }
