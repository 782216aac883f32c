package imaging

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// DuplicatePolicy decides what happens to an object whose SOPInstanceUID is
// already stored.
type DuplicatePolicy string

const (
	// DuplicateOverwrite replaces the stored instance's metadata and blob.
	DuplicateOverwrite DuplicatePolicy = "overwrite"
	// DuplicateReject drops the object with a DuplicateError.
	DuplicateReject DuplicatePolicy = "reject"
)

// ParseDuplicatePolicy accepts "overwrite" or "reject", case-insensitively.
// An empty string selects DuplicateOverwrite.
func ParseDuplicatePolicy(s string) (DuplicatePolicy, error) {
	switch DuplicatePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", DuplicateOverwrite:
		return DuplicateOverwrite, nil
	case DuplicateReject:
		return DuplicateReject, nil
	default:
		return "", fmt.Errorf("unknown duplicate policy %q (want overwrite or reject)", s)
	}
}

// DuplicateAction is the guard's verdict for one object.
type DuplicateAction int

const (
	ActionCreate DuplicateAction = iota
	ActionOverwrite
)

// DuplicateGuard is the single duplicate check point of an ingestion unit. It
// runs inside the unit's transaction, so HTTP and network ingestion see the
// same verdict for the same input.
type DuplicateGuard struct {
	policy DuplicatePolicy
}

func NewDuplicateGuard(policy DuplicatePolicy) DuplicateGuard {
	if policy == "" {
		policy = DuplicateOverwrite
	}
	return DuplicateGuard{policy: policy}
}

// Policy returns the configured policy.
func (g DuplicateGuard) Policy() DuplicatePolicy { return g.policy }

// Check looks the SOPInstanceUID up. A nil instance means NotFound.
func (g DuplicateGuard) Check(ctx context.Context, tx Tx, sopInstanceUID string) (*Instance, error) {
	existing, err := tx.FindInstance(ctx, sopInstanceUID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("check duplicate %s: %w", sopInstanceUID, err)
	}
	return existing, nil
}

// Decide applies the policy to a Check result. An instance stored under a
// different series is never overwritten: moving it would leave both series'
// counters wrong.
func (g DuplicateGuard) Decide(existing *Instance, sopInstanceUID string, seriesRef uuid.UUID) (DuplicateAction, error) {
	if existing == nil {
		return ActionCreate, nil
	}
	if existing.SeriesRef != seriesRef {
		return 0, &DuplicateError{SOPInstanceUID: sopInstanceUID, Reason: "stored under a different series"}
	}
	if g.policy == DuplicateReject {
		return 0, &DuplicateError{SOPInstanceUID: sopInstanceUID, Reason: "duplicate policy is reject"}
	}
	return ActionOverwrite, nil
}
