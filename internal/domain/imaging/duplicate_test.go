package imaging

import (
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestParseDuplicatePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    DuplicatePolicy
		wantErr bool
	}{
		{"", DuplicateOverwrite, false},
		{"overwrite", DuplicateOverwrite, false},
		{" REJECT ", DuplicateReject, false},
		{"ignore", "", true},
	}
	for _, tt := range tests {
		got, err := ParseDuplicatePolicy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseDuplicatePolicy(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseDuplicatePolicy(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDuplicateGuard_Decide(t *testing.T) {
	series := uuid.New()
	stored := &Instance{SeriesRef: series}

	overwrite := NewDuplicateGuard("")
	if overwrite.Policy() != DuplicateOverwrite {
		t.Errorf("expected default policy overwrite, got %s", overwrite.Policy())
	}

	if a, err := overwrite.Decide(nil, "1", series); err != nil || a != ActionCreate {
		t.Errorf("not found: expected create, got %v, %v", a, err)
	}
	if a, err := overwrite.Decide(stored, "1", series); err != nil || a != ActionOverwrite {
		t.Errorf("same series: expected overwrite, got %v, %v", a, err)
	}
	if _, err := overwrite.Decide(stored, "1", uuid.New()); !errors.Is(err, ErrDuplicate) {
		t.Errorf("other series: expected ErrDuplicate, got %v", err)
	}

	reject := NewDuplicateGuard(DuplicateReject)
	if _, err := reject.Decide(stored, "1", series); !errors.Is(err, ErrDuplicate) {
		t.Errorf("reject policy: expected ErrDuplicate, got %v", err)
	}
	if a, err := reject.Decide(nil, "1", series); err != nil || a != ActionCreate {
		t.Errorf("reject policy, not found: expected create, got %v, %v", a, err)
	}
}
