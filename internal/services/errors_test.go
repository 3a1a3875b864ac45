package services

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapTagsMarker(t *testing.T) {
	base := errors.New("disk full")
	err := Wrap(ErrTransient, "publish", "move artifact", "failed to promote mosaic", base)
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected error to match ErrTransient: %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped cause to survive: %v", err)
	}
}

func TestWrapNilMarkerDefaultsToTransient(t *testing.T) {
	err := Wrap(nil, "calibrate", "solve", "", nil)
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected default marker ErrTransient, got %v", err)
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", Wrap(ErrTransient, "image", "grid", "", nil), true},
		{"timeout", Wrap(ErrTimeout, "image", "grid", "", nil), true},
		{"external", Wrap(ErrExternalTool, "mosaic", "run", "", nil), true},
		{"validation", Wrap(ErrValidation, "calibrate", "inputs", "", nil), false},
		{"configuration", Wrap(ErrConfiguration, "", "", "missing staging dir", nil), false},
		{"not found", Wrap(ErrNotFound, "calibrate", "lookup", "no artifact", nil), false},
		{"untagged", fmt.Errorf("plain"), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Retryable(tc.err); got != tc.want {
				t.Fatalf("Retryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
