package models

import (
	"errors"
	"math"
	"testing"
)

func TestVector_BytesRoundTrip(t *testing.T) {
	v := Vector{1.5, -2.25, 0, float32(math.MaxFloat32)}
	got, err := VectorFromBytes(v.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(v) {
		t.Fatalf("len: got %d want %d", len(got), len(v))
	}
	for i := range v {
		if got[i] != v[i] {
			t.Errorf("component %d: got %v want %v", i, got[i], v[i])
		}
	}
	if _, err := VectorFromBytes([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for truncated blob")
	}
}

func TestVector_Validate(t *testing.T) {
	tests := []struct {
		name    string
		v       Vector
		dims    int
		wantErr bool
	}{
		{"ok", Vector{1, 2, 3}, 3, false},
		{"short", Vector{1, 2}, 3, true},
		{"nan", Vector{1, float32(math.NaN()), 3}, 3, true},
		{"inf", Vector{float32(math.Inf(-1)), 2, 3}, 3, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.v.Validate(tt.dims)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidVector) {
				t.Errorf("error should wrap ErrInvalidVector: %v", err)
			}
		})
	}
}

func TestSearchQuery_Validate(t *testing.T) {
	id := uint64(4)
	q := &SearchQuery{Levels: []string{"."}, Vector: Vector{1}}
	if err := q.Validate(); err != nil {
		t.Fatal(err)
	}
	if q.K != 10 {
		t.Errorf("K default: got %d", q.K)
	}
	if err := (&SearchQuery{Levels: []string{"."}}).Validate(); err == nil {
		t.Error("expected error without vector or id")
	}
	if err := (&SearchQuery{Levels: []string{"a", "b"}, ID: &id}).Validate(); err == nil {
		t.Error("expected error for id search across levels")
	}
	if err := (&SearchQuery{Vector: Vector{1}}).Validate(); err == nil {
		t.Error("expected error without levels")
	}
}

func TestVector_IsZero(t *testing.T) {
	if !(Vector{0, 0, 0}).IsZero() {
		t.Error("all-zero vector should be zero")
	}
	if (Vector{0, float32(math.SmallestNonzeroFloat32), 0}).IsZero() {
		t.Error("vector with a non-zero component should not be zero")
	}
}
