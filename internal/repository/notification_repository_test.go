package repository

import "testing"

func TestClampLimit(t *testing.T) {
	cases := []struct {
		in, want int
	}{
		{0, DefaultListLimit},
		{-3, DefaultListLimit},
		{10, 10},
		{MaxListLimit + 1, MaxListLimit},
	}
	for _, tc := range cases {
		if got := ClampLimit(tc.in); got != tc.want {
			t.Fatalf("ClampLimit(%d): expected %d, got %d", tc.in, tc.want, got)
		}
	}
}

func TestNullableStringTrimsEmpty(t *testing.T) {
	blank := "  "
	if got := nullableString(&blank); got != nil {
		t.Fatalf("expected nil for blank string, got %v", got)
	}
	if got := nullableString(nil); got != nil {
		t.Fatalf("expected nil for nil pointer, got %v", got)
	}
	value := " project "
	if got := nullableString(&value); got != "project" {
		t.Fatalf("expected trimmed value, got %v", got)
	}
}
