package pseudonym

import (
	"errors"
	"testing"
)

func TestReverse(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		mappings []Mapping
		want     string
		count    int
	}{
		{
			name: "longer pseudonym first",
			text: "PERSON_42 and PERSON_4",
			mappings: []Mapping{
				{OriginalValue: "Ann", Pseudonym: "PERSON_4"},
				{OriginalValue: "Bob", Pseudonym: "PERSON_42"},
			},
			want:  "Bob and Ann",
			count: 2,
		},
		{
			name:     "whole words only",
			text:     "Always ask Al",
			mappings: []Mapping{{OriginalValue: "Bob", Pseudonym: "Al"}},
			want:     "Always ask Bob",
			count:    1,
		},
		{
			name:     "punctuation edges",
			text:     "mail riley.barnes3f2@example.net, thanks",
			mappings: []Mapping{{OriginalValue: "john@example.com", Pseudonym: "riley.barnes3f2@example.net"}},
			want:     "mail john@example.com, thanks",
			count:    1,
		},
		{
			name:     "bracketed fallback",
			text:     "id[PSEUDONYM_CUSTOM_0a1b2c3d]x",
			mappings: []Mapping{{OriginalValue: "EMP-1", Pseudonym: "[PSEUDONYM_CUSTOM_0a1b2c3d]"}},
			want:     "idEMP-1x",
			count:    1,
		},
		{
			name:     "no occurrence",
			text:     "nothing here",
			mappings: []Mapping{{OriginalValue: "x", Pseudonym: "PERSON_1"}},
			want:     "nothing here",
			count:    0,
		},
		{
			name: "duplicate pseudonym keeps first mapping",
			text: "Sage",
			mappings: []Mapping{
				{OriginalValue: "Jane", Pseudonym: "Sage"},
				{OriginalValue: "Joan", Pseudonym: "Sage"},
			},
			want:  "Jane",
			count: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Reverse(tt.text, tt.mappings)
			if err != nil {
				t.Fatalf("Reverse() error = %v", err)
			}
			if got.OriginalText != tt.want {
				t.Errorf("Reverse() = %q, want %q", got.OriginalText, tt.want)
			}
			if got.ReversalCount != tt.count {
				t.Errorf("ReversalCount = %d, want %d", got.ReversalCount, tt.count)
			}
		})
	}
}

func TestReverse_NoMappings(t *testing.T) {
	got, err := Reverse("PERSON_42 called", nil)
	if !errors.Is(err, ErrNoMappings) {
		t.Fatalf("Reverse() error = %v, want ErrNoMappings", err)
	}
	if got.OriginalText != "PERSON_42 called" || got.ReversalCount != 0 {
		t.Errorf("Reverse() = %+v, want text unchanged", got)
	}
}

func TestFindOnBoundaries(t *testing.T) {
	tests := []struct {
		text, needle string
		want         []int
	}{
		{"Matt Matthew Matt", "Matt", []int{0, 13}},
		{"xMatt", "Matt", nil},
		{"Matt_", "Matt", nil},
		{"(Matt)", "Matt", []int{1}},
		{"ÅMatt Matt", "Matt", []int{7}},
		{"aaa", "aa", nil},
	}
	for _, tt := range tests {
		got := findOnBoundaries(tt.text, tt.needle)
		if len(got) != len(tt.want) {
			t.Errorf("findOnBoundaries(%q, %q) = %v, want %v", tt.text, tt.needle, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("findOnBoundaries(%q, %q) = %v, want %v", tt.text, tt.needle, got, tt.want)
			}
		}
	}
}
