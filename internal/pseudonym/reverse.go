package pseudonym

import (
	"errors"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrNoMappings is returned when reversal is requested without the mapping
// list. The store holds only hashes, so originals cannot be recovered from it.
var ErrNoMappings = errors.New("cannot reverse: no pseudonym mappings supplied")

// ReverseResult is the output of Reverse
type ReverseResult struct {
	OriginalText  string `json:"originalText"`
	ReversalCount int    `json:"reversalCount"`
}

// Reverse restores original values using caller-held mappings. Longer
// pseudonyms are placed first and only whole-word occurrences are replaced.
func Reverse(text string, mappings []Mapping) (ReverseResult, error) {
	if len(mappings) == 0 {
		return ReverseResult{OriginalText: text}, ErrNoMappings
	}

	sorted := make([]Mapping, 0, len(mappings))
	seen := make(map[string]bool, len(mappings))
	for _, m := range mappings {
		if m.Pseudonym == "" || seen[m.Pseudonym] {
			continue
		}
		seen[m.Pseudonym] = true
		sorted = append(sorted, m)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Pseudonym) > len(sorted[j].Pseudonym)
	})

	var claimed []span
	for _, m := range sorted {
		for _, loc := range findOnBoundaries(text, m.Pseudonym) {
			end := loc + len(m.Pseudonym)
			if overlapsAny(loc, end, claimed) {
				continue
			}
			claimed = append(claimed, span{loc, end, m.OriginalValue})
		}
	}

	return ReverseResult{
		OriginalText:  applySpans(text, claimed),
		ReversalCount: len(claimed),
	}, nil
}

// findOnBoundaries returns the offsets of needle in text where it is not
// glued to a neighbouring letter or digit.
func findOnBoundaries(text, needle string) []int {
	if needle == "" {
		return nil
	}

	var locs []int
	for offset := 0; offset <= len(text)-len(needle); {
		i := strings.Index(text[offset:], needle)
		if i < 0 {
			break
		}
		start := offset + i
		end := start + len(needle)
		if onBoundary(text, start, end, needle) {
			locs = append(locs, start)
			offset = end
			continue
		}
		_, size := utf8.DecodeRuneInString(text[start:])
		offset = start + size
	}
	return locs
}

func onBoundary(text string, start, end int, needle string) bool {
	first, _ := utf8.DecodeRuneInString(needle)
	last, _ := utf8.DecodeLastRuneInString(needle)

	if isWordRune(first) && start > 0 {
		prev, _ := utf8.DecodeLastRuneInString(text[:start])
		if isWordRune(prev) {
			return false
		}
	}
	if isWordRune(last) && end < len(text) {
		next, _ := utf8.DecodeRuneInString(text[end:])
		if isWordRune(next) {
			return false
		}
	}
	return true
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
