package pseudonym

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/raaihank/pii-gateway/internal/logger"
	"github.com/raaihank/pii-gateway/internal/privacy"
	"github.com/raaihank/pii-gateway/internal/store"
	"go.uber.org/zap"
)

// Mapping is one reversible substitution
type Mapping struct {
	OriginalValue string           `json:"originalValue"`
	Pseudonym     string           `json:"pseudonym"`
	DataType      privacy.DataType `json:"dataType"`
	IsNew         bool             `json:"isNew"`
	Context       string           `json:"context,omitempty"`
}

// Result is the output of Pseudonymize
type Result struct {
	PseudonymizedText string    `json:"pseudonymizedText"`
	Mappings          []Mapping `json:"mappings"`
}

// PseudonymResult is the output of ResolveOrCreate
type PseudonymResult struct {
	Pseudonym string `json:"pseudonym"`
	IsNew     bool   `json:"isNew"`
}

// Detector is the pattern matcher used by the pattern pass
type Detector interface {
	Detect(text string, opts privacy.DetectOptions) privacy.DetectResult
}

// Recorder observes pseudonym resolution
type Recorder interface {
	RecordPseudonym(dataType string, isNew bool)
}

// Pseudonymizer replaces PII with stable pseudonyms backed by the store
type Pseudonymizer struct {
	store    store.Store
	detector Detector
	recorder Recorder
	logger   *logger.Logger
}

// New creates a pseudonymizer. A nil recorder disables instrumentation.
func New(st store.Store, detector Detector, recorder Recorder, log *logger.Logger) *Pseudonymizer {
	return &Pseudonymizer{
		store:    st,
		detector: detector,
		recorder: recorder,
		logger:   log.WithComponent("pseudonymizer"),
	}
}

type span struct {
	start, end  int
	replacement string
}

// Pseudonymize runs the dictionary pass then the pattern pass over text.
// Store failures degrade to fresh pseudonyms; only context cancellation is
// returned as an error.
func (p *Pseudonymizer) Pseudonymize(ctx context.Context, text, requestContext string) (*Result, error) {
	result := &Result{PseudonymizedText: text, Mappings: []Mapping{}}
	if text == "" {
		return result, nil
	}

	entries, err := p.store.LoadDictionaryEntries(ctx, store.DictionaryFilter{ActiveOnly: true})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		p.logger.Warn("Dictionary load failed, continuing with pattern pass only", zap.Error(err))
		entries = nil
	}

	var literals []store.DictionaryEntry
	for _, e := range entries {
		if !IsSampleCategory(e.Category) {
			literals = append(literals, e)
		}
	}
	samples := SamplesFromEntries(entries)

	// Phase 1: dictionary literals
	substituted, reserved, mappings := substituteLiterals(text, literals, requestContext)
	result.Mappings = append(result.Mappings, mappings...)

	// Phase 2: detected patterns on the substituted text. Every match is
	// replaced, so the classification cap does not apply here.
	detection := p.detector.Detect(substituted, privacy.DetectOptions{MaxMatches: privacy.Unlimited})

	var (
		replacements []span
		resolved     = make(map[string]int)
		byPseudonym  = make(map[string]string)
	)
	for _, m := range result.Mappings {
		byPseudonym[m.Pseudonym] = m.OriginalValue
	}

	for _, m := range detection.Matches {
		if overlapsAny(m.StartIndex, m.EndIndex, reserved) {
			continue
		}

		if idx, ok := resolved[m.Value]; ok {
			replacements = append(replacements, span{m.StartIndex, m.EndIndex, result.Mappings[idx].Pseudonym})
			continue
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res := p.resolve(ctx, m.Value, m.DataType, requestContext, samples)
		if prev, clash := byPseudonym[res.Pseudonym]; clash && prev != m.Value {
			p.logger.Warn("Pseudonym collision within request; reversal may be ambiguous",
				zap.String("data_type", string(m.DataType)),
				zap.String("original_hash", HashValue(m.Value)[:12]),
			)
		}
		byPseudonym[res.Pseudonym] = m.Value

		resolved[m.Value] = len(result.Mappings)
		result.Mappings = append(result.Mappings, Mapping{
			OriginalValue: m.Value,
			Pseudonym:     res.Pseudonym,
			DataType:      m.DataType,
			IsNew:         res.IsNew,
			Context:       requestContext,
		})
		replacements = append(replacements, span{m.StartIndex, m.EndIndex, res.Pseudonym})
	}

	result.PseudonymizedText = applySpans(substituted, replacements)

	p.logger.Debug("Text pseudonymized",
		zap.Int("dictionary_mappings", len(mappings)),
		zap.Int("pattern_mappings", len(result.Mappings)-len(mappings)),
		zap.Int("replacements", len(replacements)),
	)
	return result, nil
}

// substituteLiterals replaces dictionary literals, longest first, on word
// boundaries. It returns the new text, the spans now occupied by literal
// pseudonyms, and one mapping per entry that was applied.
func substituteLiterals(text string, entries []store.DictionaryEntry, requestContext string) (string, []span, []Mapping) {
	if len(entries) == 0 {
		return text, nil, nil
	}

	sorted := make([]store.DictionaryEntry, 0, len(entries))
	for _, e := range entries {
		if e.OriginalValue != "" {
			sorted = append(sorted, e)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].OriginalValue) > len(sorted[j].OriginalValue)
	})

	var (
		claimed  []span
		mappings []Mapping
	)
	for _, e := range sorted {
		found := false
		for _, loc := range findOnBoundaries(text, e.OriginalValue) {
			if overlapsAny(loc, loc+len(e.OriginalValue), claimed) {
				continue
			}
			claimed = append(claimed, span{loc, loc + len(e.OriginalValue), e.Pseudonym})
			found = true
		}
		if found {
			dataType, err := privacy.ParseDataType(e.DataType)
			if err != nil {
				dataType = privacy.DataTypeCustom
			}
			mappings = append(mappings, Mapping{
				OriginalValue: e.OriginalValue,
				Pseudonym:     e.Pseudonym,
				DataType:      dataType,
				IsNew:         false,
				Context:       requestContext,
			})
		}
	}

	if len(claimed) == 0 {
		return text, nil, nil
	}

	sort.Slice(claimed, func(i, j int) bool { return claimed[i].start < claimed[j].start })
	var b strings.Builder
	reserved := make([]span, 0, len(claimed))
	last := 0
	for _, s := range claimed {
		b.WriteString(text[last:s.start])
		start := b.Len()
		b.WriteString(s.replacement)
		reserved = append(reserved, span{start, b.Len(), s.replacement})
		last = s.end
	}
	b.WriteString(text[last:])
	return b.String(), reserved, mappings
}

// ResolveOrCreate returns the stable pseudonym for a value, creating and
// storing one on first sight.
func (p *Pseudonymizer) ResolveOrCreate(ctx context.Context, original string, dataType privacy.DataType, requestContext string) PseudonymResult {
	entries, err := p.store.LoadDictionaryEntries(ctx, store.DictionaryFilter{
		Categories: []string{CategoryFirstName, CategoryLastName, CategoryEmailDomain},
		ActiveOnly: true,
	})
	if err != nil {
		p.logger.Warn("Sample load failed, using built-in samples", zap.Error(err))
	}
	return p.resolve(ctx, original, dataType, requestContext, SamplesFromEntries(entries))
}

func (p *Pseudonymizer) resolve(ctx context.Context, original string, dataType privacy.DataType, requestContext string, samples Samples) PseudonymResult {
	hash := HashValue(original)
	log := p.logger.With(
		zap.String("data_type", string(dataType)),
		zap.String("original_hash", hash[:12]),
	)

	rec, err := p.store.LookupPseudonym(ctx, hash)
	if err != nil {
		log.Warn("Pseudonym lookup failed, treating as miss", zap.Error(err))
		rec = nil
	}
	if rec != nil {
		if err := p.store.IncrementUsage(ctx, rec.ID); err != nil {
			log.Warn("Failed to increment pseudonym usage", zap.Error(err))
		}
		p.record(dataType, false)
		return PseudonymResult{Pseudonym: rec.Pseudonym, IsNew: false}
	}

	generated := Generate(hash, original, dataType, samples)
	newRec := &store.PseudonymRecord{
		OriginalHash: hash,
		Pseudonym:    generated,
		DataType:     string(dataType),
	}
	if requestContext != "" {
		newRec.Context = &requestContext
	}

	err = p.store.InsertPseudonym(ctx, newRec)
	switch {
	case errors.Is(err, store.ErrDuplicate):
		// Lost a race with another writer; the stored mapping wins.
		winner, lookupErr := p.store.LookupPseudonym(ctx, hash)
		if lookupErr == nil && winner != nil {
			p.record(dataType, false)
			return PseudonymResult{Pseudonym: winner.Pseudonym, IsNew: false}
		}
		log.Warn("Pseudonym re-lookup after conflict failed", zap.Error(lookupErr))
	case err != nil:
		log.Warn("Failed to persist pseudonym, returning generated value", zap.Error(err))
	}

	p.record(dataType, true)
	return PseudonymResult{Pseudonym: generated, IsNew: true}
}

func (p *Pseudonymizer) record(dataType privacy.DataType, isNew bool) {
	if p.recorder != nil {
		p.recorder.RecordPseudonym(string(dataType), isNew)
	}
}

func overlapsAny(start, end int, spans []span) bool {
	for _, s := range spans {
		if start < s.end && s.start < end {
			return true
		}
	}
	return false
}

// applySpans writes replacements into text. Spans must not overlap.
func applySpans(text string, spans []span) string {
	if len(spans) == 0 {
		return text
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	var b strings.Builder
	b.Grow(len(text))
	last := 0
	for _, s := range spans {
		b.WriteString(text[last:s.start])
		b.WriteString(s.replacement)
		last = s.end
	}
	b.WriteString(text[last:])
	return b.String()
}
