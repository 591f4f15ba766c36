package privacy

import (
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/raaihank/pii-gateway/internal/config"
	"github.com/raaihank/pii-gateway/internal/logger"
	"go.uber.org/zap"
)

// Detector finds PII in free text
type Detector struct {
	mu      sync.RWMutex
	rules   []DetectionRule
	enabled map[string]bool
	logger  *logger.Logger
	config  config.PrivacyConfig
}

// New creates a new PII detector instance
func New(cfg config.PrivacyConfig, log *logger.Logger) (*Detector, error) {
	detector := &Detector{
		rules:   GetDefaultRules(),
		enabled: make(map[string]bool),
		logger:  log.WithComponent("privacy"),
		config:  cfg,
	}

	// Configure enabled detectors
	if err := detector.configureDetectors(cfg.Detectors); err != nil {
		return nil, fmt.Errorf("failed to configure detectors: %w", err)
	}

	detector.addCustomPatterns(cfg.CustomPatterns)

	detector.logger.Info("Privacy detector initialized",
		zap.Int("total_rules", len(detector.rules)),
		zap.Int("enabled_rules", detector.countEnabledRules()),
	)

	return detector, nil
}

// configureDetectors enables/disables detectors based on configuration.
// An entry may name a rule or a data type.
func (d *Detector) configureDetectors(detectors []string) error {
	// Disable all rules by default
	for _, rule := range d.rules {
		d.enabled[rule.Name] = false
	}

	if len(detectors) == 0 {
		detectors = []string{"all"}
	}

	for _, detector := range detectors {
		if detector == "all" {
			for _, rule := range d.rules {
				d.enabled[rule.Name] = true
			}
			continue
		}

		found := false
		for _, rule := range d.rules {
			if rule.Name == detector || string(rule.DataType) == detector {
				d.enabled[rule.Name] = true
				found = true
			}
		}

		if !found {
			return fmt.Errorf("unknown detector: %s", detector)
		}
	}

	return nil
}

// addCustomPatterns compiles operator patterns. Invalid entries are skipped.
func (d *Detector) addCustomPatterns(patterns []config.CustomPattern) {
	for _, p := range patterns {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			d.logger.Warn("Skipping invalid custom pattern",
				zap.String("name", p.Name),
				zap.Error(err),
			)
			continue
		}

		dataType := DataTypeCustom
		if p.DataType != "" {
			parsed, err := ParseDataType(p.DataType)
			if err != nil {
				d.logger.Warn("Custom pattern has unknown data type, using custom",
					zap.String("name", p.Name),
					zap.String("data_type", p.DataType),
				)
			} else {
				dataType = parsed
			}
		}

		confidence := p.Confidence
		if confidence <= 0 || confidence > 1 {
			confidence = 0.8
		}

		name := p.Name
		if name == "" {
			name = fmt.Sprintf("custom_%d", len(d.rules))
		}

		d.rules = append(d.rules, DetectionRule{
			Name:       name,
			DataType:   dataType,
			Pattern:    re,
			Confidence: confidence,
		})
		d.enabled[name] = true
	}
}

// Detect scans text with every enabled rule and returns non-overlapping
// matches in document order.
func (d *Detector) Detect(text string, opts DetectOptions) DetectResult {
	result := DetectResult{Matches: []PIIMatch{}}
	if !d.config.Enabled || text == "" {
		return result
	}

	opts = opts.withDefaults()
	minConfidence := opts.minConfidence()
	wanted := make(map[DataType]bool, len(opts.DataTypes))
	for _, t := range opts.DataTypes {
		wanted[t] = true
	}

	d.mu.RLock()
	rules := make([]DetectionRule, 0, len(d.rules))
	for _, rule := range d.rules {
		if d.enabled[rule.Name] && (len(wanted) == 0 || wanted[rule.DataType]) {
			rules = append(rules, rule)
		}
	}
	d.mu.RUnlock()

	var candidates []PIIMatch
	for _, rule := range rules {
		matches, err := d.runRule(rule, text)
		if err != nil {
			d.logger.Warn("Detector failed, skipping",
				zap.String("detector", rule.Name),
				zap.Error(err),
			)
			result.FailedRules = append(result.FailedRules, rule.Name)
			continue
		}

		for _, m := range matches {
			if m.Confidence >= minConfidence {
				candidates = append(candidates, m)
			}
		}
	}

	accepted := resolveOverlaps(candidates)
	result.TotalMatches = len(accepted)
	if opts.MaxMatches > 0 && len(accepted) > opts.MaxMatches {
		accepted = capMatches(accepted, opts.MaxMatches)
		result.Truncated = true
	}
	result.Matches = append(result.Matches, accepted...)

	if len(result.Matches) > 0 {
		d.logger.Debug("PII detected",
			zap.Int("matches", len(result.Matches)),
			zap.Int("total_matches", result.TotalMatches),
			zap.Bool("truncated", result.Truncated),
		)
	}

	return result
}

// ConfiguredOptions returns the options set by privacy.min_confidence and
// privacy.max_matches
func (d *Detector) ConfiguredOptions() DetectOptions {
	return DetectOptions{
		MinConfidence: Confidence(d.config.MinConfidence),
		MaxMatches:    d.config.MaxMatches,
	}
}

// runRule executes one rule in isolation so a faulty detector cannot fail the pass
func (d *Detector) runRule(rule DetectionRule, text string) (matches []PIIMatch, err error) {
	defer func() {
		if r := recover(); r != nil {
			matches = nil
			err = fmt.Errorf("detector %s panicked: %v", rule.Name, r)
		}
	}()

	switch {
	case rule.Extract != nil:
		for _, span := range rule.Extract(text) {
			if span.Start < 0 || span.End > len(text) || span.Start >= span.End {
				return nil, fmt.Errorf("detector %s returned invalid span [%d,%d)", rule.Name, span.Start, span.End)
			}
			value := text[span.Start:span.End]
			if rule.Validate != nil && !rule.Validate(value) {
				continue
			}
			confidence := span.Confidence
			if confidence == 0 {
				confidence = rule.Confidence
			}
			matches = append(matches, newMatch(rule, value, span.Start, span.End, confidence))
		}
	case rule.Pattern != nil:
		for _, loc := range rule.Pattern.FindAllStringSubmatchIndex(text, -1) {
			start, end := loc[0], loc[1]
			if rule.Group > 0 {
				if 2*rule.Group+1 >= len(loc) || loc[2*rule.Group] < 0 {
					continue
				}
				start, end = loc[2*rule.Group], loc[2*rule.Group+1]
			}
			value := text[start:end]
			if rule.Validate != nil && !rule.Validate(value) {
				continue
			}
			matches = append(matches, newMatch(rule, value, start, end, rule.Confidence))
		}
	default:
		return nil, fmt.Errorf("detector %s has no pattern or extractor", rule.Name)
	}

	return matches, nil
}

func newMatch(rule DetectionRule, value string, start, end int, confidence float64) PIIMatch {
	return PIIMatch{
		Value:       value,
		DataType:    rule.DataType,
		Confidence:  confidence,
		Severity:    rule.DataType.Severity(),
		StartIndex:  start,
		EndIndex:    end,
		PatternName: rule.Name,
	}
}

// resolveOverlaps keeps a non-overlapping subset in document order.
// Showstoppers are placed first so an enclosing info match such as a URL
// cannot hide them. Within a severity the earlier match wins, then the
// longer one, then the more confident one.
func resolveOverlaps(candidates []PIIMatch) []PIIMatch {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.StartIndex != b.StartIndex {
			return a.StartIndex < b.StartIndex
		}
		if la, lb := a.EndIndex-a.StartIndex, b.EndIndex-b.StartIndex; la != lb {
			return la > lb
		}
		return a.Confidence > b.Confidence
	})

	var showstoppers, info []PIIMatch
	for _, m := range candidates {
		if isShowstopper(m) {
			showstoppers = append(showstoppers, m)
		} else {
			info = append(info, m)
		}
	}
	showstoppers = greedy(showstoppers, nil)
	info = greedy(info, showstoppers)

	accepted := append(showstoppers, info...)
	sort.SliceStable(accepted, func(i, j int) bool {
		return accepted[i].StartIndex < accepted[j].StartIndex
	})
	return accepted
}

// greedy keeps sorted matches that overlap neither an earlier kept match
// nor any span in reserved, which must be sorted and non-overlapping.
func greedy(sorted, reserved []PIIMatch) []PIIMatch {
	kept := make([]PIIMatch, 0, len(sorted))
	lastEnd := -1
	for _, m := range sorted {
		if m.StartIndex < lastEnd {
			continue
		}
		i := sort.Search(len(reserved), func(i int) bool { return reserved[i].EndIndex > m.StartIndex })
		if i < len(reserved) && reserved[i].StartIndex < m.EndIndex {
			continue
		}
		kept = append(kept, m)
		lastEnd = m.EndIndex
	}
	return kept
}

func isShowstopper(m PIIMatch) bool {
	return m.DataType.Severity() == SeverityShowstopper
}

// capMatches keeps every showstopper and the earliest info matches, limit
// matches in total unless showstoppers alone exceed it.
func capMatches(matches []PIIMatch, limit int) []PIIMatch {
	info := limit
	for _, m := range matches {
		if isShowstopper(m) {
			info--
		}
	}

	kept := make([]PIIMatch, 0, limit)
	for _, m := range matches {
		switch {
		case isShowstopper(m):
			kept = append(kept, m)
		case info > 0:
			kept = append(kept, m)
			info--
		}
	}
	return kept
}

// countEnabledRules returns the number of enabled rules
func (d *Detector) countEnabledRules() int {
	count := 0
	for _, enabled := range d.enabled {
		if enabled {
			count++
		}
	}
	return count
}

// GetEnabledRules returns a list of enabled rule names
func (d *Detector) GetEnabledRules() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var enabled []string
	for _, rule := range d.rules {
		if d.enabled[rule.Name] {
			enabled = append(enabled, rule.Name)
		}
	}
	return enabled
}

// EnableRule enables a specific detection rule
func (d *Detector) EnableRule(ruleName string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, rule := range d.rules {
		if rule.Name == ruleName {
			d.enabled[ruleName] = true
			d.logger.Info("Detection rule enabled", zap.String("rule", ruleName))
			return nil
		}
	}
	return fmt.Errorf("rule not found: %s", ruleName)
}

// DisableRule disables a specific detection rule
func (d *Detector) DisableRule(ruleName string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, rule := range d.rules {
		if rule.Name == ruleName {
			d.enabled[ruleName] = false
			d.logger.Info("Detection rule disabled", zap.String("rule", ruleName))
			return nil
		}
	}
	return fmt.Errorf("rule not found: %s", ruleName)
}

// AddRule registers an extra rule. Used for detectors that are not plain regexes.
func (d *Detector) AddRule(rule DetectionRule) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rules = append(d.rules, rule)
	d.enabled[rule.Name] = true
}
