package pseudonym

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/raaihank/pii-gateway/internal/privacy"
	"github.com/raaihank/pii-gateway/internal/store"
)

// Dictionary categories that feed synthesis instead of literal substitution
const (
	CategoryFirstName   = "first_name"
	CategoryLastName    = "last_name"
	CategoryEmailDomain = "email_domain"
)

// IsSampleCategory reports whether entries of the category are synthesis samples
func IsSampleCategory(category string) bool {
	switch category {
	case CategoryFirstName, CategoryLastName, CategoryEmailDomain:
		return true
	}
	return false
}

type weighted struct {
	value  string
	weight float64
}

// Samples holds weighted values used to build realistic pseudonyms
type Samples struct {
	FirstNames []weighted
	LastNames  []weighted
	Domains    []weighted
}

var builtinSamples = Samples{
	FirstNames: uniform("Alex", "Blake", "Casey", "Dana", "Elliot", "Frankie", "Harper", "Jordan",
		"Kendall", "Logan", "Morgan", "Parker", "Quinn", "Reese", "Riley", "Rowan", "Sage", "Taylor"),
	LastNames: uniform("Abbott", "Barnes", "Carver", "Dalton", "Ellison", "Fletcher", "Garner", "Holloway",
		"Irving", "Jennings", "Keller", "Lawson", "Mercer", "Norris", "Prescott", "Sutton", "Whitaker"),
	Domains: uniform("example.com", "example.net", "example.org"),
}

func uniform(values ...string) []weighted {
	out := make([]weighted, len(values))
	for i, v := range values {
		out[i] = weighted{value: v, weight: 1}
	}
	return out
}

// SamplesFromEntries collects synthesis samples from dictionary rows.
// Categories with no rows fall back to the built-in lists.
func SamplesFromEntries(entries []store.DictionaryEntry) Samples {
	var s Samples
	for _, e := range entries {
		if !e.IsActive || e.FrequencyWeight < 0 {
			continue
		}
		w := weighted{value: e.OriginalValue, weight: e.FrequencyWeight}
		if w.weight == 0 {
			w.weight = 1
		}
		switch e.Category {
		case CategoryFirstName:
			s.FirstNames = append(s.FirstNames, w)
		case CategoryLastName:
			s.LastNames = append(s.LastNames, w)
		case CategoryEmailDomain:
			s.Domains = append(s.Domains, w)
		}
	}
	if len(s.FirstNames) == 0 {
		s.FirstNames = builtinSamples.FirstNames
	}
	if len(s.LastNames) == 0 {
		s.LastNames = builtinSamples.LastNames
	}
	if len(s.Domains) == 0 {
		s.Domains = builtinSamples.Domains
	}
	return s
}

// HashValue returns the lookup key for an original value
func HashValue(original string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(original))))
	return hex.EncodeToString(sum[:])
}

// Generate synthesizes a format-plausible pseudonym. The output depends only
// on the hash, the word shape of the original, and the samples.
func Generate(hash, original string, dataType privacy.DataType, samples Samples) string {
	if len(hash) < 10 {
		hash = HashValue(hash)
	}
	rng := rand.New(rand.NewChaCha8(seedFromHash(hash)))
	suffix := hash[:3]

	switch dataType {
	case privacy.DataTypeEmail:
		first := strings.ToLower(pick(rng, samples.FirstNames))
		last := strings.ToLower(pick(rng, samples.LastNames))
		return fmt.Sprintf("%s.%s%s@%s", first, last, suffix, strings.ToLower(pick(rng, samples.Domains)))

	case privacy.DataTypeName:
		// The sample lists are small, so a hash tag keeps distinct names apart.
		first := pick(rng, samples.FirstNames)
		last := pick(rng, samples.LastNames)
		tag := hash[:4]
		if len(strings.Fields(original)) == 1 {
			return first + "-" + tag
		}
		return first + " " + last + "-" + tag

	case privacy.DataTypePhone:
		// 555-01xx is reserved for fictional use
		return fmt.Sprintf("%03d-555-01%02d", 201+rng.IntN(789), rng.IntN(100))

	case privacy.DataTypeIPAddress:
		return fmt.Sprintf("10.%d.%d.%d", rng.IntN(256), rng.IntN(256), 1+rng.IntN(254))

	case privacy.DataTypeUsername:
		return fmt.Sprintf("%s_%s", strings.ToLower(pick(rng, samples.FirstNames)), hash[:6])

	case privacy.DataTypeURL:
		return "https://example.com/r/" + hash[:10]

	case privacy.DataTypeAddress:
		return fmt.Sprintf("%d %s Street", 100+rng.IntN(9900), pick(rng, samples.LastNames))

	default:
		return fmt.Sprintf("[PSEUDONYM_%s_%08x]", strings.ToUpper(string(dataType)), rng.Uint32())
	}
}

func seedFromHash(hash string) [32]byte {
	var seed [32]byte
	if raw, err := hex.DecodeString(hash); err == nil && len(raw) == len(seed) {
		copy(seed[:], raw)
		return seed
	}
	return sha256.Sum256([]byte(hash))
}

func pick(rng *rand.Rand, values []weighted) string {
	total := 0.0
	for _, v := range values {
		total += v.weight
	}
	if total <= 0 {
		return values[rng.IntN(len(values))].value
	}
	r := rng.Float64() * total
	for _, v := range values {
		r -= v.weight
		if r < 0 {
			return v.value
		}
	}
	return values[len(values)-1].value
}
