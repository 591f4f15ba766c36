package privacy

import (
	"net"
	"regexp"
	"strings"
)

// GetDefaultRules returns the built-in detection rules
func GetDefaultRules() []DetectionRule {
	return []DetectionRule{
		{
			Name:       "email",
			DataType:   DataTypeEmail,
			Pattern:    regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`),
			Confidence: 0.95,
		},
		{
			Name:       "ssn",
			DataType:   DataTypeSSN,
			Pattern:    regexp.MustCompile(`\b\d{3}[-\s]\d{2}[-\s]\d{4}\b`),
			Confidence: 0.9,
			Validate:   validSSN,
		},
		{
			Name:       "credit_card",
			DataType:   DataTypeCreditCard,
			Pattern:    regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`),
			Confidence: 0.95,
			Validate:   validCardNumber,
		},
		{
			Name:       "phone_us",
			DataType:   DataTypePhone,
			Pattern:    regexp.MustCompile(`(?:\+1[-.\s]?)?(?:\(\d{3}\)|\b\d{3})[-.\s]?\d{3}[-.\s]\d{4}\b`),
			Confidence: 0.85,
		},
		{
			Name:       "phone_international",
			DataType:   DataTypePhone,
			Pattern:    regexp.MustCompile(`\+\d{1,3}[-\s]\d{1,4}[-\s]\d{3,4}[-\s]?\d{3,4}\b`),
			Confidence: 0.8,
		},
		{
			Name:       "ip_address",
			DataType:   DataTypeIPAddress,
			Pattern:    regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)\.){3}(?:25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)\b`),
			Confidence: 0.85,
			Validate:   func(v string) bool { return net.ParseIP(v) != nil },
		},
		{
			Name:       "url",
			DataType:   DataTypeURL,
			Confidence: 0.85,
			Extract:    extractURLs,
		},
		{
			Name:       "username_labeled",
			DataType:   DataTypeUsername,
			Pattern:    regexp.MustCompile(`(?i)\b(?:username|user name|user id|login|handle)\s*[:=]\s*([A-Za-z0-9._\-]{3,32})`),
			Group:      1,
			Confidence: 0.9,
		},
		{
			Name:       "username_mention",
			DataType:   DataTypeUsername,
			Pattern:    regexp.MustCompile(`(?:^|\s)@([A-Za-z0-9_]{3,30})\b`),
			Group:      1,
			Confidence: 0.8,
		},
		{
			Name:       "street_address",
			DataType:   DataTypeAddress,
			Pattern:    regexp.MustCompile(`\b\d{1,5}\s+(?:[A-Z][a-z]+\s+){1,3}(?:Street|St|Avenue|Ave|Road|Rd|Boulevard|Blvd|Lane|Ln|Drive|Dr|Court|Ct|Way|Place|Pl|Terrace|Parkway)\b\.?`),
			Confidence: 0.85,
		},
		{
			Name:       "person_name",
			DataType:   DataTypeName,
			Confidence: 0.9,
			Extract:    extractNames,
		},
	}
}

// validSSN rejects numbers the SSA never issues
func validSSN(v string) bool {
	digits := onlyDigits(v)
	if len(digits) != 9 {
		return false
	}
	area, group, serial := digits[:3], digits[3:5], digits[5:]
	if area == "000" || area == "666" || area[0] == '9' {
		return false
	}
	return group != "00" && serial != "0000"
}

// validCardNumber checks length and the Luhn checksum
func validCardNumber(v string) bool {
	digits := onlyDigits(v)
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	return luhn(digits)
}

func luhn(digits string) bool {
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

func onlyDigits(v string) string {
	var b strings.Builder
	b.Grow(len(v))
	for i := 0; i < len(v); i++ {
		if v[i] >= '0' && v[i] <= '9' {
			b.WriteByte(v[i])
		}
	}
	return b.String()
}

var urlPattern = regexp.MustCompile(`\bhttps?://[^\s<>"'()\[\]]+`)

// extractURLs trims trailing sentence punctuation from URL candidates
func extractURLs(text string) []Span {
	var spans []Span
	for _, loc := range urlPattern.FindAllStringIndex(text, -1) {
		end := loc[1]
		for end > loc[0] && strings.ContainsRune(".,;:!?", rune(text[end-1])) {
			end--
		}
		if end-loc[0] > len("https://") {
			spans = append(spans, Span{Start: loc[0], End: end})
		}
	}
	return spans
}

var (
	nameRunPattern  = regexp.MustCompile(`\b[A-Z][a-z]+(?:[-'][A-Za-z]+)?(?:[ \t]+[A-Z][a-z]+(?:[-'][A-Za-z]+)?)*\b`)
	nameWordPattern = regexp.MustCompile(`[A-Z][a-z]+(?:[-'][A-Za-z]+)?`)
)

var honorifics = []string{"Mr. ", "Mrs. ", "Ms. ", "Dr. ", "Prof. ", "Mr ", "Mrs ", "Ms ", "Dr "}

// Capitalized words that commonly start or end a sentence next to a name.
var nameStopWords = toSet(
	"A", "An", "And", "Ask", "Best", "But", "By", "Call", "Cc", "Contact", "Dear",
	"Email", "For", "From", "Hello", "Hey", "Hi", "I", "If", "In", "Is", "Meet",
	"Message", "My", "Our", "Please", "Prof", "Regards", "Send", "Sincerely",
	"Tell", "Thanks", "The", "This", "To", "We", "When", "With", "Dr", "Mr", "Mrs", "Ms",
	"Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday",
	"January", "February", "March", "April", "May", "June", "July", "August",
	"September", "October", "November", "December",
)

var knownFirstNames = toSet(
	"Aaron", "Adam", "Alice", "Amanda", "Amy", "Andrew", "Anna", "Anthony",
	"Barbara", "Ben", "Brian", "Carlos", "Carol", "Charles", "Chris", "Daniel",
	"David", "Elizabeth", "Emily", "Emma", "Eric", "Frank", "George", "Hannah",
	"Helen", "Jack", "James", "Jane", "Jason", "Jennifer", "Jessica", "John",
	"Joseph", "Julia", "Karen", "Kevin", "Laura", "Linda", "Lisa", "Maria",
	"Mark", "Mary", "Matt", "Matthew", "Michael", "Michelle", "Nancy", "Olivia",
	"Patricia", "Paul", "Peter", "Rachel", "Richard", "Robert", "Sarah", "Sophia",
	"Steven", "Susan", "Thomas", "Tom", "Victoria", "William",
)

// extractNames finds runs of capitalized words that look like person names.
// Runs led by a known first name or an honorific score high. Other runs score
// below the default threshold and surface only when callers lower it.
func extractNames(text string) []Span {
	var spans []Span
	for _, run := range nameRunPattern.FindAllStringIndex(text, -1) {
		words := nameWordPattern.FindAllStringIndex(text[run[0]:run[1]], -1)
		for i := range words {
			words[i][0] += run[0]
			words[i][1] += run[0]
		}

		for len(words) > 0 && nameStopWords[text[words[0][0]:words[0][1]]] {
			words = words[1:]
		}
		for len(words) > 0 && nameStopWords[text[words[len(words)-1][0]:words[len(words)-1][1]]] {
			words = words[:len(words)-1]
		}
		if len(words) == 0 || len(words) > 4 {
			continue
		}

		start, end := words[0][0], words[len(words)-1][1]
		titled := hasHonorific(text[:start])
		if len(words) < 2 && !titled {
			continue
		}

		confidence := 0.6
		switch {
		case titled:
			confidence = 0.9
		case knownFirstNames[text[words[0][0]:words[0][1]]]:
			confidence = 0.9
		}
		spans = append(spans, Span{Start: start, End: end, Confidence: confidence})
	}
	return spans
}

func hasHonorific(prefix string) bool {
	for _, h := range honorifics {
		if strings.HasSuffix(prefix, h) {
			return true
		}
	}
	return false
}

func toSet(values ...string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}
