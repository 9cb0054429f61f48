// Package validate screens user-supplied query text before it reaches the
// expensive answer pipeline. The checks are coarse pattern screens, not a
// parser: they reject obviously hostile input and leave detailed validation
// to the handlers that understand the payload.
package validate

import (
	"html"
	"regexp"
	"strings"
	"unicode"
)

var sqlInjectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(\bUNION\b|\bSELECT\b|\bDROP\b|\bINSERT\b|\bUPDATE\b|\bDELETE\b)`),
	regexp.MustCompile(`(?i)(--|\bOR\b\s+\d+=\d+|;\s*DROP)`),
	regexp.MustCompile(`(?i)('\s*OR\s*'1'\s*=\s*'1)`),
	regexp.MustCompile(`(?i)(\bEXEC\b|\bEXECUTE\b)`),
	regexp.MustCompile(`(?i)(xp_cmdshell|sp_executesql)`),
}

var xssPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i)on\w+\s*=`),
	regexp.MustCompile(`(?i)<iframe[^>]*>`),
	regexp.MustCompile(`(?i)<embed[^>]*>`),
	regexp.MustCompile(`(?i)<object[^>]*>`),
	regexp.MustCompile(`(?i)<applet[^>]*>`),
}

// specialCharLimit rejects queries where more than half the runes are neither
// alphanumeric nor whitespace, a crude tell for encoded payloads.
const specialCharLimit = 0.5

// Validator screens incoming query text.
type Validator struct {
	maxContentLength int
}

// New constructs a validator. maxContentLength defaults to 100000 bytes.
func New(maxContentLength int) *Validator {
	if maxContentLength <= 0 {
		maxContentLength = 100000
	}
	return &Validator{maxContentLength: maxContentLength}
}

// MaxContentLength reports the configured cap.
func (v *Validator) MaxContentLength() int { return v.maxContentLength }

// ValidateQuery checks the query and returns a machine-readable reason when
// it is rejected.
func (v *Validator) ValidateQuery(query string) (bool, string) {
	if len(query) > v.maxContentLength {
		return false, "query_too_long"
	}
	if strings.TrimSpace(query) == "" {
		return false, "query_empty"
	}
	for _, pattern := range sqlInjectionPatterns {
		if pattern.MatchString(query) {
			return false, "invalid_query_format"
		}
	}
	for _, pattern := range xssPatterns {
		if pattern.MatchString(query) {
			return false, "invalid_characters"
		}
	}
	if specialCharRatio(query) > specialCharLimit {
		return false, "too_many_special_characters"
	}
	return true, ""
}

// Sanitize normalizes query text for downstream consumption: HTML-escapes,
// strips control characters, collapses runs of whitespace, and clamps to the
// configured length.
func (v *Validator) Sanitize(query string) string {
	escaped := html.EscapeString(query)

	var b strings.Builder
	b.Grow(len(escaped))
	lastSpace := false
	for _, r := range escaped {
		if unicode.IsControl(r) {
			continue
		}
		if unicode.IsSpace(r) {
			if !lastSpace {
				b.WriteRune(' ')
			}
			lastSpace = true
			continue
		}
		lastSpace = false
		b.WriteRune(r)
	}

	out := strings.TrimSpace(b.String())
	if len(out) > v.maxContentLength {
		out = out[:v.maxContentLength]
	}
	return out
}

func specialCharRatio(query string) float64 {
	total := 0
	special := 0
	for _, r := range query {
		total++
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.IsSpace(r) {
			special++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(special) / float64(total)
}
