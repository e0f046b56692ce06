package handlers

import (
	"regexp"
	"sort"
	"strings"
)

// PII flag values recorded on column profiles.
const (
	PIIEmail = "email"
	PIIPhone = "phone"
	PIISSN   = "ssn"
)

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9 ().\-]{7,}[0-9]`)
	ssnPattern   = regexp.MustCompile(`\b[0-9]{3}-[0-9]{2}-[0-9]{4}\b`)

	// Column name fragments that flag a column even when the sampled values
	// are inconclusive, numeric phone columns for instance.
	piiNameHints = map[string][]string{
		PIIEmail: {"email", "e_mail"},
		PIIPhone: {"phone", "mobile", "fax"},
		PIISSN:   {"ssn", "social_security", "tax_id"},
	}
)

// DetectPII inspects a column name and sampled values and returns the sorted
// set of PII flags that match. Detection is heuristic: it exists to steer
// reviewers toward columns worth masking, not to certify their absence.
func DetectPII(columnName string, samples []string) []string {
	flags := make(map[string]bool)

	lower := strings.ToLower(columnName)
	for flag, hints := range piiNameHints {
		for _, hint := range hints {
			if strings.Contains(lower, hint) {
				flags[flag] = true
			}
		}
	}

	for _, sample := range samples {
		if sample == "" {
			continue
		}
		if emailPattern.MatchString(sample) {
			flags[PIIEmail] = true
		}
		// SSN before phone: a 123-45-6789 value matches both patterns.
		if ssnPattern.MatchString(sample) {
			flags[PIISSN] = true
		} else if phonePattern.MatchString(sample) {
			flags[PIIPhone] = true
		}
	}

	if len(flags) == 0 {
		return nil
	}
	out := make([]string, 0, len(flags))
	for flag := range flags {
		out = append(out, flag)
	}
	sort.Strings(out)
	return out
}
