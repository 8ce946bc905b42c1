// Package extract implements type-directed parameter value extraction from
// free-text utterances.
//
// Extraction is deliberately conservative: a value is only pulled out of an
// utterance when the parameter's declared type gives an unambiguous rule for
// it. In particular, numeric auto-extraction only happens when exactly one
// parameter of the request is numeric — with two numeric parameters the
// dialogue controller falls back to one-value-per-turn collection instead of
// guessing which number belongs to which field.
//
// All functions are pure and stateless; they may run on any number of
// concurrent turns without coordination.
package extract

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cstoian/Maki/common/spec/script"
)

var (
	numberRe    = regexp.MustCompile(`\d+(\.\d+)?`)
	isoDateRe   = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)
	slashDateRe = regexp.MustCompile(`\d{1,2}/\d{1,2}/\d{4}`)
	quotedRe    = regexp.MustCompile(`"([^"]+)"|'([^']+)'`)
	currencyRe  = regexp.MustCompile(`\b[A-Z]{3}\b`)
)

// wholeUtteranceLayouts are tried, in order, when no embedded date pattern
// matches and the whole utterance might itself be a date.
var wholeUtteranceLayouts = []string{
	time.RFC3339,
	"2006-01-02",
	"1/2/2006",
	"January 2, 2006",
	"Jan 2, 2006",
}

// Extract attempts type-directed value extraction for each parameter
// independently and returns the values it resolved. Unresolved parameters
// are simply absent from the result; extraction never fails.
func Extract(utterance string, params []script.ParameterSpec) map[string]any {
	values := make(map[string]any)

	var numeric int
	for _, p := range params {
		if p.Type == script.TypeNumber {
			numeric++
		}
	}

	for _, p := range params {
		switch p.Type {
		case script.TypeNumber:
			// Only auto-extract when the assignment is unambiguous.
			if numeric != 1 {
				continue
			}
			if v, ok := extractNumber(utterance); ok {
				values[p.Name] = v
			}
		case script.TypeBoolean:
			if v, ok := extractBoolean(utterance); ok {
				values[p.Name] = v
			}
		case script.TypeDate:
			if v, ok := extractDate(utterance); ok {
				values[p.Name] = v
			}
		case script.TypeString:
			if v, ok := extractString(utterance, p.Name); ok {
				values[p.Name] = v
			}
		}
	}
	return values
}

// CoerceTurnValue interprets an utterance as the answer to a single
// parameter prompt. It first runs normal extraction against the parameter;
// for string parameters the whole trimmed utterance is accepted as a
// fallback. The boolean result reports whether a usable value was obtained —
// callers re-prompt on false.
func CoerceTurnValue(p script.ParameterSpec, utterance string) (any, bool) {
	if v, ok := Extract(utterance, []script.ParameterSpec{p})[p.Name]; ok {
		return v, true
	}
	if p.Type == script.TypeString {
		if s := strings.TrimSpace(utterance); s != "" {
			return s, true
		}
	}
	return nil, false
}

// MissingRequired returns, in declared order, the required parameters that
// have no value in collected.
func MissingRequired(params []script.ParameterSpec, collected map[string]any) []script.ParameterSpec {
	var missing []script.ParameterSpec
	for _, p := range params {
		if !p.Required {
			continue
		}
		if _, ok := collected[p.Name]; !ok {
			missing = append(missing, p)
		}
	}
	return missing
}

// ValidationResult reports required-field presence and type conformance,
// with one distinct error string per offending field.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// Validate checks that every required parameter has a value and that each
// supplied value's runtime type matches its declaration. A date is accepted
// either as a time.Time or as a string literal that parses as one.
func Validate(params []script.ParameterSpec, values map[string]any) ValidationResult {
	var errs []string
	for _, p := range params {
		v, present := values[p.Name]
		if !present {
			if p.Required {
				errs = append(errs, fmt.Sprintf("missing required parameter %q", p.Name))
			}
			continue
		}
		if err := checkType(p, v); err != "" {
			errs = append(errs, err)
		}
	}
	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

func checkType(p script.ParameterSpec, v any) string {
	switch p.Type {
	case script.TypeNumber:
		switch v.(type) {
		case float64, int, int64:
			return ""
		}
		return fmt.Sprintf("parameter %q must be a number", p.Name)
	case script.TypeBoolean:
		if _, ok := v.(bool); !ok {
			return fmt.Sprintf("parameter %q must be a boolean", p.Name)
		}
	case script.TypeDate:
		switch d := v.(type) {
		case time.Time:
			return ""
		case string:
			if _, ok := parseDateLiteral(d); ok {
				return ""
			}
		}
		return fmt.Sprintf("parameter %q must be a date", p.Name)
	case script.TypeString:
		if _, ok := v.(string); !ok {
			return fmt.Sprintf("parameter %q must be a string", p.Name)
		}
	}
	return ""
}

// --- per-type extraction rules ---

func extractNumber(utterance string) (float64, bool) {
	m := numberRe.FindString(utterance)
	if m == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

var (
	trueWords  = map[string]struct{}{"yes": {}, "true": {}, "yep": {}}
	falseWords = map[string]struct{}{"no": {}, "false": {}, "nope": {}}
)

func extractBoolean(utterance string) (bool, bool) {
	for _, w := range strings.Fields(strings.ToLower(utterance)) {
		w = strings.Trim(w, ".,!?;:")
		if _, ok := trueWords[w]; ok {
			return true, true
		}
		if _, ok := falseWords[w]; ok {
			return false, true
		}
	}
	return false, false
}

func extractDate(utterance string) (time.Time, bool) {
	if m := isoDateRe.FindString(utterance); m != "" {
		if t, err := time.Parse("2006-01-02", m); err == nil {
			return t, true
		}
	}
	if m := slashDateRe.FindString(utterance); m != "" {
		if t, err := time.Parse("1/2/2006", m); err == nil {
			return t, true
		}
	}
	return parseDateLiteral(strings.TrimSpace(utterance))
}

func parseDateLiteral(s string) (time.Time, bool) {
	for _, layout := range wholeUtteranceLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func extractString(utterance, paramName string) (string, bool) {
	if m := quotedRe.FindStringSubmatch(utterance); m != nil {
		if m[1] != "" {
			return m[1], true
		}
		return m[2], true
	}
	// Currency-style parameters accept a bare 3-letter code (USD, EUR).
	if strings.Contains(strings.ToLower(paramName), "currency") {
		if m := currencyRe.FindString(utterance); m != "" {
			return m, true
		}
	}
	return "", false
}
