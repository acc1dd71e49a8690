package backend

import (
	"fmt"
	"regexp"
	"strings"
)

// Harm categories sent with every request.
var harmCategories = []string{
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
	"HARM_CATEGORY_CIVIC_INTEGRITY",
}

const (
	thresholdBlockNone = "BLOCK_NONE"
	thresholdOff       = "OFF"
)

// DefaultAltSafetyModels lists the model-name fragments that receive the
// alternate safety variant unless configured otherwise.
var DefaultAltSafetyModels = []string{"gemini-2.0-flash-exp"}

// DefaultSafetySettings returns the standard safety variant. Each call
// returns a fresh slice.
func DefaultSafetySettings() []SafetySetting {
	return safetySettings(thresholdBlockNone)
}

// AltSafetySettings returns the alternate safety variant used by models that
// reject BLOCK_NONE. Each call returns a fresh slice.
func AltSafetySettings() []SafetySetting {
	return safetySettings(thresholdOff)
}

func safetySettings(threshold string) []SafetySetting {
	out := make([]SafetySetting, len(harmCategories))
	for i, c := range harmCategories {
		out[i] = SafetySetting{Category: c, Threshold: threshold}
	}
	return out
}

// ModelMatcher decides whether a model name belongs to a configured set.
// It supports two matching modes:
//
//   - Substring match: the model name contains the rule.
//   - Regex match: the model name is tested against a compiled regexp.
//
// A nil *ModelMatcher is safe to call; Matches always returns false.
type ModelMatcher struct {
	substrings []string
	patterns   []*regexp.Regexp
}

// NewModelMatcher compiles the given substrings and regex patterns. Returns
// an error if any pattern fails to compile so that misconfiguration is caught
// at startup.
func NewModelMatcher(substrings, patterns []string) (*ModelMatcher, error) {
	m := &ModelMatcher{}

	for _, s := range substrings {
		if s != "" {
			m.substrings = append(m.substrings, s)
		}
	}

	for _, p := range patterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("backend: invalid model pattern %q: %w", p, err)
		}
		m.patterns = append(m.patterns, re)
	}

	return m, nil
}

// Matches reports whether model is selected by any rule.
func (m *ModelMatcher) Matches(model string) bool {
	if m == nil || model == "" {
		return false
	}
	for _, s := range m.substrings {
		if strings.Contains(model, s) {
			return true
		}
	}
	for _, re := range m.patterns {
		if re.MatchString(model) {
			return true
		}
	}
	return false
}

// Len returns the total number of configured rules.
func (m *ModelMatcher) Len() int {
	if m == nil {
		return 0
	}
	return len(m.substrings) + len(m.patterns)
}
