// Package validate holds the input rules for accounts and child records.
package validate

import (
	"regexp"
	"strings"
	"time"
	"unicode"
)

var (
	emailRe = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	phoneRe = regexp.MustCompile(`^(\+47|0047)?[2-9]\d{7}$`)
)

const specialChars = "!@#$%^&*()_+-=[]{};':\"\\|,.<>/?"

// Email reports whether s looks like an e-mail address.
func Email(s string) bool {
	return emailRe.MatchString(s)
}

// Phone reports whether s is a Norwegian phone number. Spaces are ignored.
func Phone(s string) bool {
	return phoneRe.MatchString(strings.ReplaceAll(s, " ", ""))
}

// Required reports whether s has non-blank content.
func Required(s string) bool {
	return strings.TrimSpace(s) != ""
}

// DateOfBirth reports whether d is set and not after now.
func DateOfBirth(d, now time.Time) bool {
	return !d.IsZero() && !d.After(now)
}

// Requirements lists which password rules are met.
type Requirements struct {
	MinLength      bool `json:"min_length"`
	HasUpperCase   bool `json:"has_upper_case"`
	HasLowerCase   bool `json:"has_lower_case"`
	HasNumber      bool `json:"has_number"`
	HasSpecialChar bool `json:"has_special_char"`
}

// Strength is the result of grading a password.
type Strength struct {
	Valid        bool         `json:"valid"`
	Score        int          `json:"score"` // 0 (weak) to 4 (very strong)
	Requirements Requirements `json:"requirements"`
	// Missing names the unmet requirements in the same order as Requirements.
	Missing []string `json:"missing,omitempty"`
}

// Password grades a password: at least 12 characters with upper and lower
// case letters, a digit and a special character. Length of 16 and 20 each
// add a bonus point; the score is capped at 4.
func Password(pw string) Strength {
	var req Requirements
	req.MinLength = len([]rune(pw)) >= 12
	for _, r := range pw {
		switch {
		case r >= 'A' && r <= 'Z':
			req.HasUpperCase = true
		case r >= 'a' && r <= 'z':
			req.HasLowerCase = true
		case unicode.IsDigit(r):
			req.HasNumber = true
		case strings.ContainsRune(specialChars, r):
			req.HasSpecialChar = true
		}
	}

	var s Strength
	checks := []struct {
		ok   bool
		name string
	}{
		{req.MinLength, "min_length"},
		{req.HasUpperCase, "upper_case"},
		{req.HasLowerCase, "lower_case"},
		{req.HasNumber, "number"},
		{req.HasSpecialChar, "special_char"},
	}
	for _, c := range checks {
		if c.ok {
			s.Score++
		} else {
			s.Missing = append(s.Missing, c.name)
		}
	}
	n := len([]rune(pw))
	if n >= 16 {
		s.Score++
	}
	if n >= 20 {
		s.Score++
	}
	if s.Score > 4 {
		s.Score = 4
	}
	s.Requirements = req
	s.Valid = len(s.Missing) == 0
	return s
}
