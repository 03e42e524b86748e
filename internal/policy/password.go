package policy

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/keyfold/keyfold/internal/models"
)

// Rule keys name the first failing check. They double as localization
// message keys in API responses.
const (
	RuleTooShort     = "password.too_short"
	RuleTooLong      = "password.too_long"
	RuleMinLowercase = "password.min_lowercase"
	RuleMinUppercase = "password.min_uppercase"
	RuleMinNumeric   = "password.min_numeric"
	RuleMinSpecial   = "password.min_special"
)

// Rules describes an organization's password composition requirements.
type Rules struct {
	MinLen         int
	MaxLen         *int // nil means unbounded
	MinLowercase   int
	MinUppercase   int
	MinNumeric     int
	MinSpecial     int
	SpecialCharset string
}

// RulesFromOrganization extracts the policy parameters from a tenant record.
func RulesFromOrganization(org *models.Organization) Rules {
	return Rules{
		MinLen:         org.MinPwdLen,
		MaxLen:         org.MaxPwdLen,
		MinLowercase:   org.MinLowercase,
		MinUppercase:   org.MinUppercase,
		MinNumeric:     org.MinNumeric,
		MinSpecial:     org.MinSpecial,
		SpecialCharset: org.SpecialCharset,
	}
}

// RuleError reports the first rule a candidate password failed.
type RuleError struct {
	Rule  string
	Count int
}

func (e *RuleError) Error() string {
	switch e.Rule {
	case RuleTooShort:
		return fmt.Sprintf("password must be at least %d characters", e.Count)
	case RuleTooLong:
		return fmt.Sprintf("password must be at most %d characters", e.Count)
	case RuleMinLowercase:
		return fmt.Sprintf("password must contain at least %d lowercase characters", e.Count)
	case RuleMinUppercase:
		return fmt.Sprintf("password must contain at least %d uppercase characters", e.Count)
	case RuleMinNumeric:
		return fmt.Sprintf("password must contain at least %d numeric characters", e.Count)
	case RuleMinSpecial:
		return fmt.Sprintf("password must contain at least %d special characters", e.Count)
	default:
		return "password does not meet the policy"
	}
}

// Validate checks a candidate password against the supplied rules. Checks run
// in a fixed order and short-circuit on the first failure.
func Validate(candidate string, rules Rules) error {
	runes := []rune(candidate)

	if len(runes) < rules.MinLen {
		return &RuleError{Rule: RuleTooShort, Count: rules.MinLen}
	}
	if rules.MaxLen != nil && len(runes) > *rules.MaxLen {
		return &RuleError{Rule: RuleTooLong, Count: *rules.MaxLen}
	}

	var lower, upper, numeric, special int
	for _, r := range runes {
		switch {
		case unicode.IsLower(r):
			lower++
		case unicode.IsUpper(r):
			upper++
		case unicode.IsDigit(r):
			numeric++
		}
		if strings.ContainsRune(rules.SpecialCharset, r) {
			special++
		}
	}

	if rules.MinLowercase > 0 && lower < rules.MinLowercase {
		return &RuleError{Rule: RuleMinLowercase, Count: rules.MinLowercase}
	}
	if rules.MinUppercase > 0 && upper < rules.MinUppercase {
		return &RuleError{Rule: RuleMinUppercase, Count: rules.MinUppercase}
	}
	if rules.MinNumeric > 0 && numeric < rules.MinNumeric {
		return &RuleError{Rule: RuleMinNumeric, Count: rules.MinNumeric}
	}
	if rules.MinSpecial > 0 && special < rules.MinSpecial {
		return &RuleError{Rule: RuleMinSpecial, Count: rules.MinSpecial}
	}

	return nil
}

// WasPreviouslyUsed reports whether the candidate matches any of the most
// recent depth history entries. The verify callback compares the candidate
// against a stored hash, keeping this package free of crypto concerns.
// A nil depth disables the check.
func WasPreviouslyUsed(verify func(hash string) bool, history []models.PasswordHistory, depth *int) bool {
	if depth == nil || *depth <= 0 || len(history) == 0 {
		return false
	}

	ordered := make([]models.PasswordHistory, len(history))
	copy(ordered, history)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].SupersededAt.After(ordered[j].SupersededAt)
	})

	limit := *depth
	if limit > len(ordered) {
		limit = len(ordered)
	}

	for _, entry := range ordered[:limit] {
		if verify(entry.Hash) {
			return true
		}
	}
	return false
}
