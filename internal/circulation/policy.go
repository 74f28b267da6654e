package circulation

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// UserCategory is the closed set of borrower categories.
type UserCategory string

const (
	CategoryStudent  UserCategory = "STUDENT"
	CategoryTeacher  UserCategory = "TEACHER"
	CategoryExternal UserCategory = "EXTERNAL"
	CategoryAdmin    UserCategory = "ADMIN"
)

var AllCategories = []UserCategory{CategoryStudent, CategoryTeacher, CategoryExternal, CategoryAdmin}

func ParseUserCategory(s string) (UserCategory, error) {
	c := UserCategory(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range AllCategories {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCategory, s)
}

// LendingPolicy bounds how many copies a category may hold and for how long.
type LendingPolicy struct {
	MaxConcurrentLoans  int
	MaxLoanDurationDays int
}

// DueDate is the delivery date of a loan starting at from.
func (p LendingPolicy) DueDate(from time.Time) time.Time {
	return from.AddDate(0, 0, p.MaxLoanDurationDays)
}

func (p LendingPolicy) String() string {
	return fmt.Sprintf("%d/%d", p.MaxConcurrentLoans, p.MaxLoanDurationDays)
}

// ParsePolicy reads a "maxLoans/maxDays" pair such as "3/14".
func ParsePolicy(s string) (LendingPolicy, error) {
	loans, days, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return LendingPolicy{}, fmt.Errorf("policy %q: want maxLoans/maxDays", s)
	}
	maxLoans, err := strconv.Atoi(strings.TrimSpace(loans))
	if err != nil {
		return LendingPolicy{}, fmt.Errorf("policy %q: max loans: %w", s, err)
	}
	maxDays, err := strconv.Atoi(strings.TrimSpace(days))
	if err != nil {
		return LendingPolicy{}, fmt.Errorf("policy %q: max days: %w", s, err)
	}
	if maxLoans <= 0 || maxDays <= 0 {
		return LendingPolicy{}, fmt.Errorf("policy %q: limits must be positive", s)
	}
	return LendingPolicy{MaxConcurrentLoans: maxLoans, MaxLoanDurationDays: maxDays}, nil
}

// DefaultPolicies returns the built-in limits. ADMIN has none unless configured.
func DefaultPolicies() map[UserCategory]LendingPolicy {
	return map[UserCategory]LendingPolicy{
		CategoryStudent:  {MaxConcurrentLoans: 3, MaxLoanDurationDays: 14},
		CategoryTeacher:  {MaxConcurrentLoans: 5, MaxLoanDurationDays: 30},
		CategoryExternal: {MaxConcurrentLoans: 2, MaxLoanDurationDays: 7},
	}
}

// PolicyTable is an immutable category to policy lookup.
type PolicyTable struct {
	policies map[UserCategory]LendingPolicy
}

func NewPolicyTable(policies map[UserCategory]LendingPolicy) *PolicyTable {
	copied := make(map[UserCategory]LendingPolicy, len(policies))
	for c, p := range policies {
		copied[c] = p
	}
	return &PolicyTable{policies: copied}
}

// NewPolicyTableWithOverrides starts from DefaultPolicies and applies
// CATEGORY -> "maxLoans/maxDays" overrides.
func NewPolicyTableWithOverrides(overrides map[string]string) (*PolicyTable, error) {
	policies := DefaultPolicies()
	for rawCategory, rawPolicy := range overrides {
		category, err := ParseUserCategory(rawCategory)
		if err != nil {
			return nil, err
		}
		policy, err := ParsePolicy(rawPolicy)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", category, err)
		}
		policies[category] = policy
	}
	return NewPolicyTable(policies), nil
}

func (t *PolicyTable) PolicyFor(category UserCategory) (LendingPolicy, error) {
	p, ok := t.policies[category]
	if !ok {
		return LendingPolicy{}, fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}
	return p, nil
}
