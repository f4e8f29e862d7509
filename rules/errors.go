package rules

import (
	"errors"
	"strings"
)

var (
	// ErrRuleNotFound is returned when a rule does not exist in the family.
	ErrRuleNotFound = errors.New("rule not found")

	// ErrRuleExists is returned when adding a rule whose ID is taken.
	ErrRuleExists = errors.New("rule already exists")

	// ErrInvalidRule is wrapped by every ValidationError.
	ErrInvalidRule = errors.New("invalid rule")
)

// ValidationError carries the full list of problems found in a rule.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return "invalid rule: " + strings.Join(e.Errors, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrInvalidRule }
