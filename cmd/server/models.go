package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/liamcoop/hearth/rules"
)

var validate = validator.New()

// RuleRequest is the body of rule create and update requests.
type RuleRequest struct {
	Name        string             `json:"name" validate:"required,max=100"`
	Description string             `json:"description" validate:"max=500"`
	Trigger     rules.TriggerSpec  `json:"trigger"`
	Conditions  *rules.Conditions  `json:"conditions,omitempty"`
	Actions     []rules.ActionSpec `json:"actions" validate:"required,min=1,dive"`
	IsEnabled   *bool              `json:"isEnabled,omitempty"`
}

func (req *RuleRequest) apply(r *rules.Rule) {
	r.Name = req.Name
	r.Description = req.Description
	r.Trigger = req.Trigger
	r.Conditions = req.Conditions
	r.Actions = req.Actions
	if req.IsEnabled != nil {
		r.IsEnabled = *req.IsEnabled
	}
}

// RuleResponse wraps a rule with non-blocking loop warnings.
type RuleResponse struct {
	Rule     *rules.Rule `json:"rule"`
	Warnings []string    `json:"warnings,omitempty"`
}

// RulesListResponse is one page of rules.
type RulesListResponse struct {
	Rules  []*rules.Rule `json:"rules"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// ToggleRequest sets a rule's enabled state. Without IsEnabled the state
// is flipped.
type ToggleRequest struct {
	IsEnabled *bool `json:"isEnabled,omitempty"`
}

// InstantiateTemplateRequest customizes a template before saving it.
type InstantiateTemplateRequest struct {
	Customizations map[string]any `json:"customizations,omitempty"`
	Name           string         `json:"name,omitempty" validate:"max=100"`
}

// ExecutionsResponse is one page of a rule's execution log.
type ExecutionsResponse struct {
	Executions []*rules.RuleExecution `json:"executions"`
	Limit      int                    `json:"limit"`
	Offset     int                    `json:"offset"`
}

// decodeJSON decodes an optional request body and validates it. An empty
// body leaves dst untouched.
func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid request body: %w", err)
	}
	if err := validate.Struct(dst); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			return nil
		}
		return err
	}
	return nil
}
