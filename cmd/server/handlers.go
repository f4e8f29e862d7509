package main

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/liamcoop/hearth/household"
	"github.com/liamcoop/hearth/rules"
)

// Headers set by the upstream session layer.
const (
	headerMemberID   = "X-Member-ID"
	headerMemberRole = "X-Member-Role"
)

type memberKey struct{}

// requireParent rejects requests not made by a parent.
func requireParent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		memberID := r.Header.Get(headerMemberID)
		if memberID == "" || r.Header.Get(headerMemberRole) != string(household.RoleParent) {
			respondError(w, http.StatusForbidden, "only parents can manage automation rules", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), memberKey{}, memberID)))
	})
}

func memberFrom(ctx context.Context) string {
	id, _ := ctx.Value(memberKey{}).(string)
	return id
}

func (s *Server) familyEngine(w http.ResponseWriter, r *http.Request) (*rules.Engine, bool) {
	engine, err := s.manager.GetEngine(r.Context(), chi.URLParam(r, "familyId"))
	if err != nil {
		respondEngineError(w, "failed to load family", err)
		return nil, false
	}
	return engine, true
}

// pagination reads limit and offset. Limit defaults to 50 and may not
// exceed 100.
func pagination(r *http.Request) (limit, offset int, err error) {
	limit = 50
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 1 || limit > 100 {
			return 0, 0, fmt.Errorf("limit must be between 1 and 100")
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		offset, err = strconv.Atoi(v)
		if err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.familyEngine(w, r)
	if !ok {
		return
	}
	limit, offset, err := pagination(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid pagination", err)
		return
	}

	filter := rules.ListFilter{Limit: limit, Offset: offset}
	if v := r.URL.Query().Get("enabled"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "enabled must be true or false", err)
			return
		}
		filter.Enabled = &enabled
	}
	if v := r.URL.Query().Get("triggerType"); v != "" {
		if !rules.IsValidTriggerType(v) {
			respondError(w, http.StatusBadRequest, "unknown trigger type", nil)
			return
		}
		filter.TriggerType = rules.TriggerType(v)
	}

	list, err := engine.ListRules(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list rules", err)
		return
	}
	if list == nil {
		list = []*rules.Rule{}
	}
	respondJSON(w, http.StatusOK, RulesListResponse{Rules: list, Limit: limit, Offset: offset})
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.familyEngine(w, r)
	if !ok {
		return
	}

	var req RuleRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rule := &rules.Rule{CreatedByID: memberFrom(r.Context()), IsEnabled: true}
	req.apply(rule)
	if err := engine.AddRule(r.Context(), rule); err != nil {
		respondEngineError(w, "failed to add rule", err)
		return
	}

	respondJSON(w, http.StatusCreated, RuleResponse{
		Rule:     rule,
		Warnings: rules.DetectLoopRisk(rule.Trigger.Type, rule.Actions),
	})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.familyEngine(w, r)
	if !ok {
		return
	}
	rule, err := engine.GetRule(r.Context(), chi.URLParam(r, "ruleId"))
	if err != nil {
		respondEngineError(w, "rule not found", err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.familyEngine(w, r)
	if !ok {
		return
	}

	var req RuleRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rule, err := engine.GetRule(r.Context(), chi.URLParam(r, "ruleId"))
	if err != nil {
		respondEngineError(w, "rule not found", err)
		return
	}
	req.apply(rule)
	if err := engine.UpdateRule(r.Context(), rule); err != nil {
		respondEngineError(w, "failed to update rule", err)
		return
	}

	respondJSON(w, http.StatusOK, RuleResponse{
		Rule:     rule,
		Warnings: rules.DetectLoopRisk(rule.Trigger.Type, rule.Actions),
	})
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.familyEngine(w, r)
	if !ok {
		return
	}
	if err := engine.DeleteRule(r.Context(), chi.URLParam(r, "ruleId")); err != nil {
		respondEngineError(w, "failed to delete rule", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleToggleRule(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.familyEngine(w, r)
	if !ok {
		return
	}

	var req ToggleRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rule, err := engine.GetRule(r.Context(), chi.URLParam(r, "ruleId"))
	if err != nil {
		respondEngineError(w, "rule not found", err)
		return
	}
	enabled := !rule.IsEnabled
	if req.IsEnabled != nil {
		enabled = *req.IsEnabled
	}
	if err := engine.SetRuleEnabled(r.Context(), rule.ID, enabled); err != nil {
		respondEngineError(w, "failed to toggle rule", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"id": rule.ID, "isEnabled": enabled})
}

func (s *Server) handleDryRun(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.familyEngine(w, r)
	if !ok {
		return
	}

	var rc rules.RuleContext
	if err := decodeJSON(r, &rc); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	rc.FamilyID = engine.FamilyID()

	result, err := engine.DryRun(r.Context(), chi.URLParam(r, "ruleId"), &rc)
	if err != nil {
		respondEngineError(w, "dry run failed", err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.familyEngine(w, r)
	if !ok {
		return
	}
	limit, offset, err := pagination(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid pagination", err)
		return
	}

	execs, err := engine.ExecutionHistory(r.Context(), chi.URLParam(r, "ruleId"), limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list executions", err)
		return
	}
	if execs == nil {
		execs = []*rules.RuleExecution{}
	}
	respondJSON(w, http.StatusOK, ExecutionsResponse{Executions: execs, Limit: limit, Offset: offset})
}

func (s *Server) handleRuleStats(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.familyEngine(w, r)
	if !ok {
		return
	}
	stats, err := engine.ExecutionStats(r.Context(), chi.URLParam(r, "ruleId"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to compute stats", err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// handleEvent accepts a domain event from another subsystem and evaluates
// it in the background.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	triggerType := chi.URLParam(r, "triggerType")
	if !rules.IsValidTriggerType(triggerType) {
		respondError(w, http.StatusBadRequest, "unknown trigger type", nil)
		return
	}

	if _, ok := s.familyEngine(w, r); !ok {
		return
	}

	var rc rules.RuleContext
	if err := decodeJSON(r, &rc); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	rc.FamilyID = chi.URLParam(r, "familyId")
	rc.TriggerType = rules.TriggerType(triggerType)

	s.hooks.Fire(r.Context(), &rc)
	respondJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	list := rules.Templates()
	if category := r.URL.Query().Get("category"); category != "" {
		list = rules.TemplatesByCategory(category)
	}
	if list == nil {
		list = []rules.Template{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"templates": list})
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := rules.TemplateByID(chi.URLParam(r, "templateId"))
	if err != nil {
		respondEngineError(w, "template not found", err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) handleInstantiateTemplate(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.familyEngine(w, r)
	if !ok {
		return
	}

	var req InstantiateTemplateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rule, err := rules.InstantiateTemplate(chi.URLParam(r, "templateId"), engine.FamilyID(), memberFrom(r.Context()), req.Customizations)
	if err != nil {
		respondEngineError(w, "failed to instantiate template", err)
		return
	}
	if req.Name != "" {
		rule.Name = req.Name
	}
	if err := engine.AddRule(r.Context(), rule); err != nil {
		respondEngineError(w, "failed to add rule", err)
		return
	}
	respondJSON(w, http.StatusCreated, RuleResponse{
		Rule:     rule,
		Warnings: rules.DetectLoopRisk(rule.Trigger.Type, rule.Actions),
	})
}

// handleCronSweep runs the time_based sweep. It is called by an external
// scheduler holding CRON_SECRET.
func (s *Server) handleCronSweep(w http.ResponseWriter, r *http.Request) {
	if s.cfg.CronSecret == "" {
		respondError(w, http.StatusServiceUnavailable, "cron endpoint is not configured", nil)
		return
	}
	token, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !found || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.CronSecret)) != 1 {
		respondError(w, http.StatusUnauthorized, "unauthorized", nil)
		return
	}

	report, err := s.scheduler.Sweep(r.Context(), time.Now())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "sweep failed", err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}
