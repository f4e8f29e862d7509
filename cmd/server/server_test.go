package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"

	"github.com/liamcoop/hearth/familyengine"
	"github.com/liamcoop/hearth/household"
	"github.com/liamcoop/hearth/rules"
)

const familyPath = "/api/v1/families/fam-1"

var (
	asParent = map[string]string{headerMemberID: "mom", headerMemberRole: "parent"}
	asChild  = map[string]string{headerMemberID: "alice", headerMemberRole: "child"}
)

func newTestServer(t *testing.T, cfg Config) (*Server, *household.MemoryStore) {
	t.Helper()
	hh := household.NewMemoryStore()
	hh.AddMember(&household.Member{ID: "mom", FamilyID: "fam-1", Name: "Anna", Role: household.RoleParent, IsActive: true})
	hh.AddMember(&household.Member{ID: "alice", FamilyID: "fam-1", Name: "Alice", Role: household.RoleChild, IsActive: true})
	return newServer(hh, familyengine.MemoryStores(), nil, cfg), hh
}

func doRequest(t *testing.T, s *Server, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(dst); err != nil {
		t.Fatalf("Failed to decode response %q: %v", rec.Body.String(), err)
	}
}

func streakRuleBody(name string, amount float64) map[string]any {
	return map[string]any{
		"name":    name,
		"trigger": map[string]any{"type": "chore_streak", "config": map[string]any{"days": 7}},
		"actions": []any{
			map[string]any{"type": "award_credits", "config": map[string]any{"amount": amount}},
		},
	}
}

func createRule(t *testing.T, s *Server, body map[string]any) *rules.Rule {
	t.Helper()
	rec := doRequest(t, s, http.MethodPost, familyPath+"/rules", body, asParent)
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp RuleResponse
	decodeBody(t, rec, &resp)
	return resp.Rule
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	rec := doRequest(t, s, http.MethodGet, "/api/v1/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	s.ping = func(context.Context) error { return errors.New("connection refused") }
	rec = doRequest(t, s, http.MethodGet, "/api/v1/health", nil, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 when the database is down, got %d", rec.Code)
	}
}

func TestRuleLifecycle(t *testing.T) {
	s, hh := newTestServer(t, Config{})

	rule := createRule(t, s, streakRuleBody("Seven day streak", 50))
	if rule.ID == "" || rule.CreatedByID != "mom" || rule.FamilyID != "fam-1" || !rule.IsEnabled {
		t.Fatalf("Unexpected rule: %+v", rule)
	}
	rulePath := familyPath + "/rules/" + rule.ID

	rec := doRequest(t, s, http.MethodGet, rulePath, nil, asChild)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 reading a rule, got %d", rec.Code)
	}

	rec = doRequest(t, s, http.MethodGet, familyPath+"/rules?enabled=true&triggerType=chore_streak", nil, asChild)
	var list RulesListResponse
	decodeBody(t, rec, &list)
	if len(list.Rules) != 1 || list.Limit != 50 {
		t.Errorf("Unexpected list: %+v", list)
	}

	update := streakRuleBody("Renamed streak", 75)
	rec = doRequest(t, s, http.MethodPut, rulePath, update, asParent)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 updating, got %d: %s", rec.Code, rec.Body.String())
	}

	// Events are evaluated in the background.
	event := map[string]any{"memberId": "alice", "streak": map[string]any{"currentStreak": 7}}
	rec = doRequest(t, s, http.MethodPost, familyPath+"/events/chore_streak", event, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202 for an event, got %d", rec.Code)
	}
	s.hooks.Wait()
	if got := hh.CreditBalance("alice").String(); got != "75" {
		t.Errorf("Expected balance 75 after the updated rule ran, got %s", got)
	}

	rec = doRequest(t, s, http.MethodGet, rulePath+"/executions", nil, asChild)
	var execs ExecutionsResponse
	decodeBody(t, rec, &execs)
	if len(execs.Executions) != 1 || !execs.Executions[0].Success {
		t.Errorf("Unexpected executions: %+v", execs)
	}

	rec = doRequest(t, s, http.MethodGet, rulePath+"/stats", nil, asChild)
	var stats rules.ExecutionStats
	decodeBody(t, rec, &stats)
	if stats.TotalExecutions != 1 || stats.SuccessRate != 100 {
		t.Errorf("Unexpected stats: %+v", stats)
	}

	rec = doRequest(t, s, http.MethodPost, rulePath+"/toggle", nil, asParent)
	var toggled map[string]any
	decodeBody(t, rec, &toggled)
	if toggled["isEnabled"] != false {
		t.Errorf("Expected toggle to disable the rule, got %v", toggled)
	}
	rec = doRequest(t, s, http.MethodPost, rulePath+"/toggle", map[string]any{"isEnabled": false}, asParent)
	decodeBody(t, rec, &toggled)
	if toggled["isEnabled"] != false {
		t.Errorf("Expected explicit isEnabled=false to stick, got %v", toggled)
	}

	rec = doRequest(t, s, http.MethodDelete, rulePath, nil, asParent)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("Expected 204 deleting, got %d", rec.Code)
	}
	rec = doRequest(t, s, http.MethodGet, rulePath, nil, asChild)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 after delete, got %d", rec.Code)
	}
}

func TestRuleManagementRequiresParent(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	rule := createRule(t, s, streakRuleBody("Streak", 10))

	tests := []struct {
		name    string
		method  string
		path    string
		headers map[string]string
	}{
		{"create as child", http.MethodPost, familyPath + "/rules", asChild},
		{"create anonymously", http.MethodPost, familyPath + "/rules", nil},
		{"update as child", http.MethodPut, familyPath + "/rules/" + rule.ID, asChild},
		{"delete as child", http.MethodDelete, familyPath + "/rules/" + rule.ID, asChild},
		{"toggle as child", http.MethodPost, familyPath + "/rules/" + rule.ID + "/toggle", asChild},
		{"instantiate as child", http.MethodPost, familyPath + "/templates/chore_streak_bonus/instantiate", asChild},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, s, tt.method, tt.path, streakRuleBody("x", 1), tt.headers)
			if rec.Code != http.StatusForbidden {
				t.Errorf("Expected 403, got %d", rec.Code)
			}
		})
	}
}

func TestCreateRuleRejectsInvalid(t *testing.T) {
	s, _ := newTestServer(t, Config{})

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing name", map[string]any{
			"trigger": map[string]any{"type": "chore_streak", "config": map[string]any{"days": 7}},
			"actions": []any{map[string]any{"type": "award_credits", "config": map[string]any{"amount": 5}}},
		}},
		{"no actions", map[string]any{
			"name":    "Nothing",
			"trigger": map[string]any{"type": "chore_streak", "config": map[string]any{"days": 7}},
			"actions": []any{},
		}},
		{"amount too large", streakRuleBody("Greedy", 5000)},
		{"unknown trigger", map[string]any{
			"name":    "Mystery",
			"trigger": map[string]any{"type": "weather_changed", "config": map[string]any{}},
			"actions": []any{map[string]any{"type": "award_credits", "config": map[string]any{"amount": 5}}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, s, http.MethodPost, familyPath+"/rules", tt.body, asParent)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("Expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}

	rec := doRequest(t, s, http.MethodPost, familyPath+"/rules", streakRuleBody("Greedy", 5000), asParent)
	var resp map[string]any
	decodeBody(t, rec, &resp)
	if errs, ok := resp["errors"].([]any); !ok || len(errs) != 1 {
		t.Errorf("Expected one validation error, got %v", resp)
	}
}

func TestCreateRuleWarnsAboutLoops(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	body := map[string]any{
		"name":    "Screen time loop",
		"trigger": map[string]any{"type": "screentime_low", "config": map[string]any{"thresholdMinutes": 30}},
		"actions": []any{map[string]any{"type": "adjust_screentime", "config": map[string]any{"amountMinutes": -10}}},
	}
	rec := doRequest(t, s, http.MethodPost, familyPath+"/rules", body, asParent)
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp RuleResponse
	decodeBody(t, rec, &resp)
	if len(resp.Warnings) == 0 {
		t.Error("Expected a loop warning")
	}
}

func TestListRulesValidatesQuery(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	for _, query := range []string{"?limit=0", "?limit=101", "?offset=-1", "?enabled=maybe", "?triggerType=nope"} {
		rec := doRequest(t, s, http.MethodGet, familyPath+"/rules"+query, nil, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", query, rec.Code)
		}
	}
}

func TestUnknownEventType(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	rec := doRequest(t, s, http.MethodPost, familyPath+"/events/weather_changed", map[string]any{}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rec.Code)
	}
}

func TestUnknownFamily(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	rec := doRequest(t, s, http.MethodGet, "/api/v1/families/ghost/rules", nil, asParent)
	if rec.Code != http.StatusNotFound {
		t.Errorf("list rules: expected 404, got %d", rec.Code)
	}

	rec = doRequest(t, s, http.MethodPost, "/api/v1/families/ghost/events/chore_completed",
		map[string]any{"memberId": "alice"}, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("event: expected 404, got %d", rec.Code)
	}
	s.hooks.Wait()

	if got := s.manager.ListFamilies(); slices.Contains(got, "ghost") {
		t.Errorf("ghost family should not be loaded: %v", got)
	}
}

func TestTemplates(t *testing.T) {
	s, _ := newTestServer(t, Config{})

	rec := doRequest(t, s, http.MethodGet, "/api/v1/templates", nil, nil)
	var all struct {
		Templates []rules.Template `json:"templates"`
	}
	decodeBody(t, rec, &all)
	if len(all.Templates) != 8 {
		t.Errorf("Expected 8 templates, got %d", len(all.Templates))
	}

	rec = doRequest(t, s, http.MethodGet, "/api/v1/templates?category=safety", nil, nil)
	decodeBody(t, rec, &all)
	if len(all.Templates) != 1 || all.Templates[0].ID != "medication_cooldown" {
		t.Errorf("Unexpected safety templates: %+v", all.Templates)
	}

	rec = doRequest(t, s, http.MethodGet, "/api/v1/templates/nope", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown template, got %d", rec.Code)
	}

	body := map[string]any{
		"name":           "Big streak bonus",
		"customizations": map[string]any{"actions.0.config.amount": 40},
	}
	rec = doRequest(t, s, http.MethodPost, familyPath+"/templates/chore_streak_bonus/instantiate", body, asParent)
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created RuleResponse
	decodeBody(t, rec, &created)
	if created.Rule.Name != "Big streak bonus" || created.Rule.CreatedByID != "mom" {
		t.Errorf("Unexpected rule: %+v", created.Rule)
	}

	body = map[string]any{"customizations": map[string]any{"name": "nope"}}
	rec = doRequest(t, s, http.MethodPost, familyPath+"/templates/chore_streak_bonus/instantiate", body, asParent)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a non-customizable field, got %d", rec.Code)
	}
}

func TestDryRun(t *testing.T) {
	s, hh := newTestServer(t, Config{})
	rule := createRule(t, s, streakRuleBody("Streak", 10))

	body := map[string]any{"memberId": "alice", "streak": map[string]any{"currentStreak": 9}}
	rec := doRequest(t, s, http.MethodPost, familyPath+"/rules/"+rule.ID+"/test", body, asChild)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var result rules.DryRunResult
	decodeBody(t, rec, &result)
	if !result.WouldExecute || len(result.Actions) != 1 {
		t.Errorf("Unexpected dry run: %+v", result)
	}
	if got := hh.CreditBalance("alice").String(); got != "0" {
		t.Errorf("Dry run must not award credits, balance %s", got)
	}

	rec = doRequest(t, s, http.MethodPost, familyPath+"/rules/missing/test", body, asChild)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown rule, got %d", rec.Code)
	}
}

func TestCronSweepAuth(t *testing.T) {
	unconfigured, _ := newTestServer(t, Config{})
	rec := doRequest(t, unconfigured, http.MethodPost, "/api/v1/cron/evaluate-time-rules", nil, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 without CRON_SECRET, got %d", rec.Code)
	}

	s, _ := newTestServer(t, Config{CronSecret: "s3cret"})
	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic s3cret", http.StatusUnauthorized},
		{"wrong secret", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer s3cret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := map[string]string{}
			if tt.header != "" {
				headers["Authorization"] = tt.header
			}
			rec := doRequest(t, s, http.MethodPost, "/api/v1/cron/evaluate-time-rules", nil, headers)
			if rec.Code != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, rec.Code)
			}
		})
	}

	rec = doRequest(t, s, http.MethodPost, "/api/v1/cron/evaluate-time-rules", nil, map[string]string{"Authorization": "Bearer s3cret"})
	var report familyengine.SweepReport
	decodeBody(t, rec, &report)
	if report.Families != 1 {
		t.Errorf("Expected one family swept, got %+v", report)
	}
}

func TestCORS(t *testing.T) {
	s, _ := newTestServer(t, Config{CORSAllowedOrigins: []string{"https://app.example.com"}})
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/templates", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("Expected allowed origin header, got %q", got)
	}
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/hearth")
	t.Setenv("PORT", "")
	t.Setenv("SCHEDULER_TIMEZONE", "Europe/Berlin")
	t.Setenv("BIRTHDAY_HOUR", "7")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example.com, ,https://b.example.com")
	t.Setenv("LOG_SKIPPED_RULES", "true")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() failed: %v", err)
	}
	if cfg.Port != "8080" || cfg.BirthdayHour != 7 || !cfg.LogSkippedRules {
		t.Errorf("Unexpected config: %+v", cfg)
	}
	if cfg.Location.String() != "Europe/Berlin" {
		t.Errorf("Expected Europe/Berlin, got %s", cfg.Location)
	}
	if len(cfg.CORSAllowedOrigins) != 2 {
		t.Errorf("Expected 2 origins, got %v", cfg.CORSAllowedOrigins)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"no database", map[string]string{"DATABASE_URL": ""}},
		{"bad timezone", map[string]string{"SCHEDULER_TIMEZONE": "Mars/Olympus"}},
		{"bad birthday hour", map[string]string{"BIRTHDAY_HOUR": "24"}},
		{"bad skipped flag", map[string]string{"LOG_SKIPPED_RULES": "sometimes"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DATABASE_URL", "postgres://localhost/hearth")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := LoadConfig(); err == nil {
				t.Error("Expected an error")
			}
		})
	}
}
