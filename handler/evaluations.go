/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       REST handler for evaluation rule-set CRUD, on-demand
             single/batch evaluation runs against submitted response
             bodies, and a Slack test-notification endpoint.
Root Cause:  Sprint task G092 — evaluation pipeline's HTTP surface.
Context:     Evaluation normally runs sampled, inline with a proxied
             request (see proxy.go's afterResponse); these endpoints
             let a caller register rule sets and run them on demand
             against an arbitrary response body, e.g. from a batch
             backtest.
Suitability: L2 — standard REST wrapping the evaluation engine and
             rule set store.
──────────────────────────────────────────────────────────────
*/

package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/watchllm/gateway/evaluation"
	"github.com/watchllm/gateway/middleware"
)

// EvaluationHandler handles evaluation rule-set CRUD and run endpoints.
type EvaluationHandler struct {
	engine   *evaluation.Engine
	rules    *evaluation.RuleSetStore
	notifier evaluation.Notifier
	logger   zerolog.Logger
}

// NewEvaluationHandler creates a new evaluation handler. notifier may
// be nil if no Slack webhook is configured.
func NewEvaluationHandler(engine *evaluation.Engine, rules *evaluation.RuleSetStore, notifier evaluation.Notifier, logger zerolog.Logger) *EvaluationHandler {
	return &EvaluationHandler{
		engine:   engine,
		rules:    rules,
		notifier: notifier,
		logger:   logger.With().Str("handler", "evaluations").Logger(),
	}
}

// TestSlackNotification handles POST /v1/evaluations/slack/test — fires
// a synthetic failed-evaluation notification at the configured webhook
// so an operator can confirm delivery without waiting for a real
// failure.
func (h *EvaluationHandler) TestSlackNotification(w http.ResponseWriter, r *http.Request) {
	if h.notifier == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "no Slack webhook configured"})
		return
	}
	ruleSet := evaluation.RuleSet{ID: "test", Name: "connectivity test", MinScore: 1.0}
	result := evaluation.Result{
		RuleSetID: ruleSet.ID, RequestID: "test-" + uuid.NewString(), Passed: false,
		Score: 0, Failures: []string{"this is a test notification"}, Timestamp: time.Now(),
	}
	if err := h.notifier.Notify(r.Context(), result, ruleSet); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"sent": true})
}

type ruleSetBody struct {
	Global bool `json:"global"`
	evaluation.RuleSet
}

// CreateRuleSet handles POST /v1/evaluations/rulesets.
func (h *EvaluationHandler) CreateRuleSet(w http.ResponseWriter, r *http.Request) {
	var body ruleSetBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if body.ID == "" {
		body.ID = uuid.NewString()
	}
	project := ""
	if !body.Global {
		project = middleware.GetProjectID(r.Context())
	}
	h.rules.Put(project, body.RuleSet)
	writeJSON(w, http.StatusCreated, body.RuleSet)
}

// GetRuleSet handles GET /v1/evaluations/rulesets/{id}.
func (h *EvaluationHandler) GetRuleSet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rs, ok := h.rules.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "rule set not found"})
		return
	}
	writeJSON(w, http.StatusOK, rs)
}

// ListRuleSets handles GET /v1/evaluations/rulesets.
func (h *EvaluationHandler) ListRuleSets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"rule_sets": h.rules.List()})
}

// DeleteRuleSet handles DELETE /v1/evaluations/rulesets/{id}.
func (h *EvaluationHandler) DeleteRuleSet(w http.ResponseWriter, r *http.Request) {
	h.rules.Delete(chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

type runEvaluationBody struct {
	RuleSetID    string          `json:"rule_set_id"`
	RequestID    string          `json:"request_id"`
	ResponseBody json.RawMessage `json:"response_body"`
}

// Run handles POST /v1/evaluations/run — evaluates one response body
// against one rule set on demand.
func (h *EvaluationHandler) Run(w http.ResponseWriter, r *http.Request) {
	var body runEvaluationBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	rs, ok := h.rules.Get(body.RuleSetID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "rule set not found"})
		return
	}
	if body.RequestID == "" {
		body.RequestID = uuid.NewString()
	}
	result := h.engine.Evaluate(r.Context(), rs, evaluation.Input{RequestID: body.RequestID, ResponseBody: body.ResponseBody, RequestedAt: time.Now()})
	writeJSON(w, http.StatusOK, result)
}

type runBatchBody struct {
	RuleSetID string              `json:"rule_set_id"`
	Items     []runBatchItemBody  `json:"items"`
}

type runBatchItemBody struct {
	RequestID    string          `json:"request_id"`
	ResponseBody json.RawMessage `json:"response_body"`
}

// RunBatch handles POST /v1/evaluations/run-batch.
func (h *EvaluationHandler) RunBatch(w http.ResponseWriter, r *http.Request) {
	var body runBatchBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	rs, ok := h.rules.Get(body.RuleSetID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "rule set not found"})
		return
	}

	results := make([]evaluation.Result, 0, len(body.Items))
	for _, item := range body.Items {
		requestID := item.RequestID
		if requestID == "" {
			requestID = uuid.NewString()
		}
		results = append(results, h.engine.Evaluate(r.Context(), rs, evaluation.Input{RequestID: requestID, ResponseBody: item.ResponseBody, RequestedAt: time.Now()}))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

// RecentResults handles GET /v1/evaluations/recent.
func (h *EvaluationHandler) RecentResults(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": h.engine.RecentResults(100)})
}
