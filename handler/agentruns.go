/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       REST handler for agent-run trace ingestion, snapshot
             retrieval, step replay with a modified request, and
             run-to-run comparison.
Root Cause:  Sprint task G102 — trace replay's HTTP surface.
Context:     Replay re-dispatches a single modified step through the
             same upstream dispatcher every chat request uses, then
             stores the result as a new run snapshot under a
             replay_<orig>_<ts> run id so it can be compared against
             the original.
Suitability: L3 — wires together snapshot storage, modification
             application, and live dispatch.
──────────────────────────────────────────────────────────────
*/

package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/watchllm/gateway/admission"
	"github.com/watchllm/gateway/dispatch"
	"github.com/watchllm/gateway/middleware"
	"github.com/watchllm/gateway/provider"
	"github.com/watchllm/gateway/replay"
)

// AgentRunHandler handles trace ingestion, replay, and comparison.
type AgentRunHandler struct {
	snapshots     *replay.SnapshotStore
	modifications *replay.ModificationStore
	dispatcher    *dispatch.Dispatcher
	logger        zerolog.Logger
}

// NewAgentRunHandler creates a new agent-run handler.
func NewAgentRunHandler(snapshots *replay.SnapshotStore, modifications *replay.ModificationStore, dispatcher *dispatch.Dispatcher, logger zerolog.Logger) *AgentRunHandler {
	return &AgentRunHandler{
		snapshots:     snapshots,
		modifications: modifications,
		dispatcher:    dispatcher,
		logger:        logger.With().Str("handler", "agent_runs").Logger(),
	}
}

// IngestRun handles POST /v1/agent-runs — records a completed or
// in-flight agent run's full step trace.
func (h *AgentRunHandler) IngestRun(w http.ResponseWriter, r *http.Request) {
	var run replay.RunSnapshot
	if err := json.NewDecoder(r.Body).Decode(&run); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if run.Project == "" {
		run.Project = middleware.GetProjectID(r.Context())
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	if aerr := admission.ValidateAgentRun(&admission.AgentRun{
		RunID: run.RunID, AgentName: run.AgentName, Status: string(run.Status), StepCount: len(run.Steps),
	}); aerr != nil {
		writeAdmissionError(w, aerr)
		return
	}

	if err := h.snapshots.Put(&run); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"run_id": run.RunID, "steps": len(run.Steps)})
}

// GetSnapshot handles GET /v1/agent-runs/{runID}/snapshot.
func (h *AgentRunHandler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, ok := h.snapshots.Get(runID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type replayRequestBody struct {
	StepIndex    int                       `json:"step_index"`
	Modification replay.ReplayModification `json:"modification"`
}

// Replay handles POST /v1/agent-runs/{runID}/replay — re-dispatches
// the request at step_index with the given modification applied, and
// stores the result as a new run snapshot.
func (h *AgentRunHandler) Replay(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	original, ok := h.snapshots.Get(runID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
		return
	}

	var body replayRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	replayCtx, err := replay.GetReplayContext(original, body.StepIndex)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	req := replay.ApplyModification(replayCtx.RequestAtStep, body.Modification)
	start := time.Now()
	resp, category, err := h.dispatcher.ChatCompletion(r.Context(), req)

	step := replay.StepSnapshot{
		Index: body.StepIndex,
		Request: replay.RequestSnapshot{
			Model: req.Model, Messages: req.Messages, Tools: req.Tools,
			Temperature: req.Temperature, MaxTokens: req.MaxTokens, TopP: req.TopP, ToolChoice: req.ToolChoice,
		},
	}
	if err != nil {
		step.Response = replay.ResponseSnapshot{Error: string(category), LatencyMs: time.Since(start).Milliseconds()}
	} else {
		step.Response = replay.ResponseSnapshot{
			Content:      firstChoiceContent(resp),
			FinishReason: firstChoiceFinishReason(resp),
			Usage:        provider.Usage{PromptTokens: resp.Usage.PromptTokens, CompletionTokens: resp.Usage.CompletionTokens, TotalTokens: resp.Usage.TotalTokens},
			LatencyMs:    time.Since(start).Milliseconds(),
		}
	}

	replayRunID := replay.NewReplayRunID(original.RunID, time.Now())
	replayRun := &replay.RunSnapshot{
		RunID:     replayRunID,
		Project:   original.Project,
		AgentName: original.AgentName,
		Status:    replay.RunCompleted,
		CreatedAt: time.Now().UTC(),
		Steps:     append(append([]replay.StepSnapshot{}, replayCtx.PrecedingSteps...), step),
	}
	if err != nil {
		replayRun.Status = replay.RunFailed
	}
	if putErr := h.snapshots.Put(replayRun); putErr != nil {
		h.logger.Warn().Err(putErr).Str("run_id", replayRunID).Msg("failed to store replay run snapshot")
	}

	mod := &replay.Modification{
		ID: replayRunID, RunID: original.RunID, StepIndex: body.StepIndex,
		Changes: body.Modification, ReplayRunID: replayRunID, CreatedAt: time.Now().UTC(),
	}
	h.modifications.Put(mod)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"replay_run_id": replayRunID,
		"run":           replayRun,
	})
}

// Compare handles GET /v1/agent-runs/{runID}/compare/{replayRunID}.
func (h *AgentRunHandler) Compare(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	replayRunID := chi.URLParam(r, "replayRunID")

	original, ok := h.snapshots.Get(runID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "original run not found"})
		return
	}
	replayed, ok := h.snapshots.Get(replayRunID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "replay run not found"})
		return
	}
	writeJSON(w, http.StatusOK, replay.Compare(original, replayed))
}

func firstChoiceContent(resp *provider.ChatResponse) string {
	if len(resp.Choices) == 0 {
		return ""
	}
	if s, ok := resp.Choices[0].Message.Content.(string); ok {
		return s
	}
	return ""
}

func firstChoiceFinishReason(resp *provider.ChatResponse) string {
	if len(resp.Choices) == 0 {
		return ""
	}
	return resp.Choices[0].FinishReason
}
