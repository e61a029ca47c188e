/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       REST handler for observability event ingestion and
             pipeline health, wrapping the fan-out pipeline's actual
             TrackUsage/TrackEvaluation/Stats surface. EventsQuery
             reads only the pipeline's bounded in-memory window of
             recent usage events (Query); the wired sinks (stdout
             log, SQLite mirror) are write-only.
Root Cause:  Sprint task T117 — event ingestion pipeline, narrowed to
             the operations the pipeline and its sinks actually
             support.
Context:     Lets instrumented clients (agent runners, batch jobs)
             report usage and evaluation events that did not pass
             through the chat/embeddings proxy path.
Suitability: L2 — standard REST wrapping an async pipeline.
──────────────────────────────────────────────────────────────
*/

package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/watchllm/gateway/admission"
	"github.com/watchllm/gateway/analytics"
	"github.com/watchllm/gateway/middleware"
)

// AnalyticsHandler handles observability event ingestion and pipeline
// health REST endpoints.
type AnalyticsHandler struct {
	pipeline *analytics.Pipeline
	logger   zerolog.Logger
}

// NewAnalyticsHandler creates a new analytics handler.
func NewAnalyticsHandler(pipeline *analytics.Pipeline, logger zerolog.Logger) *AnalyticsHandler {
	return &AnalyticsHandler{
		pipeline: pipeline,
		logger:   logger.With().Str("handler", "analytics").Logger(),
	}
}

// eventEnvelope is the externally submitted event shape: exactly one
// of usage/evaluation must be set.
type eventEnvelope struct {
	Usage      *analytics.UsageEvent      `json:"usage,omitempty"`
	Evaluation *analytics.EvaluationEvent `json:"evaluation,omitempty"`
}

// IngestEvent handles POST /v1/events — a single usage or evaluation
// event submitted out-of-band from the proxy path.
func (h *AnalyticsHandler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	var env eventEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	project := middleware.GetProjectID(r.Context())
	if err := h.ingest(project, env); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

// IngestBatch handles POST /v1/events/batch.
func (h *AnalyticsHandler) IngestBatch(w http.ResponseWriter, r *http.Request) {
	var envs []eventEnvelope
	if err := json.NewDecoder(r.Body).Decode(&envs); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "request body is not valid JSON", nil)
		return
	}
	project := middleware.GetProjectID(r.Context())

	batch := make([]admission.EventEnvelope, len(envs))
	for i, env := range envs {
		batch[i] = toEventEnvelope(project, env)
	}
	if aerr := admission.ValidateBatch(batch); aerr != nil {
		writeAdmissionError(w, aerr)
		return
	}

	accepted := 0
	for _, env := range envs {
		if err := h.ingest(project, env); err == nil {
			accepted++
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": accepted, "rejected": len(envs) - accepted})
}

// toEventEnvelope derives the discriminated, validation-ready shape
// admission.ValidateBatch checks from one externally submitted event.
func toEventEnvelope(project string, env eventEnvelope) admission.EventEnvelope {
	switch {
	case env.Usage != nil:
		p := env.Usage.Project
		if p == "" {
			p = project
		}
		return admission.EventEnvelope{
			EventType: "usage",
			ProjectID: p,
			HasFields: env.Usage.Model != "" && env.Usage.Provider != "",
		}
	case env.Evaluation != nil:
		return admission.EventEnvelope{
			EventType: "evaluation",
			ProjectID: project,
			HasFields: env.Evaluation.RuleSetID != "",
		}
	default:
		return admission.EventEnvelope{}
	}
}

type eventsQueryBody struct {
	Model string `json:"model,omitempty"`
	Since string `json:"since,omitempty"`
	Until string `json:"until,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// EventsQuery handles POST /v1/events/query — looks back over the
// pipeline's bounded in-memory recent-usage-event window, scoped to
// the caller's resolved project.
func (h *AnalyticsHandler) EventsQuery(w http.ResponseWriter, r *http.Request) {
	var body eventsQueryBody
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "request body is not valid JSON", nil)
			return
		}
	}
	filter := analytics.QueryFilter{
		Project: middleware.GetProjectID(r.Context()),
		Model:   body.Model,
		Limit:   body.Limit,
	}
	if body.Since != "" {
		if t, err := time.Parse(time.RFC3339, body.Since); err == nil {
			filter.Since = t
		}
	}
	if body.Until != "" {
		if t, err := time.Parse(time.RFC3339, body.Until); err == nil {
			filter.Until = t
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": h.pipeline.Query(filter)})
}

func (h *AnalyticsHandler) ingest(project string, env eventEnvelope) error {
	switch {
	case env.Usage != nil:
		e := *env.Usage
		if e.Project == "" {
			e.Project = project
		}
		if e.RequestID == "" {
			e.RequestID = uuid.NewString()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now().UTC()
		}
		h.pipeline.TrackUsage(e)
		return nil
	case env.Evaluation != nil:
		e := *env.Evaluation
		if e.EventID == "" {
			e.EventID = uuid.NewString()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now().UTC()
		}
		h.pipeline.TrackEvaluation(e)
		return nil
	default:
		return errEmptyEvent
	}
}

var errEmptyEvent = jsonError("event must set either usage or evaluation")

type jsonError string

func (e jsonError) Error() string { return string(e) }

// PipelineStats handles GET /v1/analytics/pipeline — pipeline health
// counters (received/written/dropped/flush errors, buffer depth).
func (h *AnalyticsHandler) PipelineStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pipeline.Stats())
}
