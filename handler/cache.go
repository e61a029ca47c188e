/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       REST handler for cache inspection and targeted
             invalidation, wrapping the exact+semantic cache engine's
             actual Stats/Invalidate surface.
Root Cause:  Sprint tasks T111-T114 — Cache REST API, narrowed to the
             operations the cache engine actually supports (no
             namespace/entry-ID addressing exists below the
             project+kind+fingerprint key).
Context:     Admin endpoints for cache management.
Suitability: L2 — standard REST wrapping cache engine.
──────────────────────────────────────────────────────────────
*/

package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/watchllm/gateway/caching"
)

// CacheHandler handles cache management REST endpoints.
type CacheHandler struct {
	engine *caching.Engine
	logger zerolog.Logger
}

// NewCacheHandler creates a new cache handler.
func NewCacheHandler(engine *caching.Engine, logger zerolog.Logger) *CacheHandler {
	return &CacheHandler{
		engine: engine,
		logger: logger.With().Str("handler", "cache").Logger(),
	}
}

// Stats handles GET /v1/cache/stats.
func (h *CacheHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Stats())
}

// Invalidate handles DELETE /v1/cache/{project}/{kind}/{fingerprint}.
// The cache has no namespace or entry-ID addressing below the
// project+kind+fingerprint key a lookup is made with, so callers must
// supply the same fingerprint a request would have produced.
func (h *CacheHandler) Invalidate(w http.ResponseWriter, r *http.Request) {
	project := chi.URLParam(r, "project")
	kind := caching.Kind(chi.URLParam(r, "kind"))
	fingerprint := chi.URLParam(r, "fingerprint")

	if err := h.engine.Invalidate(r.Context(), project, kind, fingerprint); err != nil {
		h.logger.Warn().Err(err).Str("project", project).Str("fingerprint", fingerprint).Msg("cache invalidation failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "invalidation failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"invalidated": true,
		"project":     project,
		"kind":        kind,
		"fingerprint": fingerprint,
	})
}
