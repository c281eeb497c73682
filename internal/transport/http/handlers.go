package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sneh-joshi/voxpipe/internal/pipeline"
	"github.com/sneh-joshi/voxpipe/internal/store"
	"github.com/sneh-joshi/voxpipe/internal/types"
)

// validID returns true when s is usable as a session id in a path.
func validID(s string) bool {
	if s == "" || len(s) > 128 {
		return false
	}
	return !strings.ContainsAny(s, "/\\\x00")
}

// Handler groups all HTTP request handlers.
type Handler struct {
	deps Deps
	log  *slog.Logger
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

type healthResp struct {
	Status     string `json:"status"`
	NodeID     string `json:"node_id"`
	RuntimeTag string `json:"runtime_tag"`
	Uptime     string `json:"uptime"`
	UptimeMs   int64  `json:"uptime_ms"`
	Version    string `json:"version"`
}

type loopRunReq struct {
	SessionID string `json:"session_id"`
	Limit     int    `json:"limit"`
}

type loopRunResp struct {
	pipeline.Result
	Error string `json:"error,omitempty"`
}

type queuesResp struct {
	Queues map[string]map[string]int `json:"queues"`
}

// ─── Health ───────────────────────────────────────────────────────────────────

var startTime = time.Now()

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	elapsed := time.Since(startTime)
	writeJSON(w, http.StatusOK, healthResp{
		Status:     "ok",
		NodeID:     h.deps.NodeID,
		RuntimeTag: h.deps.RuntimeTag,
		Uptime:     elapsed.Round(time.Second).String(),
		UptimeMs:   elapsed.Milliseconds(),
		Version:    "1.0.0",
	})
}

// ─── Queues ───────────────────────────────────────────────────────────────────

func (h *Handler) memory(w http.ResponseWriter, r *http.Request) {
	info, err := h.deps.Queues.MemoryInfo()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) queues(w http.ResponseWriter, r *http.Request) {
	counts, err := h.deps.Queues.Counts()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, queuesResp{Queues: counts})
}

// ─── Pipeline ─────────────────────────────────────────────────────────────────

// runLoop runs one tick now. The body is optional; an empty one scans the
// default batch of candidate sessions.
func (h *Handler) runLoop(w http.ResponseWriter, r *http.Request) {
	var req loopRunReq
	if !decodeOptionalJSON(w, r, &req) {
		return
	}
	if req.SessionID != "" && !validID(req.SessionID) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid session id"})
		return
	}
	job := types.LoopJob{SessionID: req.SessionID}
	if req.Limit != 0 {
		job.Limit = pipeline.ClampLimit(req.Limit)
	}

	res, err := h.deps.Loop.Tick(r.Context(), job)
	if err != nil {
		h.log.Error("manual tick failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, loopRunResp{Result: res, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, loopRunResp{Result: res})
}

func (h *Handler) sessionDone(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !validID(id) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid session id"})
		return
	}
	s, err := h.deps.Closer.Close(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if s == nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err != nil {
		// The session is closed but some processors were not queued; a
		// repeated done request queues them again.
		h.log.Warn("session closed with enqueue errors", "session_id", id, "error", err)
		writeJSON(w, http.StatusAccepted, map[string]any{"session": s, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": s})
}

// ─── Dedup ────────────────────────────────────────────────────────────────────

func (h *Handler) dedupPlan(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !validID(id) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid session id"})
		return
	}
	plan, err := h.deps.Dedup.Plan(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (h *Handler) dedupApply(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !validID(id) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid session id"})
		return
	}
	plan, err := h.deps.Dedup.Plan(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	res, err := h.deps.Dedup.Apply(r.Context(), plan)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"plan": plan, "result": res})
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}

// decodeOptionalJSON decodes the body into v; an empty body leaves v as is.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return false
	}
	return true
}
