package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/xeet991fx/mrmorris-build-sub005/internal/agents"
	"github.com/xeet991fx/mrmorris-build-sub005/internal/dryrun"
	"github.com/xeet991fx/mrmorris-build-sub005/internal/execution"
	"github.com/xeet991fx/mrmorris-build-sub005/internal/export"
	"github.com/xeet991fx/mrmorris-build-sub005/internal/monitor"
	"github.com/xeet991fx/mrmorris-build-sub005/internal/query"
	"github.com/xeet991fx/mrmorris-build-sub005/internal/storage"
)

type Handlers struct {
	repo      storage.Repository
	writer    *storage.ReportWriter
	broker    *Broker
	agents    *agents.Registry
	estimator *dryrun.Estimator
	metrics   *monitor.Metrics
	tracer    *monitor.Tracer
	keepAlive time.Duration
	now       func() time.Time

	streamsDone chan struct{}
	closeOnce   sync.Once
}

// Deps are the collaborators the handlers serve from.
type Deps struct {
	Repo      storage.Repository
	Writer    *storage.ReportWriter
	Broker    *Broker
	Agents    *agents.Registry
	Estimator *dryrun.Estimator
	Metrics   *monitor.Metrics
	KeepAlive time.Duration
}

func NewHandlers(d Deps) *Handlers {
	if d.KeepAlive <= 0 {
		d.KeepAlive = 15 * time.Second
	}
	if d.Agents == nil {
		d.Agents = agents.NewRegistry()
	}
	if d.Estimator == nil {
		d.Estimator = dryrun.NewEstimator(nil, 0)
	}
	if d.Metrics == nil {
		d.Metrics = monitor.NewMetrics()
	}
	return &Handlers{
		repo:      d.Repo,
		writer:    d.Writer,
		broker:    d.Broker,
		agents:    d.Agents,
		estimator: d.Estimator,
		metrics:   d.Metrics,
		tracer:    monitor.NewTracer(),
		keepAlive: d.KeepAlive,
		now:       time.Now,

		streamsDone: make(chan struct{}),
	}
}

// closeStreams ends every open event stream so shutdown does not wait on them.
func (h *Handlers) closeStreams() {
	h.closeOnce.Do(func() { close(h.streamsDone) })
}

func (h *Handlers) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	req, err := query.ParseListRequest(r.URL.Query())
	if err != nil {
		writeError(w, err.Error(), "INVALID_FILTER", http.StatusBadRequest, r)
		return
	}

	ws, agent := r.PathValue("ws"), r.PathValue("agent")
	ctx, span := h.tracer.StartSpan(r.Context(), "list",
		monitor.AttrWorkspaceID.String(ws), monitor.AttrAgentID.String(agent))

	recs, total, err := h.repo.ListExecutions(ctx, storage.Filter{
		WorkspaceID: ws,
		AgentID:     agent,
		Status:      req.Status,
		Since:       req.StartDate,
		Until:       req.EndDate,
		Search:      req.Search,
		Limit:       req.Limit,
		Offset:      req.Skip,
	})
	monitor.EndSpan(span, err)
	if err != nil {
		h.internalError(w, r, "list", err)
		return
	}

	writeJSON(w, http.StatusOK, ListResponse{Executions: recs, Count: total})
}

func (h *Handlers) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	ws, agent, id := r.PathValue("ws"), r.PathValue("agent"), r.PathValue("id")
	ctx, span := h.tracer.StartSpan(r.Context(), "get", monitor.AttrExecID.String(id))
	d, err := h.repo.GetExecution(ctx, ws, agent, id)
	monitor.EndSpan(span, err)

	switch {
	case execution.IsNotFound(err):
		writeError(w, "execution not found", "NOT_FOUND", http.StatusNotFound, r)
	case err != nil:
		h.internalError(w, r, "get", err)
	default:
		writeJSON(w, http.StatusOK, d)
	}
}

// HandleRetryExecution starts a new execution that re-runs a failed one.
func (h *Handlers) HandleRetryExecution(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	ws, agent, id := r.PathValue("ws"), r.PathValue("agent"), r.PathValue("id")
	ctx, span := h.tracer.StartSpan(r.Context(), "retry", monitor.AttrExecID.String(id))
	var err error
	defer func() { monitor.EndSpan(span, err) }()

	src, err := h.repo.GetExecution(ctx, ws, agent, id)
	if execution.IsNotFound(err) {
		writeError(w, "execution not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	if err != nil {
		h.internalError(w, r, "retry", err)
		return
	}
	if src.Status != execution.StatusFailed {
		h.metrics.RetriesTotal.WithLabelValues("rejected").Inc()
		writeError(w, fmt.Sprintf("execution %s is %s, only failed executions can be retried", id, src.Status),
			"NOT_RETRYABLE", http.StatusConflict, r)
		return
	}

	var triggeredBy *string
	if user := r.Header.Get("X-User-ID"); user != "" {
		triggeredBy = &user
	}
	newID := uuid.New().String()
	rec, events, err := h.repo.ApplyReport(ctx,
		execution.Record{ID: newID, WorkspaceID: ws, AgentID: agent},
		execution.Report{
			Status:      execution.StatusWaiting,
			At:          h.now(),
			TriggeredBy: triggeredBy,
			RetryOf:     id,
			TotalSteps:  src.Summary.TotalSteps,
			Description: src.Summary.Description,
		})
	if err != nil {
		h.metrics.RetriesTotal.WithLabelValues("error").Inc()
		h.internalError(w, r, "retry", err)
		return
	}

	h.applied(rec, events)
	h.metrics.RetriesTotal.WithLabelValues("accepted").Inc()
	log.Info().
		Str("exec_id", newID).
		Str("retry_of", id).
		Str("request_id", RequestIDFromContext(r.Context())).
		Msg("retry queued")

	writeJSON(w, http.StatusOK, RetryResponse{ExecutionID: newID, Message: "Retry queued"})
}

// HandleExportExecutions renders every execution matching the filter as a
// file download.
func (h *Handlers) HandleExportExecutions(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	req, err := query.ParseExportRequest(r.URL.Query())
	if err != nil {
		writeError(w, err.Error(), "INVALID_FILTER", http.StatusBadRequest, r)
		return
	}

	ws, agent := r.PathValue("ws"), r.PathValue("agent")
	ctx, span := h.tracer.StartSpan(r.Context(), "export",
		monitor.AttrAgentID.String(agent), monitor.AttrFormat.String(string(req.Format)))

	recs, _, err := h.repo.ListExecutions(ctx, storage.Filter{
		WorkspaceID: ws,
		AgentID:     agent,
		Status:      req.Status,
		Since:       req.StartDate,
		Until:       req.EndDate,
	})
	if err != nil {
		monitor.EndSpan(span, err)
		h.internalError(w, r, "export", err)
		return
	}

	var buf bytes.Buffer
	err = export.Encode(&buf, recs, req.Format)
	monitor.EndSpan(span, err)
	if err != nil {
		h.internalError(w, r, "export", err)
		return
	}

	h.metrics.ExportsTotal.WithLabelValues(string(req.Format)).Inc()
	h.metrics.ExportRecords.Observe(float64(len(recs)))

	name := export.FileName(agent, h.now(), req.Format)
	w.Header().Set("Content-Type", req.Format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf.Bytes()); err != nil {
		log.Warn().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("export write failed")
	}
}

// HandleTestAgent simulates the agent's plan without side effects.
func (h *Handlers) HandleTestAgent(w http.ResponseWriter, r *http.Request) {
	var req TestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.EntityCount < 0 {
		writeError(w, "entityCount must not be negative", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	ws, agent := r.PathValue("ws"), r.PathValue("agent")
	def, err := h.agents.Get(ws, agent)
	if err != nil {
		writeError(w, "agent not found", "AGENT_NOT_FOUND", http.StatusNotFound, r)
		return
	}

	_, span := h.tracer.StartSpan(r.Context(), "test",
		monitor.AttrAgentID.String(agent), monitor.AttrCount.Int(req.EntityCount))
	res := h.estimator.Run(def.Plan, def.Agent(), req.EntityCount)
	monitor.EndSpan(span, nil)

	outcome := "success"
	if !res.Success {
		outcome = "failed"
	}
	h.metrics.TestRunsTotal.WithLabelValues(outcome).Inc()
	h.metrics.EstimatedCredits.Observe(float64(res.EstimatedCredits.Max))

	writeJSON(w, http.StatusOK, res)
}

// HandleReport queues a progress report from the execution engine.
func (h *Handlers) HandleReport(w http.ResponseWriter, r *http.Request) {
	if h.writer == nil {
		writeError(w, "report ingestion not configured", "INGEST_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	var rep execution.Report
	if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if err := rep.Validate(); err != nil {
		h.metrics.RecordError("validate")
		writeError(w, err.Error(), "INVALID_REPORT", http.StatusBadRequest, r)
		return
	}

	ref := execution.Record{
		ID:          r.PathValue("id"),
		WorkspaceID: r.PathValue("ws"),
		AgentID:     r.PathValue("agent"),
	}
	if !h.writer.Submit(ref, rep) {
		h.metrics.RecordError("buffer_full")
		w.Header().Set("Retry-After", "1")
		writeError(w, "report buffer full", "INGEST_BUSY", http.StatusServiceUnavailable, r)
		return
	}

	writeJSON(w, http.StatusAccepted, AcceptedResponse{Status: "accepted", ExecutionID: ref.ID})
}

// HandleEvents streams the agent's execution events until the client leaves.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, "event stream not configured", "STREAM_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}
	sse := newSSEWriter(w)
	if sse == nil {
		writeError(w, "streaming not supported", "STREAMING_UNSUPPORTED", http.StatusInternalServerError, r)
		return
	}

	events, unsubscribe := h.broker.Subscribe(r.PathValue("ws"), r.PathValue("agent"))
	defer unsubscribe()

	// Streams outlive the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := sse.comment("connected"); err != nil {
		return
	}

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case ev := <-events:
			if err := sse.event(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := sse.comment("keepalive"); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		case <-h.streamsDone:
			return
		}
	}
}

// Applied publishes the events of a stored report and records it. It is the
// report writer's OnApplied hook.
func (h *Handlers) Applied(rec execution.Record, events []execution.Event) {
	h.applied(rec, events)
}

func (h *Handlers) applied(rec execution.Record, events []execution.Event) {
	started := false
	for _, ev := range events {
		if ev.Kind == execution.EventStarted {
			started = true
		}
		if h.broker != nil {
			h.broker.Publish(ev)
		}
	}
	h.metrics.RecordReport(rec, started)
}

func (h *Handlers) internalError(w http.ResponseWriter, r *http.Request, stage string, err error) {
	h.metrics.RecordError(stage)
	log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Str("stage", stage).Msg("request failed")
	writeError(w, stage+" failed", "INTERNAL", http.StatusInternalServerError, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
