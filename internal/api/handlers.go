package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Harvey-AU/green-carpenter-bee/internal/dag"
	"github.com/Harvey-AU/green-carpenter-bee/internal/db"
	"github.com/Harvey-AU/green-carpenter-bee/internal/engine"
	"github.com/Harvey-AU/green-carpenter-bee/internal/resource"
)

// Version is the current API version (can be set via ldflags at build time)
var Version = "0.1.0"

const serviceName = "green-carpenter-bee"

// Handler holds dependencies for API handlers
type Handler struct {
	Manager *engine.Manager
	Monitor *resource.Monitor
	DB      *db.DB
}

// NewHandler creates a new API handler with dependencies. DB may be nil for
// storage-less deployments; endpoints backed by it respond 503.
func NewHandler(manager *engine.Manager, monitor *resource.Monitor, database *db.DB) *Handler {
	return &Handler{
		Manager: manager,
		Monitor: monitor,
		DB:      database,
	}
}

// SetupRoutes configures all API routes
func (h *Handler) SetupRoutes(mux *http.ServeMux) {
	// Health check endpoints
	mux.HandleFunc("/health", h.HealthCheck)
	mux.HandleFunc("/health/db", h.DatabaseHealthCheck)

	// Process orchestration
	mux.HandleFunc("/v1/processes", h.ProcessesHandler)
	mux.HandleFunc("/v1/processes/", h.ProcessHandler) // /v1/processes/:id[/cancel|/history]

	// Raw crawl targets
	mux.HandleFunc("/v1/targets", h.SubmitTarget)

	// Dead letter triage
	mux.HandleFunc("/v1/dead-letters", h.ListDeadLetters)
	mux.HandleFunc("/v1/dead-letters/", h.DeadLetterHandler) // /v1/dead-letters/:id/replay

	// Scheduler introspection and resource feed
	mux.HandleFunc("/v1/queue/stats", h.QueueStats)
	mux.HandleFunc("/v1/resources", h.ResourceState)
	mux.HandleFunc("/v1/resources/snapshots", h.RecordSnapshot)
}

// HealthCheck handles basic health check requests
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}
	WriteHealthy(w, r, serviceName, Version)
}

// DatabaseHealthCheck verifies database connectivity
func (h *Handler) DatabaseHealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}
	if h.DB == nil {
		WriteUnhealthy(w, r, serviceName+"-db", errors.New("no database attached"))
		return
	}
	if err := h.DB.GetDB().PingContext(r.Context()); err != nil {
		WriteUnhealthy(w, r, serviceName+"-db", err)
		return
	}
	WriteHealthy(w, r, serviceName+"-db", Version)
}

// ProcessesHandler routes /v1/processes by method.
func (h *Handler) ProcessesHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.createProcess(w, r)
	case http.MethodGet:
		h.listProcesses(w, r)
	default:
		MethodNotAllowed(w, r)
	}
}

// createProcessRequest is the POST /v1/processes payload.
type createProcessRequest struct {
	Definition *engine.ProcessDefinition `json:"definition"`
	Priority   int                       `json:"priority,omitempty"`
}

func (h *Handler) createProcess(w http.ResponseWriter, r *http.Request) {
	var req createProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, r, "Invalid JSON body: "+err.Error())
		return
	}
	if req.Definition == nil {
		BadRequest(w, r, "definition is required")
		return
	}

	instance, err := h.Manager.CreateProcess(r.Context(), req.Definition, req.Priority)
	if err != nil {
		var cycleErr *dag.CyclicDependencyError
		if errors.As(err, &cycleErr) {
			WriteErrorDetails(w, r, "Definition contains a dependency cycle", cycleErr.Nodes,
				http.StatusBadRequest, ErrCodeCycle)
			return
		}
		var valErr *dag.ValidationError
		if errors.As(err, &valErr) {
			WriteErrorMessage(w, r, valErr.Message, http.StatusBadRequest, ErrCodeValidation)
			return
		}
		InternalError(w, r, err)
		return
	}

	WriteCreated(w, r, instance, "Process created")
}

func (h *Handler) listProcesses(w http.ResponseWriter, r *http.Request) {
	status := engine.ProcessStatus(r.URL.Query().Get("status"))
	instances := h.Manager.ListProcesses(status)

	summaries := make([]map[string]interface{}, 0, len(instances))
	for _, instance := range instances {
		summaries = append(summaries, processSummary(instance))
	}
	WriteSuccess(w, r, map[string]interface{}{
		"processes": summaries,
		"count":     len(summaries),
	}, "")
}

// ProcessHandler routes /v1/processes/:id and its sub-resources.
func (h *Handler) ProcessHandler(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/v1/processes/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		BadRequest(w, r, "Process ID is required")
		return
	}
	id := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		h.getProcess(w, r, id)
	case len(parts) == 2 && parts[1] == "cancel" && r.Method == http.MethodPost:
		h.cancelProcess(w, r, id)
	case len(parts) == 2 && parts[1] == "history" && r.Method == http.MethodGet:
		h.processHistory(w, r, id)
	case len(parts) == 1 || (len(parts) == 2 && (parts[1] == "cancel" || parts[1] == "history")):
		MethodNotAllowed(w, r)
	default:
		NotFound(w, r, "Unknown process resource")
	}
}

func (h *Handler) getProcess(w http.ResponseWriter, r *http.Request, id string) {
	instance, err := h.Manager.GetProcess(id)
	if err != nil {
		NotFound(w, r, fmt.Sprintf("Process %q not found", id))
		return
	}

	detail := processSummary(instance)
	detail["batches"] = instance.Batches
	detail["batch_index"] = instance.BatchIndex
	detail["tasks"] = instance.Tasks
	WriteSuccess(w, r, detail, "")
}

func (h *Handler) cancelProcess(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.Manager.CancelProcess(r.Context(), id); err != nil {
		NotFound(w, r, fmt.Sprintf("Process %q not found", id))
		return
	}
	instance, err := h.Manager.GetProcess(id)
	if err != nil {
		InternalError(w, r, err)
		return
	}
	WriteSuccess(w, r, processSummary(instance), "Process cancelled")
}

func (h *Handler) processHistory(w http.ResponseWriter, r *http.Request, id string) {
	if h.DB == nil {
		ServiceUnavailable(w, r, "Execution history requires an attached database")
		return
	}
	transitions, err := h.DB.ListTransitions(r.Context(), id)
	if err != nil {
		DatabaseError(w, r, err)
		return
	}
	WriteSuccess(w, r, map[string]interface{}{
		"process_id":  id,
		"transitions": transitions,
		"count":       len(transitions),
	}, "")
}

// submitTargetRequest is the POST /v1/targets payload.
type submitTargetRequest struct {
	URL      string          `json:"url"`
	Priority int             `json:"priority,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// SubmitTarget admits one raw crawl target through the dedup gate.
func (h *Handler) SubmitTarget(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}

	var req submitTargetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, r, "Invalid JSON body: "+err.Error())
		return
	}
	if req.URL == "" {
		BadRequest(w, r, "url is required")
		return
	}

	sub, queued, err := h.Manager.SubmitTarget(r.Context(), req.URL, req.Priority, req.Metadata)
	if err != nil {
		var valErr *dag.ValidationError
		if errors.As(err, &valErr) {
			WriteErrorMessage(w, r, valErr.Message, http.StatusBadRequest, ErrCodeValidation)
			return
		}
		InternalError(w, r, err)
		return
	}

	if !queued {
		WriteSuccess(w, r, map[string]interface{}{"queued": false}, "Target already processed or in flight")
		return
	}
	WriteCreated(w, r, map[string]interface{}{
		"queued":   true,
		"entry_id": sub.EntryID,
		"url":      sub.URL,
		"identity": sub.Identity,
		"priority": sub.Priority,
	}, "Target queued")
}

// ListDeadLetters pages through dead-lettered entries for triage.
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}
	if h.DB == nil {
		ServiceUnavailable(w, r, "Dead letters require an attached database")
		return
	}

	unreplayedOnly := r.URL.Query().Get("unreplayed") == "true"
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)

	letters, err := h.DB.ListDeadLetters(r.Context(), unreplayedOnly, limit, offset)
	if err != nil {
		DatabaseError(w, r, err)
		return
	}
	WriteSuccess(w, r, map[string]interface{}{
		"dead_letters": letters,
		"count":        len(letters),
		"limit":        limit,
		"offset":       offset,
	}, "")
}

// DeadLetterHandler routes /v1/dead-letters/:id/replay.
func (h *Handler) DeadLetterHandler(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/v1/dead-letters/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "replay" {
		NotFound(w, r, "Unknown dead letter resource")
		return
	}
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}
	h.replayDeadLetter(w, r, parts[0])
}

// replayDeadLetter re-queues the payload of a dead letter and marks it
// replayed. Only target dead letters carry a resubmittable payload.
func (h *Handler) replayDeadLetter(w http.ResponseWriter, r *http.Request, id string) {
	if h.DB == nil {
		ServiceUnavailable(w, r, "Dead letters require an attached database")
		return
	}

	dl, err := h.DB.GetDeadLetter(r.Context(), id)
	if errors.Is(err, db.ErrDeadLetterNotFound) {
		NotFound(w, r, fmt.Sprintf("Dead letter %q not found", id))
		return
	}
	if err != nil {
		DatabaseError(w, r, err)
		return
	}
	if dl.ReplayedAt != nil {
		Conflict(w, r, "Dead letter already replayed")
		return
	}

	var sub engine.TargetSubmission
	if len(dl.Payload) == 0 || json.Unmarshal(dl.Payload, &sub) != nil || sub.URL == "" {
		BadRequest(w, r, "Dead letter has no replayable target payload")
		return
	}

	queued, err := h.Manager.ResubmitTarget(r.Context(), sub.URL, sub.Priority)
	if err != nil {
		InternalError(w, r, err)
		return
	}
	if !queued {
		Conflict(w, r, "An entry for this target is already in flight")
		return
	}

	if err := h.DB.MarkReplayed(r.Context(), id); err != nil {
		DatabaseError(w, r, err)
		return
	}

	log.Info().Str("dead_letter_id", id).Str("url", sub.URL).Msg("Replayed dead letter")
	WriteSuccess(w, r, map[string]interface{}{
		"replayed": true,
		"url":      sub.URL,
	}, "Dead letter replayed")
}

// QueueStats reports queue depth per state.
func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}
	counts, err := h.Manager.QueueCounts(r.Context())
	if err != nil {
		InternalError(w, r, err)
		return
	}
	WriteSuccess(w, r, map[string]interface{}{"states": counts}, "")
}

// ResourceState reports the current throttle decision.
func (h *Handler) ResourceState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}
	throttled, reason := h.Monitor.Throttled()
	WriteSuccess(w, r, map[string]interface{}{
		"throttled":         throttled,
		"reason":            reason,
		"in_flight":         h.Monitor.InFlight(),
		"retry_interval_ms": h.Monitor.RetryInterval().Milliseconds(),
	}, "")
}

// RecordSnapshot ingests one load sample from the external resource sampler.
func (h *Handler) RecordSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}

	var snap resource.Snapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		BadRequest(w, r, "Invalid JSON body: "+err.Error())
		return
	}
	if snap.CPUPercent < 0 || snap.CPUPercent > 100 || snap.MemoryPercent < 0 || snap.MemoryPercent > 100 {
		BadRequest(w, r, "cpu_percent and memory_percent must be within [0, 100]")
		return
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now().UTC()
	}

	h.Monitor.Record(snap)
	WriteJSON(w, r, map[string]interface{}{"status": "accepted"}, http.StatusAccepted)
}

func processSummary(instance *engine.ProcessInstance) map[string]interface{} {
	progress := engine.Progress(instance.Tasks)
	summary := map[string]interface{}{
		"id":         instance.ID,
		"name":       instance.Name,
		"status":     instance.Status,
		"priority":   instance.Priority,
		"progress":   progress,
		"created_at": instance.CreatedAt,
	}
	if instance.ErrorMessage != "" {
		summary["error_message"] = instance.ErrorMessage
	}
	if !instance.StartedAt.IsZero() {
		summary["started_at"] = instance.StartedAt
	}
	if !instance.CompletedAt.IsZero() {
		summary["completed_at"] = instance.CompletedAt
	}
	return summary
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
