package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hyperengineering/todosync/internal/types"
	"github.com/hyperengineering/todosync/internal/validation"
)

// maxBodyBytes bounds request bodies; a full bulk sync batch fits well within it.
const maxBodyBytes = 4 << 20

// TaskStore is the persistence used by the handlers.
// Implemented by taskdb.DB.
type TaskStore interface {
	List(ctx context.Context) ([]types.Task, error)
	Count(ctx context.Context) (int64, error)
	Create(ctx context.Context, req types.CreateRequest) (*types.Task, bool, error)
	Update(ctx context.Context, id string, ch types.Changes) (*types.Task, error)
	Delete(ctx context.Context, id string) (bool, error)
	BulkSync(ctx context.Context, entries []types.BulkSyncEntry) ([]types.IDMapping, error)
}

// Handler implements the API handlers
type Handler struct {
	store      TaskStore
	apiKey     string
	version    string
	isServerID types.IDClassifier
}

// NewHandler creates a new Handler. An empty apiKey disables authentication.
func NewHandler(s TaskStore, apiKey, version string) *Handler {
	return &Handler{
		store:      s,
		apiKey:     apiKey,
		version:    version,
		isServerID: types.IsServerID,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "component", "api", "error", err)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return false
	}
	return true
}

// Health handles GET /api/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	n, err := h.store.Count(r.Context())
	if err != nil {
		slog.Error("health check failed", "component", "api", "error", err)
		WriteProblem(w, r, http.StatusServiceUnavailable, "Store unavailable")
		return
	}

	writeJSON(w, http.StatusOK, types.HealthResponse{
		Status:    "healthy",
		Version:   h.version,
		TaskCount: n,
	})
}

// ListTasks handles GET /api/tasks
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.store.List(r.Context())
	if err != nil {
		slog.Error("list failed", "component", "api", "error", err)
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.ListResponse{Items: tasks})
}

// CreateTask handles POST /api/tasks. A repeated clienteId updates the
// task created first and answers 200 instead of 201.
func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req types.CreateRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if errs := validation.ValidateFields("", types.Fields{Title: req.Title, Description: req.Description, Status: req.Status}); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", errs)
		return
	}

	task, created, err := h.store.Create(r.Context(), req)
	if err != nil {
		slog.Error("create failed", "component", "api", "client_id", req.ClientID, "error", err)
		MapStoreError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, task)
}

// UpdateTask handles PUT /api/tasks/{id}
func (h *Handler) UpdateTask(w http.ResponseWriter, r *http.Request) {
	id := MustTaskIDFromContext(r.Context())

	var ch types.Changes
	if !decodeBody(w, r, &ch) {
		return
	}
	if errs := validation.ValidateChanges(ch); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", errs)
		return
	}

	task, err := h.store.Update(r.Context(), id, ch)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// DeleteTask handles DELETE /api/tasks/{id}. Deleting an absent task
// succeeds with deleted=false.
func (h *Handler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	id := MustTaskIDFromContext(r.Context())

	deleted, err := h.store.Delete(r.Context(), id)
	if err != nil {
		slog.Error("delete failed", "component", "api", "record_id", id, "error", err)
		MapStoreError(w, r, err)
		return
	}

	slog.Info("task deleted",
		"component", "api",
		"action", "delete",
		"record_id", id,
		"deleted", deleted,
	)
	writeJSON(w, http.StatusOK, types.DeleteResponse{OK: true, Deleted: deleted})
}

// BulkSync handles POST /api/tasks/bulksync. The whole batch is rejected
// when any entry is invalid.
func (h *Handler) BulkSync(w http.ResponseWriter, r *http.Request) {
	var req types.BulkSyncRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if errs := validation.ValidateBulkSyncRequest(req); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Request contains invalid entries", errs)
		return
	}

	mapping, err := h.store.BulkSync(r.Context(), req.Tasks)
	if err != nil {
		slog.Error("bulk sync failed", "component", "api", "entries", len(req.Tasks), "error", err)
		MapStoreError(w, r, err)
		return
	}

	slog.Info("bulk sync applied",
		"component", "api",
		"action", "bulksync",
		"entries", len(req.Tasks),
	)
	writeJSON(w, http.StatusOK, types.BulkSyncResponse{Mapping: mapping})
}
