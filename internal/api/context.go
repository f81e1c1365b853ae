package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hyperengineering/todosync/internal/types"
)

// taskIDContextKey is the context key for the validated task identifier.
type taskIDContextKey struct{}

// ErrNoTaskIDInContext indicates no task identifier was found in the context.
var ErrNoTaskIDInContext = errors.New("no task id in context")

// WithTaskID returns a new context with the task identifier attached.
func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, taskIDContextKey{}, id)
}

// TaskIDFromContext extracts the task identifier from the context.
// Returns ErrNoTaskIDInContext if not present or empty.
func TaskIDFromContext(ctx context.Context) (string, error) {
	id, ok := ctx.Value(taskIDContextKey{}).(string)
	if !ok || id == "" {
		return "", ErrNoTaskIDInContext
	}
	return id, nil
}

// MustTaskIDFromContext extracts the task identifier or panics.
// Use only when TaskIDMiddleware guarantees its presence.
func MustTaskIDFromContext(ctx context.Context) string {
	id, err := TaskIDFromContext(ctx)
	if err != nil {
		panic("task id not in context: middleware misconfiguration")
	}
	return id
}

// TaskIDMiddleware resolves the {id} URL parameter. Identifiers the
// server could never have issued answer 404 without reaching the store.
func TaskIDMiddleware(isServerID types.IDClassifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := chi.URLParam(r, "id")
			if id == "" || !isServerID(id) {
				WriteProblem(w, r, http.StatusNotFound, "Task not found")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithTaskID(r.Context(), id)))
		})
	}
}
