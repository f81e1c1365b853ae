package types

import (
	"encoding/json"
	"regexp"
	"time"
)

// Status represents the progress state of a task.
// Values are the wire strings used by the remote store.
type Status string

const (
	StatusPending    Status = "Pendiente"
	StatusInProgress Status = "En Progreso"
	StatusCompleted  Status = "Completada"
)

// Statuses lists every valid status in display order.
var Statuses = []Status{StatusPending, StatusInProgress, StatusCompleted}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// Normalize returns s if valid, otherwise StatusPending.
func (s Status) Normalize() Status {
	if s.Valid() {
		return s
	}
	return StatusPending
}

// ParseStatus accepts either the wire value or a short alias
// ("pending", "in-progress", "completed", "done").
func ParseStatus(v string) (Status, bool) {
	switch v {
	case string(StatusPending), "pending", "todo":
		return StatusPending, true
	case string(StatusInProgress), "in-progress", "in_progress", "doing":
		return StatusInProgress, true
	case string(StatusCompleted), "completed", "done":
		return StatusCompleted, true
	}
	return "", false
}

// Task is a to-do record as cached locally and exchanged with the remote store.
type Task struct {
	ID          string     `json:"_id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Status      Status     `json:"status"`
	ClientID    string     `json:"clienteId,omitempty"`
	CreatedAt   *time.Time `json:"createdAt,omitempty"`
	Pending     bool       `json:"pending,omitempty"`
}

// UnmarshalJSON accepts both "_id" and "id" and normalizes the status,
// so records from older servers decode the same way.
func (t *Task) UnmarshalJSON(data []byte) error {
	type alias Task
	var raw struct {
		alias
		AltID string `json:"id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*t = Task(raw.alias)
	if t.ID == "" {
		t.ID = raw.AltID
	}
	t.Status = t.Status.Normalize()
	return nil
}

// Fields is the full set of user-editable task values.
type Fields struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      Status `json:"status"`
}

// FieldsOf extracts the editable values of a task.
func FieldsOf(t Task) Fields {
	return Fields{Title: t.Title, Description: t.Description, Status: t.Status}
}

// Changes carries only the fields modified by an update.
// A nil pointer means "unchanged".
type Changes struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Status      *Status `json:"status,omitempty"`
}

// IsEmpty reports whether no field is set.
func (c Changes) IsEmpty() bool {
	return c.Title == nil && c.Description == nil && c.Status == nil
}

// Merge returns c overlaid with the non-nil fields of newer.
func (c Changes) Merge(newer Changes) Changes {
	if newer.Title != nil {
		c.Title = newer.Title
	}
	if newer.Description != nil {
		c.Description = newer.Description
	}
	if newer.Status != nil {
		c.Status = newer.Status
	}
	return c
}

// Apply writes the set fields onto f.
func (c Changes) Apply(f Fields) Fields {
	if c.Title != nil {
		f.Title = *c.Title
	}
	if c.Description != nil {
		f.Description = *c.Description
	}
	if c.Status != nil {
		f.Status = *c.Status
	}
	return f
}

// ApplyTask writes the set fields onto a task.
func (c Changes) ApplyTask(t Task) Task {
	f := c.Apply(FieldsOf(t))
	t.Title, t.Description, t.Status = f.Title, f.Description, f.Status
	return t
}

// IDClassifier reports whether an identifier was issued by the remote store.
// Any identifier it rejects is treated as local-issued.
type IDClassifier func(id string) bool

// DefaultServerIDPattern matches 24-hex-digit server identifiers.
const DefaultServerIDPattern = `^[a-fA-F0-9]{24}$`

// PatternClassifier builds an IDClassifier from a regular expression.
func PatternClassifier(pattern string) (IDClassifier, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return re.MatchString, nil
}

var defaultServerID = regexp.MustCompile(DefaultServerIDPattern)

// IsServerID is the default IDClassifier.
func IsServerID(id string) bool {
	return defaultServerID.MatchString(id)
}

// ListResponse is the body of GET /tasks.
type ListResponse struct {
	Items []Task `json:"items"`
}

// BulkSyncEntry is one upsert keyed by the client-supplied identifier.
type BulkSyncEntry struct {
	ClientID    string `json:"clienteId"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      Status `json:"status"`
}

// BulkSyncRequest is the body of POST /tasks/bulksync.
type BulkSyncRequest struct {
	Tasks []BulkSyncEntry `json:"tasks"`
}

// IDMapping associates a client identifier with the server identifier
// the remote store assigned to it.
type IDMapping struct {
	ClientID string `json:"clienteId"`
	ServerID string `json:"serverId"`
}

// BulkSyncResponse is the body returned by POST /tasks/bulksync.
type BulkSyncResponse struct {
	Mapping []IDMapping `json:"mapping"`
}

// CreateRequest is the body of POST /tasks.
type CreateRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      Status `json:"status,omitempty"`
	ClientID    string `json:"clienteId,omitempty"`
}

// DeleteResponse acknowledges DELETE /tasks/{id}.
type DeleteResponse struct {
	OK      bool `json:"ok"`
	Deleted bool `json:"deleted"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	TaskCount int64  `json:"task_count"`
}

// Stats summarizes the local task list.
type Stats struct {
	Total       int `json:"total"`
	Done        int `json:"done"`
	Open        int `json:"open"`
	Unsynced    int `json:"unsynced"`
	PendingOps  int `json:"pending_ops"`
	MappedLocal int `json:"mapped_local"`
}
