package todo

import (
	"net/http"
	"time"

	"github.com/hyperengineering/todosync/internal/types"
)

// Config holds configuration for the todo client
type Config struct {
	// LocalPath is the SQLite file holding the cache and outbox.
	LocalPath string

	// RemoteURL is the API root of the remote store, e.g. http://host:8000/api.
	RemoteURL string

	// Token is sent as a Bearer token on every remote call.
	Token string

	// Timeout bounds each remote request (default 10s).
	Timeout time.Duration

	// MaxRetries bounds retries of transient remote failures.
	MaxRetries int

	// IsServerID tells server-issued identifiers from local ones
	// (default types.IsServerID).
	IsServerID types.IDClassifier

	// ProbeInterval and ProbeTimeout configure Watch (defaults 15s and 3s).
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration

	// Online is the connectivity assumed until the first probe.
	Online bool

	// HTTPClient overrides the transport used for remote calls.
	HTTPClient *http.Client
}

// Filter selects tasks by completion.
type Filter string

const (
	FilterAll       Filter = "all"
	FilterActive    Filter = "active"
	FilterCompleted Filter = "completed"
)

// ParseFilter accepts "all", "active" or "completed"; empty means all.
func ParseFilter(s string) (Filter, bool) {
	switch Filter(s) {
	case "", FilterAll:
		return FilterAll, true
	case FilterActive, FilterCompleted:
		return Filter(s), true
	}
	return "", false
}

// ListOptions narrows List results.
type ListOptions struct {
	Filter Filter
	// Search matches title or description, case-insensitively.
	Search string
}

// QueuedOp describes one pending outbox operation.
type QueuedOp struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	RecordID  string    `json:"record_id"`
	ServerID  string    `json:"server_id,omitempty"`
	Queued    time.Time `json:"queued"`
	Timestamp int64     `json:"ts"`
}
