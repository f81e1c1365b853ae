package validation

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/hyperengineering/todosync/internal/types"
)

const (
	// MaxTitleLength is the maximum title length in runes.
	MaxTitleLength = 200
	// MaxDescriptionLength is the maximum description length in runes.
	MaxDescriptionLength = 2000
	// MaxBulkSyncEntries is the maximum number of entries per bulk sync request.
	MaxBulkSyncEntries = 500
)

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return e.Field + " " + e.Message
}

// Errors is a list of field failures usable as an error value.
type Errors []ValidationError

func (e Errors) Error() string {
	parts := make([]string, len(e))
	for i, ve := range e {
		parts[i] = ve.Error()
	}
	return "invalid input: " + strings.Join(parts, "; ")
}

// Collector accumulates validation errors without failing on first.
type Collector struct {
	errors []ValidationError
}

// Add appends a validation error to the collector if non-nil.
func (c *Collector) Add(err *ValidationError) {
	if err != nil {
		c.errors = append(c.errors, *err)
	}
}

// HasErrors returns true if the collector has accumulated any errors.
func (c *Collector) HasErrors() bool {
	return len(c.errors) > 0
}

// Errors returns all accumulated validation errors.
func (c *Collector) Errors() []ValidationError {
	return c.errors
}

// Err returns the accumulated errors as an error, or nil.
func (c *Collector) Err() error {
	if !c.HasErrors() {
		return nil
	}
	return Errors(c.errors)
}

// ValidateUTF8 returns an error if the value is not valid UTF-8.
func ValidateUTF8(field, value string) *ValidationError {
	if !utf8.ValidString(value) {
		return &ValidationError{Field: field, Message: "must be valid UTF-8"}
	}
	return nil
}

// ValidateNoNullBytes returns an error if the value contains null bytes.
func ValidateNoNullBytes(field, value string) *ValidationError {
	if strings.Contains(value, "\x00") {
		return &ValidationError{Field: field, Message: "must not contain null bytes"}
	}
	return nil
}

// ValidateMaxLength returns an error if the value exceeds max runes.
func ValidateMaxLength(field, value string, max int) *ValidationError {
	if utf8.RuneCountInString(value) > max {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("exceeds maximum length of %d characters", max),
		}
	}
	return nil
}

// ValidateRequired returns an error if the value is empty or whitespace-only.
func ValidateRequired(field, value string) *ValidationError {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{Field: field, Message: "is required"}
	}
	return nil
}

// ValidateStatus returns an error if the value is not a known status.
func ValidateStatus(field string, value types.Status) *ValidationError {
	if value.Valid() {
		return nil
	}
	allowed := make([]string, len(types.Statuses))
	for i, s := range types.Statuses {
		allowed[i] = string(s)
	}
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", ")),
	}
}

func validateText(c *Collector, field, value string, max int) {
	c.Add(ValidateUTF8(field, value))
	c.Add(ValidateNoNullBytes(field, value))
	c.Add(ValidateMaxLength(field, value, max))
}

// ValidateFields checks a full task payload. Title is required;
// an empty status is accepted and later defaults to pending.
func ValidateFields(prefix string, f types.Fields) []ValidationError {
	var c Collector
	c.Add(ValidateRequired(prefix+"title", f.Title))
	validateText(&c, prefix+"title", f.Title, MaxTitleLength)
	validateText(&c, prefix+"description", f.Description, MaxDescriptionLength)
	if f.Status != "" {
		c.Add(ValidateStatus(prefix+"status", f.Status))
	}
	return c.Errors()
}

// ValidateChanges checks a partial update. Set fields obey the same
// rules as ValidateFields; an empty change set is rejected.
func ValidateChanges(ch types.Changes) []ValidationError {
	var c Collector
	if ch.IsEmpty() {
		c.Add(&ValidationError{Field: "changes", Message: "must modify at least one field"})
		return c.Errors()
	}
	if ch.Title != nil {
		c.Add(ValidateRequired("title", *ch.Title))
		validateText(&c, "title", *ch.Title, MaxTitleLength)
	}
	if ch.Description != nil {
		validateText(&c, "description", *ch.Description, MaxDescriptionLength)
	}
	if ch.Status != nil {
		c.Add(ValidateStatus("status", *ch.Status))
	}
	return c.Errors()
}

// ValidateBulkSyncRequest checks request-level constraints and every entry.
func ValidateBulkSyncRequest(req types.BulkSyncRequest) []ValidationError {
	var c Collector
	if len(req.Tasks) == 0 {
		c.Add(&ValidationError{Field: "tasks", Message: "must contain at least one entry"})
		return c.Errors()
	}
	if len(req.Tasks) > MaxBulkSyncEntries {
		c.Add(&ValidationError{
			Field:   "tasks",
			Message: fmt.Sprintf("exceeds maximum of %d entries", MaxBulkSyncEntries),
		})
		return c.Errors()
	}

	seen := make(map[string]bool, len(req.Tasks))
	for i, e := range req.Tasks {
		prefix := fmt.Sprintf("tasks[%d].", i)
		c.Add(ValidateRequired(prefix+"clienteId", e.ClientID))
		if seen[e.ClientID] && e.ClientID != "" {
			c.Add(&ValidationError{Field: prefix + "clienteId", Message: "is duplicated"})
		}
		seen[e.ClientID] = true
		for _, ve := range ValidateFields(prefix, types.Fields{Title: e.Title, Description: e.Description, Status: e.Status}) {
			c.Add(&ve)
		}
	}
	return c.Errors()
}
