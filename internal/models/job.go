package models

import (
	"time"
)

// Job lifecycle states persisted in the record store.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Statuses lists every lifecycle state, in transition order.
var Statuses = []string{StatusQueued, StatusProcessing, StatusCompleted, StatusFailed}

// ValidStatus reports whether s names a known lifecycle state.
func ValidStatus(s string) bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// Job represents one unit of conversion work. Rows are never removed;
// IsDeleted is the only form of logical removal so the journal can report
// retractions to consumers.
type Job struct {
	ID            string    `json:"id"`
	SourcePath    string    `json:"source_path"`
	FileHash      string    `json:"file_hash"`
	Status        string    `json:"status"`
	Attempts      int       `json:"attempts"`
	ProcessedPath *string   `json:"processed_path"`
	ErrorMessage  *string   `json:"error_message"`
	IsDeleted     bool      `json:"is_deleted"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Active reports whether the job currently owns its source path.
// At most one active job may exist per source path.
func (j Job) Active() bool {
	return j.Status == StatusQueued || j.Status == StatusProcessing
}
