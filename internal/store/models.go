package store

import (
	"fmt"
	"time"
)

// Scanner is what is known about a scanner seen on a port.
type Scanner struct {
	Port      string    `json:"port"`
	Transport string    `json:"transport"`
	Info      string    `json:"info,omitempty"`
	Plugged   bool      `json:"plugged"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Scans     uint64    `json:"scans"`
}

// Update outcomes.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// UpdateRecord journals one firmware update run.
type UpdateRecord struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Port       string    `json:"port"`
	Class      string    `json:"class,omitempty"`
	Segments   []string  `json:"segments,omitempty"`
	Bytes      int       `json:"bytes,omitempty"`
	Phase      string    `json:"phase,omitempty"`
	Status     string    `json:"status"`
	Code       int       `json:"code"`
	Error      string    `json:"error,omitempty"`

	// Indeterminate is set when the device may hold partially written flash.
	Indeterminate bool `json:"indeterminate,omitempty"`
}

// NewUpdateID returns a journal key that sorts by start time.
func NewUpdateID(t time.Time) string {
	return fmt.Sprintf("%s-%09d", t.UTC().Format("20060102T150405"), t.Nanosecond())
}
