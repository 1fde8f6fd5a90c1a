package models

import "time"

// MonitoredFile is the tracked state of one file under integrity monitoring.
// Path is absolute and unique across the store.
type MonitoredFile struct {
	Path         string    `json:"path"`
	Digest       string    `json:"digest"`
	TrackedSince time.Time `json:"tracked_since"`
	Recipient    string    `json:"recipient,omitempty"`
	State        FileState `json:"state"`
	Active       bool      `json:"active"`
	// LastError holds the most recent permanent failure recorded against the file.
	LastError string    `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Dir returns the directory watched on behalf of this file.
func (f MonitoredFile) Dir() string {
	return DirOf(f.Path)
}
