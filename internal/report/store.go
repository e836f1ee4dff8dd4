// Package report provides structured persistence and retrieval of
// sandbox run results, so agents can fetch the full output of an
// earlier run by ID instead of carrying it in context.
package report

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies how a run was requested.
type Kind string

const (
	// Command is a direct command run.
	Command Kind = "command"
	// Task is a named task run (test, build, lint).
	Task Kind = "task"
)

// Store persists and retrieves run records.
type Store interface {
	Save(rec *Record) error
	Load(id string) (*Record, error)
}

// Record holds the full outcome of one sandboxed run.
type Record struct {
	ID        string        `json:"id"`
	Kind      Kind          `json:"kind"`
	Argv      []string      `json:"argv"`
	Dir       string        `json:"dir"`
	Backend   string        `json:"backend"`           // executing runner: "docker" or "host"
	Image     string        `json:"image,omitempty"`   // container image, when applicable
	Code      int           `json:"code"`
	TimedOut  bool          `json:"timed_out,omitempty"`
	Truncated bool          `json:"truncated,omitempty"`
	Stdout    string        `json:"stdout,omitempty"`
	Stderr    string        `json:"stderr,omitempty"`
	Start     time.Time     `json:"start"`
	Duration  time.Duration `json:"duration"`
}

// New returns a Record stamped with a fresh ID and start time; the
// caller fills in the outcome after the run completes.
func New(kind Kind, argv []string, dir string) *Record {
	return &Record{
		ID:    uuid.New().String(),
		Kind:  kind,
		Argv:  argv,
		Dir:   dir,
		Start: time.Now().UTC(),
	}
}
