// Package task defines the unit of work moving from the queue source through
// the dispatcher into a worker, and the spillover encoding used for large
// payloads.
package task

import (
	"errors"
	"time"
)

var (
	// ErrInvalidTask is returned when a task carries both an inline payload
	// and a spill reference, or a spill reference without a path.
	ErrInvalidTask = errors.New("task must carry exactly one of payload or spill reference")

	// ErrDigestMismatch is returned when a spill file does not hash to the
	// digest recorded at spill time.
	ErrDigestMismatch = errors.New("spill file digest mismatch")

	// ErrSpillCleanup is returned alongside a valid payload when the spill
	// file could not be removed after reading.
	ErrSpillCleanup = errors.New("spill file cleanup failed")
)

// SpillRef points at a payload that was moved to a temp file.
type SpillRef struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	Digest string `json:"digest"`
}

// Task is a single message popped from the queue source.
type Task struct {
	ID       string
	Payload  []byte
	Spill    *SpillRef
	PoppedAt time.Time

	tick bool
}

// Tick is the no-op value forwarded when a pop times out. It carries no work
// and never occupies a worker.
var Tick = &Task{tick: true}

// IsTick reports whether t is the no-op tick.
func (t *Task) IsTick() bool {
	return t == nil || t.tick
}

// Spilled reports whether the payload lives in a spill file.
func (t *Task) Spilled() bool {
	return t != nil && t.Spill != nil
}

// Size returns the payload size in bytes regardless of where it lives.
func (t *Task) Size() int64 {
	if t.Spilled() {
		return t.Spill.Size
	}
	return int64(len(t.Payload))
}

// Validate checks the payload/spill exclusivity invariant. An empty inline
// payload is a legal message.
func (t *Task) Validate() error {
	if t.IsTick() {
		return nil
	}
	if len(t.Payload) > 0 && t.Spilled() {
		return ErrInvalidTask
	}
	if t.Spilled() && t.Spill.Path == "" {
		return ErrInvalidTask
	}
	return nil
}
