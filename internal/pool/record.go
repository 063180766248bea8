package pool

import (
	"fmt"
	"time"
)

// State is a worker lifecycle state.
type State int

const (
	StateStarting State = iota
	StateIdle
	StateBusy
	StateDraining
	StateTerminated
)

var stateNames = [...]string{"starting", "idle", "busy", "draining", "terminated"}

func (s State) String() string {
	if int(s) < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for i, n := range stateNames {
		if n == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown worker state %q", b)
}

// WorkerRecord describes one worker. Records handed out by the pool are
// copies.
type WorkerRecord struct {
	ID             string    `json:"id"`
	Slot           int       `json:"slot"`
	Generation     int       `json:"generation"`
	ExecutionCount int       `json:"execution_count"`
	State          State     `json:"state"`
	StartedAt      time.Time `json:"started_at"`
	LastTaskAt     time.Time `json:"last_task_at,omitzero"`
}

func workerID(slot, generation int) string {
	return fmt.Sprintf("w%d.%d", slot, generation)
}

// Stats are cumulative pool counters. Processed counts every task a worker
// finished, whatever the outcome; Failed and DecodeFailed are subsets of it.
type Stats struct {
	Dispatched   uint64 `json:"dispatched"`
	Processed    uint64 `json:"processed"`
	Failed       uint64 `json:"failed"`
	DecodeFailed uint64 `json:"decode_failed"`
	Lost         uint64 `json:"lost"`
	Recycled     uint64 `json:"recycled"`
	Crashed      uint64 `json:"crashed"`
	Ticks        uint64 `json:"ticks"`
}
