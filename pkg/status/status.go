// Package status implements the single EnclaveProcessStatus cell with
// multi-subscriber fan-out: every subscriber gets the current value
// immediately, then every subsequent value. Intermediate non-terminal
// states are not guaranteed to reach a late subscriber; the terminal value
// always is.
package status

import (
	"encoding/json"
	"sync"
)

// Kind is the tagged variant of EnclaveProcessStatus.
type Kind string

const (
	Running  Kind = "running"
	Exited   Kind = "exited"
	Signaled Kind = "signaled"
	Fatal    Kind = "fatal"
)

// ProcessStatus is the single JSON-serializable status value broadcast to
// subscribers, serialized on the wire as {status, code?, signal?, error?}.
type ProcessStatus struct {
	Status Kind   `json:"status"`
	Code   *int   `json:"code,omitempty"`
	Signal *int   `json:"signal,omitempty"`
	Error  string `json:"error,omitempty"`
}

// IsTerminal reports whether the status is one of the three terminal
// variants (Exited, Signaled, Fatal).
func (s ProcessStatus) IsTerminal() bool {
	return s.Status == Exited || s.Status == Signaled || s.Status == Fatal
}

// RunningStatus is the initial value of every cell.
func RunningStatus() ProcessStatus { return ProcessStatus{Status: Running} }

// ExitedStatus builds a terminal Exited status.
func ExitedStatus(code int) ProcessStatus { c := code; return ProcessStatus{Status: Exited, Code: &c} }

// SignaledStatus builds a terminal Signaled status.
func SignaledStatus(signal int) ProcessStatus {
	s := signal
	return ProcessStatus{Status: Signaled, Signal: &s}
}

// FatalStatus builds a terminal Fatal status.
func FatalStatus(err error) ProcessStatus {
	return ProcessStatus{Status: Fatal, Error: err.Error()}
}

// Cell is the process-wide status singleton. Mutated exactly once on
// child exit or fatal init failure (from Running to one terminal value).
type Cell struct {
	mu     sync.Mutex
	value  ProcessStatus
	notify chan struct{}
}

// NewCell starts the cell in the Running state.
func NewCell() *Cell {
	return &Cell{value: RunningStatus(), notify: make(chan struct{})}
}

// Set updates the cell and wakes every subscriber. Callers should only set
// a terminal value once; Set does not itself enforce that, leaving the
// single-writer discipline to the supervisor.
func (c *Cell) Set(s ProcessStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = s
	close(c.notify)
	c.notify = make(chan struct{})
}

// Get returns the current value and a channel that closes on the next
// Set, for callers that want to long-poll for the next change.
func (c *Cell) Get() (ProcessStatus, <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.notify
}

// Encode renders a status as the newline-delimited JSON line the wire
// protocol uses.
func Encode(s ProcessStatus) ([]byte, error) {
	line, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}
