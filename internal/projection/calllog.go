package projection

import (
	"time"

	"tidecaster/internal/executor"
	"tidecaster/internal/faults"
)

// CallEntry is one recorded provider call.
type CallEntry struct {
	Provider  string    `json:"provider"`
	Operation string    `json:"operation"`
	Attempts  int       `json:"attempts"`
	Duration  string    `json:"duration"`
	Outcome   string    `json:"outcome"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// CallLog keeps the most recent provider call outcomes. It plugs into the
// executor as its Reporter.
type CallLog struct {
	entries *ring[CallEntry]
}

// NewCallLog returns a call log holding up to capacity entries.
func NewCallLog(capacity int) *CallLog {
	return &CallLog{entries: newRing[CallEntry](capacity)}
}

// Report implements executor.Reporter.
func (l *CallLog) Report(o executor.Outcome) {
	entry := CallEntry{
		Provider:  o.Provider,
		Operation: o.Operation,
		Attempts:  o.Attempts,
		Duration:  o.Latency.String(),
		Outcome:   "ok",
		At:        o.At,
	}
	if o.Err != nil {
		entry.Outcome = faults.Class(o.Err)
		entry.Error = o.Err.Error()
	}
	l.entries.add(entry)
}

// Snapshot returns the recorded calls, newest first.
func (l *CallLog) Snapshot() []CallEntry {
	return l.entries.snapshot()
}

var _ executor.Reporter = (*CallLog)(nil)
