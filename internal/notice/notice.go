// Package notice collects structured diagnostics emitted by the
// import pipeline and the storage layer.
package notice

import (
	"sync"
	"time"
)

// Level classifies a notice by severity.
type Level string

const (
	LevelDebug   Level = "debug"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notice is one structured diagnostic, tagged with the batch it arose
// from when applicable (-1 otherwise).
type Notice struct {
	Level      Level          `json:"level"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	BatchIndex int            `json:"batch_index"`
	At         time.Time      `json:"at"`
}

// Summary is the rolling view persisted with a session: per-level
// counts over everything ever recorded plus the most recent notices.
type Summary struct {
	SessionID string        `json:"session_id"`
	Counts    map[Level]int `json:"counts"`
	Recent    []Notice      `json:"recent"`
}

// Aggregator collects notices for one session. It keeps a bounded ring
// of recent notices; per-level counts cover everything recorded,
// including evicted entries. Safe for concurrent use.
type Aggregator struct {
	mu        sync.Mutex
	sessionID string
	keep      int
	ring      []Notice
	counts    map[Level]int
}

// NewAggregator creates an aggregator bound to a session, retaining at
// most keep recent notices.
func NewAggregator(sessionID string, keep int) *Aggregator {
	if keep <= 0 {
		keep = 100
	}
	return &Aggregator{
		sessionID: sessionID,
		keep:      keep,
		counts:    make(map[Level]int),
	}
}

// Add records one notice.
func (a *Aggregator) Add(n Notice) {
	if n.At.IsZero() {
		n.At = time.Now().UTC()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.counts[n.Level]++
	a.ring = append(a.ring, n)
	if len(a.ring) > a.keep {
		a.ring = a.ring[len(a.ring)-a.keep:]
	}
}

// Record is shorthand for Add with the given level and message.
func (a *Aggregator) Record(level Level, batchIndex int, message string, details map[string]any) {
	a.Add(Notice{Level: level, Message: message, Details: details, BatchIndex: batchIndex})
}

// Error records a pipeline error as an error-level notice.
func (a *Aggregator) Error(batchIndex int, err error) {
	a.Record(LevelError, batchIndex, err.Error(), nil)
}

// Count returns how many notices of the given level were recorded.
func (a *Aggregator) Count(level Level) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts[level]
}

// Summary returns the current rolling summary.
func (a *Aggregator) Summary() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	counts := make(map[Level]int, len(a.counts))
	for k, v := range a.counts {
		counts[k] = v
	}
	recent := make([]Notice, len(a.ring))
	copy(recent, a.ring)
	return Summary{SessionID: a.sessionID, Counts: counts, Recent: recent}
}
