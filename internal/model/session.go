package model

import "time"

// SessionState is the lifecycle state of an import session.
type SessionState string

const (
	SessionCreated    SessionState = "created"
	SessionProcessing SessionState = "processing"
	SessionCompleted  SessionState = "completed"
	SessionFailed     SessionState = "failed"
	SessionCancelled  SessionState = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s SessionState) Terminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionCancelled:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is legal.
// created may only enter processing; processing may reach any terminal
// state; terminal states are final.
func (s SessionState) CanTransition(next SessionState) bool {
	switch s {
	case SessionCreated:
		return next == SessionProcessing
	case SessionProcessing:
		return next.Terminal()
	default:
		return false
	}
}

// ImportSession tracks one import run: progress counters, the last
// committed batch index, and where the features went.
type ImportSession struct {
	ID         string       `json:"id"`
	LayerID    string       `json:"layer_id"`
	State      SessionState `json:"state"`
	Processed  int          `json:"processed"`
	Failed     int          `json:"failed"`
	Total      int          `json:"total"`
	Checkpoint int          `json:"checkpoint"` // last committed batch index, -1 before any commit
	Error      string       `json:"error,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}
