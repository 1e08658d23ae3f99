// Package store persists import sessions, their checkpoints and
// notice summaries.
package store

import (
	"context"

	"github.com/sonmap/geoimport/internal/model"
	"github.com/sonmap/geoimport/internal/notice"
)

// SessionFilter specifies criteria for listing sessions.
type SessionFilter struct {
	State   model.SessionState `json:"state,omitempty"`
	LayerID string             `json:"layer_id,omitempty"`
	Limit   int                `json:"limit,omitempty"`
}

// SessionStore is the persistence interface for import sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, layerID string, total int) (*model.ImportSession, error)
	UpdateState(ctx context.Context, sessionID string, state model.SessionState, cause string) error
	UpdateProgress(ctx context.Context, sessionID string, processed, failed int) error
	SaveCheckpoint(ctx context.Context, sessionID string, batchIndex int) error
	SaveNoticeSummary(ctx context.Context, sessionID string, summary notice.Summary) error
	GetSession(ctx context.Context, sessionID string) (*model.ImportSession, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]model.ImportSession, error)

	Migrate(ctx context.Context) error
	Close() error
}
