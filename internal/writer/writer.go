// Package writer defines the storage write contract the import
// orchestrator depends on, plus the Postgres and in-memory
// implementations.
package writer

import (
	"context"

	"github.com/sonmap/geoimport/internal/model"
	"github.com/sonmap/geoimport/internal/notice"
)

// Batch is one ordered slice of features bound for a layer. ID is
// stable across retries; writers must treat a replayed ID as a no-op.
type Batch struct {
	ID       string
	LayerID  string
	Index    int
	Features []model.Feature
}

// FeatureError ties one failed feature to its cause.
type FeatureError struct {
	FeatureID   int64  `json:"feature_id"`
	SourceIndex int    `json:"source_index"`
	Error       string `json:"error"`
}

// BatchResult reports per-feature outcomes of one batch write, plus
// any notices the storage layer emitted alongside success.
type BatchResult struct {
	Written  int
	Failed   []FeatureError
	Notices  []notice.Notice
	Replayed bool // the batch id had already been committed
}

// FeatureWriter is the storage write contract. The collaborator
// provides at-least-once application; implementations must make batch
// submission idempotent keyed by Batch.ID.
type FeatureWriter interface {
	WriteBatch(ctx context.Context, batch Batch) (*BatchResult, error)
}
