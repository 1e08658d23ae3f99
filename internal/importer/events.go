package importer

import (
	"time"

	"github.com/sonmap/geoimport/internal/writer"
)

// ProgressEvent is emitted once per resolved batch, whether the batch
// succeeded or exhausted its retries. Processed and Failed count that
// batch's features only; summed across a run they reconcile with the
// input total.
type ProgressEvent struct {
	Type         string `json:"type"`
	SessionID    string `json:"session_id"`
	BatchIndex   int    `json:"batch_index"`
	Processed    int    `json:"processed"`
	Failed       int    `json:"failed"`
	TotalBatches int    `json:"total_batches"`
}

// ErrorEvent is emitted when a batch write exhausts its retry budget.
type ErrorEvent struct {
	Type       string `json:"type"`
	SessionID  string `json:"session_id"`
	BatchIndex int    `json:"batch_index"`
	Message    string `json:"message"`
}

// Statistics carries run timing and per-stage counts.
type Statistics struct {
	ImportTime       time.Duration `json:"import_time"`
	ValidatedCount   int           `json:"validated_count"`
	TransformedCount int           `json:"transformed_count"`
}

// Summary is the final result of a run.
type Summary struct {
	SessionID        string                `json:"session_id"`
	State            string                `json:"state"`
	ImportedFeatures int                   `json:"imported_features"`
	CollectionID     string                `json:"collection_id"`
	LayerIDs         []string              `json:"layer_ids"`
	FailedFeatures   []writer.FeatureError `json:"failed_features,omitempty"`
	Statistics       Statistics            `json:"statistics"`
}

// Sink receives run events. Implementations must be fast; the
// orchestrator calls them synchronously between batches.
type Sink interface {
	Progress(ProgressEvent)
	Error(ErrorEvent)
}

// NoopSink discards all events.
type NoopSink struct{}

func (NoopSink) Progress(ProgressEvent) {}
func (NoopSink) Error(ErrorEvent)       {}
