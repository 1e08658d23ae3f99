package writer

import (
	"context"
	"sync"

	"github.com/sonmap/geoimport/internal/model"
	"github.com/sonmap/geoimport/internal/notice"
)

// MemoryWriter keeps written features in memory. It backs dry runs and
// tests; FailFirst lets tests script transient failures per batch id.
type MemoryWriter struct {
	mu        sync.Mutex
	committed map[string]bool
	features  map[string][]model.Feature // by layer id
	attempts  map[string]int

	// FailFirst makes the first n attempts of every batch id fail with
	// a transient error.
	FailFirst int

	// Notices, when set, is returned with every successful write.
	Notices []notice.Notice

	// Err, when set, fails every write unconditionally.
	Err error
}

// NewMemory creates an empty in-memory writer.
func NewMemory() *MemoryWriter {
	return &MemoryWriter{
		committed: make(map[string]bool),
		features:  make(map[string][]model.Feature),
		attempts:  make(map[string]int),
	}
}

// WriteBatch applies the batch, honoring the same idempotency contract
// as the Postgres writer.
func (w *MemoryWriter) WriteBatch(_ context.Context, batch Batch) (*BatchResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.Err != nil {
		return nil, w.Err
	}

	w.attempts[batch.ID]++
	if w.attempts[batch.ID] <= w.FailFirst {
		return nil, &transientWriteError{batchID: batch.ID}
	}

	if w.committed[batch.ID] {
		return &BatchResult{Written: len(batch.Features), Replayed: true}, nil
	}
	w.committed[batch.ID] = true
	w.features[batch.LayerID] = append(w.features[batch.LayerID], batch.Features...)

	return &BatchResult{Written: len(batch.Features), Notices: w.Notices}, nil
}

// Features returns everything written to a layer.
func (w *MemoryWriter) Features(layerID string) []model.Feature {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]model.Feature, len(w.features[layerID]))
	copy(out, w.features[layerID])
	return out
}

// Attempts returns how many times a batch id was submitted.
func (w *MemoryWriter) Attempts(batchID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.attempts[batchID]
}

type transientWriteError struct {
	batchID string
}

func (e *transientWriteError) Error() string {
	return "transient write failure for batch " + e.batchID + ": connection reset by peer"
}
