// Package importer orchestrates an import run: batching, coordinate
// transformation, retried storage writes, checkpointing and progress
// reporting.
package importer

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sonmap/geoimport/internal/crs"
	"github.com/sonmap/geoimport/internal/metrics"
	"github.com/sonmap/geoimport/internal/model"
	"github.com/sonmap/geoimport/internal/notice"
	"github.com/sonmap/geoimport/internal/resilience"
	"github.com/sonmap/geoimport/internal/store"
	"github.com/sonmap/geoimport/internal/writer"
)

// Options controls one run. Zero values fall back to the defaults
// below.
type Options struct {
	BatchSize          int
	TargetSRID         string
	MaxRetries         int
	RetryDelay         time.Duration
	CheckpointInterval int
	WriteTimeout       time.Duration
	TransformWorkers   int

	// FailFast stops the run on the first exhausted batch. When false,
	// the failed batch is recorded and the run continues.
	FailFast bool

	// Fallback opts in to the identity transform fallback.
	Fallback bool

	// ResumeSessionID resumes an earlier run from its last checkpoint
	// instead of creating a new session.
	ResumeSessionID string
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.TargetSRID == "" {
		o.TargetSRID = "EPSG:4326"
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	if o.CheckpointInterval <= 0 {
		o.CheckpointInterval = 500
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 30 * time.Second
	}
	if o.TransformWorkers <= 0 {
		o.TransformWorkers = 4
	}
	return o
}

// Importer wires the run collaborators together. Construct with New
// and override Sink or Metrics before the first Run if needed.
type Importer struct {
	Writer      writer.FeatureWriter
	Store       store.SessionStore
	Transformer *crs.Transformer
	Metrics     metrics.Emitter
	Sink        Sink
}

// New creates an importer with a no-op sink and metrics emitter.
func New(w writer.FeatureWriter, st store.SessionStore, tr *crs.Transformer) *Importer {
	return &Importer{
		Writer:      w,
		Store:       st,
		Transformer: tr,
		Metrics:     metrics.Noop{},
		Sink:        NoopSink{},
	}
}

type runState struct {
	session      *model.ImportSession
	agg          *notice.Aggregator
	opts         Options
	batches      [][]model.Feature
	processed    int
	failed       int
	transformed  int
	failedFeats  []writer.FeatureError
	lastSnapshot int // processed count at the last checkpoint
}

// Run imports features into layerID as one session. Batches are
// strictly sequential; cancellation is honored between batches so an
// in-flight batch always completes. The returned Summary is non-nil
// whenever a session was created, including failed and cancelled runs.
func (i *Importer) Run(ctx context.Context, layerID string, features []model.Feature, opts Options) (summary *Summary, err error) {
	opts = opts.withDefaults()

	rs, err := i.openSession(ctx, layerID, features, opts)
	if err != nil {
		return nil, err
	}
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("import run panicked",
				zap.String("session_id", rs.session.ID),
				zap.Any("panic", r),
			)
			rs.agg.Record(notice.LevelError, -1, fmt.Sprintf("panic: %v", r), nil)
			if rest := rs.session.Total - rs.processed - rs.failed; rest > 0 {
				rs.failed += rest
			}
			err = eris.Errorf("importer: run panicked: %v", r)
			summary = i.finish(ctx, rs, model.SessionFailed, err.Error(), start)
		}
	}()

	startBatch := rs.session.Checkpoint + 1
	for idx := startBatch; idx < len(rs.batches); idx++ {
		if ctx.Err() != nil {
			rs.agg.Record(notice.LevelWarning, idx, "run cancelled before batch", nil)
			rs.abandon(idx, "run cancelled")
			return i.finish(ctx, rs, model.SessionCancelled, "cancelled", start), nil
		}

		prevProcessed, prevFailed := rs.processed, rs.failed
		batchErr := i.runBatch(ctx, rs, idx)
		i.Sink.Progress(ProgressEvent{
			Type:         "progress",
			SessionID:    rs.session.ID,
			BatchIndex:   idx,
			Processed:    rs.processed - prevProcessed,
			Failed:       rs.failed - prevFailed,
			TotalBatches: len(rs.batches),
		})
		if upErr := i.Store.UpdateProgress(ctx, rs.session.ID, rs.processed, rs.failed); upErr != nil {
			zap.L().Warn("failed to persist progress", zap.Error(upErr))
		}

		if batchErr != nil {
			i.Sink.Error(ErrorEvent{
				Type:       "error",
				SessionID:  rs.session.ID,
				BatchIndex: idx,
				Message:    batchErr.Error(),
			})
			rs.agg.Error(idx, batchErr)
			if opts.FailFast {
				rs.abandon(idx+1, "run aborted after batch failure")
				wrapped := eris.Wrapf(batchErr, "importer: batch %d failed", idx)
				return i.finish(ctx, rs, model.SessionFailed, wrapped.Error(), start), wrapped
			}
			continue
		}

		if rs.processed-rs.lastSnapshot >= opts.CheckpointInterval {
			if cpErr := i.Store.SaveCheckpoint(ctx, rs.session.ID, idx); cpErr != nil {
				zap.L().Warn("failed to persist checkpoint", zap.Error(cpErr))
			} else {
				rs.lastSnapshot = rs.processed
			}
		}
	}

	return i.finish(ctx, rs, model.SessionCompleted, "", start), nil
}

func (i *Importer) openSession(ctx context.Context, layerID string, features []model.Feature, opts Options) (*runState, error) {
	rs := &runState{opts: opts, batches: partition(features, opts.BatchSize)}

	if opts.ResumeSessionID != "" {
		session, err := i.Store.GetSession(ctx, opts.ResumeSessionID)
		if err != nil {
			return nil, eris.Wrap(err, "importer: load session to resume")
		}
		if session.State.Terminal() {
			return nil, eris.Errorf("importer: session %s is %s and cannot be resumed", session.ID, session.State)
		}
		if session.LayerID != layerID {
			return nil, eris.Errorf("importer: session %s belongs to layer %s, not %s", session.ID, session.LayerID, layerID)
		}
		rs.session = session

		// Seed counters from the committed prefix, not from the stored
		// progress: progress is persisted after every batch while the
		// checkpoint lags, and batches past the checkpoint are replayed
		// and counted again. The stored failed count is kept where it
		// fits inside the prefix.
		prefix := 0
		for idx := 0; idx <= session.Checkpoint && idx < len(rs.batches); idx++ {
			prefix += len(rs.batches[idx])
		}
		rs.failed = session.Failed
		if rs.failed > prefix {
			rs.failed = prefix
		}
		rs.processed = prefix - rs.failed
		rs.lastSnapshot = rs.processed
	} else {
		session, err := i.Store.CreateSession(ctx, layerID, len(features))
		if err != nil {
			return nil, eris.Wrap(err, "importer: create session")
		}
		rs.session = session
	}

	rs.agg = notice.NewAggregator(rs.session.ID, 100)
	if rs.session.State == model.SessionCreated {
		if err := i.Store.UpdateState(ctx, rs.session.ID, model.SessionProcessing, ""); err != nil {
			return nil, eris.Wrap(err, "importer: mark session processing")
		}
		rs.session.State = model.SessionProcessing
	}
	return rs, nil
}

// runBatch transforms one batch concurrently, re-joins the results in
// their original order and writes them with retries. A non-nil error
// means the write exhausted its retry budget; transform failures are
// recorded per feature and never fail the batch.
func (i *Importer) runBatch(ctx context.Context, rs *runState, idx int) error {
	source := rs.batches[idx]
	ready := i.transformBatch(ctx, rs, idx, source)
	if len(ready) == 0 {
		return nil
	}

	batch := writer.Batch{
		ID:       batchID(rs.session.ID, idx),
		LayerID:  rs.session.LayerID,
		Index:    idx,
		Features: ready,
	}

	cfg := resilience.RetryConfig{
		MaxAttempts:    rs.opts.MaxRetries,
		Delay:          rs.opts.RetryDelay,
		AttemptTimeout: rs.opts.WriteTimeout,
		OnRetry:        resilience.RetryLogger("write batch"),
	}

	var result *writer.BatchResult
	err := resilience.Do(ctx, cfg, func(ctx context.Context) error {
		var writeErr error
		result, writeErr = i.Writer.WriteBatch(ctx, batch)
		return writeErr
	})
	if err != nil {
		rs.failed += len(batch.Features)
		for _, f := range batch.Features {
			rs.failedFeats = append(rs.failedFeats, writer.FeatureError{
				FeatureID:   f.ID,
				SourceIndex: f.SourceIndex,
				Error:       err.Error(),
			})
		}
		return err
	}

	if result.Replayed {
		zap.L().Info("batch already committed, skipping",
			zap.String("session_id", rs.session.ID),
			zap.Int("batch_index", idx),
		)
		rs.processed += len(batch.Features)
	} else {
		rs.processed += result.Written
		rs.failed += len(result.Failed)
		rs.failedFeats = append(rs.failedFeats, result.Failed...)
	}
	for _, n := range result.Notices {
		n.BatchIndex = idx
		rs.agg.Add(n)
	}

	i.Metrics.Emit(metrics.Event{
		Name:  "import.batch.written",
		Value: float64(result.Written),
		Labels: map[string]any{
			"session_id":  rs.session.ID,
			"batch_index": idx,
		},
	})
	return nil
}

// transformBatch reprojects every feature of one batch, bounded by
// TransformWorkers, and returns the survivors in source order.
func (i *Importer) transformBatch(ctx context.Context, rs *runState, idx int, source []model.Feature) []model.Feature {
	type outcome struct {
		feature model.Feature
		err     error
		stage   string
	}
	outcomes := make([]outcome, len(source))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rs.opts.TransformWorkers)
	for n, f := range source {
		n, f := n, f
		if f.Validation != nil && !f.Validation.Valid {
			outcomes[n] = outcome{err: validationError(f.Validation), stage: "validation"}
			continue
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				outcomes[n] = outcome{err: gctx.Err()}
				return nil
			}
			transformed, err := i.Transformer.TransformGeometry(
				f.Geometry.Geom,
				f.Geometry.SourceSRID,
				rs.opts.TargetSRID,
				crs.Options{ValidateShape: true, Fallback: rs.opts.Fallback},
			)
			if err != nil {
				outcomes[n] = outcome{err: err}
				return nil
			}
			f.Geometry.Geom = transformed
			f.Geometry.SourceSRID = rs.opts.TargetSRID
			outcomes[n] = outcome{feature: f}
			return nil
		})
	}
	_ = g.Wait()

	ready := make([]model.Feature, 0, len(source))
	for n, o := range outcomes {
		if o.err != nil {
			stage := o.stage
			if stage == "" {
				stage = "transform"
			}
			rs.failed++
			rs.failedFeats = append(rs.failedFeats, writer.FeatureError{
				FeatureID:   source[n].ID,
				SourceIndex: source[n].SourceIndex,
				Error:       o.err.Error(),
			})
			rs.agg.Record(notice.LevelWarning, idx, stage+" failed", map[string]any{
				"feature_id": source[n].ID,
				"error":      o.err.Error(),
			})
			continue
		}
		rs.transformed++
		ready = append(ready, o.feature)
	}
	return ready
}

// validationError condenses a failed validation into the per-feature
// error surfaced in the run summary.
func validationError(v *model.ValidationResult) error {
	if len(v.Issues) > 0 {
		return eris.Errorf("feature failed validation: %s: %s", v.Issues[0].Code, v.Issues[0].Message)
	}
	return eris.New("feature failed validation")
}

// abandon counts every feature of batches from idx onward as failed so
// terminal counters still reconcile with the input total.
func (rs *runState) abandon(from int, reason string) {
	for idx := from; idx < len(rs.batches); idx++ {
		for _, f := range rs.batches[idx] {
			rs.failed++
			rs.failedFeats = append(rs.failedFeats, writer.FeatureError{
				FeatureID:   f.ID,
				SourceIndex: f.SourceIndex,
				Error:       reason,
			})
		}
	}
}

// finish persists the terminal state and notice summary, then builds
// the run summary. Persistence failures are logged, never returned;
// the run outcome is already decided.
func (i *Importer) finish(ctx context.Context, rs *runState, state model.SessionState, cause string, start time.Time) *Summary {
	// The run context may already be cancelled; terminal persistence
	// still has to happen.
	ctx = context.WithoutCancel(ctx)
	if err := i.Store.SaveNoticeSummary(ctx, rs.session.ID, rs.agg.Summary()); err != nil {
		zap.L().Warn("failed to persist notice summary", zap.Error(err))
	}
	if err := i.Store.UpdateState(ctx, rs.session.ID, state, cause); err != nil {
		zap.L().Warn("failed to persist terminal state", zap.Error(err))
	}
	if err := i.Store.UpdateProgress(ctx, rs.session.ID, rs.processed, rs.failed); err != nil {
		zap.L().Warn("failed to persist final progress", zap.Error(err))
	}

	validated := 0
	for _, batch := range rs.batches {
		for _, f := range batch {
			if f.Validation != nil {
				validated++
			}
		}
	}

	i.Metrics.Emit(metrics.Event{
		Name:  "import.session.finished",
		Value: float64(rs.processed),
		Labels: map[string]any{
			"session_id": rs.session.ID,
			"state":      string(state),
		},
	})

	return &Summary{
		SessionID:        rs.session.ID,
		State:            string(state),
		ImportedFeatures: rs.processed,
		CollectionID:     rs.session.ID,
		LayerIDs:         []string{rs.session.LayerID},
		FailedFeatures:   rs.failedFeats,
		Statistics: Statistics{
			ImportTime:       time.Since(start),
			ValidatedCount:   validated,
			TransformedCount: rs.transformed,
		},
	}
}

// partition splits features into contiguous batches of at most size.
func partition(features []model.Feature, size int) [][]model.Feature {
	if len(features) == 0 {
		return nil
	}
	batches := make([][]model.Feature, 0, (len(features)+size-1)/size)
	for start := 0; start < len(features); start += size {
		end := start + size
		if end > len(features) {
			end = len(features)
		}
		batches = append(batches, features[start:end])
	}
	return batches
}

// batchID derives the stable write key for a batch. Retries and
// resumed runs reuse the same id so the writer can deduplicate.
func batchID(sessionID string, index int) string {
	return fmt.Sprintf("%s:%06d", sessionID, index)
}
