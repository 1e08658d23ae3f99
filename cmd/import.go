package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sonmap/geoimport/internal/crs"
	"github.com/sonmap/geoimport/internal/decode"
	"github.com/sonmap/geoimport/internal/decode/dxf"
	"github.com/sonmap/geoimport/internal/decode/shapefile"
	"github.com/sonmap/geoimport/internal/importer"
	"github.com/sonmap/geoimport/internal/metrics"
	"github.com/sonmap/geoimport/internal/store"
	"github.com/sonmap/geoimport/internal/validate"
	"github.com/sonmap/geoimport/internal/writer"
)

var importFlags struct {
	layer      string
	format     string
	sourceSRID string
	targetSRID string
	batchSize  int
	bestEffort bool
	resume     string
	dryRun     bool
	fallback   bool
}

var importFileCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a shapefile or DXF file into a layer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		path := args[0]

		result, err := decodeSource(path, importFlags.format, importFlags.sourceSRID)
		if err != nil {
			return err
		}
		for _, failure := range result.Failures {
			zap.L().Warn("record skipped",
				zap.Int("record", failure.Index),
				zap.String("reason", failure.Reason),
			)
		}

		summary := validate.Features(result.Features)
		zap.L().Info("decoded source",
			zap.String("file", path),
			zap.Int("features", len(result.Features)),
			zap.Int("skipped", len(result.Failures)),
			zap.Int("with_issues", summary.WithIssues),
		)

		registry, err := buildRegistry()
		if err != nil {
			return err
		}
		transformer := crs.NewTransformer(registry, nil)

		sessions, err := store.NewSQLite(cfg.Store.SessionPath)
		if err != nil {
			return eris.Wrap(err, "open session store")
		}
		defer sessions.Close()
		if err := sessions.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate session store")
		}

		targetSRID := importFlags.targetSRID
		if targetSRID == "" {
			targetSRID = cfg.Import.TargetSRID
		}

		featureWriter, cleanup, err := buildWriter(ctx, registry, targetSRID)
		if err != nil {
			return err
		}
		defer cleanup()

		imp := importer.New(featureWriter, sessions, transformer)
		imp.Sink = newJSONSink(cmd.OutOrStdout())
		if cfg.Metrics.Enabled {
			emitter := metrics.NewChannelEmitter(func(ev metrics.Event) {
				zap.L().Info("metric",
					zap.String("name", ev.Name),
					zap.Float64("value", ev.Value),
					zap.Any("labels", ev.Labels),
				)
			}, cfg.Metrics.Buffer, cfg.Metrics.MaxPerSecond)
			defer emitter.Close()
			imp.Metrics = emitter
		}

		opts := importer.Options{
			BatchSize:          cfg.Import.BatchSize,
			TargetSRID:         targetSRID,
			MaxRetries:         cfg.Import.MaxRetries,
			RetryDelay:         cfg.Import.RetryDelay,
			CheckpointInterval: cfg.Import.CheckpointInterval,
			WriteTimeout:       cfg.Import.WriteTimeout,
			TransformWorkers:   cfg.Import.TransformWorkers,
			FailFast:           cfg.Import.FailFast,
			Fallback:           cfg.CRS.AllowFallback || importFlags.fallback,
			ResumeSessionID:    importFlags.resume,
		}
		if importFlags.batchSize > 0 {
			opts.BatchSize = importFlags.batchSize
		}
		if importFlags.bestEffort {
			opts.FailFast = false
		}

		runSummary, runErr := imp.Run(ctx, importFlags.layer, result.Features, opts)
		if runSummary != nil {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(runSummary); err != nil {
				return eris.Wrap(err, "encode summary")
			}
		}
		return runErr
	},
}

// decodeSource picks the decoder from the file extension unless format
// overrides it. A shapefile's attributes are read from the sibling
// .dbf when one exists.
func decodeSource(path, format, sourceSRID string) (*decode.Result, error) {
	if format == "" {
		format = strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read %s", path)
	}

	limits := decode.DefaultLimits()
	if cfg.Import.MaxRecordBytes > 0 {
		limits.MaxRecordBytes = cfg.Import.MaxRecordBytes
	}

	switch format {
	case "shp":
		var dbfData []byte
		dbfPath := strings.TrimSuffix(path, filepath.Ext(path)) + ".dbf"
		if b, err := os.ReadFile(dbfPath); err == nil {
			dbfData = b
		}
		return shapefile.Decode(data, dbfData, sourceSRID, limits)
	case "dxf":
		return dxf.Decode(data, sourceSRID, limits)
	default:
		return nil, eris.Errorf("unsupported format %q (expected shp or dxf)", format)
	}
}

func buildRegistry() (*crs.Registry, error) {
	registry := crs.NewDefaultRegistry()
	for _, file := range cfg.CRS.DefinitionFiles {
		n, err := registry.LoadFile(file)
		if err != nil {
			return nil, eris.Wrapf(err, "load crs definitions from %s", file)
		}
		zap.L().Debug("loaded crs definitions", zap.String("file", file), zap.Int("count", n))
	}
	return registry, nil
}

// buildWriter returns the feature writer for the run: in-memory for
// dry runs, Postgres otherwise. The cleanup func releases the pool.
func buildWriter(ctx context.Context, registry *crs.Registry, targetSRID string) (writer.FeatureWriter, func(), error) {
	if importFlags.dryRun {
		return writer.NewMemory(), func() {}, nil
	}

	if cfg.Store.DatabaseURL == "" {
		return nil, nil, eris.New("store.database_url is required (GEOIMPORT_STORE_DATABASE_URL), or pass --dry-run")
	}
	target, err := registry.Get(targetSRID)
	if err != nil {
		return nil, nil, eris.Wrap(err, "resolve target srid")
	}

	pool, err := pgxpool.New(ctx, cfg.Store.DatabaseURL)
	if err != nil {
		return nil, nil, eris.Wrap(err, "connect to database")
	}
	pg := writer.NewPostgres(pool, target.Code)
	if err := pg.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, eris.Wrap(err, "migrate feature store")
	}
	return pg, pool.Close, nil
}

// jsonSink streams run events as JSON lines.
type jsonSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newJSONSink(w io.Writer) *jsonSink {
	return &jsonSink{enc: json.NewEncoder(w)}
}

func (s *jsonSink) Progress(e importer.ProgressEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.enc.Encode(e)
}

func (s *jsonSink) Error(e importer.ErrorEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.enc.Encode(e)
}

func init() {
	importFileCmd.Flags().StringVar(&importFlags.layer, "layer", "", "target layer id (required)")
	importFileCmd.Flags().StringVar(&importFlags.format, "format", "", "source format: shp or dxf (default: by extension)")
	importFileCmd.Flags().StringVar(&importFlags.sourceSRID, "source-srid", "EPSG:4326", "coordinate system of the source file")
	importFileCmd.Flags().StringVar(&importFlags.targetSRID, "target-srid", "", "coordinate system to store (default from config)")
	importFileCmd.Flags().IntVar(&importFlags.batchSize, "batch-size", 0, "features per batch (default from config)")
	importFileCmd.Flags().BoolVar(&importFlags.bestEffort, "best-effort", false, "continue past failed batches")
	importFileCmd.Flags().StringVar(&importFlags.resume, "resume", "", "session id to resume from its last checkpoint")
	importFileCmd.Flags().BoolVar(&importFlags.dryRun, "dry-run", false, "decode, validate and transform without writing to the database")
	importFileCmd.Flags().BoolVar(&importFlags.fallback, "fallback", false, "allow identity fallback when a transform fails and source equals target")
	_ = importFileCmd.MarkFlagRequired("layer")
	rootCmd.AddCommand(importFileCmd)
}
