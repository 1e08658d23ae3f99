package writer

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
	"go.uber.org/zap"

	"github.com/sonmap/geoimport/internal/model"
	"github.com/sonmap/geoimport/internal/notice"
)

// Pool is the subset of pgxpool.Pool the writer needs; pgxmock
// satisfies it in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// PostgresWriter writes feature batches into a PostGIS-backed table
// using the COPY protocol, with an idempotency ledger keyed by batch id.
type PostgresWriter struct {
	pool Pool
	srid int
}

// NewPostgres creates a writer stamping geometries with the given
// authority code (the target system of the import).
func NewPostgres(pool Pool, srid int) *PostgresWriter {
	return &PostgresWriter{pool: pool, srid: srid}
}

// Migrate creates the feature and ledger tables.
func (w *PostgresWriter) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS features (
			layer_id     TEXT NOT NULL,
			feature_id   BIGINT NOT NULL,
			source_index INT NOT NULL,
			attributes   JSONB,
			geom         geometry NOT NULL,
			PRIMARY KEY (layer_id, feature_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_features_geom ON features USING gist (geom)`,
		`CREATE TABLE IF NOT EXISTS import_batches (
			batch_id      TEXT PRIMARY KEY,
			layer_id      TEXT NOT NULL,
			batch_index   INT NOT NULL,
			feature_count INT NOT NULL,
			written_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := w.pool.Exec(ctx, stmt); err != nil {
			return eris.Wrap(err, "writer: migrate")
		}
	}
	return nil
}

// WriteBatch applies one batch. A batch id already present in the
// ledger is a replay and becomes a no-op, which makes retried
// submissions safe against the at-least-once collaborator.
func (w *PostgresWriter) WriteBatch(ctx context.Context, batch Batch) (*BatchResult, error) {
	tag, err := w.pool.Exec(ctx,
		`INSERT INTO import_batches (batch_id, layer_id, batch_index, feature_count)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (batch_id) DO NOTHING`,
		batch.ID, batch.LayerID, batch.Index, len(batch.Features),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "writer: record batch %s", batch.ID)
	}
	if tag.RowsAffected() == 0 {
		zap.L().Debug("writer: batch already committed, skipping",
			zap.String("batch_id", batch.ID),
		)
		return &BatchResult{Written: len(batch.Features), Replayed: true}, nil
	}

	res := &BatchResult{}
	rows := make([][]any, 0, len(batch.Features))
	for _, f := range batch.Features {
		row, encErr := w.featureRow(batch.LayerID, f)
		if encErr != nil {
			res.Failed = append(res.Failed, FeatureError{
				FeatureID:   f.ID,
				SourceIndex: f.SourceIndex,
				Error:       encErr.Error(),
			})
			continue
		}
		rows = append(rows, row)
	}

	if len(rows) > 0 {
		n, copyErr := w.pool.CopyFrom(ctx,
			pgx.Identifier{"features"},
			[]string{"layer_id", "feature_id", "source_index", "attributes", "geom"},
			pgx.CopyFromRows(rows),
		)
		if copyErr != nil {
			return nil, eris.Wrapf(copyErr, "writer: copy batch %s", batch.ID)
		}
		res.Written = int(n)
	}

	if len(res.Failed) > 0 {
		res.Notices = append(res.Notices, notice.Notice{
			Level:      notice.LevelWarning,
			Message:    "some features could not be encoded",
			Details:    map[string]any{"count": len(res.Failed)},
			BatchIndex: batch.Index,
		})
	}

	return res, nil
}

func (w *PostgresWriter) featureRow(layerID string, f model.Feature) ([]any, error) {
	if f.Geometry.Geom == nil {
		return nil, eris.New("feature has no geometry")
	}
	g := setSRID(f.Geometry.Geom, w.srid)
	wkb, err := ewkb.Marshal(g, ewkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "encode EWKB")
	}

	var attrs any
	if len(f.Attributes) > 0 {
		data, jerr := json.Marshal(f.Attributes)
		if jerr != nil {
			return nil, eris.Wrap(jerr, "encode attributes")
		}
		attrs = string(data)
	}

	return []any{layerID, f.ID, f.SourceIndex, attrs, wkb}, nil
}

func setSRID(g geom.T, srid int) geom.T {
	switch t := g.(type) {
	case *geom.Point:
		return t.SetSRID(srid)
	case *geom.MultiPoint:
		return t.SetSRID(srid)
	case *geom.LineString:
		return t.SetSRID(srid)
	case *geom.MultiLineString:
		return t.SetSRID(srid)
	case *geom.Polygon:
		return t.SetSRID(srid)
	case *geom.MultiPolygon:
		return t.SetSRID(srid)
	default:
		return g
	}
}
