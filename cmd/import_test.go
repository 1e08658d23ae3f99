package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sonmap/geoimport/internal/config"
	"github.com/sonmap/geoimport/internal/importer"
)

func TestDecodeSource_UnsupportedFormat(t *testing.T) {
	cfg = &config.Config{}

	path := filepath.Join(t.TempDir(), "data.geojson")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0644))

	_, err := decodeSource(path, "", "EPSG:4326")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported format")
}

func TestDecodeSource_MissingFile(t *testing.T) {
	cfg = &config.Config{}

	_, err := decodeSource(filepath.Join(t.TempDir(), "missing.shp"), "", "EPSG:4326")
	require.Error(t, err)
}

func TestDecodeSource_FormatOverride(t *testing.T) {
	cfg = &config.Config{}

	// A DXF stream in a file without the .dxf extension.
	dxfData := strings.Join([]string{
		"0", "SECTION",
		"0", "POINT",
		"10", "7.44",
		"20", "46.95",
		"0", "EOF",
	}, "\n") + "\n"
	path := filepath.Join(t.TempDir(), "export.dat")
	require.NoError(t, os.WriteFile(path, []byte(dxfData), 0644))

	res, err := decodeSource(path, "dxf", "EPSG:4326")
	require.NoError(t, err)
	require.Len(t, res.Features, 1)
	assert.Equal(t, "EPSG:4326", res.Features[0].Geometry.SourceSRID)
}

func TestJSONSink_EncodesEvents(t *testing.T) {
	var buf bytes.Buffer
	sink := newJSONSink(&buf)

	sink.Progress(importer.ProgressEvent{
		Type:         "progress",
		SessionID:    "s1",
		BatchIndex:   0,
		Processed:    100,
		TotalBatches: 3,
	})
	sink.Error(importer.ErrorEvent{
		Type:      "error",
		SessionID: "s1",
		Message:   "boom",
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var progress map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &progress))
	assert.Equal(t, "progress", progress["type"])
	assert.Equal(t, float64(100), progress["processed"])

	var errEvent map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &errEvent))
	assert.Equal(t, "error", errEvent["type"])
	assert.Equal(t, "boom", errEvent["message"])
}
