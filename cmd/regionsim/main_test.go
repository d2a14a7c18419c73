package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	err := execute(context.Background())
	return out.String(), err
}

func writeRegion(t *testing.T, size string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "region.geojson")
	geojson := `{"type":"Polygon","coordinates":[[[0,0],[S,0],[S,S],[0,S],[0,0]]]}`
	require.NoError(t, os.WriteFile(path, []byte(strings.ReplaceAll(geojson, "S", size)), 0644))
	return path
}

func TestTilesListsCells(t *testing.T) {
	out, err := runCLI(t, "tiles", writeRegion(t, "0.2"), "--resolution", "1000", "--cell-pixels", "10", "--name", "query")
	require.NoError(t, err)
	assert.Contains(t, out, "grid 3 x 3")
	assert.Contains(t, out, "9 cells intersect the region")
	assert.Contains(t, out, "query_c000_r000_")
	assert.Contains(t, out, "directory: query_1000m_tiles")
}

func TestTilesSingleUnit(t *testing.T) {
	out, err := runCLI(t, "tiles", writeRegion(t, "0.01"), "--resolution", "1000", "--cell-pixels", "1000", "--name", "query")
	require.NoError(t, err)
	assert.Contains(t, out, "single export unit")
}

func TestTilesRejectsUnknownFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "region.kml")
	require.NoError(t, os.WriteFile(path, []byte("<kml/>"), 0644))
	_, err := runCLI(t, "tiles", path, "--name", "query")
	assert.Error(t, err)
}

func TestRunNeedsCredentials(t *testing.T) {
	t.Setenv("GOOGLE_APPLICATION_CREDENTIALS", "")
	t.Setenv("HOME", t.TempDir())
	specPath := filepath.Join(t.TempDir(), "s.yaml")
	require.NoError(t, os.WriteFile(specPath, []byte("task: cluster\naliases:\n  - a:X:B:01/01/2020:31/12/2020:MEAN\n"), 0644))

	_, err := runCLI(t, "run", specPath, "--output", t.TempDir())
	assert.Error(t, err)
}
