package export

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"region-similarity/internal/cache"
	"region-similarity/internal/earthengine"
	"region-similarity/internal/retry"
)

type fakeEngine struct {
	mu     sync.Mutex
	pixels int
	urls   int
	// failCol makes every cell starting at this longitude fail.
	failCol *float64
	failAll bool
}

func (f *fakeEngine) failing(g earthengine.PixelGrid) bool {
	return f.failAll || (f.failCol != nil && g.Bound.Min[0] == *f.failCol)
}

func (f *fakeEngine) DownloadURL(_ context.Context, _ earthengine.Image, g earthengine.PixelGrid) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing(g) {
		return "", errors.New("quota exceeded")
	}
	f.urls++
	return fmt.Sprintf("https://example.test/%d:getPixels", f.urls), nil
}

func (f *fakeEngine) ComputePixels(_ context.Context, _ earthengine.Image, g earthengine.PixelGrid) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing(g) {
		return nil, errors.New("quota exceeded")
	}
	f.pixels++
	return []byte(fmt.Sprintf("tif %dx%d", g.Width, g.Height)), nil
}

func square(side float64) orb.MultiPolygon {
	return orb.MultiPolygon{{{{0, 0}, {side, 0}, {side, side}, {0, side}, {0, 0}}}}
}

func testImage() earthengine.Image {
	return earthengine.ConstantImage(1).Rename("distance")
}

var fastRetry = WithRetry(retry.Policy{Attempts: 2, Timeout: time.Second, Pause: time.Millisecond}, nil)

func TestSingleCellReturnsDownloadLink(t *testing.T) {
	engine := &fakeEngine{}
	var reports []Progress
	res, err := New(engine, fastRetry).Export(context.Background(), Request{
		Name: "search", Image: testImage(), Region: square(0.05),
		Resolution: 1000, CellPixels: 1000, OutputDir: t.TempDir(),
	}, func(p Progress) { reports = append(reports, p) })

	require.NoError(t, err)
	assert.Equal(t, "https://example.test/1:getPixels", res.URL)
	assert.Equal(t, 1, res.Cells)
	assert.Equal(t, []Progress{{CellsCompleted: 1, CellsTotal: 1, Percent: 100}}, reports)
}

func TestArchiveExport(t *testing.T) {
	engine := &fakeEngine{}
	dir := t.TempDir()
	var reports []Progress

	// 10 px at 1 km is a 10 km cell: a 0.2 degree square needs 3 x 3
	res, err := New(engine, fastRetry).Export(context.Background(), Request{
		Name: "search", Image: testImage(), Region: square(0.2),
		Resolution: 1000, CellPixels: 10, OutputDir: dir,
	}, func(p Progress) { reports = append(reports, p) })

	require.NoError(t, err)
	assert.Equal(t, 9, res.Cells)
	assert.Empty(t, res.Failed)
	require.Len(t, reports, 9)
	assert.Equal(t, Progress{CellsCompleted: 9, CellsTotal: 9, Percent: 100}, reports[8])

	zr, err := zip.OpenReader(res.Path)
	require.NoError(t, err)
	defer zr.Close()
	assert.Len(t, zr.File, 9)
	for _, f := range zr.File {
		assert.True(t, strings.HasPrefix(f.Name, "search_1000m_tiles/search_c"), f.Name)
		assert.True(t, strings.HasSuffix(f.Name, ".tif"), f.Name)
	}
	assert.NoDirExists(t, filepath.Join(dir, "search_1000m_tiles"))
}

func TestFailingCellsAreSkipped(t *testing.T) {
	zero := 0.0
	engine := &fakeEngine{failCol: &zero}

	res, err := New(engine, fastRetry).Export(context.Background(), Request{
		Name: "search", Image: testImage(), Region: square(0.2),
		Resolution: 1000, CellPixels: 10, OutputDir: t.TempDir(),
	}, nil)

	require.NoError(t, err)
	assert.Len(t, res.Failed, 3)
	for _, f := range res.Failed {
		assert.Equal(t, 0, f.Cell.Col)
		assert.ErrorIs(t, f.Err, retry.ErrExhausted)
	}
	assert.FileExists(t, res.Path)
}

func TestAllCellsFailing(t *testing.T) {
	engine := &fakeEngine{failAll: true}
	_, err := New(engine, fastRetry).Export(context.Background(), Request{
		Name: "search", Image: testImage(), Region: square(0.2),
		Resolution: 1000, CellPixels: 10, OutputDir: t.TempDir(),
	}, nil)
	assert.ErrorIs(t, err, ErrAllCellsFailed)
}

func TestURLListExport(t *testing.T) {
	engine := &fakeEngine{}
	dir := t.TempDir()

	res, err := New(engine, fastRetry).Export(context.Background(), Request{
		Name: "clusters", Image: testImage(), Region: square(0.2),
		Resolution: 1000, CellPixels: 10, Mode: ModeURLs, OutputDir: dir,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "clusters_1000m_tiles_urls.txt"), res.Path)

	data, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, lines, 9)
	assert.Zero(t, engine.pixels)
}

func TestCachedCellsAreNotRecomputed(t *testing.T) {
	c, err := cache.NewDiskCache(t.TempDir(), 10, 0)
	require.NoError(t, err)
	defer c.Close()

	engine := &fakeEngine{}
	exporter := New(engine, fastRetry, WithCache(c))
	req := Request{
		Name: "search", Image: testImage(), Region: square(0.2),
		Resolution: 1000, CellPixels: 10, OutputDir: t.TempDir(),
	}

	_, err = exporter.Export(context.Background(), req, nil)
	require.NoError(t, err)
	assert.Equal(t, 9, engine.pixels)

	req.OutputDir = t.TempDir()
	_, err = exporter.Export(context.Background(), req, nil)
	require.NoError(t, err)
	assert.Equal(t, 9, engine.pixels)
}

func TestInvalidRequests(t *testing.T) {
	exporter := New(&fakeEngine{}, fastRetry)

	_, err := exporter.Export(context.Background(), Request{Region: square(1), Resolution: 1000, CellPixels: 10, Mode: "tiles"}, nil)
	assert.ErrorIs(t, err, ErrInvalidMode)

	_, err = exporter.Export(context.Background(), Request{Region: square(1), Resolution: 0, CellPixels: 10}, nil)
	assert.Error(t, err)
}
