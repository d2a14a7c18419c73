// Package export turns a result image into files: one hosted download link
// when the region fits a single cell, otherwise a serial per-cell loop that
// either zips the cell rasters or lists their download links.
package export

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"region-similarity/internal/cache"
	"region-similarity/internal/earthengine"
	"region-similarity/internal/retry"
	"region-similarity/internal/tiling"
	"region-similarity/internal/utils/naming"
)

// Mode selects what a multi-cell export produces.
type Mode string

const (
	ModeArchive Mode = "archive"
	ModeURLs    Mode = "urls"
)

var (
	ErrAllCellsFailed = errors.New("every export cell failed")
	ErrInvalidMode    = errors.New("export mode must be archive or urls")
)

// Engine is the part of the compute client an export needs.
type Engine interface {
	DownloadURL(ctx context.Context, img earthengine.Image, grid earthengine.PixelGrid) (string, error)
	ComputePixels(ctx context.Context, img earthengine.Image, grid earthengine.PixelGrid) ([]byte, error)
}

// Request describes one export.
type Request struct {
	Name       string
	Image      earthengine.Image
	Region     orb.MultiPolygon
	Resolution float64
	CellPixels int
	Mode       Mode
	OutputDir  string
}

// Progress is reported after every cell, failed or not.
type Progress struct {
	CellsCompleted int `json:"cellsCompleted"`
	CellsTotal     int `json:"cellsTotal"`
	Percent        int `json:"percent"`
}

// CellError records a cell that could not be exported.
type CellError struct {
	Cell tiling.Cell
	Err  error
}

func (e CellError) Error() string {
	return fmt.Sprintf("cell %d (col %d, row %d): %v", e.Cell.Index, e.Cell.Col, e.Cell.Row, e.Err)
}

// Result is the outcome of an export. URL is set for single-cell exports,
// Path for archives and URL lists.
type Result struct {
	URL    string
	Path   string
	Cells  int
	Failed []CellError
}

// Exporter runs exports one cell at a time.
type Exporter struct {
	engine Engine
	cache  *cache.DiskCache
	logger *zap.Logger
	policy retry.Policy
	notify retry.Notifier
}

type Option func(*Exporter)

func WithCache(c *cache.DiskCache) Option { return func(e *Exporter) { e.cache = c } }

func WithLogger(l *zap.Logger) Option { return func(e *Exporter) { e.logger = l.Named("export") } }

func WithRetry(p retry.Policy, notify retry.Notifier) Option {
	return func(e *Exporter) {
		e.policy = p
		e.notify = notify
	}
}

// New creates an exporter.
func New(engine Engine, opts ...Option) *Exporter {
	e := &Exporter{
		engine: engine,
		logger: zap.NewNop(),
		policy: retry.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Export partitions the request region and exports it. progress may be nil.
func (e *Exporter) Export(ctx context.Context, req Request, progress func(Progress)) (*Result, error) {
	if req.Mode == "" {
		req.Mode = ModeArchive
	}
	if req.Mode != ModeArchive && req.Mode != ModeURLs {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, req.Mode)
	}
	if progress == nil {
		progress = func(Progress) {}
	}

	plan, err := tiling.Partition(req.Region, tiling.CellSizeMeters(req.CellPixels, req.Resolution))
	if err != nil {
		return nil, err
	}

	if plan.Single {
		var url string
		err := retry.Do(ctx, e.policy, e.notify, func(ctx context.Context) error {
			var err error
			url, err = e.engine.DownloadURL(ctx, req.Image, earthengine.GridForBound(plan.Bound, req.Resolution))
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create download link: %w", err)
		}
		progress(Progress{CellsCompleted: 1, CellsTotal: 1, Percent: 100})
		return &Result{URL: url, Cells: 1}, nil
	}

	e.logger.Info("exporting in cells",
		zap.String("name", req.Name),
		zap.Int("cells", len(plan.Cells)),
		zap.Int("xCells", plan.XCells),
		zap.Int("yCells", plan.YCells),
		zap.String("mode", string(req.Mode)))

	if req.Mode == ModeURLs {
		return e.exportURLs(ctx, req, plan, progress)
	}
	return e.exportArchive(ctx, req, plan, progress)
}

func report(progress func(Progress), done, total int) {
	progress(Progress{CellsCompleted: done, CellsTotal: total, Percent: done * 100 / total})
}

func (e *Exporter) exportArchive(ctx context.Context, req Request, plan *tiling.Plan, progress func(Progress)) (*Result, error) {
	dir := filepath.Join(req.OutputDir, naming.GenerateExportDirName(req.Name, req.Resolution))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}
	keyPrefix, err := expressionKey(req.Image)
	if err != nil {
		return nil, err
	}

	res := &Result{Cells: len(plan.Cells)}
	for i, cell := range plan.Cells {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := e.exportCell(ctx, req, dir, keyPrefix, cell); err != nil {
			e.logger.Warn("cell failed", zap.Int("cell", cell.Index), zap.Error(err))
			res.Failed = append(res.Failed, CellError{Cell: cell, Err: err})
		}
		report(progress, i+1, len(plan.Cells))
	}
	if len(res.Failed) == len(plan.Cells) {
		return res, fmt.Errorf("%w: %w", ErrAllCellsFailed, res.Failed[0])
	}

	archive := dir + ".zip"
	if err := zipDir(dir, archive); err != nil {
		return res, err
	}
	// only the archive is kept
	if err := os.RemoveAll(dir); err != nil {
		e.logger.Warn("failed to remove export directory", zap.String("dir", dir), zap.Error(err))
	}
	res.Path = archive
	return res, nil
}

func (e *Exporter) exportCell(ctx context.Context, req Request, dir, keyPrefix string, cell tiling.Cell) error {
	b := cell.Bound
	name := naming.GenerateCellFilename(req.Name, cell.Col, cell.Row, b.Min[1], b.Min[0], b.Max[1], b.Max[0])
	key := keyPrefix + "/" + name

	data, ok := e.cachedCell(key)
	if !ok {
		err := retry.Do(ctx, e.policy, e.notify, func(ctx context.Context) error {
			var err error
			data, err = e.engine.ComputePixels(ctx, req.Image, earthengine.GridForBound(b, req.Resolution))
			return err
		})
		if err != nil {
			return err
		}
		if e.cache != nil {
			if err := e.cache.Set(key, data); err != nil {
				e.logger.Debug("cache write failed", zap.Error(err))
			}
		}
	}
	return os.WriteFile(filepath.Join(dir, name), data, 0644)
}

func (e *Exporter) cachedCell(key string) ([]byte, bool) {
	if e.cache == nil {
		return nil, false
	}
	return e.cache.Get(key)
}

func (e *Exporter) exportURLs(ctx context.Context, req Request, plan *tiling.Plan, progress func(Progress)) (*Result, error) {
	res := &Result{Cells: len(plan.Cells)}
	var lines []string
	for i, cell := range plan.Cells {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var url string
		err := retry.Do(ctx, e.policy, e.notify, func(ctx context.Context) error {
			var err error
			url, err = e.engine.DownloadURL(ctx, req.Image, earthengine.GridForBound(cell.Bound, req.Resolution))
			return err
		})
		if err != nil {
			e.logger.Warn("cell failed", zap.Int("cell", cell.Index), zap.Error(err))
			res.Failed = append(res.Failed, CellError{Cell: cell, Err: err})
		} else {
			lines = append(lines, url)
		}
		report(progress, i+1, len(plan.Cells))
	}
	if len(lines) == 0 {
		return res, fmt.Errorf("%w: %w", ErrAllCellsFailed, res.Failed[0])
	}

	if err := os.MkdirAll(req.OutputDir, 0755); err != nil {
		return res, fmt.Errorf("failed to create output directory: %w", err)
	}
	path := filepath.Join(req.OutputDir, naming.GenerateExportDirName(req.Name, req.Resolution)+"_urls.txt")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644); err != nil {
		return res, fmt.Errorf("failed to write url list: %w", err)
	}
	res.Path = path
	return res, nil
}

// expressionKey identifies an image graph for caching.
func expressionKey(img earthengine.Image) (string, error) {
	expr, err := earthengine.Encode(img.Node())
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(expr)
	if err != nil {
		return "", fmt.Errorf("failed to marshal expression: %w", err)
	}
	sum := sha256.Sum256(data)
	return "export/" + hex.EncodeToString(sum[:8]), nil
}

func zipDir(dir, target string) error {
	out, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to list export directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := addFile(zw, dir, entry.Name()); err != nil {
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finish archive: %w", err)
	}
	return out.Close()
}

func addFile(zw *zip.Writer, dir, name string) error {
	f, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	defer f.Close()

	w, err := zw.Create(filepath.Base(dir) + "/" + name)
	if err != nil {
		return fmt.Errorf("failed to add %s: %w", name, err)
	}
	_, err = io.Copy(w, f)
	return err
}
