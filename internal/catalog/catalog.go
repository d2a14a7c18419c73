// Package catalog looks up dataset bands and searches the dataset lists.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"region-similarity/internal/earthengine"
)

const (
	DefaultSTACRoot = "https://storage.googleapis.com/earthengine-stac/catalog"

	// Official and community dataset lists
	OfficialListURL  = "https://raw.githubusercontent.com/samapriya/Earth-Engine-Datasets-List/master/gee_catalog.json"
	CommunityListURL = "https://raw.githubusercontent.com/samapriya/awesome-gee-community-datasets/master/community_datasets.json"

	UserAgent = "region-similarity"

	defaultCacheSize = 256
	maxResults       = 50
)

var ErrNoBands = errors.New("no bands found for dataset")

// Evaluator computes a value remotely.
type Evaluator interface {
	ComputeValue(ctx context.Context, n *earthengine.Node, out any) error
}

// Dataset is one entry of a dataset list.
type Dataset struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Provider  string `json:"provider,omitempty"`
	Tags      Tags   `json:"tags,omitempty"`
	Type      string `json:"type,omitempty"`
	StartDate string `json:"start_date,omitempty"`
	EndDate   string `json:"end_date,omitempty"`
	AssetURL  string `json:"asset_url,omitempty"`
	Thumbnail string `json:"thumbnail_url,omitempty"`
}

// Tags accepts both a comma separated string and a JSON array.
type Tags []string

func (t *Tags) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*t = list
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*t = lo.FilterMap(strings.Split(s, ","), func(tag string, _ int) (string, bool) {
		tag = strings.TrimSpace(tag)
		return tag, tag != ""
	})
	return nil
}

// Catalog resolves band names and searches datasets. Lookups are cached.
type Catalog struct {
	httpClient *http.Client
	engine     Evaluator
	stacRoot   string
	listURLs   []string
	logger     *zap.Logger

	bands *lru.Cache[string, []string]
	lists *lru.Cache[string, []Dataset]
}

type Option func(*Catalog)

func WithHTTPClient(c *http.Client) Option {
	return func(cat *Catalog) { cat.httpClient = c }
}

func WithSTACRoot(root string) Option {
	return func(cat *Catalog) { cat.stacRoot = strings.TrimRight(root, "/") }
}

func WithDatasetLists(urls ...string) Option {
	return func(cat *Catalog) { cat.listURLs = urls }
}

func WithLogger(logger *zap.Logger) Option {
	return func(cat *Catalog) {
		if logger != nil {
			cat.logger = logger
		}
	}
}

// New creates a catalog. engine may be nil, which disables the band fallback.
func New(engine Evaluator, opts ...Option) *Catalog {
	c := &Catalog{
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: &http.Transport{Proxy: http.ProxyFromEnvironment},
		},
		engine:   engine,
		stacRoot: DefaultSTACRoot,
		listURLs: []string{OfficialListURL, CommunityListURL},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("catalog")
	// Sizes are constant and positive
	c.bands, _ = lru.New[string, []string](defaultCacheSize)
	c.lists, _ = lru.New[string, []Dataset](8)
	return c
}

// STACURL is the STAC document of a dataset id: the first path segment is
// the category and the file name joins every segment with underscores.
func (c *Catalog) STACURL(id string) string {
	pieces := strings.Split(id, "/")
	return fmt.Sprintf("%s/%s/%s.json", c.stacRoot, pieces[0], strings.Join(pieces, "_"))
}

// Bands lists the band names of a dataset. The STAC document is tried first,
// then the first image of the id as a collection, then the id as an image.
func (c *Catalog) Bands(ctx context.Context, id string) ([]string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, nil
	}
	if bands, ok := c.bands.Get(id); ok {
		return bands, nil
	}

	bands, err := c.stacBands(ctx, id)
	if err != nil {
		c.logger.Debug("stac lookup failed", zap.String("id", id), zap.Error(err))
		bands, err = c.engineBands(ctx, id)
	}
	if err != nil {
		c.logger.Info("no bands found", zap.String("id", id), zap.Error(err))
		return nil, ErrNoBands
	}

	c.bands.Add(id, bands)
	return bands, nil
}

func (c *Catalog) stacBands(ctx context.Context, id string) ([]string, error) {
	var doc struct {
		Summaries struct {
			Bands []stacBand `json:"eo:bands"`
		} `json:"summaries"`
	}
	if err := c.getJSON(ctx, c.STACURL(id), &doc); err != nil {
		return nil, err
	}
	if len(doc.Summaries.Bands) == 0 {
		return nil, fmt.Errorf("stac document lists no bands")
	}
	return lo.Map(doc.Summaries.Bands, func(b stacBand, _ int) string { return b.Name }), nil
}

type stacBand struct {
	Name string `json:"name"`
}

func (c *Catalog) engineBands(ctx context.Context, id string) ([]string, error) {
	if c.engine == nil {
		return nil, fmt.Errorf("no engine to ask")
	}
	var bands []string
	err := c.engine.ComputeValue(ctx, earthengine.LoadCollection(id).First().BandNames().Node(), &bands)
	if err == nil && len(bands) > 0 {
		return bands, nil
	}
	if err := c.engine.ComputeValue(ctx, earthengine.LoadImage(id).BandNames().Node(), &bands); err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", id, err)
	}
	if len(bands) == 0 {
		return nil, fmt.Errorf("%s has no bands", id)
	}
	return bands, nil
}

// Search returns datasets whose id, title or tags contain every keyword
// (case-insensitive). Lists that cannot be fetched are skipped; the call
// fails only when none could be read.
func (c *Catalog) Search(ctx context.Context, query string) ([]Dataset, error) {
	keywords := strings.Fields(strings.ToLower(query))
	if len(keywords) == 0 {
		return nil, nil
	}

	var (
		results []Dataset
		loaded  int
		lastErr error
	)
	for _, url := range c.listURLs {
		list, err := c.datasetList(ctx, url)
		if err != nil {
			c.logger.Warn("dataset list unavailable", zap.String("url", url), zap.Error(err))
			lastErr = err
			continue
		}
		loaded++
		for _, d := range list {
			if matches(d, keywords) {
				results = append(results, d)
			}
		}
	}
	if loaded == 0 && lastErr != nil {
		return nil, fmt.Errorf("failed to search datasets: %w", lastErr)
	}

	results = lo.UniqBy(results, func(d Dataset) string { return d.ID })
	if len(results) > maxResults {
		results = results[:maxResults]
	}
	return results, nil
}

func matches(d Dataset, keywords []string) bool {
	haystack := strings.ToLower(d.ID + " " + d.Title + " " + strings.Join(d.Tags, " "))
	return lo.EveryBy(keywords, func(k string) bool { return strings.Contains(haystack, k) })
}

func (c *Catalog) datasetList(ctx context.Context, url string) ([]Dataset, error) {
	if list, ok := c.lists.Get(url); ok {
		return list, nil
	}
	var list []Dataset
	if err := c.getJSON(ctx, url, &list); err != nil {
		return nil, err
	}
	c.lists.Add(url, list)
	return list, nil
}

func (c *Catalog) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request failed with status: %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
