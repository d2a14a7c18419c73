package earthengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"

	"github.com/paulmach/orb"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	// DefaultEndpoint is the high-volume endpoint, suited to interactive tiles.
	DefaultEndpoint = "https://earthengine-highvolume.googleapis.com"
	// Scope is the OAuth scope needed by every call.
	Scope = "https://www.googleapis.com/auth/earthengine"

	// MetersPerDegree approximates one degree of latitude on the ground.
	MetersPerDegree = 111320.0
)

// APIError is an error reported by the service.
type APIError struct {
	Code    int    `json:"code"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("earth engine: HTTP %d %s", e.Code, e.Status)
	}
	return e.Message
}

// Visualization controls how a single-band image is rendered into map tiles.
type Visualization struct {
	Min     float64
	Max     float64
	Palette []string
	Opacity float64
}

// PixelGrid describes an output raster on EPSG:4326.
type PixelGrid struct {
	Width  int
	Height int
	Bound  orb.Bound
	CRS    string
}

// GridForBound sizes a raster covering b at the given ground resolution.
func GridForBound(b orb.Bound, resolutionMeters float64) PixelGrid {
	step := resolutionMeters / MetersPerDegree
	w := int(math.Ceil((b.Max[0]-b.Min[0])/step - 1e-9))
	h := int(math.Ceil((b.Max[1]-b.Min[1])/step - 1e-9))
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return PixelGrid{Width: w, Height: h, Bound: b, CRS: "EPSG:4326"}
}

func (g PixelGrid) wire() map[string]any {
	return map[string]any{
		"dimensions": map[string]int{"width": g.Width, "height": g.Height},
		"affineTransform": map[string]float64{
			"scaleX":     (g.Bound.Max[0] - g.Bound.Min[0]) / float64(g.Width),
			"shearX":     0,
			"translateX": g.Bound.Min[0],
			"shearY":     0,
			"scaleY":     -(g.Bound.Max[1] - g.Bound.Min[1]) / float64(g.Height),
			"translateY": g.Bound.Max[1],
		},
		"crsCode": g.CRS,
	}
}

// Client talks to the Earth Engine REST API.
type Client struct {
	httpClient *http.Client
	endpoint   string
	project    string
	logger     *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

func WithEndpoint(endpoint string) Option {
	return func(c *Client) {
		if endpoint != "" {
			c.endpoint = strings.TrimRight(endpoint, "/")
		}
	}
}

func WithProject(project string) Option {
	return func(c *Client) {
		if project != "" {
			c.project = project
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger.Named("earthengine")
		}
	}
}

// NewClient authenticates with a service account key.
func NewClient(ctx context.Context, credentialsJSON []byte, opts ...Option) (*Client, error) {
	creds, err := google.CredentialsFromJSON(ctx, credentialsJSON, Scope)
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}
	c := NewClientWithHTTP(oauth2.NewClient(ctx, creds.TokenSource), creds.ProjectID, opts...)
	if c.project == "" {
		return nil, fmt.Errorf("no cloud project in credentials; set EE_PROJECT")
	}
	return c, nil
}

// NewClientWithHTTP uses an already authenticated http.Client.
func NewClientWithHTTP(httpClient *http.Client, project string, opts ...Option) *Client {
	c := &Client{
		httpClient: httpClient,
		endpoint:   DefaultEndpoint,
		project:    project,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) projectPath() string {
	return fmt.Sprintf("%s/v1/projects/%s", c.endpoint, c.project)
}

func (c *Client) post(ctx context.Context, url string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return resp, nil
}

func (c *Client) postJSON(ctx context.Context, url string, body, out any) error {
	resp, err := c.post(ctx, url, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var wrapped struct {
		Error *APIError `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Error != nil {
		if wrapped.Error.Code == 0 {
			wrapped.Error.Code = resp.StatusCode
		}
		return wrapped.Error
	}
	return &APIError{Code: resp.StatusCode, Status: resp.Status, Message: strings.TrimSpace(string(body))}
}

// ComputeValue evaluates a graph and decodes its result into out.
func (c *Client) ComputeValue(ctx context.Context, n *Node, out any) error {
	expr, err := Encode(n)
	if err != nil {
		return err
	}
	var resp struct {
		Result json.RawMessage `json:"result"`
	}
	if err := c.postJSON(ctx, c.projectPath()+"/value:compute", map[string]any{"expression": expr}, &resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("failed to decode result: %w", err)
	}
	return nil
}

// CreateMap registers a rendered image and returns its map name, usable
// with FetchTile.
func (c *Client) CreateMap(ctx context.Context, img Image, vis Visualization) (string, error) {
	expr, err := Encode(img.node)
	if err != nil {
		return "", err
	}
	options := map[string]any{
		"ranges": []map[string]float64{{"min": vis.Min, "max": vis.Max}},
	}
	if len(vis.Palette) > 0 {
		options["paletteColors"] = vis.Palette
	}
	if vis.Opacity > 0 {
		options["opacity"] = vis.Opacity
	}
	var resp struct {
		Name string `json:"name"`
	}
	body := map[string]any{
		"expression":           expr,
		"fileFormat":           "PNG",
		"visualizationOptions": options,
	}
	if err := c.postJSON(ctx, c.projectPath()+"/maps", body, &resp); err != nil {
		return "", err
	}
	c.logger.Debug("map created", zap.String("name", resp.Name))
	return resp.Name, nil
}

// TileURL is the direct (authenticated) tile template for a map name.
func (c *Client) TileURL(mapName string) string {
	return fmt.Sprintf("%s/v1/%s/tiles/{z}/{x}/{y}", c.endpoint, mapName)
}

// FetchTile downloads one rendered map tile.
func (c *Client) FetchTile(ctx context.Context, mapName string, z, x, y int) ([]byte, string, error) {
	url := fmt.Sprintf("%s/v1/%s/tiles/%d/%d/%d", c.endpoint, mapName, z, x, y)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("tile request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", decodeError(resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read tile: %w", err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// DownloadURL hosts a GeoTIFF rendering of img and returns its link.
func (c *Client) DownloadURL(ctx context.Context, img Image, grid PixelGrid) (string, error) {
	expr, err := Encode(img.node)
	if err != nil {
		return "", err
	}
	var resp struct {
		Name string `json:"name"`
	}
	body := map[string]any{
		"expression": expr,
		"fileFormat": "GEO_TIFF",
		"grid":       grid.wire(),
	}
	if err := c.postJSON(ctx, c.projectPath()+"/thumbnails", body, &resp); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/v1/%s:getPixels", c.endpoint, resp.Name), nil
}

// ComputePixels renders img directly into GeoTIFF bytes.
func (c *Client) ComputePixels(ctx context.Context, img Image, grid PixelGrid) ([]byte, error) {
	expr, err := Encode(img.node)
	if err != nil {
		return nil, err
	}
	body := map[string]any{
		"expression": expr,
		"fileFormat": "GEO_TIFF",
		"grid":       grid.wire(),
	}
	resp, err := c.post(ctx, c.projectPath()+"/image:computePixels", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read pixels: %w", err)
	}
	return data, nil
}
