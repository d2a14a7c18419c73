// Package geocode resolves place names with Nominatim.
package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultEndpoint = "https://nominatim.openstreetmap.org/search"
	UserAgent       = "region-similarity"

	// Zoom the map jumps to on a hit
	PlaceZoom = 12
)

var ErrNotFound = errors.New("no location found")

// Place is a geocoding hit.
type Place struct {
	Name string  `json:"name"`
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
	Zoom int     `json:"zoom"`
}

type Client struct {
	httpClient *http.Client
	endpoint   string
}

// NewClient creates a client. An empty endpoint means the public Nominatim.
func NewClient(endpoint string) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Client{
		httpClient: &http.Client{
			Timeout:   15 * time.Second,
			Transport: &http.Transport{Proxy: http.ProxyFromEnvironment},
		},
		endpoint: endpoint,
	}
}

// Search returns the first hit for query.
func (c *Client) Search(ctx context.Context, query string) (Place, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Place{}, ErrNotFound
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")
	params.Set("limit", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return Place{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Place{}, fmt.Errorf("failed to geocode: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Place{}, fmt.Errorf("geocoding failed with status: %d", resp.StatusCode)
	}

	// Nominatim encodes coordinates as strings
	var hits []struct {
		Lat         string `json:"lat"`
		Lon         string `json:"lon"`
		DisplayName string `json:"display_name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&hits); err != nil {
		return Place{}, fmt.Errorf("failed to parse geocoding response: %w", err)
	}
	if len(hits) == 0 {
		return Place{}, ErrNotFound
	}

	lat, err := strconv.ParseFloat(hits[0].Lat, 64)
	if err != nil {
		return Place{}, fmt.Errorf("invalid latitude %q", hits[0].Lat)
	}
	lon, err := strconv.ParseFloat(hits[0].Lon, 64)
	if err != nil {
		return Place{}, fmt.Errorf("invalid longitude %q", hits[0].Lon)
	}
	return Place{Name: hits[0].DisplayName, Lat: lat, Lon: lon, Zoom: PlaceZoom}, nil
}
