package tileserver

import (
	"bytes"
	"context"
	"errors"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"region-similarity/internal/cache"
)

type fakeFetcher struct {
	mu    sync.Mutex
	calls []string
	fail  bool
}

func (f *fakeFetcher) FetchTile(_ context.Context, mapName string, z, x, y int) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, mapName)
	if f.fail {
		return nil, "", errors.New("map expired")
	}
	return []byte("png-bytes"), "image/png", nil
}

func TestParseTilePath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		mapName string
		z, x, y int
		wantErr bool
	}{
		{name: "nested map name", path: "/layers/projects/p/maps/abc/5/10/12", mapName: "projects/p/maps/abc", z: 5, x: 10, y: 12},
		{name: "plain id", path: "/layers/abc/0/0/0", mapName: "abc"},
		{name: "too short", path: "/layers/1/2/3", wantErr: true},
		{name: "bad zoom", path: "/layers/abc/z/1/2", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mapName, z, x, y, err := parseTilePath(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.mapName, mapName)
			assert.Equal(t, []int{tt.z, tt.x, tt.y}, []int{z, x, y})
		})
	}
}

func TestProxyCachesTiles(t *testing.T) {
	c, err := cache.NewDiskCache(t.TempDir(), 1, 0)
	require.NoError(t, err)
	defer c.Close()

	fetcher := &fakeFetcher{}
	srv := httptest.NewServer(NewServer(fetcher, c, nil).Handler())
	defer srv.Close()

	for _, want := range []string{"MISS", "HIT"} {
		resp, err := http.Get(srv.URL + "/layers/projects/p/maps/abc/3/1/2")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, want, resp.Header.Get("X-Cache-Status"))
		assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	}
	assert.Equal(t, []string{"projects/p/maps/abc"}, fetcher.calls)
}

func TestFailedFetchServesTransparentTile(t *testing.T) {
	srv := httptest.NewServer(NewServer(&fakeFetcher{fail: true}, nil, nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/layers/abc/3/1/2")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	img, err := png.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, TileSize, img.Bounds().Dx())
}

func TestBadPath(t *testing.T) {
	srv := httptest.NewServer(NewServer(&fakeFetcher{}, nil, nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/layers/abc/x/1/2")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLayerURL(t *testing.T) {
	s := NewServer(&fakeFetcher{}, nil, nil)
	s.tileServerURL = "http://127.0.0.1:1234"
	assert.Equal(t, "http://127.0.0.1:1234/layers/projects/p/maps/abc/{z}/{x}/{y}", s.LayerURL("projects/p/maps/abc"))
}
