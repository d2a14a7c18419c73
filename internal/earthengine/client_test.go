package earthengine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClientWithHTTP(srv.Client(), "demo", WithEndpoint(srv.URL))
}

func TestComputeValue(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/projects/demo/value:compute", r.URL.Path)
		var body struct {
			Expression Expression `json:"expression"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		root := body.Expression.Values[body.Expression.Result]
		assert.Equal(t, "Collection.size", root.FunctionInvocationValue.FunctionName)
		w.Write([]byte(`{"result": 12}`))
	})

	var size int
	require.NoError(t, c.ComputeValue(context.Background(), LoadCollection("X").Size().Node(), &size))
	assert.Equal(t, 12, size)
}

func TestComputeValueReturnsAPIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":400,"status":"INVALID_ARGUMENT","message":"Image.load: Image asset 'X' not found."}}`))
	})

	err := c.ComputeValue(context.Background(), LoadImage("X").BandNames().Node(), nil)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 400, apiErr.Code)
	assert.Equal(t, "Image.load: Image asset 'X' not found.", apiErr.Error())
}

func TestCreateMapAndTile(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/projects/demo/maps":
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			opts := body["visualizationOptions"].(map[string]any)
			assert.Equal(t, []any{"000000", "FFFFFF"}, opts["paletteColors"])
			w.Write([]byte(`{"name":"projects/demo/maps/abc"}`))
		case "/v1/projects/demo/maps/abc/tiles/3/4/5":
			w.Header().Set("Content-Type", "image/png")
			w.Write([]byte("png"))
		default:
			http.NotFound(w, r)
		}
	})

	name, err := c.CreateMap(context.Background(), ConstantImage(1), Visualization{Min: 0, Max: 1, Palette: []string{"000000", "FFFFFF"}})
	require.NoError(t, err)
	assert.Equal(t, "projects/demo/maps/abc", name)

	data, contentType, err := c.FetchTile(context.Background(), name, 3, 4, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), data)
	assert.Equal(t, "image/png", contentType)
}

func TestDownloadURL(t *testing.T) {
	var endpoint string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/projects/demo/thumbnails", r.URL.Path)
		w.Write([]byte(`{"name":"projects/demo/thumbnails/t1"}`))
	})
	endpoint = c.endpoint

	url, err := c.DownloadURL(context.Background(), ConstantImage(1), GridForBound(orb.Bound{Max: orb.Point{1, 1}}, 1000))
	require.NoError(t, err)
	assert.Equal(t, endpoint+"/v1/projects/demo/thumbnails/t1:getPixels", url)
}

func TestGridForBound(t *testing.T) {
	step := 1000 / MetersPerDegree
	g := GridForBound(orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{step * 10, step * 4}}, 1000)
	assert.Equal(t, 10, g.Width)
	assert.Equal(t, 4, g.Height)

	tiny := GridForBound(orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{0, 0}}, 1000)
	assert.Equal(t, 1, tiny.Width)
	assert.Equal(t, 1, tiny.Height)
}
