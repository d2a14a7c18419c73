package tileserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"region-similarity/internal/cache"
)

const (
	TileSize    = 256
	layerPrefix = "/layers/"
)

// Fetcher downloads rendered map tiles with credentials.
type Fetcher interface {
	FetchTile(ctx context.Context, mapName string, z, x, y int) ([]byte, string, error)
}

// Server proxies engine map tiles to the frontend, which cannot send the
// service-account credentials itself.
type Server struct {
	fetcher       Fetcher
	tileCache     *cache.DiskCache
	logger        *zap.Logger
	tileServerURL string
	httpServer    *http.Server
}

// NewServer creates a new tile server instance. tileCache may be nil.
func NewServer(fetcher Fetcher, tileCache *cache.DiskCache, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		fetcher:   fetcher,
		tileCache: tileCache,
		logger:    logger.Named("tileserver"),
	}
}

// GetTileServerURL returns the tile server URL
func (s *Server) GetTileServerURL() string {
	return s.tileServerURL
}

// LayerURL is the tile template the map uses for a map id.
func (s *Server) LayerURL(mapName string) string {
	return s.tileServerURL + layerPrefix + mapName + "/{z}/{x}/{y}"
}

// corsMiddleware adds CORS headers to allow requests from Wails frontend
// On macOS/Linux, Wails uses wails://wails origin which requires CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Handler is the routed, CORS-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(layerPrefix, s.handleLayerTile)
	return corsMiddleware(mux)
}

// Start listens on a random local port and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("failed to start tile server: %w", err)
	}

	port := listener.Addr().(*net.TCPAddr).Port
	s.tileServerURL = fmt.Sprintf("http://127.0.0.1:%d", port)
	s.logger.Info("tile server started", zap.String("url", s.tileServerURL))

	s.httpServer = &http.Server{Handler: s.Handler()}
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("tile server stopped", zap.Error(err))
		}
	}()

	return nil
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// parseTilePath splits {map name}/{z}/{x}/{y}. Map names contain slashes.
func parseTilePath(path string) (mapName string, z, x, y int, err error) {
	parts := strings.Split(strings.TrimPrefix(path, layerPrefix), "/")
	if len(parts) < 4 {
		return "", 0, 0, 0, fmt.Errorf("expected %s{map}/{z}/{x}/{y}", layerPrefix)
	}
	n := len(parts)
	mapName = strings.Join(parts[:n-3], "/")
	if mapName == "" {
		return "", 0, 0, 0, fmt.Errorf("missing map name")
	}
	if z, err = strconv.Atoi(parts[n-3]); err != nil {
		return "", 0, 0, 0, fmt.Errorf("invalid zoom level")
	}
	if x, err = strconv.Atoi(parts[n-2]); err != nil {
		return "", 0, 0, 0, fmt.Errorf("invalid X coordinate")
	}
	if y, err = strconv.Atoi(parts[n-1]); err != nil {
		return "", 0, 0, 0, fmt.Errorf("invalid Y coordinate")
	}
	return mapName, z, x, y, nil
}

// handleLayerTile serves /layers/{map}/{z}/{x}/{y}, from cache when possible.
func (s *Server) handleLayerTile(w http.ResponseWriter, r *http.Request) {
	mapName, z, x, y, err := parseTilePath(r.URL.Path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	cacheKey := fmt.Sprintf("tile:%s:%d:%d:%d", mapName, z, x, y)
	if s.tileCache != nil {
		if data, found := s.tileCache.Get(cacheKey); found {
			writeTile(w, data, "image/png", "HIT")
			return
		}
	}

	data, contentType, err := s.fetcher.FetchTile(r.Context(), mapName, z, x, y)
	if err != nil {
		s.logger.Debug("tile fetch failed",
			zap.String("map", mapName), zap.Int("z", z), zap.Int("x", x), zap.Int("y", y), zap.Error(err))
		s.serveTransparentTile(w)
		return
	}
	if contentType == "" {
		contentType = "image/png"
	}

	if s.tileCache != nil {
		if err := s.tileCache.Set(cacheKey, data); err != nil {
			s.logger.Debug("tile cache write failed", zap.Error(err))
		}
	}
	writeTile(w, data, contentType, "MISS")
}

func writeTile(w http.ResponseWriter, data []byte, contentType, status string) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "max-age=86400")
	w.Header().Set("X-Cache-Status", status)
	w.Write(data)
}

var (
	transparentOnce sync.Once
	transparentPNG  []byte
)

// serveTransparentTile answers failed fetches so the map keeps rendering.
func (s *Server) serveTransparentTile(w http.ResponseWriter) {
	transparentOnce.Do(func() {
		var buf bytes.Buffer
		png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, TileSize, TileSize)))
		transparentPNG = buf.Bytes()
	})
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(transparentPNG)
}
