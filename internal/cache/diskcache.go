package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	goruntime "runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// DiskCache is a size-bounded LRU byte cache persisted on disk. It holds
// exported cell rasters and proxied map tiles.
type DiskCache struct {
	baseDir   string
	maxSize   int64 // Maximum cache size in bytes
	currSize  int64 // Current cache size (atomic)
	ttl       time.Duration
	mu        sync.RWMutex
	index     map[string]*CacheEntry // keyed by hashed key
	evictChan chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// CacheEntry represents a cached blob
type CacheEntry struct {
	Hash       string
	FilePath   string
	Size       int64
	AccessTime time.Time
	CreateTime time.Time
}

// NewDiskCache creates a cache under baseDir holding at most maxSizeMB.
// Entries older than ttl are dropped on read; zero disables expiry.
func NewDiskCache(baseDir string, maxSizeMB int, ttl time.Duration) (*DiskCache, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	cache := &DiskCache{
		baseDir:   baseDir,
		maxSize:   int64(maxSizeMB) * 1024 * 1024,
		ttl:       ttl,
		index:     make(map[string]*CacheEntry),
		evictChan: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	if err := cache.loadIndex(); err != nil {
		return nil, fmt.Errorf("failed to load cache index: %w", err)
	}

	go cache.evictionWorker()

	return cache, nil
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func (c *DiskCache) pathFor(hash string) string {
	return filepath.Join(c.baseDir, hash[:2], hash+".bin")
}

// Get returns the bytes stored under key.
func (c *DiskCache) Get(key string) ([]byte, bool) {
	hash := hashKey(key)
	c.mu.RLock()
	entry, exists := c.index[hash]
	c.mu.RUnlock()

	if !exists {
		return nil, false
	}

	if c.ttl > 0 && time.Since(entry.CreateTime) > c.ttl {
		c.remove(hash)
		return nil, false
	}

	data, err := os.ReadFile(entry.FilePath)
	if err != nil {
		c.remove(hash)
		return nil, false
	}

	c.mu.Lock()
	entry.AccessTime = time.Now()
	c.mu.Unlock()

	return data, true
}

// Set stores data under key, replacing any previous value.
func (c *DiskCache) Set(key string, data []byte) error {
	hash := hashKey(key)
	filePath := c.pathFor(hash)

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create cache subdirectory: %w", err)
	}
	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}

	now := time.Now()
	entry := &CacheEntry{
		Hash:       hash,
		FilePath:   filePath,
		Size:       int64(len(data)),
		AccessTime: now,
		CreateTime: now,
	}

	c.mu.Lock()
	if old, exists := c.index[hash]; exists {
		atomic.AddInt64(&c.currSize, -old.Size)
	}
	c.index[hash] = entry
	c.mu.Unlock()

	if atomic.AddInt64(&c.currSize, entry.Size) > c.maxSize {
		select {
		case c.evictChan <- struct{}{}:
		default: // Already signaled
		}
	}

	return nil
}

func (c *DiskCache) remove(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.index[hash]
	if !ok {
		return
	}
	os.Remove(entry.FilePath)
	delete(c.index, hash)
	atomic.AddInt64(&c.currSize, -entry.Size)
}

func (c *DiskCache) evictionWorker() {
	for {
		select {
		case <-c.evictChan:
			c.evict()
		case <-c.done:
			return
		}
	}
}

// evict removes least recently used entries until the cache is at 90% of
// its limit.
func (c *DiskCache) evict() {
	c.mu.Lock()
	defer c.mu.Unlock()

	currSize := atomic.LoadInt64(&c.currSize)
	if currSize <= c.maxSize {
		return
	}
	targetSize := c.maxSize * 9 / 10

	entries := make([]*CacheEntry, 0, len(c.index))
	for _, entry := range c.index {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].AccessTime.Before(entries[j].AccessTime)
	})

	for _, e := range entries {
		if currSize <= targetSize {
			break
		}
		os.Remove(e.FilePath)
		delete(c.index, e.Hash)
		atomic.AddInt64(&c.currSize, -e.Size)
		currSize -= e.Size
	}
}

// loadIndex rebuilds the in-memory index from the files on disk.
func (c *DiskCache) loadIndex() error {
	return filepath.Walk(c.baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() || filepath.Ext(path) != ".bin" {
			return nil
		}

		hash := filepath.Base(path)
		hash = hash[:len(hash)-len(".bin")]
		c.index[hash] = &CacheEntry{
			Hash:       hash,
			FilePath:   path,
			Size:       info.Size(),
			AccessTime: info.ModTime(),
			CreateTime: info.ModTime(),
		}
		atomic.AddInt64(&c.currSize, info.Size())
		return nil
	})
}

// Stats returns cache statistics
func (c *DiskCache) Stats() (entries int, sizeBytes int64, maxBytes int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.index), atomic.LoadInt64(&c.currSize), c.maxSize
}

// Clear removes all cached entries
func (c *DiskCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, entry := range c.index {
		os.Remove(entry.FilePath)
	}
	c.index = make(map[string]*CacheEntry)
	atomic.StoreInt64(&c.currSize, 0)

	return nil
}

// Close stops the eviction worker.
func (c *DiskCache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// GetCacheDir returns the OS-specific cache directory
func GetCacheDir() string {
	homeDir, _ := os.UserHomeDir()

	switch goruntime.GOOS {
	case "darwin":
		return filepath.Join(homeDir, "Library", "Caches", "region-similarity")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			appData = filepath.Join(homeDir, "AppData", "Roaming")
		}
		return filepath.Join(appData, "region-similarity", "cache")
	default:
		cacheHome := os.Getenv("XDG_CACHE_HOME")
		if cacheHome == "" {
			cacheHome = filepath.Join(homeDir, ".cache")
		}
		return filepath.Join(cacheHome, "region-similarity")
	}
}
