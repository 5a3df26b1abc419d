// Package cache provides the on-disk block cache for remote file content.
package cache

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/httpdirfs/httpdirfs/internal/metrics"
)

const blockExt = ".blk"

// Entry describes one cached block on disk.
type Entry struct {
	Key        string
	LocalPath  string
	Size       int64
	LastAccess time.Time
}

// Cache stores fixed-size blocks of remote files in a directory and evicts
// the least recently used blocks when the size limit is reached.
type Cache struct {
	dir     string
	maxSize int64

	mu      sync.Mutex
	entries map[string]*Entry
	size    int64
}

// New opens the cache in dir, picking up blocks left by earlier mounts.
// maxSize <= 0 means unbounded.
func New(dir string, maxSize int64) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	c := &Cache{
		dir:     dir,
		maxSize: maxSize,
		entries: make(map[string]*Entry),
	}
	if err := c.load(); err != nil {
		return nil, err
	}
	metrics.SetCacheBytes(c.size)
	return c, nil
}

func (c *Cache) load() error {
	des, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("scan cache dir: %w", err)
	}
	for _, de := range des {
		name := de.Name()
		if strings.HasSuffix(name, ".tmp") {
			os.Remove(filepath.Join(c.dir, name))
			continue
		}
		if de.IsDir() || !strings.HasSuffix(name, blockExt) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		key := strings.TrimSuffix(name, blockExt)
		c.entries[key] = &Entry{
			Key:        key,
			LocalPath:  filepath.Join(c.dir, name),
			Size:       info.Size(),
			LastAccess: info.ModTime(),
		}
		c.size += info.Size()
	}
	return nil
}

// BlockKey derives the cache key of block index of the file at url.
func BlockKey(url string, index int64) string {
	sum := blake2b.Sum256([]byte(url))
	return fmt.Sprintf("%s-%d", hex.EncodeToString(sum[:16]), index)
}

// Get returns the cached block for key.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	entry, ok := c.entries[key]
	if ok {
		entry.LastAccess = time.Now()
	}
	c.mu.Unlock()

	if !ok {
		metrics.RecordCacheLookup(false)
		return nil, false
	}

	data, err := os.ReadFile(entry.LocalPath)
	if err != nil {
		// Removed behind our back.
		c.drop(key, entry)
		metrics.RecordCacheLookup(false)
		return nil, false
	}
	metrics.RecordCacheLookup(true)
	return data, true
}

// Put stores a block. Content is written to a temp file first and renamed
// into place, so readers never see a partial block.
func (c *Cache) Put(key string, data []byte) error {
	tmp, err := os.CreateTemp(c.dir, key+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tmp.Name()
	_, err = tmp.Write(data)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("write block: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	size := int64(len(data))
	if old, ok := c.entries[key]; ok {
		c.size -= old.Size
		delete(c.entries, key)
	}
	for c.maxSize > 0 && c.size+size > c.maxSize {
		if !c.evictOldest() {
			break
		}
	}

	localPath := filepath.Join(c.dir, key+blockExt)
	if err := os.Rename(tempPath, localPath); err != nil {
		os.Remove(tempPath)
		metrics.SetCacheBytes(c.size)
		return fmt.Errorf("rename temp file: %w", err)
	}

	c.entries[key] = &Entry{
		Key:        key,
		LocalPath:  localPath,
		Size:       size,
		LastAccess: time.Now(),
	}
	c.size += size
	metrics.SetCacheBytes(c.size)
	return nil
}

// Evict removes a block from the cache.
func (c *Cache) Evict(key string) {
	c.mu.Lock()
	entry, ok := c.entries[key]
	c.mu.Unlock()
	if ok {
		c.drop(key, entry)
	}
}

// drop removes entry if it is still the one cached under key. A block
// replaced by a newer Put is left alone.
func (c *Cache) drop(key string, entry *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.entries[key] != entry {
		return
	}
	os.Remove(entry.LocalPath)
	c.size -= entry.Size
	delete(c.entries, key)
	metrics.SetCacheBytes(c.size)
}

// evictOldest removes the least recently used block.
// Must be called with lock held.
func (c *Cache) evictOldest() bool {
	var oldest *Entry
	for _, entry := range c.entries {
		if oldest == nil || entry.LastAccess.Before(oldest.LastAccess) {
			oldest = entry
		}
	}
	if oldest == nil {
		return false
	}

	os.Remove(oldest.LocalPath)
	c.size -= oldest.Size
	delete(c.entries, oldest.Key)
	return true
}

// Stats returns cache statistics.
func (c *Cache) Stats() (size, maxSize int64, count int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size, c.maxSize, len(c.entries)
}

// Clear removes every block and returns how many were removed.
func (c *Cache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := len(c.entries)
	for key, entry := range c.entries {
		os.Remove(entry.LocalPath)
		delete(c.entries, key)
	}
	c.size = 0
	metrics.SetCacheBytes(0)
	return count
}

// Dir returns the cache directory path.
func (c *Cache) Dir() string {
	return c.dir
}

// List returns all cached blocks, least recently used first.
func (c *Cache) List() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := make([]Entry, 0, len(c.entries))
	for _, entry := range c.entries {
		entries = append(entries, *entry)
	}
	slices.SortFunc(entries, func(a, b Entry) int {
		return a.LastAccess.Compare(b.LastAccess)
	})
	return entries
}
