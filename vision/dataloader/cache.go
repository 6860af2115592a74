package dataloader

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/tsawler/go-emotionnet/tensor"
)

// CacheManager is an LRU cache of preprocessed images keyed by file path.
// It is safe for concurrent use by loader workers.
type CacheManager struct {
	mu      sync.Mutex
	cache   map[string]*tensor.Tensor
	lru     *list.List
	lruMap  map[string]*list.Element
	maxSize int

	// Statistics
	hits   int64
	misses int64
}

// NewCacheManager creates a cache holding at most maxSize images
func NewCacheManager(maxSize int) *CacheManager {
	return &CacheManager{
		cache:   make(map[string]*tensor.Tensor),
		lru:     list.New(),
		lruMap:  make(map[string]*list.Element),
		maxSize: maxSize,
	}
}

// Get retrieves an item from the cache. Callers must not modify the result.
func (cm *CacheManager) Get(key string) (*tensor.Tensor, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if data, exists := cm.cache[key]; exists {
		cm.lru.MoveToFront(cm.lruMap[key])
		cm.hits++
		return data, true
	}
	cm.misses++
	return nil, false
}

// Put adds an item to the cache, evicting the least recently used entries
func (cm *CacheManager) Put(key string, data *tensor.Tensor) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.maxSize <= 0 {
		return
	}
	if elem, exists := cm.lruMap[key]; exists {
		cm.cache[key] = data
		cm.lru.MoveToFront(elem)
		return
	}

	cm.lruMap[key] = cm.lru.PushFront(key)
	cm.cache[key] = data
	for cm.lru.Len() > cm.maxSize {
		cm.removeElement(cm.lru.Back())
	}
}

func (cm *CacheManager) removeElement(elem *list.Element) {
	key := elem.Value.(string)
	cm.lru.Remove(elem)
	delete(cm.lruMap, key)
	delete(cm.cache, key)
}

// Stats returns cache statistics
func (cm *CacheManager) Stats() CacheStats {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	stats := CacheStats{
		Size:    cm.lru.Len(),
		MaxSize: cm.maxSize,
		Hits:    cm.hits,
		Misses:  cm.misses,
	}
	if total := cm.hits + cm.misses; total > 0 {
		stats.HitRate = float64(cm.hits) / float64(total) * 100
	}
	return stats
}

// Clear empties the cache. Statistics are cumulative and survive.
func (cm *CacheManager) Clear() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.cache = make(map[string]*tensor.Tensor)
	cm.lru = list.New()
	cm.lruMap = make(map[string]*list.Element)
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
	HitRate float64
}

// String returns a string representation of cache stats
func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d items, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.HitRate)
}
