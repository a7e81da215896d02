package dataloader

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/tsawler/go-reid/tensor"
)

// CacheManager is an LRU cache of preprocessed tensors keyed by file path.
// Cached tensors are shared: callers must Clone before mutating them.
type CacheManager struct {
	mu          sync.Mutex
	cache       map[string]*list.Element
	lru         *list.List
	maxSize     int
	currentSize int
	bytes       int64

	// Statistics
	hits      int64
	misses    int64
	evictions int64
}

type cacheItem struct {
	key   string
	value *tensor.Tensor
}

// NewCacheManager creates a cache holding at most maxSize tensors. A
// maxSize of 0 disables caching.
func NewCacheManager(maxSize int) *CacheManager {
	return &CacheManager{
		cache:   make(map[string]*list.Element),
		lru:     list.New(),
		maxSize: maxSize,
	}
}

// Get retrieves an item from the cache
func (cm *CacheManager) Get(key string) (*tensor.Tensor, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if elem, exists := cm.cache[key]; exists {
		cm.lru.MoveToFront(elem)
		cm.hits++
		return elem.Value.(*cacheItem).value, true
	}

	cm.misses++
	return nil, false
}

// Put adds an item to the cache
func (cm *CacheManager) Put(key string, value *tensor.Tensor) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.maxSize <= 0 {
		return
	}
	if elem, exists := cm.cache[key]; exists {
		cm.lru.MoveToFront(elem)
		return
	}

	cm.cache[key] = cm.lru.PushFront(&cacheItem{key: key, value: value})
	cm.currentSize++
	cm.bytes += value.SizeBytes()

	for cm.currentSize > cm.maxSize {
		cm.removeElement(cm.lru.Back())
		cm.evictions++
	}
}

// removeElement removes an element from the cache
func (cm *CacheManager) removeElement(elem *list.Element) {
	item := elem.Value.(*cacheItem)
	cm.lru.Remove(elem)
	delete(cm.cache, item.key)
	cm.currentSize--
	cm.bytes -= item.value.SizeBytes()
}

// Stats returns cache statistics
func (cm *CacheManager) Stats() CacheStats {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	return CacheStats{
		Size:      cm.currentSize,
		MaxSize:   cm.maxSize,
		Bytes:     cm.bytes,
		Hits:      cm.hits,
		Misses:    cm.misses,
		Evictions: cm.evictions,
		HitRate:   cm.calculateHitRate(),
	}
}

// calculateHitRate calculates the hit rate percentage
func (cm *CacheManager) calculateHitRate() float64 {
	total := cm.hits + cm.misses
	if total == 0 {
		return 0
	}
	return float64(cm.hits) / float64(total) * 100
}

// Clear clears the cache. Statistics are kept.
func (cm *CacheManager) Clear() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.cache = make(map[string]*list.Element)
	cm.lru = list.New()
	cm.currentSize = 0
	cm.bytes = 0
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size      int
	MaxSize   int
	Bytes     int64
	Hits      int64
	Misses    int64
	Evictions int64
	HitRate   float64
}

// String returns a string representation of cache stats
func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d items (%.1f MB), Hits: %d, Misses: %d, Evictions: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, float64(cs.Bytes)/1024/1024, cs.Hits, cs.Misses, cs.Evictions, cs.HitRate)
}
