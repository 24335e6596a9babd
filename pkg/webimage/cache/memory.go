package cache

import (
	"container/list"
	"image"
	"sync"
)

// memEntry is one memory tier slot. Recency is tracked by position in the
// LRU list; cost is decoded pixel count with byte length as fallback.
type memEntry struct {
	key  string
	img  image.Image
	data []byte
	cost int64
}

// memoryCache is a cost- and count-bounded LRU map. All operations take the
// single mutex; eviction runs inline under the same lock so a bound is never
// observed exceeded after set returns.
type memoryCache struct {
	mu       sync.Mutex
	maxCost  int64
	maxCount int

	totalCost int64
	ll        *list.List
	idx       map[string]*list.Element
}

func newMemoryCache(maxCost int64, maxCount int) *memoryCache {
	return &memoryCache{
		maxCost:  maxCost,
		maxCount: maxCount,
		ll:       list.New(),
		idx:      make(map[string]*list.Element),
	}
}

// set upserts an entry and evicts from the LRU tail until both bounds hold.
func (m *memoryCache) set(key string, img image.Image, data []byte, cost int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.idx[key]; ok {
		old := el.Value.(*memEntry)
		m.totalCost += cost - old.cost
		old.img, old.data, old.cost = img, data, cost
		m.ll.MoveToFront(el)
	} else {
		m.idx[key] = m.ll.PushFront(&memEntry{key: key, img: img, data: data, cost: cost})
		m.totalCost += cost
	}

	m.evictLocked()
}

// get returns the entry and refreshes its recency.
func (m *memoryCache) get(key string) (image.Image, []byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.idx[key]
	if !ok {
		return nil, nil, false
	}
	m.ll.MoveToFront(el)
	e := el.Value.(*memEntry)
	return e.img, e.data, true
}

func (m *memoryCache) remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.idx[key]; ok {
		m.removeElementLocked(el)
	}
}

func (m *memoryCache) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ll.Init()
	m.idx = make(map[string]*list.Element)
	m.totalCost = 0
}

func (m *memoryCache) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ll.Len()
}

func (m *memoryCache) cost() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalCost
}

func (m *memoryCache) evictLocked() {
	for {
		overCost := m.maxCost > 0 && m.totalCost > m.maxCost
		overCount := m.maxCount > 0 && m.ll.Len() > m.maxCount
		if !overCost && !overCount {
			return
		}
		el := m.ll.Back()
		if el == nil {
			return
		}
		m.removeElementLocked(el)
	}
}

func (m *memoryCache) removeElementLocked(el *list.Element) {
	e := el.Value.(*memEntry)
	m.ll.Remove(el)
	delete(m.idx, e.key)
	m.totalCost -= e.cost
	if m.totalCost < 0 {
		m.totalCost = 0
	}
}
