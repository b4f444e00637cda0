package pipeline

import (
	"sort"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"
)

// SlotView is the last classification shown for a tracked face.
type SlotView struct {
	Slot     int        `json:"slot"`
	BBox     [4]float32 `json:"bbox"`
	Kind     string     `json:"kind"`
	Label    string     `json:"label,omitempty"`
	Display  string     `json:"display"`
	Distance float64    `json:"distance,omitempty"`
	At       time.Time  `json:"at"`
}

// SlotCache keeps SlotViews until they go stale. Expired entries are dropped
// lazily and by DeleteExpired; there is no janitor goroutine.
type SlotCache struct {
	c *cache.Cache
}

func NewSlotCache(ttl time.Duration) *SlotCache {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &SlotCache{c: cache.New(ttl, 0)}
}

func (s *SlotCache) Set(v SlotView) {
	s.c.SetDefault(strconv.Itoa(v.Slot), v)
}

func (s *SlotCache) Get(slot int) (SlotView, bool) {
	v, ok := s.c.Get(strconv.Itoa(slot))
	if !ok {
		return SlotView{}, false
	}
	return v.(SlotView), true
}

func (s *SlotCache) Delete(slot int) {
	s.c.Delete(strconv.Itoa(slot))
}

func (s *SlotCache) DeleteExpired() {
	s.c.DeleteExpired()
}

// List returns unexpired views ordered by slot.
func (s *SlotCache) List() []SlotView {
	items := s.c.Items()
	out := make([]SlotView, 0, len(items))
	for _, it := range items {
		out = append(out, it.Object.(SlotView))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}
