package identity

import (
	"sync"
	"time"
)

// Cooldown rate-limits registration attempts per tracking slot.
type Cooldown struct {
	mu       sync.Mutex
	duration time.Duration
	last     map[int]time.Time
}

func NewCooldown(d time.Duration) *Cooldown {
	return &Cooldown{duration: d, last: make(map[int]time.Time)}
}

// ShouldSuppress reports whether slot attempted a registration less than the
// cooldown duration before now.
func (c *Cooldown) ShouldSuppress(slot int, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.last[slot]
	if !ok {
		return false
	}
	return now.Sub(t) < c.duration
}

func (c *Cooldown) MarkAttempted(slot int, now time.Time) {
	c.mu.Lock()
	c.last[slot] = now
	c.mu.Unlock()
}

func (c *Cooldown) Forget(slot int) {
	c.mu.Lock()
	delete(c.last, slot)
	c.mu.Unlock()
}

// Prune drops slots whose cooldown has long expired.
func (c *Cooldown) Prune(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for slot, t := range c.last {
		if now.Sub(t) >= c.duration {
			delete(c.last, slot)
		}
	}
}
