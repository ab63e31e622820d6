package gateway

import (
	"sync"
	"time"
)

// bookDebouncer coalesces order-book broadcasts: any burst of mutations on
// one round produces a single send per interval, trailing-edge, so the
// snapshot always reflects the last mutation of the burst.
type bookDebouncer struct {
	mu       sync.Mutex
	interval time.Duration
	armed    map[int64]bool
	fire     func(roundStart int64)
}

func newBookDebouncer(interval time.Duration, fire func(int64)) *bookDebouncer {
	return &bookDebouncer{
		interval: interval,
		armed:    make(map[int64]bool),
		fire:     fire,
	}
}

// Touch notes a mutation on a round and arms the trailing send
func (d *bookDebouncer) Touch(roundStart int64) {
	d.mu.Lock()
	if d.armed[roundStart] {
		d.mu.Unlock()
		return
	}
	d.armed[roundStart] = true
	d.mu.Unlock()

	time.AfterFunc(d.interval, func() {
		d.mu.Lock()
		delete(d.armed, roundStart)
		d.mu.Unlock()
		d.fire(roundStart)
	})
}
