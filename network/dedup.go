package network

import (
	"sync"
	"time"

	"github.com/willf/bloom"
)

const (
	dedupFilterSize   = 1 << 20
	dedupFilterHashes = 5
	dedupPruneEvery   = 1024
)

// Deduper recognises redelivered envelopes on an at-least-once channel.
// The bloom filter answers the common "never seen" case without touching
// the map; positives fall through to an exact check bounded by the
// retention window.
type Deduper struct {
	mu      sync.Mutex
	filter  *bloom.BloomFilter
	exact   map[string]time.Time
	window  time.Duration
	writes  int
}

func NewDeduper(window time.Duration) *Deduper {
	return &Deduper{
		filter: bloom.New(dedupFilterSize, dedupFilterHashes),
		exact:  make(map[string]time.Time),
		window: window,
	}
}

// Seen reports whether the identity was remembered within the window and
// remembers it if not. The first call for an identity returns false, every
// later call within the window returns true.
func (d *Deduper) Seen(identity string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := []byte(identity)
	if d.filter.Test(key) {
		if at, ok := d.exact[identity]; ok && time.Since(at) < d.window {
			return true
		}
	}

	d.filter.Add(key)
	d.exact[identity] = time.Now()
	d.writes++
	if d.writes%dedupPruneEvery == 0 {
		d.prune()
	}
	return false
}

func (d *Deduper) prune() {
	cutoff := time.Now().Add(-d.window)
	for identity, at := range d.exact {
		if at.Before(cutoff) {
			delete(d.exact, identity)
		}
	}
}
