package cache

import (
	"container/list"

	"github.com/opencontainers/go-digest"
)

// EvictionPolicy decides which cached artifacts to drop. Policies are called
// with the owning cache's lock held, so implementations need no locking of
// their own. A nil policy means the cache never evicts.
type EvictionPolicy interface {
	// Touch records a cache hit.
	Touch(fp digest.Digest)
	// Add records a newly stored artifact and its size.
	Add(fp digest.Digest, size int64)
	// Evict returns the next victim, if the policy wants one removed.
	// Called repeatedly after each Add until it returns false.
	Evict() (digest.Digest, bool)
}

// LRUPolicy evicts least-recently-used artifacts once the total stored size
// exceeds a budget.
type LRUPolicy struct {
	maxBytes int64
	total    int64
	order    *list.List // front = most recent
	index    map[digest.Digest]*list.Element
	sizes    map[digest.Digest]int64
}

// NewLRUPolicy creates an LRU policy with a total size budget in bytes.
func NewLRUPolicy(maxBytes int64) *LRUPolicy {
	return &LRUPolicy{
		maxBytes: maxBytes,
		order:    list.New(),
		index:    make(map[digest.Digest]*list.Element),
		sizes:    make(map[digest.Digest]int64),
	}
}

func (p *LRUPolicy) Touch(fp digest.Digest) {
	if elem, ok := p.index[fp]; ok {
		p.order.MoveToFront(elem)
	}
}

func (p *LRUPolicy) Add(fp digest.Digest, size int64) {
	if _, ok := p.index[fp]; ok {
		p.Touch(fp)
		return
	}
	p.index[fp] = p.order.PushFront(fp)
	p.sizes[fp] = size
	p.total += size
}

func (p *LRUPolicy) Evict() (digest.Digest, bool) {
	if p.total <= p.maxBytes {
		return "", false
	}
	back := p.order.Back()
	if back == nil {
		return "", false
	}
	fp := back.Value.(digest.Digest)
	p.order.Remove(back)
	delete(p.index, fp)
	p.total -= p.sizes[fp]
	delete(p.sizes, fp)
	return fp, true
}
