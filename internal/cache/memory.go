package cache

import (
	"context"
	"fmt"
	"sync"

	"github.com/opencontainers/go-digest"
)

// MemoryCache is an in-process Cache used for one-shot CLI runs and tests.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[digest.Digest]*memoryEntry
	policy  EvictionPolicy
}

type memoryEntry struct {
	artifact Artifact
	content  []byte
}

// MemoryOption configures a MemoryCache.
type MemoryOption func(*MemoryCache)

// WithMemoryEviction installs an eviction policy. Without one the cache
// never evicts.
func WithMemoryEviction(p EvictionPolicy) MemoryOption {
	return func(c *MemoryCache) { c.policy = p }
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache(opts ...MemoryOption) *MemoryCache {
	c := &MemoryCache{entries: make(map[digest.Digest]*memoryEntry)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *MemoryCache) Lookup(ctx context.Context, fp digest.Digest) (*Artifact, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[fp]
	if !ok {
		return nil, false, nil
	}
	if c.policy != nil {
		c.policy.Touch(fp)
	}
	artifact := entry.artifact
	return &artifact, true, nil
}

func (c *MemoryCache) Store(ctx context.Context, fp digest.Digest, name string, content []byte) (*Artifact, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	incoming := digest.FromBytes(content)
	if entry, ok := c.entries[fp]; ok {
		if entry.artifact.ContentDigest == incoming {
			// Idempotent re-store.
			artifact := entry.artifact
			return &artifact, nil
		}
		return nil, &ConsistencyError{
			Fingerprint: fp,
			Existing:    entry.artifact.ContentDigest,
			Incoming:    incoming,
		}
	}

	stored := make([]byte, len(content))
	copy(stored, content)
	entry := &memoryEntry{
		artifact: Artifact{
			Name:          name,
			Fingerprint:   fp,
			ContentDigest: incoming,
			Size:          int64(len(content)),
		},
		content: stored,
	}
	c.entries[fp] = entry

	if c.policy != nil {
		c.policy.Add(fp, entry.artifact.Size)
		for {
			victim, ok := c.policy.Evict()
			if !ok {
				break
			}
			delete(c.entries, victim)
		}
	}

	artifact := entry.artifact
	return &artifact, nil
}

func (c *MemoryCache) Open(ctx context.Context, fp digest.Digest) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[fp]
	if !ok {
		return nil, fmt.Errorf("artifact %s not in cache", fp)
	}
	out := make([]byte, len(entry.content))
	copy(out, entry.content)
	return out, nil
}
