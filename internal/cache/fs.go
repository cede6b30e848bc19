package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/opencontainers/go-digest"
)

// FSCache is a filesystem-backed Cache shared across runs. Layout:
//
//	<base>/<fingerprint-hex>/content
//	<base>/<fingerprint-hex>/artifact.json
//
// Writes go through a temp file plus rename so readers never observe a
// partially written artifact.
type FSCache struct {
	base string

	mu     sync.Mutex
	locks  map[digest.Digest]*sync.Mutex
	policy EvictionPolicy
}

// FSOption configures an FSCache.
type FSOption func(*FSCache)

// WithEviction installs an eviction policy. Without one the cache never
// evicts.
func WithEviction(p EvictionPolicy) FSOption {
	return func(c *FSCache) { c.policy = p }
}

// NewFSCache creates (or reopens) a cache rooted at base.
func NewFSCache(base string, opts ...FSOption) (*FSCache, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}
	c := &FSCache{
		base:  base,
		locks: make(map[digest.Digest]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// keyLock returns the per-fingerprint mutex, serializing concurrent stores
// for the same key while leaving distinct keys independent.
func (c *FSCache) keyLock(fp digest.Digest) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.locks[fp]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[fp] = lock
	}
	return lock
}

func (c *FSCache) entryDir(fp digest.Digest) string {
	return filepath.Join(c.base, fp.Encoded())
}

func (c *FSCache) Lookup(ctx context.Context, fp digest.Digest) (*Artifact, bool, error) {
	lock := c.keyLock(fp)
	lock.Lock()
	defer lock.Unlock()

	meta, err := os.ReadFile(filepath.Join(c.entryDir(fp), "artifact.json"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading cache metadata: %w", err)
	}

	var artifact Artifact
	if err := json.Unmarshal(meta, &artifact); err != nil {
		return nil, false, fmt.Errorf("parsing cache metadata: %w", err)
	}

	if c.policy != nil {
		c.mu.Lock()
		c.policy.Touch(fp)
		c.mu.Unlock()
	}
	return &artifact, true, nil
}

func (c *FSCache) Store(ctx context.Context, fp digest.Digest, name string, content []byte) (*Artifact, error) {
	lock := c.keyLock(fp)
	lock.Lock()
	defer lock.Unlock()

	incoming := digest.FromBytes(content)
	dir := c.entryDir(fp)

	meta, err := os.ReadFile(filepath.Join(dir, "artifact.json"))
	if err == nil {
		var existing Artifact
		if err := json.Unmarshal(meta, &existing); err != nil {
			return nil, fmt.Errorf("parsing cache metadata: %w", err)
		}
		if existing.ContentDigest == incoming {
			return &existing, nil
		}
		return nil, &ConsistencyError{
			Fingerprint: fp,
			Existing:    existing.ContentDigest,
			Incoming:    incoming,
		}
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reading cache metadata: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache entry: %w", err)
	}

	artifact := Artifact{
		Name:          name,
		Fingerprint:   fp,
		ContentDigest: incoming,
		Size:          int64(len(content)),
	}

	if err := writeAtomic(filepath.Join(dir, "content"), content); err != nil {
		return nil, err
	}
	metaBytes, err := json.Marshal(artifact)
	if err != nil {
		return nil, fmt.Errorf("encoding cache metadata: %w", err)
	}
	if err := writeAtomic(filepath.Join(dir, "artifact.json"), metaBytes); err != nil {
		return nil, err
	}

	if c.policy != nil {
		c.mu.Lock()
		c.policy.Add(fp, artifact.Size)
		var victims []digest.Digest
		for {
			victim, ok := c.policy.Evict()
			if !ok {
				break
			}
			victims = append(victims, victim)
		}
		c.mu.Unlock()
		for _, victim := range victims {
			os.RemoveAll(c.entryDir(victim))
		}
	}

	return &artifact, nil
}

func (c *FSCache) Open(ctx context.Context, fp digest.Digest) ([]byte, error) {
	lock := c.keyLock(fp)
	lock.Lock()
	defer lock.Unlock()

	data, err := os.ReadFile(filepath.Join(c.entryDir(fp), "content"))
	if err != nil {
		return nil, fmt.Errorf("reading cached artifact %s: %w", fp, err)
	}
	return data, nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("publishing file: %w", err)
	}
	return nil
}
