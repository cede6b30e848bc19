// Package cache provides the content-addressed artifact cache. Artifacts are
// keyed by a fingerprint of their producing job's declared inputs, so
// identical inputs across runs are guaranteed to hit.
package cache

import (
	"context"
	"encoding/binary"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/opencontainers/go-digest"
)

// Artifact is a cached, immutable build output.
type Artifact struct {
	// Name is the artifact's declared name.
	Name string `json:"name"`
	// Fingerprint identifies the inputs that produced the artifact.
	Fingerprint digest.Digest `json:"fingerprint"`
	// ContentDigest is the digest of the stored bytes.
	ContentDigest digest.Digest `json:"content_digest"`
	Size          int64         `json:"size"`
}

// Cache is the artifact cache contract. Store is idempotent for
// byte-identical content; storing different content under an existing
// fingerprint is a consistency error. Implementations serialize concurrent
// stores for the same fingerprint.
type Cache interface {
	// Lookup returns the artifact for the fingerprint, if present.
	Lookup(ctx context.Context, fp digest.Digest) (*Artifact, bool, error)

	// Store records content under the fingerprint and returns the artifact.
	Store(ctx context.Context, fp digest.Digest, name string, content []byte) (*Artifact, error)

	// Open returns the stored content for a cached artifact.
	Open(ctx context.Context, fp digest.Digest) ([]byte, error)
}

// ConsistencyError reports a fingerprint collision with differing content.
// Trusting the cache after one of these would silently serve wrong
// artifacts, so callers must treat it as fatal.
type ConsistencyError struct {
	Fingerprint digest.Digest
	Existing    digest.Digest
	Incoming    digest.Digest
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("cache consistency: fingerprint %s maps to content %s, refusing to overwrite with %s",
		e.Fingerprint, e.Existing, e.Incoming)
}

// Fingerprint derives the cache key from a job's declared inputs: source
// content hashes, tool versions, build flags. The encoding length-prefixes
// each part so distinct input lists can never collide, and the caller's
// ordering is preserved (declared order is part of the contract). Wall-clock
// and run identity are deliberately excluded.
func Fingerprint(parts ...string) digest.Digest {
	var buf []byte
	for _, part := range parts {
		var lenBuf [8]byte
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(part)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, part...)
	}
	return digest.FromBytes(buf)
}

// HashTree walks a directory and returns a digest covering every regular
// file's relative path and content. Used as the source-tree input to
// Fingerprint.
func HashTree(root string) (digest.Digest, error) {
	var entries []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		entries = append(entries, rel+":"+digest.FromBytes(data).String())
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("hashing tree %s: %w", root, err)
	}
	// WalkDir is deterministic, but sort anyway so the digest does not
	// depend on filesystem ordering quirks.
	sort.Strings(entries)
	return Fingerprint(entries...), nil
}
