// Package cache deduplicates identical work units across a whole run.
// Entries are keyed by a content fingerprint of the semantically relevant
// input only, so a result cached for one sample is bit-for-bit valid for
// every other sample that carries the same work unit.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"sort"
	"sync/atomic"
	"time"

	"github.com/seqmr/seqmr/internal/fs"
	"github.com/seqmr/seqmr/pkg/codec"
	"github.com/seqmr/seqmr/pkg/core"
)

// Fingerprint digests a work unit: the pipeline and stage identity, the
// stage parameters in a canonical order, and the work unit key. Sample
// labels and other per-task metadata never enter the digest.
func Fingerprint(pipeline, stage string, params map[string]string, key []byte) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00", pipeline, stage)

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(h, "%s=%s\x00", name, params[name])
	}

	h.Write(key)
	return hex.EncodeToString(h.Sum(nil))
}

type Stats struct {
	Hits   uint64
	Misses uint64
	Races  uint64
}

// Cache stores encoded record slices on shared storage, one immutable
// object per fingerprint per run.
type Cache struct {
	fsys fs.FileSystem
	dir  string

	hits   atomic.Uint64
	misses atomic.Uint64
	races  atomic.Uint64
}

func New(fsys fs.FileSystem, dir string) *Cache {
	return &Cache{fsys: fsys, dir: dir}
}

func (c *Cache) entryPath(fingerprint string) string {
	// Two-level fan-out keeps directory listings manageable on cluster
	// filesystems.
	return path.Join(c.dir, fingerprint[:2], fingerprint)
}

// Get returns the cached records for a fingerprint, if present.
func (c *Cache) Get(ctx context.Context, fingerprint string) ([]core.Record, bool, error) {
	exists, err := c.fsys.Exists(ctx, c.entryPath(fingerprint))
	if err != nil {
		return nil, false, err
	}
	if !exists {
		c.misses.Add(1)
		return nil, false, nil
	}
	recs, err := c.read(ctx, fingerprint)
	if err != nil {
		return nil, false, err
	}
	c.hits.Add(1)
	return recs, true, nil
}

// PutIfAbsent publishes the result for a fingerprint unless another writer
// got there first. Losing the race is not an error: the caller re-reads
// the winning entry, which is guaranteed interchangeable.
func (c *Cache) PutIfAbsent(ctx context.Context, fingerprint string, recs []core.Record) (bool, error) {
	data, err := codec.EncodeAll(recs)
	if err != nil {
		return false, err
	}
	accepted, err := c.fsys.CreateExclusive(ctx, c.entryPath(fingerprint), data)
	if err != nil {
		return false, err
	}
	if !accepted {
		c.races.Add(1)
	}
	return accepted, nil
}

// GetOrCompute is the task-runner entry point: hit substitutes the cached
// result, miss computes and publishes, a lost race re-reads the winner.
func (c *Cache) GetOrCompute(ctx context.Context, fingerprint string, compute func() ([]core.Record, error)) ([]core.Record, error) {
	recs, ok, err := c.Get(ctx, fingerprint)
	if err != nil {
		return nil, err
	}
	if ok {
		return recs, nil
	}

	computed, err := compute()
	if err != nil {
		return nil, err
	}
	accepted, err := c.PutIfAbsent(ctx, fingerprint, computed)
	if err != nil {
		return nil, err
	}
	if accepted {
		return computed, nil
	}
	return c.readWinner(ctx, fingerprint)
}

// readWinner fetches the entry written by the race winner. On stores where
// the winning write may still be settling, a short re-check bridges the
// gap.
func (c *Cache) readWinner(ctx context.Context, fingerprint string) ([]core.Record, error) {
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		recs, err := c.read(ctx, fingerprint)
		if err == nil {
			return recs, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 100 * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("reading winning cache entry %s: %w", fingerprint, lastErr)
}

func (c *Cache) read(ctx context.Context, fingerprint string) ([]core.Record, error) {
	data, err := c.fsys.ReadFile(ctx, c.entryPath(fingerprint))
	if err != nil {
		return nil, err
	}
	return codec.DecodeAll(data)
}

func (c *Cache) Stats() Stats {
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Races:  c.races.Load(),
	}
}
