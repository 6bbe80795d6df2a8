// Package cache holds recent single-patient predictions in memory, with an
// optional shared Redis tier behind it.
package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/kfre-risk-server/pkg/kfre"
)

// Stats reports cache effectiveness.
type Stats struct {
	Hits       int64 `json:"hits"`
	Misses     int64 `json:"misses"`
	RemoteHits int64 `json:"remote_hits"`
	Size       int   `json:"size"`
}

// remoteTimeout bounds each call to the shared tier.
const remoteTimeout = 100 * time.Millisecond

// MemoryCache is a size-bounded LRU of prediction results whose entries
// expire after a TTL. It is safe for concurrent use.
type MemoryCache struct {
	lru        *expirable.LRU[string, kfre.Result]
	remote     Remote
	hits       atomic.Int64
	misses     atomic.Int64
	remoteHits atomic.Int64
}

// NewMemoryCache creates a cache holding at most maxItems results for ttl.
// A zero ttl keeps entries until they are evicted by size.
func NewMemoryCache(maxItems int, ttl time.Duration) (*MemoryCache, error) {
	if maxItems <= 0 {
		return nil, fmt.Errorf("cache size must be positive, got %d", maxItems)
	}
	return &MemoryCache{
		lru: expirable.NewLRU[string, kfre.Result](maxItems, nil, ttl),
	}, nil
}

// SetRemote adds a shared tier. It must be called before the cache is used.
func (m *MemoryCache) SetRemote(r Remote) {
	m.remote = r
}

// Key builds the cache key for one evaluation.
func Key(c kfre.Covariates, requested kfre.Variant, horizon kfre.Horizon) string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(int(requested)))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(int(horizon)))
	for _, v := range []float64{c.Age, c.EGFR, c.UACR} {
		b.WriteByte('|')
		b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	}
	b.WriteByte('|')
	b.WriteString(strconv.FormatBool(c.Male))
	b.WriteByte('|')
	b.WriteString(string(c.Region))
	for _, p := range []*float64{c.Diabetes, c.Hypertension, c.Albumin, c.Phosphorous, c.Bicarbonate, c.Calcium} {
		b.WriteByte('|')
		if p != nil {
			b.WriteString(strconv.FormatFloat(*p, 'g', -1, 64))
		}
	}
	return b.String()
}

// Get returns a cached result.
func (m *MemoryCache) Get(key string) (kfre.Result, bool) {
	res, ok := m.lru.Get(key)
	if ok {
		m.hits.Add(1)
	} else {
		m.misses.Add(1)
	}
	return res, ok
}

// Set stores a result.
func (m *MemoryCache) Set(key string, res kfre.Result) {
	m.lru.Add(key, res)
}

// GetOrEvaluate returns the cached result for the evaluation or computes
// and stores it. Errors are not cached. Failures of the shared tier count as
// misses.
func (m *MemoryCache) GetOrEvaluate(c kfre.Covariates, requested kfre.Variant, horizon kfre.Horizon) (kfre.Result, bool, error) {
	key := Key(c, requested, horizon)
	if res, ok := m.Get(key); ok {
		return res, true, nil
	}
	if res, ok := m.getRemote(key); ok {
		m.Set(key, res)
		return res, true, nil
	}

	res, err := kfre.Evaluate(c, requested, horizon)
	if err != nil {
		return kfre.Result{}, false, err
	}
	m.Set(key, res)
	m.setRemote(key, res)
	return res, false, nil
}

func (m *MemoryCache) getRemote(key string) (kfre.Result, bool) {
	if m.remote == nil {
		return kfre.Result{}, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), remoteTimeout)
	defer cancel()

	res, ok, err := m.remote.Get(ctx, key)
	if err != nil || !ok {
		return kfre.Result{}, false
	}
	m.remoteHits.Add(1)
	return res, true
}

func (m *MemoryCache) setRemote(key string, res kfre.Result) {
	if m.remote == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), remoteTimeout)
	defer cancel()
	_ = m.remote.Set(ctx, key, res)
}

// Purge removes every entry.
func (m *MemoryCache) Purge() {
	m.lru.Purge()
}

// Stats returns hit and miss counters and the current size.
func (m *MemoryCache) Stats() Stats {
	return Stats{
		Hits:       m.hits.Load(),
		Misses:     m.misses.Load(),
		RemoteHits: m.remoteHits.Load(),
		Size:       m.lru.Len(),
	}
}
