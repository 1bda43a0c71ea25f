package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/time/rate"
)

// CallRecorder observes embedding calls. metrics.Manager implements it.
type CallRecorder interface {
	RecordEmbeddingCall(provider string, ok bool, duration time.Duration)
}

type instrumented struct {
	Provider
	rec CallRecorder
}

// Instrument reports every call of p to rec.
func Instrument(p Provider, rec CallRecorder) Provider {
	return &instrumented{Provider: p, rec: rec}
}

func (i *instrumented) Embed(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	vec, err := i.Provider.Embed(ctx, text)
	i.rec.RecordEmbeddingCall(i.Provider.Name(), err == nil, time.Since(start))
	return vec, err
}

type rateLimited struct {
	Provider
	limiter *rate.Limiter
}

// RateLimit bounds calls to p at perSecond with the given burst. Callers
// block until a token is available or ctx is done.
func RateLimit(p Provider, perSecond float64, burst int) Provider {
	if burst <= 0 {
		burst = 1
	}
	return &rateLimited{Provider: p, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (r *rateLimited) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("embedding: rate limit: %w", err)
	}
	return r.Provider.Embed(ctx, text)
}

// Cached memoizes embeddings of identical text.
type Cached struct {
	Provider
	cache *ristretto.Cache[string, []float32]
}

// Cache wraps p with a ristretto cache holding about size embeddings.
func Cache(p Provider, size int64) (*Cached, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, []float32]{
		NumCounters: size * 10,
		MaxCost:     size,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding: create cache: %w", err)
	}
	return &Cached{Provider: p, cache: cache}, nil
}

// Embed implements Provider. Returned slices are copies.
func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	key := hashText(text)
	if vec, ok := c.cache.Get(key); ok {
		return append([]float32(nil), vec...), nil
	}

	vec, err := c.Provider.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, append([]float32(nil), vec...), 1)
	return vec, nil
}

// Wait blocks until pending cache writes are applied.
func (c *Cached) Wait() { c.cache.Wait() }

// Close releases the cache.
func (c *Cached) Close() { c.cache.Close() }

func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
