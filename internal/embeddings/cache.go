package embeddings

import (
	"container/list"
	"context"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"math"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/researcher/internal/circuitbreaker"
)

// EmbeddingCache defines cache operations
type EmbeddingCache interface {
	Get(ctx context.Context, key string) ([]float32, bool)
	Set(ctx context.Context, key string, v []float32, ttl time.Duration)
}

// LocalLRU is a simple in-process LRU with TTL
type LocalLRU struct {
	mu   sync.Mutex
	cap  int
	list *list.List
	m    map[string]*list.Element
}

type lruEntry struct {
	key string
	vec []float32
	exp time.Time
}

// NewLocalLRU creates an LRU holding at most capacity vectors
func NewLocalLRU(capacity int) *LocalLRU {
	if capacity <= 0 {
		capacity = 1024
	}
	return &LocalLRU{cap: capacity, list: list.New(), m: make(map[string]*list.Element, capacity)}
}

// Get implements EmbeddingCache
func (l *LocalLRU) Get(_ context.Context, key string) ([]float32, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.m[key]; ok {
		ent := el.Value.(lruEntry)
		if ent.exp.After(time.Now()) {
			l.list.MoveToFront(el)
			return ent.vec, true
		}
		l.list.Remove(el)
		delete(l.m, key)
	}
	return nil, false
}

// Set implements EmbeddingCache
func (l *LocalLRU) Set(_ context.Context, key string, v []float32, ttl time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry := lruEntry{key: key, vec: v, exp: time.Now().Add(ttl)}
	if el, ok := l.m[key]; ok {
		el.Value = entry
		l.list.MoveToFront(el)
		return
	}
	l.m[key] = l.list.PushFront(entry)
	if l.list.Len() > l.cap {
		lru := l.list.Back()
		delete(l.m, lru.Value.(lruEntry).key)
		l.list.Remove(lru)
	}
}

// Len returns the number of cached vectors
func (l *LocalLRU) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.list.Len()
}

// RedisCache shares vectors between workers through a breaker-guarded Redis
type RedisCache struct {
	cli *circuitbreaker.RedisWrapper
}

// NewRedisCache wraps client and pings it once
func NewRedisCache(ctx context.Context, client *redis.Client, logger *zap.Logger) (*RedisCache, error) {
	wrapper := circuitbreaker.NewRedisWrapper(client, "embedding-cache", logger)
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := wrapper.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisCache{cli: wrapper}, nil
}

// Get implements EmbeddingCache
func (r *RedisCache) Get(ctx context.Context, key string) ([]float32, bool) {
	b, err := r.cli.Get(ctx, key).Bytes()
	if err != nil || len(b)%4 != 0 {
		return nil, false
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, true
}

// Set implements EmbeddingCache. Failures are dropped: the cache is advisory.
func (r *RedisCache) Set(ctx context.Context, key string, v []float32, ttl time.Duration) {
	b := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(f))
	}
	_ = r.cli.Set(ctx, key, b, ttl).Err()
}

// Close closes the Redis client
func (r *RedisCache) Close() error {
	return r.cli.Close()
}

// MakeKey derives the cache key of a text under a model
func MakeKey(model, text string) string {
	h := md5.Sum([]byte(model + "|" + text))
	return "emb:" + hex.EncodeToString(h[:])
}
