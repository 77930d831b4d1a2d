package agent

import (
	"fmt"
	"hash/fnv"
	"math"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultErrorCodeBase  = 256
	DefaultErrorCacheTTL  = 10 * time.Minute
	DefaultErrorCacheSize = 4096
	// MinErrorCacheTTL is the shortest TTL the cache's expiry sweep can work with.
	MinErrorCacheTTL      = time.Millisecond
	errorCacheKeyPrefix   = "error:"
)

// ErrorCache holds the diagnostics of failed executions, keyed by the synthetic error code the client received.
// Entries expire; there is no other way to remove one.
type ErrorCache struct {
	base  uint32
	cache *expirable.LRU[string, string]
}

func NewErrorCache(base uint32, size int, ttl time.Duration) (*ErrorCache, error) {
	if base == 0 || base == math.MaxUint32 {
		return nil, fmt.Errorf("invalid error code base %d", base)
	}
	if ttl < MinErrorCacheTTL {
		return nil, fmt.Errorf("error cache TTL %s is shorter than %s", ttl, MinErrorCacheTTL)
	}
	if size <= 0 {
		return nil, fmt.Errorf("invalid error cache size %d", size)
	}
	return &ErrorCache{
		base:  base,
		cache: expirable.NewLRU[string, string](size, nil, ttl),
	}, nil
}

// Code derives the error code for a diagnostic. Codes are always at least the base,
// which keeps them apart from ordinary process exit codes.
func (c *ErrorCache) Code(diagnostic string) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(diagnostic))
	return int64(c.base) + int64(h.Sum32()%(math.MaxUint32-c.base))
}

// Store caches the diagnostic and returns its code.
func (c *ErrorCache) Store(diagnostic string) int64 {
	code := c.Code(diagnostic)
	c.cache.Add(key(code), diagnostic)
	return code
}

func (c *ErrorCache) Lookup(code int64) (string, bool) {
	return c.cache.Get(key(code))
}

func key(code int64) string {
	return errorCacheKeyPrefix + strconv.FormatInt(code, 10)
}
