package bus

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// Defaults for send idempotency keys.
const (
	DefaultIdempotencyTTL  = 10 * time.Minute
	DefaultIdempotencySize = 5000
)

// Idempotency remembers the result of a keyed operation for a TTL so a retried
// request replays the first result instead of running again. Concurrent calls
// with the same key share one execution. Failures are not remembered.
type Idempotency struct {
	results  *expirable.LRU[string, string]
	inflight singleflight.Group
}

// NewIdempotency creates a cache holding up to size keys for ttl.
func NewIdempotency(ttl time.Duration, size int) *Idempotency {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	if size <= 0 {
		size = DefaultIdempotencySize
	}
	return &Idempotency{results: expirable.NewLRU[string, string](size, nil, ttl)}
}

// Do runs fn once per key. replayed is true when the result came from an
// earlier or concurrent call. An empty key always runs fn.
func (i *Idempotency) Do(key string, fn func() (string, error)) (result string, replayed bool, err error) {
	if key == "" {
		result, err = fn()
		return result, false, err
	}
	if v, ok := i.results.Get(key); ok {
		return v, true, nil
	}

	v, err, shared := i.inflight.Do(key, func() (any, error) {
		if v, ok := i.results.Get(key); ok {
			return v, nil
		}
		res, err := fn()
		if err != nil {
			return "", err
		}
		i.results.Add(key, res)
		return res, nil
	})
	if err != nil {
		return "", false, err
	}
	return v.(string), shared, nil
}

// Len returns the number of remembered keys.
func (i *Idempotency) Len() int {
	return i.results.Len()
}
