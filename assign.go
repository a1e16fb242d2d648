package bucketpool

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Assigner maps entity keys to buckets. It is safe for concurrent use.
type Assigner struct {
	mask uint64
	n    int
}

// NewAssigner creates an assigner over n buckets. n must be a positive power of two.
func NewAssigner(n int) (*Assigner, error) {
	if n <= 0 || n&(n-1) != 0 {
		return nil, fmt.Errorf("%w: bucket count must be a positive power of two, got %d", ErrInvalidConfig, n)
	}
	return &Assigner{mask: uint64(n - 1), n: n}, nil
}

// Assign returns the bucket owning key. The mapping is stable across restarts.
func (a *Assigner) Assign(key string) BucketID {
	return BucketID(xxhash.Sum64String(key) & a.mask)
}

// Buckets returns the number of buckets.
func (a *Assigner) Buckets() int {
	return a.n
}
