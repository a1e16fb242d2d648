//go:build !sqlite
// +build !sqlite

package bucketpool

import "fmt"

// sharedSQLite is unavailable without the sqlite build tag.
type sharedSQLite struct{}

func openSharedSQLite(string, DurabilityPolicy) (*sharedSQLite, error) {
	return nil, fmt.Errorf("%w: rebuild with -tags sqlite to use the sqlite engine", ErrEngineUnavailable)
}

func (s *sharedSQLite) release() error { return nil }

func newSQLiteBackend(*sharedSQLite, BucketID) (Backend, error) {
	return nil, fmt.Errorf("%w: rebuild with -tags sqlite to use the sqlite engine", ErrEngineUnavailable)
}
