// Package testhelper provides backing services for tests: an in-memory Redis and a disposable
// Postgres container.
package testhelper

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	r "github.com/redis/go-redis/v9"
)

// Redis starts an in-memory Redis server and returns it together with a connected client. Both
// are closed when the test ends.
func Redis(t testing.TB) (*miniredis.Miniredis, *r.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr(), DisableIdentity: true})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}
