// ABOUTME: Test helper that starts an in-process miniredis server.
// ABOUTME: Use NewRedis(t) in tests that need a real Redis wire protocol.
package testutil

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// NewRedis starts a miniredis server and returns it together with a connected
// go-redis client. Both are torn down via t.Cleanup.
func NewRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})
	return mr, client
}
