package redis

import (
	"context"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient connects to TEST_REDIS_ADDR (host:port) or skips.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	host, portStr, ok := strings.Cut(addr, ":")
	require.True(t, ok, "TEST_REDIS_ADDR must be host:port")
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	c, err := NewClient(host, port, "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestStatusKey(t *testing.T) {
	assert.Equal(t, "docstatus:42", statusKey(42))
}

func TestStatusRoundTrip(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	id := time.Now().UnixNano()

	type payload struct {
		Stage string `json:"stage"`
	}

	found, err := c.GetStatus(ctx, id, &payload{})
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.SetStatus(ctx, id, payload{Stage: "indexing"}, time.Minute))

	var got payload
	found, err = c.GetStatus(ctx, id, &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "indexing", got.Stage)

	require.NoError(t, c.ClearStatus(ctx, id))
	found, err = c.GetStatus(ctx, id, &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestClearAllStatuses(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	base := time.Now().UnixNano()

	for i := int64(0); i < 3; i++ {
		require.NoError(t, c.SetStatus(ctx, base+i, map[string]string{"stage": "indexing"}, time.Minute))
	}

	n, err := c.ClearAllStatuses(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 3)

	for i := int64(0); i < 3; i++ {
		found, err := c.GetStatus(ctx, base+i, &map[string]string{})
		require.NoError(t, err)
		assert.False(t, found)
	}
}
