package ratelimit

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowRefills(t *testing.T) {
	rl := New(Config{MaxRequestsPerMinute: 2})
	defer rl.Stop()

	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.allow("a"))
	assert.True(t, rl.allow("a"))
	assert.False(t, rl.allow("a"))
	assert.True(t, rl.allow("b"))

	now = now.Add(30 * time.Second)
	assert.True(t, rl.allow("a"))
	assert.False(t, rl.allow("a"))
}

func TestEvictIdle(t *testing.T) {
	rl := New(Config{})
	defer rl.Stop()

	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }
	rl.allow("a")

	now = now.Add(11 * time.Minute)
	rl.evictIdle(10 * time.Minute)
	assert.Empty(t, rl.buckets)
}

func TestMiddlewareKeysByUser(t *testing.T) {
	rl := New(Config{
		MaxRequestsPerMinute: 1,
		KeyFunc:              func(c *fiber.Ctx) string { return c.Get("X-User-ID") },
	})
	defer rl.Stop()

	app := fiber.New()
	app.Use(rl.Middleware())
	app.Get("/", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) })

	do := func(user string) int {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("X-User-ID", user)
		resp, err := app.Test(req)
		require.NoError(t, err)
		return resp.StatusCode
	}

	assert.Equal(t, fiber.StatusNoContent, do("alice"))
	assert.Equal(t, fiber.StatusTooManyRequests, do("alice"))
	assert.Equal(t, fiber.StatusNoContent, do("bob"))
}

func TestMiddlewareBucketKeysSurviveRequests(t *testing.T) {
	rl := New(Config{
		MaxRequestsPerMinute: 10,
		KeyFunc:              func(c *fiber.Ctx) string { return c.Get("X-User-ID") },
	})
	defer rl.Stop()

	app := fiber.New()
	app.Use(rl.Middleware())
	app.Get("/", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) })

	users := []string{"alice", "bobby", "carol", "dave1", "erinx"}
	for _, user := range users {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("X-User-ID", user)
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)
	}

	rl.mu.RLock()
	keys := make([]string, 0, len(rl.buckets))
	for key := range rl.buckets {
		keys = append(keys, key)
	}
	rl.mu.RUnlock()
	assert.ElementsMatch(t, users, keys)

	for _, user := range users {
		rl.mu.RLock()
		b := rl.buckets[user]
		rl.mu.RUnlock()
		require.NotNil(t, b, user)
		assert.Equal(t, 9, b.tokens, user)
	}
}
