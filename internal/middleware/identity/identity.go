// Package identity resolves the calling user. Authentication itself happens in
// front of this service; the gateway forwards the user id in a header.
package identity

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

const (
	Header    = "X-User-ID"
	LocalsKey = "user"
	maxLength = 128
)

// Middleware rejects requests without a user id with 401.
func Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		user := strings.TrimSpace(c.Get(Header))
		if user == "" || len(user) > maxLength {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Authentication required",
			})
		}
		c.Locals(LocalsKey, user)
		return c.Next()
	}
}

// User returns the id stored by Middleware, or "" outside it.
func User(c *fiber.Ctx) string {
	user, _ := c.Locals(LocalsKey).(string)
	return user
}
