package middleware

import "github.com/labstack/echo/v4"

// subject returns the caller identity placed in the context by JWTAuth, or
// "anon" for unauthenticated requests.  It keys rate-limit buckets and
// request log lines.
func subject(c echo.Context) string {
	if s, ok := c.Get("user_id").(string); ok && s != "" {
		return s
	}
	return "anon"
}
