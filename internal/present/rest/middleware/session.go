package middleware

import (
	"context"

	"github.com/labstack/echo/v4"

	"github.com/graffiti-garden/graffiti-go"
)

// ActorHeader names the requesting actor. The engine performs no
// authentication: whatever the header claims is the session. A host
// that needs real identity puts a verifying proxy in front.
const ActorHeader = "Graffiti-Actor"

type sessionCtxKey struct{}

// ExtractSession lifts the actor header into the request context.
func ExtractSession(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		actor := c.Request().Header.Get(ActorHeader)
		if actor != "" {
			ctx := context.WithValue(c.Request().Context(), sessionCtxKey{}, &graffiti.Session{Actor: actor})
			c.SetRequest(c.Request().WithContext(ctx))
		}
		return next(c)
	}
}

// SessionFrom returns the session bound to the context, nil when the
// request was anonymous.
func SessionFrom(ctx context.Context) *graffiti.Session {
	sess, _ := ctx.Value(sessionCtxKey{}).(*graffiti.Session)
	return sess
}
