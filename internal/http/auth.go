package http

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/fyrsmithlabs/taskd/internal/config"
	apiv1 "github.com/fyrsmithlabs/taskd/pkg/api/v1"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// AuthMiddleware creates an Echo middleware that authenticates requests
// against the configured bearer token. Authentication happens once at the
// handshake; SSE streams stay authenticated for their lifetime.
//
// An unset token disables authentication entirely, which is the expected
// mode for local single-user deployments.
//
// The token is read from the Authorization header ("Bearer <token>"), with
// the access_token query parameter as a fallback for EventSource clients
// that cannot set headers.
func AuthMiddleware(token config.Secret, logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !token.IsSet() {
				return next(c)
			}

			presented := bearerToken(c)
			if presented == "" {
				return c.JSON(http.StatusUnauthorized, &apiv1.ErrorResponse{
					Code:    apiv1.CodeUnauthorized,
					Message: "missing credentials",
				})
			}
			if subtle.ConstantTimeCompare([]byte(presented), []byte(token.Value())) != 1 {
				logger.Warn("rejected request with invalid token",
					zap.String("path", c.Path()))
				return c.JSON(http.StatusUnauthorized, &apiv1.ErrorResponse{
					Code:    apiv1.CodeUnauthorized,
					Message: "invalid credentials",
				})
			}

			return next(c)
		}
	}
}

// bearerToken extracts the presented token from the request.
func bearerToken(c echo.Context) string {
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return c.QueryParam("access_token")
}
