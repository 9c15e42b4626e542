package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

type contextKey string

const OperatorKey contextKey = "operator"

// AdminOperator is recorded for requests authenticated with the shared
// admin secret rather than a token.
const AdminOperator = "admin"

// AdminGuard accepts the X-Admin-Secret header, or a Bearer credential that
// is either the admin secret or an operator token.
func AdminGuard(adminSecret string, tokens *Service) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if adminSecret == "" {
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Server admin configuration error"})
			}

			if h := c.Request().Header.Get("X-Admin-Secret"); h != "" && secretEqual(h, adminSecret) {
				c.Set(string(OperatorKey), AdminOperator)
				return next(c)
			}

			authHeader := c.Request().Header.Get("Authorization")
			if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
				credential := strings.TrimSpace(authHeader[7:])
				if secretEqual(credential, adminSecret) {
					c.Set(string(OperatorKey), AdminOperator)
					return next(c)
				}
				if tokens != nil {
					if operator, err := tokens.ValidateToken(credential); err == nil {
						c.Set(string(OperatorKey), operator)
						return next(c)
					}
				}
			}

			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized admin access"})
		}
	}
}

func secretEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// OperatorFromContext returns who authenticated the request.
func OperatorFromContext(c echo.Context) (string, error) {
	operator, ok := c.Get(string(OperatorKey)).(string)
	if !ok || operator == "" {
		return "", errors.New("operator not found in context")
	}
	return operator, nil
}
