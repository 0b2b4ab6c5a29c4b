package middleware

import (
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v4"
)

const (
	HeaderCustomerID = "X-Customer-ID"

	ctxCustomerID = "customer_id"
)

// CustomerIDFromCtx extracts the customer id set by CustomerMiddleware.
func CustomerIDFromCtx(c echo.Context) (string, bool) {
	id, ok := c.Get(ctxCustomerID).(string)
	return id, ok && id != ""
}

// CustomerMiddleware reads the caller identity forwarded by the gateway,
// which has already authenticated the request.
func CustomerMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := strings.TrimSpace(c.Request().Header.Get(HeaderCustomerID))
			if id == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			}
			c.Set(ctxCustomerID, id)
			return next(c)
		}
	}
}
