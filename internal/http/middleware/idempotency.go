package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	echo "github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
)

const HeaderIdempotencyKey = "Idempotency-Key"

type IdempotencyConfig struct {
	Redis     redis.Cmdable
	TTL       time.Duration // default 300s
	KeyPrefix string        // default "idem:"
}

// IdempotencyMiddleware reserves the Idempotency-Key for TTL and answers 409
// to any repeat while the reservation stands. A request that does not end in
// 2xx gives the key back.
func IdempotencyMiddleware(cfg IdempotencyConfig) echo.MiddlewareFunc {
	if cfg.TTL <= 0 {
		cfg.TTL = 300 * time.Second
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "idem:"
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := strings.TrimSpace(c.Request().Header.Get(HeaderIdempotencyKey))
			if raw == "" || cfg.Redis == nil {
				return next(c)
			}

			key := cfg.KeyPrefix + raw
			if custID, ok := CustomerIDFromCtx(c); ok {
				key = cfg.KeyPrefix + custID + ":" + raw
			}

			ctx := c.Request().Context()
			reserved, err := cfg.Redis.SetNX(ctx, key, "locked", cfg.TTL).Result()
			if err != nil {
				return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "idempotency store unavailable"})
			}
			if !reserved {
				return c.JSON(http.StatusConflict, map[string]string{"error": "duplicate request"})
			}

			err = next(c)
			if err != nil || c.Response().Status/100 != 2 {
				_ = cfg.Redis.Del(context.WithoutCancel(ctx), key).Err()
			}
			return err
		}
	}
}
