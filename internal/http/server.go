package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmehdipour/order-service/internal/config"
	"github.com/jmehdipour/order-service/internal/http/middleware"
	"github.com/jmehdipour/order-service/internal/metrics"
	"github.com/jmehdipour/order-service/internal/telemetry"
	"github.com/jmehdipour/order-service/internal/util"
	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

type Deps struct {
	Orders OrderService
	Redis  redis.Cmdable
	Checks []HealthCheck
	Log    *zap.Logger
}

type Server struct {
	e   *echo.Echo
	srv *http.Server
	log *zap.Logger
}

type requestValidator struct{ v *validator.Validate }

func (r *requestValidator) Validate(i any) error { return r.v.Struct(i) }

func NewServer(cfg config.Config, d Deps) *Server {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}

	// echo
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = &requestValidator{v: validator.New(validator.WithRequiredStructEnabled())}
	e.Use(
		echoMid.Recover(),
		echoMid.RequestIDWithConfig(echoMid.RequestIDConfig{Generator: util.NewRequestID}),
		requestLogger(log),
		telemetry.EchoRoute(),
	)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// health
	e.GET("/health/live", liveHandler)
	e.GET("/health/ready", readyHandler(d.Checks))

	// middlewares
	customerMW := middleware.CustomerMiddleware()
	rlMW := middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Redis:          d.Redis,
		Limit:          cfg.RateLimit.Limit,
		Window:         cfg.RateLimit.Window,
		KeyPrefix:      "rl:cust:",
		RetryAfterHint: true,
	})
	idemMW := middleware.IdempotencyMiddleware(middleware.IdempotencyConfig{
		Redis: d.Redis,
		TTL:   cfg.Idempotency.TTL,
	})

	// routes
	v1 := e.Group("/v1")
	orders := v1.Group("/orders", customerMW, rlMW)
	orders.POST("", createOrderHandler(d.Orders, log), idemMW)
	orders.GET("", listOrdersHandler(d.Orders, log))
	orders.GET("/:id", getOrderHandler(d.Orders, log))
	v1.GET("/restaurants/:id/orders", restaurantOrdersHandler(d.Orders, log))

	return &Server{
		e: e,
		srv: &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           otelhttp.NewHandler(e, "http.server"),
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log,
	}
}

// Handler is the fully wrapped handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start blocks until the server stops; a graceful Shutdown returns nil.
func (s *Server) Start() error {
	s.log.Info("http: listening", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error { return s.srv.Shutdown(ctx) }

func requestLogger(log *zap.Logger) echo.MiddlewareFunc {
	return echoMid.RequestLoggerWithConfig(echoMid.RequestLoggerConfig{
		LogStatus:    true,
		LogMethod:    true,
		LogURIPath:   true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(_ echo.Context, v echoMid.RequestLoggerValues) error {
			log.Info("http_request",
				zap.String("request_id", v.RequestID),
				zap.String("method", v.Method),
				zap.String("path", v.URIPath),
				zap.Int("status", v.Status),
				zap.Int64("duration_ms", v.Latency.Milliseconds()),
			)
			return nil
		},
	})
}

func requestID(c echo.Context) string {
	if id := c.Response().Header().Get(echo.HeaderXRequestID); id != "" {
		return id
	}
	return c.Request().Header.Get(echo.HeaderXRequestID)
}
