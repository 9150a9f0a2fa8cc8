// Package devbackend is a stand-in for the bus-operations service. It
// implements the two endpoints the app talks to, so the whole sign-in flow
// can run on a laptop.
package devbackend

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/lachlan2k/busline/internal/backend"
	"github.com/lachlan2k/busline/internal/config"
	"github.com/lachlan2k/busline/internal/logging"
	"github.com/lachlan2k/busline/internal/metrics"
)

const tokenIssuer = "busline-devbackend"

type Server struct {
	conf    *config.Config
	echo    *echo.Echo
	issuer  *backend.TokenIssuer
	users   *userRegistry
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func New(conf *config.Config, m *metrics.Metrics, logger *slog.Logger) *Server {
	s := &Server{
		conf: conf,
		echo: echo.New(),
		issuer: &backend.TokenIssuer{
			Secret:   []byte(conf.DevBackend.Secret),
			Lifetime: time.Duration(conf.DevBackend.TokenLifetime) * time.Second,
			Issuer:   tokenIssuer,
		},
		users:   newUserRegistry(),
		metrics: m,
		logger:  logging.Discard(logger).With("component", "devbackend"),
	}

	s.echo.HideBanner = true
	s.echo.HidePort = true

	s.echo.Use(middleware.RequestID())
	s.echo.Use(s.requestLogger())
	s.echo.Use(middleware.Recover())
	s.echo.Use(s.observeRequests)

	s.registerRoutes()
	return s
}

func (s *Server) requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				"request_id", v.RequestID,
			}
			if v.Error != nil {
				attrs = append(attrs, "error", v.Error)
			}
			s.logger.Info("request", attrs...)
			return nil
		},
	})
}

func (s *Server) observeRequests(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := next(c)
		status := c.Response().Status
		if he, ok := err.(*echo.HTTPError); ok {
			status = he.Code
		}
		route := c.Path()
		if route == "" {
			route = "unmatched"
		}
		s.metrics.ObserveDevBackendRequest(route, status)
		return err
	}
}

func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.conf.DevBackend.Port)
	s.logger.Info("development backend listening", "address", addr)

	err := s.echo.Start(addr)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
