package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/memohai/chatgate/internal/auth"
)

// AdminPrefix is the only path tree guarded by JWT. Platform callbacks carry their
// own verification and must stay reachable without a token.
const AdminPrefix = "/admin"

// Handler registers its routes on the shared echo instance.
type Handler interface {
	Register(e *echo.Echo)
}

type Server struct {
	echo   *echo.Echo
	addr   string
	logger *slog.Logger
}

func NewServer(log *slog.Logger, addr string, jwtSecret string, handlers ...Handler) *Server {
	if log == nil {
		log = slog.Default()
	}
	if addr == "" {
		addr = ":8080"
	}
	logger := log.With(slog.String("component", "http"))

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				logger.Warn("request failed", append(attrs, slog.Any("error", v.Error))...)
				return nil
			}
			logger.Debug("request", attrs...)
			return nil
		},
	}))
	if strings.TrimSpace(jwtSecret) != "" {
		e.Use(auth.JWTMiddleware(jwtSecret, func(c echo.Context) bool {
			return shouldSkipJWT(c.Request().URL.Path)
		}))
	} else {
		logger.Warn("jwt secret not set, admin api disabled")
	}

	for _, h := range handlers {
		if h != nil {
			h.Register(e)
		}
	}

	return &Server{
		echo:   e,
		addr:   addr,
		logger: logger,
	}
}

func shouldSkipJWT(path string) bool {
	return path != AdminPrefix && !strings.HasPrefix(path, AdminPrefix+"/")
}

// Echo exposes the router for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start blocks serving HTTP until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", slog.String("addr", s.addr))
	if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
