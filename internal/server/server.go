// Package server assembles the echo instance that carries every HTTP route.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/cateringcrm/omnichannel/internal/auth"
	"github.com/cateringcrm/omnichannel/internal/config"
)

// Handler registers a set of routes.
type Handler interface {
	Register(e *echo.Echo)
}

type Server struct {
	echo *echo.Echo
	addr string
}

var (
	jwtExactSkipPaths = map[string]struct{}{
		"/ping":       {},
		"/health":     {},
		"/ai/webhook": {},
	}
	jwtPrefixSkipPaths = []string{
		"/communications/webhook/",
		"/media/",
	}
	// Routes the RAG service may call with its API key instead of a JWT.
	serviceKeyRoutes = map[string]struct{}{
		"/communications/send": {},
	}
)

// NewServer builds the server. serviceKey may be nil when the RAG service
// never calls back through the send API.
func NewServer(log *slog.Logger, cfg config.Config, serviceKey auth.ServiceKeyFunc, handlers ...Handler) *Server {
	if log == nil {
		log = slog.Default()
	}
	addr := cfg.Server.Addr
	if addr == "" {
		addr = config.DefaultHTTPAddr
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus: true,
		LogURI:    true,
		LogMethod: true,
		Skipper: func(c echo.Context) bool {
			return c.Request().URL.Path == "/ping"
		},
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Info("request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("remote_ip", c.RealIP()),
			)
			return nil
		},
	}))
	if cfg.Server.BodyLimitBytes > 0 {
		e.Use(middleware.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyLimitBytes)))
	}
	if len(cfg.Server.AllowedOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: cfg.Server.AllowedOrigins,
			AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType},
		}))
	}

	skippers := []middleware.Skipper{func(c echo.Context) bool {
		return shouldSkipJWT(c.Request().URL.Path)
	}}
	if serviceKey != nil {
		skippers = append(skippers, auth.ServiceKeySkipper(serviceKey, func(path string) bool {
			_, ok := serviceKeyRoutes[path]
			return ok
		}))
	}
	e.Use(auth.JWTMiddleware(cfg.Auth.JWTSecret, auth.Skippers(skippers...)))

	for _, h := range handlers {
		if h != nil {
			h.Register(e)
		}
	}
	return &Server{echo: e, addr: addr}
}

// Echo exposes the underlying instance.
func (s *Server) Echo() *echo.Echo { return s.echo }

func (s *Server) Start() error {
	return s.echo.Start(s.addr)
}

func (s *Server) Stop(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func shouldSkipJWT(path string) bool {
	if _, ok := jwtExactSkipPaths[path]; ok {
		return true
	}
	for _, prefix := range jwtPrefixSkipPaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
