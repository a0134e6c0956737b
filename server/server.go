// Package server is the thin localhost HTTP surface over the store and the
// chat controller. All invariants live below it; handlers translate HTTP
// to store/chat calls and map error classes to status codes.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/chatvault/chatvault/chat"
	"github.com/chatvault/chatvault/internal/pressure"
	"github.com/chatvault/chatvault/internal/profile"
	"github.com/chatvault/chatvault/store"
)

type Server struct {
	e          *echo.Echo
	profile    *profile.Profile
	store      *store.Store
	controller *chat.Controller
	monitor    *pressure.Monitor
}

// NewServer wires the HTTP routes. The prometheus registry carries the
// pressure gauges registered by the caller.
func NewServer(p *profile.Profile, st *store.Store, controller *chat.Controller, monitor *pressure.Monitor, registry *prometheus.Registry) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(requestLogger())
	e.Use(rateLimiter(20, 40))

	s := &Server{
		e:          e,
		profile:    p,
		store:      st,
		controller: controller,
		monitor:    monitor,
	}

	e.GET("/healthz", s.health)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	api := e.Group("/api/v1")
	api.GET("/conversations", s.listConversations)
	api.POST("/conversations", s.createConversation)
	api.GET("/conversations/:uid", s.getConversation)
	api.PUT("/conversations/:uid", s.saveConversation)
	api.DELETE("/conversations/:uid", s.deleteConversation)
	api.GET("/conversations/:uid/messages", s.listMessages)
	api.POST("/conversations/:uid/chat", s.chatStream)
	api.POST("/conversations/:uid/cancel", s.cancelChat)
	api.POST("/conversations/:uid/retry", s.retryChat)

	api.GET("/folders", s.listFolders)
	api.POST("/folders", s.createFolder)
	api.GET("/folders/:uid", s.getFolder)
	api.PUT("/folders/:uid", s.updateFolder)
	api.DELETE("/folders/:uid", s.deleteFolder)
	api.PUT("/folders/:uid/conversations/:cuid", s.addToFolder)
	api.DELETE("/folders/:uid/conversations/:cuid", s.removeFromFolder)

	return s
}

// Start blocks serving HTTP until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.profile.Addr, s.profile.Port)
	slog.Info("http server listening", "addr", addr, "mode", s.profile.Mode, "version", s.profile.Version)
	return s.e.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.e.Shutdown(ctx); err != nil {
		slog.Error("http shutdown failed", "error", err)
	}
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":   "ok",
		"version":  s.profile.Version,
		"pressure": s.monitor.Level().String(),
	})
}

func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			slog.Debug("http request",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", c.Response().Status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
			return err
		}
	}
}

// rateLimiter applies a per-client token bucket keyed by remote address.
func rateLimiter(rps rate.Limit, burst int) echo.MiddlewareFunc {
	var mu sync.Mutex
	limiters := make(map[string]*rate.Limiter)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ip := c.RealIP()
			mu.Lock()
			limiter, ok := limiters[ip]
			if !ok {
				limiter = rate.NewLimiter(rps, burst)
				limiters[ip] = limiter
			}
			mu.Unlock()

			if !limiter.Allow() {
				return c.JSON(http.StatusTooManyRequests, errorBody("rate limit exceeded"))
			}
			return next(c)
		}
	}
}
