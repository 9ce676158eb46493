package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"loom/pkg/pipeline"
	"loom/pkg/queue"
	"loom/pkg/store"
)

type Server struct {
	Echo     *echo.Echo
	Pipeline *pipeline.Service
	Store    store.Store
	Queue    queue.Queue
	Ctx      context.Context
}

func NewServer(ctx context.Context, svc *pipeline.Service, q queue.Queue) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	s := &Server{
		Echo:     e,
		Pipeline: svc,
		Store:    svc.Store(),
		Queue:    q,
		Ctx:      ctx,
	}

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.Echo.GET("/", s.handleGetRoot)

	api := s.Echo.Group("/api")

	api.POST("/works", s.handlePostWork)
	api.DELETE("/works/:id", s.handleDeleteWork)
	api.POST("/works/:id/chapters", s.handlePostChapter)
	api.GET("/works/:id/chapters", s.handleGetChapters)
	api.POST("/works/:id/templates", s.handlePostTemplate) // creates a template and queues its pipeline
	api.GET("/works/:id/templates", s.handleGetTemplates)

	api.GET("/templates/:id", s.handleGetTemplate)
	api.GET("/templates/:id/status", s.handleGetStatus)
	api.POST("/templates/:id/resume", s.handlePostResume)
	api.POST("/templates/:id/instantiate", s.handlePostInstantiate) // SSE
	api.GET("/templates/:id/diff/:other", s.handleGetDiff)

	api.GET("/instantiations/:id", s.handleGetInstantiation)
	api.GET("/jobs", s.handleGetJobs)
	api.GET("/jobs/:id", s.handleGetJob)
}

func (s *Server) Start(addr string) error {
	s.Queue.Start()
	log.Info("server listening", "addr", addr)
	return s.Echo.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Info("shutting down server")
	err := s.Echo.Shutdown(ctx)
	s.Queue.Stop()
	return err
}

// httpError maps pipeline and store errors onto status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, pipeline.ErrEmptyPrompt):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, pipeline.ErrNoExtractableContent), errors.Is(err, pipeline.ErrEmptyTemplate):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, queue.ErrFull), errors.Is(err, queue.ErrStopped):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	log.Error("request failed", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}
