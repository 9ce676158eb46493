package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"loom/pkg/diff"
	"loom/pkg/schema"
)

func (s *Server) handleGetRoot(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"service": "Loom Template API",
		"status":  "ok",
	})
}

func (s *Server) handleGetChapters(c echo.Context) error {
	ctx := c.Request().Context()
	workID := c.Param("id")
	if _, err := s.Store.GetWork(ctx, workID); err != nil {
		return httpError(err)
	}
	units, err := s.Store.ListUnits(ctx, workID)
	if err != nil {
		return httpError(err)
	}
	if units == nil {
		units = []schema.SourceUnit{}
	}
	return c.JSON(http.StatusOK, units)
}

func (s *Server) handleGetTemplates(c echo.Context) error {
	ctx := c.Request().Context()
	workID := c.Param("id")
	if _, err := s.Store.GetWork(ctx, workID); err != nil {
		return httpError(err)
	}
	templates, err := s.Store.ListTemplates(ctx, workID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, templates)
}

func (s *Server) handleGetTemplate(c echo.Context) error {
	tpl, err := s.Store.GetTemplate(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, tpl)
}

func (s *Server) handleGetStatus(c echo.Context) error {
	status, err := s.Pipeline.GetPipelineStatus(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, status)
}

func (s *Server) handleGetDiff(c echo.Context) error {
	ctx := c.Request().Context()
	oldT, err := s.Store.GetTemplate(ctx, c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	newT, err := s.Store.GetTemplate(ctx, c.Param("other"))
	if err != nil {
		return httpError(err)
	}
	if oldT.WorkID != newT.WorkID {
		return echo.NewHTTPError(http.StatusBadRequest, "templates belong to different works")
	}
	return c.JSON(http.StatusOK, diff.Templates(oldT, newT))
}

func (s *Server) handleGetInstantiation(c echo.Context) error {
	gen, err := s.Store.GetInstantiation(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, gen)
}

func (s *Server) handleGetJobs(c echo.Context) error {
	return c.JSON(http.StatusOK, s.Queue.List())
}

func (s *Server) handleGetJob(c echo.Context) error {
	job, ok := s.Queue.Get(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "job not found")
	}
	return c.JSON(http.StatusOK, job)
}
