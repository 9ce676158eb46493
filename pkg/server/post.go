package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/labstack/echo/v4"

	"loom/pkg/queue"
	"loom/pkg/schema"
)

type chapterReq struct {
	Ordinal int    `json:"ordinal,omitempty"`
	Title   string `json:"title"`
	Text    string `json:"text"`
}

type workReq struct {
	Title    string       `json:"title"`
	Chapters []chapterReq `json:"chapters,omitempty"`
}

type workResp struct {
	Work     *schema.Work        `json:"work"`
	Chapters []schema.SourceUnit `json:"chapters"`
}

func (s *Server) handlePostWork(c echo.Context) error {
	var req workReq
	if err := c.Bind(&req); err != nil {
		log.Warn("invalid JSON in /api/works", "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, "invalid json")
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "title is required")
	}

	ctx := c.Request().Context()
	work := &schema.Work{Title: req.Title}
	if err := s.Store.CreateWork(ctx, work); err != nil {
		return httpError(err)
	}

	resp := workResp{Work: work, Chapters: []schema.SourceUnit{}}
	for i, ch := range req.Chapters {
		unit := &schema.SourceUnit{
			WorkID:  work.ID,
			Ordinal: max(ch.Ordinal, i+1),
			Title:   strings.TrimSpace(ch.Title),
			Text:    ch.Text,
		}
		if err := s.Store.CreateUnit(ctx, unit); err != nil {
			return httpError(err)
		}
		resp.Chapters = append(resp.Chapters, *unit)
	}
	log.Info("work created", "work", work.ID, "title", work.Title, "chapters", len(resp.Chapters))
	return c.JSON(http.StatusCreated, resp)
}

func (s *Server) handlePostChapter(c echo.Context) error {
	var req chapterReq
	if err := c.Bind(&req); err != nil {
		log.Warn("invalid JSON in /api/works/:id/chapters", "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, "invalid json")
	}
	if strings.TrimSpace(req.Text) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text is required")
	}

	ctx := c.Request().Context()
	workID := c.Param("id")
	if req.Ordinal <= 0 {
		units, err := s.Store.ListUnits(ctx, workID)
		if err != nil {
			return httpError(err)
		}
		req.Ordinal = 1
		if n := len(units); n > 0 {
			req.Ordinal = units[n-1].Ordinal + 1
		}
	}

	unit := &schema.SourceUnit{
		WorkID:  workID,
		Ordinal: req.Ordinal,
		Title:   strings.TrimSpace(req.Title),
		Text:    req.Text,
	}
	if err := s.Store.CreateUnit(ctx, unit); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, unit)
}

type runResp struct {
	Template *schema.Template `json:"template"`
	Job      queue.Job        `json:"job"`
}

// handlePostTemplate queues the pipeline for the work's template, creating the
// template on the first call. Stages already completed are skipped. The
// response returns immediately; progress is read from the status route.
func (s *Server) handlePostTemplate(c echo.Context) error {
	ctx := c.Request().Context()
	workID := c.Param("id")

	units, err := s.Store.ListUnits(ctx, workID)
	if err != nil {
		return httpError(err)
	}
	if len(units) == 0 {
		if _, err := s.Store.GetWork(ctx, workID); err != nil {
			return httpError(err)
		}
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "work has no chapters")
	}

	tpl, err := s.Pipeline.TemplateFor(ctx, workID)
	if err != nil {
		return httpError(err)
	}
	job, err := s.enqueueRun(workID, tpl.ID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, runResp{Template: tpl, Job: job})
}

// handlePostResume queues the pipeline again for an existing template. Stages
// already completed are skipped by the run itself.
func (s *Server) handlePostResume(c echo.Context) error {
	tpl, err := s.Store.GetTemplate(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	job, err := s.enqueueRun(tpl.WorkID, tpl.ID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, runResp{Template: tpl, Job: job})
}

func (s *Server) enqueueRun(workID, templateID string) (queue.Job, error) {
	return s.Queue.Enqueue("template "+templateID, func(ctx context.Context) error {
		return s.Pipeline.Run(ctx, workID, templateID)
	})
}
