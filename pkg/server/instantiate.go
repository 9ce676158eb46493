package server

import (
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/labstack/echo/v4"

	"loom/pkg/schema"
	"loom/pkg/utils"
)

type instantiateReq struct {
	Prompt string `json:"prompt"`
}

// POST /api/templates/:id/instantiate
//
// Streams every generated character and beat as its own event, then either a
// "done" event with the whole instantiation or an "error" event.
func (s *Server) handlePostInstantiate(c echo.Context) error {
	var req instantiateReq
	if err := c.Bind(&req); err != nil {
		log.Error("invalid JSON in /api/templates/:id/instantiate", "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, "invalid json")
	}
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "prompt is required")
	}

	ctx := c.Request().Context()
	id := c.Param("id")
	tpl, err := s.Store.GetTemplate(ctx, id)
	if err != nil {
		return httpError(err)
	}
	if len(tpl.CharacterArcTemplates) == 0 && len(tpl.PlotBeatTemplates) == 0 {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "template has no archetypes yet")
	}

	log.Info("starting instantiation", "template", id, "characters", len(tpl.CharacterArcTemplates), "beats", len(tpl.PlotBeatTemplates))
	w := utils.NewSSEWriter(c)
	defer w.Close()

	emit := func(e schema.GeneratedEntity) {
		event := "character"
		if e.Kind == schema.KindPlotBeat {
			event = "plot_beat"
		}
		if err := w.Event(event, e); err != nil {
			log.Warn("SSE write error", "error", err)
		}
	}

	gen, err := s.Pipeline.InstantiateFromTemplate(ctx, id, req.Prompt, emit)
	if err != nil {
		if ctx.Err() != nil {
			log.Warn("instantiation aborted after client disconnect", "template", id)
			return nil
		}
		log.Error("instantiation failed", "template", id, "error", err)
		return w.Event("error", utils.ErrJSON(err.Error()))
	}

	log.Info("instantiation finished", "template", id, "instantiation", gen.Instantiation.ID,
		"characters", len(gen.CharacterArcs), "beats", len(gen.PlotBeats))
	return w.Event("done", gen)
}
