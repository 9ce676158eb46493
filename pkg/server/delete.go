package server

import (
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/labstack/echo/v4"
)

// handleDeleteWork removes the work with its chapters, templates and
// everything generated from them.
func (s *Server) handleDeleteWork(c echo.Context) error {
	id := c.Param("id")
	if err := s.Store.DeleteWork(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	log.Info("work deleted", "work", id)
	return c.NoContent(http.StatusNoContent)
}
