package host

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

type createSessionRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type runCommandRequest struct {
	Input string `json:"input"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":   "healthy",
		"sessions": len(s.mgr.List()),
	})
}

func (s *Server) handleCreateSession(c echo.Context) error {
	var req createSessionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	info, created, err := s.mgr.Create(req.ID, req.Name)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrMaxSessions) {
			status = http.StatusConflict
		}
		return c.JSON(status, map[string]string{"error": err.Error()})
	}

	if !created {
		return c.JSON(http.StatusOK, info)
	}
	s.subscribeAllClients(info.ID)
	return c.JSON(http.StatusCreated, info)
}

func (s *Server) handleListSessions(c echo.Context) error {
	return c.JSON(http.StatusOK, s.mgr.List())
}

func (s *Server) handleGetSession(c echo.Context) error {
	info, err := s.mgr.Get(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
	}
	return c.JSON(http.StatusOK, info)
}

func (s *Server) handleHistory(c echo.Context) error {
	history, err := s.mgr.History(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
	}
	return c.JSON(http.StatusOK, history)
}

func (s *Server) handleRunCommand(c echo.Context) error {
	var req runCommandRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Input == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "input is required"})
	}

	if err := s.mgr.Run(c.Param("id"), req.Input); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, ErrNotFound):
			status = http.StatusNotFound
		case errors.Is(err, ErrBusy), errors.Is(err, ErrClosed):
			status = http.StatusConflict
		}
		return c.JSON(status, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) handleDeleteSession(c echo.Context) error {
	id := c.Param("id")
	if err := s.mgr.Close(id); err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}
	s.forgetSession(id)
	return c.JSON(http.StatusOK, map[string]string{"status": "closed"})
}
