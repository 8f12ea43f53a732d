// Package api exposes the controller over HTTP so scripts and other tools
// can drive sessions the same way voice does.
package api

import (
	"errors"
	"net/http"

	"voiceterm/internal/app"
	"voiceterm/internal/router"
	"voiceterm/internal/session"

	"github.com/labstack/echo/v4"
)

// Handler handles control API requests.
type Handler struct {
	app *app.App
}

// NewHandler creates a handler for a.
func NewHandler(a *app.App) *Handler {
	return &Handler{app: a}
}

// RegisterRoutes registers the control routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Health)

	e.GET("/sessions", h.ListSessions)
	e.POST("/sessions", h.CreateSession)
	e.DELETE("/sessions/:id", h.CloseSession)
	e.POST("/sessions/:id/activate", h.ActivateSession)
	e.GET("/sessions/:id/output", h.GetOutput)

	e.POST("/actions", h.DispatchAction)
	e.POST("/voice/transcript", h.SubmitTranscript)
	e.POST("/voice/toggle", h.ToggleVoice)

	e.GET("/metrics", h.GetMetrics)
}

// Health returns connection and voice state.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":     "healthy",
		"connection": h.app.ConnectionState(),
		"listening":  h.app.Listening(),
		"sessions":   len(h.app.Registry().List()),
	})
}

// ListSessions lists sessions in creation order.
// GET /sessions
func (h *Handler) ListSessions(c echo.Context) error {
	return c.JSON(http.StatusOK, h.app.Registry().List())
}

// CreateSessionRequest is the body of POST /sessions.
type CreateSessionRequest struct {
	Name string `json:"name"`
}

// CreateSession dispatches new-session and returns the new active session.
// POST /sessions
func (h *Handler) CreateSession(c echo.Context) error {
	var req CreateSessionRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		}
	}

	if err := h.app.Router().DispatchAction(c.Request().Context(), router.NewSession{Name: req.Name}); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	id, _ := h.app.Registry().Active()
	s, err := h.app.Registry().Get(id)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusCreated, s)
}

// CloseSession closes a session by id, active or not.
// DELETE /sessions/:id
func (h *Handler) CloseSession(c echo.Context) error {
	if err := h.app.Registry().Close(c.Request().Context(), c.Param("id")); err != nil {
		return c.JSON(statusFor(err), map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "closed"})
}

// ActivateSession makes a session the action target.
// POST /sessions/:id/activate
func (h *Handler) ActivateSession(c echo.Context) error {
	id := c.Param("id")
	if _, err := h.app.Registry().Get(id); err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}
	h.app.Registry().SetActive(id)
	return c.JSON(http.StatusOK, map[string]string{"active": id})
}

// GetOutput returns the buffered output of a session.
// GET /sessions/:id/output
func (h *Handler) GetOutput(c echo.Context) error {
	lines, err := h.app.Registry().Output(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}
	if lines == nil {
		lines = []session.Line{}
	}
	return c.JSON(http.StatusOK, lines)
}

// ActionRequest is the body of POST /actions.
type ActionRequest struct {
	Action    string `json:"action"`
	Parameter string `json:"parameter"`
}

// DispatchAction runs an action token against the active session.
// POST /actions
func (h *Handler) DispatchAction(c echo.Context) error {
	var req ActionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Action == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "action is required"})
	}

	err := h.app.Router().DispatchToken(c.Request().Context(), router.Token(req.Action), req.Parameter)
	if err != nil {
		return c.JSON(statusFor(err), map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"ok": true})
}

// TranscriptRequest is the body of POST /voice/transcript. A missing
// confidence counts as certain.
type TranscriptRequest struct {
	Transcript string   `json:"transcript"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// SubmitTranscript feeds a final transcript through the voice path.
// POST /voice/transcript
func (h *Handler) SubmitTranscript(c echo.Context) error {
	var req TranscriptRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Transcript == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "transcript is required"})
	}
	confidence := 1.0
	if req.Confidence != nil {
		confidence = *req.Confidence
	}

	matched := h.app.HandleTranscript(c.Request().Context(), req.Transcript, confidence)
	return c.JSON(http.StatusOK, map[string]interface{}{"matched": matched})
}

// ToggleVoice starts or stops recognition.
// POST /voice/toggle
func (h *Handler) ToggleVoice(c echo.Context) error {
	h.app.ToggleVoice()
	return c.JSON(http.StatusOK, map[string]interface{}{"listening": h.app.Listening()})
}

// GetMetrics returns the tracker snapshot.
// GET /metrics
func (h *Handler) GetMetrics(c echo.Context) error {
	snap := h.app.Tracker().Snapshot()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"metrics":     snap,
		"successRate": snap.SuccessRate(),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrClosing), errors.Is(err, router.ErrNoActiveContext):
		return http.StatusConflict
	case errors.Is(err, router.ErrUnknownAction), errors.Is(err, router.ErrMissingParameter):
		return http.StatusBadRequest
	case errors.Is(err, router.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnprocessableEntity
	}
}
