package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"voiceterm/internal/app"
	"voiceterm/internal/config"
	"voiceterm/internal/session"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*echo.Echo, *app.App) {
	t.Helper()
	cfg, err := config.Decode(config.New())
	require.NoError(t, err)
	cfg.Host.URL = ""
	cfg.Metrics.SlowThreshold = 0

	a, err := app.New(cfg, app.Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { a.Stop(context.Background()) })

	return NewServer(a, zerolog.Nop()), a
}

func do(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestHealth(t *testing.T) {
	e, _ := newTestServer(t)
	rec := do(e, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	decode(t, rec, &body)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, app.StateOffline, body["connection"])
	assert.Equal(t, false, body["listening"])
}

func TestSessionLifecycle(t *testing.T) {
	e, a := newTestServer(t)

	rec := do(e, http.MethodPost, "/sessions", `{"name":"build"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created session.Session
	decode(t, rec, &created)
	assert.Equal(t, "build", created.Name)
	assert.True(t, created.Active)

	rec = do(e, http.MethodPost, "/sessions", "")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(e, http.MethodGet, "/sessions", "")
	var list []session.Session
	decode(t, rec, &list)
	require.Len(t, list, 2)

	rec = do(e, http.MethodPost, "/sessions/"+created.ID+"/activate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	active, _ := a.Registry().Active()
	assert.Equal(t, created.ID, active)

	rec = do(e, http.MethodDelete, "/sessions/"+created.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, a.Registry().List(), 1)

	rec = do(e, http.MethodDelete, "/sessions/"+created.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUnknownSession(t *testing.T) {
	e, _ := newTestServer(t)

	assert.Equal(t, http.StatusNotFound, do(e, http.MethodPost, "/sessions/nope/activate", "").Code)
	assert.Equal(t, http.StatusNotFound, do(e, http.MethodGet, "/sessions/nope/output", "").Code)
}

func TestDispatchAction(t *testing.T) {
	e, a := newTestServer(t)

	rec := do(e, http.MethodPost, "/actions", `{"action":"clear"}`)
	assert.Equal(t, http.StatusConflict, rec.Code, "no active session")

	rec = do(e, http.MethodPost, "/actions", `{"action":"teleport"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(e, http.MethodPost, "/actions", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	id := a.Registry().Create("logs")
	a.Registry().SetActive(id)
	a.Registry().AppendOutput(id, session.Line{Content: "old", Source: session.SourceStdout})

	rec = do(e, http.MethodPost, "/actions", `{"action":"clear"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(e, http.MethodGet, "/sessions/"+id+"/output", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var lines []session.Line
	decode(t, rec, &lines)
	assert.Empty(t, lines)

	// Execute needs a host.
	rec = do(e, http.MethodPost, "/actions", `{"action":"execute","parameter":"ls"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSubmitTranscript(t *testing.T) {
	e, a := newTestServer(t)

	rec := do(e, http.MethodPost, "/voice/transcript", `{"transcript":"new terminal"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]bool
	decode(t, rec, &body)
	assert.True(t, body["matched"])
	assert.Len(t, a.Registry().List(), 1)

	rec = do(e, http.MethodPost, "/voice/transcript", `{"transcript":"new terminal","confidence":0.1}`)
	decode(t, rec, &body)
	assert.False(t, body["matched"])
	assert.Len(t, a.Registry().List(), 1)

	rec = do(e, http.MethodPost, "/voice/transcript", `{"transcript":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetMetrics(t *testing.T) {
	e, _ := newTestServer(t)
	do(e, http.MethodPost, "/voice/transcript", `{"transcript":"new terminal"}`)
	do(e, http.MethodPost, "/voice/transcript", `{"transcript":"xyzzy"}`)

	rec := do(e, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Metrics struct {
			TotalCommands  uint64 `json:"totalCommands"`
			UnmatchedVoice uint64 `json:"unmatchedVoice"`
		} `json:"metrics"`
		SuccessRate float64 `json:"successRate"`
	}
	decode(t, rec, &body)
	assert.Equal(t, uint64(1), body.Metrics.TotalCommands)
	assert.Equal(t, uint64(1), body.Metrics.UnmatchedVoice)
	assert.Equal(t, 100.0, body.SuccessRate)
}

func TestToggleVoiceWithoutEngine(t *testing.T) {
	e, _ := newTestServer(t)
	rec := do(e, http.MethodPost, "/voice/toggle", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
