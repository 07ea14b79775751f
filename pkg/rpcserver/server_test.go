package rpcserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jontk/boinc-corekeeper/internal/core"
)

func newTestContext(t *testing.T) *core.Context {
	t.Helper()
	ctx := core.NewContext(nil, nil, nil, nil, nil, nil, core.DefaultConfig())
	p, err := ctx.Graph.AttachProject("https://example.org/proj", "Example", 100)
	require.NoError(t, err)
	p.REC = 42
	return ctx
}

func TestNewServerRegistersRoutes(t *testing.T) {
	s := New(newTestContext(t), nil)
	require.NotNil(t, s)
	require.NotNil(t, s.router)
}

func TestHandleStatus(t *testing.T) {
	s := New(newTestContext(t), nil)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.ProjectCount)
	assert.Equal(t, 1, resp.ResourceCount)
}

func TestHandleProjects(t *testing.T) {
	s := New(newTestContext(t), nil)
	req := httptest.NewRequest(http.MethodGet, "/projects", nil)
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp []projectView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, 1)
	assert.Equal(t, "https://example.org/proj", resp[0].MasterURL)
	assert.Equal(t, float64(42), resp[0].REC)
}

func TestHandleResources(t *testing.T) {
	s := New(newTestContext(t), nil)
	req := httptest.NewRequest(http.MethodGet, "/resources", nil)
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp []resourceView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, 1)
	assert.Equal(t, "CPU", resp[0].Kind)
}

func TestHandleSchedule_NoSimYet(t *testing.T) {
	s := New(newTestContext(t), nil)
	req := httptest.NewRequest(http.MethodGet, "/schedule", nil)
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp scheduleView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.MissedResults)
}

func TestPublishTick_BroadcastsSinceTimestamp(t *testing.T) {
	c := newTestContext(t)
	s := New(c, nil)

	since := time.Now().Add(-time.Minute)
	c.Events().Emit(core.Event{Kind: core.EventNotice, Time: time.Now(), Message: "hello"})

	assert.NotPanics(t, func() { s.PublishTick(since) })
}
