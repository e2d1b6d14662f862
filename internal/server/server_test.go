package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/crawjud/internal/app"
	"github.com/ternarybob/crawjud/internal/common"
	"github.com/ternarybob/crawjud/internal/models"
)

func newTestServer(t *testing.T) (*app.App, *httptest.Server) {
	t.Helper()
	dir := t.TempDir()

	config := common.NewDefaultConfig()
	config.Storage.Badger.Path = filepath.Join(dir, "db")
	config.Jobs.WorkDir = filepath.Join(dir, "work")
	config.Artifacts.LocalDir = filepath.Join(dir, "archives")
	config.Janitor.Enabled = false

	application, err := app.New(context.Background(), config, arbor.NewLogger())
	require.NoError(t, err)
	t.Cleanup(func() { application.Close() })

	ts := httptest.NewServer(New(application).Handler())
	t.Cleanup(ts.Close)
	return application, ts
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestHealthListsNoRunningJobs(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + RouteHealth)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	body := decode(t, resp)
	assert.Equal(t, "ok", body["status"])
}

func TestJobRoutes(t *testing.T) {
	application, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+RouteJobs, "application/json",
		strings.NewReader(`{"category":"capa","system":"elaw","input":"in.xlsx"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "unknown bot")
	resp.Body.Close()

	resp, err = http.Post(ts.URL+RouteJobs, "application/json",
		strings.NewReader(`{"pid":"SRV00001","category":"capa","system":"pje","input":"in.xlsx"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "SRV00001", decode(t, resp)["pid"])

	resp, err = http.Get(ts.URL + RouteJobs + "/SRV00001")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "SRV00001", decode(t, resp)["pid"])

	resp, err = http.Post(ts.URL+RouteJobs+"/SRV00001/stop", "application/json", strings.NewReader(`{"reason":"operator"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, decode(t, resp)["stopped"])

	state, err := application.Tasks.GetTaskState(context.Background(), "SRV00001")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFinished, state.Status)

	resp, err = http.Get(ts.URL + RouteJobs + "/NOPE")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+RouteJobs+"/SRV00001", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	resp.Body.Close()
}

func TestFilesServesLocalArchives(t *testing.T) {
	application, ts := newTestServer(t)
	require.NoError(t, os.WriteFile(filepath.Join(application.ArtifactDir(), "JOB1.zip"), []byte("zipdata"), 0644))

	resp, err := http.Get(ts.URL + RouteFiles + "JOB1.zip")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "zipdata", string(data))
}

func TestRoomServerBypassesMiddleware(t *testing.T) {
	application, ts := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + RouteBotLogs
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	frame, err := models.NewRoomFrame(models.FrameJoinRoom, models.RoomRef{Room: "ROOM01"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(frame))
	assert.Eventually(t, func() bool { return application.RoomHub.RoomSize("ROOM01") == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestOptionsPreflight(t *testing.T) {
	_, ts := newTestServer(t)
	req, _ := http.NewRequest(http.MethodOptions, ts.URL+RouteJobs, nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}
