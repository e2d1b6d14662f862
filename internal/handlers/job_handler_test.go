package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/crawjud/internal/models"
)

type mockJobs struct {
	mock.Mock
}

func (m *mockJobs) Submit(ctx context.Context, jc models.JobConfig) (string, error) {
	args := m.Called(jc)
	return args.String(0), args.Error(1)
}

func (m *mockJobs) Status(ctx context.Context, pid string) (models.JobSnapshot, error) {
	args := m.Called(pid)
	return args.Get(0).(models.JobSnapshot), args.Error(1)
}

func (m *mockJobs) Stop(ctx context.Context, pid, reason string) (bool, error) {
	args := m.Called(pid, reason)
	return args.Bool(0), args.Error(1)
}

func (m *mockJobs) Running() []string {
	return m.Called().Get(0).([]string)
}

func TestCreateJobHandler(t *testing.T) {
	jobs := &mockJobs{}
	jobs.On("Submit", mock.MatchedBy(func(jc models.JobConfig) bool { return jc.System == "pje" })).Return("A1B2C3D4", nil)
	jobs.On("Submit", mock.MatchedBy(func(jc models.JobConfig) bool { return jc.System == "elaw" })).
		Return("", &models.ConfigError{Field: "system", Err: models.ErrUnknownBot})
	jobs.On("Submit", mock.MatchedBy(func(jc models.JobConfig) bool { return jc.System == "esaj" })).
		Return("", fmt.Errorf("%w: X is queued", models.ErrJobExists))
	h := NewJobHandler(jobs, arbor.NewLogger())

	cases := []struct {
		body   string
		status int
	}{
		{`{"category":"capa","system":"pje","input":"in.xlsx"}`, http.StatusAccepted},
		{`{"category":"capa","system":"elaw","input":"in.xlsx"}`, http.StatusBadRequest},
		{`{"category":"capa","system":"esaj","input":"in.xlsx"}`, http.StatusConflict},
		{`{"category":`, http.StatusBadRequest},
		{`{"unknown":"field"}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		h.CreateJobHandler(rec, httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(tc.body)))
		assert.Equal(t, tc.status, rec.Code, tc.body)
	}

	rec := httptest.NewRecorder()
	h.CreateJobHandler(rec, httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(cases[0].body)))
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "A1B2C3D4", resp["pid"])

	rec = httptest.NewRecorder()
	h.CreateJobHandler(rec, httptest.NewRequest(http.MethodGet, "/api/jobs", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestGetJobHandler(t *testing.T) {
	jobs := &mockJobs{}
	jobs.On("Status", "A1B2C3D4").Return(models.JobSnapshot{PID: "A1B2C3D4", Status: models.JobStatusRunning, TotalRows: 10, Remaining: 4}, nil)
	jobs.On("Status", "MISSING").Return(models.JobSnapshot{}, fmt.Errorf("task state MISSING: %w", models.ErrNotFound))
	h := NewJobHandler(jobs, arbor.NewLogger())

	rec := httptest.NewRecorder()
	h.GetJobHandler(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/A1B2C3D4", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var snap models.JobSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, models.JobStatusRunning, snap.Status)
	assert.Equal(t, 4, snap.Remaining)

	rec = httptest.NewRecorder()
	h.GetJobHandler(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/MISSING", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStopJobHandler(t *testing.T) {
	jobs := &mockJobs{}
	jobs.On("Stop", "A1B2C3D4", "requested via API").Return(true, nil).Once()
	jobs.On("Stop", "A1B2C3D4", "operador").Return(false, nil).Once()
	h := NewJobHandler(jobs, arbor.NewLogger())

	rec := httptest.NewRecorder()
	h.StopJobHandler(rec, httptest.NewRequest(http.MethodPost, "/api/jobs/A1B2C3D4/stop", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"stopped":true`)

	rec = httptest.NewRecorder()
	h.StopJobHandler(rec, httptest.NewRequest(http.MethodPost, "/api/jobs/A1B2C3D4/stop", strings.NewReader(`{"reason":"operador"}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"stopped":false`)
	jobs.AssertExpectations(t)
}

func TestHealthHandler(t *testing.T) {
	jobs := &mockJobs{}
	jobs.On("Running").Return([]string{"A1B2C3D4"})
	h := NewJobHandler(jobs, arbor.NewLogger())

	rec := httptest.NewRecorder()
	h.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	assert.Contains(t, rec.Body.String(), "A1B2C3D4")
}

func TestPathParam(t *testing.T) {
	assert.Equal(t, "AB12", PathParam("/api/jobs/AB12/stop", "/api/jobs/"))
	assert.Equal(t, "AB12", PathParam("/api/jobs/AB12", "/api/jobs/"))
	assert.Equal(t, "", PathParam("/api/other", "/api/jobs/"))
}
