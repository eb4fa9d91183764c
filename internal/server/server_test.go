package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "github.com/validlab/slotd/internal/errors"
	"github.com/validlab/slotd/pkg/notify"
	"github.com/validlab/slotd/pkg/slot"
	"github.com/validlab/slotd/pkg/supervisor"
	"github.com/validlab/slotd/pkg/testlog"
)

func newTestServer(t *testing.T, count int) (*Server, *supervisor.Supervisor) {
	t.Helper()
	store := slot.NewStore(filepath.Join(t.TempDir(), "slots.json"))
	reg, err := slot.NewRegistry(count, store, zap.NewNop())
	require.NoError(t, err)

	disp := notify.NewDispatcher(zap.NewNop(), time.Second)
	logs := testlog.NewManager(filepath.Join(t.TempDir(), "logs"))
	sup := supervisor.New(reg, disp, logs, supervisor.Config{
		LogDir:    logs.BaseDir(),
		StopGrace: 2 * time.Second,
	}, zap.NewNop())

	srv := New(Options{
		Host:           "127.0.0.1",
		Port:           0,
		MetricsEnabled: true,
		PollInterval:   3 * time.Second,
	}, reg, sup, zap.NewNop())
	return srv, sup
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeErrorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp apperrors.HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return string(resp.Error.Code)
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/bash\n"+body), 0755))
	return path
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, 2)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, 2)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "slotd_")
}

func TestConfigEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, 4)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/config", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, 4, body["num_slots"])
	assert.EqualValues(t, 3000, body["refresh_interval"])
}

func TestListSlots(t *testing.T) {
	srv, _ := newTestServer(t, 3)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/slots/", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Slots []slot.Slot `json:"slots"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Slots, 3)
	for i, sl := range body.Slots {
		assert.Equal(t, i, sl.ID)
		assert.Equal(t, slot.StatusIdle, sl.Status)
	}
}

func TestGetSlot(t *testing.T) {
	srv, _ := newTestServer(t, 2)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/slots/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var sl slot.Slot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sl))
	assert.Equal(t, 1, sl.ID)
}

func TestGetSlot_UnknownID(t *testing.T) {
	srv, _ := newTestServer(t, 2)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/slots/99", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(apperrors.CodeNotFound), decodeErrorCode(t, rec))
}

func TestGetSlot_NonNumericID(t *testing.T) {
	srv, _ := newTestServer(t, 2)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/slots/abc", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(apperrors.CodeInvalidRequest), decodeErrorCode(t, rec))
}

func TestLaunchEndpoint_FullRun(t *testing.T) {
	srv, sup := newTestServer(t, 2)
	script := writeScript(t, `
echo "progress: 100%"
exit 0
`)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/slots/0/launch", supervisor.LaunchRequest{
		Owner:      "alice",
		TestCase:   "Smoke",
		ScriptPath: script,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var sl slot.Slot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sl))
	assert.Equal(t, slot.StatusRunning, sl.Status)
	assert.Equal(t, "alice", sl.Owner)

	sup.Wait()

	rec = doJSON(t, srv.Handler(), http.MethodGet, "/api/slots/0", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sl))
	assert.Equal(t, slot.StatusSuccess, sl.Status)
	assert.Equal(t, 100, sl.Progress)
}

func TestLaunchEndpoint_MissingScript(t *testing.T) {
	srv, _ := newTestServer(t, 1)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/slots/0/launch", supervisor.LaunchRequest{
		Owner:      "alice",
		ScriptPath: "/no/such/script.sh",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(apperrors.CodeInvalidRequest), decodeErrorCode(t, rec))
}

func TestLaunchEndpoint_BusySlot(t *testing.T) {
	srv, sup := newTestServer(t, 1)
	script := writeScript(t, `sleep 30`)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/slots/0/launch", supervisor.LaunchRequest{
		Owner:      "alice",
		ScriptPath: script,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv.Handler(), http.MethodPost, "/api/slots/0/launch", supervisor.LaunchRequest{
		Owner:      "mallory",
		ScriptPath: script,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(apperrors.CodeAlreadyRunning), decodeErrorCode(t, rec))

	rec = doJSON(t, srv.Handler(), http.MethodPost, "/api/slots/0/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sup.Wait()
}

func TestLaunchEndpoint_MalformedBody(t *testing.T) {
	srv, _ := newTestServer(t, 1)

	req := httptest.NewRequest(http.MethodPost, "/api/slots/0/launch", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(apperrors.CodeInvalidRequest), decodeErrorCode(t, rec))
}

func TestSetupAndClearEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, 1)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/slots/0/setup", supervisor.LaunchRequest{
		Owner:      "alice",
		TestCase:   "Endurance",
		ScriptPath: "/opt/tests/endurance.sh",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var sl slot.Slot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sl))
	assert.Equal(t, "alice", sl.Owner)
	assert.Equal(t, "Endurance", sl.TestCase)

	rec = doJSON(t, srv.Handler(), http.MethodPost, "/api/slots/0/clear", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sl))
	assert.Empty(t, sl.Owner)
	assert.Equal(t, "Endurance", sl.TestCase)
}

func TestResetAllEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, 3)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/slots/0/setup", supervisor.LaunchRequest{Owner: "alice"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv.Handler(), http.MethodPost, "/api/slots/reset-all", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Slots []slot.Slot `json:"slots"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Slots, 3)
	for _, sl := range body.Slots {
		assert.Equal(t, slot.StatusIdle, sl.Status)
		assert.Empty(t, sl.Owner)
	}
}

func TestUnknownRoute(t *testing.T) {
	srv, _ := newTestServer(t, 1)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(apperrors.CodeNotFound), decodeErrorCode(t, rec))
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t, 1)

	rec := doJSON(t, srv.Handler(), http.MethodDelete, "/api/slots/0/launch", nil)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, string(apperrors.CodeMethodNotAllowed), decodeErrorCode(t, rec))
}

func TestMetricsDisabled(t *testing.T) {
	store := slot.NewStore(filepath.Join(t.TempDir(), "slots.json"))
	reg, err := slot.NewRegistry(1, store, zap.NewNop())
	require.NoError(t, err)
	srv := New(Options{Host: "127.0.0.1"}, reg, nil, zap.NewNop())

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
