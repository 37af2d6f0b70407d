package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LumiOpen/dispatcher/internal/dispatcher/logging"
	"github.com/LumiOpen/dispatcher/internal/dispatcher/queue"
	"github.com/LumiOpen/dispatcher/internal/dispatcher/reader"
	"github.com/LumiOpen/dispatcher/internal/dispatcher/writer"
)

func newTestServer(t *testing.T, input string) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	inPath := filepath.Join(dir, "in.txt")
	outPath := filepath.Join(dir, "out.txt")
	require.NoError(t, os.WriteFile(inPath, []byte(input), 0644))

	w, err := writer.Open(outPath)
	require.NoError(t, err)
	r, err := reader.Open(inPath)
	require.NoError(t, err)
	require.NoError(t, r.Skip(w.ResumePosition()))

	core := queue.New(r, w, queue.DefaultConfig())
	log := logging.New(logging.DefaultConfig())
	return New(core, log, nil, 256), outPath
}

func doJSON(t *testing.T, router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestGetWorkReturnsBatch(t *testing.T) {
	s, _ := newTestServer(t, "alpha\nbeta\n")

	rec := doJSON(t, s.Router(), http.MethodPost, "/get_work", getWorkRequest{BatchSize: 2})
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp getWorkResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "OK", resp.Status)
	require.Len(t, resp.Items, 2)
	assert.Equal(t, "alpha", resp.Items[0].Content)
}

func TestGetWorkRejectsBadBatchSize(t *testing.T) {
	s, _ := newTestServer(t, "alpha\n")

	rec := doJSON(t, s.Router(), http.MethodPost, "/get_work", getWorkRequest{BatchSize: 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitResultThenStatusReflectsCompletion(t *testing.T) {
	s, outPath := newTestServer(t, "alpha\n")

	rec := doJSON(t, s.Router(), http.MethodPost, "/get_work", getWorkRequest{BatchSize: 1})
	require.Equal(t, http.StatusOK, rec.Code)

	submitBody := map[string]interface{}{
		"items": []map[string]interface{}{{"work_id": 0, "result": "ahpla"}},
	}
	rec = doJSON(t, s.Router(), http.MethodPost, "/submit_result", submitBody)
	require.Equal(t, http.StatusOK, rec.Code)

	var submitResp submitResultResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitResp))
	assert.Equal(t, 1, submitResp.Count)

	rec = doJSON(t, s.Router(), http.MethodGet, "/status", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var snap queue.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, 1, snap.Completed)

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, "ahpla\n", string(data))
}

func TestGetWorkAllWorkCompleteOnEmptyInput(t *testing.T) {
	s, _ := newTestServer(t, "")

	rec := doJSON(t, s.Router(), http.MethodPost, "/get_work", getWorkRequest{BatchSize: 1})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp getWorkResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ALL_WORK_COMPLETE", resp.Status)
}

func TestWorkTimeoutUpdatesCore(t *testing.T) {
	s, _ := newTestServer(t, "alpha\n")

	rec := doJSON(t, s.Router(), http.MethodPost, "/work_timeout", workTimeoutRequest{Timeout: 42})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp workTimeoutResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 42, resp.Timeout)
}

func TestMalformedRequestReturns400(t *testing.T) {
	s, _ := newTestServer(t, "alpha\n")

	req := httptest.NewRequest(http.MethodPost, "/get_work", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t, "alpha\n")
	rec := doJSON(t, s.Router(), http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
