package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-ai/maestro/pkg/agent"
	"github.com/maestro-ai/maestro/pkg/checkpoint"
	"github.com/maestro-ai/maestro/pkg/retry"
	"github.com/maestro-ai/maestro/pkg/run"
	"github.com/maestro-ai/maestro/pkg/stream"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server, checkpoint.Checkpointer) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := agent.NewRegistry()
	for _, a := range []agent.Agent{agent.NewSearch(), agent.NewAnalytics(), agent.NewDocument(), agent.NewCompliance()} {
		require.NoError(t, reg.Register(a))
	}

	cp := checkpoint.NewMemory()
	opts := run.DefaultOptions()
	opts.Policy = retry.Policy{Kind: retry.PolicyExponential, MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}

	controller := run.NewController(reg, cp, opts)
	srv := NewServer(controller, stream.NewConnectionManager(5*time.Second), cp, reg)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return srv, ts, cp
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestInvoke_Sync(t *testing.T) {
	_, ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/graph/invoke", map[string]any{
		"input": map[string]string{"message": "analyze last quarter sales"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeJSON(t, resp)
	assert.Equal(t, true, body["is_complete"])
	assert.NotEmpty(t, body["thread_id"])

	results, ok := body["results"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, results, "analytics")
}

func TestInvoke_EmptyInput(t *testing.T) {
	_, ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/graph/invoke", map[string]any{
		"input": map[string]string{"message": ""},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body := decodeJSON(t, resp)
	assert.Equal(t, "invalid_input", body["kind"])
}

func TestInvoke_MalformedBody(t *testing.T) {
	_, ts, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/v1/graph/invoke", "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestInvoke_ReusesThread(t *testing.T) {
	_, ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/graph/invoke", map[string]any{
		"input": map[string]string{"message": "analyze last quarter sales"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	threadID := decodeJSON(t, resp)["thread_id"].(string)

	resp = postJSON(t, ts.URL+"/api/v1/graph/invoke", map[string]any{
		"input":     map[string]string{"message": "find competitor info"},
		"thread_id": threadID,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, threadID, decodeJSON(t, resp)["thread_id"])
}

func TestHealth(t *testing.T) {
	_, ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeJSON(t, resp)
	assert.Equal(t, "healthy", body["status"])
	assert.Contains(t, body["version"], "maestro/")
	assert.Len(t, body["agents"], 4)
}

func TestThreadEndpoints(t *testing.T) {
	_, ts, _ := newTestServer(t)

	// Run once to create checkpoints.
	resp := postJSON(t, ts.URL+"/api/v1/graph/invoke", map[string]any{
		"input": map[string]string{"message": "analyze last quarter sales"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	threadID := decodeJSON(t, resp)["thread_id"].(string)

	// Checkpoints are listed newest first.
	resp, err := http.Get(ts.URL + "/api/v1/threads/" + threadID + "/checkpoints")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeJSON(t, resp)
	assert.Equal(t, threadID, body["thread_id"])
	assert.NotEmpty(t, body["checkpoints"])

	// Latest state is the terminal snapshot.
	resp, err = http.Get(ts.URL + "/api/v1/threads/" + threadID + "/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st := decodeJSON(t, resp)
	assert.Equal(t, true, st["is_complete"])

	// Delete forgets the session.
	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/threads/"+threadID, nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/v1/threads/" + threadID + "/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetThreadState_Unknown(t *testing.T) {
	_, ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/threads/nope/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebSocket_InvokeStreamsRun(t *testing.T) {
	_, ts, _ := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+ts.URL[len("http"):]+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	readMsg := func() map[string]any {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var msg map[string]any
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	}

	hello := readMsg()
	require.Equal(t, "connection.established", hello["type"])

	invoke, _ := json.Marshal(map[string]string{"type": "invoke", "input": "analyze last quarter sales"})
	require.NoError(t, conn.Write(ctx, websocket.MessageText, invoke))

	// execution_plan arrives first, complete arrives last.
	first := readMsg()
	assert.Equal(t, "execution_plan", first["type"])

	var sawComplete bool
	for i := 0; i < 20 && !sawComplete; i++ {
		msg := readMsg()
		if msg["type"] == "complete" {
			sawComplete = true
			assert.NotEmpty(t, msg["thread_id"])
			results := msg["results"].(map[string]any)
			assert.Contains(t, results, "analytics")
		}
	}
	assert.True(t, sawComplete, "expected a complete event")
}
