package api

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcmartin/stepflow/pkg/auth"
	"github.com/tcmartin/stepflow/pkg/config"
	"github.com/tcmartin/stepflow/pkg/models"
	"github.com/tcmartin/stepflow/pkg/registry"
	"github.com/tcmartin/stepflow/pkg/runtime"
	"github.com/tcmartin/stepflow/pkg/services"
)

func startReview(t *testing.T, h *harness, input string) ExecutionResponse {
	t.Helper()
	resp := h.do(t, http.MethodPost, "/api/v1/flows/review/executions", ExecutionRequest{
		Input: input,
		Wait:  true,
		Credentials: auth.Credentials{
			"fake": {APIKey: "key-123"},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decode[ExecutionResponse](t, resp)
}

func eventTypes(events []models.Event) []models.EventType {
	out := make([]models.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	resp := h.do(t, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[map[string]interface{}](t, resp)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 3, body["flows"])
	assert.EqualValues(t, 0, body["sessions"])
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestFlowEndpoints(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodGet, "/api/v1/flows", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	infos := decode[[]registry.FlowInfo](t, resp)
	require.Len(t, infos, 3)
	assert.Equal(t, "dialog", infos[0].ID)

	resp = h.do(t, http.MethodGet, "/api/v1/flows/review", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	info := decode[registry.FlowInfo](t, resp)
	assert.Equal(t, []string{"prepare", "draft"}, info.Steps)
	assert.Equal(t, []string{"confirm", "extend"}, info.Checkpoints["draft"])

	resp = h.do(t, http.MethodGet, "/api/v1/flows/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "flow_not_found", decode[ErrorResponse](t, resp).Code)

	resp = h.do(t, http.MethodGet, "/api/v1/schema", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	schema, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(schema), `"steps"`)
}

func TestCreateAndDeleteFlow(t *testing.T) {
	h := newHarness(t)

	doc := "id: echo\nsteps:\n  - {id: a, type: transform, operation: passthrough}\n"
	resp := h.do(t, http.MethodPost, "/api/v1/flows", doc, "Content-Type", "application/yaml")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "echo", decode[registry.FlowInfo](t, resp).ID)

	resp = h.do(t, http.MethodPost, "/api/v1/flows", map[string]string{"content": "id: bad\nsteps: []\n"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_definition", decode[ErrorResponse](t, resp).Code)

	resp = h.do(t, http.MethodDelete, "/api/v1/flows/echo", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = h.do(t, http.MethodDelete, "/api/v1/flows/echo", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = h.do(t, http.MethodDelete, "/api/v1/flows/dialog", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestStartAndWait(t *testing.T) {
	h := newHarness(t)

	out := startReview(t, h, "  hola  ")
	require.NotEmpty(t, out.SessionID)
	assert.Equal(t, models.StatusWaitingOperation, out.State.Status)
	require.NotNil(t, out.State.Waiting)
	assert.Equal(t, "draft", out.State.Waiting.StepID)
	assert.Equal(t, "reply: Say hola", out.State.Waiting.Result.Output)

	types := eventTypes(out.Events)
	assert.Equal(t, models.EventStatusChange, types[0])
	assert.Contains(t, types, models.EventOperationRequired)
	assert.Equal(t, models.EventStatusChange, types[len(types)-1])

	var chunks strings.Builder
	for i, ev := range out.Events {
		assert.Equal(t, out.SessionID, ev.SessionID)
		assert.Equal(t, int64(i+1), ev.Seq)
		if ev.Type == models.EventStreamChunk {
			chunks.WriteString(ev.Data.(string))
		}
	}
	assert.Equal(t, "reply: Say hola", chunks.String())
	assert.Equal(t, []string{"key-123"}, h.resolver.seen())
}

func TestConfirmCompletesAndSavesArtifact(t *testing.T) {
	h := newHarness(t)
	out := startReview(t, h, "hola")

	resp := h.do(t, http.MethodPost, "/api/v1/sessions/"+out.SessionID+"/confirm", ControlBody{Wait: true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	done := decode[ExecutionResponse](t, resp)
	assert.Equal(t, models.StatusCompleted, done.State.Status)

	artifact, err := h.store.Get(context.Background(), out.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "review", artifact.FlowID)
	assert.Equal(t, "reply: Say hola", artifact.Output)

	resp = h.do(t, http.MethodPost, "/api/v1/sessions/"+out.SessionID+"/confirm", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "invalid_state", decode[ErrorResponse](t, resp).Code)
}

func TestExtendNarrowsContext(t *testing.T) {
	h := newHarness(t)
	out := startReview(t, h, "hola")

	resp := h.do(t, http.MethodPost, "/api/v1/sessions/"+out.SessionID+"/extend", ControlBody{Text: "make it longer", Wait: true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	again := decode[ExecutionResponse](t, resp)

	assert.Equal(t, models.StatusWaitingOperation, again.State.Status)
	reply, ok := again.State.Waiting.Result.Output.(string)
	require.True(t, ok)
	assert.Contains(t, reply, "make it longer")
	assert.Contains(t, reply, "reply: Say hola")
	assert.Equal(t, reply, again.State.Context.PreviousOutput)
}

func TestControlErrors(t *testing.T) {
	h := newHarness(t)
	out := startReview(t, h, "hola")

	tests := []struct {
		name   string
		path   string
		body   interface{}
		status int
		code   string
	}{
		{name: "unknown action", path: "/api/v1/sessions/" + out.SessionID + "/dance", status: http.StatusBadRequest, code: "unknown_operation"},
		{name: "unknown session", path: "/api/v1/sessions/nope/confirm", status: http.StatusNotFound, code: "session_not_found"},
		{name: "operation not offered", path: "/api/v1/sessions/" + out.SessionID + "/operate", body: ControlBody{Operation: "translate"}, status: http.StatusBadRequest, code: "unknown_operation"},
		{name: "resume while waiting", path: "/api/v1/sessions/" + out.SessionID + "/resume", status: http.StatusConflict, code: "invalid_state"},
		{name: "malformed body", path: "/api/v1/sessions/" + out.SessionID + "/extend", body: "{", status: http.StatusBadRequest, code: "bad_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, decode[ErrorResponse](t, resp).Code)
		})
	}
}

func TestStartWithoutWait(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodPost, "/api/v1/flows/review/executions", ExecutionRequest{Input: "hola"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	out := decode[ExecutionResponse](t, resp)
	require.NotEmpty(t, out.SessionID)

	assert.Eventually(t, func() bool {
		state, err := h.executor.State(out.SessionID)
		return err == nil && state.Status == models.StatusWaitingOperation
	}, 2*time.Second, 10*time.Millisecond)

	resp = h.do(t, http.MethodGet, "/api/v1/sessions/"+out.SessionID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[struct {
		Session runtime.SessionInfo `json:"session"`
		State   models.FlowState    `json:"state"`
	}](t, resp)
	assert.Equal(t, "review", body.Session.FlowID)
	assert.Equal(t, models.StatusWaitingOperation, body.State.Status)

	resp = h.do(t, http.MethodGet, "/api/v1/sessions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]runtime.SessionInfo](t, resp), 1)
}

func TestStartErrors(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodPost, "/api/v1/flows/nope/executions", ExecutionRequest{Input: "x"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = h.do(t, http.MethodPost, "/api/v1/flows/review/executions", ExecutionRequest{Input: "x", StartIndex: -1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.do(t, http.MethodPost, "/api/v1/flows/review/executions", ExecutionRequest{Input: "x", StartIndex: 9})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = h.do(t, http.MethodPost, "/api/v1/flows/review/executions", ExecutionRequest{
		PriorOutputs: map[string]any{"ghost": "x"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "unknown_step", decode[ErrorResponse](t, resp).Code)
}

func TestResumeFromSavedProgress(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodPost, "/api/v1/flows/review/executions", ExecutionRequest{
		StartIndex:   1,
		PriorOutputs: map[string]any{"prepare": "adios"},
		Wait:         true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[ExecutionResponse](t, resp)
	assert.Equal(t, "reply: Say adios", out.State.Waiting.Result.Output)
}

func TestDeleteSession(t *testing.T) {
	h := newHarness(t)
	out := startReview(t, h, "hola")

	resp := h.do(t, http.MethodDelete, "/api/v1/sessions/"+out.SessionID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = h.do(t, http.MethodGet, "/api/v1/sessions/"+out.SessionID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = h.do(t, http.MethodDelete, "/api/v1/sessions/"+out.SessionID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAuthEnabled(t *testing.T) {
	hash, err := services.HashToken("static-token")
	require.NoError(t, err)

	h := newHarness(t, func(c *config.Config) {
		c.Auth.Enabled = true
		c.Auth.JWTSecret = "test-secret"
		c.Auth.APITokenHashes = []string{hash}
	})

	resp := h.do(t, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.do(t, http.MethodGet, "/api/v1/flows", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := services.NewJWTService("test-secret", 1).GenerateToken("alice", "")
	require.NoError(t, err)
	resp = h.do(t, http.MethodGet, "/api/v1/flows", nil, "Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.do(t, http.MethodGet, "/api/v1/flows", nil, "Authorization", "Bearer static-token")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.do(t, http.MethodPost, "/api/v1/flows", "id: mine\nsteps:\n  - {id: a, type: transform, operation: trim}\n",
		"Authorization", "Bearer "+token)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "api:alice", decode[registry.FlowInfo](t, resp).Source)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{runtime.ErrSessionNotFound, http.StatusNotFound},
		{runtime.ErrFlowNotFound, http.StatusNotFound},
		{runtime.ErrSessionBusy, http.StatusConflict},
		{runtime.ErrInvalidState, http.StatusConflict},
		{runtime.ErrRetryLimit, http.StatusConflict},
		{runtime.ErrUnknownOperation, http.StatusBadRequest},
		{runtime.ErrUnknownStep, http.StatusBadRequest},
		{registry.ErrInvalidDefinition, http.StatusBadRequest},
		{registry.ErrBuiltinFlow, http.StatusConflict},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		status, _ := statusFor(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
	}
}
