package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tcmartin/stepflow/pkg/auth"
	"github.com/tcmartin/stepflow/pkg/config"
	"github.com/tcmartin/stepflow/pkg/loader"
	"github.com/tcmartin/stepflow/pkg/registry"
	"github.com/tcmartin/stepflow/pkg/runtime"
	"github.com/tcmartin/stepflow/pkg/storage"
)

const reviewFlow = `
id: review
name: Review
steps:
  - {id: prepare, type: transform, operation: trim}
  - {id: draft, type: call, provider: fake, prompt: "Say {{input}}"}
operations:
  draft:
    - {name: confirm}
    - {name: extend, target: draft, handler: {name: extend, args: {source: draft}}}
`

type echoGenerator struct{}

func (echoGenerator) Generate(_ context.Context, req runtime.GenerateRequest) (string, error) {
	return "reply: " + req.Prompt, nil
}

func (echoGenerator) Stream(_ context.Context, req runtime.GenerateRequest, onChunk runtime.ChunkFunc) (string, error) {
	onChunk("reply: ")
	onChunk(req.Prompt)
	return "reply: " + req.Prompt, nil
}

// keyResolver records the API key each resolution saw
type keyResolver struct {
	mu   sync.Mutex
	keys []string
}

func (r *keyResolver) Resolve(ctx context.Context, provider string) (runtime.Generator, error) {
	cred, _ := auth.CredentialsFromContext(ctx).Get(provider)
	r.mu.Lock()
	r.keys = append(r.keys, cred.APIKey)
	r.mu.Unlock()
	return echoGenerator{}, nil
}

func (r *keyResolver) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.keys...)
}

type harness struct {
	server   *Server
	http     *httptest.Server
	executor *runtime.Executor
	flows    *registry.FlowRegistry
	store    *storage.MemoryArtifactStore
	resolver *keyResolver
}

func newHarness(t *testing.T, mutate ...func(*config.Config)) *harness {
	t.Helper()

	cfg := config.DefaultConfig()
	for _, m := range mutate {
		m(cfg)
	}

	resolver := &keyResolver{}
	rules := runtime.DefaultRules()
	l := loader.NewYAMLLoader(loader.DefaultStepFactories(resolver), rules)
	flows := registry.NewFlowRegistry(l, nil)
	require.NoError(t, flows.LoadBuiltins())
	_, err := flows.RegisterYAML(reviewFlow, "test")
	require.NoError(t, err)

	sessions := runtime.NewSessionRegistry(time.Hour)
	ws := NewWebSocketManager(nil, nil, nil)
	hub := NewEventHub(ws, sessions, nil)
	sessions.OnEvict(hub.RemoveSession)

	store := storage.NewMemoryArtifactStore()
	executor := runtime.NewExecutor(flows, rules, sessions,
		runtime.WithArtifactSaver(store),
		runtime.WithEventSink(hub),
	)
	ws.SetController(executor)

	server := NewServer(cfg, flows, executor, sessions, WithEventHub(hub, ws))
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		ts.Close()
		hub.Close()
	})

	return &harness{
		server:   server,
		http:     ts,
		executor: executor,
		flows:    flows,
		store:    store,
		resolver: resolver,
	}
}

func (h *harness) do(t *testing.T, method, path string, body interface{}, headers ...string) *http.Response {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, h.http.URL+path, reader)
	require.NoError(t, err)
	if _, isString := body.(string); !isString && body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func wsURL(h *harness, path string) string {
	return "ws" + strings.TrimPrefix(h.http.URL, "http") + path
}
