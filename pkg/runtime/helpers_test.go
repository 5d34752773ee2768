package runtime

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tcmartin/stepflow/pkg/models"
	"github.com/tcmartin/stepflow/pkg/utils"
)

// funcStep is a step backed by a function, counting its executions
type funcStep struct {
	id    string
	kind  StepKind
	fn    func(c models.Context) models.Result
	calls atomic.Int32

	mu     sync.Mutex
	inputs []models.Context
}

func newFuncStep(id string, fn func(c models.Context) models.Result) *funcStep {
	return &funcStep{id: id, kind: KindTransform, fn: fn}
}

func (s *funcStep) ID() string     { return s.id }
func (s *funcStep) Name() string   { return s.id }
func (s *funcStep) Kind() StepKind { return s.kind }

func (s *funcStep) Execute(_ context.Context, c models.Context) models.Result {
	s.calls.Add(1)
	s.mu.Lock()
	s.inputs = append(s.inputs, c.Clone())
	s.mu.Unlock()
	res := s.fn(c)
	res.Metadata.StepID = s.id
	return res
}

func (s *funcStep) lastInput() models.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inputs[len(s.inputs)-1]
}

// constStep always succeeds with the same output
func constStep(id string, out any) *funcStep {
	return newFuncStep(id, func(models.Context) models.Result { return models.SuccessResult(out) })
}

// gateStep blocks until release is closed
func gateStep(id string, entered chan<- struct{}, release <-chan struct{}) *funcStep {
	return newFuncStep(id, func(c models.Context) models.Result {
		entered <- struct{}{}
		<-release
		return models.SuccessResult(c.Input)
	})
}

// fakeGenerator replies with fixed chunks
type fakeGenerator struct {
	chunks []string
	err    error

	mu       sync.Mutex
	requests []GenerateRequest
}

func (g *fakeGenerator) record(req GenerateRequest) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
}

func (g *fakeGenerator) Generate(_ context.Context, req GenerateRequest) (string, error) {
	g.record(req)
	if g.err != nil {
		return "", g.err
	}
	return strings.Join(g.chunks, ""), nil
}

func (g *fakeGenerator) Stream(_ context.Context, req GenerateRequest, onChunk ChunkFunc) (string, error) {
	g.record(req)
	if g.err != nil {
		return "", g.err
	}
	for _, c := range g.chunks {
		onChunk(c)
	}
	return strings.Join(g.chunks, ""), nil
}

func (g *fakeGenerator) lastRequest() GenerateRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests[len(g.requests)-1]
}

type fakeResolver struct {
	gen Generator
}

func (r fakeResolver) Resolve(_ context.Context, provider string) (Generator, error) {
	if r.gen == nil {
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
	return r.gen, nil
}

func callStep(id, prompt string, format ResponseFormat, gen Generator) *CallStep {
	step, err := NewCallStep(CallStepConfig{
		ID:       id,
		Provider: "fake",
		Model:    "fake-1",
		Prompt:   utils.MustPromptTemplate(prompt),
		Format:   format,
	}, fakeResolver{gen: gen})
	if err != nil {
		panic(err)
	}
	return step
}

// definitions is an in-memory DefinitionSource
type definitions map[string]*Definition

func (d definitions) Get(id string) (*Definition, error) {
	def, ok := d[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFlowNotFound, id)
	}
	return def, nil
}

// recorder collects emitted events
type recorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recorder) emit(ev models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) Publish(ev models.Event) { r.emit(ev) }

func (r *recorder) all() []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Event(nil), r.events...)
}

func (r *recorder) types() []models.EventType {
	var out []models.EventType
	for _, ev := range r.all() {
		out = append(out, ev.Type)
	}
	return out
}

// fakeSaver records saved artifacts
type fakeSaver struct {
	mu        sync.Mutex
	artifacts []models.Artifact
	err       error
}

func (s *fakeSaver) Save(_ context.Context, a models.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts = append(s.artifacts, a)
	return s.err
}

func (s *fakeSaver) saved() []models.Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Artifact(nil), s.artifacts...)
}

// clock is a settable time source
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func intPtr(n int) *int { return &n }

func runFlow(f *Flow) (*recorder, models.FlowState) {
	rec := &recorder{}
	state := f.Run(context.Background(), rec.emit)
	return rec, state
}

func startFlow(def *Definition, input any) (*Flow, *recorder, models.FlowState) {
	f := NewFlow(def, DefaultRules(), models.Context{Input: input})
	if err := f.Start(); err != nil {
		panic(err)
	}
	rec, state := runFlow(f)
	return f, rec, state
}
