package runtime

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcmartin/stepflow/pkg/models"
)

func threeStepDefinition(gen Generator) *Definition {
	prepare, err := NewTransformStep("prepare", "Prepare", "wrap", map[string]any{"key": "topic"})
	if err != nil {
		panic(err)
	}
	return &Definition{
		ID: "three",
		Steps: []Step{
			prepare,
			callStep("draft", "Draft about {{input}}", FormatText, gen),
			callStep("polish", "Polish {{previousOutput}}", FormatText, gen),
		},
		Conditions: map[string]Condition{
			"draft": {Predicate: Ref{Name: "always"}},
		},
	}
}

func TestFlowRunsToCompletion(t *testing.T) {
	gen := &fakeGenerator{chunks: []string{"some ", "text"}}
	_, _, state := startFlow(threeStepDefinition(gen), "cats")

	assert.Equal(t, models.StatusCompleted, state.Status)
	assert.Equal(t, 3, state.CurrentStepIndex)
	assert.Empty(t, state.Error)
	for _, rec := range state.Steps {
		assert.True(t, rec.Executed, rec.StepID)
		require.NotNil(t, rec.Result)
		assert.True(t, rec.Result.Success)
	}
	assert.Equal(t, map[string]any{"topic": "cats"}, state.Steps[0].Result.Output)
	assert.Equal(t, "some text", state.Context.PreviousOutput)
	assert.Equal(t, `Draft about {"topic":"cats"}`, gen.requests[0].Prompt)
	assert.Equal(t, "Polish some text", gen.lastRequest().Prompt)
}

func TestFlowIsDeterministic(t *testing.T) {
	run := func() ([]models.EventType, []any) {
		gen := &fakeGenerator{chunks: []string{"a", "b"}}
		_, rec, state := startFlow(threeStepDefinition(gen), "same input")
		var outputs []any
		for _, r := range state.Steps {
			outputs = append(outputs, r.Result.Output)
		}
		return rec.types(), outputs
	}

	types1, out1 := run()
	types2, out2 := run()
	assert.Equal(t, types1, types2)
	assert.Equal(t, out1, out2)
}

func TestFlowEventOrdering(t *testing.T) {
	gen := &fakeGenerator{chunks: []string{"Hel", "lo ", "world"}}
	def := &Definition{
		ID:    "stream",
		Steps: []Step{callStep("say", "Say {{input}}", FormatText, gen)},
	}
	_, rec, state := startFlow(def, "hi")
	require.Equal(t, models.StatusCompleted, state.Status)

	assert.Equal(t, []models.EventType{
		models.EventStepStart,
		models.EventStreamChunk,
		models.EventStreamChunk,
		models.EventStreamChunk,
		models.EventStepComplete,
		models.EventStatusChange,
	}, rec.types())

	var sb strings.Builder
	var complete any
	for _, ev := range rec.all() {
		switch ev.Type {
		case models.EventStreamChunk:
			assert.Equal(t, "say", ev.NodeID)
			require.NotNil(t, ev.StepIndex)
			assert.Equal(t, 0, *ev.StepIndex)
			sb.WriteString(ev.Data.(string))
		case models.EventStepComplete:
			complete = ev.Data
		case models.EventStatusChange:
			assert.Equal(t, models.StatusCompleted, ev.Status)
		}
	}
	assert.Equal(t, complete, sb.String())
}

func TestFlowJSONCallStep(t *testing.T) {
	gen := &fakeGenerator{chunks: []string{"```json\n{\"lines\":", " [\"a\"]}\n```"}}
	def := &Definition{
		ID:    "json",
		Steps: []Step{callStep("gen", "Make {{input}}", FormatJSON, gen)},
	}
	_, _, state := startFlow(def, "x")
	require.Equal(t, models.StatusCompleted, state.Status)
	assert.Equal(t, map[string]any{"lines": []any{"a"}}, state.Context.PreviousOutput)
}

func TestFlowValidationRetriesThenSucceeds(t *testing.T) {
	first := constStep("first", "seed")
	attempts := 0
	second := newFuncStep("second", func(models.Context) models.Result {
		attempts++
		if attempts < 3 {
			return models.SuccessResult(map[string]any{"draft": true})
		}
		return models.SuccessResult(map[string]any{"lines": []any{"ok"}})
	})
	def := &Definition{
		ID:    "validated",
		Steps: []Step{first, second},
		Validations: map[string]ValidationCheck{
			"second": {
				Predicate:   Ref{Name: "has_fields", Args: map[string]any{"fields": []any{"lines"}}},
				RetryTarget: "first",
			},
		},
	}

	_, _, state := startFlow(def, "go")
	assert.Equal(t, models.StatusCompleted, state.Status)
	assert.Equal(t, 2, state.RetryCounts["second"])
	assert.Zero(t, state.RetryCounts["first"])
	assert.EqualValues(t, 3, first.calls.Load())
	assert.EqualValues(t, 3, second.calls.Load())
	assert.Equal(t, "go", first.lastInput().Input)
}

func TestFlowValidationRetryBoundary(t *testing.T) {
	tests := []struct {
		name       string
		maxRetries *int
		executions int32
	}{
		{name: "default budget", maxRetries: nil, executions: 4},
		{name: "explicit three", maxRetries: intPtr(3), executions: 4},
		{name: "single retry", maxRetries: intPtr(1), executions: 2},
		{name: "no retries", maxRetries: intPtr(0), executions: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := newFuncStep("check", func(models.Context) models.Result {
				return models.SuccessResult(map[string]any{})
			})
			def := &Definition{
				ID:    "boundary",
				Steps: []Step{constStep("start", "x"), check},
				Validations: map[string]ValidationCheck{
					"check": {Predicate: Ref{Name: "never"}, MaxRetries: tt.maxRetries},
				},
			}

			_, _, state := startFlow(def, nil)
			assert.Equal(t, models.StatusError, state.Status)
			assert.Equal(t, "maximum retry limit exceeded for step check", state.Error)
			assert.Equal(t, tt.executions, check.calls.Load())
		})
	}
}

func TestFlowOperationRestartsEarlierStep(t *testing.T) {
	first := newFuncStep("first", func(c models.Context) models.Result {
		return models.SuccessResult("topic:" + models.Stringify(c.Input))
	})
	last := constStep("last", "done")
	def := &Definition{
		ID:    "restart",
		Steps: []Step{first, constStep("review", "draft"), last},
		Operations: map[string][]Operation{
			"review": {{Name: "confirm"}, {Name: "restart", Target: "first"}},
		},
	}

	f, rec, state := startFlow(def, "original")
	require.Equal(t, models.StatusWaitingOperation, state.Status)
	require.NotNil(t, state.Waiting)
	assert.Equal(t, "review", state.Waiting.StepID)
	assert.Equal(t, []models.OperationInfo{{Name: "confirm"}, {Name: "restart"}}, state.Waiting.Operations)

	events := rec.all()
	assert.Equal(t, models.EventOperationRequired, events[len(events)-2].Type)
	assert.Equal(t, models.StatusWaitingOperation, events[len(events)-1].Status)

	require.NoError(t, f.Operate("restart", "new topic"))
	state = f.State()
	assert.Equal(t, models.StatusRunning, state.Status)
	assert.Equal(t, 0, state.CurrentStepIndex)
	assert.False(t, state.Steps[0].Executed)
	assert.Equal(t, "new topic", state.Context.Input)

	_, state = runFlow(f)
	assert.Equal(t, models.StatusWaitingOperation, state.Status)
	assert.Equal(t, "new topic", first.lastInput().Input)
	assert.Equal(t, "topic:new topic", state.Steps[0].Result.Output)
	assert.Equal(t, 1, state.RetryCounts["first"])

	require.NoError(t, f.Confirm())
	_, state = runFlow(f)
	assert.Equal(t, models.StatusCompleted, state.Status)
	assert.EqualValues(t, 1, last.calls.Load())
}

func TestFlowExtendNarrowsContext(t *testing.T) {
	draft := newFuncStep("draft", func(c models.Context) models.Result {
		return models.SuccessResult("draft from " + models.Stringify(c.PreviousOutput))
	})
	def := &Definition{
		ID: "extend",
		Steps: []Step{
			constStep("outline", "the outline"),
			draft,
			constStep("review", "reviewed text"),
		},
		Operations: map[string][]Operation{
			"review": {
				{Name: "confirm"},
				{Name: "extend", Target: "draft", Handler: &Ref{
					Name: "extend",
					Args: map[string]any{"source": "outline", "references": []any{"review"}},
				}},
			},
		},
	}

	f, _, state := startFlow(def, "topic")
	require.Equal(t, models.StatusWaitingOperation, state.Status)

	require.NoError(t, f.Extend("add a twist"))
	_, state = runFlow(f)
	require.Equal(t, models.StatusWaitingOperation, state.Status)

	in := draft.lastInput()
	assert.Equal(t, "the outline", in.PreviousOutput)
	assert.Equal(t, map[string]any{
		"base":        "the outline",
		"instruction": "add a twist",
		"references":  map[string]any{"review": "reviewed text"},
	}, in.Input)
	assert.EqualValues(t, 2, draft.calls.Load())
}

func TestFlowConfirm(t *testing.T) {
	newDef := func() *Definition {
		return &Definition{
			ID:    "confirm",
			Steps: []Step{constStep("ask", "answer"), constStep("after", "end")},
			Operations: map[string][]Operation{
				"ask": {{Name: "confirm"}},
			},
		}
	}

	t.Run("waits for confirmation", func(t *testing.T) {
		_, rec, state := startFlow(newDef(), nil)
		assert.Equal(t, models.StatusWaitingConfirmation, state.Status)
		assert.Contains(t, rec.types(), models.EventConfirmationRequired)
	})

	t.Run("second confirm is rejected", func(t *testing.T) {
		f, _, _ := startFlow(newDef(), nil)
		require.NoError(t, f.Confirm())
		err := f.Confirm()
		assert.True(t, errors.Is(err, ErrInvalidState))
		assert.Equal(t, 1, f.State().CurrentStepIndex)

		_, state := runFlow(f)
		assert.Equal(t, models.StatusCompleted, state.Status)
	})

	t.Run("confirm not offered", func(t *testing.T) {
		def := newDef()
		def.Operations["ask"] = []Operation{{Name: "redo", Target: "ask"}}
		f, _, _ := startFlow(def, nil)
		assert.ErrorIs(t, f.Confirm(), ErrUnknownOperation)
	})

	t.Run("confirm on the last step completes", func(t *testing.T) {
		def := &Definition{
			ID:         "last",
			Steps:      []Step{constStep("only", 1)},
			Operations: map[string][]Operation{"only": {{Name: "confirm"}}},
		}
		f, _, _ := startFlow(def, nil)
		require.NoError(t, f.Confirm())
		assert.Equal(t, models.StatusCompleted, f.Status())
	})
}

func TestFlowReject(t *testing.T) {
	def := &Definition{
		ID:         "reject",
		Steps:      []Step{constStep("ask", "answer"), constStep("after", "end")},
		Operations: map[string][]Operation{"ask": {{Name: "confirm"}, {Name: "reject"}}},
	}
	f, _, _ := startFlow(def, nil)
	require.NoError(t, f.Reject())
	state := f.State()
	assert.Equal(t, models.StatusError, state.Status)
	assert.Equal(t, "step ask rejected", state.Error)
	assert.Nil(t, state.Waiting)

	assert.ErrorIs(t, f.Reject(), ErrInvalidState)
}

func TestFlowStepFailure(t *testing.T) {
	t.Run("failure ends the flow", func(t *testing.T) {
		def := &Definition{
			ID: "fail",
			Steps: []Step{newFuncStep("broken", func(c models.Context) models.Result {
				return models.FailureResult(c.Input, "boom")
			})},
		}
		_, rec, state := startFlow(def, "in")
		assert.Equal(t, models.StatusError, state.Status)
		assert.Equal(t, "step broken failed: boom", state.Error)
		assert.Equal(t, []models.EventType{models.EventStepStart, models.EventStepError, models.EventStatusChange}, rec.types())
		assert.Equal(t, "step broken failed: boom", rec.all()[2].Error)
	})

	t.Run("on_false routes a failure", func(t *testing.T) {
		skipped := constStep("normal", "n")
		fallback := constStep("fallback", "f")
		def := &Definition{
			ID: "fallback",
			Steps: []Step{
				newFuncStep("try", func(c models.Context) models.Result { return models.FailureResult(c.Input, "nope") }),
				skipped,
				fallback,
			},
			Conditions: map[string]Condition{
				"try": {Predicate: Ref{Name: "success"}, OnFalse: "fallback"},
			},
		}
		_, _, state := startFlow(def, nil)
		assert.Equal(t, models.StatusCompleted, state.Status)
		assert.Zero(t, skipped.calls.Load())
		assert.EqualValues(t, 1, fallback.calls.Load())
	})

	t.Run("panicking step", func(t *testing.T) {
		def := &Definition{
			ID: "panic",
			Steps: []Step{newFuncStep("bad", func(models.Context) models.Result {
				panic("kaboom")
			})},
		}
		_, _, state := startFlow(def, nil)
		assert.Equal(t, models.StatusError, state.Status)
		assert.Contains(t, state.Error, "kaboom")
	})
}

func TestFlowRouting(t *testing.T) {
	t.Run("condition jumps forward", func(t *testing.T) {
		middle := constStep("middle", 2)
		def := &Definition{
			ID:         "jump",
			Steps:      []Step{constStep("a", 1), middle, constStep("c", 3)},
			Conditions: map[string]Condition{"a": {Predicate: Ref{Name: "always"}, OnTrue: "c"}},
		}
		_, _, state := startFlow(def, nil)
		assert.Equal(t, models.StatusCompleted, state.Status)
		assert.Zero(t, middle.calls.Load())
		assert.False(t, state.Steps[1].Executed)
	})

	t.Run("router wins over sequential order", func(t *testing.T) {
		middle := constStep("middle", 2)
		def := &Definition{
			ID:    "routed",
			Steps: []Step{constStep("a", map[string]any{"route": "x"}), middle, constStep("c", "done")},
			Router: &Ref{Name: "by_output_field", Args: map[string]any{
				"field":  "route",
				"routes": map[string]any{"x": "c"},
			}},
		}
		_, _, state := startFlow(def, nil)
		assert.Equal(t, models.StatusCompleted, state.Status)
		assert.Zero(t, middle.calls.Load())
	})

	t.Run("backward loop is bounded", func(t *testing.T) {
		a := constStep("a", 1)
		b := constStep("b", 2)
		def := &Definition{
			ID:         "loop",
			Steps:      []Step{a, b},
			Conditions: map[string]Condition{"b": {Predicate: Ref{Name: "always"}, OnTrue: "a"}},
		}
		_, _, state := startFlow(def, nil)
		assert.Equal(t, models.StatusError, state.Status)
		assert.Equal(t, "maximum retry limit exceeded for step a", state.Error)
		assert.EqualValues(t, 4, a.calls.Load())
	})

	t.Run("unknown target fails", func(t *testing.T) {
		def := &Definition{
			ID:         "bad-target",
			Steps:      []Step{constStep("a", 1)},
			Conditions: map[string]Condition{"a": {Predicate: Ref{Name: "always"}, OnTrue: "ghost"}},
		}
		_, _, state := startFlow(def, nil)
		assert.Equal(t, models.StatusError, state.Status)
		assert.Contains(t, state.Error, "ghost")
	})
}

func TestFlowPauseAndResume(t *testing.T) {
	var f *Flow
	first := newFuncStep("first", func(models.Context) models.Result {
		f.RequestPause()
		return models.SuccessResult("one")
	})
	second := constStep("second", "two")
	def := &Definition{ID: "pause", Steps: []Step{first, second}}

	f = NewFlow(def, DefaultRules(), models.Context{Input: "x"})
	require.NoError(t, f.Start())
	rec, state := runFlow(f)
	assert.Equal(t, models.StatusPaused, state.Status)
	assert.Equal(t, 1, state.CurrentStepIndex)
	assert.Zero(t, second.calls.Load())
	events := rec.all()
	assert.Equal(t, models.StatusPaused, events[len(events)-1].Status)

	queued, err := f.Pause()
	assert.NoError(t, err)
	assert.False(t, queued)

	require.NoError(t, f.Resume())
	_, state = runFlow(f)
	assert.Equal(t, models.StatusCompleted, state.Status)
	assert.EqualValues(t, 1, second.calls.Load())

	_, err = f.Pause()
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.ErrorIs(t, f.Resume(), ErrInvalidState)
}

func TestFlowCancelledContextPauses(t *testing.T) {
	second := constStep("second", 2)
	def := &Definition{ID: "cancel", Steps: []Step{constStep("first", 1), second}}
	f := NewFlow(def, DefaultRules(), models.Context{})
	require.NoError(t, f.Start())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	state := f.Run(ctx, func(models.Event) {})
	assert.Equal(t, models.StatusPaused, state.Status)
	assert.True(t, state.Steps[0].Executed)
	assert.Zero(t, second.calls.Load())
}

func TestFlowRetry(t *testing.T) {
	failures := 1
	flaky := newFuncStep("flaky", func(c models.Context) models.Result {
		if failures > 0 {
			failures--
			return models.FailureResult(c.Input, "temporary")
		}
		return models.SuccessResult("fine")
	})
	def := &Definition{ID: "retry", Steps: []Step{constStep("before", "prepared"), flaky}}

	f, _, state := startFlow(def, "x")
	require.Equal(t, models.StatusError, state.Status)

	require.NoError(t, f.Retry())
	state = f.State()
	assert.Equal(t, models.StatusRunning, state.Status)
	assert.Empty(t, state.Error)
	assert.Equal(t, 1, state.RetryCounts["flaky"])

	_, state = runFlow(f)
	assert.Equal(t, models.StatusCompleted, state.Status)
	assert.Equal(t, "prepared", flaky.lastInput().Input)
	assert.Equal(t, "fine", state.Context.PreviousOutput)
}

func TestFlowRetryBudget(t *testing.T) {
	broken := newFuncStep("broken", func(c models.Context) models.Result {
		return models.FailureResult(c.Input, "always")
	})
	def := &Definition{ID: "budget", Steps: []Step{broken}}
	f, _, _ := startFlow(def, nil)

	for i := 0; i < DefaultMaxRetries; i++ {
		require.NoError(t, f.Retry())
		_, state := runFlow(f)
		require.Equal(t, models.StatusError, state.Status)
	}
	err := f.Retry()
	assert.ErrorIs(t, err, ErrRetryLimit)
	assert.Equal(t, models.StatusError, f.Status())
	assert.EqualValues(t, DefaultMaxRetries+1, broken.calls.Load())
}

func TestFlowSkip(t *testing.T) {
	t.Run("skip a failed step", func(t *testing.T) {
		after := newFuncStep("after", func(c models.Context) models.Result { return models.SuccessResult(c.Input) })
		def := &Definition{
			ID: "skip",
			Steps: []Step{
				newFuncStep("broken", func(c models.Context) models.Result { return models.FailureResult(c.Input, "x") }),
				after,
			},
		}
		f, _, _ := startFlow(def, "carried")
		require.NoError(t, f.Skip())
		state := f.State()
		assert.True(t, state.Steps[0].Executed)
		assert.True(t, state.Steps[0].Result.Success)
		assert.Equal(t, 1, state.CurrentStepIndex)

		_, state = runFlow(f)
		assert.Equal(t, models.StatusCompleted, state.Status)
		assert.Equal(t, "carried", after.lastInput().Input)
	})

	t.Run("skip a checkpoint keeps its result", func(t *testing.T) {
		def := &Definition{
			ID:         "skip-wait",
			Steps:      []Step{constStep("ask", "kept")},
			Operations: map[string][]Operation{"ask": {{Name: "confirm"}}},
		}
		f, _, _ := startFlow(def, nil)
		require.NoError(t, f.Skip())
		state := f.State()
		assert.Equal(t, models.StatusCompleted, state.Status)
		assert.Equal(t, "kept", state.Steps[0].Result.Output)
	})

	t.Run("skip is refused while running", func(t *testing.T) {
		f := NewFlow(&Definition{ID: "s", Steps: []Step{constStep("a", 1)}}, DefaultRules(), models.Context{})
		require.NoError(t, f.Start())
		assert.ErrorIs(t, f.Skip(), ErrInvalidState)
	})
}

func TestFlowOperateUnknown(t *testing.T) {
	def := &Definition{
		ID:         "ops",
		Steps:      []Step{constStep("ask", 1)},
		Operations: map[string][]Operation{"ask": {{Name: "confirm"}}},
	}
	f, _, _ := startFlow(def, nil)
	assert.ErrorIs(t, f.Operate("rewrite", "x"), ErrUnknownOperation)
	assert.ErrorIs(t, f.Extend("x"), ErrUnknownOperation)
	assert.Equal(t, models.StatusWaitingConfirmation, f.Status())
}

func TestFlowSeed(t *testing.T) {
	third := newFuncStep("third", func(c models.Context) models.Result { return models.SuccessResult(c.PreviousOutput) })
	first := constStep("first", "a")
	def := &Definition{ID: "seed", Steps: []Step{first, constStep("second", "b"), third}}

	f := NewFlow(def, DefaultRules(), models.Context{})
	require.NoError(t, f.Seed(2, map[string]any{"first": "saved-a", "second": "saved-b"}))
	require.NoError(t, f.Start())
	_, state := runFlow(f)

	assert.Equal(t, models.StatusCompleted, state.Status)
	assert.Zero(t, first.calls.Load())
	assert.Equal(t, "saved-b", third.lastInput().PreviousOutput)
	assert.Equal(t, "saved-a", state.Steps[0].Result.Output)

	f = NewFlow(def, DefaultRules(), models.Context{})
	assert.ErrorIs(t, f.Seed(1, map[string]any{"nope": 1}), ErrUnknownStep)
	assert.Error(t, f.Seed(9, nil))
}

func TestFlowResetKeepsRetryCounts(t *testing.T) {
	def := &Definition{
		ID:          "reset",
		Steps:       []Step{constStep("a", 1)},
		Validations: map[string]ValidationCheck{"a": {Predicate: Ref{Name: "never"}, MaxRetries: intPtr(1)}},
	}
	f, _, state := startFlow(def, nil)
	require.Equal(t, models.StatusError, state.Status)

	f.Reset()
	state = f.State()
	assert.Equal(t, models.StatusIdle, state.Status)
	assert.Equal(t, 0, state.CurrentStepIndex)
	assert.False(t, state.Steps[0].Executed)
	assert.Equal(t, 2, state.RetryCounts["a"])
}

func TestFlowReplaceStep(t *testing.T) {
	def := &Definition{ID: "replace", Steps: []Step{constStep("a", "old")}}
	f := NewFlow(def, DefaultRules(), models.Context{})
	require.NoError(t, f.ReplaceStep(constStep("a", "new")))
	assert.ErrorIs(t, f.ReplaceStep(constStep("z", 0)), ErrUnknownStep)

	require.NoError(t, f.Start())
	_, state := runFlow(f)
	assert.Equal(t, "new", state.Context.PreviousOutput)
	assert.Equal(t, "old", def.Steps[0].(*funcStep).fn(models.Context{}).Output)
}

func bumpDefinition(validations map[string]ValidationCheck) *Definition {
	bump, err := NewTransformStep("bump", "Bump", "script", map[string]any{"expr": "(input.n = input.n + 1, input)"})
	if err != nil {
		panic(err)
	}
	return &Definition{
		ID:          "bump",
		Steps:       []Step{constStep("seed", map[string]any{"n": 1}), bump},
		Validations: validations,
	}
}

func TestFlowScriptLeavesEarlierOutputsUntouched(t *testing.T) {
	_, _, state := startFlow(bumpDefinition(nil), nil)

	require.Equal(t, models.StatusCompleted, state.Status)
	assert.Equal(t, map[string]any{"n": 1}, state.Steps[0].Result.Output)
	out, ok := state.Steps[1].Result.Output.(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 2, out["n"])
}

func TestFlowRetryRestoresUnmodifiedInput(t *testing.T) {
	// re-running bump on {n:1} always yields 2, so the check can never pass
	_, _, state := startFlow(bumpDefinition(map[string]ValidationCheck{
		"bump": {Predicate: Ref{Name: "script", Args: map[string]any{"expr": "output.n == 3"}}, MaxRetries: intPtr(2)},
	}), nil)

	assert.Equal(t, models.StatusError, state.Status)
	assert.Contains(t, state.Error, "bump")
	assert.Equal(t, 3, state.RetryCounts["bump"])
	assert.Equal(t, map[string]any{"n": 1}, state.Steps[0].Result.Output)
}

func TestFlowStateIsACopy(t *testing.T) {
	f, _, state := startFlow(bumpDefinition(nil), nil)
	require.Equal(t, models.StatusCompleted, state.Status)

	state.Steps[0].Result.Output.(map[string]any)["n"] = 99
	state.Context.Input.(map[string]any)["n"] = 99

	again := f.State()
	assert.Equal(t, map[string]any{"n": 1}, again.Steps[0].Result.Output)
	assert.EqualValues(t, 2, again.Context.Input.(map[string]any)["n"])
}
