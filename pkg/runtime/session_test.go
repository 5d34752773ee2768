package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcmartin/stepflow/pkg/models"
)

func idleFlow(id string) *Flow {
	def := &Definition{ID: id, Steps: []Step{constStep("a", 1)}}
	return NewFlow(def, DefaultRules(), models.Context{})
}

func TestSessionRegistryLifecycle(t *testing.T) {
	reg := NewSessionRegistry(0)
	assert.Equal(t, DefaultSessionTTL, reg.TTL())

	sess := reg.Create(idleFlow("one"))
	require.NotEmpty(t, sess.ID)
	assert.Equal(t, sess.ID, sess.Flow().State().SessionID)

	got, err := reg.Get(sess.ID)
	require.NoError(t, err)
	assert.Same(t, sess, got)

	info, err := reg.Info(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "one", info.FlowID)
	assert.Equal(t, models.StatusIdle, info.Status)
	assert.False(t, info.Busy)

	other := reg.Create(idleFlow("two"))
	assert.NotEqual(t, sess.ID, other.ID)
	assert.Equal(t, 2, reg.Len())
	assert.Len(t, reg.List(), 2)

	require.NoError(t, reg.Delete(sess.ID))
	_, err = reg.Get(sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, reg.Delete(sess.ID), ErrSessionNotFound)
	assert.Equal(t, 1, reg.Len())
}

func TestSessionRegistryUnknownID(t *testing.T) {
	reg := NewSessionRegistry(time.Hour)
	_, err := reg.Get("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = reg.Info("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	err = reg.Update("missing", func(*Session) error { return nil })
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionRegistrySweepEvictsIdleSessions(t *testing.T) {
	clk := newClock()
	reg := NewSessionRegistry(time.Hour, WithRegistryClock(clk.Now))

	var mu sync.Mutex
	var evicted []string
	reg.OnEvict(func(id string) {
		mu.Lock()
		defer mu.Unlock()
		evicted = append(evicted, id)
	})

	sess := reg.Create(idleFlow("ttl"))

	clk.Advance(30 * time.Minute)
	assert.Zero(t, reg.Sweep())
	_, err := reg.Get(sess.ID)
	require.NoError(t, err)

	clk.Advance(31 * time.Minute)
	assert.Equal(t, 1, reg.Sweep())
	_, err = reg.Get(sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	mu.Lock()
	assert.Equal(t, []string{sess.ID}, evicted)
	mu.Unlock()
}

func TestSessionRegistryUpdateRecordsActivity(t *testing.T) {
	clk := newClock()
	reg := NewSessionRegistry(time.Hour, WithRegistryClock(clk.Now))
	sess := reg.Create(idleFlow("touch"))

	clk.Advance(50 * time.Minute)
	require.NoError(t, reg.Update(sess.ID, func(*Session) error { return nil }))

	clk.Advance(50 * time.Minute)
	failed := errors.New("refused")
	assert.ErrorIs(t, reg.Update(sess.ID, func(*Session) error { return failed }), failed)
	assert.Zero(t, reg.Sweep())

	clk.Advance(11 * time.Minute)
	assert.Equal(t, 1, reg.Sweep())
}

func TestSessionRegistrySweepSkipsBusySessions(t *testing.T) {
	clk := newClock()
	reg := NewSessionRegistry(time.Minute, WithRegistryClock(clk.Now))
	sess := reg.Create(idleFlow("busy"))
	require.NoError(t, reg.Update(sess.ID, func(s *Session) error {
		s.busy = true
		return nil
	}))

	clk.Advance(time.Hour)
	assert.Zero(t, reg.Sweep())

	info, err := reg.Info(sess.ID)
	require.NoError(t, err)
	assert.True(t, info.Busy)
}

func TestSessionRegistryListIsOrdered(t *testing.T) {
	clk := newClock()
	reg := NewSessionRegistry(time.Hour, WithRegistryClock(clk.Now))
	first := reg.Create(idleFlow("first"))
	clk.Advance(time.Second)
	second := reg.Create(idleFlow("second"))

	list := reg.List()
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, second.ID, list[1].ID)
}

func TestSessionRegistryJanitor(t *testing.T) {
	reg := NewSessionRegistry(time.Millisecond)
	defer reg.Stop()

	assert.Error(t, reg.StartJanitor("not a schedule"))

	reg.Create(idleFlow("janitor"))
	require.NoError(t, reg.StartJanitor("@every 1s"))
	assert.Error(t, reg.StartJanitor("@every 1s"))

	assert.Eventually(t, func() bool { return reg.Len() == 0 }, 5*time.Second, 50*time.Millisecond)
}

func TestSessionInfoDuringRun(t *testing.T) {
	reg := NewSessionRegistry(time.Hour)
	checks := make(map[string]ValidationCheck)
	var steps []Step
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		steps = append(steps, constStep(id, id))
		checks[id] = ValidationCheck{Predicate: Ref{Name: "never"}, MaxRetries: intPtr(200)}
	}
	exec := NewExecutor(definitions{"loop": {ID: "loop", Steps: steps, Validations: checks}}, DefaultRules(), reg)

	stream, err := exec.Start(context.Background(), StartRequest{FlowID: "loop", Input: "x"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stream.Done():
					return
				default:
				}
				if info, err := reg.Info(stream.SessionID); err == nil {
					assert.Equal(t, "loop", info.FlowID)
				}
				reg.List()
			}
		}()
	}

	state := stream.Wait()
	wg.Wait()
	assert.Equal(t, models.StatusError, state.Status)

	info, err := reg.Info(stream.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 201, info.RetryCounts["a"])
}

func TestSessionRegistrySweepDeletesUnderSessionLock(t *testing.T) {
	clk := newClock()
	reg := NewSessionRegistry(time.Minute, WithRegistryClock(clk.Now))
	sess := reg.Create(idleFlow("stale"))

	// Update takes the same lock, so it cannot mark the session busy
	// between the idle check and the delete
	var heldDuringDelete bool
	reg.OnEvict(func(id string) {
		if id != sess.ID {
			return
		}
		heldDuringDelete = !sess.mu.TryLock()
		if !heldDuringDelete {
			sess.mu.Unlock()
		}
	})

	clk.Advance(time.Hour)
	assert.Equal(t, 1, reg.Sweep())
	assert.True(t, heldDuringDelete)
	_, err := reg.Get(sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
