package state

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestEnv(t *testing.T, size int) (*Env, chan func(*State) error, *State) {
	ctx, cancel := context.WithCancelCause(context.Background())
	t.Cleanup(func() { cancel(nil) })
	dispatchChan := make(chan func(*State) error, size)
	env := &Env{
		DispatchChannel: dispatchChan,
		Context:         ctx,
		Cancel:          cancel,
	}
	return env, dispatchChan, &State{Env: env}
}

func TestDispatch(t *testing.T) {
	env, dispatchChan, state := newTestEnv(t, 10)

	var called bool
	env.Dispatch(func(s *State) error {
		called = true
		return nil
	})

	select {
	case f := <-dispatchChan:
		if err := f(state); err != nil {
			t.Errorf("Dispatch error: %v", err)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Timed out waiting for dispatched function")
	}

	if !called {
		t.Fatal("Dispatch function was not executed")
	}
}

func TestDispatchClosedChannel(t *testing.T) {
	env, dispatchChan, _ := newTestEnv(t, 1)
	close(dispatchChan)
	env.Dispatch(func(s *State) error { return nil })
	if env.Context.Err() == nil {
		t.Fatal("expected the environment to be cancelled after dispatching on a closed channel")
	}
}

func TestDispatchWait(t *testing.T) {
	env, dispatchChan, state := newTestEnv(t, 10)
	go func() {
		f := <-dispatchChan
		_ = f(state)
	}()
	res, err := env.DispatchWait(func(s *State) (any, error) {
		return 42, errors.New("boom")
	})
	if res != 42 || err == nil || err.Error() != "boom" {
		t.Fatalf("unexpected result %v, %v", res, err)
	}
}

func TestScheduleTask(t *testing.T) {
	env, dispatchChan, state := newTestEnv(t, 10)

	var taskCalled bool
	tm := env.ScheduleTask(func(s *State) error {
		taskCalled = true
		return nil
	}, 50*time.Millisecond)
	if !tm.Active() {
		t.Fatal("timer should be active before it fires")
	}

	select {
	case f := <-dispatchChan:
		if err := f(state); err != nil {
			t.Errorf("Scheduled task error: %v", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("No task was scheduled")
	}

	if !taskCalled {
		t.Fatal("Scheduled task was not executed")
	}
	if tm.Active() {
		t.Fatal("timer should not be active after firing")
	}
}

func TestScheduleCancelledBeforeDispatch(t *testing.T) {
	env, dispatchChan, state := newTestEnv(t, 10)

	var called bool
	tm := env.Schedule(20*time.Millisecond, func() { called = true })
	time.Sleep(60 * time.Millisecond)
	// the timer has been handed to the main loop but not run yet
	tm.Cancel()
	select {
	case f := <-dispatchChan:
		_ = f(state)
	default:
	}
	if called {
		t.Fatal("cancelled timer must not run")
	}
}

func TestRepeatTask(t *testing.T) {
	env, dispatchChan, state := newTestEnv(t, 10)

	var count int
	env.RepeatTask(func(s *State) error {
		count++
		if count >= 3 {
			env.Cancel(nil)
		}
		return nil
	}, 50*time.Millisecond)

loop:
	for {
		select {
		case f := <-dispatchChan:
			err := f(state)
			if err != nil {
				t.Fatalf("RepeatTask error: %v", err)
			}
		case <-env.Context.Done():
			break loop
		case <-time.After(500 * time.Millisecond):
			t.Fatal("Timed out waiting for RepeatTask to execute")
		}
	}
	if count != 3 {
		t.Fatalf("Expected 3 executions, got %d", count)
	}
}
