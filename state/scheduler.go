package state

import (
	"fmt"
	"time"
)

// Dispatch Dispatches the function to run on the main thread without waiting for it to complete
func (e *Env) Dispatch(fun func(*State) error) {
	defer func() {
		if r := recover(); r != nil {
			e.Cancel(fmt.Errorf("panic: %v", r))
		}
	}()
	select {
	case e.DispatchChannel <- fun:
	case <-e.Context.Done():
	}
}

// DispatchWait Dispatches the function to run on the main thread and wait for it to complete
func (e *Env) DispatchWait(fun func(*State) (any, error)) (any, error) {
	ret := make(chan Pair[any, error], 1)
	e.Dispatch(func(s *State) error {
		res, err := fun(s)
		ret <- Pair[any, error]{res, err}
		return err
	})
	select {
	case res := <-ret:
		return res.V1, res.V2
	case <-e.Context.Done():
		return nil, e.Context.Err()
	}
}

// ScheduleTask runs fun on the main thread after delay. The returned timer can be used to cancel it.
func (e *Env) ScheduleTask(fun func(*State) error, delay time.Duration) *Timer {
	t := newTimer(time.Now().Add(delay), nil)
	t.fn = func() {
		e.Dispatch(func(s *State) error {
			if !t.claim() {
				return nil
			}
			return fun(s)
		})
	}
	at := time.AfterFunc(delay, t.fn)
	t.stop = at.Stop
	return t
}

func (e *Env) repeatedTask(fun func(*State) error, delay time.Duration) {
	for e.Context.Err() == nil {
		e.Dispatch(fun)
		select {
		case <-time.After(delay):
		case <-e.Context.Done():
		}
	}
}

func (e *Env) RepeatTask(fun func(*State) error, delay time.Duration) {
	go e.repeatedTask(fun, delay)
}

// Now implements Clock using the wall clock
func (e *Env) Now() time.Time {
	return time.Now()
}

// Schedule implements Clock. fn is always executed on the main thread.
func (e *Env) Schedule(delay time.Duration, fn func()) *Timer {
	return e.ScheduleTask(func(s *State) error {
		fn()
		return nil
	}, max(delay, 0))
}
