package state

import (
	"fmt"
	"time"
)

// Dispatch posts fun to run on the dispatch goroutine without waiting for it
// to complete.
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

// DispatchWait posts fun to run on the dispatch goroutine and waits for it to
// complete.
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

// ScheduleTask runs fun on the dispatch goroutine after delay, unless the
// node is shut down first.
func (e *Env) ScheduleTask(fun func(*State) error, delay time.Duration) {
	e.Clock.AfterFunc(delay, func() {
		if e.Context.Err() != nil {
			return
		}
		e.Dispatch(fun)
	})
}

func (e *Env) repeatedTask(fun func(*State) error, delay time.Duration) {
	t := e.Clock.Ticker(delay)
	defer t.Stop()
	for {
		e.Dispatch(fun)
		select {
		case <-t.C:
		case <-e.Context.Done():
			return
		}
	}
}

// RepeatTask runs fun on the dispatch goroutine every delay until shutdown.
func (e *Env) RepeatTask(fun func(*State) error, delay time.Duration) {
	go e.repeatedTask(fun, delay)
}
