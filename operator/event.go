package operator

import (
	"context"
)

type (
	// event is applied by the loop. Events are applied one at a time in
	// the order they were sent.
	//
	// errs is used to provide errors to the caller, it's nil for events
	// nobody waits for. release frees resources of an event that is
	// dropped.
	event struct {
		name    string
		fn      func() error
		release func()
		errs
	}

	// errs is a wrapper for error channels. It's used to return error of
	// the event.
	errs chan error
)

func (e errs) feedback(err error) {
	if e != nil {
		e <- err
	}
}

func (e event) String() string {
	return "event." + e.name
}

// loop applies events until the context is done.
func (sm *StateMachine) loop(ctx context.Context, events <-chan event) error {
	for {
		select {
		case e := <-events:
			err := e.fn()
			if err != nil && e.errs == nil {
				sm.logger.Debugf("%v: %v", e, err)
			}
			e.feedback(err)
		case <-ctx.Done():
			return nil
		}
	}
}

// do sends event to the loop and waits for its result.
func (sm *StateMachine) do(ctx context.Context, name string, fn func() error) error {
	sm.mu.RLock()
	events, done := sm.events, sm.done
	sm.mu.RUnlock()
	if events == nil {
		return ErrNotStarted
	}
	e := event{name: name, fn: fn, errs: make(errs, 1)}
	select {
	case events <- e:
	case <-done:
		return ErrNotStarted
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-e.errs:
		return err
	case <-done:
		return ErrNotStarted
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post sends event to the loop without waiting for the result. It returns
// false if the loop is done.
func (sm *StateMachine) post(ctx context.Context, events chan<- event, name string, fn func() error, release func()) bool {
	select {
	case events <- event{name: name, fn: fn, release: release}:
		return true
	case <-ctx.Done():
		return false
	}
}

// Do executes fn in the loop goroutine, between handling of module
// messages, and returns its result. The state machine lock is not held
// while fn runs.
func (sm *StateMachine) Do(ctx context.Context, fn func() error) error {
	return sm.do(ctx, "request", fn)
}

// drop answers events left after the loop stopped without applying them.
func drop(events <-chan event) {
	for {
		select {
		case e := <-events:
			if e.release != nil {
				e.release()
			}
			e.feedback(ErrNotStarted)
		default:
			return
		}
	}
}
