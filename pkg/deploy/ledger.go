package deploy

import (
	"context"
	"fmt"
)

// action is a committed side effect and the step that undoes it
type action struct {
	name string
	undo func(ctx context.Context) error
}

// ledger records committed actions so a failed run can be unwound
type ledger struct {
	actions []action
}

func (l *ledger) commit(name string, undo func(ctx context.Context) error) {
	l.actions = append(l.actions, action{name: name, undo: undo})
}

func (l *ledger) len() int {
	return len(l.actions)
}

// unwind runs every undo in reverse commit order. A failing step does not
// stop the ones after it. Once ctx is done the remaining steps are reported
// as not attempted.
func (l *ledger) unwind(ctx context.Context, onStep func(name string, err error)) []UnwindFailure {
	var failures []UnwindFailure

	for i := len(l.actions) - 1; i >= 0; i-- {
		a := l.actions[i]

		var err error
		if cerr := ctx.Err(); cerr != nil {
			err = fmt.Errorf("not attempted: %w", cerr)
		} else {
			err = a.undo(ctx)
		}

		if onStep != nil {
			onStep(a.name, err)
		}
		if err != nil {
			failures = append(failures, UnwindFailure{Action: a.name, Err: err})
		}
	}

	l.actions = nil
	return failures
}
