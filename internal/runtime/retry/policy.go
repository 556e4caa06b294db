// Package retry wraps the dispatch of one record in a pluggable policy. A
// policy may run the work several times but never changes how a single
// dispatch classifies its outcomes.
package retry

import (
	"context"

	"github.com/drblury/eventbus/internal/runtime/dispatch"
)

// Work performs one dispatch attempt.
type Work func(ctx context.Context) dispatch.Outcomes

// Policy runs Work for one record and returns the final outcomes.
type Policy interface {
	Run(ctx context.Context, work Work) dispatch.Outcomes
}

// PolicyFunc adapts a function to the Policy interface.
type PolicyFunc func(ctx context.Context, work Work) dispatch.Outcomes

func (f PolicyFunc) Run(ctx context.Context, work Work) dispatch.Outcomes {
	return f(ctx, work)
}

// State is the retry context for one record. Attempt starts at 1.
type State struct {
	Attempt     int
	LastFailure error
}

type stateKey struct{}

func withState(ctx context.Context, st State) context.Context {
	return context.WithValue(ctx, stateKey{}, st)
}

// StateFromContext exposes the current attempt to handlers and inner policies.
func StateFromContext(ctx context.Context) (State, bool) {
	st, ok := ctx.Value(stateKey{}).(State)
	return st, ok
}

// NoRetry runs the work exactly once and returns its outcomes unchanged.
func NoRetry() Policy {
	return PolicyFunc(func(ctx context.Context, work Work) dispatch.Outcomes {
		return work(withState(ctx, State{Attempt: 1}))
	})
}

func firstUnresolved(out dispatch.Outcomes) (dispatch.Outcome, bool) {
	for _, o := range out {
		if o.Unresolved() {
			return o, true
		}
	}
	return dispatch.Outcome{}, false
}
