package dispatch

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
)

// ResultKind tags an invocation result.
type ResultKind int

const (
	ResultOK ResultKind = iota
	ResultRejected
	ResultThrew
)

// Result is what an Invoker reports back to the engine. A rejected result
// means the handler was never entered; a threw result carries the handler's
// own error.
type Result struct {
	Kind   ResultKind
	Reason string
	Err    error
}

func OK() Result { return Result{Kind: ResultOK} }

func Rejected(reason string, err error) Result {
	return Result{Kind: ResultRejected, Reason: reason, Err: err}
}

func Threw(err error) Result {
	return Result{Kind: ResultThrew, Err: err}
}

// Invoker delivers a decoded value to a handler.
type Invoker interface {
	Invoke(ctx context.Context, value any) Result
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, value any) Result

func (f InvokerFunc) Invoke(ctx context.Context, value any) Result {
	return f(ctx, value)
}

var (
	// ErrHandlerUnbound is reported when a registration has no callable handler.
	ErrHandlerUnbound = errors.New("dispatch: handler is not bound")
	// ErrOwnerUnavailable is reported when a method handler has no receiver.
	ErrOwnerUnavailable = errors.New("dispatch: handler owner is unavailable")
	// ErrNoCause stands in for a threw result that carried no error.
	ErrNoCause = errors.New("dispatch: handler failed without an error")
)

// ArgumentError reports a decoded value the handler does not accept.
type ArgumentError struct {
	Want string
	Got  string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("handler accepts %s, decoded value is %s", e.Want, e.Got)
}

// PanicError carries a recovered handler panic.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.Value)
}

// Unwrap exposes a panic value that is itself an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// InvocationError is the wrapper custom invokers may put around a handler
// error. The engine strips every such layer before reporting, so outcomes
// always carry the handler's own error.
type InvocationError struct {
	Handler string
	Cause   error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("invoking %s: %v", e.Handler, e.Cause)
}

func (e *InvocationError) Unwrap() error {
	return e.Cause
}

// Bind adapts a typed handler function. The decoded value must be exactly a T;
// anything else is rejected without calling fn.
func Bind[T any](fn func(context.Context, T) error) Invoker {
	return InvokerFunc(func(ctx context.Context, value any) Result {
		if fn == nil {
			return Rejected(ReasonHandlerUnbound, ErrHandlerUnbound)
		}
		arg, ok := value.(T)
		if !ok {
			return Rejected(ReasonArgumentMismatch, &ArgumentError{Want: typeName[T](), Got: fmt.Sprintf("%T", value)})
		}
		return call(func() error { return fn(ctx, arg) })
	})
}

// BindMethod adapts a method expression such as (*Billing).OnOrderPlaced
// bound to owner. A nil owner is rejected as owner-unavailable.
func BindMethod[O any, T any](owner *O, method func(*O, context.Context, T) error) Invoker {
	return InvokerFunc(func(ctx context.Context, value any) Result {
		if method == nil {
			return Rejected(ReasonHandlerUnbound, ErrHandlerUnbound)
		}
		if owner == nil {
			return Rejected(ReasonOwnerUnavailable, ErrOwnerUnavailable)
		}
		arg, ok := value.(T)
		if !ok {
			return Rejected(ReasonArgumentMismatch, &ArgumentError{Want: typeName[T](), Got: fmt.Sprintf("%T", value)})
		}
		return call(func() error { return method(owner, ctx, arg) })
	})
}

func call(fn func() error) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Threw(&PanicError{Value: r, Stack: debug.Stack()})
		}
	}()
	if err := fn(); err != nil {
		return Threw(err)
	}
	return OK()
}

// unwrapInvocation strips outer InvocationError layers only; the handler's
// own error keeps its identity and chain.
func unwrapInvocation(err error) error {
	for {
		ie, ok := err.(*InvocationError)
		if !ok || ie.Cause == nil {
			return err
		}
		err = ie.Cause
	}
}

func typeName[T any]() string {
	return reflect.TypeOf((*T)(nil)).Elem().String()
}
