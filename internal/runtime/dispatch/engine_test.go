package dispatch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/eventbus/internal/runtime/codec"
	"github.com/drblury/eventbus/internal/runtime/envelope"
)

type orderPlaced struct {
	OrderID string `json:"order_id"`
	Qty     int    `json:"qty"`
}

type insufficientStock struct {
	SKU string
}

func (e *insufficientStock) Error() string { return "insufficient stock for " + e.SKU }

type countingDecoder struct {
	calls int
	inner codec.Decoder
}

func (c *countingDecoder) Decode(data []byte) (any, error) {
	c.calls++
	return c.inner.Decode(data)
}

func orderRecord(t *testing.T) []byte {
	t.Helper()
	return envelope.MustEncode("OrderPlaced", []byte(`{"order_id":"o-1","qty":2}`))
}

func TestDispatchDelivers(t *testing.T) {
	var got []orderPlaced
	table := Registrations{{
		Name:      "billing",
		EventType: "OrderPlaced",
		Decoder:   codec.JSON[orderPlaced](),
		Invoker: Bind(func(_ context.Context, o orderPlaced) error {
			got = append(got, o)
			return nil
		}),
	}}

	out := NewEngine(envelope.Binary(), nil).Dispatch(context.Background(), orderRecord(t), table)

	require.Len(t, out, 1)
	assert.Equal(t, KindDelivered, out[0].Kind)
	assert.Equal(t, "billing", out[0].Handler)
	assert.Equal(t, "OrderPlaced", out[0].EventType)
	assert.NoError(t, out[0].Err)
	assert.Equal(t, []orderPlaced{{OrderID: "o-1", Qty: 2}}, got)
}

func TestDispatchNoSubscriber(t *testing.T) {
	log := newRecordingLogger()
	dec := &countingDecoder{inner: codec.JSON[orderPlaced]()}
	table := Registrations{{Name: "shipping", EventType: "OrderShipped", Decoder: dec, Invoker: Bind(func(context.Context, orderPlaced) error { return nil })}}

	out := NewEngine(envelope.Binary(), log).Dispatch(context.Background(), orderRecord(t), table)

	assert.Equal(t, Outcomes{{Kind: KindSkipped, Reason: ReasonNoSubscriber, EventType: "OrderPlaced"}}, out)
	assert.Zero(t, dec.calls)
	require.Len(t, log.levels("debug"), 1)
	assert.Empty(t, log.levels("error"))
}

func TestDispatchEmptyTable(t *testing.T) {
	out := NewEngine(nil, nil).Dispatch(context.Background(), orderRecord(t), NewRegistry())
	require.Len(t, out, 1)
	assert.Equal(t, ReasonNoSubscriber, out[0].Reason)

	out = NewEngine(nil, nil).Dispatch(context.Background(), orderRecord(t), nil)
	assert.Equal(t, ReasonNoSubscriber, out[0].Reason)
}

func TestDispatchParseErrorTouchesNothing(t *testing.T) {
	log := newRecordingLogger()
	dec := &countingDecoder{inner: codec.Raw()}
	called := false
	table := Registrations{{Name: "any", EventType: "OrderPlaced", Decoder: dec, Invoker: Bind(func(context.Context, []byte) error {
		called = true
		return nil
	})}}

	raw := orderRecord(t)
	out := NewEngine(envelope.Binary(), log).Dispatch(context.Background(), raw[:5], table)

	require.Len(t, out, 1)
	assert.Equal(t, KindSkipped, out[0].Kind)
	assert.Equal(t, ReasonParseError, out[0].Reason)
	assert.ErrorIs(t, out[0].Err, envelope.ErrTruncated)
	assert.Zero(t, dec.calls)
	assert.False(t, called)

	errs := log.levels("error")
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0].err, envelope.ErrTruncated)
}

func TestDispatchBusinessErrorSurfacesUnchanged(t *testing.T) {
	bizErr := &insufficientStock{SKU: "sku-9"}
	table := Registrations{{
		Name:      "inventory",
		EventType: "OrderPlaced",
		Decoder:   codec.JSON[orderPlaced](),
		Invoker:   Bind(func(context.Context, orderPlaced) error { return bizErr }),
	}}

	out := NewEngine(nil, nil).Dispatch(context.Background(), orderRecord(t), table)

	require.Len(t, out, 1)
	assert.Equal(t, KindHandlerThrew, out[0].Kind)
	assert.Same(t, bizErr, out[0].Err)
	assert.Equal(t, "insufficient stock for sku-9", out[0].Err.Error())

	var target *insufficientStock
	assert.True(t, errors.As(out[0].Err, &target))
	assert.True(t, out.HasUnresolved())
}

func TestDispatchInvokesEveryMatchInOrder(t *testing.T) {
	var calls []string
	handler := func(name string, err error) Invoker {
		return Bind(func(context.Context, orderPlaced) error {
			calls = append(calls, name)
			return err
		})
	}
	boom := errors.New("boom")
	reg := NewRegistry()
	for _, r := range []Registration{
		{Name: "first", EventType: "OrderPlaced", Decoder: codec.JSON[orderPlaced](), Invoker: handler("first", nil)},
		{Name: "second", EventType: "OrderPlaced", Decoder: codec.JSON[orderPlaced](), Invoker: handler("second", boom)},
		{Name: "other", EventType: "OrderShipped", Decoder: codec.JSON[orderPlaced](), Invoker: handler("other", nil)},
		{Name: "third", EventType: "OrderPlaced", Decoder: codec.JSON[orderPlaced](), Invoker: handler("third", nil)},
	} {
		require.NoError(t, reg.Register(r))
	}

	out := NewEngine(nil, nil).Dispatch(context.Background(), orderRecord(t), reg)

	assert.Equal(t, []string{"first", "second", "third"}, calls)
	assert.Equal(t, []Kind{KindDelivered, KindHandlerThrew, KindDelivered}, out.Kinds())
	assert.Equal(t, []error{boom}, out.Causes())
}

func TestDispatchArgumentMismatchNeverInvokes(t *testing.T) {
	log := newRecordingLogger()
	called := false
	table := Registrations{{
		Name:      "wrong-type",
		EventType: "OrderPlaced",
		Decoder:   codec.JSON[orderPlaced](),
		Invoker: Bind(func(context.Context, *orderPlaced) error {
			called = true
			return nil
		}),
	}}

	out := NewEngine(nil, log).Dispatch(context.Background(), orderRecord(t), table)

	require.Len(t, out, 1)
	assert.False(t, called)
	assert.Equal(t, KindHandlerRejected, out[0].Kind)
	assert.Equal(t, ReasonArgumentMismatch, out[0].Reason)
	var argErr *ArgumentError
	require.True(t, errors.As(out[0].Err, &argErr))
	assert.Equal(t, "*dispatch.orderPlaced", argErr.Want)
	assert.Equal(t, "dispatch.orderPlaced", argErr.Got)
	assert.False(t, out.HasUnresolved())
	require.Len(t, log.levels("warn"), 1)
	assert.Empty(t, log.levels("error"))
}

func TestDispatchCodecFailures(t *testing.T) {
	noop := Bind(func(context.Context, orderPlaced) error { return nil })
	table := Registrations{
		{Name: "no-codec", EventType: "OrderPlaced", Invoker: noop},
		{Name: "missing-proto", EventType: "OrderPlaced", Decoder: codec.ProtoByName("shop.v1.Unknown", codec.ProtoBinary), Invoker: noop},
		{Name: "bad-payload", EventType: "OrderPlaced", Decoder: codec.JSON[int](), Invoker: noop},
		{Name: "panicky", EventType: "OrderPlaced", Decoder: codec.DecoderFunc(func([]byte) (any, error) { panic("codec bug") }), Invoker: noop},
		{Name: "fine", EventType: "OrderPlaced", Decoder: codec.JSON[orderPlaced](), Invoker: noop},
	}

	out := NewEngine(nil, nil).Dispatch(context.Background(), orderRecord(t), table)

	require.Len(t, out, 5)
	assert.Equal(t, ReasonCodecUnavailable, out[0].Reason)
	assert.Equal(t, ReasonCodecUnavailable, out[1].Reason)
	assert.Equal(t, ReasonDecodeError, out[2].Reason)
	assert.Equal(t, ReasonDecodeError, out[3].Reason)
	assert.Equal(t, KindDelivered, out[4].Kind)
	assert.Equal(t, 4, out.Count(KindHandlerRejected))
}

func TestDispatchUnwrapsInvocationErrors(t *testing.T) {
	bizErr := &insufficientStock{SKU: "sku-1"}
	wrapped := InvokerFunc(func(context.Context, any) Result {
		return Threw(&InvocationError{Handler: "outer", Cause: &InvocationError{Handler: "inner", Cause: bizErr}})
	})
	bare := InvokerFunc(func(context.Context, any) Result { return Threw(nil) })
	table := Registrations{
		{Name: "reflective", EventType: "OrderPlaced", Decoder: codec.Raw(), Invoker: wrapped},
		{Name: "bare", EventType: "OrderPlaced", Decoder: codec.Raw(), Invoker: bare},
	}

	out := NewEngine(nil, nil).Dispatch(context.Background(), orderRecord(t), table)

	assert.Same(t, bizErr, out[0].Err)
	assert.ErrorIs(t, out[1].Err, ErrNoCause)
}

func TestDispatchRejectionsFromInvokers(t *testing.T) {
	type billing struct{}
	var nilOwner *billing
	method := func(*billing, context.Context, orderPlaced) error { return nil }

	table := Registrations{
		{Name: "nil-owner", EventType: "OrderPlaced", Decoder: codec.JSON[orderPlaced](), Invoker: BindMethod(nilOwner, method)},
		{Name: "nil-method", EventType: "OrderPlaced", Decoder: codec.JSON[orderPlaced](), Invoker: BindMethod[billing, orderPlaced](&billing{}, nil)},
		{Name: "nil-func", EventType: "OrderPlaced", Decoder: codec.JSON[orderPlaced](), Invoker: Bind[orderPlaced](nil)},
		{Name: "no-invoker", EventType: "OrderPlaced", Decoder: codec.JSON[orderPlaced]()},
		{Name: "custom", EventType: "OrderPlaced", Decoder: codec.JSON[orderPlaced](), Invoker: InvokerFunc(func(context.Context, any) Result {
			return Rejected("", errors.New("refused"))
		})},
	}

	out := NewEngine(nil, nil).Dispatch(context.Background(), orderRecord(t), table)

	require.Len(t, out, 5)
	assert.Equal(t, ReasonOwnerUnavailable, out[0].Reason)
	assert.Equal(t, ReasonHandlerUnbound, out[1].Reason)
	assert.Equal(t, ReasonHandlerUnbound, out[2].Reason)
	assert.Equal(t, ReasonHandlerUnbound, out[3].Reason)
	assert.Equal(t, ReasonArgumentMismatch, out[4].Reason)
	for _, o := range out {
		assert.Equal(t, KindHandlerRejected, o.Kind, o.Handler)
	}
}

func TestDispatchMethodHandler(t *testing.T) {
	type billing struct{ seen []string }
	owner := &billing{}
	table := Registrations{{
		Name:      "billing.OnOrderPlaced",
		Owner:     owner,
		EventType: "OrderPlaced",
		Decoder:   codec.JSON[orderPlaced](),
		Invoker: BindMethod(owner, func(b *billing, _ context.Context, o orderPlaced) error {
			b.seen = append(b.seen, o.OrderID)
			return nil
		}),
	}}

	out := NewEngine(nil, nil).Dispatch(context.Background(), orderRecord(t), table)

	assert.Equal(t, KindDelivered, out[0].Kind)
	assert.Equal(t, []string{"o-1"}, owner.seen)
}

func TestDispatchRecoversPanics(t *testing.T) {
	table := Registrations{
		{Name: "panics", EventType: "OrderPlaced", Decoder: codec.Raw(), Invoker: Bind(func(context.Context, []byte) error { panic("kaboom") })},
		{Name: "raw-panic", EventType: "OrderPlaced", Decoder: codec.Raw(), Invoker: InvokerFunc(func(context.Context, any) Result { panic(errors.New("raw")) })},
		{Name: "after", EventType: "OrderPlaced", Decoder: codec.Raw(), Invoker: Bind(func(context.Context, []byte) error { return nil })},
	}

	out := NewEngine(nil, nil).Dispatch(context.Background(), orderRecord(t), table)

	require.Len(t, out, 3)
	var pe *PanicError
	require.True(t, errors.As(out[0].Err, &pe))
	assert.Equal(t, "kaboom", pe.Value)
	assert.NotEmpty(t, pe.Stack)
	assert.Equal(t, KindHandlerThrew, out[1].Kind)
	assert.EqualError(t, errors.Unwrap(out[1].Err), "raw")
	var rawPanic *PanicError
	require.True(t, errors.As(out[1].Err, &rawPanic))
	assert.NotEmpty(t, rawPanic.Stack, "custom invokers keep the panic stack")
	assert.Equal(t, KindDelivered, out[2].Kind)
}

func TestDispatchIsDeterministic(t *testing.T) {
	bizErr := errors.New("declined")
	table := Registrations{
		{Name: "ok", EventType: "OrderPlaced", Decoder: codec.JSON[orderPlaced](), Invoker: Bind(func(context.Context, orderPlaced) error { return nil })},
		{Name: "declines", EventType: "OrderPlaced", Decoder: codec.JSON[orderPlaced](), Invoker: Bind(func(context.Context, orderPlaced) error { return bizErr })},
		{Name: "mismatch", EventType: "OrderPlaced", Decoder: codec.JSON[orderPlaced](), Invoker: Bind(func(context.Context, string) error { return nil })},
	}
	engine := NewEngine(nil, nil)

	first := engine.Dispatch(context.Background(), orderRecord(t), table)
	second := engine.Dispatch(context.Background(), orderRecord(t), table)

	assert.Equal(t, first, second)
}

func TestDispatchObserverAndRecordFields(t *testing.T) {
	log := newRecordingLogger()
	var observed []Outcome
	engine := NewEngine(envelope.Binary(), log,
		WithConsumerGroup("billing-svc"),
		WithObserver(ObserverFunc(func(_ context.Context, o Outcome, elapsed time.Duration) {
			assert.GreaterOrEqual(t, elapsed, time.Duration(0))
			observed = append(observed, o)
		})),
	)
	table := Registrations{
		{Name: "a", EventType: "OrderPlaced", Decoder: codec.Raw(), Invoker: Bind(func(context.Context, []byte) error { return nil })},
		{Name: "b", EventType: "OrderPlaced", Decoder: codec.Raw(), Invoker: Bind(func(context.Context, []byte) error { return fmt.Errorf("nope") })},
	}
	ctx := WithRecord(context.Background(), Record{Topic: "orders", Partition: 2, Offset: 41, Key: "42"})

	out := engine.Dispatch(ctx, orderRecord(t), table)

	assert.Equal(t, []Outcome(out), observed)
	errs := log.levels("error")
	require.Len(t, errs, 1)
	assert.Equal(t, "orders", errs[0].fields["topic"])
	assert.Equal(t, int64(41), errs[0].fields["offset"])
	assert.Equal(t, "billing-svc", errs[0].fields["group"])
	assert.Equal(t, "b", errs[0].fields["handler"])

	debug := log.levels("debug")
	assert.Len(t, debug, 4, "begin and end per handler")

	engine.Dispatch(ctx, []byte{0x01}, table)
	assert.Len(t, observed, 3)
	assert.Equal(t, ReasonParseError, observed[2].Reason)
}

func TestRecordFromContext(t *testing.T) {
	_, ok := RecordFromContext(context.Background())
	assert.False(t, ok)

	rec := Record{Topic: "orders", Offset: 7}
	got, ok := RecordFromContext(WithRecord(context.Background(), rec))
	assert.True(t, ok)
	assert.Equal(t, rec, got)
}
