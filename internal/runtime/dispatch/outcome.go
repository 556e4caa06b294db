package dispatch

import "errors"

// Kind classifies what happened to one (record, registration) pair.
type Kind int

const (
	// KindSkipped means no handler ran: the record could not be parsed or
	// nothing is registered for its event type.
	KindSkipped Kind = iota
	// KindDelivered means the handler returned normally.
	KindDelivered
	// KindHandlerRejected means the handler could not be invoked for this
	// record. It is a configuration anomaly and is never retried.
	KindHandlerRejected
	// KindHandlerThrew means the handler ran and returned a business error.
	KindHandlerThrew
)

func (k Kind) String() string {
	switch k {
	case KindSkipped:
		return "skipped"
	case KindDelivered:
		return "delivered"
	case KindHandlerRejected:
		return "handler_rejected"
	case KindHandlerThrew:
		return "handler_threw"
	default:
		return "unknown"
	}
}

// Record verdicts reported by Outcomes.Verdict, ordered by severity.
const (
	VerdictSkipped      = "skipped"
	VerdictDelivered    = "delivered"
	VerdictRejected     = "rejected"
	VerdictDeadLettered = "dead_lettered"
	VerdictUnresolved   = "unresolved"
)

// Reasons attached to skipped and rejected outcomes.
const (
	ReasonParseError       = "parse-error"
	ReasonNoSubscriber     = "no-subscriber"
	ReasonDecodeError      = "decode-error"
	ReasonCodecUnavailable = "codec-unavailable"
	ReasonArgumentMismatch = "argument-mismatch"
	ReasonOwnerUnavailable = "owner-unavailable"
	ReasonHandlerUnbound   = "handler-unbound"
)

// Outcome is the result of delivering one record to one registration, or the
// single skip produced when no registration was consulted.
type Outcome struct {
	Kind      Kind
	Reason    string
	Handler   string
	EventType string
	// Err is the cause. For KindHandlerThrew it is exactly the error the
	// handler returned, with invocation wrappers removed.
	Err error
	// DeadLettered is set by a retry policy that routed the record elsewhere.
	DeadLettered bool
}

// Unresolved reports whether a handler failure still needs the record.
func (o Outcome) Unresolved() bool {
	return o.Kind == KindHandlerThrew && !o.DeadLettered
}

// Outcomes is the ordered result of one dispatch.
type Outcomes []Outcome

// HasUnresolved reports whether any outcome is an unresolved handler failure.
func (oc Outcomes) HasUnresolved() bool {
	for _, o := range oc {
		if o.Unresolved() {
			return true
		}
	}
	return false
}

// Count returns the number of outcomes of the given kind.
func (oc Outcomes) Count(kind Kind) int {
	n := 0
	for _, o := range oc {
		if o.Kind == kind {
			n++
		}
	}
	return n
}

// Kinds lists the kinds in dispatch order.
func (oc Outcomes) Kinds() []Kind {
	kinds := make([]Kind, len(oc))
	for i, o := range oc {
		kinds[i] = o.Kind
	}
	return kinds
}

// Causes returns the errors of every HandlerThrew outcome in dispatch order.
func (oc Outcomes) Causes() []error {
	var causes []error
	for _, o := range oc {
		if o.Kind == KindHandlerThrew && o.Err != nil {
			causes = append(causes, o.Err)
		}
	}
	return causes
}

// Err joins the causes of unresolved outcomes, or returns nil.
func (oc Outcomes) Err() error {
	var errs []error
	for _, o := range oc {
		if o.Unresolved() && o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	return errors.Join(errs...)
}

// MarkDeadLettered returns a copy with every unresolved outcome marked as
// dead-lettered.
func (oc Outcomes) MarkDeadLettered() Outcomes {
	out := make(Outcomes, len(oc))
	copy(out, oc)
	for i := range out {
		if out[i].Unresolved() {
			out[i].DeadLettered = true
		}
	}
	return out
}

// Verdict summarises the final outcomes of one record. An unresolved
// failure wins over everything else.
func (oc Outcomes) Verdict() string {
	verdict := VerdictSkipped
	for _, o := range oc {
		switch {
		case o.Unresolved():
			return VerdictUnresolved
		case o.Kind == KindHandlerThrew && o.DeadLettered:
			verdict = VerdictDeadLettered
		case o.Kind == KindHandlerRejected && verdict != VerdictDeadLettered:
			verdict = VerdictRejected
		case o.Kind == KindDelivered && verdict == VerdictSkipped:
			verdict = VerdictDelivered
		}
	}
	return verdict
}

func skipped(reason, eventType string, err error) Outcomes {
	return Outcomes{{Kind: KindSkipped, Reason: reason, EventType: eventType, Err: err}}
}
