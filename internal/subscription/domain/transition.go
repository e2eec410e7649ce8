package domain

// Trigger is an input to the subscription state machine. Triggers are the
// only way a subscription changes status; all callers go through Next.
type Trigger string

const (
	// TriggerChargeSucceeded covers the first activation payment, a cycle
	// charge and a retry charge.
	TriggerChargeSucceeded Trigger = "charge_succeeded"
	// TriggerChargeFailed is a non-final payment failure.
	TriggerChargeFailed Trigger = "charge_failed"
	// TriggerActivationFailed is a failed first payment, which is final.
	TriggerActivationFailed Trigger = "activation_failed"
	// TriggerRetriesExhausted fires when the retry budget is spent.
	TriggerRetriesExhausted Trigger = "retries_exhausted"
	// TriggerUserCancelled is an explicit user-initiated cancellation.
	TriggerUserCancelled Trigger = "user_cancelled"
)

// transitions is the full state table. A missing entry is an invalid
// transition. PAST_DUE + charge_failed is a self-loop: a failed retry with
// budget remaining records the attempt without changing status.
var transitions = map[SubscriptionStatus]map[Trigger]SubscriptionStatus{
	SubscriptionStatusPendingActivation: {
		TriggerChargeSucceeded:  SubscriptionStatusActive,
		TriggerActivationFailed: SubscriptionStatusCancelled,
	},
	SubscriptionStatusActive: {
		TriggerChargeSucceeded: SubscriptionStatusActive,
		TriggerChargeFailed:    SubscriptionStatusPastDue,
		TriggerUserCancelled:   SubscriptionStatusCancelled,
	},
	SubscriptionStatusPastDue: {
		TriggerChargeSucceeded:  SubscriptionStatusActive,
		TriggerChargeFailed:     SubscriptionStatusPastDue,
		TriggerRetriesExhausted: SubscriptionStatusCancelled,
		TriggerUserCancelled:    SubscriptionStatusCancelled,
	},
	// CANCELLED is terminal: no outgoing entries.
}

// Next resolves the state the machine moves to when trigger fires in
// current. A terminal current state returns ErrAlreadyTerminal; any other
// missing entry is ErrInvalidTransition.
func Next(current SubscriptionStatus, trigger Trigger) (SubscriptionStatus, error) {
	if current == SubscriptionStatusCancelled {
		return "", ErrAlreadyTerminal
	}
	byTrigger, ok := transitions[current]
	if !ok {
		return "", ErrInvalidTransition
	}
	next, ok := byTrigger[trigger]
	if !ok {
		return "", ErrInvalidTransition
	}
	return next, nil
}

// IsTerminal reports whether status admits no further transitions.
func IsTerminal(status SubscriptionStatus) bool {
	return status == SubscriptionStatusCancelled
}
