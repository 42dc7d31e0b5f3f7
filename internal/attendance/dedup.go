package attendance

import "time"

// Transition is the outcome of applying the cooldown rule to a record.
type Transition struct {
	Accepted bool
	Previous Record
	Next     Record
}

// Decide applies the cooldown rule for a candidate event at time t.
//
// The event is accepted when the identity never attended or when strictly more
// than window has elapsed since the last accepted event. An event exactly window
// after the previous one is suppressed. Suppressed transitions carry Next equal
// to Previous.
func Decide(rec Record, t time.Time, window time.Duration) Transition {
	if rec.LastEventAt != nil && t.Sub(*rec.LastEventAt) <= window {
		return Transition{Previous: rec, Next: rec}
	}

	at := t
	next := Record{
		IdentityID:  rec.IdentityID,
		TotalCount:  rec.TotalCount + 1,
		LastEventAt: &at,
	}
	return Transition{Accepted: true, Previous: rec, Next: next}
}
