package procurement

import "fmt"

// ComputeEffectiveStatus derives the receiving status from line quantities.
func ComputeEffectiveStatus(lines []Line) Status {
	var ordered, received int64
	for _, l := range lines {
		ordered += l.OrderedQty
		received += min(l.ReceivedQty, l.OrderedQty)
	}
	switch {
	case received == 0:
		return StatusDelivered
	case received < ordered:
		return StatusPartial
	default:
		return StatusComplete
	}
}

// Explicit reports whether s is set by an action rather than derived.
func (s Status) Explicit() bool {
	return s == StatusApproved || s == StatusReceived || s == StatusReturn
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusDelivered, StatusPartial, StatusComplete, StatusApproved, StatusReceived, StatusReturn:
		return true
	}
	return false
}

// Resolve returns the status callers should trust. The stored value is only
// a cache for the derived statuses.
func Resolve(stored Status, lines []Line) Status {
	if stored.Explicit() {
		return stored
	}
	return ComputeEffectiveStatus(lines)
}

// transitions lists the events each status accepts.
var transitions = map[Status]map[Event]bool{
	StatusDelivered: {EventReceive: true, EventApprove: true, EventCancel: true},
	StatusPartial:   {EventReceive: true, EventApprove: true, EventCancel: true},
	StatusComplete:  {EventApprove: true, EventCancel: true},
	StatusApproved:  {EventAutoReceive: true},
	StatusReceived:  {},
	StatusReturn:    {},
}

// approvalPaths lists every status an approval passes through, in order.
var approvalPaths = map[Status][]Status{
	StatusDelivered: {StatusApproved, StatusComplete, StatusReceived},
	StatusPartial:   {StatusApproved, StatusComplete, StatusReceived},
	StatusComplete:  {StatusApproved, StatusReceived},
}

// CanApply reports whether event is allowed from status.
func CanApply(from Status, event Event) bool {
	return transitions[from][event]
}

func checkTransition(from Status, event Event) error {
	if !CanApply(from, event) {
		return fmt.Errorf("%w: cannot %s an order in status %q", ErrInvalidState, event, from)
	}
	return nil
}

// ApprovalPath returns the hops an approval takes from the given status.
func ApprovalPath(from Status) ([]Status, error) {
	if err := checkTransition(from, EventApprove); err != nil {
		return nil, err
	}
	path := approvalPaths[from]
	out := make([]Status, len(path))
	copy(out, path)
	return out, nil
}
