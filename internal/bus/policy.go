package bus

import "fmt"

// Policy is the configured strategy for a full per-session queue.
// Exactly one policy governs overflow per run.
type Policy uint8

const (
	// PolicyDrop evicts the oldest queued record and counts an overrun.
	// Bounds latency; the default.
	PolicyDrop Policy = iota
	// PolicyBackpressure blocks Submit until every attached session has room.
	// No record is ever dropped.
	PolicyBackpressure
	// PolicyDisconnect closes a session the first time its queue overflows.
	PolicyDisconnect
)

func (p Policy) String() string {
	switch p {
	case PolicyDrop:
		return "drop"
	case PolicyBackpressure:
		return "backpressure"
	case PolicyDisconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("policy(%d)", uint8(p))
	}
}

func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "drop":
		return PolicyDrop, nil
	case "backpressure":
		return PolicyBackpressure, nil
	case "disconnect":
		return PolicyDisconnect, nil
	default:
		return PolicyDrop, fmt.Errorf("unknown overflow policy %q (want drop, backpressure or disconnect)", s)
	}
}
