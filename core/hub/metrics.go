package hub

// Metrics receives counters from the hub actors. Implementations must be
// safe for concurrent use.
type Metrics interface {
	// MessageSent records one send operation and how many connections it
	// reached. Scope is "all", "connection", "user" or "group".
	MessageSent(scope string, delivered int)
	// InvocationCompleted records the outcome of a tracked client
	// invocation: "completed", "mismatched" or "abandoned".
	InvocationCompleted(outcome string)
}

// NopMetrics discards everything.
func NopMetrics() Metrics { return nopMetrics{} }

type nopMetrics struct{}

func (nopMetrics) MessageSent(string, int)    {}
func (nopMetrics) InvocationCompleted(string) {}
