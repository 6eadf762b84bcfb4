package hub

import "encoding/json"

// InvocationMessage is what the backplane delivers to a hosting server so
// it can write an invocation to a client socket. Args are kept opaque; the
// backplane routes them, it does not interpret them.
type InvocationMessage struct {
	// InvocationID is set only when the sender expects a result back.
	InvocationID string            `json:"invocation_id,omitempty"`
	Target       string            `json:"target"`
	Args         []json.RawMessage `json:"args,omitempty"`
}

// CompletionMessage carries a client's answer to a server-initiated
// invocation back to the caller. Exactly one of Result or Error is
// meaningful, selected by Success.
type CompletionMessage struct {
	InvocationID string          `json:"invocation_id"`
	ConnectionID string          `json:"connection_id"`
	Success      bool            `json:"success"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
}
