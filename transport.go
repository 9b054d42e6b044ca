package workbench

import (
	"context"
	"iter"
)

// ClientTransport provides the client-side communication layer toward an MCP server.
type ClientTransport interface {
	// StartSession establishes the underlying channel (spawning a process,
	// opening an HTTP stream, or simply validating state for stateless mode)
	// and returns the session. Operations are canceled when the context is
	// canceled, and appropriate errors are returned for connection failures.
	StartSession(ctx context.Context) (Session, error)
}

// Session represents an established bidirectional communication channel with a server.
type Session interface {
	// ID returns the unique identifier for this session.
	ID() string

	// Send transmits a message to the server.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Messages returns an iterator that yields messages received from the server.
	// The iterator ends when the session is closed or the channel fails.
	Messages() iter.Seq[JSONRPCMessage]

	// Stop tears the session down and releases its resources. Calling it more
	// than once is harmless.
	Stop()
}

// pushCapable marks sessions that can deliver server-initiated messages outside
// a request/response exchange. Subscriptions require such a session.
type pushCapable interface {
	SupportsPush() bool
}
