// Package workbench is a developer harness for exercising servers that speak
// the Model Context Protocol (MCP). It provides a protocol client that connects
// over a spawned child process, a session-bearing streamable HTTP channel, or a
// stateless HTTP channel, negotiates capabilities, and dispatches typed requests
// for tools, resources, prompts, roots, elicitation, completions, sampling,
// subscriptions, and logging.
//
// Alongside the client the package carries a subscription registry that buffers
// push updates per resource, a bounded message log for protocol diagnostics, and
// a discovery scanner that probes local ports concurrently to find running
// servers before any connection is made.
package workbench
