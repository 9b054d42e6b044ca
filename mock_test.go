package workbench_test

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"sync"

	"github.com/fluxmcp/workbench"
)

// mockSession is an in-memory session driven by a scripted handler: every
// message the client sends is passed to handle, and whatever messages it
// returns are fed back on the session's message stream.
type mockSession struct {
	id     string
	push   bool
	handle func(msg workbench.JSONRPCMessage) []workbench.JSONRPCMessage

	messages chan workbench.JSONRPCMessage
	done     chan struct{}
	stopOnce sync.Once

	lock      sync.Mutex
	sent      []workbench.JSONRPCMessage
	stopCalls int
}

func newMockSession(handle func(workbench.JSONRPCMessage) []workbench.JSONRPCMessage) *mockSession {
	return &mockSession{
		id:       "mock-session",
		push:     true,
		handle:   handle,
		messages: make(chan workbench.JSONRPCMessage),
		done:     make(chan struct{}),
	}
}

func (s *mockSession) ID() string { return s.id }

func (s *mockSession) SupportsPush() bool { return s.push }

func (s *mockSession) Send(_ context.Context, msg workbench.JSONRPCMessage) error {
	s.lock.Lock()
	s.sent = append(s.sent, msg)
	s.lock.Unlock()

	if s.handle == nil {
		return nil
	}
	for _, res := range s.handle(msg) {
		go s.deliver(res)
	}
	return nil
}

func (s *mockSession) Messages() iter.Seq[workbench.JSONRPCMessage] {
	return func(yield func(workbench.JSONRPCMessage) bool) {
		for {
			select {
			case <-s.done:
				return
			case msg := <-s.messages:
				if !yield(msg) {
					return
				}
			}
		}
	}
}

func (s *mockSession) Stop() {
	s.lock.Lock()
	s.stopCalls++
	s.lock.Unlock()
	s.stopOnce.Do(func() {
		close(s.done)
	})
}

func (s *mockSession) deliver(msg workbench.JSONRPCMessage) {
	select {
	case <-s.done:
	case s.messages <- msg:
	}
}

func (s *mockSession) sentMessages() []workbench.JSONRPCMessage {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]workbench.JSONRPCMessage(nil), s.sent...)
}

func (s *mockSession) stopped() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.stopCalls > 0
}

// mockTransport hands out a prepared session.
type mockTransport struct {
	sess     *mockSession
	startErr error
}

func (t *mockTransport) StartSession(context.Context) (workbench.Session, error) {
	if t.startErr != nil {
		return nil, t.startErr
	}
	return t.sess, nil
}

// fullCapabilities is the capability declaration of a server supporting every
// category, subscriptions included.
func fullCapabilities() json.RawMessage {
	return json.RawMessage(`{
		"prompts": {"listChanged": true},
		"resources": {"subscribe": true, "listChanged": true},
		"tools": {"listChanged": true},
		"logging": {},
		"completions": {},
		"roots": {},
		"sampling": {},
		"elicitation": {}
	}`)
}

// serverScript answers the handshake and dispatches further requests to the
// results map by method. Methods without an entry get an empty result object.
type serverScript struct {
	capabilities json.RawMessage
	results      map[string]any
}

func (sc serverScript) handle(msg workbench.JSONRPCMessage) []workbench.JSONRPCMessage {
	if msg.ID == "" {
		// Notification, nothing to answer.
		return nil
	}

	if msg.Method == "initialize" {
		caps := sc.capabilities
		if caps == nil {
			caps = fullCapabilities()
		}
		result := fmt.Sprintf(`{
			"protocolVersion": %q,
			"capabilities": %s,
			"serverInfo": {"name": "mock-server", "version": "1.0"},
			"instructions": "call tools sparingly"
		}`, workbench.ProtocolVersion, caps)
		return []workbench.JSONRPCMessage{{
			JSONRPC: workbench.JSONRPCVersion,
			ID:      msg.ID,
			Result:  json.RawMessage(result),
		}}
	}

	result, ok := sc.results[msg.Method]
	if !ok {
		result = struct{}{}
	}
	if err, isErr := result.(*workbench.JSONRPCError); isErr {
		return []workbench.JSONRPCMessage{{
			JSONRPC: workbench.JSONRPCVersion,
			ID:      msg.ID,
			Error:   err,
		}}
	}

	resBs, err := json.Marshal(result)
	if err != nil {
		panic(err)
	}
	return []workbench.JSONRPCMessage{{
		JSONRPC: workbench.JSONRPCVersion,
		ID:      msg.ID,
		Result:  resBs,
	}}
}

// connectedClient connects a fresh client to a scripted mock server and fails
// the test on handshake errors.
type connectedFixture struct {
	client *workbench.Client
	sess   *mockSession
}

func newConnectedFixture(tb interface {
	Fatalf(format string, args ...any)
	Cleanup(func())
}, script serverScript, options ...workbench.ClientOption) connectedFixture {
	sess := newMockSession(script.handle)
	client := workbench.NewClient(workbench.Info{Name: "test-client", Version: "1.0"}, options...)

	if err := client.ConnectTransport(context.Background(), &mockTransport{sess: sess}); err != nil {
		tb.Fatalf("connect: %v", err)
	}
	tb.Cleanup(func() {
		_ = client.Disconnect()
	})

	return connectedFixture{client: client, sess: sess}
}
