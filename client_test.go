package workbench_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/fluxmcp/workbench"
)

func TestConnect(t *testing.T) {
	type testCase struct {
		name         string
		capabilities json.RawMessage
		startErr     error
		wantErr      bool
		wantState    workbench.ConnectionState
	}

	testCases := []testCase{
		{
			name:      "success with full capabilities",
			wantState: workbench.StateConnected,
		},
		{
			name:         "success with no capabilities",
			capabilities: json.RawMessage(`{}`),
			wantState:    workbench.StateConnected,
		},
		{
			name:      "transport start failure returns to disconnected",
			startErr:  errors.New("spawn failed"),
			wantErr:   true,
			wantState: workbench.StateDisconnected,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			sess := newMockSession(serverScript{capabilities: tc.capabilities}.handle)
			client := workbench.NewClient(workbench.Info{Name: "test-client", Version: "1.0"})

			err := client.ConnectTransport(context.Background(), &mockTransport{sess: sess, startErr: tc.startErr})
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
			} else if err != nil {
				t.Fatalf("connect: %v", err)
			}

			if state := client.State(); state != tc.wantState {
				t.Errorf("state = %s, want %s", state, tc.wantState)
			}
		})
	}
}

func TestConnectRecordsServerInfo(t *testing.T) {
	fx := newConnectedFixture(t, serverScript{})

	info, ok := fx.client.ServerInfo()
	if !ok {
		t.Fatalf("expected server info after connect")
	}
	if info.Name != "mock-server" || info.Version != "1.0" {
		t.Errorf("server identity = %s/%s, want mock-server/1.0", info.Name, info.Version)
	}
	if fx.client.Instructions() != "call tools sparingly" {
		t.Errorf("instructions = %q", fx.client.Instructions())
	}

	caps := fx.client.Capabilities()
	if !caps.Tools || !caps.Resources || !caps.Subscriptions || !caps.Prompts ||
		!caps.Roots || !caps.Elicitation || !caps.Completions || !caps.Sampling || !caps.Logging {
		t.Errorf("expected all capability flags set, got %+v", caps)
	}
}

func TestConnectRejectsSecondConnection(t *testing.T) {
	fx := newConnectedFixture(t, serverScript{})

	other := newMockSession(serverScript{}.handle)
	err := fx.client.ConnectTransport(context.Background(), &mockTransport{sess: other})
	if !errors.Is(err, workbench.ErrAlreadyConnected) {
		t.Fatalf("error = %v, want ErrAlreadyConnected", err)
	}

	// The rejected attempt must not disturb the live connection.
	if state := fx.client.State(); state != workbench.StateConnected {
		t.Errorf("state = %s, want connected", state)
	}
	if other.stopped() {
		t.Errorf("rejected connect must not touch the new transport")
	}
}

func TestConnectHandshakeFailure(t *testing.T) {
	sess := newMockSession(func(msg workbench.JSONRPCMessage) []workbench.JSONRPCMessage {
		if msg.ID == "" {
			return nil
		}
		return []workbench.JSONRPCMessage{{
			JSONRPC: workbench.JSONRPCVersion,
			ID:      msg.ID,
			Error:   &workbench.JSONRPCError{Code: -32603, Message: "not today"},
		}}
	})
	client := workbench.NewClient(workbench.Info{Name: "test-client", Version: "1.0"})

	err := client.ConnectTransport(context.Background(), &mockTransport{sess: sess})
	if err == nil {
		t.Fatalf("expected handshake error")
	}

	if state := client.State(); state != workbench.StateError {
		t.Errorf("state = %s, want error", state)
	}
	if client.LastError() == nil {
		t.Errorf("expected recorded error")
	}
	if !sess.stopped() {
		t.Errorf("failed connect must close the transport")
	}

	// Explicit disconnect recovers to disconnected.
	if err := client.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if state := client.State(); state != workbench.StateDisconnected {
		t.Errorf("state = %s, want disconnected", state)
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	fx := newConnectedFixture(t, serverScript{})

	for i := range 3 {
		if err := fx.client.Disconnect(); err != nil {
			t.Fatalf("disconnect %d: %v", i, err)
		}
		if state := fx.client.State(); state != workbench.StateDisconnected {
			t.Errorf("state after disconnect %d = %s, want disconnected", i, state)
		}
	}
	if !fx.sess.stopped() {
		t.Errorf("disconnect must stop the session")
	}
}

func TestDisconnectInvalidatesSubscriptions(t *testing.T) {
	fx := newConnectedFixture(t, serverScript{})
	ctx := context.Background()

	if err := fx.client.SubscribeResource(ctx, "file:///a.txt"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := fx.client.SubscribeResource(ctx, "file:///b.txt"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if got := len(fx.client.Subscriptions().URIs()); got != 2 {
		t.Fatalf("subscriptions = %d, want 2", got)
	}

	if err := fx.client.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if got := len(fx.client.Subscriptions().URIs()); got != 0 {
		t.Errorf("subscriptions after disconnect = %d, want 0", got)
	}
}

func TestSubscribeDuplicateIsNoOp(t *testing.T) {
	fx := newConnectedFixture(t, serverScript{})
	ctx := context.Background()

	if err := fx.client.SubscribeResource(ctx, "file:///a.txt"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := fx.client.SubscribeResource(ctx, "file:///a.txt"); err != nil {
		t.Fatalf("duplicate subscribe: %v", err)
	}

	if got := len(fx.client.Subscriptions().URIs()); got != 1 {
		t.Errorf("subscriptions = %d, want 1", got)
	}

	wireCalls := 0
	for _, msg := range fx.sess.sentMessages() {
		if msg.Method == workbench.MethodResourcesSubscribe {
			wireCalls++
		}
	}
	if wireCalls != 1 {
		t.Errorf("subscribe wire calls = %d, want 1", wireCalls)
	}
}

func TestSubscribeWithoutPushChannel(t *testing.T) {
	sess := newMockSession(serverScript{}.handle)
	sess.push = false
	client := workbench.NewClient(workbench.Info{Name: "test-client", Version: "1.0"})
	if err := client.ConnectTransport(context.Background(), &mockTransport{sess: sess}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect() })

	err := client.SubscribeResource(context.Background(), "file:///a.txt")
	if !errors.Is(err, workbench.ErrSubscribeUnsupported) {
		t.Fatalf("error = %v, want ErrSubscribeUnsupported", err)
	}
	if got := len(client.Subscriptions().URIs()); got != 0 {
		t.Errorf("subscriptions = %d, want 0", got)
	}
}

func TestCapabilityGate(t *testing.T) {
	fx := newConnectedFixture(t, serverScript{capabilities: json.RawMessage(`{"tools": {}}`)})
	ctx := context.Background()

	if _, err := fx.client.ListTools(ctx, workbench.ListToolsParams{}); err != nil {
		t.Errorf("tools are declared, ListTools failed: %v", err)
	}
	if _, err := fx.client.ListPrompts(ctx, workbench.ListPromptsParams{}); !errors.Is(err, workbench.ErrCapabilityUnsupported) {
		t.Errorf("ListPrompts error = %v, want ErrCapabilityUnsupported", err)
	}
	if err := fx.client.SubscribeResource(ctx, "file:///a.txt"); !errors.Is(err, workbench.ErrCapabilityUnsupported) {
		t.Errorf("SubscribeResource error = %v, want ErrCapabilityUnsupported", err)
	}
}

func TestCallsRequireConnection(t *testing.T) {
	client := workbench.NewClient(workbench.Info{Name: "test-client", Version: "1.0"})
	ctx := context.Background()

	if _, err := client.ListTools(ctx, workbench.ListToolsParams{}); !errors.Is(err, workbench.ErrNotConnected) {
		t.Errorf("ListTools error = %v, want ErrNotConnected", err)
	}
	if err := client.Ping(ctx); !errors.Is(err, workbench.ErrNotConnected) {
		t.Errorf("Ping error = %v, want ErrNotConnected", err)
	}
}

func TestExecuteToolNeverFails(t *testing.T) {
	script := serverScript{results: map[string]any{
		workbench.MethodToolsCall: workbench.CallToolResult{
			Content: []workbench.Content{{Type: workbench.ContentTypeText, Text: "ok"}},
		},
	}}
	fx := newConnectedFixture(t, script)
	ctx := context.Background()

	outcome := fx.client.ExecuteTool(ctx, "echo", map[string]any{"value": 1})
	if !outcome.Success {
		t.Errorf("outcome.Success = false, err = %v", outcome.Err)
	}

	// Empty tool name and nil arguments still yield an outcome, whatever the
	// server decides about them.
	outcome = fx.client.ExecuteTool(ctx, "", nil)
	if outcome.Err != nil && !outcome.Success {
		t.Logf("empty name rejected: %v", outcome.Err)
	}

	if err := fx.client.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	outcome = fx.client.ExecuteTool(ctx, "echo", nil)
	if outcome.Success {
		t.Errorf("outcome on disconnected client must not succeed")
	}
	if !errors.Is(outcome.Err, workbench.ErrNotConnected) {
		t.Errorf("outcome.Err = %v, want ErrNotConnected", outcome.Err)
	}
}

func TestExecuteToolServerFlaggedError(t *testing.T) {
	script := serverScript{results: map[string]any{
		workbench.MethodToolsCall: workbench.CallToolResult{
			Content: []workbench.Content{{Type: workbench.ContentTypeText, Text: "boom"}},
			IsError: true,
		},
	}}
	fx := newConnectedFixture(t, script)

	outcome := fx.client.ExecuteTool(context.Background(), "explode", nil)
	if outcome.Success {
		t.Errorf("server-flagged error must not be a success")
	}
	if outcome.Err != nil {
		t.Errorf("server-flagged error is a result, not a call failure: %v", outcome.Err)
	}
	if len(outcome.Result.Content) == 0 || outcome.Result.Content[0].Text != "boom" {
		t.Errorf("outcome must keep the error content, got %+v", outcome.Result)
	}
}

func TestMessageLogOrdering(t *testing.T) {
	fx := newConnectedFixture(t, serverScript{})
	ctx := context.Background()

	if _, err := fx.client.ListTools(ctx, workbench.ListToolsParams{}); err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if _, err := fx.client.ListResources(ctx, workbench.ListResourcesParams{}); err != nil {
		t.Fatalf("ListResources: %v", err)
	}

	var got []string
	for _, entry := range fx.client.MessageLog().Entries() {
		got = append(got, string(entry.Direction)+" "+entry.Method)
	}

	want := []string{
		"sent initialize",
		"received initialize",
		"sent notifications/initialized",
		"sent " + workbench.MethodToolsList,
		"received " + workbench.MethodToolsList,
		"sent " + workbench.MethodResourcesList,
		"received " + workbench.MethodResourcesList,
	}
	if len(got) != len(want) {
		t.Fatalf("log entries = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("log[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestResourceUpdateNotification(t *testing.T) {
	contents := []workbench.ResourceContents{{URI: "file:///a.txt", MimeType: "text/plain", Text: "hello"}}
	script := serverScript{results: map[string]any{
		workbench.MethodResourcesRead: workbench.ReadResourceResult{Contents: contents},
	}}
	fx := newConnectedFixture(t, script)
	ctx := context.Background()

	if err := fx.client.SubscribeResource(ctx, "file:///a.txt"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	delivered := make(chan workbench.ResourceUpdate, 1)
	id, err := fx.client.Subscriptions().Listen("file:///*", func(_ string, update workbench.ResourceUpdate) {
		delivered <- update
	})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer fx.client.Subscriptions().Unlisten(id)

	go fx.sess.deliver(workbench.JSONRPCMessage{
		JSONRPC: workbench.JSONRPCVersion,
		Method:  "notifications/resources/updated",
		Params:  json.RawMessage(`{"uri": "file:///a.txt"}`),
	})

	select {
	case update := <-delivered:
		if !update.Fresh {
			t.Errorf("update must arrive fresh")
		}
		if len(update.Contents) != 1 || update.Contents[0].Text != "hello" {
			t.Errorf("update contents = %+v", update.Contents)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("update never delivered")
	}

	sub, ok := fx.client.Subscriptions().Get("file:///a.txt")
	if !ok {
		t.Fatalf("subscription entry missing")
	}
	if sub.UpdateCount != 1 {
		t.Errorf("update count = %d, want 1", sub.UpdateCount)
	}
}

func TestStaleUpdateDropped(t *testing.T) {
	fx := newConnectedFixture(t, serverScript{})

	// No subscription for this URI exists; the notification must vanish
	// without creating an entry.
	go fx.sess.deliver(workbench.JSONRPCMessage{
		JSONRPC: workbench.JSONRPCVersion,
		Method:  "notifications/resources/updated",
		Params:  json.RawMessage(`{"uri": "file:///stale.txt"}`),
	})

	time.Sleep(100 * time.Millisecond)
	if got := len(fx.client.Subscriptions().URIs()); got != 0 {
		t.Errorf("subscriptions = %d, want 0", got)
	}
}

func TestServerPingAnswered(t *testing.T) {
	fx := newConnectedFixture(t, serverScript{})

	go fx.sess.deliver(workbench.JSONRPCMessage{
		JSONRPC: workbench.JSONRPCVersion,
		ID:      workbench.MustString("srv-ping-1"),
		Method:  workbench.MethodPing,
	})

	deadline := time.After(5 * time.Second)
	for {
		answered := false
		for _, msg := range fx.sess.sentMessages() {
			if msg.ID == "srv-ping-1" && msg.Error == nil && msg.Method == "" {
				answered = true
			}
		}
		if answered {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("ping never answered")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRootsListServed(t *testing.T) {
	fx := newConnectedFixture(t, serverScript{})
	fx.client.SetRoots([]workbench.Root{{URI: "file:///workspace", Name: "workspace"}})

	go fx.sess.deliver(workbench.JSONRPCMessage{
		JSONRPC: workbench.JSONRPCVersion,
		ID:      workbench.MustString("srv-roots-1"),
		Method:  workbench.MethodRootsList,
	})

	deadline := time.After(5 * time.Second)
	for {
		for _, msg := range fx.sess.sentMessages() {
			if msg.ID != "srv-roots-1" || msg.Result == nil {
				continue
			}
			var list workbench.RootList
			if err := json.Unmarshal(msg.Result, &list); err != nil {
				t.Fatalf("unmarshal roots: %v", err)
			}
			if len(list.Roots) != 1 || list.Roots[0].URI != "file:///workspace" {
				t.Errorf("roots = %+v", list.Roots)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("roots list never served")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestPendingSampling(t *testing.T) {
	fx := newConnectedFixture(t, serverScript{})

	go fx.sess.deliver(workbench.JSONRPCMessage{
		JSONRPC: workbench.JSONRPCVersion,
		ID:      workbench.MustString("srv-sample-1"),
		Method:  workbench.MethodSamplingCreateMessage,
		Params:  json.RawMessage(`{"messages": [], "modelPreferences": {}, "maxTokens": 100}`),
	})

	deadline := time.After(5 * time.Second)
	for len(fx.client.PendingSamples()) == 0 {
		select {
		case <-deadline:
			t.Fatalf("sampling request never queued")
		case <-time.After(10 * time.Millisecond):
		}
	}

	pending := fx.client.PendingSamples()
	if pending[0].ID != "srv-sample-1" {
		t.Fatalf("pending ID = %s", pending[0].ID)
	}

	result := workbench.SamplingResult{
		Role:    workbench.RoleAssistant,
		Content: workbench.Content{Type: workbench.ContentTypeText, Text: "answer"},
		Model:   "test-model",
	}
	if err := fx.client.RespondSample(context.Background(), pending[0].ID, result); err != nil {
		t.Fatalf("respond: %v", err)
	}

	if got := len(fx.client.PendingSamples()); got != 0 {
		t.Errorf("pending samples after respond = %d, want 0", got)
	}
	if err := fx.client.RespondSample(context.Background(), pending[0].ID, result); err == nil {
		t.Errorf("responding twice must fail")
	}
}

func TestSamplingHandler(t *testing.T) {
	handled := make(chan workbench.SamplingParams, 1)
	fx := newConnectedFixture(t, serverScript{}, workbench.WithSamplingHandler(
		func(_ context.Context, params workbench.SamplingParams) (workbench.SamplingResult, error) {
			handled <- params
			return workbench.SamplingResult{Role: workbench.RoleAssistant}, nil
		}))

	go fx.sess.deliver(workbench.JSONRPCMessage{
		JSONRPC: workbench.JSONRPCVersion,
		ID:      workbench.MustString("srv-sample-2"),
		Method:  workbench.MethodSamplingCreateMessage,
		Params:  json.RawMessage(`{"messages": [], "modelPreferences": {}, "maxTokens": 50}`),
	})

	select {
	case params := <-handled:
		if params.MaxTokens != 50 {
			t.Errorf("maxTokens = %d, want 50", params.MaxTokens)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("handler never invoked")
	}

	if got := len(fx.client.PendingSamples()); got != 0 {
		t.Errorf("handled request must not be queued, pending = %d", got)
	}
}

func TestWatchersAndListeners(t *testing.T) {
	toolChanges := make(chan struct{}, 1)
	progress := make(chan workbench.ProgressParams, 1)
	logs := make(chan workbench.LogParams, 1)

	fx := newConnectedFixture(t, serverScript{},
		workbench.WithToolListWatcher(func() { toolChanges <- struct{}{} }),
		workbench.WithProgressListener(func(p workbench.ProgressParams) { progress <- p }),
		workbench.WithLogReceiver(func(p workbench.LogParams) { logs <- p }),
	)

	go fx.sess.deliver(workbench.JSONRPCMessage{
		JSONRPC: workbench.JSONRPCVersion,
		Method:  "notifications/tools/list_changed",
	})
	go fx.sess.deliver(workbench.JSONRPCMessage{
		JSONRPC: workbench.JSONRPCVersion,
		Method:  "notifications/progress",
		Params:  json.RawMessage(`{"progressToken": "op-1", "progress": 0.5, "total": 1}`),
	})
	go fx.sess.deliver(workbench.JSONRPCMessage{
		JSONRPC: workbench.JSONRPCVersion,
		Method:  "notifications/message",
		Params:  json.RawMessage(`{"level": "warning", "data": "\"disk almost full\""}`),
	})

	for range 3 {
		select {
		case <-toolChanges:
		case p := <-progress:
			if p.Progress != 0.5 {
				t.Errorf("progress = %f, want 0.5", p.Progress)
			}
		case l := <-logs:
			if l.Level != workbench.LogLevelWarning {
				t.Errorf("level = %s, want warning", l.Level)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("notification never routed")
		}
	}
}

func TestTransportDropMovesToError(t *testing.T) {
	fx := newConnectedFixture(t, serverScript{})
	ctx := context.Background()

	if err := fx.client.SubscribeResource(ctx, "file:///a.txt"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Kill the session underneath the client.
	fx.sess.Stop()

	deadline := time.After(5 * time.Second)
	for fx.client.State() != workbench.StateError {
		select {
		case <-deadline:
			t.Fatalf("state = %s, want error", fx.client.State())
		case <-time.After(10 * time.Millisecond):
		}
	}

	if fx.client.LastError() == nil {
		t.Errorf("expected recorded transport error")
	}
	if got := len(fx.client.Subscriptions().URIs()); got != 0 {
		t.Errorf("subscriptions after transport drop = %d, want 0", got)
	}
}

func TestConnectMissingExecutable(t *testing.T) {
	client := workbench.NewClient(workbench.Info{Name: "test-client", Version: "1.0"},
		workbench.WithConnectTimeout(5*time.Second))

	err := client.Connect(context.Background(), workbench.ServerConfig{
		Kind:    workbench.TransportStdIO,
		Command: "/nonexistent/mcp-server-binary",
	})
	if err == nil {
		t.Fatalf("expected spawn failure")
	}

	state := client.State()
	if state != workbench.StateDisconnected && state != workbench.StateError {
		t.Errorf("state = %s, want disconnected or error", state)
	}
}

func TestConnectDeadEndpoint(t *testing.T) {
	client := workbench.NewClient(workbench.Info{Name: "test-client", Version: "1.0"},
		workbench.WithConnectTimeout(2*time.Second),
		workbench.WithRequestTimeout(time.Second))

	// Reserved TEST-NET address, nothing listens there.
	err := client.Connect(context.Background(), workbench.ServerConfig{
		Kind:     workbench.TransportStateless,
		Endpoint: "http://192.0.2.1:19999/",
	})
	if err == nil {
		t.Fatalf("expected connect failure against dead endpoint")
	}

	state := client.State()
	if state != workbench.StateDisconnected && state != workbench.StateError {
		t.Errorf("state = %s, want disconnected or error", state)
	}

	// The failure must not wedge the client; a later disconnect is clean.
	if err := client.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if got := client.State(); got != workbench.StateDisconnected {
		t.Errorf("state = %s, want disconnected", got)
	}
}

func TestUnsubscribeAllToleratesFailures(t *testing.T) {
	failing := &workbench.JSONRPCError{Code: -32603, Message: "unsubscribe broken"}
	script := serverScript{results: map[string]any{
		workbench.MethodResourcesUnsubscribe: failing,
	}}
	fx := newConnectedFixture(t, script)
	ctx := context.Background()

	if err := fx.client.SubscribeResource(ctx, "file:///a.txt"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := fx.client.SubscribeResource(ctx, "file:///b.txt"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	err := fx.client.UnsubscribeAll(ctx)
	if err == nil {
		t.Fatalf("expected joined failure")
	}
	// Entries are gone even though the wire calls failed.
	if got := len(fx.client.Subscriptions().URIs()); got != 0 {
		t.Errorf("subscriptions = %d, want 0", got)
	}
}
