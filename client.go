package workbench

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Client errors.
var (
	// ErrAlreadyConnected is returned by Connect when the client is not in the
	// disconnected state. The existing connection is left untouched.
	ErrAlreadyConnected = errors.New("client already connected")
	// ErrNotConnected is returned by capability-gated calls made while the
	// client is not connected. It is raised locally, never over the wire.
	ErrNotConnected = errors.New("client not connected")
	// ErrCapabilityUnsupported is returned when the connected server did not
	// declare the capability a call requires.
	ErrCapabilityUnsupported = errors.New("capability not supported by server")
	// ErrSubscribeUnsupported is returned when subscribing over a transport
	// that has no push channel, such as stateless HTTP.
	ErrSubscribeUnsupported = errors.New("subscriptions not supported by transport")
	// ErrRequestTimeout is returned when a call's response did not arrive
	// within the configured request timeout. The connection itself stays up.
	ErrRequestTimeout = errors.New("request timeout")
)

// SamplingHandler answers a server-initiated sampling request. When no handler
// is configured the request is parked in the pending queue instead.
type SamplingHandler func(ctx context.Context, params SamplingParams) (SamplingResult, error)

// ElicitationHandler answers a server-initiated elicitation request. When no
// handler is configured the request is parked in the pending queue instead.
type ElicitationHandler func(ctx context.Context, params ElicitationParams) (ElicitationResult, error)

// ProgressListener receives progress updates for long-running operations.
type ProgressListener func(params ProgressParams)

// LogReceiver receives log messages pushed by the server.
type LogReceiver func(params LogParams)

// PendingSample is a server-initiated sampling request awaiting a caller
// response via RespondSample.
type PendingSample struct {
	ID       MustString
	Params   SamplingParams
	Received time.Time
}

// PendingElicitation is a server-initiated elicitation request awaiting a
// caller response via RespondElicitation.
type PendingElicitation struct {
	ID       MustString
	Params   ElicitationParams
	Received time.Time
}

// ReconnectPolicy mirrors the reconnection knobs of the connection
// configuration surface. No automatic reconnection loop is driven off these
// values yet; reconnection is an explicit Disconnect followed by Connect.
type ReconnectPolicy struct {
	Auto        bool
	MaxAttempts int
	Delay       time.Duration
}

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// WithLogger sets the logger used by the client and defaults to slog.Default().
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithConnectTimeout bounds the transport start plus handshake during Connect.
func WithConnectTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.connectTimeout = timeout
	}
}

// WithRequestTimeout bounds each request/response round trip. A timed-out call
// fails with ErrRequestTimeout but does not tear down the connection.
func WithRequestTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.requestTimeout = timeout
	}
}

// WithMessageLogCapacity sets the capacity of the protocol message log.
func WithMessageLogCapacity(capacity int) ClientOption {
	return func(c *Client) {
		c.msgLog = NewMessageLog(capacity)
	}
}

// WithUpdateBufferCapacity sets the per-subscription update ring capacity.
func WithUpdateBufferCapacity(capacity int) ClientOption {
	return func(c *Client) {
		c.registry = NewSubscriptionRegistry(capacity)
	}
}

// WithSamplingHandler sets the handler for server-initiated sampling requests.
func WithSamplingHandler(handler SamplingHandler) ClientOption {
	return func(c *Client) {
		c.samplingHandler = handler
	}
}

// WithElicitationHandler sets the handler for server-initiated elicitation requests.
func WithElicitationHandler(handler ElicitationHandler) ClientOption {
	return func(c *Client) {
		c.elicitationHandler = handler
	}
}

// WithProgressListener sets the listener for progress notifications.
func WithProgressListener(listener ProgressListener) ClientOption {
	return func(c *Client) {
		c.progressListener = listener
	}
}

// WithLogReceiver sets the receiver for server log notifications.
func WithLogReceiver(receiver LogReceiver) ClientOption {
	return func(c *Client) {
		c.logReceiver = receiver
	}
}

// WithToolListWatcher sets the callback fired when the server reports a
// changed tool list.
func WithToolListWatcher(fn func()) ClientOption {
	return func(c *Client) {
		c.toolListChanged = fn
	}
}

// WithResourceListWatcher sets the callback fired when the server reports a
// changed resource list.
func WithResourceListWatcher(fn func()) ClientOption {
	return func(c *Client) {
		c.resourceListChanged = fn
	}
}

// WithPromptListWatcher sets the callback fired when the server reports a
// changed prompt list.
func WithPromptListWatcher(fn func()) ClientOption {
	return func(c *Client) {
		c.promptListChanged = fn
	}
}

// WithReconnectPolicy records the reconnection knobs. See ReconnectPolicy for
// the current behavior.
func WithReconnectPolicy(policy ReconnectPolicy) ClientOption {
	return func(c *Client) {
		c.reconnect = policy
	}
}

var (
	defaultConnectTimeout = 30 * time.Second
	defaultRequestTimeout = 30 * time.Second
)

type pendingCall struct {
	ch     chan JSONRPCMessage
	method string
}

// Client is a protocol client for exercising MCP servers. It owns exactly one
// transport at a time, performs the capability handshake, and dispatches typed
// requests for all nine capability categories. Push notifications arriving on
// the transport are routed into the subscription registry and the configured
// listeners; every sent and received message is captured in the message log.
//
// Multiple independent Client instances are safely constructible; nothing is
// shared between them. A Client must be created with NewClient and requires
// Connect before any capability call can be made.
type Client struct {
	info         Info
	capabilities ClientCapabilities
	logger       *slog.Logger

	connectTimeout time.Duration
	requestTimeout time.Duration
	reconnect      ReconnectPolicy

	samplingHandler     SamplingHandler
	elicitationHandler  ElicitationHandler
	progressListener    ProgressListener
	logReceiver         LogReceiver
	toolListChanged     func()
	resourceListChanged func()
	promptListChanged   func()

	msgLog   *MessageLog
	registry *SubscriptionRegistry

	mu         sync.Mutex
	state      ConnectionState
	stateErr   error
	sess       Session
	loopCancel context.CancelFunc
	serverInfo *ServerInfo
	roots      []Root
	pending    map[string]pendingCall

	pendingSamples      []PendingSample
	pendingElicitations []PendingElicitation
}

// NewClient creates a client identified by info toward the servers it will
// connect to. The client declares roots, sampling, and elicitation support in
// its handshake since all three are serviced either by configured handlers or
// by the pending-request queues.
func NewClient(info Info, options ...ClientOption) *Client {
	c := &Client{
		info:    info,
		logger:  slog.Default(),
		state:   StateDisconnected,
		pending: make(map[string]pendingCall),
		capabilities: ClientCapabilities{
			Roots:       &RootsCapability{},
			Sampling:    &SamplingCapability{},
			Elicitation: &ElicitationCapability{},
		},
	}
	for _, opt := range options {
		opt(c)
	}

	if c.connectTimeout == 0 {
		c.connectTimeout = defaultConnectTimeout
	}
	if c.requestTimeout == 0 {
		c.requestTimeout = defaultRequestTimeout
	}
	if c.msgLog == nil {
		c.msgLog = NewMessageLog(DefaultMessageLogCapacity)
	}
	if c.registry == nil {
		c.registry = NewSubscriptionRegistry(DefaultUpdateBufferCapacity)
	}

	return c
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the error that moved the client into StateError, or nil.
func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateErr
}

// ServerInfo returns the connected server's identity and capability flags. The
// boolean is false while no handshake has completed.
func (c *Client) ServerInfo() (ServerInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.serverInfo == nil {
		return ServerInfo{}, false
	}
	return *c.serverInfo, true
}

// Capabilities returns the nine capability flags reported at handshake time.
// All flags are false while disconnected.
func (c *Client) Capabilities() CapabilitySet {
	info, ok := c.ServerInfo()
	if !ok {
		return CapabilitySet{}
	}
	return info.Capabilities
}

// Instructions returns the free-text usage instructions the server sent during
// the handshake, if any.
func (c *Client) Instructions() string {
	info, _ := c.ServerInfo()
	return info.Instructions
}

// MessageLog returns the protocol message log. The client is its sole writer.
func (c *Client) MessageLog() *MessageLog {
	return c.msgLog
}

// Subscriptions returns the subscription registry. The client is its sole
// writer; callers observe it through snapshots and listeners.
func (c *Client) Subscriptions() *SubscriptionRegistry {
	return c.registry
}

// SetRoots replaces the root list this client reports when the server requests
// roots/list.
func (c *Client) SetRoots(roots []Root) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roots = append([]Root(nil), roots...)
}

// Roots returns the root list this client currently reports to servers.
func (c *Client) Roots() []Root {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Root(nil), c.roots...)
}

// Connect builds the transport described by cfg and establishes the
// connection: it opens the transport, performs the capability handshake, and
// on success moves the client to StateConnected. It rejects with
// ErrAlreadyConnected unless the client is currently disconnected, so at most
// one connection is active at any time.
//
// A configuration error is returned before any I/O and leaves the state
// untouched. A transport start failure returns the client to
// StateDisconnected; a handshake failure moves it to StateError. In both
// cases the transport is fully closed, never left half-open.
func (c *Client) Connect(ctx context.Context, cfg ServerConfig) error {
	transport, err := NewTransport(cfg)
	if err != nil {
		return err
	}
	return c.ConnectTransport(ctx, transport)
}

// ConnectTransport is Connect for a caller-constructed transport.
func (c *Client) ConnectTransport(ctx context.Context, transport ClientTransport) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return fmt.Errorf("%w: state is %s", ErrAlreadyConnected, c.state)
	}
	// Tear down any stale session before establishing a new one.
	stale := c.sess
	c.sess = nil
	c.state = StateConnecting
	c.stateErr = nil
	c.mu.Unlock()

	if stale != nil {
		stale.Stop()
	}

	cctx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	sess, err := transport.StartSession(cctx)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return fmt.Errorf("failed to start session: %w", err)
	}

	loopCtx, loopCancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.sess = sess
	c.loopCancel = loopCancel
	c.mu.Unlock()

	go c.listenMessages(loopCtx, sess)

	if err := c.handshake(cctx, sess); err != nil {
		c.failConnect(sess, loopCancel, err)
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// The transport may have died right after the handshake; keep the failure
	// the listen loop recorded in that case.
	if c.sess != sess {
		return c.stateErr
	}
	c.state = StateConnected
	return nil
}

// Disconnect closes the active transport if present, invalidates every
// subscription, and drives the state to StateDisconnected. It is idempotent
// and is the only transition out of StateError.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	sess := c.sess
	cancel := c.loopCancel
	c.sess = nil
	c.loopCancel = nil
	c.state = StateDisconnected
	c.stateErr = nil
	c.serverInfo = nil
	c.pendingSamples = nil
	c.pendingElicitations = nil
	c.mu.Unlock()

	c.registry.Clear()

	if cancel != nil {
		cancel()
	}
	if sess != nil {
		sess.Stop()
	}
	return nil
}

// failConnect unwinds a half-established connection. The transport is always
// closed; the state records the handshake failure until an explicit Disconnect.
func (c *Client) failConnect(sess Session, cancel context.CancelFunc, err error) {
	c.mu.Lock()
	if c.sess == sess {
		c.sess = nil
		c.loopCancel = nil
	}
	c.state = StateError
	c.stateErr = err
	c.serverInfo = nil
	c.mu.Unlock()

	cancel()
	sess.Stop()
}

// handshake exchanges identity and capability declarations with the server and
// records the resulting ServerInfo.
func (c *Client) handshake(ctx context.Context, sess Session) error {
	params := initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    c.capabilities,
		ClientInfo:      c.info,
	}

	res, err := c.roundTrip(ctx, sess, methodInitialize, params)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}
	if res.Error != nil {
		return fmt.Errorf("initialization failed: %w", res.Error)
	}

	var result initializeResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return fmt.Errorf("failed to unmarshal initialize result: %w", err)
	}

	if result.ProtocolVersion != ProtocolVersion {
		return fmt.Errorf("protocol version mismatch: %s != %s", result.ProtocolVersion, ProtocolVersion)
	}

	c.mu.Lock()
	c.serverInfo = &ServerInfo{
		Name:         result.ServerInfo.Name,
		Version:      result.ServerInfo.Version,
		Capabilities: result.Capabilities.flagSet(),
		Instructions: result.Instructions,
	}
	c.mu.Unlock()

	return c.sendNotification(ctx, sess, methodNotificationsInitialized, nil)
}

// ListTools retrieves a paginated list of available tools from the server.
func (c *Client) ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error) {
	var result ListToolsResult
	err := c.call(ctx, MethodToolsList, params, &result, func(caps CapabilitySet) bool { return caps.Tools })
	return result, err
}

// CallTool executes a specific tool and returns its result. The argument
// mapping is passed through untouched; schema conformance is the server's
// responsibility.
func (c *Client) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	var result CallToolResult
	err := c.call(ctx, MethodToolsCall, params, &result, func(caps CapabilitySet) bool { return caps.Tools })
	return result, err
}

// ExecuteTool runs CallTool and normalizes every failure, including transport
// errors and calls on a disconnected client, into a ToolOutcome with Success
// false. It never returns an error, so batch invocations can proceed without
// per-call error handling.
func (c *Client) ExecuteTool(ctx context.Context, name string, args map[string]any) ToolOutcome {
	result, err := c.CallTool(ctx, CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return ToolOutcome{Success: false, Err: err}
	}
	return ToolOutcome{Success: !result.IsError, Result: result}
}

// ListResources retrieves a paginated list of available resources from the server.
func (c *Client) ListResources(ctx context.Context, params ListResourcesParams) (ListResourcesResult, error) {
	var result ListResourcesResult
	err := c.call(ctx, MethodResourcesList, params, &result, func(caps CapabilitySet) bool { return caps.Resources })
	return result, err
}

// ReadResource retrieves the content and metadata of a specific resource.
func (c *Client) ReadResource(ctx context.Context, params ReadResourceParams) (ReadResourceResult, error) {
	var result ReadResourceResult
	err := c.call(ctx, MethodResourcesRead, params, &result, func(caps CapabilitySet) bool { return caps.Resources })
	return result, err
}

// ListResourceTemplates retrieves the available resource templates.
func (c *Client) ListResourceTemplates(
	ctx context.Context,
	params ListResourceTemplatesParams,
) (ListResourceTemplatesResult, error) {
	var result ListResourceTemplatesResult
	err := c.call(ctx, MethodResourcesTemplatesList, params, &result,
		func(caps CapabilitySet) bool { return caps.Resources })
	return result, err
}

// SubscribeResource registers for push updates about a resource. Subscribing
// to an already-subscribed URI is a no-op success. On transports without a
// push channel it fails fast with ErrSubscribeUnsupported.
func (c *Client) SubscribeResource(ctx context.Context, uri string) error {
	sess, err := c.connectedSession()
	if err != nil {
		return err
	}
	if !c.Capabilities().Subscriptions {
		return fmt.Errorf("%w: subscriptions", ErrCapabilityUnsupported)
	}
	if pc, ok := sess.(pushCapable); ok && !pc.SupportsPush() {
		return ErrSubscribeUnsupported
	}

	if _, tracked := c.registry.Get(uri); tracked {
		return nil
	}

	var result struct{}
	if err := c.call(ctx, MethodResourcesSubscribe, SubscribeResourceParams{URI: uri}, &result, nil); err != nil {
		return err
	}

	c.registry.Track(uri)
	return nil
}

// UnsubscribeResource cancels the push subscription for a resource and removes
// its registry entry. Unsubscribing an unknown URI is a no-op.
func (c *Client) UnsubscribeResource(ctx context.Context, uri string) error {
	if _, tracked := c.registry.Get(uri); !tracked {
		return nil
	}

	var result struct{}
	err := c.call(ctx, MethodResourcesUnsubscribe, UnsubscribeResourceParams{URI: uri}, &result, nil)

	// The entry goes away regardless: a failed unsubscribe must not leave a
	// registry entry that keeps accepting stale updates.
	c.registry.Forget(uri)
	return err
}

// UnsubscribeAll unsubscribes every active subscription, tolerating individual
// failures without aborting the remainder. The returned error joins whatever
// failures occurred.
func (c *Client) UnsubscribeAll(ctx context.Context) error {
	var errs []error
	for _, uri := range c.registry.URIs() {
		if err := c.UnsubscribeResource(ctx, uri); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe %s: %w", uri, err))
		}
	}
	return errors.Join(errs...)
}

// ListPrompts retrieves a paginated list of available prompts from the server.
func (c *Client) ListPrompts(ctx context.Context, params ListPromptsParams) (ListPromptsResult, error) {
	var result ListPromptsResult
	err := c.call(ctx, MethodPromptsList, params, &result, func(caps CapabilitySet) bool { return caps.Prompts })
	return result, err
}

// GetPrompt retrieves a specific prompt by name with the given arguments.
func (c *Client) GetPrompt(ctx context.Context, params GetPromptParams) (GetPromptResult, error) {
	var result GetPromptResult
	err := c.call(ctx, MethodPromptsGet, params, &result, func(caps CapabilitySet) bool { return caps.Prompts })
	return result, err
}

// ListRoots retrieves the roots the server exposes.
func (c *Client) ListRoots(ctx context.Context) (RootList, error) {
	var result RootList
	err := c.call(ctx, MethodRootsList, struct{}{}, &result, func(caps CapabilitySet) bool { return caps.Roots })
	return result, err
}

// Complete requests completion suggestions for a prompt argument or a resource
// template argument.
func (c *Client) Complete(ctx context.Context, params CompleteParams) (CompleteResult, error) {
	var result CompleteResult
	err := c.call(ctx, MethodCompletionComplete, params, &result,
		func(caps CapabilitySet) bool { return caps.Completions })
	return result, err
}

// SetLogLevel configures the minimum severity for log messages the server
// pushes to this client.
func (c *Client) SetLogLevel(ctx context.Context, level LogLevel) error {
	var result struct{}
	return c.call(ctx, MethodLoggingSetLevel, LogParams{Level: level}, &result,
		func(caps CapabilitySet) bool { return caps.Logging })
}

// Ping checks that the server still answers on the active connection.
func (c *Client) Ping(ctx context.Context) error {
	var result struct{}
	return c.call(ctx, MethodPing, struct{}{}, &result, nil)
}

// PendingSamples returns the server-initiated sampling requests awaiting a
// response.
func (c *Client) PendingSamples() []PendingSample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]PendingSample(nil), c.pendingSamples...)
}

// RespondSample answers a pending sampling request by ID.
func (c *Client) RespondSample(ctx context.Context, id MustString, result SamplingResult) error {
	sess, err := c.connectedSession()
	if err != nil {
		return err
	}

	c.mu.Lock()
	found := false
	for i, p := range c.pendingSamples {
		if p.ID == id {
			c.pendingSamples = append(c.pendingSamples[:i], c.pendingSamples[i+1:]...)
			found = true
			break
		}
	}
	c.mu.Unlock()

	if !found {
		return fmt.Errorf("no pending sample with id %s", id)
	}
	return c.sendResult(ctx, sess, id, result)
}

// PendingElicitations returns the server-initiated elicitation requests
// awaiting a response.
func (c *Client) PendingElicitations() []PendingElicitation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]PendingElicitation(nil), c.pendingElicitations...)
}

// RespondElicitation answers a pending elicitation request by ID.
func (c *Client) RespondElicitation(ctx context.Context, id MustString, result ElicitationResult) error {
	sess, err := c.connectedSession()
	if err != nil {
		return err
	}

	c.mu.Lock()
	found := false
	for i, p := range c.pendingElicitations {
		if p.ID == id {
			c.pendingElicitations = append(c.pendingElicitations[:i], c.pendingElicitations[i+1:]...)
			found = true
			break
		}
	}
	c.mu.Unlock()

	if !found {
		return fmt.Errorf("no pending elicitation with id %s", id)
	}
	return c.sendResult(ctx, sess, id, result)
}

// connectedSession returns the active session or ErrNotConnected.
func (c *Client) connectedSession() (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected || c.sess == nil {
		return nil, fmt.Errorf("%w: state is %s", ErrNotConnected, c.state)
	}
	return c.sess, nil
}

// call is the shared path of every capability-gated request: assert connected,
// check the capability flag, perform the correlated round trip, and decode the
// result. A response carrying an explicit error object is surfaced as a
// *JSONRPCError so callers can distinguish server-reported reasons from
// connectivity problems.
func (c *Client) call(
	ctx context.Context,
	method string,
	params any,
	result any,
	gate func(CapabilitySet) bool,
) error {
	sess, err := c.connectedSession()
	if err != nil {
		return err
	}
	if gate != nil && !gate(c.Capabilities()) {
		return fmt.Errorf("%w: %s", ErrCapabilityUnsupported, method)
	}

	res, err := c.roundTrip(ctx, sess, method, params)
	if err != nil {
		return err
	}
	if res.Error != nil {
		return fmt.Errorf("result error: %w", res.Error)
	}
	if result == nil || len(res.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(res.Result, result); err != nil {
		return fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return nil
}

// roundTrip sends one correlated request and waits for its response. Each call
// carries a fresh uuid, so concurrent in-flight calls on one connection are
// matched individually regardless of response order.
func (c *Client) roundTrip(ctx context.Context, sess Session, method string, params any) (JSONRPCMessage, error) {
	paramsBs, err := json.Marshal(params)
	if err != nil {
		return JSONRPCMessage{}, fmt.Errorf("failed to marshal params: %w", err)
	}

	msgID := uuid.New().String()
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      MustString(msgID),
		Method:  method,
		Params:  paramsBs,
	}

	ch := make(chan JSONRPCMessage, 1)
	c.mu.Lock()
	c.pending[msgID] = pendingCall{ch: ch, method: method}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, msgID)
		c.mu.Unlock()
	}()

	rctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	c.msgLog.Record(DirectionSent, method, rawMessage(msg))

	if err := sess.Send(rctx, msg); err != nil {
		return JSONRPCMessage{}, fmt.Errorf("failed to send request: %w", err)
	}

	select {
	case res := <-ch:
		return res, nil
	case <-rctx.Done():
		if errors.Is(rctx.Err(), context.DeadlineExceeded) {
			return JSONRPCMessage{}, fmt.Errorf("%w: %s", ErrRequestTimeout, method)
		}
		return JSONRPCMessage{}, rctx.Err()
	}
}

// listenMessages is the single consumer of the session's message stream. It
// records received traffic, resolves pending calls, answers server-initiated
// requests, and routes notifications. It exits when the stream ends, which on
// a live connection means the transport failed.
func (c *Client) listenMessages(ctx context.Context, sess Session) {
	for msg := range sess.Messages() {
		if msg.JSONRPC != JSONRPCVersion {
			c.logger.Error("invalid jsonrpc version", "version", msg.JSONRPC)
			continue
		}

		c.msgLog.Record(DirectionReceived, c.receivedLabel(msg), rawMessage(msg))

		switch msg.Method {
		case MethodPing:
			go func(id MustString) {
				if err := c.sendResult(ctx, sess, id, struct{}{}); err != nil {
					c.logger.Error("failed to answer ping", "err", err)
				}
			}(msg.ID)
		case MethodRootsList:
			go c.handleListRoots(ctx, sess, msg)
		case MethodSamplingCreateMessage:
			c.handleSampling(ctx, sess, msg)
		case MethodElicitationCreate:
			c.handleElicitation(ctx, sess, msg)
		case methodNotificationsResourcesUpdated:
			var params subscriptionUpdatedParams
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				c.logger.Error("failed to unmarshal resources updated params", "err", err)
				continue
			}
			// Refresh runs outside this loop: it issues a read whose response
			// must flow back through here.
			go c.refreshSubscription(ctx, params.URI)
		case methodNotificationsResourcesListChanged:
			if c.resourceListChanged != nil {
				c.resourceListChanged()
			}
		case methodNotificationsToolsListChanged:
			if c.toolListChanged != nil {
				c.toolListChanged()
			}
		case methodNotificationsPromptsListChanged:
			if c.promptListChanged != nil {
				c.promptListChanged()
			}
		case methodNotificationsProgress:
			if c.progressListener == nil {
				continue
			}
			var params ProgressParams
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				c.logger.Error("failed to unmarshal progress params", "err", err)
				continue
			}
			c.progressListener(params)
		case methodNotificationsMessage:
			if c.logReceiver == nil {
				continue
			}
			var params LogParams
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				c.logger.Error("failed to unmarshal log params", "err", err)
				continue
			}
			c.logReceiver(params)
		case methodNotificationsCancelled:
			// The harness has no long-running client-side handlers to cancel.
		case "":
			c.mu.Lock()
			p, ok := c.pending[string(msg.ID)]
			c.mu.Unlock()
			if !ok {
				continue
			}
			// The channel is buffered for one response; a duplicate from a
			// misbehaving server must not stall this loop.
			select {
			case p.ch <- msg:
			default:
			}
		default:
			if msg.ID != "" {
				if err := c.sendError(ctx, sess, msg.ID, JSONRPCError{
					Code:    jsonRPCMethodNotFoundCode,
					Message: fmt.Sprintf("unsupported method: %s", msg.Method),
				}); err != nil {
					c.logger.Error("failed to reject unsupported method", "err", err)
				}
			}
		}
	}

	c.handleStreamEnd(sess)
}

// handleStreamEnd reacts to the message stream closing underneath a live
// connection: a transport-level fatal error moves the client to StateError and
// invalidates all subscriptions. A stream ending after Disconnect is routine.
func (c *Client) handleStreamEnd(sess Session) {
	c.mu.Lock()
	if c.sess != sess {
		c.mu.Unlock()
		return
	}
	c.sess = nil
	cancel := c.loopCancel
	c.loopCancel = nil
	c.state = StateError
	c.stateErr = errors.New("transport closed unexpectedly")
	c.mu.Unlock()

	c.registry.Clear()
	if cancel != nil {
		cancel()
	}
	sess.Stop()
}

// refreshSubscription reads the updated resource and delivers its fresh
// contents into the registry. Notifications for untracked URIs are dropped
// silently; a failed read is recorded on the entry instead of surfacing.
func (c *Client) refreshSubscription(ctx context.Context, uri string) {
	if _, tracked := c.registry.Get(uri); !tracked {
		return
	}

	result, err := c.ReadResource(ctx, ReadResourceParams{URI: uri})
	if err != nil {
		c.registry.RecordError(uri, err)
		return
	}
	c.registry.Deliver(uri, result.Contents)
}

func (c *Client) handleListRoots(ctx context.Context, sess Session, msg JSONRPCMessage) {
	c.mu.Lock()
	roots := append([]Root(nil), c.roots...)
	c.mu.Unlock()

	if err := c.sendResult(ctx, sess, msg.ID, RootList{Roots: roots}); err != nil {
		c.logger.Error("failed to send roots list", "err", err)
	}
}

func (c *Client) handleSampling(ctx context.Context, sess Session, msg JSONRPCMessage) {
	var params SamplingParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		c.logger.Error("failed to unmarshal sampling params", "err", err)
		return
	}

	if c.samplingHandler == nil {
		c.mu.Lock()
		c.pendingSamples = append(c.pendingSamples, PendingSample{
			ID:       msg.ID,
			Params:   params,
			Received: time.Now(),
		})
		c.mu.Unlock()
		return
	}

	go func() {
		result, err := c.samplingHandler(ctx, params)
		if err != nil {
			if sErr := c.sendError(ctx, sess, msg.ID, JSONRPCError{
				Code:    jsonRPCInternalErrorCode,
				Message: err.Error(),
			}); sErr != nil {
				c.logger.Error("failed to send sampling error", "err", sErr)
			}
			return
		}
		if err := c.sendResult(ctx, sess, msg.ID, result); err != nil {
			c.logger.Error("failed to send sampling result", "err", err)
		}
	}()
}

func (c *Client) handleElicitation(ctx context.Context, sess Session, msg JSONRPCMessage) {
	var params ElicitationParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		c.logger.Error("failed to unmarshal elicitation params", "err", err)
		return
	}

	if c.elicitationHandler == nil {
		c.mu.Lock()
		c.pendingElicitations = append(c.pendingElicitations, PendingElicitation{
			ID:       msg.ID,
			Params:   params,
			Received: time.Now(),
		})
		c.mu.Unlock()
		return
	}

	go func() {
		result, err := c.elicitationHandler(ctx, params)
		if err != nil {
			if sErr := c.sendError(ctx, sess, msg.ID, JSONRPCError{
				Code:    jsonRPCInternalErrorCode,
				Message: err.Error(),
			}); sErr != nil {
				c.logger.Error("failed to send elicitation error", "err", sErr)
			}
			return
		}
		if err := c.sendResult(ctx, sess, msg.ID, result); err != nil {
			c.logger.Error("failed to send elicitation result", "err", err)
		}
	}()
}

func (c *Client) sendNotification(ctx context.Context, sess Session, method string, params any) error {
	paramsBs, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  paramsBs,
	}

	c.msgLog.Record(DirectionSent, method, rawMessage(msg))

	sctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	if err := sess.Send(sctx, msg); err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	return nil
}

func (c *Client) sendResult(ctx context.Context, sess Session, id MustString, result any) error {
	resBs, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  resBs,
	}

	c.msgLog.Record(DirectionSent, "response", rawMessage(msg))

	sctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	if err := sess.Send(sctx, msg); err != nil {
		return fmt.Errorf("failed to send result: %w", err)
	}
	return nil
}

func (c *Client) sendError(ctx context.Context, sess Session, id MustString, rpcErr JSONRPCError) error {
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &rpcErr,
	}

	c.msgLog.Record(DirectionSent, "error", rawMessage(msg))

	sctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	if err := sess.Send(sctx, msg); err != nil {
		return fmt.Errorf("failed to send error: %w", err)
	}
	return nil
}

// receivedLabel names an incoming message for the log: its method, or the
// correlated request's method for responses.
func (c *Client) receivedLabel(msg JSONRPCMessage) string {
	if msg.Method != "" {
		return msg.Method
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pending[string(msg.ID)]; ok {
		return p.method
	}
	return "response"
}

func rawMessage(msg JSONRPCMessage) json.RawMessage {
	bs, err := json.Marshal(msg)
	if err != nil {
		return nil
	}
	return bs
}
