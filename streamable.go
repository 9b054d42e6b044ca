package workbench

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"mime"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SessionIDHeader is the HTTP header threading a server-assigned session
// identifier across the exchanges of a streamable connection.
const SessionIDHeader = "Mcp-Session-Id"

// StreamableTransport is the session-bearing HTTP transport. Every JSON-RPC
// message is POSTed to the endpoint; the server may answer with a plain JSON
// body, an SSE stream, or 202 Accepted for notifications. The session ID the
// server assigns on the first exchange is echoed back on every later request,
// and a standalone GET stream is opened for server-initiated pushes once the
// session is established.
type StreamableTransport struct {
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger

	sessionID      string
	maxPayloadSize int
}

// StreamableOption configures a StreamableTransport.
type StreamableOption func(*StreamableTransport)

// WithStreamableSessionID seeds the session identifier instead of waiting for
// the server to assign one.
func WithStreamableSessionID(id string) StreamableOption {
	return func(t *StreamableTransport) {
		t.sessionID = id
	}
}

// WithStreamableLogger sets the logger used for transport-level diagnostics.
func WithStreamableLogger(logger *slog.Logger) StreamableOption {
	return func(t *StreamableTransport) {
		t.logger = logger
	}
}

// WithStreamableMaxPayloadSize bounds the size of a single SSE event read from
// the push stream. Oversized events fail the stream.
func WithStreamableMaxPayloadSize(size int) StreamableOption {
	return func(t *StreamableTransport) {
		t.maxPayloadSize = size
	}
}

// NewStreamableTransport creates a streamable HTTP transport targeting the
// given endpoint. If httpClient is nil the default client is used.
func NewStreamableTransport(endpoint string, httpClient *http.Client, options ...StreamableOption) *StreamableTransport {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	t := &StreamableTransport{
		endpoint:   endpoint,
		httpClient: cli,
		logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// StartSession verifies nothing over the wire; the first POST (normally the
// initialize request) establishes the session. This keeps connection errors on
// the request path where the caller's timeout applies.
func (t *StreamableTransport) StartSession(_ context.Context) (Session, error) {
	sess := &streamableSession{
		fallbackID:     uuid.New().String(),
		endpoint:       t.endpoint,
		httpClient:     t.httpClient,
		logger:         t.logger,
		maxPayloadSize: t.maxPayloadSize,
		sessionID:      t.sessionID,
		messages:       make(chan JSONRPCMessage),
		done:           make(chan struct{}),
	}
	if sess.sessionID != "" {
		sess.startPushStream()
	}
	return sess, nil
}

type streamableSession struct {
	fallbackID     string
	endpoint       string
	httpClient     *http.Client
	logger         *slog.Logger
	maxPayloadSize int

	mu        sync.Mutex
	sessionID string
	pushOnce  sync.Once

	messages chan JSONRPCMessage
	done     chan struct{}
	stopOnce sync.Once
}

// SupportsPush reports that this session can deliver server-initiated messages.
func (s *streamableSession) SupportsPush() bool { return true }

func (s *streamableSession) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionID != "" {
		return s.sessionID
	}
	return s.fallbackID
}

func (s *streamableSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(msgBs))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if id := s.currentSessionID(); id != "" {
		req.Header.Set(SessionIDHeader, id)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}

	s.adoptSessionID(resp.Header.Get(SessionIDHeader))

	switch resp.StatusCode {
	case http.StatusAccepted, http.StatusNoContent:
		// Notification accepted, nothing to read back.
		resp.Body.Close()
		return nil
	case http.StatusOK:
	default:
		resp.Body.Close()
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch mediaType {
	case "text/event-stream":
		go s.consumeEventStream(resp.Body)
	default:
		go s.consumeJSONBody(resp.Body)
	}

	return nil
}

func (s *streamableSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
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

func (s *streamableSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)

		// Best effort DELETE to end the server-side session.
		id := s.currentSessionID()
		if id == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.endpoint, nil)
		if err != nil {
			return
		}
		req.Header.Set(SessionIDHeader, id)
		resp, err := s.httpClient.Do(req)
		if err != nil {
			s.logger.Debug("failed to delete session", "err", err)
			return
		}
		resp.Body.Close()
	})
}

func (s *streamableSession) currentSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// adoptSessionID records a server-assigned session ID and opens the standalone
// push stream the first time one becomes available.
func (s *streamableSession) adoptSessionID(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	if s.sessionID == "" {
		s.sessionID = id
	}
	s.mu.Unlock()
	s.startPushStream()
}

func (s *streamableSession) startPushStream() {
	s.pushOnce.Do(func() {
		go s.listenPushStream()
	})
}

// listenPushStream opens the standalone GET stream carrying server-initiated
// messages. Servers that do not support it answer with a non-200 status, which
// is tolerated: pushes are simply unavailable then.
func (s *streamableSession) listenPushStream() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.done
		cancel()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		s.logger.Error("failed to create push stream request", "err", err)
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	if id := s.currentSessionID(); id != "" {
		req.Header.Set(SessionIDHeader, id)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Debug("push stream unavailable", "err", err)
		}
		return
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		s.logger.Debug("push stream rejected", "status", resp.StatusCode)
		return
	}

	s.consumeEventStream(resp.Body)
}

// consumeEventStream feeds every JSON-RPC event on an SSE body into the session
// message stream until the body ends or the session stops.
func (s *streamableSession) consumeEventStream(body io.ReadCloser) {
	defer body.Close()

	var config *sse.ReadConfig
	if s.maxPayloadSize > 0 {
		config = &sse.ReadConfig{MaxEventSize: s.maxPayloadSize}
	}

	for ev, err := range sse.Read(body, config) {
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.logger.Error("failed to read SSE message", "err", err)
			}
			return
		}

		if ev.Type != "" && ev.Type != "message" {
			s.logger.Error("unhandled event type", "type", ev.Type)
			continue
		}

		var msg JSONRPCMessage
		if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
			s.logger.Error("failed to unmarshal message", "err", err)
			continue
		}

		if !s.deliver(msg) {
			return
		}
	}
}

// consumeJSONBody decodes a plain JSON response body and feeds it into the
// session message stream.
func (s *streamableSession) consumeJSONBody(body io.ReadCloser) {
	defer body.Close()

	var msg JSONRPCMessage
	if err := json.NewDecoder(body).Decode(&msg); err != nil {
		if !errors.Is(err, io.EOF) {
			s.logger.Error("failed to decode response body", "err", err)
		}
		return
	}

	s.deliver(msg)
}

func (s *streamableSession) deliver(msg JSONRPCMessage) bool {
	select {
	case <-s.done:
		return false
	case s.messages <- msg:
		return true
	}
}
