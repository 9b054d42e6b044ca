package workbench

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
)

// StatelessTransport is the session-free HTTP transport: every JSON-RPC call is
// one independent POST exchange with no cross-call correlation on the server.
// There is no push channel, so server-initiated messages and subscriptions are
// unavailable on this transport.
type StatelessTransport struct {
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger
}

// StatelessOption configures a StatelessTransport.
type StatelessOption func(*StatelessTransport)

// WithStatelessLogger sets the logger used for transport-level diagnostics.
func WithStatelessLogger(logger *slog.Logger) StatelessOption {
	return func(t *StatelessTransport) {
		t.logger = logger
	}
}

// NewStatelessTransport creates a stateless HTTP transport targeting the given
// endpoint. If httpClient is nil the default client is used.
func NewStatelessTransport(endpoint string, httpClient *http.Client, options ...StatelessOption) *StatelessTransport {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	t := &StatelessTransport{
		endpoint:   endpoint,
		httpClient: cli,
		logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// StartSession returns a session whose every Send is its own HTTP exchange.
// No I/O happens here; the first call surfaces connection failures.
func (t *StatelessTransport) StartSession(_ context.Context) (Session, error) {
	return &statelessSession{
		id:         uuid.New().String(),
		endpoint:   t.endpoint,
		httpClient: t.httpClient,
		logger:     t.logger,
		messages:   make(chan JSONRPCMessage),
		done:       make(chan struct{}),
	}, nil
}

type statelessSession struct {
	id         string
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger

	messages chan JSONRPCMessage
	done     chan struct{}
	stopOnce sync.Once
}

// SupportsPush reports that this session cannot deliver server-initiated
// messages; each exchange stands alone.
func (s *statelessSession) SupportsPush() bool { return false }

func (s *statelessSession) ID() string { return s.id }

func (s *statelessSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(msgBs))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted, http.StatusNoContent:
		return nil
	case http.StatusOK:
	default:
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if len(body) == 0 {
		return nil
	}

	var res JSONRPCMessage
	if err := json.Unmarshal(body, &res); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}

	// Feed the response through the message stream so the client's correlation
	// loop treats both HTTP variants identically.
	go func() {
		select {
		case <-s.done:
		case s.messages <- res:
		}
	}()

	return nil
}

func (s *statelessSession) Messages() iter.Seq[JSONRPCMessage] {
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

func (s *statelessSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
}
