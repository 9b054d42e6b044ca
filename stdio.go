package workbench

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// StdIOTransport launches a server as a child process and exchanges
// newline-delimited JSON-RPC messages over its standard streams. The child is
// started with the configured executable and argument list; its environment is
// the parent's environment with the configured overrides applied on top.
//
// The transport itself holds no connection state; each StartSession spawns a
// fresh process, and stopping the session terminates it.
type StdIOTransport struct {
	command string
	args    []string
	env     map[string]string
	logger  *slog.Logger
}

// StdIOTransportOption configures a StdIOTransport.
type StdIOTransportOption func(*StdIOTransport)

// WithStdIOLogger sets the logger used for transport-level diagnostics.
func WithStdIOLogger(logger *slog.Logger) StdIOTransportOption {
	return func(t *StdIOTransport) {
		t.logger = logger
	}
}

// NewStdIOTransport creates a child-process transport for the given executable,
// argument list, and environment overrides.
func NewStdIOTransport(command string, args []string, env map[string]string, options ...StdIOTransportOption) *StdIOTransport {
	t := &StdIOTransport{
		command: command,
		args:    args,
		env:     env,
		logger:  slog.Default(),
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// StartSession spawns the child process and returns a session speaking
// newline-framed JSON-RPC over its pipes. A spawn failure is returned before
// any message exchange happens.
func (t *StdIOTransport) StartSession(_ context.Context) (Session, error) {
	cmd := exec.Command(t.command, t.args...)
	cmd.Env = mergeEnv(os.Environ(), t.env)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start server process: %w", err)
	}

	sess := &stdIOSession{
		id:            uuid.New().String(),
		cmd:           cmd,
		stdin:         stdin,
		stdout:        stdout,
		logger:        t.logger,
		messages:      make(chan JSONRPCMessage),
		writeMessages: make(chan stdIOWriteMsg),
		done:          make(chan struct{}),
		writeClosed:   make(chan struct{}),
	}

	go sess.processWriteMessages()
	go sess.processReadMessages()

	return sess, nil
}

// mergeEnv overlays the caller-supplied key/value pairs on the inherited
// environment, replacing duplicated keys rather than appending them twice.
func mergeEnv(inherited []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return inherited
	}

	merged := make([]string, 0, len(inherited)+len(overrides))
	for _, kv := range inherited {
		key, _, ok := strings.Cut(kv, "=")
		if ok {
			if _, overridden := overrides[key]; overridden {
				continue
			}
		}
		merged = append(merged, kv)
	}
	for k, v := range overrides {
		merged = append(merged, k+"="+v)
	}
	return merged
}

type stdIOSession struct {
	id     string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	logger *slog.Logger

	messages      chan JSONRPCMessage
	writeMessages chan stdIOWriteMsg
	done          chan struct{}
	writeClosed   chan struct{}
	stopOnce      sync.Once
}

type stdIOWriteMsg struct {
	msg  []byte
	errs chan error
}

func (s *stdIOSession) ID() string { return s.id }

func (s *stdIOSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	// Append newline to maintain message framing protocol
	msgBs = append(msgBs, '\n')

	ioMsg := stdIOWriteMsg{
		msg:  msgBs,
		errs: make(chan error, 1),
	}

	// Queue the message so a single goroutine owns the pipe.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return errors.New("session is closed")
	case s.writeMessages <- ioMsg:
	}

	select {
	case err := <-ioMsg.errs:
		if err != nil {
			s.logger.Error("failed to write message", slog.String("err", err.Error()))
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return errors.New("session is closed")
	}
}

func (s *stdIOSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for msg := range s.messages {
			if !yield(msg) {
				return
			}
		}
	}
}

func (s *stdIOSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		// Closing stdin unblocks the child and lets well-behaved servers exit;
		// the kill below covers the rest.
		_ = s.stdin.Close()
		_ = s.stdout.Close()
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		_ = s.cmd.Wait()
		<-s.writeClosed
	})
}

func (s *stdIOSession) processReadMessages() {
	defer close(s.messages)

	// Use bufio.Reader instead of bufio.Scanner to avoid max token size errors.
	reader := bufio.NewReader(s.stdout)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				s.logger.Error("failed to read message", "err", err)
			}
			return
		}

		line = strings.TrimSuffix(line, "\n")
		if line == "" {
			continue
		}

		var msg JSONRPCMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			s.logger.Error("failed to unmarshal message", "err", err)
			continue
		}

		select {
		case <-s.done:
			return
		case s.messages <- msg:
		}
	}
}

func (s *stdIOSession) processWriteMessages() {
	defer close(s.writeClosed)

	for {
		var msg stdIOWriteMsg
		select {
		case <-s.done:
			return
		case msg = <-s.writeMessages:
		}

		_, err := s.stdin.Write(msg.msg)
		msg.errs <- err
	}
}
