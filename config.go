package workbench

import (
	"errors"
	"fmt"
	"net/http"
)

// TransportKind discriminates the connection configuration variants.
type TransportKind string

// Supported transport kinds.
const (
	// TransportStdIO spawns a child process and speaks newline-delimited
	// JSON-RPC over its standard streams.
	TransportStdIO TransportKind = "stdio"
	// TransportStreamable is the session-bearing HTTP variant: requests are
	// POSTed envelopes, pushes arrive on a standalone SSE stream, and a
	// server-assigned session ID threads the exchanges together.
	TransportStreamable TransportKind = "http"
	// TransportStateless is the session-free HTTP variant where every call is
	// an independent exchange.
	TransportStateless TransportKind = "http-stateless"
)

// DefaultAuthHeader is the header name used to carry the credential when
// AuthConfig.Header is left empty.
const DefaultAuthHeader = "X-MCP-API-Key"

// ErrInvalidConfig wraps all configuration validation failures. They are raised
// synchronously before any I/O is attempted and are never retried.
var ErrInvalidConfig = errors.New("invalid server config")

// AuthConfig attaches a static credential to every outgoing HTTP request. It is
// applied identically on both HTTP transport variants and ignored for stdio.
type AuthConfig struct {
	// Credential is the opaque value sent to the server.
	Credential string
	// Header overrides DefaultAuthHeader when set.
	Header string
}

func (a AuthConfig) headerName() string {
	if a.Header == "" {
		return DefaultAuthHeader
	}
	return a.Header
}

// ServerConfig is a tagged union describing how to reach a server. Kind selects
// the variant; only the fields belonging to that variant are consulted.
type ServerConfig struct {
	Kind TransportKind

	// TransportStdIO fields.

	// Command is the executable path of the server process.
	Command string
	// Args is the argument list passed to the command.
	Args []string
	// Env holds environment overrides merged over the inherited environment.
	Env map[string]string

	// TransportStreamable and TransportStateless fields.

	// Endpoint is the URL the JSON-RPC envelopes are POSTed to.
	Endpoint string
	// SessionID optionally seeds the session identifier for the streamable
	// variant; normally the server assigns one during the handshake.
	SessionID string
	// Auth, when non-nil, injects the credential header on every request.
	Auth *AuthConfig
}

// Validate checks that the fields required by the chosen variant are present.
// It fails closed on unknown kinds.
func (c ServerConfig) Validate() error {
	switch c.Kind {
	case TransportStdIO:
		if c.Command == "" {
			return fmt.Errorf("%w: stdio variant requires a command", ErrInvalidConfig)
		}
	case TransportStreamable, TransportStateless:
		if c.Endpoint == "" {
			return fmt.Errorf("%w: %s variant requires an endpoint URL", ErrInvalidConfig, c.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown transport kind %q", ErrInvalidConfig, c.Kind)
	}
	return nil
}

// NewTransport constructs the transport described by the config. No I/O happens
// here; the transport connects when its session is started.
func NewTransport(cfg ServerConfig) (ClientTransport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Kind {
	case TransportStdIO:
		return NewStdIOTransport(cfg.Command, cfg.Args, cfg.Env), nil
	case TransportStreamable:
		return NewStreamableTransport(cfg.Endpoint, httpClientFor(cfg.Auth),
			WithStreamableSessionID(cfg.SessionID)), nil
	case TransportStateless:
		return NewStatelessTransport(cfg.Endpoint, httpClientFor(cfg.Auth)), nil
	}
	// Unreachable: Validate rejects unknown kinds.
	return nil, fmt.Errorf("%w: unknown transport kind %q", ErrInvalidConfig, cfg.Kind)
}

// authRoundTripper injects the configured credential header on every request
// before delegating to the base transport.
type authRoundTripper struct {
	base http.RoundTripper
	auth AuthConfig
}

func (a authRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	// Per http.RoundTripper contract the request must not be mutated.
	clone := req.Clone(req.Context())
	clone.Header.Set(a.auth.headerName(), a.auth.Credential)
	return a.base.RoundTrip(clone)
}

// httpClientFor returns an HTTP client wired with auth injection when an
// AuthConfig is present, or the default client otherwise.
func httpClientFor(auth *AuthConfig) *http.Client {
	if auth == nil {
		return http.DefaultClient
	}
	return &http.Client{
		Transport: authRoundTripper{base: http.DefaultTransport, auth: *auth},
	}
}
