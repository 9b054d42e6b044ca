package workbench

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

// Probe kinds reported for discovered servers.
const (
	ProbeHTTP      = "http"
	ProbeWebSocket = "websocket"
)

// defaultScanPorts are the ports commonly used by local development servers.
var defaultScanPorts = []int{
	3000, 3001, 4000, 5000, 5173, 8000, 8080, 8081, 8765, 8888, 9000, 9090,
}

const (
	defaultProbeTimeout    = time.Second
	defaultScanConcurrency = 32
	defaultScanHost        = "127.0.0.1"
)

// DiscoveredServer describes one live endpoint found by a scan. Identity
// fields are filled only when the capability handshake succeeded during
// enrichment; a server that answered the liveness probe but not the handshake
// is still reported.
type DiscoveredServer struct {
	Probe string
	Host  string
	Port  int
	URL   string

	Identified   bool
	Name         string
	Version      string
	Capabilities CapabilitySet
}

// ScanReport is the outcome of one scan pass.
type ScanReport struct {
	Servers []DiscoveredServer
	Scanned []int
}

// ScannerOption is a function that configures a scanner.
type ScannerOption func(*Scanner)

// WithScanHost sets the host whose ports are probed. Defaults to 127.0.0.1.
func WithScanHost(host string) ScannerOption {
	return func(s *Scanner) {
		s.host = host
	}
}

// WithPorts replaces the default port list.
func WithPorts(ports []int) ScannerOption {
	return func(s *Scanner) {
		s.ports = append([]int(nil), ports...)
	}
}

// WithProbeTimeout bounds each individual probe. Defaults to one second, so a
// fully unresponsive host costs at most the timeout per probe rather than
// hanging the scan.
func WithProbeTimeout(timeout time.Duration) ScannerOption {
	return func(s *Scanner) {
		s.probeTimeout = timeout
	}
}

// WithHTTPProbe toggles the HTTP JSON-RPC liveness probe.
func WithHTTPProbe(enabled bool) ScannerOption {
	return func(s *Scanner) {
		s.httpProbe = enabled
	}
}

// WithWebSocketProbe toggles the WebSocket upgrade probe.
func WithWebSocketProbe(enabled bool) ScannerOption {
	return func(s *Scanner) {
		s.wsProbe = enabled
	}
}

// WithConcurrencyLimit caps the number of ports probed at once.
func WithConcurrencyLimit(limit int) ScannerOption {
	return func(s *Scanner) {
		s.limit = limit
	}
}

// WithScannerLogger sets the logger used for per-probe diagnostics.
func WithScannerLogger(logger *slog.Logger) ScannerOption {
	return func(s *Scanner) {
		s.logger = logger
	}
}

// Scanner sweeps a set of local ports for running MCP servers. Ports are
// probed concurrently; a port that refuses, times out, or answers garbage is
// simply absent from the report, never an error. A scan is a point-in-time
// snapshot with no background watching.
type Scanner struct {
	host         string
	ports        []int
	probeTimeout time.Duration
	httpProbe    bool
	wsProbe      bool
	limit        int
	logger       *slog.Logger
}

// NewScanner creates a scanner with the default port list and both probe kinds
// enabled.
func NewScanner(options ...ScannerOption) *Scanner {
	s := &Scanner{
		host:         defaultScanHost,
		ports:        append([]int(nil), defaultScanPorts...),
		probeTimeout: defaultProbeTimeout,
		httpProbe:    true,
		wsProbe:      true,
		limit:        defaultScanConcurrency,
		logger:       slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.probeTimeout <= 0 {
		s.probeTimeout = defaultProbeTimeout
	}
	if s.limit <= 0 {
		s.limit = defaultScanConcurrency
	}
	return s
}

// Scan probes every configured port and reports the servers that answered.
// The only error it returns is the context's, when the caller cancels the
// whole scan.
func (s *Scanner) Scan(ctx context.Context) (ScanReport, error) {
	var (
		mu      sync.Mutex
		servers []DiscoveredServer
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.limit)

	for _, port := range s.ports {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			found, ok := s.probePort(gctx, port)
			if !ok {
				return nil
			}

			mu.Lock()
			servers = append(servers, found)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return ScanReport{}, err
	}

	sort.Slice(servers, func(i, j int) bool { return servers[i].Port < servers[j].Port })

	return ScanReport{
		Servers: servers,
		Scanned: append([]int(nil), s.ports...),
	}, nil
}

// probePort tries the enabled probes in order and returns the first hit.
func (s *Scanner) probePort(ctx context.Context, port int) (DiscoveredServer, bool) {
	if s.httpProbe {
		if found, ok := s.probeHTTP(ctx, port); ok {
			return found, true
		}
	}
	if s.wsProbe {
		if found, ok := s.probeWebSocket(ctx, port); ok {
			return found, true
		}
	}
	return DiscoveredServer{}, false
}

// probeHTTP POSTs a JSON-RPC ping to the port. A parseable JSON-RPC answer,
// result or error alike, marks the port live: an error object still proves a
// JSON-RPC speaker on the other end. A live port is then enriched with an
// initialize exchange; enrichment failure downgrades the entry to unidentified
// rather than discarding it.
func (s *Scanner) probeHTTP(ctx context.Context, port int) (DiscoveredServer, bool) {
	url := fmt.Sprintf("http://%s:%d/", s.host, port)

	res, err := s.postRPC(ctx, url, MethodPing, struct{}{})
	if err != nil {
		s.logger.Debug("http probe miss", "port", port, "err", err)
		return DiscoveredServer{}, false
	}
	if res.JSONRPC != JSONRPCVersion {
		return DiscoveredServer{}, false
	}

	found := DiscoveredServer{
		Probe: ProbeHTTP,
		Host:  s.host,
		Port:  port,
		URL:   url,
	}

	init, err := s.postRPC(ctx, url, methodInitialize, initializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientInfo:      Info{Name: "workbench-scanner", Version: "1.0"},
	})
	if err != nil || init.Error != nil || len(init.Result) == 0 {
		s.logger.Debug("identify failed", "port", port, "err", err)
		return found, true
	}

	var result initializeResult
	if err := json.Unmarshal(init.Result, &result); err != nil {
		s.logger.Debug("identify failed", "port", port, "err", err)
		return found, true
	}

	found.Identified = true
	found.Name = result.ServerInfo.Name
	found.Version = result.ServerInfo.Version
	found.Capabilities = result.Capabilities.flagSet()
	return found, true
}

// probeWebSocket attempts a WebSocket upgrade against the port. A completed
// upgrade marks the port live; no protocol exchange follows.
func (s *Scanner) probeWebSocket(ctx context.Context, port int) (DiscoveredServer, bool) {
	url := fmt.Sprintf("ws://%s:%d/", s.host, port)

	dctx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: s.probeTimeout}
	conn, resp, err := dialer.DialContext(dctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		s.logger.Debug("websocket probe miss", "port", port, "err", err)
		return DiscoveredServer{}, false
	}
	conn.Close()

	return DiscoveredServer{
		Probe: ProbeWebSocket,
		Host:  s.host,
		Port:  port,
		URL:   url,
	}, true
}

func (s *Scanner) postRPC(ctx context.Context, url, method string, params any) (JSONRPCMessage, error) {
	paramsBs, err := json.Marshal(params)
	if err != nil {
		return JSONRPCMessage{}, err
	}

	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      MustString(uuid.New().String()),
		Method:  method,
		Params:  paramsBs,
	}
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return JSONRPCMessage{}, err
	}

	pctx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(pctx, http.MethodPost, url, bytes.NewReader(msgBs))
	if err != nil {
		return JSONRPCMessage{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return JSONRPCMessage{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return JSONRPCMessage{}, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return JSONRPCMessage{}, err
	}

	var res JSONRPCMessage
	if err := json.Unmarshal(body, &res); err != nil {
		return JSONRPCMessage{}, err
	}
	return res, nil
}
