package workbench_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxmcp/workbench"
)

// rpcHandler answers JSON-RPC POSTs like a minimal MCP server. When identify
// is false the initialize call is rejected, leaving only the liveness ping.
func rpcHandler(identify bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var msg workbench.JSONRPCMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		switch msg.Method {
		case workbench.MethodPing:
			fmt.Fprintf(w, `{"jsonrpc": "2.0", "id": %q, "result": {}}`, msg.ID)
		case "initialize":
			if !identify {
				fmt.Fprintf(w, `{"jsonrpc": "2.0", "id": %q, "error": {"code": -32601, "message": "nope"}}`, msg.ID)
				return
			}
			fmt.Fprintf(w, `{
				"jsonrpc": "2.0",
				"id": %q,
				"result": {
					"protocolVersion": %q,
					"capabilities": {"tools": {}, "resources": {"subscribe": true}},
					"serverInfo": {"name": "scan-target", "version": "2.1"}
				}
			}`, msg.ID, workbench.ProtocolVersion)
		default:
			fmt.Fprintf(w, `{"jsonrpc": "2.0", "id": %q, "error": {"code": -32601, "message": "unknown"}}`, msg.ID)
		}
	}
}

func serverPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

// unusedPort reserves and releases a port so nothing listens on it during the
// scan.
func unusedPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, portStr, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
	require.NoError(t, l.Close())
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

func TestScanIdentifiesServer(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(true))
	defer srv.Close()

	scanner := workbench.NewScanner(
		workbench.WithPorts([]int{serverPort(t, srv), unusedPort(t)}),
		workbench.WithProbeTimeout(2*time.Second),
	)

	report, err := scanner.Scan(context.Background())
	require.NoError(t, err)
	assert.Len(t, report.Scanned, 2)
	require.Len(t, report.Servers, 1, "only the live port is reported")

	found := report.Servers[0]
	assert.Equal(t, workbench.ProbeHTTP, found.Probe)
	assert.True(t, found.Identified)
	assert.Equal(t, "scan-target", found.Name)
	assert.Equal(t, "2.1", found.Version)
	assert.True(t, found.Capabilities.Tools)
	assert.True(t, found.Capabilities.Subscriptions)
}

func TestScanKeepsUnidentifiedServer(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(false))
	defer srv.Close()

	scanner := workbench.NewScanner(workbench.WithPorts([]int{serverPort(t, srv)}))

	report, err := scanner.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Servers, 1, "failed identification must not discard a live server")

	found := report.Servers[0]
	assert.False(t, found.Identified)
	assert.Empty(t, found.Name)
	assert.Equal(t, serverPort(t, srv), found.Port)
}

func TestScanFindsWebSocketServer(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	scanner := workbench.NewScanner(
		workbench.WithPorts([]int{serverPort(t, srv)}),
		workbench.WithHTTPProbe(false),
	)

	report, err := scanner.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Servers, 1)
	assert.Equal(t, workbench.ProbeWebSocket, report.Servers[0].Probe)
	assert.False(t, report.Servers[0].Identified)
}

func TestScanTimeBound(t *testing.T) {
	// A handful of dead ports must resolve quickly: probes run concurrently
	// and each one is capped by the probe timeout.
	ports := make([]int, 0, 6)
	for range 6 {
		ports = append(ports, unusedPort(t))
	}

	scanner := workbench.NewScanner(
		workbench.WithPorts(ports),
		workbench.WithProbeTimeout(500*time.Millisecond),
		workbench.WithConcurrencyLimit(6),
	)

	start := time.Now()
	report, err := scanner.Scan(context.Background())
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Empty(t, report.Servers)
	assert.Len(t, report.Scanned, 6)
	assert.Less(t, elapsed, 5*time.Second, "scan must be bounded by per-probe timeouts, not their sum across ports")
}

func TestScanHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	scanner := workbench.NewScanner(workbench.WithPorts([]int{unusedPort(t)}))
	_, err := scanner.Scan(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
