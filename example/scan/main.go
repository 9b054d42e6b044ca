package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fluxmcp/workbench"
)

func main() {
	host := flag.String("host", "127.0.0.1", "Host to scan")
	ports := flag.String("ports", "", "Comma-separated ports (defaults to common development ports)")
	timeout := flag.Duration("timeout", time.Second, "Per-probe timeout")

	flag.Parse()

	options := []workbench.ScannerOption{
		workbench.WithScanHost(*host),
		workbench.WithProbeTimeout(*timeout),
	}
	if *ports != "" {
		parsed, err := parsePorts(*ports)
		if err != nil {
			fmt.Println("Error: invalid ports:", err)
			os.Exit(1)
		}
		options = append(options, workbench.WithPorts(parsed))
	}

	scanner := workbench.NewScanner(options...)

	report, err := scanner.Scan(context.Background())
	if err != nil {
		fmt.Println("Error: scan failed:", err)
		os.Exit(1)
	}

	fmt.Printf("Scanned %d ports on %s\n", len(report.Scanned), *host)
	if len(report.Servers) == 0 {
		fmt.Println("No servers found")
		return
	}

	for _, srv := range report.Servers {
		if !srv.Identified {
			fmt.Printf("  %s (%s, unidentified)\n", srv.URL, srv.Probe)
			continue
		}
		fmt.Printf("  %s (%s) %s %s\n", srv.URL, srv.Probe, srv.Name, srv.Version)
		fmt.Printf("    tools=%t resources=%t subscriptions=%t prompts=%t\n",
			srv.Capabilities.Tools, srv.Capabilities.Resources,
			srv.Capabilities.Subscriptions, srv.Capabilities.Prompts)
	}
}

func parsePorts(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	ports := make([]int, 0, len(parts))
	for _, p := range parts {
		port, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		ports = append(ports, port)
	}
	return ports, nil
}
