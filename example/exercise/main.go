package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fluxmcp/workbench"
)

// Connects to an MCP server, walks its declared capabilities, and dumps the
// protocol traffic it produced. The server is either a spawned child process
// (-command) or an HTTP endpoint (-endpoint).
func main() {
	command := flag.String("command", "", "Executable of a stdio server to spawn")
	endpoint := flag.String("endpoint", "", "URL of an HTTP server to connect to")
	stateless := flag.Bool("stateless", false, "Use the session-free HTTP variant")
	apiKey := flag.String("api-key", "", "Credential sent on every HTTP request")

	flag.Parse()

	cfg, err := buildConfig(*command, flag.Args(), *endpoint, *stateless, *apiKey)
	if err != nil {
		fmt.Println("Error:", err)
		flag.Usage()
		os.Exit(1)
	}

	client := workbench.NewClient(workbench.Info{
		Name:    "workbench-exercise",
		Version: "1.0",
	}, workbench.WithConnectTimeout(15*time.Second))

	ctx := context.Background()
	if err := client.Connect(ctx, cfg); err != nil {
		fmt.Println("Error: connect failed:", err)
		os.Exit(1)
	}
	defer client.Disconnect()

	info, _ := client.ServerInfo()
	fmt.Printf("Connected to %s %s\n", info.Name, info.Version)
	if info.Instructions != "" {
		fmt.Printf("Instructions: %s\n", info.Instructions)
	}

	caps := client.Capabilities()

	if caps.Tools {
		tools, err := client.ListTools(ctx, workbench.ListToolsParams{})
		if err != nil {
			fmt.Println("Error: list tools:", err)
		}
		fmt.Printf("Tools (%d):\n", len(tools.Tools))
		for _, tool := range tools.Tools {
			fmt.Printf("  %s: %s\n", tool.Name, tool.Description)
		}
	}

	if caps.Resources {
		resources, err := client.ListResources(ctx, workbench.ListResourcesParams{})
		if err != nil {
			fmt.Println("Error: list resources:", err)
		}
		fmt.Printf("Resources (%d):\n", len(resources.Resources))
		for _, res := range resources.Resources {
			fmt.Printf("  %s (%s)\n", res.URI, res.MimeType)
		}
	}

	if caps.Prompts {
		prompts, err := client.ListPrompts(ctx, workbench.ListPromptsParams{})
		if err != nil {
			fmt.Println("Error: list prompts:", err)
		}
		fmt.Printf("Prompts (%d):\n", len(prompts.Prompts))
		for _, prompt := range prompts.Prompts {
			fmt.Printf("  %s\n", prompt.Name)
		}
	}

	fmt.Println("Protocol traffic:")
	for _, entry := range client.MessageLog().Entries() {
		fmt.Printf("  %s %-8s %s\n", entry.Time.Format(time.TimeOnly), entry.Direction, entry.Method)
	}
}

func buildConfig(command string, args []string, endpoint string, stateless bool, apiKey string) (workbench.ServerConfig, error) {
	var auth *workbench.AuthConfig
	if apiKey != "" {
		auth = &workbench.AuthConfig{Credential: apiKey}
	}

	switch {
	case command != "":
		return workbench.ServerConfig{
			Kind:    workbench.TransportStdIO,
			Command: command,
			Args:    args,
		}, nil
	case endpoint != "":
		kind := workbench.TransportStreamable
		if stateless {
			kind = workbench.TransportStateless
		}
		return workbench.ServerConfig{
			Kind:     kind,
			Endpoint: strings.TrimSpace(endpoint),
			Auth:     auth,
		}, nil
	}
	return workbench.ServerConfig{}, fmt.Errorf("either -command or -endpoint is required")
}
