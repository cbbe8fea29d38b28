package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sashabaranov/go-openai"

	"github.com/listfold/chatmend/internal/config"
)

// Probe checks one external dependency for liveness. Probes own their
// timeouts and run on a separate path from chat processing.
type Probe interface {
	Name() string
	Check(ctx context.Context) error
}

// modelLister is the subset of openai.Client the completion probe
// needs; it is easy to mock in tests.
type modelLister interface {
	ListModels(ctx context.Context) (openai.ModelsList, error)
}

// CompletionProbe checks the OpenAI-compatible completion service that
// produces the records this engine validates. ListModels is the
// cheapest authenticated round trip; the engine itself never requests
// completions.
type CompletionProbe struct {
	client  modelLister
	timeout time.Duration
}

// NewCompletionProbe builds a probe against the configured endpoint.
func NewCompletionProbe(cfg config.CompletionProbeConfig) *CompletionProbe {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &CompletionProbe{client: openai.NewClientWithConfig(clientCfg), timeout: timeout}
}

func (p *CompletionProbe) Name() string { return "completion-service" }

func (p *CompletionProbe) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if _, err := p.client.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

// ToolServiceProbe checks the MCP tool-execution service with a
// start/initialize/ping round trip over streamable HTTP.
type ToolServiceProbe struct {
	url     string
	headers map[string]string
	timeout time.Duration
}

// NewToolServiceProbe builds a probe against the configured MCP server.
func NewToolServiceProbe(cfg config.ToolServiceProbeConfig) *ToolServiceProbe {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ToolServiceProbe{url: cfg.URL, headers: cfg.Headers, timeout: timeout}
}

func (p *ToolServiceProbe) Name() string { return "tool-service" }

func (p *ToolServiceProbe) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var opts []transport.StreamableHTTPCOption
	if len(p.headers) > 0 {
		opts = append(opts, transport.WithHTTPHeaders(p.headers))
	}
	mcpC, err := client.NewStreamableHttpClient(p.url, opts...)
	if err != nil {
		return fmt.Errorf("create MCP client: %w", err)
	}
	defer mcpC.Close()

	if err := mcpC.Start(ctx); err != nil {
		return fmt.Errorf("start MCP transport: %w", err)
	}
	initReq := mcp.InitializeRequest{
		Params: mcp.InitializeParams{Capabilities: mcp.ClientCapabilities{}},
	}
	if _, err := mcpC.Initialize(ctx, initReq); err != nil {
		return fmt.Errorf("initialize MCP client: %w", err)
	}
	if err := mcpC.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}
