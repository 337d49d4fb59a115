// Package drawing talks to the drawing backend over MCP and runs the
// free-form chat flow that drives it.
package drawing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog/log"
)

const (
	ToolDescribeScene = "describe_scene"
	ToolClearCanvas   = "clear_canvas"
	ToolExportScene   = "export_scene"
	ToolScreenshot    = "get_canvas_screenshot"
	ToolCreateElement = "create_element"

	DefaultTimeout = 15 * time.Second
)

var ErrToolFailed = errors.New("drawing tool failed")

// Client is a thin wrapper over an MCP session with the drawing backend.
type Client struct {
	mcp     *client.Client
	timeout time.Duration
}

// Dial connects to a streamable-HTTP MCP endpoint and performs the handshake.
func Dial(ctx context.Context, url string, timeout time.Duration) (*Client, error) {
	c, err := client.NewStreamableHttpClient(url)
	if err != nil {
		return nil, fmt.Errorf("failed to create MCP client for %s: %w", url, err)
	}
	return NewClient(ctx, c, timeout)
}

// NewClient starts and initializes an already constructed MCP client.
func NewClient(ctx context.Context, c *client.Client, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start MCP transport: %w", err)
	}

	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: "canvasmate", Version: "1.0.0"}

	initCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	res, err := c.Initialize(initCtx, req)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("MCP initialize failed: %w", err)
	}
	log.Debug().
		Str("server", res.ServerInfo.Name).
		Str("version", res.ServerInfo.Version).
		Msg("Connected to drawing backend")
	return &Client{mcp: c, timeout: timeout}, nil
}

func (c *Client) Close() error { return c.mcp.Close() }

func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	res, err := c.mcp.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}
	return res.Tools, nil
}

// CallTool invokes one tool and returns the text parts of its result. A
// result flagged as an error is returned as ErrToolFailed.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args

	res, err := c.mcp.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}
	texts := textParts(res.Content)
	if res.IsError {
		return texts, fmt.Errorf("%w: %s: %s", ErrToolFailed, name, strings.Join(texts, "; "))
	}
	return texts, nil
}

func textParts(content []mcp.Content) []string {
	out := make([]string, 0, len(content))
	for _, part := range content {
		switch t := part.(type) {
		case mcp.TextContent:
			out = append(out, t.Text)
		case *mcp.TextContent:
			out = append(out, t.Text)
		}
	}
	return out
}

func firstText(texts []string, fallback string) string {
	if len(texts) == 0 || texts[0] == "" {
		return fallback
	}
	return texts[0]
}

// DescribeScene returns the backend's description of the canvas.
func (c *Client) DescribeScene(ctx context.Context) (string, error) {
	texts, err := c.CallTool(ctx, ToolDescribeScene, nil)
	if err != nil {
		return "", err
	}
	return firstText(texts, "Empty canvas"), nil
}

func (c *Client) ClearCanvas(ctx context.Context) error {
	_, err := c.CallTool(ctx, ToolClearCanvas, nil)
	return err
}

// ExportScene returns the backend's scene export. Non-JSON exports are
// returned as a JSON string.
func (c *Client) ExportScene(ctx context.Context) (json.RawMessage, error) {
	texts, err := c.CallTool(ctx, ToolExportScene, nil)
	if err != nil {
		return nil, err
	}
	text := firstText(texts, "{}")
	if json.Valid([]byte(text)) {
		return json.RawMessage(text), nil
	}
	return json.Marshal(text)
}

// Screenshot returns the backend's screenshot payload, usually base64 PNG.
func (c *Client) Screenshot(ctx context.Context) (string, error) {
	texts, err := c.CallTool(ctx, ToolScreenshot, nil)
	if err != nil {
		return "", err
	}
	return firstText(texts, ""), nil
}
