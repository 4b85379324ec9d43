// Package mcpbridge implements opal's MCP (Model Context Protocol)
// client: an HTTP+SSE JSON-RPC transport that lists and invokes tools
// exposed by an external MCP server, wrapped as tools.Tool values the
// registry can serve like any builtin. Grounded on the teacher's
// runtime/mcp package (Caller interface, CallRequest/CallResponse shape,
// SSE event framing), extended with the tools/list handshake and
// tools.Tool adapter opal's registry needs that the teacher's
// codegen-time tool binding never required.
package mcpbridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/opal-run/opal/tools"
)

// Options configures a Client.
type Options struct {
	// Endpoint is the MCP server's HTTP endpoint, which must accept
	// JSON-RPC POSTs and respond with either a plain JSON body or a
	// text/event-stream body.
	Endpoint string
	// HTTPClient overrides the default HTTP client (timeouts, proxying,
	// auth transport). Optional.
	HTTPClient *http.Client
	// NamePrefix is prepended to every tool's advertised name
	// ("<prefix>_<tool>") so tools from multiple MCP servers never
	// collide in the registry.
	NamePrefix string
}

// Client is opal's supervisor.MCPClient implementation: it lists the
// remote server's tools and executes tools/call over the same
// connection.
type Client struct {
	endpoint string
	http     *http.Client
	prefix   string
	nextID   atomic.Int64
}

// New constructs a Client without any network I/O. The client never sends
// an MCP initialize request; Tools issues tools/list directly.
func New(opts Options) (*Client, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("mcpbridge: endpoint is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{endpoint: opts.Endpoint, http: httpClient, prefix: opts.NamePrefix}, nil
}

// Close releases the underlying HTTP transport's idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// Tools lists the remote server's tools via tools/list and wraps each as
// a tools.Tool the registry can serve.
func (c *Client) Tools(ctx context.Context) ([]tools.Tool, error) {
	var result struct {
		Tools []remoteToolSpec `json:"tools"`
	}
	if err := c.call(ctx, "tools/list", map[string]any{}, &result); err != nil {
		return nil, fmt.Errorf("mcpbridge: tools/list: %w", err)
	}
	out := make([]tools.Tool, 0, len(result.Tools))
	for _, spec := range result.Tools {
		out = append(out, &remoteTool{client: c, spec: spec, prefix: c.prefix})
	}
	return out, nil
}

type remoteToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// callTool invokes tools/call for the named remote tool and returns the
// raw text content of the response.
func (c *Client) callTool(ctx context.Context, name string, args map[string]any) (string, bool, error) {
	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	params := map[string]any{"name": name, "arguments": args}
	if err := c.call(ctx, "tools/call", params, &result); err != nil {
		return "", false, err
	}
	var text strings.Builder
	for _, block := range result.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return text.String(), result.IsError, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("mcp rpc error %d: %s", e.Code, e.Message) }

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// call issues one JSON-RPC request over HTTP and decodes the result from
// either a plain JSON response or an SSE "response"/"error" event,
// mirroring the teacher's SSECaller protocol handling.
func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	req := rpcRequest{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("mcp rpc status %d: %s", resp.StatusCode, string(raw))
	}

	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	var rpcResp rpcResponse
	if strings.HasPrefix(ct, "text/event-stream") {
		rpcResp, err = readSSEResponse(resp.Body)
	} else {
		err = json.NewDecoder(resp.Body).Decode(&rpcResp)
	}
	if err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out == nil || len(rpcResp.Result) == 0 {
		return nil
	}
	return json.Unmarshal(rpcResp.Result, out)
}

func readSSEResponse(body io.Reader) (rpcResponse, error) {
	reader := bufio.NewReader(body)
	for {
		event, data, err := readSSEEvent(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return rpcResponse{}, errors.New("mcpbridge: sse stream closed before response")
			}
			return rpcResponse{}, err
		}
		switch event {
		case "response", "error":
			var rpcResp rpcResponse
			if err := json.Unmarshal(data, &rpcResp); err != nil {
				return rpcResponse{}, err
			}
			return rpcResp, nil
		case "close":
			return rpcResponse{}, errors.New("mcpbridge: sse stream closed without response")
		default:
			continue
		}
	}
}

func readSSEEvent(reader *bufio.Reader) (string, []byte, error) {
	var event string
	var data []byte
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if event == "" && len(data) == 0 {
				continue
			}
			return event, data, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if after, ok := strings.CutPrefix(line, "event:"); ok {
			event = strings.TrimSpace(after)
			continue
		}
		if after, ok := strings.CutPrefix(line, "data:"); ok {
			chunk := strings.TrimPrefix(after, " ")
			if len(data) > 0 {
				data = append(data, '\n')
			}
			data = append(data, chunk...)
			continue
		}
	}
}
