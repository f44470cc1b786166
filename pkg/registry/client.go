package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/meridianhq/meridian/pkg/httpclient"
)

// CallError is a tool-level failure reported by a provider. It is a
// normal outcome, not a transport failure.
type CallError struct {
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}

func (e *CallError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return e.Message
}

type rpcRequest struct {
	Method string      `json:"method"`
	Params *callParams `json:"params,omitempty"`
}

type callParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type rpcResponse struct {
	Tools  []ToolSchema    `json:"tools,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *CallError      `json:"error,omitempty"`
}

// Client speaks the provider wire protocol against a single base URL.
// All requests are POSTs of a JSON envelope to the base URL.
type Client struct {
	id         string
	baseURL    string
	httpClient *httpclient.Client
}

func NewClient(id, baseURL string, opts ...httpclient.Option) *Client {
	return &Client{
		id:         id,
		baseURL:    baseURL,
		httpClient: httpclient.New(opts...),
	}
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// ListTools fetches the provider's tool declarations. Every returned
// schema is stamped with the provider id.
func (c *Client) ListTools(ctx context.Context) ([]ToolSchema, error) {
	resp, err := c.roundTrip(ctx, &rpcRequest{Method: "tools/list"})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, NewRegistryError("Client", "ListTools",
			fmt.Sprintf("provider %s rejected discovery", c.id), resp.Error)
	}

	tools := make([]ToolSchema, 0, len(resp.Tools))
	for _, tool := range resp.Tools {
		if tool.Name == "" {
			continue
		}
		tool.ProviderID = c.id
		tools = append(tools, tool)
	}
	return tools, nil
}

// CallTool invokes a tool. The three return values are disjoint: a
// decoded result on success, a CallError when the provider reports a
// tool-level failure, or a transport error.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (any, *CallError, error) {
	resp, err := c.roundTrip(ctx, &rpcRequest{
		Method: "tools/call",
		Params: &callParams{Name: name, Arguments: arguments},
	})
	if err != nil {
		return nil, nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error, nil
	}

	var result any
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return nil, nil, NewRegistryError("Client", "CallTool",
				fmt.Sprintf("provider %s returned malformed result", c.id), err)
		}
	}
	return result, nil, nil
}

func (c *Client) roundTrip(ctx context.Context, rpc *rpcRequest) (*rpcResponse, error) {
	body, err := json.Marshal(rpc)
	if err != nil {
		return nil, NewRegistryError("Client", "roundTrip", "failed to encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, NewRegistryError("Client", "roundTrip", "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &httpclient.TransportError{
			StatusCode: resp.StatusCode,
			Attempts:   1,
			Err:        fmt.Errorf("unexpected status %d from provider %s", resp.StatusCode, c.id),
		}
	}

	var decoded rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, NewRegistryError("Client", "roundTrip",
			fmt.Sprintf("failed to decode response from provider %s", c.id), err)
	}
	return &decoded, nil
}

// discoveryClient builds a client tuned for discovery probes, which use
// a short timeout and no retries.
func discoveryClient(id, baseURL string, timeout time.Duration) *Client {
	return NewClient(id, baseURL,
		httpclient.WithHTTPClient(&http.Client{Timeout: timeout}),
		httpclient.WithMaxRetries(0),
	)
}
