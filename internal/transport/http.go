package transport

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// AuthConfig describes how outbound requests to a remote provider are
// authenticated, mirroring the config surface's auth options.
type AuthConfig struct {
	Kind        string // "bearer", "api_key", "basic", or "" for none
	Token       string
	HeaderName  string // for api_key
	Username    string
	Password    string
	InsecureTLS bool
	CustomCA    *tls.Config
}

// HTTPClient is a Transport Client that issues one HTTP request per Call,
// against a remote MCP provider endpoint. A response whose Content-Type is
// text/event-stream is consumed as Server-Sent Events until an event whose
// JSON payload carries the matching request id.
type HTTPClient struct {
	endpoint string
	auth     AuthConfig
	http     *http.Client
	log      zerolog.Logger
	ids      idAllocator
	closed   atomic.Bool
}

// NewHTTPClient builds a remote Transport Client against endpoint.
func NewHTTPClient(endpoint string, auth AuthConfig, log zerolog.Logger) *HTTPClient {
	transport := &http.Transport{}
	if auth.InsecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // operator opt-in
	} else if auth.CustomCA != nil {
		transport.TLSClientConfig = auth.CustomCA
	}
	return &HTTPClient{
		endpoint: endpoint,
		auth:     auth,
		http:     &http.Client{Transport: transport},
		log:      log,
	}
}

func (c *HTTPClient) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, errClosed
	}

	id := c.ids.next1()
	req := request{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("http transport: encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("http transport: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	c.applyAuth(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, classifyHTTPErr(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("http transport: status %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "text/event-stream") {
		return c.readSSE(resp.Body, id)
	}

	var rpcResp response
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("http transport: decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("http transport: rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

// readSSE consumes a Server-Sent Events stream line by line, accumulating
// each event's "data:" fields, until it finds an event whose JSON payload
// carries wantID.
func (c *HTTPClient) readSSE(body io.Reader, wantID uint64) (json.RawMessage, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var dataLines []string
	flush := func() (response, bool) {
		if len(dataLines) == 0 {
			return response{}, false
		}
		payload := strings.Join(dataLines, "\n")
		dataLines = dataLines[:0]
		var resp response
		if err := json.Unmarshal([]byte(payload), &resp); err != nil {
			c.log.Warn().Err(err).Msg("http transport: malformed SSE event payload")
			return response{}, false
		}
		return resp, true
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if resp, ok := flush(); ok && resp.ID == wantID {
				if resp.Error != nil {
					return nil, fmt.Errorf("http transport: rpc error %d: %s", resp.Error.Code, resp.Error.Message)
				}
				return resp.Result, nil
			}
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// event:, id:, retry: fields and comments are not needed for
			// id correlation and are ignored.
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("http transport: sse read error: %w", err)
	}
	return nil, fmt.Errorf("http transport: stream ended without matching event id=%d", wantID)
}

func (c *HTTPClient) applyAuth(req *http.Request) {
	switch c.auth.Kind {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+c.auth.Token)
	case "api_key":
		name := c.auth.HeaderName
		if name == "" {
			name = "X-API-Key"
		}
		req.Header.Set(name, c.auth.Token)
	case "basic":
		req.SetBasicAuth(c.auth.Username, c.auth.Password)
	}
}

func (c *HTTPClient) Alive() bool {
	return !c.closed.Load()
}

func (c *HTTPClient) Close() error {
	c.closed.Store(true)
	c.http.CloseIdleConnections()
	return nil
}

func classifyHTTPErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
