// Package api implements the client-facing JSON-RPC 2.0 surface
// (SPEC_FULL.md §6): the same wire shape upstream providers speak, now
// exposed to the client as a set of MCP tools (list, start, stop, call,
// tools, details, health, status, warm, reload_config, and the
// discovery-subsystem stubs) multiplexed over one HTTP endpoint.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/agentoven/mcp-hangar/pkg/hangar"
	"github.com/rs/zerolog"
)

// rpcRequest is one JSON-RPC 2.0 request envelope.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// rpcResponse is one JSON-RPC 2.0 response envelope. Result and Error
// are mutually exclusive, matching the JSON-RPC 2.0 spec.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *hangar.Error   `json:"error,omitempty"`
}

// methodFunc handles one JSON-RPC method, returning a result value or a
// *hangar.Error. Any other error is wrapped as hangar.ErrInternal.
type methodFunc func(r *http.Request) (any, error)

// Handler dispatches JSON-RPC requests to the registered tool table.
type Handler struct {
	log     zerolog.Logger
	methods map[string]methodFunc
}

// NewHandler builds an empty dispatch table; use Register to populate it.
func NewHandler(log zerolog.Logger) *Handler {
	return &Handler{log: log.With().Str("component", "api").Logger(), methods: make(map[string]methodFunc)}
}

// Register adds a method to the dispatch table.
func (h *Handler) Register(method string, fn methodFunc) {
	h.methods[method] = fn
}

// ServeHTTP implements the single JSON-RPC endpoint. One HTTP request
// carries one JSON-RPC request; batched JSON-RPC arrays are not
// supported (batching is expressed at the domain level by the `call`
// method's own calls[] array, not by wire-level JSON-RPC batching).
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPC(w, nil, nil, hangar.NewError(hangar.ErrValidation, "malformed JSON-RPC request: %v", err))
		return
	}

	fn, ok := h.methods[req.Method]
	if !ok {
		writeRPC(w, req.ID, nil, hangar.NewError(hangar.ErrNotFound, "unknown method %q", req.Method).WithOperation(req.Method))
		return
	}

	result, err := fn(withParams(r, req.Params))
	if err != nil {
		he := toEnvelope(err).WithOperation(req.Method)
		writeRPC(w, req.ID, nil, he)
		return
	}
	writeRPC(w, req.ID, result, nil)
}

func writeRPC(w http.ResponseWriter, id json.RawMessage, result any, rpcErr *hangar.Error) {
	w.Header().Set("Content-Type", "application/json")
	if rpcErr != nil {
		w.WriteHeader(statusForKind(rpcErr.Kind))
	}
	_ = json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", ID: id, Result: result, Error: rpcErr})
}

// statusForKind maps an error kind to an HTTP status for operators
// skimming access logs; the JSON-RPC error envelope is the source of
// truth for MCP clients, which don't inspect HTTP status.
func statusForKind(kind hangar.ErrorKind) int {
	switch kind {
	case hangar.ErrNotFound:
		return http.StatusNotFound
	case hangar.ErrValidation, hangar.ErrConfiguration:
		return http.StatusBadRequest
	case hangar.ErrTimeout:
		return http.StatusGatewayTimeout
	case hangar.ErrRateLimited:
		return http.StatusTooManyRequests
	case hangar.ErrCancelled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// toEnvelope coerces any error into the client-facing envelope; an error
// that is not itself a *hangar.Error becomes an internal-kind error.
func toEnvelope(err error) *hangar.Error {
	if e, ok := err.(*hangar.Error); ok {
		return e
	}
	return hangar.NewError(hangar.ErrInternal, "%v", err)
}

type paramsKey struct{}

func withParams(r *http.Request, params json.RawMessage) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), paramsKey{}, params))
}

// paramsFrom decodes the current request's params into dst. Handlers
// call this first; absent params leave dst at its zero value.
func paramsFrom(r *http.Request, dst any) error {
	raw, _ := r.Context().Value(paramsKey{}).(json.RawMessage)
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}
