package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/agentoven/mcp-hangar/pkg/hangar"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler() *Handler {
	return NewHandler(zerolog.Nop())
}

func postRPC(t *testing.T, h *Handler, method string, params any) *httptest.ResponseRecorder {
	t.Helper()
	body := map[string]any{"jsonrpc": "2.0", "id": "1", "method": method}
	if params != nil {
		body["params"] = params
	}
	buf, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader(buf))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerDispatchesToRegisteredMethod(t *testing.T) {
	h := newTestHandler()
	h.Register("echo", func(r *http.Request) (any, error) {
		var p map[string]any
		require.NoError(t, paramsFrom(r, &p))
		return p, nil
	})

	rec := postRPC(t, h, "echo", map[string]any{"x": 1})
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp rpcResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Nil(t, resp.Error)
	assert.Equal(t, "2.0", resp.JSONRPC)
}

func TestHandlerUnknownMethodReturnsNotFound(t *testing.T) {
	h := newTestHandler()
	rec := postRPC(t, h, "does_not_exist", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)

	var resp rpcResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, hangar.ErrNotFound, resp.Error.Kind)
}

func TestHandlerMalformedJSONReturnsValidationError(t *testing.T) {
	h := newTestHandler()
	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp rpcResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, hangar.ErrValidation, resp.Error.Kind)
}

func TestHandlerMethodErrorIsAnnotatedWithOperation(t *testing.T) {
	h := newTestHandler()
	h.Register("boom", func(r *http.Request) (any, error) {
		return nil, hangar.NewError(hangar.ErrInternal, "kaboom")
	})

	rec := postRPC(t, h, "boom", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var resp rpcResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, "boom", resp.Error.Operation)
}

func TestHandlerWrapsPlainErrorAsInternal(t *testing.T) {
	h := newTestHandler()
	h.Register("plain", func(r *http.Request) (any, error) {
		return nil, assertPlainError{}
	})

	rec := postRPC(t, h, "plain", nil)

	var resp rpcResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, hangar.ErrInternal, resp.Error.Kind)
}

type assertPlainError struct{}

func (assertPlainError) Error() string { return "plain failure" }

func TestStatusForKindMapsKnownKinds(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusForKind(hangar.ErrNotFound))
	assert.Equal(t, http.StatusBadRequest, statusForKind(hangar.ErrValidation))
	assert.Equal(t, http.StatusTooManyRequests, statusForKind(hangar.ErrRateLimited))
	assert.Equal(t, http.StatusInternalServerError, statusForKind(hangar.ErrInternal))
}
