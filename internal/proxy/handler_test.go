package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"rpcbatcher/internal/batcher"
	"rpcbatcher/internal/jsonrpc"
	"rpcbatcher/internal/upstream"
)

// stubCaller answers by method name
type stubCaller struct {
	errs map[string]error
}

func (s stubCaller) Call(_ context.Context, group string, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	if err, ok := s.errs[req.Method]; ok {
		return nil, err
	}
	result, _ := json.Marshal(group + ":" + req.Method)
	return jsonrpc.NewResponseRaw(req.ID, result), nil
}

func newTestHandler(caller Caller, maxBody int64) *Handler {
	router := NewRouter()
	router.AddPool(upstream.NewPoolFromUpstreams("eth", nil, 0, zerolog.Nop()))
	return NewHandler(router, caller, maxBody, zerolog.Nop())
}

func post(t *testing.T, h http.Handler, path, body string) (int, string) {
	t.Helper()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, strings.NewReader(body)))
	data, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	return rec.Code, string(data)
}

func TestHandler_Single(t *testing.T) {
	t.Parallel()

	h := newTestHandler(stubCaller{}, 0)
	code, body := post(t, h, "/eth", `{"jsonrpc":"2.0","method":"eth_chainId","id":1}`)
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"jsonrpc":"2.0","result":"eth:eth_chainId","id":1}`, body)
}

func TestHandler_BatchKeepsOrderAndDropsNotifications(t *testing.T) {
	t.Parallel()

	h := newTestHandler(stubCaller{}, 0)
	code, body := post(t, h, "/eth/", `[
		{"jsonrpc":"2.0","method":"a","id":"x"},
		{"jsonrpc":"2.0","method":"notify"},
		{"jsonrpc":"1.0","method":"b","id":2},
		{"jsonrpc":"2.0","method":"c","id":3}
	]`)
	require.Equal(t, http.StatusOK, code)

	var resps []*jsonrpc.Response
	require.NoError(t, json.Unmarshal([]byte(body), &resps))
	require.Len(t, resps, 3)
	require.Equal(t, "x", resps[0].ID.String())
	require.Equal(t, "2", resps[1].ID.String())
	require.Equal(t, jsonrpc.CodeInvalidRequest, resps[1].Error.Code)
	require.JSONEq(t, `"eth:c"`, string(resps[2].Result))
}

func TestHandler_NotificationOnly(t *testing.T) {
	t.Parallel()

	h := newTestHandler(stubCaller{}, 0)
	code, body := post(t, h, "/eth", `{"jsonrpc":"2.0","method":"notify"}`)
	require.Equal(t, http.StatusNoContent, code)
	require.Empty(t, body)
}

func TestHandler_RequestErrors(t *testing.T) {
	t.Parallel()

	h := newTestHandler(stubCaller{}, 64)

	cases := []struct {
		name, path, body string
		code             int
	}{
		{"unknown group", "/polygon", `{"jsonrpc":"2.0","method":"a","id":1}`, jsonrpc.CodeInvalidRequest},
		{"no group", "/", `{"jsonrpc":"2.0","method":"a","id":1}`, jsonrpc.CodeInvalidRequest},
		{"parse", "/eth", `{"jsonrpc":`, jsonrpc.CodeParseError},
		{"empty batch", "/eth", `[]`, jsonrpc.CodeInvalidRequest},
		{"too large", "/eth", `{"jsonrpc":"2.0","method":"` + strings.Repeat("a", 100) + `","id":1}`, jsonrpc.CodeInvalidRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := post(t, h, tc.path, tc.body)
			require.Equal(t, http.StatusOK, status)

			resp, err := jsonrpc.ParseResponse([]byte(body))
			require.NoError(t, err)
			require.True(t, resp.HasError())
			require.Equal(t, tc.code, resp.Error.Code)
		})
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/eth", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandler_ErrorMapping(t *testing.T) {
	t.Parallel()

	caller := stubCaller{errs: map[string]error{
		"full":      fmt.Errorf("key %q: %w", "eth", batcher.ErrCapacityExceeded),
		"closed":    batcher.ErrManagerClosed,
		"transport": &batcher.TransportError{Key: "eth", Err: errors.New("connection refused")},
		"missing":   &batcher.ApplicationError{ID: "4", Err: batcher.ErrMissingResponse},
	}}
	h := newTestHandler(caller, 0)

	expect := map[string]struct {
		code    int
		message string
	}{
		"full":      {jsonrpc.CodeLimitExceeded, "request buffer full"},
		"closed":    {jsonrpc.CodeServerError, "server shutting down"},
		"transport": {jsonrpc.CodeInternalError, "upstream batch failed: connection refused"},
		"missing":   {jsonrpc.CodeInternalError, "no response from upstream"},
	}
	for method, want := range expect {
		_, body := post(t, h, "/eth", fmt.Sprintf(`{"jsonrpc":"2.0","method":%q,"id":9}`, method))
		resp, err := jsonrpc.ParseResponse([]byte(body))
		require.NoError(t, err)
		require.Equal(t, "9", resp.ID.String(), method)
		require.Equal(t, want.code, resp.Error.Code, method)
		require.Equal(t, want.message, resp.Error.Message, method)
	}
}
