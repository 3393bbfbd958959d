package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"rpcbatcher/internal/batcher"
	"rpcbatcher/internal/jsonrpc"
	"rpcbatcher/internal/rpcbatch"
)

// Caller executes one JSON-RPC request against a group
type Caller interface {
	Call(ctx context.Context, group string, req *jsonrpc.Request) (*jsonrpc.Response, error)
}

// Handler handles HTTP JSON-RPC requests
type Handler struct {
	router      *Router
	caller      Caller
	maxBodySize int64
	logger      zerolog.Logger
}

// NewHandler creates a new Handler
func NewHandler(router *Router, caller Caller, maxBodySize int64, logger zerolog.Logger) *Handler {
	return &Handler{
		router:      router,
		caller:      caller,
		maxBodySize: maxBodySize,
		logger:      logger.With().Str("component", "proxy").Logger(),
	}
}

// ServeHTTP handles POST /{group} with a single request or a batch. Every
// element of a batch is submitted on its own, so it may share an upstream
// batch with requests of other clients.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	group, err := h.router.GroupFromPath(r.URL.Path)
	if err != nil {
		h.writeJSONRPCError(w, jsonrpc.NewIDNull(), jsonrpc.NewError(jsonrpc.CodeInvalidRequest, err.Error()))
		return
	}

	body, rpcErr := h.readBody(r)
	if rpcErr != nil {
		h.writeJSONRPCError(w, jsonrpc.NewIDNull(), rpcErr)
		return
	}

	reply, err := h.Process(r.Context(), group, body)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal response")
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if reply == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(reply)
}

// Process executes a JSON-RPC body for a group and returns the encoded reply.
// The reply is nil when the body held only notifications.
func (h *Handler) Process(ctx context.Context, group string, body []byte) ([]byte, error) {
	requests, isBatch, err := jsonrpc.ParseBatchRequest(body)
	if err != nil {
		rpcErr := jsonrpc.ErrParse
		if errors.Is(err, jsonrpc.ErrInvalidRequest) {
			rpcErr = jsonrpc.ErrInvalidRequest
		}
		return jsonrpc.NewErrorResponse(jsonrpc.NewIDNull(), rpcErr).Bytes()
	}

	if !isBatch {
		resp := h.execute(ctx, group, requests[0])
		if isNotification(requests[0]) {
			return nil, nil
		}
		return resp.Bytes()
	}

	responses := make([]*jsonrpc.Response, len(requests))
	var wg sync.WaitGroup
	for i, req := range requests {
		wg.Add(1)
		go func(i int, req *jsonrpc.Request) {
			defer wg.Done()
			responses[i] = h.execute(ctx, group, req)
		}(i, req)
	}
	wg.Wait()

	out := make([]*jsonrpc.Response, 0, len(responses))
	for i, resp := range responses {
		if isNotification(requests[i]) {
			continue
		}
		out = append(out, resp)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return jsonrpc.MarshalBatchResponse(out)
}

// isNotification reports a valid request without an id; invalid ones still get a reply
func isNotification(req *jsonrpc.Request) bool {
	return req != nil && req.IsNotification() && req.Validate() == nil
}

func (h *Handler) readBody(r *http.Request) ([]byte, *jsonrpc.Error) {
	reader := io.Reader(r.Body)
	if h.maxBodySize > 0 {
		reader = io.LimitReader(r.Body, h.maxBodySize+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeParseError, "failed to read request body")
	}
	if h.maxBodySize > 0 && int64(len(body)) > h.maxBodySize {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidRequest, "request body too large")
	}
	return body, nil
}

// execute runs one request and turns every failure into an error response
func (h *Handler) execute(ctx context.Context, group string, req *jsonrpc.Request) *jsonrpc.Response {
	if req == nil {
		return jsonrpc.NewErrorResponse(jsonrpc.NewIDNull(), jsonrpc.ErrInvalidRequest)
	}
	if err := req.Validate(); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewError(jsonrpc.CodeInvalidRequest, err.Error()))
	}

	resp, err := h.caller.Call(ctx, group, req)
	if err != nil {
		h.logger.Debug().Err(err).Str("group", group).Str("method", req.Method).Msg("request failed")
		return jsonrpc.NewErrorResponse(req.ID, errorFor(err))
	}
	return resp
}

// errorFor maps a batching failure to the JSON-RPC error sent to the client
func errorFor(err error) *jsonrpc.Error {
	var transportErr *batcher.TransportError
	switch {
	case errors.Is(err, batcher.ErrCapacityExceeded):
		return jsonrpc.NewError(jsonrpc.CodeLimitExceeded, "request buffer full")
	case errors.Is(err, batcher.ErrManagerClosed):
		return jsonrpc.NewError(jsonrpc.CodeServerError, "server shutting down")
	case errors.Is(err, batcher.ErrMissingResponse):
		return jsonrpc.NewError(jsonrpc.CodeInternalError, "no response from upstream")
	case errors.As(err, &transportErr):
		return jsonrpc.NewError(jsonrpc.CodeInternalError, "upstream batch failed: "+transportErr.Err.Error())
	case errors.Is(err, rpcbatch.ErrUnknownGroup):
		return jsonrpc.NewError(jsonrpc.CodeInvalidRequest, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return jsonrpc.NewError(jsonrpc.CodeInternalError, "request cancelled")
	default:
		return jsonrpc.NewError(jsonrpc.CodeInternalError, err.Error())
	}
}

// writeResponse writes a JSON-RPC response
func (h *Handler) writeResponse(w http.ResponseWriter, resp *jsonrpc.Response) {
	data, err := resp.Bytes()
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal response")
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

// writeJSONRPCError writes a JSON-RPC error response
func (h *Handler) writeJSONRPCError(w http.ResponseWriter, id jsonrpc.ID, rpcErr *jsonrpc.Error) {
	h.writeResponse(w, jsonrpc.NewErrorResponse(id, rpcErr))
}

// writeError writes a plain HTTP error
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	http.Error(w, message, status)
}
