package jsonrpc

import (
	"bytes"
	"encoding/json"
)

// Response represents a JSON-RPC response
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      ID              `json:"id"`
}

// HasError returns true if the response contains an error
func (r *Response) HasError() bool {
	return r.Error != nil
}

// ResultIsNull returns true if the response result is absent or JSON null
func (r *Response) ResultIsNull() bool {
	if r == nil || len(r.Result) == 0 {
		return true
	}
	return bytes.Equal(r.Result, []byte("null"))
}

// NewResponseRaw creates a response with raw JSON result
func NewResponseRaw(id ID, result json.RawMessage) *Response {
	return &Response{
		JSONRPC: Version,
		Result:  result,
		ID:      id,
	}
}

// NewErrorResponse creates an error response
func NewErrorResponse(id ID, err *Error) *Response {
	return &Response{
		JSONRPC: Version,
		Error:   err,
		ID:      id,
	}
}

// ParseResponse parses a JSON-RPC response from bytes
func ParseResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ParseBatchResponse parses a JSON array of responses. A single object is
// accepted too, since some upstreams answer a failed batch with one error.
func ParseBatchResponse(data []byte) ([]*Response, bool, error) {
	data = bytes.TrimLeft(data, " \t\r\n")
	if len(data) == 0 {
		return nil, false, ErrInvalidRequest
	}

	if data[0] == '[' {
		var responses []*Response
		if err := json.Unmarshal(data, &responses); err != nil {
			return nil, true, err
		}
		return responses, true, nil
	}

	resp, err := ParseResponse(data)
	if err != nil {
		return nil, false, err
	}
	return []*Response{resp}, false, nil
}

// Bytes returns the response as JSON bytes
func (r *Response) Bytes() ([]byte, error) {
	return json.Marshal(r)
}

// WithID returns a copy of the response carrying id. The result bytes are shared.
func (r *Response) WithID(id ID) *Response {
	return &Response{
		JSONRPC: r.JSONRPC,
		Result:  r.Result,
		Error:   r.Error,
		ID:      id,
	}
}

// MarshalBatchResponse marshals multiple responses as a JSON array
func MarshalBatchResponse(responses []*Response) ([]byte, error) {
	return json.Marshal(responses)
}
