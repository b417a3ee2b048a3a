// Package rpc implements the clearing node wire format: compact JSON arrays
// wrapped in a "req" or "res" envelope with a detached signature list.
//
//	{"req":[id, method, params, timestamp], "sig":["0x..."]}
//	{"res":[id, method, result, timestamp], "sig":["0x..."]}
//
// Unsolicited pushes are responses with id 0.
package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Method names a request or response kind.
type Method string

const (
	MethodAuthRequest   Method = "auth_request"
	MethodAuthChallenge Method = "auth_challenge"
	MethodAuthVerify    Method = "auth_verify"
	MethodGetLedger     Method = "get_ledger_balances"
	MethodGetChannels   Method = "get_channels"
	MethodCreateChannel Method = "create_channel"
	MethodResizeChannel Method = "resize_channel"
	MethodCloseChannel  Method = "close_channel"
	MethodTransfer      Method = "transfer"
	MethodPing          Method = "ping"
	MethodPong          Method = "pong"
	MethodError         Method = "error"

	// Pushes.
	MethodBalanceUpdate  Method = "bu"
	MethodChannelUpdate  Method = "cu"
	MethodTransferNotice Method = "tr"
)

// ErrMalformed is returned for frames that are not a valid envelope.
var ErrMalformed = errors.New("rpc: malformed message")

// Request is an outbound call.
type Request struct {
	ID        uint64
	Method    Method
	Params    any
	Timestamp int64 // unix milliseconds
	Sig       []string
}

// Payload returns the canonical bytes that are signed: the JSON encoding of
// the [id, method, params, timestamp] array.
func (r Request) Payload() ([]byte, error) {
	params := r.Params
	if params == nil {
		params = struct{}{}
	}
	b, err := json.Marshal([]any{r.ID, r.Method, params, r.Timestamp})
	if err != nil {
		return nil, fmt.Errorf("rpc: encode payload: %w", err)
	}
	return b, nil
}

// Marshal encodes the full envelope including signatures.
func (r Request) Marshal() ([]byte, error) {
	payload, err := r.Payload()
	if err != nil {
		return nil, err
	}
	sig := r.Sig
	if sig == nil {
		sig = []string{}
	}
	return json.Marshal(struct {
		Req json.RawMessage `json:"req"`
		Sig []string        `json:"sig"`
	}{Req: payload, Sig: sig})
}

// Response is an inbound frame, solicited or not.
type Response struct {
	ID        uint64
	Method    Method
	Result    json.RawMessage
	Timestamp int64
	Sig       []string
}

// Unsolicited reports whether the frame carries no request id.
func (r Response) Unsolicited() bool { return r.ID == 0 }

// Decode unmarshals the result payload into v.
func (r Response) Decode(v any) error {
	if len(r.Result) == 0 {
		return fmt.Errorf("%w: empty result for %s", ErrMalformed, r.Method)
	}
	if err := json.Unmarshal(r.Result, v); err != nil {
		return fmt.Errorf("rpc: decode %s result: %w", r.Method, err)
	}
	return nil
}

// ErrorMessage returns the remote error text when Method is "error".
func (r Response) ErrorMessage() string {
	if r.Method != MethodError {
		return ""
	}
	var e ErrorResult
	if err := json.Unmarshal(r.Result, &e); err == nil && e.Error != "" {
		return e.Error
	}
	// Some nodes send the error as a bare string.
	var s string
	if err := json.Unmarshal(r.Result, &s); err == nil {
		return s
	}
	return string(r.Result)
}

// Parse decodes an inbound frame. Frames using the "req" envelope are
// accepted too, because some nodes push notifications that way.
func Parse(raw []byte) (Response, error) {
	var env struct {
		Res json.RawMessage `json:"res"`
		Req json.RawMessage `json:"req"`
		Sig []string        `json:"sig"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	body := env.Res
	if len(body) == 0 {
		body = env.Req
	}
	if len(body) == 0 {
		return Response{}, fmt.Errorf("%w: missing res/req", ErrMalformed)
	}

	var parts []json.RawMessage
	if err := json.Unmarshal(body, &parts); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(parts) < 3 {
		return Response{}, fmt.Errorf("%w: expected at least 3 elements, got %d", ErrMalformed, len(parts))
	}

	var resp Response
	if !bytes.Equal(bytes.TrimSpace(parts[0]), []byte("null")) {
		if err := json.Unmarshal(parts[0], &resp.ID); err != nil {
			return Response{}, fmt.Errorf("%w: id: %v", ErrMalformed, err)
		}
	}
	if err := json.Unmarshal(parts[1], &resp.Method); err != nil {
		return Response{}, fmt.Errorf("%w: method: %v", ErrMalformed, err)
	}
	resp.Result = parts[2]
	if len(parts) > 3 {
		_ = json.Unmarshal(parts[3], &resp.Timestamp)
	}
	resp.Sig = env.Sig
	return resp, nil
}

// EncodeResponse builds a response frame. It is used by the fake node in
// tests and by tooling that replays captured traffic.
func EncodeResponse(id uint64, method Method, result any, ts int64) ([]byte, error) {
	res, err := json.Marshal([]any{id, method, result, ts})
	if err != nil {
		return nil, fmt.Errorf("rpc: encode response: %w", err)
	}
	return json.Marshal(struct {
		Res json.RawMessage `json:"res"`
		Sig []string        `json:"sig"`
	}{Res: res, Sig: []string{}})
}

// ParseRequest decodes an outbound frame; the inverse of Request.Marshal.
func ParseRequest(raw []byte) (Request, json.RawMessage, error) {
	var env struct {
		Req []json.RawMessage `json:"req"`
		Sig []string          `json:"sig"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return Request{}, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(env.Req) < 4 {
		return Request{}, nil, fmt.Errorf("%w: expected 4 elements, got %d", ErrMalformed, len(env.Req))
	}
	var req Request
	if err := json.Unmarshal(env.Req[0], &req.ID); err != nil {
		return Request{}, nil, fmt.Errorf("%w: id: %v", ErrMalformed, err)
	}
	if err := json.Unmarshal(env.Req[1], &req.Method); err != nil {
		return Request{}, nil, fmt.Errorf("%w: method: %v", ErrMalformed, err)
	}
	if err := json.Unmarshal(env.Req[3], &req.Timestamp); err != nil {
		return Request{}, nil, fmt.Errorf("%w: timestamp: %v", ErrMalformed, err)
	}
	req.Sig = env.Sig
	return req, env.Req[2], nil
}
