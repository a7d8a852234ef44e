// Package mpapi describes the admin console's wire conventions: the
// endpoint table, the uniform success/failure envelope carried by every
// privileged response, and the known result codes.
package mpapi

import "encoding/json"

// Result codes the state machines dispatch on. Everything else is an
// opaque application failure resolved through MessageFor.
const (
	RetOK = 0

	// RetTransient on the login finalize endpoint means "issue the same
	// request again"; it is not a failure.
	RetTransient = -1

	// RetVerificationRequired asks the operator to solve a verification
	// image before credentials are accepted.
	RetVerificationRequired = 200008

	// RetInvalidCredentials rejects the account/secret pair.
	RetInvalidCredentials = 200023

	// ErrCodeConfirmed is how the safe-confirmation poll endpoint signals
	// that the authorization QR was scanned. On that endpoint only, this
	// "error" code means success; treating it as a failure breaks the
	// protected-broadcast handshake.
	ErrCodeConfirmed = 405
)

var retMessages = map[int]string{
	RetTransient:            "server busy, retrying",
	200003:                  "verification code is incorrect",
	RetVerificationRequired: "verification code required",
	200013:                  "operating too frequently, slow down",
	RetInvalidCredentials:   "incorrect account or password",
	200027:                  "account type does not support console login",
	64004:                   "broadcast quota exhausted for today",
	64505:                   "broadcast authorization expired, scan again",
}

// MessageFor resolves a known result code to a human-readable message.
// Unknown codes report the raw code.
func MessageFor(code int) string {
	if message, ok := retMessages[code]; ok {
		return message
	}
	return "unrecognized result code"
}

// BaseResp is the nested envelope most console endpoints return.
type BaseResp struct {
	Ret    int    `json:"ret"`
	ErrMsg string `json:"err_msg"`
}

// Response is the uniform envelope. Endpoints either nest a base_resp
// object or report a flat errcode; embed Response in a concrete response
// struct to get both shapes plus access to the raw payload.
type Response struct {
	BaseResp *BaseResp `json:"base_resp"`
	ErrCode  *int      `json:"errcode"`

	raw json.RawMessage
}

// SetRaw stores the undecoded payload so failures can surface it. The
// transport layer calls this after decoding.
func (r *Response) SetRaw(body []byte) {
	r.raw = append(json.RawMessage(nil), body...)
}

// Raw returns the undecoded response payload.
func (r *Response) Raw() json.RawMessage { return r.raw }

// Ret returns the envelope's result code, preferring the nested form.
func (r *Response) Ret() int {
	if r.BaseResp != nil {
		return r.BaseResp.Ret
	}
	if r.ErrCode != nil {
		return *r.ErrCode
	}
	return RetOK
}

// Err converts a non-zero envelope into a *ResultError; a zero envelope
// yields nil.
func (r *Response) Err() error {
	code := r.Ret()
	if code == RetOK {
		return nil
	}
	resultError := &ResultError{Code: code, Message: MessageFor(code), Payload: r.raw}
	if r.BaseResp != nil && r.BaseResp.ErrMsg != "" {
		resultError.ServerMessage = r.BaseResp.ErrMsg
	}
	return resultError
}
