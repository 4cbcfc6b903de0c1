package gateway

import (
	"errors"
	"fmt"
)

// Kind classifies a gateway failure so callers can render the right
// user-facing message without string matching.
type Kind int

const (
	// KindConfig: missing credential or unparsable endpoint. Raised before
	// any network I/O.
	KindConfig Kind = iota + 1
	// KindConnectivity: no network path to the provider.
	KindConnectivity
	// KindServer: non-2xx response from the provider.
	KindServer
	// KindEmptyResponse: 2xx but no usable answer content.
	KindEmptyResponse
	// KindDecode: malformed response payload.
	KindDecode
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindConnectivity:
		return "connectivity"
	case KindServer:
		return "server"
	case KindEmptyResponse:
		return "empty_response"
	case KindDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// Error is the typed failure returned by every gateway operation except
// WarmUp, which discards all errors.
type Error struct {
	Kind    Kind
	Status  int    // HTTP status for KindServer, zero otherwise
	Message string // server-supplied message or local description
	cause   error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindServer:
		return fmt.Sprintf("gateway: server status %d: %s", e.Status, e.Message)
	default:
		if e.Message != "" {
			return fmt.Sprintf("gateway: %s: %s", e.Kind, e.Message)
		}
		return fmt.Sprintf("gateway: %s", e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.cause
}

// KindOf extracts the failure kind, or zero for non-gateway errors.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return 0
}

func configErr(msg string, cause error) *Error {
	return &Error{Kind: KindConfig, Message: msg, cause: cause}
}

func connectivityErr(cause error) *Error {
	return &Error{Kind: KindConnectivity, Message: "provider unreachable", cause: cause}
}

func serverErr(status int, msg string) *Error {
	return &Error{Kind: KindServer, Status: status, Message: msg}
}

func emptyResponseErr() *Error {
	return &Error{Kind: KindEmptyResponse, Message: "provider returned no answer content"}
}

func decodeErr(cause error) *Error {
	return &Error{Kind: KindDecode, Message: "malformed provider response", cause: cause}
}
