package jsonrpc

import "fmt"

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received by the server.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the JSON sent is not a valid Request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist / is not available.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal JSON-RPC error.
	ErrorCodeInternalError ErrorCode = -32603
)

// Implementation-defined server error codes (-32000 to -32099) used by the
// session transport.
const (
	// ErrorCodeSessionRequired indicates a request that needs an established
	// session arrived without a session id.
	ErrorCodeSessionRequired ErrorCode = -32000
	// ErrorCodeSessionNotFound indicates the presented session id matches no
	// live session; the client should reinitialize.
	ErrorCodeSessionNotFound ErrorCode = -32001
	// ErrorCodeUnsupportedProtocolVersion indicates the negotiated or
	// requested protocol version is outside the server's allow-list.
	ErrorCodeUnsupportedProtocolVersion ErrorCode = -32002
	// ErrorCodeDuplicateStream indicates a second standalone notification
	// stream was opened for a session that already has one.
	ErrorCodeDuplicateStream ErrorCode = -32003
)

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}
