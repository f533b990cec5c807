// Package streaminghttp implements the streamable HTTP session transport.
// It mounts as a standard net/http handler on a single endpoint path and
// carries JSON-RPC traffic for initialized sessions:
//
//   - POST delivers client messages. A sessionless POST whose sole message
//     is an initialize request performs the handshake and mints a session id
//     (returned in the Mcp-Session-Id response header). Posts carrying
//     requests answer over a per-call Server-Sent Events stream that closes
//     once the last request id resolves; notification-only posts return 202.
//   - GET opens the session's single standalone notification stream. A
//     second concurrent open conflicts (409).
//   - DELETE terminates the session.
//
// Every request authenticates independently via the configured
// auth.Authenticator; session-bound requests additionally re-check the
// token's subject and scopes against the identity the session was created
// under, evicting the session on mismatch. Failed authentication surfaces a
// WWW-Authenticate challenge pointing at the protected resource metadata
// document, which the handler also serves.
//
// Construction:
//
//	h, err := streaminghttp.New(
//	    "https://media.example/mcp", // public endpoint URL
//	    "https://media.example",     // authorization server issuer
//	    registry,                    // *sessions.Registry
//	    service,                     // Service (handler + server info)
//	    authenticator,               // auth.Authenticator
//	)
//
// Transport-level failures map to HTTP status codes with JSON-RPC error
// envelopes; per-request failures travel as JSON-RPC error responses on the
// call's stream.
package streaminghttp
