// Package auth verifies the credentials presented by dashboard clients and
// event producers.
//
// # Verifiers
//
//   - JWTVerifier: HS256 tokens issued by the dashboard's auth service. The
//     "sub" claim becomes the principal ID. Issuer and audience are checked
//     when configured, and a token carrying "active": false is refused.
//
//   - ServiceKeyVerifier: static "<name>:<secret>" credentials for backend
//     producers, checked against bcrypt hashes from the config.
//
//   - ChainVerifier: tries verifiers in order.
//
// Every failure wraps ErrUnauthorized, so callers map it with a single
// errors.Is check.
//
// # Transports
//
// The WebSocket gatekeeper calls Verify directly with the token from the
// handshake frame. HTTPAuthMiddleware and UnaryInterceptor take the token
// from an "Authorization: Bearer" header or metadata key and store the
// Identity in the request context (see FromContext).
package auth
