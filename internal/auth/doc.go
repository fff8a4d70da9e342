// Package auth provides the authentication boundary for run-gateway.
//
// Authentication is a boundary capability: requests are resolved to an
// Identity (or rejected) before they reach the run lifecycle layer, so
// nothing past the middleware ever handles a raw token.
//
// # JWT Tokens
//
// Callers authenticate with bearer JWT tokens signed with HS256 using the
// configured jwt_secret:
//
//	Authorization: Bearer <token>
//
// The token's "sub" claim becomes the caller's Identity.Subject, which is
// also the owner recorded on runs the caller starts and the value
// ownership checks compare against.
//
// # Disabled Mode
//
// When no jwt_secret is configured, authentication is disabled: the
// middleware attaches the Anonymous identity to every request and
// ownership enforcement is off. This is the default for local
// development.
//
// # Context Plumbing
//
// The middleware stores the resolved identity on the request context:
//
//	id := auth.MustFromContext(r.Context())
//
// Handlers behind the middleware can rely on an identity being present.
//
// # Token Minting
//
// JWTVerifier.Generate creates tokens for testing and for the token CLI
// subcommand:
//
//	token, err := verifier.Generate("u1", 24*time.Hour)
package auth
