// Package auth provides operator authentication for courier-gateway.
//
// Operators authenticate with HS256 JWTs signed with the configured
// auth.jwt_secret. The "sub" claim names the operator. Tokens are minted
// with the `courier-gateway token` command.
//
// HTTPAuthMiddleware guards the operator endpoints (session creation and
// listing when a secret is configured) and stores the operator in the
// request context, retrievable with FromContext.
package auth
