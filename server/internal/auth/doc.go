// Package auth guards the write surfaces of canstream-server with a shared
// API key.
//
// NewAPIKey(mode, header, key) builds a checker. UnaryInterceptor protects
// the gRPC ingest service (codes.Unauthenticated on failure) and Middleware
// protects POST /api/data (401 on failure). Read endpoints and the live feed
// stay open.
//
// When mode != "apikey" or key == "", all calls pass through, which is the
// default for local development.
package auth
