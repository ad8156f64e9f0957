// Package server exposes the upload API over HTTP.
//
// Routes are registered on a gorilla/mux router and wrapped in one middleware
// chain: request ids, logging, metrics, security headers, CORS, rate limiting
// and the bearer-token gate, so every handler shares the same protections.
package server
