// Package api hosts the HTTP handlers for the reelhouse upload API.
//
// Handlers decode and validate the wire format, delegate to the upload
// service from internal/ingest and map its sentinel errors onto status codes.
// Persistence, object storage and the job queue are injected through the
// service; the package reaches for no globals.
//
// Handlers assume the middleware from internal/server has already applied
// authentication, rate limiting, metrics and request logging.
package api
