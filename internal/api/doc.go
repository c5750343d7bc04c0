// Package api hosts the HTTP handlers that front the classes REST API.
//
// Handlers translate requests into calls on classes.Service and map its
// sentinel errors onto status codes. Tenant, class and job identifiers are read
// from the path values registered by internal/server, which also applies rate
// limiting, metrics, request ids and logging before a handler runs.
package api
