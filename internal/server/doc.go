// Package server hosts the classes API from a single HTTP server.
//
// The server builds one middleware chain of request IDs, logging, audit,
// metrics, CORS, security headers and rate limiting so every tenant route
// shares the same protections and instrumentation.
package server
