// Package api decouples the LocalRouter subsystems from each other.
//
// Every subsystem exposes its capability as a small handler interface
// defined here and registers an adapter for it at bootstrap. Consumers
// (the dispatch pipeline, the HTTP server, the MCP gateway) fetch
// handlers through the Get* functions instead of importing the
// implementing packages, which keeps the dependency graph flat and lets
// tests substitute any subsystem with a mock.
//
// The package also owns the service-wide error model: ErrorKind carries
// the stable wire values of §7 and maps to HTTP statuses, and the shared
// request/response types used across subsystem boundaries live here.
package api
