// Package services provides the centralized service registry for taskd.
//
// Registry pattern for accessing the core services (plan stores, sandbox
// manager, error-resolution coordinator, supervisor, event bus, scrubber).
// Use NewRegistry() to create a registry with service instances, then
// accessor methods to retrieve individual services.
package services
