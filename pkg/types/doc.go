// Package types defines the shared domain model for minefleet: managed
// instances, proxy backend edges, scheduled tasks, webhook subscriptions,
// telemetry payloads, and the error taxonomy used across components.
package types
