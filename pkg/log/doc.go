/*
Package log provides structured logging for minefleet using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific child loggers, configurable log levels, and helper
functions for common logging patterns. All logs include timestamps and
support filtering by severity level.

# Usage

Initialize once in main, then derive child loggers per component:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("supervisor")
	logger.Info().Str("instance_id", id).Msg("instance started")

Console output (the default when JSONOutput is false) is intended for
interactive use; JSON output is intended for ingestion by log collectors.
*/
package log
