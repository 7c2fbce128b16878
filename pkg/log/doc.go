/*
Package log provides structured logging for QCForge using zerolog.

The log package wraps the zerolog library to provide JSON-structured
logging with component-specific loggers, configurable log levels, and
helper functions for common logging patterns. All logs include
timestamps and support filtering by severity level.

Usage:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("claim")
	logger.Info().Str("manager_name", name).Int("count", n).Msg("tasks claimed")
*/
package log
