/*
Package log provides structured logging for quarry using zerolog.

Init configures the global logger once at process start (level, JSON or
console output). Components take child loggers via WithComponent, and the
With* helpers attach the identifiers that recur across the control plane:

	logger := log.WithComponent("scheduler")
	logger.Info().Str("volume_id", id).Msg("Volume placed")

Everything logs through the package-level Logger, so output configuration
stays in one place.
*/
package log
