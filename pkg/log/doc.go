/*
Package log provides structured logging using zerolog.

The package wraps zerolog behind a small Init/helper surface so both the
manager and the agent log in the same JSON shape. Child loggers carry
component, target, and operation_id fields for filtering.

Usage:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	monLog := log.WithComponent("monitor")
	monLog.Info().Str("target", "osmosis-1").Msg("node recovered")
*/
package log
