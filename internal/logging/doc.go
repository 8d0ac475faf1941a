// Package logging provides structured logging for the cadence control loop.
//
// It wraps log/slog with a JSON handler. A run writes one JSON object per line
// to .cadence/debug.log; child loggers carry persistent attributes so every
// line from an iteration can be filtered by session, phase or task:
//
//	logger, err := logging.NewLogger(".cadence", "INFO")
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	logger.WithSession(id).WithPhase("building").Info("iteration completed",
//	    "iteration", 12, "cost_usd", 0.42)
//
// Long runs can enable size-based rotation with [NewLoggerWithRotation].
// Rotated files are named debug.log.1 (newest) to debug.log.N; with
// compression enabled they become debug.log.1.gz and so on.
//
// Components accept a nil *Logger and substitute [NopLogger] via [OrNop].
package logging
