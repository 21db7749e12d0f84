// Package logging provides structured logging for the madserve service.
//
// It wraps Go's log/slog to emit one JSON object per line, either to stderr
// or to a size-rotated file in a log directory.
//
// # Features
//
//   - JSON-formatted structured logging via slog
//   - Configurable log levels (DEBUG, INFO, WARN, ERROR)
//   - Persistent attributes (component, request id, worker pid)
//   - Log rotation with configurable size limits
//   - Optional gzip compression for rotated logs
//
// # Thread Safety
//
// All types in this package are safe for concurrent use. Child loggers
// created via With* methods share the underlying writer.
//
// # Basic Usage
//
//	logger, err := logging.NewLoggerWithRotation("/var/log/madserve", "INFO", logging.DefaultRotationConfig())
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	bridgeLog := logger.WithComponent("bridge").WithWorker(pid)
//	bridgeLog.Info("worker ready", "forensics", true)
//
// Output:
//
//	{"time":"...","level":"INFO","msg":"worker ready","component":"bridge","worker_pid":4242,"forensics":true}
//
// # Log Rotation
//
// A [RotatingWriter] rotates before a write that would take the file past
// MaxSizeMB. Backups are named madserve.log.1 (newest) through
// madserve.log.N and, with Compress set, gzipped in the background.
// [RotatingWriter.Close] waits for pending compressions.
//
// # Testing
//
// Use [NopLogger] to discard output, or [NewLoggerWithWriter] with a
// bytes.Buffer to assert on records.
package logging
