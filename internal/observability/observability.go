// Package observability defines the logging and metrics ports used across
// the worker, with zap and prometheus backed implementations.
package observability

// Logger is the structured logging port. Fields are variadic key-value
// pairs ("key1", value1, "key2", value2, ...).
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})

	// WithFields returns a new Logger with the given fields attached to
	// all subsequent log entries.
	WithFields(fields map[string]interface{}) Logger
}

// Metrics is the metrics recording port.
type Metrics interface {
	// RecordSuccess increments the processed counter for an operation.
	RecordSuccess(operation string)

	// RecordError increments both the processed counter (status=error)
	// and the detailed error counter.
	RecordError(operation, errorType string)

	// RecordDuration records an operation duration in seconds.
	RecordDuration(operation string, seconds float64)

	// RecordFileSize records the size of a processed file in bytes.
	RecordFileSize(fileType string, bytes int64)

	// StartOperation and EndOperation bracket an in-flight operation.
	StartOperation(operation string)
	EndOperation(operation string)
}
