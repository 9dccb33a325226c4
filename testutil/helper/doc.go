// Package helper provides test doubles and fixtures shared by the lending test suites:
// a capturing slog handler, metrics and tracing spies, a controllable clock and
// an in-memory shard topology builder.
package helper
