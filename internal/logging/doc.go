// Package logging assembles the structured slog loggers used across camgate.
//
// It owns the console and JSON handlers, centralizes level and output
// plumbing, and exposes attr helpers plus standard field keys so daemon and
// CLI code emit log lines with the same shape. A no-op logger is provided
// for tests and wiring code that cannot fail.
package logging
