// Package logging provides the package-wide structured logger used for
// the execution manager's internal diagnostics: retried back-pressure
// paths, fatal aborts, and scheduling decisions. It is deliberately thin —
// a single swappable *zap.Logger, not a framework.
package logging

import "go.uber.org/zap"

// L is the logger used throughout execman. It defaults to a no-op logger
// so the module stays silent for callers who never opt in; set it once at
// process startup with SetLogger.
var L = zap.NewNop()

// SetLogger replaces the package logger. Passing nil restores the no-op
// logger. Not safe to call concurrently with logging calls; intended for
// one-time setup before the work manager starts scheduling.
func SetLogger(logger *zap.Logger) {
	if logger == nil {
		L = zap.NewNop()
		return
	}
	L = logger
}
