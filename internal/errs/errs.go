// Package errs implements the fatal-error path from the error handling
// design: programmer errors (mis-registered executor types, downcast
// mismatches, double registration, writing to an unset output) are not
// recoverable across the API. They are logged and then raise a typed
// panic so a process supervisor sees a clear diagnostic, while a test
// harness can still recover() and assert on the FatalError value.
package errs

import (
	"fmt"

	"code.hybscloud.com/execman/internal/logging"
)

// FatalError marks a programmer error that aborts the process. See
// spec §7.1 — these are never returned as ordinary error values.
type FatalError struct {
	msg string
}

func (e *FatalError) Error() string { return e.msg }

// Fatalf logs the formatted message at Error level and panics with a
// *FatalError carrying it. Callers that can legitimately recover (tests,
// a pipeline driver doing a last-resort abort) type-assert the recovered
// value rather than matching on message text.
func Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	logging.L.Sugar().Error(msg)
	panic(&FatalError{msg: msg})
}
