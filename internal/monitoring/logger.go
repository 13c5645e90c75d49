// Package monitoring routes diagnostic output for the scanner's background
// subsystems. Each subsystem logs through a prefixed function so its lines
// are attributable, and tests can swap the sink out wholesale.
package monitoring

import "log"

// Logf is the shared diagnostic sink. It defaults to log.Printf and can be
// swapped out with SetLogger so tests can silence hardware chatter.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the sink. Passing nil installs a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Prefixed returns a log function that tags every line with the subsystem
// name. The returned function reads the sink at call time, so it follows any
// later SetLogger swap.
func Prefixed(subsystem string) func(format string, v ...interface{}) {
	return func(format string, v ...interface{}) {
		Logf(subsystem+": "+format, v...)
	}
}
