// Package loglite is a minimal informational/warning trace used by the
// loader pipeline, mirroring the teacher's sparing use of log.Printf rather
// than pulling in a structured logging framework this domain never needs.
package loglite

import "log"

// Info logs a "[   info]" line, matching the trace emitted at each pipeline
// step (segment mapped, dependency opened, fixup counts, ...).
func Info(component, format string, args ...any) {
	log.Printf("[   info]: %-12s: "+format, append([]any{component}, args...)...)
}

// Warn logs a "[warning]" line, used for skipped load commands and other
// recoverable oddities that don't abort the load.
func Warn(component, format string, args ...any) {
	log.Printf("[warning]: %-12s: "+format, append([]any{component}, args...)...)
}
