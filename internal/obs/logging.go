// Package obs carries the engine's ambient observability concerns: stderr
// structured-ish logging (so stdout stays clean for MCP stdio transport) and
// OpenTelemetry tracer setup for the dispatcher and workflow engine.
package obs

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
)

// Logger writes leveled, key-value-annotated lines to a single writer.
type Logger struct {
	debugEnabled bool
	out          *log.Logger
}

var global *Logger

// Initialize sets up the process-wide logger. All output goes to stderr so
// an MCP server speaking stdio is never polluted on stdout.
func Initialize(debugEnabled bool) {
	var w io.Writer = os.Stderr
	global = &Logger{debugEnabled: debugEnabled, out: log.New(w, "", log.LstdFlags|log.Lmicroseconds)}
}

func ensureInitialized() {
	if global == nil {
		Initialize(false)
	}
}

func formatFields(fields []interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	var b strings.Builder
	for i := 0; i+1 < len(fields); i += 2 {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%v=%v", fields[i], fields[i+1])
	}
	return " " + b.String()
}

// Info logs an always-shown informational message with optional key/value
// pairs, e.g. Info("dispatched call", "tool", name, "status", status).
func Info(msg string, fields ...interface{}) {
	ensureInitialized()
	global.out.Printf("INFO  %s%s", msg, formatFields(fields))
}

// Debug logs a message only when debug mode is enabled.
func Debug(msg string, fields ...interface{}) {
	ensureInitialized()
	if !global.debugEnabled {
		return
	}
	global.out.Printf("DEBUG %s%s", msg, formatFields(fields))
}

// Warn logs a message for a condition that is handled but worth surfacing,
// such as a best-effort checkpoint write failing.
func Warn(msg string, fields ...interface{}) {
	ensureInitialized()
	global.out.Printf("WARN  %s%s", msg, formatFields(fields))
}

// Error logs an always-shown error message.
func Error(msg string, fields ...interface{}) {
	ensureInitialized()
	global.out.Printf("ERROR %s%s", msg, formatFields(fields))
}

// IsDebugEnabled reports whether debug-level logging is active.
func IsDebugEnabled() bool {
	ensureInitialized()
	return global.debugEnabled
}
