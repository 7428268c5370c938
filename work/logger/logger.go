// Package logger is the leveled logging used across the delivery control
// plane. Messages carry a "{pkg/file - Func}" prefix by convention, e.g.
//
//	logger.Debug("{manifest/builder - StopDelivery} Stopped delivery for stream %s", id)
//
// so grepping a component's output needs no structured tooling.
package logger

import (
	"fmt"
	"log"
	"strings"
	"sync/atomic"
)

type logLevel int32

const (
	levelDebug logLevel = iota
	levelInfo
	levelWarn
	levelError
)

// currentLevel is the process-wide threshold; messages below it are dropped.
var currentLevel atomic.Int32

func init() {
	currentLevel.Store(int32(levelInfo))
}

func parseLevel(level string) logLevel {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return levelDebug
	case "INFO":
		return levelInfo
	case "WARN", "WARNING":
		return levelWarn
	case "ERROR":
		return levelError
	default:
		return levelInfo
	}
}

// SetLogLevel sets the process-wide log level from its name. Unknown names
// fall back to info.
func SetLogLevel(level string) {
	currentLevel.Store(int32(parseLevel(level)))
}

// DebugEnabled reports whether debug messages are emitted, letting callers
// skip expensive message construction entirely.
func DebugEnabled() bool {
	return logLevel(currentLevel.Load()) <= levelDebug
}

func logMessage(tag string, format string, v ...interface{}) {
	log.Printf("[%s] %s", tag, fmt.Sprintf(format, v...))
}

// Debug logs verbose per-request detail, dropped unless debug is enabled.
func Debug(format string, v ...interface{}) {
	if logLevel(currentLevel.Load()) <= levelDebug {
		logMessage("DEBUG", format, v...)
	}
}

// Info logs lifecycle events: streams going live, sessions swept, startup.
func Info(format string, v ...interface{}) {
	if logLevel(currentLevel.Load()) <= levelInfo {
		logMessage("INFO", format, v...)
	}
}

// Warn logs degraded-but-continuing conditions, like a failed transcoder
// teardown for a delivery that is already stopped.
func Warn(format string, v ...interface{}) {
	if logLevel(currentLevel.Load()) <= levelWarn {
		logMessage("WARN", format, v...)
	}
}

// Error logs failures that lose work, like a recovered sweep panic.
func Error(format string, v ...interface{}) {
	if logLevel(currentLevel.Load()) <= levelError {
		logMessage("ERROR", format, v...)
	}
}
