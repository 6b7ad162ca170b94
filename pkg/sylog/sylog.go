// Package sylog implements the process-wide logger used by every flatimage
// subsystem, from the bootstrap relocator through the portal daemons and the
// janitor. It formats messages the way the original flatimage binary's
// logger does, and supports the scoped-sink pattern described for forked
// children: a portal worker (or the AppArmor install step) calls SetWriter
// with its own log file before it logs anything, and restores nothing
// afterward because it never returns to the parent's context. The janitor
// does not log through sylog; it redirects its own stdio to its log file.
package sylog

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
)

var messageColors = map[messageLevel]string{
	FatalLevel: "\x1b[31m",
	ErrorLevel: "\x1b[31m",
	WarnLevel:  "\x1b[33m",
	InfoLevel:  "\x1b[34m",
}

var (
	noColorLevel messageLevel = 90
	loggerLevel               = InfoLevel
)

var logWriter = (io.Writer)(os.Stderr)

func init() {
	if l, err := strconv.Atoi(os.Getenv("FIM_MESSAGELEVEL")); err == nil {
		loggerLevel = messageLevel(l)
	}
}

func prefix(logLevel, msgLevel messageLevel) string {
	colorReset := "\x1b[0m"
	messageColor, ok := messageColors[msgLevel]
	if !ok || logLevel != loggerLevel {
		colorReset = ""
		messageColor = ""
	}

	if logLevel < DebugLevel {
		return fmt.Sprintf("%s%-8s%s ", messageColor, msgLevel.String()+":", colorReset)
	}

	pc, _, _, ok := runtime.Caller(3)
	details := runtime.FuncForPC(pc)

	var funcName string
	if ok && details == nil {
		funcName = "????()"
	} else {
		split := strings.Split(details.Name(), ".")
		funcName = split[len(split)-1] + "()"
	}

	pid := os.Getpid()
	uidStr := fmt.Sprintf("[P=%d]", pid)

	return fmt.Sprintf("%s%-8s%s%-12s%-30s", messageColor, msgLevel, colorReset, uidStr, funcName)
}

func writef(msgLevel messageLevel, format string, a ...interface{}) {
	logLevel := getLoggerLevel()
	if logLevel < msgLevel {
		return
	}

	message := fmt.Sprintf(format, a...)
	message = strings.TrimRight(message, "\n")

	fmt.Fprintf(logWriter, "%s%s\n", prefix(logLevel, msgLevel), message)
}

func getLoggerLevel() messageLevel {
	if loggerLevel <= -noColorLevel {
		return loggerLevel + noColorLevel
	} else if loggerLevel >= noColorLevel {
		return loggerLevel - noColorLevel
	}
	return loggerLevel
}

// Fatalf logs at FatalLevel and exits the process with the bootstrap-failure
// code. Components with a recoverable error path must never call this;
// reserve it for truly unrecoverable startup failures (see DESIGN.md).
func Fatalf(format string, a ...interface{}) {
	writef(FatalLevel, format, a...)
	os.Exit(125)
}

// Errorf logs an error that is also being returned to the caller.
func Errorf(format string, a ...interface{}) {
	writef(ErrorLevel, format, a...)
}

// Warningf logs a recoverable, permissive-path condition.
func Warningf(format string, a ...interface{}) {
	writef(WarnLevel, format, a...)
}

// Infof logs at the default visible level.
func Infof(format string, a ...interface{}) {
	writef(InfoLevel, format, a...)
}

// Verbosef logs fine-grained progress, shown with -v.
func Verbosef(format string, a ...interface{}) {
	writef(VerboseLevel, format, a...)
}

// Debugf logs internals, shown with --debug / FIM_DEBUG=1.
func Debugf(format string, a ...interface{}) {
	writef(DebugLevel, format, a...)
}

// SetLevel explicitly sets the logger level, with or without color.
func SetLevel(l int, color bool) {
	loggerLevel = messageLevel(l)
	if !color {
		if loggerLevel >= InfoLevel {
			loggerLevel += noColorLevel
		} else if loggerLevel <= LogLevel {
			loggerLevel -= noColorLevel
		}
	}
}

// GetLevel returns the current log level as an integer.
func GetLevel() int {
	return int(getLoggerLevel())
}

// GetEnvVar returns an env assignment a child process can inherit to
// reproduce the current log level after an execve.
func GetEnvVar() string {
	return fmt.Sprintf("FIM_MESSAGELEVEL=%d", loggerLevel)
}

// Writer returns the current log sink, or io.Discard when running silent.
func Writer() io.Writer {
	if loggerLevel <= LogLevel {
		return io.Discard
	}
	return logWriter
}

// SetWriter installs a new sink, returning the previous one. Portal workers
// call this once their message is parsed, before their first log call, to
// redirect into the log file the message names.
func SetWriter(writer io.Writer) io.Writer {
	old := logWriter
	if writer != nil {
		logWriter = writer
	}
	return old
}
