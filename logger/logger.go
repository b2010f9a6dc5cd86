// Package logger provides the process-wide logger: a logrus core fanned out
// to any number of writers. The TUI registers a ring-buffer writer so log
// lines show up in its log pane instead of corrupting the terminal.
// Init must be called early in the application lifecycle before using the
// other functions.
package logger

import (
	"errors"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	mu      sync.Mutex
	log     *logrus.Logger
	outputs []io.Writer
)

// Init initializes the global logger.
func Init(writeToStderr bool, debug bool) {
	mu.Lock()
	defer mu.Unlock()
	if log != nil {
		return
	}
	log = logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})
	if debug {
		log.SetLevel(logrus.DebugLevel)
	}
	outputs = nil
	if writeToStderr {
		outputs = append(outputs, os.Stderr)
	}
	rebuildOutput()
}

func rebuildOutput() {
	if len(outputs) == 0 {
		log.SetOutput(io.Discard)
		return
	}
	log.SetOutput(io.MultiWriter(outputs...))
}

// AddOutput adds an additional output writer (e.g. the TUI log buffer).
// Returns an error if called before Init.
func AddOutput(w io.Writer) error {
	mu.Lock()
	defer mu.Unlock()
	if log == nil {
		return errors.New("logger not initialized: call logger.Init() first")
	}
	outputs = append(outputs, w)
	rebuildOutput()
	return nil
}

// RemoveOutput removes an output writer.
func RemoveOutput(w io.Writer) error {
	mu.Lock()
	defer mu.Unlock()
	if log == nil {
		return errors.New("logger not initialized: call logger.Init() first")
	}
	kept := outputs[:0]
	for _, o := range outputs {
		if o != w {
			kept = append(kept, o)
		}
	}
	outputs = kept
	rebuildOutput()
	return nil
}

func get() *logrus.Logger {
	mu.Lock()
	defer mu.Unlock()
	if log == nil {
		// Not initialized; fall back to the logrus standard logger so
		// nothing is silently lost.
		return logrus.StandardLogger()
	}
	return log
}

// Printf logs a formatted message at debug level; this is the chatty
// per-frame, per-session channel.
func Printf(format string, v ...interface{}) {
	get().Debugf(format, v...)
}

// Infof logs an info-level formatted message.
func Infof(format string, v ...interface{}) {
	get().Infof(format, v...)
}

// Info logs an info-level message.
func Info(v ...interface{}) {
	get().Info(v...)
}

// Errorf logs an error-level formatted message.
func Errorf(format string, v ...interface{}) {
	get().Errorf(format, v...)
}

// Error logs an error-level message.
func Error(v ...interface{}) {
	get().Error(v...)
}
