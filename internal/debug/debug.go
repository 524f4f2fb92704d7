package debug

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

// Debug levels
const (
	LevelOff     = 0 // No output
	LevelInfo    = 1 // Important info (connection state, saved files)
	LevelLive    = 2 // Live info (jobs run, events received)
	LevelVerbose = 3 // Verbose (control writes, timings)
	LevelTrace   = 4 // Trace (every preview frame, GPIO)
)

var (
	mu     sync.RWMutex
	level  int
	logger *log.Logger
)

// Init initializes the debug system with a level (0-4).
// 0 = no output
// 1 = important info (connection state, saved files)
// 2 = live info (jobs, device events)
// 3 = verbose (control writes, delays)
// 4 = trace (preview frames, GPIO)
func Init(debugLevel int) {
	mu.Lock()
	defer mu.Unlock()
	level = debugLevel
	if level > LevelOff {
		logger = log.New(os.Stdout, "[QuickCapture] ", log.LstdFlags|log.Lmicroseconds)
	} else {
		logger = nil
	}
}

// SetOutput redirects debug output to w. It has no effect while the
// level is LevelOff.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if logger != nil {
		logger.SetOutput(w)
	}
}

// Level returns the current debug level.
func Level() int {
	mu.RLock()
	defer mu.RUnlock()
	return level
}

// IsEnabled returns true if debug level is >= the requested level.
func IsEnabled(minLevel int) bool {
	return Level() >= minLevel
}

func logf(minLevel int, tag, format string, args ...interface{}) {
	mu.RLock()
	l, lvl := logger, level
	mu.RUnlock()
	if lvl >= minLevel && l != nil {
		l.Printf(tag+format, args...)
	}
}

// --- Level 1 functions (Info): important info ---

// Info prints a level 1 message (important info).
func Info(format string, args ...interface{}) {
	logf(LevelInfo, "[INFO] ", format, args...)
}

// State prints a connection state transition (level 1).
func State(from, to fmt.Stringer) {
	logf(LevelInfo, "[INFO] ", "Connection: %s -> %s", from, to)
}

// --- Level 2 functions (Live): real-time info ---

// Live prints a level 2 message (live info).
func Live(format string, args ...interface{}) {
	logf(LevelLive, "[LIVE] ", format, args...)
}

// Job prints the outcome of a dispatched job (level 2).
func Job(id, name string, outcome fmt.Stringer) {
	logf(LevelLive, "[LIVE] ", "Job %s (%s): %s", name, id, outcome)
}

// --- Level 3 functions (Verbose): everything ---

// Verbose prints a level 3 message (verbose).
func Verbose(format string, args ...interface{}) {
	logf(LevelVerbose, "[VERBOSE] ", format, args...)
}

// Printf is an alias for Verbose.
func Printf(format string, args ...interface{}) {
	Verbose(format, args...)
}

// Control prints a named control write (level 3).
func Control(name string, value interface{}) {
	logf(LevelVerbose, "[VERBOSE] ", "Control %s = %v", name, value)
}

// Value prints a named value in formatted form (level 1).
func Value(name string, value interface{}) {
	logf(LevelInfo, "[INFO]   ", "%s = %v", name, value)
}

// Section prints a section separator (level 3).
func Section(name string) {
	mu.RLock()
	l, lvl := logger, level
	mu.RUnlock()
	if lvl >= LevelVerbose && l != nil {
		l.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		l.Printf("  %s", name)
		l.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	}
}

// --- Level 4 functions (Trace): very low level ---

// Trace prints a level 4 message (trace).
func Trace(format string, args ...interface{}) {
	logf(LevelTrace, "[TRACE] ", format, args...)
}

// GPIO prints a GPIO operation (level 4).
func GPIO(operation string, pin int, value interface{}) {
	logf(LevelTrace, "[GPIO] ", "%s pin=%d value=%v", operation, pin, value)
}

// --- General functions ---

// Error prints a debug error (level 1+).
func Error(err error) {
	logf(LevelInfo, "[ERROR] ", "%v", err)
}
