// Package core holds the ambient infrastructure shared by every tunnelagent
// component: structured logging, the event bus, the logical clock used for
// control-channel drift correction, and the shutdown token. None of these
// types are global singletons — callers construct one and pass it by
// parameter into the control/udpchannel/udpclients/tcpclient/agent
// constructors, so every component stays testable in isolation.
package core

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
)

// LogLevel represents the severity of a log message.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelOff
)

// levelNames maps the config-file spellings to levels. An empty string is
// deliberately present so an unset config field reads as info.
var levelNames = map[string]LogLevel{
	"debug":   LevelDebug,
	"info":    LevelInfo,
	"":        LevelInfo,
	"warn":    LevelWarn,
	"warning": LevelWarn,
	"error":   LevelError,
	"off":     LevelOff,
	"none":    LevelOff,
}

// ParseLevel converts a string level name to LogLevel.
// Returns LevelInfo for unrecognized values.
func ParseLevel(s string) LogLevel {
	if lvl, ok := levelNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return lvl
	}
	return LevelInfo
}

// LogConfig holds logging configuration, typically unmarshaled by an
// external config loader from the operator's config file.
type LogConfig struct {
	Level      string            `yaml:"level,omitempty"`
	Components map[string]string `yaml:"components,omitempty"`
	LogDir     string            `yaml:"log_dir,omitempty"`
}

// LogHook is a callback invoked for every log message that passes level
// filtering. Used by the TUI/daemon frontends (outside the core) to mirror
// log lines into their own views.
type LogHook func(level LogLevel, tag, message string)

// Logger filters by per-component level and writes to its own sink. It
// never touches the log package's global output: each Logger owns a
// *log.Logger over the writer it was built with, so two agents in one
// process (or a test) cannot fight over a shared destination.
type Logger struct {
	out        *log.Logger
	fallback   LogLevel
	components map[string]LogLevel // lowercase component name → level (immutable after init)
	hook       atomic.Pointer[LogHook]
	file       *os.File // date-stamped file sink (nil unless LogDir is set)
}

// NewLogger creates a Logger from config, writing to stderr. If cfg.LogDir
// is set, lines are additionally written to a date-stamped file in that
// directory.
func NewLogger(cfg LogConfig) *Logger {
	l := &Logger{
		fallback:   ParseLevel(cfg.Level),
		components: make(map[string]LogLevel, len(cfg.Components)),
	}
	for name, level := range cfg.Components {
		l.components[strings.ToLower(name)] = ParseLevel(level)
	}

	var w io.Writer = os.Stderr
	if cfg.LogDir != "" {
		if f, err := openLogFile(cfg.LogDir); err == nil {
			l.file = f
			w = io.MultiWriter(os.Stderr, f)
		}
	}
	l.out = log.New(w, "", log.LstdFlags)
	return l
}

// NewLoggerTo creates a Logger writing to w with a single global level and
// no file sink. Mostly useful for tests that want to capture output.
func NewLoggerTo(w io.Writer, level LogLevel) *Logger {
	return &Logger{
		out:      log.New(w, "", log.LstdFlags),
		fallback: level,
	}
}

// Nop returns a Logger that discards everything — handy as a zero-value
// substitute in tests that don't care about log output.
func Nop() *Logger {
	return NewLoggerTo(io.Discard, LevelOff)
}

// Close flushes and closes the log file (if any).
func (l *Logger) Close() {
	if l.file != nil {
		l.file.Sync()
		l.file.Close()
		l.file = nil
	}
}

// openLogFile creates/opens a date-stamped log file under dir.
func openLogFile(dir string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	name := fmt.Sprintf("tunnelagent-%s.log", time.Now().Format("2006-01-02"))
	return os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}

// SetHook installs a callback that receives every log message passing level
// filtering. Pass nil to remove the hook. Only one hook is active at a time.
func (l *Logger) SetHook(h LogHook) {
	if h == nil {
		l.hook.Store(nil)
	} else {
		l.hook.Store(&h)
	}
}

// threshold returns the effective level for a component tag. The components
// map is immutable after construction, so this is a plain read.
func (l *Logger) threshold(tag string) LogLevel {
	if lvl, ok := l.components[strings.ToLower(tag)]; ok {
		return lvl
	}
	return l.fallback
}

// logf is the single emission path all level methods funnel through: it
// filters, formats once, writes the line, and mirrors it to the hook.
func (l *Logger) logf(level LogLevel, tag, format string, args ...any) {
	if level < l.threshold(tag) {
		return
	}
	msg := fmt.Sprintf(format, args...)
	l.out.Printf("[%s] %s", tag, msg)
	if hp := l.hook.Load(); hp != nil {
		(*hp)(level, tag, msg)
	}
}

// Debugf logs at debug level.
func (l *Logger) Debugf(tag, format string, args ...any) {
	l.logf(LevelDebug, tag, format, args...)
}

// Infof logs at info level.
func (l *Logger) Infof(tag, format string, args ...any) {
	l.logf(LevelInfo, tag, format, args...)
}

// Warnf logs at warn level.
func (l *Logger) Warnf(tag, format string, args ...any) {
	l.logf(LevelWarn, tag, format, args...)
}

// Errorf logs at error level.
func (l *Logger) Errorf(tag, format string, args ...any) {
	l.logf(LevelError, tag, format, args...)
}
