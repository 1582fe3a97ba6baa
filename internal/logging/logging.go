// Package logging implements the agent's leveled logger: ERROR, WARN, INFO,
// DEBUG, TRACE, filtered by the HIVE_REGISTRY_LOG environment variable.
package logging

import (
	"log"
	"os"
	"strings"
)

// Level is one of the five severities the logger understands, ordered from
// most to least severe.
type Level int

const (
	Error Level = iota
	Warn
	Info
	Debug
	Trace
)

var levelNames = [...]string{"ERROR", "WARN", "INFO", "DEBUG", "TRACE"}

func (l Level) String() string {
	if l < Error || l > Trace {
		return "UNKNOWN"
	}
	return levelNames[l]
}

func parseLevel(s string) (Level, bool) {
	for i, name := range levelNames {
		if strings.EqualFold(name, s) {
			return Level(i), true
		}
	}
	return 0, false
}

// Logger filters messages below its configured max level.
type Logger struct {
	maxLevel Level
	out      *log.Logger
}

// New builds a Logger reading its max level from the HIVE_REGISTRY_LOG
// environment variable (default "info"). An unrecognized value also falls
// back to info rather than failing agent construction.
func New() *Logger {
	raw := os.Getenv("HIVE_REGISTRY_LOG")
	if raw == "" {
		raw = "info"
	}
	level, ok := parseLevel(raw)
	if !ok {
		level = Info
	}
	return &Logger{maxLevel: level, out: log.New(os.Stderr, "", log.LstdFlags)}
}

func (l *Logger) shouldLog(level Level) bool { return l.maxLevel >= level }

func (l *Logger) log(level Level, message string) {
	if !l.shouldLog(level) {
		return
	}
	l.out.Printf("%s: %s", level, message)
}

func (l *Logger) Trace(message string) { l.log(Trace, message) }
func (l *Logger) Debug(message string) { l.log(Debug, message) }
func (l *Logger) Info(message string)  { l.log(Info, message) }
func (l *Logger) Warn(message string)  { l.log(Warn, message) }
func (l *Logger) Error(message string) { l.log(Error, message) }
