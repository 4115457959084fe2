package logger

import "time"

// Interface is the logging surface engine packages depend on.
// Implemented by *Logger; Nop discards everything.
type Interface interface {
	Error(msg string, context ...interface{})
	Warn(msg string, context ...interface{})
	Info(msg string, context ...interface{})
	Debug(msg string, context ...interface{})
	WarnRateLimited(key string, interval time.Duration, msg string, context ...interface{})
	TraceTag(tag string, msg string, context ...interface{})
}

// Nop is a logger that drops every entry.
type Nop struct{}

func (Nop) Error(string, ...interface{})                                 {}
func (Nop) Warn(string, ...interface{})                                  {}
func (Nop) Info(string, ...interface{})                                  {}
func (Nop) Debug(string, ...interface{})                                 {}
func (Nop) WarnRateLimited(string, time.Duration, string, ...interface{}) {}
func (Nop) TraceTag(string, string, ...interface{})                      {}

// OrNop returns l, or Nop when l is nil.
func OrNop(l Interface) Interface {
	if l == nil {
		return Nop{}
	}
	return l
}

// History is implemented by loggers that keep recent entries in memory.
type History interface {
	GetBufferFiltered(minLevel LogLevel) []LogEntry
}

// Recent returns up to n of the newest entries at or above minLevel when l
// keeps a history, oldest first.
func Recent(l Interface, minLevel LogLevel, n int) []LogEntry {
	h, ok := l.(History)
	if !ok || n <= 0 {
		return nil
	}
	entries := h.GetBufferFiltered(minLevel)
	if len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries
}
