// Package logger provides the debug hook the crawler calls into.
//
// The node never decides how or where to log; it only calls the interface
// below. Embedders that want visibility supply an implementation (for
// example one backed by the standard log package, as StdLogger does here).
// The default, NullLogger, discards everything.
package logger

import "log"

// DebugLogger receives diagnostic events from the crawler.
type DebugLogger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// NullLogger discards every message. It is the zero-configuration default.
type NullLogger struct{}

func (NullLogger) Debugf(format string, args ...interface{}) {}
func (NullLogger) Infof(format string, args ...interface{})  {}
func (NullLogger) Errorf(format string, args ...interface{}) {}

// StdLogger writes every message to the standard library logger, tagged
// with its level. For embedders that want to see what the node is doing
// without wiring a structured logger of their own.
type StdLogger struct{}

func (StdLogger) Debugf(format string, args ...interface{}) {
	log.Printf("[DEBUG] "+format, args...)
}
func (StdLogger) Infof(format string, args ...interface{}) {
	log.Printf("[INFO] "+format, args...)
}
func (StdLogger) Errorf(format string, args ...interface{}) {
	log.Printf("[ERROR] "+format, args...)
}
