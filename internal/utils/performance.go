package utils

import (
	"time"

	"github.com/rs/zerolog"
)

// Slow-operation thresholds. Crossing one upgrades the log level so long
// passes surface without a metrics stack.
const (
	slowWarn = 30 * time.Second
	slowInfo = 10 * time.Second
)

// Timer measures one operation from construction to Stop.
type Timer struct {
	start time.Time
	name  string
	log   zerolog.Logger
}

// NewTimer starts a timer for the named operation.
func NewTimer(name string, log zerolog.Logger) *Timer {
	return &Timer{
		start: time.Now(),
		name:  name,
		log:   log,
	}
}

// Stop logs the elapsed time and returns it.
func (t *Timer) Stop() time.Duration {
	duration := time.Since(t.start)

	event := t.log.Debug()
	msg := "Operation completed"
	switch {
	case duration > slowWarn:
		event = t.log.Warn()
		msg = "Slow operation detected"
	case duration > slowInfo:
		event = t.log.Info()
		msg = "Operation took longer than expected"
	}

	event.
		Str("operation", t.name).
		Dur("duration_ms", duration).
		Msg(msg)

	return duration
}
