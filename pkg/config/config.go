// Package config holds the driver's external configuration surface.
package config

import (
	"time"

	"github.com/zwavelink/zwave/pkg/zwaveevent"
)

// Config is the configuration surface accepted by the driver.
type Config struct {
	// Port is the identifier of the serial device, e.g. "/dev/ttyACM0".
	Port string

	// BaudRate defaults to 115200, the standard Serial API line rate.
	BaudRate int

	// AckTimeout defaults to 1600ms and is not meant to be tuned down.
	AckTimeout time.Duration

	// MaxRetries defaults to 3.
	MaxRetries int

	// ReopenDelay bounds the wait before reopening the port after an I/O
	// error; defaults to a small fixed delay.
	ReopenDelay time.Duration

	// CallbackDefaultTimeout is carried in the configuration but is not
	// read by the driver: no call is bounded by it. session.WithDefaultTimeout
	// applies such a bound to a context, with zero selecting its built-in
	// default.
	CallbackDefaultTimeout time.Duration

	// EventSink receives structured driver Events. Nil is valid: the
	// driver drops events rather than blocking (pkg/zwaveevent.Emit).
	EventSink zwaveevent.Sink
}

const (
	DefaultBaudRate    = 115200
	DefaultAckTimeout  = 1600 * time.Millisecond
	DefaultMaxRetries  = 3
	DefaultReopenDelay = 500 * time.Millisecond
)

// WithDefaults returns a copy of c with zero-valued fields replaced by
// their documented defaults.
func (c Config) WithDefaults() Config {
	if c.BaudRate == 0 {
		c.BaudRate = DefaultBaudRate
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.ReopenDelay == 0 {
		c.ReopenDelay = DefaultReopenDelay
	}
	return c
}
