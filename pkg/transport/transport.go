// Package transport opens and manages the serial line carrying the Z-Wave
// Serial API: 115200 baud, 8N1, no flow control.
package transport

import (
	"fmt"
	"io"
	"log"
	"time"

	"go.bug.st/serial"
)

// Config describes how to open the serial port.
type Config struct {
	Port        string
	BaudRate    int
	ReopenDelay time.Duration
}

// DefaultReopenDelay is used when Config.ReopenDelay is zero.
const DefaultReopenDelay = 500 * time.Millisecond

// Port is the byte-oriented interface the link coordinator depends on.
// go.bug.st/serial.Port satisfies it directly; tests substitute an
// in-memory fake.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// Transport owns a reopenable serial port handle. It does not itself read
// or write application frames — pkg/link does that — it only knows how to
// (re)acquire the underlying Port.
type Transport struct {
	cfg Config
}

// New validates cfg and returns a Transport ready to Open.
func New(cfg Config) (*Transport, error) {
	if cfg.Port == "" {
		return nil, fmt.Errorf("transport: port path is required")
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	if cfg.ReopenDelay == 0 {
		cfg.ReopenDelay = DefaultReopenDelay
	}
	return &Transport{cfg: cfg}, nil
}

// Open opens the configured serial port with the fixed Z-Wave Serial API
// line settings (8 data bits, 1 stop bit, no parity, no flow control).
func (t *Transport) Open() (Port, error) {
	mode := &serial.Mode{
		BaudRate: t.cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(t.cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("transport: open %s: %w", t.cfg.Port, err)
	}
	return port, nil
}

// ReopenDelay returns the bounded delay to wait between a failed port and a
// reopen attempt.
func (t *Transport) ReopenDelay() time.Duration { return t.cfg.ReopenDelay }

// Reopen closes port (if non-nil) and opens a fresh one, logging the
// transition.
func (t *Transport) Reopen(port Port) (Port, error) {
	if port != nil {
		_ = port.Close()
	}
	log.Printf("transport: reopening %s after %s", t.cfg.Port, t.cfg.ReopenDelay)
	time.Sleep(t.cfg.ReopenDelay)
	return t.Open()
}
