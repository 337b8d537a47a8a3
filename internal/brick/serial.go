package brick

import (
	"fmt"
	"io"
	"strings"

	"go.bug.st/serial"
)

// DefaultBaudRate is the rate bricks paired over Bluetooth SPP expose.
const DefaultBaudRate = 115200

// PortOptions describes the serial line used when a brick is reached through
// a Bluetooth serial profile or USB serial adapter instead of Wi-Fi. The
// framing on the line is the same length-prefixed command stream.
type PortOptions struct {
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
}

// Normalize validates the options and applies defaults for unset values.
func (o PortOptions) Normalize() (PortOptions, error) {
	opts := o
	if opts.BaudRate <= 0 {
		opts.BaudRate = DefaultBaudRate
	}
	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}
	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	switch p := strings.TrimSpace(strings.ToUpper(opts.Parity)); p {
	case "", "N", "NONE":
		opts.Parity = "N"
	case "E", "EVEN":
		opts.Parity = "E"
	case "O", "ODD":
		opts.Parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", o.Parity)
	}
	return opts, nil
}

// SerialMode converts the options into the mode go.bug.st/serial expects.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}
	mode := &serial.Mode{BaudRate: opts.BaudRate, DataBits: opts.DataBits}
	switch opts.StopBits {
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		mode.StopBits = serial.OneStopBit
	}
	switch opts.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	default:
		mode.Parity = serial.NoParity
	}
	return mode, nil
}

// SerialOpener opens a serial device. OpenSerialPort is the real one.
type SerialOpener func(path string, mode *serial.Mode) (io.ReadWriteCloser, error)

// OpenSerialPort opens path with go.bug.st/serial.
func OpenSerialPort(path string, mode *serial.Mode) (io.ReadWriteCloser, error) {
	return serial.Open(path, mode)
}

// DialSerial opens a brick over a serial device. There is no discovery or
// handshake on a paired serial link, so the session starts immediately.
func DialSerial(path string, opts PortOptions, open SerialOpener, cfg SessionConfig) (*Session, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}
	if open == nil {
		open = OpenSerialPort
	}
	port, err := open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrConnectFailed, path, err)
	}
	if cfg.Endpoint.Name == "" {
		cfg.Endpoint.Name = path
	}
	return NewSession(port, cfg), nil
}

// SerialPorts lists serial devices the brick may be paired on.
func SerialPorts() ([]string, error) {
	return serial.GetPortsList()
}
