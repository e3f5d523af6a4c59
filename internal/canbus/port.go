package canbus

import (
	"io"

	"go.bug.st/serial"
)

// Porter is the minimal serial port surface the responder needs. The
// abstraction keeps unit tests off real adapter hardware.
type Porter interface {
	io.ReadWriter
	io.Closer
}

// DefaultBaudRate matches the common SLCAN adapter setting.
const DefaultBaudRate = 115200

// OpenPort opens the SLCAN adapter's serial device.
func OpenPort(path string, baudRate int) (Porter, error) {
	if baudRate <= 0 {
		baudRate = DefaultBaudRate
	}
	return serial.Open(path, &serial.Mode{BaudRate: baudRate})
}
