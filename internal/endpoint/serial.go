package endpoint

import (
	"io"

	"go.bug.st/serial"
)

// dialSerial opens the descriptor's device in raw mode at the configured
// baud rate.
func (e *Endpoint) dialSerial() (io.ReadWriteCloser, error) {
	port, err := serial.Open(e.desc.Address, &serial.Mode{BaudRate: e.desc.Baud})
	if err != nil {
		return nil, err
	}
	return port, nil
}
