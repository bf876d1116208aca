package serialmux

import (
	"fmt"

	"go.bug.st/serial"
)

// NewRealSerialMux creates a SerialMux instance backed by a real serial port at
// the given path using the provided serial options. An error here means the
// controller device is unavailable (missing, or held by another process) and is
// fatal at startup.
func NewRealSerialMux(path string, opts PortOptions) (*SerialMux[serial.Port], error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("serial device %s unavailable: %w", path, err)
	}

	return NewSerialMux[serial.Port](port), nil
}
