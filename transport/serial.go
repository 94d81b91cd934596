package transport

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// pollInterval bounds how long a SerialPort read blocks before reporting
// no-data-yet, keeping the engine's deadline loop responsive.
const pollInterval = 100 * time.Millisecond

// SerialPort adapts a go.bug.st serial port to the Port interface.
type SerialPort struct {
	port     serial.Port
	portName string
	baudRate int
}

// OpenSerial opens a serial port in 8N1 mode at the given baud rate.
func OpenSerial(portName string, baudRate int) (*SerialPort, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open port %s: %w", portName, err)
	}

	if err := port.SetReadTimeout(pollInterval); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}

	return &SerialPort{port: port, portName: portName, baudRate: baudRate}, nil
}

// Read returns available bytes, or (0, nil) when nothing arrived within
// the polling interval.
func (p *SerialPort) Read(buf []byte) (int, error) {
	return p.port.Read(buf)
}

func (p *SerialPort) Write(buf []byte) (int, error) {
	return p.port.Write(buf)
}

func (p *SerialPort) SetControlLines(dtr, rts bool) error {
	if err := p.port.SetDTR(dtr); err != nil {
		return err
	}
	return p.port.SetRTS(rts)
}

func (p *SerialPort) ReadBufferSize() int {
	return DefaultReadBufferSize
}

// SetBaudRate reconfigures the line speed. Callers invoke this right
// after a successful CHANGE_BAUDRATE command.
func (p *SerialPort) SetBaudRate(baudRate int) error {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	if err := p.port.SetMode(mode); err != nil {
		return fmt.Errorf("failed to set baud rate %d: %w", baudRate, err)
	}
	p.baudRate = baudRate
	return nil
}

// Flush discards pending input.
func (p *SerialPort) Flush() error {
	return p.port.ResetInputBuffer()
}

func (p *SerialPort) Close() error {
	return p.port.Close()
}

func (p *SerialPort) PortName() string {
	return p.portName
}

func (p *SerialPort) BaudRate() int {
	return p.baudRate
}

// ListPorts returns the serial ports present on the host.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}
