// Package flasher implements the host side of the Espressif serial
// bootloader protocol: synchronization, chip identification, stub loader
// upload and the flash write/read/erase/verify operations, over any
// transport.Port.
package flasher

import (
	"bytes"
	"fmt"
	"time"

	"github.com/dkaukov/esp32-flash/chip"
	"github.com/dkaukov/esp32-flash/protocol"
	"github.com/dkaukov/esp32-flash/slip"
	"github.com/dkaukov/esp32-flash/transport"
)

// Lifecycle stages. The progression is monotonic; a failed operation
// leaves the engine in an indeterminate state and the caller should
// reset and resync before reuse.
type State int

const (
	StateDisconnected State = iota
	StateBootloader
	StateSynced
	StateChipDetected
	StateSpiAttached
	StateStubReady
	StateFlashing
	StateReset
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateBootloader:
		return "bootloader"
	case StateSynced:
		return "synced"
	case StateChipDetected:
		return "chip-detected"
	case StateSpiAttached:
		return "spi-attached"
	case StateStubReady:
		return "stub-ready"
	case StateFlashing:
		return "flashing"
	case StateReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Timeouts. Erase and verify deadlines scale with the region size.
const (
	defaultTimeout  = 3 * time.Second
	syncTimeout     = 100 * time.Millisecond
	stubLaunchWait  = 1 * time.Second
	perMiBTimeout   = 30 * time.Second
	chipEraseFactor = 16
	syncAttempts    = 20
	resetHoldTime   = 100 * time.Millisecond
	readInFlight    = 2
)

// sizeTimeout scales the per-MiB deadline to size bytes, with the default
// command timeout as floor.
func sizeTimeout(size int) time.Duration {
	t := time.Duration(float64(size) / (1024 * 1024) * float64(perMiBTimeout))
	if t < defaultTimeout {
		return defaultTimeout
	}
	return t
}

// Flasher drives one chip over one port. It is single-threaded and
// synchronous: every command is sent, then its response awaited, before
// the call returns.
type Flasher struct {
	port   transport.Port
	sink   ProgressSink
	chip   *chip.Chip
	view   protocol.View
	isStub bool
	state  State

	dec     slip.Decoder
	pending []byte // bytes read past the last returned frame
}

// New creates an engine over port. The progress sink defaults to a no-op.
func New(port transport.Port) *Flasher {
	return &Flasher{port: port, sink: NopSink{}, view: protocol.ViewROM}
}

// SetProgressSink installs an observer for long operations.
func (f *Flasher) SetProgressSink(sink ProgressSink) {
	if sink == nil {
		sink = NopSink{}
	}
	f.sink = sink
}

// Chip returns the detected chip, or nil before DetectChip.
func (f *Flasher) Chip() *chip.Chip {
	return f.chip
}

// IsStub reports whether the stub loader is serving commands.
func (f *Flasher) IsStub() bool {
	return f.isStub
}

// State returns the current lifecycle stage.
func (f *Flasher) State() State {
	return f.state
}

func (f *Flasher) require(min State) error {
	if f.state < min {
		return fmt.Errorf("%w: %s requires %s", ErrInvalidState, f.state, min)
	}
	return nil
}

func (f *Flasher) requireStub(op string) error {
	if !f.isStub {
		return fmt.Errorf("%w: %s is served by the stub loader only", ErrInvalidState, op)
	}
	return nil
}

// setControlLines drives DTR/RTS and then holds for the reset circuitry.
func (f *Flasher) setControlLines(dtr, rts bool, hold time.Duration) error {
	if err := f.port.SetControlLines(dtr, rts); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if hold > 0 {
		time.Sleep(hold)
	}
	return nil
}

// EnterBootloader pulses DTR/RTS to boot the chip into its ROM loader.
// The 100 ms holds are part of the contract with the board's reset
// circuitry and must not be shortened.
func (f *Flasher) EnterBootloader() error {
	if err := f.setControlLines(true, false, resetHoldTime); err != nil {
		return err
	}
	if err := f.setControlLines(false, true, resetHoldTime); err != nil {
		return err
	}
	if err := f.setControlLines(true, false, 0); err != nil {
		return err
	}
	f.resetFraming()
	f.state = StateBootloader
	return nil
}

// Reset reboots the chip into its application. DTR stays low; RTS is
// pulsed to toggle the enable line.
func (f *Flasher) Reset() error {
	if err := f.setControlLines(false, false, resetHoldTime); err != nil {
		return err
	}
	if err := f.setControlLines(false, true, resetHoldTime); err != nil {
		return err
	}
	if err := f.setControlLines(false, false, 0); err != nil {
		return err
	}
	f.state = StateReset
	return nil
}

// resetFraming drops any partial frame and unread bytes.
func (f *Flasher) resetFraming() {
	f.dec.Reset()
	f.pending = f.pending[:0]
}

// send SLIP-encodes and writes one request.
func (f *Flasher) send(req *protocol.Request) error {
	frame := slip.Encode(req.Encode())
	if _, err := f.port.Write(frame); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrTransport, protocol.CommandName(req.Command), err)
	}
	return nil
}

// readFrame returns the next complete SLIP frame, waiting until deadline.
// A timeout leaves the decoder mid-stream; the next 0xC0 on the wire
// resynchronizes it.
func (f *Flasher) readFrame(deadline time.Time) ([]byte, error) {
	for {
		for len(f.pending) > 0 {
			b := f.pending[0]
			f.pending = f.pending[1:]
			if frame, ok := f.dec.Feed(b); ok {
				return frame, nil
			}
		}

		if !time.Now().Before(deadline) {
			return nil, ErrTimeout
		}

		buf := make([]byte, transport.ReadBufferSize(f.port))
		n, err := f.port.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("%w: read: %v", ErrTransport, err)
		}
		f.pending = append(f.pending, buf[:n]...)
	}
}

// readResponse waits for a response frame matching cmd (0 matches any
// opcode). Frames that fail to parse or carry a different opcode are
// discarded; stale sync echoes are tolerated this way.
func (f *Flasher) readResponse(cmd byte, timeout time.Duration) (*protocol.Response, error) {
	deadline := time.Now().Add(timeout)
	for {
		frame, err := f.readFrame(deadline)
		if err != nil {
			if cmd != 0 && err == ErrTimeout {
				return nil, fmt.Errorf("%w: no %s response within %v", ErrTimeout, protocol.CommandName(cmd), timeout)
			}
			return nil, err
		}
		resp, err := protocol.ParseResponse(frame, f.view)
		if err != nil {
			continue
		}
		if cmd != 0 && resp.Command != cmd {
			continue
		}
		return resp, nil
	}
}

// readLiteral waits for a frame byte-equal to pattern.
func (f *Flasher) readLiteral(pattern []byte, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		frame, err := f.readFrame(deadline)
		if err != nil {
			if err == ErrTimeout {
				return fmt.Errorf("%w: pattern % X not seen within %v", ErrTimeout, pattern, timeout)
			}
			return err
		}
		if bytes.Equal(frame, pattern) {
			return nil
		}
	}
}

// command sends a request and awaits its successful response.
func (f *Flasher) command(req *protocol.Request, timeout time.Duration) (*protocol.Response, error) {
	if err := f.send(req); err != nil {
		return nil, err
	}
	resp, err := f.readResponse(req.Command, timeout)
	if err != nil {
		return nil, err
	}
	if !resp.Success() {
		return nil, fmt.Errorf("%w: %s failed: %s", ErrFatal, protocol.CommandName(req.Command), resp.ErrorString())
	}
	return resp, nil
}

// Sync establishes communication with the ROM loader. The SYNC command is
// retried up to 20 times; on the first acknowledgment the line is drained
// of the pipelined echoes the ROM produces.
func (f *Flasher) Sync() error {
	req := protocol.NewRequest(protocol.CmdSync, protocol.SyncData())

	for attempt := 0; attempt < syncAttempts; attempt++ {
		if err := f.send(req); err != nil {
			return err
		}
		resp, err := f.readResponse(protocol.CmdSync, syncTimeout)
		if err != nil || !resp.Success() {
			continue
		}

		// Drain: the ROM answers every pending SYNC it buffered.
		for {
			if _, err := f.readResponse(protocol.CmdSync, syncTimeout); err != nil {
				break
			}
		}
		f.state = StateSynced
		return nil
	}
	return fmt.Errorf("%w: no response after %d attempts", ErrSyncFailed, syncAttempts)
}

// ReadReg reads a 32-bit chip register.
func (f *Flasher) ReadReg(addr uint32) (uint32, error) {
	resp, err := f.command(protocol.NewRequest(protocol.CmdReadReg, protocol.ReadRegData(addr)), defaultTimeout)
	if err != nil {
		return 0, err
	}
	return resp.Value, nil
}

// DetectChip reads the chip-magic register and resolves the chip family.
func (f *Flasher) DetectChip() (*chip.Chip, error) {
	if err := f.require(StateSynced); err != nil {
		return nil, err
	}
	magic, err := f.ReadReg(protocol.ChipMagicRegister)
	if err != nil {
		return nil, err
	}
	c, ok := chip.Detect(magic)
	if !ok {
		return nil, fmt.Errorf("%w: unknown chip magic 0x%08X", ErrFatal, magic)
	}
	f.chip = c
	f.state = StateChipDetected
	f.sink.Info(fmt.Sprintf("Detected %s", c.Name))
	return c, nil
}

// SpiAttach attaches the SPI flash with the default pin configuration.
func (f *Flasher) SpiAttach() error {
	if err := f.require(StateSynced); err != nil {
		return err
	}
	_, err := f.command(protocol.NewRequest(protocol.CmdSpiAttach, protocol.SpiAttachData()), defaultTimeout)
	if err == nil && f.state < StateSpiAttached {
		f.state = StateSpiAttached
	}
	return err
}

// SetFlashSize declares the flash geometry to the loader.
func (f *Flasher) SetFlashSize(totalSize uint32) error {
	if err := f.require(StateSynced); err != nil {
		return err
	}
	_, err := f.command(protocol.NewRequest(protocol.CmdSpiSetParams, protocol.SpiSetParamsData(totalSize)), defaultTimeout)
	return err
}

// ChangeBaudRate switches the loader to a new line speed. The caller must
// reconfigure its port immediately afterwards.
func (f *Flasher) ChangeBaudRate(rate uint32) error {
	if err := f.require(StateSynced); err != nil {
		return err
	}
	_, err := f.command(protocol.NewRequest(protocol.CmdChangeBaudRate, protocol.ChangeBaudRateData(rate)), defaultTimeout)
	if err == nil {
		f.sink.Info(fmt.Sprintf("Baud rate changed to %d", rate))
		f.resetFraming()
	}
	return err
}

// encryptionPad reports whether begin packets need the extra reserved
// word: encryption-capable chip, ROM loader serving.
func (f *Flasher) encryptionPad() bool {
	return f.chip != nil && f.chip.CanEncrypt && !f.isStub
}
