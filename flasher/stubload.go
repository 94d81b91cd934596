package flasher

import (
	"fmt"

	"github.com/dkaukov/esp32-flash/protocol"
	"github.com/dkaukov/esp32-flash/stub"
)

// memWrite uploads data into chip RAM at addr using MEM_BEGIN/MEM_DATA.
// Chunks keep their exact length; RAM downloads are never padded. The
// caller issues MEM_END separately.
func (f *Flasher) memWrite(data []byte, addr uint32) error {
	blockSize := protocol.MemBlockSize
	blocks := (len(data) + blockSize - 1) / blockSize

	begin := protocol.MemBeginData(uint32(len(data)), uint32(blocks), uint32(blockSize), addr)
	if _, err := f.command(protocol.NewRequest(protocol.CmdMemBegin, begin), defaultTimeout); err != nil {
		return err
	}

	for seq := 0; seq < blocks; seq++ {
		start := seq * blockSize
		end := start + blockSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[start:end]
		req := protocol.NewDataRequest(protocol.CmdMemData, protocol.BlockData(chunk, uint32(seq)), chunk)
		if _, err := f.command(req, defaultTimeout); err != nil {
			return fmt.Errorf("RAM block %d: %w", seq, err)
		}
	}
	return nil
}

// LoadStub uploads the chip's stub loader into RAM, jumps to its entry
// point and waits for the startup marker. Once the marker is seen the
// engine switches to the stub response view and the extended command set
// becomes available.
func (f *Flasher) LoadStub(loader stub.Loader) error {
	if err := f.require(StateChipDetected); err != nil {
		return err
	}
	if f.isStub {
		return fmt.Errorf("%w: stub loader already running", ErrInvalidState)
	}
	if f.chip.Stub == "" {
		return fmt.Errorf("%w: %s has no stub loader", ErrInvalidState, f.chip.Name)
	}

	blob, err := loader.Load(f.chip.Stub)
	if err != nil {
		return fmt.Errorf("%w: load stub %q: %v", ErrFatal, f.chip.Stub, err)
	}

	f.sink.Info(fmt.Sprintf("Uploading stub loader for %s...", f.chip.Name))
	if err := f.memWrite(blob.Text, blob.TextStart); err != nil {
		return fmt.Errorf("stub text: %w", err)
	}
	if len(blob.Data) > 0 {
		if err := f.memWrite(blob.Data, blob.DataStart); err != nil {
			return fmt.Errorf("stub data: %w", err)
		}
	}

	req := protocol.NewRequest(protocol.CmdMemEnd, protocol.MemEndData(blob.Entry))
	if _, err := f.command(req, defaultTimeout); err != nil {
		return err
	}

	// The stub announces itself with a bare OHAI frame.
	if err := f.readLiteral(protocol.StubReadyMarker, stubLaunchWait); err != nil {
		return err
	}
	f.isStub = true
	f.view = protocol.ViewStub
	f.state = StateStubReady
	f.sink.Info("Stub loader is running")
	return nil
}

// RunUserCode asks the stub to jump into the application. The chip resets
// out from under the reply, so none is awaited.
func (f *Flasher) RunUserCode() error {
	if err := f.requireStub("RUN_USER_CODE"); err != nil {
		return err
	}
	return f.send(protocol.NewRequest(protocol.CmdRunUserCode, nil))
}
