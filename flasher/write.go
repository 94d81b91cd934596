package flasher

import (
	"bytes"
	"compress/zlib"
	"fmt"

	"github.com/dkaukov/esp32-flash/chip"
	"github.com/dkaukov/esp32-flash/protocol"
)

// FlashWrite writes image to flash at offset using raw (uncompressed)
// blocks. Every block is zero-padded to blockSize; sequence numbers start
// at zero and increase by one per block.
func (f *Flasher) FlashWrite(image []byte, blockSize, offset uint32) error {
	if err := f.require(StateSynced); err != nil {
		return err
	}
	if blockSize == 0 {
		blockSize = protocol.FlashBlockSize
	}
	blocks := (uint32(len(image)) + blockSize - 1) / blockSize

	begin := protocol.FlashBeginData(uint32(len(image)), blocks, blockSize, offset, f.encryptionPad())
	req := protocol.NewRequest(protocol.CmdFlashBegin, begin)
	if _, err := f.command(req, sizeTimeout(len(image))); err != nil {
		return err
	}

	f.state = StateFlashing
	f.sink.Start()
	for seq := uint32(0); seq < blocks; seq++ {
		start := seq * blockSize
		end := start + blockSize
		if end > uint32(len(image)) {
			end = uint32(len(image))
		}
		block := make([]byte, blockSize)
		copy(block, image[start:end])

		dataReq := protocol.NewDataRequest(protocol.CmdFlashData, protocol.BlockData(block, seq), block)
		if _, err := f.command(dataReq, defaultTimeout); err != nil {
			return fmt.Errorf("flash block %d/%d: %w", seq, blocks, err)
		}
		f.sink.Progress(float64(seq+1) / float64(blocks) * 100)
	}
	f.sink.End()
	return nil
}

// FlashDeflWrite deflate-compresses image at the maximum level and writes
// the compressed stream to flash at offset. Blocks count over the
// compressed length; the last chunk keeps its short length. The ROM
// expects the uncompressed-size field to be blockSize*blocks rather than
// the true length; the stub takes the true length.
func (f *Flasher) FlashDeflWrite(image []byte, blockSize, offset uint32) error {
	if err := f.require(StateSynced); err != nil {
		return err
	}
	if blockSize == 0 {
		blockSize = protocol.FlashBlockSize
	}

	var zbuf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&zbuf, zlib.BestCompression)
	if err != nil {
		return fmt.Errorf("%w: deflate init: %v", ErrFatal, err)
	}
	if _, err := zw.Write(image); err != nil {
		return fmt.Errorf("%w: deflate: %v", ErrFatal, err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("%w: deflate: %v", ErrFatal, err)
	}
	compressed := zbuf.Bytes()
	blocks := (uint32(len(compressed)) + blockSize - 1) / blockSize

	uncompressedSize := uint32(len(image))
	if !f.isStub {
		uncompressedSize = blockSize * blocks
	}
	begin := protocol.FlashBeginData(uncompressedSize, blocks, blockSize, offset, f.encryptionPad())
	req := protocol.NewRequest(protocol.CmdFlashDeflBegin, begin)
	if _, err := f.command(req, sizeTimeout(len(image))); err != nil {
		return err
	}

	f.state = StateFlashing
	f.sink.Start()
	for seq := uint32(0); seq < blocks; seq++ {
		start := seq * blockSize
		end := start + blockSize
		if end > uint32(len(compressed)) {
			end = uint32(len(compressed))
		}
		chunk := compressed[start:end]

		dataReq := protocol.NewDataRequest(protocol.CmdFlashDeflData, protocol.BlockData(chunk, seq), chunk)
		if _, err := f.command(dataReq, defaultTimeout); err != nil {
			return fmt.Errorf("compressed block %d/%d: %w", seq, blocks, err)
		}
		f.sink.Progress(float64(seq+1) / float64(blocks) * 100)
	}
	f.sink.End()
	return nil
}

// endCommand writes a terminator and tolerates a missing reply: the chip
// may reset before answering.
func (f *Flasher) endCommand(cmd byte, stayInLoader bool) error {
	req := protocol.NewRequest(cmd, protocol.FlashEndData(stayInLoader))
	if err := f.send(req); err != nil {
		return err
	}
	f.readResponse(cmd, syncTimeout)
	return nil
}

// EndFlash terminates a raw write session. With stayInLoader false the
// chip reboots into the written image.
func (f *Flasher) EndFlash(stayInLoader bool) error {
	return f.endCommand(protocol.CmdFlashEnd, stayInLoader)
}

// EndDeflFlash terminates a compressed write session.
func (f *Flasher) EndDeflFlash(stayInLoader bool) error {
	return f.endCommand(protocol.CmdFlashDeflEnd, stayInLoader)
}

// SoftReset restarts the application without touching the control lines.
// Only the ESP8266 ROM supports it.
func (f *Flasher) SoftReset() error {
	if f.chip != chip.ESP8266 {
		return fmt.Errorf("%w: soft reset is supported on ESP8266 only", ErrInvalidState)
	}
	begin := protocol.FlashBeginData(0, 0, 0, 0, false)
	if _, err := f.command(protocol.NewRequest(protocol.CmdFlashBegin, begin), defaultTimeout); err != nil {
		return err
	}
	return f.EndFlash(false)
}
