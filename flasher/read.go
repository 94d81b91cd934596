package flasher

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/dkaukov/esp32-flash/protocol"
	"github.com/dkaukov/esp32-flash/slip"
)

// ReadFlash reads length bytes of flash starting at offset. Stub only.
// The stub streams raw data frames; after each one the host acknowledges
// with the cumulative byte count, SLIP-encoded directly rather than
// wrapped as a command. The final frame carries the MD5 of the whole
// range and is verified before the data is returned.
func (f *Flasher) ReadFlash(offset, length uint32) ([]byte, error) {
	if err := f.requireStub("READ_FLASH"); err != nil {
		return nil, err
	}

	req := protocol.NewRequest(protocol.CmdReadFlash,
		protocol.ReadFlashData(offset, length, protocol.ReadBlockSize, readInFlight))
	if err := f.send(req); err != nil {
		return nil, err
	}

	f.sink.Start()
	data := make([]byte, 0, length)
	deadline := time.Now().Add(sizeTimeout(int(length)))
	for uint32(len(data)) < length {
		frame, err := f.readFrame(deadline)
		if err != nil {
			if err == ErrTimeout {
				return nil, fmt.Errorf("%w: flash read stalled at %d/%d bytes", ErrTimeout, len(data), length)
			}
			return nil, err
		}
		data = append(data, frame...)

		ack := make([]byte, 4)
		binary.LittleEndian.PutUint32(ack, uint32(len(data)))
		if _, err := f.port.Write(slip.Encode(ack)); err != nil {
			return nil, fmt.Errorf("%w: read ack: %v", ErrTransport, err)
		}
		f.sink.Progress(float64(len(data)) / float64(length) * 100)
	}
	if uint32(len(data)) > length {
		return nil, fmt.Errorf("%w: read overrun: got %d bytes, want %d", ErrFatal, len(data), length)
	}

	sum, err := f.readFrame(deadline)
	if err != nil {
		return nil, err
	}
	if len(sum) != md5.Size {
		return nil, fmt.Errorf("%w: bad digest frame length %d", ErrFatal, len(sum))
	}
	want := md5.Sum(data)
	if !strings.EqualFold(hex.EncodeToString(sum), hex.EncodeToString(want[:])) {
		return nil, fmt.Errorf("%w: flash read digest mismatch: got %x, want %x", ErrFatal, sum, want)
	}
	f.sink.End()
	return data, nil
}

// Md5Verify checks that flash at offset holds exactly image. The stub
// answers with 16 raw digest bytes, the ROM with 32 hex characters; both
// are normalized to lowercase hex before comparison.
func (f *Flasher) Md5Verify(image []byte, offset uint32) error {
	if err := f.require(StateSynced); err != nil {
		return err
	}

	req := protocol.NewRequest(protocol.CmdSpiFlashMD5, protocol.FlashMD5Data(offset, uint32(len(image))))
	resp, err := f.command(req, sizeTimeout(len(image)))
	if err != nil {
		return err
	}

	var got string
	switch {
	case len(resp.Body) >= md5.Size*2:
		got = strings.ToLower(string(resp.Body[:md5.Size*2]))
	case len(resp.Body) >= md5.Size:
		got = hex.EncodeToString(resp.Body[:md5.Size])
	default:
		return fmt.Errorf("%w: bad MD5 response length %d", ErrFatal, len(resp.Body))
	}

	sum := md5.Sum(image)
	want := hex.EncodeToString(sum[:])
	if got != want {
		return fmt.Errorf("%w: MD5 mismatch at 0x%X: flash %s, image %s", ErrFatal, offset, got, want)
	}
	f.sink.Info(fmt.Sprintf("MD5 verified (%d bytes at 0x%X)", len(image), offset))
	return nil
}

// EraseFlash wipes the entire flash chip. Stub only.
func (f *Flasher) EraseFlash() error {
	if err := f.requireStub("ERASE_FLASH"); err != nil {
		return err
	}
	_, err := f.command(protocol.NewRequest(protocol.CmdEraseFlash, nil), chipEraseFactor*perMiBTimeout)
	return err
}

// EraseRegion wipes size bytes of flash starting at offset. Stub only.
func (f *Flasher) EraseRegion(offset, size uint32) error {
	if err := f.requireStub("ERASE_REGION"); err != nil {
		return err
	}
	_, err := f.command(protocol.NewRequest(protocol.CmdEraseRegion, protocol.EraseRegionData(offset, size)),
		sizeTimeout(int(size)))
	return err
}
