package flasher

import (
	"crypto/md5"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkaukov/esp32-flash/chip"
	"github.com/dkaukov/esp32-flash/protocol"
	"github.com/dkaukov/esp32-flash/slip"
	"github.com/dkaukov/esp32-flash/trace"
)

// reqFrame renders the exact bytes the engine puts on the wire for req.
func reqFrame(req *protocol.Request) []byte {
	return slip.Encode(req.Encode())
}

// respPacket builds a response with the given status tail, SLIP-framed.
func respPacket(cmd byte, value uint32, body, tail []byte) []byte {
	pkt := make([]byte, 8+len(body)+len(tail))
	pkt[0] = protocol.DirResponse
	pkt[1] = cmd
	binary.LittleEndian.PutUint16(pkt[2:4], uint16(len(body)+len(tail)))
	binary.LittleEndian.PutUint32(pkt[4:8], value)
	copy(pkt[8:], body)
	copy(pkt[8+len(body):], tail)
	return slip.Encode(pkt)
}

func romResp(cmd byte, value uint32, body []byte) []byte {
	return respPacket(cmd, value, body, []byte{0x00, 0x00, 0x00, 0x00})
}

func romError(cmd byte, code byte) []byte {
	return respPacket(cmd, 0, nil, []byte{0x01, code, 0x00, 0x00})
}

func stubResp(cmd byte, value uint32, body []byte) []byte {
	return respPacket(cmd, value, body, []byte{0x00, 0x00})
}

func write(data []byte) trace.Entry {
	return trace.Entry{Kind: trace.KindWrite, Data: data}
}

func read(data []byte) trace.Entry {
	return trace.Entry{Kind: trace.KindRead, Data: data}
}

func control(dtr, rts bool) trace.Entry {
	return trace.Entry{Kind: trace.KindControl, DTR: dtr, RTS: rts}
}

// recordSink captures progress events for assertions.
type recordSink struct {
	started  bool
	ended    bool
	percents []float64
	infos    []string
}

func (s *recordSink) Start()             { s.started = true }
func (s *recordSink) Progress(p float64) { s.percents = append(s.percents, p) }
func (s *recordSink) End()               { s.ended = true }
func (s *recordSink) Info(text string)   { s.infos = append(s.infos, text) }

func syncFrame() []byte {
	return reqFrame(protocol.NewRequest(protocol.CmdSync, protocol.SyncData()))
}

func TestEnterBootloader_ControlSequence(t *testing.T) {
	p := trace.NewPlayer([]trace.Entry{
		control(true, false),
		control(false, true),
		control(true, false),
	})
	f := New(p)
	require.NoError(t, f.EnterBootloader())
	assert.Equal(t, StateBootloader, f.State())
	require.NoError(t, p.Done())
}

func TestReset_ControlSequence(t *testing.T) {
	p := trace.NewPlayer([]trace.Entry{
		control(false, false),
		control(false, true),
		control(false, false),
	})
	f := New(p)
	require.NoError(t, f.Reset())
	assert.Equal(t, StateReset, f.State())
	require.NoError(t, p.Done())
}

func TestSync_Succeeds(t *testing.T) {
	p := trace.NewPlayer([]trace.Entry{
		write(syncFrame()),
		read(romResp(protocol.CmdSync, 0, nil)),
	})
	f := New(p)
	f.state = StateBootloader

	require.NoError(t, f.Sync())
	assert.Equal(t, StateSynced, f.State())
	require.NoError(t, p.Done())
}

func TestSync_DrainsPipelinedEchoes(t *testing.T) {
	// The ROM answers every buffered SYNC; the engine must swallow the
	// echoes before returning.
	p := trace.NewPlayer([]trace.Entry{
		write(syncFrame()),
		read(romResp(protocol.CmdSync, 0, nil)),
		read(romResp(protocol.CmdSync, 0, nil)),
		read(romResp(protocol.CmdSync, 0, nil)),
	})
	f := New(p)
	f.state = StateBootloader

	require.NoError(t, f.Sync())
	require.NoError(t, p.Done())
}

func TestSync_RetriesUntilResponse(t *testing.T) {
	p := trace.NewPlayer([]trace.Entry{
		write(syncFrame()),
		write(syncFrame()),
		write(syncFrame()),
		read(romResp(protocol.CmdSync, 0, nil)),
	})
	f := New(p)
	f.state = StateBootloader

	require.NoError(t, f.Sync())
	require.NoError(t, p.Done())
}

func TestSync_FailsAfterAllAttempts(t *testing.T) {
	entries := make([]trace.Entry, syncAttempts)
	for i := range entries {
		entries[i] = write(syncFrame())
	}
	p := trace.NewPlayer(entries)
	f := New(p)
	f.state = StateBootloader

	err := f.Sync()
	require.ErrorIs(t, err, ErrSyncFailed)
	require.NoError(t, p.Done())
}

func TestDetectChip_ESP32(t *testing.T) {
	readReg := reqFrame(protocol.NewRequest(protocol.CmdReadReg, protocol.ReadRegData(protocol.ChipMagicRegister)))
	p := trace.NewPlayer([]trace.Entry{
		write(readReg),
		read(romResp(protocol.CmdReadReg, 0x00F01D83, nil)),
	})
	f := New(p)
	f.state = StateSynced

	c, err := f.DetectChip()
	require.NoError(t, err)
	assert.Equal(t, chip.ESP32, c)
	assert.Equal(t, chip.ESP32, f.Chip())
	assert.Equal(t, StateChipDetected, f.State())
	require.NoError(t, p.Done())
}

func TestDetectChip_UnknownMagic(t *testing.T) {
	readReg := reqFrame(protocol.NewRequest(protocol.CmdReadReg, protocol.ReadRegData(protocol.ChipMagicRegister)))
	p := trace.NewPlayer([]trace.Entry{
		write(readReg),
		read(romResp(protocol.CmdReadReg, 0xDEADBEEF, nil)),
	})
	f := New(p)
	f.state = StateSynced

	_, err := f.DetectChip()
	require.ErrorIs(t, err, ErrFatal)
	assert.Contains(t, err.Error(), "unknown chip magic")
}

func TestDetectChip_RequiresSync(t *testing.T) {
	f := New(trace.NewPlayer(nil))
	_, err := f.DetectChip()
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestSync_IgnoresStaleFrames(t *testing.T) {
	// A leftover frame with another opcode must be discarded, not
	// mistaken for the SYNC acknowledgment.
	p := trace.NewPlayer([]trace.Entry{
		write(syncFrame()),
		read(romResp(protocol.CmdReadReg, 0, nil)),
		read(romResp(protocol.CmdSync, 0, nil)),
	})
	f := New(p)
	f.state = StateBootloader

	require.NoError(t, f.Sync())
	require.NoError(t, p.Done())
}

func TestCommand_ChipErrorStatus(t *testing.T) {
	req := protocol.NewRequest(protocol.CmdSpiAttach, protocol.SpiAttachData())
	p := trace.NewPlayer([]trace.Entry{
		write(reqFrame(req)),
		read(romError(protocol.CmdSpiAttach, protocol.ErrFailedToAct)),
	})
	f := New(p)
	f.state = StateSynced

	err := f.SpiAttach()
	require.ErrorIs(t, err, ErrFatal)
	assert.Contains(t, err.Error(), "failed to act")
}

func TestChangeBaudRate(t *testing.T) {
	req := protocol.NewRequest(protocol.CmdChangeBaudRate, protocol.ChangeBaudRateData(921600))
	p := trace.NewPlayer([]trace.Entry{
		write(reqFrame(req)),
		read(romResp(protocol.CmdChangeBaudRate, 0, nil)),
	})
	f := New(p)
	f.state = StateSynced

	require.NoError(t, f.ChangeBaudRate(921600))
	require.NoError(t, p.Done())
}

func TestChangeBaudRate_RequiresSync(t *testing.T) {
	f := New(trace.NewPlayer(nil))
	f.state = StateBootloader
	require.ErrorIs(t, f.ChangeBaudRate(921600), ErrInvalidState)
}

func TestSetFlashSize(t *testing.T) {
	req := protocol.NewRequest(protocol.CmdSpiSetParams, protocol.SpiSetParamsData(16*1024*1024))
	p := trace.NewPlayer([]trace.Entry{
		write(reqFrame(req)),
		read(romResp(protocol.CmdSpiSetParams, 0, nil)),
	})
	f := New(p)
	f.state = StateSynced

	require.NoError(t, f.SetFlashSize(16*1024*1024))
	require.NoError(t, p.Done())
}

func TestMd5Verify_StubRawDigest(t *testing.T) {
	image := make([]byte, 1024)
	sum := md5.Sum(image)

	req := protocol.NewRequest(protocol.CmdSpiFlashMD5, protocol.FlashMD5Data(0, 1024))
	p := trace.NewPlayer([]trace.Entry{
		write(reqFrame(req)),
		read(stubResp(protocol.CmdSpiFlashMD5, 0, sum[:])),
	})
	f := New(p)
	f.state = StateStubReady
	f.isStub = true
	f.view = protocol.ViewStub

	require.NoError(t, f.Md5Verify(image, 0))
	require.NoError(t, p.Done())
}

func TestMd5Verify_ROMHexDigest(t *testing.T) {
	image := make([]byte, 1024)
	// ROM replies with 32 ASCII hex characters instead of raw bytes.
	hexDigest := []byte("0f343b0931126a20f133d67c2b018a3b")

	req := protocol.NewRequest(protocol.CmdSpiFlashMD5, protocol.FlashMD5Data(0, 1024))
	p := trace.NewPlayer([]trace.Entry{
		write(reqFrame(req)),
		read(romResp(protocol.CmdSpiFlashMD5, 0, hexDigest)),
	})
	f := New(p)
	f.state = StateSynced

	require.NoError(t, f.Md5Verify(image, 0))
	require.NoError(t, p.Done())
}

func TestMd5Verify_Mismatch(t *testing.T) {
	image := make([]byte, 1024)
	wrong := md5.Sum([]byte("something else"))

	req := protocol.NewRequest(protocol.CmdSpiFlashMD5, protocol.FlashMD5Data(0, 1024))
	p := trace.NewPlayer([]trace.Entry{
		write(reqFrame(req)),
		read(stubResp(protocol.CmdSpiFlashMD5, 0, wrong[:])),
	})
	f := New(p)
	f.state = StateStubReady
	f.isStub = true
	f.view = protocol.ViewStub

	err := f.Md5Verify(image, 0)
	require.ErrorIs(t, err, ErrFatal)
	assert.Contains(t, err.Error(), "MD5 mismatch")
}

func TestEraseFlash_RequiresStub(t *testing.T) {
	f := New(trace.NewPlayer(nil))
	f.state = StateSynced
	require.ErrorIs(t, f.EraseFlash(), ErrInvalidState)
}

func TestEraseRegion(t *testing.T) {
	req := protocol.NewRequest(protocol.CmdEraseRegion, protocol.EraseRegionData(0x10000, 0x1000))
	p := trace.NewPlayer([]trace.Entry{
		write(reqFrame(req)),
		read(stubResp(protocol.CmdEraseRegion, 0, nil)),
	})
	f := New(p)
	f.state = StateStubReady
	f.isStub = true
	f.view = protocol.ViewStub

	require.NoError(t, f.EraseRegion(0x10000, 0x1000))
	require.NoError(t, p.Done())
}

func TestSoftReset_NonESP8266(t *testing.T) {
	f := New(trace.NewPlayer(nil))
	f.chip = chip.ESP32
	require.ErrorIs(t, f.SoftReset(), ErrInvalidState)
}

func TestEndFlash_ToleratesMissingReply(t *testing.T) {
	req := protocol.NewRequest(protocol.CmdFlashEnd, protocol.FlashEndData(true))
	p := trace.NewPlayer([]trace.Entry{
		write(reqFrame(req)),
	})
	f := New(p)
	f.state = StateFlashing

	require.NoError(t, f.EndFlash(true))
	require.NoError(t, p.Done())
}

func TestRunUserCode_RequiresStub(t *testing.T) {
	f := New(trace.NewPlayer(nil))
	f.state = StateSynced
	require.ErrorIs(t, f.RunUserCode(), ErrInvalidState)
}

func TestRunUserCode(t *testing.T) {
	p := trace.NewPlayer([]trace.Entry{
		write(reqFrame(protocol.NewRequest(protocol.CmdRunUserCode, nil))),
	})
	f := New(p)
	f.state = StateStubReady
	f.isStub = true
	f.view = protocol.ViewStub

	require.NoError(t, f.RunUserCode())
	require.NoError(t, p.Done())
}
