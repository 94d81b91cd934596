// Package protocol implements the Espressif serial bootloader wire format:
// little-endian command packets, response parsing with the ROM/stub status
// duality, payload builders per opcode and the XOR data checksum.
package protocol

import (
	"encoding/binary"
	"fmt"
)

// View selects how response status bytes are interpreted. The ROM
// bootloader terminates responses with four bytes [status errCode 0 0];
// the stub loader with two bytes in the reverse sense. The view is chosen
// once, when the stub takes over, not per call site.
type View int

const (
	ViewROM View = iota
	ViewStub
)

func (v View) String() string {
	if v == ViewStub {
		return "stub"
	}
	return "rom"
}

// statusLen is the number of trailing status bytes in a response body.
func (v View) statusLen() int {
	if v == ViewStub {
		return 2
	}
	return 4
}

// Request is a command packet before SLIP framing.
type Request struct {
	Command  byte
	Data     []byte
	Checksum uint32
}

// NewRequest builds a request with a zero checksum word. Only the data
// commands (FLASH_DATA, MEM_DATA, FLASH_DEFL_DATA) carry a real checksum;
// use NewDataRequest for those.
func NewRequest(cmd byte, data []byte) *Request {
	return &Request{Command: cmd, Data: data}
}

// NewDataRequest builds a request whose checksum word is the XOR checksum
// of chunk, the raw bytes carried after the 16-byte data header.
func NewDataRequest(cmd byte, data, chunk []byte) *Request {
	return &Request{Command: cmd, Data: data, Checksum: Checksum(chunk)}
}

// Encode serializes the request:
// [dir=0x00][opcode][len u16 LE][checksum u32 LE][data...]
func (r *Request) Encode() []byte {
	pkt := make([]byte, 8+len(r.Data))
	pkt[0] = DirRequest
	pkt[1] = r.Command
	binary.LittleEndian.PutUint16(pkt[2:4], uint16(len(r.Data)))
	binary.LittleEndian.PutUint32(pkt[4:8], r.Checksum)
	copy(pkt[8:], r.Data)
	return pkt
}

// Response is a parsed bootloader response.
type Response struct {
	Command byte
	Value   uint32
	Body    []byte // payload with the trailing status bytes stripped
	Status  byte
	ErrCode byte
	View    View
}

// ParseResponse decodes a response packet (after SLIP decoding):
// [dir=0x01][opcode][len u16 LE][value u32 LE][payload...]
// The trailing status bytes are interpreted per view.
func ParseResponse(data []byte, view View) (*Response, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("response too short: %d bytes", len(data))
	}
	if data[0] != DirResponse {
		return nil, fmt.Errorf("invalid direction byte: 0x%02X", data[0])
	}

	size := int(binary.LittleEndian.Uint16(data[2:4]))
	if size > len(data)-8 {
		return nil, fmt.Errorf("payload size mismatch: header says %d, have %d", size, len(data)-8)
	}

	resp := &Response{
		Command: data[1],
		Value:   binary.LittleEndian.Uint32(data[4:8]),
		View:    view,
	}

	body := data[8 : 8+size]
	n := view.statusLen()
	if len(body) < n {
		return nil, fmt.Errorf("payload too short for %s status: %d bytes", view, len(body))
	}
	// ROM tail: [status][errCode][0][0], success when the first byte is
	// zero. Stub tail: [status][errCode], success when the second byte
	// is zero. Both start with the same two bytes; Success() applies
	// the view's sense.
	tail := body[len(body)-n:]
	resp.Body = body[:len(body)-n]
	resp.Status = tail[0]
	resp.ErrCode = tail[1]
	return resp, nil
}

// Success reports whether the responder accepted the command.
func (r *Response) Success() bool {
	if r.View == ViewStub {
		return r.ErrCode == 0
	}
	return r.Status == 0
}

// ErrorString renders the failure status with the responder's error table.
func (r *Response) ErrorString() string {
	if r.Success() {
		return ""
	}
	return fmt.Sprintf("status=0x%02X error=0x%02X (%s)",
		r.Status, r.ErrCode, ErrorMessage(r.View, r.ErrCode))
}
