package trace

import (
	"bytes"
	"fmt"
	"io"
	"time"
)

// readDelayScale stretches recorded inter-frame gaps on replay. Slightly
// over real time keeps replays from outrunning the engine's deadline
// handling; 1.1 was chosen empirically.
const readDelayScale = 1.1

// Player serves a recorded trace as a transport.Port. Writes and
// control-line changes are asserted byte-exact against the recording;
// reads are fed from the recorded device frames with a delay proportional
// to the recorded inter-frame gap. Any divergence is sticky: the first
// mismatch fails every subsequent call.
type Player struct {
	entries []Entry
	next    int
	offset  int // read offset into the current entry
	lastAt  time.Duration
	err     error
}

// NewPlayer builds a Player over parsed entries.
func NewPlayer(entries []Entry) *Player {
	return &Player{entries: entries}
}

// Load parses a trace document and builds a Player for it.
func Load(r io.Reader) (*Player, error) {
	entries, err := Parse(r)
	if err != nil {
		return nil, err
	}
	return NewPlayer(entries), nil
}

func (p *Player) fail(format string, args ...any) error {
	if p.err == nil {
		p.err = fmt.Errorf(format, args...)
	}
	return p.err
}

// Err returns the first divergence between the engine and the recording.
func (p *Player) Err() error {
	return p.err
}

// Done verifies the whole trace has been consumed.
func (p *Player) Done() error {
	if p.err != nil {
		return p.err
	}
	if p.next < len(p.entries) {
		return fmt.Errorf("trace not fully consumed: %d of %d records replayed", p.next, len(p.entries))
	}
	return nil
}

func (p *Player) Write(buf []byte) (int, error) {
	if p.err != nil {
		return 0, p.err
	}
	if p.next >= len(p.entries) {
		return 0, p.fail("unexpected write past end of trace: % X", buf)
	}
	e := p.entries[p.next]
	if e.Kind != KindWrite {
		return 0, p.fail("record %d: unexpected write, trace expects %v", p.next, e.Kind)
	}
	if !bytes.Equal(buf, e.Data) {
		return 0, p.fail("record %d: write mismatch:\n  got  % X\n  want % X", p.next, buf, e.Data)
	}
	p.advance()
	return len(buf), nil
}

func (p *Player) Read(buf []byte) (int, error) {
	if p.err != nil {
		return 0, p.err
	}
	if p.next >= len(p.entries) || p.entries[p.next].Kind != KindRead {
		// The engine polls while the recorded device was quiet, e.g.
		// the drain phase after sync. Report no-data-yet.
		time.Sleep(time.Millisecond)
		return 0, nil
	}

	e := p.entries[p.next]
	if p.offset == 0 {
		if gap := e.At - p.lastAt; gap > 0 {
			time.Sleep(time.Duration(float64(gap) * readDelayScale))
		}
	}

	n := copy(buf, e.Data[p.offset:])
	p.offset += n
	if p.offset >= len(e.Data) {
		p.advance()
	}
	return n, nil
}

func (p *Player) SetControlLines(dtr, rts bool) error {
	if p.err != nil {
		return p.err
	}
	if p.next >= len(p.entries) {
		return p.fail("unexpected control-line change past end of trace: DTR=%t RTS=%t", dtr, rts)
	}
	e := p.entries[p.next]
	if e.Kind != KindControl {
		return p.fail("record %d: unexpected control-line change, trace expects %v", p.next, e.Kind)
	}
	if e.DTR != dtr || e.RTS != rts {
		return p.fail("record %d: control-line mismatch: got DTR=%t RTS=%t, want DTR=%t RTS=%t",
			p.next, dtr, rts, e.DTR, e.RTS)
	}
	p.advance()
	return nil
}

func (p *Player) advance() {
	p.lastAt = p.entries[p.next].At
	p.next++
	p.offset = 0
}

func (k Kind) String() string {
	switch k {
	case KindWrite:
		return ">>>>"
	case KindRead:
		return "<<<<"
	default:
		return "SET_CONTROL_LINES"
	}
}
