package trace

import (
	"fmt"
	"io"
	"time"

	"github.com/dkaukov/esp32-flash/slip"
	"github.com/dkaukov/esp32-flash/transport"
)

// Recorder wraps a live port and appends one trace line per SLIP frame
// crossing it in either direction, plus every control-line change.
// Inbound bytes are buffered until a complete frame has arrived, so a
// record always holds a whole frame regardless of how the engine sizes
// its reads.
type Recorder struct {
	port    transport.Port
	out     io.Writer
	started time.Time
	pending []byte
}

// NewRecorder starts recording exchanges on port to out.
func NewRecorder(port transport.Port, out io.Writer) *Recorder {
	return &Recorder{port: port, out: out}
}

func (r *Recorder) stamp() time.Duration {
	if r.started.IsZero() {
		r.started = time.Now()
	}
	return time.Since(r.started)
}

func (r *Recorder) emit(e Entry) {
	fmt.Fprintln(r.out, e.Format())
}

func (r *Recorder) Write(p []byte) (int, error) {
	n, err := r.port.Write(p)
	if n > 0 {
		r.emit(Entry{At: r.stamp(), Kind: KindWrite, Data: append([]byte(nil), p[:n]...)})
	}
	return n, err
}

func (r *Recorder) Read(p []byte) (int, error) {
	n, err := r.port.Read(p)
	if n > 0 {
		r.pending = append(r.pending, p[:n]...)
		r.flushFrames()
	}
	return n, err
}

// flushFrames logs every complete frame sitting in the pending buffer.
func (r *Recorder) flushFrames() {
	for {
		start := -1
		for i, b := range r.pending {
			if b == slip.End {
				start = i
				break
			}
		}
		if start < 0 {
			r.pending = r.pending[:0]
			return
		}

		// Find the closing delimiter after at least one payload byte.
		end := -1
		for i := start + 1; i < len(r.pending); i++ {
			if r.pending[i] != slip.End {
				continue
			}
			if i > start+1 {
				end = i
				break
			}
			start = i
		}
		if end < 0 {
			// Incomplete frame; keep from the opener on.
			r.pending = append(r.pending[:0], r.pending[start:]...)
			return
		}

		frame := append([]byte(nil), r.pending[start:end+1]...)
		r.emit(Entry{At: r.stamp(), Kind: KindRead, Data: frame})
		r.pending = append(r.pending[:0], r.pending[end+1:]...)
	}
}

func (r *Recorder) SetControlLines(dtr, rts bool) error {
	err := r.port.SetControlLines(dtr, rts)
	if err == nil {
		r.emit(Entry{At: r.stamp(), Kind: KindControl, DTR: dtr, RTS: rts})
	}
	return err
}

func (r *Recorder) ReadBufferSize() int {
	return transport.ReadBufferSize(r.port)
}
