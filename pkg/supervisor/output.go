package supervisor

import (
	"bytes"
	"io"
)

const (
	readChunkSize = 32 * 1024

	// Longer lines are delivered in pieces of this size
	maxLineSize = 1024 * 1024
)

// readStream consumes one of the child's pipes until EOF. The startup marker
// is matched on the raw bytes, so it is found even when it is not followed by
// a newline or spans two reads. Lines go to the logger and OnOutput.
func (s *Supervisor) readStream(h *ProcessHandle, stream Stream, r io.Reader) {
	var marker *markerMatcher
	if stream == StreamStdout {
		marker = newMarkerMatcher(s.options.ReadyMarker)
	}
	lines := &lineSplitter{
		max:  maxLineSize,
		emit: func(line string) { s.emitLine(stream, line) },
	}

	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			lines.write(chunk)
			if marker != nil && marker.match(chunk) {
				s.markReady(h)
				marker = nil
			}
		}
		if err != nil {
			lines.flush()
			if err != io.EOF {
				s.logger.Warnf("Error reading server %s, run: %s, error: %v", stream, h.ID, err)
			}
			return
		}
	}
}

func (s *Supervisor) emitLine(stream Stream, line string) {
	if stream == StreamStdout {
		s.logger.Infof("Server stdout: %s", line)
	} else {
		s.logger.Warnf("Server stderr: %s", line)
	}
	if s.options.OnOutput != nil {
		s.options.OnOutput(stream, line)
	}
}

// markerMatcher finds a marker in a stream of chunks. It keeps the last
// len(marker)-1 bytes seen so a marker split across chunks still matches.
type markerMatcher struct {
	marker []byte
	tail   []byte
}

func newMarkerMatcher(marker string) *markerMatcher {
	return &markerMatcher{marker: []byte(marker)}
}

func (m *markerMatcher) match(chunk []byte) bool {
	window := append(m.tail, chunk...)
	if bytes.Contains(window, m.marker) {
		m.tail = nil
		return true
	}

	keep := len(m.marker) - 1
	if keep > len(window) {
		keep = len(window)
	}
	m.tail = append(m.tail[:0:0], window[len(window)-keep:]...)
	return false
}

// lineSplitter turns chunks into lines without the trailing "\n" or "\r\n".
// A line longer than max bytes is emitted in max-sized pieces.
type lineSplitter struct {
	max     int
	pending []byte
	emit    func(line string)
}

func (l *lineSplitter) write(chunk []byte) {
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			l.pending = append(l.pending, chunk...)
			l.spill()
			return
		}
		l.pending = append(l.pending, chunk[:i]...)
		chunk = chunk[i+1:]
		l.spill()
		l.emitPending(true)
	}
}

// spill emits max-sized pieces of an overlong pending line
func (l *lineSplitter) spill() {
	for l.max > 0 && len(l.pending) > l.max {
		l.emit(string(l.pending[:l.max]))
		l.pending = append(l.pending[:0], l.pending[l.max:]...)
	}
}

func (l *lineSplitter) emitPending(terminated bool) {
	line := l.pending
	if terminated {
		line = bytes.TrimSuffix(line, []byte{'\r'})
	}
	l.emit(string(line))
	l.pending = l.pending[:0]
}

// flush emits a final unterminated line
func (l *lineSplitter) flush() {
	if len(l.pending) > 0 {
		l.emitPending(false)
	}
}
