package supervisor

import (
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"testing/iotest"

	"github.com/core-tools/hsu-appshell/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type outputRecorder struct {
	mutex sync.Mutex
	lines []string
}

func (r *outputRecorder) record(stream Stream, line string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.lines = append(r.lines, string(stream)+": "+line)
}

func (r *outputRecorder) list() []string {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]string(nil), r.lines...)
}

// startingSupervisor returns a supervisor that owns h in the Starting state
// without spawning anything.
func startingSupervisor(options Options) (*Supervisor, *ProcessHandle) {
	s := New(options, logging.NewNopLogger())
	h := &ProcessHandle{
		ID:    "run-1",
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
	s.handle = h
	s.state = StateStarting
	return s, h
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestReadStream_MarkerDetection(t *testing.T) {
	tests := []struct {
		name   string
		stream Stream
		reader func(data string) io.Reader
		data   string
		ready  bool
	}{
		{"line", StreamStdout, plainReader, " * Running on http://127.0.0.1:5000/\n", true},
		{"unterminated", StreamStdout, plainReader, " * Running on http://127.0.0.1:5000", true},
		{"split_across_reads", StreamStdout, oneByteReader, "boot\n * Running on http://127.0.0.1:5000", true},
		{"inside_longer_output", StreamStdout, halfReader, "a\nb\nServing * Running on http://x now\nc", true},
		{"partial_marker", StreamStdout, oneByteReader, " * Running on http", false},
		{"stderr_ignored", StreamStderr, plainReader, " * Running on http://127.0.0.1:5000\n", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, h := startingSupervisor(Options{})

			s.readStream(h, tt.stream, tt.reader(tt.data))

			assert.Equal(t, tt.ready, isClosed(h.Ready()))
			if tt.ready {
				assert.Equal(t, StateRunning, s.State())
			} else {
				assert.Equal(t, StateStarting, s.State())
			}
		})
	}
}

func plainReader(data string) io.Reader   { return strings.NewReader(data) }
func oneByteReader(data string) io.Reader { return iotest.OneByteReader(strings.NewReader(data)) }
func halfReader(data string) io.Reader    { return iotest.HalfReader(strings.NewReader(data)) }

func TestReadStream_OversizedLineThenMarker(t *testing.T) {
	rec := &outputRecorder{}
	s, h := startingSupervisor(Options{OnOutput: rec.record})

	long := strings.Repeat("x", maxLineSize+10)
	data := long + "\n * Running on http://127.0.0.1:5000\nafter\n"
	s.readStream(h, StreamStdout, strings.NewReader(data))

	assert.True(t, isClosed(h.Ready()))
	assert.Equal(t, StateRunning, s.State())

	lines := rec.list()
	require.Len(t, lines, 4)
	assert.Equal(t, "stdout: "+long[:maxLineSize], lines[0])
	assert.Equal(t, "stdout: xxxxxxxxxx", lines[1])
	assert.Equal(t, "stdout:  * Running on http://127.0.0.1:5000", lines[2])
	assert.Equal(t, "stdout: after", lines[3])
}

func TestReadStream_ReadErrorFlushesPendingLine(t *testing.T) {
	rec := &outputRecorder{}
	s, h := startingSupervisor(Options{OnOutput: rec.record})

	r := io.MultiReader(strings.NewReader("partial"), iotest.ErrReader(errors.New("pipe broken")))
	s.readStream(h, StreamStderr, r)

	assert.Equal(t, []string{"stderr: partial"}, rec.list())
}

func TestLineSplitter(t *testing.T) {
	tests := []struct {
		name     string
		chunks   []string
		max      int
		expected []string
	}{
		{"single", []string{"one\n"}, 0, []string{"one"}},
		{"crlf", []string{"one\r\ntwo\r\n"}, 0, []string{"one", "two"}},
		{"split_line", []string{"on", "e\ntw", "o\n"}, 0, []string{"one", "two"}},
		{"empty_lines", []string{"\n\n"}, 0, []string{"", ""}},
		{"unterminated_tail", []string{"one\ntwo"}, 0, []string{"one", "two"}},
		{"exactly_max", []string{"abcd\n"}, 4, []string{"abcd"}},
		{"over_max", []string{"abcdefghij\n"}, 4, []string{"abcd", "efgh", "ij"}},
		{"over_max_across_chunks", []string{"abc", "def", "g\nz\n"}, 4, []string{"abcd", "efg", "z"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			l := &lineSplitter{max: tt.max, emit: func(line string) { got = append(got, line) }}
			for _, chunk := range tt.chunks {
				l.write([]byte(chunk))
			}
			l.flush()
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestMarkerMatcher(t *testing.T) {
	m := newMarkerMatcher("Running on http://")

	assert.False(t, m.match([]byte("boot ok\n * Runn")))
	assert.False(t, m.match([]byte("ing on ht")))
	assert.True(t, m.match([]byte("tp://127.0.0.1:5000")))

	m = newMarkerMatcher("Running on http://")
	for _, c := range []byte("xxRunning on http:/") {
		assert.False(t, m.match([]byte{c}))
	}
	assert.True(t, m.match([]byte("/")))
}
