package compression

import (
	"io"

	"github.com/golang/snappy"
)

// StreamWriter is a snappy framed writer that reports how many compressed
// bytes reached the underlying writer.
type StreamWriter struct {
	sw      *snappy.Writer
	counter *byteCounter
}

func NewStreamWriter(w io.Writer) *StreamWriter {
	counter := &byteCounter{w: w}
	return &StreamWriter{sw: snappy.NewBufferedWriter(counter), counter: counter}
}

func (s *StreamWriter) Write(p []byte) (int, error) {
	return s.sw.Write(p)
}

// Close flushes pending frames. It does not close the underlying writer.
func (s *StreamWriter) Close() error {
	return s.sw.Close()
}

// Written is the number of compressed bytes emitted so far.
func (s *StreamWriter) Written() int64 {
	return s.counter.Count()
}

// NewStreamReader decodes a stream produced by StreamWriter.
func NewStreamReader(r io.Reader) io.Reader {
	return snappy.NewReader(r)
}
