package squashfs

import (
	"io"

	"github.com/orcaman/writerseeker"
)

// Sink is the abstract byte-addressable output of a SquashFS image: the
// serializer only ever needs to place bytes at an absolute offset and learn
// the current high-water mark, never to stream sequentially.
type Sink interface {
	WriteAt(p []byte, off int64) (int, error)
	Size() int64
	Close() error
}

// fileSink backs a Sink directly with an io.WriterAt (an *os.File, or
// anything equivalent) and reports as its size the highest offset written
// so far; writes land straight on the destination with no buffering.
type fileSink struct {
	w    io.WriterAt
	c    io.Closer
	size int64
}

// NewFileSink wraps a seekable, pre-sized destination (typically an
// *os.File opened for writing) as a Sink. c may be nil if the caller wants
// to retain ownership of closing w.
func NewFileSink(w io.WriterAt, c io.Closer) Sink {
	return &fileSink{w: w, c: c}
}

func (s *fileSink) WriteAt(p []byte, off int64) (int, error) {
	n, err := s.w.WriteAt(p, off)
	if end := off + int64(n); end > s.size {
		s.size = end
	}
	return n, err
}

func (s *fileSink) Size() int64 {
	return s.size
}

func (s *fileSink) Close() error {
	if s.c == nil {
		return nil
	}
	return s.c.Close()
}

// memSink backs a Sink with an in-memory, growable buffer via writerseeker,
// for destinations that are not directly seekable (a pipe, stdout, a network
// stream) or for tests that want the finished image as a byte slice.
// writerseeker only implements io.Writer/io.Seeker, so WriteAt is synthesized
// with a seek-then-write pair; callers never interleave writes from more
// than one goroutine against the same Sink.
type memSink struct {
	ws   writerseeker.WriterSeeker
	size int64
}

// NewMemSink returns a Sink that accumulates the image in memory. Bytes()
// returns the final image once all writes are done.
func NewMemSink() *memSink {
	return &memSink{}
}

func (s *memSink) WriteAt(p []byte, off int64) (int, error) {
	if _, err := s.ws.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	n, err := s.ws.Write(p)
	if end := off + int64(n); end > s.size {
		s.size = end
	}
	return n, err
}

func (s *memSink) Size() int64 {
	return s.size
}

func (s *memSink) Close() error {
	return nil
}

// Bytes drains the accumulated image. Only valid after all writes complete.
func (s *memSink) Bytes() ([]byte, error) {
	return io.ReadAll(s.ws.BytesReader())
}
