package squashfs

import (
	"bytes"
	"io"

	"github.com/klauspost/pgzip"
)

// gzip is the default SquashFS compressor. pgzip parallelises the deflate
// itself, which pairs naturally with the concurrent data writer: each
// worker's compressor instance fans its own block out over pgzip's
// internal goroutine pool instead of blocking it.
func gzipCompress(buf []byte) ([]byte, error) {
	return gzipCompressLevel(buf, pgzip.DefaultCompression)
}

// gzipCompressLevel backs the --comp-extra "level=N" override (§6); pgzip
// accepts the same 1-9 scale as the stdlib compress/flate.
func gzipCompressLevel(buf []byte, level int) ([]byte, error) {
	var out bytes.Buffer
	w, err := pgzip.NewWriterLevel(&out, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(buf); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func init() {
	RegisterCompHandler(GZip, &CompHandler{
		Decompress: MakeDecompressorErr(func(r io.Reader) (io.ReadCloser, error) {
			return pgzip.NewReader(r)
		}),
		Compress:      gzipCompress,
		CompressLevel: gzipCompressLevel,
	})
}
