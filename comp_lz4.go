package squashfs

import (
	"bytes"
	"io"

	"github.com/pierrec/lz4"
)

func lz4Compress(buf []byte) ([]byte, error) {
	var out bytes.Buffer
	w := lz4.NewWriter(&out)
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
	RegisterCompHandler(LZ4, &CompHandler{
		Decompress: MakeDecompressor(func(r io.Reader) io.ReadCloser {
			return io.NopCloser(lz4.NewReader(r))
		}),
		Compress: lz4Compress,
	})
}
