package squashfs

import (
	"bytes"
	"io"

	"github.com/ulikunitz/xz/lzma"
)

// LZMA is the raw LZMA1 stream format, distinct from XZ's container format;
// both live in the ulikunitz/xz module but in separate packages.
func lzmaCompress(buf []byte) ([]byte, error) {
	var out bytes.Buffer
	w, err := lzma.NewWriter(&out)
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
	RegisterCompHandler(LZMA, &CompHandler{
		Decompress: MakeDecompressorErr(func(r io.Reader) (io.ReadCloser, error) {
			rc, err := lzma.NewReader(r)
			if err != nil {
				return nil, err
			}
			return io.NopCloser(rc), nil
		}),
		Compress: lzmaCompress,
	})
}
