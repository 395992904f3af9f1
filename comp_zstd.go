package squashfs

import "github.com/klauspost/compress/zstd"

func zstdCompress(buf []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(buf, make([]byte, 0, len(buf))), nil
}

// zstdCompressLevel backs --comp-extra "level=N" (§6); N is clamped to
// zstd's speed/best-compression range rather than rejected outright.
func zstdCompressLevel(buf []byte, level int) ([]byte, error) {
	switch {
	case level < int(zstd.SpeedFastest):
		level = int(zstd.SpeedFastest)
	case level > int(zstd.SpeedBestCompression):
		level = int(zstd.SpeedBestCompression)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevel(level)))
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(buf, make([]byte, 0, len(buf))), nil
}

func init() {
	RegisterCompHandler(ZSTD, &CompHandler{
		Decompress:    MakeDecompressor(zstd.ZipDecompressor()),
		Compress:      zstdCompress,
		CompressLevel: zstdCompressLevel,
	})
}
