package squashfs

import (
	"bytes"
	"fmt"
	"io"
	"sync"
)

// SquashComp identifies a SquashFS compression algorithm, as stored in the
// superblock.
type SquashComp uint16

const (
	GZip SquashComp = 1
	LZMA SquashComp = 2
	LZO  SquashComp = 3
	XZ   SquashComp = 4
	LZ4  SquashComp = 5
	ZSTD SquashComp = 6
)

func (s SquashComp) String() string {
	switch s {
	case GZip:
		return "GZip"
	case LZMA:
		return "LZMA"
	case LZO:
		return "LZO"
	case XZ:
		return "XZ"
	case LZ4:
		return "LZ4"
	case ZSTD:
		return "ZSTD"
	}
	return fmt.Sprintf("SquashComp(%d)", s)
}

// CompressorByName resolves the --compressor CLI argument to a SquashComp id.
func CompressorByName(name string) (SquashComp, error) {
	switch name {
	case "gzip":
		return GZip, nil
	case "lzma":
		return LZMA, nil
	case "lzo":
		return LZO, nil
	case "xz":
		return XZ, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return ZSTD, nil
	default:
		return 0, NewError(UnsupportedFeature, "", fmt.Errorf("unknown compressor %q", name))
	}
}

// Decompressor turns a compressed block reader into a decompressed stream.
type Decompressor func(r io.Reader) (io.ReadCloser, error)

// Compressor is the abstract block-compressor contract of spec §4.1. Each
// data-writer worker owns its own instance; instances must not share
// mutable state with each other.
type Compressor interface {
	// CompressBlock compresses input. If compression would not shrink the
	// data, it returns stored=true and the caller must keep input verbatim.
	CompressBlock(input []byte) (output []byte, stored bool, err error)
	// WriteOptions writes compressor-specific options to sink, returning
	// the number of bytes written (0 meaning "no options").
	WriteOptions(w io.Writer) (int, error)
	Destroy()
}

// CompHandler registers the encode/decode primitives for one SquashComp id.
type CompHandler struct {
	// Compress produces a compressed representation of buf, or an error if
	// the codec refused the input outright (distinct from "didn't shrink").
	Compress func(buf []byte) ([]byte, error)
	// CompressLevel is an optional variant of Compress honouring the
	// --comp-extra "level=N" option (§6). Left nil for codecs with no
	// meaningful tunable level (lz4, raw lzma, xz's default preset).
	CompressLevel func(buf []byte, level int) ([]byte, error)
	// Decompress wraps a reader of compressed bytes.
	Decompress Decompressor
	// WriteOptions optionally emits compressor-specific option bytes.
	WriteOptions func(w io.Writer) (int, error)
}

var (
	compRegistry   = map[SquashComp]*CompHandler{}
	compRegistryMu sync.RWMutex
)

// RegisterCompHandler installs both compress and decompress primitives for id.
func RegisterCompHandler(id SquashComp, h *CompHandler) {
	compRegistryMu.Lock()
	defer compRegistryMu.Unlock()
	compRegistry[id] = h
}

// RegisterDecompressor installs (or updates) only the decode side for id,
// leaving any previously registered encoder untouched.
func RegisterDecompressor(id SquashComp, d Decompressor) {
	compRegistryMu.Lock()
	defer compRegistryMu.Unlock()
	h, ok := compRegistry[id]
	if !ok {
		h = &CompHandler{}
		compRegistry[id] = h
	}
	h.Decompress = d
}

// MakeDecompressor adapts a decompressor constructor that cannot fail into
// the Decompressor signature.
func MakeDecompressor(fn func(r io.Reader) io.ReadCloser) Decompressor {
	return func(r io.Reader) (io.ReadCloser, error) {
		return fn(r), nil
	}
}

// MakeDecompressorErr adapts a fallible decompressor constructor; it is the
// identity function, kept for symmetry with MakeDecompressor at call sites.
func MakeDecompressorErr(fn func(r io.Reader) (io.ReadCloser, error)) Decompressor {
	return fn
}

func lookupHandler(s SquashComp) (*CompHandler, error) {
	compRegistryMu.RLock()
	h, ok := compRegistry[s]
	compRegistryMu.RUnlock()
	if !ok || h.Compress == nil && h.Decompress == nil {
		return nil, NewError(UnsupportedFeature, "", fmt.Errorf("compressor %s is not available", s))
	}
	return h, nil
}

// compress implements the metadata/data-block "compress or store verbatim"
// policy used throughout the writer.
func (s SquashComp) compress(buf []byte) ([]byte, error) {
	h, err := lookupHandler(s)
	if err != nil {
		return nil, err
	}
	if h.Compress == nil {
		return nil, NewError(UnsupportedFeature, "", fmt.Errorf("compressor %s cannot encode", s))
	}
	return h.Compress(buf)
}

// compressLevel is like compress but honours a --comp-extra "level=N"
// override when the codec exposes one; level < 0 means "no override".
func (s SquashComp) compressLevel(buf []byte, level int) ([]byte, error) {
	h, err := lookupHandler(s)
	if err != nil {
		return nil, err
	}
	if level >= 0 && h.CompressLevel != nil {
		return h.CompressLevel(buf, level)
	}
	if h.Compress == nil {
		return nil, NewError(UnsupportedFeature, "", fmt.Errorf("compressor %s cannot encode", s))
	}
	return h.Compress(buf)
}

func (s SquashComp) decompress(buf []byte) ([]byte, error) {
	h, err := lookupHandler(s)
	if err != nil {
		return nil, err
	}
	if h.Decompress == nil {
		return nil, NewError(UnsupportedFeature, "", fmt.Errorf("compressor %s cannot decode", s))
	}
	rc, err := h.Decompress(bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (s SquashComp) writeOptions(w io.Writer) (int, error) {
	h, err := lookupHandler(s)
	if err != nil {
		return 0, err
	}
	if h.WriteOptions == nil {
		return 0, nil
	}
	return h.WriteOptions(w)
}

// NewCompressor returns a private Compressor instance for one data-writer
// worker, per spec §4.1/§5 ("each worker owns a private compressor
// instance; compressors must not share state"). The codecs registered in
// this package allocate a fresh encode stream per CompressBlock call, so
// the wrapper below is safe to use concurrently from many such instances.
// level < 0 means "use the codec's default" (the --comp-extra "level=N"
// option, §6, is the only caller that passes a non-negative value).
func (s SquashComp) NewCompressor(level int) (Compressor, error) {
	if _, err := lookupHandler(s); err != nil {
		return nil, err
	}
	return &genericCompressor{id: s, level: level}, nil
}

type genericCompressor struct {
	id    SquashComp
	level int
}

func (c *genericCompressor) CompressBlock(input []byte) ([]byte, bool, error) {
	out, err := c.id.compressLevel(input, c.level)
	if err != nil {
		return nil, false, NewError(Compression, "", err)
	}
	if out == nil || len(out) >= len(input) {
		return input, true, nil
	}
	return out, false, nil
}

func (c *genericCompressor) WriteOptions(w io.Writer) (int, error) {
	return c.id.writeOptions(w)
}

func (c *genericCompressor) Destroy() {}
