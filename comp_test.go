package squashfs_test

import (
	"bytes"
	"testing"

	squashfs "github.com/sqfsgen/tar2sqfs"
)

func TestCompressorByNameKnownAndUnknown(t *testing.T) {
	cases := []struct {
		name string
		want squashfs.SquashComp
		ok   bool
	}{
		{"gzip", squashfs.GZip, true},
		{"lzma", squashfs.LZMA, true},
		{"lzo", squashfs.LZO, true},
		{"xz", squashfs.XZ, true},
		{"lz4", squashfs.LZ4, true},
		{"zstd", squashfs.ZSTD, true},
		{"bogus", 0, false},
	}
	for _, c := range cases {
		got, err := squashfs.CompressorByName(c.name)
		if c.ok && err != nil {
			t.Errorf("CompressorByName(%q): unexpected error %v", c.name, err)
		}
		if !c.ok && err == nil {
			t.Errorf("CompressorByName(%q): expected an error", c.name)
		}
		if c.ok && got != c.want {
			t.Errorf("CompressorByName(%q) = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestNewCompressorShrinksRepetitivePayloadForRegisteredCodecs(t *testing.T) {
	payload := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 200)

	for _, comp := range []squashfs.SquashComp{squashfs.GZip, squashfs.LZMA, squashfs.XZ, squashfs.LZ4, squashfs.ZSTD} {
		c, err := comp.NewCompressor(-1)
		if err != nil {
			t.Fatalf("%s: NewCompressor: %v", comp, err)
		}
		out, stored, err := c.CompressBlock(payload)
		c.Destroy()
		if err != nil {
			t.Fatalf("%s: CompressBlock: %v", comp, err)
		}
		if stored {
			// a highly repetitive payload should always shrink; this would
			// indicate the codec is broken, not just ineffective.
			t.Fatalf("%s: expected CompressBlock to shrink a repetitive payload", comp)
		}
		if len(out) == 0 {
			t.Fatalf("%s: CompressBlock returned no bytes", comp)
		}
	}
}

func TestCompressLevelNineOutputNotLargerThanLevelOne(t *testing.T) {
	payload := bytes.Repeat([]byte("level override coverage payload "), 500)

	fast, err := squashfs.GZip.NewCompressor(1)
	if err != nil {
		t.Fatalf("NewCompressor(1): %v", err)
	}
	defer fast.Destroy()
	fastOut, _, err := fast.CompressBlock(payload)
	if err != nil {
		t.Fatalf("CompressBlock (level 1): %v", err)
	}

	best, err := squashfs.GZip.NewCompressor(9)
	if err != nil {
		t.Fatalf("NewCompressor(9): %v", err)
	}
	defer best.Destroy()
	bestOut, _, err := best.CompressBlock(payload)
	if err != nil {
		t.Fatalf("CompressBlock (level 9): %v", err)
	}

	if len(bestOut) > len(fastOut) {
		t.Fatalf("expected level 9 output (%d bytes) not to be larger than level 1 (%d bytes)", len(bestOut), len(fastOut))
	}
}

func TestCompressBlockStoresWhenCompressionDoesNotShrink(t *testing.T) {
	// A single byte cannot shrink once gzip's header and trailer are
	// added, so CompressBlock must fall back to storing it verbatim.
	payload := []byte{0x01}

	c, err := squashfs.GZip.NewCompressor(-1)
	if err != nil {
		t.Fatalf("NewCompressor: %v", err)
	}
	defer c.Destroy()

	out, stored, err := c.CompressBlock(payload)
	if err != nil {
		t.Fatalf("CompressBlock: %v", err)
	}
	if !stored {
		t.Fatalf("expected a 1-byte input to be stored, got %d compressed bytes", len(out))
	}
	if !bytes.Equal(out, payload) {
		t.Fatal("expected stored output to equal the original input verbatim")
	}
}
