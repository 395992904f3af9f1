package squashfs_test

import (
	"bytes"
	"compress/gzip"
	"io"
	"testing"

	squashfs "github.com/sqfsgen/tar2sqfs"
)

func TestDataWriterOrdersBlocksByIndexRegardlessOfWorkerCount(t *testing.T) {
	for _, numJobs := range []int{1, 4} {
		sink := squashfs.NewMemSink()
		dw := squashfs.NewDataWriter(sink, 4096, squashfs.GZip, numJobs, 0, -1)

		const fileID = 1
		const blocks = 8
		dw.BeginFile(fileID)
		for i := blocks - 1; i >= 0; i-- {
			payload := bytes.Repeat([]byte{byte(i)}, 4096)
			if err := dw.SubmitBlock(fileID, i, payload, false); err != nil {
				t.Fatalf("SubmitBlock: %v", err)
			}
		}
		dw.CloseFile(fileID, blocks)

		fb, err := dw.FinishFile(fileID, nil)
		if err != nil {
			t.Fatalf("FinishFile: %v", err)
		}
		if len(fb.Blocks) != blocks {
			t.Fatalf("expected %d blocks, got %d", blocks, len(fb.Blocks))
		}
		if err := dw.Sync(); err != nil {
			t.Fatalf("Sync: %v", err)
		}

		// Walk the blocks in block-list order: block i must hold the
		// payload submitted at index i, whatever order it was submitted in.
		img, err := sink.Bytes()
		if err != nil {
			t.Fatalf("sink.Bytes: %v", err)
		}
		off := fb.StartBlock
		for i, b := range fb.Blocks {
			size := uint64(b & 0xffffff)
			raw := img[off : off+size]
			off += size
			if b&0x1000000 == 0 {
				zr, err := gzip.NewReader(bytes.NewReader(raw))
				if err != nil {
					t.Fatalf("block %d: gzip.NewReader: %v", i, err)
				}
				if raw, err = io.ReadAll(zr); err != nil {
					t.Fatalf("block %d: decompress: %v", i, err)
				}
			}
			if !bytes.Equal(raw, bytes.Repeat([]byte{byte(i)}, 4096)) {
				t.Fatalf("numJobs=%d: block %d does not hold the payload submitted at index %d", numJobs, i, i)
			}
		}
	}
}

func TestDataWriterDedupSharesPlacement(t *testing.T) {
	sink := squashfs.NewMemSink()
	dw := squashfs.NewDataWriter(sink, 4096, squashfs.GZip, 2, 0, -1)

	hash := []byte("identical-content-hash")
	if _, ok := dw.Lookup(hash); ok {
		t.Fatal("expected no placement before any file finishes")
	}

	dw.BeginFile(1)
	if err := dw.SubmitBlock(1, 0, bytes.Repeat([]byte{'a'}, 4096), false); err != nil {
		t.Fatalf("SubmitBlock: %v", err)
	}
	dw.CloseFile(1, 1)
	fb, err := dw.FinishFile(1, hash)
	if err != nil {
		t.Fatalf("FinishFile: %v", err)
	}

	got, ok := dw.Lookup(hash)
	if !ok {
		t.Fatal("expected a placement to be recorded after FinishFile with a hash")
	}
	if got.StartBlock != fb.StartBlock || len(got.Blocks) != len(fb.Blocks) {
		t.Fatalf("expected Lookup to return the same placement, got %+v want %+v", got, fb)
	}

	if err := dw.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
}

func TestDataWriterSubmitHoleRecordsZeroLengthEntry(t *testing.T) {
	sink := squashfs.NewMemSink()
	dw := squashfs.NewDataWriter(sink, 4096, squashfs.GZip, 1, 0, -1)

	dw.BeginFile(1)
	if err := dw.SubmitHole(1, 0); err != nil {
		t.Fatalf("SubmitHole: %v", err)
	}
	if err := dw.SubmitBlock(1, 1, bytes.Repeat([]byte{'x'}, 4096), false); err != nil {
		t.Fatalf("SubmitBlock: %v", err)
	}
	dw.CloseFile(1, 2)

	fb, err := dw.FinishFile(1, nil)
	if err != nil {
		t.Fatalf("FinishFile: %v", err)
	}
	if len(fb.Blocks) != 2 {
		t.Fatalf("expected 2 block entries, got %d", len(fb.Blocks))
	}
	if fb.Blocks[0] != 0 {
		t.Fatalf("expected hole block to be a zero-length entry, got %#x", fb.Blocks[0])
	}
	if fb.Blocks[1] == 0 {
		t.Fatal("expected the data block to be a non-zero entry")
	}

	if err := dw.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
}

func TestDataWriterFragmentTailsFlushOnSync(t *testing.T) {
	sink := squashfs.NewMemSink()
	dw := squashfs.NewDataWriter(sink, 4096, squashfs.GZip, 1, 0, -1)

	dw.BeginFile(1)
	if err := dw.SubmitBlock(1, 0, bytes.Repeat([]byte{'y'}, 100), true); err != nil {
		t.Fatalf("SubmitBlock: %v", err)
	}
	dw.CloseFile(1, 1)
	if _, err := dw.FinishFile(1, nil); err != nil {
		t.Fatalf("FinishFile: %v", err)
	}

	if err := dw.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(dw.Fragments()) != 1 {
		t.Fatalf("expected exactly one flushed fragment, got %d", len(dw.Fragments()))
	}
}

