package squashfs_test

import (
	"bytes"
	"context"
	"testing"

	squashfs "github.com/sqfsgen/tar2sqfs"
)

// buildImage constructs a small tree (one file nested two directories deep,
// plus an empty directory), serialises it with numJobs workers, and returns
// the finished image bytes. Used by the round-trip assertions below.
func buildImage(t *testing.T, numJobs int, content []byte) []byte {
	t.Helper()

	tr := squashfs.NewTree(squashfs.Defaults{Mode: 0755})
	xt := squashfs.NewXattrTable(squashfs.GZip)
	ids := squashfs.NewIdTable()

	if _, err := tr.AddGeneric("empty", squashfs.Stat{Mode: 0755}, squashfs.DirType, ""); err != nil {
		t.Fatalf("AddGeneric(empty): %v", err)
	}

	n, err := tr.AddGeneric("a/b/hello.txt", squashfs.Stat{Mode: 0644, Size: uint64(len(content))}, squashfs.FileType, "")
	if err != nil {
		t.Fatalf("AddGeneric(hello.txt): %v", err)
	}
	tr.AddXattr(n, "user.origin", []byte("test"))

	sink := squashfs.NewMemSink()
	dw := squashfs.NewDataWriter(sink, 4096, squashfs.GZip, numJobs, 0, -1)

	dw.BeginFile(1)
	if err := dw.SubmitBlock(1, 0, content, false); err != nil {
		t.Fatalf("SubmitBlock: %v", err)
	}
	dw.CloseFile(1, 1)
	fb, err := dw.FinishFile(1, squashfs.HashBlocks([][]byte{content}))
	if err != nil {
		t.Fatalf("FinishFile: %v", err)
	}
	tr.SetFileBlocks(n, fb, false)

	if err := dw.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	tr.SortRecursive()
	tr.GenInodeTable()
	tr.XattrDeduplicate(xt)

	_, err = squashfs.Serialize(tr, dw, xt, ids, sink, squashfs.BuildOptions{
		BlockSize:    4096,
		Comp:         squashfs.GZip,
		DevBlockSize: 4096,
	})
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	img, err := sink.Bytes()
	if err != nil {
		t.Fatalf("sink.Bytes: %v", err)
	}
	return img
}

func TestSerializeRoundTripReadsBackFileContent(t *testing.T) {
	content := bytes.Repeat([]byte("squash"), 1000)
	img := buildImage(t, 2, content)

	sb, err := squashfs.New(bytes.NewReader(img))
	if err != nil {
		t.Fatalf("squashfs.New: %v", err)
	}

	root, err := sb.GetInode(1)
	if err != nil {
		t.Fatalf("GetInode(root): %v", err)
	}

	file, err := root.LookupRelativeInodePath(context.Background(), "a/b/hello.txt")
	if err != nil {
		t.Fatalf("LookupRelativeInodePath: %v", err)
	}

	got := make([]byte, len(content))
	if _, err := file.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("read-back content does not match what was written")
	}
}

// TestSerializeRoundTripReadsBackXattrs exercises the xattr key/value pool
// end to end: AddXattr's namespace-prefixed entry must decode back to the
// same key and value through the on-disk xattr id table.
func TestSerializeRoundTripReadsBackXattrs(t *testing.T) {
	img := buildImage(t, 1, []byte("xattr content"))

	sb, err := squashfs.New(bytes.NewReader(img))
	if err != nil {
		t.Fatalf("squashfs.New: %v", err)
	}

	root, err := sb.GetInode(1)
	if err != nil {
		t.Fatalf("GetInode(root): %v", err)
	}

	file, err := root.LookupRelativeInodePath(context.Background(), "a/b/hello.txt")
	if err != nil {
		t.Fatalf("LookupRelativeInodePath: %v", err)
	}

	if file.XattrIdx == 0xffffffff {
		t.Fatal("expected hello.txt to carry an xattr index")
	}

	xattrs, err := sb.Xattrs(file.XattrIdx)
	if err != nil {
		t.Fatalf("Xattrs: %v", err)
	}
	val, ok := xattrs["user.origin"]
	if !ok {
		t.Fatalf("expected \"user.origin\" among decoded xattrs, got %v", xattrs)
	}
	if string(val) != "test" {
		t.Fatalf("xattr value = %q, want %q", val, "test")
	}

	emptyDir, err := root.LookupRelativeInodePath(context.Background(), "empty")
	if err != nil {
		t.Fatalf("LookupRelativeInodePath(empty): %v", err)
	}
	if emptyDir.XattrIdx != 0xffffffff {
		t.Fatalf("expected the xattr-less directory to carry the sentinel index, got %#x", emptyDir.XattrIdx)
	}
}

// TestSerializeByteIdenticalAcrossWorkerCounts asserts §5's ordering
// guarantee: for any file, the emitted block list (and thus, here, the
// whole image) does not depend on how many data-writer workers raced to
// compress its blocks.
func TestSerializeByteIdenticalAcrossWorkerCounts(t *testing.T) {
	content := bytes.Repeat([]byte("abcdefgh"), 4096)

	img1 := buildImage(t, 1, content)
	img4 := buildImage(t, 4, content)

	if !bytes.Equal(img1, img4) {
		t.Fatal("expected byte-identical output regardless of num_jobs")
	}
}

func TestSerializePadsToDeviceBlockSize(t *testing.T) {
	img := buildImage(t, 1, []byte("hi"))
	if len(img)%4096 != 0 {
		t.Fatalf("expected image length to be padded to a multiple of 4096, got %d", len(img))
	}
}
