package squashfs

import (
	"encoding/binary"
)

const metadataBlockSize = 8192

// metadataRef is the (byte_offset, intra_offset) position returned by
// MetadataWriter.GetPosition. Block is the byte offset, relative to this
// table's start, of the block that currently holds (or will hold) Offt;
// since every full block is compressed and appended to the writer's output
// the moment it fills, Block is always a final, already-resolved on-disk
// offset, never a placeholder pending a later patch.
type metadataRef struct {
	Block uint64
	Offt  uint32
}

func (r metadataRef) toInodeRef() inodeRef {
	return inodeRef((r.Block << 16) | uint64(r.Offt))
}

// MetadataWriter buffers append-style writes and, the instant 8192 bytes
// accumulate, compresses and frames them as one SquashFS metadata block per
// §4.7, appending the framed bytes to its running output immediately. Two
// independent instances run concurrently with no shared state: one for the
// inode table, one for the directory table.
//
// Flushing each full block as soon as it fills (rather than deferring every
// block to one final Flush) means a position handed out by GetPosition is
// always a true, final byte offset the moment it's taken: nothing refers to
// a block that might still shift size once compressed. This is what lets
// the serialiser write cross-references (a directory entry pointing at a
// sibling's inode, an inode pointing at its own directory listing) in a
// single pass with no convergence loop and no after-the-fact patching.
type MetadataWriter struct {
	comp SquashComp

	pending []byte // bytes not yet forming a full block
	out     []byte // framed bytes of every block flushed so far
	err     error  // first compression error seen, surfaced by Flush
}

// NewMetadataWriter creates a writer that compresses flushed blocks with comp.
func NewMetadataWriter(comp SquashComp) *MetadataWriter {
	return &MetadataWriter{comp: comp}
}

// Write appends p to the buffer, compressing and emitting full 8192-byte
// blocks as they accumulate. A compression failure is recorded and
// surfaced by Flush rather than returned here, since every call site only
// ever needs to check the error once, at the end of a node's writes.
func (w *MetadataWriter) Write(p []byte) {
	if w.err != nil {
		return
	}
	w.pending = append(w.pending, p...)
	for len(w.pending) >= metadataBlockSize {
		w.flushBlock(w.pending[:metadataBlockSize])
		w.pending = append([]byte(nil), w.pending[metadataBlockSize:]...)
	}
}

func (w *MetadataWriter) flushBlock(block []byte) {
	framed, err := frameMetadataBlock(w.comp, block)
	if err != nil {
		w.err = err
		return
	}
	w.out = append(w.out, framed...)
}

// GetPosition returns the position a subsequent inode/directory reference
// should record: the final byte offset of the block the next write will
// land in, and the byte offset within that block's uncompressed payload.
func (w *MetadataWriter) GetPosition() metadataRef {
	return metadataRef{Block: uint64(len(w.out)), Offt: uint32(len(w.pending))}
}

// Ref is a convenience wrapper combining GetPosition with toInodeRef.
func (w *MetadataWriter) Ref() inodeRef {
	return w.GetPosition().toInodeRef()
}

// frameMetadataBlock compresses (or stores) one 8192-byte-or-smaller block and returns
// its on-disk representation: a 2-byte little-endian length header (high
// bit set when stored uncompressed) followed by the payload.
func frameMetadataBlock(comp SquashComp, data []byte) ([]byte, error) {
	out, err := comp.compress(data)
	if err != nil {
		return nil, err
	}
	stored := len(out) >= len(data)
	if stored {
		out = data
	}

	hdr := make([]byte, 2)
	n := uint16(len(out))
	if stored {
		n |= 0x8000
	}
	binary.LittleEndian.PutUint16(hdr, n)
	return append(hdr, out...), nil
}

// Flush compresses any remaining partial block and returns the concatenated
// framed bytes ready to append to the sink.
func (w *MetadataWriter) Flush() ([]byte, error) {
	if len(w.pending) > 0 {
		w.flushBlock(w.pending)
		w.pending = nil
	}
	if w.err != nil {
		return nil, NewError(Compression, "", w.err)
	}
	return w.out, nil
}
