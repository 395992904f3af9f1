package squashfs

import (
	"encoding/binary"
)

// IdTable deduplicates uid/gid values through a map from value to index:
// a value seen for the first time is appended, so indices follow the order
// in which values are first looked up (§4.5).
type IdTable struct {
	ids   []uint32
	index map[uint32]uint32
}

// NewIdTable creates an empty identifier table.
func NewIdTable() *IdTable {
	return &IdTable{index: make(map[uint32]uint32)}
}

// IdToIndex resolves id to its table index, appending it on first sight.
func (t *IdTable) IdToIndex(id uint32) uint32 {
	if idx, ok := t.index[id]; ok {
		return idx
	}
	idx := uint32(len(t.ids))
	t.ids = append(t.ids, id)
	t.index[id] = idx
	return idx
}

// Count returns the number of distinct identifiers recorded.
func (t *IdTable) Count() int { return len(t.ids) }

// bytes serialises the table as the little-endian u32 array §4.5 (and §6)
// describe, ready to hand to writeIndirectTable.
func (t *IdTable) bytes() []byte {
	buf := make([]byte, 4*len(t.ids))
	for i, id := range t.ids {
		binary.LittleEndian.PutUint32(buf[i*4:], id)
	}
	return buf
}

// writeIndirectTable implements the generic "table-of-blocks indirection"
// used by the identifier table, the fragment table, and the export table
// (§4.5, §4.9 steps 7-9): data is packed into 8192-byte metadata blocks,
// each framed and compressed exactly like MetadataWriter's blocks, then an
// array of absolute byte offsets to each block (one u64 per block) is
// appended right after. The returned start is the absolute offset of that
// pointer array — the value recorded into the superblock field for this
// table (id_table_start, fragment_table_start, export_table_start).
func writeIndirectTable(sink Sink, offset int64, comp SquashComp, data []byte) (uint64, error) {
	var blockStarts []uint64
	cur := offset

	for len(data) > 0 {
		n := len(data)
		if n > metadataBlockSize {
			n = metadataBlockSize
		}
		framed, err := frameMetadataBlock(comp, data[:n])
		if err != nil {
			return 0, NewError(Compression, "", err)
		}
		blockStarts = append(blockStarts, uint64(cur))
		if _, err := sink.WriteAt(framed, cur); err != nil {
			return 0, NewError(Io, "", err)
		}
		cur += int64(len(framed))
		data = data[n:]
	}

	ptrTable := make([]byte, 8*len(blockStarts))
	for i, v := range blockStarts {
		binary.LittleEndian.PutUint64(ptrTable[i*8:], v)
	}

	tableStart := uint64(cur)
	if len(ptrTable) > 0 {
		if _, err := sink.WriteAt(ptrTable, cur); err != nil {
			return 0, NewError(Io, "", err)
		}
	}
	return tableStart, nil
}
