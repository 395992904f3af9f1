package squashfs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// xattrTableHeader is the on-disk layout of the 32-byte record
// XattrIdTableStart points at: the absolute offsets of the key pool, value
// pool, list-data pool and id table, written by Serialize right after the
// id table's own indirect pointer array.
type xattrTableHeader struct {
	keyStart  uint64
	valStart  uint64
	listStart uint64
	idStart   uint64
}

func (sb *Superblock) readXattrHeader() (xattrTableHeader, error) {
	buf := make([]byte, 32)
	if _, err := sb.fs.ReadAt(buf, int64(sb.XattrIdTableStart)); err != nil {
		return xattrTableHeader{}, err
	}
	return xattrTableHeader{
		keyStart:  sb.order.Uint64(buf[0:]),
		valStart:  sb.order.Uint64(buf[8:]),
		listStart: sb.order.Uint64(buf[16:]),
		idStart:   sb.order.Uint64(buf[24:]),
	}, nil
}

// Xattrs resolves an inode's XattrIdx back into its namespace-qualified
// key/value pairs ("user.color" -> ...), mirroring XattrTable's writer-side
// Intern/Flush. It returns (nil, nil) for the no-xattrs sentinel index.
func (sb *Superblock) Xattrs(idx uint32) (map[string][]byte, error) {
	if idx == 0xffffffff {
		return nil, nil
	}
	if sb.XattrIdTableStart == 0xffffffffffffffff {
		return nil, errors.New("squashfs: image has no xattr table")
	}

	hdr, err := sb.readXattrHeader()
	if err != nil {
		return nil, err
	}

	const idEntrySize = 16
	entriesPerBlock := uint32(metadataBlockSize / idEntrySize)

	// The id table is addressed through its indirect pointer array exactly
	// as fragment entries are in Inode.ReadAt: one absolute block pointer
	// per entriesPerBlock rows.
	sub := int64(idx/entriesPerBlock) * 8
	ptr := make([]byte, 8)
	if _, err := sb.fs.ReadAt(ptr, int64(hdr.idStart)+sub); err != nil {
		return nil, err
	}

	r, err := sb.newTableReader(int64(sb.order.Uint64(ptr)), int(idx%entriesPerBlock)*idEntrySize)
	if err != nil {
		return nil, err
	}

	var posRaw uint64
	var count, size uint32
	if err := binary.Read(r, sb.order, &posRaw); err != nil {
		return nil, err
	}
	if err := binary.Read(r, sb.order, &count); err != nil {
		return nil, err
	}
	if err := binary.Read(r, sb.order, &size); err != nil {
		return nil, err
	}
	_ = size

	pos := inodeRef(posRaw)
	lr, err := sb.newTableReader(int64(hdr.listStart)+int64(pos.Index()), int(pos.Offset()))
	if err != nil {
		return nil, err
	}

	out := make(map[string][]byte, count)
	for i := uint32(0); i < count; i++ {
		var kRaw, vRaw uint64
		if err := binary.Read(lr, sb.order, &kRaw); err != nil {
			return nil, err
		}
		if err := binary.Read(lr, sb.order, &vRaw); err != nil {
			return nil, err
		}
		key, err := sb.readXattrKey(hdr.keyStart, inodeRef(kRaw))
		if err != nil {
			return nil, err
		}
		val, err := sb.readXattrValue(hdr.valStart, inodeRef(vRaw))
		if err != nil {
			return nil, err
		}
		out[key] = val
	}
	return out, nil
}

// readXattrKey resolves a key-ref into its namespace-qualified name, the
// mirror image of XattrTable.internKey.
func (sb *Superblock) readXattrKey(tableStart uint64, ref inodeRef) (string, error) {
	r, err := sb.newTableReader(int64(tableStart)+int64(ref.Index()), int(ref.Offset()))
	if err != nil {
		return "", err
	}
	var typ, nameLen uint16
	if err := binary.Read(r, sb.order, &typ); err != nil {
		return "", err
	}
	if err := binary.Read(r, sb.order, &nameLen); err != nil {
		return "", err
	}
	name := make([]byte, nameLen)
	if _, err := io.ReadFull(r, name); err != nil {
		return "", err
	}
	prefix, ok := xattrTypePrefix(typ &^ xattrTypeOOL)
	if !ok {
		return "", fmt.Errorf("squashfs: unknown xattr namespace type %d", typ)
	}
	return prefix + string(name), nil
}

// readXattrValue resolves a value-ref into its bytes, the mirror image of
// XattrTable.internValue. Values are always stored inline, so the OOL bit
// is never expected here.
func (sb *Superblock) readXattrValue(tableStart uint64, ref inodeRef) ([]byte, error) {
	r, err := sb.newTableReader(int64(tableStart)+int64(ref.Index()), int(ref.Offset()))
	if err != nil {
		return nil, err
	}
	var size uint32
	if err := binary.Read(r, sb.order, &size); err != nil {
		return nil, err
	}
	val := make([]byte, size)
	if _, err := io.ReadFull(r, val); err != nil {
		return nil, err
	}
	return val, nil
}
