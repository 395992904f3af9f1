package squashfs

import (
	"encoding/binary"
	"errors"
)

// serializer walks a fully built Tree (sorted, inode-numbered, xattr
// deduplicated) and emits its inode table and directory table, grounded on
// serialize_fstree.c's serialize_recursive/sqfs_serialize_fstree: process a
// directory's non-directory children, then recurse into its directories,
// then emit the directory's own listing and inode last, with the overall
// root emitted after everything beneath it (§4.9).
type serializer struct {
	tree *Tree
	dw   *DataWriter
	ids  *IdTable

	invW *MetadataWriter // inode table
	dirW *MetadataWriter // directory table
}

func newSerializer(tree *Tree, dw *DataWriter, ids *IdTable, comp SquashComp) *serializer {
	return &serializer{
		tree: tree,
		dw:   dw,
		ids:  ids,
		invW: NewMetadataWriter(comp),
		dirW: NewMetadataWriter(comp),
	}
}

// run serialises every node, root last, and returns the root's final inode
// reference.
func (s *serializer) run() (inodeRef, error) {
	if err := s.walkChildren(s.tree.Root()); err != nil {
		return 0, err
	}
	if err := s.serializeNode(s.tree.Root()); err != nil {
		return 0, err
	}
	return s.tree.Node(s.tree.Root()).InoRef, nil
}

func (s *serializer) walkChildren(id NodeId) error {
	n := s.tree.Node(id)
	var dirs []NodeId
	for _, c := range n.Children {
		if s.tree.Node(c).Type.IsDir() {
			dirs = append(dirs, c)
			continue
		}
		if err := s.serializeNode(c); err != nil {
			return err
		}
	}
	for _, d := range dirs {
		if err := s.walkChildren(d); err != nil {
			return err
		}
		if err := s.serializeNode(d); err != nil {
			return err
		}
	}
	return nil
}

// serializeNode writes one node's inode (and, for directories, its
// children's directory listing first). A node already written because it
// is reached through more than one hardlink is skipped.
func (s *serializer) serializeNode(id NodeId) error {
	n := s.tree.Node(id)
	if n.serialized {
		return nil
	}

	var body []byte
	var err error

	if n.Type.IsDir() {
		body, err = s.buildDirInode(n)
	} else {
		body, err = s.buildOtherInode(n)
	}
	if err != nil {
		return err
	}

	n.inoPos = s.invW.GetPosition()
	s.invW.Write(body)
	n.InoRef = n.inoPos.toInodeRef()
	n.serialized = true
	return nil
}

// inodeHeader encodes the 16-byte header common to every extended inode
// type: on-disk type, permission bits, uid/gid table indexes, mtime, and
// inode number.
func (s *serializer) inodeHeader(n *Node) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint16(buf[0:], uint16(n.Type.Basic()+7))
	binary.LittleEndian.PutUint16(buf[2:], n.Mode)
	binary.LittleEndian.PutUint16(buf[4:], uint16(s.ids.IdToIndex(n.Uid)))
	binary.LittleEndian.PutUint16(buf[6:], uint16(s.ids.IdToIndex(n.Gid)))
	binary.LittleEndian.PutUint32(buf[8:], uint32(n.ModTime))
	binary.LittleEndian.PutUint32(buf[12:], n.Ino)
	return buf
}

// buildDirInode writes n's children's directory listing into the
// directory table (every child already has a final inode reference, since
// non-directory children and sub-directories are always serialised before
// their parent) and returns the extended directory inode body referencing
// that listing.
func (s *serializer) buildDirInode(n *Node) ([]byte, error) {
	listPos, listSize, err := s.writeDirListing(n)
	if err != nil {
		return nil, err
	}

	parentIno := n.Ino
	if n.Parent != noNode {
		parentIno = s.tree.Node(n.Parent).Ino
	}

	hdr := s.inodeHeader(n)
	body := make([]byte, 20)
	binary.LittleEndian.PutUint32(body[0:], n.NLink)
	binary.LittleEndian.PutUint32(body[4:], listSize)
	binary.LittleEndian.PutUint32(body[8:], uint32(listPos.Block))
	binary.LittleEndian.PutUint32(body[12:], parentIno)
	binary.LittleEndian.PutUint16(body[16:], 0) // i_count, no directory index entries
	binary.LittleEndian.PutUint16(body[18:], uint16(listPos.Offt))
	xattr := make([]byte, 4)
	binary.LittleEndian.PutUint32(xattr, n.XattrIdx)

	return append(append(hdr, body...), xattr...), nil
}

// writeDirListing packs n's sorted children into one or more
// (header, entries) groups the way real SquashFS directories require: all
// entries in a group share one metadata block and a 16-bit inode-number
// delta from the group's base, so a group never holds more than 256
// entries. Returns the listing's start position and its total byte size
// (§4.4's dir_size is that byte count plus 3, a long-standing on-disk
// quirk preserved for reader compatibility).
func (s *serializer) writeDirListing(n *Node) (metadataRef, uint32, error) {
	start := s.dirW.GetPosition()
	if len(n.Children) == 0 {
		return start, 3, nil
	}

	children := n.Children
	var size uint32
	i := 0
	for i < len(children) {
		first := s.tree.Node(children[i])
		block := first.inoPos.Block
		base := first.Ino
		j := i + 1
		for j < len(children) && j-i < 256 {
			c := s.tree.Node(children[j])
			if c.inoPos.Block != block {
				break
			}
			delta := int64(c.Ino) - int64(base)
			if delta < -32768 || delta > 32767 {
				break
			}
			j++
		}

		hdr := make([]byte, 12)
		binary.LittleEndian.PutUint32(hdr[0:], uint32(j-i-1))
		binary.LittleEndian.PutUint32(hdr[4:], uint32(block))
		binary.LittleEndian.PutUint32(hdr[8:], base)
		s.dirW.Write(hdr)
		size += uint32(len(hdr))

		for k := i; k < j; k++ {
			c := s.tree.Node(children[k])
			name := c.Name
			ent := make([]byte, 8+len(name))
			binary.LittleEndian.PutUint16(ent[0:], uint16(c.inoPos.Offt))
			binary.LittleEndian.PutUint16(ent[2:], uint16(int16(int64(c.Ino)-int64(base))))
			binary.LittleEndian.PutUint16(ent[4:], uint16(c.Type.Basic()))
			binary.LittleEndian.PutUint16(ent[6:], uint16(len(name)-1))
			copy(ent[8:], name)
			s.dirW.Write(ent)
			size += uint32(len(ent))
		}

		i = j
	}

	return start, size + 3, nil
}

// buildOtherInode returns the extended inode body for every non-directory
// type: regular file, symlink, device, fifo, or socket.
func (s *serializer) buildOtherInode(n *Node) ([]byte, error) {
	hdr := s.inodeHeader(n)

	switch n.Type.Basic() {
	case FileType:
		return append(hdr, s.buildFileBody(n)...), nil
	case SymlinkType:
		body := make([]byte, 8+len(n.LinkTarget)+4)
		binary.LittleEndian.PutUint32(body[0:], n.NLink)
		binary.LittleEndian.PutUint32(body[4:], uint32(len(n.LinkTarget)))
		copy(body[8:], n.LinkTarget)
		binary.LittleEndian.PutUint32(body[8+len(n.LinkTarget):], n.XattrIdx)
		return append(hdr, body...), nil
	case BlockDevType, CharDevType:
		body := make([]byte, 12)
		binary.LittleEndian.PutUint32(body[0:], n.NLink)
		binary.LittleEndian.PutUint32(body[4:], n.Rdev)
		binary.LittleEndian.PutUint32(body[8:], n.XattrIdx)
		return append(hdr, body...), nil
	case FifoType, SocketType:
		body := make([]byte, 8)
		binary.LittleEndian.PutUint32(body[0:], n.NLink)
		binary.LittleEndian.PutUint32(body[4:], n.XattrIdx)
		return append(hdr, body...), nil
	default:
		return nil, NewError(Internal, s.tree.Path(n.Self), errUnknownNodeType)
	}
}

// buildFileBody returns the extended file inode's body: start_block, size,
// sparse byte count, nlink, fragment reference, xattr index and block
// list, as populated on n.fileData by the data writer.
func (s *serializer) buildFileBody(n *Node) []byte {
	fd := n.fileData
	if fd == nil {
		fd = &fileInodeData{FragBlock: invalidFragment}
	}

	body := make([]byte, 40+4*len(fd.Blocks))
	binary.LittleEndian.PutUint64(body[0:], fd.StartBlock)
	binary.LittleEndian.PutUint64(body[8:], n.Size)
	binary.LittleEndian.PutUint64(body[16:], sparseByteCount(fd, n.Size, s.dw.blockSize))
	binary.LittleEndian.PutUint32(body[24:], n.NLink)
	binary.LittleEndian.PutUint32(body[28:], fd.FragBlock)
	binary.LittleEndian.PutUint32(body[32:], fd.FragOfft)
	binary.LittleEndian.PutUint32(body[36:], n.XattrIdx)
	for i, b := range fd.Blocks {
		binary.LittleEndian.PutUint32(body[40+4*i:], b)
	}
	return body
}

// sparseByteCount is the number of logical bytes this file's hole blocks
// account for, the value SquashFS stores in the extended file inode's
// sparse field (used by callers like `du` to report real usage).
func sparseByteCount(fd *fileInodeData, size uint64, blockSize uint32) uint64 {
	if !fd.Sparse {
		return 0
	}
	var holes uint64
	for i, b := range fd.Blocks {
		if b != 0 {
			continue
		}
		start := uint64(i) * uint64(blockSize)
		end := start + uint64(blockSize)
		if end > size {
			end = size
		}
		holes += end - start
	}
	return holes
}

var errUnknownNodeType = errors.New("unrecognised node type in tree")

// indirectBlocks returns how many 8192-byte metadata blocks n raw bytes
// expand into once written through writeIndirectTable.
func indirectBlocks(n int) int64 {
	return int64((n + metadataBlockSize - 1) / metadataBlockSize)
}

// BuildOptions configures the final assembly pass (§4.9): the block size
// and compressor already used by the data writer, whether to emit an NFS
// export table, the build timestamp recorded in the superblock, and the
// device block size the finished image is padded to.
type BuildOptions struct {
	BlockSize    uint32
	Comp         SquashComp
	Exportable   bool
	ModTime      int32
	DevBlockSize uint32

	// ExtraFlags carries flag bits the caller has already committed to by
	// the time Serialize runs, chiefly COMPRESSOR_OPTIONS when a
	// compressor-options block was written right after the placeholder
	// superblock before the data writer started (§4.2).
	ExtraFlags SquashFlags
}

// Stats summarises one completed image for a --quiet-gated report line.
type Stats struct {
	InodeCount    uint32
	FragmentCount uint32
	BytesUsed     uint64
	Compressor    SquashComp
}

// Serialize assembles the finished SquashFS image on sink: the inode and
// directory tables (via serializer), the fragment table, an optional
// export table, the id table, the xattr table, and finally the superblock
// — written once as a placeholder by the caller and rewritten here now
// that every other section's start offset is known (§4.9 steps 6-12).
// tree must already be sorted, inode-numbered and xattr-deduplicated; dw
// must already be synced.
func Serialize(tree *Tree, dw *DataWriter, xt *XattrTable, ids *IdTable, sink Sink, opts BuildOptions) (Stats, error) {
	s := newSerializer(tree, dw, ids, opts.Comp)
	rootRef, err := s.run()
	if err != nil {
		return Stats{}, err
	}

	invBytes, err := s.invW.Flush()
	if err != nil {
		return Stats{}, err
	}
	dirBytes, err := s.dirW.Flush()
	if err != nil {
		return Stats{}, err
	}

	cur := int64(dw.Offset())

	inodeTableStart := uint64(cur)
	if _, err := sink.WriteAt(invBytes, cur); err != nil {
		return Stats{}, NewError(Io, "", err)
	}
	cur += int64(len(invBytes))

	dirTableStart := uint64(cur)
	if _, err := sink.WriteAt(dirBytes, cur); err != nil {
		return Stats{}, NewError(Io, "", err)
	}
	cur += int64(len(dirBytes))

	fragments := dw.Fragments()
	fragBytes := make([]byte, 16*len(fragments))
	for i, f := range fragments {
		binary.LittleEndian.PutUint64(fragBytes[i*16:], f.start)
		binary.LittleEndian.PutUint32(fragBytes[i*16+8:], f.size)
	}
	fragTableStart, err := writeIndirectTable(sink, cur, opts.Comp, fragBytes)
	if err != nil {
		return Stats{}, err
	}
	cur = int64(fragTableStart) + 8*indirectBlocks(len(fragBytes))

	flags := opts.ExtraFlags
	exportTableStart := uint64(0xffffffffffffffff)
	if opts.Exportable {
		flags |= EXPORTABLE
		nodes := tree.Nodes()
		exportBytes := make([]byte, 8*len(nodes))
		for _, n := range nodes {
			binary.LittleEndian.PutUint64(exportBytes[(n.Ino-1)*8:], uint64(n.InoRef))
		}
		exportTableStart, err = writeIndirectTable(sink, cur, opts.Comp, exportBytes)
		if err != nil {
			return Stats{}, err
		}
		cur = int64(exportTableStart) + 8*indirectBlocks(len(exportBytes))
	}

	idBytes := ids.bytes()
	idTableStart, err := writeIndirectTable(sink, cur, opts.Comp, idBytes)
	if err != nil {
		return Stats{}, err
	}
	cur = int64(idTableStart) + 8*indirectBlocks(len(idBytes))

	xattrIdTableStart := uint64(0xffffffffffffffff)
	if xt.Count() > 0 {
		keyBytes, valBytes, listBytes, idxBytes, err := xt.Flush()
		if err != nil {
			return Stats{}, err
		}

		// The key pool, value pool and list-data pool are addressed by the
		// metadataRef-style (block, offset) pairs Intern/Flush produced
		// (the same direct byte-offset scheme the inode and directory
		// tables use, via newInodeReader), not by a linearly-indexed
		// pointer array — so they're appended as-is, already framed, with
		// their start recording the first byte of their own block stream.
		keyStart := uint64(cur)
		if len(keyBytes) > 0 {
			if _, err := sink.WriteAt(keyBytes, cur); err != nil {
				return Stats{}, NewError(Io, "", err)
			}
		}
		cur += int64(len(keyBytes))

		valStart := uint64(cur)
		if len(valBytes) > 0 {
			if _, err := sink.WriteAt(valBytes, cur); err != nil {
				return Stats{}, NewError(Io, "", err)
			}
		}
		cur += int64(len(valBytes))

		listStart := uint64(cur)
		if len(listBytes) > 0 {
			if _, err := sink.WriteAt(listBytes, cur); err != nil {
				return Stats{}, NewError(Io, "", err)
			}
		}
		cur += int64(len(listBytes))

		// The id table itself is a flat array of fixed-size rows addressed
		// by plain sequential index (XattrIdx), so it does use the
		// indirect pointer-array scheme, same as the id/fragment/export
		// tables.
		idStart, err := writeIndirectTable(sink, cur, opts.Comp, idxBytes)
		if err != nil {
			return Stats{}, err
		}
		cur = int64(idStart) + 8*indirectBlocks(len(idxBytes))

		hdr := make([]byte, 32)
		binary.LittleEndian.PutUint64(hdr[0:], keyStart)
		binary.LittleEndian.PutUint64(hdr[8:], valStart)
		binary.LittleEndian.PutUint64(hdr[16:], listStart)
		binary.LittleEndian.PutUint64(hdr[24:], idStart)
		xattrIdTableStart = uint64(cur)
		if _, err := sink.WriteAt(hdr, cur); err != nil {
			return Stats{}, NewError(Io, "", err)
		}
		cur += int64(len(hdr))
	} else {
		flags |= NO_XATTRS
	}

	bytesUsed := uint64(cur)
	if opts.DevBlockSize > 0 {
		pad := bytesUsed % uint64(opts.DevBlockSize)
		if pad != 0 {
			padLen := uint64(opts.DevBlockSize) - pad
			if _, err := sink.WriteAt(make([]byte, padLen), int64(bytesUsed)); err != nil {
				return Stats{}, NewError(Io, "", err)
			}
		}
	}

	var blockLog uint16
	for bs := opts.BlockSize; bs > 1; bs >>= 1 {
		blockLog++
	}

	sb := &Superblock{
		Magic:             superblockMagic,
		InodeCnt:          tree.InodeCount(),
		ModTime:           opts.ModTime,
		BlockSize:         opts.BlockSize,
		FragCount:         uint32(len(fragments)),
		Comp:              opts.Comp,
		BlockLog:          blockLog,
		Flags:             flags,
		IdCount:           uint16(ids.Count()),
		VMajor:            4,
		VMinor:            0,
		RootInode:         uint64(rootRef),
		BytesUsed:         bytesUsed,
		IdTableStart:      idTableStart,
		XattrIdTableStart: xattrIdTableStart,
		InodeTableStart:   inodeTableStart,
		DirTableStart:     dirTableStart,
		FragTableStart:    fragTableStart,
		ExportTableStart:  exportTableStart,
	}
	if len(fragments) == 0 {
		sb.FragTableStart = 0xffffffffffffffff
	}
	head, err := sb.MarshalBinary()
	if err != nil {
		return Stats{}, err
	}
	if _, err := sink.WriteAt(head, 0); err != nil {
		return Stats{}, NewError(Io, "", err)
	}

	return Stats{
		InodeCount:    tree.InodeCount(),
		FragmentCount: uint32(len(fragments)),
		BytesUsed:     bytesUsed,
		Compressor:    opts.Comp,
	}, nil
}
