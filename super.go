package squashfs

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"log"
	"os"
	"reflect"
	"sync"
)

const superblockMagic = 0x73717368

// https://dr-emann.github.io/squashfs/
type Superblock struct {
	fs    io.ReaderAt
	order binary.ByteOrder

	Magic             uint32
	InodeCnt          uint32
	ModTime           int32
	BlockSize         uint32
	FragCount         uint32
	Comp              SquashComp
	BlockLog          uint16
	Flags             SquashFlags
	IdCount           uint16
	VMajor            uint16
	VMinor            uint16
	RootInode         uint64
	BytesUsed         uint64
	IdTableStart      uint64
	XattrIdTableStart uint64
	InodeTableStart   uint64
	DirTableStart     uint64
	FragTableStart    uint64
	ExportTableStart  uint64

	// closer is set when the Superblock owns the underlying file (opened via
	// Open rather than handed a pre-existing io.ReaderAt).
	closer io.Closer

	// rootIno/rootInoN cache the decoded root inode so repeated path lookups
	// don't re-walk the inode table from scratch.
	rootIno  *Inode
	rootInoN uint64

	// inoIdx caches inode-number -> inodeRef mappings discovered while
	// reading the export table or while walking directories, since the
	// basic on-disk format has no direct inode-number index.
	inoIdx  map[uint32]inodeRef
	inoIdxL sync.RWMutex

	// inoOfft is added to every inode number reported to callers; set via
	// the InodeOffset option to let a caller graft this tree under a
	// larger inode numbering space.
	inoOfft uint64
}

func New(fs io.ReaderAt, opts ...Option) (*Superblock, error) {
	sb := &Superblock{fs: fs, inoIdx: make(map[uint32]inodeRef)}
	head := make([]byte, sb.binarySize())

	log.Printf("squash: read header %d bytes", len(head))
	_, err := fs.ReadAt(head, 0)
	if err != nil {
		return nil, err
	}
	log.Printf("squash: read header, parsing")
	err = sb.UnmarshalBinary(head)
	if err != nil {
		return nil, err
	}

	for _, o := range opts {
		if err := o(sb); err != nil {
			return nil, err
		}
	}

	root, err := sb.GetInodeRef(inodeRef(sb.RootInode))
	if err != nil {
		return nil, err
	}
	sb.rootIno = root
	sb.rootInoN = root.Ino

	return sb, nil
}

// Open reads a SquashFS image from the given path. The returned Superblock
// owns the underlying file and must be closed with Close.
func Open(path string, opts ...Option) (*Superblock, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	sb, err := New(f, opts...)
	if err != nil {
		f.Close()
		return nil, err
	}
	sb.closer = f
	return sb, nil
}

// Close releases the underlying file if this Superblock was created by Open.
func (s *Superblock) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// setInodeRefCache records the inodeRef for a given on-disk inode number so
// later lookups (directory traversal, export-table resolution) avoid
// re-deriving it.
func (s *Superblock) setInodeRefCache(ino uint32, ref inodeRef) {
	s.inoIdxL.Lock()
	s.inoIdx[ino] = ref
	s.inoIdxL.Unlock()
}

func (s *Superblock) cachedInodeRef(ino uint32) (inodeRef, bool) {
	s.inoIdxL.RLock()
	ref, ok := s.inoIdx[ino]
	s.inoIdxL.RUnlock()
	return ref, ok
}

func (s *Superblock) UnmarshalBinary(data []byte) error {
	v := reflect.ValueOf(s).Elem()
	c := v.NumField()
	r := bytes.NewReader(data)

	switch string(data[:4]) {
	case "hsqs":
		s.order = binary.LittleEndian
	case "sqsh":
		s.order = binary.BigEndian
	default:
		return errors.New("invalid squashfs partition")
	}

	// Decode
	var err error
	for i := 0; i < c; i++ {
		c := v.Type().Field(i).Name[0]
		if c < 'A' || c > 'Z' {
			continue
		}
		log.Printf("read %s", v.Type().Field(i).Name)
		err = binary.Read(r, s.order, v.Field(i).Addr().Interface())
		if err != nil {
			return err
		}
	}

	return nil
}

// MarshalBinary encodes the superblock header in its on-disk little-endian
// layout. Byte order is always little-endian on write; big-endian ("sqsh")
// images are only ever produced by reading one back in that order.
func (s *Superblock) MarshalBinary() ([]byte, error) {
	order := s.order
	if order == nil {
		order = binary.LittleEndian
	}

	v := reflect.ValueOf(s).Elem()
	c := v.NumField()
	buf := new(bytes.Buffer)

	for i := 0; i < c; i++ {
		name := v.Type().Field(i).Name[0]
		if name < 'A' || name > 'Z' {
			continue
		}
		if err := binary.Write(buf, order, v.Field(i).Interface()); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

func (s *Superblock) binarySize() int {
	v := reflect.ValueOf(s).Elem()
	c := v.NumField()
	sz := uintptr(0)

	for i := 0; i < c; i++ {
		c := v.Type().Field(i).Name[0]
		if c < 'A' || c > 'Z' {
			continue
		}
		sz += v.Field(i).Type().Size()
	}
	return int(sz)
}
