package squashfs

import (
	"errors"
	"path"
	"sort"
	"strings"

	"golang.org/x/sys/unix"
)

// NodeId indexes into a Tree's flat node arena. The arena is the sole owner
// of every Node; child/parent links are indices, never pointers, so cyclic
// parent<->child references never fight the garbage collector or need
// unsafe tricks.
type NodeId uint32

const noNode NodeId = 0xffffffff

// xattrPair is one (key, value) entry attached to a tree node, prior to
// dedup.
type xattrPair struct {
	Key   string
	Value []byte
}

// Node is one filesystem entry: a directory, regular file, symlink, device,
// fifo or socket, exactly as it will be serialised into a SquashFS inode.
type Node struct {
	Name   string
	Parent NodeId
	Self   NodeId

	Type Type // DirType, FileType, SymlinkType, BlockDevType, CharDevType, FifoType, SocketType

	Mode    uint16 // permission bits only
	Uid     uint32
	Gid     uint32
	ModTime int32

	// Children holds child node ids for directories, kept sorted by
	// SortRecursive; nil for non-directories.
	Children []NodeId
	childIdx map[string]NodeId

	// LinkTarget is the symlink destination, populated for SymlinkType.
	LinkTarget string

	// Rdev is the encoded device number for Block/CharDevType nodes.
	Rdev uint32

	// NLink counts hardlinks onto this node (set to 1 by AddGeneric and
	// incremented by AddHardlink when a later entry resolves to it).
	NLink uint32

	// Size is the logical file size (actual_size for sparse files).
	Size uint64

	Xattrs    []xattrPair
	XattrIdx  uint32
	hasXattrs bool

	// Ino is assigned by GenInodeTable; zero until then.
	Ino uint32

	// InoRef is the inode-reference recorded once the serialiser has
	// emitted this node's inode into the inode metadata writer.
	InoRef inodeRef

	// inoPos/serialized track the serialiser's single-pass write: a node
	// shared by more than one directory entry (a hardlink target) must
	// have its inode written exactly once.
	inoPos     metadataRef
	serialized bool

	// fileData is the data-writer-side side table entry described in
	// spec design note §9 ("user_ptr back-channel"): set by the data
	// writer once a regular file's blocks/fragment are known, consumed by
	// the serialiser. nil for anything but a regular file; hardlinks to a
	// regular file share its node and so its fileData.
	fileData *fileInodeData
}

// fileInodeData is the per-regular-file metadata produced by the data
// writer and consumed by the serialiser: the block list, fragment
// reference, and sparse flag needed to emit a file inode.
type fileInodeData struct {
	StartBlock uint64
	Blocks     []uint32 // on-disk block-size entries (compressed size | flags)
	FragBlock  uint32
	FragOfft   uint32
	Sparse     bool
}

// SparseExtent is one materialised (offset, count) run within a sparse
// file's logical byte range, as recorded by the GNU/PAX sparse map (§4.3).
type SparseExtent struct {
	Offset uint64
	Count  uint64
}

// Defaults holds the uid/gid/mode/mtime applied to implicitly created
// directories; its ModTime is also applied to every entry whose
// Stat.KeepTime is false.
type Defaults struct {
	Uid     uint32
	Gid     uint32
	Mode    uint16
	ModTime int32
}

// Tree is the in-memory filesystem being built from the tar stream before
// serialisation. Single-writer: only the producer task touches it.
type Tree struct {
	nodes    []*Node
	root     NodeId
	defaults Defaults

	// linkTargets maps a canonical path to the node id it resolved to, so
	// later hardlink entries ('1' records) can find their target.
	linkTargets map[string]NodeId
}

// NewTree creates an empty tree with just the root directory.
func NewTree(defaults Defaults) *Tree {
	t := &Tree{defaults: defaults, linkTargets: make(map[string]NodeId)}
	root := t.newNode("", noNode, DirType)
	root.Mode = defaults.Mode
	root.Uid = defaults.Uid
	root.Gid = defaults.Gid
	root.ModTime = defaults.ModTime
	t.root = root.Self
	t.linkTargets["."] = root.Self
	return t
}

func (t *Tree) Root() NodeId { return t.root }

func (t *Tree) Node(id NodeId) *Node { return t.nodes[id] }

// InodeCount returns the number of distinct inodes in the tree (every
// hardlink target counted once), valid after GenInodeTable has run.
func (t *Tree) InodeCount() uint32 { return uint32(len(t.nodes)) }

// Nodes returns every node in the tree, in creation order.
func (t *Tree) Nodes() []*Node { return t.nodes }

func (t *Tree) newNode(name string, parent NodeId, typ Type) *Node {
	n := &Node{
		Name:   name,
		Parent: parent,
		Self:   NodeId(len(t.nodes)),
		Type:   typ,
	}
	t.nodes = append(t.nodes, n)
	if typ.IsDir() {
		n.childIdx = make(map[string]NodeId)
	}
	return n
}

// Stat carries the subset of tar header fields AddGeneric needs; it is
// decoupled from the tar package's own header type so the tree has no
// import-time dependency on the decoder.
type Stat struct {
	Mode    uint16
	Uid     uint32
	Gid     uint32
	ModTime int32
	Size    uint64
	Rdev    uint32
	KeepTime bool
}

// canonicalPath splits and canonicalises a tar entry path into clean,
// non-empty components; see spec §4.3 name canonicalisation.
func canonicalPath(p string) ([]string, error) {
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.TrimLeft(p, "/")

	var out []string
	for _, part := range strings.Split(p, "/") {
		switch part {
		case "", ".":
			continue
		case "..":
			if len(out) == 0 {
				return nil, NewError(TreeConstraint, p, errPathEscape)
			}
			out = out[:len(out)-1]
		default:
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return nil, NewError(TreeConstraint, p, errEmptyName)
	}
	return out, nil
}

// AddGeneric inserts (or replaces) the node at path, creating any missing
// intermediate directories with tree-wide defaults. typ/linkTarget describe
// the leaf; for non-directory entries linkTarget is the symlink target (or
// empty). Returns the created/updated node.
func (t *Tree) AddGeneric(p string, st Stat, typ Type, linkTarget string) (*Node, error) {
	parts, err := canonicalPath(p)
	if err != nil {
		return nil, err
	}

	cur := t.root
	for _, part := range parts[:len(parts)-1] {
		cur, err = t.ensureDir(cur, part)
		if err != nil {
			return nil, err
		}
	}

	leaf := parts[len(parts)-1]
	parent := t.nodes[cur]

	if existing, ok := parent.childIdx[leaf]; ok {
		// existing-path collision: replace attributes in place, per §4.4.
		n := t.nodes[existing]
		t.applyStat(n, st, typ, linkTarget)
		t.linkTargets[strings.Join(parts, "/")] = existing
		return n, nil
	}

	n := t.newNode(leaf, cur, typ)
	t.applyStat(n, st, typ, linkTarget)
	parent.Children = append(parent.Children, n.Self)
	parent.childIdx[leaf] = n.Self
	t.linkTargets[strings.Join(parts, "/")] = n.Self
	return n, nil
}

func (t *Tree) applyStat(n *Node, st Stat, typ Type, linkTarget string) {
	n.Type = typ
	n.Mode = st.Mode & 0777
	n.Uid = st.Uid
	n.Gid = st.Gid
	n.Size = st.Size
	n.Rdev = st.Rdev
	n.LinkTarget = linkTarget
	n.NLink = 1
	if st.KeepTime {
		n.ModTime = st.ModTime
	} else {
		n.ModTime = t.defaults.ModTime
	}
}

// ensureDir returns the NodeId of the child directory `name` under parent,
// creating it with tree-wide defaults if it does not already exist. If a
// non-directory already occupies that name, an error is returned.
func (t *Tree) ensureDir(parent NodeId, name string) (NodeId, error) {
	p := t.nodes[parent]
	if id, ok := p.childIdx[name]; ok {
		n := t.nodes[id]
		if !n.Type.IsDir() {
			return 0, NewError(TreeConstraint, name, errNotADirectory)
		}
		return id, nil
	}

	n := t.newNode(name, parent, DirType)
	n.Mode = t.defaults.Mode
	n.Uid = t.defaults.Uid
	n.Gid = t.defaults.Gid
	n.ModTime = t.defaults.ModTime
	p.Children = append(p.Children, n.Self)
	p.childIdx[name] = n.Self
	return n.Self, nil
}

// AddHardlink resolves target (already canonicalised by the tar decoder's
// caller) to an existing node and increments its link count, instead of
// creating a new node for linkPath.
func (t *Tree) AddHardlink(linkPath, target string) (*Node, error) {
	tparts, err := canonicalPath(target)
	if err != nil {
		return nil, err
	}
	tid, ok := t.linkTargets[strings.Join(tparts, "/")]
	if !ok {
		return nil, NewError(TreeConstraint, linkPath, errDanglingLink)
	}

	parts, err := canonicalPath(linkPath)
	if err != nil {
		return nil, err
	}

	cur := t.root
	for _, part := range parts[:len(parts)-1] {
		cur, err = t.ensureDir(cur, part)
		if err != nil {
			return nil, err
		}
	}
	leaf := parts[len(parts)-1]
	parent := t.nodes[cur]

	tnode := t.nodes[tid]
	if tnode.Type.IsDir() {
		for a := cur; a != noNode; a = t.nodes[a].Parent {
			if a == tid {
				return nil, NewError(TreeConstraint, linkPath, errHardlinkCycle)
			}
		}
	}
	tnode.NLink++

	if existing, ok := parent.childIdx[leaf]; ok && existing == tid {
		return tnode, nil
	}
	parent.Children = append(parent.Children, tid)
	parent.childIdx[leaf] = tid
	t.linkTargets[strings.Join(parts, "/")] = tid
	return tnode, nil
}

// SetFileBlocks attaches the data writer's placement for n (a regular
// file), consumed by the serialiser when it emits n's extended file inode.
// sparse marks whether n's block list contains hole entries, needed to
// compute the inode's sparse byte count.
func (t *Tree) SetFileBlocks(n *Node, fb FileBlocks, sparse bool) {
	n.fileData = &fileInodeData{
		StartBlock: fb.StartBlock,
		Blocks:     fb.Blocks,
		FragBlock:  fb.FragBlock,
		FragOfft:   fb.FragOfft,
		Sparse:     sparse,
	}
}

// AddXattr appends one (key, value) pair to node's pending xattr list.
func (t *Tree) AddXattr(n *Node, key string, value []byte) {
	n.Xattrs = append(n.Xattrs, xattrPair{Key: key, Value: value})
	n.hasXattrs = true
}

// Mkdev encodes a device major/minor pair the way the kernel (and thus
// SquashFS on-disk device inodes) expects.
func Mkdev(major, minor uint32) uint32 {
	return uint32(unix.Mkdev(major, minor))
}

// SortRecursive orders every directory's children bytewise ascending by
// name, required because directory entries within a SquashFS header must
// support bisection (§4.4, testable property 3).
func (t *Tree) SortRecursive() {
	t.sortDir(t.root)
}

func (t *Tree) sortDir(id NodeId) {
	n := t.nodes[id]
	sort.Slice(n.Children, func(i, j int) bool {
		return t.nodes[n.Children[i]].Name < t.nodes[n.Children[j]].Name
	})
	for _, c := range n.Children {
		if t.nodes[c].Type.IsDir() {
			t.sortDir(c)
		}
	}
}

// GenInodeTable assigns dense inode numbers in the order required by §4.4:
// within each directory, non-directory children first, then sub-directories
// (recursively), then the directory itself last. This guarantees a parent's
// inode number always exceeds every descendant's (testable property 2).
func (t *Tree) GenInodeTable() uint32 {
	var next uint32 = 1
	var walk func(id NodeId)
	walk = func(id NodeId) {
		n := t.nodes[id]
		var dirs []NodeId
		for _, c := range n.Children {
			if t.nodes[c].Type.IsDir() {
				dirs = append(dirs, c)
				continue
			}
			cn := t.nodes[c]
			if cn.Ino == 0 {
				cn.Ino = next
				next++
			}
		}
		for _, d := range dirs {
			walk(d)
		}
		n.Ino = next
		next++
	}
	walk(t.root)
	return next - 1
}

// XattrDeduplicate interns every node's xattr list into xt, sharing an
// index across nodes whose canonicalised (sorted, merged) lists are
// identical, and records the result on each node (§4.4, testable property
// 6). Must run after GenInodeTable and before the serialiser walks the
// tree.
func (t *Tree) XattrDeduplicate(xt *XattrTable) {
	for _, n := range t.nodes {
		n.XattrIdx = xt.Intern(n.Xattrs)
	}
}

// Path reconstructs the canonical slash-separated path to a node, for
// diagnostics.
func (t *Tree) Path(id NodeId) string {
	var parts []string
	for id != t.root {
		n := t.nodes[id]
		parts = append([]string{n.Name}, parts...)
		id = n.Parent
	}
	if len(parts) == 0 {
		return "/"
	}
	return path.Join(parts...)
}

var (
	errPathEscape    = errors.New("path escapes archive root via '..'")
	errEmptyName     = errors.New("empty path after canonicalisation")
	errNotADirectory = errors.New("path component is not a directory")
	errDanglingLink  = errors.New("hardlink target not found")
	errHardlinkCycle = errors.New("hardlink to an enclosing directory would create a cycle")
)
