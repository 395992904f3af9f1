// Command tar2sqfs reads an uncompressed tar archive from standard input
// and turns it into a SquashFS filesystem image (spec §6).
package main

import (
	"fmt"
	"io"
	"log"
	"os"

	squashfs "github.com/sqfsgen/tar2sqfs"
	"github.com/sqfsgen/tar2sqfs/tarfile"
)

const version = "tar2sqfs (module rewrite) 1.0"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fatalf("%v", err)
	}
}

func run(args []string) error {
	cfg, err := parseArgs(args)
	if err != nil {
		return err
	}
	if cfg.version {
		fmt.Println(version)
		return nil
	}

	comp, err := squashfs.CompressorByName(cfg.compressor)
	if err != nil {
		return err
	}
	level, err := compLevel(cfg.compExtra)
	if err != nil {
		return err
	}
	defaults, err := parseDefaults(cfg.defaults)
	if err != nil {
		return err
	}

	flags := os.O_RDWR | os.O_CREATE
	if cfg.force {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_EXCL
	}
	out, err := os.OpenFile(cfg.filename, flags, 0644)
	if err != nil {
		return fmt.Errorf("%s: %w", cfg.filename, err)
	}
	defer out.Close()

	p := &packer{
		cfg:      cfg,
		comp:     comp,
		tree:     squashfs.NewTree(defaults),
		ids:      squashfs.NewIdTable(),
		xattrs:   squashfs.NewXattrTable(comp),
		nextFile: 1,
	}

	sink := squashfs.NewFileSink(out, nil)

	// Write a placeholder superblock, then any compressor option bytes
	// right after it, exactly as tar2sqfs.c does: the data writer starts
	// at sink.Size() so it never overwrites the options block.
	if _, err := sink.WriteAt(make([]byte, 96), 0); err != nil {
		return err
	}
	optCompressor, err := comp.NewCompressor(level)
	if err != nil {
		return err
	}
	var optBuf optWriter
	optWritten, err := optCompressor.WriteOptions(&optBuf)
	optCompressor.Destroy()
	if err != nil {
		return err
	}
	var extraFlags squashfs.SquashFlags
	if optWritten > 0 {
		if _, err := sink.WriteAt(optBuf.buf, 96); err != nil {
			return err
		}
		extraFlags |= squashfs.COMPRESSOR_OPTIONS
	}

	p.dw = squashfs.NewDataWriter(sink, uint32(cfg.blockSize), comp, cfg.numJobs, cfg.backlog, level)

	tr := tarfile.NewReader(os.Stdin)
	if err := p.processTarBall(tr); err != nil {
		return err
	}

	if err := p.dw.Sync(); err != nil {
		return err
	}

	p.tree.SortRecursive()
	p.tree.GenInodeTable()
	p.tree.XattrDeduplicate(p.xattrs)

	stats, err := squashfs.Serialize(p.tree, p.dw, p.xattrs, p.ids, sink, squashfs.BuildOptions{
		BlockSize:    uint32(cfg.blockSize),
		Comp:         comp,
		Exportable:   cfg.exportable,
		ModTime:      defaults.ModTime,
		DevBlockSize: uint32(cfg.devBlockSize),
		ExtraFlags:   extraFlags,
	})
	if err != nil {
		return err
	}

	if !cfg.quiet {
		printStatistics(stats)
	}
	return nil
}

// optWriter is a minimal io.Writer accumulating a compressor's options
// block so it can be measured and written in one shot.
type optWriter struct{ buf []byte }

func (w *optWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}

// printStatistics restores tar2sqfs.c's non-quiet summary line
// (sqfs_print_statistics), dropped by the distillation.
func printStatistics(s squashfs.Stats) {
	log.Printf("squashfs: %d inodes, %d fragments, %d bytes written, compressor %s",
		s.InodeCount, s.FragmentCount, s.BytesUsed, s.Compressor)
}

// packer drives the single-threaded producer loop: decode one tar record,
// insert it into the tree, hand regular-file bodies to the data writer.
type packer struct {
	cfg    *config
	comp   squashfs.SquashComp
	tree   *squashfs.Tree
	ids    *squashfs.IdTable
	xattrs *squashfs.XattrTable
	dw     *squashfs.DataWriter

	nextFile uint64
}

func (p *packer) processTarBall(tr *tarfile.Reader) error {
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if !squashfs.IsKind(err, squashfs.InputFormat) {
				return err
			}
			if err := p.handleDecodeError(tr, err); err != nil {
				return err
			}
			continue
		}

		if hdr.UnknownRecord {
			fmt.Fprintf(os.Stderr, "%s: unknown entry type\n", hdr.Name)
			if p.cfg.noSkip {
				return squashfs.NewError(squashfs.UnsupportedFeature, hdr.Name, fmt.Errorf("unknown record type"))
			}
			if err := tr.Skip(); err != nil {
				return err
			}
			continue
		}

		if err := p.handleEntry(tr, hdr); err != nil {
			return err
		}
	}
}

func (p *packer) handleDecodeError(tr *tarfile.Reader, err error) error {
	if p.cfg.noSkip {
		return err
	}
	fmt.Fprintf(os.Stderr, "skipping malformed tar record: %v\n", err)
	return tr.Skip()
}

func (p *packer) handleEntry(tr *tarfile.Reader, hdr *tarfile.Header) error {
	if !p.cfg.quiet {
		log.Printf("packing %s", hdr.Name)
	}

	st := squashfs.Stat{
		Mode:     uint16(hdr.Mode & 0777),
		Uid:      hdr.Uid,
		Gid:      hdr.Gid,
		ModTime:  int32(hdr.ModTime),
		Size:     hdr.Size,
		KeepTime: p.cfg.keepTime,
	}

	switch hdr.Typeflag {
	case tarfile.TypeHardlink:
		if _, err := p.tree.AddHardlink(hdr.Name, hdr.Linkname); err != nil {
			return err
		}
		return nil

	case tarfile.TypeDir:
		n, err := p.tree.AddGeneric(hdr.Name, st, squashfs.DirType, "")
		if err != nil {
			return err
		}
		return p.copyXattrsNode(n, hdr)

	case tarfile.TypeSymlink:
		n, err := p.tree.AddGeneric(hdr.Name, st, squashfs.SymlinkType, hdr.Linkname)
		if err != nil {
			return err
		}
		return p.copyXattrsNode(n, hdr)

	case tarfile.TypeChar, tarfile.TypeBlock:
		st.Rdev = squashfs.Mkdev(hdr.Devmajor, hdr.Devminor)
		typ := squashfs.CharDevType
		if hdr.Typeflag == tarfile.TypeBlock {
			typ = squashfs.BlockDevType
		}
		n, err := p.tree.AddGeneric(hdr.Name, st, typ, "")
		if err != nil {
			return err
		}
		return p.copyXattrsNode(n, hdr)

	case tarfile.TypeFifo:
		n, err := p.tree.AddGeneric(hdr.Name, st, squashfs.FifoType, "")
		if err != nil {
			return err
		}
		return p.copyXattrsNode(n, hdr)

	case tarfile.TypeRegular, tarfile.TypeRegularOld:
		n, err := p.tree.AddGeneric(hdr.Name, st, squashfs.FileType, "")
		if err != nil {
			return err
		}
		if err := p.copyXattrsNode(n, hdr); err != nil {
			return err
		}
		return p.packFile(tr, n, hdr)

	default:
		// Next's typeflag dispatch already routes anything not in this
		// set through UnknownRecord before handleEntry is ever called.
		return squashfs.NewError(squashfs.Internal, hdr.Name, fmt.Errorf("unreachable record type %q", hdr.Typeflag))
	}
}

// acceptedXattrPrefixes mirrors tar2sqfs.c's sqfs_has_xattr: only these
// three namespaces can be represented in a SquashFS xattr table.
var acceptedXattrPrefixes = []string{"user.", "trusted.", "security."}

func (p *packer) copyXattrsNode(n *squashfs.Node, hdr *tarfile.Header) error {
	if p.cfg.noXattr {
		return nil
	}
	for _, x := range hdr.Xattrs {
		accepted := false
		for _, prefix := range acceptedXattrPrefixes {
			if len(x.Key) >= len(prefix) && x.Key[:len(prefix)] == prefix {
				accepted = true
				break
			}
		}
		if !accepted {
			if p.cfg.noSkip {
				return squashfs.NewError(squashfs.UnsupportedFeature, hdr.Name, fmt.Errorf("xattr prefix %q", x.Key))
			}
			fmt.Fprintf(os.Stderr, "WARNING: squashfs does not support xattr prefix of %s\n", x.Key)
			continue
		}
		p.tree.AddXattr(n, x.Key, x.Value)
	}
	return nil
}

// packFile reads hdr's body (condensed, if sparse) from tr and submits it
// to the data writer as a sequence of block_size-aligned blocks and/or
// sparse holes, deduplicating whole files by content hash (§4.8).
func (p *packer) packFile(tr *tarfile.Reader, n *squashfs.Node, hdr *tarfile.Header) error {
	blockSize := uint32(p.cfg.blockSize)
	plans := planBlocks(hdr.Size, blockSize, hdr.Sparse)

	chunks := make([][]byte, len(plans))
	for i, pl := range plans {
		if pl.isHole {
			continue
		}
		buf := make([]byte, pl.size)
		for _, seg := range pl.segments {
			if _, err := io.ReadFull(tr, buf[seg.off:seg.off+seg.n]); err != nil {
				return squashfs.NewError(squashfs.Io, hdr.Name, err)
			}
		}
		chunks[i] = buf
	}
	if err := tr.Skip(); err != nil {
		return squashfs.NewError(squashfs.Io, hdr.Name, err)
	}

	sparse := len(hdr.Sparse) > 0
	hash := squashfs.HashBlocks(chunks)
	if fb, ok := p.dw.Lookup(hash); ok {
		p.tree.SetFileBlocks(n, fb, sparse)
		return nil
	}

	fileID := p.nextFile
	p.nextFile++
	p.dw.BeginFile(fileID)
	for i, pl := range plans {
		if pl.isHole {
			if err := p.dw.SubmitHole(fileID, i); err != nil {
				return err
			}
			continue
		}
		isTail := i == len(plans)-1 && pl.size < int(blockSize)
		if err := p.dw.SubmitBlock(fileID, i, chunks[i], isTail); err != nil {
			return err
		}
	}
	p.dw.CloseFile(fileID, len(plans))

	fb, err := p.dw.FinishFile(fileID, hash)
	if err != nil {
		return err
	}
	p.tree.SetFileBlocks(n, fb, sparse)
	return nil
}

// blockPlan describes one block_size-aligned chunk of a file's logical
// byte range: either a pure sparse hole, or a payload of size bytes built
// from one or more stream segments (offset-within-block, length) with the
// rest implicitly zero.
type blockPlan struct {
	isHole   bool
	size     int
	segments []segRange
}

type segRange struct{ off, n int }

// planBlocks divides a file's logical size into block_size-aligned chunks
// and maps each one onto the materialised byte ranges the tar stream
// actually carries, per spec §4.8's "sparse condensed write": a chunk with
// no overlapping materialised bytes becomes a hole; the stream is read in
// ascending offset order to match the order materialised extents are
// written in.
func planBlocks(size uint64, blockSize uint32, sparse []tarfile.SparseExtent) []blockPlan {
	bs := uint64(blockSize)
	if bs == 0 {
		bs = 1
	}
	n := (size + bs - 1) / bs
	if size == 0 {
		n = 0
	}
	plans := make([]blockPlan, n)

	var ranges []tarfile.SparseExtent
	for _, e := range sparse {
		if e.Count > 0 {
			ranges = append(ranges, e)
		}
	}

	if len(ranges) == 0 {
		for i := uint64(0); i < n; i++ {
			start := i * bs
			end := start + bs
			if end > size {
				end = size
			}
			plen := int(end - start)
			plans[i] = blockPlan{size: plen, segments: []segRange{{0, plen}}}
		}
		return plans
	}

	ri := 0
	for i := uint64(0); i < n; i++ {
		start := i * bs
		end := start + bs
		if end > size {
			end = size
		}
		plen := int(end - start)

		for ri < len(ranges) && ranges[ri].Offset+ranges[ri].Count <= start {
			ri++
		}

		var segs []segRange
		for j := ri; j < len(ranges) && ranges[j].Offset < end; j++ {
			os, oe := ranges[j].Offset, ranges[j].Offset+ranges[j].Count
			if os < start {
				os = start
			}
			if oe > end {
				oe = end
			}
			if oe > os {
				segs = append(segs, segRange{off: int(os - start), n: int(oe - os)})
			}
		}

		if len(segs) == 0 {
			plans[i] = blockPlan{isHole: true, size: plen}
		} else {
			plans[i] = blockPlan{size: plen, segments: segs}
		}
	}
	return plans
}
