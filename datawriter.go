package squashfs

import (
	"context"
	"crypto/sha256"
	"sync"

	"golang.org/x/sync/errgroup"
)

const invalidFragment = 0xffffffff

// blockJob is one unit of work submitted to the data writer: either a
// full-size block, an undersized tail destined for a fragment, or a sparse
// hole (§4.8).
type blockJob struct {
	fileID     uint64
	blockIndex int
	payload    []byte
	isTail     bool
	isHole     bool
}

// blockResult is what a worker produces for one job, before the emitter
// decides whether it lands as a plain block or inside a fragment.
type blockResult struct {
	job        blockJob
	compressed []byte
	stored     bool
}

// FileBlocks is what the data writer hands back to the serialiser once a
// file has been fully submitted and drained: its block list (on-disk
// block-size entries, compressed-size-or-stored-flag encoded), its start
// offset, and, if its tail went into a fragment, the fragment reference.
type FileBlocks struct {
	StartBlock uint64
	Blocks     []uint32
	FragBlock  uint32
	FragOfft   uint32
}

// fragmentEntry is one flushed fragment's on-disk descriptor.
type fragmentEntry struct {
	start uint64
	size  uint32
}

// fileAccum tracks one file's blocks as the emitter drains them in order,
// plus the total job count the producer will submit (set by CloseFile) so
// the emitter knows when the file is complete.
type fileAccum struct {
	blocks     []uint32
	startBlock uint64
	started    bool
	fragIdx    int // index into dw.fragments once the file's tail lands in a flushed fragment
	fragOfft   uint32
	hasTail    bool
	pendingTail *blockResult // never set: a tail is appended to dw.fragBuf as soon as it is emitted

	total   int // total jobs for this file; -1 until CloseFile is called
	nextIdx int
	pending map[int]blockResult
	done    chan struct{}
}

// DataWriter implements the parallel block processor of spec §4.8: a
// bounded job queue feeding num_jobs compressor workers, draining through a
// single ordered emitter so that, for any file, block byte-offsets appear
// in block-index order regardless of how workers interleave (§5).
type DataWriter struct {
	sink      Sink
	blockSize uint32
	comp      SquashComp
	level     int // --comp-extra "level=N" override, or -1 for codec default

	jobs chan blockJob

	eg     *errgroup.Group
	egCtx  context.Context
	cancel context.CancelFunc

	mu    sync.Mutex // guards files, fragments, fragBuf, offset
	files map[uint64]*fileAccum

	fragBuf   []byte
	fragments []fragmentEntry

	offset uint64 // next free byte offset in the sink

	dedupMu sync.Mutex
	dedup   map[string]FileBlocks
}

// NewDataWriter creates a data writer emitting compressed blocks to sink,
// starting at sink.Size() (so it can be layered after a pre-written
// superblock), with numJobs compression workers and the given backlog cap.
// level is the --comp-extra "level=N" override (§6), or -1 to use each
// codec's default.
func NewDataWriter(sink Sink, blockSize uint32, comp SquashComp, numJobs, backlog, level int) *DataWriter {
	if numJobs < 1 {
		numJobs = 1
	}
	if backlog < 1 {
		backlog = 10 * numJobs
	}

	ctx, cancel := context.WithCancel(context.Background())
	eg, egCtx := errgroup.WithContext(ctx)

	dw := &DataWriter{
		sink:      sink,
		blockSize: blockSize,
		comp:      comp,
		level:     level,
		jobs:      make(chan blockJob, backlog),
		eg:        eg,
		egCtx:     egCtx,
		cancel:    cancel,
		files:     make(map[uint64]*fileAccum),
		dedup:     make(map[string]FileBlocks),
		offset:    uint64(sink.Size()),
	}

	for i := 0; i < numJobs; i++ {
		eg.Go(dw.worker)
	}

	return dw
}

// BeginFile registers fileID so the emitter can track its block stream.
// Must be called before the first Submit for fileID.
func (dw *DataWriter) BeginFile(fileID uint64) {
	dw.mu.Lock()
	dw.files[fileID] = &fileAccum{
		total:   -1,
		pending: make(map[int]blockResult),
		done:    make(chan struct{}),
	}
	dw.mu.Unlock()
}

// Submit enqueues one job, blocking if the queue is full (§5 suspension
// point) or returning the first worker error observed so far.
func (dw *DataWriter) Submit(job blockJob) error {
	select {
	case dw.jobs <- job:
		return nil
	case <-dw.egCtx.Done():
		return dw.eg.Wait()
	}
}

// SubmitBlock submits one full-size or tail block of fileID's data at
// blockIndex; isTail marks an undersized final block destined for a
// fragment rather than a standalone data block (§4.8).
func (dw *DataWriter) SubmitBlock(fileID uint64, blockIndex int, payload []byte, isTail bool) error {
	return dw.Submit(blockJob{fileID: fileID, blockIndex: blockIndex, payload: payload, isTail: isTail})
}

// SubmitHole submits a sparse-hole placeholder at blockIndex for fileID
// (§4.8 "sparse condensed write"): no bytes are written to the sink and the
// inode's block list records a zero-length entry.
func (dw *DataWriter) SubmitHole(fileID uint64, blockIndex int) error {
	return dw.Submit(blockJob{fileID: fileID, blockIndex: blockIndex, isHole: true})
}

// CloseFile tells the data writer fileID's last job has been submitted
// (jobCount total jobs including any tail/hole entries). Combined with
// FinishFile this lets the emitter detect file completion without polling.
func (dw *DataWriter) CloseFile(fileID uint64, jobCount int) {
	dw.mu.Lock()
	acc := dw.files[fileID]
	acc.total = jobCount
	if acc.nextIdx >= acc.total {
		close(acc.done)
	}
	dw.mu.Unlock()
}

// FinishFile blocks until every job submitted for fileID has been emitted,
// then returns (and forgets) its placement. If hash is non-nil, the
// placement is recorded for future Lookup calls (§4.8 Deduplication).
func (dw *DataWriter) FinishFile(fileID uint64, hash []byte) (FileBlocks, error) {
	dw.mu.Lock()
	acc := dw.files[fileID]
	dw.mu.Unlock()

	select {
	case <-acc.done:
	case <-dw.egCtx.Done():
		return FileBlocks{}, dw.eg.Wait()
	}

	dw.mu.Lock()
	delete(dw.files, fileID)
	dw.mu.Unlock()

	fb := FileBlocks{
		StartBlock: acc.startBlock,
		Blocks:     acc.blocks,
		FragOfft:   acc.fragOfft,
	}
	if acc.hasTail {
		fb.FragBlock = uint32(acc.fragIdx)
	} else {
		fb.FragBlock = invalidFragment
	}

	if hash != nil {
		dw.dedupMu.Lock()
		dw.dedup[string(hash)] = fb
		dw.dedupMu.Unlock()
	}
	return fb, nil
}

// Lookup returns a previously written file's placement if an identical
// block-list hash was already produced this run (§4.8 Deduplication).
func (dw *DataWriter) Lookup(hash []byte) (FileBlocks, bool) {
	dw.dedupMu.Lock()
	defer dw.dedupMu.Unlock()
	fb, ok := dw.dedup[string(hash)]
	return fb, ok
}

// HashBlocks computes the dedup key for a file's raw content.
func HashBlocks(chunks [][]byte) []byte {
	h := sha256.New()
	for _, c := range chunks {
		h.Write(c)
	}
	return h.Sum(nil)
}

// Fragments returns every flushed fragment's (start, size) descriptor, in
// the order fragments became full (§5 ordering guarantee b).
func (dw *DataWriter) Fragments() []fragmentEntry {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	return append([]fragmentEntry(nil), dw.fragments...)
}

// Offset returns the next free byte offset in the sink, valid once Sync has
// returned: the position the serialiser should start writing the inode
// table at.
func (dw *DataWriter) Offset() uint64 {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	return dw.offset
}

// worker is one of num_jobs independent compression tasks; each owns a
// private Compressor instance and never touches the sink or shared state
// directly except through emit, which serialises everything behind dw.mu
// (§5: "each worker owns its compressor; compressors must not share
// state").
func (dw *DataWriter) worker() error {
	c, err := dw.comp.NewCompressor(dw.level)
	if err != nil {
		return err
	}
	defer c.Destroy()

	for {
		select {
		case job, ok := <-dw.jobs:
			if !ok {
				return nil
			}
			if err := dw.handleJob(c, job); err != nil {
				return err
			}
		case <-dw.egCtx.Done():
			return nil
		}
	}
}

func (dw *DataWriter) handleJob(c Compressor, job blockJob) error {
	if job.isHole {
		return dw.emit(blockResult{job: job})
	}

	out, stored, err := c.CompressBlock(job.payload)
	if err != nil {
		return NewError(Compression, "", err)
	}
	return dw.emit(blockResult{job: job, compressed: out, stored: stored})
}

// emit buffers a completed result and, while the next block(s) this file
// needs are available, writes them out in strict block-index order. This
// keeps per-file output ordered without forcing workers to finish in
// submission order.
func (dw *DataWriter) emit(res blockResult) error {
	dw.mu.Lock()
	defer dw.mu.Unlock()

	acc := dw.files[res.job.fileID]
	acc.pending[res.job.blockIndex] = res

	for {
		r, ok := acc.pending[acc.nextIdx]
		if !ok {
			break
		}
		delete(acc.pending, acc.nextIdx)
		acc.nextIdx++
		if err := dw.writeOrderedLocked(acc, r); err != nil {
			return err
		}
	}

	if acc.total >= 0 && acc.nextIdx >= acc.total {
		select {
		case <-acc.done:
		default:
			close(acc.done)
		}
	}
	return nil
}

// writeOrderedLocked performs the actual sink/fragment write for one
// result; dw.mu is held throughout, which is what makes per-file ordering
// and fragment accumulation safe across concurrent workers.
func (dw *DataWriter) writeOrderedLocked(acc *fileAccum, r blockResult) error {
	if r.job.isHole {
		acc.blocks = append(acc.blocks, 0)
		return nil
	}

	if r.job.isTail {
		acc.hasTail = true
		if len(dw.fragBuf)+len(r.job.payload) > int(dw.blockSize) {
			if err := dw.flushFragmentLocked(); err != nil {
				return err
			}
		}
		acc.fragIdx = len(dw.fragments) // the fragment this tail will land in once flushed
		acc.fragOfft = uint32(len(dw.fragBuf))
		dw.fragBuf = append(dw.fragBuf, r.job.payload...)
		return nil
	}

	off := dw.offset
	if _, err := dw.sink.WriteAt(r.compressed, int64(off)); err != nil {
		return NewError(Io, "", err)
	}
	dw.offset += uint64(len(r.compressed))

	if !acc.started {
		acc.startBlock = off
		acc.started = true
	}

	blkSize := uint32(len(r.compressed))
	if r.stored {
		blkSize |= 0x1000000
	}
	acc.blocks = append(acc.blocks, blkSize)
	return nil
}

// flushFragmentLocked compresses and writes the current fragment buffer to
// the sink, recording its descriptor. Caller must hold dw.mu.
func (dw *DataWriter) flushFragmentLocked() error {
	if len(dw.fragBuf) == 0 {
		return nil
	}

	c, err := dw.comp.NewCompressor(dw.level)
	if err != nil {
		return err
	}
	out, stored, err := c.CompressBlock(dw.fragBuf)
	c.Destroy()
	if err != nil {
		return NewError(Compression, "", err)
	}

	off := dw.offset
	if _, err := dw.sink.WriteAt(out, int64(off)); err != nil {
		return NewError(Io, "", err)
	}
	dw.offset += uint64(len(out))

	size := uint32(len(out))
	if stored {
		size |= 0x1000000
	}
	dw.fragments = append(dw.fragments, fragmentEntry{start: off, size: size})
	dw.fragBuf = nil
	return nil
}

// Sync drains the queue, flushes the current fragment, and waits for every
// worker to finish (§4.8 sync()).
func (dw *DataWriter) Sync() error {
	close(dw.jobs)
	err := dw.eg.Wait()

	dw.mu.Lock()
	ferr := dw.flushFragmentLocked()
	dw.mu.Unlock()

	if err != nil {
		return err
	}
	return ferr
}
