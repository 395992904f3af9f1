package tarfile

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strconv"
	"strings"
)

const recordBlockSize = 512

var (
	errMalformedPAX    = errors.New("tarfile: malformed PAX extended header")
	errMalformedSparse = errors.New("tarfile: malformed sparse map")
	errShortBlock      = errors.New("tarfile: short tar record")
	errSizeMismatch    = errors.New("tarfile: sparse extent sum does not match recorded size")
)

// Reader decodes a stream of tar records into Header values, tracking
// per-entry body consumption and 512-byte padding itself so callers only
// ever see logical (Header, data-reader) pairs (spec §4.3).
type Reader struct {
	r *bufio.Reader

	dataRemaining int64 // bytes of the current entry still readable via Read
	padRemaining  int64 // zero padding left to discard once dataRemaining hits 0

	globalPax paxRecords

	pendingLongName string
	pendingLongLink string
}

// NewReader wraps r (typically os.Stdin) as a tar decoder.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 1<<20), globalPax: paxRecords{}}
}

// Next advances to the next record, draining any unread body and padding
// of the previous one first, and returns its decoded header. Returns
// io.EOF once the archive's end-of-archive marker (an all-zero block) is
// reached.
func (tr *Reader) Next() (*Header, error) {
	if err := tr.Skip(); err != nil {
		return nil, err
	}

	var localPax paxRecords

	for {
		block, err := tr.readBlock()
		if err != nil {
			return nil, err
		}
		if isAllZero(block) {
			return nil, io.EOF
		}

		typeflag := Typeflag(block[156])

		switch typeflag {
		case typeGNULongName:
			name, err := tr.readLongField(block)
			if err != nil {
				return nil, err
			}
			tr.pendingLongName = name
			continue
		case typeGNULongLink:
			link, err := tr.readLongField(block)
			if err != nil {
				return nil, err
			}
			tr.pendingLongLink = link
			continue
		case typePAXGlobal:
			n, err := paxBodySize(block)
			if err != nil {
				return nil, err
			}
			pax, err := readPAXBody(tr.r, n)
			if err != nil {
				return nil, err
			}
			tr.globalPax = tr.globalPax.merge(pax)
			continue
		case typePAXLocal:
			n, err := paxBodySize(block)
			if err != nil {
				return nil, err
			}
			pax, err := readPAXBody(tr.r, n)
			if err != nil {
				return nil, err
			}
			if localPax == nil {
				localPax = pax
			} else {
				localPax = localPax.merge(pax)
			}
			continue
		default:
			return tr.decodeHeader(block, typeflag, tr.globalPax.merge(localPax))
		}
	}
}

// decodeHeader builds the final Header from one ustar/GNU block plus any
// pending long-name/long-link overrides and merged PAX records.
func (tr *Reader) decodeHeader(block []byte, typeflag Typeflag, pax paxRecords) (*Header, error) {
	hdr := &Header{Typeflag: typeflag}

	name := trimField(block[0:100])
	if tr.pendingLongName != "" {
		name = tr.pendingLongName
		tr.pendingLongName = ""
	} else if magic := string(block[257:263]); magic == "ustar\x00" {
		if prefix := trimField(block[345:500]); prefix != "" {
			name = prefix + "/" + name
		}
	}
	hdr.Name = name

	hdr.Linkname = trimField(block[157:257])
	if tr.pendingLongLink != "" {
		hdr.Linkname = tr.pendingLongLink
		tr.pendingLongLink = ""
	}

	mode, err := parseNumeric(block[100:108])
	if err != nil {
		return nil, NewFormatError(err)
	}
	hdr.Mode = uint32(mode)

	uid, err := parseNumeric(block[108:116])
	if err != nil {
		return nil, NewFormatError(err)
	}
	hdr.Uid = uint32(uid)

	gid, err := parseNumeric(block[116:124])
	if err != nil {
		return nil, NewFormatError(err)
	}
	hdr.Gid = uint32(gid)

	size, err := parseNumeric(block[124:136])
	if err != nil {
		return nil, NewFormatError(err)
	}
	hdr.Size = uint64(size)
	hdr.RecordSize = uint64(size)

	mtime, err := parseNumeric(block[136:148])
	if err != nil {
		return nil, NewFormatError(err)
	}
	hdr.ModTime = mtime

	devmajor, err := parseNumeric(block[329:337])
	if err == nil {
		hdr.Devmajor = uint32(devmajor)
	}
	devminor, err := parseNumeric(block[337:345])
	if err == nil {
		hdr.Devminor = uint32(devminor)
	}

	switch typeflag {
	case TypeRegular, TypeRegularOld, TypeHardlink, TypeSymlink, TypeChar, TypeBlock, TypeDir, TypeFifo:
	case typeGNUSparse:
	default:
		hdr.UnknownRecord = true
	}

	if typeflag == typeGNUSparse {
		extents, realsize, err := parseGNUSparseOld(block, func() ([]byte, error) {
			return tr.readBlock()
		})
		if err != nil {
			return nil, NewFormatError(err)
		}
		hdr.Sparse = extents
		hdr.Size = realsize
		hdr.Typeflag = TypeRegular
	}

	if err := pax.applyTo(hdr); err != nil {
		return nil, NewFormatError(err)
	}
	// rawSize is the physical body length the stream actually carries for
	// this record (what padding is computed from); pax.applyTo already
	// folded a PAX "size" override into hdr.RecordSize above.
	rawSize := int64(hdr.RecordSize)

	// dataConsumedByMap is how many of rawSize's bytes are the PAX-1.0
	// textual sparse-map prefix rather than condensed file data.
	var dataConsumedByMap int64

	if major, ok := pax["GNU.sparse.major"]; ok && major == "1" {
		if _, ok := pax["GNU.sparse.minor"]; ok {
			extents, consumed, err := tr.readPAXSparse10(rawSize)
			if err != nil {
				return nil, NewFormatError(err)
			}
			hdr.Sparse = extents
			dataConsumedByMap = consumed
			if rs, ok := pax["GNU.sparse.realsize"]; ok {
				if n, err := strconv.ParseUint(rs, 10, 64); err == nil {
					hdr.Size = n
				}
			}
			if n, ok := pax["GNU.sparse.name"]; ok {
				hdr.Name = n
			}
		}
	} else if m, ok := pax["GNU.sparse.map"]; ok {
		extents, err := parsePAXSparseMap(m)
		if err != nil {
			return nil, NewFormatError(err)
		}
		hdr.Sparse = extents
		if n, ok := pax["GNU.sparse.size"]; ok {
			if v, err := strconv.ParseUint(n, 10, 64); err == nil {
				hdr.Size = v
			}
		}
		if n, ok := pax["GNU.sparse.name"]; ok {
			hdr.Name = n
		}
	}

	if canon, err := CanonicalizeName(hdr.Name); err == nil {
		hdr.Name = canon
	}
	// an unresolvable name is left uncanonicalised; the caller's skip
	// policy (spec §4.3 failure policy) decides what to do with it.

	tr.dataRemaining = rawSize - dataConsumedByMap
	tr.padRemaining = paddingFor(rawSize)

	return finishSparseHeader(hdr, uint64(tr.dataRemaining))
}

// finishSparseHeader validates a decoded sparse map's extents sum against
// wantSum — the condensed (materialised-only) byte count the stream
// actually carries for this entry — per spec §9's fail-fast decision for a
// size/extent-sum mismatch.
func finishSparseHeader(hdr *Header, wantSum uint64) (*Header, error) {
	if len(hdr.Sparse) == 0 {
		return hdr, nil
	}
	var sum uint64
	prevEnd := uint64(0)
	for _, e := range hdr.Sparse {
		if e.Count == 0 {
			continue // terminating sentinel, carries no data
		}
		if e.Offset < prevEnd {
			return nil, NewFormatError(errSizeMismatch)
		}
		prevEnd = e.Offset + e.Count
		sum += e.Count
	}
	if sum != wantSum {
		return nil, NewFormatError(errSizeMismatch)
	}
	return hdr, nil
}

// readPAXSparse10 reads and parses the GNU PAX-1.0 sparse map, a small
// textual prefix ("<count>\n" then "<offset>\n<numbytes>\n" per entry)
// embedded at the start of the entry's data section, returning the
// decoded extents and the number of raw bytes consumed so the caller can
// compute how many condensed data bytes remain.
func (tr *Reader) readPAXSparse10(rawSize int64) ([]SparseExtent, int64, error) {
	var consumed int64
	readLine := func() (string, error) {
		line, err := tr.r.ReadString('\n')
		if err != nil {
			return "", err
		}
		consumed += int64(len(line))
		return strings.TrimSuffix(line, "\n"), nil
	}

	countStr, err := readLine()
	if err != nil {
		return nil, 0, err
	}
	count, err := strconv.Atoi(countStr)
	if err != nil {
		return nil, 0, errMalformedSparse
	}

	extents := make([]SparseExtent, 0, count)
	for i := 0; i < count; i++ {
		offStr, err := readLine()
		if err != nil {
			return nil, 0, err
		}
		numStr, err := readLine()
		if err != nil {
			return nil, 0, err
		}
		off, err := strconv.ParseUint(offStr, 10, 64)
		if err != nil {
			return nil, 0, errMalformedSparse
		}
		num, err := strconv.ParseUint(numStr, 10, 64)
		if err != nil {
			return nil, 0, errMalformedSparse
		}
		extents = append(extents, SparseExtent{Offset: off, Count: num})
	}

	// The text prefix itself is padded out to a multiple of 512 bytes
	// before the condensed data begins.
	if pad := consumed % recordBlockSize; pad != 0 {
		skip := recordBlockSize - pad
		if _, err := io.CopyN(io.Discard, tr.r, skip); err != nil {
			return nil, 0, err
		}
		consumed += skip
	}

	return extents, consumed, nil
}

// Read reads from the current entry's condensed data section (the
// materialised bytes described by Header.Sparse, or the whole body for a
// non-sparse entry).
func (tr *Reader) Read(p []byte) (int, error) {
	if tr.dataRemaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > tr.dataRemaining {
		p = p[:tr.dataRemaining]
	}
	n, err := tr.r.Read(p)
	tr.dataRemaining -= int64(n)
	return n, err
}

// Skip discards whatever remains of the current entry's body and padding,
// readying the reader for the next Next call.
func (tr *Reader) Skip() error {
	if tr.dataRemaining > 0 {
		if _, err := io.CopyN(io.Discard, tr.r, tr.dataRemaining); err != nil {
			return err
		}
		tr.dataRemaining = 0
	}
	if tr.padRemaining > 0 {
		if _, err := io.CopyN(io.Discard, tr.r, tr.padRemaining); err != nil {
			return err
		}
		tr.padRemaining = 0
	}
	return nil
}

func (tr *Reader) readBlock() ([]byte, error) {
	block := make([]byte, recordBlockSize)
	if _, err := io.ReadFull(tr.r, block); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, errShortBlock
		}
		return nil, err
	}
	return block, nil
}

// readLongField reads a GNU 'L'/'K' long-name-or-link record's body: a
// NUL-terminated path string occupying the entry's declared size.
func (tr *Reader) readLongField(block []byte) (string, error) {
	size, err := parseNumeric(block[124:136])
	if err != nil {
		return "", err
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(tr.r, buf); err != nil {
		return "", err
	}
	if err := discardPadding(tr.r, size); err != nil {
		return "", err
	}
	return string(bytes.TrimRight(buf, "\x00")), nil
}

func paxBodySize(block []byte) (int64, error) {
	return parseNumeric(block[124:136])
}

func paddingFor(size int64) int64 {
	if rem := size % recordBlockSize; rem != 0 {
		return recordBlockSize - rem
	}
	return 0
}

func discardPadding(r *bufio.Reader, size int64) error {
	if pad := paddingFor(size); pad > 0 {
		_, err := io.CopyN(io.Discard, r, pad)
		return err
	}
	return nil
}
