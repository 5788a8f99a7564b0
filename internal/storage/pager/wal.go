package pager

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
)

// ───────────────────────────────────────────────────────────────────────────
// WAL file format
// ───────────────────────────────────────────────────────────────────────────
//
// The WAL is an append-only file of ARIES-style log records. Each record
// carries the LSN of the previous record written by the same transaction
// (PrevLSN), forming the per-transaction undo chain used by recovery and by
// explicit ROLLBACK.
//
// WAL file header (first 32 bytes):
//   [0:8]   Magic       "RSQLWAL1"
//   [8:12]  Version     uint32 BE (currently 1)
//   [12:16] PageSize    uint32 BE
//   [16:24] Reserved    8 bytes
//   [24:28] HeaderCRC   uint32 BE (CRC of bytes 0:24)
//   [28:32] Padding     4 bytes
//
// WAL record (variable-length, follows header):
//   [0]     RecordType   (1 byte)
//   [1:5]   Reserved     (4 bytes)
//   [5:13]  LSN          (uint64 BE)
//   [13:21] PrevLSN      (uint64 BE) — previous record of this TxID, 0 if none
//   [21:29] TxID         (uint64 BE)
//   [29:33] PageID       (uint32 BE) — only meaningful for page-touching kinds
//   [33:37] BeforeLen    (uint32 BE)
//   [37:41] AfterLen     (uint32 BE)
//   [41:45] RecordCRC    (uint32 BE)
//   [45:45+BeforeLen]              Before image / undo payload
//   [45+BeforeLen:+AfterLen]       After image / redo payload
//
// Record kinds: Begin, Update, InsertLeaf, DeleteLeaf, SplitParent, CommitReq,
// CommitDone, Abort, CLR, Checkpoint. Update/InsertLeaf/DeleteLeaf/
// SplitParent carry a page-level before/after image pair so that recovery can
// redo (apply After) or undo (re-apply Before) the change. CLR carries the
// After image only — it is redo-only, never undone again, and its PrevLSN
// field doubles as the "undo-next" pointer (the LSN to continue undoing from,
// skipping the record just compensated).

const (
	WALMagic       = "RSQLWAL1"
	WALVersion     = uint32(1)
	WALFileHdrSize = 32
	WALRecHdrSize  = 45
)

// WALRecordType identifies the kind of WAL record.
type WALRecordType uint8

const (
	WALRecordBegin       WALRecordType = 0x01
	WALRecordUpdate      WALRecordType = 0x02
	WALRecordInsertLeaf  WALRecordType = 0x03
	WALRecordDeleteLeaf  WALRecordType = 0x04
	WALRecordSplitParent WALRecordType = 0x05
	WALRecordCommitReq   WALRecordType = 0x06
	WALRecordCommitDone  WALRecordType = 0x07
	WALRecordAbort       WALRecordType = 0x08
	WALRecordCLR         WALRecordType = 0x09
	WALRecordCheckpoint  WALRecordType = 0x0a
)

func (rt WALRecordType) String() string {
	switch rt {
	case WALRecordBegin:
		return "BEGIN"
	case WALRecordUpdate:
		return "UPDATE"
	case WALRecordInsertLeaf:
		return "INSERT_LEAF"
	case WALRecordDeleteLeaf:
		return "DELETE_LEAF"
	case WALRecordSplitParent:
		return "SPLIT_PARENT"
	case WALRecordCommitReq:
		return "COMMIT_REQ"
	case WALRecordCommitDone:
		return "COMMIT_DONE"
	case WALRecordAbort:
		return "ABORT"
	case WALRecordCLR:
		return "CLR"
	case WALRecordCheckpoint:
		return "CHECKPOINT"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(rt))
	}
}

// pageTouching reports whether this record kind carries a before/after page
// image that recovery must be able to redo and undo.
func (rt WALRecordType) pageTouching() bool {
	switch rt {
	case WALRecordUpdate, WALRecordInsertLeaf, WALRecordDeleteLeaf, WALRecordSplitParent, WALRecordCLR:
		return true
	default:
		return false
	}
}

// WALRecord is an in-memory representation of a WAL record.
type WALRecord struct {
	Type    WALRecordType
	LSN     LSN
	PrevLSN LSN // previous record written by TxID; for CLR, the undo-next LSN
	TxID    TxID
	PageID  PageID
	Before  []byte // pre-image, for undo (nil for CLR and non-page-touching kinds, except Checkpoint, which stores its active-transaction table here)
	After   []byte // post-image, for redo
}

// ───────────────────────────────────────────────────────────────────────────
// WAL writer/reader
// ───────────────────────────────────────────────────────────────────────────

// WALFile manages the append-only WAL file.
type WALFile struct {
	mu       sync.Mutex
	f        *os.File
	path     string
	pageSize int
	nextLSN  LSN
	writePos int64 // current write offset — avoids Seek syscall

	// lastLSN tracks, per transaction, the LSN of its most recent record so
	// that newly appended records can chain PrevLSN automatically.
	lastLSN map[TxID]LSN
}

// OpenWALFile opens or creates a WAL file. If the file exists, it validates
// the header. If it does not exist, it writes a new header.
func OpenWALFile(path string, pageSize int) (*WALFile, error) {
	exists := true
	if _, err := os.Stat(path); os.IsNotExist(err) {
		exists = false
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open WAL: %w", err)
	}

	wf := &WALFile{f: f, path: path, pageSize: pageSize, nextLSN: 1, lastLSN: make(map[TxID]LSN)}

	if exists {
		if err := wf.validateHeader(); err != nil {
			f.Close()
			return nil, err
		}
	} else {
		if err := wf.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
	}

	// Initialise writePos to the end of the file.
	endPos, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("seek WAL end: %w", err)
	}
	wf.writePos = endPos

	return wf, nil
}

func (wf *WALFile) writeHeader() error {
	var hdr [WALFileHdrSize]byte
	copy(hdr[0:8], WALMagic)
	binary.BigEndian.PutUint32(hdr[8:12], WALVersion)
	binary.BigEndian.PutUint32(hdr[12:16], uint32(wf.pageSize))
	c := crc32.Checksum(hdr[:24], crcTable)
	binary.BigEndian.PutUint32(hdr[24:28], c)
	if _, err := wf.f.WriteAt(hdr[:], 0); err != nil {
		return fmt.Errorf("write WAL header: %w", err)
	}
	return wf.f.Sync()
}

func (wf *WALFile) validateHeader() error {
	var hdr [WALFileHdrSize]byte
	n, err := wf.f.ReadAt(hdr[:], 0)
	if err != nil && err != io.EOF {
		return fmt.Errorf("read WAL header: %w", err)
	}
	if n < WALFileHdrSize {
		return fmt.Errorf("WAL header too short: %d bytes", n)
	}
	if string(hdr[0:8]) != WALMagic {
		return fmt.Errorf("bad WAL magic")
	}
	ver := binary.BigEndian.Uint32(hdr[8:12])
	if ver != WALVersion {
		return fmt.Errorf("unsupported WAL version %d", ver)
	}
	ps := binary.BigEndian.Uint32(hdr[12:16])
	if int(ps) != wf.pageSize {
		return fmt.Errorf("WAL page size %d != expected %d", ps, wf.pageSize)
	}
	stored := binary.BigEndian.Uint32(hdr[24:28])
	computed := crc32.Checksum(hdr[:24], crcTable)
	if stored != computed {
		return fmt.Errorf("WAL header CRC mismatch")
	}
	return nil
}

// AppendRecord writes a WAL record, chaining PrevLSN to the transaction's
// last record (unless the caller has already set PrevLSN, as CLRs do), and
// assigns it a monotonic LSN. Returns the assigned LSN.
func (wf *WALFile) AppendRecord(rec *WALRecord) (LSN, error) {
	wf.mu.Lock()
	defer wf.mu.Unlock()

	lsn := wf.nextLSN
	wf.nextLSN++
	rec.LSN = lsn

	if rec.Type != WALRecordCLR {
		rec.PrevLSN = wf.lastLSN[rec.TxID]
	}

	data := marshalWALRecord(rec)
	n, err := wf.f.WriteAt(data, wf.writePos)
	if err != nil {
		return 0, fmt.Errorf("WAL append: %w", err)
	}
	wf.writePos += int64(n)

	switch rec.Type {
	case WALRecordCommitDone, WALRecordAbort:
		delete(wf.lastLSN, rec.TxID)
	case WALRecordCheckpoint:
		// no per-tx chain update
	default:
		wf.lastLSN[rec.TxID] = lsn
	}

	return lsn, nil
}

// Sync fsyncs the WAL file to guarantee durability.
func (wf *WALFile) Sync() error {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	return wf.f.Sync()
}

// Close closes the WAL file.
func (wf *WALFile) Close() error {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	return wf.f.Close()
}

// Truncate resets the WAL file to just the header (after a checkpoint has
// established that every record before it is no longer needed for recovery).
func (wf *WALFile) Truncate() error {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	if err := wf.f.Truncate(WALFileHdrSize); err != nil {
		return err
	}
	wf.writePos = WALFileHdrSize
	wf.lastLSN = make(map[TxID]LSN)
	return wf.f.Sync()
}

// NextLSN returns the next LSN that will be assigned.
func (wf *WALFile) NextLSN() LSN {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	return wf.nextLSN
}

// SetNextLSN allows recovery to set the LSN counter.
func (wf *WALFile) SetNextLSN(lsn LSN) {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	wf.nextLSN = lsn
}

// LastLSN returns the LSN of the most recent record written for txID, or 0
// if the transaction has no records (or has already committed/aborted).
// The transaction manager uses this to find where a live rollback's undo
// chain walk should start.
func (wf *WALFile) LastLSN(txID TxID) LSN {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	return wf.lastLSN[txID]
}

// ───────────────────────────────────────────────────────────────────────────
// Serialization
// ───────────────────────────────────────────────────────────────────────────

func marshalWALRecord(rec *WALRecord) []byte {
	beforeLen := len(rec.Before)
	afterLen := len(rec.After)
	buf := make([]byte, WALRecHdrSize+beforeLen+afterLen)
	buf[0] = byte(rec.Type)
	binary.BigEndian.PutUint64(buf[5:13], uint64(rec.LSN))
	binary.BigEndian.PutUint64(buf[13:21], uint64(rec.PrevLSN))
	binary.BigEndian.PutUint64(buf[21:29], uint64(rec.TxID))
	binary.BigEndian.PutUint32(buf[29:33], uint32(rec.PageID))
	binary.BigEndian.PutUint32(buf[33:37], uint32(beforeLen))
	binary.BigEndian.PutUint32(buf[37:41], uint32(afterLen))
	// CRC placeholder at [41:45]
	off := WALRecHdrSize
	if beforeLen > 0 {
		copy(buf[off:], rec.Before)
		off += beforeLen
	}
	if afterLen > 0 {
		copy(buf[off:], rec.After)
	}
	h := crc32.New(crcTable)
	h.Write(buf[:41])
	h.Write([]byte{0, 0, 0, 0})
	h.Write(buf[WALRecHdrSize:])
	binary.BigEndian.PutUint32(buf[41:45], h.Sum32())
	return buf
}

func unmarshalWALRecord(r io.Reader) (*WALRecord, error) {
	var hdr [WALRecHdrSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	rec := &WALRecord{
		Type:    WALRecordType(hdr[0]),
		LSN:     LSN(binary.BigEndian.Uint64(hdr[5:13])),
		PrevLSN: LSN(binary.BigEndian.Uint64(hdr[13:21])),
		TxID:    TxID(binary.BigEndian.Uint64(hdr[21:29])),
		PageID:  PageID(binary.BigEndian.Uint32(hdr[29:33])),
	}
	beforeLen := int(binary.BigEndian.Uint32(hdr[33:37]))
	afterLen := int(binary.BigEndian.Uint32(hdr[37:41]))
	storedCRC := binary.BigEndian.Uint32(hdr[41:45])

	payload := make([]byte, beforeLen+afterLen)
	if len(payload) > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("WAL record payload: %w", err)
		}
	}
	if beforeLen > 0 {
		rec.Before = payload[:beforeLen]
	}
	if afterLen > 0 {
		rec.After = payload[beforeLen:]
	}

	h := crc32.New(crcTable)
	h.Write(hdr[:41])
	h.Write([]byte{0, 0, 0, 0})
	if len(payload) > 0 {
		h.Write(payload)
	}
	if h.Sum32() != storedCRC {
		return nil, fmt.Errorf("WAL record CRC mismatch at LSN %d", rec.LSN)
	}

	return rec, nil
}

// ReadAllRecords reads all WAL records from the file (after the header).
// Partial/corrupt records at the tail are silently ignored (crash truncation).
func ReadAllRecords(path string) ([]*WALRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if _, err := f.Seek(WALFileHdrSize, io.SeekStart); err != nil {
		return nil, err
	}

	var records []*WALRecord
	for {
		rec, err := unmarshalWALRecord(f)
		if err != nil {
			break
		}
		records = append(records, rec)
	}
	return records, nil
}
