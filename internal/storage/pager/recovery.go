package pager

import (
	"encoding/binary"
	"fmt"
)

// ───────────────────────────────────────────────────────────────────────────
// ARIES Crash Recovery
// ───────────────────────────────────────────────────────────────────────────
//
// Recovery runs the three classic ARIES phases over the records in the WAL
// file (a checkpoint truncates it only when no transaction is in flight):
//
//  1. Analysis — replay the log forward to rebuild the set of transactions
//     that were active at the moment of the crash; each Checkpoint record
//     replaces that set with the table saved in it.
//  2. Redo — replay every page-touching record (and CLR) forward from the
//     start of the recovered log, applying the After image unless the
//     record's LSN is not newer than the page's on-disk header LSN.
//     WritePage leaves that header LSN at zero, so no record is skipped:
//     every After image is rewritten in log order, and since each is a full
//     page image the last one wins whatever was already on disk.
//  3. Undo — for every transaction still active after redo (it never
//     reached CommitReq, CommitDone or Abort), walk its PrevLSN chain backward,
//     re-applying each record's Before image and writing a CLR so the undo
//     itself is never repeated, until the transaction's Begin record is
//     reached, then write Abort.
//
// This guarantees WAL-before-data: every before/after image forced to disk
// here was already durable in the log before the crash, so redo/undo only
// ever reconstructs state the log already promised.

type recoveryState struct {
	active map[TxID]LSN // TxID -> LSN of its most recent record seen so far
}

// Recover runs ARIES analysis, redo, and undo against the WAL.
func (p *Pager) Recover() error {
	records, err := ReadAllRecords(p.walPath)
	if err != nil {
		return fmt.Errorf("recover read WAL: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	byLSN := make(map[LSN]*WALRecord, len(records))
	var maxLSN LSN
	var maxTxID TxID
	for _, rec := range records {
		byLSN[rec.LSN] = rec
		if rec.LSN > maxLSN {
			maxLSN = rec.LSN
		}
		if rec.TxID > maxTxID {
			maxTxID = rec.TxID
		}
	}

	// ── Phase 1: Analysis ──────────────────────────────────────────────
	rs := &recoveryState{active: make(map[TxID]LSN)}
	for _, rec := range records {
		switch rec.Type {
		case WALRecordCheckpoint:
			active, _ := unmarshalCheckpointTables(rec)
			rs.active = active
		case WALRecordBegin:
			rs.active[rec.TxID] = rec.LSN
		case WALRecordCommitReq, WALRecordCommitDone, WALRecordAbort:
			delete(rs.active, rec.TxID)
		default:
			if _, ok := rs.active[rec.TxID]; ok || rec.Type.pageTouching() {
				rs.active[rec.TxID] = rec.LSN
			}
		}
	}

	// ── Phase 2: Redo ──────────────────────────────────────────────────
	var redone int
	for _, rec := range records {
		if !rec.Type.pageTouching() {
			continue
		}
		cur, err := p.readPageRaw(rec.PageID)
		if err != nil {
			// Page never allocated on disk yet (e.g. crash mid-allocation
			// before the file was extended) — allocate space by writing
			// the after image directly.
			cur = make([]byte, p.pageSize)
		}
		pageLSN := LSN(0)
		if len(cur) >= 16 {
			pageLSN = UnmarshalHeader(cur).LSN
		}
		if rec.LSN <= pageLSN {
			continue
		}
		if err := p.writePageRaw(rec.PageID, rec.After); err != nil {
			return fmt.Errorf("redo apply page %d: %w", rec.PageID, err)
		}
		redone++
	}

	// ── Phase 3: Undo ──────────────────────────────────────────────────
	for txID, lastLSN := range rs.active {
		if err := p.undoTransaction(txID, lastLSN, byLSN); err != nil {
			return fmt.Errorf("undo tx %d: %w", txID, err)
		}
	}

	if redone > 0 || len(rs.active) > 0 {
		if err := p.file.Sync(); err != nil {
			return err
		}
	}

	p.sb.CheckpointLSN = maxLSN
	if TxID(maxTxID+1) > p.sb.NextTxID {
		p.sb.NextTxID = TxID(maxTxID + 1)
	}
	for _, rec := range records {
		if rec.Type.pageTouching() && PageID(rec.PageID+1) > p.sb.NextPageID {
			p.sb.NextPageID = PageID(rec.PageID + 1)
			p.sb.PageCount = uint64(p.sb.NextPageID)
		}
	}
	sbBuf := MarshalSuperblock(p.sb, p.pageSize)
	if err := p.writePageRaw(0, sbBuf); err != nil {
		return fmt.Errorf("recover superblock: %w", err)
	}
	if err := p.file.Sync(); err != nil {
		return err
	}

	p.wal.SetNextLSN(maxLSN + 1)
	return p.wal.Truncate()
}

// undoTransaction walks a transaction's PrevLSN chain backward from lastLSN,
// reapplying each page-touching record's Before image and emitting a CLR so
// the compensation itself is never re-undone, then writes an Abort record.
func (p *Pager) undoTransaction(txID TxID, lastLSN LSN, byLSN map[LSN]*WALRecord) error {
	lsn := lastLSN
	for lsn != 0 {
		rec, ok := byLSN[lsn]
		if !ok {
			break
		}
		if rec.Type.pageTouching() && rec.Type != WALRecordCLR {
			if err := p.writePageRaw(rec.PageID, rec.Before); err != nil {
				return fmt.Errorf("undo page %d: %w", rec.PageID, err)
			}
			clr := &WALRecord{
				Type:    WALRecordCLR,
				TxID:    txID,
				PrevLSN: rec.PrevLSN, // undo-next: skip straight past this record if crashed again
				PageID:  rec.PageID,
				After:   append([]byte(nil), rec.Before...),
			}
			if _, err := p.wal.AppendRecord(clr); err != nil {
				return err
			}
		}
		if rec.Type == WALRecordBegin {
			break
		}
		lsn = rec.PrevLSN
	}
	abort := &WALRecord{Type: WALRecordAbort, TxID: txID}
	_, err := p.wal.AppendRecord(abort)
	return err
}

// marshalCheckpointTables encodes the active-transaction table as the
// Checkpoint record's Before payload: count(4) + {txID(8), lastLSN(8)}*.
func marshalCheckpointTables(active map[TxID]LSN) []byte {
	buf := make([]byte, 4+16*len(active))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(active)))
	off := 4
	for tx, lsn := range active {
		binary.BigEndian.PutUint64(buf[off:off+8], uint64(tx))
		binary.BigEndian.PutUint64(buf[off+8:off+16], uint64(lsn))
		off += 16
	}
	return buf
}

func unmarshalCheckpointTables(rec *WALRecord) (map[TxID]LSN, error) {
	active := make(map[TxID]LSN)
	if len(rec.Before) < 4 {
		return active, nil
	}
	n := int(binary.BigEndian.Uint32(rec.Before[0:4]))
	off := 4
	for i := 0; i < n && off+16 <= len(rec.Before); i++ {
		tx := TxID(binary.BigEndian.Uint64(rec.Before[off : off+8]))
		lsn := LSN(binary.BigEndian.Uint64(rec.Before[off+8 : off+16]))
		active[tx] = lsn
		off += 16
	}
	return active, nil
}
