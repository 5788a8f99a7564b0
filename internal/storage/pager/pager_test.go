package pager

import (
	"bytes"
	"path/filepath"
	"testing"
)

func openTestPager(t *testing.T) *Pager {
	t.Helper()
	dir := t.TempDir()
	p, err := OpenPager(PagerConfig{
		DBPath:  filepath.Join(dir, "test.db"),
		WALPath: filepath.Join(dir, "test.wal"),
	})
	if err != nil {
		t.Fatalf("OpenPager: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestWALHeaderRoundTrip(t *testing.T) {
	dir := t.TempDir()
	wf, err := OpenWALFile(filepath.Join(dir, "x.wal"), DefaultPageSize)
	if err != nil {
		t.Fatalf("OpenWALFile: %v", err)
	}
	wf.Close()

	wf2, err := OpenWALFile(filepath.Join(dir, "x.wal"), DefaultPageSize)
	if err != nil {
		t.Fatalf("reopen WAL: %v", err)
	}
	wf2.Close()
}

func TestWALRecordChaining(t *testing.T) {
	dir := t.TempDir()
	wf, err := OpenWALFile(filepath.Join(dir, "c.wal"), DefaultPageSize)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer wf.Close()

	if _, err := wf.AppendRecord(&WALRecord{Type: WALRecordBegin, TxID: 1}); err != nil {
		t.Fatal(err)
	}
	lsn2, err := wf.AppendRecord(&WALRecord{
		Type: WALRecordUpdate, TxID: 1, PageID: 5,
		Before: make([]byte, DefaultPageSize), After: make([]byte, DefaultPageSize),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := wf.AppendRecord(&WALRecord{Type: WALRecordCommitReq, TxID: 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := wf.AppendRecord(&WALRecord{Type: WALRecordCommitDone, TxID: 1}); err != nil {
		t.Fatal(err)
	}

	records, err := ReadAllRecords(filepath.Join(dir, "c.wal"))
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 4 {
		t.Fatalf("expected 4 records, got %d", len(records))
	}
	if records[1].LSN != lsn2 {
		t.Fatalf("LSN mismatch")
	}
	if records[1].PrevLSN != records[0].LSN {
		t.Fatalf("expected record 1 to chain to record 0's LSN, got prevLSN=%d want=%d",
			records[1].PrevLSN, records[0].LSN)
	}
}

func TestPagerWriteReadPage(t *testing.T) {
	p := openTestPager(t)

	txID, err := p.BeginTx()
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}

	pid, buf := p.AllocPage()
	before := make([]byte, p.pageSize)
	copy(buf, []byte("hello page"))
	if err := p.WritePage(txID, pid, WALRecordUpdate, before, buf); err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	p.UnpinPage(pid)

	if err := p.CommitTx(txID); err != nil {
		t.Fatalf("CommitTx: %v", err)
	}

	got, err := p.ReadPage(pid)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if !bytes.Contains(got, []byte("hello page")) {
		t.Fatalf("written content not found in read-back page")
	}
	p.UnpinPage(pid)
}

func TestPagerCheckpointPersists(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "cp.db")
	walPath := filepath.Join(dir, "cp.wal")

	p, err := OpenPager(PagerConfig{DBPath: dbPath, WALPath: walPath})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	txID, _ := p.BeginTx()
	pid, buf := p.AllocPage()
	before := make([]byte, p.pageSize)
	copy(buf, []byte("durable"))
	if err := p.WritePage(txID, pid, WALRecordUpdate, before, buf); err != nil {
		t.Fatal(err)
	}
	p.UnpinPage(pid)
	if err := p.CommitTx(txID); err != nil {
		t.Fatal(err)
	}
	if err := p.Checkpoint(nil); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}

	p2, err := OpenPager(PagerConfig{DBPath: dbPath, WALPath: walPath})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer p2.Close()

	got, err := p2.ReadPage(pid)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(got, []byte("durable")) {
		t.Fatalf("checkpointed data missing after reopen")
	}
	p2.UnpinPage(pid)
}

func TestRecoveryRedoesCommittedUndoesUncommitted(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "r.db")
	walPath := filepath.Join(dir, "r.wal")

	p, err := OpenPager(PagerConfig{DBPath: dbPath, WALPath: walPath})
	if err != nil {
		t.Fatal(err)
	}

	// Transaction A: committed.
	txA, _ := p.BeginTx()
	pidA, bufA := p.AllocPage()
	beforeA := make([]byte, p.pageSize)
	copy(bufA, []byte("committed-change"))
	if err := p.WritePage(txA, pidA, WALRecordUpdate, beforeA, bufA); err != nil {
		t.Fatal(err)
	}
	p.UnpinPage(pidA)
	if err := p.CommitTx(txA); err != nil {
		t.Fatal(err)
	}

	// Transaction B: never committed — simulates a crash before CommitDone.
	txB, _ := p.BeginTx()
	pidB, bufB := p.AllocPage()
	beforeB := append([]byte(nil), bufB...)
	copy(bufB, []byte("uncommitted-change"))
	if err := p.WritePage(txB, pidB, WALRecordUpdate, beforeB, bufB); err != nil {
		t.Fatal(err)
	}
	p.UnpinPage(pidB)

	// Simulate a crash: close the underlying file handles without a
	// checkpoint or commit/abort record for txB.
	p.wal.Close()
	p.file.Close()

	p2, err := OpenPager(PagerConfig{DBPath: dbPath, WALPath: walPath})
	if err != nil {
		t.Fatalf("recovery on reopen: %v", err)
	}
	defer p2.Close()

	gotA, err := p2.ReadPage(pidA)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(gotA, []byte("committed-change")) {
		t.Fatalf("committed transaction was not redone")
	}
	p2.UnpinPage(pidA)

	gotB, err := p2.ReadPage(pidB)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(gotB, []byte("uncommitted-change")) {
		t.Fatalf("uncommitted transaction was not undone")
	}
	p2.UnpinPage(pidB)
}
