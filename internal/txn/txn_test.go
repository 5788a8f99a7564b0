package txn

import (
	"path/filepath"
	"testing"
	"time"

	"rsql.dev/rsql/internal/storage/pager"
)

func openTestManager(t *testing.T) (*Manager, *pager.Pager) {
	t.Helper()
	dir := t.TempDir()
	pgr, err := pager.OpenPager(pager.PagerConfig{
		DBPath:  filepath.Join(dir, "txn.db"),
		WALPath: filepath.Join(dir, "txn.wal"),
	})
	if err != nil {
		t.Fatalf("OpenPager: %v", err)
	}
	t.Cleanup(func() { pgr.Close() })
	return NewManager(pgr), pgr
}

func TestCommitTransitionsState(t *testing.T) {
	mgr, _ := openTestManager(t)
	tx := mgr.Begin(false)
	if tx.State() != StateActive {
		t.Fatalf("expected Active, got %s", tx.State())
	}
	if err := mgr.Commit(tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if tx.State() != StateCommitted {
		t.Fatalf("expected Committed, got %s", tx.State())
	}
}

func TestCommitTwiceFails(t *testing.T) {
	mgr, _ := openTestManager(t)
	tx := mgr.Begin(false)
	if err := mgr.Commit(tx); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Commit(tx); err == nil {
		t.Fatalf("expected InvalidTxnState committing an already-committed transaction")
	}
}

func TestRollbackUndoesPageWrite(t *testing.T) {
	mgr, pgr := openTestManager(t)
	tx := mgr.Begin(false)

	pagerTx, err := tx.PagerTx()
	if err != nil {
		t.Fatal(err)
	}

	pid, buf := pgr.AllocPage()
	before := make([]byte, pgr.PageSize())
	copy(buf, []byte("uncommitted"))
	if err := pgr.WritePage(pagerTx, pid, pager.WALRecordUpdate, before, buf); err != nil {
		t.Fatal(err)
	}
	pgr.UnpinPage(pid)

	if err := mgr.Rollback(tx); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	got, err := pgr.ReadPage(pid)
	if err != nil {
		t.Fatal(err)
	}
	defer pgr.UnpinPage(pid)
	for _, b := range got[:len("uncommitted")] {
		if b != 0 {
			t.Fatalf("expected page restored to zeroed before-image, found non-zero byte")
		}
	}
}

func TestLockCompatibilitySharedLocks(t *testing.T) {
	mgr, _ := openTestManager(t)
	txA := mgr.Begin(false)
	txB := mgr.Begin(false)

	res := TableResource("t")
	if err := txA.Lock(res, LockS); err != nil {
		t.Fatalf("txA lock S: %v", err)
	}
	if err := txB.Lock(res, LockS); err != nil {
		t.Fatalf("txB lock S should be compatible: %v", err)
	}
}

func TestLockExclusiveBlocksShared(t *testing.T) {
	mgr, _ := openTestManager(t)
	txA := mgr.Begin(false)
	txB := mgr.Begin(false)

	res := TableResource("t")
	if err := txA.Lock(res, LockX); err != nil {
		t.Fatalf("txA lock X: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- txB.Lock(res, LockS) }()

	select {
	case <-done:
		t.Fatalf("txB should have blocked behind txA's X lock")
	case <-time.After(100 * time.Millisecond):
		// expected: still blocked
	}

	if err := mgr.Commit(txA); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("txB lock should succeed after txA releases: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("txB never acquired the lock after txA released it")
	}
}

func TestDeadlockDetectionAbortsOneSide(t *testing.T) {
	mgr, _ := openTestManager(t)
	txA := mgr.Begin(false)
	txB := mgr.Begin(false)

	r1 := RowResource("t", []byte("1"))
	r2 := RowResource("t", []byte("2"))

	if err := txA.Lock(r1, LockX); err != nil {
		t.Fatal(err)
	}
	if err := txB.Lock(r2, LockX); err != nil {
		t.Fatal(err)
	}

	errA := make(chan error, 1)
	errB := make(chan error, 1)
	go func() { errA <- txA.Lock(r2, LockX) }()
	go func() { errB <- txB.Lock(r1, LockX) }()

	var gotA, gotB error
	select {
	case gotA = <-errA:
	case <-time.After(3 * time.Second):
		t.Fatalf("txA.Lock never returned — deadlock not detected")
	}
	select {
	case gotB = <-errB:
	case <-time.After(3 * time.Second):
		t.Fatalf("txB.Lock never returned — deadlock not detected")
	}

	if (gotA == nil) == (gotB == nil) {
		t.Fatalf("expected exactly one side to be aborted, got gotA=%v gotB=%v", gotA, gotB)
	}
}

func TestSavepointRollbackPartialUndo(t *testing.T) {
	mgr, pgr := openTestManager(t)
	tx := mgr.Begin(false)

	pagerTx, err := tx.PagerTx()
	if err != nil {
		t.Fatal(err)
	}

	pid, buf := pgr.AllocPage()
	before := make([]byte, pgr.PageSize())
	copy(buf, []byte("first"))
	if err := pgr.WritePage(pagerTx, pid, pager.WALRecordUpdate, before, buf); err != nil {
		t.Fatal(err)
	}
	pgr.UnpinPage(pid)

	sp := tx.Savepoint("sp1")
	_ = sp

	buf2, err := pgr.ReadPageForWrite(pid)
	if err != nil {
		t.Fatal(err)
	}
	after2 := append([]byte(nil), buf2...)
	copy(after2, []byte("second"))
	if err := pgr.WritePage(pagerTx, pid, pager.WALRecordUpdate, buf2, after2); err != nil {
		t.Fatal(err)
	}
	pgr.UnpinPage(pid)

	if err := tx.RollbackToSavepoint("sp1"); err != nil {
		t.Fatalf("RollbackToSavepoint: %v", err)
	}

	got, err := pgr.ReadPage(pid)
	if err != nil {
		t.Fatal(err)
	}
	defer pgr.UnpinPage(pid)
	if string(got[:5]) != "first" {
		t.Fatalf("expected page restored to state at savepoint, got %q", got[:6])
	}
	if tx.State() != StateActive {
		t.Fatalf("transaction should remain Active after ROLLBACK TO SAVEPOINT")
	}
}
