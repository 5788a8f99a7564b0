package engine

import (
	"context"
	"path/filepath"
	"testing"

	"rsql.dev/rsql/internal/catalog"
	"rsql.dev/rsql/internal/storage/pager"
	"rsql.dev/rsql/internal/txn"
)

func newTestEngine(t *testing.T) (*Engine, *txn.Manager) {
	t.Helper()
	dir := t.TempDir()
	pgr, err := pager.OpenPager(pager.PagerConfig{
		DBPath:  filepath.Join(dir, "eng.db"),
		WALPath: filepath.Join(dir, "eng.wal"),
	})
	if err != nil {
		t.Fatalf("OpenPager: %v", err)
	}
	t.Cleanup(func() { pgr.Close() })

	bootTx, err := pgr.BeginTx()
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	cat, err := catalog.Open(pgr, pager.InvalidPageID, pager.InvalidPageID, pager.InvalidPageID, bootTx)
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	if err := pgr.CommitTx(bootTx); err != nil {
		t.Fatalf("commit bootstrap: %v", err)
	}

	txns := txn.NewManager(pgr)
	return NewEngine(pgr, cat, txns), txns
}

func run(t *testing.T, eng *Engine, tx *txn.Transaction, sql string) *ExecResult {
	t.Helper()
	stmt, err := NewParser(sql).ParseStatement()
	if err != nil {
		t.Fatalf("parse %q: %v", sql, err)
	}
	res, err := Execute(context.Background(), eng, tx, "", stmt)
	if err != nil {
		t.Fatalf("execute %q: %v", sql, err)
	}
	return res
}

func TestInsertAndSelectRoundTrip(t *testing.T) {
	eng, txns := newTestEngine(t)
	tx := txns.Begin(false)

	run(t, eng, tx, "CREATE TABLE accounts (id INTEGER PRIMARY KEY, name VARCHAR(32), balance FLOAT)")
	run(t, eng, tx, "INSERT INTO accounts (id, name, balance) VALUES (1, 'alice', 10.5)")
	run(t, eng, tx, "INSERT INTO accounts (id, name, balance) VALUES (2, 'bob', 20)")

	res := run(t, eng, tx, "SELECT id, name FROM accounts WHERE balance > 15 ORDER BY id")
	if res.Kind != "query" {
		t.Fatalf("expected query result, got %s", res.Kind)
	}
	if len(res.Rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(res.Rows))
	}
	if res.Rows[0][1].S != "bob" {
		t.Fatalf("expected bob, got %v", res.Rows[0][1])
	}

	if err := txns.Commit(tx); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestUpdateDeleteAffectRowCount(t *testing.T) {
	eng, txns := newTestEngine(t)
	tx := txns.Begin(false)

	run(t, eng, tx, "CREATE TABLE t (id INTEGER PRIMARY KEY, n INTEGER)")
	run(t, eng, tx, "INSERT INTO t (id, n) VALUES (1, 1)")
	run(t, eng, tx, "INSERT INTO t (id, n) VALUES (2, 1)")
	run(t, eng, tx, "INSERT INTO t (id, n) VALUES (3, 2)")

	upd := run(t, eng, tx, "UPDATE t SET n = 9 WHERE n = 1")
	if upd.AffectedRows != 2 {
		t.Fatalf("expected 2 rows updated, got %d", upd.AffectedRows)
	}

	del := run(t, eng, tx, "DELETE FROM t WHERE n = 2")
	if del.AffectedRows != 1 {
		t.Fatalf("expected 1 row deleted, got %d", del.AffectedRows)
	}

	res := run(t, eng, tx, "SELECT id FROM t ORDER BY id")
	if len(res.Rows) != 2 {
		t.Fatalf("expected 2 remaining rows, got %d", len(res.Rows))
	}
}

func TestRollbackUndoesInsert(t *testing.T) {
	eng, txns := newTestEngine(t)

	setup := txns.Begin(false)
	run(t, eng, setup, "CREATE TABLE t (id INTEGER PRIMARY KEY)")
	if err := txns.Commit(setup); err != nil {
		t.Fatalf("commit setup: %v", err)
	}

	tx := txns.Begin(false)
	run(t, eng, tx, "INSERT INTO t (id) VALUES (1)")
	if err := txns.Rollback(tx); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	verify := txns.Begin(false)
	res := run(t, eng, verify, "SELECT id FROM t")
	if len(res.Rows) != 0 {
		t.Fatalf("expected rollback to undo the insert, found %d rows", len(res.Rows))
	}
	if err := txns.Commit(verify); err != nil {
		t.Fatalf("commit verify: %v", err)
	}
}

func TestPermissionDeniedWithoutGrant(t *testing.T) {
	eng, txns := newTestEngine(t)
	tx := txns.Begin(false)
	run(t, eng, tx, "CREATE TABLE secret (id INTEGER PRIMARY KEY)")
	if _, err := eng.Catalog.CreateUser(mustPagerTx(t, tx), "carol", "pw"); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	stmt, err := NewParser("SELECT id FROM secret").ParseStatement()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := Execute(context.Background(), eng, tx, "carol", stmt); err == nil {
		t.Fatalf("expected permission denied for carol")
	}
}

func mustPagerTx(t *testing.T, tx *txn.Transaction) pager.TxID {
	t.Helper()
	id, err := tx.PagerTx()
	if err != nil {
		t.Fatalf("PagerTx: %v", err)
	}
	return id
}
