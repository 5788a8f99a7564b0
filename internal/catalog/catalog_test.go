package catalog

import (
	"path/filepath"
	"testing"

	"rsql.dev/rsql/internal/storage/pager"
	"rsql.dev/rsql/internal/types"
)

func openTestCatalog(t *testing.T) (*Catalog, *pager.Pager, pager.TxID) {
	t.Helper()
	dir := t.TempDir()
	pgr, err := pager.OpenPager(pager.PagerConfig{
		DBPath:  filepath.Join(dir, "cat.db"),
		WALPath: filepath.Join(dir, "cat.wal"),
	})
	if err != nil {
		t.Fatalf("OpenPager: %v", err)
	}
	t.Cleanup(func() { pgr.Close() })

	txID, err := pgr.BeginTx()
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}

	cat, err := Open(pgr, pager.InvalidPageID, pager.InvalidPageID, pager.InvalidPageID, txID)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return cat, pgr, txID
}

func TestCreateAndLookupTable(t *testing.T) {
	cat, pgr, txID := openTestCatalog(t)

	cols := []types.Column{
		{Name: "id", Kind: types.KindInteger, PrimaryKey: true},
		{Name: "name", Kind: types.KindVarChar, Nullable: false},
	}
	tbl, err := pager.CreateBTree(pgr, txID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cat.CreateTable(txID, "t", cols, tbl.Root()); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	entry, err := cat.LookupTable("t")
	if err != nil {
		t.Fatalf("LookupTable: %v", err)
	}
	if entry.Name != "t" {
		t.Fatalf("expected name t, got %s", entry.Name)
	}

	gotCols := cat.Columns(entry.TableID)
	if len(gotCols) != 2 {
		t.Fatalf("expected 2 columns, got %d", len(gotCols))
	}
}

func TestDropTableHidesFromLookup(t *testing.T) {
	cat, pgr, txID := openTestCatalog(t)
	tbl, _ := pager.CreateBTree(pgr, txID)
	if _, err := cat.CreateTable(txID, "t", nil, tbl.Root()); err != nil {
		t.Fatal(err)
	}
	if err := cat.DropTable(txID, "t"); err != nil {
		t.Fatalf("DropTable: %v", err)
	}
	if _, err := cat.LookupTable("t"); err == nil {
		t.Fatalf("expected NameError after drop")
	}
}

func TestCreateUserAuthenticate(t *testing.T) {
	cat, _, txID := openTestCatalog(t)
	if _, err := cat.CreateUser(txID, "alice", "s3cret"); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if _, err := cat.Authenticate("alice", "s3cret"); err != nil {
		t.Fatalf("Authenticate with correct password: %v", err)
	}
	if _, err := cat.Authenticate("alice", "wrong"); err == nil {
		t.Fatalf("expected authentication failure with wrong password")
	}
}

func TestGrantRevokePermissions(t *testing.T) {
	cat, _, txID := openTestCatalog(t)
	if _, err := cat.CreateUser(txID, "bob", "pw"); err != nil {
		t.Fatal(err)
	}
	if err := cat.Grant(txID, "bob", PermRead, "t"); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if !cat.Authorized("bob", "t", PermRead) {
		t.Fatalf("expected bob to have READ on t")
	}
	if cat.Authorized("bob", "t", PermWrite) {
		t.Fatalf("bob should not have WRITE on t")
	}
	if err := cat.Revoke(txID, "bob", PermRead, "t"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if cat.Authorized("bob", "t", PermRead) {
		t.Fatalf("expected READ revoked")
	}
}

func TestRootsIncludesLiveTablesOnly(t *testing.T) {
	cat, pgr, txID := openTestCatalog(t)
	tbl, _ := pager.CreateBTree(pgr, txID)
	if _, err := cat.CreateTable(txID, "live", nil, tbl.Root()); err != nil {
		t.Fatal(err)
	}
	dead, _ := pager.CreateBTree(pgr, txID)
	if _, err := cat.CreateTable(txID, "dead", nil, dead.Root()); err != nil {
		t.Fatal(err)
	}
	if err := cat.DropTable(txID, "dead"); err != nil {
		t.Fatal(err)
	}

	roots := cat.Roots()
	found := false
	for _, r := range roots {
		if r == tbl.Root() {
			found = true
		}
		if r == dead.Root() {
			t.Fatalf("dropped table's root should not be reachable")
		}
	}
	if !found {
		t.Fatalf("live table's root should be reachable")
	}
}
