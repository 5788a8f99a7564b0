// Package engine ties the SQL frontend (lexer.go, parser.go) to the
// storage stack: it plans a parsed Statement against the catalog, takes
// the locks required under strict two-phase locking (internal/txn), and
// pulls/pushes rows through the primary and secondary B+Trees
// (internal/storage/pager) using the typed row codec (internal/types).
//
// This replaces the teacher's Execute/executeSelect pipeline (the
// original internal/engine/exec.go, run against an in-memory storage.DB)
// with the same row-slice pipeline idiom — JOINs, then WHERE, then GROUP
// BY/HAVING, then projection, then ORDER BY/LIMIT — rebuilt against
// durable B+Trees, the catalog, and the lock table instead of an
// in-memory table.
package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"rsql.dev/rsql/internal/catalog"
	"rsql.dev/rsql/internal/rsqlerr"
	"rsql.dev/rsql/internal/storage/pager"
	"rsql.dev/rsql/internal/txn"
	"rsql.dev/rsql/internal/types"
)

// Row is a positional tuple of values, ordered per the table's live
// column list at the time it was read.
type Row []types.Value

// ResultSet is a query's output: a column list and its matching rows.
type ResultSet struct {
	Columns []string
	Rows    []Row
}

// ExecResult is the outcome of executing one statement, carrying enough
// shape to build the session layer's uniform result entry without
// re-inspecting the AST.
type ExecResult struct {
	Kind         string // "ddl" | "dcl" | "mutation" | "query" | "transaction_begin" | "transaction_commit" | "transaction_rollback"
	Message      string
	AffectedRows int64
	*ResultSet
}

// Engine binds the catalog, pager and transaction manager together for
// statement execution. One Engine is shared process-wide; per-statement
// state lives in the caller-supplied *txn.Transaction.
type Engine struct {
	Pager   *pager.Pager
	Catalog *catalog.Catalog
	Txns    *txn.Manager
}

// NewEngine constructs an Engine over an already-open storage stack.
func NewEngine(pgr *pager.Pager, cat *catalog.Catalog, txns *txn.Manager) *Engine {
	return &Engine{Pager: pgr, Catalog: cat, Txns: txns}
}

// Execute runs one parsed statement inside tx, attributed to user for
// permission checks (an empty user bypasses checks, for internal/test
// callers that never authenticate).
func Execute(ctx context.Context, eng *Engine, tx *txn.Transaction, user string, stmt Statement) (*ExecResult, error) {
	switch s := stmt.(type) {
	case *CreateTable:
		return eng.execCreateTable(tx, s)
	case *DropTable:
		return eng.execDropTable(tx, s)
	case *RenameTable:
		return eng.execRenameTable(tx, s)
	case *RenameColumn:
		return eng.execRenameColumn(tx, s)
	case *CreateIndex:
		return eng.execCreateIndex(tx, s)
	case *DropIndex:
		return eng.execDropIndex(tx, s)
	case *CreateUser:
		return eng.execCreateUser(tx, s)
	case *DropUser:
		return eng.execDropUser(tx, s)
	case *Grant:
		return eng.execGrant(tx, s)
	case *Revoke:
		return eng.execRevoke(tx, s)
	case *Insert:
		return eng.execInsert(ctx, tx, user, s)
	case *Update:
		return eng.execUpdate(ctx, tx, user, s)
	case *Delete:
		return eng.execDelete(ctx, tx, user, s)
	case *Select:
		return eng.execSelect(ctx, tx, user, s)
	case *Begin:
		tx.MarkExplicit()
		return &ExecResult{Kind: "transaction_begin", Message: "BEGIN"}, nil
	case *Commit:
		if err := eng.Txns.Commit(tx); err != nil {
			return nil, err
		}
		return &ExecResult{Kind: "transaction_commit", Message: "COMMIT"}, nil
	case *Rollback:
		if err := eng.Txns.Rollback(tx); err != nil {
			return nil, err
		}
		return &ExecResult{Kind: "transaction_rollback", Message: "ROLLBACK"}, nil
	case *SavepointStmt:
		tx.Savepoint(s.Name)
		return &ExecResult{Kind: "transaction_begin", Message: "SAVEPOINT " + s.Name}, nil
	case *RollbackToSavepointStmt:
		if err := tx.RollbackToSavepoint(s.Name); err != nil {
			return nil, err
		}
		return &ExecResult{Kind: "transaction_rollback", Message: "ROLLBACK TO SAVEPOINT " + s.Name}, nil
	default:
		return nil, rsqlerr.Newf(rsqlerr.UnsupportedSQL, "unsupported statement %T", stmt)
	}
}

// ─────────────────────────────── permissions ───────────────────────────────

func checkPerm(cat *catalog.Catalog, user, table string, perm catalog.Perm) error {
	if user == "" {
		return nil
	}
	if !cat.Authorized(user, table, perm) {
		return rsqlerr.Newf(rsqlerr.PermissionDenied, "user %q lacks required permission on %q", user, table)
	}
	return nil
}

func parsePerm(s string) (catalog.Perm, error) {
	switch strings.ToUpper(s) {
	case "READ":
		return catalog.PermRead, nil
	case "WRITE":
		return catalog.PermWrite, nil
	case "ALL":
		return catalog.PermRead | catalog.PermWrite, nil
	default:
		return 0, rsqlerr.Newf(rsqlerr.UnsupportedSQL, "unknown permission %q", s)
	}
}

// ──────────────────────────────────── DDL ───────────────────────────────────

func (eng *Engine) execCreateTable(tx *txn.Transaction, s *CreateTable) (*ExecResult, error) {
	if err := tx.Lock(txn.TableResource(s.Name), txn.LockX); err != nil {
		return nil, err
	}
	pagerTx, err := tx.PagerTx()
	if err != nil {
		return nil, err
	}
	root, err := pager.CreateBTree(eng.Pager, pagerTx)
	if err != nil {
		return nil, err
	}
	if _, err := eng.Catalog.CreateTable(pagerTx, s.Name, s.Cols, root.Root()); err != nil {
		return nil, err
	}
	return &ExecResult{Kind: "ddl", Message: "Table created"}, nil
}

func (eng *Engine) execDropTable(tx *txn.Transaction, s *DropTable) (*ExecResult, error) {
	if err := tx.Lock(txn.TableResource(s.Name), txn.LockX); err != nil {
		return nil, err
	}
	pagerTx, err := tx.PagerTx()
	if err != nil {
		return nil, err
	}
	if err := eng.Catalog.DropTable(pagerTx, s.Name); err != nil {
		return nil, err
	}
	return &ExecResult{Kind: "ddl", Message: "Table dropped"}, nil
}

func (eng *Engine) execRenameTable(tx *txn.Transaction, s *RenameTable) (*ExecResult, error) {
	if err := tx.Lock(txn.TableResource(s.Old), txn.LockX); err != nil {
		return nil, err
	}
	pagerTx, err := tx.PagerTx()
	if err != nil {
		return nil, err
	}
	if err := eng.Catalog.RenameTable(pagerTx, s.Old, s.New); err != nil {
		return nil, err
	}
	return &ExecResult{Kind: "ddl", Message: "Table renamed"}, nil
}

func (eng *Engine) execRenameColumn(tx *txn.Transaction, s *RenameColumn) (*ExecResult, error) {
	if err := tx.Lock(txn.TableResource(s.Table), txn.LockX); err != nil {
		return nil, err
	}
	pagerTx, err := tx.PagerTx()
	if err != nil {
		return nil, err
	}
	if err := eng.Catalog.RenameColumn(pagerTx, s.Table, s.Old, s.New); err != nil {
		return nil, err
	}
	return &ExecResult{Kind: "ddl", Message: "Column renamed"}, nil
}

func (eng *Engine) execCreateIndex(tx *txn.Transaction, s *CreateIndex) (*ExecResult, error) {
	if err := tx.Lock(txn.TableResource(s.Table), txn.LockX); err != nil {
		return nil, err
	}
	pagerTx, err := tx.PagerTx()
	if err != nil {
		return nil, err
	}
	entry, err := eng.Catalog.LookupTable(s.Table)
	if err != nil {
		return nil, err
	}
	cols := eng.Catalog.Columns(entry.TableID)
	colIdx := findColIdx(cols, s.Column)
	if colIdx < 0 {
		return nil, rsqlerr.Newf(rsqlerr.NameError, "unknown column %q on table %q", s.Column, s.Table)
	}
	typeCols := colsToTypes(cols)

	idxTree, err := pager.CreateBTree(eng.Pager, pagerTx)
	if err != nil {
		return nil, err
	}
	primary := pager.NewBTree(eng.Pager, entry.RootPage)
	seen := make(map[string]struct{})
	var scanErr error
	if err := primary.ScanRange(nil, nil, func(key, val []byte) bool {
		vals, derr := types.DecodeRow(typeCols, val)
		if derr != nil {
			scanErr = derr
			return false
		}
		if vals[colIdx].IsNull() {
			return true
		}
		colKey, derr := types.EncodeKey(vals[colIdx])
		if derr != nil {
			scanErr = derr
			return false
		}
		if s.Unique {
			if _, dup := seen[string(colKey)]; dup {
				scanErr = rsqlerr.Newf(rsqlerr.ConstraintViolation, "UNIQUE on %s.%s", s.Table, s.Column)
				return false
			}
			seen[string(colKey)] = struct{}{}
		}
		secKey := append(append([]byte{}, colKey...), key...)
		if derr := idxTree.Insert(pagerTx, secKey, key); derr != nil {
			scanErr = derr
			return false
		}
		return true
	}); err != nil {
		return nil, err
	}
	if scanErr != nil {
		return nil, scanErr
	}
	if err := eng.Catalog.CreateIndex(pagerTx, s.Table, s.Column, s.Unique, idxTree.Root()); err != nil {
		return nil, err
	}
	return &ExecResult{Kind: "ddl", Message: "Index created"}, nil
}

func (eng *Engine) execDropIndex(tx *txn.Transaction, s *DropIndex) (*ExecResult, error) {
	if err := tx.Lock(txn.TableResource(s.Table), txn.LockX); err != nil {
		return nil, err
	}
	pagerTx, err := tx.PagerTx()
	if err != nil {
		return nil, err
	}
	entry, err := eng.Catalog.LookupTable(s.Table)
	if err != nil {
		return nil, err
	}
	cols := eng.Catalog.Columns(entry.TableID)
	var colName string
	for _, c := range cols {
		if c.IndexRoot != pager.InvalidPageID {
			colName = c.Name
			break
		}
	}
	if colName == "" {
		return nil, rsqlerr.Newf(rsqlerr.NameError, "no index named %q on table %q", s.Name, s.Table)
	}
	if err := eng.Catalog.DropIndex(pagerTx, s.Table, colName); err != nil {
		return nil, err
	}
	return &ExecResult{Kind: "ddl", Message: "Index dropped"}, nil
}

// ──────────────────────────────────── DCL ───────────────────────────────────

func (eng *Engine) execCreateUser(tx *txn.Transaction, s *CreateUser) (*ExecResult, error) {
	pagerTx, err := tx.PagerTx()
	if err != nil {
		return nil, err
	}
	if _, err := eng.Catalog.CreateUser(pagerTx, s.Name, s.Password); err != nil {
		return nil, err
	}
	return &ExecResult{Kind: "dcl", Message: "User created"}, nil
}

func (eng *Engine) execDropUser(tx *txn.Transaction, s *DropUser) (*ExecResult, error) {
	pagerTx, err := tx.PagerTx()
	if err != nil {
		return nil, err
	}
	if err := eng.Catalog.DropUser(pagerTx, s.Name); err != nil {
		return nil, err
	}
	return &ExecResult{Kind: "dcl", Message: "User dropped"}, nil
}

func (eng *Engine) execGrant(tx *txn.Transaction, s *Grant) (*ExecResult, error) {
	perm, err := parsePerm(s.Perm)
	if err != nil {
		return nil, err
	}
	pagerTx, err := tx.PagerTx()
	if err != nil {
		return nil, err
	}
	if err := eng.Catalog.Grant(pagerTx, s.User, perm, s.Table); err != nil {
		return nil, err
	}
	return &ExecResult{Kind: "dcl", Message: "Grant applied"}, nil
}

func (eng *Engine) execRevoke(tx *txn.Transaction, s *Revoke) (*ExecResult, error) {
	perm, err := parsePerm(s.Perm)
	if err != nil {
		return nil, err
	}
	pagerTx, err := tx.PagerTx()
	if err != nil {
		return nil, err
	}
	if err := eng.Catalog.Revoke(pagerTx, s.User, perm, s.Table); err != nil {
		return nil, err
	}
	return &ExecResult{Kind: "dcl", Message: "Revoke applied"}, nil
}

// ───────────────────────────── schema / conversion ─────────────────────────

func colsToTypes(cols []*catalog.ColumnEntry) []types.Column {
	out := make([]types.Column, len(cols))
	for i, c := range cols {
		out[i] = types.Column{Name: c.Name, Kind: c.Kind, Len: c.Len, Nullable: c.Nullable, PrimaryKey: c.IsPrimary, Unique: c.IsUnique}
	}
	return out
}

func findColIdx(cols []*catalog.ColumnEntry, name string) int {
	for i, c := range cols {
		if c.Name == name {
			return i
		}
	}
	return -1
}

func primaryKeyIdx(cols []*catalog.ColumnEntry) int {
	for i, c := range cols {
		if c.IsPrimary {
			return i
		}
	}
	return -1
}

// ─────────────────────────────── scanning (C9) ──────────────────────────────

// scannedRow is a decoded row paired with its B+Tree key, used both for
// query output and as the mutation target for UPDATE/DELETE.
type scannedRow struct {
	key  []byte
	vals Row
}

// tableIter is the Volcano-shaped scan operator (SeqScan when lo/hi are
// nil, IndexScan(range) otherwise): Open buffers the matching range in one
// ScanRange pass (the pager's callback API has no native suspend point),
// polling ctx every 256 rows for cancellation; Next/Close then pull from
// that buffer one row at a time.
type tableIter struct {
	bt   *pager.BTree
	cols []types.Column
	lo   []byte
	hi   []byte
	ctx  context.Context

	buf []scannedRow
	pos int
}

func newTableIter(ctx context.Context, bt *pager.BTree, cols []types.Column, lo, hi []byte) *tableIter {
	return &tableIter{bt: bt, cols: cols, lo: lo, hi: hi, ctx: ctx}
}

func (it *tableIter) Open() error {
	n := 0
	var innerErr error
	err := it.bt.ScanRange(it.lo, it.hi, func(key, val []byte) bool {
		n++
		if n%256 == 0 && it.ctx.Err() != nil {
			innerErr = it.ctx.Err()
			return false
		}
		vals, derr := types.DecodeRow(it.cols, val)
		if derr != nil {
			innerErr = derr
			return false
		}
		it.buf = append(it.buf, scannedRow{key: append([]byte(nil), key...), vals: vals})
		return true
	})
	if err != nil {
		return err
	}
	return innerErr
}

func (it *tableIter) Next() (scannedRow, bool, error) {
	if it.pos >= len(it.buf) {
		return scannedRow{}, false, nil
	}
	r := it.buf[it.pos]
	it.pos++
	return r, true, nil
}

func (it *tableIter) Close() error { it.buf = nil; return nil }

func runScan(ctx context.Context, bt *pager.BTree, cols []types.Column, lo, hi []byte) ([]scannedRow, error) {
	it := newTableIter(ctx, bt, cols, lo, hi)
	if err := it.Open(); err != nil {
		return nil, err
	}
	defer it.Close()
	var out []scannedRow
	for {
		r, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		out = append(out, r)
	}
	return out, nil
}

// planScan picks SeqScan vs IndexScan for a single table: it looks for a
// top-level equality/range/BETWEEN predicate on the primary key or an
// indexed column and, if found, bounds the scan to that key range instead
// of reading every row.
func (eng *Engine) planScan(ctx context.Context, tx *txn.Transaction, table string, where Expr) ([]scannedRow, []types.Column, *catalog.TableEntry, error) {
	entry, err := eng.Catalog.LookupTable(table)
	if err != nil {
		return nil, nil, nil, err
	}
	cols := eng.Catalog.Columns(entry.TableID)
	typeCols := colsToTypes(cols)
	if err := tx.Lock(txn.TableResource(table), txn.LockIS); err != nil {
		return nil, nil, nil, err
	}

	if pkIdx := primaryKeyIdx(cols); pkIdx >= 0 {
		if lo, hi, ok := rangeForColumn(where, cols[pkIdx].Name); ok {
			bt := pager.NewBTree(eng.Pager, entry.RootPage)
			loKey, hiKey := indexBounds(lo, hi)
			if lo != nil && hi != nil && lo == hi {
				k, _ := types.EncodeKey(*lo)
				loKey, hiKey = k, k
			}
			rows, err := runScan(ctx, bt, typeCols, loKey, hiKey)
			return rows, typeCols, entry, err
		}
	}
	for _, c := range cols {
		if c.IndexRoot == pager.InvalidPageID {
			continue
		}
		lo, hi, ok := rangeForColumn(where, c.Name)
		if !ok {
			continue
		}
		idxBt := pager.NewBTree(eng.Pager, c.IndexRoot)
		loKey, hiKey := indexBounds(lo, hi)
		var pks [][]byte
		if err := idxBt.ScanRange(loKey, hiKey, func(_, val []byte) bool {
			pks = append(pks, append([]byte(nil), val...))
			return true
		}); err != nil {
			return nil, nil, nil, err
		}
		primary := pager.NewBTree(eng.Pager, entry.RootPage)
		var rows []scannedRow
		for _, pk := range pks {
			val, found, err := primary.Get(pk)
			if err != nil {
				return nil, nil, nil, err
			}
			if !found {
				continue
			}
			vals, err := types.DecodeRow(typeCols, val)
			if err != nil {
				return nil, nil, nil, err
			}
			rows = append(rows, scannedRow{key: pk, vals: vals})
		}
		return rows, typeCols, entry, nil
	}

	bt := pager.NewBTree(eng.Pager, entry.RootPage)
	rows, err := runScan(ctx, bt, typeCols, nil, nil)
	return rows, typeCols, entry, err
}

// indexBounds widens a column-value range into the byte range of a
// secondary-index key, whose on-disk form is EncodeKey(colVal)+pk — a
// tail of nine 0xFF bytes on the upper bound sorts after every real pk
// suffix the encodings in this package produce (8-byte Integer/Float keys,
// 1-byte Bool keys, and NUL-terminated UTF-8 text, which never holds 0xFF).
func indexBounds(lo, hi *types.Value) (loKey, hiKey []byte) {
	if lo != nil {
		loKey, _ = types.EncodeKey(*lo)
	}
	if hi != nil {
		k, _ := types.EncodeKey(*hi)
		hiKey = append(append([]byte{}, k...), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
	}
	return loKey, hiKey
}

// rangeForColumn walks a top-level AND-conjunction looking for an
// equality, comparison or BETWEEN predicate on colName, returning the
// [lo,hi] value bounds it implies. It is a heuristic rewrite, not a full
// range solver: predicates outside a top-level AND chain are ignored and
// left to the in-memory Filter stage to re-check.
func rangeForColumn(where Expr, colName string) (lo, hi *types.Value, ok bool) {
	if where == nil {
		return nil, nil, false
	}
	for _, pred := range splitAnd(where) {
		switch e := pred.(type) {
		case *Binary:
			vr, lit, swapped := varAndLiteral(e.Left, e.Right)
			if vr == nil || !refersTo(vr.Name, colName) {
				continue
			}
			v := literalToValue(lit.Val)
			op := e.Op
			if swapped {
				op = flipOp(op)
			}
			switch op {
			case "=":
				lo, hi = &v, &v
				ok = true
			case ">=", ">":
				lo = &v
				ok = true
			case "<=", "<":
				hi = &v
				ok = true
			}
		case *Between:
			if vr, isVar := e.Expr.(*VarRef); isVar && refersTo(vr.Name, colName) && !e.Negate {
				if loLit, isLit := e.Lo.(*Literal); isLit {
					v := literalToValue(loLit.Val)
					lo = &v
				}
				if hiLit, isLit := e.Hi.(*Literal); isLit {
					v := literalToValue(hiLit.Val)
					hi = &v
				}
				ok = lo != nil || hi != nil
			}
		}
	}
	return lo, hi, ok
}

func splitAnd(e Expr) []Expr {
	if b, ok := e.(*Binary); ok && b.Op == "AND" {
		return append(splitAnd(b.Left), splitAnd(b.Right)...)
	}
	return []Expr{e}
}

func varAndLiteral(l, r Expr) (*VarRef, *Literal, bool) {
	if vr, ok := l.(*VarRef); ok {
		if lit, ok := r.(*Literal); ok {
			return vr, lit, false
		}
	}
	if vr, ok := r.(*VarRef); ok {
		if lit, ok := l.(*Literal); ok {
			return vr, lit, true
		}
	}
	return nil, nil, false
}

func flipOp(op string) string {
	switch op {
	case ">":
		return "<"
	case ">=":
		return "<="
	case "<":
		return ">"
	case "<=":
		return ">="
	default:
		return op
	}
}

func refersTo(varName, colName string) bool {
	if varName == colName {
		return true
	}
	parts := strings.Split(varName, ".")
	return parts[len(parts)-1] == colName
}

// ───────────────────────────────── DML (C9) ─────────────────────────────────

func (eng *Engine) execInsert(ctx context.Context, tx *txn.Transaction, user string, s *Insert) (*ExecResult, error) {
	if err := checkPerm(eng.Catalog, user, s.Table, catalog.PermWrite); err != nil {
		return nil, err
	}
	entry, err := eng.Catalog.LookupTable(s.Table)
	if err != nil {
		return nil, err
	}
	cols := eng.Catalog.Columns(entry.TableID)
	typeCols := colsToTypes(cols)
	if err := tx.Lock(txn.TableResource(s.Table), txn.LockIX); err != nil {
		return nil, err
	}
	pagerTx, err := tx.PagerTx()
	if err != nil {
		return nil, err
	}
	bt := pager.NewBTree(eng.Pager, entry.RootPage)
	pkIdx := primaryKeyIdx(cols)

	var targetIdx []int
	if len(s.Cols) == 0 {
		for i := range cols {
			targetIdx = append(targetIdx, i)
		}
	} else {
		for _, name := range s.Cols {
			idx := findColIdx(cols, name)
			if idx < 0 {
				return nil, rsqlerr.Newf(rsqlerr.NameError, "unknown column %q on table %q", name, s.Table)
			}
			targetIdx = append(targetIdx, idx)
		}
	}

	var count int64
	for _, valRow := range s.Rows {
		if len(valRow) != len(targetIdx) {
			return nil, rsqlerr.Newf(rsqlerr.TypeError, "INSERT has %d values for %d columns", len(valRow), len(targetIdx))
		}
		vals := make(Row, len(cols))
		for i := range vals {
			vals[i] = types.Null
		}
		for i, e := range valRow {
			v, err := evalExpr(evalCtx{}, nil, e)
			if err != nil {
				return nil, err
			}
			cv, err := coerceToColumn(v, typeCols[targetIdx[i]])
			if err != nil {
				return nil, err
			}
			vals[targetIdx[i]] = cv
		}
		for i, c := range typeCols {
			if vals[i].IsNull() && !c.Nullable {
				return nil, rsqlerr.Newf(rsqlerr.ConstraintViolation, "NOT NULL on %s.%s", s.Table, c.Name)
			}
		}

		var key []byte
		if pkIdx >= 0 {
			key, err = types.EncodeKey(vals[pkIdx])
			if err != nil {
				return nil, err
			}
			if _, found, err := bt.Get(key); err != nil {
				return nil, err
			} else if found {
				return nil, rsqlerr.Newf(rsqlerr.ConstraintViolation, "UNIQUE on %s.%s", s.Table, cols[pkIdx].Name)
			}
		} else {
			rowID, err := eng.Catalog.AllocRowID(pagerTx, s.Table)
			if err != nil {
				return nil, err
			}
			key, err = types.EncodeKey(types.Integer(int64(rowID)))
			if err != nil {
				return nil, err
			}
		}
		if err := tx.Lock(txn.RowResource(s.Table, key), txn.LockX); err != nil {
			return nil, err
		}

		for _, c := range cols {
			if c.IndexRoot == pager.InvalidPageID {
				continue
			}
			idx := findColIdx(cols, c.Name)
			if vals[idx].IsNull() {
				continue
			}
			colKey, err := types.EncodeKey(vals[idx])
			if err != nil {
				return nil, err
			}
			idxBt := pager.NewBTree(eng.Pager, c.IndexRoot)
			if c.IsUnique {
				if dupKey, dup, err := indexHasValue(idxBt, colKey); err != nil {
					return nil, err
				} else if dup && string(dupKey) != string(key) {
					return nil, rsqlerr.Newf(rsqlerr.ConstraintViolation, "UNIQUE on %s.%s", s.Table, c.Name)
				}
			}
			secKey := append(append([]byte{}, colKey...), key...)
			if err := idxBt.Insert(pagerTx, secKey, key); err != nil {
				return nil, err
			}
		}

		buf, err := types.EncodeRow(typeCols, vals)
		if err != nil {
			return nil, err
		}
		if err := bt.Insert(pagerTx, key, buf); err != nil {
			return nil, err
		}
		count++
	}
	return &ExecResult{Kind: "mutation", Message: "Insert executed", AffectedRows: count}, nil
}

func indexHasValue(idxBt *pager.BTree, colKey []byte) ([]byte, bool, error) {
	upper := append(append([]byte{}, colKey...), 0xFF)
	var found []byte
	var any bool
	if err := idxBt.ScanRange(colKey, upper, func(_, val []byte) bool {
		found = append([]byte(nil), val...)
		any = true
		return false
	}); err != nil {
		return nil, false, err
	}
	return found, any, nil
}

func (eng *Engine) execUpdate(ctx context.Context, tx *txn.Transaction, user string, s *Update) (*ExecResult, error) {
	if err := checkPerm(eng.Catalog, user, s.Table, catalog.PermWrite); err != nil {
		return nil, err
	}
	entry, err := eng.Catalog.LookupTable(s.Table)
	if err != nil {
		return nil, err
	}
	cols := eng.Catalog.Columns(entry.TableID)
	typeCols := colsToTypes(cols)
	pkIdx := primaryKeyIdx(cols)
	if err := tx.Lock(txn.TableResource(s.Table), txn.LockIX); err != nil {
		return nil, err
	}
	pagerTx, err := tx.PagerTx()
	if err != nil {
		return nil, err
	}
	bt := pager.NewBTree(eng.Pager, entry.RootPage)
	rows, err := runScan(ctx, bt, typeCols, nil, nil)
	if err != nil {
		return nil, err
	}
	ectx := evalCtx{schema: plainSchema(cols)}

	var count int64
	for _, row := range rows {
		if s.Where != nil {
			match, err := evalPredicate(ectx, row.vals, s.Where)
			if err != nil {
				return nil, err
			}
			if !match {
				continue
			}
		}
		if err := tx.Lock(txn.RowResource(s.Table, row.key), txn.LockX); err != nil {
			return nil, err
		}
		newVals := append(Row{}, row.vals...)
		for _, set := range s.Sets {
			idx := findColIdx(cols, set.Col)
			if idx < 0 {
				return nil, rsqlerr.Newf(rsqlerr.NameError, "unknown column %q on table %q", set.Col, s.Table)
			}
			v, err := evalExpr(ectx, row.vals, set.Expr)
			if err != nil {
				return nil, err
			}
			cv, err := coerceToColumn(v, typeCols[idx])
			if err != nil {
				return nil, err
			}
			newVals[idx] = cv
		}
		for i, c := range typeCols {
			if newVals[i].IsNull() && !c.Nullable {
				return nil, rsqlerr.Newf(rsqlerr.ConstraintViolation, "NOT NULL on %s.%s", s.Table, c.Name)
			}
		}

		newKey := row.key
		if pkIdx >= 0 {
			newKey, err = types.EncodeKey(newVals[pkIdx])
			if err != nil {
				return nil, err
			}
		}
		if string(newKey) != string(row.key) {
			if _, found, err := bt.Get(newKey); err != nil {
				return nil, err
			} else if found {
				return nil, rsqlerr.Newf(rsqlerr.ConstraintViolation, "UNIQUE on %s.%s", s.Table, cols[pkIdx].Name)
			}
			if _, err := bt.Delete(pagerTx, row.key); err != nil {
				return nil, err
			}
			if err := tx.Lock(txn.RowResource(s.Table, newKey), txn.LockX); err != nil {
				return nil, err
			}
		}

		for _, c := range cols {
			if c.IndexRoot == pager.InvalidPageID {
				continue
			}
			idx := findColIdx(cols, c.Name)
			if row.vals[idx].IsNull() && newVals[idx].IsNull() {
				continue
			}
			idxBt := pager.NewBTree(eng.Pager, c.IndexRoot)
			if !row.vals[idx].IsNull() {
				oldColKey, err := types.EncodeKey(row.vals[idx])
				if err != nil {
					return nil, err
				}
				if _, err := idxBt.Delete(pagerTx, append(append([]byte{}, oldColKey...), row.key...)); err != nil {
					return nil, err
				}
			}
			if !newVals[idx].IsNull() {
				newColKey, err := types.EncodeKey(newVals[idx])
				if err != nil {
					return nil, err
				}
				if c.IsUnique {
					if dupKey, dup, err := indexHasValue(idxBt, newColKey); err != nil {
						return nil, err
					} else if dup && string(dupKey) != string(newKey) {
						return nil, rsqlerr.Newf(rsqlerr.ConstraintViolation, "UNIQUE on %s.%s", s.Table, c.Name)
					}
				}
				if err := idxBt.Insert(pagerTx, append(append([]byte{}, newColKey...), newKey...), newKey); err != nil {
					return nil, err
				}
			}
		}

		buf, err := types.EncodeRow(typeCols, newVals)
		if err != nil {
			return nil, err
		}
		if err := bt.Insert(pagerTx, newKey, buf); err != nil {
			return nil, err
		}
		count++
	}
	return &ExecResult{Kind: "mutation", Message: "Update executed", AffectedRows: count}, nil
}

func (eng *Engine) execDelete(ctx context.Context, tx *txn.Transaction, user string, s *Delete) (*ExecResult, error) {
	if err := checkPerm(eng.Catalog, user, s.Table, catalog.PermWrite); err != nil {
		return nil, err
	}
	entry, err := eng.Catalog.LookupTable(s.Table)
	if err != nil {
		return nil, err
	}
	cols := eng.Catalog.Columns(entry.TableID)
	typeCols := colsToTypes(cols)
	if err := tx.Lock(txn.TableResource(s.Table), txn.LockIX); err != nil {
		return nil, err
	}
	pagerTx, err := tx.PagerTx()
	if err != nil {
		return nil, err
	}
	bt := pager.NewBTree(eng.Pager, entry.RootPage)
	rows, err := runScan(ctx, bt, typeCols, nil, nil)
	if err != nil {
		return nil, err
	}
	ectx := evalCtx{schema: plainSchema(cols)}

	var count int64
	for _, row := range rows {
		if s.Where != nil {
			match, err := evalPredicate(ectx, row.vals, s.Where)
			if err != nil {
				return nil, err
			}
			if !match {
				continue
			}
		}
		if err := tx.Lock(txn.RowResource(s.Table, row.key), txn.LockX); err != nil {
			return nil, err
		}
		for _, c := range cols {
			if c.IndexRoot == pager.InvalidPageID {
				continue
			}
			idx := findColIdx(cols, c.Name)
			if row.vals[idx].IsNull() {
				continue
			}
			colKey, err := types.EncodeKey(row.vals[idx])
			if err != nil {
				return nil, err
			}
			idxBt := pager.NewBTree(eng.Pager, c.IndexRoot)
			if _, err := idxBt.Delete(pagerTx, append(append([]byte{}, colKey...), row.key...)); err != nil {
				return nil, err
			}
		}
		if _, err := bt.Delete(pagerTx, row.key); err != nil {
			return nil, err
		}
		count++
	}
	return &ExecResult{Kind: "mutation", Message: "Delete executed", AffectedRows: count}, nil
}

func plainSchema(cols []*catalog.ColumnEntry) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Name
	}
	return out
}

// coerceToColumn checks vs against col's declared Kind and applies the
// Integer<->Float promotion and CHAR(n) padding rules.
func coerceToColumn(v types.Value, col types.Column) (types.Value, error) {
	if v.IsNull() {
		if !col.Nullable {
			return types.Value{}, rsqlerr.Newf(rsqlerr.ConstraintViolation, "NOT NULL on %s", col.Name)
		}
		return types.Null, nil
	}
	switch col.Kind {
	case types.KindInteger:
		switch v.Kind {
		case types.KindInteger:
			return v, nil
		case types.KindFloat:
			return types.Integer(int64(v.F)), nil
		}
	case types.KindFloat:
		switch v.Kind {
		case types.KindFloat:
			return v, nil
		case types.KindInteger:
			return types.Float(float64(v.I)), nil
		}
	case types.KindBool:
		if v.Kind == types.KindBool {
			return v, nil
		}
	case types.KindChar:
		if v.Kind == types.KindChar || v.Kind == types.KindVarChar {
			return types.Char(v.S, col.Len)
		}
	case types.KindVarChar:
		if v.Kind == types.KindChar || v.Kind == types.KindVarChar {
			return types.VarChar(strings.TrimRight(v.S, " ")), nil
		}
	}
	return types.Value{}, rsqlerr.Newf(rsqlerr.TypeError, "column %q expects %s, got %s", col.Name, col.Kind, v.Kind)
}

// ──────────────────────────────── SELECT (C9) ───────────────────────────────

func (eng *Engine) execSelect(ctx context.Context, tx *txn.Transaction, user string, s *Select) (*ExecResult, error) {
	if err := checkPerm(eng.Catalog, user, s.From.Table, catalog.PermRead); err != nil {
		return nil, err
	}
	rows, schema, err := eng.scanQualified(ctx, tx, s.From, s.Where)
	if err != nil {
		return nil, err
	}

	for _, j := range s.Joins {
		if err := checkPerm(eng.Catalog, user, j.Right.Table, catalog.PermRead); err != nil {
			return nil, err
		}
		rrows, rschema, err := eng.scanQualified(ctx, tx, j.Right, nil)
		if err != nil {
			return nil, err
		}
		rows, schema, err = joinRows(rows, schema, rrows, rschema, j.On, j.Type)
		if err != nil {
			return nil, err
		}
	}

	ectx := evalCtx{schema: schema}
	if s.Where != nil {
		var filtered []Row
		for _, r := range rows {
			ok, err := evalPredicate(ectx, r, s.Where)
			if err != nil {
				return nil, err
			}
			if ok {
				filtered = append(filtered, r)
			}
		}
		rows = filtered
	}

	outRows, outSchema, err := groupAndProject(ectx, rows, s)
	if err != nil {
		return nil, err
	}

	if s.Distinct {
		outRows = dedupe(outRows)
	}
	if len(s.OrderBy) > 0 {
		sortRowsByOrder(outRows, outSchema, s.OrderBy)
	}
	if s.Offset != nil {
		if *s.Offset < len(outRows) {
			outRows = outRows[*s.Offset:]
		} else {
			outRows = nil
		}
	}
	if s.Limit != nil && *s.Limit < len(outRows) {
		outRows = outRows[:*s.Limit]
	}

	return &ExecResult{Kind: "query", ResultSet: &ResultSet{Columns: outSchema, Rows: outRows}}, nil
}

// scanQualified scans one FROM/JOIN source and prefixes its schema with
// the source's alias so joined columns don't collide.
func (eng *Engine) scanQualified(ctx context.Context, tx *txn.Transaction, from FromItem, where Expr) ([]Row, []string, error) {
	scanned, _, entry, err := eng.planScan(ctx, tx, from.Table, where)
	if err != nil {
		return nil, nil, err
	}
	rows := make([]Row, len(scanned))
	for i, r := range scanned {
		rows[i] = r.vals
	}
	rawCols := eng.Catalog.Columns(entry.TableID)
	schema := make([]string, len(rawCols))
	for i, c := range rawCols {
		schema[i] = from.Alias + "." + c.Name
	}
	return rows, schema, nil
}

func joinRows(left []Row, leftSchema []string, right []Row, rightSchema []string, on Expr, jt JoinType) ([]Row, []string, error) {
	schema := append(append([]string{}, leftSchema...), rightSchema...)
	ectx := evalCtx{schema: schema}
	var out []Row
	nullRight := make(Row, len(rightSchema))
	for i := range nullRight {
		nullRight[i] = types.Null
	}
	for _, lr := range left {
		matched := false
		for _, rr := range right {
			combined := append(append(Row{}, lr...), rr...)
			ok, err := evalPredicate(ectx, combined, on)
			if err != nil {
				return nil, nil, err
			}
			if ok {
				out = append(out, combined)
				matched = true
			}
		}
		if !matched && jt == JoinLeft {
			out = append(out, append(append(Row{}, lr...), nullRight...))
		}
	}
	return out, schema, nil
}

func dedupe(rows []Row) []Row {
	seen := make(map[string]struct{}, len(rows))
	var out []Row
	for _, r := range rows {
		sig := rowSignature(r)
		if _, ok := seen[sig]; ok {
			continue
		}
		seen[sig] = struct{}{}
		out = append(out, r)
	}
	return out
}

func rowSignature(r Row) string {
	var b strings.Builder
	for _, v := range r {
		fmt.Fprintf(&b, "%d|%d|%g|%s|%v\x1f", v.Kind, v.I, v.F, v.S, v.B)
	}
	return b.String()
}

func sortRowsByOrder(rows []Row, schema []string, order []OrderItem) {
	idxs := make([]int, len(order))
	for i, o := range order {
		idxs[i] = -1
		for j, name := range schema {
			if name == o.Col || refersTo(name, o.Col) {
				idxs[i] = j
				break
			}
		}
	}
	sort.SliceStable(rows, func(a, b int) bool {
		for i, idx := range idxs {
			if idx < 0 {
				continue
			}
			av, bv := rows[a][idx], rows[b][idx]
			if av.IsNull() || bv.IsNull() {
				if av.IsNull() != bv.IsNull() {
					if order[i].Desc {
						return av.IsNull()
					}
					return !av.IsNull()
				}
				continue
			}
			c, err := types.Compare(av, bv)
			if err != nil || c == 0 {
				continue
			}
			if order[i].Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

// ────────────────────────────── expression eval ─────────────────────────────

type evalCtx struct {
	schema []string
}

func (c evalCtx) resolve(name string) (int, bool) {
	for i, s := range c.schema {
		if s == name {
			return i, true
		}
	}
	for i, s := range c.schema {
		if refersTo(s, name) {
			return i, true
		}
	}
	return -1, false
}

func literalToValue(val any) types.Value {
	switch v := val.(type) {
	case nil:
		return types.Null
	case int64:
		return types.Integer(v)
	case float64:
		return types.Float(v)
	case string:
		return types.VarChar(v)
	case bool:
		return types.Bool(v)
	default:
		return types.Null
	}
}

// evalPredicate evaluates e as a WHERE/ON predicate: NULL (the "Unknown"
// truth value) is treated as false, per SQL's three-valued logic.
func evalPredicate(ctx evalCtx, row Row, e Expr) (bool, error) {
	v, err := evalExpr(ctx, row, e)
	if err != nil {
		return false, err
	}
	return !v.IsNull() && v.Kind == types.KindBool && v.B, nil
}

func evalExpr(ctx evalCtx, row Row, e Expr) (types.Value, error) {
	switch ex := e.(type) {
	case *Literal:
		return literalToValue(ex.Val), nil
	case *VarRef:
		idx, ok := ctx.resolve(ex.Name)
		if !ok {
			return types.Value{}, rsqlerr.Newf(rsqlerr.NameError, "unknown column %q", ex.Name)
		}
		return row[idx], nil
	case *Unary:
		v, err := evalExpr(ctx, row, ex.Expr)
		if err != nil {
			return types.Value{}, err
		}
		return evalUnaryValue(ex.Op, v)
	case *Binary:
		l, err := evalExpr(ctx, row, ex.Left)
		if err != nil {
			return types.Value{}, err
		}
		r, err := evalExpr(ctx, row, ex.Right)
		if err != nil {
			return types.Value{}, err
		}
		return evalBinaryValues(ex.Op, l, r)
	case *IsNull:
		v, err := evalExpr(ctx, row, ex.Expr)
		if err != nil {
			return types.Value{}, err
		}
		res := v.IsNull()
		if ex.Negate {
			res = !res
		}
		return types.Bool(res), nil
	case *Between:
		v, err := evalExpr(ctx, row, ex.Expr)
		if err != nil {
			return types.Value{}, err
		}
		lo, err := evalExpr(ctx, row, ex.Lo)
		if err != nil {
			return types.Value{}, err
		}
		hi, err := evalExpr(ctx, row, ex.Hi)
		if err != nil {
			return types.Value{}, err
		}
		if v.IsNull() || lo.IsNull() || hi.IsNull() {
			return types.Null, nil
		}
		cLo, err := types.Compare(v, lo)
		if err != nil {
			return types.Value{}, err
		}
		cHi, err := types.Compare(v, hi)
		if err != nil {
			return types.Value{}, err
		}
		res := cLo >= 0 && cHi <= 0
		if ex.Negate {
			res = !res
		}
		return types.Bool(res), nil
	case *LikeExpr:
		v, err := evalExpr(ctx, row, ex.Expr)
		if err != nil {
			return types.Value{}, err
		}
		p, err := evalExpr(ctx, row, ex.Pattern)
		if err != nil {
			return types.Value{}, err
		}
		if v.IsNull() || p.IsNull() {
			return types.Null, nil
		}
		var res bool
		if ex.Fold {
			res = types.ILike(v.S, p.S)
		} else {
			res = types.Like(v.S, p.S)
		}
		if ex.Negate {
			res = !res
		}
		return types.Bool(res), nil
	case *FuncCall:
		return types.Value{}, rsqlerr.Newf(rsqlerr.UnsupportedSQL, "aggregate %s used outside GROUP BY context", ex.Name)
	default:
		return types.Value{}, rsqlerr.Newf(rsqlerr.UnsupportedSQL, "unsupported expression %T", e)
	}
}

func evalUnaryValue(op string, v types.Value) (types.Value, error) {
	switch op {
	case "NOT":
		if v.IsNull() {
			return types.Null, nil
		}
		return types.Bool(!(v.Kind == types.KindBool && v.B)), nil
	case "-":
		if v.IsNull() {
			return types.Null, nil
		}
		if v.Kind == types.KindInteger {
			return types.Integer(-v.I), nil
		}
		if v.Kind == types.KindFloat {
			return types.Float(-v.F), nil
		}
		return types.Value{}, rsqlerr.Newf(rsqlerr.TypeError, "unary - requires a numeric operand")
	case "+":
		return v, nil
	default:
		return types.Value{}, rsqlerr.Newf(rsqlerr.UnsupportedSQL, "unknown unary operator %q", op)
	}
}

func evalBinaryValues(op string, l, r types.Value) (types.Value, error) {
	switch op {
	case "AND":
		return triToValue(triAnd(toTri(l), toTri(r))), nil
	case "OR":
		return triToValue(triOr(toTri(l), toTri(r))), nil
	case "+":
		return types.Arith(types.OpAdd, l, r)
	case "-":
		return types.Arith(types.OpSub, l, r)
	case "*":
		return types.Arith(types.OpMul, l, r)
	case "/":
		return types.Arith(types.OpDiv, l, r)
	case "%":
		return types.Arith(types.OpMod, l, r)
	case "=", "!=", "<>", "<", "<=", ">", ">=":
		if l.IsNull() || r.IsNull() {
			return types.Null, nil
		}
		c, err := types.Compare(l, r)
		if err != nil {
			return types.Value{}, err
		}
		switch op {
		case "=":
			return types.Bool(c == 0), nil
		case "!=", "<>":
			return types.Bool(c != 0), nil
		case "<":
			return types.Bool(c < 0), nil
		case "<=":
			return types.Bool(c <= 0), nil
		case ">":
			return types.Bool(c > 0), nil
		case ">=":
			return types.Bool(c >= 0), nil
		}
	}
	return types.Value{}, rsqlerr.Newf(rsqlerr.UnsupportedSQL, "unknown binary operator %q", op)
}

// toTri/triAnd/triOr/triToValue implement SQL's three-valued logic, the
// same match-on-a-small-enum idiom the teacher uses for its tri-state
// AND/OR/NOT helpers, specialized here to types.Value instead of any.
func toTri(v types.Value) int {
	if v.IsNull() {
		return -1
	}
	if v.Kind == types.KindBool {
		if v.B {
			return 1
		}
		return 0
	}
	return -1
}

func triAnd(a, b int) int {
	if a == 0 || b == 0 {
		return 0
	}
	if a == 1 && b == 1 {
		return 1
	}
	return -1
}

func triOr(a, b int) int {
	if a == 1 || b == 1 {
		return 1
	}
	if a == 0 && b == 0 {
		return 0
	}
	return -1
}

func triToValue(t int) types.Value {
	if t == -1 {
		return types.Null
	}
	return types.Bool(t == 1)
}

// ──────────────────────────── GROUP BY / aggregates ─────────────────────────

type aggAcc struct {
	kind string
	star bool
	val  types.Value
	any  bool
	n    int64
}

func (a *aggAcc) add(v types.Value) error {
	switch a.kind {
	case "COUNT":
		if a.star || !v.IsNull() {
			a.n++
		}
	case "SUM", "AVG":
		if v.IsNull() {
			return nil
		}
		a.n++
		if !a.any {
			a.val, a.any = v, true
			return nil
		}
		nv, err := types.Arith(types.OpAdd, a.val, v)
		if err != nil {
			return err
		}
		a.val = nv
	case "MIN":
		if v.IsNull() {
			return nil
		}
		if !a.any {
			a.val, a.any = v, true
			return nil
		}
		c, err := types.Compare(v, a.val)
		if err != nil {
			return err
		}
		if c < 0 {
			a.val = v
		}
	case "MAX":
		if v.IsNull() {
			return nil
		}
		if !a.any {
			a.val, a.any = v, true
			return nil
		}
		c, err := types.Compare(v, a.val)
		if err != nil {
			return err
		}
		if c > 0 {
			a.val = v
		}
	}
	return nil
}

func asFloatVal(v types.Value) float64 {
	if v.Kind == types.KindInteger {
		return float64(v.I)
	}
	return v.F
}

func (a *aggAcc) result() types.Value {
	switch a.kind {
	case "COUNT":
		return types.Integer(a.n)
	case "SUM":
		if !a.any {
			return types.Null
		}
		return a.val
	case "AVG":
		if !a.any || a.n == 0 {
			return types.Null
		}
		return types.Float(asFloatVal(a.val) / float64(a.n))
	case "MIN", "MAX":
		if !a.any {
			return types.Null
		}
		return a.val
	default:
		return types.Null
	}
}

func aggKey(fc *FuncCall) string {
	if fc.Star {
		return fc.Name + "(*)"
	}
	var parts []string
	for _, a := range fc.Args {
		parts = append(parts, exprSig(a))
	}
	return fc.Name + "(" + strings.Join(parts, ",") + ")"
}

func exprSig(e Expr) string {
	switch v := e.(type) {
	case *VarRef:
		return "var:" + v.Name
	case *Literal:
		return fmt.Sprintf("lit:%v", v.Val)
	case *Binary:
		return "(" + exprSig(v.Left) + v.Op + exprSig(v.Right) + ")"
	case *Unary:
		return v.Op + exprSig(v.Expr)
	case *FuncCall:
		return aggKey(v)
	default:
		return fmt.Sprintf("%T", e)
	}
}

func collectAggs(exprs []Expr, out map[string]*FuncCall) {
	for _, e := range exprs {
		switch v := e.(type) {
		case *FuncCall:
			out[aggKey(v)] = v
		case *Binary:
			collectAggs([]Expr{v.Left, v.Right}, out)
		case *Unary:
			collectAggs([]Expr{v.Expr}, out)
		}
	}
}

func hasAggregateProj(s *Select) bool {
	for _, p := range s.Projs {
		if p.Star {
			continue
		}
		if containsAgg(p.Expr) {
			return true
		}
	}
	return false
}

func containsAgg(e Expr) bool {
	switch v := e.(type) {
	case *FuncCall:
		return true
	case *Binary:
		return containsAgg(v.Left) || containsAgg(v.Right)
	case *Unary:
		return containsAgg(v.Expr)
	default:
		return false
	}
}

type groupState struct {
	repRow Row
	aggs   map[string]*aggAcc
}

func (gs *groupState) addRow(ctx evalCtx, row Row, registry map[string]*FuncCall) error {
	for key, fc := range registry {
		acc, ok := gs.aggs[key]
		if !ok {
			acc = &aggAcc{kind: fc.Name, star: fc.Star}
			gs.aggs[key] = acc
		}
		if fc.Star {
			if err := acc.add(types.Integer(1)); err != nil {
				return err
			}
			continue
		}
		v, err := evalExpr(ctx, row, fc.Args[0])
		if err != nil {
			return err
		}
		if err := acc.add(v); err != nil {
			return err
		}
	}
	return nil
}

func evalWithAgg(ctx evalCtx, gs *groupState, e Expr) (types.Value, error) {
	switch ex := e.(type) {
	case *FuncCall:
		acc, ok := gs.aggs[aggKey(ex)]
		if !ok {
			return types.Value{}, rsqlerr.Newf(rsqlerr.UnsupportedSQL, "aggregate %s not evaluated for this group", ex.Name)
		}
		return acc.result(), nil
	case *Binary:
		l, err := evalWithAgg(ctx, gs, ex.Left)
		if err != nil {
			return types.Value{}, err
		}
		r, err := evalWithAgg(ctx, gs, ex.Right)
		if err != nil {
			return types.Value{}, err
		}
		return evalBinaryValues(ex.Op, l, r)
	case *Unary:
		v, err := evalWithAgg(ctx, gs, ex.Expr)
		if err != nil {
			return types.Value{}, err
		}
		return evalUnaryValue(ex.Op, v)
	default:
		return evalExpr(ctx, gs.repRow, e)
	}
}

func groupKey(ctx evalCtx, row Row, groupBy []VarRef) (string, error) {
	var b strings.Builder
	for _, g := range groupBy {
		idx, ok := ctx.resolve(g.Name)
		if !ok {
			return "", rsqlerr.Newf(rsqlerr.NameError, "unknown column %q in GROUP BY", g.Name)
		}
		v := row[idx]
		fmt.Fprintf(&b, "%d|%d|%g|%s\x1f", v.Kind, v.I, v.F, v.S)
	}
	return b.String(), nil
}

// groupAndProject implements GROUP BY/aggregates then projection, or a
// plain per-row projection when neither is present.
func groupAndProject(ctx evalCtx, rows []Row, s *Select) ([]Row, []string, error) {
	if len(s.GroupBy) == 0 && !hasAggregateProj(s) {
		return projectRows(ctx, rows, s.Projs)
	}

	registry := make(map[string]*FuncCall)
	var projExprs []Expr
	for _, p := range s.Projs {
		if !p.Star {
			projExprs = append(projExprs, p.Expr)
		}
	}
	collectAggs(projExprs, registry)
	if s.Having != nil {
		collectAggs([]Expr{s.Having}, registry)
	}

	groups := make(map[string]*groupState)
	var order []string
	for _, row := range rows {
		key, err := groupKey(ctx, row, s.GroupBy)
		if err != nil {
			return nil, nil, err
		}
		gs, ok := groups[key]
		if !ok {
			gs = &groupState{repRow: row, aggs: make(map[string]*aggAcc)}
			groups[key] = gs
			order = append(order, key)
		}
		if err := gs.addRow(ctx, row, registry); err != nil {
			return nil, nil, err
		}
	}

	var outRows []Row
	outSchema := projectionSchema(s.Projs, ctx.schema)
	for _, key := range order {
		gs := groups[key]
		if s.Having != nil {
			hv, err := evalWithAgg(ctx, gs, s.Having)
			if err != nil {
				return nil, nil, err
			}
			if hv.IsNull() || hv.Kind != types.KindBool || !hv.B {
				continue
			}
		}
		row := make(Row, 0, len(s.Projs))
		for _, p := range s.Projs {
			if p.Star {
				row = append(row, gs.repRow...)
				continue
			}
			v, err := evalWithAgg(ctx, gs, p.Expr)
			if err != nil {
				return nil, nil, err
			}
			row = append(row, v)
		}
		outRows = append(outRows, row)
	}
	return outRows, outSchema, nil
}

func projectRows(ctx evalCtx, rows []Row, projs []SelectItem) ([]Row, []string, error) {
	if len(projs) == 1 && projs[0].Star {
		schema := make([]string, len(ctx.schema))
		for i, s := range ctx.schema {
			schema[i] = displayName(s)
		}
		return rows, schema, nil
	}
	schema := projectionSchema(projs, ctx.schema)
	var out []Row
	for _, row := range rows {
		outRow := make(Row, 0, len(projs))
		for _, p := range projs {
			if p.Star {
				outRow = append(outRow, row...)
				continue
			}
			v, err := evalExpr(ctx, row, p.Expr)
			if err != nil {
				return nil, nil, err
			}
			outRow = append(outRow, v)
		}
		out = append(out, outRow)
	}
	return out, schema, nil
}

func projectionSchema(projs []SelectItem, sourceSchema []string) []string {
	var out []string
	for i, p := range projs {
		switch {
		case p.Star:
			for _, s := range sourceSchema {
				out = append(out, displayName(s))
			}
		case p.Alias != "":
			out = append(out, p.Alias)
		default:
			out = append(out, exprDisplayName(p.Expr, i))
		}
	}
	return out
}

func exprDisplayName(e Expr, idx int) string {
	switch v := e.(type) {
	case *VarRef:
		return displayName(v.Name)
	case *FuncCall:
		if v.Star {
			return v.Name + "(*)"
		}
		return v.Name + "(...)"
	default:
		return fmt.Sprintf("col%d", idx+1)
	}
}

func displayName(qualified string) string {
	parts := strings.Split(qualified, ".")
	return parts[len(parts)-1]
}
