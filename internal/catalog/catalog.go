// Package catalog implements the three RSQL system tables — sys_table,
// sys_column, sys_user — each a regular pager.BTree, plus a process-wide
// in-memory cache that each DDL call updates right after its tree write. It is
// grounded on the teacher's catalog-over-B+Tree pattern (the deleted
// pager.Catalog/CatalogEntry: JSON-encoded values over a B+Tree) extended
// with a third tree for users/permissions.
package catalog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"rsql.dev/rsql/internal/rsqlerr"
	"rsql.dev/rsql/internal/storage/pager"
	"rsql.dev/rsql/internal/types"
)

// TableEntry mirrors sys_table(table_id, name, root_page, is_dropped).
type TableEntry struct {
	TableID   uint64       `json:"table_id"`
	Name      string       `json:"name"`
	RootPage  pager.PageID `json:"root_page"`
	IsDropped bool         `json:"is_dropped"`
	// RowSeq is the high-water mark for row_id assignment on tables with
	// no declared PRIMARY KEY (§3 "every row has a stable 64-bit row_id
	// assigned at insertion, monotonic within a table").
	RowSeq uint64 `json:"row_seq"`
}

// ColumnEntry mirrors sys_column(table_id, ordinal, name, type, nullable,
// is_primary, is_unique, is_dropped, index_root).
type ColumnEntry struct {
	TableID   uint64     `json:"table_id"`
	Ordinal   int        `json:"ordinal"`
	Name      string     `json:"name"`
	Kind      types.Kind `json:"kind"`
	Len       int        `json:"len"`
	Nullable  bool       `json:"nullable"`
	IsPrimary bool       `json:"is_primary"`
	IsUnique  bool       `json:"is_unique"`
	IsDropped bool       `json:"is_dropped"`
	IndexRoot pager.PageID `json:"index_root"` // InvalidPageID if no index
}

// UserEntry mirrors sys_user(user_id, name, password_hash, global_perm,
// table_perms).
type UserEntry struct {
	UserID        uint64            `json:"user_id"`
	Name          string            `json:"name"`
	PasswordHash  string            `json:"password_hash"` // bcrypt, see auth.go
	GlobalPerm    Perm              `json:"global_perm"`
	TablePerms    map[string]Perm   `json:"table_perms"`
}

// Perm is a bitmask of READ|WRITE granted globally or per-table.
type Perm int

const (
	PermNone  Perm = 0
	PermRead  Perm = 1 << 0
	PermWrite Perm = 1 << 1
)

// Catalog holds the three system B+Trees plus the in-memory cache of
// tables, columns, and users. Reads are served from the cache; each DDL
// method writes the underlying tree first and then updates the cache in the
// same call, before the owning transaction commits. Rolling that
// transaction back undoes the tree writes but not the cache update; the
// cache matches the trees again once the catalog is reopened.
type Catalog struct {
	pgr *pager.Pager

	sysTable  *pager.BTree
	sysColumn *pager.BTree
	sysUser   *pager.BTree

	mu      sync.RWMutex
	tables  map[string]*TableEntry
	columns map[uint64][]*ColumnEntry // keyed by table_id, ordinal order
	users   map[string]*UserEntry
	nextTID uint64
	nextUID uint64
}

// Open loads (or, on a fresh database, creates) the three system trees and
// hydrates the in-memory cache by scanning each in full.
func Open(pgr *pager.Pager, sysTableRoot, sysColumnRoot, sysUserRoot pager.PageID, txID pager.TxID) (*Catalog, error) {
	c := &Catalog{
		pgr:     pgr,
		tables:  make(map[string]*TableEntry),
		columns: make(map[uint64][]*ColumnEntry),
		users:   make(map[string]*UserEntry),
		nextTID: 1,
		nextUID: 1,
	}

	var err error
	c.sysTable, err = openOrCreateTree(pgr, sysTableRoot, txID)
	if err != nil {
		return nil, fmt.Errorf("open sys_table: %w", err)
	}
	c.sysColumn, err = openOrCreateTree(pgr, sysColumnRoot, txID)
	if err != nil {
		return nil, fmt.Errorf("open sys_column: %w", err)
	}
	c.sysUser, err = openOrCreateTree(pgr, sysUserRoot, txID)
	if err != nil {
		return nil, fmt.Errorf("open sys_user: %w", err)
	}

	if err := c.hydrate(); err != nil {
		return nil, err
	}
	return c, nil
}

// metaSysTableKey, metaSysColumnKey, metaSysUserKey are the fixed keys a
// small meta B+Tree uses to remember the three system trees' roots, since
// the on-disk superblock has only a single CatalogRoot slot (§6.1's
// on-disk layout names one catalog root, not three).
var (
	metaSysTableKey  = []byte("sys_table_root")
	metaSysColumnKey = []byte("sys_column_root")
	metaSysUserKey   = []byte("sys_user_root")
)

// OpenFromSuperblockRoot opens the catalog given the superblock's single
// CatalogRoot page. On a fresh database metaRoot is pager.InvalidPageID;
// OpenFromSuperblockRoot then creates the meta tree and the three system
// trees and returns the new meta root so the caller can persist it back
// into the superblock via Pager.UpdateSuperblock.
func OpenFromSuperblockRoot(pgr *pager.Pager, metaRoot pager.PageID, txID pager.TxID) (*Catalog, pager.PageID, error) {
	meta, err := openOrCreateTree(pgr, metaRoot, txID)
	if err != nil {
		return nil, pager.InvalidPageID, fmt.Errorf("open catalog meta tree: %w", err)
	}

	readRoot := func(key []byte) pager.PageID {
		v, ok, err := meta.Get(key)
		if err != nil || !ok {
			return pager.InvalidPageID
		}
		return pager.PageID(binary.BigEndian.Uint32(v))
	}
	sysTableRoot := readRoot(metaSysTableKey)
	sysColumnRoot := readRoot(metaSysColumnKey)
	sysUserRoot := readRoot(metaSysUserKey)

	cat, err := Open(pgr, sysTableRoot, sysColumnRoot, sysUserRoot, txID)
	if err != nil {
		return nil, pager.InvalidPageID, err
	}

	writeRoot := func(key []byte, root pager.PageID) error {
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(root))
		return meta.Insert(txID, key, buf)
	}
	if err := writeRoot(metaSysTableKey, cat.SysTableRoot()); err != nil {
		return nil, pager.InvalidPageID, fmt.Errorf("persist sys_table root: %w", err)
	}
	if err := writeRoot(metaSysColumnKey, cat.SysColumnRoot()); err != nil {
		return nil, pager.InvalidPageID, fmt.Errorf("persist sys_column root: %w", err)
	}
	if err := writeRoot(metaSysUserKey, cat.SysUserRoot()); err != nil {
		return nil, pager.InvalidPageID, fmt.Errorf("persist sys_user root: %w", err)
	}

	return cat, meta.Root(), nil
}

func openOrCreateTree(pgr *pager.Pager, root pager.PageID, txID pager.TxID) (*pager.BTree, error) {
	if root != pager.InvalidPageID {
		return pager.NewBTree(pgr, root), nil
	}
	return pager.CreateBTree(pgr, txID)
}

// Roots implements pager.RootLister: the three system trees themselves are
// always reachable, and every live table/index tree found in sys_table and
// sys_column is added so GC never reclaims a table's pages.
func (c *Catalog) Roots() []pager.PageID {
	c.mu.RLock()
	defer c.mu.RUnlock()

	roots := []pager.PageID{c.sysTable.Root(), c.sysColumn.Root(), c.sysUser.Root()}
	live := make(map[uint64]bool, len(c.tables))
	for _, t := range c.tables {
		if !t.IsDropped {
			roots = append(roots, t.RootPage)
			live[t.TableID] = true
		}
	}
	for tableID, cols := range c.columns {
		if !live[tableID] {
			continue
		}
		for _, col := range cols {
			if col.IndexRoot != pager.InvalidPageID {
				roots = append(roots, col.IndexRoot)
			}
		}
	}
	return roots
}

// SysTableRoot, SysColumnRoot, SysUserRoot return the roots persisted into
// the superblock/catalog-root metadata at startup.
func (c *Catalog) SysTableRoot() pager.PageID  { return c.sysTable.Root() }
func (c *Catalog) SysColumnRoot() pager.PageID { return c.sysColumn.Root() }
func (c *Catalog) SysUserRoot() pager.PageID   { return c.sysUser.Root() }

func (c *Catalog) hydrate() error {
	if err := c.sysTable.ScanRange(nil, nil, func(_ []byte, value []byte) bool {
		var e TableEntry
		if err := json.Unmarshal(value, &e); err == nil {
			c.tables[e.Name] = &e
			if e.TableID >= c.nextTID {
				c.nextTID = e.TableID + 1
			}
		}
		return true
	}); err != nil {
		return fmt.Errorf("hydrate sys_table: %w", err)
	}

	if err := c.sysColumn.ScanRange(nil, nil, func(_ []byte, value []byte) bool {
		var e ColumnEntry
		if err := json.Unmarshal(value, &e); err == nil {
			c.columns[e.TableID] = append(c.columns[e.TableID], &e)
		}
		return true
	}); err != nil {
		return fmt.Errorf("hydrate sys_column: %w", err)
	}

	if err := c.sysUser.ScanRange(nil, nil, func(_ []byte, value []byte) bool {
		var e UserEntry
		if err := json.Unmarshal(value, &e); err == nil {
			c.users[e.Name] = &e
			if e.UserID >= c.nextUID {
				c.nextUID = e.UserID + 1
			}
		}
		return true
	}); err != nil {
		return fmt.Errorf("hydrate sys_user: %w", err)
	}
	return nil
}

// LookupTable returns the named table's catalog entry, or NameError if it
// does not exist (or has been dropped).
func (c *Catalog) LookupTable(name string) (*TableEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tables[name]
	if !ok || t.IsDropped {
		return nil, rsqlerr.Newf(rsqlerr.NameError, "unknown table %q", name)
	}
	return t, nil
}

// Columns returns the live (non-dropped) columns of a table in ordinal
// order.
func (c *Catalog) Columns(tableID uint64) []*ColumnEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*ColumnEntry
	for _, col := range c.columns[tableID] {
		if !col.IsDropped {
			out = append(out, col)
		}
	}
	return out
}

// LookupUser returns the named user's catalog entry, or NameError.
func (c *Catalog) LookupUser(name string) (*UserEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.users[name]
	if !ok {
		return nil, rsqlerr.Newf(rsqlerr.NameError, "unknown user %q", name)
	}
	return u, nil
}

// tableKey / columnKey / userKey build the B+Tree keys for the three
// system trees, generalizing the deleted pager.RowKey pattern (row keys
// encoded as "<id>:<ordinal>" style composite byte strings) to each
// table's own primary key shape.
func tableKey(name string) []byte { return []byte(name) }

func columnKey(tableID uint64, ordinal int) []byte {
	return []byte(fmt.Sprintf("%020d:%010d", tableID, ordinal))
}

func userKey(name string) []byte { return []byte(name) }
