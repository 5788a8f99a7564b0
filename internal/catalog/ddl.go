package catalog

import (
	"encoding/json"
	"fmt"

	"rsql.dev/rsql/internal/rsqlerr"
	"rsql.dev/rsql/internal/storage/pager"
	"rsql.dev/rsql/internal/types"
)

// CreateTable persists a new sys_table row plus one sys_column row per
// column under txID, then updates the in-memory cache. The cache update
// happens in this call, before txID commits; rolling txID back does not
// remove the cache entry (see Catalog).
func (c *Catalog) CreateTable(txID pager.TxID, name string, cols []types.Column, rootPage pager.PageID) (*TableEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.tables[name]; ok && !t.IsDropped {
		return nil, rsqlerr.Newf(rsqlerr.ConstraintViolation, "table %q already exists", name)
	}

	entry := &TableEntry{TableID: c.nextTID, Name: name, RootPage: rootPage}
	buf, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	if err := c.sysTable.Insert(txID, tableKey(name), buf); err != nil {
		return nil, fmt.Errorf("insert sys_table: %w", err)
	}

	var colEntries []*ColumnEntry
	for i, col := range cols {
		ce := &ColumnEntry{
			TableID:   entry.TableID,
			Ordinal:   i,
			Name:      col.Name,
			Kind:      col.Kind,
			Len:       col.Len,
			Nullable:  col.Nullable,
			IsPrimary: col.PrimaryKey,
			IsUnique:  col.Unique,
			IndexRoot: pager.InvalidPageID,
		}
		cbuf, err := json.Marshal(ce)
		if err != nil {
			return nil, err
		}
		if err := c.sysColumn.Insert(txID, columnKey(entry.TableID, i), cbuf); err != nil {
			return nil, fmt.Errorf("insert sys_column: %w", err)
		}
		colEntries = append(colEntries, ce)
	}

	c.nextTID++
	c.tables[name] = entry
	c.columns[entry.TableID] = colEntries
	return entry, nil
}

// AllocRowID returns the next row_id for tableName and persists the
// updated high-water mark, per §3's "monotonic within a table" rule.
func (c *Catalog) AllocRowID(txID pager.TxID, tableName string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tables[tableName]
	if !ok || t.IsDropped {
		return 0, rsqlerr.Newf(rsqlerr.NameError, "unknown table %q", tableName)
	}
	t.RowSeq++
	id := t.RowSeq
	buf, err := json.Marshal(t)
	if err != nil {
		return 0, err
	}
	if err := c.sysTable.Insert(txID, tableKey(tableName), buf); err != nil {
		return 0, fmt.Errorf("persist row_seq: %w", err)
	}
	return id, nil
}

// DropTable marks a table (and its columns) dropped. The underlying B+Tree
// pages are reclaimed by the GC's reachability scan once Roots() no longer
// reports them, not by an immediate delete, so rolling back a DROP TABLE
// restores the sys_table row over intact pages. The cache entry is marked
// dropped in this call and a rollback does not clear that mark.
func (c *Catalog) DropTable(txID pager.TxID, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tables[name]
	if !ok || t.IsDropped {
		return rsqlerr.Newf(rsqlerr.NameError, "unknown table %q", name)
	}
	t.IsDropped = true
	buf, err := json.Marshal(t)
	if err != nil {
		return err
	}
	if err := c.sysTable.Insert(txID, tableKey(name), buf); err != nil {
		return fmt.Errorf("update sys_table: %w", err)
	}
	return nil
}

// RenameTable implements ALTER TABLE ... RENAME TO.
func (c *Catalog) RenameTable(txID pager.TxID, oldName, newName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tables[oldName]
	if !ok || t.IsDropped {
		return rsqlerr.Newf(rsqlerr.NameError, "unknown table %q", oldName)
	}
	if existing, ok := c.tables[newName]; ok && !existing.IsDropped {
		return rsqlerr.Newf(rsqlerr.ConstraintViolation, "table %q already exists", newName)
	}

	t.Name = newName
	buf, err := json.Marshal(t)
	if err != nil {
		return err
	}
	if err := c.sysTable.Insert(txID, tableKey(newName), buf); err != nil {
		return err
	}
	if err := c.sysTable.Insert(txID, tableKey(oldName), mustMarshalDropped(oldName, t.TableID)); err != nil {
		return err
	}
	delete(c.tables, oldName)
	c.tables[newName] = t
	return nil
}

// RenameColumn implements ALTER TABLE ... RENAME COLUMN.
func (c *Catalog) RenameColumn(txID pager.TxID, tableName, oldCol, newCol string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tables[tableName]
	if !ok || t.IsDropped {
		return rsqlerr.Newf(rsqlerr.NameError, "unknown table %q", tableName)
	}
	for _, ce := range c.columns[t.TableID] {
		if ce.Name == oldCol && !ce.IsDropped {
			ce.Name = newCol
			buf, err := json.Marshal(ce)
			if err != nil {
				return err
			}
			return c.sysColumn.Insert(txID, columnKey(ce.TableID, ce.Ordinal), buf)
		}
	}
	return rsqlerr.Newf(rsqlerr.NameError, "unknown column %q on table %q", oldCol, tableName)
}

// CreateIndex records a secondary index's root page against a column.
func (c *Catalog) CreateIndex(txID pager.TxID, tableName, colName string, unique bool, indexRoot pager.PageID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tables[tableName]
	if !ok || t.IsDropped {
		return rsqlerr.Newf(rsqlerr.NameError, "unknown table %q", tableName)
	}
	for _, ce := range c.columns[t.TableID] {
		if ce.Name == colName && !ce.IsDropped {
			ce.IndexRoot = indexRoot
			ce.IsUnique = ce.IsUnique || unique
			buf, err := json.Marshal(ce)
			if err != nil {
				return err
			}
			return c.sysColumn.Insert(txID, columnKey(ce.TableID, ce.Ordinal), buf)
		}
	}
	return rsqlerr.Newf(rsqlerr.NameError, "unknown column %q on table %q", colName, tableName)
}

// DropIndex removes the secondary index reference from a column.
func (c *Catalog) DropIndex(txID pager.TxID, tableName, colName string) error {
	return c.CreateIndex(txID, tableName, colName, false, pager.InvalidPageID)
}

func mustMarshalDropped(name string, tableID uint64) []byte {
	buf, _ := json.Marshal(&TableEntry{TableID: tableID, Name: name, IsDropped: true})
	return buf
}
