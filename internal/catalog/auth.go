package catalog

import (
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"rsql.dev/rsql/internal/rsqlerr"
	"rsql.dev/rsql/internal/storage/pager"
)

// CreateUser implements CREATE USER. The password is hashed with bcrypt
// before it ever reaches the catalog tree or the WAL — sys_user.password_hash
// never stores plaintext.
func (c *Catalog) CreateUser(txID pager.TxID, name, password string) (*UserEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.users[name]; ok {
		return nil, rsqlerr.Newf(rsqlerr.ConstraintViolation, "user %q already exists", name)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	entry := &UserEntry{
		UserID:       c.nextUID,
		Name:         name,
		PasswordHash: string(hash),
		TablePerms:   make(map[string]Perm),
	}
	buf, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	if err := c.sysUser.Insert(txID, userKey(name), buf); err != nil {
		return nil, fmt.Errorf("insert sys_user: %w", err)
	}

	c.nextUID++
	c.users[name] = entry
	return entry, nil
}

// DropUser implements DROP USER.
func (c *Catalog) DropUser(txID pager.TxID, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.users[name]; !ok {
		return rsqlerr.Newf(rsqlerr.NameError, "unknown user %q", name)
	}
	if _, err := c.sysUser.Delete(txID, userKey(name)); err != nil {
		return fmt.Errorf("delete sys_user: %w", err)
	}
	delete(c.users, name)
	return nil
}

// Authenticate verifies a plaintext password against the stored bcrypt
// hash. A failure (unknown user or bad password) is reported uniformly as
// PermissionDenied so a client cannot distinguish "no such user" from
// "wrong password".
func (c *Catalog) Authenticate(name, password string) (*UserEntry, error) {
	c.mu.RLock()
	u, ok := c.users[name]
	c.mu.RUnlock()
	if !ok {
		return nil, rsqlerr.Newf(rsqlerr.PermissionDenied, "authentication failed")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, rsqlerr.Newf(rsqlerr.PermissionDenied, "authentication failed")
	}
	return u, nil
}

// Grant records a GRANT of READ|WRITE, global or per-table.
func (c *Catalog) Grant(txID pager.TxID, userName string, perm Perm, table string) error {
	return c.modifyPerm(txID, userName, table, func(cur Perm) Perm { return cur | perm })
}

// Revoke records a REVOKE of READ|WRITE, global or per-table.
func (c *Catalog) Revoke(txID pager.TxID, userName string, perm Perm, table string) error {
	return c.modifyPerm(txID, userName, table, func(cur Perm) Perm { return cur &^ perm })
}

func (c *Catalog) modifyPerm(txID pager.TxID, userName, table string, f func(Perm) Perm) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	u, ok := c.users[userName]
	if !ok {
		return rsqlerr.Newf(rsqlerr.NameError, "unknown user %q", userName)
	}
	if table == "" {
		u.GlobalPerm = f(u.GlobalPerm)
	} else {
		if u.TablePerms == nil {
			u.TablePerms = make(map[string]Perm)
		}
		u.TablePerms[table] = f(u.TablePerms[table])
	}
	buf, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return c.sysUser.Insert(txID, userKey(userName), buf)
}

// Authorized reports whether a user holds perm on table, either globally
// or specifically on that table.
func (c *Catalog) Authorized(userName, table string, perm Perm) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.users[userName]
	if !ok {
		return false
	}
	if u.GlobalPerm&perm == perm {
		return true
	}
	return u.TablePerms[table]&perm == perm
}
