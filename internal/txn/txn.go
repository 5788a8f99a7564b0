package txn

import (
	"sync"
	"sync/atomic"

	"rsql.dev/rsql/internal/rsqlerr"
	"rsql.dev/rsql/internal/storage/pager"
)

// TxnID identifies a transaction. Allocated from a monotonic counter, so
// comparing IDs tells which transaction is younger (§4.7's deadlock-victim
// policy relies on this).
type TxnID uint64

// State is one of the states in §4.7's transition diagram:
// Active → Committing → Committed; Active → Aborting → Aborted.
type State int

const (
	StateActive State = iota
	StateCommitting
	StateCommitted
	StateAborting
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "Active"
	case StateCommitting:
		return "Committing"
	case StateCommitted:
		return "Committed"
	case StateAborting:
		return "Aborting"
	case StateAborted:
		return "Aborted"
	default:
		return "?"
	}
}

// Savepoint marks a point in a transaction's undo chain that
// ROLLBACK TO SAVEPOINT can unwind back to.
type Savepoint struct {
	Name string
	LSN  pager.LSN
}

// Transaction tracks one live transaction's state, the pager-level TxID
// backing its WAL records, the set of locks it has been granted, and any
// savepoints it has declared. Begin is lazy: pagerTxID is assigned on the
// first mutating statement, not at BEGIN, matching §4.7 ("write a Begin
// record lazily on first mutation").
type Transaction struct {
	ID       TxnID
	mgr      *Manager
	mu       sync.Mutex
	state    State
	pagerTx  pager.TxID
	hasPager bool
	implicit bool // true for a session's implicit per-statement transaction
	locks    map[resourceID]LockMode
	savept   []Savepoint
}

// State returns the transaction's current state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// IsImplicit reports whether this is a one-statement implicit transaction.
func (t *Transaction) IsImplicit() bool { return t.implicit }

// MarkExplicit converts a session's implicit per-statement transaction into
// an explicit one spanning statements until COMMIT/ROLLBACK, for a BEGIN
// statement arriving mid-session.
func (t *Transaction) MarkExplicit() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.implicit = false
}

func (t *Transaction) ensurePagerTx() (pager.TxID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.hasPager {
		return t.pagerTx, nil
	}
	txID, err := t.mgr.pgr.BeginTx()
	if err != nil {
		return 0, err
	}
	t.pagerTx = txID
	t.hasPager = true
	return txID, nil
}

// PagerTx returns the underlying pager TxID for a mutation, lazily
// beginning it if this is the transaction's first write.
func (t *Transaction) PagerTx() (pager.TxID, error) {
	if t.State() != StateActive {
		return 0, rsqlerr.Newf(rsqlerr.InvalidTxnState, "transaction is %s, not Active", t.State())
	}
	return t.ensurePagerTx()
}

// Lock acquires mode on res for this transaction, blocking through the
// lock table's deadlock detection. A DeadlockAborted error aborts the
// whole transaction, matching §7's policy.
func (t *Transaction) Lock(res resourceID, mode LockMode) error {
	if t.State() != StateActive {
		return rsqlerr.Newf(rsqlerr.InvalidTxnState, "transaction is %s, not Active", t.State())
	}
	if err := t.mgr.locks.Acquire(t.ID, res, mode); err != nil {
		_ = t.mgr.Rollback(t)
		return err
	}
	t.mu.Lock()
	if t.locks == nil {
		t.locks = make(map[resourceID]LockMode)
	}
	t.locks[res] = mode
	t.mu.Unlock()
	return nil
}

// Savepoint declares a named savepoint at the transaction's current undo
// position.
func (t *Transaction) Savepoint(name string) Savepoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	var lsn pager.LSN
	if t.hasPager {
		lsn = t.mgr.pgr.WALLastLSN(t.pagerTx)
	}
	sp := Savepoint{Name: name, LSN: lsn}
	t.savept = append(t.savept, sp)
	return sp
}

// RollbackToSavepoint undoes every mutation since the named savepoint,
// without aborting the transaction (it remains Active).
func (t *Transaction) RollbackToSavepoint(name string) error {
	t.mu.Lock()
	var target *Savepoint
	for i := len(t.savept) - 1; i >= 0; i-- {
		if t.savept[i].Name == name {
			target = &t.savept[i]
			t.savept = t.savept[:i+1]
			break
		}
	}
	hasPager, pagerTx := t.hasPager, t.pagerTx
	t.mu.Unlock()

	if target == nil {
		return rsqlerr.Newf(rsqlerr.NameError, "unknown savepoint %q", name)
	}
	if !hasPager {
		return nil
	}
	return t.mgr.pgr.RollbackToLSN(pagerTx, target.LSN)
}

// Manager is the process-global transaction manager: it allocates TxnIDs,
// owns the lock table, and drives commit/rollback through the pager.
type Manager struct {
	pgr    *pager.Pager
	nextID atomic.Uint64
	locks  *LockTable

	mu   sync.Mutex
	live map[TxnID]*Transaction
}

// NewManager constructs a Manager bound to a Pager.
func NewManager(pgr *pager.Pager) *Manager {
	m := &Manager{pgr: pgr, live: make(map[TxnID]*Transaction)}
	m.locks = newLockTable(m)
	return m
}

// Begin starts a new Active transaction. implicit marks a session's
// one-statement transaction opened because no explicit BEGIN was issued.
func (m *Manager) Begin(implicit bool) *Transaction {
	id := TxnID(m.nextID.Add(1))
	tx := &Transaction{ID: id, mgr: m, state: StateActive, implicit: implicit}
	m.mu.Lock()
	m.live[id] = tx
	m.mu.Unlock()
	return tx
}

// Commit marks tx Committing, flushes its WAL records durably via the
// pager's two-phase CommitReq/CommitDone protocol, marks it Committed, and
// releases its locks — per §4.7's commit protocol.
func (m *Manager) Commit(tx *Transaction) error {
	tx.mu.Lock()
	if tx.state != StateActive {
		tx.mu.Unlock()
		return rsqlerr.Newf(rsqlerr.InvalidTxnState, "cannot commit transaction in state %s", tx.state)
	}
	tx.state = StateCommitting
	hasPager, pagerTx := tx.hasPager, tx.pagerTx
	tx.mu.Unlock()

	if hasPager {
		if err := m.pgr.CommitTx(pagerTx); err != nil {
			return rsqlerr.Newf(rsqlerr.Fatal, "commit failed: %v", err)
		}
	}

	tx.mu.Lock()
	tx.state = StateCommitted
	tx.mu.Unlock()

	m.locks.ReleaseAll(tx.ID)
	m.forget(tx.ID)
	return nil
}

// Rollback walks tx's undo chain through the pager (applying inverse
// operations and emitting CLRs), marks it Aborted, and releases its locks.
// Per §7, an error during this walk escalates to Fatal rather than being
// returned as a recoverable statement error.
func (m *Manager) Rollback(tx *Transaction) error {
	tx.mu.Lock()
	if tx.state != StateActive && tx.state != StateAborting {
		tx.mu.Unlock()
		return rsqlerr.Newf(rsqlerr.InvalidTxnState, "cannot rollback transaction in state %s", tx.state)
	}
	tx.state = StateAborting
	hasPager, pagerTx := tx.hasPager, tx.pagerTx
	tx.mu.Unlock()

	if hasPager {
		if err := m.pgr.RollbackTx(pagerTx); err != nil {
			tx.mu.Lock()
			tx.state = StateAborted
			tx.mu.Unlock()
			m.locks.ReleaseAll(tx.ID)
			m.forget(tx.ID)
			return rsqlerr.Newf(rsqlerr.Fatal, "rollback failed: %v", err)
		}
	}

	tx.mu.Lock()
	tx.state = StateAborted
	tx.mu.Unlock()

	m.locks.ReleaseAll(tx.ID)
	m.forget(tx.ID)
	return nil
}

func (m *Manager) forget(id TxnID) {
	m.mu.Lock()
	delete(m.live, id)
	m.mu.Unlock()
}

// markVictim asynchronously rolls back a transaction chosen as a deadlock
// victim by some other waiter's cycle check. The victim's own blocked
// Lock call observes DeadlockAborted directly; transactions elsewhere in
// the cycle are unwound from here so the graph drains.
func (m *Manager) markVictim(id TxnID) {
	m.mu.Lock()
	tx, ok := m.live[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	go func() { _ = m.Rollback(tx) }()
}

// CloseSession triggers a synchronous rollback for any transaction still
// Active on a session whose connection just closed, per §4.7/§5.
func (m *Manager) CloseSession(tx *Transaction) error {
	if tx == nil {
		return nil
	}
	if tx.State() != StateActive {
		return nil
	}
	return m.Rollback(tx)
}

// ActivePagerTxns snapshots every live transaction's pager-level TxID and
// its last WAL LSN, for the checkpoint ticker's analysis-table record
// (§4.4's "active transaction table" written into the Checkpoint record).
func (m *Manager) ActivePagerTxns() map[pager.TxID]pager.LSN {
	m.mu.Lock()
	txs := make([]*Transaction, 0, len(m.live))
	for _, tx := range m.live {
		txs = append(txs, tx)
	}
	m.mu.Unlock()

	out := make(map[pager.TxID]pager.LSN, len(txs))
	for _, tx := range txs {
		tx.mu.Lock()
		if tx.hasPager && tx.state == StateActive {
			out[tx.pagerTx] = m.pgr.WALLastLSN(tx.pagerTx)
		}
		tx.mu.Unlock()
	}
	return out
}
