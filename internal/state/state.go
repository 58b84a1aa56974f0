// Package state implements the core's ledger state (spec.md §4.2): a
// mapping address -> (balance, nonce), single-writer/many-reader, with
// O(changed-accounts) snapshot/restore via a dirty-entry journal — the same
// discipline go-ethereum-lineage StateDB implementations use for EVM call
// reverts, generalized here to account-balance-only state, and to
// block-hash-keyed checkpoints for BlockDAG reorgs (spec.md §4.7).
package state

import (
	"sync"

	"github.com/mondoshawan/mondo-core/internal/chain"
	"github.com/mondoshawan/mondo-core/internal/errs"
	"github.com/mondoshawan/mondo-core/internal/log"
)

var logger = log.New("pkg", "state")

// Handle identifies a point in the journal history. Snapshot returns one;
// Restore rewinds to one.
type Handle int

// journalEntry records enough to undo one mutation.
type journalEntry struct {
	addr        chain.Address
	prevBalance chain.U128
	prevNonce   uint64
	hadAccount  bool // whether addr existed in the map prior to this entry
}

// DB is the single-writer ledger state. The applier is the only writer;
// any number of readers may call the read methods concurrently.
type DB struct {
	mu       sync.RWMutex
	accounts map[chain.Address]chain.Account
	journal  []journalEntry

	// blockSnapshots records the journal Handle captured immediately before
	// each block hash was applied, so a reorg can restore to the state that
	// existed just before a block that is becoming red.
	blockSnapshots map[chain.Digest]Handle
}

// New returns an empty ledger (every address implicitly {0,0}).
func New() *DB {
	return &DB{
		accounts:       make(map[chain.Address]chain.Account),
		blockSnapshots: make(map[chain.Digest]Handle),
	}
}

func (db *DB) get(a chain.Address) chain.Account {
	return db.accounts[a] // zero value {0,0} for unseen addresses
}

// Balance returns a's current balance.
func (db *DB) Balance(a chain.Address) chain.U128 {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.get(a).Balance
}

// Nonce returns a's current nonce.
func (db *DB) Nonce(a chain.Address) uint64 {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.get(a).Nonce
}

// Account returns the full (balance, nonce) tuple for a, consistent per the
// single-account-tuple read guarantee of spec.md §4.2.
func (db *DB) Account(a chain.Address) chain.Account {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.get(a)
}

func (db *DB) recordPre(a chain.Address) {
	acc, existed := db.accounts[a]
	db.journal = append(db.journal, journalEntry{
		addr:        a,
		prevBalance: acc.Balance,
		prevNonce:   acc.Nonce,
		hadAccount:  existed,
	})
}

// Credit adds amount to a's balance. Only the single writer (applier) may
// call this.
func (db *DB) Credit(a chain.Address, amount chain.U128) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	acc := db.get(a)
	newBal, err := acc.Balance.Add(amount)
	if err != nil {
		return errs.Wrap(errs.MalformedInput, err, "state: credit overflow")
	}
	db.recordPre(a)
	acc.Balance = newBal
	db.accounts[a] = acc
	return nil
}

// Debit subtracts amount from a's balance, failing with InsufficientFunds
// if a's balance is below amount. No partial debit ever occurs.
func (db *DB) Debit(a chain.Address, amount chain.U128) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	acc := db.get(a)
	newBal, err := acc.Balance.Sub(amount)
	if err != nil {
		return errs.Wrap(errs.InsufficientFunds, err, "state: insufficient balance")
	}
	db.recordPre(a)
	acc.Balance = newBal
	db.accounts[a] = acc
	return nil
}

// BumpNonce increments a's nonce by one.
func (db *DB) BumpNonce(a chain.Address) {
	db.mu.Lock()
	defer db.mu.Unlock()
	acc := db.get(a)
	db.recordPre(a)
	acc.Nonce++
	db.accounts[a] = acc
}

// Snapshot returns a handle to the current journal position.
func (db *DB) Snapshot() Handle {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return Handle(len(db.journal))
}

// Restore rewinds all mutations recorded since h, in reverse order, so
// restoring is O(changed-accounts) since h, never O(all accounts).
func (db *DB) Restore(h Handle) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for i := len(db.journal) - 1; i >= int(h); i-- {
		e := db.journal[i]
		if !e.hadAccount {
			delete(db.accounts, e.addr)
			continue
		}
		acc := db.accounts[e.addr]
		acc.Balance = e.prevBalance
		acc.Nonce = e.prevNonce
		db.accounts[e.addr] = acc
	}
	db.journal = db.journal[:h]
}

// MarkBlockSnapshot records the journal position immediately before
// blockHash's transactions were applied, for later reorg use.
func (db *DB) MarkBlockSnapshot(blockHash chain.Digest, h Handle) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.blockSnapshots[blockHash] = h
}

// BlockSnapshot returns the recorded pre-application handle for blockHash,
// if any.
func (db *DB) BlockSnapshot(blockHash chain.Digest) (Handle, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	h, ok := db.blockSnapshots[blockHash]
	return h, ok
}

// ForgetBlockSnapshot drops bookkeeping for a block hash that will never be
// reorg'd again (its ancestry is too deep to ever become red).
func (db *DB) ForgetBlockSnapshot(blockHash chain.Digest) {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.blockSnapshots, blockHash)
}

// Iterate calls fn for every account with non-default state, in
// unspecified order, for read-only external collaborators (spec.md §6).
// Iteration takes a read lock only while copying the key set, never while
// fn runs, so fn may call back into the DB.
func (db *DB) Iterate(fn func(chain.Address, chain.Account) bool) {
	db.mu.RLock()
	snapshot := make(map[chain.Address]chain.Account, len(db.accounts))
	for a, acc := range db.accounts {
		snapshot[a] = acc
	}
	db.mu.RUnlock()
	for a, acc := range snapshot {
		if !fn(a, acc) {
			return
		}
	}
}

// Root returns a content hash of the current account map, used as the
// state_delta payload accompanying the outbound on_commit hook (spec.md §6).
func (db *DB) Root(digest func([]byte) chain.Digest) chain.Digest {
	db.mu.RLock()
	defer db.mu.RUnlock()
	// Deterministic ordering: addresses sorted lexicographically.
	addrs := make([]chain.Address, 0, len(db.accounts))
	for a := range db.accounts {
		addrs = append(addrs, a)
	}
	sortAddresses(addrs)
	buf := make([]byte, 0, len(addrs)*48)
	for _, a := range addrs {
		acc := db.accounts[a]
		buf = append(buf, a[:]...)
		buf = append(buf, uint64ToBytes(acc.Balance.Hi)...)
		buf = append(buf, uint64ToBytes(acc.Balance.Lo)...)
		buf = append(buf, uint64ToBytes(acc.Nonce)...)
	}
	return digest(buf)
}

func sortAddresses(a []chain.Address) {
	for i := 1; i < len(a); i++ {
		for j := i; j > 0 && lessAddr(a[j], a[j-1]); j-- {
			a[j], a[j-1] = a[j-1], a[j]
		}
	}
}

func lessAddr(a, b chain.Address) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}
