package state

import (
	"testing"

	"github.com/mondoshawan/mondo-core/internal/chain"
)

func identityDigest(b []byte) chain.Digest {
	var d chain.Digest
	copy(d[:], b)
	return d
}

func TestCreditDebitRoundTrip(t *testing.T) {
	db := New()
	addr := chain.Address{1}
	if err := db.Credit(addr, chain.U128FromUint64(100)); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if db.Balance(addr).Cmp(chain.U128FromUint64(100)) != 0 {
		t.Fatalf("balance = %s, want 100", db.Balance(addr))
	}
	if err := db.Debit(addr, chain.U128FromUint64(40)); err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if db.Balance(addr).Cmp(chain.U128FromUint64(60)) != 0 {
		t.Fatalf("balance = %s, want 60", db.Balance(addr))
	}
}

func TestDebitInsufficientFunds(t *testing.T) {
	db := New()
	addr := chain.Address{1}
	if err := db.Debit(addr, chain.U128FromUint64(1)); err == nil {
		t.Fatal("debit from a zero-balance account must error")
	}
}

func TestUnseenAddressIsZero(t *testing.T) {
	db := New()
	acc := db.Account(chain.Address{9})
	if !acc.Balance.IsZero() || acc.Nonce != 0 {
		t.Fatal("unseen address must report the zero account")
	}
}

func TestBumpNonce(t *testing.T) {
	db := New()
	addr := chain.Address{1}
	db.BumpNonce(addr)
	db.BumpNonce(addr)
	if db.Nonce(addr) != 2 {
		t.Fatalf("nonce = %d, want 2", db.Nonce(addr))
	}
}

func TestSnapshotRestoreUndoesMutations(t *testing.T) {
	db := New()
	addr := chain.Address{1}
	if err := db.Credit(addr, chain.U128FromUint64(50)); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	snap := db.Snapshot()
	if err := db.Credit(addr, chain.U128FromUint64(50)); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	db.BumpNonce(addr)
	if db.Balance(addr).Cmp(chain.U128FromUint64(100)) != 0 {
		t.Fatal("balance must reflect both credits before restore")
	}

	db.Restore(snap)
	if db.Balance(addr).Cmp(chain.U128FromUint64(50)) != 0 {
		t.Fatalf("balance after restore = %s, want 50", db.Balance(addr))
	}
	if db.Nonce(addr) != 0 {
		t.Fatal("nonce bump must be undone by restore")
	}
}

func TestSnapshotRestoreRemovesNeverSeenAccount(t *testing.T) {
	db := New()
	snap := db.Snapshot()
	addr := chain.Address{2}
	if err := db.Credit(addr, chain.U128FromUint64(1)); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	db.Restore(snap)
	acc := db.Account(addr)
	if !acc.Balance.IsZero() {
		t.Fatal("an account created after the snapshot must vanish on restore")
	}
}

func TestBlockSnapshotBookkeeping(t *testing.T) {
	db := New()
	h := db.Snapshot()
	hash := chain.Digest{7}
	db.MarkBlockSnapshot(hash, h)
	got, ok := db.BlockSnapshot(hash)
	if !ok || got != h {
		t.Fatal("BlockSnapshot must return what MarkBlockSnapshot recorded")
	}
	db.ForgetBlockSnapshot(hash)
	if _, ok := db.BlockSnapshot(hash); ok {
		t.Fatal("ForgetBlockSnapshot must remove the bookkeeping entry")
	}
}

func TestIterateSeesAllAccounts(t *testing.T) {
	db := New()
	a1, a2 := chain.Address{1}, chain.Address{2}
	if err := db.Credit(a1, chain.U128FromUint64(1)); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if err := db.Credit(a2, chain.U128FromUint64(2)); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	seen := map[chain.Address]bool{}
	db.Iterate(func(a chain.Address, _ chain.Account) bool {
		seen[a] = true
		return true
	})
	if !seen[a1] || !seen[a2] {
		t.Fatal("Iterate must visit every account with non-default state")
	}
}

func TestIterateStopsEarly(t *testing.T) {
	db := New()
	a1, a2 := chain.Address{1}, chain.Address{2}
	if err := db.Credit(a1, chain.U128FromUint64(1)); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if err := db.Credit(a2, chain.U128FromUint64(2)); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	count := 0
	db.Iterate(func(chain.Address, chain.Account) bool {
		count++
		return false
	})
	if count != 1 {
		t.Fatalf("Iterate must stop after fn returns false, got %d calls", count)
	}
}

func TestRootIsDeterministic(t *testing.T) {
	db1 := New()
	db2 := New()
	a1, a2 := chain.Address{1}, chain.Address{2}
	for _, db := range []*DB{db1, db2} {
		if err := db.Credit(a2, chain.U128FromUint64(2)); err != nil {
			t.Fatalf("Credit: %v", err)
		}
		if err := db.Credit(a1, chain.U128FromUint64(1)); err != nil {
			t.Fatalf("Credit: %v", err)
		}
	}
	if db1.Root(identityDigest) != db2.Root(identityDigest) {
		t.Fatal("Root must be order-independent given the same account set")
	}
}
