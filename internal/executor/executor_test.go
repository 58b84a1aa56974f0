package executor

import (
	"testing"

	"github.com/mondoshawan/mondo-core/internal/chain"
	"github.com/mondoshawan/mondo-core/internal/metrics"
	"github.com/mondoshawan/mondo-core/internal/state"
)

func digest(b []byte) chain.Digest {
	var d chain.Digest
	copy(d[:], b)
	return d
}

func signedValueTx(from, to chain.Address, value, fee uint64) *chain.Transaction {
	tx := &chain.Transaction{
		From:  from,
		To:    to,
		Value: chain.U128FromUint64(value),
		Fee:   chain.U128FromUint64(fee),
	}
	tx.SetHash(digest)
	return tx
}

func newExecutor() (*Executor, *state.DB) {
	st := state.New()
	params := chain.DefaultStreamParams()
	ex := New(st, digest, params, metrics.NewRegistry())
	return ex, st
}

func TestApplyDebitsCreditsAndMintsReward(t *testing.T) {
	ex, st := newExecutor()
	from, to, beneficiary := chain.Address{1}, chain.Address{2}, chain.Address{3}
	if err := st.Credit(from, chain.U128FromUint64(1000)); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	tx := signedValueTx(from, to, 100, 5)
	b := &chain.Block{
		Header: chain.BlockHeader{Stream: chain.StreamA, Beneficiary: beneficiary},
		Txs:    []*chain.Transaction{tx},
	}
	b.SetHash(digest)

	if _, err := ex.Apply(b, 0); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if st.Balance(from).Cmp(chain.U128FromUint64(895)) != 0 {
		t.Fatalf("from balance = %s, want 895", st.Balance(from))
	}
	if st.Balance(to).Cmp(chain.U128FromUint64(100)) != 0 {
		t.Fatalf("to balance = %s, want 100", st.Balance(to))
	}
	want, err := chain.DefaultStreamParams()[chain.StreamA].BaseReward.Add(chain.U128FromUint64(5))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if st.Balance(beneficiary).Cmp(want) != 0 {
		t.Fatalf("beneficiary balance = %s, want %s", st.Balance(beneficiary), want)
	}
	if st.Nonce(from) != 1 {
		t.Fatalf("from nonce = %d, want 1", st.Nonce(from))
	}
}

func TestUncommitRestoresPreApplicationState(t *testing.T) {
	ex, st := newExecutor()
	from, to, beneficiary := chain.Address{1}, chain.Address{2}, chain.Address{3}
	if err := st.Credit(from, chain.U128FromUint64(1000)); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	balBefore := st.Balance(from)
	tx := signedValueTx(from, to, 100, 5)
	b := &chain.Block{
		Header: chain.BlockHeader{Stream: chain.StreamA, Beneficiary: beneficiary},
		Txs:    []*chain.Transaction{tx},
	}
	b.SetHash(digest)

	if _, err := ex.Apply(b, 0); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := ex.Uncommit(b.Hash()); err != nil {
		t.Fatalf("Uncommit: %v", err)
	}
	if st.Balance(from).Cmp(balBefore) != 0 {
		t.Fatalf("balance after uncommit = %s, want pre-application %s", st.Balance(from), balBefore)
	}
	if st.Nonce(from) != 0 {
		t.Fatal("nonce must be rolled back by Uncommit")
	}
}

func TestUncommitUnknownBlockErrors(t *testing.T) {
	ex, _ := newExecutor()
	if err := ex.Uncommit(chain.Digest{0xaa}); err == nil {
		t.Fatal("Uncommit on a block with no recorded snapshot must error")
	}
}

func TestOnCommitCalledAfterApply(t *testing.T) {
	ex, st := newExecutor()
	beneficiary := chain.Address{3}
	var gotRoot chain.Digest
	called := false
	ex.OnCommit = func(b *chain.Block, root chain.Digest) {
		called = true
		gotRoot = root
	}
	b := &chain.Block{Header: chain.BlockHeader{Stream: chain.StreamA, Beneficiary: beneficiary}}
	b.SetHash(digest)
	if _, err := ex.Apply(b, 0); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !called {
		t.Fatal("OnCommit must be invoked after a successful Apply")
	}
	if gotRoot != st.Root(digest) {
		t.Fatal("OnCommit must receive the post-application state root")
	}
}

func TestRewardHalvesAndSaturatesToZero(t *testing.T) {
	base := chain.U128FromUint64(1 << 20)
	if Reward(base, 0, 100).Cmp(base) != 0 {
		t.Fatal("reward at height 0 must equal the base reward")
	}
	half, err := base.Div(chain.U128FromUint64(2))
	if err != nil {
		t.Fatalf("Div: %v", err)
	}
	if Reward(base, 100, 100).Cmp(half) != 0 {
		t.Fatalf("reward after one halving period = %s, want %s", Reward(base, 100, 100), half)
	}
	if !Reward(base, 100*64, 100).IsZero() {
		t.Fatal("reward must saturate to zero after 64 halvings")
	}
	if !Reward(base, 0, 0).IsZero() {
		t.Fatal("a zero halving period must never mint a nonzero reward")
	}
}

func TestHalvingPeriodBlocksDerivation(t *testing.T) {
	got := HalvingPeriodBlocks(10_000)
	want := uint64(126_144_000 * 1000 / 10_000)
	if got != want {
		t.Fatalf("HalvingPeriodBlocks(10000) = %d, want %d", got, want)
	}
}
