package miner

import (
	"testing"

	"github.com/mondoshawan/mondo-core/internal/chain"
	"github.com/mondoshawan/mondo-core/internal/crypto"
	"github.com/mondoshawan/mondo-core/internal/dag"
	"github.com/mondoshawan/mondo-core/internal/errs"
	"github.com/mondoshawan/mondo-core/internal/executor"
	"github.com/mondoshawan/mondo-core/internal/mempool"
	"github.com/mondoshawan/mondo-core/internal/metrics"
	"github.com/mondoshawan/mondo-core/internal/state"
	"github.com/mondoshawan/mondo-core/internal/validate"
)

// digest truncates the real Keccak digest to its low 128 bits so the
// trivially-easy U128 difficulty used below is satisfiable deterministically
// without running a real mining search.
func digest(b []byte) chain.Digest {
	d := crypto.Digest(b)
	for i := 0; i < 16; i++ {
		d[i] = 0
	}
	return d
}

func TestRescaleClampsToQuarter(t *testing.T) {
	cur := chain.U128FromUint64(1000)
	// num/den << 1/4: should clamp to cur/4, not the raw ratio.
	next := rescale(cur, chain.U128FromUint64(1), chain.U128FromUint64(1000))
	if next.Cmp(cur.Rshift(2)) != 0 {
		t.Fatalf("rescale = %s, want %s (cur/4 floor)", next, cur.Rshift(2))
	}
}

func TestRescaleClampsToQuadruple(t *testing.T) {
	cur := chain.U128FromUint64(1000)
	next := rescale(cur, chain.U128FromUint64(1000), chain.U128FromUint64(1))
	want, _ := cur.Add(cur)
	want, _ = want.Add(want)
	if next.Cmp(want) != 0 {
		t.Fatalf("rescale = %s, want %s (cur*4 ceiling)", next, want)
	}
}

func TestRescaleWithinBoundsUsesRatio(t *testing.T) {
	cur := chain.U128FromUint64(1000)
	next := rescale(cur, chain.U128FromUint64(3), chain.U128FromUint64(2))
	if next.Cmp(chain.U128FromUint64(1500)) != 0 {
		t.Fatalf("rescale = %s, want 1500", next)
	}
}

func TestMulDivOverflowFallsBackToOriginal(t *testing.T) {
	max := chain.U128{Hi: ^uint64(0), Lo: ^uint64(0)}
	got := mulDiv(max, chain.U128FromUint64(2), chain.U128FromUint64(1))
	if got.Cmp(max) != 0 {
		t.Fatal("mulDiv must fall back to the original value on overflow, not panic")
	}
}

func newTestMiner(t *testing.T) (*Miner, *dag.DAG, *mempool.Pool, *state.DB) {
	t.Helper()
	genesis := &chain.Block{Header: chain.BlockHeader{BlockNumber: 0}}
	genesis.SetHash(digest)
	d, err := dag.New(genesis, dag.DefaultK, digest)
	if err != nil {
		t.Fatalf("dag.New: %v", err)
	}
	st := state.New()
	params := chain.DefaultStreamParams()
	pool := mempool.New(st, digest, map[chain.Stream]int{chain.StreamA: 10, chain.StreamB: 10, chain.StreamC: 10})
	v := validate.New(d, st, digest, params)
	v.RegisterAlgorithmVerifier(chain.AlgC, func(*chain.BlockHeader, chain.Digest) bool { return true })
	ex := executor.New(st, digest, params, metrics.NewRegistry())
	appl := NewApplier(v, d, ex, pool, digest, metrics.NewRegistry())
	m := New(d, pool, appl, params, digest, chain.Address{0xaa}, 16, 100)
	return m, d, pool, st
}

func TestSelectParentsAlwaysIncludesSelectedTip(t *testing.T) {
	m, d, _, _ := newTestMiner(t)
	parents := m.selectParents(chain.StreamA)
	if len(parents) != 1 || parents[0] != d.SelectedTip() {
		t.Fatalf("selectParents on a fresh DAG must return just the genesis tip, got %v", parents)
	}
}

func TestSelectParentsPrefersOtherStreamTips(t *testing.T) {
	m, d, _, _ := newTestMiner(t)
	genesisHash := d.GenesisHash()

	bOverGenesis := &chain.Block{Header: chain.BlockHeader{BlockNumber: 1, Parents: []chain.Digest{genesisHash}, Stream: chain.StreamB, Algorithm: chain.AlgB, Difficulty: chain.U128{Hi: ^uint64(0), Lo: ^uint64(0)}, NonceField: 1}}
	bOverGenesis.Header.MerkleRoot = chain.ComputeMerkleRoot(digest, nil)
	if err := m.Applier.Apply(bOverGenesis); err != nil {
		t.Fatalf("Apply bOverGenesis: %v", err)
	}
	aOverGenesis := &chain.Block{Header: chain.BlockHeader{BlockNumber: 1, Parents: []chain.Digest{genesisHash}, Stream: chain.StreamA, Algorithm: chain.AlgA, Difficulty: chain.U128{Hi: ^uint64(0), Lo: ^uint64(0)}, NonceField: 2}}
	aOverGenesis.Header.MerkleRoot = chain.ComputeMerkleRoot(digest, nil)
	if err := m.Applier.Apply(aOverGenesis); err != nil {
		t.Fatalf("Apply aOverGenesis: %v", err)
	}

	// Both blocks are tips now (neither extends the other); the selected tip
	// is whichever has the higher blue score, tie-broken by hash. A Stream-A
	// role building its next candidate must prefer the non-Stream-A tip
	// alongside whichever tip is selected.
	parents := m.selectParents(chain.StreamA)
	foundOtherStream := false
	for _, p := range parents {
		if p == bOverGenesis.Hash() {
			foundOtherStream = true
		}
	}
	if !foundOtherStream {
		t.Fatalf("selectParents(StreamA) = %v, want it to include the Stream-B tip %v", parents, bOverGenesis.Hash())
	}
}

func mineBlockOverTip(t *testing.T, m *Miner, d *dag.DAG, stream chain.Stream) *chain.Block {
	t.Helper()
	tip := d.SelectedTip()
	header, ok := d.HeaderOf(tip)
	if !ok {
		t.Fatal("selected tip must have a known header")
	}
	b := &chain.Block{
		Header: chain.BlockHeader{
			BlockNumber: header.BlockNumber + 1,
			Parents:     []chain.Digest{tip},
			Stream:      stream,
			Algorithm:   chain.DefaultStreamParams()[stream].Algorithm,
			Difficulty:  chain.U128{Hi: ^uint64(0), Lo: ^uint64(0)}, // trivially easy
			Beneficiary: chain.Address{0xaa},
		},
	}
	b.Header.MerkleRoot = chain.ComputeMerkleRoot(digest, nil)
	return b
}

func TestApplierApplyCommitsBlockAndMintsReward(t *testing.T) {
	m, d, _, st := newTestMiner(t)
	b := mineBlockOverTip(t, m, d, chain.StreamA)
	if err := m.Applier.Apply(b); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if d.SelectedTip() != b.Hash() {
		t.Fatal("the applied block must become the new selected tip")
	}
	base := chain.DefaultStreamParams()[chain.StreamA].BaseReward
	if st.Balance(chain.Address{0xaa}).Cmp(base) != 0 {
		t.Fatalf("beneficiary balance = %s, want base reward %s", st.Balance(chain.Address{0xaa}), base)
	}
}

func TestApplierApplyReinsertsTxsFromUncommittedBlocks(t *testing.T) {
	m, d, pool, st := newTestMiner(t)

	pub, sec, err := crypto.Keygen(crypto.Classic)
	if err != nil {
		t.Fatalf("Keygen: %v", err)
	}
	from := crypto.AddressOf(crypto.Classic, pub)
	if err := st.Credit(from, chain.U128FromUint64(1000)); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	tx := &chain.Transaction{
		From:            from,
		To:              chain.Address{0xbb},
		Value:           chain.U128FromUint64(10),
		Fee:             chain.U128FromUint64(1),
		SignatureScheme: uint8(crypto.Classic),
		SignerPubKey:    pub,
	}
	sig, err := crypto.Sign(crypto.Classic, sec, tx.EncodeSigningBytes())
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	tx.Signature = sig
	tx.SetHash(digest)

	a1 := mineBlockOverTip(t, m, d, chain.StreamA)
	a1.Header.NonceField = 1
	a1.Txs = []*chain.Transaction{tx}
	a1.Header.MerkleRoot = chain.ComputeMerkleRoot(digest, a1.Txs)
	a1.SetHash(digest)
	if err := m.Applier.Apply(a1); err != nil {
		t.Fatalf("Apply a1: %v", err)
	}
	if pool.Size() != 0 {
		t.Fatal("a transaction included in a committed block must not remain in the mempool")
	}

	// Build a two-block fork from genesis with a strictly higher blue score,
	// forcing a1 to be uncommitted.
	genesisHash := d.GenesisHash()
	b1 := &chain.Block{Header: chain.BlockHeader{BlockNumber: 1, Parents: []chain.Digest{genesisHash}, Stream: chain.StreamA, Algorithm: chain.AlgA, Difficulty: chain.U128{Hi: ^uint64(0), Lo: ^uint64(0)}, NonceField: 99}}
	b1.Header.MerkleRoot = chain.ComputeMerkleRoot(digest, nil)
	if err := m.Applier.Apply(b1); err != nil {
		t.Fatalf("Apply b1: %v", err)
	}
	b2 := &chain.Block{Header: chain.BlockHeader{BlockNumber: 2, Parents: []chain.Digest{b1.Hash()}, Stream: chain.StreamA, Algorithm: chain.AlgA, Difficulty: chain.U128{Hi: ^uint64(0), Lo: ^uint64(0)}}}
	b2.Header.MerkleRoot = chain.ComputeMerkleRoot(digest, nil)
	if err := m.Applier.Apply(b2); err != nil {
		t.Fatalf("Apply b2: %v", err)
	}

	if d.SelectedTip() != b2.Hash() {
		t.Fatal("the two-block fork must overtake the one-block fork")
	}
	if pool.Size() != 1 {
		t.Fatalf("pool size = %d, want 1: the uncommitted block's transaction must return to the mempool", pool.Size())
	}
}

func TestApplierParksAndRetriesOrphans(t *testing.T) {
	m, d, _, st := newTestMiner(t)
	genesisHash := d.GenesisHash()

	parent := &chain.Block{Header: chain.BlockHeader{BlockNumber: 1, Parents: []chain.Digest{genesisHash}, Stream: chain.StreamA, Algorithm: chain.AlgA, Difficulty: chain.U128{Hi: ^uint64(0), Lo: ^uint64(0)}, NonceField: 1}}
	parent.Header.MerkleRoot = chain.ComputeMerkleRoot(digest, nil)
	parent.SetHash(digest)

	child := &chain.Block{Header: chain.BlockHeader{BlockNumber: 2, Parents: []chain.Digest{parent.Hash()}, Stream: chain.StreamA, Algorithm: chain.AlgA, Difficulty: chain.U128{Hi: ^uint64(0), Lo: ^uint64(0)}, NonceField: 2}}
	child.Header.MerkleRoot = chain.ComputeMerkleRoot(digest, nil)

	// The child arrives before its parent: it must be parked, not rejected
	// outright, and not yet visible in the DAG.
	err := m.Applier.Apply(child)
	if kind, ok := errs.KindOf(err); !ok || kind != errs.UnknownParent {
		t.Fatalf("Apply(child) kind = %v, want UnknownParent", kind)
	}
	if d.HasBlock(child.Hash()) {
		t.Fatal("an orphaned block must not be admitted into the DAG yet")
	}

	// Once the parent arrives, the applier must retry the parked child
	// automatically and admit it.
	if err := m.Applier.Apply(parent); err != nil {
		t.Fatalf("Apply(parent): %v", err)
	}
	if !d.HasBlock(child.Hash()) {
		t.Fatal("the orphaned child must be admitted once its parent arrives")
	}
	if d.SelectedTip() != child.Hash() {
		t.Fatal("the retried child must become the new selected tip")
	}
	_ = st
}
