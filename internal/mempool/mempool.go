// Package mempool implements the core's pending-transaction pool (spec.md
// §4.4): an unbounded-until-cap multi-producer/multi-consumer store plus
// per-stream ready-filters. Grounded on daglabs-btcd's mining.go
// txPriorityQueue (fee-ordered eviction) and domain/mempool admission idiom,
// adapted from a UTXO mempool to this core's account-model nonce ordering.
package mempool

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set"

	"github.com/mondoshawan/mondo-core/internal/chain"
	"github.com/mondoshawan/mondo-core/internal/crypto"
	"github.com/mondoshawan/mondo-core/internal/errs"
	"github.com/mondoshawan/mondo-core/internal/log"
)

var logger = log.New("pkg", "mempool")

// NonceWindow bounds how far ahead of the current state nonce a submitted
// transaction's nonce may be (spec.md §4.4 admission rules).
const NonceWindow = 1024

// DefaultCapacity is the target minimum transaction capacity of spec.md §4.4.
const DefaultCapacity = 100_000

// StateReader is the minimal read-only view into ledger state the mempool
// needs for admission and drain-time nonce prediction.
type StateReader interface {
	Nonce(chain.Address) uint64
	Balance(chain.Address) chain.U128
}

type entry struct {
	tx      *chain.Transaction
	addedAt time.Time
	claimed int32 // atomic claim bit: at most one in-flight drain may hold it
}

// Pool is the mempool. All exported methods are safe for concurrent use.
type Pool struct {
	mu       sync.RWMutex
	byHash   map[chain.Digest]*entry
	bySender map[chain.Address]mapset.Set // set of chain.Digest
	capacity int
	state    StateReader
	digest   func([]byte) chain.Digest
	streamMaxTxs map[chain.Stream]int
	nonceWindow  uint64
}

// New returns an empty pool bound to state for admission/drain checks.
func New(state StateReader, digest func([]byte) chain.Digest, streamMaxTxs map[chain.Stream]int) *Pool {
	return &Pool{
		byHash:       make(map[chain.Digest]*entry),
		bySender:     make(map[chain.Address]mapset.Set),
		capacity:     DefaultCapacity,
		state:        state,
		digest:       digest,
		streamMaxTxs: streamMaxTxs,
		nonceWindow:  NonceWindow,
	}
}

// SetCapacity overrides the default cap (for tests or deployment tuning).
func (p *Pool) SetCapacity(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.capacity = n
}

// SetNonceWindow overrides the default admission nonce window (spec.md §4.4,
// SPEC_FULL.md §2's config-driven tuning).
func (p *Pool) SetNonceWindow(n uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nonceWindow = n
}

// Submit performs stateless-plus-current-state admission validation and, on
// success, adds tx to the pool.
func (p *Pool) Submit(tx *chain.Transaction) error {
	if err := tx.StructuralCheck(); err != nil {
		return errs.Wrap(errs.MalformedInput, err, "mempool: structural check failed")
	}
	signer := tx.Signer()
	derived := crypto.AddressOf(crypto.Scheme(tx.SignatureScheme), tx.SignerPubKey)
	if derived != signer {
		return errs.New(errs.InvalidSignature, "mempool: pubkey does not match signer address")
	}
	if !crypto.Verify(crypto.Scheme(tx.SignatureScheme), tx.SignerPubKey, tx.EncodeSigningBytes(), tx.Signature) {
		return errs.New(errs.InvalidSignature, "mempool: signature does not verify")
	}
	tx.SetHash(p.digest)

	stateNonce := p.state.Nonce(signer)
	p.mu.RLock()
	window := p.nonceWindow
	p.mu.RUnlock()
	if tx.Nonce < stateNonce || tx.Nonce > stateNonce+window {
		return errs.New(errs.InvalidNonce, "mempool: nonce outside admission window")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.byHash[tx.Hash()]; exists {
		return errs.New(errs.DuplicateBlock, "mempool: transaction already present")
	}
	if len(p.byHash) >= p.capacity {
		p.evictForSpaceLocked()
	}
	e := &entry{tx: tx, addedAt: time.Now()}
	p.byHash[tx.Hash()] = e
	set, ok := p.bySender[signer]
	if !ok {
		set = mapset.NewSet()
		p.bySender[signer] = set
	}
	set.Add(tx.Hash())
	return nil
}

// evictForSpaceLocked drops the lowest-fee, then oldest, entry. Caller must
// hold p.mu for writing.
func (p *Pool) evictForSpaceLocked() {
	var victim *entry
	for _, e := range p.byHash {
		if victim == nil {
			victim = e
			continue
		}
		cmp := e.tx.Fee.Cmp(victim.tx.Fee)
		if cmp < 0 || (cmp == 0 && e.addedAt.Before(victim.addedAt)) {
			victim = e
		}
	}
	if victim == nil {
		return
	}
	p.removeLocked(victim.tx.Hash())
}

func (p *Pool) removeLocked(h chain.Digest) {
	e, ok := p.byHash[h]
	if !ok {
		return
	}
	delete(p.byHash, h)
	signer := e.tx.Signer()
	if set, ok := p.bySender[signer]; ok {
		set.Remove(h)
		if set.Cardinality() == 0 {
			delete(p.bySender, signer)
		}
	}
}

// DrainReady returns up to limit*max_block_txs(stream) transactions whose
// time-locks are satisfied and whose nonce is the best-effort predicted next
// nonce for their sender; it claims them so no other stream can drain the
// same transaction concurrently (spec.md §4.4's atomic-claim contract).
func (p *Pool) DrainReady(stream chain.Stream, limit int, nowHeight, nowTs uint64) []*chain.Transaction {
	budget := limit * p.streamMaxTxs[stream]
	if budget <= 0 {
		return nil
	}

	p.mu.RLock()
	candidates := make([]*entry, 0, len(p.byHash))
	for _, e := range p.byHash {
		if atomic.LoadInt32(&e.claimed) != 0 {
			continue
		}
		tx := e.tx
		if tx.ExecuteAtBlock != nil && *tx.ExecuteAtBlock > nowHeight {
			continue
		}
		if tx.ExecuteAtTimestamp != nil && *tx.ExecuteAtTimestamp > nowTs {
			continue
		}
		candidates = append(candidates, e)
	}
	p.mu.RUnlock()

	if stream == chain.StreamC {
		sort.SliceStable(candidates, func(i, j int) bool {
			ai := candidates[i].tx.StreamCAffinity() == chain.AffinityStreamC
			aj := candidates[j].tx.StreamCAffinity() == chain.AffinityStreamC
			if ai != aj {
				return ai // affinity-tagged first
			}
			return candidates[i].addedAt.Before(candidates[j].addedAt)
		})
	} else {
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].addedAt.Before(candidates[j].addedAt)
		})
	}

	// Repeat passes until one claims nothing, so a sender's higher nonce that
	// sorted ahead of its predecessor is still picked up once the predecessor
	// has been claimed.
	predicted := make(map[chain.Address]uint64)
	taken := make(map[*entry]bool)
	result := make([]*chain.Transaction, 0, budget)
	for progress := true; progress; {
		progress = false
		for _, e := range candidates {
			if len(result) >= budget {
				break
			}
			if taken[e] {
				continue
			}
			signer := e.tx.Signer()
			next, ok := predicted[signer]
			if !ok {
				next = p.state.Nonce(signer)
			}
			if e.tx.Nonce != next {
				continue
			}
			if !atomic.CompareAndSwapInt32(&e.claimed, 0, 1) {
				continue // another stream claimed it first
			}
			taken[e] = true
			result = append(result, e.tx)
			predicted[signer] = next + 1
			progress = true
		}
	}
	return result
}

// Reinsert releases the claim on txs so they become eligible for a future
// drain, used after a miner abandons a candidate block before ever handing
// it to the applier (e.g. a fresher head appears mid-search). It never
// resurrects a transaction no longer present in byHash: that case is
// Readmit's job, not this one's.
func (p *Pool) Reinsert(txs []*chain.Transaction) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, tx := range txs {
		if e, ok := p.byHash[tx.Hash()]; ok {
			atomic.StoreInt32(&e.claimed, 0)
		}
	}
}

// Readmit re-admits txs that were evicted by a block commit which a
// subsequent reorg then uncommitted (spec.md §4.7 step 2, scenario S5,
// property P7): unlike Reinsert, it puts the full transaction back into
// byHash/bySender, not merely clears a claim bit. Each tx is re-validated
// against the now-restored state nonce; one whose nonce no longer falls in
// the admission window (it was already applied by a transaction that
// remained selected, or has drifted out of range) is dropped rather than
// resurrected, matching spec.md §7/S4's "re-admitted only if its nonce
// matches the new state".
func (p *Pool) Readmit(txs []*chain.Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, tx := range txs {
		h := tx.Hash()
		if e, ok := p.byHash[h]; ok {
			atomic.StoreInt32(&e.claimed, 0)
			continue
		}
		signer := tx.Signer()
		stateNonce := p.state.Nonce(signer)
		if tx.Nonce < stateNonce || tx.Nonce > stateNonce+p.nonceWindow {
			continue
		}
		if len(p.byHash) >= p.capacity {
			p.evictForSpaceLocked()
		}
		e := &entry{tx: tx, addedAt: time.Now()}
		p.byHash[h] = e
		set, ok := p.bySender[signer]
		if !ok {
			set = mapset.NewSet()
			p.bySender[signer] = set
		}
		set.Add(h)
	}
}

// Evict permanently removes the given transaction hashes, used on block
// commit.
func (p *Pool) Evict(hashes []chain.Digest) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range hashes {
		p.removeLocked(h)
	}
}

// Size returns the current number of pending transactions.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byHash)
}
