// Package miner implements the TriStream miner (spec.md §4.8): three
// producer roles, one per stream, each assembling candidate blocks from the
// mempool and searching for a valid proof-of-work nonce (or, for Stream C,
// invoking a pluggable external prover), plus a single applier goroutine
// that runs validation, DAG admission, and execution in sequence.
//
// Grounded on tos-network-gtos/miner's worker-loop shape (its
// worker_test.go exercises a TxPool-draining, interrupt-cancellable sealing
// loop feeding a result channel) and the go-ethereum-lineage
// miner/worker.go idiom present repeatedly across the retrieved pack (the
// atomic generation/interrupt counter plus recommit timer), cross-checked
// against daglabs-btcd/mining/mining.go's block-template assembly.
package miner

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mondoshawan/mondo-core/internal/chain"
	"github.com/mondoshawan/mondo-core/internal/dag"
	"github.com/mondoshawan/mondo-core/internal/errs"
	"github.com/mondoshawan/mondo-core/internal/executor"
	"github.com/mondoshawan/mondo-core/internal/log"
	"github.com/mondoshawan/mondo-core/internal/mempool"
	"github.com/mondoshawan/mondo-core/internal/metrics"
	"github.com/mondoshawan/mondo-core/internal/validate"
)

var logger = log.New("pkg", "miner")

// cancelCheckInterval gives the per-stream poll period the search loop uses
// to notice a fresher head, per spec.md §4.8's "checked at least every
// 10ms/1ms/100µs" requirement for Streams A/B/C.
var cancelCheckInterval = map[chain.Stream]time.Duration{
	chain.StreamA: 10 * time.Millisecond,
	chain.StreamB: 1 * time.Millisecond,
	chain.StreamC: 100 * time.Microsecond,
}

// StreamCProver is the pluggable external collaborator that produces a
// Stream-C proof for a candidate header (spec.md §4.8, §9: "the source's ZK
// path is a placeholder"). It must set whatever header fields its scheme
// needs and report whether a proof was obtained before giving up; ok=false
// lets the role re-check for a fresher head and retry.
type StreamCProver func(header *chain.BlockHeader, bodyHash chain.Digest) (ok bool)

// nullStreamCProver is the built-in placeholder: it accepts immediately,
// matching a paired always-true verifier (see validate.AlgorithmVerifier)
// registered for chain.AlgC by the composition root. A real external
// collaborator would replace both halves together.
func nullStreamCProver(_ *chain.BlockHeader, _ chain.Digest) bool { return true }

// Applier sequences validation, DAG admission, and state application for
// solved blocks arriving from any stream. It is the single writer of both
// State (via Executor) and the DAG.
type Applier struct {
	Validator *validate.Validator
	Dag       *dag.DAG
	Executor  *executor.Executor
	Mempool   *mempool.Pool
	Digest    func([]byte) chain.Digest
	Metrics   *metrics.Registry

	mu             sync.Mutex
	streamHeights  map[chain.Stream]uint64 // count of selected-chain blocks per stream, for the halving schedule
	orphans        *orphanBuffer
	lastExpireScan time.Time
}

// NewApplier constructs an Applier with all stream heights at zero (fresh
// genesis).
func NewApplier(v *validate.Validator, d *dag.DAG, ex *executor.Executor, pool *mempool.Pool, digest func([]byte) chain.Digest, m *metrics.Registry) *Applier {
	return &Applier{
		Validator:     v,
		Dag:           d,
		Executor:      ex,
		Mempool:       pool,
		Digest:        digest,
		Metrics:       m,
		streamHeights: make(map[chain.Stream]uint64),
		orphans:       newOrphanBuffer(),
	}
}

// Apply validates, admits, and (for blocks that join the selected chain)
// executes b, reconciling the mempool with whatever the DAG reports as
// newly red or newly committed (spec.md §4.7, §4.8). A block whose parent is
// not yet known is parked in a short-lived orphan buffer and retried once
// that parent is admitted, rather than rejected outright (spec.md §7).
func (a *Applier) Apply(b *chain.Block) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.applyLocked(b)
}

func (a *Applier) applyLocked(b *chain.Block) error {
	b.SetHash(a.Digest)
	if err := a.Validator.ValidateBlock(b); err != nil {
		if kind, ok := errs.KindOf(err); ok && kind == errs.UnknownParent {
			a.parkOrphan(b)
			return err
		}
		return err
	}

	res, err := a.Dag.Insert(b)
	if err != nil {
		if kind, ok := errs.KindOf(err); ok && kind == errs.UnknownParent {
			a.parkOrphan(b)
		}
		return err
	}

	for _, red := range res.Uncommitted {
		if err := a.Executor.Uncommit(red.Hash()); err != nil {
			return err
		}
		a.streamHeights[red.Header.Stream]--
		a.Mempool.Readmit(red.Txs)
	}
	for _, red := range res.NewlyRed {
		a.Mempool.Readmit(red.Txs)
	}
	for _, committed := range res.Committed {
		stream := committed.Header.Stream
		height := a.streamHeights[stream]
		evicted, err := a.Executor.Apply(committed, height)
		if err != nil {
			return err
		}
		a.streamHeights[stream] = height + 1
		a.Mempool.Evict(evicted)
	}
	if a.Metrics != nil {
		a.Metrics.Emit("dag.tips", nil, float64(len(a.Dag.Tips())))
	}

	a.retryOrphansWaitingOn(b.Hash())
	a.maybeExpireOrphans()
	return nil
}

// parkOrphan finds b's first still-unknown parent and stashes b in the
// orphan buffer to await it.
func (a *Applier) parkOrphan(b *chain.Block) {
	for _, p := range b.Header.Parents {
		if !a.Dag.HasBlock(p) {
			a.orphans.add(b, p)
			return
		}
	}
}

// retryOrphansWaitingOn re-attempts every orphan that was waiting on
// parentHash now that it has been admitted, recursing through chains of
// orphans resolved by each successful retry.
func (a *Applier) retryOrphansWaitingOn(parentHash chain.Digest) {
	for _, orphan := range a.orphans.resolve(parentHash) {
		if err := a.applyLocked(orphan); err != nil {
			logger.Warn("orphan retry failed", "hash", orphan.Hash(), "err", err)
		}
	}
}

func (a *Applier) maybeExpireOrphans() {
	if time.Since(a.lastExpireScan) < orphanTTL {
		return
	}
	a.lastExpireScan = time.Now()
	a.orphans.expire(logger)
}

// Miner owns one producer role per stream plus the single applier consumer
// they feed (spec.md §4.8).
type Miner struct {
	Dag          *dag.DAG
	Pool         *mempool.Pool
	Applier      *Applier
	StreamParams map[chain.Stream]chain.StreamParams
	Digest       func([]byte) chain.Digest
	Beneficiary  chain.Address
	K            int // max parents per block
	AdjustPeriod uint64
	StreamCProve StreamCProver

	epoch       int64 // atomic: bumped whenever the selected tip changes
	shutdown    int32 // atomic bool
	difficulty  sync.Map // chain.Stream -> chain.U128
	adjustState sync.Map // chain.Stream -> *adjustRecord

	results chan *chain.Block
	wg      sync.WaitGroup
}

type adjustRecord struct {
	height    uint64
	timestamp uint64
}

// New constructs a Miner. Initial per-stream difficulty is the caller's
// choice (e.g. a genesis-configured floor); SetDifficulty must be called
// before Start if non-default difficulty is required.
func New(d *dag.DAG, pool *mempool.Pool, applier *Applier, params map[chain.Stream]chain.StreamParams, digest func([]byte) chain.Digest, beneficiary chain.Address, k int, adjustPeriod uint64) *Miner {
	m := &Miner{
		Dag:          d,
		Pool:         pool,
		Applier:      applier,
		StreamParams: params,
		Digest:       digest,
		Beneficiary:  beneficiary,
		K:            k,
		AdjustPeriod: adjustPeriod,
		StreamCProve: nullStreamCProver,
		results:      make(chan *chain.Block, 4096),
	}
	for s := range params {
		m.difficulty.Store(s, chain.MustU128FromString("1"))
		m.adjustState.Store(s, &adjustRecord{height: 0, timestamp: 0})
	}
	return m
}

// SetDifficulty overrides the starting difficulty for a stream.
func (m *Miner) SetDifficulty(s chain.Stream, d chain.U128) { m.difficulty.Store(s, d) }

func (m *Miner) difficultyOf(s chain.Stream) chain.U128 {
	v, _ := m.difficulty.Load(s)
	d, _ := v.(chain.U128)
	return d
}

// NotifyNewTip bumps the epoch counter, causing every in-progress search to
// abandon and restart against the new virtual_selected_parent (spec.md
// §4.8's "shared atomic pointer").
func (m *Miner) NotifyNewTip() { atomic.AddInt64(&m.epoch, 1) }

// Start launches the three producer roles and the applier consumer.
func (m *Miner) Start() {
	m.wg.Add(4)
	go m.runApplierLoop()
	for _, s := range []chain.Stream{chain.StreamA, chain.StreamB, chain.StreamC} {
		go m.runRole(s)
	}
}

// Stop cooperatively shuts down every role, then drains and stops the
// applier (spec.md §4.8's shutdown semantics).
func (m *Miner) Stop() {
	atomic.StoreInt32(&m.shutdown, 1)
	close(m.results)
	m.wg.Wait()
}

func (m *Miner) isShutdown() bool { return atomic.LoadInt32(&m.shutdown) != 0 }

func (m *Miner) runApplierLoop() {
	defer m.wg.Done()
	for b := range m.results {
		prevTip := m.Dag.SelectedTip()
		if err := m.Applier.Apply(b); err != nil {
			if k, ok := errs.KindOf(err); ok && errs.IsFatal(err) {
				logger.Crit("applier invariant violated", "kind", k, "err", err)
			} else {
				logger.Warn("block rejected", "hash", b.Hash(), "err", err)
			}
			continue
		}
		if m.Dag.SelectedTip() != prevTip {
			m.maybeAdjustDifficulty(b.Header.Stream)
			m.NotifyNewTip()
		}
	}
}

// maybeAdjustDifficulty rescales a stream's difficulty every AdjustPeriod
// selected-chain blocks by the observed/target inter-block-time ratio,
// clamped to [0.25x, 4x] (spec.md §4.8).
func (m *Miner) maybeAdjustDifficulty(s chain.Stream) {
	if s == chain.StreamC {
		return // non-PoW stream carries no difficulty to adjust
	}
	recv, _ := m.adjustState.Load(s)
	rec := recv.(*adjustRecord)
	chainSlice := m.Dag.SelectedChain()
	height := uint64(len(chainSlice))
	if height == 0 || height%m.AdjustPeriod != 0 {
		return
	}
	tipHash := chainSlice[len(chainSlice)-1]
	tipHeader, ok := m.Dag.HeaderOf(tipHash)
	if !ok {
		return
	}
	if rec.timestamp == 0 {
		m.adjustState.Store(s, &adjustRecord{height: height, timestamp: tipHeader.Timestamp})
		return
	}
	elapsedBlocks := height - rec.height
	if elapsedBlocks == 0 {
		return
	}
	observedMillis := (tipHeader.Timestamp - rec.timestamp) * 1000
	targetMillis := elapsedBlocks * m.StreamParams[s].TargetIntervalMillis
	if targetMillis == 0 {
		return
	}
	ratioNum := chain.U128FromUint64(observedMillis)
	ratioDen := chain.U128FromUint64(targetMillis)
	cur := m.difficultyOf(s)
	next := rescale(cur, ratioNum, ratioDen)
	m.difficulty.Store(s, next)
	m.adjustState.Store(s, &adjustRecord{height: height, timestamp: tipHeader.Timestamp})
	logger.Info("difficulty adjusted", "stream", s, "observed_ms", observedMillis, "target_ms", targetMillis, "new_difficulty", next)
}

// rescale multiplies difficulty by num/den, clamped to [cur/4, cur*4].
func rescale(cur, num, den chain.U128) chain.U128 {
	if den.IsZero() {
		return cur
	}
	scaled := mulDiv(cur, num, den)
	quarter := cur.Rshift(2)
	quadruple, err := cur.Add(cur)
	if err == nil {
		if q2, err2 := quadruple.Add(quadruple); err2 == nil {
			quadruple = q2
		}
	}
	if scaled.Cmp(quarter) < 0 {
		return quarter
	}
	if !quadruple.IsZero() && scaled.Cmp(quadruple) > 0 {
		return quadruple
	}
	return scaled
}

// mulDiv computes floor(v*num/den) using math/big internally, mirroring
// U128's own overflow-checked-via-big.Int approach.
func mulDiv(v, num, den chain.U128) chain.U128 {
	// An intermediate product can exceed 128 bits, which this core's U128
	// type cannot represent; on overflow the unscaled value v is returned
	// rather than panicking or wrapping.
	result, err := v.Mul(num)
	if err != nil {
		return v
	}
	result, err = result.Div(den)
	if err != nil {
		return v
	}
	return result
}

func (m *Miner) runRole(s chain.Stream) {
	defer m.wg.Done()
	for !m.isShutdown() {
		block, ok := m.mineOne(s)
		if !ok {
			continue
		}
		select {
		case m.results <- block:
		default:
			logger.Warn("result channel full, dropping solved block", "stream", s)
		}
	}
}

// mineOne assembles one candidate block for stream s and searches for a
// valid proof, restarting if a fresher head appears (spec.md §4.8 steps
// 1-4). ok is false if the search was abandoned due to a new tip or
// shutdown.
func (m *Miner) mineOne(s chain.Stream) (*chain.Block, bool) {
	epochAtStart := atomic.LoadInt64(&m.epoch)
	params := m.StreamParams[s]

	parents := m.selectParents(s)
	if len(parents) == 0 {
		return nil, false
	}
	maxParentNumber := uint64(0)
	for _, p := range parents {
		if h, ok := m.Dag.HeaderOf(p); ok && h.BlockNumber > maxParentNumber {
			maxParentNumber = h.BlockNumber
		}
	}

	limit := 1
	nowTs := uint64(time.Now().Unix())
	txs := m.Pool.DrainReady(s, limit, maxParentNumber+1, nowTs)

	header := chain.BlockHeader{
		BlockNumber: maxParentNumber + 1,
		Parents:     parents,
		MerkleRoot:  chain.ComputeMerkleRoot(m.Digest, txs),
		Timestamp:   nowTs,
		Stream:      s,
		Algorithm:   params.Algorithm,
		Difficulty:  m.difficultyOf(s),
		Beneficiary: m.Beneficiary,
	}

	if s == chain.StreamC {
		bodyHash := chain.ComputeMerkleRoot(m.Digest, txs)
		if !m.StreamCProve(&header, bodyHash) {
			m.Pool.Reinsert(txs)
			return nil, false
		}
		return &chain.Block{Header: header, Txs: txs}, true
	}

	interval := cancelCheckInterval[s]
	lastCheck := time.Now()
	for nonce := uint64(0); ; nonce++ {
		header.NonceField = nonce
		powHash := m.Digest(header.EncodeHeaderForPow())
		if powHash.Big().Cmp(header.Difficulty.Big()) <= 0 {
			return &chain.Block{Header: header, Txs: txs}, true
		}
		if time.Since(lastCheck) >= interval {
			if atomic.LoadInt64(&m.epoch) != epochAtStart || m.isShutdown() {
				m.Pool.Reinsert(txs)
				return nil, false
			}
			lastCheck = time.Now()
		}
	}
}

// selectParents picks 1..K parents always including the current virtual
// selected parent, preferring tips of other streams so the DAG merges
// across streams (spec.md §4.8 step 1: "a Stream-B block tends to reference
// tips from A and C as well").
func (m *Miner) selectParents(self chain.Stream) []chain.Digest {
	selected := m.Dag.SelectedTip()
	parents := []chain.Digest{selected}
	seen := map[chain.Digest]struct{}{selected: {}}

	var otherStream, sameStream []chain.Digest
	for _, t := range m.Dag.Tips() {
		if _, ok := seen[t]; ok {
			continue
		}
		if h, ok := m.Dag.HeaderOf(t); ok && h.Stream != self {
			otherStream = append(otherStream, t)
		} else {
			sameStream = append(sameStream, t)
		}
	}
	for _, candidates := range [][]chain.Digest{otherStream, sameStream} {
		for _, t := range candidates {
			if len(parents) >= m.K {
				return parents
			}
			if _, ok := seen[t]; ok {
				continue
			}
			parents = append(parents, t)
			seen[t] = struct{}{}
		}
	}
	return parents
}
