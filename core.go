// Package mondo is the composition root: it wires crypto, state, mempool,
// validator, executor, DAG, and miner into the single exported surface an
// embedding host uses (spec.md §6, §9's CoreHandle redesign note).
package mondo

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/mondoshawan/mondo-core/internal/chain"
	"github.com/mondoshawan/mondo-core/internal/config"
	"github.com/mondoshawan/mondo-core/internal/crypto"
	"github.com/mondoshawan/mondo-core/internal/dag"
	"github.com/mondoshawan/mondo-core/internal/errs"
	"github.com/mondoshawan/mondo-core/internal/executor"
	"github.com/mondoshawan/mondo-core/internal/log"
	"github.com/mondoshawan/mondo-core/internal/mempool"
	"github.com/mondoshawan/mondo-core/internal/metrics"
	"github.com/mondoshawan/mondo-core/internal/miner"
	"github.com/mondoshawan/mondo-core/internal/state"
	"github.com/mondoshawan/mondo-core/internal/validate"
)

var logger = log.New("pkg", "core")

// CommitEvent is delivered to subscribe_committed subscribers (spec.md §6).
type CommitEvent struct {
	BlockHash chain.Digest
	Height    uint64
	Selected  bool
}

// ExternalValidatorHook is the optional per-transaction hook of spec.md §6,
// invoked after per-transaction validation and before commit. It must be
// pure with respect to ledger state.
type ExternalValidatorHook func(tx *chain.Transaction) error

// CoreHandle is the core's single exported entry point: every inbound
// operation of spec.md §6 is a method, and every outbound hook/registry is
// supplied at construction or via a Register* method.
type CoreHandle struct {
	cfg    *config.Config
	state  *state.DB
	pool   *mempool.Pool
	dag    *dag.DAG
	valid  *validate.Validator
	exec   *executor.Executor
	miner  *miner.Miner
	appl   *miner.Applier
	digest func([]byte) chain.Digest
	metr   *metrics.Registry

	subsMu      sync.RWMutex
	subscribers map[uuid.UUID]chan CommitEvent
	extHook     ExternalValidatorHook
	persist     func(*chain.Block, chain.Digest)
}

// Genesis describes the fully-specified genesis block a host supplies at
// construction (spec.md §6's "Genesis parameters").
type Genesis struct {
	Block       *chain.Block
	Beneficiary chain.Address
}

// New constructs a CoreHandle wired per cfg and rooted at genesis.
func New(cfg *config.Config, genesis Genesis) (*CoreHandle, error) {
	digest := crypto.Digest
	genesis.Block.SetHash(digest)

	params, err := cfg.StreamParams()
	if err != nil {
		return nil, fmt.Errorf("mondo: stream params: %w", err)
	}
	if cfg.MaxOpaqueExtBytes > 0 {
		chain.MaxOpaqueExtBytes = cfg.MaxOpaqueExtBytes
	}

	st := state.New()
	d, err := dag.New(genesis.Block, cfg.K, digest)
	if err != nil {
		return nil, fmt.Errorf("mondo: dag init: %w", err)
	}

	pool := mempool.New(st, digest, maxTxsByStream(params))
	pool.SetCapacity(cfg.MempoolCapacity)
	pool.SetNonceWindow(cfg.NonceWindow)

	v := validate.New(d, st, digest, params)
	// Register the built-in placeholder Stream-C verifier; a real external
	// collaborator replaces it via RegisterAlgorithmVerifier, paired with a
	// matching miner.StreamCProver (spec.md §9: "the source's ZK path is a
	// placeholder").
	v.RegisterAlgorithmVerifier(chain.AlgC, func(*chain.BlockHeader, chain.Digest) bool { return true })

	m := metrics.NewRegistry()
	ex := executor.New(st, digest, params, m)

	h := &CoreHandle{cfg: cfg, state: st, pool: pool, dag: d, valid: v, exec: ex, digest: digest, metr: m, subscribers: make(map[uuid.UUID]chan CommitEvent)}
	ex.OnCommit = h.onCommit

	appl := miner.NewApplier(v, d, ex, pool, digest, m)
	h.appl = appl
	h.miner = miner.New(d, pool, appl, params, digest, genesis.Beneficiary, int(cfg.K), cfg.DifficultyAdjustPeriod)
	return h, nil
}

func maxTxsByStream(params map[chain.Stream]chain.StreamParams) map[chain.Stream]int {
	out := make(map[chain.Stream]int, len(params))
	for s, p := range params {
		out[s] = p.MaxTxsPerBlock
	}
	return out
}

// StartMining launches the TriStream miner's producer and applier goroutines.
func (h *CoreHandle) StartMining() { h.miner.Start() }

// StopMining cooperatively shuts the miner down.
func (h *CoreHandle) StopMining() { h.miner.Stop() }

// SubmitTransaction is the inbound submit_transaction operation.
func (h *CoreHandle) SubmitTransaction(tx *chain.Transaction) error {
	return h.pool.Submit(tx)
}

// SubmitBlock hands a peer-gossiped block to the applier, outside the
// miner's own result channel.
func (h *CoreHandle) SubmitBlock(b *chain.Block) error {
	return h.appl.Apply(b)
}

// ReadAccount is the inbound read_account operation.
func (h *CoreHandle) ReadAccount(addr chain.Address) chain.Account {
	return h.state.Account(addr)
}

// ReadBlock is the inbound read_block operation.
func (h *CoreHandle) ReadBlock(hash chain.Digest) (*chain.Block, bool) {
	return h.dag.BlockOf(hash)
}

// ReadHeader is the inbound read_header operation.
func (h *CoreHandle) ReadHeader(hash chain.Digest) (*chain.BlockHeader, bool) {
	return h.dag.HeaderOf(hash)
}

// SelectedTip is the inbound selected_tip operation.
func (h *CoreHandle) SelectedTip() chain.Digest { return h.dag.SelectedTip() }

// SelectedChainIter is the inbound selected_chain_iter operation, returning
// the full selected chain oldest-first; a host wanting true streaming can
// range over the result itself.
func (h *CoreHandle) SelectedChainIter() []chain.Digest { return h.dag.SelectedChain() }

// SubscribeCommitted is the inbound subscribe_committed operation. It
// returns a cursor identifying the subscription (for later Unsubscribe) and
// a channel of commit events starting from the current tip forward; cold
// start from genesis is a host-side replay over SelectedChainIter.
func (h *CoreHandle) SubscribeCommitted() (cursor uuid.UUID, events <-chan CommitEvent) {
	cursor = uuid.New()
	ch := make(chan CommitEvent, 256)
	h.subsMu.Lock()
	h.subscribers[cursor] = ch
	h.subsMu.Unlock()
	return cursor, ch
}

// Unsubscribe closes and removes the subscription identified by cursor, a
// value previously returned by SubscribeCommitted.
func (h *CoreHandle) Unsubscribe(cursor uuid.UUID) {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	if ch, ok := h.subscribers[cursor]; ok {
		close(ch)
		delete(h.subscribers, cursor)
	}
}

// RegisterAlgorithmVerifier is the inbound register_algorithm_verifier
// operation (spec.md §6).
func (h *CoreHandle) RegisterAlgorithmVerifier(tag chain.AlgorithmTag, fn validate.AlgorithmVerifier) {
	h.valid.RegisterAlgorithmVerifier(tag, fn)
}

// RegisterStreamCProver installs the miner-side counterpart to a Stream-C
// algorithm verifier (SPEC_FULL.md §4.8): the external collaborator that
// actually produces a proof a registered verifier will accept.
func (h *CoreHandle) RegisterStreamCProver(p miner.StreamCProver) {
	h.miner.StreamCProve = p
}

// RegisterExternalValidator is the inbound register_external_validator
// operation (spec.md §6). Only one hook may be installed at a time. The hook
// runs inside the validator's per-transaction pass (§4.5 step 5), after
// nonce/balance checks and before the applier commits.
func (h *CoreHandle) RegisterExternalValidator(hook ExternalValidatorHook) {
	h.extHook = hook
	h.valid.RegisterExternalValidator(func(tx *chain.Transaction) error { return hook(tx) })
}

// RegisterPersistenceSink installs the outbound on_commit persistence hook
// (spec.md §6). Persistence runs synchronously within the applier's commit
// path but never blocks it on failure (errors are the sink's to handle).
func (h *CoreHandle) RegisterPersistenceSink(sink func(block *chain.Block, stateRoot chain.Digest)) {
	h.persist = sink
}

func (h *CoreHandle) onCommit(b *chain.Block, stateRoot chain.Digest) {
	height := uint64(len(h.dag.SelectedChain()))
	ev := CommitEvent{BlockHash: b.Hash(), Height: height, Selected: true}
	h.subsMu.RLock()
	for _, ch := range h.subscribers {
		select {
		case ch <- ev:
		default:
			logger.Warn("dropping commit event for slow subscriber", "hash", b.Hash())
		}
	}
	h.subsMu.RUnlock()
	if h.persist != nil {
		h.persist(b, stateRoot)
	}
}

// KindOf re-exports errs.KindOf so hosts never need to import internal/errs
// directly.
func KindOf(err error) (errs.Kind, bool) { return errs.KindOf(err) }
