// Package executor applies a validated block to ledger state (spec.md
// §4.6): debit/credit per transaction in order, mint the stream's reward,
// and commit or discard atomically. Grounded on tos-network-gtos's
// staking/reward.go mint-and-log idiom, generalized from stake-proportional
// splitting to the spec's flat per-stream halving schedule.
package executor

import (
	"github.com/mondoshawan/mondo-core/internal/chain"
	"github.com/mondoshawan/mondo-core/internal/errs"
	"github.com/mondoshawan/mondo-core/internal/log"
	"github.com/mondoshawan/mondo-core/internal/metrics"
	"github.com/mondoshawan/mondo-core/internal/state"
)

var logger = log.New("pkg", "executor")

// HalvingPeriodBlocks returns the number of blocks on stream s between
// halvings, derived from the four-year-equivalent period spec.md §4.5 step 6
// names (126_144_000 seconds / target interval).
func HalvingPeriodBlocks(targetIntervalMillis uint64) uint64 {
	const halvingPeriodSeconds = 126_144_000
	return halvingPeriodSeconds * 1000 / targetIntervalMillis
}

// Reward computes the stream's reward at the given per-stream height,
// saturating at zero after 63 halvings (spec.md §8 P9).
func Reward(base chain.U128, heightOnStream, halvingPeriod uint64) chain.U128 {
	if halvingPeriod == 0 {
		return chain.Zero128()
	}
	halvings := heightOnStream / halvingPeriod
	if halvings >= 64 {
		return chain.Zero128()
	}
	return base.Rshift(uint(halvings))
}

// Executor applies validated blocks to state.
type Executor struct {
	State        *state.DB
	Digest       func([]byte) chain.Digest
	StreamParams map[chain.Stream]chain.StreamParams
	Metrics      *metrics.Registry
	OnCommit     func(block *chain.Block, stateRoot chain.Digest) // outbound persistence hook, spec.md §6
}

// New constructs an Executor.
func New(st *state.DB, digest func([]byte) chain.Digest, params map[chain.Stream]chain.StreamParams, m *metrics.Registry) *Executor {
	return &Executor{State: st, Digest: digest, StreamParams: params, Metrics: m}
}

// Apply mutates state for a validated block and marks its pre-application
// snapshot for possible future reorg. heightOnStream is the block's ordinal
// among committed blocks of its own stream, used for the halving schedule.
// It MUST have already passed Validator.ValidateBlock; Apply does not
// re-validate, since doing so would duplicate O(block size) work for every
// block on every commit (spec.md §5's "no per-operation timeouts... bounded
// by O(block size x signature cost)" calls for doing that work exactly
// once).
func (ex *Executor) Apply(b *chain.Block, heightOnStream uint64) (evicted []chain.Digest, err error) {
	snap := ex.State.Snapshot()
	ex.State.MarkBlockSnapshot(b.Hash(), snap)

	applied := make([]chain.Digest, 0, len(b.Txs))
	for _, tx := range b.Txs {
		if err := ex.applyOne(tx, b.Header.Beneficiary); err != nil {
			// Any failure here indicates the block passed validation but
			// failed to apply identically — an invariant violation, since
			// §4.5 step 5 tentatively applied the same sequence of
			// operations against a forked snapshot of the same state.
			ex.State.Restore(snap)
			return nil, errs.Wrap(errs.ApplierInvariantViolated, err, "executor: block validated but failed to apply")
		}
		applied = append(applied, tx.Hash())
	}

	params := ex.StreamParams[b.Header.Stream]
	halvingPeriod := HalvingPeriodBlocks(params.TargetIntervalMillis)
	reward := Reward(params.BaseReward, heightOnStream, halvingPeriod)
	if !reward.IsZero() {
		if err := ex.State.Credit(b.Header.Beneficiary, reward); err != nil {
			ex.State.Restore(snap)
			return nil, errs.Wrap(errs.ApplierInvariantViolated, err, "executor: reward mint failed")
		}
	}

	root := ex.State.Root(ex.Digest)
	if ex.OnCommit != nil {
		ex.OnCommit(b, root)
	}
	if ex.Metrics != nil {
		ex.Metrics.Emit("block.committed", map[string]string{"stream": b.Header.Stream.String()}, float64(len(b.Txs)))
	}
	logger.Info("committed block", "hash", b.Hash(), "stream", b.Header.Stream, "txs", len(b.Txs), "reward", reward)
	return applied, nil
}

// Uncommit rolls state back to the snapshot recorded immediately before
// blockHash was applied, used when a reorg makes a previously selected
// block red (spec.md §4.7).
func (ex *Executor) Uncommit(blockHash chain.Digest) error {
	h, ok := ex.State.BlockSnapshot(blockHash)
	if !ok {
		return errs.New(errs.ApplierInvariantViolated, "executor: no snapshot recorded for block being uncommitted")
	}
	ex.State.Restore(h)
	return nil
}

func (ex *Executor) applyOne(tx *chain.Transaction, beneficiary chain.Address) error {
	signer := tx.Signer()
	ex.State.BumpNonce(signer)
	if err := ex.State.Debit(tx.From, tx.Value); err != nil {
		return err
	}
	if err := ex.State.Credit(tx.To, tx.Value); err != nil {
		return err
	}
	feePayer := tx.FeePayer()
	if err := ex.State.Debit(feePayer, tx.Fee); err != nil {
		return err
	}
	if err := ex.State.Credit(beneficiary, tx.Fee); err != nil {
		return err
	}
	return nil
}
