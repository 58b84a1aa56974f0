// Package validate implements the core's block admission pipeline (spec.md
// §4.5): an ordered sequence of structural, PoW, capacity, and per-transaction
// checks against a forked state snapshot, each producing a typed failure
// reason and none panicking on adversarial input.
package validate

import (
	"sort"
	"time"

	"github.com/mondoshawan/mondo-core/internal/chain"
	"github.com/mondoshawan/mondo-core/internal/crypto"
	"github.com/mondoshawan/mondo-core/internal/errs"
	"github.com/mondoshawan/mondo-core/internal/state"
)

// MaxFutureDriftSeconds bounds how far ahead of the local clock a header's
// timestamp may be (spec.md §3).
const MaxFutureDriftSeconds = 60

// DagView is the minimal read-only view into the DAG the validator needs.
type DagView interface {
	HasBlock(hash chain.Digest) bool
	HeaderOf(hash chain.Digest) (*chain.BlockHeader, bool)
	// RecentSelectedTimestamps returns up to window timestamps of recent
	// selected-chain ancestors of parents, most recent first, used for the
	// median-timestamp monotonicity check.
	RecentSelectedTimestamps(parents []chain.Digest, window int) []uint64
}

// AlgorithmVerifier validates a Stream-C header/body pair (spec.md §6
// register_algorithm_verifier). Must be pure and total.
type AlgorithmVerifier func(header *chain.BlockHeader, bodyHash chain.Digest) bool

// ExternalHook is the optional per-transaction hook of spec.md §6
// (register_external_validator): invoked after per-transaction validation
// (§4.5 step 5) for each transaction, before the applier commits. It must be
// pure with respect to ledger state; a rejection fails the whole block.
type ExternalHook func(tx *chain.Transaction) error

// Validator holds the registries and views needed to admit blocks.
type Validator struct {
	Dag             DagView
	State           *state.DB
	Digest          func([]byte) chain.Digest
	StreamParams    map[chain.Stream]chain.StreamParams
	AlgoVerifiers   map[chain.AlgorithmTag]AlgorithmVerifier
	ExternalHook    ExternalHook
	TimestampWindow int // number of recent selected ancestors to median over
	Now             func() time.Time
}

// New constructs a Validator. now defaults to time.Now if nil.
func New(dag DagView, st *state.DB, digest func([]byte) chain.Digest, params map[chain.Stream]chain.StreamParams) *Validator {
	return &Validator{
		Dag:             dag,
		State:           st,
		Digest:          digest,
		StreamParams:    params,
		AlgoVerifiers:   make(map[chain.AlgorithmTag]AlgorithmVerifier),
		TimestampWindow: 11,
		Now:             time.Now,
	}
}

// RegisterAlgorithmVerifier installs a Stream-C verifier for tag.
func (v *Validator) RegisterAlgorithmVerifier(tag chain.AlgorithmTag, fn AlgorithmVerifier) {
	v.AlgoVerifiers[tag] = fn
}

// RegisterExternalValidator installs the optional per-transaction hook of
// spec.md §6 (register_external_validator).
func (v *Validator) RegisterExternalValidator(fn ExternalHook) {
	v.ExternalHook = fn
}

// ValidateBlock runs the full §4.5 pipeline and returns nil on success or
// the first failure as a typed error. All state mutation performed during
// per-transaction checks is reverted before returning, since actual
// application is the executor's responsibility.
func (v *Validator) ValidateBlock(b *chain.Block) error {
	if err := v.structural(b); err != nil {
		return err
	}
	if err := v.parentsKnown(b); err != nil {
		return err
	}
	if err := v.proofOfWork(b); err != nil {
		return err
	}
	if err := v.capacity(b); err != nil {
		return err
	}
	if err := v.perTransaction(b); err != nil {
		return err
	}
	return v.rewardSanity(b)
}

func (v *Validator) structural(b *chain.Block) error {
	h := &b.Header
	if len(h.Parents) == 0 {
		return errs.New(errs.MalformedInput, "validate: block has no parents")
	}
	wantRoot := chain.ComputeMerkleRoot(v.Digest, b.Txs)
	if wantRoot != h.MerkleRoot {
		return errs.New(errs.MalformedInput, "validate: merkle root mismatch")
	}
	maxParentNumber := uint64(0)
	haveParent := false
	for _, p := range h.Parents {
		ph, ok := v.Dag.HeaderOf(p)
		if !ok {
			continue // checked in parentsKnown
		}
		haveParent = true
		if ph.BlockNumber > maxParentNumber {
			maxParentNumber = ph.BlockNumber
		}
	}
	if haveParent && h.BlockNumber != maxParentNumber+1 {
		return errs.New(errs.ApplierInvariantViolated, "validate: block_number does not equal 1+max(parents.block_number)")
	}
	now := uint64(v.Now().Unix())
	if h.Timestamp > now+MaxFutureDriftSeconds {
		return errs.New(errs.TimestampOutOfWindow, "validate: timestamp too far in the future")
	}
	recent := v.Dag.RecentSelectedTimestamps(h.Parents, v.TimestampWindow)
	if len(recent) > 0 && h.Timestamp < median(recent) {
		return errs.New(errs.TimestampOutOfWindow, "validate: timestamp below median of recent selected ancestors")
	}
	return nil
}

func median(ts []uint64) uint64 {
	cp := append([]uint64(nil), ts...)
	sort.Slice(cp, func(i, j int) bool { return cp[i] < cp[j] })
	return cp[len(cp)/2]
}

func (v *Validator) parentsKnown(b *chain.Block) error {
	for _, p := range b.Header.Parents {
		if !v.Dag.HasBlock(p) {
			return errs.New(errs.UnknownParent, "validate: parent block unknown")
		}
	}
	return nil
}

func (v *Validator) proofOfWork(b *chain.Block) error {
	h := &b.Header
	if h.Stream == chain.StreamC {
		verifier, ok := v.AlgoVerifiers[h.Algorithm]
		if !ok {
			return errs.New(errs.ProofInvalid, "validate: no verifier registered for algorithm "+string(h.Algorithm))
		}
		bodyHash := chain.ComputeMerkleRoot(v.Digest, b.Txs)
		if !verifier(h, bodyHash) {
			return errs.New(errs.ProofInvalid, "validate: stream-C proof does not verify")
		}
		return nil
	}
	powHash := v.Digest(h.EncodeHeaderForPow())
	if powHash.Big().Cmp(h.Difficulty.Big()) > 0 {
		return errs.New(errs.PowInsufficient, "validate: pow hash exceeds difficulty target")
	}
	return nil
}

func (v *Validator) capacity(b *chain.Block) error {
	max := v.StreamParams[b.Header.Stream].MaxTxsPerBlock
	if len(b.Txs) > max {
		return errs.New(errs.CapacityExceeded, "validate: block exceeds max transactions for stream")
	}
	return nil
}

func (v *Validator) perTransaction(b *chain.Block) error {
	snap := v.State.Snapshot()
	defer v.State.Restore(snap) // always tentative; the executor re-applies for real

	for _, tx := range b.Txs {
		if err := v.validateOneTx(tx, b.Header.BlockNumber, b.Header.Timestamp, b.Header.Beneficiary); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) validateOneTx(tx *chain.Transaction, blockNumber, blockTimestamp uint64, beneficiary chain.Address) error {
	if err := tx.StructuralCheck(); err != nil {
		return errs.Wrap(errs.MalformedInput, err, "validate: tx structural check failed")
	}
	signer := tx.Signer()
	derived := crypto.AddressOf(crypto.Scheme(tx.SignatureScheme), tx.SignerPubKey)
	if derived != signer || !crypto.Verify(crypto.Scheme(tx.SignatureScheme), tx.SignerPubKey, tx.EncodeSigningBytes(), tx.Signature) {
		return errs.New(errs.InvalidSignature, "validate: tx signature invalid")
	}
	if tx.ExecuteAtBlock != nil && *tx.ExecuteAtBlock > blockNumber {
		return errs.New(errs.TimestampOutOfWindow, "validate: tx block time-lock not satisfied")
	}
	if tx.ExecuteAtTimestamp != nil && *tx.ExecuteAtTimestamp > blockTimestamp {
		return errs.New(errs.TimestampOutOfWindow, "validate: tx timestamp time-lock not satisfied")
	}
	if tx.Nonce != v.State.Nonce(signer) {
		return errs.New(errs.InvalidNonce, "validate: tx nonce does not match state nonce")
	}
	feePayer := tx.FeePayer()
	if v.State.Balance(tx.From).Cmp(tx.Value) < 0 {
		return errs.New(errs.InsufficientFunds, "validate: insufficient balance for value")
	}
	// Tentatively apply so the next transaction in the block observes this
	// one's effect, per spec.md §4.5 step 5.
	if err := v.State.Debit(tx.From, tx.Value); err != nil {
		return errs.Wrap(errs.InsufficientFunds, err, "validate: debit value failed")
	}
	if err := v.State.Credit(tx.To, tx.Value); err != nil {
		return errs.Wrap(errs.MalformedInput, err, "validate: credit value failed")
	}
	if v.State.Balance(feePayer).Cmp(tx.Fee) < 0 {
		return errs.New(errs.InsufficientFunds, "validate: insufficient balance for fee")
	}
	if err := v.State.Debit(feePayer, tx.Fee); err != nil {
		return errs.Wrap(errs.InsufficientFunds, err, "validate: debit fee failed")
	}
	if err := v.State.Credit(beneficiary, tx.Fee); err != nil {
		return errs.Wrap(errs.MalformedInput, err, "validate: credit fee to beneficiary failed")
	}
	v.State.BumpNonce(signer)
	if v.ExternalHook != nil {
		if err := v.ExternalHook(tx); err != nil {
			return errs.Wrap(errs.MalformedInput, err, "validate: external validator hook rejected tx")
		}
	}
	return nil
}

func (v *Validator) rewardSanity(b *chain.Block) error {
	for _, tx := range b.Txs {
		if tx.From == chain.CoinbaseAddress {
			return errs.New(errs.MalformedInput, "validate: transaction sources from COINBASE")
		}
	}
	return nil
}
