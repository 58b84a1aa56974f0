// Package chain defines the core's data model: addresses, digests, the
// account-model balance type, transactions, block headers and blocks, and
// their canonical (deterministic, versioned) encoding.
package chain

import (
	"encoding/hex"
	"math/big"
)

// Address is an opaque 20-byte account identifier.
type Address [20]byte

// NullAddress is the all-zero sentinel that can never send a transaction.
var NullAddress = Address{}

// CoinbaseAddress is the sentinel source used only for block rewards; it
// never appears as a transaction's `from`.
var CoinbaseAddress = Address{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

func (a Address) String() string { return "0x" + hex.EncodeToString(a[:]) }
func (a Address) IsNull() bool   { return a == NullAddress }

// Digest is a 256-bit content hash, used both for TxHash and BlockHash.
type Digest [32]byte

func (d Digest) String() string { return "0x" + hex.EncodeToString(d[:]) }
func (d Digest) IsZero() bool   { return d == Digest{} }

// Less provides the lexicographic tie-break spec.md §4.7 requires when two
// blocks share a blue score.
func (d Digest) Less(o Digest) bool {
	for i := range d {
		if d[i] != o[i] {
			return d[i] < o[i]
		}
	}
	return false
}

// Big interprets the digest as a big-endian unsigned integer, as spec.md
// §4.5 step 3 requires for the proof-of-work comparison.
func (d Digest) Big() *big.Int {
	return new(big.Int).SetBytes(d[:])
}

// Stream identifies one of the three block-production tracks.
type Stream uint8

const (
	StreamA Stream = iota
	StreamB
	StreamC
)

func (s Stream) String() string {
	switch s {
	case StreamA:
		return "A"
	case StreamB:
		return "B"
	case StreamC:
		return "C"
	default:
		return "?"
	}
}

// AlgorithmTag names the PoW (or non-PoW, for Stream C) algorithm a header's
// difficulty search used. The core does not interpret the tag itself beyond
// looking it up in the registered verifier table for Stream C.
type AlgorithmTag string

const (
	AlgA AlgorithmTag = "ALG_A" // default Blake3, Stream A
	AlgB AlgorithmTag = "ALG_B" // default KHeavyHash, Stream B
	AlgC AlgorithmTag = "ALG_C" // default ZK-tag, Stream C
)

// StreamParams holds the fixed, per-stream protocol parameters of spec.md §3.
type StreamParams struct {
	TargetIntervalMillis uint64
	MaxTxsPerBlock       int
	BaseReward           U128
	Algorithm            AlgorithmTag
}

// DefaultStreamParams returns the §3 table of default parameters.
func DefaultStreamParams() map[Stream]StreamParams {
	return map[Stream]StreamParams{
		StreamA: {TargetIntervalMillis: 10_000, MaxTxsPerBlock: 10_000, BaseReward: MustU128FromString("50000000000000000000"), Algorithm: AlgA},
		StreamB: {TargetIntervalMillis: 1_000, MaxTxsPerBlock: 5_000, BaseReward: MustU128FromString("25000000000000000000"), Algorithm: AlgB},
		StreamC: {TargetIntervalMillis: 100, MaxTxsPerBlock: 1_000, BaseReward: Zero128(), Algorithm: AlgC},
	}
}

// Account is the ledger-state tuple for one address. Unseen addresses are
// implicitly {0, 0}.
type Account struct {
	Balance U128
	Nonce   uint64
}

// MaxOpaqueExtBytes bounds the reserved, core-opaque transaction payload
// (spec.md §4.4 admission rules). It is a genesis parameter (spec.md §6):
// a host may lower or raise it at construction, before any transaction is
// admitted, via config.Config.MaxOpaqueExtBytes.
var MaxOpaqueExtBytes = 131_072

// The affinity tag is read from the first byte of OpaqueExt by the mempool
// ready-filter only; the core does not otherwise interpret OpaqueExt
// (spec.md §3). See SPEC_FULL.md §3.
const (
	AffinityNone    byte = 0x00
	AffinityStreamC byte = 0x01
)
