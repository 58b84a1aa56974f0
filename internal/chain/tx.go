package chain

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Transaction is the core's single transaction shape (spec.md §3). All
// optional fields are represented with explicit presence flags in the
// canonical encoding so the wire format is unambiguous.
type Transaction struct {
	From               Address
	To                 Address
	Value              U128
	Fee                U128
	Nonce              uint64
	Sponsor            *Address // nil => no sponsor
	ExecuteAtBlock     *uint64  // nil => no block time-lock
	ExecuteAtTimestamp *uint64  // nil => no timestamp time-lock
	SignatureScheme    uint8    // crypto.Scheme, kept untyped here to avoid an import cycle
	SignerPubKey       []byte   // public key of Signer(); address_of(scheme, pubkey) must equal Signer()
	Signature          []byte
	OpaqueExt          []byte

	hash     Digest
	hashSet  bool
}

// Signer returns the account whose signature must authenticate this
// transaction: the sponsor if gasless, else the funding account.
func (tx *Transaction) Signer() Address {
	if tx.Sponsor != nil {
		return *tx.Sponsor
	}
	return tx.From
}

// FeePayer returns the account debited for the fee: the sponsor if present,
// else the funding account (spec.md §3).
func (tx *Transaction) FeePayer() Address {
	if tx.Sponsor != nil {
		return *tx.Sponsor
	}
	return tx.From
}

// EncodeSigningBytes returns the canonical encoding the signature
// authenticates: every field of the transaction except Signature and Hash
// itself.
func (tx *Transaction) EncodeSigningBytes() []byte {
	var buf bytes.Buffer
	buf.WriteByte(1) // format version
	buf.Write(tx.From[:])
	buf.Write(tx.To[:])
	writeU128(&buf, tx.Value)
	writeU128(&buf, tx.Fee)
	writeU64(&buf, tx.Nonce)
	writeOptionalAddress(&buf, tx.Sponsor)
	writeOptionalU64(&buf, tx.ExecuteAtBlock)
	writeOptionalU64(&buf, tx.ExecuteAtTimestamp)
	buf.WriteByte(tx.SignatureScheme)
	writeBytes(&buf, tx.SignerPubKey)
	writeBytes(&buf, tx.OpaqueExt)
	return buf.Bytes()
}

// EncodeForHash returns the canonical encoding over which Hash is computed:
// the signing bytes plus the signature, but never the hash field itself.
func (tx *Transaction) EncodeForHash() []byte {
	signing := tx.EncodeSigningBytes()
	var buf bytes.Buffer
	buf.Write(signing)
	writeBytes(&buf, tx.Signature)
	return buf.Bytes()
}

// SetHash computes and caches tx.Hash() from the canonical encoding. Callers
// must call this after Signature is set; Hash() does not compute it lazily.
func (tx *Transaction) SetHash(digest func([]byte) Digest) Digest {
	tx.hash = digest(tx.EncodeForHash())
	tx.hashSet = true
	return tx.hash
}

// Hash returns the cached transaction hash. It panics if SetHash was never
// called, since an un-hashed transaction is a construction bug, not a
// runtime condition.
func (tx *Transaction) Hash() Digest {
	if !tx.hashSet {
		panic("chain: Transaction.Hash called before SetHash")
	}
	return tx.hash
}

// StructuralCheck validates the fields the validator can check without
// reference to any state or the signature itself (spec.md §3 invariants,
// minus signature verification which requires the scheme registry).
func (tx *Transaction) StructuralCheck() error {
	if tx.From.IsNull() {
		return fmt.Errorf("chain: from must not be NULL")
	}
	if tx.To.IsNull() {
		return fmt.Errorf("chain: to must not be NULL")
	}
	if tx.Sponsor != nil && tx.Sponsor.IsNull() {
		return fmt.Errorf("chain: sponsor must not be NULL")
	}
	if tx.From == CoinbaseAddress {
		return fmt.Errorf("chain: from must not be COINBASE")
	}
	if _, err := tx.Value.Add(tx.Fee); err != nil {
		return fmt.Errorf("chain: value+fee overflow: %w", err)
	}
	if len(tx.OpaqueExt) > MaxOpaqueExtBytes {
		return fmt.Errorf("chain: opaque_ext too large: %d bytes", len(tx.OpaqueExt))
	}
	return nil
}

// StreamCAffinity reports the stream-C eligibility tag carried in the first
// byte of OpaqueExt, per SPEC_FULL.md §3. It never interprets OpaqueExt for
// any other purpose.
func (tx *Transaction) StreamCAffinity() byte {
	if len(tx.OpaqueExt) == 0 {
		return AffinityNone
	}
	return tx.OpaqueExt[0]
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeU128(buf *bytes.Buffer, v U128) {
	writeU64(buf, v.Hi)
	writeU64(buf, v.Lo)
}

func writeOptionalU64(buf *bytes.Buffer, v *uint64) {
	if v == nil {
		buf.WriteByte(0)
		return
	}
	buf.WriteByte(1)
	writeU64(buf, *v)
}

func writeOptionalAddress(buf *bytes.Buffer, a *Address) {
	if a == nil {
		buf.WriteByte(0)
		return
	}
	buf.WriteByte(1)
	buf.Write(a[:])
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	buf.Write(lenBuf[:])
	buf.Write(b)
}
