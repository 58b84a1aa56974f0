package chain

import (
	"bytes"
)

// BlockHeader is the core's block header (spec.md §3).
type BlockHeader struct {
	BlockNumber  uint64
	Parents      []Digest // one or more; DAG is connected
	MerkleRoot   Digest
	Timestamp    uint64
	Stream       Stream
	Algorithm    AlgorithmTag
	Difficulty   U128
	NonceField   uint64
	Beneficiary  Address
}

// Block is a header plus its ordered transaction list.
type Block struct {
	Header BlockHeader
	Txs    []*Transaction

	hash    Digest
	hashSet bool
}

// EncodeHeaderForHash returns the canonical encoding a block hash binds,
// including the merkle root (spec.md §3: "BlockHash = digest(header) where
// the digest binds the transaction Merkle root").
func (h *BlockHeader) EncodeHeaderForHash() []byte {
	var buf bytes.Buffer
	buf.WriteByte(1) // format version
	writeU64(&buf, h.BlockNumber)
	writeU64(&buf, uint64(len(h.Parents)))
	for _, p := range h.Parents {
		buf.Write(p[:])
	}
	buf.Write(h.MerkleRoot[:])
	writeU64(&buf, h.Timestamp)
	buf.WriteByte(byte(h.Stream))
	writeBytes(&buf, []byte(h.Algorithm))
	writeU128(&buf, h.Difficulty)
	writeU64(&buf, h.NonceField)
	buf.Write(h.Beneficiary[:])
	return buf.Bytes()
}

// EncodeHeaderForPow returns the portion of the header the PoW search
// iterates over: the full header bytes with the nonce field held fixed by
// the caller at each attempt (spec.md §4.5 step 3 names this
// "header_without_pow_nonce_bits ‖ nonce_field"; here the nonce field is
// simply one fixed-width component of the same canonical encoding (followed
// only by the beneficiary), so
// this is the identical byte string — kept as a distinctly named entry
// point for callers that conceptually separate the two).
func (h *BlockHeader) EncodeHeaderForPow() []byte {
	return h.EncodeHeaderForHash()
}

func (b *Block) SetHash(digest func([]byte) Digest) Digest {
	b.hash = digest(b.Header.EncodeHeaderForHash())
	b.hashSet = true
	return b.hash
}

func (b *Block) Hash() Digest {
	if !b.hashSet {
		panic("chain: Block.Hash called before SetHash")
	}
	return b.hash
}

// ComputeMerkleRoot builds a binary hash tree over transaction hashes in
// list order. An empty list's root is digest(ε), per spec.md §4.3.
func ComputeMerkleRoot(digest func([]byte) Digest, txs []*Transaction) Digest {
	if len(txs) == 0 {
		return digest(nil)
	}
	layer := make([]Digest, len(txs))
	for i, tx := range txs {
		layer[i] = tx.Hash()
	}
	for len(layer) > 1 {
		next := make([]Digest, 0, (len(layer)+1)/2)
		for i := 0; i < len(layer); i += 2 {
			if i+1 == len(layer) {
				// odd node out: promote by duplicating, the conventional
				// Merkle-tree rule also used by the teacher lineage's
				// derive_sha helpers.
				next = append(next, hashPair(digest, layer[i], layer[i]))
			} else {
				next = append(next, hashPair(digest, layer[i], layer[i+1]))
			}
		}
		layer = next
	}
	return layer[0]
}

func hashPair(digest func([]byte) Digest, a, b Digest) Digest {
	buf := make([]byte, 0, 64)
	buf = append(buf, a[:]...)
	buf = append(buf, b[:]...)
	return digest(buf)
}
