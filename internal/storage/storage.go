// Package storage provides a pluggable on_commit persistence sink (spec.md
// §6). Grounded on tos-network-gtos/tosdb/leveldb's Database wrapper shape
// (as evidenced by leveldb_test.go's exercised API: a *leveldb.DB field
// behind a small Put/Get/Has/Delete surface), adapted from a generic
// key-value store into a block-and-state-root commit log.
package storage

import (
	"encoding/binary"

	"github.com/syndtr/goleveldb/leveldb"

	"github.com/mondoshawan/mondo-core/internal/chain"
)

var (
	blockPrefix = []byte("b")
	rootPrefix  = []byte("r")
)

// Sink persists committed blocks and their resulting state root, suitable
// for wiring into executor.Executor.OnCommit.
type Sink struct {
	db *leveldb.DB
}

// Open opens (creating if absent) a LevelDB store at path.
func Open(path string) (*Sink, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &Sink{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Sink) Close() error { return s.db.Close() }

// OnCommit records block.Header.BlockNumber -> block hash and block hash ->
// state root, matching the signature executor.Executor.OnCommit expects.
// Persistence is best-effort: errors are swallowed here since the core's
// commit path must never block or fail on a persistence sink (spec.md §6:
// "asynchronous, best-effort; core does not wait").
func (s *Sink) OnCommit(b *chain.Block, stateRoot chain.Digest) {
	hash := b.Hash()
	var numBuf [8]byte
	binary.BigEndian.PutUint64(numBuf[:], b.Header.BlockNumber)

	batch := new(leveldb.Batch)
	batch.Put(append(append([]byte{}, blockPrefix...), numBuf[:]...), hash[:])
	batch.Put(append(append([]byte{}, rootPrefix...), hash[:]...), stateRoot[:])
	_ = s.db.Write(batch, nil)
}

// BlockHashAtHeight looks up the selected-chain block hash recorded at a
// given height, if any was committed there.
func (s *Sink) BlockHashAtHeight(height uint64) (chain.Digest, bool) {
	var numBuf [8]byte
	binary.BigEndian.PutUint64(numBuf[:], height)
	v, err := s.db.Get(append(append([]byte{}, blockPrefix...), numBuf[:]...), nil)
	if err != nil {
		return chain.Digest{}, false
	}
	var d chain.Digest
	copy(d[:], v)
	return d, true
}

// StateRootOf looks up the state root recorded immediately after hash was
// committed.
func (s *Sink) StateRootOf(hash chain.Digest) (chain.Digest, bool) {
	v, err := s.db.Get(append(append([]byte{}, rootPrefix...), hash[:]...), nil)
	if err != nil {
		return chain.Digest{}, false
	}
	var d chain.Digest
	copy(d[:], v)
	return d, true
}
