package miner

import (
	"sync"
	"time"

	"github.com/mondoshawan/mondo-core/internal/chain"
	"github.com/mondoshawan/mondo-core/internal/log"
)

// maxOrphanBufferBytes bounds the short-lived orphan buffer (spec.md §7:
// "parked in a short-lived orphan buffer (bounded by 4 MB)").
const maxOrphanBufferBytes = 4 * 1024 * 1024

// orphanTTL is how long an orphan is kept waiting for its missing ancestry
// before being dropped (spec.md §7: "dropped if never resolved within 60s").
const orphanTTL = 60 * time.Second

type orphanEntry struct {
	block     *chain.Block
	size      int
	addedAt   time.Time
	missing   chain.Digest // the parent hash that was unknown when parked
}

// orphanBuffer holds blocks admitted to submit_block whose parent is not yet
// known, grounded on daglabs-btcd's domain/miningmanager/mempool/orphan_pool.go
// shape (a size/count-bounded pool indexed by the missing dependency),
// adapted here from transaction inputs to block parent hashes.
type orphanBuffer struct {
	mu             sync.Mutex
	byHash         map[chain.Digest]*orphanEntry
	byMissingParent map[chain.Digest][]chain.Digest // missing parent -> orphan block hashes waiting on it
	totalBytes     int
}

func newOrphanBuffer() *orphanBuffer {
	return &orphanBuffer{
		byHash:          make(map[chain.Digest]*orphanEntry),
		byMissingParent: make(map[chain.Digest][]chain.Digest),
	}
}

func blockSize(b *chain.Block) int {
	n := len(b.Header.EncodeHeaderForHash())
	for _, tx := range b.Txs {
		n += len(tx.EncodeForHash())
	}
	return n
}

// add parks b, waiting on missingParent, evicting the oldest orphans first if
// the buffer would exceed its byte budget.
func (o *orphanBuffer) add(b *chain.Block, missingParent chain.Digest) {
	o.mu.Lock()
	defer o.mu.Unlock()

	hash := b.Hash()
	if _, exists := o.byHash[hash]; exists {
		return
	}
	size := blockSize(b)
	for o.totalBytes+size > maxOrphanBufferBytes && len(o.byHash) > 0 {
		o.evictOldestLocked()
	}
	o.byHash[hash] = &orphanEntry{block: b, size: size, addedAt: time.Now(), missing: missingParent}
	o.byMissingParent[missingParent] = append(o.byMissingParent[missingParent], hash)
	o.totalBytes += size
}

func (o *orphanBuffer) evictOldestLocked() {
	var oldestHash chain.Digest
	var oldest *orphanEntry
	for h, e := range o.byHash {
		if oldest == nil || e.addedAt.Before(oldest.addedAt) {
			oldestHash, oldest = h, e
		}
	}
	if oldest != nil {
		o.removeLocked(oldestHash)
	}
}

func (o *orphanBuffer) removeLocked(hash chain.Digest) {
	e, ok := o.byHash[hash]
	if !ok {
		return
	}
	delete(o.byHash, hash)
	o.totalBytes -= e.size
	waiting := o.byMissingParent[e.missing]
	for i, h := range waiting {
		if h == hash {
			waiting = append(waiting[:i], waiting[i+1:]...)
			break
		}
	}
	if len(waiting) == 0 {
		delete(o.byMissingParent, e.missing)
	} else {
		o.byMissingParent[e.missing] = waiting
	}
}

// expire drops any orphan older than orphanTTL, logging how many were
// dropped (spec.md §7's 60s timeout).
func (o *orphanBuffer) expire(logger *log.Logger) {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := time.Now()
	var dropped int
	for h, e := range o.byHash {
		if now.Sub(e.addedAt) > orphanTTL {
			o.removeLocked(h)
			dropped++
		}
	}
	if dropped > 0 && logger != nil {
		logger.Warn("dropped expired orphan blocks", "count", dropped)
	}
}

// resolve pops and returns every orphan that was waiting on parentHash,
// called after parentHash is newly admitted to the DAG so its orphaned
// children can be retried.
func (o *orphanBuffer) resolve(parentHash chain.Digest) []*chain.Block {
	o.mu.Lock()
	defer o.mu.Unlock()
	hashes := o.byMissingParent[parentHash]
	if len(hashes) == 0 {
		return nil
	}
	out := make([]*chain.Block, 0, len(hashes))
	for _, h := range hashes {
		if e, ok := o.byHash[h]; ok {
			out = append(out, e.block)
		}
	}
	for _, h := range hashes {
		o.removeLocked(h)
	}
	return out
}
