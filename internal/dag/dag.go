// Package dag implements the BlockDAG / selection engine (spec.md §4.7): a
// GHOSTDAG-style blue-set computation, a selected chain, and reorg
// (uncommit/recommit) semantics. The blue-set admission algorithm is ported
// directly from daglabs-btcd's blockdag/ghostdag.go (selectedParentAnticone,
// blueAnticoneSize, and the K-cluster admission loop) — see DESIGN.md.
package dag

import (
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/mondoshawan/mondo-core/internal/chain"
	"github.com/mondoshawan/mondo-core/internal/errs"
	"github.com/mondoshawan/mondo-core/internal/log"
)

var logger = log.New("pkg", "dag")

// DefaultK is the protocol's blue-cluster constant (spec.md §4.7).
const DefaultK = 18

// Node is a computed DAG node: a block plus its GHOSTDAG bookkeeping.
type Node struct {
	Block     *chain.Block
	Hash      chain.Digest
	Parents   []chain.Digest
	IsGenesis bool

	SelectedParent     chain.Digest
	Blues              []chain.Digest // selected parent first, then admitted candidates, in admission order
	BluesAnticoneSizes map[chain.Digest]uint32
	BlueScore          uint64
}

// BlueSet returns the admitted-candidate portion of Blues (excluding the
// selected parent itself), matching spec.md's B.blue_set.
func (n *Node) BlueSet() map[chain.Digest]struct{} {
	set := make(map[chain.Digest]struct{}, len(n.Blues))
	for i, b := range n.Blues {
		if i == 0 && !n.IsGenesis {
			continue // Blues[0] is the selected parent, not a blue_set member
		}
		set[b] = struct{}{}
	}
	return set
}

// InsertResult reports what the applier must do after a block is admitted
// into the DAG.
type InsertResult struct {
	// Uncommitted lists blocks that were on the selected chain and are now
	// red, in tip-to-fork (most-recent-first) order — the order the
	// executor must Uncommit them in.
	Uncommitted []*chain.Block
	// Committed lists blocks newly placed on the selected chain, in
	// fork-to-tip (oldest-first) order — the order the executor must Apply
	// them in.
	Committed []*chain.Block
	// NewlyRed lists blocks whose transactions must be returned to the
	// mempool because their red status was just observed (spec.md §4.7),
	// distinct from Uncommitted only when the newly inserted block itself
	// never joins the selected chain.
	NewlyRed []*chain.Block
}

// DAG stores every admitted block and the derived selection state. Written
// only by the applier (Insert); read concurrently by the miner's producer
// roles (Tips, HeaderOf, SelectedTip) during parent selection, so every
// field is guarded by mu (spec.md §5: "DAG index: written only by the
// applier; read by miners ... via an atomic pointer or reader-writer lock
// held briefly").
type DAG struct {
	mu sync.RWMutex

	K uint32

	nodes   map[chain.Digest]*Node
	tips    map[chain.Digest]struct{}
	headers *lru.Cache // chain.Digest -> *chain.BlockHeader, bounded cache serving HeaderOf

	genesisHash chain.Digest

	selectedChain []chain.Digest // oldest (genesis) -> newest (virtual selected parent)
	selectedSet   map[chain.Digest]bool
}

// New constructs a DAG rooted at genesis. genesis must have no parents.
func New(genesis *chain.Block, k uint32, digest func([]byte) chain.Digest) (*DAG, error) {
	if len(genesis.Header.Parents) != 0 {
		return nil, fmt.Errorf("dag: genesis must have no parents")
	}
	h := genesis.Hash()
	cache, _ := lru.New(4096)
	d := &DAG{
		K:             k,
		nodes:         make(map[chain.Digest]*Node),
		tips:          map[chain.Digest]struct{}{h: {}},
		headers:       cache,
		genesisHash:   h,
		selectedChain: []chain.Digest{h},
		selectedSet:   map[chain.Digest]bool{h: true},
	}
	node := &Node{
		Block:              genesis,
		Hash:               h,
		IsGenesis:          true,
		BluesAnticoneSizes: map[chain.Digest]uint32{},
		BlueScore:          0,
	}
	d.nodes[h] = node
	d.headers.Add(h, &genesis.Header)
	return d, nil
}

// GenesisHash returns the DAG's genesis block hash.
func (d *DAG) GenesisHash() chain.Digest { return d.genesisHash }

// HasBlock reports whether hash is already admitted.
func (d *DAG) HasBlock(hash chain.Digest) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.nodes[hash]
	return ok
}

// HeaderOf returns the header of an admitted block, serving hot lookups out
// of a bounded LRU cache before falling back to the full node index.
func (d *DAG) HeaderOf(hash chain.Digest) (*chain.BlockHeader, bool) {
	if v, ok := d.headers.Get(hash); ok {
		return v.(*chain.BlockHeader), true
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	n, ok := d.nodes[hash]
	if !ok {
		return nil, false
	}
	d.headers.Add(hash, &n.Block.Header)
	return &n.Block.Header, true
}

// BlockOf returns the full admitted block.
func (d *DAG) BlockOf(hash chain.Digest) (*chain.Block, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n, ok := d.nodes[hash]
	if !ok {
		return nil, false
	}
	return n.Block, true
}

// SelectedTip returns the current virtual selected parent.
func (d *DAG) SelectedTip() chain.Digest {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.selectedTipLocked()
}

func (d *DAG) selectedTipLocked() chain.Digest {
	return d.selectedChain[len(d.selectedChain)-1]
}

// SelectedChain returns the selected chain, oldest (genesis) first.
func (d *DAG) SelectedChain() []chain.Digest {
	d.mu.RLock()
	defer d.mu.RUnlock()
	cp := make([]chain.Digest, len(d.selectedChain))
	copy(cp, d.selectedChain)
	return cp
}

// RecentSelectedTimestamps returns up to window timestamps of the selected
// chain ending at the bluest of parents' ancestry, most-recent-first — used
// by the validator's timestamp-monotonicity check.
func (d *DAG) RecentSelectedTimestamps(parents []chain.Digest, window int) []uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var start *Node
	for _, p := range parents {
		if n, ok := d.nodes[p]; ok && (start == nil || d.blueThan(p, start.Hash)) {
			start = n
		}
	}
	out := make([]uint64, 0, window)
	for cur := start; cur != nil && len(out) < window; cur = d.nodes[cur.SelectedParent] {
		out = append(out, cur.Block.Header.Timestamp)
		if cur.IsGenesis {
			break
		}
	}
	return out
}

// Tips returns the current DAG tips.
func (d *DAG) Tips() []chain.Digest {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]chain.Digest, 0, len(d.tips))
	for t := range d.tips {
		out = append(out, t)
	}
	return out
}

// Insert admits a structurally/PoW-validated block into the DAG, computes
// its blue set and score, updates tips and the selected chain, and reports
// the reorg the applier must perform. The caller must have already run
// Validator.ValidateBlock; Insert itself only guards DuplicateBlock,
// UnknownParent, and the block-number invariant defensively. Insert is the
// DAG's single writer (the applier); it holds mu for writing across the
// whole computation so a concurrent miner-side Tips/HeaderOf/SelectedTip
// read never observes a partially updated index (spec.md §5).
func (d *DAG) Insert(b *chain.Block) (*InsertResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	hash := b.Hash()
	if _, exists := d.nodes[hash]; exists {
		return nil, errs.New(errs.DuplicateBlock, "dag: block already admitted")
	}
	var maxParentNumber uint64
	for _, p := range b.Header.Parents {
		pn, ok := d.nodes[p]
		if !ok {
			return nil, errs.New(errs.UnknownParent, "dag: unknown parent")
		}
		if pn.Block.Header.BlockNumber > maxParentNumber {
			maxParentNumber = pn.Block.Header.BlockNumber
		}
	}
	if b.Header.BlockNumber != maxParentNumber+1 {
		return nil, errs.New(errs.ApplierInvariantViolated, "dag: block_number does not equal 1+max(parents.block_number)")
	}

	node := &Node{Block: b, Hash: hash, Parents: append([]chain.Digest(nil), b.Header.Parents...)}
	if err := d.computeGhostdag(node); err != nil {
		return nil, errs.Wrap(errs.ApplierInvariantViolated, err, "dag: ghostdag computation failed")
	}
	d.nodes[hash] = node
	d.headers.Add(hash, &b.Header)

	for _, p := range node.Parents {
		delete(d.tips, p)
	}
	d.tips[hash] = struct{}{}

	newTip := d.selectBestTip()
	if newTip == d.selectedTipLocked() {
		// Selection unchanged: the new block is red iff it isn't the tip
		// that was already selected (it can't be, since it's brand new).
		return &InsertResult{NewlyRed: []*chain.Block{b}}, nil
	}

	return d.reorgTo(newTip, b), nil
}

// selectBestTip returns the tip with maximum blue score, tie-broken by
// smaller hash (spec.md §4.7's virtual_selected_parent definition).
func (d *DAG) selectBestTip() chain.Digest {
	var best chain.Digest
	first := true
	for t := range d.tips {
		if first {
			best = t
			first = false
			continue
		}
		if d.betterTip(t, best) {
			best = t
		}
	}
	return best
}

func (d *DAG) betterTip(a, b chain.Digest) bool {
	na, nb := d.nodes[a], d.nodes[b]
	if na.BlueScore != nb.BlueScore {
		return na.BlueScore > nb.BlueScore
	}
	return a.Less(b)
}

// reorgTo recomputes the selected chain to end at newTip, uncommitting any
// blocks that leave it and returning them (tip-to-fork order) alongside the
// newly committed segment (fork-to-tip order). newlyInserted is reported as
// NewlyRed only if it did not join the new selected chain (it always does
// here, since reorgTo is only called when the best tip changed to a tip
// whose ancestry necessarily includes every block just inserted on its own
// chain — but a sibling tip elsewhere could have won the comparison, so the
// check is kept explicit).
func (d *DAG) reorgTo(newTip chain.Digest, newlyInserted *chain.Block) *InsertResult {
	var newPath []chain.Digest
	cur := newTip
	for {
		newPath = append(newPath, cur)
		if d.selectedSet[cur] {
			break
		}
		n := d.nodes[cur]
		if n.IsGenesis {
			break
		}
		cur = n.SelectedParent
	}
	for i, j := 0, len(newPath)-1; i < j; i, j = i+1, j-1 {
		newPath[i], newPath[j] = newPath[j], newPath[i]
	}
	forkPoint := newPath[0]
	newSegment := newPath[1:]

	forkIdx := -1
	for i, h := range d.selectedChain {
		if h == forkPoint {
			forkIdx = i
			break
		}
	}
	if forkIdx == -1 {
		// Should not happen: forkPoint is always reached by walking the old
		// selected chain's own ancestry, since every chain terminates at
		// genesis, which is always selected.
		forkIdx = 0
	}

	var uncommitted []*chain.Block
	for i := len(d.selectedChain) - 1; i > forkIdx; i-- {
		h := d.selectedChain[i]
		d.selectedSet[h] = false
		uncommitted = append(uncommitted, d.nodes[h].Block)
	}
	d.selectedChain = d.selectedChain[:forkIdx+1]

	var committed []*chain.Block
	for _, h := range newSegment {
		d.selectedSet[h] = true
		d.selectedChain = append(d.selectedChain, h)
		committed = append(committed, d.nodes[h].Block)
	}

	if len(uncommitted) > 0 {
		logger.Info("reorg", "fork_point", forkPoint, "uncommitted", len(uncommitted), "committed", len(committed))
	}

	res := &InsertResult{Uncommitted: uncommitted, Committed: committed}
	joinedChain := false
	for _, h := range committed {
		if h.Hash() == newlyInserted.Hash() {
			joinedChain = true
			break
		}
	}
	if !joinedChain {
		res.NewlyRed = append(res.NewlyRed, newlyInserted)
	}
	return res
}

// --- GHOSTDAG blue-set computation, ported from daglabs-btcd/blockdag/ghostdag.go ---

func (d *DAG) computeGhostdag(newNode *Node) error {
	if len(newNode.Parents) == 0 {
		return fmt.Errorf("dag: non-genesis block has no parents")
	}
	seen := make(map[chain.Digest]struct{}, len(newNode.Parents))
	for _, p := range newNode.Parents {
		if _, dup := seen[p]; dup {
			// Equal blue score and equal hash: no tie-break can order the pair.
			return fmt.Errorf("dag: parent %s listed twice", p)
		}
		seen[p] = struct{}{}
	}
	selectedParent := newNode.Parents[0]
	for _, p := range newNode.Parents[1:] {
		if d.blueThan(p, selectedParent) {
			selectedParent = p
		}
	}
	newNode.SelectedParent = selectedParent
	newNode.BluesAnticoneSizes = map[chain.Digest]uint32{selectedParent: 0}
	newNode.Blues = []chain.Digest{selectedParent}

	anticone, err := d.selectedParentAnticone(newNode)
	if err != nil {
		return err
	}

	for _, blueCandidate := range anticone {
		candidateBluesAnticoneSizes := map[chain.Digest]uint32{}
		var candidateAnticoneSize uint32
		possiblyBlue := true

		chainHash := newNode.Hash
		chainBlues := newNode.Blues
		chainIsGenesis := false
		for possiblyBlue {
			if chainHash != newNode.Hash {
				isAnc, err := d.isAncestorOf(chainHash, blueCandidate)
				if err != nil {
					return err
				}
				if isAnc {
					break
				}
			}
			for _, blueBlock := range chainBlues {
				if blueBlock != chainHash {
					isAnc, err := d.isAncestorOf(blueBlock, blueCandidate)
					if err != nil {
						return err
					}
					if isAnc {
						continue
					}
				}
				sz, err := d.blueAnticoneSizeOf(blueBlock, newNode)
				if err != nil {
					return err
				}
				candidateBluesAnticoneSizes[blueBlock] = sz
				candidateAnticoneSize++
				if candidateAnticoneSize > d.K || sz == d.K {
					possiblyBlue = false
					break
				}
				if sz > d.K {
					return fmt.Errorf("dag: found blue anticone size larger than k")
				}
			}
			if !possiblyBlue || chainIsGenesis {
				break
			}
			var next chain.Digest
			if chainHash == newNode.Hash {
				next = newNode.SelectedParent
			} else {
				n, ok := d.nodes[chainHash]
				if !ok || n.IsGenesis {
					break
				}
				next = n.SelectedParent
			}
			n2, ok := d.nodes[next]
			if !ok {
				break
			}
			chainHash = next
			chainBlues = n2.Blues
			chainIsGenesis = n2.IsGenesis
		}

		if possiblyBlue {
			newNode.Blues = append(newNode.Blues, blueCandidate)
			newNode.BluesAnticoneSizes[blueCandidate] = candidateAnticoneSize
			for b, sz := range candidateBluesAnticoneSizes {
				newNode.BluesAnticoneSizes[b] = sz + 1
			}
			if uint32(len(newNode.Blues)) == d.K+1 {
				break
			}
		}
	}

	spNode := d.nodes[selectedParent]
	// daglabs-btcd's own formula: selected_parent.blue_score + len(blues),
	// where blues = [selected_parent, admitted merge-set candidates...]. The
	// block itself is not a member of blues but still contributes +1 to its
	// own score via the selected parent slot, so a pure single-parent chain
	// still advances the score by one per block.
	newNode.BlueScore = spNode.BlueScore + uint64(len(newNode.Blues))
	return nil
}

// blueThan reports whether a has a strictly greater blue score than b, or
// equal score and a smaller hash (the tie-break spec.md §4.7 requires).
func (d *DAG) blueThan(a, b chain.Digest) bool {
	na, nb := d.nodes[a], d.nodes[b]
	if na.BlueScore != nb.BlueScore {
		return na.BlueScore > nb.BlueScore
	}
	if a == b {
		return false
	}
	return a.Less(b)
}

// selectedParentAnticone returns newNode's ancestors (reachable through all
// parents) that are not in the past of its selected parent, ordered
// bluest-first — the admission-candidate order ghostdag.go processes.
func (d *DAG) selectedParentAnticone(newNode *Node) ([]chain.Digest, error) {
	anticoneSet := map[chain.Digest]struct{}{}
	past := map[chain.Digest]struct{}{}
	var anticone []chain.Digest
	var queue []chain.Digest
	for _, p := range newNode.Parents {
		if p == newNode.SelectedParent {
			continue
		}
		anticoneSet[p] = struct{}{}
		anticone = append(anticone, p)
		queue = append(queue, p)
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		curNode, ok := d.nodes[cur]
		if !ok {
			continue
		}
		for _, p := range curNode.Parents {
			if _, ok := anticoneSet[p]; ok {
				continue
			}
			if _, ok := past[p]; ok {
				continue
			}
			isAnc, err := d.isAncestorOf(p, newNode.SelectedParent)
			if err != nil {
				return nil, err
			}
			if isAnc {
				past[p] = struct{}{}
				continue
			}
			anticoneSet[p] = struct{}{}
			anticone = append(anticone, p)
			queue = append(queue, p)
		}
	}
	sort.Slice(anticone, func(i, j int) bool {
		return d.blueThan(anticone[i], anticone[j])
	})
	return anticone, nil
}

// blueAnticoneSizeOf returns the blue anticone size of block from the
// worldview of context, which may be the in-progress newNode (whose
// BluesAnticoneSizes map is populated live) or any already-committed node.
func (d *DAG) blueAnticoneSizeOf(block chain.Digest, context *Node) (uint32, error) {
	for cur := context; ; {
		if sz, ok := cur.BluesAnticoneSizes[block]; ok {
			return sz, nil
		}
		if cur.IsGenesis {
			break
		}
		next, ok := d.nodes[cur.SelectedParent]
		if !ok {
			break
		}
		cur = next
	}
	return 0, fmt.Errorf("dag: block %s is not in blue-set ancestry", block)
}

// isAncestorOf reports whether candidate lies in the past of (is reachable
// by following Parents pointers backward from) of, inclusive of of itself.
func (d *DAG) isAncestorOf(candidate, of chain.Digest) (bool, error) {
	if candidate == of {
		return true, nil
	}
	visited := map[chain.Digest]struct{}{of: {}}
	queue := []chain.Digest{of}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		node, ok := d.nodes[cur]
		if !ok {
			return false, fmt.Errorf("dag: unknown node %s during ancestor walk", cur)
		}
		for _, p := range node.Parents {
			if p == candidate {
				return true, nil
			}
			if _, seen := visited[p]; seen {
				continue
			}
			visited[p] = struct{}{}
			queue = append(queue, p)
		}
	}
	return false, nil
}
