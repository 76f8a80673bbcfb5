package chainstate

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	mapset "github.com/deckarep/golang-set"

	"github.com/meridian-labs/meridian-node/common"
	"github.com/meridian-labs/meridian-node/core/types"
	"github.com/meridian-labs/meridian-node/log"
)

const indexCacheSize = 8192

// MemChain is a single-branch, in-memory ChainstateService good enough to
// exercise every sync-core code path: it accepts only blocks that extend
// its current tip (no reorg logic — reorg is a full chainstate's concern),
// keeps every block body, and fans new-tip events out to subscribers. It
// is a same-process stand-in for a heavier external collaborator, used
// throughout this module's tests.
type MemChain struct {
	mu sync.RWMutex

	blocks []types.Block // ordered by height, blocks[0] is genesis
	index  *lru.Cache    // common.BlockId -> BlockIndex, bounded
	seen   mapset.Set    // every block id ever accepted or rejected-as-duplicate

	ibd bool

	subMu sync.Mutex
	subs  map[int]func(NewTipEvent)
	nextSub int

	log log.Logger
}

// NewMemChain returns a MemChain seeded with genesis as block 0.
func NewMemChain(genesis types.Block) *MemChain {
	idx, err := lru.New(indexCacheSize)
	if err != nil {
		panic(err) // only fails for a non-positive size, which indexCacheSize never is
	}
	c := &MemChain{
		blocks: []types.Block{genesis},
		index:  idx,
		seen:   mapset.NewSet(),
		subs:   make(map[int]func(NewTipEvent)),
		log:    log.New("component", "chainstate"),
	}
	id := genesis.Id()
	c.index.Add(id, BlockIndex{Id: id, Height: genesis.Header.Height})
	c.seen.Add(id)
	return c
}

// SetInitialBlockDownload toggles the IBD flag the sync core checks before
// serving header/block requests and before broadcasting new tips.
func (c *MemChain) SetInitialBlockDownload(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ibd = v
}

func (c *MemChain) IsInitialBlockDownload() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ibd
}

func (c *MemChain) tipLocked() types.Block {
	return c.blocks[len(c.blocks)-1]
}

// GetLocator builds a sparse backward list from the tip: tip, tip-1,
// tip-2, tip-4, ... down to genesis.
func (c *MemChain) GetLocator(ctx context.Context) (types.Locator, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var loc types.Locator
	step := 1
	i := len(c.blocks) - 1
	for i >= 0 {
		loc = append(loc, c.blocks[i].Id())
		if i == 0 {
			break
		}
		i -= step
		if len(loc) > 1 {
			step *= 2
		}
		if i < 0 {
			i = 0
		}
	}
	return loc, nil
}

// GetHeaders returns headers from the first locator entry found in the
// local chain, up to limit.
func (c *MemChain) GetHeaders(ctx context.Context, locator types.Locator, limit uint32) ([]types.BlockHeader, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	start := -1
	for _, id := range locator {
		if v, ok := c.index.Get(id); ok {
			start = int(v.(BlockIndex).Height)
			break
		}
	}
	if start < 0 {
		return nil, nil
	}
	var out []types.BlockHeader
	for i := start + 1; i < len(c.blocks) && uint32(len(out)) < limit; i++ {
		out = append(out, c.blocks[i].Header)
	}
	return out, nil
}

func (c *MemChain) GetBlockIndex(ctx context.Context, id common.BlockId) (BlockIndex, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.index.Get(id)
	if !ok {
		return BlockIndex{}, false, nil
	}
	return v.(BlockIndex), true, nil
}

// GetGenBlockIndex resolves a "generic" id (as opposed to a height-anchored
// one) to a block index. In this single-branch implementation it is
// identical to GetBlockIndex; the distinction matters only for chains that
// track multiple candidate branches, which this core does not implement.
func (c *MemChain) GetGenBlockIndex(ctx context.Context, id common.BlockId) (BlockIndex, bool, error) {
	return c.GetBlockIndex(ctx, id)
}

func (c *MemChain) GetBlock(ctx context.Context, id common.BlockId) (types.Block, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.index.Get(id)
	if !ok {
		return types.Block{}, false, nil
	}
	idx := v.(BlockIndex)
	if int(idx.Height) >= len(c.blocks) {
		return types.Block{}, false, nil
	}
	return c.blocks[idx.Height], true, nil
}

func (c *MemChain) GetBlockHeightInMainChain(ctx context.Context, id common.BlockId) (common.Height, bool, error) {
	v, ok, err := c.GetBlockIndex(ctx, id)
	if err != nil || !ok {
		return 0, false, err
	}
	return v.Height, true, nil
}

// FilterAlreadyExistingBlocks drops headers whose id chainstate has
// already seen.
func (c *MemChain) FilterAlreadyExistingBlocks(ctx context.Context, headers []types.BlockHeader) ([]types.BlockHeader, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]types.BlockHeader, 0, len(headers))
	for _, h := range headers {
		if c.seen.Contains(h.Id()) {
			continue
		}
		out = append(out, h)
	}
	return out, nil
}

// PreliminaryHeaderCheck verifies the header's parent is known to chainstate;
// cheap enough to run before committing to a block download.
func (c *MemChain) PreliminaryHeaderCheck(ctx context.Context, header types.BlockHeader) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.index.Get(header.PrevId); !ok {
		return scoredErr(ErrPrevBlockUnknown, BanScorePrevBlockUnknown)
	}
	return nil
}

// PreliminaryBlockCheck performs the one rule this in-memory stand-in
// enforces: a block's timestamp must be strictly after its parent's. Real
// preliminary checks (PoS slot/VRF verification, signature checks) belong
// to a full chainstate engine.
func (c *MemChain) PreliminaryBlockCheck(ctx context.Context, block types.Block) (types.Block, error) {
	c.mu.RLock()
	parentIdx, ok := c.index.Get(block.Header.PrevId)
	c.mu.RUnlock()
	if !ok {
		return types.Block{}, scoredErr(ErrPrevBlockUnknown, BanScorePrevBlockUnknown)
	}
	parent := c.blockAt(parentIdx.(BlockIndex).Height)
	if !block.Header.Timestamp.After(parent.Header.Timestamp) {
		return types.Block{}, scoredErr(ErrBlockTimeOrderInvalid, BanScoreBlockTimeOrderInvalid)
	}
	return block, nil
}

func (c *MemChain) blockAt(h common.Height) types.Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blocks[h]
}

// ProcessBlock appends block to the chain if it extends the current tip,
// firing a NewTipEvent to subscribers. A block already known returns
// ErrBlockAlreadyExists, which callers must treat as Ok, not as an error.
func (c *MemChain) ProcessBlock(ctx context.Context, block types.Block, source ProcessSource) (BlockIndex, error) {
	id := block.Id()

	c.mu.Lock()
	if c.seen.Contains(id) {
		c.mu.Unlock()
		return BlockIndex{}, ErrBlockAlreadyExists
	}
	tip := c.tipLocked()
	if block.Header.PrevId != tip.Id() {
		c.mu.Unlock()
		return BlockIndex{}, scoredErr(ErrPrevBlockUnknown, BanScorePrevBlockUnknown)
	}
	c.blocks = append(c.blocks, block)
	idx := BlockIndex{Id: id, Height: block.Header.Height}
	c.index.Add(id, idx)
	c.seen.Add(id)
	c.mu.Unlock()

	c.log.Debug("accepted new tip", "id", id, "height", idx.Height, "source", source)
	c.notify(NewTipEvent{BlockId: id, Height: idx.Height})
	return idx, nil
}

func (c *MemChain) notify(ev NewTipEvent) {
	c.subMu.Lock()
	cbs := make([]func(NewTipEvent), 0, len(c.subs))
	for _, cb := range c.subs {
		cbs = append(cbs, cb)
	}
	c.subMu.Unlock()
	for _, cb := range cbs {
		cb(ev)
	}
}

func (c *MemChain) SubscribeToEvents(cb func(NewTipEvent)) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = cb
	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		delete(c.subs, id)
	}
}

// CurrentTip returns the current best block, for test setup convenience.
func (c *MemChain) CurrentTip() types.Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tipLocked()
}

var _ Service = (*MemChain)(nil)
