// Package chainstate defines the ChainstateService capability the sync
// core consumes and ships an in-memory adapter good enough to drive it in
// tests. Block validation rules, reorg logic and storage format are
// explicitly out of scope; this package only implements what header-first
// sync needs from a chainstate: locator construction, header/block
// lookup, preliminary checks and a new-tip event feed.
package chainstate

import (
	"context"
	"errors"

	"github.com/meridian-labs/meridian-node/banscore"
	"github.com/meridian-labs/meridian-node/common"
	"github.com/meridian-labs/meridian-node/core/types"
)

// ProcessSource distinguishes a block that arrived from the network from
// one produced locally, by the block production subsystem (out of scope
// here).
type ProcessSource int

const (
	SourcePeer ProcessSource = iota
	SourceLocal
)

func (s ProcessSource) String() string {
	if s == SourceLocal {
		return "local"
	}
	return "peer"
}

// BlockIndex is the minimal lookup record chainstate hands back: enough to
// place a block in the chain without exposing storage internals.
type BlockIndex struct {
	Id     common.BlockId
	Height common.Height
}

// NewTipEvent is delivered to every subscriber when chainstate accepts a
// new best block.
type NewTipEvent struct {
	BlockId common.BlockId
	Height  common.Height
}

// Service is the capability interface SyncManager and PeerSession program
// against. Every call is expected to be safe for concurrent use from
// multiple PeerSessions; implementations serialize internally.
type Service interface {
	GetLocator(ctx context.Context) (types.Locator, error)
	GetHeaders(ctx context.Context, locator types.Locator, limit uint32) ([]types.BlockHeader, error)
	GetBlockIndex(ctx context.Context, id common.BlockId) (BlockIndex, bool, error)
	GetGenBlockIndex(ctx context.Context, id common.BlockId) (BlockIndex, bool, error)
	GetBlock(ctx context.Context, id common.BlockId) (types.Block, bool, error)
	GetBlockHeightInMainChain(ctx context.Context, id common.BlockId) (common.Height, bool, error)
	FilterAlreadyExistingBlocks(ctx context.Context, headers []types.BlockHeader) ([]types.BlockHeader, error)
	PreliminaryHeaderCheck(ctx context.Context, header types.BlockHeader) error
	PreliminaryBlockCheck(ctx context.Context, block types.Block) (types.Block, error)
	ProcessBlock(ctx context.Context, block types.Block, source ProcessSource) (BlockIndex, error)
	IsInitialBlockDownload() bool

	// SubscribeToEvents registers cb to be called on every accepted new
	// tip, and returns a function that cancels the subscription. Modeled
	// as a callback pushed into the caller's own channel: chainstate never
	// holds a reference back into the sync core's internal state.
	SubscribeToEvents(cb func(NewTipEvent)) (unsubscribe func())
}

// Sentinel errors. ErrBlockAlreadyExists is deliberately unscored: callers
// must treat it as Ok, not as peer misbehavior. Every other validation
// failure here is wrapped with a ban score via banscore.New at the point
// it's returned by MemChain so callers can recover it with
// banscore.ScoreOf.
var (
	ErrBlockAlreadyExists    = errors.New("chainstate: block already exists")
	ErrBlockNotFound         = errors.New("chainstate: block not found")
	ErrBlockTimeOrderInvalid = errors.New("chainstate: block timestamp not after parent")
	ErrPrevBlockUnknown      = errors.New("chainstate: previous block unknown")
	ErrCheckBlockFailed      = errors.New("chainstate: preliminary block check failed")
)

// Ban scores for chainstate-originated misbehavior. Values are illustrative
// of relative severity: bigger violation, bigger score.
const (
	BanScoreBlockTimeOrderInvalid = 20
	BanScoreCheckBlockFailed      = 100
	BanScorePrevBlockUnknown      = 0 // not a violation by itself, see PeerSession announcement handling
)

// scoredErr wraps a sentinel with its ban score; each call builds a fresh
// banscore.Scored value around the shared sentinel, so errors.Is against the
// sentinel still matches.
func scoredErr(base error, score uint32) error { return banscore.New(base, score) }
