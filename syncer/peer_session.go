// Package syncer implements the per-peer block-synchronization protocol
// state machine (PeerSession) and the manager that multiplexes it across
// every connected peer (SyncManager): header-locator exchange, pipelined
// block requests, announcement handling and ban-score feedback, with
// chainstate, mempool, transport and the peer manager consumed as
// capabilities rather than implemented here.
package syncer

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/meridian-labs/meridian-node/banscore"
	"github.com/meridian-labs/meridian-node/chainstate"
	"github.com/meridian-labs/meridian-node/clock"
	"github.com/meridian-labs/meridian-node/common"
	"github.com/meridian-labs/meridian-node/config"
	"github.com/meridian-labs/meridian-node/core/types"
	"github.com/meridian-labs/meridian-node/log"
	"github.com/meridian-labs/meridian-node/mempool"
	"github.com/meridian-labs/meridian-node/peermgr"
	"github.com/meridian-labs/meridian-node/syncer/message"
	"github.com/meridian-labs/meridian-node/transport"
)

// PeerSession drives the sync protocol against exactly one peer. All of
// its state is private to the session's own goroutine; nothing here is
// shared with any other PeerSession or with SyncManager except through the
// channels passed to NewPeerSession.
type PeerSession struct {
	id       common.PeerId
	version  transport.ProtocolVersion
	services transport.Services

	chain   chainstate.Service
	pool    mempool.Service
	channel transport.Channel
	scorer  peermgr.Sink
	clk     clock.TimeGetter
	cfg     config.P2PConfig
	log     log.Logger

	inbound     <-chan message.Message
	localEvents <-chan LocalEvent

	// Per-peer protocol state.
	knownHeaders    []types.BlockHeader
	requestedBlocks []common.BlockId
	requestedSet    map[common.BlockId]struct{}
	blocksToSend    []common.BlockId
	bestKnownHeight common.Height
	haveBestKnown   bool
}

// Params bundles everything NewPeerSession needs, mirroring the fields
// delivered on a transport.Connected event.
type Params struct {
	PeerId      common.PeerId
	Version     transport.ProtocolVersion
	Services    transport.Services
	Chain       chainstate.Service
	Pool        mempool.Service
	Channel     transport.Channel
	Scorer      peermgr.Sink
	Clock       clock.TimeGetter
	Config      config.P2PConfig
	Inbound     <-chan message.Message
	LocalEvents <-chan LocalEvent
}

// NewPeerSession constructs a session; it does not start it — call Run in
// its own goroutine.
func NewPeerSession(p Params) *PeerSession {
	return &PeerSession{
		id:           p.PeerId,
		version:      p.Version,
		services:     p.Services,
		chain:        p.Chain,
		pool:         p.Pool,
		channel:      p.Channel,
		scorer:       p.Scorer,
		clk:          p.Clock,
		cfg:          p.Config,
		log:          log.New("component", "peer-session", "peer", string(p.PeerId)),
		inbound:      p.Inbound,
		localEvents:  p.LocalEvents,
		requestedSet: make(map[common.BlockId]struct{}),
	}
}

// --- introspection, used by tests asserting P1-P3; none of these mutate
// state. ---

func (s *PeerSession) RequestedBlocksLen() int { return len(s.requestedBlocks) }
func (s *PeerSession) KnownHeadersLen() int    { return len(s.knownHeaders) }
func (s *PeerSession) BlocksToSendLen() int    { return len(s.blocksToSend) }
func (s *PeerSession) BestKnownHeight() (common.Height, bool) {
	return s.bestKnownHeight, s.haveBestKnown
}

// Run drives the session until ctx is cancelled, the peer disconnects, or
// a fatal error occurs. The returned error is nil only on ctx cancellation;
// any other return is the fatal cause SyncManager should log before
// unregistering the peer.
func (s *PeerSession) Run(ctx context.Context) error {
	if err := s.sendLocator(ctx); err != nil {
		return err
	}

	var stallCh <-chan time.Time
	for {
		var sendSlot chan struct{}
		if len(s.blocksToSend) > 0 {
			sendSlot = readySignal
		}

		select {
		case <-ctx.Done():
			return nil

		case msg, ok := <-s.inbound:
			if !ok {
				return ErrChannelClosed
			}
			if err := s.handleMessage(ctx, msg); err != nil {
				if isFatal(err) {
					return err
				}
				s.punish(err)
			}

		case ev, ok := <-s.localEvents:
			if !ok {
				return ErrChannelClosed
			}
			if err := s.handleLocalEvent(ctx, ev); err != nil {
				if isFatal(err) {
					return err
				}
				s.punish(err)
			}

		case <-sendSlot:
			if err := s.sendNextBlock(ctx); err != nil {
				if isFatal(err) {
					return err
				}
				s.punish(err)
			}

		case <-stallCh:
			s.log.Warn("sync stalling, requested blocks timed out", "requested", len(s.requestedBlocks))
			s.punish(ErrSyncStalling)
			return ErrSyncStalling
		}

		stallCh = s.armStallTimer()
	}
}

// readySignal is a pre-closed channel used to make the "blocksToSend
// non-empty" case of the select above fire immediately without blocking,
// while still competing fairly against the inbound/local-event cases in a
// cooperative three-way select.
var readySignal = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

func (s *PeerSession) armStallTimer() <-chan time.Time {
	if len(s.requestedBlocks) == 0 {
		return nil
	}
	return s.clk.After(s.cfg.SyncStallingTimeout)
}

func (s *PeerSession) punish(err error) {
	score := banscore.ScoreOf(err)
	if score == 0 {
		s.log.Debug("ignored peer error", "err", err)
		return
	}
	// Fire-and-forget: the ack is not awaited synchronously.
	s.scorer.AdjustPeerScore(s.id, score)
	s.log.Debug("scored peer misbehavior", "err", err, "score", score)
}

func isFatal(err error) bool {
	return stderrors.Is(err, ErrChannelClosed) || stderrors.Is(err, ErrSubsystemFailure)
}

func (s *PeerSession) sendLocator(ctx context.Context) error {
	locator, err := s.chain.GetLocator(ctx)
	if err != nil {
		return errors.Wrap(ErrSubsystemFailure, err.Error())
	}
	return s.send(ctx, message.HeaderListRequest{Locator: locator})
}

func (s *PeerSession) send(ctx context.Context, msg message.Message) error {
	if err := s.channel.Send(ctx, s.id, msg); err != nil {
		return errors.Wrap(ErrSubsystemFailure, err.Error())
	}
	return nil
}

// handleMessage dispatches one inbound protocol message.
func (s *PeerSession) handleMessage(ctx context.Context, msg message.Message) error {
	switch m := msg.(type) {
	case message.HeaderListRequest:
		return s.onHeaderListRequest(ctx, m)
	case message.BlockListRequest:
		return s.onBlockListRequest(ctx, m)
	case message.HeaderListResponse:
		return s.onHeaderListResponse(ctx, m)
	case message.BlockResponse:
		return s.onBlockResponse(ctx, m)
	case message.AnnounceBlock:
		return s.onAnnounceBlock(ctx, m)
	case message.AnnounceTx:
		return s.onAnnounceTx(ctx, m)
	default:
		return unexpectedMessage(fmt.Sprintf("unknown type %T", msg))
	}
}

func (s *PeerSession) onHeaderListRequest(ctx context.Context, m message.HeaderListRequest) error {
	if s.chain.IsInitialBlockDownload() {
		return nil // no reply, no penalty during IBD
	}
	if uint32(len(m.Locator)) > s.cfg.MsgMaxLocatorCount {
		return ErrLocatorSizeExceeded
	}
	headers, err := s.chain.GetHeaders(ctx, m.Locator, s.cfg.MsgHeaderCountLimit)
	if err != nil {
		return errors.Wrap(ErrSubsystemFailure, err.Error())
	}
	return s.send(ctx, message.HeaderListResponse{Headers: headers})
}

func (s *PeerSession) onBlockListRequest(ctx context.Context, m message.BlockListRequest) error {
	if s.chain.IsInitialBlockDownload() {
		return nil
	}
	if len(m.Ids) == 0 {
		return ErrZeroBlocksInRequest
	}
	if uint32(len(m.Ids)+len(s.blocksToSend)) > s.cfg.MaxRequestBlocksCount {
		return ErrBlocksRequestLimitExceeded
	}
	for _, id := range m.Ids {
		idx, ok, err := s.chain.GetBlockIndex(ctx, id)
		if err != nil {
			return errors.Wrap(ErrSubsystemFailure, err.Error())
		}
		if !ok {
			return ErrUnknownBlockRequested
		}
		if s.haveBestKnown && idx.Height <= s.bestKnownHeight {
			return ErrDuplicatedBlockRequest
		}
	}
	s.blocksToSend = append(s.blocksToSend, m.Ids...)
	return nil
}

func (s *PeerSession) onHeaderListResponse(ctx context.Context, m message.HeaderListResponse) error {
	if len(s.knownHeaders) != 0 {
		return unexpectedMessage("headers response")
	}
	if len(m.Headers) == 0 {
		return nil // empty response never penalized
	}
	if uint32(len(m.Headers)) > s.cfg.MsgHeaderCountLimit {
		return ErrHeadersLimitExceeded
	}
	for i := 0; i+1 < len(m.Headers); i++ {
		if m.Headers[i+1].PrevId != m.Headers[i].Id() {
			return ErrDisconnectedHeaders
		}
	}
	if _, ok, err := s.chain.GetBlockIndex(ctx, m.Headers[0].PrevId); err != nil {
		return errors.Wrap(ErrSubsystemFailure, err.Error())
	} else if !ok {
		return ErrDisconnectedHeaders
	}

	filtered, err := s.chain.FilterAlreadyExistingBlocks(ctx, m.Headers)
	if err != nil {
		return errors.Wrap(ErrSubsystemFailure, err.Error())
	}
	if len(filtered) == 0 {
		if uint32(len(m.Headers)) == s.cfg.MsgHeaderCountLimit {
			// Peer may have more beyond this full batch; ask again.
			return s.sendLocator(ctx)
		}
		return nil // done: peer has nothing new
	}

	if err := s.chain.PreliminaryHeaderCheck(ctx, filtered[0]); err != nil {
		return err
	}
	return s.requestBlocks(ctx, filtered)
}

func (s *PeerSession) onBlockResponse(ctx context.Context, m message.BlockResponse) error {
	id := m.Block.Id()
	if _, ok := s.requestedSet[id]; !ok {
		return unexpectedMessage("block response")
	}
	s.removeRequested(id)

	checked, err := s.chain.PreliminaryBlockCheck(ctx, m.Block)
	if err != nil {
		return err
	}
	if _, err := s.chain.ProcessBlock(ctx, checked, chainstate.SourcePeer); err != nil {
		if stderrors.Is(err, chainstate.ErrBlockAlreadyExists) {
			// treated as Ok, no duplicate request.
		} else if _, scored := err.(banscore.Scored); scored {
			return err
		} else {
			return errors.Wrap(ErrSubsystemFailure, err.Error())
		}
	}

	if len(s.requestedBlocks) == 0 {
		if len(s.knownHeaders) > 0 {
			drain := s.knownHeaders
			s.knownHeaders = nil
			return s.requestBlocks(ctx, drain)
		}
		return s.sendLocator(ctx)
	}
	return nil
}

func (s *PeerSession) onAnnounceBlock(ctx context.Context, m message.AnnounceBlock) error {
	if len(s.requestedBlocks) > 0 {
		return nil // will arrive via the in-flight sync
	}
	id := m.Header.Id()
	if _, ok, err := s.chain.GetBlockIndex(ctx, id); err != nil {
		return errors.Wrap(ErrSubsystemFailure, err.Error())
	} else if ok {
		return nil // already known
	}
	if _, ok, err := s.chain.GetBlockIndex(ctx, m.Header.PrevId); err != nil {
		return errors.Wrap(ErrSubsystemFailure, err.Error())
	} else if !ok {
		return s.sendLocator(ctx) // possible new fork
	}
	if err := s.chain.PreliminaryHeaderCheck(ctx, m.Header); err != nil {
		return err
	}
	return s.requestBlocks(ctx, []types.BlockHeader{m.Header})
}

func (s *PeerSession) onAnnounceTx(ctx context.Context, m message.AnnounceTx) error {
	if !s.services.Has(transport.ServiceTransactionRelay) {
		return banscore.New(stderrors.New("syncer: transaction announcement outside negotiated relay set"), mempool.BanScoreUnsolicitedAnnounce)
	}
	// No further action: mempool's event subscription takes
	// over from here, including any ban-score consequence of a failed
	// validation.
	_ = s.pool.AddTransaction(m.Tx, common.RemoteOrigin(s.id))
	return nil
}

// requestBlocks pipelines new headers into a block request. Precondition: s.knownHeaders is
// empty at entry (caller responsibility); a caller that breaks this
// invariant gets ErrSubsystemFailure rather than silently losing headers.
func (s *PeerSession) requestBlocks(ctx context.Context, headers []types.BlockHeader) error {
	if len(s.knownHeaders) != 0 {
		return errors.Wrap(ErrSubsystemFailure, "requestBlocks: known_headers not empty at entry")
	}

	fresh := make([]types.BlockHeader, 0, len(headers))
	for _, h := range headers {
		if _, dup := s.requestedSet[h.Id()]; dup {
			continue
		}
		fresh = append(fresh, h)
	}

	var toRequest []types.BlockHeader
	if uint32(len(fresh)) > s.cfg.MaxRequestBlocksCount {
		toRequest = fresh[:s.cfg.MaxRequestBlocksCount]
		s.knownHeaders = append(s.knownHeaders, fresh[s.cfg.MaxRequestBlocksCount:]...)
	} else {
		toRequest = fresh
	}
	if len(toRequest) == 0 {
		return nil
	}

	ids := make([]common.BlockId, len(toRequest))
	for i, h := range toRequest {
		ids[i] = h.Id()
	}
	if err := s.send(ctx, message.BlockListRequest{Ids: ids}); err != nil {
		return err
	}
	for _, id := range ids {
		s.requestedBlocks = append(s.requestedBlocks, id)
		s.requestedSet[id] = struct{}{}
	}
	return nil
}

func (s *PeerSession) removeRequested(id common.BlockId) {
	delete(s.requestedSet, id)
	for i, v := range s.requestedBlocks {
		if v == id {
			s.requestedBlocks = append(s.requestedBlocks[:i], s.requestedBlocks[i+1:]...)
			return
		}
	}
}

// handleLocalEvent reacts to a fanned-out ChainstateNewTip/MempoolNewTx event.
func (s *PeerSession) handleLocalEvent(ctx context.Context, ev LocalEvent) error {
	switch e := ev.(type) {
	case ChainstateNewTip:
		block, ok, err := s.chain.GetBlock(ctx, e.BlockId)
		if err != nil {
			return errors.Wrap(ErrSubsystemFailure, err.Error())
		}
		if !ok {
			return nil
		}
		return s.send(ctx, message.AnnounceBlock{Header: block.Header})

	case MempoolNewTx:
		if !s.services.Has(transport.ServiceTransactionRelay) {
			return nil
		}
		tx, found := s.pool.GetTransaction(e.TxId)
		if !found {
			return nil
		}
		return s.send(ctx, message.AnnounceTx{Tx: tx})

	default:
		return nil
	}
}

// sendNextBlock implements the outbound-scheduling half of the session loop.
func (s *PeerSession) sendNextBlock(ctx context.Context) error {
	if len(s.blocksToSend) == 0 {
		return nil
	}
	id := s.blocksToSend[0]
	s.blocksToSend = s.blocksToSend[1:]

	block, ok, err := s.chain.GetBlock(ctx, id)
	if err != nil {
		return errors.Wrap(ErrSubsystemFailure, err.Error())
	}
	if !ok {
		return nil // pruned or reorged out between request and send
	}
	idx, ok, err := s.chain.GetBlockIndex(ctx, id)
	if err != nil {
		return errors.Wrap(ErrSubsystemFailure, err.Error())
	}
	if err := s.send(ctx, message.BlockResponse{Block: block}); err != nil {
		return err
	}
	if ok && (!s.haveBestKnown || idx.Height > s.bestKnownHeight) {
		s.bestKnownHeight = idx.Height
		s.haveBestKnown = true
	}
	return nil
}
