// Package headsource subscribes to finalized block heads from the
// node, resolves each head to its full block body, and dispatches the
// resolved blocks round-robin to a pool of metadata workers.
package headsource

import (
	"context"
	"sync"

	"github.com/jakehemmerle/substrate-archive-go/internal/actor"
	"github.com/jakehemmerle/substrate-archive-go/internal/chain"
	"github.com/jakehemmerle/substrate-archive-go/internal/logging"
	"github.com/jakehemmerle/substrate-archive-go/internal/rpcclient"
)

// HeadSubscription is the subset of *rpcclient.Subscription this actor
// needs, factored out as an interface so tests can substitute a fake
// subscription without a live node connection.
type HeadSubscription interface {
	Heads() <-chan rpcclient.FinalizedHead
	Err() <-chan error
	Unsubscribe()
}

// Subscriber opens the finalized-head subscription.
type Subscriber interface {
	SubscribeFinalizedHeads(ctx context.Context) (HeadSubscription, error)
}

// RPCSubscriber adapts *rpcclient.Client to Subscriber: Go's interface
// satisfaction is structural but not covariant on return types, so
// *rpcclient.Client's SubscribeFinalizedHeads (which returns the
// concrete *rpcclient.Subscription) needs this one-line wrapper to
// widen its return to the HeadSubscription interface.
type RPCSubscriber struct {
	*rpcclient.Client
}

func (r RPCSubscriber) SubscribeFinalizedHeads(ctx context.Context) (HeadSubscription, error) {
	return r.Client.SubscribeFinalizedHeads(ctx)
}

// BlockResolver looks up a full block body by number.
type BlockResolver interface {
	Block(number uint32) (chain.Block, bool, error)
}

// MetadataSubmitter is the subset of metadataworker.Pool this actor
// dispatches resolved blocks to.
type MetadataSubmitter interface {
	Submit(ctx context.Context, b chain.Block)
}

// State is the head source's lifecycle state machine:
// connecting -> subscribed -> draining -> stopped.
type State int

const (
	StateConnecting State = iota
	StateSubscribed
	StateDraining
	StateStopped
)

// Source is the finalized-head subscription actor.
type Source struct {
	logger *logging.Logger

	rpc      Subscriber
	store    BlockResolver
	sched    *actor.RoundRobin[chain.Block]

	ctx       context.Context
	ctxCancel context.CancelFunc

	stateMu sync.RWMutex
	state   State

	wg     sync.WaitGroup
	quitCh chan struct{}
}

// New constructs a Finalized-Head Source that round-robins resolved
// blocks across dest (typically one or more metadataworker.Pool
// instances).
func New(rpc Subscriber, store BlockResolver, dest ...MetadataSubmitter) *Source {
	ctx, cancel := context.WithCancel(context.Background())
	fns := make([]func(chain.Block), len(dest))
	for i, d := range dest {
		d := d
		fns[i] = func(b chain.Block) { d.Submit(ctx, b) }
	}
	return &Source{
		logger:    logging.GetLogger("headsource"),
		rpc:       rpc,
		store:     store,
		sched:     actor.NewRoundRobin(fns),
		ctx:       ctx,
		ctxCancel: cancel,
		state:     StateConnecting,
		quitCh:    make(chan struct{}),
	}
}

// Name satisfies actor.Actor.
func (s *Source) Name() string { return "headsource" }

// Start opens the subscription and begins the resolve-and-dispatch
// loop.
func (s *Source) Start() error {
	sub, err := s.rpc.SubscribeFinalizedHeads(s.ctx)
	if err != nil {
		return err
	}
	s.setState(StateSubscribed)

	s.wg.Add(1)
	go s.run(sub)
	return nil
}

// Stop requests a graceful shutdown; the subscription is dropped
// (implicitly unsubscribing) once the in-flight head finishes.
func (s *Source) Stop() { s.ctxCancel() }

// Quit satisfies actor.Actor.
func (s *Source) Quit() <-chan struct{} { return s.quitCh }

func (s *Source) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

func (s *Source) setState(st State) {
	s.stateMu.Lock()
	s.state = st
	s.stateMu.Unlock()
}

func (s *Source) run(sub HeadSubscription) {
	defer s.wg.Done()
	defer close(s.quitCh)
	defer sub.Unsubscribe()

	for {
		// Non-blocking shutdown check: drop the subscription and
		// terminate cleanly.
		select {
		case <-s.ctx.Done():
			s.setState(StateDraining)
			s.setState(StateStopped)
			return
		default:
		}

		select {
		case <-s.ctx.Done():
			s.setState(StateDraining)
			s.setState(StateStopped)
			return
		case err := <-sub.Err():
			s.logger.Error("subscription error, stopping", "err", err)
			s.setState(StateStopped)
			return
		case head := <-sub.Heads():
			s.handleHead(head)
		}
	}
}

func (s *Source) handleHead(head rpcclient.FinalizedHead) {
	blk, ok, err := s.store.Block(uint32(head.Number))
	if err != nil {
		s.logger.Error("failed to resolve block body", "number", head.Number, "err", err)
		return
	}
	if !ok {
		// The block store may lag the node by microseconds. Non-fatal;
		// the next head arrival will overtake.
		s.logger.Warn("block does not exist yet, skipping", "number", head.Number)
		return
	}
	s.logger.Trace("resolved block", "block", blk)
	s.sched.Dispatch(blk)
}
