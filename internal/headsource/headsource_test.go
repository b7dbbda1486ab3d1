package headsource

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jakehemmerle/substrate-archive-go/internal/chain"
	"github.com/jakehemmerle/substrate-archive-go/internal/rpcclient"
)

// fakeSubscription is a HeadSubscription test double: no live node
// connection, just plain channels the test drives directly.
type fakeSubscription struct {
	heads       chan rpcclient.FinalizedHead
	errs        chan error
	unsubscribe chan struct{}
}

func newFakeSubscription() *fakeSubscription {
	return &fakeSubscription{
		heads:       make(chan rpcclient.FinalizedHead, 16),
		errs:        make(chan error, 1),
		unsubscribe: make(chan struct{}, 1),
	}
}

func (f *fakeSubscription) Heads() <-chan rpcclient.FinalizedHead { return f.heads }
func (f *fakeSubscription) Err() <-chan error                     { return f.errs }
func (f *fakeSubscription) Unsubscribe() {
	select {
	case f.unsubscribe <- struct{}{}:
	default:
	}
}

type subscriberFunc func(ctx context.Context) (HeadSubscription, error)

func (f subscriberFunc) SubscribeFinalizedHeads(ctx context.Context) (HeadSubscription, error) {
	return f(ctx)
}

func fixedSubscriber(sub *fakeSubscription) Subscriber {
	return subscriberFunc(func(context.Context) (HeadSubscription, error) { return sub, nil })
}

type fakeResolver struct {
	mu     sync.Mutex
	blocks map[uint32]chain.Block
}

func (f *fakeResolver) Block(number uint32) (chain.Block, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.blocks[number]
	return b, ok, nil
}

type fakeSubmitter struct {
	mu     sync.Mutex
	blocks []chain.Block
}

func (f *fakeSubmitter) Submit(_ context.Context, b chain.Block) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocks = append(f.blocks, b)
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.blocks)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

// TestMissingBlockIsSkippedNotFatal confirms a head whose body isn't in
// the local store yet is logged and skipped, not treated as an error.
func TestMissingBlockIsSkippedNotFatal(t *testing.T) {
	resolver := &fakeResolver{blocks: map[uint32]chain.Block{
		2: {Number: 2},
	}}
	submitter := &fakeSubmitter{}

	sub := newFakeSubscription()
	sub.heads <- rpcclient.FinalizedHead{Number: 1} // missing
	sub.heads <- rpcclient.FinalizedHead{Number: 2} // present

	src := New(fixedSubscriber(sub), resolver, submitter)
	require.NoError(t, src.Start())
	defer src.Stop()

	waitFor(t, func() bool { return submitter.count() == 1 })
	require.Equal(t, uint32(2), submitter.blocks[0].Number)
}

// TestStopDrainsPromptly confirms Stop() causes the actor to quit
// within a bounded time and that the subscription gets unsubscribed
// (dropped).
func TestStopDrainsPromptly(t *testing.T) {
	resolver := &fakeResolver{blocks: map[uint32]chain.Block{}}
	submitter := &fakeSubmitter{}
	sub := newFakeSubscription()

	src := New(fixedSubscriber(sub), resolver, submitter)
	require.NoError(t, src.Start())

	src.Stop()

	select {
	case <-src.Quit():
	case <-time.After(time.Second):
		t.Fatal("actor did not quit after Stop()")
	}
	require.Equal(t, StateStopped, src.State())

	select {
	case <-sub.unsubscribe:
	default:
		t.Fatal("subscription was not unsubscribed on shutdown")
	}
}

// TestSubscriptionErrorStopsActor confirms a terminal subscription
// error stops the actor so its supervisor can restart it.
func TestSubscriptionErrorStopsActor(t *testing.T) {
	resolver := &fakeResolver{}
	submitter := &fakeSubmitter{}
	sub := newFakeSubscription()

	src := New(fixedSubscriber(sub), resolver, submitter)
	require.NoError(t, src.Start())

	sub.errs <- errors.New("connection reset")

	select {
	case <-src.Quit():
	case <-time.After(time.Second):
		t.Fatal("actor did not stop after a subscription error")
	}
	require.Equal(t, StateStopped, src.State())
}

// errSubscribe is returned by a Subscriber that fails to open a
// subscription, exercising Start()'s error path.
var errSubscribe = errors.New("dial failed")

func TestStartPropagatesSubscribeError(t *testing.T) {
	resolver := &fakeResolver{}
	submitter := &fakeSubmitter{}
	src := New(subscriberFunc(func(context.Context) (HeadSubscription, error) {
		return nil, errSubscribe
	}), resolver, submitter)

	err := src.Start()
	require.ErrorIs(t, err, errSubscribe)
}
