package realtime

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kobia22/lanesParkin-sub001/internal/changefeed"
)

type source struct {
	mu    sync.Mutex
	items map[string][]string
	err   error
	block bool
	calls int
}

func newSource() *source {
	return &source{items: map[string][]string{}}
}

func (s *source) set(key string, items ...string) {
	s.mu.Lock()
	s.items[key] = items
	s.mu.Unlock()
}

func (s *source) fetch(ctx context.Context, key string) ([]string, error) {
	s.mu.Lock()
	s.calls++
	block, err := s.block, s.err
	items := append([]string(nil), s.items[key]...)
	s.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *source) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type brokenFeed struct{}

func (brokenFeed) Watch(context.Context, ...changefeed.Collection) (<-chan changefeed.Change, func(), error) {
	return nil, nil, errors.New("change streams disabled")
}

func newTestRegistry(feed changefeed.Subscriber, src *source, timeout time.Duration) *Registry[string, string] {
	logger := zerolog.New(io.Discard)
	return NewRegistry(feed, Query[string, string]{
		Name:        "test",
		Collections: []changefeed.Collection{changefeed.Spaces},
		Fetch:       src.fetch,
		Match: func(key string, c changefeed.Change) bool {
			return c.LotID == key
		},
	}, timeout, &logger)
}

type recorder struct {
	ch chan []string
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan []string, 16)}
}

func (r *recorder) cb(items []string) {
	r.ch <- items
}

func (r *recorder) next(t *testing.T) []string {
	t.Helper()
	select {
	case items := <-r.ch:
		return items
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
		return nil
	}
}

func (r *recorder) none(t *testing.T) {
	t.Helper()
	select {
	case items := <-r.ch:
		t.Fatalf("unexpected delivery: %v", items)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOneWatchPerKey(t *testing.T) {
	broker := changefeed.NewBroker()
	defer broker.Close()
	src := newSource()
	r := newTestRegistry(broker, src, time.Second)
	ctx := context.Background()

	a1, err := r.Subscribe(ctx, "lot-a", func([]string) {})
	require.NoError(t, err)
	a2, err := r.Subscribe(ctx, "lot-a", func([]string) {})
	require.NoError(t, err)
	b1, err := r.Subscribe(ctx, "lot-b", func([]string) {})
	require.NoError(t, err)

	assert.Equal(t, 2, broker.Watchers())
	assert.Equal(t, 2, r.ActiveListeners())

	a1()
	a1()
	assert.Equal(t, 2, r.ActiveListeners(), "second unsubscribe of the same callback is a no-op")

	a2()
	assert.Equal(t, 1, r.ActiveListeners())
	b1()
	assert.Equal(t, 0, r.ActiveListeners())
	assert.Equal(t, 0, broker.Watchers())
}

func TestRepeatedCyclesDoNotLeakWatches(t *testing.T) {
	broker := changefeed.NewBroker()
	defer broker.Close()
	r := newTestRegistry(broker, newSource(), time.Second)

	for i := 0; i < 50; i++ {
		unsub, err := r.Subscribe(context.Background(), "lot-a", func([]string) {})
		require.NoError(t, err)
		unsub()
	}
	assert.Equal(t, 0, broker.Watchers())
	assert.Equal(t, 0, r.ActiveListeners())
}

func TestDeliversFullResultOnJoinAndOnChange(t *testing.T) {
	broker := changefeed.NewBroker()
	defer broker.Close()
	src := newSource()
	src.set("lot-a", "s1")
	r := newTestRegistry(broker, src, time.Second)
	ctx := context.Background()

	first := newRecorder()
	unsub1, err := r.Subscribe(ctx, "lot-a", first.cb)
	require.NoError(t, err)
	defer unsub1()
	assert.Equal(t, []string{"s1"}, first.next(t))

	second := newRecorder()
	unsub2, err := r.Subscribe(ctx, "lot-a", second.cb)
	require.NoError(t, err)
	defer unsub2()
	assert.Equal(t, []string{"s1"}, second.next(t), "late joiner gets the current snapshot")

	src.set("lot-a", "s1", "s2")
	require.NoError(t, broker.Publish(ctx, changefeed.Change{Collection: changefeed.Spaces, ID: "s2", LotID: "lot-a"}))
	assert.Equal(t, []string{"s1", "s2"}, first.next(t))
	assert.Equal(t, []string{"s1", "s2"}, second.next(t))

	// A change that leaves the result as it was is not delivered.
	require.NoError(t, broker.Publish(ctx, changefeed.Change{Collection: changefeed.Spaces, ID: "s2", LotID: "lot-a"}))
	first.none(t)
}

func TestChangesForOtherKeysAreIgnored(t *testing.T) {
	broker := changefeed.NewBroker()
	defer broker.Close()
	src := newSource()
	r := newTestRegistry(broker, src, time.Second)

	rec := newRecorder()
	unsub, err := r.Subscribe(context.Background(), "lot-a", rec.cb)
	require.NoError(t, err)
	defer unsub()
	rec.next(t)
	calls := src.callCount()

	src.set("lot-a", "changed")
	require.NoError(t, broker.Publish(context.Background(), changefeed.Change{Collection: changefeed.Spaces, LotID: "lot-b"}))
	rec.none(t)
	assert.Equal(t, calls, src.callCount(), "no refetch for an unrelated lot")
}

func TestInitialFetchFailureIsUnavailable(t *testing.T) {
	broker := changefeed.NewBroker()
	defer broker.Close()
	src := newSource()
	src.err = errors.New("index missing")
	r := newTestRegistry(broker, src, time.Second)

	_, err := r.Subscribe(context.Background(), "lot-a", func([]string) { t.Fatal("called") })
	assert.ErrorIs(t, err, ErrSubscriptionUnavailable)
	assert.Equal(t, 0, broker.Watchers(), "failed setup must close its watch")
	assert.Equal(t, 0, r.ActiveListeners())
}

func TestSlowInitialFetchIsUnavailable(t *testing.T) {
	broker := changefeed.NewBroker()
	defer broker.Close()
	src := newSource()
	src.block = true
	r := newTestRegistry(broker, src, 20*time.Millisecond)

	_, err := r.Subscribe(context.Background(), "lot-a", func([]string) {})
	assert.ErrorIs(t, err, ErrSubscriptionUnavailable)
	assert.Equal(t, 0, broker.Watchers())
}

func TestWatchFailureIsUnavailable(t *testing.T) {
	r := newTestRegistry(brokenFeed{}, newSource(), time.Second)

	_, err := r.Subscribe(context.Background(), "lot-a", func([]string) {})
	assert.ErrorIs(t, err, ErrSubscriptionUnavailable)
	assert.Equal(t, 0, r.ActiveListeners())
}

func TestEmptyResultIsNotAnError(t *testing.T) {
	broker := changefeed.NewBroker()
	defer broker.Close()
	r := newTestRegistry(broker, newSource(), time.Second)

	rec := newRecorder()
	unsub, err := r.Subscribe(context.Background(), "lot-a", rec.cb)
	require.NoError(t, err)
	defer unsub()
	assert.Empty(t, rec.next(t))
}

func TestCallbackMayUnsubscribeItself(t *testing.T) {
	broker := changefeed.NewBroker()
	defer broker.Close()
	src := newSource()
	r := newTestRegistry(broker, src, time.Second)

	var unsub Unsubscribe
	done := make(chan struct{})
	var calls int
	unsub, err := r.Subscribe(context.Background(), "lot-a", func([]string) {
		calls++
		if calls == 2 {
			unsub()
			close(done)
		}
	})
	require.NoError(t, err)

	src.set("lot-a", "s1")
	require.NoError(t, broker.Publish(context.Background(), changefeed.Change{Collection: changefeed.Spaces, LotID: "lot-a"}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("callback never ran")
	}
	assert.Equal(t, 0, broker.Watchers())
}

func TestCloseRefusesSubscriptions(t *testing.T) {
	broker := changefeed.NewBroker()
	defer broker.Close()
	r := newTestRegistry(broker, newSource(), time.Second)

	unsub, err := r.Subscribe(context.Background(), "lot-a", func([]string) {})
	require.NoError(t, err)
	r.Close()
	assert.Equal(t, 0, broker.Watchers())
	unsub()

	_, err = r.Subscribe(context.Background(), "lot-a", func([]string) {})
	assert.ErrorIs(t, err, ErrClosed)
}

// droppingFeed is a broker whose watches can be cut without cancelling them.
type droppingFeed struct {
	*changefeed.Broker
	mu      sync.Mutex
	stops   []func()
	watches int
}

func (f *droppingFeed) Watch(ctx context.Context, cs ...changefeed.Collection) (<-chan changefeed.Change, func(), error) {
	ch, stop, err := f.Broker.Watch(ctx, cs...)
	if err == nil {
		f.mu.Lock()
		f.stops = append(f.stops, stop)
		f.watches++
		f.mu.Unlock()
	}
	return ch, stop, err
}

func (f *droppingFeed) drop() {
	f.mu.Lock()
	stops := f.stops
	f.stops = nil
	f.mu.Unlock()
	for _, stop := range stops {
		stop()
	}
}

func (f *droppingFeed) watchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.watches
}

func TestDroppedWatchIsReopened(t *testing.T) {
	feed := &droppingFeed{Broker: changefeed.NewBroker()}
	defer feed.Close()
	src := newSource()
	src.set("lot-a", "s1")
	r := newTestRegistry(feed, src, time.Second)

	rec := newRecorder()
	unsub, err := r.Subscribe(context.Background(), "lot-a", rec.cb)
	require.NoError(t, err)
	defer unsub()
	assert.Equal(t, []string{"s1"}, rec.next(t))

	// Written while the watch is down: caught by the refetch after reopening.
	src.set("lot-a", "s1", "s2")
	feed.drop()
	assert.Equal(t, []string{"s1", "s2"}, rec.next(t))
	assert.Equal(t, 2, feed.watchCount())
	assert.Equal(t, 1, r.ActiveListeners())

	src.set("lot-a", "s2")
	require.NoError(t, feed.Publish(context.Background(), changefeed.Change{Collection: changefeed.Spaces, LotID: "lot-a"}))
	assert.Equal(t, []string{"s2"}, rec.next(t))

	unsub()
	assert.Eventually(t, func() bool { return feed.Watchers() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, r.ActiveListeners())
}

func TestClosedFeedDropsEntry(t *testing.T) {
	feed := &droppingFeed{Broker: changefeed.NewBroker()}
	src := newSource()
	r := newTestRegistry(feed, src, time.Second)

	unsub, err := r.Subscribe(context.Background(), "lot-a", func([]string) {})
	require.NoError(t, err)
	defer unsub()

	feed.Close()
	assert.Eventually(t, func() bool { return r.ActiveListeners() == 0 }, time.Second, 5*time.Millisecond)
	_, err = r.Subscribe(context.Background(), "lot-a", func([]string) {})
	assert.ErrorIs(t, err, ErrSubscriptionUnavailable)
}

func TestSubscribeOrPoll(t *testing.T) {
	t.Run("streams when the feed works", func(t *testing.T) {
		broker := changefeed.NewBroker()
		defer broker.Close()
		r := newTestRegistry(broker, newSource(), time.Second)

		unsub, mode, err := SubscribeOrPoll[string, string](context.Background(), r, "lot-a", time.Hour, func([]string) {})
		require.NoError(t, err)
		defer unsub()
		assert.Equal(t, ModeStream, mode)
	})

	t.Run("polls when the feed is down", func(t *testing.T) {
		src := newSource()
		src.set("lot-a", "s1")
		r := newTestRegistry(brokenFeed{}, src, time.Second)

		rec := newRecorder()
		unsub, mode, err := SubscribeOrPoll[string, string](context.Background(), r, "lot-a", 10*time.Millisecond, rec.cb)
		require.NoError(t, err)
		assert.Equal(t, ModePoll, mode)
		assert.Equal(t, []string{"s1"}, rec.next(t))

		rec.none(t)
		src.set("lot-a", "s1", "s2")
		assert.Equal(t, []string{"s1", "s2"}, rec.next(t))

		unsub()
		unsub()
		time.Sleep(30 * time.Millisecond)
		src.set("lot-a")
		rec.none(t)
	})

	t.Run("query failure is returned", func(t *testing.T) {
		src := newSource()
		src.err = errors.New("store down")
		r := newTestRegistry(brokenFeed{}, src, time.Second)

		_, _, err := SubscribeOrPoll[string, string](context.Background(), r, "lot-a", time.Millisecond, func([]string) {})
		assert.Error(t, err)
	})
}
