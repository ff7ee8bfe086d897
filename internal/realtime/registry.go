// Package realtime multiplexes interest in live queries onto as few change-feed watches as
// possible. Each query key has at most one open watch, shared by all of its subscribers.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Kobia22/lanesParkin-sub001/internal/changefeed"
)

// ErrSubscriptionUnavailable means the live query could not be set up. It is not the same
// as an empty result; callers should fall back to polling.
var ErrSubscriptionUnavailable = errors.New("subscription unavailable")

// ErrClosed is returned by Subscribe after the registry has been closed.
var ErrClosed = errors.New("registry closed")

const DefaultQueryTimeout = 5 * time.Second

const (
	rewatchMinBackoff = 100 * time.Millisecond
	rewatchMaxBackoff = 5 * time.Second
)

// Unsubscribe removes one callback. Calling it more than once is a no-op.
type Unsubscribe func()

// Query describes one kind of live query.
type Query[K comparable, T any] struct {
	Name        string
	Collections []changefeed.Collection
	Fetch       func(ctx context.Context, key K) ([]T, error)
	// Match reports whether a change may affect the result for key. Nil matches everything.
	Match func(key K, c changefeed.Change) bool
}

// Registry is a reference-counted set of live queries of one kind.
type Registry[K comparable, T any] struct {
	query   Query[K, T]
	feed    changefeed.Subscriber
	timeout time.Duration
	onWatch func()
	log     zerolog.Logger

	mu        sync.Mutex
	entries   map[K]*entry[K, T]
	listeners int
	closed    bool
}

type entry[K comparable, T any] struct {
	key   K
	refs  int
	ready chan struct{}
	err   error

	ctx     context.Context
	cancel  context.CancelFunc
	watchMu sync.Mutex
	stop    func()
	once    sync.Once

	// deliverMu serialises deliveries for this key; subsMu only guards subs so that a
	// callback may unsubscribe itself.
	deliverMu sync.Mutex
	last      []T
	subsMu    sync.Mutex
	nextID    uint64
	subs      map[uint64]func([]T)
}

func NewRegistry[K comparable, T any](feed changefeed.Subscriber, q Query[K, T], timeout time.Duration, logger *zerolog.Logger) *Registry[K, T] {
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	return &Registry[K, T]{
		query:   q,
		feed:    feed,
		timeout: timeout,
		log:     logger.With().Str("component", "realtime").Str("query", q.Name).Logger(),
		entries: make(map[K]*entry[K, T]),
	}
}

// Subscribe registers cb for key. cb first receives the current result, then a fresh full
// result each time it changes. Deliveries for one key never overlap.
func (r *Registry[K, T]) Subscribe(ctx context.Context, key K, cb func([]T)) (Unsubscribe, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	e, ok := r.entries[key]
	if !ok {
		e = &entry[K, T]{key: key, ready: make(chan struct{}), subs: make(map[uint64]func([]T))}
		r.entries[key] = e
	}
	e.refs++
	r.mu.Unlock()

	if !ok {
		e.err = r.open(e)
		close(e.ready)
	} else {
		select {
		case <-e.ready:
		case <-ctx.Done():
			r.release(e)
			return nil, ctx.Err()
		}
	}
	if e.err != nil {
		r.release(e)
		return nil, e.err
	}

	e.deliverMu.Lock()
	snapshot := e.last
	e.subsMu.Lock()
	id := e.nextID
	e.nextID++
	e.subsMu.Unlock()
	cb(snapshot)
	e.subsMu.Lock()
	e.subs[id] = cb
	e.subsMu.Unlock()
	e.deliverMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.subsMu.Lock()
			delete(e.subs, id)
			e.subsMu.Unlock()
			r.release(e)
		})
	}, nil
}

// open starts the watch before the first fetch so no write between the two is missed.
func (r *Registry[K, T]) open(e *entry[K, T]) error {
	e.ctx, e.cancel = context.WithCancel(context.Background())
	ch, stop, err := r.feed.Watch(e.ctx, r.query.Collections...)
	if err != nil {
		e.cancel()
		r.log.Warn().Err(err).Interface("key", e.key).Msg("opening change feed watch")
		return fmt.Errorf("%w: watch: %v", ErrSubscriptionUnavailable, err)
	}
	e.stop = sync.OnceFunc(stop)
	r.mu.Lock()
	r.listeners++
	r.mu.Unlock()
	r.notifyWatch()

	fetchCtx, cancel := context.WithTimeout(e.ctx, r.timeout)
	defer cancel()
	result, err := r.query.Fetch(fetchCtx, e.key)
	if err != nil {
		r.closeWatch(e)
		r.log.Warn().Err(err).Interface("key", e.key).Msg("initial fetch failed")
		return fmt.Errorf("%w: initial fetch: %v", ErrSubscriptionUnavailable, err)
	}
	e.last = result

	go r.loop(e, ch)
	return nil
}

// loop refetches on matching changes. If the watch ends while subscribers remain, it is
// reopened and the result refetched, since writes made in between were never seen.
func (r *Registry[K, T]) loop(e *entry[K, T], ch <-chan changefeed.Change) {
	for {
		r.consume(e, ch)
		if e.ctx.Err() != nil {
			return
		}
		r.log.Warn().Interface("key", e.key).Msg("change feed watch ended unexpectedly")
		if ch = r.rewatch(e); ch == nil {
			return
		}
		r.refresh(e)
	}
}

func (r *Registry[K, T]) consume(e *entry[K, T], ch <-chan changefeed.Change) {
	for c := range ch {
		if r.query.Match != nil && !r.query.Match(e.key, c) {
			continue
		}
		// One refetch covers every change already queued.
	drain:
		for {
			select {
			case _, ok := <-ch:
				if !ok {
					break drain
				}
			default:
				break drain
			}
		}
		r.refresh(e)
	}
}

// rewatch reopens the watch with backoff. It returns nil once the entry is released or
// the feed is closed; a closed feed also drops the entry, which only happens at shutdown.
func (r *Registry[K, T]) rewatch(e *entry[K, T]) <-chan changefeed.Change {
	backoff := rewatchMinBackoff
	for {
		ch, stop, err := r.feed.Watch(e.ctx, r.query.Collections...)
		if err == nil {
			stop = sync.OnceFunc(stop)
			e.watchMu.Lock()
			old := e.stop
			e.stop = stop
			e.watchMu.Unlock()
			old()
			// closeWatch may have run with the old stop func.
			if e.ctx.Err() != nil {
				stop()
				return nil
			}
			r.log.Info().Interface("key", e.key).Msg("change feed watch reopened")
			return ch
		}
		if errors.Is(err, changefeed.ErrClosed) {
			r.detach(e)
			return nil
		}
		r.log.Warn().Err(err).Interface("key", e.key).Dur("retry_in", backoff).Msg("reopening change feed watch")
		select {
		case <-e.ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, rewatchMaxBackoff)
	}
}

func (r *Registry[K, T]) refresh(e *entry[K, T]) {
	ctx, cancel := context.WithTimeout(e.ctx, r.timeout)
	defer cancel()
	result, err := r.query.Fetch(ctx, e.key)
	if err != nil {
		if e.ctx.Err() == nil {
			r.log.Warn().Err(err).Interface("key", e.key).Msg("refetch failed")
		}
		return
	}

	e.deliverMu.Lock()
	defer e.deliverMu.Unlock()
	if e.ctx.Err() != nil || reflect.DeepEqual(e.last, result) {
		return
	}
	e.last = result
	e.subsMu.Lock()
	subs := make([]func([]T), 0, len(e.subs))
	for _, cb := range e.subs {
		subs = append(subs, cb)
	}
	e.subsMu.Unlock()
	for _, cb := range subs {
		cb(result)
	}
}

func (r *Registry[K, T]) release(e *entry[K, T]) {
	r.mu.Lock()
	e.refs--
	last := e.refs == 0
	if last && r.entries[e.key] == e {
		delete(r.entries, e.key)
	}
	r.mu.Unlock()
	if last {
		r.closeWatch(e)
	}
}

// detach forgets an entry whose watch died so the next Subscribe opens a new one.
func (r *Registry[K, T]) detach(e *entry[K, T]) {
	r.mu.Lock()
	if r.entries[e.key] == e {
		delete(r.entries, e.key)
	}
	r.mu.Unlock()
	r.closeWatch(e)
}

func (r *Registry[K, T]) closeWatch(e *entry[K, T]) {
	e.once.Do(func() {
		if e.cancel != nil {
			e.cancel()
		}
		e.watchMu.Lock()
		stop := e.stop
		e.watchMu.Unlock()
		if stop == nil {
			return
		}
		stop()
		r.mu.Lock()
		r.listeners--
		r.mu.Unlock()
		r.notifyWatch()
	})
}

func (r *Registry[K, T]) notifyWatch() {
	if r.onWatch != nil {
		r.onWatch()
	}
}

// ActiveListeners is the number of open change-feed watches.
func (r *Registry[K, T]) ActiveListeners() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listeners
}

// Fetch runs the query once, outside any subscription.
func (r *Registry[K, T]) Fetch(ctx context.Context, key K) ([]T, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.query.Fetch(ctx, key)
}

// Close closes every watch and refuses new subscriptions. Existing Unsubscribe funcs stay
// safe to call.
func (r *Registry[K, T]) Close() {
	r.mu.Lock()
	r.closed = true
	entries := r.entries
	r.entries = make(map[K]*entry[K, T])
	r.mu.Unlock()
	for _, e := range entries {
		<-e.ready
		r.closeWatch(e)
	}
}
