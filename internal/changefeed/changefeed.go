// Package changefeed carries "document changed" notifications from the store to listeners.
package changefeed

import (
	"context"
	"encoding/json"
	"sync"
)

type Collection string

const (
	Lots     Collection = "lots"
	Spaces   Collection = "spaces"
	Bookings Collection = "bookings"
	Bills    Collection = "bills"
)

// Collections lists every collection the store writes.
var Collections = []Collection{Lots, Spaces, Bookings, Bills}

// Change says a document was written. LotID and UserID are hints listeners can filter on.
type Change struct {
	Collection Collection `json:"collection"`
	ID         string     `json:"id"`
	LotID      string     `json:"lot_id,omitempty"`
	UserID     string     `json:"user_id,omitempty"`
}

func (c Change) Encode() ([]byte, error) {
	return json.Marshal(c)
}

func Decode(b []byte) (Change, error) {
	var c Change
	err := json.Unmarshal(b, &c)
	return c, err
}

type Publisher interface {
	Publish(ctx context.Context, changes ...Change) error
}

// Subscriber opens a watch over one or more collections. The returned channel is closed
// after the stop func is called or ctx is done.
type Subscriber interface {
	Watch(ctx context.Context, collections ...Collection) (<-chan Change, func(), error)
}

// WatchBuffer is the per-watch channel capacity. A watcher that falls this far behind
// loses notifications, which is harmless because listeners refetch on every change.
const WatchBuffer = 64

// Broker is an in-process Publisher and Subscriber.
type Broker struct {
	mu       sync.RWMutex
	nextID   uint64
	watchers map[uint64]*watcher
	closed   bool
}

type watcher struct {
	collections map[Collection]bool
	ch          chan Change
	done        chan struct{}
	once        sync.Once
}

func (w *watcher) close() {
	w.once.Do(func() {
		close(w.done)
		close(w.ch)
	})
}

func NewBroker() *Broker {
	return &Broker{watchers: make(map[uint64]*watcher)}
}

func (b *Broker) Publish(_ context.Context, changes ...Change) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, c := range changes {
		for _, w := range b.watchers {
			if !w.collections[c.Collection] {
				continue
			}
			select {
			case w.ch <- c:
			default:
			}
		}
	}
	return nil
}

func (b *Broker) Watch(ctx context.Context, collections ...Collection) (<-chan Change, func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, nil, ErrClosed
	}
	id := b.nextID
	b.nextID++
	w := &watcher{
		collections: make(map[Collection]bool, len(collections)),
		ch:          make(chan Change, WatchBuffer),
		done:        make(chan struct{}),
	}
	for _, c := range collections {
		w.collections[c] = true
	}
	b.watchers[id] = w
	b.mu.Unlock()

	stop := func() {
		b.mu.Lock()
		delete(b.watchers, id)
		b.mu.Unlock()
		w.close()
	}
	go func() {
		select {
		case <-ctx.Done():
			stop()
		case <-w.done:
		}
	}()
	return w.ch, stop, nil
}

// Watchers is the number of open watches.
func (b *Broker) Watchers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.watchers)
}

// Close ends every watch and refuses new ones.
func (b *Broker) Close() {
	b.mu.Lock()
	b.closed = true
	ws := b.watchers
	b.watchers = make(map[uint64]*watcher)
	b.mu.Unlock()
	for _, w := range ws {
		w.close()
	}
}
