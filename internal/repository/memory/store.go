// Package memory is an in-process repository.Store. It is optimistic: a transaction reads
// committed state through its own staged writes and is validated against the committed
// state when it commits, so racing transactions fail with repository.ErrConflict the same
// way they do against Postgres.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Kobia22/lanesParkin-sub001/internal/changefeed"
	"github.com/Kobia22/lanesParkin-sub001/internal/domain"
	"github.com/Kobia22/lanesParkin-sub001/internal/repository"
)

type Store struct {
	mu       sync.Mutex
	lots     map[string]domain.Lot
	spaces   map[string]domain.Space
	bookings map[string]domain.Booking
	bills    map[string]domain.Bill

	pub          changefeed.Publisher
	log          zerolog.Logger
	now          func() time.Time
	beforeCommit func()
}

var _ repository.Store = (*Store)(nil)

// New returns an empty store. pub and logger may be nil.
func New(pub changefeed.Publisher, logger *zerolog.Logger) *Store {
	log := zerolog.Nop()
	if logger != nil {
		log = logger.With().Str("component", "memory").Logger()
	}
	return &Store{
		lots:     make(map[string]domain.Lot),
		spaces:   make(map[string]domain.Space),
		bookings: make(map[string]domain.Booking),
		bills:    make(map[string]domain.Bill),
		pub:      pub,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the clock used for UpdatedAt/CreatedAt stamps.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// SetBeforeCommit installs a hook that runs at the start of every commit, before
// validation. Tests use it to interleave a competing writer.
func (s *Store) SetBeforeCommit(fn func()) {
	s.mu.Lock()
	s.beforeCommit = fn
	s.mu.Unlock()
}

func (s *Store) Lots() repository.LotRepository         { return lotRepo{s: s} }
func (s *Store) Spaces() repository.SpaceRepository     { return spaceRepo{s: s} }
func (s *Store) Bookings() repository.BookingRepository { return bookingRepo{s: s} }
func (s *Store) Bills() repository.BillRepository       { return billRepo{s: s} }

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx repository.Repositories) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := s.begin()
	if err := fn(ctx, t); err != nil {
		return err
	}
	return s.commit(ctx, t)
}

type spaceCheck struct {
	status  domain.SpaceStatus
	version int64
}

type lotOp struct {
	id     string
	delta  domain.LotCounters
	set    *domain.LotCounters
	expect domain.LotCounters
}

// txn stages post-images plus the conditions each of them was written under.
type txn struct {
	s *Store

	lots     map[string]domain.Lot
	newLots  map[string]domain.Lot
	lotOps   []lotOp
	spaces   map[string]domain.Space
	newSpace map[string]bool
	spaceCAS map[string]spaceCheck
	bookings map[string]domain.Booking
	newBook  map[string]bool
	bookCond map[string]domain.BookingStatus
	bills    map[string]domain.Bill

	changes []changefeed.Change
}

func (s *Store) begin() *txn {
	return &txn{
		s:        s,
		lots:     make(map[string]domain.Lot),
		newLots:  make(map[string]domain.Lot),
		spaces:   make(map[string]domain.Space),
		newSpace: make(map[string]bool),
		spaceCAS: make(map[string]spaceCheck),
		bookings: make(map[string]domain.Booking),
		newBook:  make(map[string]bool),
		bookCond: make(map[string]domain.BookingStatus),
		bills:    make(map[string]domain.Bill),
	}
}

func (t *txn) Lots() repository.LotRepository         { return lotRepo{s: t.s, t: t} }
func (t *txn) Spaces() repository.SpaceRepository     { return spaceRepo{s: t.s, t: t} }
func (t *txn) Bookings() repository.BookingRepository { return bookingRepo{s: t.s, t: t} }
func (t *txn) Bills() repository.BillRepository       { return billRepo{s: t.s, t: t} }

func (s *Store) commit(ctx context.Context, t *txn) error {
	s.mu.Lock()
	hook := s.beforeCommit
	s.mu.Unlock()
	if hook != nil {
		hook()
	}

	s.mu.Lock()
	if err := s.validate(t); err != nil {
		s.mu.Unlock()
		return err
	}
	// New lots go in as created; staged counter changes are replayed from lotOps.
	for id, l := range t.newLots {
		s.lots[id] = l
	}
	for _, op := range t.lotOps {
		l := s.lots[op.id]
		if op.set != nil {
			l.AvailableSpaces, l.BookedSpaces, l.OccupiedSpaces = op.set.Available, op.set.Booked, op.set.Occupied
		} else {
			l.AvailableSpaces += op.delta.Available
			l.BookedSpaces += op.delta.Booked
			l.OccupiedSpaces += op.delta.Occupied
		}
		l.UpdatedAt = s.now()
		s.lots[op.id] = l
	}
	for id, sp := range t.spaces {
		s.spaces[id] = sp
	}
	for id, b := range t.bookings {
		s.bookings[id] = b
	}
	for id, b := range t.bills {
		s.bills[id] = b
	}
	s.mu.Unlock()

	// The writes are committed; a lost notification only delays listeners until the next
	// change or poll.
	if s.pub != nil && len(t.changes) > 0 {
		if err := s.pub.Publish(ctx, t.changes...); err != nil {
			s.log.Warn().Err(err).Int("changes", len(t.changes)).Msg("publishing change notifications")
		}
	}
	return nil
}

// validate runs with s.mu held.
func (s *Store) validate(t *txn) error {
	for id := range t.newLots {
		if _, ok := s.lots[id]; ok {
			return fmt.Errorf("%w: lot %s", repository.ErrDuplicateEntry, id)
		}
	}
	// Replay counter ops over committed state so a conditional overwrite sees every
	// delta committed since the transaction read the lot.
	running := make(map[string]domain.LotCounters)
	for _, op := range t.lotOps {
		cur, seen := running[op.id]
		if !seen {
			l, ok := s.lots[op.id]
			if !ok {
				if l, ok = t.newLots[op.id]; !ok {
					return repository.ErrNotFound
				}
			}
			cur = l.Counters()
		}
		if op.set != nil {
			if cur != op.expect {
				return repository.ErrConflict
			}
			cur = *op.set
		} else {
			cur = domain.LotCounters{
				Available: cur.Available + op.delta.Available,
				Booked:    cur.Booked + op.delta.Booked,
				Occupied:  cur.Occupied + op.delta.Occupied,
			}
		}
		running[op.id] = cur
	}
	for id := range t.newSpace {
		if _, ok := s.spaces[id]; ok {
			return fmt.Errorf("%w: space %s", repository.ErrDuplicateEntry, id)
		}
		sp := t.spaces[id]
		for _, other := range s.spaces {
			if other.LotID == sp.LotID && other.Number == sp.Number {
				return fmt.Errorf("%w: space %d in lot %s", repository.ErrDuplicateEntry, sp.Number, sp.LotID)
			}
		}
	}
	for id, want := range t.spaceCAS {
		cur, ok := s.spaces[id]
		if !ok {
			return repository.ErrNotFound
		}
		if cur.Status != want.status || cur.Version != want.version {
			return repository.ErrConflict
		}
	}
	for id := range t.newBook {
		if _, ok := s.bookings[id]; ok {
			return fmt.Errorf("%w: booking %s", repository.ErrDuplicateEntry, id)
		}
	}
	for id, want := range t.bookCond {
		cur, ok := s.bookings[id]
		if !ok {
			return repository.ErrNotFound
		}
		if cur.Status != want {
			return repository.ErrConflict
		}
	}
	// At most one live booking per space.
	for id, b := range t.bookings {
		if b.Status.IsTerminal() {
			continue
		}
		for otherID, other := range s.bookings {
			if otherID == id || other.SpaceID != b.SpaceID || other.Status.IsTerminal() {
				continue
			}
			if staged, ok := t.bookings[otherID]; ok && staged.Status.IsTerminal() {
				continue
			}
			return fmt.Errorf("%w: space %s already has live booking %s", repository.ErrDuplicateEntry, b.SpaceID, otherID)
		}
	}
	for _, bill := range t.bills {
		for _, other := range s.bills {
			if other.BookingID == bill.BookingID {
				return fmt.Errorf("%w: bill for booking %s", repository.ErrDuplicateEntry, bill.BookingID)
			}
		}
	}
	return nil
}

// run executes fn in t, or in a fresh single-operation transaction when t is nil.
func run(ctx context.Context, s *Store, t *txn, fn func(t *txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t != nil {
		return fn(t)
	}
	t = s.begin()
	if err := fn(t); err != nil {
		return err
	}
	return s.commit(ctx, t)
}

// view returns a read-only transaction when t is nil.
func view(s *Store, t *txn) *txn {
	if t != nil {
		return t
	}
	return s.begin()
}

func newID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

type lotRepo struct {
	s *Store
	t *txn
}

func (t *txn) lot(id string) (domain.Lot, bool) {
	if l, ok := t.lots[id]; ok {
		return l, true
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	l, ok := t.s.lots[id]
	return l, ok
}

func (r lotRepo) Create(ctx context.Context, lot *domain.Lot) (*domain.Lot, error) {
	out := *lot
	err := run(ctx, r.s, r.t, func(t *txn) error {
		out.ID = newID(out.ID)
		if _, ok := t.lot(out.ID); ok {
			return fmt.Errorf("%w: lot %s", repository.ErrDuplicateEntry, out.ID)
		}
		now := r.s.now()
		out.CreatedAt, out.UpdatedAt = now, now
		t.lots[out.ID] = out
		t.newLots[out.ID] = out
		t.changes = append(t.changes, changefeed.Change{Collection: changefeed.Lots, ID: out.ID})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r lotRepo) FindByID(ctx context.Context, id string) (*domain.Lot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l, ok := view(r.s, r.t).lot(id)
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &l, nil
}

func (r lotRepo) FindAll(ctx context.Context) ([]domain.Lot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t := view(r.s, r.t)
	r.s.mu.Lock()
	merged := make(map[string]domain.Lot, len(r.s.lots))
	for id, l := range r.s.lots {
		merged[id] = l
	}
	r.s.mu.Unlock()
	for id, l := range t.lots {
		merged[id] = l
	}
	lots := make([]domain.Lot, 0, len(merged))
	for _, l := range merged {
		lots = append(lots, l)
	}
	sort.Slice(lots, func(i, j int) bool {
		if lots[i].Name != lots[j].Name {
			return lots[i].Name < lots[j].Name
		}
		return lots[i].ID < lots[j].ID
	})
	return lots, nil
}

func (r lotRepo) ApplyDelta(ctx context.Context, id string, delta domain.LotCounters) error {
	return run(ctx, r.s, r.t, func(t *txn) error {
		l, ok := t.lot(id)
		if !ok {
			return repository.ErrNotFound
		}
		if delta.IsZero() {
			return nil
		}
		l.AvailableSpaces += delta.Available
		l.BookedSpaces += delta.Booked
		l.OccupiedSpaces += delta.Occupied
		t.lots[id] = l
		t.lotOps = append(t.lotOps, lotOp{id: id, delta: delta})
		t.changes = append(t.changes, changefeed.Change{Collection: changefeed.Lots, ID: id})
		return nil
	})
}

func (r lotRepo) SetCounters(ctx context.Context, id string, expected, counters domain.LotCounters) error {
	return run(ctx, r.s, r.t, func(t *txn) error {
		l, ok := t.lot(id)
		if !ok {
			return repository.ErrNotFound
		}
		if l.Counters() != expected {
			return repository.ErrConflict
		}
		l.AvailableSpaces, l.BookedSpaces, l.OccupiedSpaces = counters.Available, counters.Booked, counters.Occupied
		t.lots[id] = l
		c := counters
		t.lotOps = append(t.lotOps, lotOp{id: id, set: &c, expect: expected})
		t.changes = append(t.changes, changefeed.Change{Collection: changefeed.Lots, ID: id})
		return nil
	})
}

type spaceRepo struct {
	s *Store
	t *txn
}

func (t *txn) space(id string) (domain.Space, bool) {
	if sp, ok := t.spaces[id]; ok {
		return sp, true
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	sp, ok := t.s.spaces[id]
	return sp, ok
}

func (t *txn) allSpaces() []domain.Space {
	t.s.mu.Lock()
	merged := make(map[string]domain.Space, len(t.s.spaces))
	for id, sp := range t.s.spaces {
		merged[id] = sp
	}
	t.s.mu.Unlock()
	for id, sp := range t.spaces {
		merged[id] = sp
	}
	out := make([]domain.Space, 0, len(merged))
	for _, sp := range merged {
		out = append(out, sp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LotID != out[j].LotID {
			return out[i].LotID < out[j].LotID
		}
		return out[i].Number < out[j].Number
	})
	return out
}

func (r spaceRepo) Create(ctx context.Context, space *domain.Space) (*domain.Space, error) {
	out := *space
	err := run(ctx, r.s, r.t, func(t *txn) error {
		out.ID = newID(out.ID)
		if _, ok := t.lot(out.LotID); !ok {
			return fmt.Errorf("space references lot %s: %w", out.LotID, repository.ErrNotFound)
		}
		if _, ok := t.space(out.ID); ok {
			return fmt.Errorf("%w: space %s", repository.ErrDuplicateEntry, out.ID)
		}
		for _, other := range t.allSpaces() {
			if other.LotID == out.LotID && other.Number == out.Number {
				return fmt.Errorf("%w: space %d in lot %s", repository.ErrDuplicateEntry, out.Number, out.LotID)
			}
		}
		if out.Status == "" {
			out.Status = domain.SpaceVacant
		}
		out.Version = 1
		out.UpdatedAt = r.s.now()
		t.spaces[out.ID] = out
		t.newSpace[out.ID] = true
		t.changes = append(t.changes, changefeed.Change{Collection: changefeed.Spaces, ID: out.ID, LotID: out.LotID})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r spaceRepo) FindByID(ctx context.Context, id string) (*domain.Space, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sp, ok := view(r.s, r.t).space(id)
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &sp, nil
}

func (r spaceRepo) FindByLotID(ctx context.Context, lotID string) ([]domain.Space, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []domain.Space
	for _, sp := range view(r.s, r.t).allSpaces() {
		if sp.LotID == lotID {
			out = append(out, sp)
		}
	}
	return out, nil
}

func (r spaceRepo) FindAll(ctx context.Context) ([]domain.Space, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return view(r.s, r.t).allSpaces(), nil
}

func (r spaceRepo) CompareAndSwap(ctx context.Context, space *domain.Space, expectedStatus domain.SpaceStatus, expectedVersion int64) (*domain.Space, error) {
	out := *space
	err := run(ctx, r.s, r.t, func(t *txn) error {
		cur, ok := t.space(out.ID)
		if !ok {
			return repository.ErrNotFound
		}
		if cur.Status != expectedStatus || cur.Version != expectedVersion {
			return repository.ErrConflict
		}
		if _, seen := t.spaceCAS[out.ID]; !seen && !t.newSpace[out.ID] {
			t.spaceCAS[out.ID] = spaceCheck{status: expectedStatus, version: expectedVersion}
		}
		out.LotID = cur.LotID
		out.Number = cur.Number
		out.Version = expectedVersion + 1
		out.UpdatedAt = r.s.now()
		t.spaces[out.ID] = out
		t.changes = append(t.changes, changefeed.Change{Collection: changefeed.Spaces, ID: out.ID, LotID: out.LotID})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

type bookingRepo struct {
	s *Store
	t *txn
}

func (t *txn) booking(id string) (domain.Booking, bool) {
	if b, ok := t.bookings[id]; ok {
		return b, true
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	b, ok := t.s.bookings[id]
	return b, ok
}

func (t *txn) filterBookings(keep func(domain.Booking) bool) []domain.Booking {
	t.s.mu.Lock()
	merged := make(map[string]domain.Booking, len(t.s.bookings))
	for id, b := range t.s.bookings {
		merged[id] = b
	}
	t.s.mu.Unlock()
	for id, b := range t.bookings {
		merged[id] = b
	}
	var out []domain.Booking
	for _, b := range merged {
		if keep(b) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.After(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func bookingChange(b domain.Booking) changefeed.Change {
	return changefeed.Change{Collection: changefeed.Bookings, ID: b.ID, LotID: b.LotID, UserID: b.UserID}
}

func (r bookingRepo) Create(ctx context.Context, booking *domain.Booking) (*domain.Booking, error) {
	out := *booking
	err := run(ctx, r.s, r.t, func(t *txn) error {
		out.ID = newID(out.ID)
		if _, ok := t.booking(out.ID); ok {
			return fmt.Errorf("%w: booking %s", repository.ErrDuplicateEntry, out.ID)
		}
		out.UpdatedAt = r.s.now()
		t.bookings[out.ID] = out
		t.newBook[out.ID] = true
		t.changes = append(t.changes, bookingChange(out))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r bookingRepo) FindByID(ctx context.Context, id string) (*domain.Booking, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, ok := view(r.s, r.t).booking(id)
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &b, nil
}

func (r bookingRepo) FindByUser(ctx context.Context, userID string, statuses []domain.BookingStatus) ([]domain.Booking, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	want := make(map[domain.BookingStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	return view(r.s, r.t).filterBookings(func(b domain.Booking) bool {
		return b.UserID == userID && (len(want) == 0 || want[b.Status])
	}), nil
}

func (r bookingRepo) FindByStatus(ctx context.Context, status domain.BookingStatus) ([]domain.Booking, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return view(r.s, r.t).filterBookings(func(b domain.Booking) bool {
		return b.Status == status
	}), nil
}

func (r bookingRepo) FindExpiredPending(ctx context.Context, now time.Time) ([]domain.Booking, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return view(r.s, r.t).filterBookings(func(b domain.Booking) bool {
		return b.ExpiredAt(now)
	}), nil
}

func (r bookingRepo) FindLive(ctx context.Context) ([]domain.Booking, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return view(r.s, r.t).filterBookings(func(b domain.Booking) bool {
		return !b.Status.IsTerminal()
	}), nil
}

func (r bookingRepo) UpdateIf(ctx context.Context, booking *domain.Booking, expected domain.BookingStatus) (*domain.Booking, error) {
	out := *booking
	err := run(ctx, r.s, r.t, func(t *txn) error {
		cur, ok := t.booking(out.ID)
		if !ok {
			return repository.ErrNotFound
		}
		if cur.Status != expected {
			return repository.ErrConflict
		}
		if _, seen := t.bookCond[out.ID]; !seen && !t.newBook[out.ID] {
			t.bookCond[out.ID] = expected
		}
		out.UpdatedAt = r.s.now()
		t.bookings[out.ID] = out
		t.changes = append(t.changes, bookingChange(out))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

type billRepo struct {
	s *Store
	t *txn
}

func (r billRepo) Create(ctx context.Context, bill *domain.Bill) (*domain.Bill, error) {
	out := *bill
	err := run(ctx, r.s, r.t, func(t *txn) error {
		out.ID = newID(out.ID)
		if _, err := (billRepo{s: r.s, t: t}).FindByBookingID(ctx, out.BookingID); err == nil {
			return fmt.Errorf("%w: bill for booking %s", repository.ErrDuplicateEntry, out.BookingID)
		}
		out.CreatedAt = r.s.now()
		t.bills[out.ID] = out
		t.changes = append(t.changes, changefeed.Change{Collection: changefeed.Bills, ID: out.ID, UserID: out.UserID})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r billRepo) FindByBookingID(ctx context.Context, bookingID string) (*domain.Bill, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t := view(r.s, r.t)
	for _, b := range t.bills {
		if b.BookingID == bookingID {
			out := b
			return &out, nil
		}
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, b := range r.s.bills {
		if b.BookingID == bookingID {
			out := b
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}
