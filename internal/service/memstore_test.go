package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iliyamo/trip-booking/internal/model"
	"github.com/iliyamo/trip-booking/internal/repository"
)

// memDB is an in-memory stand-in for the MySQL repositories.  One mutex
// serializes every statement and is held for the whole of a transaction,
// which is stricter than InnoDB row locks but gives the same outcomes for
// the unique keys and conditional updates the services rely on.  A failed
// transaction restores the tables from a snapshot.
type memDB struct {
	mu sync.Mutex

	trips     map[uint64]model.Trip
	seats     map[uint64]model.TripSeat
	promos    map[uint64]model.Promotion
	locks     []model.SeatLock
	bookings  map[uint64]model.Booking
	snapshots []model.PricingSnapshot
	payments  map[uint64]model.PaymentTransaction
	webhooks  []model.PaymentWebhookLog
	refunds   []model.RefundRequest
	tickets   []model.Ticket
	outbox    []model.OutboxEvent
	seq       uint64

	// faults holds errors returned once each by the named operation.
	faults map[string][]error
}

type memTxKey struct{}

func newMemDB() *memDB {
	return &memDB{
		trips:    make(map[uint64]model.Trip),
		seats:    make(map[uint64]model.TripSeat),
		promos:   make(map[uint64]model.Promotion),
		bookings: make(map[uint64]model.Booking),
		payments: make(map[uint64]model.PaymentTransaction),
		faults:   make(map[string][]error),
	}
}

func (db *memDB) inTx(ctx context.Context) bool { return ctx.Value(memTxKey{}) == db }

// lock takes the mutex unless ctx already runs inside one of db's
// transactions.  It returns the matching unlock.
func (db *memDB) lock(ctx context.Context) func() {
	if db.inTx(ctx) {
		return func() {}
	}
	db.mu.Lock()
	return db.mu.Unlock
}

func (db *memDB) failNext(op string, err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.faults[op] = append(db.faults[op], err)
}

func (db *memDB) fault(op string) error {
	errs := db.faults[op]
	if len(errs) == 0 {
		return nil
	}
	db.faults[op] = errs[1:]
	return errs[0]
}

func (db *memDB) nextID() uint64 {
	db.seq++
	return db.seq
}

type memSnapshot struct {
	promos    map[uint64]model.Promotion
	locks     []model.SeatLock
	bookings  map[uint64]model.Booking
	snapshots []model.PricingSnapshot
	payments  map[uint64]model.PaymentTransaction
	webhooks  []model.PaymentWebhookLog
	refunds   []model.RefundRequest
	tickets   []model.Ticket
	outbox    []model.OutboxEvent
	seq       uint64
}

func (db *memDB) snapshot() memSnapshot {
	s := memSnapshot{
		promos:    make(map[uint64]model.Promotion, len(db.promos)),
		locks:     append([]model.SeatLock(nil), db.locks...),
		bookings:  make(map[uint64]model.Booking, len(db.bookings)),
		snapshots: append([]model.PricingSnapshot(nil), db.snapshots...),
		payments:  make(map[uint64]model.PaymentTransaction, len(db.payments)),
		webhooks:  append([]model.PaymentWebhookLog(nil), db.webhooks...),
		refunds:   append([]model.RefundRequest(nil), db.refunds...),
		tickets:   append([]model.Ticket(nil), db.tickets...),
		outbox:    append([]model.OutboxEvent(nil), db.outbox...),
		seq:       db.seq,
	}
	for k, v := range db.promos {
		s.promos[k] = v
	}
	for k, v := range db.bookings {
		s.bookings[k] = v
	}
	for k, v := range db.payments {
		s.payments[k] = v
	}
	return s
}

func (db *memDB) restore(s memSnapshot) {
	db.promos, db.locks, db.bookings, db.snapshots = s.promos, s.locks, s.bookings, s.snapshots
	db.payments, db.webhooks, db.refunds, db.tickets, db.outbox = s.payments, s.webhooks, s.refunds, s.tickets, s.outbox
	db.seq = s.seq
}

func (db *memDB) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if db.inTx(ctx) {
		return fn(ctx)
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.fault("BeginTx"); err != nil {
		return err
	}
	snap := db.snapshot()
	if err := fn(context.WithValue(ctx, memTxKey{}, db)); err != nil {
		db.restore(snap)
		return err
	}
	return nil
}

// ---- seeding helpers ----

func (db *memDB) addTrip(t model.Trip, seats ...model.TripSeat) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.trips[t.ID] = t
	for _, s := range seats {
		s.TripID = t.ID
		db.seats[s.ID] = s
	}
}

func (db *memDB) addPromotion(p model.Promotion) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.promos[p.ID] = p
}

func (db *memDB) promotion(id uint64) model.Promotion {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.promos[id]
}

func (db *memDB) allTickets() []model.Ticket {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]model.Ticket(nil), db.tickets...)
}

func (db *memDB) allOutbox() []model.OutboxEvent {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]model.OutboxEvent(nil), db.outbox...)
}

func (db *memDB) eventTypes() []string {
	var out []string
	for _, e := range db.allOutbox() {
		out = append(out, e.EventType)
	}
	return out
}

func (db *memDB) webhookLogs() []model.PaymentWebhookLog {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]model.PaymentWebhookLog(nil), db.webhooks...)
}

func (db *memDB) refundRows() []model.RefundRequest {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]model.RefundRequest(nil), db.refunds...)
}

// liveLocks returns the ACTIVE or CONFIRMED locks of a seat.
func (db *memDB) liveLocks(tripID, seatID uint64) []model.SeatLock {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []model.SeatLock
	for _, l := range db.locks {
		if l.TripID == tripID && l.SeatID == seatID && (l.Status == model.SeatLockActive || l.Status == model.SeatLockConfirmed) {
			out = append(out, l)
		}
	}
	return out
}

// ---- TripCatalog ----

func (db *memDB) GetTrip(ctx context.Context, tripID uint64) (*model.Trip, error) {
	defer db.lock(ctx)()
	t, ok := db.trips[tripID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &t, nil
}

func (db *memDB) GetSeats(ctx context.Context, tripID uint64, seatIDs []uint64) ([]model.TripSeat, error) {
	defer db.lock(ctx)()
	var out []model.TripSeat
	for _, id := range seatIDs {
		if s, ok := db.seats[id]; ok && s.TripID == tripID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ---- SeatLockStore ----

func (db *memDB) reservation(id string) (*model.Reservation, error) {
	var rows []model.SeatLock
	for _, l := range db.locks {
		if l.ReservationID == id {
			rows = append(rows, l)
		}
	}
	res, ok := model.ReservationFromLocks(rows)
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &res, nil
}

func (db *memDB) FindReservationByKey(ctx context.Context, holderID, tripID uint64, key string) (*model.Reservation, error) {
	defer db.lock(ctx)()
	for i := len(db.locks) - 1; i >= 0; i-- {
		l := db.locks[i]
		if l.HolderID == holderID && l.TripID == tripID && l.IdempotencyKey == key {
			return db.reservation(l.ReservationID)
		}
	}
	return nil, repository.ErrNotFound
}

func (db *memDB) GetReservation(ctx context.Context, id string) (*model.Reservation, error) {
	defer db.lock(ctx)()
	return db.reservation(id)
}

func (db *memDB) ExpireLapsed(ctx context.Context, tripID uint64, seatIDs []uint64, now time.Time) (int64, error) {
	defer db.lock(ctx)()
	want := make(map[uint64]bool, len(seatIDs))
	for _, id := range seatIDs {
		want[id] = true
	}
	var n int64
	for i, l := range db.locks {
		if l.TripID == tripID && want[l.SeatID] && l.Status == model.SeatLockActive && !l.ExpiresAt.After(now) {
			db.locks[i].Status = model.SeatLockExpired
			n++
		}
	}
	return n, nil
}

func (db *memDB) BlockingSeats(ctx context.Context, tripID uint64, seatIDs []uint64, now time.Time) ([]uint64, error) {
	defer db.lock(ctx)()
	want := make(map[uint64]bool, len(seatIDs))
	for _, id := range seatIDs {
		want[id] = true
	}
	var out []uint64
	for _, l := range db.locks {
		if l.TripID == tripID && want[l.SeatID] && l.Blocking(now) {
			out = append(out, l.SeatID)
		}
	}
	return model.NormalizeSeatIDs(out), nil
}

func (db *memDB) InsertLocks(ctx context.Context, locks []model.SeatLock) error {
	defer db.lock(ctx)()
	if err := db.fault("InsertLocks"); err != nil {
		return err
	}
	for _, nl := range locks {
		for _, l := range db.locks {
			// held_key is unique while a lock is ACTIVE or CONFIRMED
			if l.TripID == nl.TripID && l.SeatID == nl.SeatID && (l.Status == model.SeatLockActive || l.Status == model.SeatLockConfirmed) {
				return fmt.Errorf("%w: held_key %d:%d", repository.ErrDuplicate, nl.TripID, nl.SeatID)
			}
		}
	}
	for _, nl := range locks {
		nl.ID = db.nextID()
		db.locks = append(db.locks, nl)
	}
	return nil
}

func (db *memDB) UpdateReservationStatus(ctx context.Context, id string, from []model.SeatLockStatus, to model.SeatLockStatus, now time.Time) (int64, error) {
	defer db.lock(ctx)()
	var n int64
	for i, l := range db.locks {
		if l.ReservationID != id {
			continue
		}
		for _, f := range from {
			if l.Status == f {
				db.locks[i].Status = to
				n++
				break
			}
		}
	}
	return n, nil
}

func (db *memDB) ExtendReservation(ctx context.Context, id string, expiresAt, now time.Time) (int64, error) {
	defer db.lock(ctx)()
	var n int64
	for i, l := range db.locks {
		if l.ReservationID == id && l.Status == model.SeatLockActive && l.ExpiresAt.After(now) {
			db.locks[i].ExpiresAt = expiresAt
			n++
		}
	}
	return n, nil
}

func (db *memDB) ExpireAllLapsed(ctx context.Context, now time.Time) (int64, error) {
	defer db.lock(ctx)()
	var n int64
	for i, l := range db.locks {
		if l.Status == model.SeatLockActive && !l.ExpiresAt.After(now) {
			db.locks[i].Status = model.SeatLockExpired
			n++
		}
	}
	return n, nil
}

// ---- PromotionStore ----

func (db *memDB) ListActive(ctx context.Context, at time.Time) ([]model.Promotion, error) {
	defer db.lock(ctx)()
	day := dateOf(at)
	var out []model.Promotion
	for _, p := range db.promos {
		if dateOf(p.StartDate) <= day && dateOf(p.EndDate) >= day && p.UsedCount < p.UsageLimit {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (db *memDB) Redeem(ctx context.Context, id uint64) (bool, error) {
	defer db.lock(ctx)()
	p, ok := db.promos[id]
	if !ok || p.UsedCount >= p.UsageLimit {
		return false, nil
	}
	p.UsedCount++
	db.promos[id] = p
	return true, nil
}

// ---- BookingStore ----

func (db *memDB) loadBooking(b model.Booking) *model.Booking {
	b.Seats = append([]model.BookingSeat(nil), b.Seats...)
	for i := len(db.snapshots) - 1; i >= 0; i-- {
		if db.snapshots[i].BookingID == b.ID {
			s := db.snapshots[i]
			b.Snapshot = &s
			break
		}
	}
	b.Payment = nil
	return &b
}

func (db *memDB) FindByIdempotencyKey(ctx context.Context, customerID uint64, key string) (*model.Booking, error) {
	defer db.lock(ctx)()
	for _, b := range db.bookings {
		if b.CustomerID == customerID && b.IdempotencyKey == key {
			return db.loadBooking(b), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (db *memDB) GetByID(ctx context.Context, id uint64) (*model.Booking, error) {
	defer db.lock(ctx)()
	b, ok := db.bookings[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return db.loadBooking(b), nil
}

func (db *memDB) GetByCode(ctx context.Context, code string) (*model.Booking, error) {
	defer db.lock(ctx)()
	for _, b := range db.bookings {
		if b.Code == code {
			return db.loadBooking(b), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (db *memDB) Create(ctx context.Context, b *model.Booking) error {
	defer db.lock(ctx)()
	if err := db.fault("CreateBooking"); err != nil {
		return err
	}
	for _, o := range db.bookings {
		if o.Code == b.Code || (o.CustomerID == b.CustomerID && o.IdempotencyKey == b.IdempotencyKey) {
			return fmt.Errorf("%w: booking %s", repository.ErrDuplicate, b.Code)
		}
	}
	b.ID = db.nextID()
	b.Version = 0
	b.UpdatedAt = b.BookedAt
	row := *b
	row.Seats = append([]model.BookingSeat(nil), b.Seats...)
	for i := range row.Seats {
		row.Seats[i].BookingID = b.ID
	}
	row.Snapshot, row.Payment = nil, nil
	db.bookings[b.ID] = row
	return nil
}

func (db *memDB) InsertSnapshot(ctx context.Context, s *model.PricingSnapshot) error {
	defer db.lock(ctx)()
	s.ID = db.nextID()
	db.snapshots = append(db.snapshots, *s)
	return nil
}

func (db *memDB) UpdateStatus(ctx context.Context, id uint64, from, to model.BookingStatus, version int, now time.Time) (bool, error) {
	defer db.lock(ctx)()
	if err := db.fault("UpdateStatus"); err != nil {
		return false, err
	}
	b, ok := db.bookings[id]
	if !ok || b.Status != from || b.Version != version {
		return false, nil
	}
	b.Status = to
	b.Version++
	b.UpdatedAt = now
	db.bookings[id] = b
	return true, nil
}

func (db *memDB) ListExpired(ctx context.Context, now time.Time, limit int) ([]model.Booking, error) {
	defer db.lock(ctx)()
	var out []model.Booking
	for _, b := range db.bookings {
		if b.Status == model.BookingAwaitingPayment && !b.ExpiresAt.After(now) {
			out = append(out, *db.loadBooking(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (db *memDB) CountExpired(ctx context.Context, now time.Time) (int, error) {
	defer db.lock(ctx)()
	n := 0
	for _, b := range db.bookings {
		if b.Status == model.BookingAwaitingPayment && !b.ExpiresAt.After(now) {
			n++
		}
	}
	return n, nil
}

// ---- PaymentStore ----

func (db *memDB) CreateTransaction(ctx context.Context, p *model.PaymentTransaction) error {
	defer db.lock(ctx)()
	for _, o := range db.payments {
		if o.BookingID == p.BookingID || o.TransactionID == p.TransactionID {
			return fmt.Errorf("%w: payment %s", repository.ErrDuplicate, p.TransactionID)
		}
	}
	p.ID = db.nextID()
	db.payments[p.ID] = *p
	return nil
}

func (db *memDB) GetTransactionByBooking(ctx context.Context, bookingID uint64) (*model.PaymentTransaction, error) {
	defer db.lock(ctx)()
	for _, p := range db.payments {
		if p.BookingID == bookingID {
			return &p, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (db *memDB) GetTransactionByTxnID(ctx context.Context, txnID string) (*model.PaymentTransaction, error) {
	defer db.lock(ctx)()
	for _, p := range db.payments {
		if p.TransactionID == txnID {
			return &p, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (db *memDB) UpdateTransactionStatus(ctx context.Context, id uint64, from, to model.PaymentStatus, note, gatewayRef string, now time.Time) (bool, error) {
	defer db.lock(ctx)()
	p, ok := db.payments[id]
	if !ok || p.Status != from {
		return false, nil
	}
	p.Status, p.GatewayNote, p.Time = to, note, now
	if gatewayRef != "" {
		p.GatewayRef = gatewayRef
	}
	db.payments[id] = p
	return true, nil
}

func (db *memDB) SetGateway(ctx context.Context, id uint64, method model.PaymentMethod, gatewayRef string, at time.Time) error {
	defer db.lock(ctx)()
	p, ok := db.payments[id]
	if ok && p.Status == model.PaymentPending {
		p.Method, p.GatewayRef, p.Time = method, gatewayRef, at
		db.payments[id] = p
	}
	return nil
}

func (db *memDB) ListPendingByMethod(ctx context.Context, method model.PaymentMethod, from, to time.Time, limit int) ([]model.PaymentTransaction, error) {
	defer db.lock(ctx)()
	var out []model.PaymentTransaction
	for _, p := range db.payments {
		if p.Method == method && p.Status == model.PaymentPending && !p.Time.Before(from) && !p.Time.After(to) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (db *memDB) InsertWebhookLog(ctx context.Context, l *model.PaymentWebhookLog) error {
	defer db.lock(ctx)()
	if err := db.fault("InsertWebhookLog"); err != nil {
		return err
	}
	for _, o := range db.webhooks {
		if o.PayloadHash == l.PayloadHash {
			return fmt.Errorf("%w: payload %s", repository.ErrDuplicate, l.PayloadHash)
		}
	}
	l.ID = db.nextID()
	db.webhooks = append(db.webhooks, *l)
	return nil
}

func (db *memDB) FinishWebhookLog(ctx context.Context, id uint64, status model.ProcessingStatus, txnID, errMsg string, now time.Time) error {
	defer db.lock(ctx)()
	for i, l := range db.webhooks {
		if l.ID == id {
			at := now
			db.webhooks[i].ProcessingStatus = status
			db.webhooks[i].TransactionID = txnID
			db.webhooks[i].ErrorMessage = errMsg
			db.webhooks[i].ProcessedAt = &at
		}
	}
	return nil
}

func (db *memDB) ListWebhookLogs(ctx context.Context, status model.ProcessingStatus, limit int) ([]model.PaymentWebhookLog, error) {
	defer db.lock(ctx)()
	var out []model.PaymentWebhookLog
	for i := len(db.webhooks) - 1; i >= 0 && len(out) < limit; i-- {
		if status == "" || db.webhooks[i].ProcessingStatus == status {
			out = append(out, db.webhooks[i])
		}
	}
	return out, nil
}

func (db *memDB) FindRefund(ctx context.Context, bookingID uint64, amount decimal.Decimal) (*model.RefundRequest, error) {
	defer db.lock(ctx)()
	for _, r := range db.refunds {
		if r.BookingID == bookingID && r.Amount.Equal(amount) {
			return &r, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (db *memDB) LatestRefund(ctx context.Context, bookingID uint64) (*model.RefundRequest, error) {
	defer db.lock(ctx)()
	for i := len(db.refunds) - 1; i >= 0; i-- {
		if r := db.refunds[i]; r.BookingID == bookingID {
			return &r, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (db *memDB) CreateRefund(ctx context.Context, rr *model.RefundRequest) error {
	defer db.lock(ctx)()
	for _, r := range db.refunds {
		if r.BookingID == rr.BookingID && r.Amount.Equal(rr.Amount) {
			return fmt.Errorf("%w: refund of booking %d", repository.ErrDuplicate, rr.BookingID)
		}
	}
	rr.ID = db.nextID()
	db.refunds = append(db.refunds, *rr)
	return nil
}

func (db *memDB) UpdateRefund(ctx context.Context, id uint64, status model.RefundStatus, gatewayRef string, now time.Time) error {
	defer db.lock(ctx)()
	for i, r := range db.refunds {
		if r.ID == id {
			db.refunds[i].Status = status
			db.refunds[i].UpdatedAt = now
			if gatewayRef != "" {
				db.refunds[i].GatewayRef = gatewayRef
			}
		}
	}
	return nil
}

// ---- OutboxStore / OutboxReader ----

func (db *memDB) Append(ctx context.Context, e model.OutboxEvent) error {
	defer db.lock(ctx)()
	db.outbox = append(db.outbox, e)
	return nil
}

func (db *memDB) ListUnpublished(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	defer db.lock(ctx)()
	var out []model.OutboxEvent
	for _, e := range db.outbox {
		if e.PublishedAt == nil {
			out = append(out, e)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (db *memDB) MarkPublished(ctx context.Context, id string, at time.Time) error {
	defer db.lock(ctx)()
	for i, e := range db.outbox {
		if e.ID == id {
			t := at
			db.outbox[i].PublishedAt = &t
		}
	}
	return nil
}

// ---- TicketStore ----

// ticketView exposes the ticket table; GetByCode collides with the booking
// lookup of the same name.
type ticketView struct{ *memDB }

func (v ticketView) GetByCode(ctx context.Context, code string) (*model.Ticket, error) {
	defer v.lock(ctx)()
	for _, t := range v.tickets {
		if t.TicketCode == code {
			return &t, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (db *memDB) ListByBooking(ctx context.Context, bookingID uint64) ([]model.Ticket, error) {
	defer db.lock(ctx)()
	var out []model.Ticket
	for _, t := range db.tickets {
		if t.BookingID == bookingID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SeatIndex < out[j].SeatIndex })
	return out, nil
}

func (db *memDB) InsertTickets(ctx context.Context, tickets []model.Ticket) error {
	defer db.lock(ctx)()
	for _, nt := range tickets {
		for _, t := range db.tickets {
			if t.TicketCode == nt.TicketCode || (t.BookingID == nt.BookingID && t.SeatIndex == nt.SeatIndex) {
				return fmt.Errorf("%w: ticket %s", repository.ErrDuplicate, nt.TicketCode)
			}
		}
	}
	for _, nt := range tickets {
		nt.ID = db.nextID()
		db.tickets = append(db.tickets, nt)
	}
	return nil
}

func (db *memDB) CheckIn(ctx context.Context, code string, now time.Time) (bool, error) {
	defer db.lock(ctx)()
	for i, t := range db.tickets {
		if t.TicketCode == code && !t.CheckedIn {
			at := now
			db.tickets[i].CheckedIn = true
			db.tickets[i].CheckedInAt = &at
			return true, nil
		}
	}
	return false, nil
}
