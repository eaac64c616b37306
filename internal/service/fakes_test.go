package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Freeeeeet/expert_scheduler/internal/clock"
	"github.com/Freeeeeet/expert_scheduler/internal/model"
	"github.com/Freeeeeet/expert_scheduler/internal/payment"
	"github.com/Freeeeeet/expert_scheduler/internal/repository"
	"github.com/Freeeeeet/expert_scheduler/internal/timerange"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// memStore хранилище в памяти с теми же гарантиями, что и репозитории на Postgres
type memStore struct {
	mu       sync.Mutex
	windows  []*model.AvailabilityWindow
	appts    map[uuid.UUID]*model.Appointment
	txs      []*model.WalletTransaction
	deposits map[uuid.UUID]int64
	recs     map[string]*model.PaymentReconciliation

	beforeCreate func()
	createCalls  int
	readCalls    int
}

func newMemStore() *memStore {
	return &memStore{
		appts:    make(map[uuid.UUID]*model.Appointment),
		deposits: make(map[uuid.UUID]int64),
		recs:     make(map[string]*model.PaymentReconciliation),
	}
}

func (s *memStore) addWindow(expertID uuid.UUID, day int, start, end string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows = append(s.windows, &model.AvailabilityWindow{
		ID:        uuid.New(),
		ExpertID:  expertID,
		DayOfWeek: day,
		StartTime: start,
		EndTime:   end,
		Timezone:  "UTC",
	})
}

func (s *memStore) addAppointment(userID, expertID uuid.UUID, date time.Time, start, end string, status model.AppointmentStatus) *model.Appointment {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := &model.Appointment{
		ID:            uuid.New(),
		UserID:        userID,
		ExpertID:      expertID,
		Date:          date,
		StartTime:     start,
		EndTime:       end,
		Timezone:      "UTC",
		Status:        status,
		PaymentStatus: model.PaymentStatusCompleted,
		Amount:        1500,
	}
	s.appts[a.ID] = a
	cp := *a
	return &cp
}

func (s *memStore) deposit(userID uuid.UUID, amount int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deposits[userID] += amount
}

func (s *memStore) balance(userID uuid.UUID) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balanceLocked(userID)
}

func (s *memStore) balanceLocked(userID uuid.UUID) int64 {
	b := s.deposits[userID]
	for _, t := range s.txs {
		if t.UserID != userID {
			continue
		}
		if t.Type == model.TransactionTypeCredit {
			b += t.Amount
		} else {
			b -= t.Amount
		}
	}
	return b
}

func (s *memStore) userAppointments(userID uuid.UUID) []*model.Appointment {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Appointment
	for _, a := range s.appts {
		if a.UserID == userID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out
}

func (s *memStore) transactions() []*model.WalletTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.WalletTransaction, len(s.txs))
	copy(out, s.txs)
	return out
}

// AvailabilityStore

func (s *memStore) ListByExpert(_ context.Context, expertID uuid.UUID) ([]*model.AvailabilityWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.AvailabilityWindow
	for _, w := range s.windows {
		if w.ExpertID == expertID {
			out = append(out, w)
		}
	}
	return out, nil
}

func (s *memStore) ListByExpertDay(_ context.Context, expertID uuid.UUID, day int) ([]*model.AvailabilityWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.AvailabilityWindow
	for _, w := range s.windows {
		if w.ExpertID == expertID && w.DayOfWeek == day {
			out = append(out, w)
		}
	}
	return out, nil
}

func (s *memStore) ReplaceDay(_ context.Context, expertID uuid.UUID, day int, windows []*model.AvailabilityWindow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.windows[:0]
	for _, w := range s.windows {
		if !(w.ExpertID == expertID && w.DayOfWeek == day) {
			kept = append(kept, w)
		}
	}
	for _, w := range windows {
		w.ID = uuid.New()
		kept = append(kept, w)
	}
	s.windows = kept
	return nil
}

// AppointmentStore

func (s *memStore) GetByID(_ context.Context, id uuid.UUID) (*model.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readCalls++
	a, ok := s.appts[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (s *memStore) ListOccupying(_ context.Context, expertID uuid.UUID, date time.Time) ([]*model.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readCalls++
	return s.occupyingLocked(expertID, date), nil
}

func (s *memStore) occupyingLocked(expertID uuid.UUID, date time.Time) []*model.Appointment {
	var out []*model.Appointment
	for _, a := range s.appts {
		if a.ExpertID == expertID && sameDay(a.Date, date) && occupying(a.Status) {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out
}

func (s *memStore) ListByUser(_ context.Context, userID, expertID uuid.UUID, date time.Time) ([]*model.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readCalls++
	var out []*model.Appointment
	for _, a := range s.occupyingLocked(expertID, date) {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *memStore) CreateBatch(_ context.Context, appts []*model.Appointment) error {
	if hook := s.takeBeforeCreate(); hook != nil {
		hook()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.createCalls++

	if len(appts) == 0 {
		return nil
	}

	existing := s.occupyingLocked(appts[0].ExpertID, appts[0].Date)
	for _, a := range appts {
		want := timerange.Of(a.StartTime, a.EndTime)
		for _, e := range existing {
			if timerange.Overlaps(want, timerange.Of(e.StartTime, e.EndTime)) {
				return fmt.Errorf("%w: %s", repository.ErrSlotTaken, want)
			}
		}
	}

	for _, a := range appts {
		a.ID = uuid.New()
		cp := *a
		s.appts[a.ID] = &cp
	}
	return nil
}

func (s *memStore) takeBeforeCreate() func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	hook := s.beforeCreate
	s.beforeCreate = nil
	return hook
}

func (s *memStore) DeletePending(_ context.Context, ids []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if a, ok := s.appts[id]; ok && a.PaymentStatus == model.PaymentStatusPending {
			delete(s.appts, id)
		}
	}
	return nil
}

func (s *memStore) MarkPaid(_ context.Context, ids []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		a, ok := s.appts[id]
		if !ok {
			return repository.ErrNotFound
		}
		a.PaymentStatus = model.PaymentStatusCompleted
	}
	return nil
}

func (s *memStore) Cancel(_ context.Context, id uuid.UUID, from []model.AppointmentStatus, reason model.CancellationReason) (*model.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.appts[id]
	if !ok {
		return nil, repository.ErrNotFound
	}

	allowed := false
	for _, st := range from {
		if a.Status == st {
			allowed = true
		}
	}
	if !allowed {
		return nil, fmt.Errorf("%w: %s", repository.ErrStatusChanged, a.Status)
	}

	notes, err := model.MergeCancellation(a.Notes, reason)
	if err != nil {
		return nil, err
	}
	a.Status = model.AppointmentStatusCancelled
	a.Notes = notes
	cp := *a
	return &cp, nil
}

// WalletStore

func (s *memStore) Debit(_ context.Context, tx *model.WalletTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx.Type = model.TransactionTypeDebit
	if b := s.balanceLocked(tx.UserID); b < tx.Amount {
		return fmt.Errorf("%w: balance %d, required %d", repository.ErrInsufficientBalance, b, tx.Amount)
	}
	tx.ID = uuid.New()
	s.txs = append(s.txs, tx)
	return nil
}

func (s *memStore) Credit(_ context.Context, tx *model.WalletTransaction) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx.Type = model.TransactionTypeCredit
	for _, t := range s.txs {
		if t.Type == model.TransactionTypeCredit && t.ReferenceID == tx.ReferenceID &&
			t.ReferenceType == tx.ReferenceType && t.Reason == tx.Reason {
			return false, nil
		}
	}
	tx.ID = uuid.New()
	s.txs = append(s.txs, tx)
	return true, nil
}

func (s *memStore) FindRefund(_ context.Context, refID uuid.UUID, refType model.ReferenceType) (*model.WalletTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.txs {
		if t.ReferenceID == refID && t.ReferenceType == refType && t.IsRefund() {
			return t, nil
		}
	}
	return nil, nil
}

// ReconciliationStore

func (s *memStore) Create(_ context.Context, rec *model.PaymentReconciliation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.recs[rec.PaymentReference]; ok {
		rec.ID = existing.ID
		rec.Status = existing.Status
		return nil
	}
	rec.ID = uuid.New()
	rec.Status = model.ReconciliationStatusPending
	cp := *rec
	s.recs[rec.PaymentReference] = &cp
	return nil
}

func (s *memStore) ListPending(_ context.Context, limit int) ([]*model.PaymentReconciliation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.PaymentReconciliation
	for _, r := range s.recs {
		if r.Status == model.ReconciliationStatusPending && len(out) < limit {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) MarkResolved(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.recs {
		if r.ID == id {
			r.Status = model.ReconciliationStatusResolved
			return nil
		}
	}
	return repository.ErrNotFound
}

func (s *memStore) MarkFailed(_ context.Context, id uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.recs {
		if r.ID == id {
			r.Attempts++
			r.LastError = reason
		}
	}
	return nil
}

func (s *memStore) reconciliation(reference string) *model.PaymentReconciliation {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recs[reference]
	if !ok {
		return nil
	}
	cp := *r
	return &cp
}

// fakeGateway шлюз, который запоминает платежи и возвраты
type fakeGateway struct {
	mu        sync.Mutex
	seq       int
	checkouts []payment.Checkout
	refunds   map[string]int64
	refundErr error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{refunds: make(map[string]int64)}
}

func (g *fakeGateway) StartCheckout(_ context.Context, c payment.Checkout) (*payment.CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	g.checkouts = append(g.checkouts, c)
	ref := fmt.Sprintf("pi_%d", g.seq)
	return &payment.CheckoutSession{Reference: ref, ClientSecret: ref + "_secret"}, nil
}

func (g *fakeGateway) Refund(_ context.Context, reference string, amount int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.refundErr != nil {
		return g.refundErr
	}
	g.refunds[reference] += amount
	return nil
}

func occupying(status model.AppointmentStatus) bool {
	for _, st := range model.OccupyingStatuses {
		if st == status {
			return true
		}
	}
	return false
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// Понедельник
var testDate = time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)

type bookingFixture struct {
	store    *memStore
	gateway  *fakeGateway
	clock    *clock.Fake
	booking  *BookingService
	expertID uuid.UUID
	tiers    PricingTiers
}

func newBookingFixture() *bookingFixture {
	store := newMemStore()
	gateway := newFakeGateway()
	clk := clock.NewFake(testDate.Add(8 * time.Hour))
	logger := zap.NewNop()

	expertID := uuid.New()
	store.addWindow(expertID, int(time.Monday), "09:00", "12:00")

	slots := NewSlotService(store, store, clk, logger)
	booking := NewBookingService(slots, store, store, store, gateway, clk, "usd", logger)

	return &bookingFixture{
		store:    store,
		gateway:  gateway,
		clock:    clk,
		booking:  booking,
		expertID: expertID,
		tiers:    PricingTiers{UnitRate: 1500, BundleRate: 2500},
	}
}

func slotIDAt(start string) string {
	r := timerange.Of(start, timerange.Format(timerange.MinutesOf(start)+30))
	return SlotID(testDate, r)
}
