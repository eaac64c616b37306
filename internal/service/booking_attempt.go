package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Freeeeeet/expert_scheduler/internal/apperr"
	"github.com/Freeeeeet/expert_scheduler/internal/model"
	"github.com/Freeeeeet/expert_scheduler/internal/payment"
	"github.com/Freeeeeet/expert_scheduler/internal/timerange"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// AttemptState состояние попытки бронирования
type AttemptState string

const (
	AttemptSelecting  AttemptState = "selecting"
	AttemptVerifying  AttemptState = "verifying"
	AttemptReserving  AttemptState = "reserving"
	AttemptPaying     AttemptState = "paying"
	AttemptCommitted  AttemptState = "committed"
	AttemptRolledBack AttemptState = "rolled-back"
)

// SlotView слот дня с отметками занятости для отображения
type SlotView struct {
	Slot          model.BookableSlot
	BookedByOther bool
	BookedBySelf  bool
	Selected      bool
}

// SelectionNotice слот убран из выбора после фоновой проверки
type SelectionNotice struct {
	SlotID string
	Err    *apperr.Error
}

// Reservation результат Reserve
type Reservation struct {
	State        AttemptState
	Appointments []*model.Appointment
	Cost         Cost
	// Для оплаты через шлюз: ссылка на платёж и секрет для клиента
	PaymentReference string
	ClientSecret     string
}

// AttemptOption настройка попытки
type AttemptOption func(*BookingAttempt)

// WithNoticeHandler вызывается, когда фоновая проверка убирает слот из выбора
func WithNoticeHandler(fn func(SelectionNotice)) AttemptOption {
	return func(a *BookingAttempt) {
		a.onNotice = fn
	}
}

// WithSettledHandler вызывается, когда асинхронная оплата через шлюз завершилась
func WithSettledHandler(fn func(*Reservation, error)) AttemptOption {
	return func(a *BookingAttempt) {
		a.onSettled = fn
	}
}

// BookingAttempt одна попытка пользователя забронировать слоты эксперта на дату.
// Методы безопасны для вызова из нескольких горутин.
type BookingAttempt struct {
	id       uuid.UUID
	svc      *BookingService
	userID   uuid.UUID
	expertID uuid.UUID
	date     time.Time
	tiers    PricingTiers

	onNotice  func(SelectionNotice)
	onSettled func(*Reservation, error)

	mu             sync.Mutex
	state          AttemptState
	slots          []model.BookableSlot
	byID           map[string]model.BookableSlot
	bookedByOthers []timerange.Range
	myBookings     []timerange.Range
	selected       map[string]model.BookableSlot
	reserving      bool
	reserveSeq     int
	result         *Reservation

	verify errgroup.Group
}

// ID идентификатор попытки
func (a *BookingAttempt) ID() uuid.UUID {
	return a.id
}

// State текущее состояние
func (a *BookingAttempt) State() AttemptState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Result бронь, если попытка завершилась успешно
func (a *BookingAttempt) Result() *Reservation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.result
}

// Slots все будущие слоты дня с отметками занятости
func (a *BookingAttempt) Slots() []SlotView {
	a.mu.Lock()
	defer a.mu.Unlock()

	views := make([]SlotView, 0, len(a.slots))
	for _, s := range a.slots {
		r := rangeOf(s)
		_, selected := a.selected[s.ID]
		views = append(views, SlotView{
			Slot:          s,
			BookedByOther: overlapsAny(r, a.bookedByOthers),
			BookedBySelf:  containsRange(a.myBookings, r),
			Selected:      selected,
		})
	}
	return views
}

// Selection выбранные слоты по возрастанию времени
func (a *BookingAttempt) Selection() []model.BookableSlot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.selectionLocked()
}

// Cost стоимость текущего выбора
func (a *BookingAttempt) Cost() (Cost, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return ComputeCost(a.selectionLocked(), a.tiers)
}

// ToggleSlot добавляет слот в выбор или убирает его.
// Возвращает true, если слот теперь выбран. Слоты, занятые другими или
// уже забронированные самим пользователем, не выбираются. После выбора
// хранилище проверяется повторно в фоне; дубликат убирается из выбора
// с уведомлением через SelectionNotice.
func (a *BookingAttempt) ToggleSlot(ctx context.Context, slotID string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case a.state == AttemptCommitted:
		return false, ErrAttemptClosed
	case a.reserving:
		return false, ErrReservationInProgress
	case a.state == AttemptRolledBack:
		a.state = AttemptSelecting
	}

	slot, ok := a.byID[slotID]
	if !ok {
		return false, apperr.New(apperr.UnknownSlot, "").WithSlots(slotID)
	}

	if _, selected := a.selected[slotID]; selected {
		delete(a.selected, slotID)
		return false, nil
	}

	r := rangeOf(slot)
	if overlapsAny(r, a.bookedByOthers) {
		return false, apperr.New(apperr.AlreadyBookedByOther, "").WithSlots(slotID)
	}
	if containsRange(a.myBookings, r) {
		return false, apperr.New(apperr.AlreadyBookedBySelf, "").WithSlots(slotID)
	}

	a.selected[slotID] = slot

	vctx := context.WithoutCancel(ctx)
	a.verify.Go(func() error {
		a.reverify(vctx, slot)
		return nil
	})

	return true, nil
}

// Wait ждёт завершения фоновых проверок
func (a *BookingAttempt) Wait() error {
	return a.verify.Wait()
}

// Reserve бронирует выбранные слоты и проводит оплату.
// Для кошелька возвращает завершённую бронь. Для шлюза возвращает бронь
// в состоянии paying; итог придёт через BookingService.ConfirmGatewayPayment.
// Пока предыдущий вызов не завершился, повторный вызов возвращает ErrReservationInProgress.
func (a *BookingAttempt) Reserve(ctx context.Context, payer payment.Payer) (*Reservation, error) {
	a.mu.Lock()
	switch {
	case a.reserving:
		a.mu.Unlock()
		return nil, ErrReservationInProgress
	case a.state == AttemptCommitted:
		a.mu.Unlock()
		return nil, ErrAttemptClosed
	}

	selection := a.selectionLocked()
	cost, err := ComputeCost(selection, a.tiers)
	if err != nil {
		a.mu.Unlock()
		return nil, err
	}

	a.reserving = true
	a.reserveSeq++
	a.state = AttemptVerifying
	a.mu.Unlock()

	res, err := a.svc.reserve(ctx, a, selection, cost, payer)
	if err != nil {
		a.rollBack(ctx, err)
		return nil, err
	}

	a.mu.Lock()
	a.state = res.State
	if res.State == AttemptCommitted {
		a.commitLocked(res)
	}
	a.mu.Unlock()

	return res, nil
}

// Refresh перечитывает слоты и занятость из хранилища
func (a *BookingAttempt) Refresh(ctx context.Context) error {
	grid, booked, err := a.svc.slots.grid(ctx, a.expertID, a.date)
	if err != nil {
		return err
	}

	var others, mine []*model.Appointment
	for _, appt := range booked {
		if appt.UserID == a.userID {
			mine = append(mine, appt)
		} else {
			others = append(others, appt)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.slots = grid
	a.byID = make(map[string]model.BookableSlot, len(grid))
	for _, s := range grid {
		a.byID[s.ID] = s
	}
	a.bookedByOthers = bookedRanges(others)
	a.myBookings = bookedRanges(mine)

	// Устаревший выбор не сохраняем
	for id, s := range a.selected {
		r := rangeOf(s)
		if _, ok := a.byID[id]; !ok || overlapsAny(r, a.bookedByOthers) || containsRange(a.myBookings, r) {
			delete(a.selected, id)
		}
	}

	return nil
}

func (a *BookingAttempt) reverify(ctx context.Context, slot model.BookableSlot) {
	mine, err := a.svc.appointments.ListByUser(ctx, a.userID, a.expertID, a.date)
	if err != nil {
		a.svc.logger.Warn("Failed to re-verify selected slot",
			zap.String("attempt_id", a.id.String()),
			zap.String("slot_id", slot.ID),
			zap.Error(err))
		return
	}

	ranges := bookedRanges(mine)

	a.mu.Lock()
	a.myBookings = ranges
	_, stillSelected := a.selected[slot.ID]
	duplicate := stillSelected && !a.reserving && containsRange(ranges, rangeOf(slot))
	if duplicate {
		delete(a.selected, slot.ID)
	}
	notify := a.onNotice
	a.mu.Unlock()

	if duplicate && notify != nil {
		notify(SelectionNotice{
			SlotID: slot.ID,
			Err:    apperr.New(apperr.AlreadyBookedBySelf, "").WithSlots(slot.ID),
		})
	}
}

func (a *BookingAttempt) setState(s AttemptState) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// rollBack завершает неудачную попытку; при конфликте выбор сверяется со свежими данными
func (a *BookingAttempt) rollBack(ctx context.Context, cause error) {
	switch apperr.KindOf(cause) {
	case apperr.SlotNoLongerAvailable, apperr.SlotLostDuringPayment, apperr.DuplicateBooking:
		if err := a.Refresh(context.WithoutCancel(ctx)); err != nil {
			a.svc.logger.Error("Failed to refresh slots after conflict",
				zap.String("attempt_id", a.id.String()),
				zap.Error(err))
		}
	}

	a.mu.Lock()
	a.state = AttemptRolledBack
	a.reserving = false
	a.mu.Unlock()
}

// settle завершает попытку по результату оплаты через шлюз
func (a *BookingAttempt) settle(ctx context.Context, res *Reservation, err error) {
	if err != nil {
		a.rollBack(ctx, err)
	} else {
		a.mu.Lock()
		a.state = AttemptCommitted
		a.commitLocked(res)
		a.mu.Unlock()
	}

	if a.onSettled != nil {
		a.onSettled(res, err)
	}
}

func (a *BookingAttempt) commitLocked(res *Reservation) {
	a.reserving = false
	a.result = res
	a.selected = make(map[string]model.BookableSlot)
	for _, appt := range res.Appointments {
		a.myBookings = append(a.myBookings, timerange.Of(appt.StartTime, appt.EndTime))
	}
}

func (a *BookingAttempt) selectionLocked() []model.BookableSlot {
	selection := make([]model.BookableSlot, 0, len(a.selected))
	for _, s := range a.selected {
		selection = append(selection, s)
	}
	sort.Slice(selection, func(i, j int) bool {
		return rangeOf(selection[i]).Start < rangeOf(selection[j]).Start
	})
	return selection
}

func containsRange(ranges []timerange.Range, r timerange.Range) bool {
	for _, b := range ranges {
		if b == r {
			return true
		}
	}
	return false
}
