package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Freeeeeet/expert_scheduler/internal/apperr"
	"github.com/Freeeeeet/expert_scheduler/internal/clock"
	"github.com/Freeeeeet/expert_scheduler/internal/model"
	"github.com/Freeeeeet/expert_scheduler/internal/payment"
	"github.com/Freeeeeet/expert_scheduler/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Причины обязательств по возврату
const (
	ReasonSlotLostDuringPayment = "slot_lost_during_payment"
	// ReasonOrphanedPayment оплата прошла, но ожидающей её попытки в процессе нет
	// (перезапуск, другая реплика или истёкшее ожидание)
	ReasonOrphanedPayment = "orphaned_payment"
)

// CheckoutTTL сколько ждём результата оплаты через шлюз
const CheckoutTTL = 2 * time.Hour

// pendingCheckout оплата через шлюз, ожидающая результата
type pendingCheckout struct {
	attempt   *BookingAttempt
	selection []model.BookableSlot
	cost      Cost
	payerID   uuid.UUID
	startedAt time.Time
}

type BookingService struct {
	slots           *SlotService
	appointments    AppointmentStore
	wallet          WalletStore
	reconciliations ReconciliationStore
	gateway         payment.Gateway
	clock           clock.Clock
	currency        string
	logger          *zap.Logger

	mu        sync.Mutex
	checkouts map[string]*pendingCheckout
}

func NewBookingService(
	slots *SlotService,
	appointments AppointmentStore,
	wallet WalletStore,
	reconciliations ReconciliationStore,
	gateway payment.Gateway,
	clk clock.Clock,
	currency string,
	logger *zap.Logger,
) *BookingService {
	return &BookingService{
		slots:           slots,
		appointments:    appointments,
		wallet:          wallet,
		reconciliations: reconciliations,
		gateway:         gateway,
		clock:           clk,
		currency:        currency,
		logger:          logger,
		checkouts:       make(map[string]*pendingCheckout),
	}
}

// Open начинает попытку бронирования: загружает свежие слоты и занятость
func (s *BookingService) Open(ctx context.Context, userID, expertID uuid.UUID, date time.Time, tiers PricingTiers, opts ...AttemptOption) (*BookingAttempt, error) {
	if err := tiers.Validate(); err != nil {
		return nil, err
	}
	if tiers.Currency == "" {
		tiers.Currency = s.currency
	}

	y, m, d := date.Date()
	a := &BookingAttempt{
		id:       uuid.New(),
		svc:      s,
		userID:   userID,
		expertID: expertID,
		date:     time.Date(y, m, d, 0, 0, 0, 0, time.UTC),
		tiers:    tiers,
		state:    AttemptSelecting,
		selected: make(map[string]model.BookableSlot),
	}
	for _, opt := range opts {
		opt(a)
	}

	if err := a.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("load slots: %w", err)
	}

	return a, nil
}

// reserve проверки и оплата по выбранным слотам
func (s *BookingService) reserve(ctx context.Context, a *BookingAttempt, selection []model.BookableSlot, cost Cost, payer payment.Payer) (*Reservation, error) {
	if err := s.checkDuplicates(ctx, a, selection); err != nil {
		return nil, err
	}

	lost, err := s.lostSlots(ctx, a, selection)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "")
	}
	if len(lost) > 0 {
		return nil, apperr.New(apperr.SlotNoLongerAvailable, "").WithSlots(lost...)
	}

	payerID := payer.UserID
	if payerID == uuid.Nil {
		payerID = a.userID
	}

	switch payer.Method {
	case payment.MethodWallet:
		return s.reserveWithWallet(ctx, a, selection, cost, payerID)
	case payment.MethodGateway:
		return s.startCheckout(ctx, a, selection, cost, payerID)
	default:
		return nil, apperr.New(apperr.PaymentFailed, fmt.Sprintf("unsupported payment method %q", payer.Method))
	}
}

// checkDuplicates пользователь уже бронировал ровно такое время у этого эксперта
func (s *BookingService) checkDuplicates(ctx context.Context, a *BookingAttempt, selection []model.BookableSlot) error {
	mine, err := s.appointments.ListByUser(ctx, a.userID, a.expertID, a.date)
	if err != nil {
		return apperr.Wrap(apperr.Internal, fmt.Errorf("get user appointments: %w", err), "")
	}

	ranges := bookedRanges(mine)
	var duplicates []string
	for _, slot := range selection {
		if containsRange(ranges, rangeOf(slot)) {
			duplicates = append(duplicates, slot.ID)
		}
	}

	if len(duplicates) > 0 {
		return apperr.New(apperr.DuplicateBooking, "").WithSlots(duplicates...)
	}
	return nil
}

// lostSlots слоты выбора, которые пересекаются с занятым временем эксперта
func (s *BookingService) lostSlots(ctx context.Context, a *BookingAttempt, selection []model.BookableSlot) ([]string, error) {
	occupying, err := s.appointments.ListOccupying(ctx, a.expertID, a.date)
	if err != nil {
		return nil, fmt.Errorf("get booked appointments: %w", err)
	}

	ranges := bookedRanges(occupying)
	var lost []string
	for _, slot := range selection {
		if overlapsAny(rangeOf(slot), ranges) {
			lost = append(lost, slot.ID)
		}
	}
	return lost, nil
}

func (s *BookingService) reserveWithWallet(ctx context.Context, a *BookingAttempt, selection []model.BookableSlot, cost Cost, payerID uuid.UUID) (*Reservation, error) {
	a.setState(AttemptReserving)

	appts := buildAppointments(a, selection, cost, model.PaymentStatusPending)
	if err := s.appointments.CreateBatch(ctx, appts); err != nil {
		if errors.Is(err, repository.ErrSlotTaken) {
			return nil, apperr.Wrap(apperr.SlotNoLongerAvailable, err, "").WithSlots(slotIDs(selection)...)
		}
		return nil, apperr.Wrap(apperr.Internal, fmt.Errorf("create appointments: %w", err), "")
	}

	a.setState(AttemptPaying)
	ids := appointmentIDs(appts)

	if cost.Total > 0 {
		debit := &model.WalletTransaction{
			UserID:        payerID,
			Amount:        cost.Total,
			Reason:        model.TransactionReasonBooking,
			ReferenceID:   appts[0].ID,
			ReferenceType: model.ReferenceTypeAppointment,
			Metadata:      appointmentsMetadata(ids),
		}

		if err := s.wallet.Debit(ctx, debit); err != nil {
			s.rollbackPending(ctx, a, ids)
			if errors.Is(err, repository.ErrInsufficientBalance) {
				return nil, apperr.Wrap(apperr.InsufficientBalance, err, "")
			}
			return nil, apperr.Wrap(apperr.PaymentFailed, err, "")
		}
	}

	if err := s.appointments.MarkPaid(context.WithoutCancel(ctx), ids); err != nil {
		s.logger.Error("Failed to mark appointments paid, compensating",
			zap.String("attempt_id", a.id.String()),
			zap.Error(err))
		s.compensateDebit(ctx, payerID, appts[0].ID, cost.Total)
		s.rollbackPending(ctx, a, ids)
		return nil, apperr.Wrap(apperr.PaymentFailed, err, "")
	}

	for _, appt := range appts {
		appt.PaymentStatus = model.PaymentStatusCompleted
	}

	s.logger.Info("Appointments booked",
		zap.String("attempt_id", a.id.String()),
		zap.String("user_id", a.userID.String()),
		zap.String("expert_id", a.expertID.String()),
		zap.Int("slots", len(appts)),
		zap.Int64("amount", cost.Total))

	return &Reservation{State: AttemptCommitted, Appointments: appts, Cost: cost}, nil
}

// rollbackPending удаляет неоплаченные встречи, даже если контекст вызова уже отменён
func (s *BookingService) rollbackPending(ctx context.Context, a *BookingAttempt, ids []uuid.UUID) {
	if err := s.appointments.DeletePending(context.WithoutCancel(ctx), ids); err != nil {
		s.logger.Error("Failed to roll back pending appointments",
			zap.String("attempt_id", a.id.String()),
			zap.Int("appointments", len(ids)),
			zap.Error(err))
	}
}

func (s *BookingService) compensateDebit(ctx context.Context, userID, referenceID uuid.UUID, amount int64) {
	if amount <= 0 {
		return
	}

	credit := &model.WalletTransaction{
		UserID:        userID,
		Amount:        amount,
		Reason:        model.TransactionReasonRefund,
		ReferenceID:   referenceID,
		ReferenceType: model.ReferenceTypeAppointment,
	}
	if _, err := s.wallet.Credit(context.WithoutCancel(ctx), credit); err != nil {
		s.logger.Error("Failed to return debited funds",
			zap.String("user_id", userID.String()),
			zap.Int64("amount", amount),
			zap.Error(err))
	}
}

func (s *BookingService) startCheckout(ctx context.Context, a *BookingAttempt, selection []model.BookableSlot, cost Cost, payerID uuid.UUID) (*Reservation, error) {
	if s.gateway == nil {
		return nil, apperr.New(apperr.PaymentFailed, "payment gateway is not configured")
	}

	a.setState(AttemptPaying)

	a.mu.Lock()
	seq := a.reserveSeq
	a.mu.Unlock()

	ids := slotIDs(selection)
	session, err := s.gateway.StartCheckout(ctx, payment.Checkout{
		Amount:      cost.Total,
		Currency:    a.tiers.Currency,
		UserID:      payerID,
		ExpertID:    a.expertID,
		Description: fmt.Sprintf("Consultation %s, %d min", a.date.Format("2006-01-02"), cost.Minutes),
		Metadata: map[string]string{
			"attempt_id": a.id.String(),
			"slots":      strings.Join(ids, ","),
		},
		IdempotencyKey: fmt.Sprintf("%s:%d", a.id, seq),
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.PaymentFailed, err, "")
	}

	s.mu.Lock()
	s.checkouts[session.Reference] = &pendingCheckout{
		attempt:   a,
		selection: selection,
		cost:      cost,
		payerID:   payerID,
		startedAt: s.clock.Now(),
	}
	s.mu.Unlock()

	s.logger.Info("Checkout started",
		zap.String("attempt_id", a.id.String()),
		zap.String("payment_id", session.Reference),
		zap.Int64("amount", cost.Total))

	return &Reservation{
		State:            AttemptPaying,
		Cost:             cost,
		PaymentReference: session.Reference,
		ClientSecret:     session.ClientSecret,
	}, nil
}

// ConfirmGatewayPayment обрабатывает результат оплаты через шлюз.
// Повторная доставка того же результата ничего не делает. При внутренней
// ошибке оплата остаётся ожидающей, чтобы повторная доставка её обработала.
func (s *BookingService) ConfirmGatewayPayment(ctx context.Context, result payment.Result) error {
	pc := s.takeCheckout(result.Reference)
	if pc == nil {
		if result.Status == payment.ResultSucceeded {
			return s.orphanedPayment(ctx, result)
		}
		s.logger.Info("Payment result for unknown checkout, skipping",
			zap.String("payment_id", result.Reference),
			zap.String("status", string(result.Status)))
		return nil
	}

	var (
		res *Reservation
		err error
	)

	switch result.Status {
	case payment.ResultSucceeded:
		res, err = s.commitGatewayPayment(ctx, result.Reference, pc)
	case payment.ResultFailed:
		err = apperr.New(apperr.PaymentFailed, "")
	case payment.ResultAbandoned:
		err = apperr.New(apperr.PaymentAbandoned, "")
	default:
		err = fmt.Errorf("unknown payment status %q", result.Status)
	}

	if err != nil && apperr.KindOf(err) == apperr.Internal {
		s.restoreCheckout(result.Reference, pc)
		return err
	}

	if err != nil {
		s.logger.Warn("Gateway payment not committed",
			zap.String("payment_id", result.Reference),
			zap.String("attempt_id", pc.attempt.id.String()),
			zap.String("kind", string(apperr.KindOf(err))),
			zap.String("reason", result.Reason))
	}

	pc.attempt.settle(ctx, res, err)
	return err
}

func (s *BookingService) commitGatewayPayment(ctx context.Context, reference string, pc *pendingCheckout) (*Reservation, error) {
	a := pc.attempt

	lost, err := s.lostSlots(ctx, a, pc.selection)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "")
	}
	if len(lost) > 0 {
		return nil, s.slotLost(ctx, reference, pc, lost, nil)
	}

	a.setState(AttemptReserving)

	appts := buildAppointments(a, pc.selection, pc.cost, model.PaymentStatusCompleted)
	if err := s.appointments.CreateBatch(ctx, appts); err != nil {
		if errors.Is(err, repository.ErrSlotTaken) {
			return nil, s.slotLost(ctx, reference, pc, slotIDs(pc.selection), err)
		}
		return nil, apperr.Wrap(apperr.Internal, fmt.Errorf("create appointments: %w", err), "")
	}

	s.logger.Info("Appointments booked",
		zap.String("attempt_id", a.id.String()),
		zap.String("payment_id", reference),
		zap.String("user_id", a.userID.String()),
		zap.String("expert_id", a.expertID.String()),
		zap.Int("slots", len(appts)),
		zap.Int64("amount", pc.cost.Total))

	return &Reservation{
		State:            AttemptCommitted,
		Appointments:     appts,
		Cost:             pc.cost,
		PaymentReference: reference,
	}, nil
}

// slotLost оплата прошла, а слоты заняли: записываем обязательство вернуть деньги
func (s *BookingService) slotLost(ctx context.Context, reference string, pc *pendingCheckout, lost []string, cause error) error {
	rec := &model.PaymentReconciliation{
		PaymentReference: reference,
		UserID:           pc.payerID,
		ExpertID:         pc.attempt.expertID,
		Amount:           pc.cost.Total,
		Reason:           ReasonSlotLostDuringPayment,
	}

	if err := s.reconciliations.Create(ctx, rec); err != nil {
		return apperr.Wrap(apperr.Internal, fmt.Errorf("record reconciliation: %w", err), "")
	}

	s.logger.Warn("Slots lost during payment, refund scheduled",
		zap.String("payment_id", reference),
		zap.String("reconciliation_id", rec.ID.String()),
		zap.Strings("slots", lost),
		zap.Int64("amount", pc.cost.Total))

	return apperr.Wrap(apperr.SlotLostDuringPayment, cause, "").WithSlots(lost...)
}

// orphanedPayment деньги списаны, а встречи создать не для чего: записываем обязательство вернуть оплату.
// Повторная доставка попадает в ту же запись.
func (s *BookingService) orphanedPayment(ctx context.Context, result payment.Result) error {
	rec := &model.PaymentReconciliation{
		PaymentReference: result.Reference,
		UserID:           metadataID(result.Metadata, "user_id"),
		ExpertID:         metadataID(result.Metadata, "expert_id"),
		Amount:           result.Amount,
		Reason:           ReasonOrphanedPayment,
	}

	if err := s.reconciliations.Create(ctx, rec); err != nil {
		return apperr.Wrap(apperr.Internal, fmt.Errorf("record reconciliation: %w", err), "")
	}

	s.logger.Warn("Payment succeeded for unknown checkout, refund scheduled",
		zap.String("payment_id", result.Reference),
		zap.String("reconciliation_id", rec.ID.String()),
		zap.String("attempt_id", result.Metadata["attempt_id"]),
		zap.Int64("amount", result.Amount))

	return nil
}

// ExpireCheckouts откатывает попытки, результат оплаты которых не пришёл за CheckoutTTL.
// Если оплата всё же пройдёт позже, она будет возвращена как осиротевшая.
func (s *BookingService) ExpireCheckouts(ctx context.Context) int {
	deadline := s.clock.Now().Add(-CheckoutTTL)

	s.mu.Lock()
	var expired []*pendingCheckout
	var refs []string
	for ref, pc := range s.checkouts {
		if pc.startedAt.Before(deadline) {
			expired = append(expired, pc)
			refs = append(refs, ref)
			delete(s.checkouts, ref)
		}
	}
	s.mu.Unlock()

	for i, pc := range expired {
		s.logger.Warn("Gateway checkout expired",
			zap.String("payment_id", refs[i]),
			zap.String("attempt_id", pc.attempt.id.String()),
			zap.Duration("waited", s.clock.Now().Sub(pc.startedAt)))
		pc.attempt.settle(ctx, nil, apperr.New(apperr.PaymentAbandoned, "payment result did not arrive in time"))
	}

	return len(expired)
}

func (s *BookingService) takeCheckout(reference string) *pendingCheckout {
	s.mu.Lock()
	defer s.mu.Unlock()

	pc, ok := s.checkouts[reference]
	if !ok {
		return nil
	}
	delete(s.checkouts, reference)
	return pc
}

func (s *BookingService) restoreCheckout(reference string, pc *pendingCheckout) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkouts[reference] = pc
}

// PendingCheckouts количество оплат, ожидающих результата
func (s *BookingService) PendingCheckouts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.checkouts)
}

// CancelAppointment отменяет предстоящую встречу по запросу пользователя или эксперта
func (s *BookingService) CancelAppointment(ctx context.Context, appointmentID, actorID uuid.UUID, details string) (*model.Appointment, error) {
	appt, err := s.appointments.GetByID(ctx, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	if appt == nil {
		return nil, ErrAppointmentNotFound
	}

	reason := model.CancellationReason{
		CancelledAt: s.clock.Now(),
		Details:     details,
	}
	switch actorID {
	case appt.UserID:
		reason.Reason = model.CancelReasonUser
		reason.CancelledBy = model.CancelledByUser
	case appt.ExpertID:
		reason.Reason = model.CancelReasonExpert
		reason.CancelledBy = model.CancelledByExpert
	default:
		return nil, ErrNotParticipant
	}

	if !appt.Status.IsUpcoming() {
		return nil, ErrCannotCancel
	}

	cancelled, err := s.appointments.Cancel(ctx, appointmentID,
		[]model.AppointmentStatus{model.AppointmentStatusScheduled, model.AppointmentStatusConfirmed},
		reason)
	if err != nil {
		if errors.Is(err, repository.ErrStatusChanged) {
			return nil, fmt.Errorf("%w: %v", ErrCannotCancel, err)
		}
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrAppointmentNotFound
		}
		return nil, fmt.Errorf("cancel appointment: %w", err)
	}

	s.logger.Info("Appointment cancelled",
		zap.String("appointment_id", appointmentID.String()),
		zap.String("cancelled_by", reason.CancelledBy))

	return cancelled, nil
}

func buildAppointments(a *BookingAttempt, selection []model.BookableSlot, cost Cost, status model.PaymentStatus) []*model.Appointment {
	amounts := splitAmount(cost.Total, len(selection))
	appts := make([]*model.Appointment, 0, len(selection))
	for i, slot := range selection {
		tz := "UTC"
		if !slot.StartsAt.IsZero() {
			tz = slot.StartsAt.Location().String()
		}
		appts = append(appts, &model.Appointment{
			UserID:        a.userID,
			ExpertID:      a.expertID,
			Date:          slot.Date,
			StartTime:     slot.StartTime,
			EndTime:       slot.EndTime,
			Timezone:      tz,
			Status:        model.AppointmentStatusScheduled,
			PaymentStatus: status,
			Amount:        amounts[i],
		})
	}
	return appts
}

func appointmentIDs(appts []*model.Appointment) []uuid.UUID {
	ids := make([]uuid.UUID, len(appts))
	for i, a := range appts {
		ids[i] = a.ID
	}
	return ids
}

func slotIDs(slots []model.BookableSlot) []string {
	ids := make([]string, len(slots))
	for i, s := range slots {
		ids[i] = s.ID
	}
	return ids
}

func appointmentsMetadata(ids []uuid.UUID) json.RawMessage {
	b, _ := json.Marshal(map[string][]uuid.UUID{"appointment_ids": ids})
	return b
}

func metadataID(metadata map[string]string, key string) uuid.UUID {
	id, err := uuid.Parse(metadata[key])
	if err != nil {
		return uuid.Nil
	}
	return id
}
