package apperr

import (
	"errors"
	"fmt"
)

// Class категория ошибки, определяет политику обработки
type Class string

const (
	ClassValidation  Class = "validation"
	ClassConflict    Class = "conflict"
	ClassPayment     Class = "payment"
	ClassConsistency Class = "consistency"
	ClassInternal    Class = "internal"
)

// Kind машиночитаемый вид ошибки
type Kind string

const (
	// Валидация: отклоняется до обращения к хранилищу
	InvalidTimeRange Kind = "invalid_time_range"
	EmptySelection   Kind = "empty_selection"
	UnknownSlot      Kind = "unknown_slot"

	// Конфликты бронирования
	AlreadyBookedByOther  Kind = "already_booked_by_other"
	AlreadyBookedBySelf   Kind = "already_booked_by_self"
	DuplicateBooking      Kind = "duplicate_booking"
	SlotNoLongerAvailable Kind = "slot_no_longer_available"
	SlotLostDuringPayment Kind = "slot_lost_during_payment"

	// Оплата
	InsufficientBalance Kind = "insufficient_balance"
	PaymentFailed       Kind = "payment_failed"
	PaymentAbandoned    Kind = "payment_abandoned"

	// Согласованность: повторяется на следующем тике монитора
	AutoCancelFailed   Kind = "auto_cancel_failed"
	RefundLookupFailed Kind = "refund_lookup_failed"

	Internal Kind = "internal"
)

// Class возвращает категорию вида ошибки
func (k Kind) Class() Class {
	switch k {
	case InvalidTimeRange, EmptySelection, UnknownSlot:
		return ClassValidation
	case AlreadyBookedByOther, AlreadyBookedBySelf, DuplicateBooking, SlotNoLongerAvailable, SlotLostDuringPayment:
		return ClassConflict
	case InsufficientBalance, PaymentFailed, PaymentAbandoned:
		return ClassPayment
	case AutoCancelFailed, RefundLookupFailed:
		return ClassConsistency
	default:
		return ClassInternal
	}
}

// Error ошибка с видом, сообщением для пользователя и причиной
type Error struct {
	Kind    Kind
	Message string
	// SlotIDs слоты, к которым относится конфликт; по ним вызывающий обновляет выбор
	SlotIDs []string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is сравнивает ошибки по виду, чтобы работал errors.Is(err, apperr.New(kind, ""))
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// New создаёт ошибку вида kind
func New(kind Kind, message string) *Error {
	if message == "" {
		message = DefaultMessage(kind)
	}
	return &Error{Kind: kind, Message: message}
}

// Wrap создаёт ошибку вида kind с причиной err
func Wrap(kind Kind, err error, message string) *Error {
	e := New(kind, message)
	e.Err = err
	return e
}

// WithSlots прикладывает идентификаторы слотов к ошибке
func (e *Error) WithSlots(ids ...string) *Error {
	e.SlotIDs = append(e.SlotIDs, ids...)
	return e
}

// KindOf возвращает вид ошибки или Internal для посторонних ошибок
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// IsKind проверяет вид ошибки
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// DefaultMessage возвращает сообщение для пользователя по виду ошибки
func DefaultMessage(kind Kind) string {
	switch kind {
	case InvalidTimeRange:
		return "start time must be before end time"
	case EmptySelection:
		return "select at least one slot"
	case UnknownSlot:
		return "slot is not available for this date"
	case AlreadyBookedByOther:
		return "this slot is already booked by someone else"
	case AlreadyBookedBySelf:
		return "you have already booked this slot"
	case DuplicateBooking:
		return "you already have a booking for the selected time"
	case SlotNoLongerAvailable:
		return "selected time is no longer available"
	case SlotLostDuringPayment:
		return "selected time was taken while the payment was processed; the payment will be refunded"
	case InsufficientBalance:
		return "not enough funds in the wallet"
	case PaymentFailed:
		return "payment failed"
	case PaymentAbandoned:
		return "payment was not completed"
	case AutoCancelFailed:
		return "failed to cancel the appointment after expert no-show"
	case RefundLookupFailed:
		return "failed to check refund status"
	default:
		return "internal error"
	}
}
