package service

import "errors"

var (
	// ErrReservationInProgress по этой попытке уже идёт бронирование или оплата
	ErrReservationInProgress = errors.New("reservation already in progress")
	// ErrAttemptClosed попытка уже завершилась бронью
	ErrAttemptClosed = errors.New("booking attempt is closed")
	// ErrAppointmentNotFound встреча не найдена
	ErrAppointmentNotFound = errors.New("appointment not found")
	// ErrNotParticipant действие может выполнить только участник встречи
	ErrNotParticipant = errors.New("not a participant of the appointment")
	// ErrCannotCancel встречу в текущем статусе отменить нельзя
	ErrCannotCancel = errors.New("appointment cannot be cancelled in its current status")
)
