package repository

import "errors"

var (
	// ErrSlotTaken время уже занято другой встречей эксперта
	ErrSlotTaken = errors.New("slot already taken")
	// ErrNotFound запись не найдена
	ErrNotFound = errors.New("record not found")
	// ErrInsufficientBalance недостаточно средств на кошельке
	ErrInsufficientBalance = errors.New("insufficient wallet balance")
	// ErrStatusChanged условное обновление не нашло строку в ожидаемом статусе
	ErrStatusChanged = errors.New("appointment status changed")
)
