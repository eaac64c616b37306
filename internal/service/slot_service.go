package service

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/Freeeeeet/expert_scheduler/internal/clock"
	"github.com/Freeeeeet/expert_scheduler/internal/model"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SlotService выдаёт свободные слоты эксперта на дату
type SlotService struct {
	availability AvailabilityStore
	appointments AppointmentStore
	clock        clock.Clock
	logger       *zap.Logger
}

func NewSlotService(
	availability AvailabilityStore,
	appointments AppointmentStore,
	clk clock.Clock,
	logger *zap.Logger,
) *SlotService {
	return &SlotService{
		availability: availability,
		appointments: appointments,
		clock:        clk,
		logger:       logger,
	}
}

// AvailableSlots получает свободные слоты: окна дня недели минус занятые встречи
func (s *SlotService) AvailableSlots(ctx context.Context, expertID uuid.UUID, date time.Time) ([]model.BookableSlot, error) {
	windows, err := s.availability.ListByExpertDay(ctx, expertID, int(date.Weekday()))
	if err != nil {
		return nil, fmt.Errorf("get availability: %w", err)
	}

	booked, err := s.appointments.ListOccupying(ctx, expertID, date)
	if err != nil {
		return nil, fmt.Errorf("get booked appointments: %w", err)
	}

	slots := slices.Collect(DeriveSlots(windows, date, s.clock.Now(), bookedRanges(booked)))

	s.logger.Debug("Slots derived",
		zap.String("expert_id", expertID.String()),
		zap.String("date", date.Format("2006-01-02")),
		zap.Int("windows", len(windows)),
		zap.Int("booked", len(booked)),
		zap.Int("slots", len(slots)))

	return slots, nil
}

// grid все будущие слоты дня без учёта занятости и встречи, которые их занимают
func (s *SlotService) grid(ctx context.Context, expertID uuid.UUID, date time.Time) ([]model.BookableSlot, []*model.Appointment, error) {
	windows, err := s.availability.ListByExpertDay(ctx, expertID, int(date.Weekday()))
	if err != nil {
		return nil, nil, fmt.Errorf("get availability: %w", err)
	}

	booked, err := s.appointments.ListOccupying(ctx, expertID, date)
	if err != nil {
		return nil, nil, fmt.Errorf("get booked appointments: %w", err)
	}

	return slices.Collect(DeriveSlots(windows, date, s.clock.Now(), nil)), booked, nil
}
