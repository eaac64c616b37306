package service

import (
	"context"
	"fmt"
	"time"

	"github.com/Freeeeeet/expert_scheduler/internal/apperr"
	"github.com/Freeeeeet/expert_scheduler/internal/model"
	"github.com/Freeeeeet/expert_scheduler/internal/timerange"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// WindowInput окно доступности в том виде, в каком его задаёт эксперт
type WindowInput struct {
	StartTime string
	EndTime   string
	Timezone  string
}

// OverlapWarning два окна одного дня пересекаются; это допустимо
type OverlapWarning struct {
	First  WindowInput
	Second WindowInput
}

// ReplaceDayResult результат замены окон дня
type ReplaceDayResult struct {
	Windows  []*model.AvailabilityWindow
	Warnings []OverlapWarning
}

type AvailabilityService struct {
	availability AvailabilityStore
	logger       *zap.Logger
}

func NewAvailabilityService(availability AvailabilityStore, logger *zap.Logger) *AvailabilityService {
	return &AvailabilityService{
		availability: availability,
		logger:       logger,
	}
}

// ReplaceDay заменяет все окна эксперта на день недели.
// Некорректное окно отклоняет весь набор; пересечения возвращаются как предупреждения.
func (s *AvailabilityService) ReplaceDay(ctx context.Context, expertID uuid.UUID, dayOfWeek int, inputs []WindowInput) (*ReplaceDayResult, error) {
	if dayOfWeek < 0 || dayOfWeek > 6 {
		return nil, apperr.New(apperr.InvalidTimeRange, fmt.Sprintf("day of week must be 0..6, got %d", dayOfWeek))
	}

	windows := make([]*model.AvailabilityWindow, 0, len(inputs))
	ranges := make([]timerange.Range, 0, len(inputs))

	for _, in := range inputs {
		r, err := timerange.NewRange(in.StartTime, in.EndTime)
		if err != nil {
			return nil, apperr.Wrap(apperr.InvalidTimeRange, err, "")
		}

		tz := in.Timezone
		if tz == "" {
			tz = "UTC"
		}
		if _, err := time.LoadLocation(tz); err != nil {
			return nil, apperr.Wrap(apperr.InvalidTimeRange, err, fmt.Sprintf("unknown timezone %q", tz))
		}

		ranges = append(ranges, r)
		windows = append(windows, &model.AvailabilityWindow{
			ExpertID:  expertID,
			DayOfWeek: dayOfWeek,
			StartTime: in.StartTime,
			EndTime:   in.EndTime,
			Timezone:  tz,
		})
	}

	var warnings []OverlapWarning
	for _, p := range timerange.FindOverlaps(ranges) {
		warnings = append(warnings, OverlapWarning{First: inputs[p.First], Second: inputs[p.Second]})
		s.logger.Warn("Availability windows overlap",
			zap.String("expert_id", expertID.String()),
			zap.Int("day_of_week", dayOfWeek),
			zap.String("first", ranges[p.First].String()),
			zap.String("second", ranges[p.Second].String()))
	}

	if err := s.availability.ReplaceDay(ctx, expertID, dayOfWeek, windows); err != nil {
		return nil, fmt.Errorf("replace availability: %w", err)
	}

	s.logger.Info("Availability replaced",
		zap.String("expert_id", expertID.String()),
		zap.Int("day_of_week", dayOfWeek),
		zap.Int("windows", len(windows)))

	return &ReplaceDayResult{Windows: windows, Warnings: warnings}, nil
}

// Windows получает все окна эксперта
func (s *AvailabilityService) Windows(ctx context.Context, expertID uuid.UUID) ([]*model.AvailabilityWindow, error) {
	windows, err := s.availability.ListByExpert(ctx, expertID)
	if err != nil {
		return nil, fmt.Errorf("get availability: %w", err)
	}
	return windows, nil
}
