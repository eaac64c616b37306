package model

import (
	"time"

	"github.com/google/uuid"
)

// AvailabilityWindow еженедельное окно доступности эксперта
type AvailabilityWindow struct {
	ID        uuid.UUID `json:"id"`
	ExpertID  uuid.UUID `json:"expert_id"`
	DayOfWeek int       `json:"day_of_week"` // 0 = Sunday, 6 = Saturday
	StartTime string    `json:"start_time"`  // "HH:MM"
	EndTime   string    `json:"end_time"`    // "HH:MM", "24:00" = конец дня
	Timezone  string    `json:"timezone"`
	CreatedAt time.Time `json:"created_at"`
}

// Location возвращает часовой пояс окна, UTC если пояс не задан или неизвестен
func (w *AvailabilityWindow) Location() *time.Location {
	if w.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(w.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
