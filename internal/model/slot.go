package model

import "time"

// SlotDuration фиксированная длительность бронируемого слота
const SlotDuration = 30 * time.Minute

// BookableSlot вычисляемый слот, в базе не хранится
type BookableSlot struct {
	ID        string        `json:"slot_id"`
	Date      time.Time     `json:"date"`
	StartTime string        `json:"start_time"` // "HH:MM"
	EndTime   string        `json:"end_time"`   // "HH:MM"
	Duration  time.Duration `json:"duration"`
	StartsAt  time.Time     `json:"starts_at"` // абсолютное время начала в часовом поясе эксперта
}
