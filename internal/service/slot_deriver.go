package service

import (
	"fmt"
	"iter"
	"sort"
	"time"

	"github.com/Freeeeeet/expert_scheduler/internal/model"
	"github.com/Freeeeeet/expert_scheduler/internal/timerange"
)

// slotMinutes шаг сетки слотов
const slotMinutes = int(model.SlotDuration / time.Minute)

// DeriveSlots разворачивает недельные окна доступности в 30-минутные слоты на дату.
// Отбрасываются слоты, начало которых не позже now, и слоты, пересекающиеся с alreadyBooked.
// Одинаковые слоты из пересекающихся окон выдаются один раз. Последовательность
// ленивая и может перебираться повторно.
func DeriveSlots(windows []*model.AvailabilityWindow, date, now time.Time, alreadyBooked []timerange.Range) iter.Seq[model.BookableSlot] {
	return func(yield func(model.BookableSlot) bool) {
		y, m, d := date.Date()
		day := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
		weekday := int(day.Weekday())

		type candidate struct {
			r   timerange.Range
			loc *time.Location
		}

		seen := make(map[timerange.Range]struct{})
		var candidates []candidate

		for _, w := range windows {
			if w.DayOfWeek != weekday {
				continue
			}

			window := timerange.Of(w.StartTime, w.EndTime)
			loc := w.Location()

			for start := window.Start; start+slotMinutes <= window.End; start += slotMinutes {
				r := timerange.Range{Start: start, End: start + slotMinutes}
				if _, ok := seen[r]; ok {
					continue
				}
				seen[r] = struct{}{}
				candidates = append(candidates, candidate{r: r, loc: loc})
			}
		}

		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].r.Start < candidates[j].r.Start
		})

		for _, c := range candidates {
			startsAt := time.Date(y, m, d, 0, 0, 0, 0, c.loc).Add(time.Duration(c.r.Start) * time.Minute)

			// Прошлое не бронируется
			if !startsAt.After(now) {
				continue
			}

			if overlapsAny(c.r, alreadyBooked) {
				continue
			}

			slot := model.BookableSlot{
				ID:        SlotID(day, c.r),
				Date:      day,
				StartTime: timerange.Format(c.r.Start),
				EndTime:   timerange.Format(c.r.End),
				Duration:  model.SlotDuration,
				StartsAt:  startsAt,
			}

			if !yield(slot) {
				return
			}
		}
	}
}

// SlotID идентификатор слота: дата и диапазон
func SlotID(date time.Time, r timerange.Range) string {
	return fmt.Sprintf("%s_%s", date.Format("2006-01-02"), r)
}

// rangeOf диапазон слота в минутах суток
func rangeOf(slot model.BookableSlot) timerange.Range {
	return timerange.Of(slot.StartTime, slot.EndTime)
}

func overlapsAny(r timerange.Range, ranges []timerange.Range) bool {
	for _, b := range ranges {
		if timerange.Overlaps(r, b) {
			return true
		}
	}
	return false
}

// bookedRanges диапазоны встреч
func bookedRanges(appts []*model.Appointment) []timerange.Range {
	ranges := make([]timerange.Range, 0, len(appts))
	for _, a := range appts {
		ranges = append(ranges, timerange.Of(a.StartTime, a.EndTime))
	}
	return ranges
}
