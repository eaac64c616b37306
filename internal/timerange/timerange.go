package timerange

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// EndOfDay отображаемое значение "конец дня", отличное от "00:00"
	EndOfDay = "24:00"
	// StorageEndOfDay максимальное время суток, которое принимает колонка TIME
	StorageEndOfDay = "23:59:59"

	// MinutesPerDay количество минут в сутках
	MinutesPerDay = 24 * 60
)

// ErrInvalidTime возвращается при разборе некорректного времени
var ErrInvalidTime = errors.New("invalid time of day")

// ErrInvalidRange возвращается если начало диапазона не раньше конца
var ErrInvalidRange = errors.New("start time must be before end time")

// Range диапазон времени суток в минутах [Start, End)
type Range struct {
	Start int
	End   int
}

// Pair пара пересекающихся диапазонов (индексы во входном срезе)
type Pair struct {
	First  int
	Second int
}

// ToStorage переводит отображаемое время "HH:MM" в формат хранения "HH:MM:SS".
// "24:00" превращается в "23:59:59".
func ToStorage(display string) string {
	if display == EndOfDay {
		return StorageEndOfDay
	}
	return display + ":00"
}

// FromStorage переводит время из формата хранения обратно в "HH:MM".
// "23:59:59" превращается в "24:00".
func FromStorage(storage string) string {
	if storage == StorageEndOfDay {
		return EndOfDay
	}
	if len(storage) >= 5 {
		return storage[:5]
	}
	return storage
}

// MinutesOf возвращает номер минуты суток для отображаемого или хранимого времени.
// Конец дня в обоих представлениях равен MinutesPerDay.
// Формат не проверяется: для непроверенного ввода используйте Parse или NewRange.
func MinutesOf(t string) int {
	if t == EndOfDay || t == StorageEndOfDay {
		return MinutesPerDay
	}
	if len(t) < 5 {
		return 0
	}
	h, _ := strconv.Atoi(t[:2])
	m, _ := strconv.Atoi(t[3:5])
	return h*60 + m
}

// Format переводит минуту суток в отображаемый формат "HH:MM"
func Format(minutes int) string {
	if minutes >= MinutesPerDay {
		return EndOfDay
	}
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}

// Overlaps проверяет пересечение двух диапазонов.
// Диапазоны, которые только касаются границей, не пересекаются.
func Overlaps(a, b Range) bool {
	return a.Start < b.End && b.Start < a.End
}

// Parse проверяет отображаемое время и возвращает минуту суток
func Parse(display string) (int, error) {
	if display == EndOfDay {
		return MinutesPerDay, nil
	}

	parts := strings.Split(display, ":")
	if len(parts) != 2 || len(parts[0]) != 2 || len(parts[1]) != 2 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTime, display)
	}

	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTime, display)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTime, display)
	}

	return h*60 + m, nil
}

// NewRange разбирает начало и конец и проверяет что start < end
func NewRange(start, end string) (Range, error) {
	s, err := Parse(start)
	if err != nil {
		return Range{}, err
	}
	if start == EndOfDay {
		return Range{}, fmt.Errorf("%w: %q cannot start a range", ErrInvalidTime, start)
	}
	e, err := Parse(end)
	if err != nil {
		return Range{}, err
	}
	if s >= e {
		return Range{}, fmt.Errorf("%w: %s-%s", ErrInvalidRange, start, end)
	}
	return Range{Start: s, End: e}, nil
}

// Of строит диапазон без проверки, для значений уже прошедших валидацию
func Of(start, end string) Range {
	return Range{Start: MinutesOf(start), End: MinutesOf(end)}
}

// Contains проверяет что inner целиком лежит внутри r
func (r Range) Contains(inner Range) bool {
	return r.Start <= inner.Start && inner.End <= r.End
}

// Minutes длительность диапазона
func (r Range) Minutes() int {
	return r.End - r.Start
}

func (r Range) String() string {
	return Format(r.Start) + "-" + Format(r.End)
}

// FindOverlaps возвращает все пары пересекающихся диапазонов
func FindOverlaps(ranges []Range) []Pair {
	var pairs []Pair
	for i := 0; i < len(ranges); i++ {
		for j := i + 1; j < len(ranges); j++ {
			if Overlaps(ranges[i], ranges[j]) {
				pairs = append(pairs, Pair{First: i, Second: j})
			}
		}
	}
	return pairs
}
