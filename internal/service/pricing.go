package service

import (
	"fmt"
	"sort"

	"github.com/Freeeeeet/expert_scheduler/internal/apperr"
	"github.com/Freeeeeet/expert_scheduler/internal/model"
)

// PricingTiers тарифы эксперта в минимальных единицах валюты
type PricingTiers struct {
	UnitRate   int64 // за 30 минут
	BundleRate int64 // за 60 минут подряд
	Currency   string
}

// Validate проверяет тарифы
func (t PricingTiers) Validate() error {
	if t.UnitRate < 0 || t.BundleRate < 0 {
		return fmt.Errorf("pricing rates must not be negative")
	}
	return nil
}

// Cost итог по выбранным слотам
type Cost struct {
	Total      int64
	Minutes    int
	Bundles    int // сколько 60-минутных блоков
	Units      int // сколько одиночных 30-минутных слотов
	Contiguous bool
}

// ComputeCost считает стоимость выбора. Если все слоты идут подряд,
// каждые 60 минут тарифицируются по BundleRate, остаток по UnitRate.
// Иначе каждый слот стоит UnitRate.
func ComputeCost(selection []model.BookableSlot, tiers PricingTiers) (Cost, error) {
	if len(selection) == 0 {
		return Cost{}, apperr.New(apperr.EmptySelection, "")
	}

	sorted := sortedSlots(selection)
	cost := Cost{
		Minutes:    len(sorted) * slotMinutes,
		Contiguous: contiguous(sorted),
	}

	if cost.Contiguous {
		cost.Bundles = len(sorted) / 2
		cost.Units = len(sorted) % 2
	} else {
		cost.Units = len(sorted)
	}

	cost.Total = int64(cost.Bundles)*tiers.BundleRate + int64(cost.Units)*tiers.UnitRate
	return cost, nil
}

// splitAmount делит итог между встречами; остаток достаётся первой
func splitAmount(total int64, n int) []int64 {
	parts := make([]int64, n)
	if n == 0 {
		return parts
	}
	each := total / int64(n)
	for i := range parts {
		parts[i] = each
	}
	parts[0] += total - each*int64(n)
	return parts
}

func sortedSlots(slots []model.BookableSlot) []model.BookableSlot {
	sorted := make([]model.BookableSlot, len(slots))
	copy(sorted, slots)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].Date.Equal(sorted[j].Date) {
			return sorted[i].Date.Before(sorted[j].Date)
		}
		return rangeOf(sorted[i]).Start < rangeOf(sorted[j]).Start
	})
	return sorted
}

func contiguous(sorted []model.BookableSlot) bool {
	for i := 0; i+1 < len(sorted); i++ {
		if !sorted[i].Date.Equal(sorted[i+1].Date) {
			return false
		}
		if rangeOf(sorted[i]).End != rangeOf(sorted[i+1]).Start {
			return false
		}
	}
	return true
}
