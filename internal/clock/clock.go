package clock

import (
	"sync"
	"time"
)

// Clock источник текущего времени
type Clock interface {
	Now() time.Time
}

// Real системные часы
type Real struct{}

// Now возвращает текущее время
func (Real) Now() time.Time {
	return time.Now()
}

// Fake управляемые часы для тестов
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake создаёт часы, остановленные на now
func NewFake(now time.Time) *Fake {
	return &Fake{now: now}
}

// Now возвращает текущее время часов
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Set переставляет часы
func (f *Fake) Set(now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}

// Advance сдвигает часы вперёд на d
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}
