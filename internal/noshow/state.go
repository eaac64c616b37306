package noshow

import "time"

const (
	// WarningAfter с этого момента после начала встречи отсутствие эксперта считается тревожным
	WarningAfter = 65 * time.Minute
	// NoShowAfter с этого момента эксперт считается не пришедшим
	NoShowAfter = 70 * time.Minute
)

// State состояние встречи с точки зрения монитора неявки
type State string

const (
	StateNotApplicable State = "not-applicable"
	StateNormal        State = "normal"
	StateWarning       State = "warning"
	StateNoShow        State = "no-show"
	StateAutoCancelled State = "auto-cancelled"
	StateCompleted     State = "completed"
	StateCancelled     State = "cancelled"
)

// IsTerminal состояние больше не изменится
func (s State) IsTerminal() bool {
	return s == StateAutoCancelled || s == StateCompleted || s == StateCancelled
}

// Evaluate классифицирует встречу по времени с начала и факту подключения эксперта.
// Минуты считаются с округлением вниз: 64:59 ещё normal.
func Evaluate(elapsed time.Duration, joined bool) State {
	if joined {
		return StateNormal
	}
	if elapsed < 0 {
		return StateNotApplicable
	}

	minutes := elapsed.Truncate(time.Minute)
	switch {
	case minutes >= NoShowAfter:
		return StateNoShow
	case minutes >= WarningAfter:
		return StateWarning
	default:
		return StateNormal
	}
}
