// Package reconcile сглаживает задержку между возвратом пользователя
// с оплаты и приходом вебхука: пока запись в хранилище не обновилась,
// клиент опрашивает статус по расписанию и временно допускает доступ.
package reconcile

import "time"

// State состояние цикла сверки.
type State int

const (
	// StateIdle статус отражает последнее известное значение сервера.
	StateIdle State = iota
	// StateActivating недавно завершена оплата, идёт опрос статуса.
	StateActivating
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActivating:
		return "activating"
	default:
		return "unset"
	}
}

// Reason причина выхода из StateActivating.
type Reason int

const (
	// ReasonNone перехода в StateIdle не было.
	ReasonNone Reason = iota
	// ReasonEntitled сервер подтвердил подписку.
	ReasonEntitled
	// ReasonGaveUp попытки исчерпаны и окно давности истекло.
	ReasonGaveUp
)

// Sample результат одной попытки опроса вместе с контекстом расписания.
type Sample struct {
	Entitled      bool
	AttemptsDone  int
	MaxAttempts   int
	WindowElapsed bool
}

// Outcome решение машины после очередной попытки.
type Outcome struct {
	State       State
	Reason      Reason
	ClearMarker bool
	// Retry true, если нужно запланировать следующую попытку.
	Retry bool
}

// Begin выбирает стартовое состояние: активация начинается либо по
// маркеру успешного возврата с оплаты, либо по сохранённой метке
// недавней оплаты, пока та в пределах окна давности.
func Begin(marker bool, checkoutAt time.Time, now time.Time, window time.Duration) State {
	if marker {
		return StateActivating
	}
	if !checkoutAt.IsZero() && now.Sub(checkoutAt) < window {
		return StateActivating
	}
	return StateIdle
}

// Step чистая функция перехода: по текущему состоянию и результату
// попытки возвращает следующее состояние и действия.
func Step(s State, in Sample) Outcome {
	if s != StateActivating {
		return Outcome{State: s, Reason: ReasonNone}
	}

	if in.Entitled {
		return Outcome{
			State:       StateIdle,
			Reason:      ReasonEntitled,
			ClearMarker: true,
		}
	}

	exhausted := in.AttemptsDone >= in.MaxAttempts
	if exhausted && in.WindowElapsed {
		return Outcome{
			State:       StateIdle,
			Reason:      ReasonGaveUp,
			ClearMarker: true,
		}
	}
	if exhausted {
		// Попытки кончились, но окно ещё не истекло: остаёмся в
		// StateActivating без новых попыток, доступ по-прежнему
		// условно разрешён до конца окна.
		return Outcome{State: StateActivating, Reason: ReasonNone}
	}

	return Outcome{State: StateActivating, Reason: ReasonNone, Retry: true}
}
