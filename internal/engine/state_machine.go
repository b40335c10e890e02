package engine

import (
	"fmt"
	"time"

	"futuresbot/internal/exchange"
	"futuresbot/internal/models"
)

// ValidTransitions определяет допустимые переходы статусов ордера.
// Терминальные статусы (FILLED, CANCELLED, REJECTED) не имеют переходов:
// повторные терминальные события идемпотентно игнорируются.
var ValidTransitions = map[string][]string{
	models.OrderStatusPending: {
		models.OrderStatusAcknowledged,
		models.OrderStatusRejected,
	},
	models.OrderStatusAcknowledged: {
		models.OrderStatusPartiallyFilled,
		models.OrderStatusFilled,
		models.OrderStatusCancelled,
	},
	models.OrderStatusPartiallyFilled: {
		models.OrderStatusPartiallyFilled, // накопление исполнений
		models.OrderStatusFilled,
		models.OrderStatusCancelled, // отмена остатка
	},
	models.OrderStatusFilled:    {},
	models.OrderStatusCancelled: {},
	models.OrderStatusRejected:  {},
}

// StateTransitionError возвращается при недопустимом переходе
type StateTransitionError struct {
	ClientRef string
	From      string
	To        string
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for order %s: %s -> %s", e.ClientRef, e.From, e.To)
}

// StaleEventError возвращается для события с устаревшим номером:
// такое событие уже применено и должно быть молча отброшено
type StaleEventError struct {
	ClientRef string
	Seq       int64
	LastSeq   int64
}

func (e *StaleEventError) Error() string {
	return fmt.Sprintf("stale event for order %s: seq %d <= last applied %d", e.ClientRef, e.Seq, e.LastSeq)
}

// CanTransition проверяет допустимость перехода между статусами
func CanTransition(from, to string) bool {
	allowed, exists := ValidTransitions[from]
	if !exists {
		return false
	}
	for _, status := range allowed {
		if status == to {
			return true
		}
	}
	return false
}

// Transition переводит ордер в новый статус с проверкой таблицы переходов
// и дедупликацией по номеру события. Seq = 0 означает локальный переход
// без события биржи (например, PENDING -> REJECTED при риск-отказе).
func Transition(order *models.Order, to string, seq int64) error {
	if seq > 0 {
		if err := checkSeq(order, seq); err != nil {
			return err
		}
	}

	if !CanTransition(order.Status, to) {
		// Повтор терминального статуса - идемпотентный no-op, не ошибка
		if order.IsTerminal() && order.Status == to {
			return nil
		}
		return &StateTransitionError{
			ClientRef: order.ClientRef,
			From:      order.Status,
			To:        to,
		}
	}

	order.Status = to
	if seq > 0 {
		order.LastSeq = seq
	}
	order.UpdatedAt = time.Now()
	return nil
}

// checkSeq отбрасывает события, применённые ранее. Строгое "меньше либо
// равно": при равных номерах побеждает событие, применённое первым,
// повторная доставка того же номера - это replay.
func checkSeq(order *models.Order, seq int64) error {
	if seq <= order.LastSeq {
		return &StaleEventError{
			ClientRef: order.ClientRef,
			Seq:       seq,
			LastSeq:   order.LastSeq,
		}
	}
	return nil
}

// ValidateFill проверяет событие исполнения до каких-либо мутаций:
// оба объекта (ордер и позиция) меняются только после полной валидации
func ValidateFill(order *models.Order, ev exchange.Event) error {
	if err := checkSeq(order, ev.Seq); err != nil {
		return err
	}
	if ev.FillQty <= 0 {
		return fmt.Errorf("fill event for order %s has non-positive quantity %v", order.ClientRef, ev.FillQty)
	}
	if order.FilledQty+ev.FillQty > order.Quantity+1e-9 {
		return fmt.Errorf("fill event for order %s overfills: %v + %v > %v",
			order.ClientRef, order.FilledQty, ev.FillQty, order.Quantity)
	}
	if order.IsTerminal() {
		return &StateTransitionError{
			ClientRef: order.ClientRef,
			From:      order.Status,
			To:        models.OrderStatusPartiallyFilled,
		}
	}
	return nil
}

// MapExchangeStatus переводит статус биржи в локальный.
// EXPIRED у биржи означает отменённый ордер. Неизвестный статус
// возвращается пустой строкой.
func MapExchangeStatus(status string) string {
	switch status {
	case "NEW":
		return models.OrderStatusAcknowledged
	case "PARTIALLY_FILLED":
		return models.OrderStatusPartiallyFilled
	case "FILLED":
		return models.OrderStatusFilled
	case "CANCELED", "EXPIRED":
		return models.OrderStatusCancelled
	case "REJECTED":
		return models.OrderStatusRejected
	}
	return ""
}
