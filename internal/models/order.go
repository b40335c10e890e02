package models

import "time"

// Order представляет авторитетную запись об ордере в течение его жизненного цикла.
// Ключом служит ClientRef: он генерируется до отправки на биржу и переживает
// любые ретраи, поэтому по нему всегда можно сопоставить локальную запись
// с биржевой (идемпотентность).
type Order struct {
	ClientRef    string     `json:"client_ref" db:"client_ref"`
	ExchangeID   string     `json:"exchange_id,omitempty" db:"exchange_id"` // присваивается биржей при ack
	Symbol       string     `json:"symbol" db:"symbol"`
	Side         string     `json:"side" db:"side"` // BUY, SELL
	Type         string     `json:"type" db:"type"` // MARKET, LIMIT, STOP_MARKET
	Quantity     float64    `json:"quantity" db:"quantity"`
	Price        float64    `json:"price,omitempty" db:"price"`           // 0 для market
	StopPrice    float64    `json:"stop_price,omitempty" db:"stop_price"` // для STOP_MARKET
	Leverage     int        `json:"leverage" db:"leverage"`
	ReduceOnly   bool       `json:"reduce_only" db:"reduce_only"`
	Status       string     `json:"status" db:"status"`
	FilledQty    float64    `json:"filled_qty" db:"filled_qty"`
	AvgFillPrice float64    `json:"avg_fill_price" db:"avg_fill_price"`
	LastSeq      int64      `json:"last_seq" db:"last_seq"` // номер последнего применённого события
	RejectReason string     `json:"reject_reason,omitempty" db:"reject_reason"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
	ClosedAt     *time.Time `json:"closed_at,omitempty" db:"closed_at"`
}

// Статусы ордера
const (
	OrderStatusPending         = "PENDING"          // создан локально, на биржу не подтверждён
	OrderStatusAcknowledged    = "ACKNOWLEDGED"     // биржа приняла, исполнения нет
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED" // исполнена часть количества
	OrderStatusFilled          = "FILLED"           // терминальный
	OrderStatusCancelled       = "CANCELLED"        // терминальный
	OrderStatusRejected        = "REJECTED"         // терминальный
)

// Стороны и типы ордеров
const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	OrderTypeMarket     = "MARKET"
	OrderTypeLimit      = "LIMIT"
	OrderTypeStopMarket = "STOP_MARKET"
)

// IsTerminal проверяет, достиг ли ордер конечного состояния.
// Из терминального состояния переходов нет.
func (o *Order) IsTerminal() bool {
	return IsTerminalStatus(o.Status)
}

// RemainingQty возвращает неисполненный остаток
func (o *Order) RemainingQty() float64 {
	return o.Quantity - o.FilledQty
}

// IsTerminalStatus проверяет статус на терминальность
func IsTerminalStatus(status string) bool {
	switch status {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}
