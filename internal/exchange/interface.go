package exchange

import (
	"context"
	"time"
)

// ============================================================================
// ИНТЕРФЕЙС БИРЖЕВОГО ГЕЙТВЕЯ
// ============================================================================

// Gateway - единственная точка общения с биржей. Все методы принимают
// context и возвращают ошибки таксономии (*APIError). Мутирующие методы
// идемпотентны по clientRef: повтор с тем же ref не создаёт дубликат.
type Gateway interface {
	// Подключение
	Ping(ctx context.Context) error
	ServerTime(ctx context.Context) (time.Time, error)
	Close() error

	// Ордера
	SubmitOrder(ctx context.Context, req OrderRequest) (*OrderAck, error)
	CancelOrder(ctx context.Context, symbol, clientRef string) error
	GetOrder(ctx context.Context, symbol, clientRef string) (*OrderState, error)
	GetOpenOrders(ctx context.Context) ([]OrderState, error)

	// Аккаунт
	GetPositions(ctx context.Context) ([]PositionState, error)
	GetAccount(ctx context.Context) (*AccountState, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginMode(ctx context.Context, symbol, mode string) error

	// Поток событий user-data stream. Канал закрывается только по Close.
	Stream() <-chan Event
}

// OrderRequest - параметры размещения ордера
type OrderRequest struct {
	ClientRef  string
	Symbol     string
	Side       string // BUY, SELL
	Type       string // MARKET, LIMIT, STOP_MARKET
	Quantity   float64
	Price      float64
	StopPrice  float64
	ReduceOnly bool
}

// OrderAck - синхронное подтверждение приёма ордера биржей
type OrderAck struct {
	ExchangeID string
	ClientRef  string
	Symbol     string
	Status     string
	AckedAt    time.Time
}

// OrderState - состояние ордера по данным биржи (используется при выверке)
type OrderState struct {
	ExchangeID   string
	ClientRef    string
	Symbol       string
	Side         string
	Type         string
	Quantity     float64
	FilledQty    float64
	AvgFillPrice float64
	Status       string // статус биржи: NEW, PARTIALLY_FILLED, FILLED, CANCELED, REJECTED, EXPIRED
	UpdatedAt    time.Time
}

// PositionState - позиция по данным биржи
type PositionState struct {
	Symbol        string
	Side          string // LONG, SHORT
	Size          float64
	EntryPrice    float64
	MarkPrice     float64
	Leverage      int
	UnrealizedPnl float64
}

// AccountState - маржевые показатели аккаунта
type AccountState struct {
	WalletBalance   float64
	AvailableMargin float64
	UsedMargin      float64
}

// Режимы маржи
const (
	MarginModeIsolated = "ISOLATED"
	MarginModeCrossed  = "CROSSED"
)

// ============================================================================
// СОБЫТИЯ ПОТОКА
// ============================================================================

// EventType определяет вид события user-data stream
type EventType int

const (
	// EventOrderAck - биржа приняла ордер (status NEW)
	EventOrderAck EventType = iota
	// EventFill - частичное или полное исполнение
	EventFill
	// EventCancel - ордер отменён
	EventCancel
	// EventReject - ордер отклонён биржей
	EventReject
	// EventExpired - ордер истёк, трактуется как отмена
	EventExpired
	// EventAccountUpdate - изменение баланса или позиций
	EventAccountUpdate
	// EventSnapshotRequired - стрим (пере)подключился: локальное состояние
	// могло разойтись с биржей, до доверия live-событиям нужна выверка через REST
	EventSnapshotRequired
	// EventStreamDown - стрим потерян, идёт переподключение
	EventStreamDown
)

// String возвращает имя типа события для логов
func (t EventType) String() string {
	switch t {
	case EventOrderAck:
		return "order_ack"
	case EventFill:
		return "fill"
	case EventCancel:
		return "cancel"
	case EventReject:
		return "reject"
	case EventExpired:
		return "expired"
	case EventAccountUpdate:
		return "account_update"
	case EventSnapshotRequired:
		return "snapshot_required"
	case EventStreamDown:
		return "stream_down"
	}
	return "unknown"
}

// Event - событие биржи, доставляемое в движок. Seq - монотонный номер
// события в рамках одного ордера; события с Seq, не превышающим уже
// применённый, отбрасываются как повторы.
type Event struct {
	Type       EventType
	Symbol     string
	ClientRef  string
	ExchangeID string
	Seq        int64
	FillQty    float64
	FillPrice  float64
	Reason     string
	Timestamp  time.Time
}
