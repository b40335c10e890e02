// Package engine реализует ядро жизненного цикла ордеров:
// реестр ордеров и позиций, машину состояний, сериализованный цикл
// обработки событий, риск-контроль и координатор остановки.
package engine

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"futuresbot/internal/exchange"
	"futuresbot/internal/models"
	"futuresbot/pkg/utils"
)

// positionKey идентифицирует позицию: на hedge-аккаунте по одному символу
// могут одновременно жить LONG и SHORT
type positionKey struct {
	Symbol string
	Side   string
}

// Discrepancy - расхождение локального состояния с биржей, найденное выверкой
type Discrepancy struct {
	Kind      string // missing_order, stale_order, status_drift, position_drift
	ClientRef string
	Symbol    string
	Detail    string
}

// Ledger - авторитетный реестр ордеров и позиций процесса.
// НЕ потокобезопасен: все мутации происходят строго на цикле движка,
// в этом и состоит модель владения.
type Ledger struct {
	orders    map[string]*models.Order // client_ref -> order
	positions map[positionKey]*models.Position
	account   exchange.AccountState

	logger *zap.Logger
}

// NewLedger создаёт пустой реестр
func NewLedger(logger *zap.Logger) *Ledger {
	return &Ledger{
		orders:    make(map[string]*models.Order),
		positions: make(map[positionKey]*models.Position),
		logger:    logger,
	}
}

// Track добавляет ордер в реестр в статусе PENDING.
// Повторный Track с тем же client_ref - ошибка вызывающего.
func (l *Ledger) Track(order *models.Order) error {
	if _, exists := l.orders[order.ClientRef]; exists {
		return fmt.Errorf("order %s is already tracked", order.ClientRef)
	}
	order.Status = models.OrderStatusPending
	order.CreatedAt = time.Now()
	order.UpdatedAt = order.CreatedAt
	l.orders[order.ClientRef] = order
	return nil
}

// Get возвращает ордер по client_ref
func (l *Ledger) Get(clientRef string) (*models.Order, bool) {
	order, ok := l.orders[clientRef]
	return order, ok
}

// OpenOrders возвращает все нетерминальные ордера
func (l *Ledger) OpenOrders() []*models.Order {
	open := make([]*models.Order, 0, len(l.orders))
	for _, order := range l.orders {
		if !order.IsTerminal() {
			open = append(open, order)
		}
	}
	return open
}

// Drop удаляет ордер из реестра. Вызывается после архивации терминального
// ордера в журнал.
func (l *Ledger) Drop(clientRef string) {
	delete(l.orders, clientRef)
}

// Position возвращает позицию по символу и направлению
func (l *Ledger) Position(symbol, side string) (*models.Position, bool) {
	p, ok := l.positions[positionKey{Symbol: symbol, Side: side}]
	return p, ok
}

// Positions возвращает все открытые позиции
func (l *Ledger) Positions() []*models.Position {
	positions := make([]*models.Position, 0, len(l.positions))
	for _, p := range l.positions {
		positions = append(positions, p)
	}
	return positions
}

// SetAccount обновляет маржевые показатели аккаунта
func (l *Ledger) SetAccount(account exchange.AccountState) {
	l.account = account
}

// Account возвращает последние известные маржевые показатели
func (l *Ledger) Account() exchange.AccountState {
	return l.account
}

// ApplyFill применяет исполнение к ордеру и позиции как одно неделимое
// изменение: либо обновляются оба, либо ни один. Валидация перехода и
// дедупликация по seq выполняются ДО каких-либо мутаций.
func (l *Ledger) ApplyFill(order *models.Order, ev exchange.Event) error {
	if err := ValidateFill(order, ev); err != nil {
		return err
	}

	// Сложение порций копит погрешность float64, срезаем её до шага 1e-8
	newFilled := utils.RoundToLotSize(order.FilledQty+ev.FillQty, 1e-8)
	target := models.OrderStatusPartiallyFilled
	// Допуск шире шага среза, иначе полный объём можно не распознать
	if newFilled >= order.Quantity-2e-8 {
		newFilled = order.Quantity
		target = models.OrderStatusFilled
	}

	if err := Transition(order, target, ev.Seq); err != nil {
		return err
	}

	// Средневзвешенная цена исполнения
	if newFilled > 0 {
		order.AvgFillPrice = utils.WeightedAveragePrice(
			order.AvgFillPrice, order.FilledQty, ev.FillPrice, ev.FillQty)
	}
	order.FilledQty = newFilled
	if target == models.OrderStatusFilled {
		now := time.Now()
		order.ClosedAt = &now
	}

	l.applyFillToPosition(order, ev)
	return nil
}

// applyFillToPosition обновляет позицию под исполнение ордера.
// BUY увеличивает LONG либо сокращает SHORT (reduce-only), SELL - зеркально.
func (l *Ledger) applyFillToPosition(order *models.Order, ev exchange.Event) {
	side := models.PositionLong
	if order.Side == models.SideSell {
		side = models.PositionShort
	}

	if order.ReduceOnly {
		// Reduce-only ордер закрывает противоположную позицию
		opposite := models.PositionShort
		if side == models.PositionShort {
			opposite = models.PositionLong
		}
		l.reducePosition(order.Symbol, opposite, ev.FillQty)
		return
	}

	key := positionKey{Symbol: order.Symbol, Side: side}
	p, ok := l.positions[key]
	if !ok {
		p = &models.Position{
			Symbol:   order.Symbol,
			Side:     side,
			Leverage: order.Leverage,
		}
		l.positions[key] = p
	}

	newSize := p.Size + ev.FillQty
	if newSize > 0 {
		p.EntryPrice = utils.WeightedAveragePrice(p.EntryPrice, p.Size, ev.FillPrice, ev.FillQty)
	}
	p.Size = newSize
	p.MarkPrice = ev.FillPrice
	p.UpdatedAt = ev.Timestamp
}

// reducePosition сокращает позицию; при нулевом размере позиция удаляется
func (l *Ledger) reducePosition(symbol, side string, qty float64) {
	key := positionKey{Symbol: symbol, Side: side}
	p, ok := l.positions[key]
	if !ok {
		l.logger.Warn("reduce fill for unknown position",
			zap.String("symbol", symbol), zap.String("side", side))
		return
	}

	p.Size -= qty
	if p.Size <= 1e-9 {
		delete(l.positions, key)
		return
	}
	p.UpdatedAt = time.Now()
}

// Reconcile сверяет реестр со снапшотом биржи и исправляет расхождения.
// Биржа авторитетна: локальное состояние подгоняется под её ответ.
// Возвращает список найденных расхождений для логирования.
func (l *Ledger) Reconcile(openOrders []exchange.OrderState, positions []exchange.PositionState) []Discrepancy {
	var found []Discrepancy

	exchangeOrders := make(map[string]*exchange.OrderState, len(openOrders))
	for i := range openOrders {
		exchangeOrders[openOrders[i].ClientRef] = &openOrders[i]
	}

	// Локальные нетерминальные ордера, которых биржа не знает, завершились
	// за время разрыва: их судьбу решит точечный запрос GetOrder, здесь
	// фиксируется сам факт расхождения
	for ref, order := range l.orders {
		if order.IsTerminal() {
			continue
		}

		remote, ok := exchangeOrders[ref]
		if !ok {
			found = append(found, Discrepancy{
				Kind:      "stale_order",
				ClientRef: ref,
				Symbol:    order.Symbol,
				Detail:    fmt.Sprintf("local status %s, not in exchange open orders", order.Status),
			})
			continue
		}

		localStatus := MapExchangeStatus(remote.Status)
		if localStatus != order.Status && localStatus != "" {
			found = append(found, Discrepancy{
				Kind:      "status_drift",
				ClientRef: ref,
				Symbol:    order.Symbol,
				Detail:    fmt.Sprintf("local %s, exchange %s", order.Status, localStatus),
			})
			l.forceOrderState(order, remote)
		}
	}

	// Ордера биржи, которых нет локально (другая сессия или потерянный ack)
	for ref, remote := range exchangeOrders {
		if _, ok := l.orders[ref]; ok {
			continue
		}
		found = append(found, Discrepancy{
			Kind:      "missing_order",
			ClientRef: ref,
			Symbol:    remote.Symbol,
			Detail:    fmt.Sprintf("exchange status %s, unknown locally", remote.Status),
		})
		l.adoptOrder(remote)
	}

	// Позиции: снапшот биржи замещает локальные целиком
	found = append(found, l.reconcilePositions(positions)...)

	return found
}

// forceOrderState подгоняет локальный ордер под состояние биржи в обход
// машины состояний: выверка - единственное место, где это допустимо
func (l *Ledger) forceOrderState(order *models.Order, remote *exchange.OrderState) {
	order.Status = MapExchangeStatus(remote.Status)
	order.FilledQty = remote.FilledQty
	order.AvgFillPrice = remote.AvgFillPrice
	order.ExchangeID = remote.ExchangeID
	order.UpdatedAt = remote.UpdatedAt
	if order.IsTerminal() && order.ClosedAt == nil {
		now := time.Now()
		order.ClosedAt = &now
	}
}

// adoptOrder заводит локальную запись для ордера, известного только бирже
func (l *Ledger) adoptOrder(remote *exchange.OrderState) {
	order := &models.Order{
		ClientRef:    remote.ClientRef,
		ExchangeID:   remote.ExchangeID,
		Symbol:       remote.Symbol,
		Side:         remote.Side,
		Type:         remote.Type,
		Quantity:     remote.Quantity,
		FilledQty:    remote.FilledQty,
		AvgFillPrice: remote.AvgFillPrice,
		Status:       MapExchangeStatus(remote.Status),
		CreatedAt:    remote.UpdatedAt,
		UpdatedAt:    remote.UpdatedAt,
	}
	l.orders[remote.ClientRef] = order
}

// reconcilePositions замещает локальные позиции снапшотом биржи
func (l *Ledger) reconcilePositions(positions []exchange.PositionState) []Discrepancy {
	var found []Discrepancy

	fresh := make(map[positionKey]*models.Position, len(positions))
	for _, p := range positions {
		key := positionKey{Symbol: p.Symbol, Side: p.Side}
		existing := l.positions[key]

		pos := &models.Position{
			Symbol:        p.Symbol,
			Side:          p.Side,
			Size:          p.Size,
			EntryPrice:    p.EntryPrice,
			MarkPrice:     p.MarkPrice,
			Leverage:      p.Leverage,
			UnrealizedPnl: p.UnrealizedPnl,
			UpdatedAt:     time.Now(),
		}
		if existing != nil {
			pos.Protected = existing.Protected
			pos.StopClientRef = existing.StopClientRef
			if existing.Size != p.Size {
				found = append(found, Discrepancy{
					Kind:   "position_drift",
					Symbol: p.Symbol,
					Detail: fmt.Sprintf("local size %v, exchange size %v", existing.Size, p.Size),
				})
			}
		} else {
			found = append(found, Discrepancy{
				Kind:   "position_drift",
				Symbol: p.Symbol,
				Detail: fmt.Sprintf("exchange position %s %v unknown locally", p.Side, p.Size),
			})
		}
		fresh[key] = pos
	}

	for key := range l.positions {
		if _, ok := fresh[key]; !ok {
			found = append(found, Discrepancy{
				Kind:   "position_drift",
				Symbol: key.Symbol,
				Detail: fmt.Sprintf("local %s position closed on exchange", key.Side),
			})
		}
	}

	l.positions = fresh
	return found
}

// Snapshot строит согласованный риск-срез по текущему состоянию реестра.
// Вызывается только между обработкой событий.
func (l *Ledger) Snapshot() models.RiskSnapshot {
	var notional float64
	for _, p := range l.positions {
		notional += p.Notional()
	}

	openOrders := 0
	for _, order := range l.orders {
		if !order.IsTerminal() {
			openOrders++
		}
	}

	ratio := 1.0
	if l.account.WalletBalance > 0 {
		// Свободная маржа может уйти в минус при резком движении цены
		ratio = utils.Clamp(l.account.AvailableMargin/l.account.WalletBalance, 0, 1)
	}

	return models.RiskSnapshot{
		WalletBalance:   l.account.WalletBalance,
		AvailableMargin: l.account.AvailableMargin,
		UsedMargin:      l.account.UsedMargin,
		MarginRatio:     ratio,
		TotalNotional:   notional,
		OpenOrders:      openOrders,
		OpenPositions:   len(l.positions),
		TakenAt:         time.Now(),
	}
}
