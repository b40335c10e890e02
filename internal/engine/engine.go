package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"futuresbot/internal/config"
	"futuresbot/internal/exchange"
	"futuresbot/internal/models"
	"futuresbot/pkg/utils"
)

// Journal архивирует терминальные ордера. Реализация может отсутствовать
// (nil) - тогда терминальные ордера просто удаляются из реестра.
type Journal interface {
	Archive(ctx context.Context, order *models.Order) error
}

// Таймаут одиночного сетевого вызова, запущенного циклом
const gatewayCallTimeout = 15 * time.Second

// ============================================================
// Внутренние сообщения цикла
// ============================================================
//
// Результаты асинхронных вызовов возвращаются в цикл сообщениями:
// реестр мутирует только одна горутина.

type submitResult struct {
	clientRef string
	ack       *exchange.OrderAck
	err       error
}

type cancelResult struct {
	clientRef string
	err       error
}

type resolveResult struct {
	clientRef string
	state     *exchange.OrderState
	err       error
}

type snapshotResult struct {
	orders    []exchange.OrderState
	positions []exchange.PositionState
	account   *exchange.AccountState
	err       error
}

type accountResult struct {
	account *exchange.AccountState
	err     error
}

type stopRetry struct {
	symbol string
	side   string
}

type shutdownRequest struct{}

// StatusInfo - срез состояния движка для операционного API
type StatusInfo struct {
	State         string    `json:"state"`
	OpenOrders    int       `json:"open_orders"`
	OpenPositions int       `json:"open_positions"`
	MarginRatio   float64   `json:"margin_ratio"`
	StartedAt     time.Time `json:"started_at"`
}

// Engine - сериализованное ядро. Все намерения и события биржи проходят
// через единственную горутину run: между обработкой двух событий состояние
// реестра не меняется, и риск-срезы всегда согласованы.
type Engine struct {
	gateway exchange.Gateway
	ledger  *Ledger
	guard   *RiskGuard
	coord   *Coordinator
	journal Journal
	cfg     config.EngineConfig
	logger  *zap.Logger

	intents  chan models.Intent
	internal chan interface{} // результаты асинхронных вызовов и таймеры

	// Последние известные марк-цены по символам для оценки номинала
	marks map[string]float64

	refCounter atomic.Int64
	startedAt  time.Time

	statusMu sync.RWMutex
	status   StatusInfo

	wg sync.WaitGroup
}

// New создаёт движок. journal может быть nil.
func New(gateway exchange.Gateway, guard *RiskGuard, journal Journal, cfg config.EngineConfig, logger *zap.Logger) *Engine {
	return &Engine{
		gateway:  gateway,
		ledger:   NewLedger(logger),
		guard:    guard,
		coord:    NewCoordinator(logger),
		journal:  journal,
		cfg:      cfg,
		logger:   logger,
		intents:  make(chan models.Intent, cfg.IntentBuffer),
		internal: make(chan interface{}, 256),
		marks:    make(map[string]float64),
	}
}

// Submit ставит намерение в очередь. Во время остановки намерения
// отклоняются сразу, не доходя до цикла.
func (e *Engine) Submit(intent models.Intent) error {
	if !e.coord.Running() {
		return exchange.NewRiskRejected("engine is shutting down")
	}
	select {
	case e.intents <- intent:
		return nil
	default:
		return fmt.Errorf("intent queue is full")
	}
}

// Shutdown инициирует остановку. Идемпотентен: повторные вызовы - no-op.
func (e *Engine) Shutdown(cause string, fatal bool) {
	if e.coord.Trigger(cause, fatal) {
		e.internal <- shutdownRequest{}
	}
}

// Done закрывается по достижении STOPPED
func (e *Engine) Done() <-chan struct{} {
	return e.coord.Done()
}

// ExitCode возвращает код выхода процесса
func (e *Engine) ExitCode() int {
	return e.coord.ExitCode()
}

// Status возвращает срез состояния для операционного API.
// Потокобезопасен: срез обновляется циклом после каждого события.
func (e *Engine) Status() StatusInfo {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	return e.status
}

// Run - главный цикл. Блокирует до полной остановки; запускается
// в единственной горутине.
func (e *Engine) Run(ctx context.Context) {
	e.startedAt = time.Now()
	e.publishStatus()
	e.logger.Info("engine loop started")

	stream := e.gateway.Stream()
	ctxDone := ctx.Done()

	for e.coord.State() != StateStopped {
		select {
		case <-ctxDone:
			ctxDone = nil
			if e.coord.Trigger("context cancelled", false) {
				e.runShutdown(stream)
			}

		case intent := <-e.intents:
			started := time.Now()
			e.handleIntent(intent)
			e.afterEvent(started)

		case ev, ok := <-stream:
			if !ok {
				// Канал закрывается только на Close гейтвея
				e.logger.Warn("event stream channel closed")
				stream = nil
				continue
			}
			started := time.Now()
			e.handleStreamEvent(ev)
			e.afterEvent(started)

		case msg := <-e.internal:
			if _, ok := msg.(shutdownRequest); ok {
				e.runShutdown(stream)
				continue
			}
			started := time.Now()
			e.handleInternal(msg)
			e.afterEvent(started)
		}
	}

	e.wg.Wait()
	e.logger.Info("engine loop stopped")
}

// afterEvent обновляет метрики и операционный срез после каждого события
func (e *Engine) afterEvent(started time.Time) {
	EventProcessingLatency.Observe(float64(time.Since(started).Microseconds()) / 1000.0)
	e.publishStatus()
}

func (e *Engine) publishStatus() {
	snapshot := e.ledger.Snapshot()

	OpenOrdersGauge.Set(float64(snapshot.OpenOrders))
	OpenPositionsGauge.Set(float64(snapshot.OpenPositions))
	MarginRatio.Set(snapshot.MarginRatio)
	EngineState.Set(stateGaugeValue(e.coord.State()))

	e.statusMu.Lock()
	e.status = StatusInfo{
		State:         e.coord.State(),
		OpenOrders:    snapshot.OpenOrders,
		OpenPositions: snapshot.OpenPositions,
		MarginRatio:   snapshot.MarginRatio,
		StartedAt:     e.startedAt,
	}
	e.statusMu.Unlock()
}

// ============================================================
// Намерения
// ============================================================

func (e *Engine) handleIntent(intent models.Intent) {
	EventsProcessed.WithLabelValues("intent").Inc()

	switch intent.Kind {
	case models.IntentCancel:
		e.handleCancelIntent(intent)
	default:
		e.handlePlaceIntent(intent)
	}
}

func (e *Engine) handlePlaceIntent(intent models.Intent) {
	if intent.ClientRef == "" {
		intent.ClientRef = e.nextClientRef()
	}

	order := &models.Order{
		ClientRef:  intent.ClientRef,
		Symbol:     intent.Symbol,
		Side:       intent.Side,
		Type:       intent.Type,
		Quantity:   intent.Quantity,
		Price:      intent.Price,
		StopPrice:  intent.StopPrice,
		Leverage:   intent.Leverage,
		ReduceOnly: intent.ReduceOnly,
	}

	if err := e.ledger.Track(order); err != nil {
		e.logger.Error("duplicate client_ref in intent",
			zap.String("client_ref", intent.ClientRef), zap.Error(err))
		return
	}

	if err := utils.ValidateQuantity(intent.Quantity); err != nil {
		e.rejectOrder(order, err.Error())
		return
	}
	if intent.Type == models.OrderTypeLimit {
		if err := utils.ValidatePrice(intent.Price); err != nil {
			e.rejectOrder(order, err.Error())
			return
		}
	}

	// Pre-trade проверка по согласованному срезу; отказ не доходит до биржи
	snapshot := e.ledger.Snapshot()
	if err := e.guard.PreTradeCheck(intent, snapshot, e.marks[intent.Symbol]); err != nil {
		e.rejectOrder(order, err.Error())
		RiskRejections.WithLabelValues(intent.Symbol).Inc()
		return
	}

	e.submitOrder(order)
}

// submitOrder запускает асинхронную отправку; результат вернётся в цикл
func (e *Engine) submitOrder(order *models.Order) {
	req := exchange.OrderRequest{
		ClientRef:  order.ClientRef,
		Symbol:     order.Symbol,
		Side:       order.Side,
		Type:       order.Type,
		Quantity:   order.Quantity,
		Price:      order.Price,
		StopPrice:  order.StopPrice,
		ReduceOnly: order.ReduceOnly,
	}

	OrdersSubmitted.WithLabelValues(order.Symbol, order.Side, order.Type).Inc()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), gatewayCallTimeout)
		defer cancel()

		ack, err := e.gateway.SubmitOrder(ctx, req)
		e.internal <- submitResult{clientRef: req.ClientRef, ack: ack, err: err}
	}()
}

func (e *Engine) handleCancelIntent(intent models.Intent) {
	order, ok := e.ledger.Get(intent.ClientRef)
	if !ok {
		e.logger.Warn("cancel intent for unknown order", zap.String("client_ref", intent.ClientRef))
		return
	}
	if order.IsTerminal() {
		return
	}
	e.cancelOrder(order)
}

func (e *Engine) cancelOrder(order *models.Order) {
	e.wg.Add(1)
	go func(symbol, clientRef string) {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), gatewayCallTimeout)
		defer cancel()

		err := e.gateway.CancelOrder(ctx, symbol, clientRef)
		e.internal <- cancelResult{clientRef: clientRef, err: err}
	}(order.Symbol, order.ClientRef)
}

// rejectOrder переводит ордер в REJECTED и архивирует его
func (e *Engine) rejectOrder(order *models.Order, reason string) {
	order.RejectReason = reason
	if err := Transition(order, models.OrderStatusRejected, 0); err != nil {
		e.logger.Error("cannot reject order", zap.String("client_ref", order.ClientRef), zap.Error(err))
		return
	}
	OrdersRejected.WithLabelValues(order.Symbol, "risk").Inc()
	e.logger.Info("order rejected",
		zap.String("client_ref", order.ClientRef),
		zap.String("symbol", order.Symbol),
		zap.String("reason", reason))
	e.finalizeOrder(order)
}

// finalizeOrder архивирует терминальный ордер и убирает его из реестра
func (e *Engine) finalizeOrder(order *models.Order) {
	OrdersTerminal.WithLabelValues(order.Symbol, order.Status).Inc()

	if e.journal != nil {
		archived := *order
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), gatewayCallTimeout)
			defer cancel()
			if err := e.journal.Archive(ctx, &archived); err != nil {
				e.logger.Error("order archive failed",
					zap.String("client_ref", archived.ClientRef), zap.Error(err))
			}
		}()
	}

	e.ledger.Drop(order.ClientRef)
}

func (e *Engine) nextClientRef() string {
	return fmt.Sprintf("fb-%d-%d", time.Now().UnixMilli(), e.refCounter.Add(1))
}

// ============================================================
// События биржи
// ============================================================

func (e *Engine) handleStreamEvent(ev exchange.Event) {
	EventsProcessed.WithLabelValues(ev.Type.String()).Inc()

	switch ev.Type {
	case exchange.EventSnapshotRequired:
		e.startReconciliation()

	case exchange.EventStreamDown:
		e.logger.Warn("event stream lost, live updates suspended")

	case exchange.EventAccountUpdate:
		e.refreshAccount()

	case exchange.EventOrderAck:
		e.applyAck(ev)

	case exchange.EventFill:
		e.applyFill(ev)

	case exchange.EventCancel, exchange.EventExpired:
		e.applyTerminal(ev, models.OrderStatusCancelled)

	case exchange.EventReject:
		e.applyTerminal(ev, models.OrderStatusRejected)
	}
}

func (e *Engine) applyAck(ev exchange.Event) {
	order, ok := e.ledger.Get(ev.ClientRef)
	if !ok {
		e.logger.Warn("ack for unknown order", zap.String("client_ref", ev.ClientRef))
		return
	}

	if err := Transition(order, models.OrderStatusAcknowledged, ev.Seq); err != nil {
		e.logTransitionError(err)
		return
	}
	order.ExchangeID = ev.ExchangeID
	e.logger.Debug("order acknowledged",
		zap.String("client_ref", ev.ClientRef),
		zap.String("exchange_id", ev.ExchangeID))
}

func (e *Engine) applyFill(ev exchange.Event) {
	order, ok := e.ledger.Get(ev.ClientRef)
	if !ok {
		e.logger.Warn("fill for unknown order", zap.String("client_ref", ev.ClientRef))
		return
	}

	// Ордер и позиция меняются одним вызовом: оба или ни один
	if err := e.ledger.ApplyFill(order, ev); err != nil {
		e.logTransitionError(err)
		return
	}

	FillsApplied.WithLabelValues(ev.Symbol).Inc()
	e.marks[ev.Symbol] = ev.FillPrice

	e.logger.Info("fill applied",
		zap.String("client_ref", ev.ClientRef),
		zap.String("symbol", ev.Symbol),
		zap.Float64("qty", ev.FillQty),
		zap.Float64("price", ev.FillPrice),
		zap.String("status", order.Status))

	filled := order.Status == models.OrderStatusFilled
	entryFill := !order.ReduceOnly && order.Type != models.OrderTypeStopMarket

	if filled {
		if order.Type == models.OrderTypeStopMarket {
			// Сработал защитный стоп - позиция закрыта
			e.guard.ResetStopAttempts(order.Symbol, stopSideToPosition(order.Side))
		}
		e.finalizeOrder(order)
	}

	// Защитный стоп обновляется на каждом наращивающем исполнении:
	// частично исполненный вход тоже должен быть накрыт
	if entryFill && e.coord.Running() {
		e.placeProtectiveStop(order)
	}

	// Post-fill контроль маржи
	if action := e.guard.PostFillCheck(e.ledger.Snapshot(), e.ledger.Positions()); action != nil {
		e.executeForceAction(action)
	}
}

func (e *Engine) applyTerminal(ev exchange.Event, status string) {
	order, ok := e.ledger.Get(ev.ClientRef)
	if !ok {
		e.logger.Debug("terminal event for unknown order", zap.String("client_ref", ev.ClientRef))
		return
	}

	if err := Transition(order, status, ev.Seq); err != nil {
		e.logTransitionError(err)
		return
	}
	if ev.Reason != "" {
		order.RejectReason = ev.Reason
	}
	now := time.Now()
	order.ClosedAt = &now

	e.logger.Info("order closed",
		zap.String("client_ref", ev.ClientRef),
		zap.String("status", status),
		zap.String("reason", ev.Reason))

	// Смерть действующего защитного стопа оставляет позицию незащищённой
	if order.Type == models.OrderTypeStopMarket && order.ReduceOnly {
		side := stopSideToPosition(order.Side)
		if position, ok := e.ledger.Position(order.Symbol, side); ok &&
			position.StopClientRef == order.ClientRef {
			position.Protected = false
			position.StopClientRef = ""
			e.logger.Warn("position lost protective stop",
				zap.String("symbol", order.Symbol), zap.String("side", side))
		}
	}

	e.finalizeOrder(order)
}

func (e *Engine) logTransitionError(err error) {
	switch err.(type) {
	case *StaleEventError:
		// Повторная доставка - штатный случай
		StaleEventsDropped.Inc()
		e.logger.Debug("stale event dropped", zap.Error(err))
	default:
		e.logger.Warn("event not applied", zap.Error(err))
	}
}

// ============================================================
// Защитные стопы и принудительные действия
// ============================================================

// stopSideToPosition: сторона стоп-ордера противоположна стороне позиции
func stopSideToPosition(orderSide string) string {
	if orderSide == models.SideSell {
		return models.PositionLong
	}
	return models.PositionShort
}

// placeProtectiveStop накрывает позицию reduce-only STOP_MARKET ордером.
// Если позиция доросла сверх покрытия действующего стопа, старый стоп
// отменяется и выставляется новый на полный размер.
func (e *Engine) placeProtectiveStop(entry *models.Order) {
	positionSide := models.PositionLong
	stopSide := models.SideSell
	if entry.Side == models.SideSell {
		positionSide = models.PositionShort
		stopSide = models.SideBuy
	}

	position, ok := e.ledger.Position(entry.Symbol, positionSide)
	if !ok {
		return
	}
	if position.Protected {
		prev, live := e.ledger.Get(position.StopClientRef)
		if live && !prev.IsTerminal() && prev.Quantity >= position.Size-1e-9 {
			return
		}
		if live && !prev.IsTerminal() {
			e.logger.Info("replacing protective stop",
				zap.String("symbol", entry.Symbol),
				zap.Float64("covered_qty", prev.Quantity),
				zap.Float64("position_size", position.Size))
			e.cancelOrder(prev)
		}
	}

	stop := &models.Order{
		ClientRef:  e.nextClientRef(),
		Symbol:     entry.Symbol,
		Side:       stopSide,
		Type:       models.OrderTypeStopMarket,
		Quantity:   utils.RoundToLotSizeUp(position.Size, 1e-8),
		StopPrice:  e.guard.StopPrice(positionSide, position.EntryPrice),
		Leverage:   entry.Leverage,
		ReduceOnly: true,
	}

	if err := e.ledger.Track(stop); err != nil {
		e.logger.Error("cannot track protective stop", zap.Error(err))
		return
	}
	position.Protected = true
	position.StopClientRef = stop.ClientRef

	e.logger.Info("placing protective stop",
		zap.String("symbol", stop.Symbol),
		zap.Float64("stop_price", stop.StopPrice),
		zap.Float64("qty", stop.Quantity))
	e.submitOrder(stop)
}

// handleStopFailure учитывает неудачу защитного стопа: ограниченные
// повторы, затем принудительное закрытие незащищённой позиции
func (e *Engine) handleStopFailure(symbol, positionSide string) {
	attempts, exhausted := e.guard.RecordStopFailure(symbol, positionSide)

	position, ok := e.ledger.Position(symbol, positionSide)
	if !ok {
		e.guard.ResetStopAttempts(symbol, positionSide)
		return
	}
	position.Protected = false
	position.StopClientRef = ""

	if exhausted {
		e.logger.Error("protective stop retries exhausted, closing position",
			zap.String("symbol", symbol),
			zap.Int("attempts", attempts))
		e.executeForceAction(&ForceAction{
			Reason: "protective stop could not be placed",
			Symbol: symbol,
			Side:   positionSide,
			Qty:    position.Size,
		})
		return
	}

	// Повтор с экспоненциальной задержкой: 1s, 2s, 4s...
	delay := time.Duration(1<<(attempts-1)) * time.Second
	e.logger.Warn("protective stop failed, will retry",
		zap.String("symbol", symbol),
		zap.Int("attempt", attempts),
		zap.Duration("delay", delay))

	time.AfterFunc(delay, func() {
		e.internal <- stopRetry{symbol: symbol, side: positionSide}
	})
}

// executeForceAction закрывает позицию reduce-only рыночным ордером
// в обход pre-trade проверки
func (e *Engine) executeForceAction(action *ForceAction) {
	ForceActions.WithLabelValues(action.Symbol, action.Reason).Inc()

	closeSide := models.SideSell
	if action.Side == models.PositionShort {
		closeSide = models.SideBuy
	}

	order := &models.Order{
		ClientRef:  e.nextClientRef(),
		Symbol:     action.Symbol,
		Side:       closeSide,
		Type:       models.OrderTypeMarket,
		// reduce-only: излишек сверх размера позиции биржа обрежет сама
		Quantity:   utils.RoundToLotSizeUp(action.Qty, 1e-8),
		ReduceOnly: true,
	}

	if err := e.ledger.Track(order); err != nil {
		e.logger.Error("cannot track force close order", zap.Error(err))
		return
	}

	e.logger.Warn("force closing position",
		zap.String("symbol", action.Symbol),
		zap.String("side", action.Side),
		zap.Float64("qty", action.Qty),
		zap.String("reason", action.Reason))
	e.submitOrder(order)
}

// ============================================================
// Результаты асинхронных вызовов
// ============================================================

func (e *Engine) handleInternal(msg interface{}) {
	switch m := msg.(type) {
	case submitResult:
		e.handleSubmitResult(m)
	case cancelResult:
		e.handleCancelResult(m)
	case resolveResult:
		e.handleResolveResult(m)
	case snapshotResult:
		e.handleSnapshotResult(m)
	case accountResult:
		if m.err == nil && m.account != nil {
			e.ledger.SetAccount(*m.account)
		}
	case stopRetry:
		e.retryProtectiveStop(m)
	}
}

func (e *Engine) handleSubmitResult(res submitResult) {
	order, ok := e.ledger.Get(res.clientRef)
	if !ok {
		// Ордер мог дойти до терминального статуса через стрим раньше,
		// чем вернулся REST ответ
		return
	}

	if res.err == nil {
		if order.Status == models.OrderStatusPending {
			if err := Transition(order, models.OrderStatusAcknowledged, 0); err != nil {
				e.logTransitionError(err)
			}
		}
		if res.ack != nil && order.ExchangeID == "" {
			order.ExchangeID = res.ack.ExchangeID
		}
		// Принятый защитный стоп обнуляет счётчик неудач по позиции
		if order.Type == models.OrderTypeStopMarket && order.ReduceOnly {
			e.guard.ResetStopAttempts(order.Symbol, stopSideToPosition(order.Side))
		}
		return
	}

	kind, _ := exchange.KindOf(res.err)
	switch kind {
	case exchange.KindAmbiguous:
		// Исход неизвестен: не повторять, выяснить правду у биржи
		e.logger.Warn("submit outcome ambiguous, reconciling order",
			zap.String("client_ref", res.clientRef), zap.Error(res.err))
		e.resolveOrder(order.Symbol, res.clientRef)

	case exchange.KindAuth:
		e.logger.Error("authentication failure, shutting down", zap.Error(res.err))
		e.rejectOrder(order, res.err.Error())
		e.Shutdown("authentication error", true)

	default:
		e.logger.Warn("order submit failed",
			zap.String("client_ref", res.clientRef), zap.Error(res.err))
		OrdersRejected.WithLabelValues(order.Symbol, kind.String()).Inc()
		order.RejectReason = res.err.Error()
		if err := Transition(order, models.OrderStatusRejected, 0); err != nil {
			e.logTransitionError(err)
			return
		}
		wasStop := order.Type == models.OrderTypeStopMarket && order.ReduceOnly
		symbol, side := order.Symbol, stopSideToPosition(order.Side)
		e.finalizeOrder(order)

		// Неудача защитного стопа запускает повторы с лимитом
		if wasStop {
			e.handleStopFailure(symbol, side)
		}
	}
}

func (e *Engine) handleCancelResult(res cancelResult) {
	if res.err == nil {
		// Подтверждение придёт событием стрима
		return
	}

	order, ok := e.ledger.Get(res.clientRef)
	if !ok {
		return
	}

	kind, _ := exchange.KindOf(res.err)
	switch kind {
	case exchange.KindAmbiguous, exchange.KindInvalidParameter:
		// Таймаут отмены либо "unknown order": ордер мог исполниться
		// до отмены - единственный источник правды теперь REST
		e.logger.Warn("cancel outcome unclear, reconciling order",
			zap.String("client_ref", res.clientRef), zap.Error(res.err))
		e.resolveOrder(order.Symbol, res.clientRef)
	default:
		e.logger.Error("order cancel failed",
			zap.String("client_ref", res.clientRef), zap.Error(res.err))
	}
}

func (e *Engine) retryProtectiveStop(m stopRetry) {
	position, ok := e.ledger.Position(m.symbol, m.side)
	if !ok || position.Protected {
		return
	}

	stopSide := models.SideSell
	if m.side == models.PositionShort {
		stopSide = models.SideBuy
	}

	stop := &models.Order{
		ClientRef:  e.nextClientRef(),
		Symbol:     m.symbol,
		Side:       stopSide,
		Type:       models.OrderTypeStopMarket,
		Quantity:   utils.RoundToLotSizeUp(position.Size, 1e-8),
		StopPrice:  e.guard.StopPrice(m.side, position.EntryPrice),
		Leverage:   position.Leverage,
		ReduceOnly: true,
	}

	if err := e.ledger.Track(stop); err != nil {
		e.logger.Error("cannot track protective stop retry", zap.Error(err))
		return
	}
	position.Protected = true
	position.StopClientRef = stop.ClientRef
	e.submitOrder(stop)
}

// ============================================================
// Выверка состояния
// ============================================================

// startReconciliation запрашивает у биржи полный снапшот состояния.
// Вызывается после каждого (пере)подключения стрима.
func (e *Engine) startReconciliation() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), gatewayCallTimeout)
		defer cancel()

		var res snapshotResult
		res.orders, res.err = e.gateway.GetOpenOrders(ctx)
		if res.err == nil {
			res.positions, res.err = e.gateway.GetPositions(ctx)
		}
		if res.err == nil {
			res.account, res.err = e.gateway.GetAccount(ctx)
		}
		e.internal <- res
	}()
}

func (e *Engine) handleSnapshotResult(res snapshotResult) {
	if res.err != nil {
		e.logger.Error("state snapshot failed, retrying", zap.Error(res.err))
		time.AfterFunc(5*time.Second, func() {
			e.startReconciliation()
		})
		return
	}

	if res.account != nil {
		e.ledger.SetAccount(*res.account)
	}

	Reconciliations.Inc()
	discrepancies := e.ledger.Reconcile(res.orders, res.positions)
	for _, d := range discrepancies {
		ReconcileDiscrepancies.WithLabelValues(d.Kind).Inc()
		e.logger.Warn("state discrepancy",
			zap.String("kind", d.Kind),
			zap.String("client_ref", d.ClientRef),
			zap.String("symbol", d.Symbol),
			zap.String("detail", d.Detail))

		// Судьбу ордеров, пропавших из открытых, решает точечный запрос
		if d.Kind == "stale_order" {
			e.resolveOrder(d.Symbol, d.ClientRef)
		}
	}

	// Марк-цены из снапшота позиций
	for _, p := range res.positions {
		if p.MarkPrice > 0 {
			e.marks[p.Symbol] = p.MarkPrice
		}
	}

	e.logger.Info("reconciliation complete",
		zap.Int("exchange_open_orders", len(res.orders)),
		zap.Int("exchange_positions", len(res.positions)),
		zap.Int("discrepancies", len(discrepancies)))
}

// resolveOrder запрашивает точное состояние одного ордера
func (e *Engine) resolveOrder(symbol, clientRef string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), gatewayCallTimeout)
		defer cancel()

		state, err := e.gateway.GetOrder(ctx, symbol, clientRef)
		e.internal <- resolveResult{clientRef: clientRef, state: state, err: err}
	}()
}

func (e *Engine) handleResolveResult(res resolveResult) {
	order, ok := e.ledger.Get(res.clientRef)
	if !ok {
		return
	}

	if res.err != nil {
		if exchange.IsKind(res.err, exchange.KindInvalidParameter) {
			// Биржа не знает такой ордер: отправка не прошла
			e.logger.Info("order unknown to exchange, marking rejected",
				zap.String("client_ref", res.clientRef))
			order.RejectReason = "order not found on exchange"
			if err := Transition(order, models.OrderStatusRejected, 0); err == nil {
				e.finalizeOrder(order)
			} else {
				e.logTransitionError(err)
			}
			return
		}

		e.logger.Error("order resolve failed, retrying",
			zap.String("client_ref", res.clientRef), zap.Error(res.err))
		symbol := order.Symbol
		time.AfterFunc(5*time.Second, func() {
			e.resolveOrder(symbol, res.clientRef)
		})
		return
	}

	// Ответ биржи авторитетен: применяем его напрямую.
	// Упущенные исполнения проводятся через позицию одним дельта-филлом.
	prevFilled := order.FilledQty
	e.ledger.forceOrderState(order, res.state)

	if delta := order.FilledQty - prevFilled; delta > 1e-9 {
		e.ledger.applyFillToPosition(order, exchange.Event{
			Type:      exchange.EventFill,
			Symbol:    order.Symbol,
			ClientRef: order.ClientRef,
			FillQty:   delta,
			FillPrice: res.state.AvgFillPrice,
			Timestamp: res.state.UpdatedAt,
		})
		FillsApplied.WithLabelValues(order.Symbol).Inc()
	}

	e.logger.Info("order resolved",
		zap.String("client_ref", res.clientRef),
		zap.String("status", order.Status),
		zap.Float64("filled_qty", order.FilledQty))

	if order.IsTerminal() {
		e.finalizeOrder(order)
	}
}

// refreshAccount обновляет маржевые показатели после ACCOUNT_UPDATE
func (e *Engine) refreshAccount() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), gatewayCallTimeout)
		defer cancel()

		account, err := e.gateway.GetAccount(ctx)
		e.internal <- accountResult{account: account, err: err}
	}()
}

// ============================================================
// Остановка
// ============================================================

// runShutdown выполняет фазы остановки, не покидая цикл: события биржи
// продолжают обрабатываться до самого конца.
func (e *Engine) runShutdown(stream <-chan exchange.Event) {
	e.publishStatus()

	// Фаза DRAINING: отмена всех нетерминальных ордеров
	open := e.ledger.OpenOrders()
	e.logger.Info("draining open orders", zap.Int("count", len(open)))
	for _, order := range open {
		e.cancelOrder(order)
	}

	e.waitOrders(stream, e.cfg.DrainTimeout)

	// Ордера, не подтвердившие отмену за таймаут, фиксируются как orphaned
	for _, order := range e.ledger.OpenOrders() {
		OrphanedOrders.Inc()
		e.logger.Error("orphaned order: cancellation not confirmed before timeout",
			zap.String("client_ref", order.ClientRef),
			zap.String("exchange_id", order.ExchangeID),
			zap.String("symbol", order.Symbol),
			zap.String("status", order.Status),
			zap.Float64("qty", order.Quantity),
			zap.Float64("filled_qty", order.FilledQty))
	}

	// Фаза FLATTENING: опциональное закрытие позиций
	if e.cfg.FlattenOnExit && len(e.ledger.Positions()) > 0 {
		if err := e.coord.Advance(StateFlattening); err == nil {
			e.publishStatus()
			e.flattenPositions(stream)
		}
	}

	if err := e.coord.Advance(StateStopped); err != nil {
		e.logger.Error("shutdown finalization error", zap.Error(err))
	}
	e.publishStatus()
}

// flattenPositions закрывает позиции reduce-only рыночными ордерами
func (e *Engine) flattenPositions(stream <-chan exchange.Event) {
	positions := e.ledger.Positions()
	e.logger.Info("flattening positions", zap.Int("count", len(positions)))

	for _, p := range positions {
		e.executeForceAction(&ForceAction{
			Reason: "flatten on exit",
			Symbol: p.Symbol,
			Side:   p.Side,
			Qty:    p.Size,
		})
	}

	e.waitOrders(stream, e.cfg.FlattenTimeout)

	for _, p := range e.ledger.Positions() {
		e.logger.Error("position still open after flatten timeout",
			zap.String("symbol", p.Symbol),
			zap.String("side", p.Side),
			zap.Float64("size", p.Size))
	}
}

// waitOrders обрабатывает события до терминальности всех ордеров либо
// истечения таймаута. Новые намерения при этом не принимаются.
func (e *Engine) waitOrders(stream <-chan exchange.Event, timeout time.Duration) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		if len(e.ledger.OpenOrders()) == 0 {
			return
		}

		select {
		case <-deadline.C:
			return

		case ev, ok := <-stream:
			if !ok {
				stream = nil
				continue
			}
			e.handleStreamEvent(ev)
			e.publishStatus()

		case msg := <-e.internal:
			if _, isShutdown := msg.(shutdownRequest); isShutdown {
				continue
			}
			e.handleInternal(msg)
			e.publishStatus()
		}
	}
}
