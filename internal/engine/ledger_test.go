package engine

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"futuresbot/internal/exchange"
	"futuresbot/internal/models"
)

func newTestLedger() *Ledger {
	return NewLedger(zap.NewNop())
}

func trackOrder(t *testing.T, l *Ledger, order *models.Order) *models.Order {
	t.Helper()
	if err := l.Track(order); err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	return order
}

// TestLedger_Track проверяет регистрацию ордера и защиту от дублей
func TestLedger_Track(t *testing.T) {
	l := newTestLedger()

	order := &models.Order{ClientRef: "fb-1", Symbol: "BTCUSDT", Side: models.SideBuy, Quantity: 1}
	if err := l.Track(order); err != nil {
		t.Fatalf("Track() error = %v", err)
	}

	if order.Status != models.OrderStatusPending {
		t.Errorf("Status = %s, want PENDING", order.Status)
	}

	got, ok := l.Get("fb-1")
	if !ok || got != order {
		t.Error("Get() did not return tracked order")
	}

	// Повторный Track с тем же client_ref отклоняется
	if err := l.Track(&models.Order{ClientRef: "fb-1"}); err == nil {
		t.Error("Track() with duplicate client_ref should fail")
	}
}

// TestLedger_ApplyFill_Sequence проверяет накопление исполнений:
// два частичных исполнения на 0.4 и 0.6 дают FILLED и позицию 1.0
func TestLedger_ApplyFill_Sequence(t *testing.T) {
	l := newTestLedger()
	order := trackOrder(t, l, &models.Order{
		ClientRef: "fb-1",
		Symbol:    "BTCUSDT",
		Side:      models.SideBuy,
		Type:      models.OrderTypeLimit,
		Quantity:  1.0,
		Price:     50000,
		Leverage:  5,
	})
	order.Status = models.OrderStatusAcknowledged

	if err := l.ApplyFill(order, exchange.Event{Seq: 1, FillQty: 0.4, FillPrice: 50000, Timestamp: time.Now()}); err != nil {
		t.Fatalf("first fill error = %v", err)
	}
	if order.Status != models.OrderStatusPartiallyFilled {
		t.Errorf("after first fill Status = %s, want PARTIALLY_FILLED", order.Status)
	}
	if order.FilledQty != 0.4 {
		t.Errorf("FilledQty = %v, want 0.4", order.FilledQty)
	}

	if err := l.ApplyFill(order, exchange.Event{Seq: 2, FillQty: 0.6, FillPrice: 50200, Timestamp: time.Now()}); err != nil {
		t.Fatalf("second fill error = %v", err)
	}
	if order.Status != models.OrderStatusFilled {
		t.Errorf("after second fill Status = %s, want FILLED", order.Status)
	}
	if order.FilledQty != 1.0 {
		t.Errorf("FilledQty = %v, want 1.0", order.FilledQty)
	}
	if order.ClosedAt == nil {
		t.Error("ClosedAt not set on FILLED order")
	}

	// Средневзвешенная цена: (50000*0.4 + 50200*0.6) / 1.0 = 50120
	if diff := order.AvgFillPrice - 50120; diff > 1e-6 || diff < -1e-6 {
		t.Errorf("AvgFillPrice = %v, want 50120", order.AvgFillPrice)
	}

	pos, ok := l.Position("BTCUSDT", models.PositionLong)
	if !ok {
		t.Fatal("LONG position not created")
	}
	if pos.Size != 1.0 {
		t.Errorf("position Size = %v, want 1.0", pos.Size)
	}
	if pos.Leverage != 5 {
		t.Errorf("position Leverage = %d, want 5", pos.Leverage)
	}
}

// TestLedger_ApplyFill_StaleRejected проверяет, что повтор события
// не меняет ни ордер, ни позицию
func TestLedger_ApplyFill_StaleRejected(t *testing.T) {
	l := newTestLedger()
	order := trackOrder(t, l, &models.Order{
		ClientRef: "fb-1", Symbol: "BTCUSDT", Side: models.SideBuy, Quantity: 1.0,
	})
	order.Status = models.OrderStatusAcknowledged

	ev := exchange.Event{Seq: 1, FillQty: 0.4, FillPrice: 50000}
	if err := l.ApplyFill(order, ev); err != nil {
		t.Fatalf("fill error = %v", err)
	}

	// Повторная доставка того же события
	if err := l.ApplyFill(order, ev); err == nil {
		t.Fatal("replayed fill must be rejected")
	}

	if order.FilledQty != 0.4 {
		t.Errorf("replay mutated FilledQty = %v, want 0.4", order.FilledQty)
	}
	pos, _ := l.Position("BTCUSDT", models.PositionLong)
	if pos.Size != 0.4 {
		t.Errorf("replay mutated position Size = %v, want 0.4", pos.Size)
	}
}

// TestLedger_ApplyFill_Atomic проверяет неделимость: при невалидном событии
// не меняется ни ордер, ни позиция
func TestLedger_ApplyFill_Atomic(t *testing.T) {
	l := newTestLedger()
	order := trackOrder(t, l, &models.Order{
		ClientRef: "fb-1", Symbol: "BTCUSDT", Side: models.SideBuy, Quantity: 1.0,
	})
	order.Status = models.OrderStatusAcknowledged

	// Перефил: 1.5 > 1.0
	if err := l.ApplyFill(order, exchange.Event{Seq: 1, FillQty: 1.5, FillPrice: 50000}); err == nil {
		t.Fatal("overfill must be rejected")
	}

	if order.FilledQty != 0 {
		t.Errorf("rejected fill mutated order FilledQty = %v", order.FilledQty)
	}
	if order.LastSeq != 0 {
		t.Errorf("rejected fill mutated LastSeq = %d", order.LastSeq)
	}
	if _, ok := l.Position("BTCUSDT", models.PositionLong); ok {
		t.Error("rejected fill created a position")
	}
}

// TestLedger_ReduceOnlyFill проверяет закрытие позиции reduce-only ордером
func TestLedger_ReduceOnlyFill(t *testing.T) {
	l := newTestLedger()

	// Открываем LONG 1.0
	entry := trackOrder(t, l, &models.Order{
		ClientRef: "fb-1", Symbol: "BTCUSDT", Side: models.SideBuy, Quantity: 1.0,
	})
	entry.Status = models.OrderStatusAcknowledged
	if err := l.ApplyFill(entry, exchange.Event{Seq: 1, FillQty: 1.0, FillPrice: 50000}); err != nil {
		t.Fatalf("entry fill error = %v", err)
	}

	// Закрываем половину reduce-only SELL
	exit := trackOrder(t, l, &models.Order{
		ClientRef: "fb-2", Symbol: "BTCUSDT", Side: models.SideSell, Quantity: 0.5, ReduceOnly: true,
	})
	exit.Status = models.OrderStatusAcknowledged
	if err := l.ApplyFill(exit, exchange.Event{Seq: 2, FillQty: 0.5, FillPrice: 51000}); err != nil {
		t.Fatalf("exit fill error = %v", err)
	}

	pos, ok := l.Position("BTCUSDT", models.PositionLong)
	if !ok {
		t.Fatal("LONG position must survive partial close")
	}
	if pos.Size != 0.5 {
		t.Errorf("position Size = %v, want 0.5", pos.Size)
	}

	// Закрываем остаток - позиция исчезает
	exit2 := trackOrder(t, l, &models.Order{
		ClientRef: "fb-3", Symbol: "BTCUSDT", Side: models.SideSell, Quantity: 0.5, ReduceOnly: true,
	})
	exit2.Status = models.OrderStatusAcknowledged
	if err := l.ApplyFill(exit2, exchange.Event{Seq: 3, FillQty: 0.5, FillPrice: 51500}); err != nil {
		t.Fatalf("final exit fill error = %v", err)
	}

	if _, ok := l.Position("BTCUSDT", models.PositionLong); ok {
		t.Error("fully closed position must be removed from ledger")
	}
}

// TestLedger_OpenOrders проверяет фильтрацию терминальных ордеров
func TestLedger_OpenOrders(t *testing.T) {
	l := newTestLedger()

	trackOrder(t, l, &models.Order{ClientRef: "fb-1", Symbol: "BTCUSDT", Quantity: 1})
	filled := trackOrder(t, l, &models.Order{ClientRef: "fb-2", Symbol: "BTCUSDT", Quantity: 1})
	filled.Status = models.OrderStatusFilled

	open := l.OpenOrders()
	if len(open) != 1 {
		t.Fatalf("OpenOrders() len = %d, want 1", len(open))
	}
	if open[0].ClientRef != "fb-1" {
		t.Errorf("OpenOrders()[0] = %s, want fb-1", open[0].ClientRef)
	}

	l.Drop("fb-1")
	if len(l.OpenOrders()) != 0 {
		t.Error("Drop() did not remove order")
	}
}

// TestLedger_Reconcile проверяет выверку против снапшота биржи
func TestLedger_Reconcile(t *testing.T) {
	l := newTestLedger()

	// Локальный ордер, которого биржа не знает (завершился за время разрыва)
	stale := trackOrder(t, l, &models.Order{
		ClientRef: "fb-stale", Symbol: "BTCUSDT", Side: models.SideBuy, Quantity: 1,
	})
	stale.Status = models.OrderStatusAcknowledged

	// Локальный ордер с дрейфом статуса
	drifted := trackOrder(t, l, &models.Order{
		ClientRef: "fb-drift", Symbol: "BTCUSDT", Side: models.SideBuy, Quantity: 1,
	})
	drifted.Status = models.OrderStatusAcknowledged

	remote := []exchange.OrderState{
		{
			ClientRef:    "fb-drift",
			ExchangeID:   "e-2",
			Symbol:       "BTCUSDT",
			Side:         models.SideBuy,
			Status:       "PARTIALLY_FILLED",
			Quantity:     1,
			FilledQty:    0.3,
			AvgFillPrice: 50000,
			UpdatedAt:    time.Now(),
		},
		{
			ClientRef:  "fb-foreign",
			ExchangeID: "e-3",
			Symbol:     "ETHUSDT",
			Side:       models.SideSell,
			Status:     "NEW",
			Quantity:   2,
			UpdatedAt:  time.Now(),
		},
	}
	positions := []exchange.PositionState{
		{Symbol: "BTCUSDT", Side: models.PositionLong, Size: 0.3, EntryPrice: 50000, MarkPrice: 50100, Leverage: 5},
	}

	found := l.Reconcile(remote, positions)

	kinds := make(map[string]int)
	for _, d := range found {
		kinds[d.Kind]++
	}

	if kinds["stale_order"] != 1 {
		t.Errorf("stale_order discrepancies = %d, want 1", kinds["stale_order"])
	}
	if kinds["status_drift"] != 1 {
		t.Errorf("status_drift discrepancies = %d, want 1", kinds["status_drift"])
	}
	if kinds["missing_order"] != 1 {
		t.Errorf("missing_order discrepancies = %d, want 1", kinds["missing_order"])
	}
	if kinds["position_drift"] != 1 {
		t.Errorf("position_drift discrepancies = %d, want 1", kinds["position_drift"])
	}

	// Дрейфнувший ордер подогнан под биржу
	if drifted.Status != models.OrderStatusPartiallyFilled {
		t.Errorf("drifted order Status = %s, want PARTIALLY_FILLED", drifted.Status)
	}
	if drifted.FilledQty != 0.3 {
		t.Errorf("drifted order FilledQty = %v, want 0.3", drifted.FilledQty)
	}

	// Чужой ордер заведён локально
	adopted, ok := l.Get("fb-foreign")
	if !ok {
		t.Fatal("foreign order not adopted")
	}
	if adopted.Status != models.OrderStatusAcknowledged {
		t.Errorf("adopted order Status = %s, want ACKNOWLEDGED", adopted.Status)
	}

	// Позиции замещены снапшотом
	pos, ok := l.Position("BTCUSDT", models.PositionLong)
	if !ok {
		t.Fatal("position from snapshot missing")
	}
	if pos.Size != 0.3 {
		t.Errorf("position Size = %v, want 0.3", pos.Size)
	}
}

// TestLedger_Reconcile_KeepsProtection проверяет, что выверка сохраняет
// привязку защитного стопа к позиции
func TestLedger_Reconcile_KeepsProtection(t *testing.T) {
	l := newTestLedger()

	entry := trackOrder(t, l, &models.Order{
		ClientRef: "fb-1", Symbol: "BTCUSDT", Side: models.SideBuy, Quantity: 1,
	})
	entry.Status = models.OrderStatusAcknowledged
	if err := l.ApplyFill(entry, exchange.Event{Seq: 1, FillQty: 1, FillPrice: 50000}); err != nil {
		t.Fatalf("fill error = %v", err)
	}

	pos, _ := l.Position("BTCUSDT", models.PositionLong)
	pos.Protected = true
	pos.StopClientRef = "fb-stop"

	l.Reconcile(nil, []exchange.PositionState{
		{Symbol: "BTCUSDT", Side: models.PositionLong, Size: 1, EntryPrice: 50000, MarkPrice: 50050, Leverage: 5},
	})

	fresh, ok := l.Position("BTCUSDT", models.PositionLong)
	if !ok {
		t.Fatal("position lost during reconcile")
	}
	if !fresh.Protected || fresh.StopClientRef != "fb-stop" {
		t.Error("reconcile dropped stop protection binding")
	}
}

// TestLedger_Snapshot проверяет расчёт риск-среза
func TestLedger_Snapshot(t *testing.T) {
	l := newTestLedger()
	l.SetAccount(exchange.AccountState{
		WalletBalance:   1000,
		AvailableMargin: 400,
		UsedMargin:      600,
	})

	entry := trackOrder(t, l, &models.Order{
		ClientRef: "fb-1", Symbol: "BTCUSDT", Side: models.SideBuy, Quantity: 0.01,
	})
	entry.Status = models.OrderStatusAcknowledged
	if err := l.ApplyFill(entry, exchange.Event{Seq: 1, FillQty: 0.01, FillPrice: 50000}); err != nil {
		t.Fatalf("fill error = %v", err)
	}

	snap := l.Snapshot()

	if snap.MarginRatio != 0.4 {
		t.Errorf("MarginRatio = %v, want 0.4", snap.MarginRatio)
	}
	// 0.01 * 50000 = 500 номинала
	if diff := snap.TotalNotional - 500; diff > 1e-6 || diff < -1e-6 {
		t.Errorf("TotalNotional = %v, want 500", snap.TotalNotional)
	}
	if snap.OpenPositions != 1 {
		t.Errorf("OpenPositions = %d, want 1", snap.OpenPositions)
	}
	if snap.OpenOrders != 0 {
		t.Errorf("OpenOrders = %d, want 0 (order is terminal)", snap.OpenOrders)
	}
}
