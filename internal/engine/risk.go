package engine

import (
	"fmt"

	"go.uber.org/zap"

	"futuresbot/internal/config"
	"futuresbot/internal/exchange"
	"futuresbot/internal/models"
	"futuresbot/pkg/utils"
)

// ForceAction - принудительное сокращение экспозиции, выданное риск-контролем.
// Исполняется reduce-only ордером в обход pre-trade проверки.
type ForceAction struct {
	Reason string
	Symbol string
	Side   string // сторона ЗАКРЫВАЕМОЙ позиции
	Qty    float64
}

// RiskGuard - детерминированные риск-проверки. Все решения принимаются
// по переданному снапшоту, без обращений к сети; гард не потокобезопасен
// и живёт на цикле движка.
type RiskGuard struct {
	cfg    config.RiskConfig
	logger *zap.Logger

	// Счётчик неудачных попыток выставить защитный стоп по позиции
	stopAttempts map[positionKey]int
}

// NewRiskGuard создаёт гард с заданными лимитами
func NewRiskGuard(cfg config.RiskConfig, logger *zap.Logger) *RiskGuard {
	return &RiskGuard{
		cfg:          cfg,
		logger:       logger,
		stopAttempts: make(map[positionKey]int),
	}
}

// PreTradeCheck валидирует намерение до отправки на биржу.
// Отклонённое намерение не доходит до гейтвея. refPrice - цена для оценки
// номинала (лимитная цена либо последняя марк-цена символа, 0 = неизвестна).
//
// Порядок проверок фиксирован: плечо, номинал, маржа, доля экспозиции.
func (g *RiskGuard) PreTradeCheck(intent models.Intent, snapshot models.RiskSnapshot, refPrice float64) error {
	// Reduce-only намерения сокращают риск и проверяются только на плечо
	if intent.Leverage > g.cfg.MaxLeverage {
		return exchange.NewRiskRejected(fmt.Sprintf(
			"leverage %d exceeds max %d", intent.Leverage, g.cfg.MaxLeverage))
	}
	if intent.ReduceOnly {
		return nil
	}

	notional := intent.Quantity * refPrice
	if intent.Price > 0 {
		notional = intent.Quantity * intent.Price
	}

	if g.cfg.MaxNotional > 0 && notional > g.cfg.MaxNotional {
		return exchange.NewRiskRejected(fmt.Sprintf(
			"order notional %.2f exceeds cap %.2f", notional, g.cfg.MaxNotional))
	}

	// Проекция маржи: сколько свободной маржи останется после открытия
	if notional > 0 && intent.Leverage > 0 && snapshot.WalletBalance > 0 {
		required := notional / float64(intent.Leverage)
		projected := (snapshot.AvailableMargin - required) / snapshot.WalletBalance
		if projected < g.cfg.MarginFloor {
			return exchange.NewRiskRejected(fmt.Sprintf(
				"projected margin ratio %.4f below floor %.4f", projected, g.cfg.MarginFloor))
		}
	}

	// Потолок доли баланса в позициях: выше него только сокращение
	if snapshot.WalletBalance > 0 && intent.Leverage > 0 {
		projectedMargin := snapshot.UsedMargin + notional/float64(intent.Leverage)
		if projectedMargin > snapshot.WalletBalance*g.cfg.MaxPositionRatio {
			return exchange.NewRiskRejected(fmt.Sprintf(
				"position margin %.2f would exceed %.0f%% of balance",
				projectedMargin, g.cfg.MaxPositionRatio*100))
		}
	}

	return nil
}

// PostFillCheck оценивает состояние после исполнения. При падении доли
// свободной маржи ниже предупредительного порога возвращает принудительное
// закрытие крупнейшей позиции.
func (g *RiskGuard) PostFillCheck(snapshot models.RiskSnapshot, positions []*models.Position) *ForceAction {
	if snapshot.WalletBalance <= 0 || len(positions) == 0 {
		return nil
	}
	if snapshot.MarginRatio >= g.cfg.MarginWarning {
		return nil
	}

	// Закрываем позицию с наибольшим номиналом - максимальное
	// высвобождение маржи за один ордер
	var largest *models.Position
	for _, p := range positions {
		if largest == nil || p.Notional() > largest.Notional() {
			largest = p
		}
	}

	g.logger.Warn("margin ratio below warning threshold, forcing position close",
		zap.Float64("margin_ratio", snapshot.MarginRatio),
		zap.Float64("warning", g.cfg.MarginWarning),
		zap.String("symbol", largest.Symbol))

	return &ForceAction{
		Reason: fmt.Sprintf("margin ratio %.4f below warning %.4f", snapshot.MarginRatio, g.cfg.MarginWarning),
		Symbol: largest.Symbol,
		Side:   largest.Side,
		Qty:    largest.Size,
	}
}

// StopPrice вычисляет цену защитного стопа для позиции
func (g *RiskGuard) StopPrice(side string, entryPrice float64) float64 {
	price := entryPrice * (1 + g.cfg.StopLossPct)
	if side == models.PositionLong {
		price = entryPrice * (1 - g.cfg.StopLossPct)
	}
	// Срезаем float-мусор умножения, иначе биржа отвергнет цену
	return utils.RoundToTickSize(price, 1e-6)
}

// RecordStopFailure фиксирует неудачную попытку выставить защитный стоп.
// Возвращает номер попытки и признак исчерпания лимита: после него позиция
// подлежит принудительному закрытию.
func (g *RiskGuard) RecordStopFailure(symbol, side string) (attempts int, exhausted bool) {
	key := positionKey{Symbol: symbol, Side: side}
	g.stopAttempts[key]++
	attempts = g.stopAttempts[key]
	return attempts, attempts >= g.cfg.StopRetryMax
}

// ResetStopAttempts сбрасывает счётчик после успешного стопа или закрытия позиции
func (g *RiskGuard) ResetStopAttempts(symbol, side string) {
	delete(g.stopAttempts, positionKey{Symbol: symbol, Side: side})
}
