package models

import (
	"time"

	"futuresbot/pkg/utils"
)

// Направления позиции
const (
	PositionLong  = "LONG"
	PositionShort = "SHORT"
)

// Position представляет открытую позицию по контракту.
// Размер всегда >= 0: направление задаётся полем Side, позиция с нулевым
// размером удаляется из реестра.
type Position struct {
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"` // LONG, SHORT
	Size          float64   `json:"size"`
	EntryPrice    float64   `json:"entry_price"` // средневзвешенная цена входа
	MarkPrice     float64   `json:"mark_price"`
	Leverage      int       `json:"leverage"`
	UnrealizedPnl float64   `json:"unrealized_pnl"`
	Protected     bool      `json:"protected"` // выставлен ли защитный стоп
	StopClientRef string    `json:"stop_client_ref,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Notional возвращает номинальную стоимость позиции по текущей марк-цене
func (p *Position) Notional() float64 {
	price := p.MarkPrice
	if price == 0 {
		price = p.EntryPrice
	}
	return p.Size * price
}

// CalcUnrealizedPnl пересчитывает нереализованный PNL по текущей цене
func (p *Position) CalcUnrealizedPnl(currentPrice float64) float64 {
	return utils.CalculatePNL(p.Side, p.EntryPrice, currentPrice, p.Size)
}

// RiskSnapshot - согласованный срез состояния маржи и экспозиции.
// Снимок строится только между обработкой событий, поэтому все поля
// относятся к одному моменту времени.
type RiskSnapshot struct {
	WalletBalance   float64   `json:"wallet_balance"`
	AvailableMargin float64   `json:"available_margin"`
	UsedMargin      float64   `json:"used_margin"`
	MarginRatio     float64   `json:"margin_ratio"` // available / wallet, 1.0 = маржа свободна
	TotalNotional   float64   `json:"total_notional"`
	OpenOrders      int       `json:"open_orders"`
	OpenPositions   int       `json:"open_positions"`
	TakenAt         time.Time `json:"taken_at"`
}
