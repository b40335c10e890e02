package utils

import (
	"math"
)

// math.go - математические утилиты для торговли фьючерсами
//
// Все функции чистые, без побочных эффектов.

// RoundToLotSize округляет значение ВНИЗ до ближайшего кратного lotSize.
//
// Используется для округления объёма ордера до минимального шага биржи
// и для срезания накопленного float-мусора при сложении исполнений.
// Округление вниз безопаснее для торговли - не превысим доступный объём.
//
// Примеры:
//   - RoundToLotSize(0.123456, 0.001) = 0.123
//   - RoundToLotSize(1.999, 0.01) = 1.99
//   - RoundToLotSize(100.5, 1.0) = 100.0
//
// Если lotSize <= 0, возвращает исходное значение.
func RoundToLotSize(value, lotSize float64) float64 {
	if lotSize <= 0 {
		return value
	}
	// Относительный эпсилон компенсирует погрешность представления:
	// без него деление точного кратного даёт 122.99999... и floor
	// срезает целый шаг. Погрешность деления - единицы ulp, поэтому
	// 1e-12 покрывает её с запасом, не задевая честные доли шага
	q := value / lotSize
	return math.Floor(q*(1+1e-12)) * lotSize
}

// RoundToLotSizeUp округляет значение ВВЕРХ до ближайшего кратного lotSize.
// Используется когда нужно гарантировать минимальный объём (minQty).
func RoundToLotSizeUp(value, lotSize float64) float64 {
	if lotSize <= 0 {
		return value
	}
	q := value / lotSize
	return math.Ceil(q*(1-1e-12)) * lotSize
}

// RoundToTickSize округляет цену к ближайшему кратному tickSize.
// Для цен округление к ближайшему корректно: стоп на 49000.004999
// должен стать 49000.00, а не уехать на целый тик.
func RoundToTickSize(price, tickSize float64) float64 {
	if tickSize <= 0 {
		return price
	}
	return math.Round(price/tickSize) * tickSize
}

// WeightedAveragePrice возвращает средневзвешенную цену двух порций.
//
// Используется при накоплении частичных исполнений ордера и при
// усреднении цены входа позиции:
//
//	avg = (p1*q1 + p2*q2) / (q1 + q2)
//
// Если суммарный объём не положителен, возвращает 0.
func WeightedAveragePrice(p1, q1, p2, q2 float64) float64 {
	total := q1 + q2
	if total <= 0 {
		return 0
	}
	return (p1*q1 + p2*q2) / total
}

// CalculatePNL возвращает нереализованный PNL позиции в USDT.
//
// Для LONG прибыль растёт с ценой, для SHORT - падает:
//
//	LONG:  (current - entry) * quantity
//	SHORT: (entry - current) * quantity
//
// side принимает значения "LONG" и "SHORT"; любое другое значение
// трактуется как LONG.
func CalculatePNL(side string, entryPrice, currentPrice, quantity float64) float64 {
	if side == "SHORT" {
		return (entryPrice - currentPrice) * quantity
	}
	return (currentPrice - entryPrice) * quantity
}

// Abs возвращает модуль числа
func Abs(x float64) float64 {
	return math.Abs(x)
}

// Clamp ограничивает значение диапазоном [min, max]
func Clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
