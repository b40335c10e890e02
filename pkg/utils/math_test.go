package utils

import (
	"math"
	"testing"
)

// floatEquals сравнивает float64 с допуском на погрешность
func floatEquals(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

// ============================================================
// Тесты RoundToLotSize
// ============================================================

func TestRoundToLotSize(t *testing.T) {
	tests := []struct {
		name     string
		value    float64
		lotSize  float64
		expected float64
	}{
		// Базовые кейсы
		{"exact match", 0.123, 0.001, 0.123},
		{"round down", 0.123456, 0.001, 0.123},
		{"round down 2", 1.999, 0.01, 1.99},
		{"whole numbers", 100.5, 1.0, 100.0},

		// Граничные случаи
		{"zero value", 0, 0.001, 0},
		{"zero lotSize", 0.123, 0, 0.123},
		{"negative lotSize", 0.123, -0.001, 0.123},
		{"very small lotSize", 1.23456789, 0.00000001, 1.23456789},

		// Срезание float-мусора после сложения исполнений
		{"float dust", 0.4 + 0.6, 0.001, 1.0},
		{"accumulated fills", 0.1 + 0.2, 0.001, 0.3},

		// Большие числа
		{"large number", 12345.6789, 0.01, 12345.67},
		{"very large", 1000000.999, 1.0, 1000000.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := RoundToLotSize(tt.value, tt.lotSize)
			if !floatEquals(result, tt.expected) {
				t.Errorf("RoundToLotSize(%v, %v) = %v, want %v",
					tt.value, tt.lotSize, result, tt.expected)
			}
		})
	}
}

func TestRoundToLotSizeUp(t *testing.T) {
	tests := []struct {
		name     string
		value    float64
		lotSize  float64
		expected float64
	}{
		{"exact match", 0.123, 0.001, 0.123},
		{"round up", 0.1231, 0.001, 0.124},
		{"round up 2", 1.991, 0.01, 2.0},
		{"zero lotSize", 0.123, 0, 0.123},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := RoundToLotSizeUp(tt.value, tt.lotSize)
			if !floatEquals(result, tt.expected) {
				t.Errorf("RoundToLotSizeUp(%v, %v) = %v, want %v",
					tt.value, tt.lotSize, result, tt.expected)
			}
		})
	}
}

// ============================================================
// Тесты RoundToTickSize
// ============================================================

func TestRoundToTickSize(t *testing.T) {
	tests := []struct {
		name     string
		price    float64
		tickSize float64
		expected float64
	}{
		{"exact match", 49000.00, 0.01, 49000.00},
		{"round down", 49000.004, 0.01, 49000.00},
		{"round up", 49000.006, 0.01, 49000.01},
		{"half rounds up", 49000.005, 0.01, 49000.01},
		{"large tick", 50123.0, 0.5, 50123.0},
		{"large tick round", 50123.3, 0.5, 50123.5},
		{"zero tickSize", 50000.123, 0, 50000.123},
		{"negative tickSize", 50000.123, -0.01, 50000.123},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := RoundToTickSize(tt.price, tt.tickSize)
			if !floatEquals(result, tt.expected) {
				t.Errorf("RoundToTickSize(%v, %v) = %v, want %v",
					tt.price, tt.tickSize, result, tt.expected)
			}
		})
	}
}

// ============================================================
// Тесты WeightedAveragePrice
// ============================================================

func TestWeightedAveragePrice(t *testing.T) {
	tests := []struct {
		name     string
		p1, q1   float64
		p2, q2   float64
		expected float64
	}{
		// Два частичных исполнения одного ордера
		{"partial fills", 50000, 0.4, 50200, 0.6, 50120},
		{"equal weights", 100, 1, 200, 1, 150},
		{"first portion only", 50000, 1.0, 0, 0, 50000},
		{"second portion only", 0, 0, 50200, 0.6, 50200},

		// Усреднение позиции при доливке
		{"position averaging", 48000, 2.0, 52000, 1.0, 49333.333333333},

		// Вырожденные кейсы
		{"zero total", 50000, 0, 50200, 0, 0},
		{"negative total", 50000, -1, 50200, 0.5, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := WeightedAveragePrice(tt.p1, tt.q1, tt.p2, tt.q2)
			if math.Abs(result-tt.expected) > 1e-6 {
				t.Errorf("WeightedAveragePrice(%v, %v, %v, %v) = %v, want %v",
					tt.p1, tt.q1, tt.p2, tt.q2, result, tt.expected)
			}
		})
	}
}

// ============================================================
// Тесты CalculatePNL
// ============================================================

func TestCalculatePNL(t *testing.T) {
	tests := []struct {
		name     string
		side     string
		entry    float64
		current  float64
		quantity float64
		expected float64
	}{
		// LONG: прибыль при росте цены
		{"long profit", "LONG", 50000, 51000, 1.0, 1000},
		{"long loss", "LONG", 50000, 49000, 1.0, -1000},
		{"long flat", "LONG", 50000, 50000, 1.0, 0},
		{"long fractional qty", "LONG", 50000, 50100, 0.5, 50},

		// SHORT: прибыль при падении цены
		{"short profit", "SHORT", 50000, 49000, 1.0, 1000},
		{"short loss", "SHORT", 50000, 51000, 1.0, -1000},
		{"short flat", "SHORT", 50000, 50000, 2.0, 0},

		// Неизвестная сторона трактуется как LONG
		{"unknown side as long", "", 100, 110, 1.0, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CalculatePNL(tt.side, tt.entry, tt.current, tt.quantity)
			if !floatEquals(result, tt.expected) {
				t.Errorf("CalculatePNL(%q, %v, %v, %v) = %v, want %v",
					tt.side, tt.entry, tt.current, tt.quantity, result, tt.expected)
			}
		})
	}
}

// ============================================================
// Тесты Abs и Clamp
// ============================================================

func TestAbs(t *testing.T) {
	tests := []struct {
		name     string
		value    float64
		expected float64
	}{
		{"positive", 1.5, 1.5},
		{"negative", -1.5, 1.5},
		{"zero", 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := Abs(tt.value); !floatEquals(result, tt.expected) {
				t.Errorf("Abs(%v) = %v, want %v", tt.value, result, tt.expected)
			}
		})
	}
}

func TestClamp(t *testing.T) {
	tests := []struct {
		name     string
		value    float64
		min      float64
		max      float64
		expected float64
	}{
		{"within range", 5, 0, 10, 5},
		{"below min", -5, 0, 10, 0},
		{"above max", 15, 0, 10, 10},
		{"at min", 0, 0, 10, 0},
		{"at max", 10, 0, 10, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := Clamp(tt.value, tt.min, tt.max); !floatEquals(result, tt.expected) {
				t.Errorf("Clamp(%v, %v, %v) = %v, want %v",
					tt.value, tt.min, tt.max, result, tt.expected)
			}
		})
	}
}
