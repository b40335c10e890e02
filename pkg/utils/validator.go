package utils

// validator.go - валидация входных данных
//
// Проверки выполняются до отправки запроса на биржу.
// Ошибка здесь дешевле: запрос с мусором не тратит вес rate limit.

import (
	"fmt"
	"strings"
	"unicode"
)

// ValidateSymbol проверяет формат торгового символа (BTCUSDT, ETHUSDT).
// Допустимы только заглавные латинские буквы и цифры.
func ValidateSymbol(symbol string) error {
	if len(symbol) < 5 || len(symbol) > 20 {
		return fmt.Errorf("symbol length must be 5-20 characters, got %d", len(symbol))
	}
	for _, r := range symbol {
		if !unicode.IsUpper(r) && !unicode.IsDigit(r) {
			return fmt.Errorf("symbol contains invalid character %q", r)
		}
	}
	return nil
}

// ValidateQuantity проверяет количество в ордере.
func ValidateQuantity(qty float64) error {
	if qty <= 0 {
		return fmt.Errorf("quantity must be positive, got %v", qty)
	}
	return nil
}

// ValidatePrice проверяет цену лимитного ордера.
func ValidatePrice(price float64) error {
	if price <= 0 {
		return fmt.Errorf("price must be positive, got %v", price)
	}
	return nil
}

// ValidateAPIKey выполняет базовую проверку API ключа.
// Формат ключей биржа не документирует, поэтому проверяем только очевидный мусор.
func ValidateAPIKey(key string) error {
	if key == "" {
		return fmt.Errorf("API key is empty")
	}
	if strings.ContainsAny(key, " \t\n\r") {
		return fmt.Errorf("API key contains whitespace")
	}
	if len(key) < 16 {
		return fmt.Errorf("API key is too short")
	}
	return nil
}
