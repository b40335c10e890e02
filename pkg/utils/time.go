package utils

import (
	"fmt"
	"time"
)

// time.go - утилиты для работы со временем биржи
//
// Binance отдаёт все временные метки в миллисекундах Unix.

// UnixMillis возвращает текущее время в миллисекундах Unix
func UnixMillis() int64 {
	return time.Now().UnixMilli()
}

// FromUnixMillis конвертирует миллисекунды Unix в time.Time (UTC)
func FromUnixMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// FormatDuration форматирует длительность в человекочитаемый вид:
// "2d 3h", "3h 25m", "25m 10s", "10.5s"
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = -d
	}

	switch {
	case d >= 24*time.Hour:
		days := int(d.Hours()) / 24
		hours := int(d.Hours()) % 24
		return fmt.Sprintf("%dd %dh", days, hours)
	case d >= time.Hour:
		hours := int(d.Hours())
		minutes := int(d.Minutes()) % 60
		return fmt.Sprintf("%dh %dm", hours, minutes)
	case d >= time.Minute:
		minutes := int(d.Minutes())
		seconds := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
}
