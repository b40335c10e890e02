// Package retry повторяет неудавшиеся запросы к бирже с экспоненциальным
// backoff. Повторяется только то, что вызывающий явно разрешил через RetryIf:
// слепой повтор мутирующего запроса к бирже опаснее его потери.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Config задаёт политику повторов.
//
// Задержка растёт экспоненциально:
// delay = min(InitialDelay * Multiplier^attempt, MaxDelay) +- jitter
//
// Jitter разносит повторы по времени: после обрыва связи клиенты
// не должны ударить по бирже одновременно.
type Config struct {
	// MaxRetries - число попыток, включая первую.
	// 0 или отрицательное = без ограничения
	MaxRetries int

	// InitialDelay - задержка перед второй попыткой
	InitialDelay time.Duration

	// MaxDelay - потолок задержки
	MaxDelay time.Duration

	// Multiplier - рост задержки от попытки к попытке
	Multiplier float64

	// JitterFactor - доля случайного разброса задержки (0.0 - 1.0)
	JitterFactor float64

	// RetryIf решает, имеет ли смысл повторять ошибку.
	// nil = повторять любую
	RetryIf func(error) bool

	// OnRetry вызывается перед каждым повтором, для логирования
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultConfig - политика для REST запросов к бирже:
// 4 попытки с задержками 100ms, 200ms, 400ms (+- 10% jitter)
func DefaultConfig() Config {
	return Config{
		MaxRetries:   4,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

func (c *Config) validate() {
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	if c.JitterFactor < 0 {
		c.JitterFactor = 0
	}
	if c.JitterFactor > 1 {
		c.JitterFactor = 1
	}
}

// calculateDelay вычисляет задержку перед попыткой attempt+1
func (c *Config) calculateDelay(attempt int) time.Duration {
	delay := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt))

	if delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}

	if c.JitterFactor > 0 {
		jitter := delay * c.JitterFactor * (rand.Float64()*2 - 1)
		delay += jitter
	}

	if delay < 0 {
		delay = 0
	}

	return time.Duration(delay)
}

// DoWithResult выполняет операцию с повторами и возвращает её результат.
// Отмена контекста прерывает ожидание между попытками; если хотя бы одна
// попытка уже была, возвращается её ошибка, а не ctx.Err().
//
//	body, err := retry.DoWithResult(ctx, func() ([]byte, error) {
//	    return b.doRequest(ctx, ...)
//	}, cfg)
func DoWithResult[T any](ctx context.Context, operation func() (T, error), cfg Config) (T, error) {
	cfg.validate()

	var lastErr error
	var zero T

	for attempt := 0; cfg.MaxRetries <= 0 || attempt < cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, ctx.Err()
		default:
		}

		result, err := operation()
		if err == nil {
			return result, nil
		}

		lastErr = err

		if cfg.RetryIf != nil && !cfg.RetryIf(err) {
			return zero, err
		}

		// Последняя попытка - не ждём
		if cfg.MaxRetries > 0 && attempt >= cfg.MaxRetries-1 {
			break
		}

		delay := cfg.calculateDelay(attempt)

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err, delay)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, lastErr
		}
	}

	return zero, lastErr
}
