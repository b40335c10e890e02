// Package ratelimit сдерживает частоту запросов к REST API биржи.
// Binance ведёт раздельный учёт: общий weight-бюджет и отдельный лимит
// на ордерные запросы, поэтому гейтвей держит по token bucket на каждую
// категорию запросов вместо одного общего.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter - token bucket для одной категории запросов.
//
// Ведро пополняется с постоянной скоростью rate токенов/сек до ёмкости
// burst; каждый запрос потребляет один токен. Burst пропускает всплеск
// (вход плюс защитный стоп уходят подряд), rate сглаживает поток.
type Limiter struct {
	rate       float64 // токенов в секунду
	burst      float64 // ёмкость ведра
	tokens     float64
	lastRefill time.Time
	mu         sync.Mutex
}

// NewLimiter создаёт token bucket.
// Некорректные параметры заменяются безопасными: лучше лишний раз
// подождать, чем словить бан по weight
func NewLimiter(rate, burst float64) *Limiter {
	if rate <= 0 {
		rate = 10
	}
	if burst < rate {
		burst = rate
	}

	return &Limiter{
		rate:       rate,
		burst:      burst,
		tokens:     burst, // стартуем с полным ведром
		lastRefill: time.Now(),
	}
}

// refill пополняет токены за прошедшее время. Вызывается под lock'ом
func (l *Limiter) refill() {
	now := time.Now()
	elapsed := now.Sub(l.lastRefill).Seconds()

	l.tokens += elapsed * l.rate
	if l.tokens > l.burst {
		l.tokens = l.burst
	}

	l.lastRefill = now
}

// Wait блокирует до получения токена или отмены контекста.
// Дедлайн контекста запроса ограничивает ожидание сверху
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		l.refill()

		if l.tokens >= 1 {
			l.tokens--
			l.mu.Unlock()
			return nil
		}

		waitTime := time.Duration((1 - l.tokens) / l.rate * float64(time.Second))
		l.mu.Unlock()

		select {
		case <-time.After(waitTime):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Allow забирает токен без блокировки; false = ведро пусто
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()

	if l.tokens >= 1 {
		l.tokens--
		return true
	}

	return false
}

// MultiLimiter держит по token bucket на категорию запросов:
// ордера, чтения аккаунта, служебные вызовы (ping, time)
type MultiLimiter struct {
	limiters map[string]*Limiter
	mu       sync.RWMutex
}

func NewMultiLimiter() *MultiLimiter {
	return &MultiLimiter{
		limiters: make(map[string]*Limiter),
	}
}

// Add регистрирует лимит категории. Повторный Add заменяет лимит
func (ml *MultiLimiter) Add(category string, rate, burst float64) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	ml.limiters[category] = NewLimiter(rate, burst)
}

// Wait ожидает токен категории. Незарегистрированная категория
// не ограничивается
func (ml *MultiLimiter) Wait(ctx context.Context, category string) error {
	ml.mu.RLock()
	limiter, ok := ml.limiters[category]
	ml.mu.RUnlock()

	if !ok {
		return nil
	}

	return limiter.Wait(ctx)
}
