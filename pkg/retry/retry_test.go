package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fastConfig - минимальные задержки, чтобы тесты не спали
func fastConfig() Config {
	return Config{
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   2.0,
		JitterFactor: 0,
	}
}

// TestDoWithResult_SucceedsAfterTransientFailures проверяет, что повторы
// продолжаются до первого успеха и возвращают его результат
func TestDoWithResult_SucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	result, err := DoWithResult(context.Background(), func() (string, error) {
		attempts++
		if attempts < 3 {
			return "", errors.New("temporarily unavailable")
		}
		return "ok", nil
	}, fastConfig())

	if err != nil {
		t.Fatalf("DoWithResult() error = %v", err)
	}
	if result != "ok" {
		t.Errorf("result = %q, want \"ok\"", result)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

// TestDoWithResult_ExhaustsRetries проверяет, что после исчерпания попыток
// возвращается последняя ошибка
func TestDoWithResult_ExhaustsRetries(t *testing.T) {
	attempts := 0
	lastErr := errors.New("still down")
	_, err := DoWithResult(context.Background(), func() (int, error) {
		attempts++
		return 0, lastErr
	}, fastConfig())

	if !errors.Is(err, lastErr) {
		t.Errorf("error = %v, want last attempt error", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want MaxRetries = 3", attempts)
	}
}

// TestDoWithResult_RetryIfStopsImmediately проверяет, что запрещённая
// к повтору ошибка возвращается после первой же попытки
func TestDoWithResult_RetryIfStopsImmediately(t *testing.T) {
	permanent := errors.New("invalid parameter")
	cfg := fastConfig()
	cfg.RetryIf = func(err error) bool { return !errors.Is(err, permanent) }

	attempts := 0
	_, err := DoWithResult(context.Background(), func() (int, error) {
		attempts++
		return 0, permanent
	}, cfg)

	if !errors.Is(err, permanent) {
		t.Errorf("error = %v, want permanent error", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1: permanent error must not be retried", attempts)
	}
}

// TestDoWithResult_ContextCancelled проверяет, что отмена контекста
// прерывает повторы и сохраняет ошибку последней попытки
func TestDoWithResult_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	opErr := errors.New("connection reset")

	cfg := fastConfig()
	cfg.InitialDelay = time.Hour // отмена должна сработать в ожидании

	attempts := 0
	done := make(chan error, 1)
	go func() {
		_, err := DoWithResult(ctx, func() (int, error) {
			attempts++
			return 0, opErr
		}, cfg)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, opErr) {
			t.Errorf("error = %v, want error of the attempt made before cancel", err)
		}
	case <-time.After(time.Second):
		t.Fatal("DoWithResult did not return after context cancel")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

// TestDoWithResult_OnRetryCallback проверяет, что callback получает номер
// попытки и ошибку перед каждым повтором
func TestDoWithResult_OnRetryCallback(t *testing.T) {
	var notified []int
	cfg := fastConfig()
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		notified = append(notified, attempt)
	}

	_, _ = DoWithResult(context.Background(), func() (int, error) {
		return 0, errors.New("fail")
	}, cfg)

	// 3 попытки = 2 повтора
	if len(notified) != 2 || notified[0] != 1 || notified[1] != 2 {
		t.Errorf("OnRetry attempts = %v, want [1 2]", notified)
	}
}

// TestCalculateDelay проверяет экспоненциальный рост и потолок задержки
func TestCalculateDelay(t *testing.T) {
	cfg := Config{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     300 * time.Millisecond,
		Multiplier:   2.0,
		JitterFactor: 0,
	}
	cfg.validate()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 300 * time.Millisecond}, // 400ms срезается потолком
		{5, 300 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := cfg.calculateDelay(tt.attempt); got != tt.want {
			t.Errorf("calculateDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
