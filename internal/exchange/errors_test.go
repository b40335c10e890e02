package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
)

// TestClassifyResponse проверяет перевод HTTP статусов и кодов биржи
// в классы таксономии
func TestClassifyResponse(t *testing.T) {
	tests := []struct {
		name         string
		httpCode     int
		exchangeCode int
		want         ErrorKind
	}{
		// HTTP статусы
		{name: "429 rate limited", httpCode: 429, want: KindRateLimited},
		{name: "418 ip ban", httpCode: 418, want: KindRateLimited},
		{name: "401 unauthorized", httpCode: 401, want: KindAuth},
		{name: "403 forbidden", httpCode: 403, want: KindAuth},
		{name: "500 server error", httpCode: 500, want: KindTransient},
		{name: "503 unavailable", httpCode: 503, want: KindTransient},
		{name: "400 bad request", httpCode: 400, want: KindInvalidParameter},

		// Код биржи уточняет HTTP статус
		{name: "-1003 too many requests", httpCode: 400, exchangeCode: -1003, want: KindRateLimited},
		{name: "-1022 invalid signature", httpCode: 400, exchangeCode: -1022, want: KindAuth},
		{name: "-2014 invalid api key", httpCode: 400, exchangeCode: -2014, want: KindAuth},
		{name: "-2015 rejected api key", httpCode: 400, exchangeCode: -2015, want: KindAuth},
		{name: "-2019 insufficient margin", httpCode: 400, exchangeCode: -2019, want: KindInsufficientBalance},
		{name: "-4164 insufficient balance", httpCode: 400, exchangeCode: -4164, want: KindInsufficientBalance},
		{name: "-1021 invalid timestamp", httpCode: 400, exchangeCode: -1021, want: KindInvalidParameter},
		{name: "-2011 unknown order", httpCode: 400, exchangeCode: -2011, want: KindInvalidParameter},
		{name: "-2022 reduce only rejected", httpCode: 400, exchangeCode: -2022, want: KindInvalidParameter},
		{name: "-4016 price filter", httpCode: 400, exchangeCode: -4016, want: KindInvalidParameter},
		{name: "-4003 lot size filter", httpCode: 400, exchangeCode: -4003, want: KindInvalidParameter},
		{name: "-4005 min notional", httpCode: 400, exchangeCode: -4005, want: KindInvalidParameter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			apiErr := classifyResponse(tt.httpCode, tt.exchangeCode, "test message")
			if apiErr.Kind != tt.want {
				t.Errorf("classifyResponse(%d, %d) kind = %s, want %s",
					tt.httpCode, tt.exchangeCode, apiErr.Kind, tt.want)
			}
			if apiErr.HTTPCode != tt.httpCode {
				t.Errorf("HTTPCode = %d, want %d", apiErr.HTTPCode, tt.httpCode)
			}
			if apiErr.Code != tt.exchangeCode {
				t.Errorf("Code = %d, want %d", apiErr.Code, tt.exchangeCode)
			}
		})
	}
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

var _ net.Error = timeoutError{}

// TestClassifyTransport проверяет главное различие транспортных ошибок:
// таймаут после отправки запроса - это неизвестный исход, не transient
func TestClassifyTransport(t *testing.T) {
	tests := []struct {
		name string
		err  error
		sent bool
		want ErrorKind
	}{
		{
			name: "deadline after send is ambiguous",
			err:  fmt.Errorf("request failed: %w", context.DeadlineExceeded),
			sent: true,
			want: KindAmbiguous,
		},
		{
			name: "cancel after send is ambiguous",
			err:  context.Canceled,
			sent: true,
			want: KindAmbiguous,
		},
		{
			name: "net timeout after send is ambiguous",
			err:  timeoutError{},
			sent: true,
			want: KindAmbiguous,
		},
		{
			name: "deadline before send is transient",
			err:  context.DeadlineExceeded,
			sent: false,
			want: KindTransient,
		},
		{
			name: "connection refused is transient",
			err:  errors.New("dial tcp: connection refused"),
			sent: true,
			want: KindTransient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			apiErr := classifyTransport(tt.err, tt.sent)
			if apiErr.Kind != tt.want {
				t.Errorf("classifyTransport(%v, sent=%v) kind = %s, want %s",
					tt.err, tt.sent, apiErr.Kind, tt.want)
			}
		})
	}
}

// TestAPIError_Retryable проверяет, какие классы можно повторять
func TestAPIError_Retryable(t *testing.T) {
	tests := []struct {
		kind ErrorKind
		want bool
	}{
		{kind: KindTransient, want: true},
		{kind: KindRateLimited, want: true},
		{kind: KindAuth, want: false},
		{kind: KindInsufficientBalance, want: false},
		{kind: KindInvalidParameter, want: false},
		{kind: KindAmbiguous, want: false},
		{kind: KindRiskRejected, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			apiErr := &APIError{Kind: tt.kind}
			if got := apiErr.Retryable(); got != tt.want {
				t.Errorf("Retryable() for %s = %v, want %v", tt.kind, got, tt.want)
			}
		})
	}
}

// TestKindOf проверяет извлечение класса из цепочки ошибок
func TestKindOf(t *testing.T) {
	apiErr := &APIError{Kind: KindAuth, Code: -2015, Message: "Invalid API-key"}
	wrapped := fmt.Errorf("submit failed: %w", apiErr)

	kind, ok := KindOf(wrapped)
	if !ok || kind != KindAuth {
		t.Errorf("KindOf(wrapped) = (%v, %v), want (KindAuth, true)", kind, ok)
	}

	if _, ok := KindOf(errors.New("plain error")); ok {
		t.Error("KindOf(plain error) ok = true, want false")
	}

	if !IsKind(wrapped, KindAuth) {
		t.Error("IsKind(wrapped, KindAuth) = false")
	}
	if IsAmbiguous(wrapped) {
		t.Error("IsAmbiguous(auth error) = true")
	}
	if !IsAmbiguous(NewAmbiguous("cancel order", nil)) {
		t.Error("IsAmbiguous(NewAmbiguous(...)) = false")
	}
}

// TestAPIError_Error проверяет формат сообщения
func TestAPIError_Error(t *testing.T) {
	withCode := &APIError{Kind: KindAuth, Code: -2015, Message: "Invalid API-key"}
	if got := withCode.Error(); got != "exchange error [authentication] code=-2015: Invalid API-key" {
		t.Errorf("Error() = %q", got)
	}

	withoutCode := &APIError{Kind: KindTransient, Message: "connection reset"}
	if got := withoutCode.Error(); got != "exchange error [transient_network]: connection reset" {
		t.Errorf("Error() = %q", got)
	}
}

// TestAPIError_Unwrap проверяет прозрачность для errors.Is
func TestAPIError_Unwrap(t *testing.T) {
	cause := context.DeadlineExceeded
	apiErr := &APIError{Kind: KindAmbiguous, Message: "timeout", Original: cause}

	if !errors.Is(apiErr, context.DeadlineExceeded) {
		t.Error("errors.Is(apiErr, DeadlineExceeded) = false, want true")
	}
}
