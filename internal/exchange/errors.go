package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind классифицирует ошибку гейтвея. От класса зависит реакция:
// transient и rate-limit ретраятся, auth фатальна, ambiguous требует
// выверки состояния через REST.
type ErrorKind int

const (
	// KindTransient - сетевой сбой или 5xx, операция безопасно повторяема
	KindTransient ErrorKind = iota
	// KindRateLimited - биржа просит снизить темп, повтор после паузы
	KindRateLimited
	// KindAuth - неверные ключи или подпись, повтор бессмысленен
	KindAuth
	// KindInsufficientBalance - не хватает маржи на операцию
	KindInsufficientBalance
	// KindInvalidParameter - запрос отвергнут валидацией биржи
	KindInvalidParameter
	// KindAmbiguous - запрос ушёл, ответ не получен: состояние на бирже неизвестно.
	// Мутирующие вызовы с таким исходом НЕ ретраятся автоматически.
	KindAmbiguous
	// KindRiskRejected - операция отклонена локальной риск-проверкой, биржа не вызывалась
	KindRiskRejected
)

// String возвращает имя класса для логов и метрик
func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient_network"
	case KindRateLimited:
		return "rate_limited"
	case KindAuth:
		return "authentication"
	case KindInsufficientBalance:
		return "insufficient_balance"
	case KindInvalidParameter:
		return "invalid_parameter"
	case KindAmbiguous:
		return "ambiguous_outcome"
	case KindRiskRejected:
		return "risk_rejected"
	}
	return "unknown"
}

// APIError - ошибка взаимодействия с биржей с сохранённым кодом и классом
type APIError struct {
	Kind     ErrorKind
	Code     int // код ошибки биржи (0 если недоступен)
	HTTPCode int // HTTP статус (0 для сетевых сбоев)
	Message  string
	Original error
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("exchange error [%s] code=%d: %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("exchange error [%s]: %s", e.Kind, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Original
}

// Retryable сообщает, можно ли безопасно повторить вызов с тем же client_ref
func (e *APIError) Retryable() bool {
	return e.Kind == KindTransient || e.Kind == KindRateLimited
}

// KindOf извлекает класс ошибки. Для ошибок вне таксономии возвращает
// (0, false) - такие ошибки трактуются как transient на уровне ретраев.
func KindOf(err error) (ErrorKind, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind, true
	}
	return 0, false
}

// IsKind проверяет принадлежность ошибки к классу
func IsKind(err error, kind ErrorKind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// IsAmbiguous - шорткат для самого важного класса: исход на бирже неизвестен
func IsAmbiguous(err error) bool {
	return IsKind(err, KindAmbiguous)
}

// Коды ошибок Binance Futures, которые нужно различать
const (
	binanceCodeInvalidTimestamp    = -1021
	binanceCodeInvalidSignature    = -1022
	binanceCodeTooManyRequests     = -1003
	binanceCodeInvalidAPIKey       = -2014
	binanceCodeRejectedAPIKey      = -2015
	binanceCodeUnknownOrder        = -2011
	binanceCodeInsufficientMargin  = -2019
	binanceCodeInsufficientBalance = -4164
	binanceCodeReduceOnlyRejected  = -2022
	binanceCodePriceFilter         = -4016
	binanceCodeLotSizeFilter       = -4003
	binanceCodeMinNotional         = -4005
)

// classifyTransport переводит транспортную ошибку в класс таксономии.
// Ключевое различие: таймаут/обрыв контекста ПОСЛЕ отправки запроса -
// это ambiguous, биржа могла исполнить операцию.
func classifyTransport(err error, sent bool) *APIError {
	kind := KindTransient
	if sent {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			kind = KindAmbiguous
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			kind = KindAmbiguous
		}
	}
	return &APIError{
		Kind:     kind,
		Message:  err.Error(),
		Original: err,
	}
}

// classifyResponse переводит HTTP статус и код биржи в класс таксономии
func classifyResponse(httpCode, exchangeCode int, message string) *APIError {
	kind := KindTransient

	switch {
	// 418 - бан по IP за игнорирование 429
	case httpCode == http.StatusTooManyRequests || httpCode == http.StatusTeapot:
		kind = KindRateLimited
	case httpCode == http.StatusUnauthorized || httpCode == http.StatusForbidden:
		kind = KindAuth
	case httpCode >= 500:
		kind = KindTransient
	case httpCode >= 400:
		kind = KindInvalidParameter
	}

	// Код биржи точнее HTTP статуса
	switch exchangeCode {
	case binanceCodeTooManyRequests:
		kind = KindRateLimited
	case binanceCodeInvalidSignature, binanceCodeInvalidAPIKey, binanceCodeRejectedAPIKey:
		kind = KindAuth
	case binanceCodeInsufficientMargin, binanceCodeInsufficientBalance:
		kind = KindInsufficientBalance
	case binanceCodeInvalidTimestamp, binanceCodeUnknownOrder,
		binanceCodeReduceOnlyRejected, binanceCodePriceFilter,
		binanceCodeLotSizeFilter, binanceCodeMinNotional:
		kind = KindInvalidParameter
	}

	return &APIError{
		Kind:     kind,
		Code:     exchangeCode,
		HTTPCode: httpCode,
		Message:  message,
	}
}

// NewRiskRejected создаёт ошибку локального риск-отказа с причиной
func NewRiskRejected(reason string) *APIError {
	return &APIError{Kind: KindRiskRejected, Message: reason}
}

// NewAmbiguous помечает операцию с неизвестным исходом
func NewAmbiguous(op string, cause error) *APIError {
	return &APIError{
		Kind:     KindAmbiguous,
		Message:  fmt.Sprintf("%s outcome unknown", op),
		Original: cause,
	}
}
