package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"futuresbot/pkg/ratelimit"
	"futuresbot/pkg/retry"
	"futuresbot/pkg/utils"
)

// jsoniter в режиме совместимости со стандартной библиотекой:
// разбор биржевых ответов - горячий путь
var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	binanceBaseURL    = "https://fapi.binance.com"
	binanceWSBase     = "wss://fstream.binance.com/ws"
	binanceRecvWindow = "5000"

	// Категории rate limiter'а
	limitOrders  = "orders"
	limitAccount = "account"
	limitMeta    = "meta"

	// Период ресинхронизации часов с биржей
	timeSyncInterval = 5 * time.Minute
)

// Binance реализует Gateway для Binance USDT-M futures
type Binance struct {
	apiKey    string
	secretKey string

	httpClient *HTTPClient
	limiter    *ratelimit.MultiLimiter
	logger     *zap.Logger

	// Смещение часов биржи относительно локальных (мс).
	// Используется при подписи запросов, обновляется фоновым sync'ом.
	timeOffset atomic.Int64

	stream *StreamManager
	events chan Event

	cancelBg context.CancelFunc
	closed   atomic.Bool
}

// NewBinance создаёт гейтвей Binance USDT-M.
// Лимиты: Binance даёт 1200 weight/min на REST, ордера ограничены отдельно
// (300 ордеров / 10s), поэтому используются раздельные бакеты.
func NewBinance(apiKey, secretKey, proxyURL string, logger *zap.Logger) (*Binance, error) {
	if err := utils.ValidateAPIKey(apiKey); err != nil {
		return nil, fmt.Errorf("invalid API key: %w", err)
	}
	if err := utils.ValidateAPIKey(secretKey); err != nil {
		return nil, fmt.Errorf("invalid API secret: %w", err)
	}

	httpConfig := DefaultHTTPClientConfig()
	httpConfig.ProxyURL = proxyURL

	httpClient, err := NewHTTPClient(httpConfig)
	if err != nil {
		return nil, err
	}

	limiter := ratelimit.NewMultiLimiter()
	limiter.Add(limitOrders, 20, 40)  // 20 ордеров/сек с burst'ом
	limiter.Add(limitAccount, 5, 10) // чтения аккаунта
	limiter.Add(limitMeta, 2, 4)     // ping, time

	b := &Binance{
		apiKey:     apiKey,
		secretKey:  secretKey,
		httpClient: httpClient,
		limiter:    limiter,
		logger:     logger,
		events:     make(chan Event, 256),
	}

	return b, nil
}

// Start синхронизирует часы, запускает фоновый time sync и поток событий.
// Вызывается один раз после успешного Ping.
func (b *Binance) Start(ctx context.Context) error {
	if err := b.syncTime(ctx); err != nil {
		return fmt.Errorf("initial time sync failed: %w", err)
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	b.cancelBg = cancel

	go b.timeSyncLoop(bgCtx)

	stream, err := NewStreamManager(b, b.events, b.logger)
	if err != nil {
		return err
	}
	b.stream = stream
	stream.Start(bgCtx)

	return nil
}

// ============================================================================
// ПОДКЛЮЧЕНИЕ И ВРЕМЯ
// ============================================================================

// Ping проверяет связность с биржей без авторизации
func (b *Binance) Ping(ctx context.Context) error {
	_, err := b.doRequest(ctx, http.MethodGet, "/fapi/v1/ping", nil, false, limitMeta)
	return err
}

// ServerTime возвращает время биржи
func (b *Binance) ServerTime(ctx context.Context) (time.Time, error) {
	body, err := b.doRequest(ctx, http.MethodGet, "/fapi/v1/time", nil, false, limitMeta)
	if err != nil {
		return time.Time{}, err
	}

	var resp struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return time.Time{}, err
	}
	return utils.FromUnixMillis(resp.ServerTime), nil
}

// syncTime пересчитывает смещение локальных часов относительно биржевых.
// Без этого подписанные запросы отклоняются с кодом -1021 при дрейфе часов.
func (b *Binance) syncTime(ctx context.Context) error {
	serverTime, err := b.ServerTime(ctx)
	if err != nil {
		return err
	}
	offset := serverTime.UnixMilli() - utils.UnixMillis()
	b.timeOffset.Store(offset)
	b.logger.Debug("time synced with exchange", zap.Int64("offset_ms", offset))
	return nil
}

func (b *Binance) timeSyncLoop(ctx context.Context) {
	ticker := time.NewTicker(timeSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			syncCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if err := b.syncTime(syncCtx); err != nil {
				b.logger.Warn("periodic time sync failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// timestamp возвращает текущее время в мс с учётом смещения биржи
func (b *Binance) timestamp() int64 {
	return utils.UnixMillis() + b.timeOffset.Load()
}

// ============================================================================
// HTTP СЛОЙ
// ============================================================================

// sign подписывает query string HMAC-SHA256 секретным ключом
func (b *Binance) sign(payload string) string {
	h := hmac.New(sha256.New, []byte(b.secretKey))
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

// doRequest выполняет один HTTP запрос к API и классифицирует результат.
// Для подписанных запросов добавляет timestamp, recvWindow и signature.
func (b *Binance) doRequest(ctx context.Context, method, endpoint string, params map[string]string, signed bool, category string) ([]byte, error) {
	if err := b.limiter.Wait(ctx, category); err != nil {
		return nil, classifyTransport(err, false)
	}

	query := url.Values{}
	for k, v := range params {
		query.Set(k, v)
	}

	if signed {
		query.Set("timestamp", strconv.FormatInt(b.timestamp(), 10))
		query.Set("recvWindow", binanceRecvWindow)
		encoded := query.Encode()
		encoded += "&signature=" + b.sign(encoded)
		return b.execute(ctx, method, endpoint, encoded, true)
	}

	return b.execute(ctx, method, endpoint, query.Encode(), false)
}

func (b *Binance) execute(ctx context.Context, method, endpoint, queryString string, signed bool) ([]byte, error) {
	reqURL := binanceBaseURL + endpoint
	var reqBody io.Reader

	// Binance futures принимает параметры в query string для всех методов
	if queryString != "" {
		reqURL += "?" + queryString
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return nil, classifyTransport(err, false)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if signed {
		req.Header.Set("X-MBX-APIKEY", b.apiKey)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		// Запрос мог дойти до биржи: исход неизвестен для мутирующих методов
		sent := method != http.MethodGet
		return nil, classifyTransport(err, sent)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransport(err, method != http.MethodGet)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		// Тело ошибки может быть не-JSON (например, от прокси)
		_ = json.Unmarshal(body, &errResp)
		msg := errResp.Msg
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		return nil, classifyResponse(resp.StatusCode, errResp.Code, msg)
	}

	return body, nil
}

// doRequestRetry оборачивает doRequest в retry с экспоненциальным backoff.
// Повторяются только transient и rate-limit ошибки; для мутирующих запросов
// это безопасно, потому что clientRef не меняется между попытками и биржа
// дедуплицирует по нему. Ambiguous никогда не ретраится.
func (b *Binance) doRequestRetry(ctx context.Context, method, endpoint string, params map[string]string, signed bool, category string) ([]byte, error) {
	cfg := retry.DefaultConfig()
	cfg.RetryIf = func(err error) bool {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return apiErr.Retryable()
		}
		return false
	}
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		b.logger.Warn("retrying exchange request",
			zap.String("endpoint", endpoint),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	}

	return retry.DoWithResult(ctx, func() ([]byte, error) {
		return b.doRequest(ctx, method, endpoint, params, signed, category)
	}, cfg)
}

// ============================================================================
// ОРДЕРА
// ============================================================================

// binanceOrder - ответ биржи на операции с ордером
type binanceOrder struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Status        string `json:"status"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
	UpdateTime    int64  `json:"updateTime"`
}

func (o *binanceOrder) toState() OrderState {
	qty, _ := strconv.ParseFloat(o.OrigQty, 64)
	filled, _ := strconv.ParseFloat(o.ExecutedQty, 64)
	avgPrice, _ := strconv.ParseFloat(o.AvgPrice, 64)

	return OrderState{
		ExchangeID:   strconv.FormatInt(o.OrderID, 10),
		ClientRef:    o.ClientOrderID,
		Symbol:       o.Symbol,
		Side:         o.Side,
		Type:         o.Type,
		Quantity:     qty,
		FilledQty:    filled,
		AvgFillPrice: avgPrice,
		Status:       o.Status,
		UpdatedAt:    utils.FromUnixMillis(o.UpdateTime),
	}
}

// SubmitOrder размещает ордер. req.ClientRef уходит как newClientOrderId
// и переживает ретраи: повтор с тем же ref не создаст дубликат.
func (b *Binance) SubmitOrder(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	params := map[string]string{
		"symbol":           req.Symbol,
		"side":             req.Side,
		"type":             req.Type,
		"quantity":         strconv.FormatFloat(req.Quantity, 'f', -1, 64),
		"newClientOrderId": req.ClientRef,
	}

	switch req.Type {
	case "LIMIT":
		params["price"] = strconv.FormatFloat(req.Price, 'f', -1, 64)
		params["timeInForce"] = "GTC"
	case "STOP_MARKET":
		params["stopPrice"] = strconv.FormatFloat(req.StopPrice, 'f', -1, 64)
	}
	if req.ReduceOnly {
		params["reduceOnly"] = "true"
	}

	body, err := b.doRequestRetry(ctx, http.MethodPost, "/fapi/v1/order", params, true, limitOrders)
	if err != nil {
		return nil, err
	}

	var resp binanceOrder
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, NewAmbiguous("submit order", err)
	}

	return &OrderAck{
		ExchangeID: strconv.FormatInt(resp.OrderID, 10),
		ClientRef:  resp.ClientOrderID,
		Symbol:     resp.Symbol,
		Status:     resp.Status,
		AckedAt:    utils.FromUnixMillis(resp.UpdateTime),
	}, nil
}

// CancelOrder отменяет ордер по clientRef
func (b *Binance) CancelOrder(ctx context.Context, symbol, clientRef string) error {
	params := map[string]string{
		"symbol":            symbol,
		"origClientOrderId": clientRef,
	}

	_, err := b.doRequestRetry(ctx, http.MethodDelete, "/fapi/v1/order", params, true, limitOrders)
	return err
}

// GetOrder возвращает состояние ордера по данным биржи
func (b *Binance) GetOrder(ctx context.Context, symbol, clientRef string) (*OrderState, error) {
	params := map[string]string{
		"symbol":            symbol,
		"origClientOrderId": clientRef,
	}

	body, err := b.doRequestRetry(ctx, http.MethodGet, "/fapi/v1/order", params, true, limitOrders)
	if err != nil {
		return nil, err
	}

	var resp binanceOrder
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	state := resp.toState()
	return &state, nil
}

// GetOpenOrders возвращает все неисполненные ордера аккаунта
func (b *Binance) GetOpenOrders(ctx context.Context) ([]OrderState, error) {
	body, err := b.doRequestRetry(ctx, http.MethodGet, "/fapi/v1/openOrders", nil, true, limitAccount)
	if err != nil {
		return nil, err
	}

	var resp []binanceOrder
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	states := make([]OrderState, 0, len(resp))
	for i := range resp {
		states = append(states, resp[i].toState())
	}
	return states, nil
}

// ============================================================================
// АККАУНТ
// ============================================================================

// GetPositions возвращает открытые позиции (size > 0)
func (b *Binance) GetPositions(ctx context.Context) ([]PositionState, error) {
	body, err := b.doRequestRetry(ctx, http.MethodGet, "/fapi/v2/positionRisk", nil, true, limitAccount)
	if err != nil {
		return nil, err
	}

	var resp []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		MarkPrice        string `json:"markPrice"`
		UnRealizedProfit string `json:"unRealizedProfit"`
		Leverage         string `json:"leverage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	positions := make([]PositionState, 0)
	for _, p := range resp {
		amt, _ := strconv.ParseFloat(p.PositionAmt, 64)
		if amt == 0 {
			continue
		}

		// Отрицательный positionAmt означает SHORT
		side := "LONG"
		if amt < 0 {
			side = "SHORT"
		}
		size := utils.Abs(amt)

		entry, _ := strconv.ParseFloat(p.EntryPrice, 64)
		mark, _ := strconv.ParseFloat(p.MarkPrice, 64)
		pnl, _ := strconv.ParseFloat(p.UnRealizedProfit, 64)
		leverage, _ := strconv.Atoi(p.Leverage)

		positions = append(positions, PositionState{
			Symbol:        p.Symbol,
			Side:          side,
			Size:          size,
			EntryPrice:    entry,
			MarkPrice:     mark,
			Leverage:      leverage,
			UnrealizedPnl: pnl,
		})
	}
	return positions, nil
}

// GetAccount возвращает маржевые показатели аккаунта
func (b *Binance) GetAccount(ctx context.Context) (*AccountState, error) {
	body, err := b.doRequestRetry(ctx, http.MethodGet, "/fapi/v2/account", nil, true, limitAccount)
	if err != nil {
		return nil, err
	}

	var resp struct {
		TotalWalletBalance string `json:"totalWalletBalance"`
		AvailableBalance   string `json:"availableBalance"`
		TotalInitialMargin string `json:"totalInitialMargin"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	wallet, _ := strconv.ParseFloat(resp.TotalWalletBalance, 64)
	available, _ := strconv.ParseFloat(resp.AvailableBalance, 64)
	used, _ := strconv.ParseFloat(resp.TotalInitialMargin, 64)

	return &AccountState{
		WalletBalance:   wallet,
		AvailableMargin: available,
		UsedMargin:      used,
	}, nil
}

// SetLeverage устанавливает плечо для символа
func (b *Binance) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := map[string]string{
		"symbol":   symbol,
		"leverage": strconv.Itoa(leverage),
	}
	_, err := b.doRequestRetry(ctx, http.MethodPost, "/fapi/v1/leverage", params, true, limitAccount)
	return err
}

// SetMarginMode устанавливает режим маржи (ISOLATED/CROSSED).
// Биржа возвращает -4046 "No need to change margin type" - это не ошибка.
func (b *Binance) SetMarginMode(ctx context.Context, symbol, mode string) error {
	params := map[string]string{
		"symbol":     symbol,
		"marginType": mode,
	}
	_, err := b.doRequestRetry(ctx, http.MethodPost, "/fapi/v1/marginType", params, true, limitAccount)

	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == -4046 {
		return nil
	}
	return err
}

// ============================================================================
// LISTEN KEY (user data stream)
// ============================================================================

// createListenKey выпускает listen key для user-data stream
func (b *Binance) createListenKey(ctx context.Context) (string, error) {
	body, err := b.doRequestRetry(ctx, http.MethodPost, "/fapi/v1/listenKey", nil, true, limitMeta)
	if err != nil {
		return "", err
	}

	var resp struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", err
	}
	return resp.ListenKey, nil
}

// keepAliveListenKey продлевает listen key (биржа гасит его через 60 минут)
func (b *Binance) keepAliveListenKey(ctx context.Context) error {
	_, err := b.doRequestRetry(ctx, http.MethodPut, "/fapi/v1/listenKey", nil, true, limitMeta)
	return err
}

// Stream возвращает канал событий user-data stream
func (b *Binance) Stream() <-chan Event {
	return b.events
}

// Close останавливает фоновые задачи и закрывает соединения
func (b *Binance) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	if b.cancelBg != nil {
		b.cancelBg()
	}
	if b.stream != nil {
		b.stream.Stop()
	}
	b.httpClient.Close()
	close(b.events)
	return nil
}
