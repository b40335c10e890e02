package exchange

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"futuresbot/pkg/utils"
)

// StreamConfig конфигурация переподключения user-data stream
type StreamConfig struct {
	// Начальная задержка перед переподключением
	InitialDelay time.Duration
	// Максимальная задержка (после exponential backoff)
	MaxDelay time.Duration
	// Таймаут подключения
	ConnectTimeout time.Duration
	// Интервал ping для проверки соединения
	PingInterval time.Duration
	// Таймаут записи ping
	PongTimeout time.Duration
	// Интервал продления listen key (биржа гасит ключ через 60 минут)
	KeepAliveInterval time.Duration
}

// DefaultStreamConfig возвращает конфигурацию по умолчанию: 2s, 4s, 8s, 16s
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		InitialDelay:      2 * time.Second,
		MaxDelay:          16 * time.Second,
		ConnectTimeout:    10 * time.Second,
		PingInterval:      30 * time.Second,
		PongTimeout:       10 * time.Second,
		KeepAliveInterval: 30 * time.Minute,
	}
}

// StreamState состояние соединения
type StreamState int32

const (
	StreamDisconnected StreamState = iota
	StreamConnecting
	StreamConnected
	StreamReconnecting
	StreamClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamDisconnected:
		return "disconnected"
	case StreamConnecting:
		return "connecting"
	case StreamConnected:
		return "connected"
	case StreamReconnecting:
		return "reconnecting"
	case StreamClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StreamManager держит user-data stream биржи живым: переподключается
// с exponential backoff, продлевает listen key и переводит сырые сообщения
// в события Event.
//
// Контракт доставки: после КАЖДОГО успешного (пере)подключения первым
// уходит EventSnapshotRequired - за время разрыва события могли потеряться,
// и потребитель обязан выверить состояние через REST, прежде чем снова
// доверять live-потоку. При разрыве уходит EventStreamDown.
type StreamManager struct {
	gateway *Binance
	out     chan<- Event
	config  StreamConfig
	logger  *zap.Logger

	conn      *websocket.Conn
	connMu    sync.RWMutex
	listenKey string

	state      int32 // atomic StreamState
	retryCount int32 // atomic

	ctx       context.Context
	closeChan chan struct{}
	closeOnce sync.Once
}

// NewStreamManager создаёт менеджер потока событий для гейтвея
func NewStreamManager(gateway *Binance, out chan<- Event, logger *zap.Logger) (*StreamManager, error) {
	return &StreamManager{
		gateway:   gateway,
		out:       out,
		config:    DefaultStreamConfig(),
		logger:    logger,
		closeChan: make(chan struct{}),
	}, nil
}

// State возвращает текущее состояние соединения
func (m *StreamManager) State() StreamState {
	return StreamState(atomic.LoadInt32(&m.state))
}

// Start подключается и запускает фоновые горутины.
// Первое подключение тоже идёт через reconnectLoop: стрим не критичен
// для старта процесса, выверка по снапшоту закроет пропуски.
func (m *StreamManager) Start(ctx context.Context) {
	m.ctx = ctx
	atomic.StoreInt32(&m.state, int32(StreamConnecting))

	go m.keepAliveLoop()

	if err := m.dial(); err != nil {
		m.logger.Warn("initial stream connect failed, will retry", zap.Error(err))
		atomic.StoreInt32(&m.state, int32(StreamReconnecting))
		go m.reconnectLoop()
		return
	}

	m.afterConnect()
}

// dial выпускает listen key и устанавливает WebSocket соединение
func (m *StreamManager) dial() error {
	keyCtx, cancel := context.WithTimeout(m.ctx, m.config.ConnectTimeout)
	defer cancel()

	listenKey, err := m.gateway.createListenKey(keyCtx)
	if err != nil {
		return fmt.Errorf("listen key: %w", err)
	}
	m.listenKey = listenKey

	dialer := websocket.Dialer{
		HandshakeTimeout: m.config.ConnectTimeout,
	}
	if proxyStr := m.gateway.httpClient.config.ProxyURL; proxyStr != "" {
		// Трафик стрима идёт через тот же прокси, что и REST
		proxyURL, perr := url.Parse(proxyStr)
		if perr != nil {
			return fmt.Errorf("invalid proxy url: %w", perr)
		}
		dialer.Proxy = http.ProxyURL(proxyURL)
	}

	dialCtx, cancelDial := context.WithTimeout(m.ctx, m.config.ConnectTimeout)
	defer cancelDial()

	conn, _, err := dialer.DialContext(dialCtx, binanceWSBase+"/"+listenKey, nil)
	if err != nil {
		return fmt.Errorf("dial error: %w", err)
	}

	m.connMu.Lock()
	m.conn = conn
	m.connMu.Unlock()

	return nil
}

// afterConnect фиксирует подключение и требует выверку состояния
func (m *StreamManager) afterConnect() {
	atomic.StoreInt32(&m.state, int32(StreamConnected))
	atomic.StoreInt32(&m.retryCount, 0)

	m.emit(Event{
		Type:      EventSnapshotRequired,
		Timestamp: time.Now(),
	})

	go m.readPump()
	go m.pingPump()

	m.logger.Info("user data stream connected")
}

// emit доставляет событие потребителю. Канал буферизован; на закрытом
// менеджере события молча отбрасываются.
func (m *StreamManager) emit(ev Event) {
	select {
	case <-m.closeChan:
	case m.out <- ev:
	}
}

// readPump читает и разбирает сообщения стрима
func (m *StreamManager) readPump() {
	for {
		select {
		case <-m.closeChan:
			return
		default:
		}

		m.connMu.RLock()
		conn := m.conn
		m.connMu.RUnlock()

		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			m.handleDisconnect(err)
			return
		}

		m.dispatch(message)
	}
}

// pingPump шлёт ping для проверки живости соединения
func (m *StreamManager) pingPump() {
	ticker := time.NewTicker(m.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.closeChan:
			return
		case <-ticker.C:
			m.connMu.RLock()
			conn := m.conn
			m.connMu.RUnlock()

			if conn == nil || m.State() != StreamConnected {
				return
			}

			conn.SetWriteDeadline(time.Now().Add(m.config.PongTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				m.logger.Warn("stream ping failed", zap.Error(err))
				m.handleDisconnect(err)
				return
			}
		}
	}
}

// keepAliveLoop продлевает listen key, пока менеджер жив
func (m *StreamManager) keepAliveLoop() {
	ticker := time.NewTicker(m.config.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.closeChan:
			return
		case <-ticker.C:
			if m.State() != StreamConnected {
				continue
			}
			ctx, cancel := context.WithTimeout(m.ctx, 10*time.Second)
			if err := m.gateway.keepAliveListenKey(ctx); err != nil {
				m.logger.Warn("listen key keepalive failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// handleDisconnect обрабатывает разрыв и запускает переподключение
func (m *StreamManager) handleDisconnect(err error) {
	select {
	case <-m.closeChan:
		return
	default:
	}

	// Избегаем повторной обработки при одновременном падении pump'ов
	state := m.State()
	if state == StreamReconnecting || state == StreamClosed {
		return
	}
	atomic.StoreInt32(&m.state, int32(StreamReconnecting))

	m.connMu.Lock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.connMu.Unlock()

	m.logger.Warn("user data stream disconnected", zap.Error(err))
	m.emit(Event{Type: EventStreamDown, Timestamp: time.Now()})

	go m.reconnectLoop()
}

// reconnectLoop переподключается с exponential backoff без лимита попыток:
// движок без стрима слеп, сдаваться нельзя
func (m *StreamManager) reconnectLoop() {
	delay := m.config.InitialDelay

	for {
		select {
		case <-m.closeChan:
			return
		case <-time.After(delay):
		}

		retryCount := atomic.AddInt32(&m.retryCount, 1)
		m.logger.Info("reconnecting user data stream",
			zap.Int32("attempt", retryCount),
			zap.Duration("delay", delay))

		if err := m.dial(); err != nil {
			m.logger.Warn("stream reconnect failed", zap.Error(err))
			delay *= 2
			if delay > m.config.MaxDelay {
				delay = m.config.MaxDelay
			}
			continue
		}

		m.afterConnect()
		return
	}
}

// Stop закрывает соединение и останавливает переподключение
func (m *StreamManager) Stop() {
	m.closeOnce.Do(func() {
		close(m.closeChan)
	})
	atomic.StoreInt32(&m.state, int32(StreamClosed))

	m.connMu.Lock()
	defer m.connMu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
}

// ============================================================================
// РАЗБОР СООБЩЕНИЙ
// ============================================================================

// orderTradeUpdate - событие ORDER_TRADE_UPDATE user-data stream
type orderTradeUpdate struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	TxTime    int64  `json:"T"`
	Order     struct {
		Symbol        string `json:"s"`
		ClientOrderID string `json:"c"`
		Side          string `json:"S"`
		Status        string `json:"X"`
		OrderID       int64  `json:"i"`
		LastFilledQty string `json:"l"`
		LastFilledPx  string `json:"L"`
		RejectReason  string `json:"r"`
	} `json:"o"`
}

// dispatch переводит сырое сообщение стрима в Event
func (m *StreamManager) dispatch(message []byte) {
	var head struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(message, &head); err != nil {
		m.logger.Debug("unparseable stream message", zap.ByteString("raw", message))
		return
	}

	switch head.EventType {
	case "ORDER_TRADE_UPDATE":
		var update orderTradeUpdate
		if err := json.Unmarshal(message, &update); err != nil {
			m.logger.Warn("bad order update", zap.Error(err), zap.ByteString("raw", message))
			return
		}
		m.dispatchOrderUpdate(&update)

	case "ACCOUNT_UPDATE":
		m.emit(Event{
			Type:      EventAccountUpdate,
			Timestamp: time.Now(),
		})

	case "listenKeyExpired":
		// Ключ протух раньше keepalive - форсируем переподключение
		m.handleDisconnect(fmt.Errorf("listen key expired"))
	}
}

func (m *StreamManager) dispatchOrderUpdate(update *orderTradeUpdate) {
	ev := Event{
		Symbol:     update.Order.Symbol,
		ClientRef:  update.Order.ClientOrderID,
		ExchangeID: strconv.FormatInt(update.Order.OrderID, 10),
		// Номер события в рамках ордера: transaction time биржи монотонен
		// для последовательных изменений одного ордера
		Seq:       update.TxTime,
		Reason:    update.Order.RejectReason,
		Timestamp: utils.FromUnixMillis(update.EventTime),
	}

	switch update.Order.Status {
	case "NEW":
		ev.Type = EventOrderAck
	case "PARTIALLY_FILLED", "FILLED":
		ev.Type = EventFill
		ev.FillQty, _ = strconv.ParseFloat(update.Order.LastFilledQty, 64)
		ev.FillPrice, _ = strconv.ParseFloat(update.Order.LastFilledPx, 64)
	case "CANCELED":
		ev.Type = EventCancel
	case "EXPIRED":
		ev.Type = EventExpired
	case "REJECTED":
		ev.Type = EventReject
	default:
		m.logger.Debug("unknown order status in stream", zap.String("status", update.Order.Status))
		return
	}

	m.emit(ev)
}
