package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"futuresbot/pkg/utils"
)

// Config содержит всю конфигурацию приложения
type Config struct {
	Exchange ExchangeConfig
	Risk     RiskConfig
	Engine   EngineConfig
	Server   ServerConfig
	Journal  JournalConfig
	Logging  LoggingConfig
}

// ExchangeConfig - доступ к бирже
type ExchangeConfig struct {
	APIKey    string
	APISecret string
	// ProxyURL - опциональный прокси для всего биржевого трафика (REST и WS)
	ProxyURL string
	// Symbols - торгуемые контракты с плечом, формат "BTCUSDT:10,ETHUSDT:15"
	Symbols map[string]int
}

// RiskConfig - лимиты риск-контроля
type RiskConfig struct {
	// MaxLeverage - глобальный потолок плеча; намерение с большим плечом
	// отклоняется без обращения к бирже
	MaxLeverage int
	// MarginFloor - минимально допустимая доля свободной маржи (0..1).
	// Намерение, проекция которого опускает долю ниже порога, отклоняется.
	MarginFloor float64
	// MarginWarning - порог принудительного сокращения экспозиции (0..1),
	// должен быть выше MarginFloor
	MarginWarning float64
	// MaxNotional - потолок номинала одного ордера в USDT (0 = без лимита)
	MaxNotional float64
	// MaxPositionRatio - максимальная доля баланса в позициях;
	// выше порога разрешены только reduce-only намерения
	MaxPositionRatio float64
	// StopLossPct - отступ защитного стопа от цены входа (0..1)
	StopLossPct float64
	// StopRetryMax - попыток выставить защитный стоп до принудительного
	// закрытия позиции
	StopRetryMax int
}

// EngineConfig - поведение движка
type EngineConfig struct {
	// DrainTimeout - сколько ждать подтверждения отмен при остановке
	DrainTimeout time.Duration
	// FlattenOnExit - закрывать ли позиции reduce-only ордерами при остановке
	FlattenOnExit bool
	// FlattenTimeout - сколько ждать закрытия позиций
	FlattenTimeout time.Duration
	// IntentBuffer - размер очереди намерений
	IntentBuffer int
}

// ServerConfig - операционный HTTP сервер (/healthz, /status, /metrics)
type ServerConfig struct {
	Port int
	Host string
	// OpsUser/OpsPasswordHash - basic auth; hash - bcrypt.
	// Пустой hash отключает сервер целиком.
	OpsUser         string
	OpsPasswordHash string
}

// JournalConfig - архив терминальных ордеров в Postgres.
// Журнал опционален: без DB_HOST движок работает без архива.
type JournalConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level  string
	Format string
}

// Load загружает конфигурацию из переменных окружения.
// Ключи биржи и риск-лимиты обязательны: для них нет безопасных
// значений по умолчанию.
func Load() (*Config, error) {
	symbols, err := parseSymbols(getEnv("SYMBOLS", "BTCUSDT:10"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Exchange: ExchangeConfig{
			APIKey:    getEnv("BINANCE_API_KEY", ""),
			APISecret: getEnv("BINANCE_API_SECRET", ""),
			ProxyURL:  getEnv("PROXY_URL", ""),
			Symbols:   symbols,
		},
		Risk: RiskConfig{
			MaxLeverage:      getEnvAsInt("MAX_LEVERAGE", 0),
			MarginFloor:      getEnvAsFloat("MARGIN_FLOOR", -1),
			MarginWarning:    getEnvAsFloat("MARGIN_WARNING", -1),
			MaxNotional:      getEnvAsFloat("MAX_NOTIONAL", 0),
			MaxPositionRatio: getEnvAsFloat("MAX_POSITION_RATIO", 0.8),
			StopLossPct:      getEnvAsFloat("STOP_LOSS_PCT", 0.02),
			StopRetryMax:     getEnvAsInt("STOP_RETRY_MAX", 3),
		},
		Engine: EngineConfig{
			DrainTimeout:   getEnvAsDuration("DRAIN_TIMEOUT", 30*time.Second),
			FlattenOnExit:  getEnvAsBool("FLATTEN_ON_EXIT", false),
			FlattenTimeout: getEnvAsDuration("FLATTEN_TIMEOUT", 30*time.Second),
			IntentBuffer:   getEnvAsInt("INTENT_BUFFER", 128),
		},
		Server: ServerConfig{
			Port:            getEnvAsInt("SERVER_PORT", 8080),
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			OpsUser:         getEnv("OPS_USER", "ops"),
			OpsPasswordHash: getEnv("OPS_PASSWORD_HASH", ""),
		},
		Journal: JournalConfig{
			Enabled:  getEnv("DB_HOST", "") != "",
			Host:     getEnv("DB_HOST", ""),
			Port:     getEnvAsInt("DB_PORT", 5432),
			Name:     getEnv("DB_NAME", "futuresbot"),
			User:     getEnv("DB_USER", "futuresbot"),
			Password: getEnv("DB_PASSWORD", ""),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	// MARGIN_WARNING по умолчанию на 10 п.п. выше пола
	if cfg.Risk.MarginWarning < 0 && cfg.Risk.MarginFloor >= 0 {
		cfg.Risk.MarginWarning = cfg.Risk.MarginFloor + 0.10
	}

	if err := cfg.validateCredentials(); err != nil {
		return nil, err
	}
	if err := cfg.validateRanges(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// parseSymbols разбирает "BTCUSDT:10,ETHUSDT:15" в map символ -> плечо
func parseSymbols(raw string) (map[string]int, error) {
	symbols := make(map[string]int)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		symbol := part
		leverage := 1
		if idx := strings.IndexByte(part, ':'); idx >= 0 {
			symbol = part[:idx]
			var err error
			leverage, err = strconv.Atoi(part[idx+1:])
			if err != nil {
				return nil, fmt.Errorf("SYMBOLS: invalid leverage in %q", part)
			}
		}
		if err := utils.ValidateSymbol(symbol); err != nil {
			return nil, fmt.Errorf("SYMBOLS: %w", err)
		}
		if leverage < 1 {
			return nil, fmt.Errorf("SYMBOLS: invalid entry %q", part)
		}
		symbols[symbol] = leverage
	}

	if len(symbols) == 0 {
		return nil, fmt.Errorf("SYMBOLS must list at least one contract")
	}
	return symbols, nil
}

// validateCredentials проверяет обязательные секреты
func (c *Config) validateCredentials() error {
	if c.Exchange.APIKey == "" {
		return fmt.Errorf("BINANCE_API_KEY is required")
	}
	if c.Exchange.APISecret == "" {
		return fmt.Errorf("BINANCE_API_SECRET is required")
	}
	return nil
}

// validateRanges проверяет числовые диапазоны параметров
func (c *Config) validateRanges() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}

	// Риск-лимиты обязательны: без них движок не имеет права торговать
	if c.Risk.MaxLeverage < 1 || c.Risk.MaxLeverage > 125 {
		return fmt.Errorf("MAX_LEVERAGE must be between 1 and 125, got %d", c.Risk.MaxLeverage)
	}
	if c.Risk.MarginFloor < 0 || c.Risk.MarginFloor >= 1 {
		return fmt.Errorf("MARGIN_FLOOR must be in [0, 1), got %v", c.Risk.MarginFloor)
	}
	if c.Risk.MarginWarning <= c.Risk.MarginFloor || c.Risk.MarginWarning > 1 {
		return fmt.Errorf("MARGIN_WARNING must be in (MARGIN_FLOOR, 1], got %v", c.Risk.MarginWarning)
	}
	if c.Risk.MaxNotional < 0 {
		return fmt.Errorf("MAX_NOTIONAL cannot be negative, got %v", c.Risk.MaxNotional)
	}
	if c.Risk.MaxPositionRatio <= 0 || c.Risk.MaxPositionRatio > 1 {
		return fmt.Errorf("MAX_POSITION_RATIO must be in (0, 1], got %v", c.Risk.MaxPositionRatio)
	}
	if c.Risk.StopLossPct <= 0 || c.Risk.StopLossPct >= 1 {
		return fmt.Errorf("STOP_LOSS_PCT must be in (0, 1), got %v", c.Risk.StopLossPct)
	}
	if c.Risk.StopRetryMax < 1 || c.Risk.StopRetryMax > 10 {
		return fmt.Errorf("STOP_RETRY_MAX must be between 1 and 10, got %d", c.Risk.StopRetryMax)
	}

	// Плечо каждого символа не должно превышать глобальный потолок
	for symbol, leverage := range c.Exchange.Symbols {
		if leverage > c.Risk.MaxLeverage {
			return fmt.Errorf("SYMBOLS: leverage %d for %s exceeds MAX_LEVERAGE %d",
				leverage, symbol, c.Risk.MaxLeverage)
		}
	}

	if c.Engine.DrainTimeout <= 0 {
		return fmt.Errorf("DRAIN_TIMEOUT must be positive, got %v", c.Engine.DrainTimeout)
	}
	if c.Engine.FlattenTimeout <= 0 {
		return fmt.Errorf("FLATTEN_TIMEOUT must be positive, got %v", c.Engine.FlattenTimeout)
	}
	if c.Engine.IntentBuffer < 1 {
		return fmt.Errorf("INTENT_BUFFER must be positive, got %d", c.Engine.IntentBuffer)
	}

	if c.Journal.Enabled && (c.Journal.Port < 1 || c.Journal.Port > 65535) {
		return fmt.Errorf("DB_PORT must be between 1 and 65535, got %d", c.Journal.Port)
	}

	return nil
}

// DSN возвращает строку подключения к базе данных
func (j JournalConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		j.Host, j.Port, j.User, j.Password, j.Name, j.SSLMode)
}

// DSNWithoutPassword возвращает строку подключения без пароля (для логирования)
func (j JournalConfig) DSNWithoutPassword() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		j.Host, j.Port, j.User, j.Name, j.SSLMode)
}

// Вспомогательные функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
