package utils

import (
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig - настройки логирования
type LogConfig struct {
	Level  string // debug, info, warn, error, fatal
	Format string // json, text
	// Output - путь к файлу; пусто = stderr. При ошибке открытия файла
	// логгер откатывается на stderr, не прерывая запуск.
	Output      string
	Development bool
}

// Logger оборачивает zap.Logger и добавляет доменные конструкторы полей
type Logger struct {
	*zap.Logger
	sugar *zap.SugaredLogger
}

// DailyLogName возвращает имя лог-файла со штампом дня: futures_engine_YYYYMMDD.log
func DailyLogName(dir string) string {
	name := "futures_engine_" + time.Now().Format("20060102") + ".log"
	if dir == "" {
		return name
	}
	return dir + string(os.PathSeparator) + name
}

// parseLevel переводит строковый уровень в zapcore.Level.
// Неизвестные значения трактуются как info.
func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// InitLogger создаёт логгер по конфигурации. Никогда не возвращает nil
// и не паникует: при любых проблемах с выводом пишет в stderr.
func InitLogger(config LogConfig) *Logger {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if strings.ToLower(config.Format) == "text" {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	sink := zapcore.AddSync(os.Stderr)
	if config.Output != "" {
		file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			sink = zapcore.AddSync(file)
		}
	}

	core := zapcore.NewCore(encoder, sink, parseLevel(config.Level))

	opts := []zap.Option{zap.AddCaller()}
	if config.Development {
		opts = append(opts, zap.Development())
	}

	zapLogger := zap.New(core, opts...)
	return &Logger{
		Logger: zapLogger,
		sugar:  zapLogger.Sugar(),
	}
}

// With возвращает дочерний логгер с дополнительными полями
func (l *Logger) With(fields ...zap.Field) *Logger {
	child := l.Logger.With(fields...)
	return &Logger{
		Logger: child,
		sugar:  child.Sugar(),
	}
}

// WithComponent помечает логи именем подсистемы
func (l *Logger) WithComponent(component string) *Logger {
	return l.With(zap.String("component", component))
}

// WithSymbol помечает логи торгуемым контрактом
func (l *Logger) WithSymbol(symbol string) *Logger {
	return l.With(zap.String("symbol", symbol))
}

// WithClientRef помечает логи идемпотентным ключом ордера
func (l *Logger) WithClientRef(clientRef string) *Logger {
	return l.With(zap.String("client_ref", clientRef))
}

// Sugar возвращает sugared-логгер для printf-style вызовов
func (l *Logger) Sugar() *zap.SugaredLogger {
	return l.sugar
}

// ============================================================
// Глобальный логгер
// ============================================================

var (
	globalLogger *Logger
	globalMu     sync.RWMutex
)

// InitGlobalLogger инициализирует глобальный логгер
func InitGlobalLogger(config LogConfig) *Logger {
	logger := InitLogger(config)
	SetGlobalLogger(logger)
	return logger
}

// SetGlobalLogger устанавливает глобальный логгер
func SetGlobalLogger(logger *Logger) {
	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()
}

// GetGlobalLogger возвращает глобальный логгер, создавая дефолтный при
// первом обращении
func GetGlobalLogger() *Logger {
	globalMu.RLock()
	logger := globalLogger
	globalMu.RUnlock()

	if logger != nil {
		return logger
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger == nil {
		globalLogger = InitLogger(LogConfig{Level: "info", Format: "json"})
	}
	return globalLogger
}

// L - короткий доступ к глобальному логгеру
func L() *Logger {
	return GetGlobalLogger()
}

// Глобальные функции логирования

func Debug(msg string, fields ...zap.Field) { GetGlobalLogger().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { GetGlobalLogger().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { GetGlobalLogger().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { GetGlobalLogger().Error(msg, fields...) }
func Fatal(msg string, fields ...zap.Field) { GetGlobalLogger().Fatal(msg, fields...) }

func Debugf(template string, args ...interface{}) { GetGlobalLogger().sugar.Debugf(template, args...) }
func Infof(template string, args ...interface{})  { GetGlobalLogger().sugar.Infof(template, args...) }
func Warnf(template string, args ...interface{})  { GetGlobalLogger().sugar.Warnf(template, args...) }
func Errorf(template string, args ...interface{}) { GetGlobalLogger().sugar.Errorf(template, args...) }

// ============================================================
// Доменные конструкторы полей
// ============================================================

func Symbol(symbol string) zap.Field       { return zap.String("symbol", symbol) }
func ClientRef(ref string) zap.Field       { return zap.String("client_ref", ref) }
func OrderID(id string) zap.Field          { return zap.String("order_id", id) }
func Price(price float64) zap.Field        { return zap.Float64("price", price) }
func Qty(qty float64) zap.Field            { return zap.Float64("qty", qty) }
func Leverage(leverage int) zap.Field      { return zap.Int("leverage", leverage) }
func PNL(pnl float64) zap.Field            { return zap.Float64("pnl", pnl) }
func Side(side string) zap.Field           { return zap.String("side", side) }
func State(state string) zap.Field         { return zap.String("state", state) }
func Seq(seq int64) zap.Field              { return zap.Int64("seq", seq) }
func Latency(ms float64) zap.Field         { return zap.Float64("latency_ms", ms) }
func Component(component string) zap.Field { return zap.String("component", component) }

// Переэкспорт стандартных конструкторов zap

func String(key, value string) zap.Field          { return zap.String(key, value) }
func Int(key string, value int) zap.Field         { return zap.Int(key, value) }
func Int64(key string, value int64) zap.Field     { return zap.Int64(key, value) }
func Float64(key string, value float64) zap.Field { return zap.Float64(key, value) }
func Bool(key string, value bool) zap.Field       { return zap.Bool(key, value) }
func Err(err error) zap.Field                     { return zap.Error(err) }
func Any(key string, value interface{}) zap.Field { return zap.Any(key, value) }

// fieldsToInterface разворачивает zap.Field'ы в плоский список пар
// ключ-значение для sugared API
func fieldsToInterface(fields []zap.Field) []interface{} {
	result := make([]interface{}, 0, len(fields)*2)
	for _, field := range fields {
		var value interface{}
		switch {
		case field.Interface != nil:
			value = field.Interface
		case field.String != "":
			value = field.String
		default:
			value = field.Integer
		}
		result = append(result, field.Key, value)
	}
	return result
}
