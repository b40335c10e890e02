package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"futuresbot/internal/api"
	"futuresbot/internal/config"
	"futuresbot/internal/engine"
	"futuresbot/internal/exchange"
	"futuresbot/internal/repository"
	"futuresbot/pkg/utils"

	_ "github.com/lib/pq"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	logger := utils.InitGlobalLogger(utils.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	defer logger.Sync()
	zl := logger.Logger

	zl.Info("starting futures engine",
		zap.Int("symbols", len(cfg.Exchange.Symbols)),
		zap.Int("max_leverage", cfg.Risk.MaxLeverage),
		zap.Float64("margin_floor", cfg.Risk.MarginFloor),
		zap.Bool("flatten_on_exit", cfg.Engine.FlattenOnExit),
	)

	startedAt := time.Now()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Гейтвей биржи
	gw, err := exchange.NewBinance(cfg.Exchange.APIKey, cfg.Exchange.APISecret, cfg.Exchange.ProxyURL, zl)
	if err != nil {
		zl.Error("failed to create gateway", zap.Error(err))
		return 1
	}

	// Проверяем доступность биржи до запуска цикла
	pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
	err = gw.Ping(pingCtx)
	pingCancel()
	if err != nil {
		zl.Error("exchange unreachable", zap.Error(err))
		return 1
	}

	if err := gw.Start(ctx); err != nil {
		zl.Error("failed to start gateway", zap.Error(err))
		return 1
	}
	defer gw.Close()

	// Настройка контрактов: изолированная маржа и плечо из конфигурации.
	// Ошибка на любом контракте фатальна - торговать с неизвестным плечом нельзя.
	for symbol, leverage := range cfg.Exchange.Symbols {
		setupCtx, setupCancel := context.WithTimeout(ctx, 15*time.Second)
		err = gw.SetMarginMode(setupCtx, symbol, exchange.MarginModeIsolated)
		if err == nil {
			err = gw.SetLeverage(setupCtx, symbol, leverage)
		}
		setupCancel()
		if err != nil {
			zl.Error("failed to configure symbol",
				zap.String("symbol", symbol),
				zap.Int("leverage", leverage),
				zap.Error(err))
			return 1
		}
		zl.Info("symbol configured", zap.String("symbol", symbol), zap.Int("leverage", leverage))
	}

	// Журнал терминальных ордеров (опционален)
	var journal engine.Journal
	if cfg.Journal.Enabled {
		db, err := initJournalDB(ctx, cfg)
		if err != nil {
			zl.Error("failed to init order journal", zap.Error(err))
			return 1
		}
		defer db.Close()

		oj := repository.NewOrderJournal(db)
		if err := oj.Migrate(ctx); err != nil {
			zl.Error("journal migration failed", zap.Error(err))
			return 1
		}
		journal = oj
		zl.Info("order journal enabled", zap.String("host", cfg.Journal.Host))
	}

	guard := engine.NewRiskGuard(cfg.Risk, zl)
	eng := engine.New(gw, guard, journal, cfg.Engine, zl)

	// Операционный сервер: без bcrypt-хеша пароля не поднимается
	if cfg.Server.OpsPasswordHash != "" {
		srv := api.NewServer(eng, cfg.Server, zl)
		srv.Start()
		defer func() {
			shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutCancel()
			srv.Shutdown(shutCtx)
		}()
	}

	// Сигнал запускает останов ровно один раз; повторные сигналы во время
	// дренажа игнорируются - обрыв на полпути оставил бы осиротевшие ордера
	quit := make(chan os.Signal, 2)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-quit
		zl.Info("signal received, draining", zap.String("signal", sig.String()))
		cancel()

		for sig = range quit {
			zl.Info("already draining, signal ignored", zap.String("signal", sig.String()))
		}
	}()

	// Блокирует до полной остановки
	eng.Run(ctx)

	code := eng.ExitCode()
	zl.Info("engine stopped",
		zap.Int("exit_code", code),
		zap.String("uptime", utils.FormatDuration(time.Since(startedAt))))
	return code
}

// initJournalDB создает подключение к базе журнала
func initJournalDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.Journal.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}
