package engine

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Состояния процесса остановки
const (
	StateRunning    = "RUNNING"
	StateDraining   = "DRAINING"   // новые намерения отклоняются, отмена открытых ордеров
	StateFlattening = "FLATTENING" // опциональное закрытие позиций reduce-only
	StateStopped    = "STOPPED"
)

// validShutdownTransitions - линейный жизненный цикл без путей назад
var validShutdownTransitions = map[string][]string{
	StateRunning:    {StateDraining},
	StateDraining:   {StateFlattening, StateStopped},
	StateFlattening: {StateStopped},
	StateStopped:    {},
}

// Coordinator управляет фазами остановки. Trigger идемпотентен:
// повторный сигнал во время остановки - no-op. Достижение STOPPED
// гарантируется независимо от исходов отмен и закрытий.
type Coordinator struct {
	mu     sync.Mutex
	state  string
	cause  string
	fatal  bool
	done   chan struct{}
	logger *zap.Logger
}

// NewCoordinator создаёт координатор в состоянии RUNNING
func NewCoordinator(logger *zap.Logger) *Coordinator {
	return &Coordinator{
		state:  StateRunning,
		done:   make(chan struct{}),
		logger: logger,
	}
}

// State возвращает текущую фазу
func (c *Coordinator) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Running сообщает, принимает ли движок новые намерения
func (c *Coordinator) Running() bool {
	return c.State() == StateRunning
}

// Trigger начинает остановку. Возвращает true только первому вызову;
// fatal-причина (ошибка аутентификации) даёт ненулевой код выхода.
func (c *Coordinator) Trigger(cause string, fatal bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateRunning {
		c.logger.Info("shutdown already in progress, signal ignored",
			zap.String("state", c.state), zap.String("cause", cause))
		return false
	}

	c.state = StateDraining
	c.cause = cause
	c.fatal = c.fatal || fatal
	c.logger.Info("shutdown initiated", zap.String("cause", cause), zap.Bool("fatal", fatal))
	return true
}

// Advance переводит координатор в следующую фазу
func (c *Coordinator) Advance(to string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	allowed := false
	for _, next := range validShutdownTransitions[c.state] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("invalid shutdown transition: %s -> %s", c.state, to)
	}

	c.logger.Info("shutdown phase changed",
		zap.String("from", c.state), zap.String("to", to))
	c.state = to

	if to == StateStopped {
		close(c.done)
	}
	return nil
}

// Done закрывается при достижении STOPPED
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Cause возвращает причину остановки
func (c *Coordinator) Cause() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// ExitCode: 0 при штатной остановке, 1 при остановке из-за фатальной ошибки
func (c *Coordinator) ExitCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fatal {
		return 1
	}
	return 0
}
