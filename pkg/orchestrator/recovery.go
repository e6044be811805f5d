package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"github.com/arzzra/voice_bridge/pkg/callerr"
	"github.com/arzzra/voice_bridge/pkg/logger"
)

// RecoveryHandler обработчик восстановленных паник
type RecoveryHandler interface {
	// HandlePanic обрабатывает панику
	HandlePanic(ctx context.Context, panicValue interface{}, stack []byte, component string)
}

// DefaultRecoveryHandler пишет панику в лог и считает ее в метриках
type DefaultRecoveryHandler struct {
	logger  logger.StructuredLogger
	metrics *Metrics
	count   atomic.Int64
}

// NewDefaultRecoveryHandler создает обработчик
func NewDefaultRecoveryHandler(log logger.StructuredLogger, metrics *Metrics) *DefaultRecoveryHandler {
	return &DefaultRecoveryHandler{logger: log, metrics: metrics}
}

// HandlePanic обрабатывает панику
func (h *DefaultRecoveryHandler) HandlePanic(ctx context.Context, panicValue interface{}, stack []byte, component string) {
	n := h.count.Add(1)
	h.metrics.panicRecovered()
	h.logger.Error(ctx, fmt.Sprintf("PANIC восстановлен в компоненте %s", component),
		logger.String("component", component),
		logger.Any("panic_value", panicValue),
		logger.String("stack_trace", string(stack)),
		logger.Int64("panic_count", n))
}

// Count число восстановленных паник
func (h *DefaultRecoveryHandler) Count() int64 {
	return h.count.Load()
}

// guardProvider вызывает SDK; паника превращается в ProviderError
func (o *Orchestrator) guardProvider(ctx context.Context, sessionID, op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			o.recovery.HandlePanic(ctx, r, debug.Stack(), "provider."+op)
			err = callerr.Provider(sessionID, 0, fmt.Sprintf("паника SDK в %s: %v", op, r), nil).
				WithField("operation", op)
		}
	}()
	return fn()
}
