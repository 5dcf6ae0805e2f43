package httpserver

import (
	"context"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
)

// zapOperationLogger forwards ledger operation callbacks to zap and to the
// operations counter.
type zapOperationLogger struct {
	logger *zap.Logger
}

// NewOperationLogger adapts a zap logger to ledger.OperationLogger.
func NewOperationLogger(logger *zap.Logger) ledger.OperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return zapOperationLogger{logger: logger}
}

func (operationLogger zapOperationLogger) LogOperation(ctx context.Context, entry ledger.OperationLog) {
	ledgerOperations.WithLabelValues(entry.Operation, entry.Status).Inc()

	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.Int64("amount", entry.Amount),
		zap.String("status", entry.Status),
	}
	if entry.TransactionID != "" {
		fields = append(fields, zap.String("transaction_id", entry.TransactionID))
	}
	if entry.ExternalRef != "" {
		fields = append(fields, zap.String("external_ref", entry.ExternalRef))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		operationLogger.logger.Warn("ledger operation failed", fields...)
		return
	}
	operationLogger.logger.Info("ledger operation", fields...)
}
