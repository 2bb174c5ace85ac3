package webapi

import (
	"context"

	"github.com/MarkoPoloResearchLab/mailcredit/pkg/credits"
	"go.uber.org/zap"
)

// OperationZapLogger forwards credits operation logs to a zap logger.
type OperationZapLogger struct {
	logger *zap.Logger
}

// NewOperationZapLogger wraps a zap logger as a credits.OperationLogger.
func NewOperationZapLogger(logger *zap.Logger) *OperationZapLogger {
	return &OperationZapLogger{logger: logger}
}

// LogOperation writes one structured entry per credits operation.
func (operationLogger *OperationZapLogger) LogOperation(ctx context.Context, entry credits.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("tenant_id", entry.TenantID.String()),
		zap.String("status", entry.Status),
	}
	if entry.JobID.String() != "" {
		fields = append(fields, zap.String("job_id", entry.JobID.String()))
	}
	if entry.Reference != "" {
		fields = append(fields, zap.String("reference", entry.Reference))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		operationLogger.logger.Warn("credits operation failed", fields...)
		return
	}
	operationLogger.logger.Info("credits operation", fields...)
}
