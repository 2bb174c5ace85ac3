package credits

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// ReconcilerOption configures a Reconciler instance.
type ReconcilerOption func(*Reconciler)

// OperationLogger records domain-level events emitted by service and
// reconciler operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing credits operation.
type OperationLog struct {
	Operation string
	TenantID  TenantID
	JobID     JobID
	Reference string
	Amount    int64
	Status    string
	Error     error
}

// WithOperationLogger wires a logger that receives callbacks for every
// service operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithBatchLimit overrides the per-request email batch limit.
func WithBatchLimit(limit int) ServiceOption {
	return func(service *Service) {
		if limit > 0 {
			service.batchLimit = limit
		}
	}
}

// WithMaxRequiredCredits overrides the upper bound for quote and checkout
// requests.
func WithMaxRequiredCredits(limit int64) ServiceOption {
	return func(service *Service) {
		if limit > 0 {
			service.maxRequiredCredits = limit
		}
	}
}

// WithReconcilerLogger wires a logger that receives callbacks for every
// reconciler operation.
func WithReconcilerLogger(logger OperationLogger) ReconcilerOption {
	return func(reconciler *Reconciler) {
		reconciler.logger = logger
	}
}
