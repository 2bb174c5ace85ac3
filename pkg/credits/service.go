package credits

import (
	"context"
	"fmt"
)

const (
	defaultBatchLimit         = 1000
	defaultMaxRequiredCredits = 200000

	operationConsume   = "consume"
	operationQuote     = "quote"
	operationCheckout  = "checkout"
	operationCreateJob = "create_job"

	operationStatusOK    = "ok"
	operationStatusError = "error"
)

// Service contains the request-path domain logic: spending credits against
// uploaded batches, quoting and opening top-up purchases, and job
// bookkeeping. Billing events are applied by Reconciler.
type Service struct {
	store              Store
	gateway            PaymentGateway
	topupPriceID       PriceID
	nowFn              func() int64
	logger             OperationLogger
	batchLimit         int
	maxRequiredCredits int64
}

// NewService wires a Service. Dependencies are validated eagerly.
func NewService(store Store, gateway PaymentGateway, topupPriceID PriceID, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if gateway == nil {
		return nil, fmt.Errorf("%w: payment gateway dependency is nil", ErrInvalidServiceConfig)
	}
	if topupPriceID.String() == "" {
		return nil, fmt.Errorf("%w: top-up price id is empty", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:              store,
		gateway:            gateway,
		topupPriceID:       topupPriceID,
		nowFn:              now,
		batchLimit:         defaultBatchLimit,
		maxRequiredCredits: defaultMaxRequiredCredits,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns the tenant's credit account. A tenant with no purchases
// yet reads as a zero balance, not an error.
func (service *Service) Balance(ctx context.Context, tenantID TenantID) (Balance, error) {
	return service.store.GetBalance(ctx, tenantID)
}

// Consume atomically charges one credit per email not yet registered for the
// job and inserts the matching QUEUE task rows. The credit check, the
// used-credit increment, and the inserts happen inside one transaction under
// the tenant's balance row lock, so concurrent uploads for the same tenant
// serialize and a retried chunk is never charged twice.
func (service *Service) Consume(ctx context.Context, tenantID TenantID, jobID JobID, emails []string) (ConsumeResult, error) {
	batch, err := NewEmailBatch(emails, service.batchLimit)
	if err != nil {
		return ConsumeResult{}, err
	}

	var result ConsumeResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		balance, err := transactionStore.GetBalanceForUpdate(ctx, tenantID)
		if err != nil {
			return err
		}
		if batch.Size() == 0 {
			result = ConsumeResult{InsertedCount: 0, AvailableAfter: balance.Available()}
			return nil
		}
		existing, err := transactionStore.ListTaskEmails(ctx, tenantID, jobID, batch.Emails())
		if err != nil {
			return err
		}
		newEmails := subtractExisting(batch.Emails(), existing)
		if len(newEmails) == 0 {
			result = ConsumeResult{InsertedCount: 0, AvailableAfter: balance.Available()}
			return nil
		}
		required := int64(len(newEmails))
		if balance.Available() < required {
			return &InsufficientCreditsError{Available: balance.Available(), Required: required}
		}
		nowUnixUTC := service.nowFn()
		if err := transactionStore.InsertEmailTasks(ctx, tenantID, jobID, newEmails, nowUnixUTC); err != nil {
			return err
		}
		if err := transactionStore.AddUsedCredit(ctx, tenantID, required, nowUnixUTC); err != nil {
			return err
		}
		result = ConsumeResult{InsertedCount: required, AvailableAfter: balance.Available() - required}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationConsume,
		TenantID:  tenantID,
		JobID:     jobID,
		Amount:    result.InsertedCount,
		Error:     operationError,
	})
	return result, operationError
}

// Quote prices the credits missing to cover requiredCredits. Top-ups are a
// subscription add-on, so an inactive subscription is rejected before any
// gateway call. Intermediate figures stay exact; only the displayed unit
// price (3 decimals) and total (2 decimals) are rounded.
func (service *Service) Quote(ctx context.Context, tenantID TenantID, requiredCredits int64) (TopupQuote, error) {
	if err := service.checkRequiredCredits(requiredCredits); err != nil {
		return TopupQuote{}, err
	}
	balance, err := service.store.GetBalance(ctx, tenantID)
	if err != nil {
		return TopupQuote{}, err
	}
	if !balance.SubscriptionActiveAt(service.nowFn()) {
		return TopupQuote{}, WrapError(operationQuote, "subscription", "inactive", ErrSubscriptionRequired)
	}
	shortage := shortageFor(requiredCredits, balance.Available())

	price, err := service.gateway.UnitPrice(ctx, service.topupPriceID)
	if err != nil {
		return TopupQuote{}, WrapError(operationQuote, "gateway", "unit_price", err)
	}

	unitMajor := price.UnitAmountCents.CentsToMajor()
	totalMajor := price.UnitAmountCents.MulInt(shortage).CentsToMajor()

	quote := TopupQuote{
		RequiredCredits: requiredCredits,
		AvailableCredit: balance.Available(),
		Shortage:        shortage,
		Currency:        price.Currency,
		UnitPrice:       unitMajor.Rescale(3).String(),
		TotalPrice:      totalMajor.Rescale(2).String(),
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationQuote,
		TenantID:  tenantID,
		Amount:    shortage,
	})
	return quote, nil
}

// Checkout opens a one-time payment session for exactly the missing credits.
// The shortage and the integer-cent total are recomputed here from a fresh
// balance read and the gateway price; client-side figures are never trusted.
func (service *Service) Checkout(ctx context.Context, tenantID TenantID, requiredCredits int64, successURL string, cancelURL string) (CheckoutResult, error) {
	if err := service.checkRequiredCredits(requiredCredits); err != nil {
		return CheckoutResult{}, err
	}
	if successURL == "" || cancelURL == "" {
		return CheckoutResult{}, fmt.Errorf("%w: success and cancel urls are required", ErrInvalidCheckoutRequest)
	}
	balance, err := service.store.GetBalance(ctx, tenantID)
	if err != nil {
		return CheckoutResult{}, err
	}
	if !balance.SubscriptionActiveAt(service.nowFn()) {
		return CheckoutResult{}, WrapError(operationCheckout, "subscription", "inactive", ErrSubscriptionRequired)
	}
	shortage := shortageFor(requiredCredits, balance.Available())
	if shortage == 0 {
		return CheckoutResult{}, WrapError(operationCheckout, "shortage", "zero", ErrNoCreditsNeeded)
	}

	price, err := service.gateway.UnitPrice(ctx, service.topupPriceID)
	if err != nil {
		return CheckoutResult{}, WrapError(operationCheckout, "gateway", "unit_price", err)
	}
	totalCents, err := price.UnitAmountCents.MulInt(shortage).RoundToInt64()
	if err != nil {
		return CheckoutResult{}, WrapError(operationCheckout, "total", "overflow", err)
	}
	if totalCents <= 0 {
		return CheckoutResult{}, WrapError(operationCheckout, "total", "non_positive", ErrInvalidCheckoutRequest)
	}

	url, err := service.gateway.CreateTopupCheckout(ctx, TopupCheckoutParams{
		PriceID:        service.topupPriceID,
		TenantID:       tenantID,
		Credits:        shortage,
		TotalCents:     totalCents,
		Currency:       price.Currency,
		UnitPriceLabel: price.UnitAmountCents.CentsToMajor().Rescale(3).String(),
		CustomerID:     balance.CustomerID,
		SuccessURL:     successURL,
		CancelURL:      cancelURL,
	})
	operationLog := OperationLog{
		Operation: operationCheckout,
		TenantID:  tenantID,
		Amount:    shortage,
		Error:     err,
	}
	if err != nil {
		service.logOperation(ctx, operationLog)
		return CheckoutResult{}, WrapError(operationCheckout, "gateway", "create_session", err)
	}
	service.logOperation(ctx, operationLog)
	return CheckoutResult{URL: url, Shortage: shortage}, nil
}

// CreateJob registers a verification job ahead of its email batches. Job
// creation is gated on an active subscription like the rest of the dashboard.
func (service *Service) CreateJob(ctx context.Context, tenantID TenantID, jobID JobID, name string, sourceFilename string, sourceStoragePath string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidJobName)
	}
	balance, err := service.store.GetBalance(ctx, tenantID)
	if err != nil {
		return err
	}
	nowUnixUTC := service.nowFn()
	if !balance.SubscriptionActiveAt(nowUnixUTC) {
		return WrapError(operationCreateJob, "subscription", "inactive", ErrSubscriptionRequired)
	}
	operationError := service.store.InsertJob(ctx, VerificationJob{
		JobID:             jobID,
		TenantID:          tenantID,
		Name:              name,
		SourceFilename:    sourceFilename,
		SourceStoragePath: sourceStoragePath,
		Status:            JobStatusQueue,
		CreatedUnixUTC:    nowUnixUTC,
		UpdatedUnixUTC:    nowUnixUTC,
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationCreateJob,
		TenantID:  tenantID,
		JobID:     jobID,
		Error:     operationError,
	})
	return operationError
}

// SetJobUniqueEmails records the distinct email count measured at ingestion.
func (service *Service) SetJobUniqueEmails(ctx context.Context, tenantID TenantID, jobID JobID, uniqueEmails int64) error {
	if uniqueEmails < 0 {
		return fmt.Errorf("%w: negative unique email count", ErrInvalidCreditAmount)
	}
	return service.store.UpdateJobUniqueEmails(ctx, tenantID, jobID, uniqueEmails, service.nowFn())
}

// JobReport returns the job record with its per-status task rollup.
func (service *Service) JobReport(ctx context.Context, tenantID TenantID, jobID JobID) (JobReport, error) {
	job, err := service.store.GetJob(ctx, tenantID, jobID)
	if err != nil {
		return JobReport{}, err
	}
	counts, err := service.store.CountTasksByStatus(ctx, tenantID, jobID)
	if err != nil {
		return JobReport{}, err
	}
	return JobReport{Job: job, TaskCounts: counts}, nil
}

func (service *Service) checkRequiredCredits(requiredCredits int64) error {
	if requiredCredits <= 0 {
		return fmt.Errorf("%w: required credits must be positive", ErrInvalidCreditAmount)
	}
	if requiredCredits > service.maxRequiredCredits {
		return fmt.Errorf("%w: required credits %d exceeds limit %d", ErrInvalidCreditAmount, requiredCredits, service.maxRequiredCredits)
	}
	return nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func shortageFor(requiredCredits int64, availableCredit int64) int64 {
	shortage := requiredCredits - availableCredit
	if shortage < 0 {
		return 0
	}
	return shortage
}

func subtractExisting(normalized []string, existing []string) []string {
	if len(existing) == 0 {
		return normalized
	}
	existingSet := make(map[string]struct{}, len(existing))
	for _, email := range existing {
		existingSet[email] = struct{}{}
	}
	remaining := make([]string, 0, len(normalized))
	for _, email := range normalized {
		if _, found := existingSet[email]; found {
			continue
		}
		remaining = append(remaining, email)
	}
	return remaining
}
