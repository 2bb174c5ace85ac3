package credits

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/MarkoPoloResearchLab/mailcredit/pkg/money"
)

// TenantID identifies the account namespace that owns jobs, tasks, and a
// balance.
type TenantID struct {
	value string
}

// JobID identifies a verification job within a tenant.
type JobID struct {
	value string
}

// PriceID identifies a payment-gateway price.
type PriceID struct {
	value string
}

// InvoiceID identifies a gateway invoice; used purely for idempotency.
type InvoiceID struct {
	value string
}

// CheckoutSessionID identifies a one-time-payment checkout session.
type CheckoutSessionID struct {
	value string
}

// CreditAmount is a strictly positive credit count.
type CreditAmount int64

// NewTenantID validates and normalizes a tenant id.
func NewTenantID(raw string) (TenantID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TenantID{}, fmt.Errorf("%w: empty value", ErrInvalidTenantID)
	}
	return TenantID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id TenantID) String() string {
	return id.value
}

// NewJobID validates and normalizes a job id.
func NewJobID(raw string) (JobID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return JobID{}, fmt.Errorf("%w: empty value", ErrInvalidJobID)
	}
	return JobID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id JobID) String() string {
	return id.value
}

// NewPriceID validates and normalizes a price id.
func NewPriceID(raw string) (PriceID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return PriceID{}, fmt.Errorf("%w: empty value", ErrInvalidPriceID)
	}
	return PriceID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id PriceID) String() string {
	return id.value
}

// NewInvoiceID validates and normalizes an invoice id.
func NewInvoiceID(raw string) (InvoiceID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return InvoiceID{}, fmt.Errorf("%w: empty value", ErrInvalidInvoiceID)
	}
	return InvoiceID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id InvoiceID) String() string {
	return id.value
}

// NewCheckoutSessionID validates and normalizes a checkout session id.
func NewCheckoutSessionID(raw string) (CheckoutSessionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return CheckoutSessionID{}, fmt.Errorf("%w: empty value", ErrInvalidCheckoutSessionID)
	}
	return CheckoutSessionID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id CheckoutSessionID) String() string {
	return id.value
}

// NewCreditAmount validates a credit count and ensures it is strictly positive.
func NewCreditAmount(raw int64) (CreditAmount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCreditAmount)
	}
	return CreditAmount(raw), nil
}

// Int64 returns the credit count.
func (amount CreditAmount) Int64() int64 {
	return int64(amount)
}

// EmailBatch holds the normalized, deduplicated email keys of one upload
// chunk. Normalization trims whitespace and lowercases; blank entries are
// dropped silently so a batch may normalize to empty.
type EmailBatch struct {
	normalized []string
}

// NewEmailBatch validates the raw batch size before normalizing, so an
// oversized request is rejected before any side effect.
func NewEmailBatch(raw []string, limit int) (EmailBatch, error) {
	if len(raw) == 0 {
		return EmailBatch{}, fmt.Errorf("%w: empty batch", ErrInvalidEmailBatch)
	}
	if limit > 0 && len(raw) > limit {
		return EmailBatch{}, fmt.Errorf("%w: %d emails exceeds limit %d", ErrBatchTooLarge, len(raw), limit)
	}
	seen := make(map[string]struct{}, len(raw))
	normalized := make([]string, 0, len(raw))
	for _, entry := range raw {
		key := strings.ToLower(strings.TrimSpace(entry))
		if key == "" {
			continue
		}
		if _, duplicate := seen[key]; duplicate {
			continue
		}
		seen[key] = struct{}{}
		normalized = append(normalized, key)
	}
	return EmailBatch{normalized: normalized}, nil
}

// Emails returns the normalized keys in insertion order.
func (batch EmailBatch) Emails() []string {
	return batch.normalized
}

// Size returns the count of distinct normalized keys.
func (batch EmailBatch) Size() int {
	return len(batch.normalized)
}

// Balance is the per-tenant credit account. TotalCredit is adjusted only by
// the reconciler; UsedCredit only by the consumption path. Period bounds are
// unix seconds UTC, zero meaning unset.
type Balance struct {
	TenantID           TenantID
	TotalCredit        int64
	UsedCredit         int64
	PeriodStartUnixUTC int64
	ExpiresAtUnixUTC   int64
	PriceID            string
	CustomerID         string
	SubscriptionID     string
}

// Available returns the spendable headroom, never negative.
func (balance Balance) Available() int64 {
	available := balance.TotalCredit - balance.UsedCredit
	if available < 0 {
		return 0
	}
	return available
}

// SubscriptionActiveAt reports whether the subscription window covers the
// given instant.
func (balance Balance) SubscriptionActiveAt(nowUnixUTC int64) bool {
	return balance.ExpiresAtUnixUTC != 0 && balance.ExpiresAtUnixUTC > nowUnixUTC
}

// PlanCatalog is the immutable price-to-credits mapping loaded at startup.
type PlanCatalog struct {
	creditsByPrice map[string]int64
}

// NewPlanCatalog validates the mapping; every entry needs a price id and a
// positive allotment.
func NewPlanCatalog(creditsByPrice map[string]int64) (PlanCatalog, error) {
	if len(creditsByPrice) == 0 {
		return PlanCatalog{}, fmt.Errorf("%w: no plans configured", ErrInvalidPlanCatalog)
	}
	copied := make(map[string]int64, len(creditsByPrice))
	for priceID, allotment := range creditsByPrice {
		trimmed := strings.TrimSpace(priceID)
		if trimmed == "" {
			return PlanCatalog{}, fmt.Errorf("%w: empty price id", ErrInvalidPlanCatalog)
		}
		if allotment <= 0 {
			return PlanCatalog{}, fmt.Errorf("%w: plan %s has non-positive allotment %d", ErrInvalidPlanCatalog, trimmed, allotment)
		}
		copied[trimmed] = allotment
	}
	return PlanCatalog{creditsByPrice: copied}, nil
}

// ParsePlanCatalog builds a catalog from "price_a=3000,price_b=10000" text.
func ParsePlanCatalog(raw string) (PlanCatalog, error) {
	entries := strings.Split(raw, ",")
	creditsByPrice := make(map[string]int64, len(entries))
	for _, entry := range entries {
		trimmed := strings.TrimSpace(entry)
		if trimmed == "" {
			continue
		}
		priceID, allotmentText, found := strings.Cut(trimmed, "=")
		if !found {
			return PlanCatalog{}, fmt.Errorf("%w: entry %q is not price=credits", ErrInvalidPlanCatalog, trimmed)
		}
		allotment, err := strconv.ParseInt(strings.TrimSpace(allotmentText), 10, 64)
		if err != nil {
			return PlanCatalog{}, fmt.Errorf("%w: entry %q has a malformed allotment", ErrInvalidPlanCatalog, trimmed)
		}
		creditsByPrice[strings.TrimSpace(priceID)] = allotment
	}
	return NewPlanCatalog(creditsByPrice)
}

// Credits resolves the allotment for a price id.
func (catalog PlanCatalog) Credits(priceID PriceID) (int64, bool) {
	allotment, found := catalog.creditsByPrice[priceID.String()]
	return allotment, found
}

// PriceIDs lists the configured price ids in stable order.
func (catalog PlanCatalog) PriceIDs() []string {
	priceIDs := make([]string, 0, len(catalog.creditsByPrice))
	for priceID := range catalog.creditsByPrice {
		priceIDs = append(priceIDs, priceID)
	}
	sort.Strings(priceIDs)
	return priceIDs
}

// JobStatus defines the verification job lifecycle.
type JobStatus string

const (
	JobStatusQueue     JobStatus = "QUEUE"
	JobStatusVerifying JobStatus = "VERIFYING"
	JobStatusComplete  JobStatus = "COMPLETE"
)

// TaskStatus defines the per-email verification lifecycle. The consumption
// path only ever writes QUEUE; the external worker owns the rest.
type TaskStatus string

const (
	TaskStatusQueue     TaskStatus = "QUEUE"
	TaskStatusObserving TaskStatus = "OBSERVING"
	TaskStatusSafe      TaskStatus = "SAFE"
	TaskStatusBounce    TaskStatus = "BOUNCE"
)

// VerificationJob is the bookkeeping record for one uploaded list.
type VerificationJob struct {
	JobID             JobID
	TenantID          TenantID
	Name              string
	SourceFilename    string
	SourceStoragePath string
	Status            JobStatus
	UniqueEmails      int64
	CreatedUnixUTC    int64
	UpdatedUnixUTC    int64
}

// TaskStatusCounts aggregates task rows per status for reporting.
type TaskStatusCounts map[TaskStatus]int64

// JobReport pairs a job with its task status rollup.
type JobReport struct {
	Job        VerificationJob
	TaskCounts TaskStatusCounts
}

// ConsumeResult reports the effect of one consumption call.
type ConsumeResult struct {
	InsertedCount  int64
	AvailableAfter int64
}

// TopupQuote prices the credits missing for a requested amount. Prices are
// display-rounded major-unit strings; the charge itself is recomputed at
// checkout time from the exact figures.
type TopupQuote struct {
	RequiredCredits int64
	AvailableCredit int64
	Shortage        int64
	Currency        string
	UnitPrice       string
	TotalPrice      string
}

// CheckoutResult carries the hosted payment page for a top-up purchase.
type CheckoutResult struct {
	URL      string
	Shortage int64
}

// ProcessedInvoice is the idempotency/audit record for an applied
// invoice-paid event. PayloadJSON keeps the raw gateway event for audits.
type ProcessedInvoice struct {
	InvoiceID          InvoiceID
	TenantID           TenantID
	PriceID            PriceID
	PeriodStartUnixUTC int64
	PeriodEndUnixUTC   int64
	PayloadJSON        string
}

// TopupGrant records one applied top-up purchase; the session id uniqueness
// is the idempotency guard against webhook redelivery.
type TopupGrant struct {
	CheckoutSessionID CheckoutSessionID
	TenantID          TenantID
	CreditsGranted    CreditAmount
}

// InvoicePaidEvent is a subscription renewal or mid-cycle plan change
// reported by the payment gateway.
type InvoicePaidEvent struct {
	InvoiceID          InvoiceID
	TenantID           TenantID
	CustomerID         string
	SubscriptionID     string
	PriceID            PriceID
	PeriodStartUnixUTC int64
	PeriodEndUnixUTC   int64
	PayloadJSON        string
}

// Validate checks the fields the reconciler depends on.
func (event InvoicePaidEvent) Validate() error {
	if event.InvoiceID.String() == "" {
		return fmt.Errorf("%w: missing invoice id", ErrInvalidBillingEvent)
	}
	if event.TenantID.String() == "" {
		return fmt.Errorf("%w: missing tenant id", ErrInvalidBillingEvent)
	}
	if event.PriceID.String() == "" {
		return fmt.Errorf("%w: missing price id", ErrInvalidBillingEvent)
	}
	if event.PeriodStartUnixUTC <= 0 {
		return fmt.Errorf("%w: missing period start", ErrInvalidBillingEvent)
	}
	return nil
}

// TopupCompletedEvent is a finished one-time credit purchase.
type TopupCompletedEvent struct {
	CheckoutSessionID CheckoutSessionID
	TenantID          TenantID
	Credits           CreditAmount
}

// Validate checks the fields the reconciler depends on.
func (event TopupCompletedEvent) Validate() error {
	if event.CheckoutSessionID.String() == "" {
		return fmt.Errorf("%w: missing checkout session id", ErrInvalidBillingEvent)
	}
	if event.TenantID.String() == "" {
		return fmt.Errorf("%w: missing tenant id", ErrInvalidBillingEvent)
	}
	if event.Credits.Int64() <= 0 {
		return fmt.Errorf("%w: non-positive credit grant", ErrInvalidBillingEvent)
	}
	return nil
}

// GatewayPrice is the externally-sourced unit price for the top-up product,
// in minor currency units.
type GatewayPrice struct {
	UnitAmountCents money.Decimal
	Currency        string
}

// TopupCheckoutParams describes the one-time payment session to open. The
// total is the server-computed integer minor-unit charge; client-supplied
// totals are never trusted.
type TopupCheckoutParams struct {
	PriceID        PriceID
	TenantID       TenantID
	Credits        int64
	TotalCents     int64
	Currency       string
	UnitPriceLabel string
	CustomerID     string
	CustomerEmail  string
	SuccessURL     string
	CancelURL      string
}

// PaymentGateway is the external payment-processor contract the service
// consumes. Implementations must honor context deadlines.
type PaymentGateway interface {
	UnitPrice(ctx context.Context, priceID PriceID) (GatewayPrice, error)
	CreateTopupCheckout(ctx context.Context, params TopupCheckoutParams) (string, error)
}

// Store is the persistence contract used by Service and Reconciler. All
// cross-request coordination happens through its transactional guarantees;
// GetBalanceForUpdate must hold a row lock until the surrounding WithTx ends.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetBalance(ctx context.Context, tenantID TenantID) (Balance, error)
	GetBalanceForUpdate(ctx context.Context, tenantID TenantID) (Balance, error)
	ListTaskEmails(ctx context.Context, tenantID TenantID, jobID JobID, emails []string) ([]string, error)
	InsertEmailTasks(ctx context.Context, tenantID TenantID, jobID JobID, emails []string, createdUnixUTC int64) error
	AddUsedCredit(ctx context.Context, tenantID TenantID, delta int64, updatedUnixUTC int64) error
	UpsertBalanceOnNewPeriod(ctx context.Context, update Balance, updatedUnixUTC int64) error
	UpsertBalanceOnSamePeriodUpgrade(ctx context.Context, update Balance, updatedUnixUTC int64) error
	AddTotalCredit(ctx context.Context, tenantID TenantID, delta int64, updatedUnixUTC int64) error
	RecordProcessedInvoice(ctx context.Context, record ProcessedInvoice) error
	InsertTopupGrant(ctx context.Context, grant TopupGrant) error
	InsertJob(ctx context.Context, job VerificationJob) error
	UpdateJobUniqueEmails(ctx context.Context, tenantID TenantID, jobID JobID, uniqueEmails int64, updatedUnixUTC int64) error
	GetJob(ctx context.Context, tenantID TenantID, jobID JobID) (VerificationJob, error)
	CountTasksByStatus(ctx context.Context, tenantID TenantID, jobID JobID) (TaskStatusCounts, error)
}
