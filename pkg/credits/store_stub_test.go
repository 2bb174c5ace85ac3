package credits

import (
	"context"
	"fmt"
	"testing"

	"github.com/MarkoPoloResearchLab/mailcredit/pkg/money"
)

const (
	defaultTenantValue = "tenant-1"
	defaultJobValue    = "job-1"
	defaultPriceValue  = "price_topup"
)

// stubStore is an in-memory Store with per-method error injection, mirroring
// how the persistent stores behave (duplicate keys surface as
// ErrEventAlreadyProcessed, missing balances read as zero).
type stubStore struct {
	balances map[string]Balance
	tasks    map[string]map[string]struct{}
	invoices map[string]ProcessedInvoice
	grants   map[string]TopupGrant
	jobs     map[string]VerificationJob

	getBalanceError          error
	getBalanceForUpdateError error
	listTaskEmailsError      error
	insertEmailTasksError    error
	addUsedCreditError       error
	upsertNewPeriodError     error
	upsertUpgradeError       error
	addTotalCreditError      error
	recordInvoiceError       error
	insertGrantError         error
}

func newStubStore() *stubStore {
	return &stubStore{
		balances: make(map[string]Balance),
		tasks:    make(map[string]map[string]struct{}),
		invoices: make(map[string]ProcessedInvoice),
		grants:   make(map[string]TopupGrant),
		jobs:     make(map[string]VerificationJob),
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubStore) GetBalance(ctx context.Context, tenantID TenantID) (Balance, error) {
	if store.getBalanceError != nil {
		return Balance{}, store.getBalanceError
	}
	return store.balanceOrZero(tenantID), nil
}

func (store *stubStore) GetBalanceForUpdate(ctx context.Context, tenantID TenantID) (Balance, error) {
	if store.getBalanceForUpdateError != nil {
		return Balance{}, store.getBalanceForUpdateError
	}
	return store.balanceOrZero(tenantID), nil
}

func (store *stubStore) ListTaskEmails(ctx context.Context, tenantID TenantID, jobID JobID, emails []string) ([]string, error) {
	if store.listTaskEmailsError != nil {
		return nil, store.listTaskEmailsError
	}
	registered := store.tasks[taskKey(tenantID, jobID)]
	existing := make([]string, 0, len(emails))
	for _, email := range emails {
		if _, found := registered[email]; found {
			existing = append(existing, email)
		}
	}
	return existing, nil
}

func (store *stubStore) InsertEmailTasks(ctx context.Context, tenantID TenantID, jobID JobID, emails []string, createdUnixUTC int64) error {
	if store.insertEmailTasksError != nil {
		return store.insertEmailTasksError
	}
	key := taskKey(tenantID, jobID)
	registered := store.tasks[key]
	if registered == nil {
		registered = make(map[string]struct{})
		store.tasks[key] = registered
	}
	for _, email := range emails {
		registered[email] = struct{}{}
	}
	return nil
}

func (store *stubStore) AddUsedCredit(ctx context.Context, tenantID TenantID, delta int64, updatedUnixUTC int64) error {
	if store.addUsedCreditError != nil {
		return store.addUsedCreditError
	}
	balance := store.balanceOrZero(tenantID)
	balance.UsedCredit += delta
	store.balances[tenantID.String()] = balance
	return nil
}

func (store *stubStore) UpsertBalanceOnNewPeriod(ctx context.Context, update Balance, updatedUnixUTC int64) error {
	if store.upsertNewPeriodError != nil {
		return store.upsertNewPeriodError
	}
	store.balances[update.TenantID.String()] = update
	return nil
}

func (store *stubStore) UpsertBalanceOnSamePeriodUpgrade(ctx context.Context, update Balance, updatedUnixUTC int64) error {
	if store.upsertUpgradeError != nil {
		return store.upsertUpgradeError
	}
	balance := store.balanceOrZero(update.TenantID)
	balance.TotalCredit = update.TotalCredit
	balance.PeriodStartUnixUTC = update.PeriodStartUnixUTC
	balance.ExpiresAtUnixUTC = update.ExpiresAtUnixUTC
	balance.PriceID = update.PriceID
	balance.CustomerID = update.CustomerID
	balance.SubscriptionID = update.SubscriptionID
	store.balances[update.TenantID.String()] = balance
	return nil
}

func (store *stubStore) AddTotalCredit(ctx context.Context, tenantID TenantID, delta int64, updatedUnixUTC int64) error {
	if store.addTotalCreditError != nil {
		return store.addTotalCreditError
	}
	balance := store.balanceOrZero(tenantID)
	balance.TotalCredit += delta
	store.balances[tenantID.String()] = balance
	return nil
}

func (store *stubStore) RecordProcessedInvoice(ctx context.Context, record ProcessedInvoice) error {
	if store.recordInvoiceError != nil {
		return store.recordInvoiceError
	}
	if _, found := store.invoices[record.InvoiceID.String()]; found {
		return WrapError("store", "invoice", "duplicate", ErrEventAlreadyProcessed)
	}
	store.invoices[record.InvoiceID.String()] = record
	return nil
}

func (store *stubStore) InsertTopupGrant(ctx context.Context, grant TopupGrant) error {
	if store.insertGrantError != nil {
		return store.insertGrantError
	}
	if _, found := store.grants[grant.CheckoutSessionID.String()]; found {
		return WrapError("store", "grant", "duplicate", ErrEventAlreadyProcessed)
	}
	store.grants[grant.CheckoutSessionID.String()] = grant
	return nil
}

func (store *stubStore) InsertJob(ctx context.Context, job VerificationJob) error {
	key := taskKey(job.TenantID, job.JobID)
	if _, found := store.jobs[key]; found {
		return WrapError("store", "job", "duplicate", ErrJobExists)
	}
	store.jobs[key] = job
	return nil
}

func (store *stubStore) UpdateJobUniqueEmails(ctx context.Context, tenantID TenantID, jobID JobID, uniqueEmails int64, updatedUnixUTC int64) error {
	key := taskKey(tenantID, jobID)
	job, found := store.jobs[key]
	if !found {
		return WrapError("store", "job", "missing", ErrUnknownJob)
	}
	job.UniqueEmails = uniqueEmails
	job.UpdatedUnixUTC = updatedUnixUTC
	store.jobs[key] = job
	return nil
}

func (store *stubStore) GetJob(ctx context.Context, tenantID TenantID, jobID JobID) (VerificationJob, error) {
	job, found := store.jobs[taskKey(tenantID, jobID)]
	if !found {
		return VerificationJob{}, WrapError("store", "job", "missing", ErrUnknownJob)
	}
	return job, nil
}

func (store *stubStore) CountTasksByStatus(ctx context.Context, tenantID TenantID, jobID JobID) (TaskStatusCounts, error) {
	counts := TaskStatusCounts{}
	registered := store.tasks[taskKey(tenantID, jobID)]
	if len(registered) > 0 {
		counts[TaskStatusQueue] = int64(len(registered))
	}
	return counts, nil
}

func (store *stubStore) balanceOrZero(tenantID TenantID) Balance {
	balance, found := store.balances[tenantID.String()]
	if !found {
		return Balance{TenantID: tenantID}
	}
	return balance
}

func (store *stubStore) taskCount(tenantID TenantID, jobID JobID) int {
	return len(store.tasks[taskKey(tenantID, jobID)])
}

func taskKey(tenantID TenantID, jobID JobID) string {
	return tenantID.String() + "|" + jobID.String()
}

// stubGateway is an in-memory PaymentGateway that records the parameters of
// the last checkout session it opened.
type stubGateway struct {
	price          GatewayPrice
	priceError     error
	checkoutURL    string
	checkoutError  error
	lastParams     TopupCheckoutParams
	checkoutCalls  int
	unitPriceCalls int
}

func (gateway *stubGateway) UnitPrice(ctx context.Context, priceID PriceID) (GatewayPrice, error) {
	gateway.unitPriceCalls++
	if gateway.priceError != nil {
		return GatewayPrice{}, gateway.priceError
	}
	return gateway.price, nil
}

func (gateway *stubGateway) CreateTopupCheckout(ctx context.Context, params TopupCheckoutParams) (string, error) {
	gateway.checkoutCalls++
	gateway.lastParams = params
	if gateway.checkoutError != nil {
		return "", gateway.checkoutError
	}
	return gateway.checkoutURL, nil
}

func newStubGateway(test *testing.T, unitCentsText string) *stubGateway {
	test.Helper()
	unitCents, err := money.Parse(unitCentsText)
	if err != nil {
		test.Fatalf("parse unit price failed: %v", err)
	}
	return &stubGateway{
		price:       GatewayPrice{UnitAmountCents: unitCents, Currency: "usd"},
		checkoutURL: "https://checkout.example/session",
	}
}

func mustTenantID(test *testing.T, raw string) TenantID {
	test.Helper()
	tenantID, err := NewTenantID(raw)
	if err != nil {
		test.Fatalf("tenant id init failed: %v", err)
	}
	return tenantID
}

func mustJobID(test *testing.T, raw string) JobID {
	test.Helper()
	jobID, err := NewJobID(raw)
	if err != nil {
		test.Fatalf("job id init failed: %v", err)
	}
	return jobID
}

func mustPriceID(test *testing.T, raw string) PriceID {
	test.Helper()
	priceID, err := NewPriceID(raw)
	if err != nil {
		test.Fatalf("price id init failed: %v", err)
	}
	return priceID
}

func mustService(test *testing.T, store Store, gateway PaymentGateway, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, gateway, mustPriceID(test, defaultPriceValue), fixedClock(), options...)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	return service
}

func fixedClock() func() int64 {
	return func() int64 { return fixedNowUnixUTC }
}

const fixedNowUnixUTC int64 = 1_700_000_000

func seedBalance(store *stubStore, tenantID TenantID, totalCredit int64, usedCredit int64, expiresAtUnixUTC int64) {
	store.balances[tenantID.String()] = Balance{
		TenantID:         tenantID,
		TotalCredit:      totalCredit,
		UsedCredit:       usedCredit,
		ExpiresAtUnixUTC: expiresAtUnixUTC,
	}
}

func activeExpiry() int64 {
	return fixedNowUnixUTC + 86_400
}

func emailList(count int) []string {
	emails := make([]string, 0, count)
	for index := 0; index < count; index++ {
		emails = append(emails, fmt.Sprintf("user%d@example.com", index))
	}
	return emails
}
