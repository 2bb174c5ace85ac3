package credits

import (
	"context"
	"errors"
	"testing"
)

const (
	planPriceValue      = "price_starter"
	planAllotment int64 = 3000

	periodOneStart int64 = 1_690_000_000
	periodOneEnd   int64 = 1_692_592_000
	periodTwoStart int64 = 1_692_592_000
	periodTwoEnd   int64 = 1_695_184_000
)

func mustCatalog(test *testing.T) PlanCatalog {
	test.Helper()
	catalog, err := NewPlanCatalog(map[string]int64{planPriceValue: planAllotment})
	if err != nil {
		test.Fatalf("catalog init failed: %v", err)
	}
	return catalog
}

func mustReconciler(test *testing.T, store Store, options ...ReconcilerOption) *Reconciler {
	test.Helper()
	reconciler, err := NewReconciler(store, mustCatalog(test), fixedClock(), options...)
	if err != nil {
		test.Fatalf("reconciler init failed: %v", err)
	}
	return reconciler
}

func mustInvoiceID(test *testing.T, raw string) InvoiceID {
	test.Helper()
	invoiceID, err := NewInvoiceID(raw)
	if err != nil {
		test.Fatalf("invoice id init failed: %v", err)
	}
	return invoiceID
}

func mustSessionID(test *testing.T, raw string) CheckoutSessionID {
	test.Helper()
	sessionID, err := NewCheckoutSessionID(raw)
	if err != nil {
		test.Fatalf("session id init failed: %v", err)
	}
	return sessionID
}

func mustCreditAmount(test *testing.T, raw int64) CreditAmount {
	test.Helper()
	amount, err := NewCreditAmount(raw)
	if err != nil {
		test.Fatalf("credit amount init failed: %v", err)
	}
	return amount
}

func invoiceEvent(test *testing.T, invoiceValue string, periodStart int64, periodEnd int64) InvoicePaidEvent {
	test.Helper()
	return InvoicePaidEvent{
		InvoiceID:          mustInvoiceID(test, invoiceValue),
		TenantID:           mustTenantID(test, defaultTenantValue),
		CustomerID:         "cus_1",
		SubscriptionID:     "sub_1",
		PriceID:            mustPriceID(test, planPriceValue),
		PeriodStartUnixUTC: periodStart,
		PeriodEndUnixUTC:   periodEnd,
	}
}

func TestInvoicePaidStartsFirstPeriod(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	reconciler := mustReconciler(test, store)
	event := invoiceEvent(test, "in_1", periodOneStart, periodOneEnd)

	if err := reconciler.ApplyInvoicePaid(context.Background(), event); err != nil {
		test.Fatalf("apply failed: %v", err)
	}

	balance := store.balanceOrZero(event.TenantID)
	if balance.TotalCredit != planAllotment {
		test.Fatalf("total credit is %d, expected %d", balance.TotalCredit, planAllotment)
	}
	if balance.UsedCredit != 0 {
		test.Fatalf("used credit is %d, expected 0", balance.UsedCredit)
	}
	if balance.PeriodStartUnixUTC != periodOneStart || balance.ExpiresAtUnixUTC != periodOneEnd {
		test.Fatalf("period bounds are %d..%d", balance.PeriodStartUnixUTC, balance.ExpiresAtUnixUTC)
	}
	if balance.PriceID != planPriceValue || balance.CustomerID != "cus_1" || balance.SubscriptionID != "sub_1" {
		test.Fatalf("gateway identifiers not recorded: %+v", balance)
	}
	if _, recorded := store.invoices["in_1"]; !recorded {
		test.Fatal("invoice was not recorded as processed")
	}
}

func TestInvoicePaidNewPeriodResetsUsage(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	reconciler := mustReconciler(test, store)
	tenantID := mustTenantID(test, defaultTenantValue)
	store.balances[tenantID.String()] = Balance{
		TenantID:           tenantID,
		TotalCredit:        planAllotment,
		UsedCredit:         2_500,
		PeriodStartUnixUTC: periodOneStart,
		ExpiresAtUnixUTC:   periodOneEnd,
	}

	if err := reconciler.ApplyInvoicePaid(context.Background(), invoiceEvent(test, "in_2", periodTwoStart, periodTwoEnd)); err != nil {
		test.Fatalf("apply failed: %v", err)
	}

	balance := store.balanceOrZero(tenantID)
	if balance.TotalCredit != planAllotment {
		test.Fatalf("total credit is %d, expected %d", balance.TotalCredit, planAllotment)
	}
	if balance.UsedCredit != 0 {
		test.Fatalf("renewal did not reset usage, used=%d", balance.UsedCredit)
	}
	if balance.PeriodStartUnixUTC != periodTwoStart {
		test.Fatalf("period start is %d, expected %d", balance.PeriodStartUnixUTC, periodTwoStart)
	}
}

func TestInvoicePaidIgnoresStalePeriod(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	reconciler := mustReconciler(test, store)
	tenantID := mustTenantID(test, defaultTenantValue)
	store.balances[tenantID.String()] = Balance{
		TenantID:           tenantID,
		TotalCredit:        planAllotment,
		UsedCredit:         1_200,
		PeriodStartUnixUTC: periodTwoStart,
		ExpiresAtUnixUTC:   periodTwoEnd,
	}

	if err := reconciler.ApplyInvoicePaid(context.Background(), invoiceEvent(test, "in_old", periodOneStart, periodOneEnd)); err != nil {
		test.Fatalf("stale apply returned error: %v", err)
	}

	balance := store.balanceOrZero(tenantID)
	if balance.PeriodStartUnixUTC != periodTwoStart {
		test.Fatalf("stale event moved period start to %d", balance.PeriodStartUnixUTC)
	}
	if balance.UsedCredit != 1_200 || balance.TotalCredit != planAllotment {
		test.Fatalf("stale event mutated balance: %+v", balance)
	}
	if _, recorded := store.invoices["in_old"]; recorded {
		test.Fatal("stale invoice was recorded as processed")
	}
}

func TestInvoicePaidSamePeriodUpgradeKeepsUsage(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	reconciler := mustReconciler(test, store)
	tenantID := mustTenantID(test, defaultTenantValue)
	store.balances[tenantID.String()] = Balance{
		TenantID:           tenantID,
		TotalCredit:        500,
		UsedCredit:         10,
		PeriodStartUnixUTC: periodOneStart,
		ExpiresAtUnixUTC:   periodOneEnd,
	}

	if err := reconciler.ApplyInvoicePaid(context.Background(), invoiceEvent(test, "in_upgrade", periodOneStart, periodOneEnd)); err != nil {
		test.Fatalf("apply failed: %v", err)
	}

	balance := store.balanceOrZero(tenantID)
	if balance.TotalCredit != planAllotment {
		test.Fatalf("total credit is %d, expected upgraded %d", balance.TotalCredit, planAllotment)
	}
	if balance.UsedCredit != 10 {
		test.Fatalf("mid-cycle upgrade reset usage to %d", balance.UsedCredit)
	}
}

func TestInvoicePaidSamePeriodNeverLowersTotal(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	reconciler := mustReconciler(test, store)
	tenantID := mustTenantID(test, defaultTenantValue)
	store.balances[tenantID.String()] = Balance{
		TenantID:           tenantID,
		TotalCredit:        10_000,
		UsedCredit:         42,
		PeriodStartUnixUTC: periodOneStart,
		ExpiresAtUnixUTC:   periodOneEnd,
	}

	if err := reconciler.ApplyInvoicePaid(context.Background(), invoiceEvent(test, "in_down", periodOneStart, periodOneEnd)); err != nil {
		test.Fatalf("apply failed: %v", err)
	}

	balance := store.balanceOrZero(tenantID)
	if balance.TotalCredit != 10_000 {
		test.Fatalf("same-period event lowered total to %d", balance.TotalCredit)
	}
	if balance.UsedCredit != 42 {
		test.Fatalf("same-period event changed usage to %d", balance.UsedCredit)
	}
}

func TestInvoicePaidDuplicateDeliveryIsNoop(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	reconciler := mustReconciler(test, store)
	event := invoiceEvent(test, "in_dup", periodOneStart, periodOneEnd)

	if err := reconciler.ApplyInvoicePaid(context.Background(), event); err != nil {
		test.Fatalf("first apply failed: %v", err)
	}
	if err := reconciler.ApplyInvoicePaid(context.Background(), event); err != nil {
		test.Fatalf("redelivery returned error: %v", err)
	}

	balance := store.balanceOrZero(event.TenantID)
	if balance.TotalCredit != planAllotment || balance.UsedCredit != 0 {
		test.Fatalf("redelivery mutated balance: %+v", balance)
	}
}

func TestInvoicePaidUnknownPriceFailsLoud(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	reconciler := mustReconciler(test, store)
	event := invoiceEvent(test, "in_unknown", periodOneStart, periodOneEnd)
	event.PriceID = mustPriceID(test, "price_unmapped")

	err := reconciler.ApplyInvoicePaid(context.Background(), event)
	if !errors.Is(err, ErrUnknownPlanPrice) {
		test.Fatalf("expected unknown-price error, got %v", err)
	}
	if len(store.balances) != 0 {
		test.Fatal("unknown price mutated a balance")
	}
}

func TestInvoicePaidRejectsInvalidEvent(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	reconciler := mustReconciler(test, store)
	testCases := []struct {
		name   string
		mutate func(event *InvoicePaidEvent)
	}{
		{name: "missing invoice id", mutate: func(event *InvoicePaidEvent) { event.InvoiceID = InvoiceID{} }},
		{name: "missing tenant id", mutate: func(event *InvoicePaidEvent) { event.TenantID = TenantID{} }},
		{name: "missing price id", mutate: func(event *InvoicePaidEvent) { event.PriceID = PriceID{} }},
		{name: "missing period start", mutate: func(event *InvoicePaidEvent) { event.PeriodStartUnixUTC = 0 }},
	}
	for _, testCase := range testCases {
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			event := invoiceEvent(test, "in_invalid", periodOneStart, periodOneEnd)
			testCase.mutate(&event)
			if err := reconciler.ApplyInvoicePaid(context.Background(), event); !errors.Is(err, ErrInvalidBillingEvent) {
				test.Fatalf("expected invalid-event error, got %v", err)
			}
		})
	}
}

func TestInvoicePaidPropagatesStoreFailure(test *testing.T) {
	test.Parallel()
	injected := errors.New("store unavailable")
	store := newStubStore()
	store.upsertNewPeriodError = injected
	reconciler := mustReconciler(test, store)

	if err := reconciler.ApplyInvoicePaid(context.Background(), invoiceEvent(test, "in_fail", periodOneStart, periodOneEnd)); !errors.Is(err, injected) {
		test.Fatalf("expected injected store error, got %v", err)
	}
}

func TestTopupGrantAppliedExactlyOnce(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	reconciler := mustReconciler(test, store)
	tenantID := mustTenantID(test, defaultTenantValue)
	seedBalance(store, tenantID, 1000, 400, activeExpiry())
	event := TopupCompletedEvent{
		CheckoutSessionID: mustSessionID(test, "cs_1"),
		TenantID:          tenantID,
		Credits:           mustCreditAmount(test, 600),
	}

	if err := reconciler.ApplyTopupCompleted(context.Background(), event); err != nil {
		test.Fatalf("first apply failed: %v", err)
	}
	if err := reconciler.ApplyTopupCompleted(context.Background(), event); err != nil {
		test.Fatalf("redelivery returned error: %v", err)
	}

	balance := store.balanceOrZero(tenantID)
	if balance.TotalCredit != 1600 {
		test.Fatalf("total credit is %d, expected 1600 after a single grant", balance.TotalCredit)
	}
	if balance.UsedCredit != 400 {
		test.Fatalf("top-up changed usage to %d", balance.UsedCredit)
	}
}

func TestTopupCreatesBalanceRow(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	reconciler := mustReconciler(test, store)
	tenantID := mustTenantID(test, defaultTenantValue)

	err := reconciler.ApplyTopupCompleted(context.Background(), TopupCompletedEvent{
		CheckoutSessionID: mustSessionID(test, "cs_new"),
		TenantID:          tenantID,
		Credits:           mustCreditAmount(test, 250),
	})
	if err != nil {
		test.Fatalf("apply failed: %v", err)
	}
	if balance := store.balanceOrZero(tenantID); balance.TotalCredit != 250 {
		test.Fatalf("total credit is %d, expected 250", balance.TotalCredit)
	}
}

func TestTopupRejectsInvalidEvent(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	reconciler := mustReconciler(test, store)
	tenantID := mustTenantID(test, defaultTenantValue)

	testCases := []struct {
		name  string
		event TopupCompletedEvent
	}{
		{name: "missing session id", event: TopupCompletedEvent{TenantID: tenantID, Credits: CreditAmount(10)}},
		{name: "missing tenant id", event: TopupCompletedEvent{CheckoutSessionID: mustSessionID(test, "cs_x"), Credits: CreditAmount(10)}},
		{name: "non-positive credits", event: TopupCompletedEvent{CheckoutSessionID: mustSessionID(test, "cs_x"), TenantID: tenantID}},
	}
	for _, testCase := range testCases {
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if err := reconciler.ApplyTopupCompleted(context.Background(), testCase.event); !errors.Is(err, ErrInvalidBillingEvent) {
				test.Fatalf("expected invalid-event error, got %v", err)
			}
		})
	}
}

func TestTopupPropagatesStoreFailure(test *testing.T) {
	test.Parallel()
	injected := errors.New("store unavailable")
	store := newStubStore()
	store.addTotalCreditError = injected
	reconciler := mustReconciler(test, store)

	err := reconciler.ApplyTopupCompleted(context.Background(), TopupCompletedEvent{
		CheckoutSessionID: mustSessionID(test, "cs_fail"),
		TenantID:          mustTenantID(test, defaultTenantValue),
		Credits:           mustCreditAmount(test, 100),
	})
	if !errors.Is(err, injected) {
		test.Fatalf("expected injected store error, got %v", err)
	}
}

func TestNewReconcilerValidatesDependencies(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	catalog := mustCatalog(test)

	if _, err := NewReconciler(nil, catalog, fixedClock()); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected config error for nil store, got %v", err)
	}
	if _, err := NewReconciler(store, PlanCatalog{}, fixedClock()); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected config error for empty catalog, got %v", err)
	}
	if _, err := NewReconciler(store, catalog, nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected config error for nil clock, got %v", err)
	}
}
