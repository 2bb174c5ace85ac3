package credits

import (
	"context"
	"errors"
	"fmt"
)

const (
	operationInvoicePaid    = "invoice_paid"
	operationTopupCompleted = "topup_completed"
)

// Reconciler projects payment-gateway billing events onto account balances.
// Events may arrive out of order or more than once; every rule here is
// idempotent and monotonic, and any failure propagates so the delivery
// system redelivers the event.
type Reconciler struct {
	store   Store
	catalog PlanCatalog
	nowFn   func() int64
	logger  OperationLogger
}

// NewReconciler wires a Reconciler. Dependencies are validated eagerly.
func NewReconciler(store Store, catalog PlanCatalog, now func() int64, options ...ReconcilerOption) (*Reconciler, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if len(catalog.creditsByPrice) == 0 {
		return nil, fmt.Errorf("%w: plan catalog is empty", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	reconciler := &Reconciler{store: store, catalog: catalog, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(reconciler)
		}
	}
	return reconciler, nil
}

// ApplyInvoicePaid applies a subscription invoice under the balance row lock.
// A period-start older than the stored one is a stale redelivery and is
// discarded; a newer one starts a fresh allotment and resets usage; an equal
// one is a mid-cycle plan change that may only raise the total.
func (reconciler *Reconciler) ApplyInvoicePaid(ctx context.Context, event InvoicePaidEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	allotment, found := reconciler.catalog.Credits(event.PriceID)
	if !found {
		return WrapError(operationInvoicePaid, "plan", "unknown_price", fmt.Errorf("%w: %s", ErrUnknownPlanPrice, event.PriceID.String()))
	}

	operationError := reconciler.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		balance, err := transactionStore.GetBalanceForUpdate(ctx, event.TenantID)
		if err != nil {
			return err
		}
		storedPeriodStart := balance.PeriodStartUnixUTC
		if storedPeriodStart != 0 && event.PeriodStartUnixUTC < storedPeriodStart {
			// Stale redelivery of an older billing period; never roll back.
			return nil
		}

		nowUnixUTC := reconciler.nowFn()
		update := Balance{
			TenantID:           event.TenantID,
			PeriodStartUnixUTC: event.PeriodStartUnixUTC,
			ExpiresAtUnixUTC:   event.PeriodEndUnixUTC,
			PriceID:            event.PriceID.String(),
			CustomerID:         event.CustomerID,
			SubscriptionID:     event.SubscriptionID,
		}
		if storedPeriodStart == 0 || event.PeriodStartUnixUTC > storedPeriodStart {
			update.TotalCredit = allotment
			update.UsedCredit = 0
			if err := transactionStore.UpsertBalanceOnNewPeriod(ctx, update, nowUnixUTC); err != nil {
				return err
			}
		} else {
			update.TotalCredit = maxInt64(balance.TotalCredit, allotment)
			update.UsedCredit = balance.UsedCredit
			if err := transactionStore.UpsertBalanceOnSamePeriodUpgrade(ctx, update, nowUnixUTC); err != nil {
				return err
			}
		}

		recordError := transactionStore.RecordProcessedInvoice(ctx, ProcessedInvoice{
			InvoiceID:          event.InvoiceID,
			TenantID:           event.TenantID,
			PriceID:            event.PriceID,
			PeriodStartUnixUTC: event.PeriodStartUnixUTC,
			PeriodEndUnixUTC:   event.PeriodEndUnixUTC,
			PayloadJSON:        event.PayloadJSON,
		})
		if errors.Is(recordError, ErrEventAlreadyProcessed) {
			// Redelivery; the balance upsert above is idempotent for it.
			return nil
		}
		return recordError
	})
	reconciler.logOperation(ctx, OperationLog{
		Operation: operationInvoicePaid,
		TenantID:  event.TenantID,
		Reference: event.InvoiceID.String(),
		Amount:    allotment,
		Error:     operationError,
	})
	return operationError
}

// ApplyTopupCompleted grants purchased credits exactly once. The grant row
// keyed by checkout session id is inserted first: a duplicate there means
// the session was already applied and processing stops with no mutation.
func (reconciler *Reconciler) ApplyTopupCompleted(ctx context.Context, event TopupCompletedEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	operationError := reconciler.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		grantError := transactionStore.InsertTopupGrant(ctx, TopupGrant{
			CheckoutSessionID: event.CheckoutSessionID,
			TenantID:          event.TenantID,
			CreditsGranted:    event.Credits,
		})
		if errors.Is(grantError, ErrEventAlreadyProcessed) {
			return nil
		}
		if grantError != nil {
			return grantError
		}
		return transactionStore.AddTotalCredit(ctx, event.TenantID, event.Credits.Int64(), reconciler.nowFn())
	})
	reconciler.logOperation(ctx, OperationLog{
		Operation: operationTopupCompleted,
		TenantID:  event.TenantID,
		Reference: event.CheckoutSessionID.String(),
		Amount:    event.Credits.Int64(),
		Error:     operationError,
	})
	return operationError
}

func (reconciler *Reconciler) logOperation(ctx context.Context, entry OperationLog) {
	if reconciler.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	reconciler.logger.LogOperation(ctx, entry)
}

func maxInt64(left int64, right int64) int64 {
	if left > right {
		return left
	}
	return right
}
