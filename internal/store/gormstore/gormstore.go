package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/mailcredit/pkg/credits"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintProcessedInvoicePrimary = "processed_invoices_pkey"
	constraintTopupGrantPrimary       = "credit_topup_grants_pkey"
	constraintVerificationJobPrimary  = "verification_jobs_pkey"
	pgUniqueViolationCode             = "23505"
	sqliteConstraintCode              = 19
	errorOperationStore               = "store"
	errorSubjectBalance               = "balance"
	errorSubjectTask                  = "task"
	errorSubjectInvoice               = "invoice"
	errorSubjectGrant                 = "grant"
	errorSubjectJob                   = "job"
	errorCodeCreate                   = "create"
	errorCodeDuplicate                = "duplicate"
	errorCodeGet                      = "get"
	errorCodeInsert                   = "insert"
	errorCodeInvalid                  = "invalid"
	errorCodeList                     = "list"
	errorCodeMissing                  = "missing"
	errorCodeUpdate                   = "update"
	errorCodeUpsert                   = "upsert"
)

// Store implements credits.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetBalance(ctx context.Context, tenantID credits.TenantID) (credits.Balance, error) {
	return store.getBalance(ctx, tenantID, false)
}

// GetBalanceForUpdate reads the balance row under a FOR UPDATE lock, so
// concurrent consumption and reconciliation for one tenant serialize.
func (store *Store) GetBalanceForUpdate(ctx context.Context, tenantID credits.TenantID) (credits.Balance, error) {
	return store.getBalance(ctx, tenantID, true)
}

func (store *Store) getBalance(ctx context.Context, tenantID credits.TenantID, forUpdate bool) (credits.Balance, error) {
	query := store.db.WithContext(ctx)
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row AccountBalance
	err := query.Where("tenant_id = ?", tenantID.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// A tenant with no billing history reads as a zero balance.
		return credits.Balance{TenantID: tenantID}, nil
	}
	if err != nil {
		return credits.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return mapBalance(row)
}

func (store *Store) ListTaskEmails(ctx context.Context, tenantID credits.TenantID, jobID credits.JobID, emails []string) ([]string, error) {
	if len(emails) == 0 {
		return nil, nil
	}
	var existing []string
	err := store.db.WithContext(ctx).
		Model(&EmailTask{}).
		Where("tenant_id = ? AND job_id = ? AND email IN ?", tenantID.String(), jobID.String(), emails).
		Pluck("email", &existing).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTask, errorCodeList, err)
	}
	return existing, nil
}

func (store *Store) InsertEmailTasks(ctx context.Context, tenantID credits.TenantID, jobID credits.JobID, emails []string, createdUnixUTC int64) error {
	if len(emails) == 0 {
		return nil
	}
	createdAt := time.Unix(createdUnixUTC, 0).UTC()
	rows := make([]EmailTask, 0, len(emails))
	for _, email := range emails {
		rows = append(rows, EmailTask{
			JobID:     jobID.String(),
			Email:     email,
			TenantID:  tenantID.String(),
			Status:    string(credits.TaskStatusQueue),
			CreatedAt: createdAt,
		})
	}
	if err := store.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return wrapStoreError(errorSubjectTask, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) AddUsedCredit(ctx context.Context, tenantID credits.TenantID, delta int64, updatedUnixUTC int64) error {
	result := store.db.WithContext(ctx).
		Model(&AccountBalance{}).
		Where("tenant_id = ?", tenantID.String()).
		UpdateColumns(map[string]interface{}{
			"used_credit": gorm.Expr("used_credit + ?", delta),
			"updated_at":  time.Unix(updatedUnixUTC, 0).UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeMissing, credits.ErrUnknownBalance)
	}
	return nil
}

func (store *Store) UpsertBalanceOnNewPeriod(ctx context.Context, update credits.Balance, updatedUnixUTC int64) error {
	row := balanceRow(update, updatedUnixUTC)
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "tenant_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"total_credit":    row.TotalCredit,
				"used_credit":     row.UsedCredit,
				"period_start":    row.PeriodStart,
				"expires_at":      row.ExpiresAt,
				"price_id":        row.PriceID,
				"customer_id":     row.CustomerID,
				"subscription_id": row.SubscriptionID,
				"updated_at":      row.UpdatedAt,
			}),
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpsert, err)
	}
	return nil
}

// UpsertBalanceOnSamePeriodUpgrade writes everything except used_credit, so
// a mid-cycle plan change keeps the consumption already booked this period.
func (store *Store) UpsertBalanceOnSamePeriodUpgrade(ctx context.Context, update credits.Balance, updatedUnixUTC int64) error {
	row := balanceRow(update, updatedUnixUTC)
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "tenant_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"total_credit":    row.TotalCredit,
				"period_start":    row.PeriodStart,
				"expires_at":      row.ExpiresAt,
				"price_id":        row.PriceID,
				"customer_id":     row.CustomerID,
				"subscription_id": row.SubscriptionID,
				"updated_at":      row.UpdatedAt,
			}),
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpsert, err)
	}
	return nil
}

func (store *Store) AddTotalCredit(ctx context.Context, tenantID credits.TenantID, delta int64, updatedUnixUTC int64) error {
	updatedAt := time.Unix(updatedUnixUTC, 0).UTC()
	row := AccountBalance{
		TenantID:    tenantID.String(),
		TotalCredit: delta,
		UpdatedAt:   updatedAt,
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "tenant_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"total_credit": gorm.Expr("total_credit + ?", delta),
				"updated_at":   updatedAt,
			}),
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpsert, err)
	}
	return nil
}

func (store *Store) RecordProcessedInvoice(ctx context.Context, record credits.ProcessedInvoice) error {
	row := ProcessedInvoice{
		InvoiceID:   record.InvoiceID.String(),
		TenantID:    record.TenantID.String(),
		PriceID:     record.PriceID.String(),
		PeriodStart: time.Unix(record.PeriodStartUnixUTC, 0).UTC(),
		PeriodEnd:   time.Unix(record.PeriodEndUnixUTC, 0).UTC(),
		Payload:     datatypesJSON(record.PayloadJSON),
		CreatedAt:   time.Now().UTC(),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err, constraintProcessedInvoicePrimary) {
		return wrapStoreError(errorSubjectInvoice, errorCodeDuplicate, credits.ErrEventAlreadyProcessed)
	}
	if err != nil {
		return wrapStoreError(errorSubjectInvoice, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) InsertTopupGrant(ctx context.Context, grant credits.TopupGrant) error {
	row := CreditTopupGrant{
		CheckoutSessionID: grant.CheckoutSessionID.String(),
		TenantID:          grant.TenantID.String(),
		CreditsGranted:    grant.CreditsGranted.Int64(),
		CreatedAt:         time.Now().UTC(),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err, constraintTopupGrantPrimary) {
		return wrapStoreError(errorSubjectGrant, errorCodeDuplicate, credits.ErrEventAlreadyProcessed)
	}
	if err != nil {
		return wrapStoreError(errorSubjectGrant, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) InsertJob(ctx context.Context, job credits.VerificationJob) error {
	row := VerificationJob{
		JobID:             job.JobID.String(),
		TenantID:          job.TenantID.String(),
		Name:              job.Name,
		SourceFilename:    job.SourceFilename,
		SourceStoragePath: job.SourceStoragePath,
		Status:            string(job.Status),
		UniqueEmails:      job.UniqueEmails,
		CreatedAt:         time.Unix(job.CreatedUnixUTC, 0).UTC(),
		UpdatedAt:         time.Unix(job.UpdatedUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err, constraintVerificationJobPrimary) {
		return wrapStoreError(errorSubjectJob, errorCodeDuplicate, credits.ErrJobExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectJob, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) UpdateJobUniqueEmails(ctx context.Context, tenantID credits.TenantID, jobID credits.JobID, uniqueEmails int64, updatedUnixUTC int64) error {
	result := store.db.WithContext(ctx).
		Model(&VerificationJob{}).
		Where("job_id = ? AND tenant_id = ?", jobID.String(), tenantID.String()).
		UpdateColumns(map[string]interface{}{
			"unique_emails": uniqueEmails,
			"updated_at":    time.Unix(updatedUnixUTC, 0).UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectJob, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectJob, errorCodeMissing, credits.ErrUnknownJob)
	}
	return nil
}

func (store *Store) GetJob(ctx context.Context, tenantID credits.TenantID, jobID credits.JobID) (credits.VerificationJob, error) {
	var row VerificationJob
	err := store.db.WithContext(ctx).
		Where("job_id = ? AND tenant_id = ?", jobID.String(), tenantID.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.VerificationJob{}, wrapStoreError(errorSubjectJob, errorCodeGet, credits.ErrUnknownJob)
	}
	if err != nil {
		return credits.VerificationJob{}, wrapStoreError(errorSubjectJob, errorCodeGet, err)
	}
	return mapJob(row)
}

func (store *Store) CountTasksByStatus(ctx context.Context, tenantID credits.TenantID, jobID credits.JobID) (credits.TaskStatusCounts, error) {
	var rows []statusCount
	err := store.db.WithContext(ctx).
		Model(&EmailTask{}).
		Select("status, count(*) as total").
		Where("tenant_id = ? AND job_id = ?", tenantID.String(), jobID.String()).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTask, errorCodeList, err)
	}
	counts := make(credits.TaskStatusCounts, len(rows))
	for _, row := range rows {
		counts[credits.TaskStatus(row.Status)] = row.Total
	}
	return counts, nil
}

type statusCount struct {
	Status string
	Total  int64
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func mapBalance(row AccountBalance) (credits.Balance, error) {
	tenantID, err := credits.NewTenantID(row.TenantID)
	if err != nil {
		return credits.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return credits.Balance{
		TenantID:           tenantID,
		TotalCredit:        row.TotalCredit,
		UsedCredit:         row.UsedCredit,
		PeriodStartUnixUTC: timeOrZero(row.PeriodStart),
		ExpiresAtUnixUTC:   timeOrZero(row.ExpiresAt),
		PriceID:            row.PriceID,
		CustomerID:         row.CustomerID,
		SubscriptionID:     row.SubscriptionID,
	}, nil
}

func mapJob(row VerificationJob) (credits.VerificationJob, error) {
	jobID, err := credits.NewJobID(row.JobID)
	if err != nil {
		return credits.VerificationJob{}, wrapStoreError(errorSubjectJob, errorCodeInvalid, err)
	}
	tenantID, err := credits.NewTenantID(row.TenantID)
	if err != nil {
		return credits.VerificationJob{}, wrapStoreError(errorSubjectJob, errorCodeInvalid, err)
	}
	return credits.VerificationJob{
		JobID:             jobID,
		TenantID:          tenantID,
		Name:              row.Name,
		SourceFilename:    row.SourceFilename,
		SourceStoragePath: row.SourceStoragePath,
		Status:            credits.JobStatus(row.Status),
		UniqueEmails:      row.UniqueEmails,
		CreatedUnixUTC:    row.CreatedAt.Unix(),
		UpdatedUnixUTC:    row.UpdatedAt.Unix(),
	}, nil
}

func balanceRow(update credits.Balance, updatedUnixUTC int64) AccountBalance {
	return AccountBalance{
		TenantID:       update.TenantID.String(),
		TotalCredit:    update.TotalCredit,
		UsedCredit:     update.UsedCredit,
		PeriodStart:    timeFromUnix(update.PeriodStartUnixUTC),
		ExpiresAt:      timeFromUnix(update.ExpiresAtUnixUTC),
		PriceID:        update.PriceID,
		CustomerID:     update.CustomerID,
		SubscriptionID: update.SubscriptionID,
		UpdatedAt:      time.Unix(updatedUnixUTC, 0).UTC(),
	}
}

func timeFromUnix(value int64) *time.Time {
	if value == 0 {
		return nil
	}
	converted := time.Unix(value, 0).UTC()
	return &converted
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte("{}"))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error, constraintName string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintName
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
