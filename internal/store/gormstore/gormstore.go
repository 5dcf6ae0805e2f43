package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
)

const (
	constraintUserExternalRef    = "uniq_transactions_user_external_ref"
	constraintBalancePrimary     = "credit_balances_pkey"
	constraintInvoiceTransaction = "uniq_invoices_transaction"
	defaultMetadataJSON          = "{}"
	pgUniqueViolationCode        = "23505"
	sqliteConstraintCode         = 19
	errorOperationStore          = "store"
	errorSubjectBalance          = "balance"
	errorSubjectTransaction      = "transaction"
	errorSubjectPackage          = "package"
	errorSubjectConfig           = "config"
	errorSubjectInvoice          = "invoice"
	errorCodeCreate              = "create"
	errorCodeDuplicate           = "duplicate"
	errorCodeGet                 = "get"
	errorCodeInsert              = "insert"
	errorCodeInvalid             = "invalid"
	errorCodeList                = "list"
	errorCodeLookup              = "lookup"
	errorCodeSum                 = "sum"
	errorCodeUpdate              = "update"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the backing tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&CreditBalance{},
		&CreditTransaction{},
		&CreditPackage{},
		&CreditConfiguration{},
		&Invoice{},
	)
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetBalance(ctx context.Context, userID string) (ledger.Balance, error) {
	return store.getBalance(ctx, userID, false)
}

func (store *Store) GetBalanceForUpdate(ctx context.Context, userID string) (ledger.Balance, error) {
	return store.getBalance(ctx, userID, true)
}

func (store *Store) getBalance(ctx context.Context, userID string, forUpdate bool) (ledger.Balance, error) {
	query := store.db.WithContext(ctx)
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var model CreditBalance
	err := query.Where("user_id = ?", userID).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, ledger.ErrBalanceNotFound)
		}
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return mapBalance(model), nil
}

func (store *Store) CreateBalance(ctx context.Context, balance ledger.Balance) error {
	model := CreditBalance{
		UserID:          balance.UserID,
		Balance:         balance.Balance,
		LifetimeCredits: balance.LifetimeCredits,
		Tier:            balance.Tier,
		UpdatedAt:       time.Unix(balance.UpdatedUnixUTC, 0).UTC(),
	}
	if balance.UpdatedUnixUTC == 0 {
		model.UpdatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueConflict(err, constraintBalancePrimary) {
		return wrapStoreError(errorSubjectBalance, errorCodeDuplicate, ledger.ErrBalanceExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) UpdateBalance(ctx context.Context, userID string, newBalance int64, lifetimeCredits int64) error {
	result := store.db.WithContext(ctx).
		Model(&CreditBalance{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"balance":          newBalance,
			"lifetime_credits": lifetimeCredits,
			"updated_at":       time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, ledger.ErrBalanceNotFound)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction ledger.Transaction) (ledger.Transaction, error) {
	var externalRef *string
	if transaction.ExternalRef != "" {
		value := transaction.ExternalRef
		externalRef = &value
	}
	model := CreditTransaction{
		TransactionID: transaction.TransactionID,
		UserID:        transaction.UserID,
		Amount:        transaction.Amount,
		BalanceAfter:  transaction.BalanceAfter,
		Type:          transaction.Type.String(),
		Description:   transaction.Description,
		ExternalRef:   externalRef,
		Metadata:      datatypesJSON(transaction.MetadataJSON),
		CreatedAt:     time.Unix(transaction.CreatedUnixUTC, 0).UTC(),
	}
	if transaction.CreatedUnixUTC == 0 {
		model.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueConflict(err, constraintUserExternalRef) {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateExternalRef)
	}
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	mapped, err := mapTransaction(model)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return mapped, nil
}

func (store *Store) GetTransaction(ctx context.Context, userID string, transactionID string) (ledger.Transaction, error) {
	var model CreditTransaction
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND transaction_id = ?", userID, transactionID).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, ledger.ErrTransactionNotFound)
		}
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	mapped, err := mapTransaction(model)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return mapped, nil
}

func (store *Store) FindPurchaseByExternalRef(ctx context.Context, userID string, externalRef string) (ledger.Transaction, error) {
	var model CreditTransaction
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND type = ? AND external_ref = ?", userID, ledger.TransactionPurchase.String(), externalRef).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeLookup, ledger.ErrTransactionNotFound)
		}
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeLookup, err)
	}
	mapped, err := mapTransaction(model)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return mapped, nil
}

func (store *Store) ListTransactions(ctx context.Context, userID string, filter ledger.HistoryFilter, offset int, limit int) ([]ledger.Transaction, int64, error) {
	query := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Where("user_id = ?", userID)
	if filter == ledger.FilterImportant {
		query = query.Where(
			"type IN ? OR (type = ? AND amount < ?)",
			[]string{ledger.TransactionPurchase.String(), ledger.TransactionSignupBonus.String()},
			ledger.TransactionUsage.String(),
			-ledger.ImportantUsageNoise(),
		)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}

	var rows []CreditTransaction
	err := query.
		Order("created_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, 0, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}

	transactions := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		mapped, err := mapTransaction(row)
		if err != nil {
			return nil, 0, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, mapped)
	}
	return transactions, total, nil
}

func (store *Store) SumAmounts(ctx context.Context, userID string, transactionType ledger.TransactionType, sinceUnixUTC int64, untilUnixUTC int64) (int64, error) {
	query := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Select("coalesce(sum(amount),0) as total").
		Where("user_id = ? AND type = ?", userID, transactionType.String())
	if sinceUnixUTC != 0 {
		query = query.Where("created_at >= ?", time.Unix(sinceUnixUTC, 0).UTC())
	}
	if untilUnixUTC != 0 {
		query = query.Where("created_at < ?", time.Unix(untilUnixUTC, 0).UTC())
	}
	var sum sqlSum
	if err := query.Scan(&sum).Error; err != nil {
		return 0, wrapStoreError(errorSubjectTransaction, errorCodeSum, err)
	}
	return sum.Total, nil
}

// DailyUsage buckets in Go rather than SQL so the same query plan serves both
// sqlite and postgres. The window is at most a few weeks of rows per user.
func (store *Store) DailyUsage(ctx context.Context, userID string, sinceUnixUTC int64) ([]ledger.UsagePoint, error) {
	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Select("created_at", "amount").
		Where("user_id = ? AND type = ? AND created_at >= ?",
			userID, ledger.TransactionUsage.String(), time.Unix(sinceUnixUTC, 0).UTC()).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}

	points := make([]ledger.UsagePoint, 0, len(rows))
	totals := make(map[int64]int)
	for _, row := range rows {
		created := row.CreatedAt.UTC()
		day := time.Date(created.Year(), created.Month(), created.Day(), 0, 0, 0, 0, time.UTC).Unix()
		credits := -row.Amount
		if index, seen := totals[day]; seen {
			points[index].Credits += credits
			continue
		}
		totals[day] = len(points)
		points = append(points, ledger.UsagePoint{DayUnixUTC: day, Credits: credits})
	}
	return points, nil
}

func (store *Store) GetPackage(ctx context.Context, packageID string) (ledger.CreditPackage, error) {
	var model CreditPackage
	err := store.db.WithContext(ctx).
		Where("package_id = ?", packageID).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.CreditPackage{}, wrapStoreError(errorSubjectPackage, errorCodeGet, ledger.ErrPackageNotFound)
		}
		return ledger.CreditPackage{}, wrapStoreError(errorSubjectPackage, errorCodeGet, err)
	}
	return mapPackage(model), nil
}

func (store *Store) ListActivePackages(ctx context.Context, currency string) ([]ledger.CreditPackage, error) {
	query := store.db.WithContext(ctx).Where("is_active = ?", true)
	if currency != "" {
		query = query.Where("currency = ?", currency)
	}
	var rows []CreditPackage
	if err := query.Order("credits ASC").Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectPackage, errorCodeList, err)
	}
	packages := make([]ledger.CreditPackage, 0, len(rows))
	for _, row := range rows {
		packages = append(packages, mapPackage(row))
	}
	return packages, nil
}

func (store *Store) ListPackageCurrencies(ctx context.Context) ([]string, error) {
	var currencies []string
	err := store.db.WithContext(ctx).
		Model(&CreditPackage{}).
		Where("is_active = ?", true).
		Distinct().
		Order("currency ASC").
		Pluck("currency", &currencies).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectPackage, errorCodeList, err)
	}
	return currencies, nil
}

func (store *Store) ConfigValue(ctx context.Context, key string) (int64, error) {
	var model CreditConfiguration
	err := store.db.WithContext(ctx).
		Where("key = ? AND is_active = ?", key, true).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, wrapStoreError(errorSubjectConfig, errorCodeGet, err)
	}
	return model.Value, nil
}

func (store *Store) CreateInvoice(ctx context.Context, invoice ledger.Invoice) (ledger.Invoice, error) {
	model := Invoice{
		InvoiceID:          invoice.InvoiceID,
		UserID:             invoice.UserID,
		TransactionID:      invoice.TransactionID,
		ExternalInvoiceRef: invoice.ExternalInvoiceRef,
		CreatedAt:          time.Unix(invoice.CreatedUnixUTC, 0).UTC(),
	}
	if invoice.CreatedUnixUTC == 0 {
		model.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueConflict(err, constraintInvoiceTransaction) {
		return ledger.Invoice{}, wrapStoreError(errorSubjectInvoice, errorCodeDuplicate, ledger.ErrInvoiceExists)
	}
	if err != nil {
		return ledger.Invoice{}, wrapStoreError(errorSubjectInvoice, errorCodeCreate, err)
	}
	return mapInvoice(model), nil
}

func (store *Store) GetInvoice(ctx context.Context, userID string, invoiceID string) (ledger.Invoice, error) {
	var model Invoice
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND invoice_id = ?", userID, invoiceID).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Invoice{}, wrapStoreError(errorSubjectInvoice, errorCodeGet, ledger.ErrInvoiceNotFound)
		}
		return ledger.Invoice{}, wrapStoreError(errorSubjectInvoice, errorCodeGet, err)
	}
	return mapInvoice(model), nil
}

func (store *Store) FindInvoiceByTransaction(ctx context.Context, transactionID string) (ledger.Invoice, error) {
	var model Invoice
	err := store.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Invoice{}, wrapStoreError(errorSubjectInvoice, errorCodeLookup, ledger.ErrInvoiceNotFound)
		}
		return ledger.Invoice{}, wrapStoreError(errorSubjectInvoice, errorCodeLookup, err)
	}
	return mapInvoice(model), nil
}

// CreatePackage inserts a catalog row. Used by seeding, not by ledger.Store.
func (store *Store) CreatePackage(ctx context.Context, creditPackage ledger.CreditPackage) (ledger.CreditPackage, error) {
	model := CreditPackage{
		PackageID:         creditPackage.PackageID,
		Name:              creditPackage.Name,
		Credits:           creditPackage.Credits,
		PriceCents:        creditPackage.PriceCents,
		Currency:          creditPackage.Currency,
		Tier:              creditPackage.Tier,
		SavingsPercentage: creditPackage.SavingsPercentage,
		IsActive:          creditPackage.IsActive,
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return ledger.CreditPackage{}, wrapStoreError(errorSubjectPackage, errorCodeCreate, err)
	}
	return mapPackage(model), nil
}

// UpsertConfigValue writes a configuration key. Used by seeding, not by
// ledger.Store.
func (store *Store) UpsertConfigValue(ctx context.Context, key string, value int64) error {
	model := CreditConfiguration{Key: key, Value: value, IsActive: true}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "is_active"}),
		}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectConfig, errorCodeCreate, err)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapBalance(model CreditBalance) ledger.Balance {
	return ledger.Balance{
		UserID:          model.UserID,
		Balance:         model.Balance,
		LifetimeCredits: model.LifetimeCredits,
		Tier:            model.Tier,
		UpdatedUnixUTC:  model.UpdatedAt.Unix(),
	}
}

func mapTransaction(model CreditTransaction) (ledger.Transaction, error) {
	transactionType, err := ledger.ParseTransactionType(model.Type)
	if err != nil {
		return ledger.Transaction{}, err
	}
	externalRef := ""
	if model.ExternalRef != nil {
		externalRef = *model.ExternalRef
	}
	metadata, err := ledger.NewMetadataJSON(string(model.Metadata))
	if err != nil {
		return ledger.Transaction{}, err
	}
	return ledger.Transaction{
		TransactionID:  model.TransactionID,
		UserID:         model.UserID,
		Amount:         model.Amount,
		BalanceAfter:   model.BalanceAfter,
		Type:           transactionType,
		Description:    model.Description,
		ExternalRef:    externalRef,
		MetadataJSON:   metadata.String(),
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}, nil
}

func mapPackage(model CreditPackage) ledger.CreditPackage {
	return ledger.CreditPackage{
		PackageID:         model.PackageID,
		Name:              model.Name,
		Credits:           model.Credits,
		PriceCents:        model.PriceCents,
		Currency:          model.Currency,
		Tier:              model.Tier,
		SavingsPercentage: model.SavingsPercentage,
		IsActive:          model.IsActive,
	}
}

func mapInvoice(model Invoice) ledger.Invoice {
	return ledger.Invoice{
		InvoiceID:          model.InvoiceID,
		UserID:             model.UserID,
		TransactionID:      model.TransactionID,
		ExternalInvoiceRef: model.ExternalInvoiceRef,
		CreatedUnixUTC:     model.CreatedAt.Unix(),
	}
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueConflict(err error, constraintName string) bool {
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
