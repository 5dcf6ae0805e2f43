// Package pgstore implements ledger.Store directly on pgx for deployments
// that skip the ORM layer. Row locks and date bucketing run inside postgres.
package pgstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
)

const (
	constraintUserExternalRef    = "uniq_transactions_user_external_ref"
	constraintBalancePrimary     = "credit_balances_pkey"
	constraintInvoiceTransaction = "uniq_invoices_transaction"
	pgUniqueViolationCode        = "23505"
	errorOperationStore          = "store"
	errorSubjectBalance          = "balance"
	errorSubjectTransaction      = "transaction"
	errorSubjectPackage          = "package"
	errorSubjectConfig           = "config"
	errorSubjectInvoice          = "invoice"
	errorCodeBegin               = "begin"
	errorCodeCommit              = "commit"
	errorCodeCreate              = "create"
	errorCodeDuplicate           = "duplicate"
	errorCodeGet                 = "get"
	errorCodeInsert              = "insert"
	errorCodeInvalid             = "invalid"
	errorCodeList                = "list"
	errorCodeLookup              = "lookup"
	errorCodeMigrate             = "migrate"
	errorCodeSum                 = "sum"
	errorCodeUpdate              = "update"

	sqlSchema = `
		create table if not exists credit_balances(
			user_id text primary key,
			balance bigint not null default 0,
			lifetime_credits bigint not null default 0,
			tier text not null default 'basic',
			updated_at timestamptz not null default now()
		);
		create table if not exists credit_transactions(
			transaction_id uuid primary key default gen_random_uuid(),
			user_id text not null,
			amount bigint not null,
			balance_after bigint not null,
			type text not null,
			description text not null default '',
			external_ref text,
			metadata jsonb not null default '{}',
			created_at timestamptz not null default now()
		);
		create index if not exists idx_transactions_user_created
			on credit_transactions(user_id, created_at);
		create unique index if not exists uniq_transactions_user_external_ref
			on credit_transactions(user_id, external_ref)
			where external_ref is not null;
		create table if not exists credit_packages(
			package_id uuid primary key default gen_random_uuid(),
			name text not null,
			credits bigint not null,
			price_cents bigint not null,
			currency text not null,
			tier text not null,
			savings_percentage bigint not null default 0,
			is_active boolean not null default true
		);
		create table if not exists credit_configurations(
			key text primary key,
			value bigint not null,
			description text not null default '',
			is_active boolean not null default true
		);
		create table if not exists credit_invoices(
			invoice_id uuid primary key default gen_random_uuid(),
			user_id text not null,
			transaction_id uuid not null,
			external_invoice_ref text not null,
			created_at timestamptz not null default now()
		);
		create unique index if not exists uniq_invoices_transaction
			on credit_invoices(transaction_id);
		create index if not exists idx_invoices_user
			on credit_invoices(user_id);
	`

	sqlSelectBalance = `
		select user_id, balance, lifetime_credits, tier, extract(epoch from updated_at)::bigint
		from credit_balances
		where user_id = $1
	`

	sqlSelectBalanceForUpdate = sqlSelectBalance + ` for update`

	sqlInsertBalance = `
		insert into credit_balances(user_id, balance, lifetime_credits, tier, updated_at)
		values($1, $2, $3, $4, coalesce(to_timestamp(nullif($5,0)), now()))
	`

	sqlUpdateBalance = `
		update credit_balances
		set balance = $2, lifetime_credits = $3, updated_at = now()
		where user_id = $1
	`

	sqlInsertTransaction = `
		insert into credit_transactions(
			transaction_id, user_id, amount, balance_after, type, description, external_ref, metadata, created_at
		)
		values(
			gen_random_uuid(), $1, $2, $3, $4, $5,
			nullif($6,''),
			coalesce(nullif($7,''),'{}')::jsonb,
			coalesce(to_timestamp(nullif($8,0)), now())
		)
		returning transaction_id::text, extract(epoch from created_at)::bigint
	`

	sqlTransactionColumns = `
		transaction_id::text,
		user_id,
		amount,
		balance_after,
		type,
		description,
		coalesce(external_ref,''),
		coalesce(metadata::text,'{}'),
		extract(epoch from created_at)::bigint
	`

	sqlSelectTransaction = `
		select ` + sqlTransactionColumns + `
		from credit_transactions
		where user_id = $1 and transaction_id = $2::uuid
	`

	sqlSelectPurchaseByRef = `
		select ` + sqlTransactionColumns + `
		from credit_transactions
		where user_id = $1 and type = 'purchase' and external_ref = $2
	`

	sqlImportantPredicate = `
		and (type in ('purchase','signup_bonus') or (type = 'usage' and amount < $4))
	`

	sqlCountTransactions = `
		select count(*) from credit_transactions
		where user_id = $1
	`

	sqlSumAmounts = `
		select coalesce(sum(amount),0) from credit_transactions
		where user_id = $1 and type = $2
		and ($3 = 0 or created_at >= to_timestamp($3))
		and ($4 = 0 or created_at < to_timestamp($4))
	`

	sqlDailyUsage = `
		select extract(epoch from date_trunc('day', created_at))::bigint as day, -sum(amount)
		from credit_transactions
		where user_id = $1 and type = 'usage' and created_at >= to_timestamp($2)
		group by day
		order by day
	`

	sqlPackageColumns = `
		package_id::text, name, credits, price_cents, currency, tier, savings_percentage, is_active
	`

	sqlSelectPackage = `
		select ` + sqlPackageColumns + `
		from credit_packages
		where package_id = $1::uuid
	`

	sqlListActivePackages = `
		select ` + sqlPackageColumns + `
		from credit_packages
		where is_active and ($1 = '' or currency = $1)
		order by credits asc
	`

	sqlListCurrencies = `
		select distinct currency from credit_packages
		where is_active
		order by currency asc
	`

	sqlSelectConfigValue = `
		select value from credit_configurations
		where key = $1 and is_active
	`

	sqlInsertInvoice = `
		insert into credit_invoices(invoice_id, user_id, transaction_id, external_invoice_ref, created_at)
		values(gen_random_uuid(), $1, $2::uuid, $3, coalesce(to_timestamp(nullif($4,0)), now()))
		returning invoice_id::text, extract(epoch from created_at)::bigint
	`

	sqlSelectInvoice = `
		select invoice_id::text, user_id, transaction_id::text, external_invoice_ref, extract(epoch from created_at)::bigint
		from credit_invoices
		where user_id = $1 and invoice_id = $2::uuid
	`

	sqlSelectInvoiceByTransaction = `
		select invoice_id::text, user_id, transaction_id::text, external_invoice_ref, extract(epoch from created_at)::bigint
		from credit_invoices
		where transaction_id = $1::uuid
	`
)

// querier is the query surface shared by *pgxpool.Pool and pgx.Tx, so the
// same method set serves autocommit and in-transaction stores.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements ledger.Store using a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
	db   querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

// Migrate creates the backing tables.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, sqlSchema); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeMigrate, err)
	}
	return nil
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	if store.pool == nil {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	if err := fn(ctx, &Store{db: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetBalance(ctx context.Context, userID string) (ledger.Balance, error) {
	return store.scanBalance(store.db.QueryRow(ctx, sqlSelectBalance, userID))
}

func (store *Store) GetBalanceForUpdate(ctx context.Context, userID string) (ledger.Balance, error) {
	return store.scanBalance(store.db.QueryRow(ctx, sqlSelectBalanceForUpdate, userID))
}

func (store *Store) scanBalance(row pgx.Row) (ledger.Balance, error) {
	var balance ledger.Balance
	err := row.Scan(&balance.UserID, &balance.Balance, &balance.LifetimeCredits, &balance.Tier, &balance.UpdatedUnixUTC)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, ledger.ErrBalanceNotFound)
		}
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return balance, nil
}

func (store *Store) CreateBalance(ctx context.Context, balance ledger.Balance) error {
	_, err := store.db.Exec(ctx, sqlInsertBalance,
		balance.UserID,
		balance.Balance,
		balance.LifetimeCredits,
		balance.Tier,
		balance.UpdatedUnixUTC,
	)
	if isUniqueConflict(err, constraintBalancePrimary) {
		return wrapStoreError(errorSubjectBalance, errorCodeDuplicate, ledger.ErrBalanceExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) UpdateBalance(ctx context.Context, userID string, newBalance int64, lifetimeCredits int64) error {
	tag, err := store.db.Exec(ctx, sqlUpdateBalance, userID, newBalance, lifetimeCredits)
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, ledger.ErrBalanceNotFound)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction ledger.Transaction) (ledger.Transaction, error) {
	err := store.db.QueryRow(ctx, sqlInsertTransaction,
		transaction.UserID,
		transaction.Amount,
		transaction.BalanceAfter,
		transaction.Type.String(),
		transaction.Description,
		transaction.ExternalRef,
		transaction.MetadataJSON,
		transaction.CreatedUnixUTC,
	).Scan(&transaction.TransactionID, &transaction.CreatedUnixUTC)
	if isUniqueConflict(err, constraintUserExternalRef) {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateExternalRef)
	}
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return transaction, nil
}

func (store *Store) GetTransaction(ctx context.Context, userID string, transactionID string) (ledger.Transaction, error) {
	transaction, err := scanTransaction(store.db.QueryRow(ctx, sqlSelectTransaction, userID, transactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, ledger.ErrTransactionNotFound)
		}
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	return transaction, nil
}

func (store *Store) FindPurchaseByExternalRef(ctx context.Context, userID string, externalRef string) (ledger.Transaction, error) {
	transaction, err := scanTransaction(store.db.QueryRow(ctx, sqlSelectPurchaseByRef, userID, externalRef))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeLookup, ledger.ErrTransactionNotFound)
		}
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeLookup, err)
	}
	return transaction, nil
}

func (store *Store) ListTransactions(ctx context.Context, userID string, filter ledger.HistoryFilter, offset int, limit int) ([]ledger.Transaction, int64, error) {
	countQuery := sqlCountTransactions
	listPredicate := ""
	countArgs := []any{userID}
	listArgs := []any{userID, offset, limit}
	if filter == ledger.FilterImportant {
		importantPredicate := `and (type in ('purchase','signup_bonus') or (type = 'usage' and amount < $2))`
		countQuery += importantPredicate
		countArgs = append(countArgs, -ledger.ImportantUsageNoise())
		listPredicate = sqlImportantPredicate
		listArgs = append(listArgs, -ledger.ImportantUsageNoise())
	}

	var total int64
	if err := store.db.QueryRow(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}

	rows, err := store.db.Query(ctx, listQuery(listPredicate), listArgs...)
	if err != nil {
		return nil, 0, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()

	transactions := make([]ledger.Transaction, 0, limit)
	for rows.Next() {
		transaction, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return transactions, total, nil
}

func (store *Store) SumAmounts(ctx context.Context, userID string, transactionType ledger.TransactionType, sinceUnixUTC int64, untilUnixUTC int64) (int64, error) {
	var sum int64
	err := store.db.QueryRow(ctx, sqlSumAmounts, userID, transactionType.String(), sinceUnixUTC, untilUnixUTC).Scan(&sum)
	if err != nil {
		return 0, wrapStoreError(errorSubjectTransaction, errorCodeSum, err)
	}
	return sum, nil
}

func (store *Store) DailyUsage(ctx context.Context, userID string, sinceUnixUTC int64) ([]ledger.UsagePoint, error) {
	rows, err := store.db.Query(ctx, sqlDailyUsage, userID, sinceUnixUTC)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()

	points := make([]ledger.UsagePoint, 0, 32)
	for rows.Next() {
		var point ledger.UsagePoint
		if err := rows.Scan(&point.DayUnixUTC, &point.Credits); err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		points = append(points, point)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return points, nil
}

func (store *Store) GetPackage(ctx context.Context, packageID string) (ledger.CreditPackage, error) {
	creditPackage, err := scanPackage(store.db.QueryRow(ctx, sqlSelectPackage, packageID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.CreditPackage{}, wrapStoreError(errorSubjectPackage, errorCodeGet, ledger.ErrPackageNotFound)
		}
		return ledger.CreditPackage{}, wrapStoreError(errorSubjectPackage, errorCodeGet, err)
	}
	return creditPackage, nil
}

func (store *Store) ListActivePackages(ctx context.Context, currency string) ([]ledger.CreditPackage, error) {
	rows, err := store.db.Query(ctx, sqlListActivePackages, currency)
	if err != nil {
		return nil, wrapStoreError(errorSubjectPackage, errorCodeList, err)
	}
	defer rows.Close()

	packages := make([]ledger.CreditPackage, 0, 8)
	for rows.Next() {
		creditPackage, err := scanPackage(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectPackage, errorCodeInvalid, err)
		}
		packages = append(packages, creditPackage)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectPackage, errorCodeList, err)
	}
	return packages, nil
}

func (store *Store) ListPackageCurrencies(ctx context.Context) ([]string, error) {
	rows, err := store.db.Query(ctx, sqlListCurrencies)
	if err != nil {
		return nil, wrapStoreError(errorSubjectPackage, errorCodeList, err)
	}
	defer rows.Close()

	currencies := make([]string, 0, 4)
	for rows.Next() {
		var currency string
		if err := rows.Scan(&currency); err != nil {
			return nil, wrapStoreError(errorSubjectPackage, errorCodeInvalid, err)
		}
		currencies = append(currencies, currency)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectPackage, errorCodeList, err)
	}
	return currencies, nil
}

func (store *Store) ConfigValue(ctx context.Context, key string) (int64, error) {
	var value int64
	err := store.db.QueryRow(ctx, sqlSelectConfigValue, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, wrapStoreError(errorSubjectConfig, errorCodeGet, err)
	}
	return value, nil
}

func (store *Store) CreateInvoice(ctx context.Context, invoice ledger.Invoice) (ledger.Invoice, error) {
	err := store.db.QueryRow(ctx, sqlInsertInvoice,
		invoice.UserID,
		invoice.TransactionID,
		invoice.ExternalInvoiceRef,
		invoice.CreatedUnixUTC,
	).Scan(&invoice.InvoiceID, &invoice.CreatedUnixUTC)
	if isUniqueConflict(err, constraintInvoiceTransaction) {
		return ledger.Invoice{}, wrapStoreError(errorSubjectInvoice, errorCodeDuplicate, ledger.ErrInvoiceExists)
	}
	if err != nil {
		return ledger.Invoice{}, wrapStoreError(errorSubjectInvoice, errorCodeCreate, err)
	}
	return invoice, nil
}

func (store *Store) GetInvoice(ctx context.Context, userID string, invoiceID string) (ledger.Invoice, error) {
	invoice, err := scanInvoice(store.db.QueryRow(ctx, sqlSelectInvoice, userID, invoiceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Invoice{}, wrapStoreError(errorSubjectInvoice, errorCodeGet, ledger.ErrInvoiceNotFound)
		}
		return ledger.Invoice{}, wrapStoreError(errorSubjectInvoice, errorCodeGet, err)
	}
	return invoice, nil
}

func (store *Store) FindInvoiceByTransaction(ctx context.Context, transactionID string) (ledger.Invoice, error) {
	invoice, err := scanInvoice(store.db.QueryRow(ctx, sqlSelectInvoiceByTransaction, transactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Invoice{}, wrapStoreError(errorSubjectInvoice, errorCodeLookup, ledger.ErrInvoiceNotFound)
		}
		return ledger.Invoice{}, wrapStoreError(errorSubjectInvoice, errorCodeLookup, err)
	}
	return invoice, nil
}

func listQuery(predicate string) string {
	base := `
		select ` + sqlTransactionColumns + `
		from credit_transactions
		where user_id = $1
	` + predicate + `
		order by created_at desc
		offset $2 limit $3
	`
	return base
}

func scanTransaction(row pgx.Row) (ledger.Transaction, error) {
	var (
		transaction ledger.Transaction
		rawType     string
	)
	err := row.Scan(
		&transaction.TransactionID,
		&transaction.UserID,
		&transaction.Amount,
		&transaction.BalanceAfter,
		&rawType,
		&transaction.Description,
		&transaction.ExternalRef,
		&transaction.MetadataJSON,
		&transaction.CreatedUnixUTC,
	)
	if err != nil {
		return ledger.Transaction{}, err
	}
	transactionType, err := ledger.ParseTransactionType(rawType)
	if err != nil {
		return ledger.Transaction{}, err
	}
	transaction.Type = transactionType
	return transaction, nil
}

func scanPackage(row pgx.Row) (ledger.CreditPackage, error) {
	var creditPackage ledger.CreditPackage
	err := row.Scan(
		&creditPackage.PackageID,
		&creditPackage.Name,
		&creditPackage.Credits,
		&creditPackage.PriceCents,
		&creditPackage.Currency,
		&creditPackage.Tier,
		&creditPackage.SavingsPercentage,
		&creditPackage.IsActive,
	)
	if err != nil {
		return ledger.CreditPackage{}, err
	}
	return creditPackage, nil
}

func scanInvoice(row pgx.Row) (ledger.Invoice, error) {
	var invoice ledger.Invoice
	err := row.Scan(
		&invoice.InvoiceID,
		&invoice.UserID,
		&invoice.TransactionID,
		&invoice.ExternalInvoiceRef,
		&invoice.CreatedUnixUTC,
	)
	if err != nil {
		return ledger.Invoice{}, err
	}
	return invoice, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueConflict(err error, constraintName string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintName
	}
	return false
}
