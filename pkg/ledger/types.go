package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// UserID identifies a balance owner.
type UserID struct {
	value string
}

// MetadataJSON stores arbitrary transaction metadata.
type MetadataJSON struct {
	value string
}

// TransactionType enumerates ledger transaction kinds.
type TransactionType string

const (
	TransactionPurchase    TransactionType = "purchase"
	TransactionUsage       TransactionType = "usage"
	TransactionSignupBonus TransactionType = "signup_bonus"
)

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewMetadataJSON validates a metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// MetadataFromPairs builds MetadataJSON from a flat key/value map.
func MetadataFromPairs(pairs map[string]string) (MetadataJSON, error) {
	if len(pairs) == 0 {
		return MetadataJSON{value: "{}"}, nil
	}
	encoded, err := json.Marshal(pairs)
	if err != nil {
		return MetadataJSON{}, fmt.Errorf("%w: %v", ErrInvalidMetadataJSON, err)
	}
	return MetadataJSON{value: string(encoded)}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// ParseTransactionType validates a stored transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(raw) {
	case TransactionPurchase, TransactionUsage, TransactionSignupBonus:
		return TransactionType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
}

// String returns the stored representation.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// Balance is the current credit standing for one user. The balance column is
// mutated only through Service.Mutate; lifetime credits never decrease.
type Balance struct {
	UserID          string
	Balance         int64
	LifetimeCredits int64
	Tier            string
	UpdatedUnixUTC  int64
}

// Transaction is a single immutable line in the ledger.
type Transaction struct {
	TransactionID  string
	UserID         string
	Amount         int64
	BalanceAfter   int64
	Type           TransactionType
	Description    string
	ExternalRef    string
	MetadataJSON   string
	CreatedUnixUTC int64
}

// CreditPackage is a purchasable credit bundle from the catalog.
type CreditPackage struct {
	PackageID         string
	Name              string
	Credits           int64
	PriceCents        int64
	Currency          string
	Tier              string
	SavingsPercentage int64
	IsActive          bool
}

// Invoice points at an externally hosted billing document for one purchase
// transaction. Its absence never invalidates the credit grant.
type Invoice struct {
	InvoiceID          string
	UserID             string
	TransactionID      string
	ExternalInvoiceRef string
	CreatedUnixUTC     int64
}

// UsagePoint is one day of aggregated usage, credits as a positive magnitude.
type UsagePoint struct {
	DayUnixUTC int64
	Credits    int64
}

// SpendResult reports a committed debit.
type SpendResult struct {
	RemainingCredits int64
	TransactionID    string
}

// HistoryFilter selects which transactions the history query returns.
type HistoryFilter string

const (
	FilterImportant HistoryFilter = "important"
	FilterAll       HistoryFilter = "all"
)

// ParseHistoryFilter validates a request-supplied filter value.
func ParseHistoryFilter(raw string) (HistoryFilter, error) {
	switch HistoryFilter(raw) {
	case FilterImportant, FilterAll:
		return HistoryFilter(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidFilter, raw)
}

// Pagination describes one page of a history listing.
type Pagination struct {
	CurrentPage  int
	TotalPages   int
	TotalItems   int
	ItemsPerPage int
}

// TransactionsPage bundles a history page with the rolling usage series.
type TransactionsPage struct {
	Transactions []Transaction
	UsageSeries  []UsagePoint
	Pagination   Pagination
}

// Stats is the aggregate credit picture for one user.
type Stats struct {
	AvailableCredits int64
	UsedThisMonth    int64
	PurchasedTotal   int64
	LifetimeUsage    int64
}

// Store is the persistence contract used by Service and the purchase
// reconciler. Mutating calls are only valid inside WithTx; balance reads that
// precede a write must use GetBalanceForUpdate so concurrent mutations for the
// same user serialize on the row lock.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	GetBalance(ctx context.Context, userID string) (Balance, error)
	GetBalanceForUpdate(ctx context.Context, userID string) (Balance, error)
	CreateBalance(ctx context.Context, balance Balance) error
	UpdateBalance(ctx context.Context, userID string, newBalance int64, lifetimeCredits int64) error

	InsertTransaction(ctx context.Context, transaction Transaction) (Transaction, error)
	GetTransaction(ctx context.Context, userID string, transactionID string) (Transaction, error)
	FindPurchaseByExternalRef(ctx context.Context, userID string, externalRef string) (Transaction, error)
	ListTransactions(ctx context.Context, userID string, filter HistoryFilter, offset int, limit int) ([]Transaction, int64, error)
	SumAmounts(ctx context.Context, userID string, transactionType TransactionType, sinceUnixUTC int64, untilUnixUTC int64) (int64, error)
	DailyUsage(ctx context.Context, userID string, sinceUnixUTC int64) ([]UsagePoint, error)

	GetPackage(ctx context.Context, packageID string) (CreditPackage, error)
	ListActivePackages(ctx context.Context, currency string) ([]CreditPackage, error)
	ListPackageCurrencies(ctx context.Context) ([]string, error)

	ConfigValue(ctx context.Context, key string) (int64, error)

	CreateInvoice(ctx context.Context, invoice Invoice) (Invoice, error)
	GetInvoice(ctx context.Context, userID string, invoiceID string) (Invoice, error)
	FindInvoiceByTransaction(ctx context.Context, transactionID string) (Invoice, error)
}
