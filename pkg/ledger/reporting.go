package ledger

import (
	"context"
	"fmt"
	"time"
)

// Transactions returns one page of ledger history, newest first, together
// with the rolling daily usage series. The important filter keeps purchases,
// signup bonuses, and usage debits whose magnitude exceeds the noise
// threshold.
func (service *Service) Transactions(ctx context.Context, userID UserID, page int, limit int, filter HistoryFilter) (TransactionsPage, error) {
	if page < 1 {
		return TransactionsPage{}, fmt.Errorf("%w: page must be greater than zero", ErrInvalidPage)
	}
	if limit < minHistoryLimit || limit > maxHistoryLimit {
		return TransactionsPage{}, fmt.Errorf("%w: limit must be between %d and %d", ErrInvalidLimit, minHistoryLimit, maxHistoryLimit)
	}
	if filter == "" {
		filter = FilterImportant
	}
	if _, err := ParseHistoryFilter(filter.String()); err != nil {
		return TransactionsPage{}, err
	}

	offset := (page - 1) * limit
	items, totalItems, err := service.store.ListTransactions(ctx, userID.String(), filter, offset, limit)
	if err != nil {
		return TransactionsPage{}, err
	}

	windowStart := service.now().AddDate(0, 0, -usageWindowDays)
	series, err := service.store.DailyUsage(ctx, userID.String(), windowStart.Unix())
	if err != nil {
		return TransactionsPage{}, err
	}

	return TransactionsPage{
		Transactions: items,
		UsageSeries:  series,
		Pagination: Pagination{
			CurrentPage:  page,
			TotalPages:   totalPages(int(totalItems), limit),
			TotalItems:   int(totalItems),
			ItemsPerPage: limit,
		},
	}, nil
}

// Stats aggregates the user's credit picture: the live balance, usage for the
// current calendar month, total purchased credits, and the derived lifetime
// usage figure. Lifetime usage keeps the historical purchased-minus-balance
// formula, which folds spent signup bonuses into "usage".
func (service *Service) Stats(ctx context.Context, userID UserID) (Stats, error) {
	balance, err := service.store.GetBalance(ctx, userID.String())
	if err != nil {
		return Stats{}, err
	}
	now := service.now()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	monthlyUsage, err := service.store.SumAmounts(ctx, userID.String(), TransactionUsage, monthStart.Unix(), 0)
	if err != nil {
		return Stats{}, err
	}
	purchasedTotal, err := service.store.SumAmounts(ctx, userID.String(), TransactionPurchase, 0, 0)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		AvailableCredits: balance.Balance,
		UsedThisMonth:    absAmount(monthlyUsage),
		PurchasedTotal:   purchasedTotal,
		LifetimeUsage:    purchasedTotal - balance.Balance,
	}, nil
}

// Packages lists active credit packages, optionally filtered by currency.
func (service *Service) Packages(ctx context.Context, currency string) ([]CreditPackage, error) {
	return service.store.ListActivePackages(ctx, currency)
}

// Currencies lists the currencies that have active packages.
func (service *Service) Currencies(ctx context.Context) ([]string, error) {
	return service.store.ListPackageCurrencies(ctx)
}

// String returns the stored filter value.
func (filter HistoryFilter) String() string {
	return string(filter)
}

func (service *Service) now() time.Time {
	return time.Unix(service.nowFn(), 0).UTC()
}

func totalPages(totalItems int, itemsPerPage int) int {
	if totalItems == 0 {
		return 0
	}
	return (totalItems + itemsPerPage - 1) / itemsPerPage
}

func absAmount(amount int64) int64 {
	if amount < 0 {
		return -amount
	}
	return amount
}
