package ledger

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTransactionsPaginationMath(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.seedBalance(test, "pager", 1000)
	service := mustNewService(test, store)
	userID := mustUserID(test, "pager")

	for i := 0; i < 7; i++ {
		if _, err := service.Spend(context.Background(), userID, 20); err != nil {
			test.Fatalf("spend %d: %v", i, err)
		}
	}

	page, err := service.Transactions(context.Background(), userID, 2, 3, FilterAll)
	if err != nil {
		test.Fatalf("transactions: %v", err)
	}
	// 7 spends + 1 seed grant = 8 items.
	if page.Pagination.TotalItems != 8 {
		test.Fatalf("expected 8 total items, got %d", page.Pagination.TotalItems)
	}
	if page.Pagination.TotalPages != 3 {
		test.Fatalf("expected ceil(8/3)=3 pages, got %d", page.Pagination.TotalPages)
	}
	if len(page.Transactions) != 3 {
		test.Fatalf("expected 3 items on page 2, got %d", len(page.Transactions))
	}
	if page.Pagination.CurrentPage != 2 || page.Pagination.ItemsPerPage != 3 {
		test.Fatalf("unexpected pagination: %+v", page.Pagination)
	}
}

func TestTransactionsPagePastEndIsEmpty(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.seedBalance(test, "pager", 100)
	service := mustNewService(test, store)
	userID := mustUserID(test, "pager")

	page, err := service.Transactions(context.Background(), userID, 50, 10, FilterAll)
	if err != nil {
		test.Fatalf("transactions: %v", err)
	}
	if len(page.Transactions) != 0 {
		test.Fatalf("expected empty page, got %d items", len(page.Transactions))
	}
	if page.Pagination.TotalItems != 1 {
		test.Fatalf("expected total items to stay 1, got %d", page.Pagination.TotalItems)
	}
}

func TestTransactionsOrderedNewestFirst(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.seedBalance(test, "order", 100)
	clock := int64(1000)
	service, err := NewService(store, func() int64 { clock += 10; return clock })
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	userID := mustUserID(test, "order")

	first, err := service.Spend(context.Background(), userID, 20)
	if err != nil {
		test.Fatalf("spend: %v", err)
	}
	second, err := service.Spend(context.Background(), userID, 30)
	if err != nil {
		test.Fatalf("spend: %v", err)
	}

	page, err := service.Transactions(context.Background(), userID, 1, 10, FilterAll)
	if err != nil {
		test.Fatalf("transactions: %v", err)
	}
	if page.Transactions[0].TransactionID != second.TransactionID {
		test.Fatalf("expected newest transaction first, got %+v", page.Transactions[0])
	}
	if page.Transactions[1].TransactionID != first.TransactionID {
		test.Fatalf("expected older transaction second, got %+v", page.Transactions[1])
	}
}

func TestImportantFilterDropsSmallUsageDebits(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.seedBalance(test, "filterer", 500)
	service := mustNewService(test, store)
	userID := mustUserID(test, "filterer")

	if _, err := service.Spend(context.Background(), userID, 5); err != nil {
		test.Fatalf("small spend: %v", err)
	}
	if _, err := service.Spend(context.Background(), userID, 60); err != nil {
		test.Fatalf("large spend: %v", err)
	}
	if _, _, err := service.RecordPurchase(context.Background(), userID, 100, "pi_filter", MetadataJSON{}); err != nil {
		test.Fatalf("purchase: %v", err)
	}

	page, err := service.Transactions(context.Background(), userID, 1, 10, FilterImportant)
	if err != nil {
		test.Fatalf("transactions: %v", err)
	}
	// seed bonus + large spend + purchase; the 5-credit debit is noise.
	if page.Pagination.TotalItems != 3 {
		test.Fatalf("expected 3 important items, got %d", page.Pagination.TotalItems)
	}
	for _, transaction := range page.Transactions {
		if transaction.Type == TransactionUsage && transaction.Amount == -5 {
			test.Fatalf("noise debit leaked through the important filter: %+v", transaction)
		}
	}

	all, err := service.Transactions(context.Background(), userID, 1, 10, FilterAll)
	if err != nil {
		test.Fatalf("transactions all: %v", err)
	}
	if all.Pagination.TotalItems != 4 {
		test.Fatalf("expected 4 items without the filter, got %d", all.Pagination.TotalItems)
	}
}

func TestTransactionsValidatesArguments(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.seedBalance(test, "validator", 10)
	service := mustNewService(test, store)
	userID := mustUserID(test, "validator")

	if _, err := service.Transactions(context.Background(), userID, 0, 10, FilterAll); !errors.Is(err, ErrInvalidPage) {
		test.Fatalf("expected ErrInvalidPage, got %v", err)
	}
	if _, err := service.Transactions(context.Background(), userID, 1, 0, FilterAll); !errors.Is(err, ErrInvalidLimit) {
		test.Fatalf("expected ErrInvalidLimit, got %v", err)
	}
	if _, err := service.Transactions(context.Background(), userID, 1, 101, FilterAll); !errors.Is(err, ErrInvalidLimit) {
		test.Fatalf("expected ErrInvalidLimit, got %v", err)
	}
	if _, err := service.Transactions(context.Background(), userID, 1, 10, HistoryFilter("bogus")); !errors.Is(err, ErrInvalidFilter) {
		test.Fatalf("expected ErrInvalidFilter, got %v", err)
	}
}

func TestStatsDerivesLifetimeUsageFromLiteralFormula(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.config[ConfigKeySignupBonus] = 50
	now := time.Date(2025, time.March, 15, 12, 0, 0, 0, time.UTC)
	service, err := NewService(store, func() int64 { return now.Unix() })
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	userID := mustUserID(test, "stats-user")

	if _, err := service.InitializeAccount(context.Background(), userID); err != nil {
		test.Fatalf("initialize: %v", err)
	}
	if _, _, err := service.RecordPurchase(context.Background(), userID, 500, "pi_stats", MetadataJSON{}); err != nil {
		test.Fatalf("purchase: %v", err)
	}
	if _, err := service.Spend(context.Background(), userID, 100); err != nil {
		test.Fatalf("spend: %v", err)
	}

	stats, err := service.Stats(context.Background(), userID)
	if err != nil {
		test.Fatalf("stats: %v", err)
	}
	if stats.AvailableCredits != 450 {
		test.Fatalf("expected 450 available, got %d", stats.AvailableCredits)
	}
	if stats.UsedThisMonth != 100 {
		test.Fatalf("expected 100 used this month, got %d", stats.UsedThisMonth)
	}
	if stats.PurchasedTotal != 500 {
		test.Fatalf("expected 500 purchased, got %d", stats.PurchasedTotal)
	}
	// purchased − balance = 500 − 450 = 50, even though the user actually
	// spent 100: the spent signup bonus is silently folded into "usage".
	// The formula is kept as-is on purpose.
	if stats.LifetimeUsage != 50 {
		test.Fatalf("expected lifetime usage 50, got %d", stats.LifetimeUsage)
	}
}

func TestStatsExcludesPreviousMonthUsage(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.seedBalance(test, "monthly", 1000)
	now := time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC)
	clock := now.AddDate(0, -1, 0).Unix()
	service, err := NewService(store, func() int64 { return clock })
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	userID := mustUserID(test, "monthly")

	// One spend stamped in February, one in March.
	if _, err := service.Spend(context.Background(), userID, 40); err != nil {
		test.Fatalf("february spend: %v", err)
	}
	clock = now.Unix()
	if _, err := service.Spend(context.Background(), userID, 25); err != nil {
		test.Fatalf("march spend: %v", err)
	}

	stats, err := service.Stats(context.Background(), userID)
	if err != nil {
		test.Fatalf("stats: %v", err)
	}
	if stats.UsedThisMonth != 25 {
		test.Fatalf("expected only the current-month debit (25), got %d", stats.UsedThisMonth)
	}
}

func TestUsageSeriesAggregatesDebitsPerDay(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.seedBalance(test, "series", 1000)
	day := time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)
	clock := day.Unix()
	service, err := NewService(store, func() int64 { return clock })
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	userID := mustUserID(test, "series")

	if _, err := service.Spend(context.Background(), userID, 15); err != nil {
		test.Fatalf("spend: %v", err)
	}
	clock = day.Add(4 * time.Hour).Unix()
	if _, err := service.Spend(context.Background(), userID, 10); err != nil {
		test.Fatalf("spend: %v", err)
	}

	page, err := service.Transactions(context.Background(), userID, 1, 10, FilterAll)
	if err != nil {
		test.Fatalf("transactions: %v", err)
	}
	if len(page.UsageSeries) != 1 {
		test.Fatalf("expected one usage bucket, got %d", len(page.UsageSeries))
	}
	if page.UsageSeries[0].Credits != 25 {
		test.Fatalf("expected 25 credits in the daily bucket, got %d", page.UsageSeries[0].Credits)
	}
}

func TestPackagesAndCurrenciesReadFromCatalog(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.packages["pkg-1"] = CreditPackage{PackageID: "pkg-1", Name: "Starter", Credits: 500, PriceCents: 2000, Currency: "usd", Tier: "basic", IsActive: true}
	store.packages["pkg-2"] = CreditPackage{PackageID: "pkg-2", Name: "Retired", Credits: 100, PriceCents: 500, Currency: "eur", Tier: "basic", IsActive: false}
	service := mustNewService(test, store)

	packages, err := service.Packages(context.Background(), "")
	if err != nil {
		test.Fatalf("packages: %v", err)
	}
	if len(packages) != 1 || packages[0].PackageID != "pkg-1" {
		test.Fatalf("expected only the active package, got %+v", packages)
	}

	currencies, err := service.Currencies(context.Background())
	if err != nil {
		test.Fatalf("currencies: %v", err)
	}
	if len(currencies) != 1 || currencies[0] != "usd" {
		test.Fatalf("expected [usd], got %v", currencies)
	}
}
