package gormstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/credits/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
)

const (
	testUserID      = "user-1"
	otherUserID     = "user-2"
	testExternalRef = "pi_12345"
)

func openTestStore(test *testing.T) *gormstore.Store {
	test.Helper()
	database, err := gorm.Open(sqlite.Open(test.TempDir()+"/credits.db"), &gorm.Config{})
	if err != nil {
		test.Fatalf("sqlite open failed: %v", err)
	}
	if err := gormstore.Migrate(database); err != nil {
		test.Fatalf("automigrate failed: %v", err)
	}
	return gormstore.New(database)
}

func seedBalance(test *testing.T, store *gormstore.Store, userID string, amount int64) {
	test.Helper()
	err := store.CreateBalance(context.Background(), ledger.Balance{
		UserID:          userID,
		Balance:         amount,
		LifetimeCredits: amount,
		Tier:            ledger.DefaultTier,
		UpdatedUnixUTC:  time.Now().UTC().Unix(),
	})
	if err != nil {
		test.Fatalf("seed balance failed: %v", err)
	}
}

func insertTransaction(test *testing.T, store *gormstore.Store, transaction ledger.Transaction) ledger.Transaction {
	test.Helper()
	stored, err := store.InsertTransaction(context.Background(), transaction)
	if err != nil {
		test.Fatalf("insert transaction failed: %v", err)
	}
	return stored
}

func TestBalanceLifecycle(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	ctx := context.Background()

	if _, err := store.GetBalance(ctx, testUserID); !errors.Is(err, ledger.ErrBalanceNotFound) {
		test.Fatalf("expected ErrBalanceNotFound, received %v", err)
	}

	seedBalance(test, store, testUserID, 50)

	if err := store.CreateBalance(ctx, ledger.Balance{UserID: testUserID, Tier: ledger.DefaultTier}); !errors.Is(err, ledger.ErrBalanceExists) {
		test.Fatalf("expected ErrBalanceExists on duplicate create, received %v", err)
	}

	if err := store.UpdateBalance(ctx, testUserID, 20, 50); err != nil {
		test.Fatalf("update balance failed: %v", err)
	}
	balance, err := store.GetBalance(ctx, testUserID)
	if err != nil {
		test.Fatalf("get balance failed: %v", err)
	}
	if balance.Balance != 20 || balance.LifetimeCredits != 50 {
		test.Fatalf("unexpected balance after update: %+v", balance)
	}
	if balance.Tier != ledger.DefaultTier {
		test.Fatalf("unexpected tier: %s", balance.Tier)
	}

	if err := store.UpdateBalance(ctx, "missing-user", 1, 1); !errors.Is(err, ledger.ErrBalanceNotFound) {
		test.Fatalf("expected ErrBalanceNotFound on unknown update, received %v", err)
	}
}

func TestExternalRefUniquePerUser(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	ctx := context.Background()

	first := insertTransaction(test, store, ledger.Transaction{
		UserID:         testUserID,
		Amount:         500,
		BalanceAfter:   500,
		Type:           ledger.TransactionPurchase,
		ExternalRef:    testExternalRef,
		CreatedUnixUTC: time.Now().UTC().Unix(),
	})
	if first.TransactionID == "" {
		test.Fatalf("expected generated transaction id")
	}

	_, err := store.InsertTransaction(ctx, ledger.Transaction{
		UserID:       testUserID,
		Amount:       500,
		BalanceAfter: 1000,
		Type:         ledger.TransactionPurchase,
		ExternalRef:  testExternalRef,
	})
	if !errors.Is(err, ledger.ErrDuplicateExternalRef) {
		test.Fatalf("expected ErrDuplicateExternalRef, received %v", err)
	}

	// The same reference under another user is a distinct payment.
	if _, err := store.InsertTransaction(ctx, ledger.Transaction{
		UserID:       otherUserID,
		Amount:       500,
		BalanceAfter: 500,
		Type:         ledger.TransactionPurchase,
		ExternalRef:  testExternalRef,
	}); err != nil {
		test.Fatalf("expected cross-user insert to succeed, received %v", err)
	}

	found, err := store.FindPurchaseByExternalRef(ctx, testUserID, testExternalRef)
	if err != nil {
		test.Fatalf("find by external ref failed: %v", err)
	}
	if found.TransactionID != first.TransactionID {
		test.Fatalf("expected %s, received %s", first.TransactionID, found.TransactionID)
	}

	if _, err := store.FindPurchaseByExternalRef(ctx, testUserID, "pi_unknown"); !errors.Is(err, ledger.ErrTransactionNotFound) {
		test.Fatalf("expected ErrTransactionNotFound, received %v", err)
	}
}

func TestTransactionsWithoutRefDoNotCollide(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)

	for index := 0; index < 3; index++ {
		insertTransaction(test, store, ledger.Transaction{
			UserID:       testUserID,
			Amount:       -5,
			BalanceAfter: int64(100 - 5*(index+1)),
			Type:         ledger.TransactionUsage,
		})
	}

	_, total, err := store.ListTransactions(context.Background(), testUserID, ledger.FilterAll, 0, 10)
	if err != nil {
		test.Fatalf("list failed: %v", err)
	}
	if total != 3 {
		test.Fatalf("expected 3 debits without external refs, received %d", total)
	}
}

func TestListTransactionsImportantFilter(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	base := time.Now().UTC().Add(-time.Hour)

	rows := []ledger.Transaction{
		{UserID: testUserID, Amount: 50, BalanceAfter: 50, Type: ledger.TransactionSignupBonus},
		{UserID: testUserID, Amount: -5, BalanceAfter: 45, Type: ledger.TransactionUsage},
		{UserID: testUserID, Amount: -30, BalanceAfter: 15, Type: ledger.TransactionUsage},
		{UserID: testUserID, Amount: 500, BalanceAfter: 515, Type: ledger.TransactionPurchase, ExternalRef: testExternalRef},
	}
	for index, row := range rows {
		row.CreatedUnixUTC = base.Add(time.Duration(index) * time.Minute).Unix()
		insertTransaction(test, store, row)
	}

	important, total, err := store.ListTransactions(context.Background(), testUserID, ledger.FilterImportant, 0, 10)
	if err != nil {
		test.Fatalf("list failed: %v", err)
	}
	if total != 3 || len(important) != 3 {
		test.Fatalf("expected 3 important rows, received total=%d len=%d", total, len(important))
	}
	for _, transaction := range important {
		if transaction.Type == ledger.TransactionUsage && transaction.Amount == -5 {
			test.Fatalf("small debit leaked through the important filter")
		}
	}
	if important[0].Amount != 500 {
		test.Fatalf("expected newest-first ordering, first amount %d", important[0].Amount)
	}

	_, allTotal, err := store.ListTransactions(context.Background(), testUserID, ledger.FilterAll, 0, 10)
	if err != nil {
		test.Fatalf("list all failed: %v", err)
	}
	if allTotal != 4 {
		test.Fatalf("expected 4 rows unfiltered, received %d", allTotal)
	}
}

func TestSumAmountsWindow(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	now := time.Now().UTC()

	insertTransaction(test, store, ledger.Transaction{
		UserID: testUserID, Amount: -40, BalanceAfter: 60,
		Type: ledger.TransactionUsage, CreatedUnixUTC: now.Add(-48 * time.Hour).Unix(),
	})
	insertTransaction(test, store, ledger.Transaction{
		UserID: testUserID, Amount: -10, BalanceAfter: 50,
		Type: ledger.TransactionUsage, CreatedUnixUTC: now.Unix(),
	})
	insertTransaction(test, store, ledger.Transaction{
		UserID: testUserID, Amount: 500, BalanceAfter: 550,
		Type: ledger.TransactionPurchase, ExternalRef: testExternalRef, CreatedUnixUTC: now.Unix(),
	})

	recent, err := store.SumAmounts(context.Background(), testUserID, ledger.TransactionUsage, now.Add(-24*time.Hour).Unix(), 0)
	if err != nil {
		test.Fatalf("sum failed: %v", err)
	}
	if recent != -10 {
		test.Fatalf("expected windowed usage sum -10, received %d", recent)
	}

	allUsage, err := store.SumAmounts(context.Background(), testUserID, ledger.TransactionUsage, 0, 0)
	if err != nil {
		test.Fatalf("sum failed: %v", err)
	}
	if allUsage != -50 {
		test.Fatalf("expected unbounded usage sum -50, received %d", allUsage)
	}

	purchased, err := store.SumAmounts(context.Background(), testUserID, ledger.TransactionPurchase, 0, 0)
	if err != nil {
		test.Fatalf("sum failed: %v", err)
	}
	if purchased != 500 {
		test.Fatalf("expected purchase sum 500, received %d", purchased)
	}
}

func TestDailyUsageBuckets(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	day := time.Date(2026, time.August, 20, 0, 0, 0, 0, time.UTC)

	insertTransaction(test, store, ledger.Transaction{
		UserID: testUserID, Amount: -15, BalanceAfter: 85,
		Type: ledger.TransactionUsage, CreatedUnixUTC: day.Add(9 * time.Hour).Unix(),
	})
	insertTransaction(test, store, ledger.Transaction{
		UserID: testUserID, Amount: -10, BalanceAfter: 75,
		Type: ledger.TransactionUsage, CreatedUnixUTC: day.Add(21 * time.Hour).Unix(),
	})
	insertTransaction(test, store, ledger.Transaction{
		UserID: testUserID, Amount: -5, BalanceAfter: 70,
		Type: ledger.TransactionUsage, CreatedUnixUTC: day.AddDate(0, 0, 1).Unix(),
	})
	insertTransaction(test, store, ledger.Transaction{
		UserID: testUserID, Amount: 500, BalanceAfter: 570,
		Type: ledger.TransactionPurchase, ExternalRef: testExternalRef, CreatedUnixUTC: day.Unix(),
	})

	points, err := store.DailyUsage(context.Background(), testUserID, day.AddDate(0, 0, -1).Unix())
	if err != nil {
		test.Fatalf("daily usage failed: %v", err)
	}
	if len(points) != 2 {
		test.Fatalf("expected 2 usage days, received %d", len(points))
	}
	if points[0].DayUnixUTC != day.Unix() || points[0].Credits != 25 {
		test.Fatalf("unexpected first bucket: %+v", points[0])
	}
	if points[1].Credits != 5 {
		test.Fatalf("unexpected second bucket: %+v", points[1])
	}
}

func TestPackageCatalog(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	ctx := context.Background()

	if _, err := store.GetPackage(ctx, "01234567-89ab-cdef-0123-456789abcdef"); !errors.Is(err, ledger.ErrPackageNotFound) {
		test.Fatalf("expected ErrPackageNotFound, received %v", err)
	}

	seedPackages(test, store)

	usd, err := store.ListActivePackages(ctx, "usd")
	if err != nil {
		test.Fatalf("list packages failed: %v", err)
	}
	if len(usd) != 2 {
		test.Fatalf("expected 2 active usd packages, received %d", len(usd))
	}
	if usd[0].Credits >= usd[1].Credits {
		test.Fatalf("expected packages ordered by credits ascending")
	}

	everything, err := store.ListActivePackages(ctx, "")
	if err != nil {
		test.Fatalf("list packages failed: %v", err)
	}
	if len(everything) != 3 {
		test.Fatalf("expected 3 active packages across currencies, received %d", len(everything))
	}

	currencies, err := store.ListPackageCurrencies(ctx)
	if err != nil {
		test.Fatalf("list currencies failed: %v", err)
	}
	if len(currencies) != 2 || currencies[0] != "eur" || currencies[1] != "usd" {
		test.Fatalf("unexpected currencies: %v", currencies)
	}
}

func seedPackages(test *testing.T, store *gormstore.Store) {
	test.Helper()
	packages := []ledger.CreditPackage{
		{Name: "Starter", Credits: 500, PriceCents: 500, Currency: "usd", Tier: "basic", IsActive: true},
		{Name: "Pro", Credits: 3000, PriceCents: 2500, Currency: "usd", Tier: "pro", SavingsPercentage: 17, IsActive: true},
		{Name: "Starter EU", Credits: 500, PriceCents: 450, Currency: "eur", Tier: "basic", IsActive: true},
		{Name: "Legacy", Credits: 100, PriceCents: 100, Currency: "usd", Tier: "basic", IsActive: false},
	}
	for _, creditPackage := range packages {
		if _, err := store.CreatePackage(context.Background(), creditPackage); err != nil {
			test.Fatalf("seed package failed: %v", err)
		}
	}
}

func TestConfigValueDefaultsToZero(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	ctx := context.Background()

	value, err := store.ConfigValue(ctx, ledger.ConfigKeySignupBonus)
	if err != nil {
		test.Fatalf("config lookup failed: %v", err)
	}
	if value != 0 {
		test.Fatalf("expected 0 for missing key, received %d", value)
	}

	if err := store.UpsertConfigValue(ctx, ledger.ConfigKeySignupBonus, 50); err != nil {
		test.Fatalf("seed config failed: %v", err)
	}
	value, err = store.ConfigValue(ctx, ledger.ConfigKeySignupBonus)
	if err != nil {
		test.Fatalf("config lookup failed: %v", err)
	}
	if value != 50 {
		test.Fatalf("expected 50, received %d", value)
	}
}

func TestInvoiceUniquePerTransaction(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	ctx := context.Background()

	purchase := insertTransaction(test, store, ledger.Transaction{
		UserID: testUserID, Amount: 500, BalanceAfter: 500,
		Type: ledger.TransactionPurchase, ExternalRef: testExternalRef,
	})

	created, err := store.CreateInvoice(ctx, ledger.Invoice{
		UserID:             testUserID,
		TransactionID:      purchase.TransactionID,
		ExternalInvoiceRef: "in_abc",
		CreatedUnixUTC:     time.Now().UTC().Unix(),
	})
	if err != nil {
		test.Fatalf("create invoice failed: %v", err)
	}
	if created.InvoiceID == "" {
		test.Fatalf("expected generated invoice id")
	}

	_, err = store.CreateInvoice(ctx, ledger.Invoice{
		UserID:             testUserID,
		TransactionID:      purchase.TransactionID,
		ExternalInvoiceRef: "in_other",
	})
	if !errors.Is(err, ledger.ErrInvoiceExists) {
		test.Fatalf("expected ErrInvoiceExists, received %v", err)
	}

	byTransaction, err := store.FindInvoiceByTransaction(ctx, purchase.TransactionID)
	if err != nil {
		test.Fatalf("find invoice failed: %v", err)
	}
	if byTransaction.InvoiceID != created.InvoiceID {
		test.Fatalf("expected %s, received %s", created.InvoiceID, byTransaction.InvoiceID)
	}

	byID, err := store.GetInvoice(ctx, testUserID, created.InvoiceID)
	if err != nil {
		test.Fatalf("get invoice failed: %v", err)
	}
	if byID.ExternalInvoiceRef != "in_abc" {
		test.Fatalf("unexpected invoice ref: %s", byID.ExternalInvoiceRef)
	}

	if _, err := store.GetInvoice(ctx, otherUserID, created.InvoiceID); !errors.Is(err, ledger.ErrInvoiceNotFound) {
		test.Fatalf("expected ErrInvoiceNotFound for foreign user, received %v", err)
	}
}

func TestWithTxRollsBackOnError(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	ctx := context.Background()
	seedBalance(test, store, testUserID, 100)

	sentinel := errors.New("unit of work failed")
	err := store.WithTx(ctx, func(ctx context.Context, txStore ledger.Store) error {
		if err := txStore.UpdateBalance(ctx, testUserID, 70, 100); err != nil {
			return err
		}
		if _, err := txStore.InsertTransaction(ctx, ledger.Transaction{
			UserID: testUserID, Amount: -30, BalanceAfter: 70, Type: ledger.TransactionUsage,
		}); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		test.Fatalf("expected sentinel error, received %v", err)
	}

	balance, err := store.GetBalance(ctx, testUserID)
	if err != nil {
		test.Fatalf("get balance failed: %v", err)
	}
	if balance.Balance != 100 {
		test.Fatalf("expected rollback to restore 100, received %d", balance.Balance)
	}
	_, total, err := store.ListTransactions(ctx, testUserID, ledger.FilterAll, 0, 10)
	if err != nil {
		test.Fatalf("list failed: %v", err)
	}
	if total != 0 {
		test.Fatalf("expected rolled-back transaction to vanish, received %d rows", total)
	}
}
