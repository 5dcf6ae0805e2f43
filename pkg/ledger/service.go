package ledger

import (
	"context"
	"errors"
	"fmt"
)

// Service contains the domain logic over a Store.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns the current credit standing for a user.
func (service *Service) Balance(ctx context.Context, userID UserID) (Balance, error) {
	return service.store.GetBalance(ctx, userID.String())
}

// Mutate applies one signed balance change and appends the matching
// transaction within a single unit of work. The balance row is read under an
// exclusive lock, so concurrent mutations for the same user serialize at the
// commit boundary. Debits that would push the balance negative are rejected
// with ErrInsufficientCredits and leave no trace.
func (service *Service) Mutate(ctx context.Context, userID UserID, amount int64, transactionType TransactionType, description string, metadata MetadataJSON) (Transaction, error) {
	if amount == 0 {
		return Transaction{}, fmt.Errorf("%w: amount must be non-zero", ErrInvalidAmount)
	}
	var committed Transaction
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		var err error
		committed, err = service.mutateLocked(ctx, transactionStore, userID, amount, transactionType, description, metadata, "")
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationMutate,
		UserID:        userID,
		Amount:        amount,
		TransactionID: committed.TransactionID,
		Metadata:      metadata,
		Error:         operationError,
	})
	if operationError != nil {
		return Transaction{}, operationError
	}
	return committed, nil
}

// Spend debits a positive amount from the user's balance. The availability
// check and the debit run under the same row lock, so two concurrent spends
// can never jointly overdraw the account.
func (service *Service) Spend(ctx context.Context, userID UserID, amount int64) (SpendResult, error) {
	if amount <= 0 {
		return SpendResult{}, fmt.Errorf("%w: spend amount must be positive", ErrInvalidAmount)
	}
	var committed Transaction
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		var err error
		committed, err = service.mutateLocked(ctx, transactionStore, userID, -amount, TransactionUsage, descriptionCreditsSpent, MetadataJSON{}, "")
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationSpend,
		UserID:        userID,
		Amount:        -amount,
		TransactionID: committed.TransactionID,
		Error:         operationError,
	})
	if operationError != nil {
		return SpendResult{}, operationError
	}
	return SpendResult{
		RemainingCredits: committed.BalanceAfter,
		TransactionID:    committed.TransactionID,
	}, nil
}

// RecordPurchase grants purchased credits exactly once per external payment
// reference. The dedup lookup and the grant share one unit of work; a
// replayed confirmation returns the original transaction and granted=false.
func (service *Service) RecordPurchase(ctx context.Context, userID UserID, credits int64, externalRef string, metadata MetadataJSON) (Transaction, bool, error) {
	if credits <= 0 {
		return Transaction{}, false, fmt.Errorf("%w: purchase credits must be positive", ErrInvalidAmount)
	}
	if externalRef == "" {
		return Transaction{}, false, fmt.Errorf("%w: external reference is required", ErrInvalidAmount)
	}
	var committed Transaction
	granted := false
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		existing, err := transactionStore.FindPurchaseByExternalRef(ctx, userID.String(), externalRef)
		if err == nil {
			committed = existing
			return nil
		}
		if !errors.Is(err, ErrTransactionNotFound) {
			return err
		}
		committed, err = service.mutateLocked(ctx, transactionStore, userID, credits, TransactionPurchase, descriptionPurchase, metadata, externalRef)
		if err != nil {
			return err
		}
		granted = true
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationPurchase,
		UserID:        userID,
		Amount:        credits,
		TransactionID: committed.TransactionID,
		ExternalRef:   externalRef,
		Metadata:      metadata,
		Error:         operationError,
	})
	if operationError != nil {
		return Transaction{}, false, operationError
	}
	return committed, granted, nil
}

// InitializeAccount creates the balance row for a newly registered user and
// records the configured signup bonus through the same mutation path as every
// other grant. The row is created even when the bonus is zero so later
// mutations have something to lock. Re-initialization fails with
// ErrBalanceExists.
func (service *Service) InitializeAccount(ctx context.Context, userID UserID) (Balance, error) {
	var created Balance
	var bonus int64
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		var err error
		bonus, err = transactionStore.ConfigValue(ctx, ConfigKeySignupBonus)
		if err != nil {
			return err
		}
		if bonus < 0 {
			// A misconfigured bonus must not open the account overdrawn.
			bonus = 0
		}
		created = Balance{
			UserID:          userID.String(),
			Balance:         bonus,
			LifetimeCredits: bonus,
			Tier:            DefaultTier,
			UpdatedUnixUTC:  service.nowFn(),
		}
		if err := transactionStore.CreateBalance(ctx, created); err != nil {
			return err
		}
		if bonus <= 0 {
			return nil
		}
		_, err = transactionStore.InsertTransaction(ctx, Transaction{
			UserID:         userID.String(),
			Amount:         bonus,
			BalanceAfter:   bonus,
			Type:           TransactionSignupBonus,
			Description:    descriptionSignupBonus,
			MetadataJSON:   "{}",
			CreatedUnixUTC: service.nowFn(),
		})
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationSignup,
		UserID:    userID,
		Amount:    bonus,
		Error:     operationError,
	})
	if operationError != nil {
		return Balance{}, operationError
	}
	return created, nil
}

// mutateLocked performs the read-compute-write-append sequence against an
// already-open unit of work. Callers own the surrounding WithTx.
func (service *Service) mutateLocked(ctx context.Context, transactionStore Store, userID UserID, amount int64, transactionType TransactionType, description string, metadata MetadataJSON, externalRef string) (Transaction, error) {
	locked, err := transactionStore.GetBalanceForUpdate(ctx, userID.String())
	if err != nil {
		return Transaction{}, err
	}
	newBalance := locked.Balance + amount
	if amount < 0 && newBalance < 0 {
		return Transaction{}, ErrInsufficientCredits
	}
	lifetime := locked.LifetimeCredits
	if amount > 0 {
		lifetime += amount
	}
	if err := transactionStore.UpdateBalance(ctx, userID.String(), newBalance, lifetime); err != nil {
		return Transaction{}, err
	}
	return transactionStore.InsertTransaction(ctx, Transaction{
		UserID:         userID.String(),
		Amount:         amount,
		BalanceAfter:   newBalance,
		Type:           transactionType,
		Description:    description,
		ExternalRef:    externalRef,
		MetadataJSON:   metadata.String(),
		CreatedUnixUTC: service.nowFn(),
	})
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
