// Package purchase turns confirmed payments from the external processor into
// exactly-once credit grants plus best-effort invoice records. The ledger
// grant commits first; invoicing runs strictly after and can never unwind it.
package purchase

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
	"go.uber.org/zap"
)

// PaymentGateway is the boundary to the external payment processor. Intent
// handles are opaque; invoice documents stay hosted on the processor side.
type PaymentGateway interface {
	CreateIntent(ctx context.Context, request IntentRequest) (Intent, error)
	EnsureCustomer(ctx context.Context, userID string) (string, error)
	IssueInvoice(ctx context.Context, customerID string, request InvoiceRequest) (string, error)
	InvoiceDocumentURL(ctx context.Context, externalInvoiceRef string) (string, error)
}

// IntentRequest describes the charge the gateway should prepare.
type IntentRequest struct {
	UserID      string
	PackageID   string
	Credits     int64
	AmountCents int64
	Currency    string
}

// Intent is the opaque client handle returned to the purchasing client.
type Intent struct {
	ClientSecret string
	AmountCents  int64
	Currency     string
}

// InvoiceRequest describes the invoice the gateway should issue for an
// already-settled payment.
type InvoiceRequest struct {
	AmountCents int64
	Currency    string
	Description string
}

// ConfirmationEvent is one confirmed-payment delivery. The processor delivers
// at least once; ExternalRef is the deduplication key.
type ConfirmationEvent struct {
	ExternalRef     string
	UserID          string
	Credits         int64
	AmountPaidCents int64
	Currency        string
}

// Reconciler consumes confirmed payments and reconciles them against the
// ledger and the gateway's invoicing side.
type Reconciler struct {
	ledger  *ledger.Service
	store   ledger.Store
	gateway PaymentGateway
	nowFn   func() int64
	logger  *zap.Logger
}

// NewReconciler wires a Reconciler.
func NewReconciler(ledgerService *ledger.Service, store ledger.Store, gateway PaymentGateway, now func() int64, logger *zap.Logger) (*Reconciler, error) {
	if ledgerService == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", ledger.ErrInvalidServiceConfig)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ledger.ErrInvalidServiceConfig)
	}
	if gateway == nil {
		return nil, fmt.Errorf("%w: gateway dependency is nil", ledger.ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ledger.ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		ledger:  ledgerService,
		store:   store,
		gateway: gateway,
		nowFn:   now,
		logger:  logger,
	}, nil
}

// CreateIntent validates the requested package and asks the gateway to
// prepare the charge. No ledger state changes here; an intent that never
// confirms is a dead end with no ledger effect.
func (reconciler *Reconciler) CreateIntent(ctx context.Context, userID ledger.UserID, packageID string) (Intent, error) {
	creditPackage, err := reconciler.store.GetPackage(ctx, packageID)
	if err != nil {
		return Intent{}, err
	}
	if !creditPackage.IsActive {
		return Intent{}, fmt.Errorf("%w: %s", ledger.ErrPackageInactive, packageID)
	}
	intent, err := reconciler.gateway.CreateIntent(ctx, IntentRequest{
		UserID:      userID.String(),
		PackageID:   creditPackage.PackageID,
		Credits:     creditPackage.Credits,
		AmountCents: creditPackage.PriceCents,
		Currency:    creditPackage.Currency,
	})
	if err != nil {
		return Intent{}, fmt.Errorf("%w: create intent: %v", ErrProviderFailure, err)
	}
	return intent, nil
}

// HandleConfirmation grants credits for a confirmed payment exactly once and
// then attempts invoicing. A replayed delivery is a no-op success. Invoicing
// failures are logged and left for ReissueInvoice; they never surface as a
// confirmation failure because the grant is already durable.
func (reconciler *Reconciler) HandleConfirmation(ctx context.Context, event ConfirmationEvent) (ledger.Transaction, error) {
	userID, err := ledger.NewUserID(event.UserID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	metadata, err := ledger.MetadataFromPairs(map[string]string{
		"payment_intent_id": event.ExternalRef,
		"amount_paid":       strconv.FormatInt(event.AmountPaidCents, 10),
		"currency":          event.Currency,
	})
	if err != nil {
		return ledger.Transaction{}, err
	}
	granted, first, err := reconciler.recordGrant(ctx, userID, event, metadata)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if !first {
		reconciler.logger.Info("duplicate payment confirmation ignored",
			zap.String("user_id", event.UserID),
			zap.String("external_ref", event.ExternalRef))
		return granted, nil
	}
	if err := reconciler.issueInvoice(ctx, userID, granted, event.AmountPaidCents, event.Currency); err != nil {
		reconciler.logger.Error("invoice issuance failed; grant is committed and invoicing will be retried",
			zap.String("user_id", event.UserID),
			zap.String("transaction_id", granted.TransactionID),
			zap.Error(err))
	}
	return granted, nil
}

func (reconciler *Reconciler) recordGrant(ctx context.Context, userID ledger.UserID, event ConfirmationEvent, metadata ledger.MetadataJSON) (ledger.Transaction, bool, error) {
	granted, first, err := reconciler.ledger.RecordPurchase(ctx, userID, event.Credits, event.ExternalRef, metadata)
	if err == nil {
		return granted, first, nil
	}
	// A concurrent delivery can lose the insert race on the external-ref
	// index after passing the lookup; the winner's grant is the one that
	// counts, so the loser reads it back and reports a replay.
	if errors.Is(err, ledger.ErrDuplicateExternalRef) {
		existing, findErr := reconciler.store.FindPurchaseByExternalRef(ctx, userID.String(), event.ExternalRef)
		if findErr != nil {
			return ledger.Transaction{}, false, err
		}
		return existing, false, nil
	}
	return ledger.Transaction{}, false, err
}

// ReissueInvoice retries invoicing for an already-committed purchase
// transaction. It is keyed off the durable transaction id, so at most one
// invoice ever exists per transaction.
func (reconciler *Reconciler) ReissueInvoice(ctx context.Context, userID ledger.UserID, transactionID string) (ledger.Invoice, error) {
	transaction, err := reconciler.store.GetTransaction(ctx, userID.String(), transactionID)
	if err != nil {
		return ledger.Invoice{}, err
	}
	if transaction.Type != ledger.TransactionPurchase {
		return ledger.Invoice{}, fmt.Errorf("%w: %s is not a purchase", ledger.ErrTransactionNotFound, transactionID)
	}
	amountPaid, currency := paidAmountFromMetadata(transaction)
	if err := reconciler.issueInvoice(ctx, userID, transaction, amountPaid, currency); err != nil {
		return ledger.Invoice{}, err
	}
	return reconciler.store.FindInvoiceByTransaction(ctx, transaction.TransactionID)
}

// InvoiceDocumentURL resolves the hosted document for an invoice the user
// owns.
func (reconciler *Reconciler) InvoiceDocumentURL(ctx context.Context, userID ledger.UserID, invoiceID string) (string, error) {
	invoice, err := reconciler.store.GetInvoice(ctx, userID.String(), invoiceID)
	if err != nil {
		return "", err
	}
	documentURL, err := reconciler.gateway.InvoiceDocumentURL(ctx, invoice.ExternalInvoiceRef)
	if err != nil {
		return "", fmt.Errorf("%w: invoice document: %v", ErrProviderFailure, err)
	}
	return documentURL, nil
}

func (reconciler *Reconciler) issueInvoice(ctx context.Context, userID ledger.UserID, transaction ledger.Transaction, amountPaidCents int64, currency string) error {
	if _, err := reconciler.store.FindInvoiceByTransaction(ctx, transaction.TransactionID); err == nil {
		return nil
	} else if !errors.Is(err, ledger.ErrInvoiceNotFound) {
		return err
	}
	customerID, err := reconciler.gateway.EnsureCustomer(ctx, userID.String())
	if err != nil {
		return fmt.Errorf("%w: ensure customer: %v", ErrProviderFailure, err)
	}
	externalInvoiceRef, err := reconciler.gateway.IssueInvoice(ctx, customerID, InvoiceRequest{
		AmountCents: amountPaidCents,
		Currency:    currency,
		Description: fmt.Sprintf("Credit purchase: %d credits", transaction.Amount),
	})
	if err != nil {
		return fmt.Errorf("%w: issue invoice: %v", ErrProviderFailure, err)
	}
	_, err = reconciler.store.CreateInvoice(ctx, ledger.Invoice{
		UserID:             userID.String(),
		TransactionID:      transaction.TransactionID,
		ExternalInvoiceRef: externalInvoiceRef,
		CreatedUnixUTC:     reconciler.nowFn(),
	})
	if errors.Is(err, ledger.ErrInvoiceExists) {
		return nil
	}
	return err
}

func paidAmountFromMetadata(transaction ledger.Transaction) (int64, string) {
	var decoded struct {
		AmountPaid string `json:"amount_paid"`
		Currency   string `json:"currency"`
	}
	if err := unmarshalMetadata(transaction.MetadataJSON, &decoded); err != nil {
		return 0, ""
	}
	amountPaid, _ := strconv.ParseInt(decoded.AmountPaid, 10, 64)
	return amountPaid, decoded.Currency
}
