package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/credits/internal/purchase"
	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
)

const (
	defaultHistoryPage  = 1
	defaultHistoryLimit = 20

	eventPaymentSucceeded = "payment.succeeded"
	eventAccountCreated   = "account.created"

	webhookStatusProcessed = "processed"
	webhookStatusDuplicate = "duplicate"
	webhookStatusIgnored   = "ignored"
	webhookStatusFailed    = "failed"
)

type httpHandler struct {
	logger    *zap.Logger
	ledger    *ledger.Service
	purchases *purchase.Reconciler
	cfg       Config
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	userID, ok := handler.requestUserID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	balance, err := handler.ledger.Balance(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"balance":          balance.Balance,
		"lifetime_credits": balance.LifetimeCredits,
		"tier":             balance.Tier,
	})
}

type spendRequest struct {
	Amount int64 `json:"amount"`
}

func (handler *httpHandler) handleSpend(ctx *gin.Context) {
	userID, ok := handler.requestUserID(ctx)
	if !ok {
		return
	}
	var request spendRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body with amount"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	result, err := handler.ledger.Spend(requestCtx, userID, request.Amount)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"success":           true,
		"remaining_credits": result.RemainingCredits,
		"transaction_id":    result.TransactionID,
	})
}

func (handler *httpHandler) handleTransactions(ctx *gin.Context) {
	userID, ok := handler.requestUserID(ctx)
	if !ok {
		return
	}
	page, err := intQuery(ctx, "page", defaultHistoryPage)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_page", "page must be an integer"))
		return
	}
	limit, err := intQuery(ctx, "limit", defaultHistoryLimit)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_limit", "limit must be an integer"))
		return
	}
	filter := ledger.FilterImportant
	if raw := ctx.Query("filter"); raw != "" {
		filter, err = ledger.ParseHistoryFilter(raw)
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	historyPage, err := handler.ledger.Transactions(requestCtx, userID, page, limit, filter)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}

	transactions := make([]transactionPayload, 0, len(historyPage.Transactions))
	for _, transaction := range historyPage.Transactions {
		transactions = append(transactions, mapTransactionPayload(transaction))
	}
	usageData := make([]usagePayload, 0, len(historyPage.UsageSeries))
	for _, point := range historyPage.UsageSeries {
		usageData = append(usageData, usagePayload{DayUnixUTC: point.DayUnixUTC, Credits: point.Credits})
	}
	ctx.JSON(http.StatusOK, gin.H{
		"transactions": transactions,
		"usage_data":   usageData,
		"pagination": gin.H{
			"currentPage":  historyPage.Pagination.CurrentPage,
			"totalPages":   historyPage.Pagination.TotalPages,
			"totalItems":   historyPage.Pagination.TotalItems,
			"itemsPerPage": historyPage.Pagination.ItemsPerPage,
		},
	})
}

func (handler *httpHandler) handleStats(ctx *gin.Context) {
	userID, ok := handler.requestUserID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	stats, err := handler.ledger.Stats(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"available_credits": stats.AvailableCredits,
		"used_this_month":   stats.UsedThisMonth,
		"purchased_total":   stats.PurchasedTotal,
		"lifetime_usage":    stats.LifetimeUsage,
	})
}

func (handler *httpHandler) handlePackages(ctx *gin.Context) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	packages, err := handler.ledger.Packages(requestCtx, ctx.Query("currency"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := make([]packagePayload, 0, len(packages))
	for _, creditPackage := range packages {
		payload = append(payload, packagePayload{
			PackageID:         creditPackage.PackageID,
			Name:              creditPackage.Name,
			Credits:           creditPackage.Credits,
			PriceCents:        creditPackage.PriceCents,
			Currency:          creditPackage.Currency,
			Tier:              creditPackage.Tier,
			SavingsPercentage: creditPackage.SavingsPercentage,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"packages": payload})
}

func (handler *httpHandler) handleCurrencies(ctx *gin.Context) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	currencies, err := handler.ledger.Currencies(requestCtx)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"currencies": currencies})
}

type createIntentRequest struct {
	PackageID string `json:"package_id"`
}

func (handler *httpHandler) handleCreateIntent(ctx *gin.Context) {
	userID, ok := handler.requestUserID(ctx)
	if !ok {
		return
	}
	var request createIntentRequest
	if err := ctx.ShouldBindJSON(&request); err != nil || request.PackageID == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body with package_id"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	intent, err := handler.purchases.CreateIntent(requestCtx, userID, request.PackageID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"client_secret": intent.ClientSecret,
		"amount":        intent.AmountCents,
		"currency":      intent.Currency,
	})
}

func (handler *httpHandler) handleInvoiceDocument(ctx *gin.Context) {
	userID, ok := handler.requestUserID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	documentURL, err := handler.purchases.InvoiceDocumentURL(requestCtx, userID, ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"url": documentURL})
}

func (handler *httpHandler) handleReissueInvoice(ctx *gin.Context) {
	userID, ok := handler.requestUserID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	invoice, err := handler.purchases.ReissueInvoice(requestCtx, userID, ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"invoice_id":           invoice.InvoiceID,
		"transaction_id":       invoice.TransactionID,
		"external_invoice_ref": invoice.ExternalInvoiceRef,
	})
}

type webhookEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type paymentEventData struct {
	PaymentIntentID string `json:"payment_intent_id"`
	UserID          string `json:"user_id"`
	Credits         int64  `json:"credits"`
	AmountPaid      int64  `json:"amount_paid"`
	Currency        string `json:"currency"`
}

// handlePaymentWebhook accepts at-least-once confirmed-payment deliveries.
// Every accepted delivery answers 200 so the sender stops retrying; replays
// are no-ops.
func (handler *httpHandler) handlePaymentWebhook(ctx *gin.Context) {
	var envelope webhookEnvelope
	if err := ctx.ShouldBindJSON(&envelope); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON event"))
		return
	}
	if envelope.Type != eventPaymentSucceeded {
		webhookDeliveries.WithLabelValues(envelope.Type, webhookStatusIgnored).Inc()
		ctx.JSON(http.StatusOK, gin.H{"received": true})
		return
	}
	var data paymentEventData
	if err := json.Unmarshal(envelope.Data, &data); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "malformed event data"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	granted, err := handler.purchases.HandleConfirmation(requestCtx, purchase.ConfirmationEvent{
		ExternalRef:     data.PaymentIntentID,
		UserID:          data.UserID,
		Credits:         data.Credits,
		AmountPaidCents: data.AmountPaid,
		Currency:        data.Currency,
	})
	if err != nil {
		webhookDeliveries.WithLabelValues(envelope.Type, webhookStatusFailed).Inc()
		handler.respondError(ctx, err)
		return
	}
	webhookDeliveries.WithLabelValues(envelope.Type, webhookStatusProcessed).Inc()
	ctx.JSON(http.StatusOK, gin.H{
		"received":       true,
		"transaction_id": granted.TransactionID,
	})
}

type accountEventData struct {
	UserID string `json:"user_id"`
}

// handleAccountWebhook initializes a balance row for a freshly signed-up
// user. A replayed signup answers 200 without granting twice.
func (handler *httpHandler) handleAccountWebhook(ctx *gin.Context) {
	var envelope webhookEnvelope
	if err := ctx.ShouldBindJSON(&envelope); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON event"))
		return
	}
	if envelope.Type != eventAccountCreated {
		webhookDeliveries.WithLabelValues(envelope.Type, webhookStatusIgnored).Inc()
		ctx.JSON(http.StatusOK, gin.H{"received": true})
		return
	}
	var data accountEventData
	if err := json.Unmarshal(envelope.Data, &data); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "malformed event data"))
		return
	}
	userID, err := ledger.NewUserID(data.UserID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	balance, err := handler.ledger.InitializeAccount(requestCtx, userID)
	if errors.Is(err, ledger.ErrBalanceExists) {
		webhookDeliveries.WithLabelValues(envelope.Type, webhookStatusDuplicate).Inc()
		ctx.JSON(http.StatusOK, gin.H{"received": true})
		return
	}
	if err != nil {
		webhookDeliveries.WithLabelValues(envelope.Type, webhookStatusFailed).Inc()
		handler.respondError(ctx, err)
		return
	}
	webhookDeliveries.WithLabelValues(envelope.Type, webhookStatusProcessed).Inc()
	ctx.JSON(http.StatusOK, gin.H{
		"received": true,
		"balance":  balance.Balance,
	})
}

func (handler *httpHandler) requestUserID(ctx *gin.Context) (ledger.UserID, bool) {
	raw := authenticatedUserID(ctx)
	userID, err := ledger.NewUserID(raw)
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return ledger.UserID{}, false
	}
	return userID, true
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
}

func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientCredits):
		ctx.JSON(http.StatusPaymentRequired, errorResponse("insufficient_credits", "Insufficient credits"))
	case errors.Is(err, ledger.ErrBalanceNotFound):
		// The balance row is created at signup; an authenticated user
		// without one is a provisioning fault, not a client error.
		handler.logger.Error("balance row missing for authenticated user", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "internal error"))
	case errors.Is(err, ledger.ErrTransactionNotFound),
		errors.Is(err, ledger.ErrPackageNotFound),
		errors.Is(err, ledger.ErrInvoiceNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("not_found", "resource not found"))
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidUserID),
		errors.Is(err, ledger.ErrInvalidPage),
		errors.Is(err, ledger.ErrInvalidLimit),
		errors.Is(err, ledger.ErrInvalidFilter),
		errors.Is(err, ledger.ErrInvalidMetadataJSON),
		errors.Is(err, ledger.ErrPackageInactive):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
	case errors.Is(err, purchase.ErrProviderFailure):
		handler.logger.Error("payment provider failure", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("provider_error", "payment provider unavailable"))
	default:
		handler.logger.Error("request failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "internal error"))
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

func intQuery(ctx *gin.Context, name string, fallback int) (int, error) {
	raw := ctx.Query(name)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

type transactionPayload struct {
	TransactionID  string          `json:"transaction_id"`
	Amount         int64           `json:"amount"`
	BalanceAfter   int64           `json:"balance_after"`
	Type           string          `json:"type"`
	Description    string          `json:"description"`
	ExternalRef    string          `json:"external_ref,omitempty"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}

type usagePayload struct {
	DayUnixUTC int64 `json:"day_unix_utc"`
	Credits    int64 `json:"credits"`
}

type packagePayload struct {
	PackageID         string `json:"package_id"`
	Name              string `json:"name"`
	Credits           int64  `json:"credits"`
	PriceCents        int64  `json:"price_cents"`
	Currency          string `json:"currency"`
	Tier              string `json:"tier"`
	SavingsPercentage int64  `json:"savings_percentage"`
}

func mapTransactionPayload(transaction ledger.Transaction) transactionPayload {
	return transactionPayload{
		TransactionID:  transaction.TransactionID,
		Amount:         transaction.Amount,
		BalanceAfter:   transaction.BalanceAfter,
		Type:           transaction.Type.String(),
		Description:    transaction.Description,
		ExternalRef:    transaction.ExternalRef,
		Metadata:       json.RawMessage(transaction.MetadataJSON),
		CreatedUnixUTC: transaction.CreatedUnixUTC,
	}
}
