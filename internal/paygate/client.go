// Package paygate is the HTTP client for the external payment processor. It
// implements purchase.PaymentGateway against the processor's JSON API.
package paygate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/credits/internal/purchase"
	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
)

const (
	defaultTimeout = 10 * time.Second

	pathPaymentIntents = "/v1/payment_intents"
	pathCustomers      = "/v1/customers"
	pathInvoices       = "/v1/invoices"

	headerAuthorization = "Authorization"
	headerContentType   = "Content-Type"
	headerIdempotency   = "Idempotency-Key"
	contentTypeJSON     = "application/json"
)

// ErrGatewayStatus marks non-2xx processor responses.
var ErrGatewayStatus = errors.New("payment gateway returned error status")

// Config holds the processor connection settings.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Validate checks the configuration for required fields.
func (config Config) Validate() error {
	if strings.TrimSpace(config.BaseURL) == "" {
		return fmt.Errorf("%w: gateway base url is required", ledger.ErrInvalidServiceConfig)
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return fmt.Errorf("%w: gateway base url: %v", ledger.ErrInvalidServiceConfig, err)
	}
	if strings.TrimSpace(config.APIKey) == "" {
		return fmt.Errorf("%w: gateway api key is required", ledger.ErrInvalidServiceConfig)
	}
	return nil
}

// Client talks to the payment processor.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient builds a Client from config.
func NewClient(config Config, logger *zap.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		apiKey:     config.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}, nil
}

type intentPayload struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Metadata map[string]string `json:"metadata"`
}

type intentResponse struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
}

// CreateIntent asks the processor to prepare a charge. The package id doubles
// as the idempotency key scope so a retried request does not open a second
// intent for the same click.
func (client *Client) CreateIntent(ctx context.Context, request purchase.IntentRequest) (purchase.Intent, error) {
	payload := intentPayload{
		Amount:   request.AmountCents,
		Currency: request.Currency,
		Metadata: map[string]string{
			"user_id":    request.UserID,
			"package_id": request.PackageID,
			"credits":    fmt.Sprintf("%d", request.Credits),
		},
	}
	var decoded intentResponse
	idempotencyKey := request.UserID + ":" + request.PackageID
	if err := client.postJSON(ctx, pathPaymentIntents, payload, &decoded, idempotencyKey); err != nil {
		return purchase.Intent{}, err
	}
	client.logger.Debug("payment intent created",
		zap.String("intent_id", decoded.ID),
		zap.String("user_id", request.UserID))
	return purchase.Intent{
		ClientSecret: decoded.ClientSecret,
		AmountCents:  decoded.Amount,
		Currency:     decoded.Currency,
	}, nil
}

type customerPayload struct {
	ExternalID string `json:"external_id"`
}

type customerResponse struct {
	ID string `json:"id"`
}

// EnsureCustomer resolves the processor-side customer for a user, creating it
// on first use. The processor upserts on external_id.
func (client *Client) EnsureCustomer(ctx context.Context, userID string) (string, error) {
	var decoded customerResponse
	if err := client.postJSON(ctx, pathCustomers, customerPayload{ExternalID: userID}, &decoded, ""); err != nil {
		return "", err
	}
	return decoded.ID, nil
}

type invoicePayload struct {
	CustomerID  string `json:"customer_id"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Description string `json:"description"`
}

type invoiceResponse struct {
	ID string `json:"id"`
}

// IssueInvoice creates a settled invoice document on the processor side.
func (client *Client) IssueInvoice(ctx context.Context, customerID string, request purchase.InvoiceRequest) (string, error) {
	payload := invoicePayload{
		CustomerID:  customerID,
		Amount:      request.AmountCents,
		Currency:    request.Currency,
		Description: request.Description,
	}
	var decoded invoiceResponse
	if err := client.postJSON(ctx, pathInvoices, payload, &decoded, ""); err != nil {
		return "", err
	}
	return decoded.ID, nil
}

type invoiceDocumentResponse struct {
	HostedInvoiceURL string `json:"hosted_invoice_url"`
}

// InvoiceDocumentURL fetches the hosted document link for an issued invoice.
func (client *Client) InvoiceDocumentURL(ctx context.Context, externalInvoiceRef string) (string, error) {
	var decoded invoiceDocumentResponse
	if err := client.getJSON(ctx, pathInvoices+"/"+url.PathEscape(externalInvoiceRef), &decoded); err != nil {
		return "", err
	}
	return decoded.HostedInvoiceURL, nil
}

func (client *Client) postJSON(ctx context.Context, path string, payload any, target any, idempotencyKey string) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request for %s: %w", path, err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, client.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("build request for %s: %w", path, err)
	}
	request.Header.Set(headerContentType, contentTypeJSON)
	if idempotencyKey != "" {
		request.Header.Set(headerIdempotency, idempotencyKey)
	}
	return client.send(request, target)
}

func (client *Client) getJSON(ctx context.Context, path string, target any) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, client.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request for %s: %w", path, err)
	}
	return client.send(request, target)
}

func (client *Client) send(request *http.Request, target any) error {
	request.Header.Set(headerAuthorization, "Bearer "+client.apiKey)
	response, err := client.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("gateway request %s: %w", request.URL.Path, err)
	}
	defer response.Body.Close()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
		client.logger.Warn("gateway request rejected",
			zap.String("path", request.URL.Path),
			zap.Int("status", response.StatusCode),
			zap.ByteString("body", body))
		return fmt.Errorf("%w: %s returned %d", ErrGatewayStatus, request.URL.Path, response.StatusCode)
	}
	if target == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		return fmt.Errorf("decode response from %s: %w", request.URL.Path, err)
	}
	return nil
}
