package stripegateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/mailcredit/pkg/credits"
	"github.com/MarkoPoloResearchLab/mailcredit/pkg/money"
)

const (
	defaultBaseURL = "https://api.stripe.com"
	defaultTimeout = 12 * time.Second

	metadataPurposeTopup = "credit_topup"
)

// ErrGatewayRequest wraps transport and API failures from the payment
// provider.
var ErrGatewayRequest = errors.New("stripe request failed")

// Client is a thin REST client for the Stripe API surface this service
// needs: price lookup, checkout sessions, and the invoice/subscription
// reads the webhook parser falls back to.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// ClientOption configures a Client instance.
type ClientOption func(*Client)

// WithBaseURL points the client at a non-production API host.
func WithBaseURL(baseURL string) ClientOption {
	return func(client *Client) {
		trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
		if trimmed != "" {
			client.baseURL = trimmed
		}
	}
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(client *Client) {
		if httpClient != nil {
			client.httpClient = httpClient
		}
	}
}

// NewClient returns a Client authenticated with the given secret key.
func NewClient(apiKey string, options ...ClientOption) (*Client, error) {
	trimmed := strings.TrimSpace(apiKey)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty api key", ErrGatewayRequest)
	}
	client := &Client{
		apiKey:     trimmed,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, option := range options {
		if option != nil {
			option(client)
		}
	}
	return client, nil
}

// UnitPrice fetches the per-credit price in minor units. Stripe reports
// sub-cent prices only through unit_amount_decimal, so that field wins over
// the integer unit_amount when both are present.
func (client *Client) UnitPrice(ctx context.Context, priceID credits.PriceID) (credits.GatewayPrice, error) {
	var price stripePrice
	if err := client.doRequest(ctx, http.MethodGet, "/v1/prices/"+priceID.String(), nil, "", &price); err != nil {
		return credits.GatewayPrice{}, err
	}
	amountText := strings.TrimSpace(price.UnitAmountDecimal)
	if amountText == "" {
		if price.UnitAmount == nil {
			return credits.GatewayPrice{}, fmt.Errorf("%w: price %s has no unit amount", ErrGatewayRequest, priceID.String())
		}
		amountText = strconv.FormatInt(*price.UnitAmount, 10)
	}
	unitAmount, err := money.Parse(amountText)
	if err != nil {
		return credits.GatewayPrice{}, fmt.Errorf("%w: price %s has malformed unit amount %q", ErrGatewayRequest, priceID.String(), amountText)
	}
	return credits.GatewayPrice{
		UnitAmountCents: unitAmount,
		Currency:        strings.ToLower(strings.TrimSpace(price.Currency)),
	}, nil
}

// CreateTopupCheckout opens a one-time payment session charging the
// server-computed integer-cent total. The purchase details ride in the
// session metadata and come back on checkout.session.completed.
func (client *Client) CreateTopupCheckout(ctx context.Context, params credits.TopupCheckoutParams) (string, error) {
	productName := fmt.Sprintf("%d email verification credits", params.Credits)
	description := fmt.Sprintf("%d credits at %s %s each", params.Credits, params.UnitPriceLabel, strings.ToUpper(params.Currency))

	values := url.Values{}
	values.Set("mode", "payment")
	values.Set("client_reference_id", params.TenantID.String())
	values.Set("success_url", params.SuccessURL)
	values.Set("cancel_url", params.CancelURL)
	values.Set("metadata[purpose]", metadataPurposeTopup)
	values.Set("metadata[user_id]", params.TenantID.String())
	values.Set("metadata[credits]", strconv.FormatInt(params.Credits, 10))
	values.Set("metadata[source_price_id]", params.PriceID.String())
	values.Set("line_items[0][price_data][currency]", params.Currency)
	values.Set("line_items[0][price_data][product_data][name]", productName)
	values.Set("line_items[0][price_data][product_data][description]", description)
	values.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(params.TotalCents, 10))
	values.Set("line_items[0][quantity]", "1")
	if params.CustomerID != "" {
		values.Set("customer", params.CustomerID)
	} else {
		values.Set("customer_creation", "always")
		if params.CustomerEmail != "" {
			values.Set("customer_email", params.CustomerEmail)
		}
	}

	var session stripeCheckoutSession
	idempotencyKey := "topup:" + params.TenantID.String() + ":" + strconv.FormatInt(params.TotalCents, 10)
	if err := client.doRequest(ctx, http.MethodPost, "/v1/checkout/sessions", values, idempotencyKey, &session); err != nil {
		return "", err
	}
	if strings.TrimSpace(session.URL) == "" {
		return "", fmt.Errorf("%w: checkout session %s has no url", ErrGatewayRequest, session.ID)
	}
	return session.URL, nil
}

// GetSubscription fetches a subscription; the webhook parser reads the
// owning tenant and plan price from it.
func (client *Client) GetSubscription(ctx context.Context, subscriptionID string) (stripeSubscription, error) {
	var subscription stripeSubscription
	err := client.doRequest(ctx, http.MethodGet, "/v1/subscriptions/"+url.PathEscape(subscriptionID), nil, "", &subscription)
	return subscription, err
}

// GetInvoice refetches an invoice; used when a webhook payload omits the
// subscription reference.
func (client *Client) GetInvoice(ctx context.Context, invoiceID string) (stripeInvoice, error) {
	var invoice stripeInvoice
	err := client.doRequest(ctx, http.MethodGet, "/v1/invoices/"+url.PathEscape(invoiceID), nil, "", &invoice)
	return invoice, err
}

func (client *Client) doRequest(ctx context.Context, method string, path string, values url.Values, idempotencyKey string, out interface{}) error {
	var body *strings.Reader
	if values != nil {
		body = strings.NewReader(values.Encode())
	} else {
		body = strings.NewReader("")
	}
	request, err := http.NewRequestWithContext(ctx, method, client.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGatewayRequest, err)
	}
	request.Header.Set("Authorization", "Bearer "+client.apiKey)
	if values != nil {
		request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		request.Header.Set("Idempotency-Key", idempotencyKey)
	}

	response, err := client.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGatewayRequest, err)
	}
	defer response.Body.Close()

	if response.StatusCode >= http.StatusBadRequest {
		var stripeErr stripeErrorResponse
		if err := json.NewDecoder(response.Body).Decode(&stripeErr); err != nil {
			return fmt.Errorf("%w: status %d", ErrGatewayRequest, response.StatusCode)
		}
		message := strings.TrimSpace(stripeErr.Error.Message)
		if message == "" {
			return fmt.Errorf("%w: status %d", ErrGatewayRequest, response.StatusCode)
		}
		return fmt.Errorf("%w: %s", ErrGatewayRequest, message)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: malformed response body", ErrGatewayRequest)
	}
	return nil
}

type stripeErrorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

type stripePrice struct {
	ID                string `json:"id"`
	Currency          string `json:"currency"`
	UnitAmount        *int64 `json:"unit_amount"`
	UnitAmountDecimal string `json:"unit_amount_decimal"`
}

type stripeCheckoutSession struct {
	ID       string            `json:"id"`
	URL      string            `json:"url"`
	Mode     string            `json:"mode"`
	Metadata map[string]string `json:"metadata"`
}

type stripeSubscription struct {
	ID                 string            `json:"id"`
	Customer           string            `json:"customer"`
	Metadata           map[string]string `json:"metadata"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	Items              struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

type stripeInvoice struct {
	ID           string            `json:"id"`
	Customer     string            `json:"customer"`
	Subscription string            `json:"subscription"`
	Lines        stripeInvoiceList `json:"lines"`
}

type stripeInvoiceList struct {
	Data []stripeInvoiceLine `json:"data"`
}

type stripeInvoiceLine struct {
	Metadata map[string]string `json:"metadata"`
	Price    struct {
		ID string `json:"id"`
	} `json:"price"`
	Period struct {
		Start int64 `json:"start"`
		End   int64 `json:"end"`
	} `json:"period"`
	Parent struct {
		SubscriptionItemDetails struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_item_details"`
	} `json:"parent"`
}
