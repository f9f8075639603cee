package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/platinummonkey/netforge/pkg/orgs"
)

// TierMetadataKey is the product metadata key mapping a provider product to a plan tier
const TierMetadataKey = "netforge_tier"

// SignatureTolerance bounds the age of a signed webhook
const SignatureTolerance = 5 * time.Minute

// Provider is the subset of the payment provider API billing drives
type Provider interface {
	CreateCustomer(ctx context.Context, orgID, name string) (string, error)
	CreateSubscription(ctx context.Context, customerID, priceID, paymentMethodID, orgID string) (*ProviderSubscription, error)
	ChangePrice(ctx context.Context, subscriptionID, priceID string) (*ProviderSubscription, error)
	CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) (*ProviderSubscription, error)
	ResumeSubscription(ctx context.Context, subscriptionID string) (*ProviderSubscription, error)
	ListPrices(ctx context.Context) ([]ProviderPrice, error)
}

// ProviderError is a non-2xx answer from the provider API
type ProviderError struct {
	Status  int
	Type    string
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("payment provider error (%d %s): %s", e.Status, e.Type, e.Message)
}

// ProviderSubscription is the provider's subscription object. Webhook events
// carry it as JSON.
type ProviderSubscription struct {
	ID                 string            `json:"id"`
	Customer           string            `json:"customer"`
	Status             string            `json:"status"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CanceledAt         int64             `json:"canceled_at"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []struct {
			ID    string `json:"id"`
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// PriceID returns the price of the first subscription item
func (p *ProviderSubscription) PriceID() string {
	if len(p.Items.Data) == 0 {
		return ""
	}
	return p.Items.Data[0].Price.ID
}

func (p *ProviderSubscription) itemID() string {
	if len(p.Items.Data) == 0 {
		return ""
	}
	return p.Items.Data[0].ID
}

// apply copies provider state onto sub
func (p *ProviderSubscription) apply(sub *Subscription) {
	sub.StripeSubscriptionID = p.ID
	if p.Customer != "" {
		sub.StripeCustomerID = p.Customer
	}
	sub.Status = SubscriptionStatus(p.Status)
	sub.CurrentPeriodStart = unixTime(p.CurrentPeriodStart)
	sub.CurrentPeriodEnd = unixTime(p.CurrentPeriodEnd)
	sub.CancelAtPeriodEnd = p.CancelAtPeriodEnd
	sub.CanceledAt = unixTime(p.CanceledAt)
}

// ProviderPrice is a recurring price with its expanded product
type ProviderPrice struct {
	ID         string `json:"id"`
	Active     bool   `json:"active"`
	Currency   string `json:"currency"`
	UnitAmount int64  `json:"unit_amount"`
	Recurring  *struct {
		Interval string `json:"interval"`
	} `json:"recurring"`
	Product struct {
		ID       string            `json:"id"`
		Name     string            `json:"name"`
		Active   bool              `json:"active"`
		Metadata map[string]string `json:"metadata"`
	} `json:"product"`
}

// Tier returns the plan tier the price's product is tagged with
func (p ProviderPrice) Tier() (orgs.PlanTier, bool) {
	t := orgs.PlanTier(strings.ToLower(strings.TrimSpace(p.Product.Metadata[TierMetadataKey])))
	return t, t.Valid()
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

func fromStripeSubscription(s *stripe.Subscription) *ProviderSubscription {
	out := &ProviderSubscription{
		ID:                 s.ID,
		Status:             string(s.Status),
		CurrentPeriodStart: s.CurrentPeriodStart,
		CurrentPeriodEnd:   s.CurrentPeriodEnd,
		CancelAtPeriodEnd:  s.CancelAtPeriodEnd,
		CanceledAt:         s.CanceledAt,
		Metadata:           s.Metadata,
	}
	if s.Customer != nil {
		out.Customer = s.Customer.ID
	}
	if s.Items != nil {
		for _, item := range s.Items.Data {
			if item == nil {
				continue
			}
			var entry struct {
				ID    string `json:"id"`
				Price struct {
					ID string `json:"id"`
				} `json:"price"`
			}
			entry.ID = item.ID
			if item.Price != nil {
				entry.Price.ID = item.Price.ID
			}
			out.Items.Data = append(out.Items.Data, entry)
		}
	}
	return out
}

func fromStripePrice(p *stripe.Price) ProviderPrice {
	out := ProviderPrice{
		ID:         p.ID,
		Active:     p.Active,
		Currency:   string(p.Currency),
		UnitAmount: p.UnitAmount,
	}
	if p.Recurring != nil {
		out.Recurring = &struct {
			Interval string `json:"interval"`
		}{Interval: string(p.Recurring.Interval)}
	}
	if p.Product != nil {
		out.Product.ID = p.Product.ID
		out.Product.Name = p.Product.Name
		out.Product.Active = p.Product.Active
		out.Product.Metadata = p.Product.Metadata
	}
	return out
}

// providerError converts stripe-go errors into ProviderError so callers can
// map them to HTTP statuses without importing the SDK
func providerError(err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return fmt.Errorf("payment provider request failed: %w", err)
	}
	msg := se.Msg
	if msg == "" {
		msg = http.StatusText(se.HTTPStatusCode)
	}
	return &ProviderError{Status: se.HTTPStatusCode, Type: string(se.Type), Message: msg}
}

// StripeClient drives the Stripe API through stripe-go
type StripeClient struct {
	api *client.API
}

// NewStripeClient creates a client. baseURL defaults to https://api.stripe.com.
func NewStripeClient(baseURL, secretKey string, httpClient *http.Client) *StripeClient {
	if baseURL == "" {
		baseURL = stripe.APIURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:           stripe.String(strings.TrimRight(baseURL, "/")),
		HTTPClient:    httpClient,
		LeveledLogger: &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	api := &client.API{}
	api.Init(secretKey, &stripe.Backends{API: backend, Connect: backend, Uploads: backend})
	return &StripeClient{api: api}
}

// CreateCustomer creates a customer tagged with the org id
func (c *StripeClient) CreateCustomer(ctx context.Context, orgID, name string) (string, error) {
	params := &stripe.CustomerParams{Name: stripe.String(name)}
	params.Context = ctx
	params.AddMetadata("org_id", orgID)
	cus, err := c.api.Customers.New(params)
	if err != nil {
		return "", providerError(err)
	}
	return cus.ID, nil
}

// CreateSubscription subscribes customerID to priceID
func (c *StripeClient) CreateSubscription(ctx context.Context, customerID, priceID, paymentMethodID, orgID string) (*ProviderSubscription, error) {
	params := &stripe.SubscriptionParams{
		Customer: stripe.String(customerID),
		Items:    []*stripe.SubscriptionItemsParams{{Price: stripe.String(priceID)}},
	}
	if paymentMethodID != "" {
		params.DefaultPaymentMethod = stripe.String(paymentMethodID)
	}
	params.Context = ctx
	params.AddMetadata("org_id", orgID)
	sub, err := c.api.Subscriptions.New(params)
	if err != nil {
		return nil, providerError(err)
	}
	return fromStripeSubscription(sub), nil
}

func (c *StripeClient) update(ctx context.Context, subscriptionID string, params *stripe.SubscriptionParams) (*ProviderSubscription, error) {
	params.Context = ctx
	sub, err := c.api.Subscriptions.Update(subscriptionID, params)
	if err != nil {
		return nil, providerError(err)
	}
	return fromStripeSubscription(sub), nil
}

// ChangePrice swaps the subscription's item onto priceID with proration
func (c *StripeClient) ChangePrice(ctx context.Context, subscriptionID, priceID string) (*ProviderSubscription, error) {
	get := &stripe.SubscriptionParams{}
	get.Context = ctx
	current, err := c.api.Subscriptions.Get(subscriptionID, get)
	if err != nil {
		return nil, providerError(err)
	}

	item := &stripe.SubscriptionItemsParams{Price: stripe.String(priceID)}
	if id := fromStripeSubscription(current).itemID(); id != "" {
		item.ID = stripe.String(id)
	}
	return c.update(ctx, subscriptionID, &stripe.SubscriptionParams{
		Items:             []*stripe.SubscriptionItemsParams{item},
		ProrationBehavior: stripe.String("create_prorations"),
	})
}

// CancelSubscription cancels now or at the end of the current period
func (c *StripeClient) CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) (*ProviderSubscription, error) {
	if atPeriodEnd {
		return c.update(ctx, subscriptionID, &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(true)})
	}
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	sub, err := c.api.Subscriptions.Cancel(subscriptionID, params)
	if err != nil {
		return nil, providerError(err)
	}
	return fromStripeSubscription(sub), nil
}

// ResumeSubscription clears a scheduled cancellation
func (c *StripeClient) ResumeSubscription(ctx context.Context, subscriptionID string) (*ProviderSubscription, error) {
	return c.update(ctx, subscriptionID, &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(false)})
}

// ListPrices pages through every active price with its product expanded
func (c *StripeClient) ListPrices(ctx context.Context) ([]ProviderPrice, error) {
	params := &stripe.PriceListParams{Active: stripe.Bool(true)}
	params.Context = ctx
	params.Limit = stripe.Int64(100)
	params.AddExpand("data.product")

	var all []ProviderPrice
	it := c.api.Prices.List(params)
	for it.Next() {
		all = append(all, fromStripePrice(it.Price()))
	}
	if err := it.Err(); err != nil {
		return nil, providerError(err)
	}
	return all, nil
}

// VerifySignature checks a Stripe-Signature header against payload. The
// HMAC is verified by stripe-go; the timestamp is checked against now so the
// caller's clock decides freshness, in both directions.
func VerifySignature(payload []byte, header, secret string, now time.Time, tolerance time.Duration) error {
	if err := webhook.ValidatePayloadIgnoringTolerance(payload, header, secret); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	ts, ok := signatureTimestamp(header)
	if !ok {
		return ErrInvalidSignature
	}
	age := now.Sub(ts)
	if age > tolerance || age < -tolerance {
		return ErrSignatureExpired
	}
	return nil
}

// signatureTimestamp reads the t= element of a header stripe-go accepted
func signatureTimestamp(header string) (time.Time, bool) {
	for _, part := range strings.Split(header, ",") {
		k, v, _ := strings.Cut(strings.TrimSpace(part), "=")
		if k != "t" {
			continue
		}
		sec, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		return time.Unix(sec, 0), true
	}
	return time.Time{}, false
}
