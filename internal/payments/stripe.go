package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/checkout/session"
)

var ErrNotConfigured = errors.New("payments: stripe api key not configured")

// StripeClient issues hosted checkout links for online orders. The order id
// travels as client reference and metadata so the payment callback can be
// matched back to it.
type StripeClient struct {
	currency   string
	successURL string
	cancelURL  string

	newSession func(*stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type Config struct {
	APIKey     string
	Currency   string
	SuccessURL string
	CancelURL  string
}

// NewStripeClient sets the global stripe key from cfg.
func NewStripeClient(cfg Config) *StripeClient {
	if cfg.APIKey != "" {
		stripe.Key = cfg.APIKey
	}
	currency := strings.ToLower(cfg.Currency)
	if currency == "" {
		currency = "usd"
	}
	return &StripeClient{
		currency:   currency,
		successURL: cfg.SuccessURL,
		cancelURL:  cfg.CancelURL,
		newSession: session.New,
	}
}

// CreatePaymentLink opens a checkout session for amount and returns its URL.
func (s *StripeClient) CreatePaymentLink(ctx context.Context, orderID string, amount decimal.Decimal) (string, error) {
	if stripe.Key == "" {
		return "", ErrNotConfigured
	}
	params, err := s.sessionParams(orderID, amount)
	if err != nil {
		return "", err
	}
	params.Context = ctx
	cs, err := s.newSession(params)
	if err != nil {
		return "", fmt.Errorf("stripe checkout session: %w", err)
	}
	return cs.URL, nil
}

func (s *StripeClient) sessionParams(orderID string, amount decimal.Decimal) (*stripe.CheckoutSessionParams, error) {
	cents := amount.Mul(decimal.NewFromInt(100)).Round(0)
	if !cents.IsPositive() {
		return nil, fmt.Errorf("payment amount %s must be positive", amount)
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(orderID),
		SuccessURL:        stripe.String(withOrder(s.successURL, orderID)),
		CancelURL:         stripe.String(withOrder(s.cancelURL, orderID)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(s.currency),
				UnitAmount: stripe.Int64(cents.IntPart()),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String("Ride " + orderID),
				},
			},
		}},
	}
	params.AddMetadata("order_id", orderID)
	return params, nil
}

// withOrder fills an {order_id} placeholder in a redirect URL.
func withOrder(u, orderID string) string {
	return strings.ReplaceAll(u, "{order_id}", orderID)
}
