package payments

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v74"
)

func TestSessionParams(t *testing.T) {
	s := NewStripeClient(Config{Currency: "EUR", SuccessURL: "https://app/paid/{order_id}", CancelURL: "https://app/cancel"})
	p, err := s.sessionParams("o1", decimal.RequireFromString("13.605"))
	if err != nil {
		t.Fatal(err)
	}
	item := p.LineItems[0].PriceData
	if *item.UnitAmount != 1361 || *item.Currency != "eur" {
		t.Fatalf("unit amount %d %s", *item.UnitAmount, *item.Currency)
	}
	if *p.SuccessURL != "https://app/paid/o1" || *p.ClientReferenceID != "o1" {
		t.Fatalf("success url %s ref %s", *p.SuccessURL, *p.ClientReferenceID)
	}
	if p.Metadata["order_id"] != "o1" {
		t.Fatalf("metadata %v", p.Metadata)
	}

	if _, err := s.sessionParams("o1", decimal.Zero); err == nil {
		t.Fatal("expected zero amount to be rejected")
	}
}

func TestCreatePaymentLink(t *testing.T) {
	prev := stripe.Key
	stripe.Key = "sk_test_x"
	defer func() { stripe.Key = prev }()

	s := NewStripeClient(Config{})
	var got *stripe.CheckoutSessionParams
	s.newSession = func(p *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
		got = p
		return &stripe.CheckoutSession{URL: "https://checkout.stripe.test/c/1"}, nil
	}
	url, err := s.CreatePaymentLink(context.Background(), "o9", decimal.RequireFromString("10.88"))
	if err != nil {
		t.Fatal(err)
	}
	if url != "https://checkout.stripe.test/c/1" || got.Context == nil {
		t.Fatalf("url %s", url)
	}
	if *got.LineItems[0].PriceData.Currency != "usd" {
		t.Fatal("default currency should be usd")
	}

	s.newSession = func(*stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
		return nil, errors.New("boom")
	}
	if _, err := s.CreatePaymentLink(context.Background(), "o9", decimal.RequireFromString("1")); err == nil {
		t.Fatal("expected stripe error")
	}
}

func TestCreatePaymentLinkNeedsKey(t *testing.T) {
	prev := stripe.Key
	stripe.Key = ""
	defer func() { stripe.Key = prev }()
	s := NewStripeClient(Config{})
	if _, err := s.CreatePaymentLink(context.Background(), "o1", decimal.RequireFromString("1")); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("got %v", err)
	}
}
