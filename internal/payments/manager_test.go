package payments

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v78"
)

type fakeProvider struct {
	lastOp  string
	session CheckoutSession
	payment PaymentDetails
	err     error
}

func (f *fakeProvider) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error) {
	f.lastOp = "create"
	return f.session, f.err
}

func (f *fakeProvider) Refund(ctx context.Context, req RefundRequest) (PaymentDetails, error) {
	f.lastOp = "refund"
	return f.payment, f.err
}

var _ Provider = (*fakeProvider)(nil)

func TestManagerCreateCheckoutSessionUsesPreferredProvider(t *testing.T) {
	ctx := context.Background()
	stripeFake := &fakeProvider{session: CheckoutSession{ID: "sess_stripe"}}
	paypal := &fakeProvider{session: CheckoutSession{ID: "sess_paypal"}}

	mgr, err := NewManager(map[string]Provider{
		"stripe": stripeFake,
		"paypal": paypal,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	session, err := mgr.CreateCheckoutSession(ctx, PaymentContext{PreferredProvider: "paypal"}, CheckoutSessionRequest{Currency: "USD"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	if session.Provider != "paypal" {
		t.Fatalf("expected provider 'paypal', got %q", session.Provider)
	}
	if paypal.lastOp != "create" {
		t.Fatalf("expected paypal provider to handle call")
	}
	if stripeFake.lastOp != "" {
		t.Fatalf("expected stripe provider to remain unused")
	}
}

func TestManagerRefundFallsBackToDefault(t *testing.T) {
	ctx := context.Background()
	stripeFake := &fakeProvider{payment: PaymentDetails{Provider: "stripe", Status: StatusRefunded}}

	mgr, err := NewManager(map[string]Provider{"stripe": stripeFake})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	details, err := mgr.Refund(ctx, PaymentContext{}, RefundRequest{IntentID: "pi_123"})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if stripeFake.lastOp != "refund" {
		t.Fatalf("expected refund to invoke default provider")
	}
	if details.Status != StatusRefunded {
		t.Fatalf("unexpected details: %+v", details)
	}
}

func TestManagerUnsupportedProvider(t *testing.T) {
	ctx := context.Background()
	mgr, err := NewManager(map[string]Provider{"stripe": &fakeProvider{}, "paypal": &fakeProvider{}}, WithDefaultProvider(""))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	_, err = mgr.CreateCheckoutSession(ctx, PaymentContext{PreferredProvider: "unknown"}, CheckoutSessionRequest{Currency: "USD"})
	if !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("expected ErrUnsupportedProvider, got %v", err)
	}
}

func TestNewManagerValidatesProviders(t *testing.T) {
	if _, err := NewManager(map[string]Provider{"bad": nil}); err == nil {
		t.Fatalf("expected error for nil provider")
	}
	if _, err := NewManager(nil); err == nil {
		t.Fatalf("expected error when providers empty")
	}
}

type fakeStripeSessions struct {
	params *stripe.CheckoutSessionParams
}

func (f *fakeStripeSessions) New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	f.params = params
	return &stripe.CheckoutSession{ID: "cs_test"}, nil
}

type fakeStripeIntents struct {
	intent *stripe.PaymentIntent
}

func (f *fakeStripeIntents) Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return f.intent, nil
}

type fakeStripeRefunds struct {
	params *stripe.RefundParams
}

func (f *fakeStripeRefunds) New(params *stripe.RefundParams) (*stripe.Refund, error) {
	f.params = params
	return &stripe.Refund{ID: "re_test"}, nil
}

func TestStripeRefundReportsRefundedPayment(t *testing.T) {
	refunds := &fakeStripeRefunds{}
	intents := &fakeStripeIntents{intent: &stripe.PaymentIntent{
		ID:       "pi_123",
		Amount:   3740,
		Currency: stripe.CurrencyUSD,
		Status:   stripe.PaymentIntentStatusSucceeded,
		LatestCharge: &stripe.Charge{
			Amount:         3740,
			AmountRefunded: 3740,
			Refunded:       true,
			Created:        time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC).Unix(),
		},
	}}

	provider, err := NewStripeProvider(StripeProviderConfig{
		Clients: &stripeClients{
			sessions: &fakeStripeSessions{},
			intents:  intents,
			refunds:  refunds,
		},
	})
	if err != nil {
		t.Fatalf("new stripe provider: %v", err)
	}

	details, err := provider.Refund(context.Background(), RefundRequest{
		IntentID:       "pi_123",
		Reason:         "requested_by_customer",
		IdempotencyKey: "refund-ord_1",
	})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}

	if refunds.params == nil || refunds.params.PaymentIntent == nil || *refunds.params.PaymentIntent != "pi_123" {
		t.Fatalf("expected refund created for pi_123, got %+v", refunds.params)
	}
	if refunds.params.Reason == nil || *refunds.params.Reason != string(stripe.RefundReasonRequestedByCustomer) {
		t.Fatalf("expected normalised refund reason, got %+v", refunds.params.Reason)
	}
	if details.Status != StatusRefunded {
		t.Fatalf("expected refunded status, got %s", details.Status)
	}
	if details.RefundedAt == nil {
		t.Fatalf("expected refunded timestamp")
	}
}
