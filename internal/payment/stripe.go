package payment

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/paymentintent"
	"github.com/stripe/stripe-go/v76/refund"
	"go.uber.org/zap"
)

// StripeGateway шлюз на Stripe PaymentIntents
type StripeGateway struct {
	logger *zap.Logger
}

// NewStripeGateway настраивает глобальный ключ Stripe
func NewStripeGateway(secretKey string, logger *zap.Logger) *StripeGateway {
	stripe.Key = secretKey
	return &StripeGateway{logger: logger}
}

// StartCheckout создаёт PaymentIntent; ссылкой на платёж служит его ID
func (g *StripeGateway) StartCheckout(ctx context.Context, checkout Checkout) (*CheckoutSession, error) {
	params := &stripe.PaymentIntentParams{
		Amount:      stripe.Int64(checkout.Amount),
		Currency:    stripe.String(checkout.Currency),
		Description: stripe.String(checkout.Description),
	}
	params.Context = ctx
	params.AddMetadata("user_id", checkout.UserID.String())
	params.AddMetadata("expert_id", checkout.ExpertID.String())
	for k, v := range checkout.Metadata {
		params.AddMetadata(k, v)
	}
	if checkout.IdempotencyKey != "" {
		params.SetIdempotencyKey(checkout.IdempotencyKey)
	}

	pi, err := paymentintent.New(params)
	if err != nil {
		return nil, fmt.Errorf("create payment intent: %w", err)
	}

	g.logger.Info("Payment intent created",
		zap.String("payment_intent", pi.ID),
		zap.Int64("amount", checkout.Amount),
		zap.String("currency", checkout.Currency))

	return &CheckoutSession{Reference: pi.ID, ClientSecret: pi.ClientSecret}, nil
}

// Refund возвращает оплату; amount <= 0 означает полный возврат
func (g *StripeGateway) Refund(ctx context.Context, reference string, amount int64) error {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(reference),
	}
	if amount > 0 {
		params.Amount = stripe.Int64(amount)
	}
	params.Context = ctx
	params.SetIdempotencyKey("refund:" + reference)

	r, err := refund.New(params)
	if err != nil {
		return fmt.Errorf("create refund: %w", err)
	}

	g.logger.Info("Payment refunded",
		zap.String("payment_intent", reference),
		zap.String("refund_id", r.ID),
		zap.Int64("amount", r.Amount))

	return nil
}
