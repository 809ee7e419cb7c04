// Package payments moves money through the payment processor. The billing
// engine only sees ChargeRequest and ChargeResult.
package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"go.uber.org/zap"
)

// ProviderStripe is the payment_provider value stored for Stripe methods.
const ProviderStripe = "stripe"

const (
	MetadataCompanyID = "company_id"
	MetadataAttemptID = "recharge_attempt_id"
)

// ChargeStatus is the processor's verdict on a charge.
type ChargeStatus string

const (
	ChargeSucceeded ChargeStatus = "succeeded"
	ChargeFailed    ChargeStatus = "failed"
	// ChargePending means the outcome arrives later through a webhook.
	ChargePending ChargeStatus = "pending"
)

// ChargeRequest charges a stored payment method off-session.
type ChargeRequest struct {
	CompanyID       uuid.UUID
	AttemptID       uuid.UUID
	CustomerID      string
	PaymentMethodID string
	Amount          decimal.Decimal
}

// ChargeResult is the synchronous answer from the processor.
type ChargeResult struct {
	Status         ChargeStatus
	ProviderRef    string
	FailureMessage string
}

// StripeGateway charges wallets through Stripe PaymentIntents.
type StripeGateway struct {
	client *client.API
	logger *zap.Logger
}

// NewStripeGateway creates a gateway for the given secret key. backends may
// be nil to use Stripe's default endpoints.
func NewStripeGateway(secretKey string, backends *stripe.Backends, logger *zap.Logger) *StripeGateway {
	return &StripeGateway{
		client: client.New(secretKey, backends),
		logger: logger,
	}
}

// Charge creates and confirms a PaymentIntent. A card decline is a failed
// result, not an error; an error means the outcome is unknown.
func (g *StripeGateway) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	cents, err := ToCents(req.Amount)
	if err != nil {
		return ChargeResult{}, err
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(cents),
		Currency:      stripe.String(string(stripe.CurrencyUSD)),
		Customer:      stripe.String(req.CustomerID),
		PaymentMethod: stripe.String(req.PaymentMethodID),
		OffSession:    stripe.Bool(true),
		Confirm:       stripe.Bool(true),
		Description:   stripe.String("Wallet recharge"),
	}
	params.Context = ctx
	params.SetIdempotencyKey("recharge-" + req.AttemptID.String())
	params.AddMetadata(MetadataCompanyID, req.CompanyID.String())
	params.AddMetadata(MetadataAttemptID, req.AttemptID.String())

	pi, err := g.client.PaymentIntents.New(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeCard {
			result := ChargeResult{Status: ChargeFailed, FailureMessage: stripeErr.Msg}
			if stripeErr.PaymentIntent != nil {
				result.ProviderRef = stripeErr.PaymentIntent.ID
			}
			g.logger.Warn("stripe declined recharge",
				zap.String("company_id", req.CompanyID.String()),
				zap.String("attempt_id", req.AttemptID.String()),
				zap.String("decline_code", string(stripeErr.DeclineCode)),
			)
			return result, nil
		}
		return ChargeResult{}, fmt.Errorf("failed to create payment intent: %w", err)
	}

	return resultFromIntent(pi), nil
}

// resultFromIntent maps a PaymentIntent state onto a charge result.
func resultFromIntent(pi *stripe.PaymentIntent) ChargeResult {
	result := ChargeResult{ProviderRef: pi.ID}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		result.Status = ChargeSucceeded
	case stripe.PaymentIntentStatusProcessing:
		result.Status = ChargePending
	default:
		result.Status = ChargeFailed
		result.FailureMessage = fmt.Sprintf("payment intent %s", pi.Status)
		if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
			result.FailureMessage = pi.LastPaymentError.Msg
		}
	}
	return result
}

// ToCents converts a USD amount to integer cents. Sub-cent amounts are rejected.
func ToCents(amount decimal.Decimal) (int64, error) {
	cents := amount.Shift(2)
	if !cents.IsInteger() || !cents.IsPositive() {
		return 0, fmt.Errorf("amount %s is not a positive whole number of cents", amount)
	}
	return cents.IntPart(), nil
}

// FromCents converts integer cents to a USD amount.
func FromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}
