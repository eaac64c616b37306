package payment

import (
	"context"

	"github.com/google/uuid"
)

// Method способ оплаты брони
type Method string

const (
	// MethodWallet списание с внутреннего кошелька, синхронно
	MethodWallet Method = "wallet"
	// MethodGateway оплата через внешний шлюз, результат приходит асинхронно
	MethodGateway Method = "gateway"
)

// Payer кто и чем платит
type Payer struct {
	UserID uuid.UUID
	Method Method
}

// Checkout запрос на оплату через шлюз
type Checkout struct {
	Amount      int64
	Currency    string
	UserID      uuid.UUID
	ExpertID    uuid.UUID
	Description string
	Metadata    map[string]string
	// IdempotencyKey повтор с тем же ключом не создаёт второй платёж
	IdempotencyKey string
}

// CheckoutSession начатый платёж во внешнем шлюзе
type CheckoutSession struct {
	Reference    string
	ClientSecret string
}

// Gateway внешний платёжный шлюз
type Gateway interface {
	StartCheckout(ctx context.Context, checkout Checkout) (*CheckoutSession, error)
	Refund(ctx context.Context, reference string, amount int64) error
}

// ResultStatus итог платежа во шлюзе
type ResultStatus string

const (
	ResultSucceeded ResultStatus = "succeeded"
	ResultFailed    ResultStatus = "failed"
	ResultAbandoned ResultStatus = "abandoned"
)

// Result асинхронный результат платежа. Доставляется "хотя бы один раз".
type Result struct {
	Reference string
	Status    ResultStatus
	Reason    string
	// Amount и Metadata повторяют данные платежа во шлюзе (user_id, expert_id, attempt_id)
	Amount   int64
	Metadata map[string]string
}

// ResultHandler принимает результаты платежей из шлюза
type ResultHandler interface {
	ConfirmGatewayPayment(ctx context.Context, result Result) error
}
