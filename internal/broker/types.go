package broker

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// AccountSnapshot is the balance view the sizer consumes.
type AccountSnapshot struct {
	AccountID                  string          `json:"account_id"`
	CashAvailableForInvestment decimal.Decimal `json:"cash_available_for_investment"`
	TotalValue                 decimal.Decimal `json:"total_value"`
	FetchedAt                  time.Time       `json:"fetched_at"`
}

// BrokerPosition is a holding as the broker reports it. OwnerTag is
// empty for positions this strategy does not own.
type BrokerPosition struct {
	Symbol     string          `json:"symbol"`
	Quantity   int64           `json:"quantity"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	OwnerTag   string          `json:"owner_tag"`
}

// Side is an order direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// PriceType selects limit versus market execution.
type PriceType string

const (
	PriceTypeLimit  PriceType = "LIMIT"
	PriceTypeMarket PriceType = "MARKET"
)

// OrderRequest is one order as handed to preview and place. The
// ClientOrderID doubles as the idempotency key: transport-level retries
// reuse it and the broker deduplicates.
type OrderRequest struct {
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Quantity      int64           `json:"quantity"`
	PriceType     PriceType       `json:"price_type"`
	LimitPrice    decimal.Decimal `json:"limit_price,omitempty"`
	OwnerTag      string          `json:"owner_tag"`
}

// PreviewResult is the broker's dry-run verdict.
type PreviewResult struct {
	PreviewID     string          `json:"preview_id"`
	EstimatedCost decimal.Decimal `json:"estimated_cost"`
	Messages      []string        `json:"messages,omitempty"`
}

// OrderState is the broker-side order lifecycle.
type OrderState string

const (
	OrderOpen            OrderState = "OPEN"
	OrderExecuted        OrderState = "EXECUTED"
	OrderPartiallyFilled OrderState = "PARTIAL"
	OrderCancelled       OrderState = "CANCELLED"
	OrderRejected        OrderState = "REJECTED"
)

// Terminal reports whether the state is final.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderExecuted, OrderCancelled, OrderRejected:
		return true
	}
	return false
}

// OrderStatus is one poll of an order.
type OrderStatus struct {
	OrderID        string          `json:"order_id"`
	State          OrderState      `json:"state"`
	FilledQuantity int64           `json:"filled_quantity"`
	AvgFillPrice   decimal.Decimal `json:"avg_fill_price"`
	Reason         string          `json:"reason,omitempty"`
}

// ErrPreviewRejected means the broker's dry run refused the order.
var ErrPreviewRejected = fmt.Errorf("order preview rejected")
